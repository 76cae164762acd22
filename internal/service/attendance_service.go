package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/campushq/attendance-api/internal/models"
	appErrors "github.com/campushq/attendance-api/pkg/errors"
)

type attendanceRepository interface {
	InsertCheckIn(ctx context.Context, record *models.AttendanceRecord) (bool, error)
	FindBySessionAndStudent(ctx context.Context, sessionID, studentID string) (*models.AttendanceRecord, error)
	ListRoster(ctx context.Context, sessionID, sectionID string) ([]models.AttendanceRecordRow, error)
	BulkSetStatus(ctx context.Context, sessionID string, studentIDs []string, status models.AttendanceStatus) (int64, error)
	UpsertManualMark(ctx context.Context, record *models.AttendanceRecord) error
}

type recorderSessionReader interface {
	FindByID(ctx context.Context, id string) (*models.AttendanceSession, error)
}

type enrollmentGate interface {
	CheckEnrolled(ctx context.Context, studentID, sectionID string) error
	Diagnose(ctx context.Context, studentID, requiredSectionID string) *models.EnrollmentDiagnostics
}

// AttendanceService validates and records check-in attempts.
type AttendanceService struct {
	records   attendanceRepository
	sessions  recorderSessionReader
	gate      enrollmentGate
	tokens    *QRTokenService
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	grace     time.Duration
}

// NewAttendanceService constructs the attendance service.
func NewAttendanceService(records attendanceRepository, sessions recorderSessionReader, gate enrollmentGate, tokens *QRTokenService, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger, grace time.Duration) *AttendanceService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if grace <= 0 {
		grace = 10 * time.Minute
	}
	svc := &AttendanceService{
		records:   records,
		sessions:  sessions,
		gate:      gate,
		tokens:    tokens,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		grace:     grace,
	}
	svc.validator.RegisterValidation("attendance_status", func(fl validator.FieldLevel) bool {
		return models.AttendanceStatus(strings.ToUpper(fl.Field().String())).Valid()
	})
	return svc
}

// CheckInRequest describes a single check-in attempt.
type CheckInRequest struct {
	SessionID string `json:"session_id" validate:"required"`
	StudentID string `json:"-"`
	Method    models.AttendanceMethod
	Token     string
	// Legacy marks a token-less JSON payload scan. It bypasses token
	// validation at reduced trust.
	Legacy bool
}

// RecordCheckIn runs the validation pipeline in order, short-circuiting on
// the first failure:
//
//	session exists -> session open -> token valid -> enrolled ->
//	not already marked -> classify timing -> persist.
//
// Check-in is idempotent per (session, student): a repeat attempt returns
// the existing record with the already_marked notice, never an error and
// never a second row. Openness is re-validated inside the persisting
// INSERT, so a close that commits between the pre-read and the write
// fails closed as SESSION_NOT_OPEN.
func (s *AttendanceService) RecordCheckIn(ctx context.Context, req CheckInRequest) (*models.CheckInResult, error) {
	result, err := s.recordCheckIn(ctx, req)
	s.observe(result, err)
	return result, err
}

func (s *AttendanceService) recordCheckIn(ctx context.Context, req CheckInRequest) (*models.CheckInResult, error) {
	if req.SessionID == "" || req.StudentID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "session id and student id required")
	}
	now := time.Now().UTC()

	// Step 1: session must exist. Store failures are DATA_UNAVAILABLE,
	// retryable, never conflated with a validation rejection.
	session, err := s.sessions.FindByID(ctx, req.SessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrSessionNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrDataUnavailable.Code, appErrors.ErrDataUnavailable.Status, "failed to load session")
	}

	// Step 2: open and unlocked.
	if !session.Open() {
		return nil, appErrors.Clone(appErrors.ErrSessionNotOpen,
			fmt.Sprintf("session is %s%s", strings.ToLower(string(session.Status)), lockSuffix(session)))
	}

	// Step 3: QR scans need a live token. Legacy payloads bypass this
	// check and are logged as reduced trust.
	if req.Method == models.MethodQRCode {
		if req.Legacy {
			s.logger.Warn("reduced-trust legacy check-in",
				zap.String("session_id", req.SessionID), zap.String("student_id", req.StudentID))
		} else if err := s.tokens.Validate(session, req.Token, now); err != nil {
			return nil, err
		}
	}

	// Step 4: enrollment gate, fail closed.
	if err := s.gate.CheckEnrolled(ctx, req.StudentID, session.SectionID); err != nil {
		if appErrors.HasCode(err, appErrors.ErrNotEnrolled) {
			if diag := s.gate.Diagnose(ctx, req.StudentID, session.SectionID); diag != nil {
				s.logger.Info("enrollment denial diagnostics",
					zap.String("student_id", req.StudentID),
					zap.String("required_section", diag.RequiredSectionID),
					zap.Strings("active_sections", diag.ActiveSectionIDs))
				return nil, appErrors.Clone(appErrors.ErrNotEnrolled,
					fmt.Sprintf("student is not enrolled in section %s (holds %d active enrollments elsewhere)",
						diag.RequiredSectionID, diag.ActiveCount))
			}
		}
		return nil, err
	}

	// Step 5: idempotent short-circuit.
	if existing, err := s.records.FindBySessionAndStudent(ctx, req.SessionID, req.StudentID); err == nil {
		return &models.CheckInResult{Record: existing, AlreadyMarked: true}, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrDataUnavailable.Code, appErrors.ErrDataUnavailable.Status, "failed to check existing record")
	}

	// Step 6: classify against the original scheduled start. Extensions
	// move the end of the window, never the grace cutoff, and a live
	// check-in is never classified ABSENT.
	record := &models.AttendanceRecord{
		SessionID:   req.SessionID,
		StudentID:   req.StudentID,
		Status:      s.classify(session.StartTime, now),
		CheckedInAt: &now,
		Method:      req.Method,
	}

	// Step 7: persist. Zero rows means either a concurrent duplicate
	// (coalesce to already_marked) or the session closed under us.
	inserted, err := s.records.InsertCheckIn(ctx, record)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrDataUnavailable.Code, appErrors.ErrDataUnavailable.Status, "failed to persist check-in")
	}
	if !inserted {
		if existing, err := s.records.FindBySessionAndStudent(ctx, req.SessionID, req.StudentID); err == nil {
			return &models.CheckInResult{Record: existing, AlreadyMarked: true}, nil
		}
		return nil, appErrors.Clone(appErrors.ErrSessionNotOpen, "session closed before the check-in was saved")
	}
	return &models.CheckInResult{Record: record}, nil
}

// classify maps a check-in instant to present or late relative to the
// scheduled start plus the grace threshold.
func (s *AttendanceService) classify(startTime, checkedInAt time.Time) models.AttendanceStatus {
	if !checkedInAt.After(startTime.Add(s.grace)) {
		return models.AttendanceStatusPresent
	}
	return models.AttendanceStatusLate
}

// BulkStatusRequest is the lecturer's correction payload.
type BulkStatusRequest struct {
	StudentIDs []string `json:"student_ids" validate:"required,min=1"`
	Status     string   `json:"status" validate:"required,attendance_status"`
}

// SetStatusForSelected overwrites status on existing records. Trusted
// manual correction: no token, enrollment or timing validation, and it
// remains available after the session closes.
func (s *AttendanceService) SetStatusForSelected(ctx context.Context, sessionID string, req BulkStatusRequest) (int64, error) {
	if err := s.validator.Struct(req); err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payload")
	}
	if _, err := s.sessions.FindByID(ctx, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, appErrors.ErrSessionNotFound
		}
		return 0, appErrors.Wrap(err, appErrors.ErrDataUnavailable.Code, appErrors.ErrDataUnavailable.Status, "failed to load session")
	}
	status := models.AttendanceStatus(strings.ToUpper(req.Status))
	updated, err := s.records.BulkSetStatus(ctx, sessionID, req.StudentIDs, status)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update records")
	}
	s.logger.Info("bulk status override",
		zap.String("session_id", sessionID), zap.Int("students", len(req.StudentIDs)),
		zap.String("status", string(status)), zap.Int64("updated", updated))
	return updated, nil
}

// MarkManual records or overwrites a single student's status on the
// lecturer's behalf, for students who never scanned.
func (s *AttendanceService) MarkManual(ctx context.Context, sessionID, studentID string, status models.AttendanceStatus) (*models.AttendanceRecord, error) {
	if !status.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "invalid attendance status")
	}
	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrSessionNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrDataUnavailable.Code, appErrors.ErrDataUnavailable.Status, "failed to load session")
	}
	if err := s.gate.CheckEnrolled(ctx, studentID, session.SectionID); err != nil {
		return nil, err
	}
	record := &models.AttendanceRecord{
		SessionID: sessionID,
		StudentID: studentID,
		Status:    status,
		Method:    models.MethodManual,
	}
	if err := s.records.UpsertManualMark(ctx, record); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mark attendance")
	}
	return record, nil
}

// ListRoster returns the session roster with synthesised ABSENT rows for
// enrolled students who never checked in. This is the stable read shape
// the UI tables and the export endpoint consume.
func (s *AttendanceService) ListRoster(ctx context.Context, sessionID string) ([]models.AttendanceRecordRow, error) {
	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrSessionNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrDataUnavailable.Code, appErrors.ErrDataUnavailable.Status, "failed to load session")
	}
	rows, err := s.records.ListRoster(ctx, sessionID, session.SectionID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load roster")
	}
	return rows, nil
}

func (s *AttendanceService) observe(result *models.CheckInResult, err error) {
	if s.metrics == nil {
		return
	}
	switch {
	case err != nil:
		s.metrics.RecordCheckIn(strings.ToLower(appErrors.FromError(err).Code))
	case result != nil && result.AlreadyMarked:
		s.metrics.RecordCheckIn("already_marked")
	default:
		s.metrics.RecordCheckIn("recorded")
	}
}

func lockSuffix(session *models.AttendanceSession) string {
	if session.Status == models.SessionStatusActive && session.Locked {
		return " (locked)"
	}
	return ""
}
