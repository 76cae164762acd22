package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/campushq/attendance-api/internal/models"
	appErrors "github.com/campushq/attendance-api/pkg/errors"
)

type sessionRepository interface {
	FindByID(ctx context.Context, id string) (*models.AttendanceSession, error)
	FindDetailByID(ctx context.Context, id string) (*models.SessionDetail, error)
	List(ctx context.Context, filter models.SessionFilter) ([]models.SessionDetail, int, error)
	Create(ctx context.Context, session *models.AttendanceSession) error
	Delete(ctx context.Context, id string) error
	Activate(ctx context.Context, id, token string, tokenExpiry time.Time) (bool, error)
	SetLocked(ctx context.Context, id string, locked bool) (bool, error)
	Extend(ctx context.Context, id string, newEnd, newTokenExpiry time.Time) (bool, error)
	Complete(ctx context.Context, id string) (bool, error)
	CompleteExpired(ctx context.Context, now time.Time) ([]string, error)
}

// summaryFinalizer produces the immutable summary snapshot at close time.
type summaryFinalizer interface {
	Finalize(ctx context.Context, sessionID string) error
}

// SessionService drives the session state machine: SCHEDULED -> ACTIVE ->
// COMPLETED, with lock and extension side transitions. Every transition is
// a status-guarded single-row UPDATE, so concurrent lecturer actions
// resolve at the store and losers surface as INVALID_TRANSITION.
type SessionService struct {
	repo      sessionRepository
	tokens    *QRTokenService
	finalizer summaryFinalizer
	validator *validator.Validate
	logger    *zap.Logger
}

// NewSessionService constructs the session service.
func NewSessionService(repo sessionRepository, tokens *QRTokenService, finalizer summaryFinalizer, validate *validator.Validate, logger *zap.Logger) *SessionService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &SessionService{repo: repo, tokens: tokens, finalizer: finalizer, validator: validate, logger: logger}
	svc.validator.RegisterValidation("attendance_method", func(fl validator.FieldLevel) bool {
		return models.AttendanceMethod(fl.Field().String()).Valid()
	})
	return svc
}

// CreateSessionRequest describes a lecturer scheduling a session.
type CreateSessionRequest struct {
	CourseID  string    `json:"course_id" validate:"required"`
	SectionID string    `json:"section_id" validate:"required"`
	Name      string    `json:"name" validate:"required"`
	Date      string    `json:"date" validate:"required"`
	StartTime time.Time `json:"start_time" validate:"required"`
	EndTime   time.Time `json:"end_time" validate:"required"`
	Location  *string   `json:"location"`
	Method    string    `json:"method" validate:"omitempty,attendance_method"`
	CreatedBy string    `json:"-"`
}

// Create schedules a new session.
func (s *SessionService) Create(ctx context.Context, req CreateSessionRequest) (*models.AttendanceSession, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payload")
	}
	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "invalid date format, expected YYYY-MM-DD")
	}
	if req.EndTime.Before(req.StartTime) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "end time must not precede start time")
	}
	method := models.AttendanceMethod(req.Method)
	if method == "" {
		method = models.MethodQRCode
	}
	session := &models.AttendanceSession{
		CourseID:  req.CourseID,
		SectionID: req.SectionID,
		Name:      req.Name,
		Date:      date,
		StartTime: req.StartTime.UTC(),
		EndTime:   req.EndTime.UTC(),
		Location:  req.Location,
		Method:    method,
		Status:    models.SessionStatusScheduled,
		CreatedBy: req.CreatedBy,
	}
	if err := s.repo.Create(ctx, session); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create session")
	}
	return session, nil
}

// Get returns a session with course and section labels.
func (s *SessionService) Get(ctx context.Context, id string) (*models.SessionDetail, error) {
	detail, err := s.repo.FindDetailByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrSessionNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrDataUnavailable.Code, appErrors.ErrDataUnavailable.Status, "failed to load session")
	}
	return detail, nil
}

// List returns paginated sessions.
func (s *SessionService) List(ctx context.Context, filter models.SessionFilter) ([]models.SessionDetail, *models.Pagination, error) {
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	filter.Page = page
	filter.PageSize = size
	sessions, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list sessions")
	}
	pagination := &models.Pagination{Page: page, PageSize: size, TotalCount: total}
	return sessions, pagination, nil
}

// Start transitions SCHEDULED -> ACTIVE and installs a fresh QR token
// valid for the remaining scheduled duration.
func (s *SessionService) Start(ctx context.Context, id string) (*models.AttendanceSession, error) {
	session, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	validFor := session.EndTime.Sub(now)
	token, expiry, err := s.tokens.Issue(validFor, now)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to issue QR token")
	}

	ok, err := s.repo.Activate(ctx, id, token, expiry)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to start session")
	}
	if !ok {
		return nil, s.invalidTransition(ctx, id, session.Status, "start")
	}
	s.logger.Info("session started", zap.String("session_id", id), zap.Time("token_expiry", expiry))
	return s.load(ctx, id)
}

// Lock pauses check-ins without changing status. Existing records stay.
func (s *SessionService) Lock(ctx context.Context, id string) (*models.AttendanceSession, error) {
	return s.setLocked(ctx, id, true, "lock")
}

// Unlock resumes check-ins on an ACTIVE session.
func (s *SessionService) Unlock(ctx context.Context, id string) (*models.AttendanceSession, error) {
	return s.setLocked(ctx, id, false, "unlock")
}

func (s *SessionService) setLocked(ctx context.Context, id string, locked bool, attempted string) (*models.AttendanceSession, error) {
	session, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	ok, err := s.repo.SetLocked(ctx, id, locked)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update session lock")
	}
	if !ok {
		return nil, s.invalidTransition(ctx, id, session.Status, attempted)
	}
	s.logger.Info("session lock changed", zap.String("session_id", id), zap.Bool("locked", locked))
	return s.load(ctx, id)
}

// Extend pushes end_time forward by the given minutes on an ACTIVE
// session, moving the QR token expiry along with it so distributed codes
// stay valid through the extension.
func (s *SessionService) Extend(ctx context.Context, id string, minutes int) (*models.AttendanceSession, error) {
	if minutes <= 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "extension minutes must be positive")
	}
	session, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	newEnd := session.EndTime.Add(time.Duration(minutes) * time.Minute)
	ok, err := s.repo.Extend(ctx, id, newEnd, newEnd)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to extend session")
	}
	if !ok {
		return nil, s.invalidTransition(ctx, id, session.Status, "extend")
	}
	s.logger.Info("session extended", zap.String("session_id", id), zap.Int("minutes", minutes), zap.Time("new_end", newEnd))
	return s.load(ctx, id)
}

// Close transitions ACTIVE -> COMPLETED. Terminal: no further check-ins.
// The final summary snapshot is produced on success; a snapshot failure is
// logged but never reopens the session.
func (s *SessionService) Close(ctx context.Context, id string) (*models.AttendanceSession, error) {
	session, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	ok, err := s.repo.Complete(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to close session")
	}
	if !ok {
		return nil, s.invalidTransition(ctx, id, session.Status, "close")
	}
	s.logger.Info("session closed", zap.String("session_id", id))
	s.finalize(ctx, id)
	return s.load(ctx, id)
}

// CloseExpired sweeps ACTIVE sessions whose end time has passed. Safe to
// run concurrently with manual closes; the guarded UPDATE makes each close
// fire exactly once.
func (s *SessionService) CloseExpired(ctx context.Context) (int, error) {
	ids, err := s.repo.CompleteExpired(ctx, time.Now().UTC())
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sweep expired sessions")
	}
	for _, id := range ids {
		s.logger.Info("session auto-closed", zap.String("session_id", id))
		s.finalize(ctx, id)
	}
	return len(ids), nil
}

// Delete removes a session and its records. Administrative only.
func (s *SessionService) Delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.ErrSessionNotFound
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete session")
	}
	return nil
}

// QRCode returns the PNG bytes for an ACTIVE session's current token.
func (s *SessionService) QRCode(ctx context.Context, id string, size int) ([]byte, error) {
	session, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !session.Open() || session.QRToken == nil {
		return nil, appErrors.Clone(appErrors.ErrSessionNotOpen, "session has no active QR code")
	}
	return s.tokens.RenderPNG(session.ID, *session.QRToken, size)
}

func (s *SessionService) load(ctx context.Context, id string) (*models.AttendanceSession, error) {
	session, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrSessionNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrDataUnavailable.Code, appErrors.ErrDataUnavailable.Status, "failed to load session")
	}
	return session, nil
}

func (s *SessionService) finalize(ctx context.Context, id string) {
	if s.finalizer == nil {
		return
	}
	if err := s.finalizer.Finalize(ctx, id); err != nil {
		s.logger.Warn("summary snapshot failed", zap.String("session_id", id), zap.Error(err))
	}
}

// invalidTransition reloads current state so the error names what the
// session actually is now, not the possibly stale pre-read.
func (s *SessionService) invalidTransition(ctx context.Context, id string, readStatus models.SessionStatus, attempted string) error {
	current := readStatus
	if fresh, err := s.repo.FindByID(ctx, id); err == nil {
		current = fresh.Status
	}
	return appErrors.Clone(appErrors.ErrInvalidTransition,
		fmt.Sprintf("cannot %s session in state %s", attempted, current))
}
