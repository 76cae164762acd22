package service

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/campushq/attendance-api/internal/models"
	appErrors "github.com/campushq/attendance-api/pkg/errors"
)

type enrollmentRepository interface {
	CountActive(ctx context.Context, studentID, sectionID string) (int, error)
	ListActiveSectionsByStudent(ctx context.Context, studentID string) ([]string, error)
	CountActiveBySection(ctx context.Context, sectionID string) (int, error)
	ListBySection(ctx context.Context, sectionID string) ([]models.EnrollmentDetail, error)
	Create(ctx context.Context, enrollment *models.SectionEnrollment) error
	Deactivate(ctx context.Context, id string, leftAt time.Time) error
}

// EnrollmentService answers the gate question "may student S check into a
// session scoped to section X?" and maintains the roster it reads from.
type EnrollmentService struct {
	repo        enrollmentRepository
	validator   *validator.Validate
	logger      *zap.Logger
	diagnostics bool
}

// NewEnrollmentService constructs the enrollment service.
func NewEnrollmentService(repo enrollmentRepository, validate *validator.Validate, logger *zap.Logger, diagnostics bool) *EnrollmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EnrollmentService{repo: repo, validator: validate, logger: logger, diagnostics: diagnostics}
}

// CheckEnrolled verifies the student holds exactly one ACTIVE enrollment
// in the section. The gate fails closed: if the store is unreachable the
// outcome is DATA_UNAVAILABLE, never a silent allow, and never a
// NOT_ENROLLED that a retry could not fix. More than one active row is an
// integrity fault surfaced as INCONSISTENT_ENROLLMENT rather than silently
// picking one.
func (s *EnrollmentService) CheckEnrolled(ctx context.Context, studentID, sectionID string) error {
	count, err := s.repo.CountActive(ctx, studentID, sectionID)
	if err != nil {
		s.logger.Error("enrollment lookup failed, failing closed",
			zap.String("student_id", studentID), zap.String("section_id", sectionID), zap.Error(err))
		return appErrors.Wrap(err, appErrors.ErrDataUnavailable.Code, appErrors.ErrDataUnavailable.Status, "could not evaluate enrollment")
	}
	switch {
	case count == 1:
		return nil
	case count > 1:
		s.logger.Error("duplicate active enrollment",
			zap.String("student_id", studentID), zap.String("section_id", sectionID), zap.Int("count", count))
		return appErrors.Clone(appErrors.ErrInconsistentEnrollment,
			fmt.Sprintf("student holds %d active enrollments in section %s", count, sectionID))
	default:
		return appErrors.Clone(appErrors.ErrNotEnrolled,
			fmt.Sprintf("student is not enrolled in section %s", sectionID))
	}
}

// Diagnose builds the support view for a NOT_ENROLLED denial: the section
// the session required versus where the student actually holds active
// enrollments. Nil unless diagnostics are enabled.
func (s *EnrollmentService) Diagnose(ctx context.Context, studentID, requiredSectionID string) *models.EnrollmentDiagnostics {
	if !s.diagnostics {
		return nil
	}
	sections, err := s.repo.ListActiveSectionsByStudent(ctx, studentID)
	if err != nil {
		s.logger.Warn("enrollment diagnostics lookup failed", zap.String("student_id", studentID), zap.Error(err))
		return nil
	}
	return &models.EnrollmentDiagnostics{
		RequiredSectionID: requiredSectionID,
		ActiveSectionIDs:  sections,
		ActiveCount:       len(sections),
	}
}

// RosterSize returns the number of actively enrolled students in a section.
func (s *EnrollmentService) RosterSize(ctx context.Context, sectionID string) (int, error) {
	count, err := s.repo.CountActiveBySection(ctx, sectionID)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrDataUnavailable.Code, appErrors.ErrDataUnavailable.Status, "could not read section roster")
	}
	return count, nil
}

// ListBySection returns the active roster with student labels.
func (s *EnrollmentService) ListBySection(ctx context.Context, sectionID string) ([]models.EnrollmentDetail, error) {
	if sectionID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "section id required")
	}
	enrollments, err := s.repo.ListBySection(ctx, sectionID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
	}
	return enrollments, nil
}

// EnrollStudentRequest is the admin payload for adding a roster entry.
type EnrollStudentRequest struct {
	StudentID string `json:"student_id" validate:"required"`
	SectionID string `json:"section_id" validate:"required"`
}

// Enroll registers a student on a section roster.
func (s *EnrollmentService) Enroll(ctx context.Context, req EnrollStudentRequest) (*models.SectionEnrollment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payload")
	}
	count, err := s.repo.CountActive(ctx, req.StudentID, req.SectionID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check existing enrollment")
	}
	if count > 0 {
		return nil, appErrors.Clone(appErrors.ErrConflict, "student already enrolled in section")
	}
	enrollment := &models.SectionEnrollment{
		StudentID: req.StudentID,
		SectionID: req.SectionID,
		Status:    models.EnrollmentStatusActive,
	}
	if err := s.repo.Create(ctx, enrollment); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enroll student")
	}
	return enrollment, nil
}

// Unenroll deactivates an enrollment, leaving history intact.
func (s *EnrollmentService) Unenroll(ctx context.Context, id string) error {
	if id == "" {
		return appErrors.Clone(appErrors.ErrValidation, "enrollment id required")
	}
	if err := s.repo.Deactivate(ctx, id, time.Now().UTC()); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to unenroll student")
	}
	return nil
}
