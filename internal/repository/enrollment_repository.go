package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/campushq/attendance-api/internal/models"
)

// EnrollmentRepository handles persistence of section enrollments.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// CountActive returns how many ACTIVE enrollments the student holds in the
// section. The gate needs the exact count: one means enrolled, more than
// one is an integrity fault it must surface rather than pick from.
func (r *EnrollmentRepository) CountActive(ctx context.Context, studentID, sectionID string) (int, error) {
	const query = `SELECT COUNT(*) FROM section_enrollments
        WHERE student_id = $1 AND section_id = $2 AND status = $3`
	var count int
	if err := r.db.GetContext(ctx, &count, query, studentID, sectionID, models.EnrollmentStatusActive); err != nil {
		return 0, fmt.Errorf("count active enrollments: %w", err)
	}
	return count, nil
}

// ListActiveSectionsByStudent returns section ids where the student holds
// an active enrollment. Diagnostics surface for NOT_ENROLLED triage.
func (r *EnrollmentRepository) ListActiveSectionsByStudent(ctx context.Context, studentID string) ([]string, error) {
	const query = `SELECT section_id FROM section_enrollments
        WHERE student_id = $1 AND status = $2 ORDER BY section_id`
	var sections []string
	if err := r.db.SelectContext(ctx, &sections, query, studentID, models.EnrollmentStatusActive); err != nil {
		return nil, fmt.Errorf("list student sections: %w", err)
	}
	return sections, nil
}

// CountActiveBySection returns the active roster size for a section. This
// is the summary denominator: absentees with zero records still count.
func (r *EnrollmentRepository) CountActiveBySection(ctx context.Context, sectionID string) (int, error) {
	const query = `SELECT COUNT(*) FROM section_enrollments WHERE section_id = $1 AND status = $2`
	var count int
	if err := r.db.GetContext(ctx, &count, query, sectionID, models.EnrollmentStatusActive); err != nil {
		return 0, fmt.Errorf("count section roster: %w", err)
	}
	return count, nil
}

// ListBySection returns active enrollments with student labels.
func (r *EnrollmentRepository) ListBySection(ctx context.Context, sectionID string) ([]models.EnrollmentDetail, error) {
	const query = `SELECT e.id, e.student_id, e.section_id, e.status, e.enrolled_at, e.left_at,
        u.full_name AS student_name, COALESCE(u.matric_no, '') AS matric_no, sec.name AS section_name
        FROM section_enrollments e
        JOIN users u ON u.id = e.student_id
        LEFT JOIN sections sec ON sec.id = e.section_id
        WHERE e.section_id = $1 AND e.status = $2
        ORDER BY u.full_name ASC`
	var enrollments []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &enrollments, query, sectionID, models.EnrollmentStatusActive); err != nil {
		return nil, fmt.Errorf("list section enrollments: %w", err)
	}
	return enrollments, nil
}

// Create persists a new active enrollment.
func (r *EnrollmentRepository) Create(ctx context.Context, enrollment *models.SectionEnrollment) error {
	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	if enrollment.EnrolledAt.IsZero() {
		enrollment.EnrolledAt = time.Now().UTC()
	}
	if enrollment.Status == "" {
		enrollment.Status = models.EnrollmentStatusActive
	}
	const query = `INSERT INTO section_enrollments (id, student_id, section_id, status, enrolled_at, left_at)
        VALUES (:id, :student_id, :section_id, :status, :enrolled_at, :left_at)`
	if _, err := r.db.NamedExecContext(ctx, query, enrollment); err != nil {
		return fmt.Errorf("create enrollment: %w", err)
	}
	return nil
}

// Deactivate marks an enrollment INACTIVE.
func (r *EnrollmentRepository) Deactivate(ctx context.Context, id string, leftAt time.Time) error {
	const query = `UPDATE section_enrollments SET status = $2, left_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, models.EnrollmentStatusInactive, leftAt); err != nil {
		return fmt.Errorf("deactivate enrollment: %w", err)
	}
	return nil
}
