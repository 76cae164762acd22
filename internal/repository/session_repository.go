package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/campushq/attendance-api/internal/models"
)

// SessionRepository handles persistence of attendance sessions.
type SessionRepository struct {
	db *sqlx.DB
}

// NewSessionRepository constructs the repository.
func NewSessionRepository(db *sqlx.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `id, course_id, section_id, name, date, start_time, end_time, location, method,
        status, is_active, locked, qr_token, qr_token_expires_at, created_by, created_at, updated_at`

// FindByID returns a session by its ID.
func (r *SessionRepository) FindByID(ctx context.Context, id string) (*models.AttendanceSession, error) {
	query := fmt.Sprintf(`SELECT %s FROM attendance_sessions WHERE id = $1`, sessionColumns)
	var session models.AttendanceSession
	if err := r.db.GetContext(ctx, &session, query, id); err != nil {
		return nil, err
	}
	return &session, nil
}

// FindDetailByID returns a session with course and section labels.
func (r *SessionRepository) FindDetailByID(ctx context.Context, id string) (*models.SessionDetail, error) {
	const query = `SELECT s.id, s.course_id, s.section_id, s.name, s.date, s.start_time, s.end_time,
        s.location, s.method, s.status, s.is_active, s.locked, s.qr_token, s.qr_token_expires_at,
        s.created_by, s.created_at, s.updated_at,
        c.code AS course_code, c.title AS course_title, sec.name AS section_name
        FROM attendance_sessions s
        LEFT JOIN courses c ON c.id = s.course_id
        LEFT JOIN sections sec ON sec.id = s.section_id
        WHERE s.id = $1`
	var detail models.SessionDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// List returns sessions filtered by the provided criteria.
func (r *SessionRepository) List(ctx context.Context, filter models.SessionFilter) ([]models.SessionDetail, int, error) {
	base := `FROM attendance_sessions s
LEFT JOIN courses c ON c.id = s.course_id
LEFT JOIN sections sec ON sec.id = s.section_id`
	var conditions []string
	var args []interface{}

	if filter.CourseID != "" {
		conditions = append(conditions, fmt.Sprintf("s.course_id = $%d", len(args)+1))
		args = append(args, filter.CourseID)
	}
	if filter.SectionID != "" {
		conditions = append(conditions, fmt.Sprintf("s.section_id = $%d", len(args)+1))
		args = append(args, filter.SectionID)
	}
	if filter.Status != nil {
		conditions = append(conditions, fmt.Sprintf("s.status = $%d", len(args)+1))
		args = append(args, *filter.Status)
	}
	if filter.DateFrom != nil {
		conditions = append(conditions, fmt.Sprintf("s.date >= $%d", len(args)+1))
		args = append(args, *filter.DateFrom)
	}
	if filter.DateTo != nil {
		conditions = append(conditions, fmt.Sprintf("s.date <= $%d", len(args)+1))
		args = append(args, *filter.DateTo)
	}
	if filter.CreatedBy != "" {
		conditions = append(conditions, fmt.Sprintf("s.created_by = $%d", len(args)+1))
		args = append(args, filter.CreatedBy)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"date":       "s.date",
		"start_time": "s.start_time",
		"name":       "s.name",
		"status":     "s.status",
	}
	sortBy := filter.SortBy
	if sortBy == "" {
		sortBy = "start_time"
	}
	orderBy := allowedSorts[sortBy]
	if orderBy == "" {
		orderBy = "s.start_time"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT s.id, s.course_id, s.section_id, s.name, s.date, s.start_time, s.end_time,
        s.location, s.method, s.status, s.is_active, s.locked, s.qr_token, s.qr_token_expires_at,
        s.created_by, s.created_at, s.updated_at,
        c.code AS course_code, c.title AS course_title, sec.name AS section_name
        %s ORDER BY %s %s LIMIT %d OFFSET %d`, base+clause, orderBy, order, size, offset)

	var sessions []models.SessionDetail
	if err := r.db.SelectContext(ctx, &sessions, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}
	return sessions, total, nil
}

// Create persists a new scheduled session.
func (r *SessionRepository) Create(ctx context.Context, session *models.AttendanceSession) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	if session.Status == "" {
		session.Status = models.SessionStatusScheduled
	}
	const query = `INSERT INTO attendance_sessions
        (id, course_id, section_id, name, date, start_time, end_time, location, method, status, is_active, locked, created_by, created_at, updated_at)
        VALUES (:id, :course_id, :section_id, :name, :date, :start_time, :end_time, :location, :method, :status, :is_active, :locked, :created_by, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, session); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// Delete removes a session and cascades to its records.
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM attendance_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Activate flips a SCHEDULED session to ACTIVE, installing the fresh QR
// token. The status guard in the WHERE clause makes the transition atomic;
// zero rows affected means the session was not in SCHEDULED state.
func (r *SessionRepository) Activate(ctx context.Context, id, token string, tokenExpiry time.Time) (bool, error) {
	const query = `UPDATE attendance_sessions
        SET status = $2, is_active = TRUE, locked = FALSE, qr_token = $3, qr_token_expires_at = $4, updated_at = NOW()
        WHERE id = $1 AND status = $5`
	res, err := r.db.ExecContext(ctx, query, id, models.SessionStatusActive, token, tokenExpiry, models.SessionStatusScheduled)
	if err != nil {
		return false, fmt.Errorf("activate session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("activate session rows: %w", err)
	}
	return n > 0, nil
}

// SetLocked toggles the submission lock on an ACTIVE session.
func (r *SessionRepository) SetLocked(ctx context.Context, id string, locked bool) (bool, error) {
	const query = `UPDATE attendance_sessions SET locked = $2, updated_at = NOW()
        WHERE id = $1 AND status = $3`
	res, err := r.db.ExecContext(ctx, query, id, locked, models.SessionStatusActive)
	if err != nil {
		return false, fmt.Errorf("set session lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set session lock rows: %w", err)
	}
	return n > 0, nil
}

// Extend pushes end_time and the token expiry forward on an ACTIVE session.
func (r *SessionRepository) Extend(ctx context.Context, id string, newEnd, newTokenExpiry time.Time) (bool, error) {
	const query = `UPDATE attendance_sessions
        SET end_time = $2, qr_token_expires_at = $3, updated_at = NOW()
        WHERE id = $1 AND status = $4 AND end_time <= $2`
	res, err := r.db.ExecContext(ctx, query, id, newEnd, newTokenExpiry, models.SessionStatusActive)
	if err != nil {
		return false, fmt.Errorf("extend session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("extend session rows: %w", err)
	}
	return n > 0, nil
}

// Complete closes an ACTIVE session. Terminal: lock is set defensively and
// the QR token is dropped so stale codes stop validating immediately.
func (r *SessionRepository) Complete(ctx context.Context, id string) (bool, error) {
	const query = `UPDATE attendance_sessions
        SET status = $2, is_active = FALSE, locked = TRUE, qr_token = NULL, qr_token_expires_at = NULL, updated_at = NOW()
        WHERE id = $1 AND status = $3`
	res, err := r.db.ExecContext(ctx, query, id, models.SessionStatusCompleted, models.SessionStatusActive)
	if err != nil {
		return false, fmt.Errorf("complete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete session rows: %w", err)
	}
	return n > 0, nil
}

// CompleteExpired closes every ACTIVE session whose end time has passed and
// returns the affected ids. Idempotent by construction, so the sweep and a
// concurrent manual close cannot double-fire.
func (r *SessionRepository) CompleteExpired(ctx context.Context, now time.Time) ([]string, error) {
	const query = `UPDATE attendance_sessions
        SET status = $2, is_active = FALSE, locked = TRUE, qr_token = NULL, qr_token_expires_at = NULL, updated_at = NOW()
        WHERE status = $3 AND end_time < $1
        RETURNING id`
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, now, models.SessionStatusCompleted, models.SessionStatusActive); err != nil {
		return nil, fmt.Errorf("complete expired sessions: %w", err)
	}
	return ids, nil
}

// SaveSummary persists the final summary snapshot for a closed session.
func (r *SessionRepository) SaveSummary(ctx context.Context, summary *models.SessionSummary) error {
	const query = `INSERT INTO attendance_summaries
        (session_id, total, present, on_time, late, absent, attendance_rate, on_time_rate, late_rate, absent_rate, computed_at, final)
        VALUES (:session_id, :total, :present, :on_time, :late, :absent, :attendance_rate, :on_time_rate, :late_rate, :absent_rate, :computed_at, :final)
        ON CONFLICT (session_id) DO NOTHING`
	if _, err := r.db.NamedExecContext(ctx, query, summary); err != nil {
		return fmt.Errorf("save summary snapshot: %w", err)
	}
	return nil
}

// FindSummary returns the persisted snapshot for a session, if any.
func (r *SessionRepository) FindSummary(ctx context.Context, sessionID string) (*models.SessionSummary, error) {
	const query = `SELECT session_id, total, present, on_time, late, absent,
        attendance_rate, on_time_rate, late_rate, absent_rate, computed_at, final
        FROM attendance_summaries WHERE session_id = $1`
	var summary models.SessionSummary
	if err := r.db.GetContext(ctx, &summary, query, sessionID); err != nil {
		return nil, err
	}
	return &summary, nil
}
