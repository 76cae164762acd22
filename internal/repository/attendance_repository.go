package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/campushq/attendance-api/internal/models"
)

// AttendanceRepository handles persistence of attendance records.
type AttendanceRepository struct {
	db *sqlx.DB
}

// NewAttendanceRepository constructs the repository.
func NewAttendanceRepository(db *sqlx.DB) *AttendanceRepository {
	return &AttendanceRepository{db: db}
}

// InsertCheckIn writes a new record iff the session is still open at write
// time. The WHERE EXISTS guard re-validates openness inside the same
// statement and the (session_id, student_id) unique constraint coalesces
// concurrent duplicates, so a close racing a check-in fails closed and a
// double-tap cannot create two rows. Returns false without error when zero
// rows were written; the caller disambiguates duplicate vs closed by
// re-reading.
func (r *AttendanceRepository) InsertCheckIn(ctx context.Context, record *models.AttendanceRecord) (bool, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	const query = `INSERT INTO attendance_records (id, session_id, student_id, status, checked_in_at, method, created_at, updated_at)
        SELECT $1, $2, $3, $4, $5, $6, NOW(), NOW()
        WHERE EXISTS (
            SELECT 1 FROM attendance_sessions
            WHERE id = $2 AND status = $7 AND locked = FALSE
        )
        ON CONFLICT (session_id, student_id) DO NOTHING
        RETURNING created_at, updated_at`
	err := r.db.QueryRowxContext(ctx, query,
		record.ID, record.SessionID, record.StudentID, record.Status,
		record.CheckedInAt, record.Method, models.SessionStatusActive,
	).Scan(&record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("insert check-in: %w", err)
	}
	return true, nil
}

// FindBySessionAndStudent returns the student's record for a session.
func (r *AttendanceRepository) FindBySessionAndStudent(ctx context.Context, sessionID, studentID string) (*models.AttendanceRecord, error) {
	const query = `SELECT id, session_id, student_id, status, checked_in_at, method, created_at, updated_at
        FROM attendance_records WHERE session_id = $1 AND student_id = $2`
	var record models.AttendanceRecord
	if err := r.db.GetContext(ctx, &record, query, sessionID, studentID); err != nil {
		return nil, err
	}
	return &record, nil
}

// ListRoster returns the session roster joined with enrolled students.
// Students with no record come back as synthesised ABSENT rows; absence is
// computed at read time, never written.
func (r *AttendanceRepository) ListRoster(ctx context.Context, sessionID, sectionID string) ([]models.AttendanceRecordRow, error) {
	const query = `SELECT ar.id AS record_id, $1 AS session_id, e.student_id,
        u.full_name AS student_name, COALESCE(u.matric_no, '') AS matric_no,
        COALESCE(ar.status, $3) AS status, ar.checked_in_at, ar.method
        FROM section_enrollments e
        JOIN users u ON u.id = e.student_id
        LEFT JOIN attendance_records ar ON ar.session_id = $1 AND ar.student_id = e.student_id
        WHERE e.section_id = $2 AND e.status = $4
        ORDER BY u.full_name ASC`
	var rows []models.AttendanceRecordRow
	if err := r.db.SelectContext(ctx, &rows, query, sessionID, sectionID,
		models.AttendanceStatusAbsent, models.EnrollmentStatusActive); err != nil {
		return nil, fmt.Errorf("list session roster: %w", err)
	}
	return rows, nil
}

// StatusCounts returns per-status record counts for a session.
func (r *AttendanceRepository) StatusCounts(ctx context.Context, sessionID string) (map[models.AttendanceStatus]int, error) {
	const query = `SELECT status, COUNT(*) AS count FROM attendance_records
        WHERE session_id = $1 GROUP BY status`
	rows, err := r.db.QueryxContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("count records by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.AttendanceStatus]int)
	for rows.Next() {
		var status models.AttendanceStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return counts, nil
}

// BulkSetStatus overwrites status on existing records for the given
// students. Lecturer correction path: no session-open guard, corrections
// are legitimate after close.
func (r *AttendanceRepository) BulkSetStatus(ctx context.Context, sessionID string, studentIDs []string, status models.AttendanceStatus) (int64, error) {
	if len(studentIDs) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(studentIDs))
	args := []interface{}{sessionID, status}
	for i, id := range studentIDs {
		placeholders[i] = fmt.Sprintf("$%d", len(args)+1)
		args = append(args, id)
	}
	query := fmt.Sprintf(`UPDATE attendance_records SET status = $2, updated_at = NOW()
        WHERE session_id = $1 AND student_id IN (%s)`, strings.Join(placeholders, ","))
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("bulk set status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("bulk set status rows: %w", err)
	}
	return n, nil
}

// UpsertManualMark inserts or overwrites a record on the lecturer's behalf.
// Used for manual marking where the student never scanned.
func (r *AttendanceRepository) UpsertManualMark(ctx context.Context, record *models.AttendanceRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CheckedInAt == nil {
		now := time.Now().UTC()
		record.CheckedInAt = &now
	}
	const query = `INSERT INTO attendance_records (id, session_id, student_id, status, checked_in_at, method, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
        ON CONFLICT (session_id, student_id)
        DO UPDATE SET status = EXCLUDED.status, method = EXCLUDED.method, updated_at = NOW()`
	if _, err := r.db.ExecContext(ctx, query,
		record.ID, record.SessionID, record.StudentID, record.Status, record.CheckedInAt, record.Method); err != nil {
		return fmt.Errorf("upsert manual mark: %w", err)
	}
	return nil
}
