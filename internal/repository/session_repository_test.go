package repository

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campushq/attendance-api/internal/models"
)

func sessionRows(now time.Time, status models.SessionStatus) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "course_id", "section_id", "name", "date", "start_time", "end_time",
		"location", "method", "status", "is_active", "locked", "qr_token",
		"qr_token_expires_at", "created_by", "created_at", "updated_at",
	}).AddRow(
		"s1", "c1", "sec1", "Week 5 Lecture", now, now, now.Add(time.Hour),
		nil, string(models.MethodQRCode), string(status), status == models.SessionStatusActive, false, nil,
		nil, "lect1", now, now,
	)
}

func TestSessionFindByID(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(fmt.Sprintf("SELECT %s FROM attendance_sessions WHERE id = $1", sessionColumns))).
		WithArgs("s1").
		WillReturnRows(sessionRows(time.Now(), models.SessionStatusScheduled))

	session, err := repo.FindByID(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", session.ID)
	assert.Equal(t, models.SessionStatusScheduled, session.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionFindDetailByID(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "course_id", "section_id", "name", "date", "start_time", "end_time",
		"location", "method", "status", "is_active", "locked", "qr_token",
		"qr_token_expires_at", "created_by", "created_at", "updated_at",
		"course_code", "course_title", "section_name",
	}).AddRow(
		"s1", "c1", "sec1", "Week 5 Lecture", now, now, now.Add(time.Hour),
		nil, string(models.MethodQRCode), string(models.SessionStatusActive), true, false, "tok",
		now.Add(time.Hour), "lect1", now, now,
		"CS101", "Intro to Computing", "Section A",
	)
	mock.ExpectQuery("SELECT s.id, .* FROM attendance_sessions s").
		WithArgs("s1").
		WillReturnRows(rows)

	detail, err := repo.FindDetailByID(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "CS101", detail.CourseCode)
	assert.Equal(t, "Section A", detail.SectionName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionCreate(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	mock.ExpectExec("INSERT INTO attendance_sessions").WillReturnResult(sqlmock.NewResult(1, 1))

	session := &models.AttendanceSession{
		CourseID:  "c1",
		SectionID: "sec1",
		Name:      "Week 5 Lecture",
		Date:      time.Now(),
		StartTime: time.Now(),
		EndTime:   time.Now().Add(time.Hour),
		Method:    models.MethodQRCode,
		CreatedBy: "lect1",
	}
	err := repo.Create(context.Background(), session)
	require.NoError(t, err)
	assert.NotEmpty(t, session.ID)
	assert.Equal(t, models.SessionStatusScheduled, session.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionDelete(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM attendance_sessions WHERE id = $1")).
		WithArgs("s1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Delete(context.Background(), "s1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionDeleteNotFound(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	mock.ExpectExec("DELETE FROM attendance_sessions").
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Delete(context.Background(), "missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionActivate(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	expiry := time.Now().Add(90 * time.Minute)
	mock.ExpectExec("UPDATE attendance_sessions").
		WithArgs("s1", models.SessionStatusActive, "tok", expiry, models.SessionStatusScheduled).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.Activate(context.Background(), "s1", "tok", expiry)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionActivateStatusGuard(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	// Session already ACTIVE: the guard matches no row.
	expiry := time.Now().Add(90 * time.Minute)
	mock.ExpectExec("UPDATE attendance_sessions").
		WithArgs("s1", models.SessionStatusActive, "tok", expiry, models.SessionStatusScheduled).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.Activate(context.Background(), "s1", "tok", expiry)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionSetLocked(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	mock.ExpectExec("UPDATE attendance_sessions SET locked").
		WithArgs("s1", true, models.SessionStatusActive).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.SetLocked(context.Background(), "s1", true)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionExtend(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	newEnd := time.Now().Add(2 * time.Hour)
	newExpiry := time.Now().Add(3 * time.Hour)
	mock.ExpectExec("UPDATE attendance_sessions").
		WithArgs("s1", newEnd, newExpiry, models.SessionStatusActive).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.Extend(context.Background(), "s1", newEnd, newExpiry)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionComplete(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	mock.ExpectExec("UPDATE attendance_sessions").
		WithArgs("s1", models.SessionStatusCompleted, models.SessionStatusActive).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.Complete(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionCompleteAlreadyClosed(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	mock.ExpectExec("UPDATE attendance_sessions").
		WithArgs("s1", models.SessionStatusCompleted, models.SessionStatusActive).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.Complete(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionCompleteExpired(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id"}).AddRow("s1").AddRow("s2")
	mock.ExpectQuery("UPDATE attendance_sessions").
		WithArgs(now, models.SessionStatusCompleted, models.SessionStatusActive).
		WillReturnRows(rows)

	ids, err := repo.CompleteExpired(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveSummary(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	mock.ExpectExec("INSERT INTO attendance_summaries").WillReturnResult(sqlmock.NewResult(0, 1))

	summary := &models.SessionSummary{
		SessionID: "s1", Total: 40, Present: 30, OnTime: 25, Late: 5, Absent: 10,
		AttendanceRate: 75.0, OnTimeRate: 62.5, LateRate: 12.5, AbsentRate: 25.0,
		ComputedAt: time.Now(), Final: true,
	}
	require.NoError(t, repo.SaveSummary(context.Background(), summary))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindSummary(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"session_id", "total", "present", "on_time", "late", "absent",
		"attendance_rate", "on_time_rate", "late_rate", "absent_rate", "computed_at", "final",
	}).AddRow("s1", 40, 30, 25, 5, 10, 75.0, 62.5, 12.5, 25.0, now, true)
	mock.ExpectQuery("SELECT session_id, .* FROM attendance_summaries").
		WithArgs("s1").
		WillReturnRows(rows)

	summary, err := repo.FindSummary(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 40, summary.Total)
	assert.True(t, summary.Final)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindSummaryMissing(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	mock.ExpectQuery("SELECT session_id, .* FROM attendance_summaries").
		WithArgs("s1").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindSummary(context.Background(), "s1")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionList(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "course_id", "section_id", "name", "date", "start_time", "end_time",
		"location", "method", "status", "is_active", "locked", "qr_token",
		"qr_token_expires_at", "created_by", "created_at", "updated_at",
		"course_code", "course_title", "section_name",
	}).AddRow(
		"s1", "c1", "sec1", "Week 5 Lecture", now, now, now.Add(time.Hour),
		nil, string(models.MethodQRCode), string(models.SessionStatusActive), true, false, nil,
		nil, "lect1", now, now,
		"CS101", "Intro to Computing", "Section A",
	)
	mock.ExpectQuery("SELECT s.id, .* FROM attendance_sessions s").
		WithArgs("c1").
		WillReturnRows(rows)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM attendance_sessions s`).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	sessions, total, err := repo.List(context.Background(), models.SessionFilter{CourseID: "c1"})
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
	assert.Equal(t, 1, total)
	assert.NoError(t, mock.ExpectationsWereMet())
}
