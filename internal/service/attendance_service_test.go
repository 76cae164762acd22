package service

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/campushq/attendance-api/internal/models"
	appErrors "github.com/campushq/attendance-api/pkg/errors"
)

type mockAttendanceRepo struct {
	mu      sync.Mutex
	records map[string]*models.AttendanceRecord
	// closedUnderneath simulates a session that completes between the
	// service pre-read and the guarded INSERT.
	closedUnderneath bool
	// staleReads makes the first n lookups miss even when a record
	// exists, mimicking a competing check-in that commits between the
	// idempotency pre-read and the INSERT.
	staleReads  int
	bulkUpdated int64
	manual      *models.AttendanceRecord
	roster      []models.AttendanceRecordRow
}

func recordKey(sessionID, studentID string) string {
	return sessionID + ":" + studentID
}

func (m *mockAttendanceRepo) InsertCheckIn(ctx context.Context, record *models.AttendanceRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closedUnderneath {
		return false, nil
	}
	key := recordKey(record.SessionID, record.StudentID)
	if _, ok := m.records[key]; ok {
		return false, nil
	}
	if m.records == nil {
		m.records = make(map[string]*models.AttendanceRecord)
	}
	if record.ID == "" {
		record.ID = "rec-" + record.StudentID
	}
	m.records[key] = record
	return true, nil
}

func (m *mockAttendanceRepo) FindBySessionAndStudent(ctx context.Context, sessionID, studentID string) (*models.AttendanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.staleReads > 0 {
		m.staleReads--
		return nil, sql.ErrNoRows
	}
	if r, ok := m.records[recordKey(sessionID, studentID)]; ok {
		copied := *r
		return &copied, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockAttendanceRepo) ListRoster(ctx context.Context, sessionID, sectionID string) ([]models.AttendanceRecordRow, error) {
	return m.roster, nil
}

func (m *mockAttendanceRepo) BulkSetStatus(ctx context.Context, sessionID string, studentIDs []string, status models.AttendanceStatus) (int64, error) {
	m.bulkUpdated = int64(len(studentIDs))
	return m.bulkUpdated, nil
}

func (m *mockAttendanceRepo) UpsertManualMark(ctx context.Context, record *models.AttendanceRecord) error {
	m.manual = record
	return nil
}

type mockGate struct {
	allowed map[string]bool
	err     error
	diag    *models.EnrollmentDiagnostics
}

func (m *mockGate) CheckEnrolled(ctx context.Context, studentID, sectionID string) error {
	if m.err != nil {
		return m.err
	}
	if m.allowed[studentID] {
		return nil
	}
	return appErrors.Clone(appErrors.ErrNotEnrolled, "student is not enrolled in section "+sectionID)
}

func (m *mockGate) Diagnose(ctx context.Context, studentID, requiredSectionID string) *models.EnrollmentDiagnostics {
	return m.diag
}

func openSessionAt(start time.Time, token string) *models.AttendanceSession {
	expiry := start.Add(2 * time.Hour)
	return &models.AttendanceSession{
		ID:            "sess-1",
		CourseID:      "c1",
		SectionID:     "sec1",
		Name:          "Week 5 Lecture",
		StartTime:     start,
		EndTime:       start.Add(2 * time.Hour),
		Method:        models.MethodQRCode,
		Status:        models.SessionStatusActive,
		QRToken:       &token,
		QRTokenExpiry: &expiry,
	}
}

func newTestAttendanceService(records *mockAttendanceRepo, sessions *mockSessionRepo, gate enrollmentGate) *AttendanceService {
	tokens := NewQRTokenService("https://attend.example.edu", 90*time.Minute, zap.NewNop())
	return NewAttendanceService(records, sessions, gate, tokens, nil, validator.New(), zap.NewNop(), 10*time.Minute)
}

func TestCheckInWithinGraceIsPresent(t *testing.T) {
	start := time.Now().UTC().Add(-7 * time.Minute)
	session := openSessionAt(start, "tok-live")
	session.QRTokenExpiry = ptrTime(time.Now().UTC().Add(time.Hour))

	records := &mockAttendanceRepo{}
	sessions := newMockSessionRepo(session)
	gate := &mockGate{allowed: map[string]bool{"stu-1": true}}
	svc := newTestAttendanceService(records, sessions, gate)

	result, err := svc.RecordCheckIn(context.Background(), CheckInRequest{
		SessionID: "sess-1", StudentID: "stu-1", Method: models.MethodQRCode, Token: "tok-live",
	})
	require.NoError(t, err)
	assert.False(t, result.AlreadyMarked)
	assert.Equal(t, models.AttendanceStatusPresent, result.Record.Status)
	assert.Equal(t, models.MethodQRCode, result.Record.Method)
	require.NotNil(t, result.Record.CheckedInAt)
}

func TestCheckInAfterGraceIsLate(t *testing.T) {
	start := time.Now().UTC().Add(-12 * time.Minute)
	session := openSessionAt(start, "tok-live")
	session.QRTokenExpiry = ptrTime(time.Now().UTC().Add(time.Hour))

	records := &mockAttendanceRepo{}
	sessions := newMockSessionRepo(session)
	gate := &mockGate{allowed: map[string]bool{"stu-1": true}}
	svc := newTestAttendanceService(records, sessions, gate)

	result, err := svc.RecordCheckIn(context.Background(), CheckInRequest{
		SessionID: "sess-1", StudentID: "stu-1", Method: models.MethodQRCode, Token: "tok-live",
	})
	require.NoError(t, err)
	assert.Equal(t, models.AttendanceStatusLate, result.Record.Status)
}

func TestCheckInGraceUsesOriginalStartDespiteExtension(t *testing.T) {
	// Session scheduled to start 12 minutes ago and later extended.
	// Extension moves the end of the window, not the late cutoff.
	start := time.Now().UTC().Add(-12 * time.Minute)
	session := openSessionAt(start, "tok-live")
	session.EndTime = session.EndTime.Add(30 * time.Minute)
	session.QRTokenExpiry = &session.EndTime

	records := &mockAttendanceRepo{}
	sessions := newMockSessionRepo(session)
	gate := &mockGate{allowed: map[string]bool{"stu-1": true}}
	svc := newTestAttendanceService(records, sessions, gate)

	result, err := svc.RecordCheckIn(context.Background(), CheckInRequest{
		SessionID: "sess-1", StudentID: "stu-1", Method: models.MethodQRCode, Token: "tok-live",
	})
	require.NoError(t, err)
	assert.Equal(t, models.AttendanceStatusLate, result.Record.Status)
}

func TestCheckInRepeatScanIsAlreadyMarkedNotError(t *testing.T) {
	start := time.Now().UTC()
	session := openSessionAt(start, "tok-live")
	session.QRTokenExpiry = ptrTime(start.Add(time.Hour))

	records := &mockAttendanceRepo{}
	sessions := newMockSessionRepo(session)
	gate := &mockGate{allowed: map[string]bool{"stu-1": true}}
	svc := newTestAttendanceService(records, sessions, gate)

	first, err := svc.RecordCheckIn(context.Background(), CheckInRequest{
		SessionID: "sess-1", StudentID: "stu-1", Method: models.MethodQRCode, Token: "tok-live",
	})
	require.NoError(t, err)
	require.False(t, first.AlreadyMarked)

	second, err := svc.RecordCheckIn(context.Background(), CheckInRequest{
		SessionID: "sess-1", StudentID: "stu-1", Method: models.MethodQRCode, Token: "tok-live",
	})
	require.NoError(t, err)
	assert.True(t, second.AlreadyMarked)
	assert.Equal(t, first.Record.Status, second.Record.Status)
	assert.Len(t, records.records, 1)
}

// A competing scan can commit between the idempotency pre-read and the
// guarded INSERT. The zero-row insert coalesces to the existing record
// instead of surfacing a conflict.
func TestCheckInWriteConflictCoalescesToAlreadyMarked(t *testing.T) {
	start := time.Now().UTC()
	session := openSessionAt(start, "tok-live")
	session.QRTokenExpiry = ptrTime(start.Add(time.Hour))

	checkedInAt := start.Add(time.Minute)
	records := &mockAttendanceRepo{
		records: map[string]*models.AttendanceRecord{
			recordKey("sess-1", "stu-1"): {
				ID: "rec-winner", SessionID: "sess-1", StudentID: "stu-1",
				Status: models.AttendanceStatusPresent, CheckedInAt: &checkedInAt,
				Method: models.MethodQRCode,
			},
		},
		staleReads: 1,
	}
	sessions := newMockSessionRepo(session)
	gate := &mockGate{allowed: map[string]bool{"stu-1": true}}
	svc := newTestAttendanceService(records, sessions, gate)

	result, err := svc.RecordCheckIn(context.Background(), CheckInRequest{
		SessionID: "sess-1", StudentID: "stu-1", Method: models.MethodQRCode, Token: "tok-live",
	})
	require.NoError(t, err)
	assert.True(t, result.AlreadyMarked)
	assert.Equal(t, "rec-winner", result.Record.ID)
	assert.Len(t, records.records, 1)
}

func TestCheckInConcurrentDoubleScanYieldsOneRecord(t *testing.T) {
	start := time.Now().UTC()
	session := openSessionAt(start, "tok-live")
	session.QRTokenExpiry = ptrTime(start.Add(time.Hour))

	records := &mockAttendanceRepo{}
	sessions := newMockSessionRepo(session)
	gate := &mockGate{allowed: map[string]bool{"stu-1": true}}
	svc := newTestAttendanceService(records, sessions, gate)

	results := make([]*models.CheckInResult, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.RecordCheckIn(context.Background(), CheckInRequest{
				SessionID: "sess-1", StudentID: "stu-1", Method: models.MethodQRCode, Token: "tok-live",
			})
		}(i)
	}
	wg.Wait()

	marked := 0
	for i := range results {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i].Record)
		if results[i].AlreadyMarked {
			marked++
		}
	}
	// Exactly one row, exactly one winner; the loser sees the notice.
	assert.Len(t, records.records, 1)
	assert.Equal(t, 1, marked)
}

func TestCheckInRejectsForgedToken(t *testing.T) {
	session := openSessionAt(time.Now().UTC(), "tok-live")
	session.QRTokenExpiry = ptrTime(time.Now().UTC().Add(time.Hour))

	records := &mockAttendanceRepo{}
	sessions := newMockSessionRepo(session)
	gate := &mockGate{allowed: map[string]bool{"stu-1": true}}
	svc := newTestAttendanceService(records, sessions, gate)

	_, err := svc.RecordCheckIn(context.Background(), CheckInRequest{
		SessionID: "sess-1", StudentID: "stu-1", Method: models.MethodQRCode, Token: "tok-forged",
	})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrInvalidToken))
	assert.Empty(t, records.records)
}

func TestCheckInLegacyPayloadBypassesToken(t *testing.T) {
	session := openSessionAt(time.Now().UTC(), "tok-live")
	session.QRTokenExpiry = ptrTime(time.Now().UTC().Add(time.Hour))

	records := &mockAttendanceRepo{}
	sessions := newMockSessionRepo(session)
	gate := &mockGate{allowed: map[string]bool{"stu-1": true}}
	svc := newTestAttendanceService(records, sessions, gate)

	result, err := svc.RecordCheckIn(context.Background(), CheckInRequest{
		SessionID: "sess-1", StudentID: "stu-1", Method: models.MethodQRCode, Legacy: true,
	})
	require.NoError(t, err)
	assert.False(t, result.AlreadyMarked)
}

func TestCheckInRejectsNotEnrolled(t *testing.T) {
	session := openSessionAt(time.Now().UTC(), "tok-live")
	session.QRTokenExpiry = ptrTime(time.Now().UTC().Add(time.Hour))

	records := &mockAttendanceRepo{}
	sessions := newMockSessionRepo(session)
	gate := &mockGate{allowed: map[string]bool{}}
	svc := newTestAttendanceService(records, sessions, gate)

	_, err := svc.RecordCheckIn(context.Background(), CheckInRequest{
		SessionID: "sess-1", StudentID: "stu-2", Method: models.MethodQRCode, Token: "tok-live",
	})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrNotEnrolled))
	assert.Empty(t, records.records)
}

func TestCheckInGateOutageFailsClosed(t *testing.T) {
	session := openSessionAt(time.Now().UTC(), "tok-live")
	session.QRTokenExpiry = ptrTime(time.Now().UTC().Add(time.Hour))

	records := &mockAttendanceRepo{}
	sessions := newMockSessionRepo(session)
	gate := &mockGate{err: appErrors.Clone(appErrors.ErrDataUnavailable, "could not evaluate enrollment")}
	svc := newTestAttendanceService(records, sessions, gate)

	_, err := svc.RecordCheckIn(context.Background(), CheckInRequest{
		SessionID: "sess-1", StudentID: "stu-1", Method: models.MethodQRCode, Token: "tok-live",
	})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrDataUnavailable))
	assert.Empty(t, records.records)
}

func TestCheckInRejectsScheduledSession(t *testing.T) {
	session := openSessionAt(time.Now().UTC(), "tok-live")
	session.Status = models.SessionStatusScheduled

	records := &mockAttendanceRepo{}
	sessions := newMockSessionRepo(session)
	gate := &mockGate{allowed: map[string]bool{"stu-1": true}}
	svc := newTestAttendanceService(records, sessions, gate)

	_, err := svc.RecordCheckIn(context.Background(), CheckInRequest{
		SessionID: "sess-1", StudentID: "stu-1", Method: models.MethodQRCode, Token: "tok-live",
	})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrSessionNotOpen))
}

func TestCheckInRejectsLockedSession(t *testing.T) {
	session := openSessionAt(time.Now().UTC(), "tok-live")
	session.Locked = true
	session.QRTokenExpiry = ptrTime(time.Now().UTC().Add(time.Hour))

	records := &mockAttendanceRepo{}
	sessions := newMockSessionRepo(session)
	gate := &mockGate{allowed: map[string]bool{"stu-1": true}}
	svc := newTestAttendanceService(records, sessions, gate)

	_, err := svc.RecordCheckIn(context.Background(), CheckInRequest{
		SessionID: "sess-1", StudentID: "stu-1", Method: models.MethodQRCode, Token: "tok-live",
	})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrSessionNotOpen))
	assert.Contains(t, appErrors.FromError(err).Message, "locked")
}

func TestCheckInUnknownSession(t *testing.T) {
	records := &mockAttendanceRepo{}
	sessions := newMockSessionRepo()
	gate := &mockGate{allowed: map[string]bool{"stu-1": true}}
	svc := newTestAttendanceService(records, sessions, gate)

	_, err := svc.RecordCheckIn(context.Background(), CheckInRequest{
		SessionID: "ghost", StudentID: "stu-1", Method: models.MethodQRCode, Token: "tok-live",
	})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrSessionNotFound))
}

func TestCheckInSessionClosedUnderneathFailsClosed(t *testing.T) {
	session := openSessionAt(time.Now().UTC(), "tok-live")
	session.QRTokenExpiry = ptrTime(time.Now().UTC().Add(time.Hour))

	records := &mockAttendanceRepo{closedUnderneath: true}
	sessions := newMockSessionRepo(session)
	gate := &mockGate{allowed: map[string]bool{"stu-1": true}}
	svc := newTestAttendanceService(records, sessions, gate)

	_, err := svc.RecordCheckIn(context.Background(), CheckInRequest{
		SessionID: "sess-1", StudentID: "stu-1", Method: models.MethodQRCode, Token: "tok-live",
	})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrSessionNotOpen))
}

func TestBulkStatusWorksAfterClose(t *testing.T) {
	session := openSessionAt(time.Now().UTC(), "tok-live")
	session.Status = models.SessionStatusCompleted
	session.Locked = true

	records := &mockAttendanceRepo{}
	sessions := newMockSessionRepo(session)
	gate := &mockGate{allowed: map[string]bool{}}
	svc := newTestAttendanceService(records, sessions, gate)

	updated, err := svc.SetStatusForSelected(context.Background(), "sess-1", BulkStatusRequest{
		StudentIDs: []string{"stu-1", "stu-2"},
		Status:     "PRESENT",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated)
}

func TestBulkStatusRejectsUnknownStatus(t *testing.T) {
	session := openSessionAt(time.Now().UTC(), "tok-live")

	records := &mockAttendanceRepo{}
	sessions := newMockSessionRepo(session)
	svc := newTestAttendanceService(records, sessions, &mockGate{})

	_, err := svc.SetStatusForSelected(context.Background(), "sess-1", BulkStatusRequest{
		StudentIDs: []string{"stu-1"},
		Status:     "EXCUSED",
	})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation))
}

func TestMarkManualUpsertsWithManualMethod(t *testing.T) {
	session := openSessionAt(time.Now().UTC(), "tok-live")
	session.QRTokenExpiry = ptrTime(time.Now().UTC().Add(time.Hour))

	records := &mockAttendanceRepo{}
	sessions := newMockSessionRepo(session)
	gate := &mockGate{allowed: map[string]bool{"stu-1": true}}
	svc := newTestAttendanceService(records, sessions, gate)

	record, err := svc.MarkManual(context.Background(), "sess-1", "stu-1", models.AttendanceStatusLate)
	require.NoError(t, err)
	assert.Equal(t, models.MethodManual, record.Method)
	assert.Equal(t, models.AttendanceStatusLate, record.Status)
	require.NotNil(t, records.manual)
}

func TestListRosterSynthesisesAbsent(t *testing.T) {
	session := openSessionAt(time.Now().UTC(), "tok-live")
	records := &mockAttendanceRepo{roster: []models.AttendanceRecordRow{
		{StudentID: "stu-1", StudentName: "Ada", Status: models.AttendanceStatusPresent},
		{StudentID: "stu-2", StudentName: "Ben", Status: models.AttendanceStatusAbsent},
	}}
	sessions := newMockSessionRepo(session)
	svc := newTestAttendanceService(records, sessions, &mockGate{})

	rows, err := svc.ListRoster(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, models.AttendanceStatusAbsent, rows[1].Status)
}

func ptrTime(t time.Time) *time.Time {
	return &t
}
