package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/campushq/attendance-api/internal/models"
	appErrors "github.com/campushq/attendance-api/pkg/errors"
)

// mockSessionRepo mimics the status-guarded UPDATE semantics of the real
// store: a transition only succeeds from the expected prior status.
type mockSessionRepo struct {
	sessions map[string]*models.AttendanceSession
}

func newMockSessionRepo(sessions ...*models.AttendanceSession) *mockSessionRepo {
	m := &mockSessionRepo{sessions: make(map[string]*models.AttendanceSession)}
	for _, s := range sessions {
		m.sessions[s.ID] = s
	}
	return m
}

func (m *mockSessionRepo) FindByID(ctx context.Context, id string) (*models.AttendanceSession, error) {
	if s, ok := m.sessions[id]; ok {
		copied := *s
		return &copied, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockSessionRepo) FindDetailByID(ctx context.Context, id string) (*models.SessionDetail, error) {
	if s, ok := m.sessions[id]; ok {
		return &models.SessionDetail{AttendanceSession: *s}, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockSessionRepo) List(ctx context.Context, filter models.SessionFilter) ([]models.SessionDetail, int, error) {
	var list []models.SessionDetail
	for _, s := range m.sessions {
		list = append(list, models.SessionDetail{AttendanceSession: *s})
	}
	return list, len(list), nil
}

func (m *mockSessionRepo) Create(ctx context.Context, session *models.AttendanceSession) error {
	if session.ID == "" {
		session.ID = "new-session"
	}
	copied := *session
	m.sessions[session.ID] = &copied
	return nil
}

func (m *mockSessionRepo) Delete(ctx context.Context, id string) error {
	if _, ok := m.sessions[id]; !ok {
		return sql.ErrNoRows
	}
	delete(m.sessions, id)
	return nil
}

func (m *mockSessionRepo) Activate(ctx context.Context, id, token string, tokenExpiry time.Time) (bool, error) {
	s, ok := m.sessions[id]
	if !ok || s.Status != models.SessionStatusScheduled {
		return false, nil
	}
	s.Status = models.SessionStatusActive
	s.QRToken = &token
	s.QRTokenExpiry = &tokenExpiry
	return true, nil
}

func (m *mockSessionRepo) SetLocked(ctx context.Context, id string, locked bool) (bool, error) {
	s, ok := m.sessions[id]
	if !ok || s.Status != models.SessionStatusActive {
		return false, nil
	}
	s.Locked = locked
	return true, nil
}

func (m *mockSessionRepo) Extend(ctx context.Context, id string, newEnd, newTokenExpiry time.Time) (bool, error) {
	s, ok := m.sessions[id]
	if !ok || s.Status != models.SessionStatusActive {
		return false, nil
	}
	s.EndTime = newEnd
	s.QRTokenExpiry = &newTokenExpiry
	return true, nil
}

func (m *mockSessionRepo) Complete(ctx context.Context, id string) (bool, error) {
	s, ok := m.sessions[id]
	if !ok || s.Status != models.SessionStatusActive {
		return false, nil
	}
	s.Status = models.SessionStatusCompleted
	s.Locked = true
	s.QRToken = nil
	s.QRTokenExpiry = nil
	return true, nil
}

func (m *mockSessionRepo) CompleteExpired(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	for id, s := range m.sessions {
		if s.Status == models.SessionStatusActive && s.EndTime.Before(now) {
			s.Status = models.SessionStatusCompleted
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type mockFinalizer struct {
	finalized []string
}

func (m *mockFinalizer) Finalize(ctx context.Context, sessionID string) error {
	m.finalized = append(m.finalized, sessionID)
	return nil
}

func scheduledSession(id string) *models.AttendanceSession {
	now := time.Now().UTC()
	return &models.AttendanceSession{
		ID:        id,
		CourseID:  "c1",
		SectionID: "sec1",
		Name:      "Week 5 Lecture",
		Date:      now,
		StartTime: now,
		EndTime:   now.Add(2 * time.Hour),
		Method:    models.MethodQRCode,
		Status:    models.SessionStatusScheduled,
	}
}

func newTestSessionService(repo *mockSessionRepo, finalizer summaryFinalizer) *SessionService {
	tokens := NewQRTokenService("https://attend.example.edu", 90*time.Minute, zap.NewNop())
	return NewSessionService(repo, tokens, finalizer, validator.New(), zap.NewNop())
}

func TestSessionCreateDefaultsToScheduledQRSession(t *testing.T) {
	repo := newMockSessionRepo()
	svc := newTestSessionService(repo, nil)
	now := time.Now().UTC()

	session, err := svc.Create(context.Background(), CreateSessionRequest{
		CourseID:  "c1",
		SectionID: "sec1",
		Name:      "Week 1",
		Date:      "2026-03-02",
		StartTime: now,
		EndTime:   now.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusScheduled, session.Status)
	assert.Equal(t, models.MethodQRCode, session.Method)
}

func TestSessionCreateRejectsInvertedWindow(t *testing.T) {
	repo := newMockSessionRepo()
	svc := newTestSessionService(repo, nil)
	now := time.Now().UTC()

	_, err := svc.Create(context.Background(), CreateSessionRequest{
		CourseID:  "c1",
		SectionID: "sec1",
		Name:      "Week 1",
		Date:      "2026-03-02",
		StartTime: now,
		EndTime:   now.Add(-time.Hour),
	})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation))
}

func TestSessionStartIssuesToken(t *testing.T) {
	repo := newMockSessionRepo(scheduledSession("s1"))
	svc := newTestSessionService(repo, nil)

	session, err := svc.Start(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusActive, session.Status)
	require.NotNil(t, session.QRToken)
	require.NotNil(t, session.QRTokenExpiry)
	assert.True(t, session.QRTokenExpiry.After(time.Now().UTC()))
}

func TestSessionStartTwiceIsInvalidTransition(t *testing.T) {
	repo := newMockSessionRepo(scheduledSession("s1"))
	svc := newTestSessionService(repo, nil)

	_, err := svc.Start(context.Background(), "s1")
	require.NoError(t, err)

	_, err = svc.Start(context.Background(), "s1")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrInvalidTransition))
	assert.Contains(t, appErrors.FromError(err).Message, "ACTIVE")
}

func TestSessionStartUnknownID(t *testing.T) {
	repo := newMockSessionRepo()
	svc := newTestSessionService(repo, nil)

	_, err := svc.Start(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrSessionNotFound))
}

func TestSessionLockUnlockRoundTrip(t *testing.T) {
	repo := newMockSessionRepo(scheduledSession("s1"))
	svc := newTestSessionService(repo, nil)

	_, err := svc.Start(context.Background(), "s1")
	require.NoError(t, err)

	locked, err := svc.Lock(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, locked.Locked)
	assert.False(t, locked.Open())

	unlocked, err := svc.Unlock(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, unlocked.Locked)
	assert.True(t, unlocked.Open())
}

func TestSessionExtendMovesEndAndTokenExpiry(t *testing.T) {
	repo := newMockSessionRepo(scheduledSession("s1"))
	svc := newTestSessionService(repo, nil)

	started, err := svc.Start(context.Background(), "s1")
	require.NoError(t, err)
	originalEnd := started.EndTime
	originalToken := *started.QRToken

	extended, err := svc.Extend(context.Background(), "s1", 15)
	require.NoError(t, err)
	assert.Equal(t, originalEnd.Add(15*time.Minute), extended.EndTime)
	assert.Equal(t, extended.EndTime, *extended.QRTokenExpiry)
	assert.Equal(t, originalToken, *extended.QRToken, "extension must not rotate the token")
}

func TestSessionExtendRejectsNonPositiveMinutes(t *testing.T) {
	repo := newMockSessionRepo(scheduledSession("s1"))
	svc := newTestSessionService(repo, nil)

	_, err := svc.Extend(context.Background(), "s1", 0)
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation))
}

func TestSessionCloseFinalizesSnapshotAndClearsToken(t *testing.T) {
	repo := newMockSessionRepo(scheduledSession("s1"))
	finalizer := &mockFinalizer{}
	svc := newTestSessionService(repo, finalizer)

	_, err := svc.Start(context.Background(), "s1")
	require.NoError(t, err)

	closed, err := svc.Close(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, closed.Status)
	assert.Nil(t, closed.QRToken)
	assert.Contains(t, finalizer.finalized, "s1")
}

func TestSessionCloseScheduledIsInvalidTransition(t *testing.T) {
	repo := newMockSessionRepo(scheduledSession("s1"))
	svc := newTestSessionService(repo, nil)

	_, err := svc.Close(context.Background(), "s1")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrInvalidTransition))
}

func TestSessionCloseExpiredSweep(t *testing.T) {
	expired := scheduledSession("old")
	expired.Status = models.SessionStatusActive
	expired.EndTime = time.Now().UTC().Add(-time.Hour)

	current := scheduledSession("fresh")
	current.Status = models.SessionStatusActive

	repo := newMockSessionRepo(expired, current)
	finalizer := &mockFinalizer{}
	svc := newTestSessionService(repo, finalizer)

	closed, err := svc.CloseExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, closed)
	assert.Equal(t, models.SessionStatusCompleted, repo.sessions["old"].Status)
	assert.Equal(t, models.SessionStatusActive, repo.sessions["fresh"].Status)
	assert.Equal(t, []string{"old"}, finalizer.finalized)

	// second sweep finds nothing, safe to repeat
	closed, err = svc.CloseExpired(context.Background())
	require.NoError(t, err)
	assert.Zero(t, closed)
}

func TestSessionQRCodeRequiresOpenSession(t *testing.T) {
	repo := newMockSessionRepo(scheduledSession("s1"))
	svc := newTestSessionService(repo, nil)

	_, err := svc.QRCode(context.Background(), "s1", 256)
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrSessionNotOpen))

	_, err = svc.Start(context.Background(), "s1")
	require.NoError(t, err)

	png, err := svc.QRCode(context.Background(), "s1", 256)
	require.NoError(t, err)
	assert.NotEmpty(t, png)
}
