package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/campushq/attendance-api/internal/models"
	appErrors "github.com/campushq/attendance-api/pkg/errors"
)

type summarySessionRepository interface {
	FindByID(ctx context.Context, id string) (*models.AttendanceSession, error)
	SaveSummary(ctx context.Context, summary *models.SessionSummary) error
	FindSummary(ctx context.Context, sessionID string) (*models.SessionSummary, error)
}

type summaryRecordReader interface {
	StatusCounts(ctx context.Context, sessionID string) (map[models.AttendanceStatus]int, error)
}

type summaryRosterReader interface {
	RosterSize(ctx context.Context, sectionID string) (int, error)
}

// SummaryService derives per-session attendance statistics. It is a pure
// view over persisted records and current enrollment, never a source of
// truth; the only materialised copy is the immutable snapshot written when
// a session closes.
type SummaryService struct {
	sessions summarySessionRepository
	records  summaryRecordReader
	roster   summaryRosterReader
	cache    *CacheService
	cacheTTL time.Duration
	logger   *zap.Logger
}

// NewSummaryService constructs the summary service.
func NewSummaryService(sessions summarySessionRepository, records summaryRecordReader, roster summaryRosterReader, cache *CacheService, cacheTTL time.Duration, logger *zap.Logger) *SummaryService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SummaryService{sessions: sessions, records: records, roster: roster, cache: cache, cacheTTL: cacheTTL, logger: logger}
}

func summaryCacheKey(sessionID string) string {
	return fmt.Sprintf("summary:session:%s", sessionID)
}

// Summarize returns statistics for a session. Closed sessions serve their
// final snapshot when one exists; live sessions recompute, behind a short
// cache TTL.
func (s *SummaryService) Summarize(ctx context.Context, sessionID string) (*models.SessionSummary, error) {
	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrSessionNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrDataUnavailable.Code, appErrors.ErrDataUnavailable.Status, "failed to load session")
	}

	if session.Status == models.SessionStatusCompleted {
		if snapshot, err := s.sessions.FindSummary(ctx, sessionID); err == nil {
			return snapshot, nil
		} else if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("snapshot read failed, recomputing", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	var cached models.SessionSummary
	if hit, _ := s.cache.Get(ctx, summaryCacheKey(sessionID), &cached); hit {
		return &cached, nil
	}

	summary, err := s.compute(ctx, session)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, summaryCacheKey(sessionID), summary, s.cacheTTL); err != nil {
		s.logger.Warn("summary cache write failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	return summary, nil
}

// Finalize computes and persists the immutable snapshot for a closed
// session. Idempotent: an existing snapshot is never overwritten.
func (s *SummaryService) Finalize(ctx context.Context, sessionID string) error {
	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session for snapshot: %w", err)
	}
	summary, err := s.compute(ctx, session)
	if err != nil {
		return err
	}
	summary.Final = true
	if err := s.sessions.SaveSummary(ctx, summary); err != nil {
		return err
	}
	// Drop the live-summary cache entry so readers converge on the snapshot.
	if err := s.cache.Invalidate(ctx, summaryCacheKey(sessionID)); err != nil {
		s.logger.Warn("summary cache invalidation failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	return nil
}

// compute derives all counts and rates. Counts come from records; the
// denominator is the live section roster, so absentees with zero records
// still count. With an empty roster every rate is 0, never NaN.
func (s *SummaryService) compute(ctx context.Context, session *models.AttendanceSession) (*models.SessionSummary, error) {
	total, err := s.roster.RosterSize(ctx, session.SectionID)
	if err != nil {
		return nil, err
	}
	counts, err := s.records.StatusCounts(ctx, session.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrDataUnavailable.Code, appErrors.ErrDataUnavailable.Status, "failed to read attendance records")
	}

	onTime := counts[models.AttendanceStatusPresent]
	late := counts[models.AttendanceStatusLate]
	present := 0
	for status, n := range counts {
		if status.CountsAsPresent() {
			present += n
		}
	}
	absent := total - present
	if absent < 0 {
		// Roster shrank after records were written; keep counts total.
		absent = 0
	}

	return &models.SessionSummary{
		SessionID:      session.ID,
		Total:          total,
		Present:        present,
		OnTime:         onTime,
		Late:           late,
		Absent:         absent,
		AttendanceRate: rate(present, total),
		OnTimeRate:     rate(onTime, total),
		LateRate:       rate(late, total),
		AbsentRate:     rate(absent, total),
		ComputedAt:     time.Now().UTC(),
	}, nil
}

// rate is a percentage rounded to one decimal; zero denominator yields 0.
func rate(count, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(count)/float64(total)*1000) / 10
}
