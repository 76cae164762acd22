package service

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/campushq/attendance-api/internal/models"
	appErrors "github.com/campushq/attendance-api/pkg/errors"
)

type rosterStub struct{}

func (rosterStub) ListRoster(ctx context.Context, sessionID string) ([]models.AttendanceRecordRow, error) {
	checkedIn := time.Date(2026, 3, 2, 9, 5, 0, 0, time.UTC)
	return []models.AttendanceRecordRow{
		{SessionID: sessionID, StudentID: "s1", StudentName: "Ada Lovelace", MatricNo: "A123", Status: models.AttendanceStatusPresent, CheckedInAt: &checkedIn},
		{SessionID: sessionID, StudentID: "s2", StudentName: "Ben Okafor", MatricNo: "A124", Status: models.AttendanceStatusAbsent},
	}, nil
}

type sessionDetailStub struct{}

func (sessionDetailStub) Get(ctx context.Context, id string) (*models.SessionDetail, error) {
	return &models.SessionDetail{
		AttendanceSession: models.AttendanceSession{
			ID:   id,
			Name: "Week 5 Lecture",
			Date: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		},
		CourseCode: "CS101",
	}, nil
}

func TestExportRosterCSV(t *testing.T) {
	svc := NewExportService(rosterStub{}, sessionDetailStub{}, zap.NewNop(), true)

	result, err := svc.RenderRoster(context.Background(), "sess-1", FormatCSV)
	require.NoError(t, err)
	assert.Equal(t, "text/csv", result.ContentType)
	assert.Equal(t, "attendance-week-5-lecture-2026-03-02.csv", result.Filename)

	content := string(result.Content)
	assert.True(t, strings.HasPrefix(content, "Student,Matric No,Status,Checked In At"))
	assert.Contains(t, content, "Ada Lovelace,A123,PRESENT,2026-03-02T09:05:00Z")
	assert.Contains(t, content, "Ben Okafor,A124,ABSENT,")
}

func TestExportRosterPDF(t *testing.T) {
	svc := NewExportService(rosterStub{}, sessionDetailStub{}, zap.NewNop(), true)

	result, err := svc.RenderRoster(context.Background(), "sess-1", FormatPDF)
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", result.ContentType)
	assert.True(t, bytes.HasPrefix(result.Content, []byte("%PDF")))
}

func TestExportRosterUnknownFormat(t *testing.T) {
	svc := NewExportService(rosterStub{}, sessionDetailStub{}, zap.NewNop(), true)

	_, err := svc.RenderRoster(context.Background(), "sess-1", ExportFormat("xlsx"))
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation))
}

func TestExportRosterDisabled(t *testing.T) {
	svc := NewExportService(rosterStub{}, sessionDetailStub{}, zap.NewNop(), false)

	_, err := svc.RenderRoster(context.Background(), "sess-1", FormatCSV)
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrForbidden))
}
