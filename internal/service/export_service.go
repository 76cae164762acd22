package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/campushq/attendance-api/internal/models"
	appErrors "github.com/campushq/attendance-api/pkg/errors"
	"github.com/campushq/attendance-api/pkg/export"
)

// ExportFormat selects the roster export encoding.
type ExportFormat string

const (
	FormatCSV ExportFormat = "csv"
	FormatPDF ExportFormat = "pdf"
)

type exportRosterReader interface {
	ListRoster(ctx context.Context, sessionID string) ([]models.AttendanceRecordRow, error)
}

type exportSessionReader interface {
	Get(ctx context.Context, id string) (*models.SessionDetail, error)
}

// ExportService renders a session roster as a downloadable document.
type ExportService struct {
	roster   exportRosterReader
	sessions exportSessionReader
	csv      *export.CSVExporter
	pdf      *export.PDFExporter
	logger   *zap.Logger
	enabled  bool
}

// NewExportService constructs the export service.
func NewExportService(roster exportRosterReader, sessions exportSessionReader, logger *zap.Logger, enabled bool) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportService{
		roster:   roster,
		sessions: sessions,
		csv:      export.NewCSVExporter(),
		pdf:      export.NewPDFExporter(),
		logger:   logger,
		enabled:  enabled,
	}
}

// ExportResult carries the rendered document and response metadata.
type ExportResult struct {
	Content     []byte
	ContentType string
	Filename    string
}

var rosterHeaders = []string{"Student", "Matric No", "Status", "Checked In At"}

// RenderRoster produces the flat roster document for a session.
func (s *ExportService) RenderRoster(ctx context.Context, sessionID string, format ExportFormat) (*ExportResult, error) {
	if !s.enabled {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "export is disabled")
	}
	detail, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	rows, err := s.roster.ListRoster(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	dataset := export.Dataset{Headers: rosterHeaders, Rows: make([]map[string]string, len(rows))}
	for i, row := range rows {
		checkedIn := ""
		if row.CheckedInAt != nil {
			checkedIn = row.CheckedInAt.UTC().Format(time.RFC3339)
		}
		dataset.Rows[i] = map[string]string{
			"Student":       row.StudentName,
			"Matric No":     row.MatricNo,
			"Status":        string(row.Status),
			"Checked In At": checkedIn,
		}
	}

	base := fmt.Sprintf("attendance-%s-%s", slugify(detail.Name), detail.Date.Format("2006-01-02"))
	switch format {
	case FormatPDF:
		content, err := s.pdf.Render(dataset, fmt.Sprintf("%s - %s", detail.CourseCode, detail.Name))
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render pdf")
		}
		return &ExportResult{Content: content, ContentType: "application/pdf", Filename: base + ".pdf"}, nil
	case FormatCSV, "":
		content, err := s.csv.Render(dataset)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render csv")
		}
		return &ExportResult{Content: content, ContentType: "text/csv", Filename: base + ".csv"}, nil
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, "unsupported export format")
	}
}

func slugify(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteRune('-')
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		return "session"
	}
	return slug
}
