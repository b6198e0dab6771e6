package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/xuri/excelize/v2"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	domain "github.com/meritflow/compcycle/internal/domain"
)

// ExportStore uploads rendered exports and signs time-limited download links for them.
type ExportStore interface {
	Put(ctx context.Context, object, contentType string, data []byte) error
	SignedURL(ctx context.Context, object string) (url string, expiresAt time.Time, err error)
}

// SummaryExportServiceDeps bundles collaborators for summary exports.
type SummaryExportServiceDeps struct {
	Monitors MonitorService
	Store    ExportStore
	Audit    AuditLogService
	Clock    func() time.Time
	Logger   Logger

	// Prefix is the object name prefix, "exports" when empty.
	Prefix string
}

type summaryExportService struct {
	monitors MonitorService
	store    ExportStore
	audit    AuditLogService
	clock    func() time.Time
	logger   Logger
	prefix   string
	markdown goldmark.Markdown
	policy   *bluemonday.Policy
}

var _ SummaryExportService = (*summaryExportService)(nil)

// NewSummaryExportService constructs the executive summary exporter.
func NewSummaryExportService(deps SummaryExportServiceDeps) (SummaryExportService, error) {
	if deps.Monitors == nil {
		return nil, errors.New("summary export service: monitor service is required")
	}
	if deps.Store == nil {
		return nil, errors.New("summary export service: export store is required")
	}
	prefix := strings.Trim(strings.TrimSpace(deps.Prefix), "/")
	if prefix == "" {
		prefix = "exports"
	}
	policy := bluemonday.UGCPolicy()
	policy.AllowAttrs("align").OnElements("th", "td")
	return &summaryExportService{
		monitors: deps.Monitors,
		store:    deps.Store,
		audit:    deps.Audit,
		clock:    utcClock(deps.Clock),
		logger:   loggerOrNoop(deps.Logger),
		prefix:   prefix,
		markdown: goldmark.New(goldmark.WithExtensions(extension.GFM)),
		policy:   policy,
	}, nil
}

func (s *summaryExportService) Export(ctx context.Context, cmd ExportSummaryCommand) (domain.SignedExport, error) {
	format := ExportFormat(strings.ToLower(strings.TrimSpace(string(cmd.Format))))
	if format == "" {
		format = ExportFormatHTML
	}
	summary, err := s.monitors.GenerateSummary(ctx, MonitorQuery{TenantID: cmd.TenantID, CycleID: cmd.CycleID})
	if err != nil {
		return domain.SignedExport{}, err
	}

	var (
		body        []byte
		contentType string
	)
	switch format {
	case ExportFormatMarkdown:
		body, contentType = []byte(summary.Markdown), "text/markdown; charset=utf-8"
	case ExportFormatHTML:
		body, err = s.renderHTML(summary)
		contentType = "text/html; charset=utf-8"
	case ExportFormatXLSX:
		body, err = renderWorkbook(summary)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return domain.SignedExport{}, fmt.Errorf("%w: unsupported export format %q", ErrMonitorInvalidInput, cmd.Format)
	}
	if err != nil {
		return domain.SignedExport{}, fmt.Errorf("render %s export: %w", format, err)
	}

	object := exportObjectPath(s.prefix, cmd.TenantID, summary.CycleID, format, s.clock())
	if err := s.store.Put(ctx, object, contentType, body); err != nil {
		return domain.SignedExport{}, fmt.Errorf("upload export: %w", err)
	}
	url, expires, err := s.store.SignedURL(ctx, object)
	if err != nil {
		return domain.SignedExport{}, fmt.Errorf("sign export url: %w", err)
	}

	s.logger(ctx, "summary.exported", map[string]any{"cycleId": summary.CycleID, "format": string(format), "object": object, "bytes": len(body)})
	if s.audit != nil {
		rec := auditRecord(ctx, cmd.TenantID, cmd.ActorID, "summary.export", cycleRef(summary.CycleID))
		rec.Metadata = map[string]any{"format": string(format), "object": object}
		s.audit.Record(ctx, rec)
	}
	return domain.SignedExport{Object: object, URL: url, ContentType: contentType, ExpiresAt: expires}, nil
}

func (s *summaryExportService) renderHTML(summary domain.ExecutiveSummary) ([]byte, error) {
	var buf bytes.Buffer
	if err := s.markdown.Convert([]byte(summary.Markdown), &buf); err != nil {
		return nil, err
	}
	clean := s.policy.SanitizeBytes(buf.Bytes())
	var doc bytes.Buffer
	doc.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>")
	doc.WriteString(s.policy.Sanitize(summary.CycleName))
	doc.WriteString(" executive summary</title></head><body>\n")
	doc.Write(clean)
	doc.WriteString("</body></html>\n")
	return doc.Bytes(), nil
}

func renderWorkbook(summary domain.ExecutiveSummary) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	const overview = "Summary"
	if err := f.SetSheetName("Sheet1", overview); err != nil {
		return nil, err
	}
	p, b := summary.Progress, summary.Budget
	rows := [][]any{
		{"Cycle", summary.CycleName},
		{"Status", string(summary.Status)},
		{"Generated", summary.GeneratedAt.Format(time.RFC3339)},
		{"Recommendations", p.Total},
		{"Approved", p.Approved},
		{"Completion %", p.CompletionPct},
		{"Days remaining", p.DaysRemaining},
		{"Budget total", b.BudgetTotal.InexactFloat64()},
		{"Total spent", b.TotalSpent.InexactFloat64()},
		{"Overall drift %", b.OverallDriftPct},
		{"Policy violations", len(summary.Policy.Violations)},
		{"Outliers", len(summary.Outliers.Outliers)},
	}
	for _, item := range summary.Blockers {
		rows = append(rows, []any{"Blocker", item})
	}
	for _, item := range summary.ActionItems {
		rows = append(rows, []any{"Action", item})
	}
	if err := writeSheetRows(f, overview, rows); err != nil {
		return nil, err
	}

	deptRows := [][]any{{"Department", "Allocated", "Spent", "Remaining", "Drift %", "Exceeded"}}
	for _, d := range b.Departments {
		deptRows = append(deptRows, []any{d.Department, d.Allocated.InexactFloat64(), d.Spent.InexactFloat64(), d.Remaining.InexactFloat64(), d.DriftPct, d.Exceeded})
	}
	if err := addSheet(f, "Departments", deptRows); err != nil {
		return nil, err
	}

	violationRows := [][]any{{"Recommendation", "Employee", "Department", "Type", "Severity", "Rule", "Message"}}
	for _, v := range summary.Policy.Violations {
		violationRows = append(violationRows, []any{v.RecommendationID, v.EmployeeName, v.Department, string(v.Type), string(v.Severity), v.RuleName, v.Message})
	}
	if err := addSheet(f, "Violations", violationRows); err != nil {
		return nil, err
	}

	outlierRows := [][]any{{"Recommendation", "Employee", "Department", "Level", "Type", "Severity", "Change %", "Z"}}
	for _, o := range summary.Outliers.Outliers {
		outlierRows = append(outlierRows, []any{o.RecommendationID, o.EmployeeName, o.Department, o.Level, string(o.Type), string(o.Severity), o.ChangePct, o.ZScore})
	}
	if err := addSheet(f, "Outliers", outlierRows); err != nil {
		return nil, err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func addSheet(f *excelize.File, name string, rows [][]any) error {
	if _, err := f.NewSheet(name); err != nil {
		return err
	}
	return writeSheetRows(f, name, rows)
}

func writeSheetRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
	}
	return nil
}

func exportObjectPath(prefix, tenantID, cycleID string, format ExportFormat, now time.Time) string {
	return fmt.Sprintf("%s/%s/%s/summary-%s.%s", prefix, tenantID, cycleID, now.Format("20060102T150405Z"), format)
}
