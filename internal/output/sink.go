// Package output renders audit results: streaming finding sinks for the
// engine, the end-of-run table and summary, and the check catalogue.
package output

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pankaj-dahiya-devops/posture-auditor/internal/models"
)

// Format names accepted by NewSink.
const (
	FormatTable  = "table"
	FormatNDJSON = "ndjson"
	FormatJSON   = "json"
)

// ErrUnknownFormat is returned for an unsupported output format.
var ErrUnknownFormat = errors.New("unknown output format")

// Sink receives findings while an audit runs and the report once it ends.
// It satisfies engine.Sink.
type Sink interface {
	WriteFinding(f models.Finding) error
	Finish(report *models.AuditReport) error
}

// NewSink returns the sink for format writing to w.
func NewSink(format string, w io.Writer, opts TableOptions) (Sink, error) {
	switch format {
	case "", FormatTable:
		return NewTableSink(w, opts), nil
	case FormatNDJSON:
		return NewNDJSONSink(w), nil
	case FormatJSON:
		return NewJSONSink(w), nil
	default:
		return nil, fmt.Errorf("%w %q; valid values: table, ndjson, json", ErrUnknownFormat, format)
	}
}

// TableSink buffers findings and renders them sorted once the audit ends.
type TableSink struct {
	w    io.Writer
	opts TableOptions

	mu       sync.Mutex
	findings []models.Finding
}

func NewTableSink(w io.Writer, opts TableOptions) *TableSink {
	return &TableSink{w: w, opts: opts}
}

func (s *TableSink) WriteFinding(f models.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findings = append(s.findings, f)
	return nil
}

func (s *TableSink) Finish(report *models.AuditReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	SortFindings(s.findings)
	opts := s.opts
	if report != nil && len(report.Accounts) > 1 {
		opts.IncludeAccount = true
	}
	RenderTable(s.w, s.findings, opts)
	if report != nil {
		RenderSummary(s.w, report, opts.Colored)
	}
	return nil
}

// NDJSONSink writes one JSON object per finding as soon as it arrives. The
// report is written last as a line of its own, wrapped as {"report": ...}
// so consumers can tell it apart from findings.
type NDJSONSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewNDJSONSink(w io.Writer) *NDJSONSink {
	return &NDJSONSink{enc: json.NewEncoder(w)}
}

func (s *NDJSONSink) WriteFinding(f models.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(f)
}

func (s *NDJSONSink) Finish(report *models.AuditReport) error {
	if report == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(struct {
		Report *models.AuditReport `json:"report"`
	}{report})
}

// JSONSink writes a single indented document holding the report and every
// finding once the audit ends.
type JSONSink struct {
	w io.Writer

	mu       sync.Mutex
	findings []models.Finding
}

// JSONDocument is the document written by JSONSink.
type JSONDocument struct {
	Report   *models.AuditReport `json:"report"`
	Findings []models.Finding    `json:"findings"`
}

func NewJSONSink(w io.Writer) *JSONSink {
	return &JSONSink{w: w}
}

func (s *JSONSink) WriteFinding(f models.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findings = append(s.findings, f)
	return nil
}

func (s *JSONSink) Finish(report *models.AuditReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := JSONDocument{Report: report, Findings: s.findings}
	if doc.Findings == nil {
		doc.Findings = []models.Finding{}
	}
	enc := json.NewEncoder(s.w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// MultiSink fans every call out to each sink in order and stops at the
// first error.
type MultiSink []Sink

func (m MultiSink) WriteFinding(f models.Finding) error {
	for _, s := range m {
		if err := s.WriteFinding(f); err != nil {
			return err
		}
	}
	return nil
}

func (m MultiSink) Finish(report *models.AuditReport) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Finish(report))
	}
	return errors.Join(errs...)
}
