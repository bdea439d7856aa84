package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Report formats accepted by Render.
const (
	FormatText = "text"
	FormatHTML = "html"
	FormatJSON = "json"
)

// Report accumulates the outcomes of one import run.
type Report struct {
	RunID  string `json:"run_id"`
	TaskID string `json:"task_id,omitempty"`
	Model  string `json:"model"`
	Source string `json:"source"`

	Total     int `json:"total"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`

	Deleted     int64 `json:"deleted"`
	DeletionRan bool  `json:"deletion_ran"`

	Attachments AttachmentStats `json:"attachments"`

	// Lines holds the outcomes carrying a message, in row order.
	Lines    []Outcome     `json:"lines,omitempty"`
	Warnings []string      `json:"warnings,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// NewReport creates an empty report.
func NewReport(model, source string) *Report {
	return &Report{Model: model, Source: source}
}

// Add records one row outcome.
func (r *Report) Add(o Outcome) {
	switch o.Kind {
	case Created:
		r.Created++
	case Updated:
		r.Updated++
	case Unchanged:
		r.Unchanged++
	case Skipped:
		r.Skipped++
	case Failed:
		r.Failed++
	}
	if o.Reason != "" || len(o.Warnings) > 0 {
		r.Lines = append(r.Lines, o)
	}
}

// Warn records a message not tied to a row.
func (r *Report) Warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// Imported returns the number of rows that reached the store.
func (r *Report) Imported() int {
	return r.Created + r.Updated + r.Unchanged
}

// Processed returns the number of rows seen, including failures.
func (r *Report) Processed() int {
	if r.Total > 0 {
		return r.Total
	}
	return r.Created + r.Updated + r.Unchanged + r.Skipped + r.Failed
}

// Summary returns the "N/M lines imported." ratio.
func (r *Report) Summary() string {
	return fmt.Sprintf("%d/%d lines imported.", r.Imported(), r.Processed())
}

// Breakdown returns the per-outcome counters sentence.
func (r *Report) Breakdown() string {
	return fmt.Sprintf("%d created, %d updated, %d unchanged, %d skipped, %d failed out of %d lines imported.",
		r.Created, r.Updated, r.Unchanged, r.Skipped, r.Failed, r.Processed())
}

// Messages returns every line message prefixed with its line number,
// followed by general warnings.
func (r *Report) Messages() []string {
	var msgs []string
	for _, o := range r.Lines {
		if o.Reason != "" {
			msgs = append(msgs, fmt.Sprintf("Line %d: %s", o.Line, o.Reason))
		}
		for _, w := range o.Warnings {
			msgs = append(msgs, fmt.Sprintf("Line %d: %s", o.Line, w))
		}
	}
	return append(msgs, r.Warnings...)
}

// Render renders the report in one of FormatText, FormatHTML, FormatJSON.
func (r *Report) Render(ctx context.Context, format string) (string, error) {
	switch strings.ToLower(format) {
	case FormatText, "":
		return r.text(), nil
	case FormatHTML:
		var buf bytes.Buffer
		if err := reportComponent(r).Render(ctx, &buf); err != nil {
			return "", fmt.Errorf("render html report: %w", err)
		}
		return buf.String(), nil
	case FormatJSON:
		b, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return "", fmt.Errorf("render json report: %w", err)
		}
		return string(b), nil
	default:
		return "", &ReportFormatError{Format: format}
	}
}

func (r *Report) text() string {
	var b strings.Builder
	if r.Error != "" {
		fmt.Fprintf(&b, "%s\n", r.Error)
	}
	fmt.Fprintf(&b, "%s\n", r.Summary())
	fmt.Fprintf(&b, "%s\n", r.Breakdown())
	if r.DeletionRan {
		fmt.Fprintf(&b, "%d deleted.\n", r.Deleted)
	}
	if a := r.Attachments; a != (AttachmentStats{}) {
		fmt.Fprintf(&b, "Attachments: %d downloaded, %d unchanged, %d skipped, %d failed, %d removed.\n",
			a.Downloaded, a.Unchanged, a.Skipped, a.Failed, a.Removed)
	}
	for _, msg := range r.Messages() {
		fmt.Fprintf(&b, "%s\n", msg)
	}
	return b.String()
}

// Reports is the ordered list of reports of an aggregate run.
type Reports []*Report

// Render concatenates every report in run order.
func (rs Reports) Render(ctx context.Context, format string) (string, error) {
	if strings.ToLower(format) == FormatJSON {
		b, err := json.MarshalIndent(rs, "", "  ")
		if err != nil {
			return "", fmt.Errorf("render json reports: %w", err)
		}
		return string(b), nil
	}

	var b strings.Builder
	for _, r := range rs {
		out, err := r.Render(ctx, format)
		if err != nil {
			return "", err
		}
		if strings.ToLower(format) != FormatHTML {
			fmt.Fprintf(&b, "%s (%s)\n", r.Model, r.Source)
		}
		b.WriteString(out)
	}
	return b.String(), nil
}

// Failed reports whether any run ended with a fatal error.
func (rs Reports) Failed() bool {
	for _, r := range rs {
		if r.Error != "" {
			return true
		}
	}
	return false
}
