package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by store lookups that match nothing.
	ErrNotFound = errors.New("not found")

	// ErrSkipRow may be returned by a filter to skip the current row.
	ErrSkipRow = errors.New("row skipped")

	// ErrParserNotRegistered is wrapped by Lookup for unknown parser names.
	ErrParserNotRegistered = errors.New("parser not registered")
)

// ConfigError reports a setup problem: bad parser name, missing path,
// malformed configuration. It aborts the run before any row is processed.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// SourceNotFoundError reports a missing source file.
type SourceNotFoundError struct {
	Path string
}

func (e *SourceNotFoundError) Error() string {
	return fmt.Sprintf("File does not exists at: %s", e.Path)
}

// SourceFormatError reports a source that exists but cannot be read.
type SourceFormatError struct {
	Path string
	Err  error
}

func (e *SourceFormatError) Error() string {
	return fmt.Sprintf("Unable to read %s: %v", e.Path, e.Err)
}

func (e *SourceFormatError) Unwrap() error { return e.Err }

// GlobalImportError aborts one import run, typically an upstream failure.
type GlobalImportError struct {
	Msg string
}

func (e *GlobalImportError) Error() string { return e.Msg }

// RowImportError fails the current row.
type RowImportError struct {
	Msg string
}

func (e *RowImportError) Error() string { return e.Msg }

// ValueImportError fails the current row because of one field value.
type ValueImportError struct {
	Msg string
}

func (e *ValueImportError) Error() string { return e.Msg }

// AttachmentImportError drops one attachment after a validation rule failed.
type AttachmentImportError struct {
	Msg string
}

func (e *AttachmentImportError) Error() string { return e.Msg }

// DownloadImportError drops one attachment after a network failure.
type DownloadImportError struct {
	URL string
	Err error
}

func (e *DownloadImportError) Error() string {
	return fmt.Sprintf("Failed to load attachment: %v", e.Err)
}

func (e *DownloadImportError) Unwrap() error { return e.Err }

// ReportFormatError is returned when rendering a report in an unknown format.
type ReportFormatError struct {
	Format string
}

func (e *ReportFormatError) Error() string {
	return fmt.Sprintf("Unsupported report format '%s'", e.Format)
}

func rowErrorf(format string, args ...any) error {
	return &RowImportError{Msg: fmt.Sprintf(format, args...)}
}

func valueErrorf(format string, args ...any) error {
	return &ValueImportError{Msg: fmt.Sprintf(format, args...)}
}

// NewRowError builds a RowImportError for use in filters.
func NewRowError(format string, args ...any) error {
	return rowErrorf(format, args...)
}

// NewValueError builds a ValueImportError for use in filters.
func NewValueError(format string, args ...any) error {
	return valueErrorf(format, args...)
}

// IsFatal reports whether err must abort the whole run.
func IsFatal(err error) bool {
	var (
		cfgErr    *ConfigError
		notFound  *SourceNotFoundError
		formatErr *SourceFormatError
		globalErr *GlobalImportError
	)
	return errors.As(err, &cfgErr) ||
		errors.As(err, &notFound) ||
		errors.As(err, &formatErr) ||
		errors.As(err, &globalErr) ||
		errors.Is(err, ErrParserNotRegistered)
}

// IsRowError reports whether err is a row or value failure raised by mapping.
func IsRowError(err error) bool {
	var (
		rowErr   *RowImportError
		valueErr *ValueImportError
	)
	return errors.As(err, &rowErr) || errors.As(err, &valueErr)
}
