// Package source implements the row sources of the import engine:
// spreadsheets, XML documents, paginated JSON APIs and shapefiles.
package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/JonMunkholm/geoimport/internal/core"
)

// sliceCursor iterates over rows loaded up front.
type sliceCursor struct {
	rows []*core.Row
	pos  int
}

// NewSliceCursor returns a cursor over rows. Used by file sources that
// read their whole origin on Open, and by tests.
func NewSliceCursor(rows []*core.Row) core.Cursor {
	return &sliceCursor{rows: rows}
}

func (c *sliceCursor) Next() bool {
	if c.pos >= len(c.rows) {
		return false
	}
	c.pos++
	return true
}

func (c *sliceCursor) Row() *core.Row {
	if c.pos == 0 || c.pos > len(c.rows) {
		return nil
	}
	return c.rows[c.pos-1]
}

func (c *sliceCursor) Err() error   { return nil }
func (c *sliceCursor) Total() int   { return len(c.rows) }
func (c *sliceCursor) Close() error { return nil }

// Rows is a fixed Source, handy for tests and programmatic imports.
type Rows struct {
	Label string
	Data  []*core.Row
}

// Open implements core.Source.
func (s *Rows) Open(_ context.Context) (core.Cursor, error) {
	return NewSliceCursor(s.Data), nil
}

// Describe implements core.Source.
func (s *Rows) Describe() string {
	if s.Label == "" {
		return "rows"
	}
	return s.Label
}

// checkPath validates a file origin before it is opened.
func checkPath(path string) error {
	if path == "" {
		return &core.ConfigError{Msg: "File path missing"}
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &core.SourceNotFoundError{Path: path}
	}
	if err != nil {
		return &core.SourceFormatError{Path: path, Err: err}
	}
	if info.IsDir() {
		return &core.SourceFormatError{Path: path, Err: fmt.Errorf("is a directory")}
	}
	return nil
}
