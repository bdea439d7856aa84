package source

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/JonMunkholm/geoimport/internal/core"
)

// Spreadsheet reads a tabular file whose first non-empty row is the header.
// Supported formats are CSV and XLSX.
type Spreadsheet struct {
	Path  string
	Sheet string // XLSX sheet name, the first sheet when empty
	Comma rune   // CSV delimiter, detected when zero
}

// NewSpreadsheet creates a spreadsheet source for path.
func NewSpreadsheet(path string) *Spreadsheet {
	return &Spreadsheet{Path: path}
}

// Describe implements core.Source.
func (s *Spreadsheet) Describe() string {
	return filepath.Base(s.Path)
}

// Open implements core.Source. The whole file is read so the row count
// is known for progress reporting.
func (s *Spreadsheet) Open(_ context.Context) (core.Cursor, error) {
	if err := checkPath(s.Path); err != nil {
		return nil, err
	}

	var (
		records [][]string
		err     error
	)
	switch ext := strings.ToLower(filepath.Ext(s.Path)); ext {
	case ".csv", ".txt":
		records, err = s.readCSV()
	case ".xlsx", ".xlsm":
		records, err = s.readXLSX()
	default:
		err = fmt.Errorf("unsupported spreadsheet extension %q", ext)
	}
	if err != nil {
		return nil, &core.SourceFormatError{Path: s.Path, Err: err}
	}

	return NewSliceCursor(recordsToRows(records)), nil
}

func (s *Spreadsheet) readCSV() ([][]string, error) {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, err
	}
	data, err := DecodeText(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = s.Comma
	if r.Comma == 0 {
		r.Comma = detectDelimiter(data)
	}
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	return r.ReadAll()
}

func (s *Spreadsheet) readXLSX() ([][]string, error) {
	f, err := excelize.OpenFile(s.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sheet := s.Sheet
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, fmt.Errorf("workbook has no sheet")
		}
		sheet = sheets[0]
	}
	return f.GetRows(sheet)
}

// detectDelimiter picks the most frequent candidate in the first line.
func detectDelimiter(data []byte) rune {
	line := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		line = data[:i]
	}
	best, bestCount := ',', 0
	for _, c := range []rune{',', ';', '\t', '|'} {
		if n := bytes.Count(line, []byte(string(c))); n > bestCount {
			best, bestCount = c, n
		}
	}
	return best
}

// recordsToRows turns records into rows keyed by the header. Empty rows
// are skipped and short rows are padded with empty values.
func recordsToRows(records [][]string) []*core.Row {
	headerIdx := -1
	for i, rec := range records {
		if !isEmptyRecord(rec) {
			headerIdx = i
			break
		}
	}
	if headerIdx < 0 {
		return nil
	}

	header := make([]string, len(records[headerIdx]))
	for i, h := range records[headerIdx] {
		header[i] = core.CleanCell(h)
	}

	rows := make([]*core.Row, 0, len(records)-headerIdx-1)
	for _, rec := range records[headerIdx+1:] {
		if isEmptyRecord(rec) {
			continue
		}
		row := core.NewRow(len(header))
		for i, name := range header {
			if name == "" {
				continue
			}
			val := ""
			if i < len(rec) {
				val = core.CleanCell(rec[i])
			}
			row.Set(name, val)
		}
		rows = append(rows, row)
	}
	return rows
}

func isEmptyRecord(rec []string) bool {
	for _, cell := range rec {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
