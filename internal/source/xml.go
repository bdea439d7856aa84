package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/antchfx/xmlquery"

	"github.com/JonMunkholm/geoimport/internal/core"
)

// XML extracts one row per node matched by Query. Child elements become
// columns, repeated children become lists, attributes are prefixed with @.
// The document is read from Path, or fetched from URL when Path is empty.
type XML struct {
	Path  string
	URL   string
	HTTP  core.Doer
	Query string // XPath expression, e.g. "Result/el"
}

// Describe implements core.Source.
func (s *XML) Describe() string {
	if s.Path != "" {
		return filepath.Base(s.Path)
	}
	return s.URL
}

// Open implements core.Source.
func (s *XML) Open(ctx context.Context) (core.Cursor, error) {
	body, origin, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	doc, err := xmlquery.Parse(NewBOMSkippingReader(body))
	if err != nil {
		return nil, &core.SourceFormatError{Path: origin, Err: err}
	}

	nodes, err := xmlquery.QueryAll(doc, s.Query)
	if err != nil {
		return nil, &core.ConfigError{Msg: fmt.Sprintf("invalid XML path %q", s.Query), Err: err}
	}

	rows := make([]*core.Row, 0, len(nodes))
	for _, n := range nodes {
		rows = append(rows, nodeToRow(n))
	}
	return NewSliceCursor(rows), nil
}

func (s *XML) open(ctx context.Context) (io.ReadCloser, string, error) {
	if s.Path != "" || s.URL == "" {
		if err := checkPath(s.Path); err != nil {
			return nil, "", err
		}
		f, err := os.Open(s.Path)
		if err != nil {
			return nil, "", &core.SourceFormatError{Path: s.Path, Err: err}
		}
		return f, s.Path, nil
	}

	client := s.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, "", &core.ConfigError{Msg: fmt.Sprintf("invalid URL %q", s.URL), Err: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", &core.GlobalImportError{Msg: fmt.Sprintf("Failed to download %s: %v", s.URL, err)}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, "", &core.GlobalImportError{Msg: fmt.Sprintf("Failed to download %s. HTTP status code %d", s.URL, resp.StatusCode)}
	}
	return resp.Body, s.URL, nil
}

func nodeToRow(n *xmlquery.Node) *core.Row {
	row := core.NewRow(8)
	for _, attr := range n.Attr {
		row.Set("@"+attr.Name.Local, attr.Value)
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != xmlquery.ElementNode {
			continue
		}
		val := strings.TrimSpace(c.InnerText())
		prev, exists := row.Get(c.Data)
		if !exists {
			row.Set(c.Data, val)
			continue
		}
		if list, ok := prev.([]any); ok {
			row.Set(c.Data, append(list, val))
		} else {
			row.Set(c.Data, []any{prev, val})
		}
	}
	return row
}
