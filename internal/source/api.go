package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/JonMunkholm/geoimport/internal/core"
)

// API pages through a JSON endpoint answering
// {"count": N, "next": "<url>", "results": [...]}.
//
// Iteration follows the next link when the body has one, otherwise
// increments PageParam when set. It stops on an empty page, once Count
// rows were read, or when there is no next page.
type API struct {
	URL     string
	HTTP    core.Doer
	Params  url.Values
	Headers http.Header

	Username string // Basic auth when set
	Password string

	ResultsKey string // Defaults to "results"
	CountKey   string // Defaults to "count"
	NextKey    string // Defaults to "next"

	PageParam     string // e.g. "page", empty disables page counting
	PageSizeParam string // e.g. "page_size"
	PageSize      int

	Label string
}

// Describe implements core.Source.
func (s *API) Describe() string {
	if s.Label != "" {
		return s.Label
	}
	return s.URL
}

// Open implements core.Source. The first page is fetched immediately so
// an unreachable upstream fails the run before any row is processed.
func (s *API) Open(ctx context.Context) (core.Cursor, error) {
	first, err := s.pageURL(s.URL, 1)
	if err != nil {
		return nil, &core.ConfigError{Msg: fmt.Sprintf("invalid URL %q", s.URL), Err: err}
	}

	c := &apiCursor{src: s, ctx: ctx, page: 1}
	if err := c.fetch(first); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *API) client() core.Doer {
	if s.HTTP == nil {
		return http.DefaultClient
	}
	return s.HTTP
}

func (s *API) key(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// pageURL adds the configured parameters to base.
func (s *API) pageURL(base string, page int) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, vals := range s.Params {
		if q.Has(k) {
			continue
		}
		for _, v := range vals {
			q.Add(k, v)
		}
	}
	if s.PageSizeParam != "" && s.PageSize > 0 {
		q.Set(s.PageSizeParam, strconv.Itoa(s.PageSize))
	}
	if s.PageParam != "" {
		q.Set(s.PageParam, strconv.Itoa(page))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type apiCursor struct {
	src *API
	ctx context.Context

	items   []any
	idx     int
	row     *core.Row
	next    string
	page    int
	total   int
	fetched int
	done    bool
	err     error
}

func (c *apiCursor) Next() bool {
	for {
		if c.err != nil {
			return false
		}
		if c.idx < len(c.items) {
			item := c.items[c.idx]
			c.idx++
			obj, ok := item.(map[string]any)
			if !ok {
				c.err = &core.GlobalImportError{Msg: fmt.Sprintf("Unexpected item in %s: %T", c.src.URL, item)}
				return false
			}
			c.row = core.RowFromMap(obj)
			c.fetched++
			return true
		}
		if c.done || c.next == "" {
			return false
		}
		if err := c.fetch(c.next); err != nil {
			c.err = err
			return false
		}
	}
}

func (c *apiCursor) Row() *core.Row { return c.row }
func (c *apiCursor) Err() error     { return c.err }
func (c *apiCursor) Close() error   { return nil }

func (c *apiCursor) Total() int {
	if c.total > 0 {
		return c.total
	}
	return c.fetched + len(c.items) - c.idx
}

// fetch loads one page and computes the URL of the following one.
func (c *apiCursor) fetch(pageURL string) error {
	s := c.src
	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return &core.GlobalImportError{Msg: fmt.Sprintf("Failed to download %s: %v", pageURL, err)}
	}
	req.Header.Set("Accept", "application/json")
	for k, vals := range s.Headers {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	if s.Username != "" {
		req.SetBasicAuth(s.Username, s.Password)
	}

	resp, err := s.client().Do(req)
	if err != nil {
		return &core.GlobalImportError{Msg: fmt.Sprintf("Failed to download %s: %v", pageURL, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &core.GlobalImportError{Msg: fmt.Sprintf("Failed to download %s. HTTP status code %d", pageURL, resp.StatusCode)}
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return &core.GlobalImportError{Msg: fmt.Sprintf("Invalid JSON from %s: %v", pageURL, err)}
	}

	items, _ := body[s.key(s.ResultsKey, "results")].([]any)
	c.items, c.idx = items, 0
	if count, ok := body[s.key(s.CountKey, "count")].(float64); ok {
		c.total = int(count)
	}

	slog.Debug("fetched page", "url", pageURL, "items", len(items), "count", c.total)

	c.next = ""
	if len(items) == 0 {
		c.done = true
		return nil
	}
	if c.total > 0 && c.fetched+len(items) >= c.total {
		c.done = true
		return nil
	}
	if next, ok := body[s.key(s.NextKey, "next")].(string); ok && next != "" {
		c.next = next
		return nil
	}
	if s.PageParam != "" {
		c.page++
		next, err := s.pageURL(s.URL, c.page)
		if err != nil {
			return &core.GlobalImportError{Msg: err.Error()}
		}
		c.next = next
		return nil
	}
	c.done = true
	return nil
}
