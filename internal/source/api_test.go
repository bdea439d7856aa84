package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/geoimport/internal/core"
)

func pagedServer(t *testing.T, pages [][]map[string]any, withNext bool) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	total := 0
	for _, p := range pages {
		total += len(p)
	}

	r := chi.NewRouter()
	var srv *httptest.Server
	r.Get("/api/v2/trek/", func(w http.ResponseWriter, req *http.Request) {
		hits.Add(1)
		page, _ := strconv.Atoi(req.URL.Query().Get("page"))
		if page == 0 {
			page = 1
		}
		body := map[string]any{"count": total, "results": []any{}}
		if page <= len(pages) {
			body["results"] = pages[page-1]
		}
		if withNext && page < len(pages) {
			body["next"] = fmt.Sprintf("%s/api/v2/trek/?page=%d", srv.URL, page+1)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	})
	srv = httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestAPI_FollowsNextLinks(t *testing.T) {
	srv, hits := pagedServer(t, [][]map[string]any{
		{{"id": 1.0, "name": "A"}, {"id": 2.0, "name": "B"}},
		{{"id": 3.0, "name": "C"}},
	}, true)

	rows := collect(t, &API{URL: srv.URL + "/api/v2/trek/", HTTP: srv.Client()})
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	if got := cell(t, rows[2], "name"); got != "C" {
		t.Errorf("name = %v, want C", got)
	}
	if hits.Load() != 2 {
		t.Errorf("server hit %d times, want 2", hits.Load())
	}
}

func TestAPI_PageParamStopsOnCount(t *testing.T) {
	srv, hits := pagedServer(t, [][]map[string]any{
		{{"id": 1.0}, {"id": 2.0}},
		{{"id": 3.0}},
	}, false)

	src := &API{
		URL:           srv.URL + "/api/v2/trek/",
		HTTP:          srv.Client(),
		PageParam:     "page",
		PageSizeParam: "page_size",
		PageSize:      2,
	}
	cur, err := src.Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if cur.Total() != 3 {
		t.Errorf("Total() = %d, want 3", cur.Total())
	}
	n := 0
	for cur.Next() {
		n++
	}
	if err := cur.Err(); err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("got %d rows, want 3", n)
	}
	if hits.Load() != 2 {
		t.Errorf("server hit %d times, want 2", hits.Load())
	}
}

func TestAPI_EmptyFirstPage(t *testing.T) {
	srv, _ := pagedServer(t, nil, true)
	rows := collect(t, &API{URL: srv.URL + "/api/v2/trek/", HTTP: srv.Client(), PageParam: "page"})
	if len(rows) != 0 {
		t.Errorf("got %d rows, want 0", len(rows))
	}
}

func TestAPI_Errors(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/down", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	r.Get("/garbage", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	for _, path := range []string{"/down", "/garbage"} {
		t.Run(path, func(t *testing.T) {
			_, err := (&API{URL: srv.URL + path, HTTP: srv.Client()}).Open(context.Background())
			var global *core.GlobalImportError
			if !errors.As(err, &global) {
				t.Fatalf("error = %v, want GlobalImportError", err)
			}
		})
	}
}

func TestAPI_BasicAuthAndParams(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/items", func(w http.ResponseWriter, req *http.Request) {
		user, pass, ok := req.BasicAuth()
		if !ok || user != "bob" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if req.URL.Query().Get("portals") != "3" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"results": []any{map[string]any{"id": 1.0}}})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	rows := collect(t, &API{
		URL:      srv.URL + "/items",
		HTTP:     srv.Client(),
		Username: "bob",
		Password: "secret",
		Params:   map[string][]string{"portals": {"3"}},
	})
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
}
