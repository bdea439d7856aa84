package parsers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/geoimport/internal/core"
	"github.com/JonMunkholm/geoimport/internal/store/memory"
)

const trekUUID = "58ed4fc1-645d-4bf6-b956-71f0a01a5eec"

var trekItem = map[string]any{
	"id":                 2,
	"uuid":               trekUUID,
	"name":               map[string]any{"fr": "Balade au lac", "en": "Lake walk"},
	"description_teaser": map[string]any{"fr": "Chapeau", "en": "Header"},
	"description":        map[string]any{"fr": "Description", "en": "Description"},
	"ambiance":           map[string]any{"fr": "Calme"},
	"advice":             map[string]any{},
	"duration":           2.5,
	"length_2d":          4200.5,
	"ascent":             120,
	"descent":            -120,
	"geometry": map[string]any{
		"type":        "LineString",
		"coordinates": [][]float64{{6.1, 45.1, 1200}, {6.2, 45.2, 1300}},
	},
	"practice":    4,
	"difficulty":  1,
	"route":       nil,
	"networks":    []int{},
	"themes":      []int{1, 2},
	"attachments": []any{},
}

// geotrekServer answers API v2 endpoints from fixed result lists and
// counts the requests of each endpoint.
func geotrekServer(t *testing.T, results map[string][]map[string]any) (*httptest.Server, map[string]*atomic.Int32) {
	t.Helper()
	hits := make(map[string]*atomic.Int32)
	for endpoint := range results {
		hits[endpoint] = new(atomic.Int32)
	}

	r := chi.NewRouter()
	r.Get("/api/v2/{endpoint}/", func(w http.ResponseWriter, req *http.Request) {
		endpoint := chi.URLParam(req, "endpoint")
		items, ok := results[endpoint]
		if !ok {
			items = []map[string]any{}
		} else {
			hits[endpoint].Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"count": len(items), "next": nil, "results": items})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, hits
}

func trekResults() map[string][]map[string]any {
	return map[string][]map[string]any{
		"trek":            {trekItem},
		"trek_practice":   {{"id": 4, "name": map[string]any{"fr": "Rando", "en": "Hike"}}},
		"trek_difficulty": {{"id": 1, "label": map[string]any{"fr": "Facile"}}},
		"theme": {
			{"id": 1, "label": map[string]any{"fr": "Faune"}},
			{"id": 2, "label": map[string]any{"fr": "Lac"}},
		},
	}
}

func trekOptions(srv *httptest.Server) core.BuildOptions {
	return core.BuildOptions{
		SourceName:      "URL_1",
		URL:             srv.URL,
		HTTP:            srv.Client(),
		Languages:       []string{"fr", "en"},
		DefaultLanguage: "fr",
	}
}

func TestGeotrekTrek_Import(t *testing.T) {
	srv, hits := geotrekServer(t, trekResults())
	store := memory.New()
	pedestrian := store.Seed(&core.Entity{Model: ModelPractice, Fields: map[string]any{"name_fr": "Pédestre"}})
	store.Seed(&core.Entity{Model: ModelDifficultyLevel, Fields: map[string]any{"label_fr": "Facile"}})

	opts := trekOptions(srv)
	opts.Mapping = map[string]map[string]string{"practice": {"Rando": "Pédestre"}}
	opts.CreateReferences = true

	report := runParser(t, "geotrek.trek", opts, store)
	if report.Created != 1 || report.Failed != 0 {
		t.Fatalf("report = %s %v", report.Breakdown(), report.Messages())
	}
	if report.Source != "URL_1" {
		t.Errorf("source = %q, want URL_1", report.Source)
	}
	if hits["trek_practice"].Load() != 1 || hits["theme"].Load() != 1 {
		t.Errorf("category endpoints fetched %d/%d times, want once", hits["trek_practice"].Load(), hits["theme"].Load())
	}

	treks := store.List(ModelTrek)
	if len(treks) != 1 {
		t.Fatalf("got %d treks, want 1", len(treks))
	}
	trek := treks[0]
	if trek.EID != trekUUID {
		t.Errorf("eid = %q", trek.EID)
	}
	if trek.Get("description_teaser_fr") != "Chapeau" || trek.Get("description_teaser_en") != "Header" {
		t.Errorf("description_teaser = %v / %v", trek.Get("description_teaser_fr"), trek.Get("description_teaser_en"))
	}
	if geom, _ := trek.Get("geom").(string); geom != "LINESTRING(6.1 45.1,6.2 45.2)" {
		t.Errorf("geom = %q", geom)
	}
	if trek.Get("practice") != pedestrian {
		t.Errorf("practice = %v, want %d", trek.Get("practice"), pedestrian)
	}
	if trek.Get("route") != nil {
		t.Errorf("route = %v, want nil", trek.Get("route"))
	}

	themeIDs, _ := trek.Get("themes").([]any)
	if len(themeIDs) != 2 {
		t.Fatalf("themes = %v", trek.Get("themes"))
	}
	themes := store.List(ModelTheme)
	if len(themes) != 2 || themes[0].Get("label_fr") != "Faune" {
		t.Errorf("created themes = %+v", themes)
	}
}

func TestGeotrekTrek_UnmappedCategoryWarns(t *testing.T) {
	srv, _ := geotrekServer(t, trekResults())
	store := memory.New()
	store.Seed(&core.Entity{Model: ModelPractice, Fields: map[string]any{"name_fr": "Rando"}})
	store.Seed(&core.Entity{Model: ModelDifficultyLevel, Fields: map[string]any{"label_fr": "Facile"}})
	store.Seed(&core.Entity{Model: ModelTheme, Fields: map[string]any{"label_fr": "Faune"}})
	store.Seed(&core.Entity{Model: ModelTheme, Fields: map[string]any{"label_fr": "Lac"}})

	opts := trekOptions(srv)
	opts.Mapping = map[string]map[string]string{"practice": {"VTT": "Vélo"}}

	report := runParser(t, "geotrek.trek", opts, store)

	if report.Created != 1 {
		t.Fatalf("report = %s %v", report.Breakdown(), report.Messages())
	}
	want := "Line 1: Bad value 'Rando' for field practice. Should contain ['VTT']"
	if msgs := report.Messages(); len(msgs) == 0 || msgs[0] != want {
		t.Errorf("messages = %v, want %q first", msgs, want)
	}
}

func TestGeotrekTrek_MissingReferenceFails(t *testing.T) {
	srv, _ := geotrekServer(t, trekResults())
	store := memory.New()

	report := runParser(t, "geotrek.trek", trekOptions(srv), store)

	if report.Failed != 1 {
		t.Fatalf("report = %s", report.Breakdown())
	}
	want := "Bad value 'Rando' for field practice. Practice 'Rando' does not exist"
	if got := report.Lines[0].Reason; got != want {
		t.Errorf("reason = %q, want %q", got, want)
	}
}

func TestGeotrekTrek_UnknownMappingField(t *testing.T) {
	def, _ := core.Lookup("geotrek.trek")
	_, _, err := def.Build(core.BuildOptions{
		URL:     "https://test.fr",
		Mapping: map[string]map[string]string{"foo_field": {"a": "b"}},
	})
	var cfgErr *core.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Build() error = %v, want ConfigError", err)
	}
	if want := "foo_field is not configured as a category of Trek"; cfgErr.Msg != want {
		t.Errorf("error = %q, want %q", cfgErr.Msg, want)
	}
}

func TestGeotrekTrek_DeleteAccordingToProvider(t *testing.T) {
	results := trekResults()
	srv, _ := geotrekServer(t, results)
	store := memory.New()

	opts := trekOptions(srv)
	opts.Provider = "Provider1"
	opts.CreateReferences = true
	del := true
	opts.Delete = &del

	runParser(t, "geotrek.trek", opts, store)
	stale := store.Seed(&core.Entity{Model: ModelTrek, EID: "1234", Provider: "Provider1", Fields: map[string]any{}})
	other := store.Seed(&core.Entity{Model: ModelTrek, EID: "1236", Provider: "Provider2", Fields: map[string]any{}})
	unowned := store.Seed(&core.Entity{Model: ModelTrek, EID: "12374", Fields: map[string]any{}})

	report := runParser(t, "geotrek.trek", opts, store)
	if report.Deleted != 1 {
		t.Errorf("deleted = %d, want 1", report.Deleted)
	}

	for _, tc := range []struct {
		id      int64
		deleted bool
	}{
		{stale, true},
		{other, false},
		{unowned, false},
	} {
		e, _ := store.Get(tc.id)
		if e.Deleted != tc.deleted {
			t.Errorf("trek %s (%s) deleted = %v, want %v", e.EID, e.Provider, e.Deleted, tc.deleted)
		}
	}
}

func TestGeotrekAttachments(t *testing.T) {
	val := []any{
		map[string]any{"url": "http://x/a.jpg", "legend": "Lac", "author": "Moi", "title": "A", "type": "image"},
		map[string]any{"url": "https://youtu.be/abc", "type": "video"},
		map[string]any{"url": "", "type": "image"},
		"junk",
	}
	descs, err := geotrekAttachments(context.Background(), nil, val)
	if err != nil {
		t.Fatalf("error = %v", err)
	}
	if len(descs) != 1 {
		t.Fatalf("got %d descriptors, want 1: %+v", len(descs), descs)
	}
	want := core.AttachmentDescriptor{URL: "http://x/a.jpg", Legend: "Lac", Author: "Moi", Title: "A"}
	if descs[0] != want {
		t.Errorf("descriptor = %+v, want %+v", descs[0], want)
	}

	if _, err := geotrekAttachments(context.Background(), nil, "nope"); err == nil {
		t.Error("expected an error for a non-list value")
	}
}

func TestGeotrekSource_CategoryFailure(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/v2/{endpoint}/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	def, _ := core.Lookup("geotrek.poi")
	cfg, src, err := def.Build(trekOptions(srv))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	eng, err := core.NewEngine(cfg, memory.New(), core.Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	_, err = eng.Run(t.Context(), src)
	if !core.IsFatal(err) {
		t.Errorf("Run() error = %v, want fatal", err)
	}
}
