package parsers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/jonas-p/go-shp"

	"github.com/JonMunkholm/geoimport/internal/core"
	"github.com/JonMunkholm/geoimport/internal/source/shptest"
	"github.com/JonMunkholm/geoimport/internal/store/memory"
)

var (
	eagleArea = map[string]any{
		"id": 1,
		"geometry": map[string]any{
			"type":        "Polygon",
			"coordinates": [][][]float64{{{6.1, 45.1}, {6.2, 45.1}, {6.2, 45.2}, {6.1, 45.1}}},
		},
		"contact":     "Parc national",
		"description": map[string]any{"fr": "Zone de nidification", "en": "Nesting area"},
		"species_id":  7,
		"name":        map[string]any{"fr": "Aigle royal", "en": "Golden eagle"},
		"period":      []bool{false, false, true, true, true, true, false, false, false, false, false, false},
		"practices":   []string{"Escalade", "Parapente"},
		"info_url":    "http://example.org/aigle",
	}
	regulatoryArea = map[string]any{
		"id": 2,
		"geometry": map[string]any{
			"type":        "Polygon",
			"coordinates": [][][]float64{{{6.3, 45.1}, {6.4, 45.1}, {6.4, 45.2}, {6.3, 45.1}}},
		},
		"contact":     "",
		"description": map[string]any{"fr": "Arrêté préfectoral"},
		"species_id":  nil,
		"name":        map[string]any{"fr": "Réserve"},
		"period":      []bool{true, true, true, true, true, true, true, true, true, true, true, true},
		"practices":   []string{"Escalade"},
		"info_url":    "",
	}
)

// biodivServer serves the current list of areas on the sensitive area endpoint.
type biodivServer struct {
	mu    sync.Mutex
	areas []map[string]any
}

func (b *biodivServer) set(areas ...map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.areas = areas
}

func (b *biodivServer) start(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/api/v2/sensitivearea/", func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Query().Get("period") != "ignore" {
			http.Error(w, "missing period", http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"count":   len(b.areas),
			"next":    nil,
			"results": b.areas,
		})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func biodivOptions(srv *httptest.Server) core.BuildOptions {
	return core.BuildOptions{
		URL:             srv.URL + "/api/v2/sensitivearea/?format=json&period=ignore",
		HTTP:            srv.Client(),
		Languages:       []string{"fr", "en"},
		DefaultLanguage: "fr",
	}
}

func speciesByEID(t *testing.T, store *memory.Store, eid string) *core.Entity {
	t.Helper()
	for _, s := range store.List(ModelSpecies) {
		if s.EID == eid {
			return s
		}
	}
	t.Fatalf("no species with eid %q", eid)
	return nil
}

// ----------------------------------------------------------------------------
// Biodiv'Sports
// ----------------------------------------------------------------------------

func TestBiodiv_Import(t *testing.T) {
	b := &biodivServer{}
	b.set(eagleArea, regulatoryArea)
	srv := b.start(t)
	store := memory.New()

	report := runParser(t, "biodiv", biodivOptions(srv), store)
	if report.Created != 2 || report.Failed != 0 {
		t.Fatalf("report = %s %v", report.Breakdown(), report.Messages())
	}

	areas := store.List(ModelSensitiveArea)
	if len(areas) != 2 {
		t.Fatalf("got %d areas, want 2", len(areas))
	}
	area := areas[0]
	if area.EID != "1" {
		t.Errorf("eid = %q, want 1", area.EID)
	}
	if geom, _ := area.Get("geom").(string); !strings.HasPrefix(geom, "POLYGON") {
		t.Errorf("geom = %q", geom)
	}
	if got := area.Get("description_en"); got != "Nesting area" {
		t.Errorf("description_en = %v", got)
	}
	if area.Get("period03") != true || area.Get("period01") != false {
		t.Errorf("periods = %v %v", area.Get("period01"), area.Get("period03"))
	}
	if area.Get("published") != true {
		t.Error("area not published")
	}

	eagle := speciesByEID(t, store, "7")
	if eagle.Get("category") != SpeciesCategory || eagle.Get("name_en") != "Golden eagle" {
		t.Errorf("species = %+v", eagle.Fields)
	}
	if area.Get("species") != eagle.ID {
		t.Errorf("species = %v, want %d", area.Get("species"), eagle.ID)
	}
	if practices, _ := eagle.Get("practices").([]any); len(practices) != 2 {
		t.Errorf("practices = %v", eagle.Get("practices"))
	}

	regulatory := speciesByEID(t, store, "regulatory-2")
	if regulatory.Get("category") != RegulatoryCategory || regulatory.Get("period12") != true {
		t.Errorf("regulatory species = %+v", regulatory.Fields)
	}

	if n := len(store.List(ModelSportPractice)); n != 2 {
		t.Errorf("got %d practices, want 2", n)
	}
}

func TestBiodiv_Idempotent(t *testing.T) {
	b := &biodivServer{}
	b.set(eagleArea, regulatoryArea)
	srv := b.start(t)
	store := memory.New()

	runParser(t, "biodiv", biodivOptions(srv), store)
	second := runParser(t, "biodiv", biodivOptions(srv), store)

	if second.Unchanged != 2 {
		t.Errorf("second run = %s %v", second.Breakdown(), second.Messages())
	}
	if n := len(store.List(ModelSpecies)); n != 2 {
		t.Errorf("got %d species, want 2", n)
	}
	if n := len(store.List(ModelSportPractice)); n != 2 {
		t.Errorf("got %d practices, want 2", n)
	}
}

func TestBiodiv_DeletesVanishedAreas(t *testing.T) {
	b := &biodivServer{}
	b.set(eagleArea, regulatoryArea)
	srv := b.start(t)
	store := memory.New()
	runParser(t, "biodiv", biodivOptions(srv), store)

	b.set(eagleArea)
	report := runParser(t, "biodiv", biodivOptions(srv), store)

	if !report.DeletionRan || report.Deleted != 1 {
		t.Fatalf("deleted = %d (ran %v), want 1", report.Deleted, report.DeletionRan)
	}
	for _, area := range store.List(ModelSensitiveArea) {
		if want := area.EID == "2"; area.Deleted != want {
			t.Errorf("area %s deleted = %v, want %v", area.EID, area.Deleted, want)
		}
	}

	// The area comes back once the upstream lists it again.
	b.set(eagleArea, regulatoryArea)
	report = runParser(t, "biodiv", biodivOptions(srv), store)
	if report.Updated != 1 || report.Created != 0 {
		t.Errorf("report = %s", report.Breakdown())
	}
}

// ----------------------------------------------------------------------------
// Shapefiles
// ----------------------------------------------------------------------------

func writeShape(t *testing.T, fields []shp.Field, records [][]string) string {
	t.Helper()
	features := make([]shptest.Feature, len(records))
	for i, rec := range records {
		x := 6 + float64(i)/10
		features[i] = shptest.Feature{
			Shape: &shp.Polygon{
				NumParts:  1,
				NumPoints: 4,
				Parts:     []int32{0},
				Points:    []shp.Point{{X: x, Y: 45}, {X: x + 0.05, Y: 45}, {X: x + 0.05, Y: 45.05}, {X: x, Y: 45}},
			},
			Values: rec,
		}
	}
	path := filepath.Join(t.TempDir(), "zones.shp")
	shptest.Write(t, path, shp.POLYGON, fields, features)
	return path
}

func TestSpeciesShape(t *testing.T) {
	store := memory.New()
	eagle := store.Seed(&core.Entity{
		Model:  ModelSpecies,
		Fields: map[string]any{"category": SpeciesCategory, "name_fr": "Aigle royal"},
	})
	path := writeShape(t,
		[]shp.Field{shp.StringField("ESPECE", 40), shp.StringField("CONTACT", 40)},
		[][]string{{"Aigle royal", "Parc"}, {"Licorne", "Parc"}},
	)
	opts := core.BuildOptions{Origin: path, Languages: []string{"fr"}, DefaultLanguage: "fr"}

	report := runParser(t, "sensitivity.species_shape", opts, store)

	if report.Created != 1 || report.Failed != 1 {
		t.Fatalf("report = %s", report.Breakdown())
	}
	want := "Line 2: L'espèce Licorne n'existe pas dans Geotrek. Merci de la créer."
	found := false
	for _, msg := range report.Messages() {
		if msg == want {
			found = true
		}
	}
	if !found {
		t.Errorf("messages = %v, want %q", report.Messages(), want)
	}

	areas := store.List(ModelSensitiveArea)
	if len(areas) != 1 || areas[0].Get("species") != eagle {
		t.Fatalf("areas = %+v", areas)
	}
	if geom, _ := areas[0].Get("geom").(string); !strings.HasPrefix(geom, "POLYGON") {
		t.Errorf("geom = %q", geom)
	}
}

func TestRegulatoryShape(t *testing.T) {
	store := memory.New()
	climbing := store.Seed(&core.Entity{Model: ModelSportPractice, Fields: map[string]any{"name": "Escalade"}})
	store.Seed(&core.Entity{Model: ModelSportPractice, Fields: map[string]any{"name": "Vol libre"}})
	path := writeShape(t,
		[]shp.Field{
			shp.StringField("NOM", 40),
			shp.StringField("PERIODE", 40),
			shp.StringField("PRATIQUES", 40),
			shp.StringField("URL", 80),
		},
		[][]string{
			{"Arrêté falaise", "1,2,12", "Escalade", "http://example.org/arrete"},
			{"Arrêté crête", "5", "Escalade,Luge", ""},
		},
	)
	opts := core.BuildOptions{Origin: path, Languages: []string{"fr"}, DefaultLanguage: "fr"}

	report := runParser(t, "sensitivity.regulatory_shape", opts, store)

	if report.Created != 1 || report.Failed != 1 {
		t.Fatalf("report = %s", report.Breakdown())
	}
	if got := report.Lines[len(report.Lines)-1].Reason; got != "La pratique sportive Luge n'existe pas dans Geotrek. Merci de l'ajouter." {
		t.Errorf("reason = %q", got)
	}

	species := store.List(ModelSpecies)
	if len(species) != 1 {
		t.Fatalf("got %d species, want 1 (failed rows roll back)", len(species))
	}
	s := species[0]
	if s.Get("category") != RegulatoryCategory || s.Get("name_fr") != "Arrêté falaise" {
		t.Errorf("species = %+v", s.Fields)
	}
	for month, want := range map[int]bool{1: true, 2: true, 3: false, 12: true} {
		if got := s.Get(periodField(month)); got != want {
			t.Errorf("%s = %v, want %v", periodField(month), got, want)
		}
	}
	practices, _ := s.Get("practices").([]any)
	if len(practices) != 1 || practices[0] != climbing {
		t.Errorf("practices = %v, want [%d]", practices, climbing)
	}
}
