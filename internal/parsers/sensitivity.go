package parsers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/JonMunkholm/geoimport/internal/core"
	"github.com/JonMunkholm/geoimport/internal/source"
)

// BiodivURL is the public Biodiv'Sports sensitive area endpoint.
const BiodivURL = "http://biodiv-sports.fr/api/v2/sensitivearea/?format=json&period=ignore"

// Species categories.
const (
	SpeciesCategory    = "species"
	RegulatoryCategory = "regulatory"
)

func init() {
	core.Register(core.Definition{
		Name:  "biodiv",
		Label: "Biodiv'Sports",
		Model: ModelSensitiveArea,
		Build: buildBiodiv,
	})
	core.Register(core.Definition{
		Name:        "sensitivity.species_shape",
		Label:       "Shapefile zone sensible espèce",
		Model:       ModelSensitiveArea,
		NeedsOrigin: true,
		Build:       buildSpeciesShape,
	})
	core.Register(core.Definition{
		Name:        "sensitivity.regulatory_shape",
		Label:       "Shapefile zone sensible réglementaire",
		Model:       ModelSensitiveArea,
		NeedsOrigin: true,
		Build:       buildRegulatoryShape,
	})
}

// ----------------------------------------------------------------------------
// Biodiv'Sports API
// ----------------------------------------------------------------------------

func buildBiodiv(opts core.BuildOptions) (*core.ImportConfig, core.Source, error) {
	url := BiodivURL
	switch {
	case opts.URL != "":
		url = opts.URL
	case opts.Origin != "":
		url = opts.Origin
	}

	cfg := baseConfig(ModelSensitiveArea, "Biodiv'Sports", opts)
	cfg.EIDField = "eid"
	cfg.NormalizeFieldName = core.NormalizeIdentity
	cfg.Fields = []core.FieldSpec{
		{Dest: "eid", Sources: []string{"id"}, Transform: stringValue},
		{Dest: "geom", Sources: []string{"geometry"}, Transform: geoJSON},
		{Dest: "contact", Sources: []string{"contact"}},
		{Dest: "description", Sources: []string{"description"}},
		{
			Dest:      "species",
			Sources:   []string{"species_id", "name", "period", "practices", "info_url"},
			Transform: biodivSpecies,
		},
	}
	for month := 1; month <= 12; month++ {
		cfg.Fields = append(cfg.Fields, core.FieldSpec{
			Dest:      periodField(month),
			Sources:   []string{"period"},
			Transform: monthOf(month),
		})
	}
	cfg.TranslatedFields = []string{"description"}
	cfg.ConstantFields = map[string]any{"published": true}
	cfg.Delete = deleteFlag(opts, true)
	cfg.DeletePolicy = core.DeleteSoft

	src := &source.API{
		URL:      url,
		HTTP:     httpClient(opts),
		Username: opts.Username,
		Password: opts.Password,
		Label:    opts.SourceName,
	}
	return cfg, src, nil
}

func stringValue(_ context.Context, _ *core.FilterContext, val any) (any, error) {
	if val == nil {
		return nil, nil
	}
	return core.Stringify(val), nil
}

func geoJSON(_ context.Context, _ *core.FilterContext, val any) (any, error) {
	wkt, err := source.GeoJSONToWKT(val)
	if err != nil {
		return nil, core.NewValueError("Invalid geometry: %v", err)
	}
	if wkt == "" {
		return nil, nil
	}
	return wkt, nil
}

func monthOf(month int) core.FilterFunc {
	return func(_ context.Context, _ *core.FilterContext, val any) (any, error) {
		return periods(val)[month-1], nil
	}
}

// biodivSpecies gets or creates the species of an area and refreshes its
// names, periods, url and practices. Regulatory areas carry no species id
// and own a species keyed on the area eid.
func biodivSpecies(ctx context.Context, fc *core.FilterContext, val any) (any, error) {
	tuple, ok := val.([]any)
	if !ok || len(tuple) != 5 {
		return nil, core.NewValueError("Bad value for field %s", fc.Source)
	}
	speciesID, names, period, practiceNames, url := tuple[0], tuple[1], tuple[2], tuple[3], tuple[4]

	category, key := SpeciesCategory, core.Stringify(speciesID)
	if core.IsEmpty(speciesID) {
		category, key = RegulatoryCategory, "regulatory-"+fc.Entity.EID
	}

	species, err := findOrNewSpecies(ctx, fc, key, category)
	if err != nil {
		return nil, err
	}

	changed := false
	switch t := names.(type) {
	case map[string]any:
		for lang, name := range t {
			if species.Set("name_"+lang, name) {
				changed = true
			}
		}
	case nil:
	default:
		if species.Set("name_"+fc.Config.DefaultLanguage, core.Stringify(t)) {
			changed = true
		}
	}
	for i, on := range periods(period) {
		if species.Set(periodField(i+1), on) {
			changed = true
		}
	}
	if species.Set("url", url) {
		changed = true
	}

	var wanted []string
	if list, ok := practiceNames.([]any); ok {
		for _, item := range list {
			wanted = append(wanted, core.Stringify(item))
		}
	}
	practices, err := practiceIDs(ctx, fc.Tx, wanted, true)
	if err != nil {
		return nil, err
	}
	if species.Set("practices", mergeIDs(species.Get("practices"), practices)) {
		changed = true
	}

	if err := saveSpecies(ctx, fc.Tx, species, changed); err != nil {
		return nil, err
	}
	return species.ID, nil
}

func findOrNewSpecies(ctx context.Context, fc *core.FilterContext, key, category string) (*core.Entity, error) {
	found, err := fc.Tx.FindByEID(ctx, ModelSpecies, key, fc.Config.Provider)
	switch {
	case err == nil:
		return found.Clone(), nil
	case !errors.Is(err, core.ErrNotFound):
		return nil, fmt.Errorf("lookup species %q: %w", key, err)
	}
	return &core.Entity{
		Model:    ModelSpecies,
		EID:      key,
		Provider: fc.Config.Provider,
		Fields:   map[string]any{"category": category},
	}, nil
}

func saveSpecies(ctx context.Context, tx core.Tx, species *core.Entity, changed bool) error {
	switch {
	case species.ID == 0:
		if err := tx.Create(ctx, species); err != nil {
			return fmt.Errorf("create species: %w", err)
		}
	case changed:
		if err := tx.Update(ctx, species); err != nil {
			return fmt.Errorf("update species #%d: %w", species.ID, err)
		}
	}
	return nil
}

// practiceIDs resolves sport practices by name. Missing practices are
// created when create is set, otherwise the row fails.
func practiceIDs(ctx context.Context, tx core.Tx, names []string, create bool) ([]any, error) {
	ids := make([]any, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		found, err := tx.FindByField(ctx, ModelSportPractice, "name", name, "")
		if err == nil {
			ids = append(ids, found.ID)
			continue
		}
		if !errors.Is(err, core.ErrNotFound) {
			return nil, fmt.Errorf("lookup sport practice %q: %w", name, err)
		}
		if !create {
			return nil, core.NewRowError("La pratique sportive %s n'existe pas dans Geotrek. Merci de l'ajouter.", name)
		}
		practice := &core.Entity{Model: ModelSportPractice, Fields: map[string]any{"name": name}}
		if err := tx.Create(ctx, practice); err != nil {
			return nil, fmt.Errorf("create sport practice %q: %w", name, err)
		}
		ids = append(ids, practice.ID)
	}
	return ids, nil
}

// mergeIDs adds ids to the existing list, keeping existing entries.
func mergeIDs(existing any, ids []any) []any {
	out := make([]any, 0)
	seen := make(map[string]bool)
	add := func(v any) {
		key := core.Stringify(v)
		if key == "" || seen[key] {
			return
		}
		seen[key] = true
		if n, err := strconv.ParseInt(key, 10, 64); err == nil {
			out = append(out, n)
			return
		}
		out = append(out, v)
	}
	if list, ok := existing.([]any); ok {
		for _, v := range list {
			add(v)
		}
	}
	for _, v := range ids {
		add(v)
	}
	return out
}

// ----------------------------------------------------------------------------
// Shapefiles
// ----------------------------------------------------------------------------

func shapeConfig(opts core.BuildOptions, label string) *core.ImportConfig {
	cfg := baseConfig(ModelSensitiveArea, label, opts)
	cfg.NormalizeFieldName = source.NormalizeShapeField
	cfg.Separator = ","
	cfg.WarnOnMissingFields = true
	cfg.ConstantFields = map[string]any{"published": true}
	cfg.Delete = deleteFlag(opts, false)
	cfg.DeletePolicy = core.DeleteSoft
	return cfg
}

func buildSpeciesShape(opts core.BuildOptions) (*core.ImportConfig, core.Source, error) {
	if err := requireOrigin("sensitivity.species_shape", opts); err != nil {
		return nil, nil, err
	}

	cfg := shapeConfig(opts, "Shapefile zone sensible espèce")
	cfg.Fields = []core.FieldSpec{
		{Dest: "geom", Sources: []string{source.GeomColumn}},
		{Dest: "contact", Sources: []string{"contact"}},
		{Dest: "description", Sources: []string{"description"}},
		{Dest: "species", Sources: []string{"espece"}, Required: true, Transform: existingSpecies},
	}
	return cfg, source.NewShapefile(opts.Origin), nil
}

// existingSpecies looks a species up by its default language name.
func existingSpecies(ctx context.Context, fc *core.FilterContext, val any) (any, error) {
	name := strings.TrimSpace(core.Stringify(val))
	if name == "" {
		return nil, nil
	}

	found, err := fc.Tx.FindByField(ctx, ModelSpecies, "name_"+fc.Config.DefaultLanguage, name, "")
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("lookup species %q: %w", name, err)
	}
	if err != nil || core.Stringify(found.Get("category")) != SpeciesCategory {
		return nil, core.NewRowError("L'espèce %s n'existe pas dans Geotrek. Merci de la créer.", name)
	}
	return found.ID, nil
}

func buildRegulatoryShape(opts core.BuildOptions) (*core.ImportConfig, core.Source, error) {
	if err := requireOrigin("sensitivity.regulatory_shape", opts); err != nil {
		return nil, nil, err
	}

	cfg := shapeConfig(opts, "Shapefile zone sensible réglementaire")
	cfg.Fields = []core.FieldSpec{
		{Dest: "geom", Sources: []string{source.GeomColumn}},
		{Dest: "contact", Sources: []string{"contact"}},
		{Dest: "description", Sources: []string{"description"}},
		{Dest: "species", Sources: []string{"nom", "periode", "pratiques", "url"}, Transform: regulatorySpecies},
	}
	return cfg, source.NewShapefile(opts.Origin), nil
}

// regulatorySpecies creates the regulatory species described by a shape
// row. Periods list month numbers, practices must already exist.
func regulatorySpecies(ctx context.Context, fc *core.FilterContext, val any) (any, error) {
	tuple, ok := val.([]any)
	if !ok || len(tuple) != 4 {
		return nil, core.NewValueError("Bad value for field %s", fc.Source)
	}
	name := core.Stringify(tuple[0])
	period := core.Stringify(tuple[1])
	practiceNames := core.Stringify(tuple[2])
	url := core.Stringify(tuple[3])
	sep := fc.Config.Separator

	species := &core.Entity{
		Model:  ModelSpecies,
		Fields: map[string]any{"category": RegulatoryCategory, "url": url},
	}
	species.Fields["name_"+fc.Config.DefaultLanguage] = name

	months := make(map[string]bool)
	if period != "" {
		for _, m := range strings.Split(period, sep) {
			months[strings.TrimSpace(m)] = true
		}
	}
	for i := 1; i <= 12; i++ {
		species.Fields[periodField(i)] = months[strconv.Itoa(i)]
	}

	var names []string
	if practiceNames != "" {
		names = strings.Split(practiceNames, sep)
	}
	practices, err := practiceIDs(ctx, fc.Tx, names, false)
	if err != nil {
		return nil, err
	}
	species.Fields["practices"] = practices

	if err := fc.Tx.Create(ctx, species); err != nil {
		return nil, fmt.Errorf("create species %q: %w", name, err)
	}
	return species.ID, nil
}
