package parsers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/JonMunkholm/geoimport/internal/core"
	"github.com/JonMunkholm/geoimport/internal/source"
)

// category describes a field of a Geotrek object that holds ids of a
// remote category. Ids are turned into labels with the category endpoint,
// then resolved against local entities of Model.
type category struct {
	Field    string // Remote and local field name
	Endpoint string // api/v2/<Endpoint>/
	Model    string
	Label    string // Label key of the category objects
	Many     bool
}

// geotrekModel describes one aggregatable Geotrek object type.
type geotrekModel struct {
	Name       string
	Model      string
	Endpoint   string
	LinearOnly bool
	Policy     core.DeletePolicy
	Text       []string // Translated text fields
	Plain      []string // Untranslated fields copied as is
	Categories []category
}

var themes = category{Field: "themes", Endpoint: "theme", Model: ModelTheme, Label: "label", Many: true}

var geotrekModels = []geotrekModel{
	{
		Name:       "geotrek.trek",
		Model:      ModelTrek,
		Endpoint:   "trek",
		LinearOnly: true,
		Text:       []string{"name", "description_teaser", "description", "ambiance", "advice"},
		Plain:      []string{"duration", "length_2d", "ascent", "descent"},
		Categories: []category{
			{Field: "practice", Endpoint: "trek_practice", Model: ModelPractice, Label: "name"},
			{Field: "difficulty", Endpoint: "trek_difficulty", Model: ModelDifficultyLevel, Label: "label"},
			{Field: "route", Endpoint: "trek_route", Model: ModelRoute, Label: "route"},
			{Field: "networks", Endpoint: "trek_network", Model: ModelTrekNetwork, Label: "label", Many: true},
			themes,
		},
	},
	{
		Name:       "geotrek.poi",
		Model:      ModelPOI,
		Endpoint:   "poi",
		LinearOnly: true,
		Text:       []string{"name", "description"},
		Categories: []category{
			{Field: "type", Endpoint: "poi_type", Model: ModelPOIType, Label: "label"},
		},
	},
	{
		Name:       "geotrek.service",
		Model:      ModelService,
		Endpoint:   "service",
		LinearOnly: true,
		Categories: []category{
			{Field: "type", Endpoint: "service_type", Model: ModelServiceType, Label: "name"},
		},
	},
	{
		Name:     "geotrek.informationdesk",
		Model:    ModelInformationDesk,
		Endpoint: "informationdesk",
		Policy:   core.DeleteHard,
		Text:     []string{"name", "description"},
		Plain:    []string{"email", "phone", "website", "street", "postal_code", "municipality"},
		Categories: []category{
			{Field: "type", Endpoint: "informationdesk_type", Model: ModelInformationDeskType, Label: "label"},
		},
	},
	{
		Name:     "geotrek.touristiccontent",
		Model:    ModelTouristicContent,
		Endpoint: "touristiccontent",
		Text:     []string{"name", "description_teaser", "description"},
		Plain:    []string{"contact", "email", "website"},
		Categories: []category{
			{Field: "category", Endpoint: "touristiccontent_category", Model: ModelTouristicContentCategory, Label: "label"},
			themes,
		},
	},
	{
		Name:     "geotrek.touristicevent",
		Model:    ModelTouristicEvent,
		Endpoint: "touristicevent",
		Text:     []string{"name", "description_teaser", "description"},
		Plain:    []string{"begin_date", "end_date", "contact", "email", "website"},
		Categories: []category{
			{Field: "type", Endpoint: "touristicevent_type", Model: ModelTouristicEventType, Label: "type"},
			themes,
		},
	},
}

func init() {
	for _, m := range geotrekModels {
		fields := make([]string, len(m.Categories))
		for i, c := range m.Categories {
			fields[i] = c.Field
		}
		core.Register(core.Definition{
			Name:           m.Name,
			Label:          "Geotrek " + m.Model,
			Model:          m.Model,
			Aggregatable:   true,
			LinearOnly:     m.LinearOnly,
			MappableFields: fields,
			Build:          m.build,
		})
	}
}

// GeotrekModels returns the models importable from a Geotrek instance.
func GeotrekModels() []string {
	out := make([]string, len(geotrekModels))
	for i, m := range geotrekModels {
		out[i] = m.Model
	}
	return out
}

func (m geotrekModel) build(opts core.BuildOptions) (*core.ImportConfig, core.Source, error) {
	base := opts.URL
	if base == "" {
		base = opts.Origin
	}
	if base == "" {
		return nil, nil, &core.ConfigError{Msg: fmt.Sprintf("%s import needs the url of a Geotrek instance", m.Model)}
	}
	if err := m.checkMapping(opts.Mapping); err != nil {
		return nil, nil, err
	}

	cfg := baseConfig(m.Model, "Geotrek "+m.Model, opts)
	cfg.EIDField = "eid"
	cfg.NormalizeFieldName = core.NormalizeIdentity
	cfg.WarnOnMissingFields = true
	cfg.Scoped = opts.Structure != ""
	cfg.Delete = deleteFlag(opts, false)
	cfg.DeletePolicy = m.Policy
	cfg.TranslatedFields = m.Text
	cfg.NaturalKeys = make(map[string]string, len(m.Categories))
	cfg.Attachments = &core.AttachmentField{
		Source:        "attachments",
		Filter:        geotrekAttachments,
		DeleteMissing: true,
	}

	cfg.Fields = []core.FieldSpec{
		{Dest: "eid", Sources: []string{"uuid"}, Transform: stringValue, Required: true},
		{Dest: "geom", Sources: []string{"geometry"}, Transform: geoJSON},
	}
	for _, name := range m.Text {
		cfg.Fields = append(cfg.Fields, core.FieldSpec{Dest: name, Sources: []string{name}})
	}
	for _, name := range m.Plain {
		cfg.Fields = append(cfg.Fields, core.FieldSpec{Dest: name, Sources: []string{name}})
	}

	client := httpClient(opts)
	api := func(endpoint string) *source.API {
		return geotrekAPI(base, endpoint, client, opts)
	}

	src := &geotrekSource{items: api(m.Endpoint)}
	for _, c := range m.Categories {
		labels := &categoryLabels{
			src:   api(c.Endpoint),
			field: c.Field,
			label: c.Label,
			lang:  cfg.DefaultLanguage,
		}
		src.categories = append(src.categories, labels)

		spec := core.FieldSpec{
			Dest:      c.Field,
			Sources:   []string{c.Field},
			Transform: labels.Transform,
			Reference: &core.Reference{
				Model:  c.Model,
				Create: opts.CreateReferences,
				Many:   c.Many,
				Scoped: true,
			},
		}
		if mapping, ok := opts.Mapping[c.Field]; ok {
			spec.Mapping = mapping
			spec.Partial = true
		}
		cfg.Fields = append(cfg.Fields, spec)
		cfg.NaturalKeys[c.Field] = c.Label + "_" + cfg.DefaultLanguage
	}

	return cfg, src, nil
}

func (m geotrekModel) checkMapping(mapping map[string]map[string]string) error {
	known := make(map[string]bool, len(m.Categories))
	for _, c := range m.Categories {
		known[c.Field] = true
	}
	var unknown []string
	for field := range mapping {
		if !known[field] {
			unknown = append(unknown, field)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return &core.ConfigError{Msg: fmt.Sprintf("%s is not configured as a category of %s",
		strings.Join(unknown, ", "), m.Model)}
}

// geotrekAPI builds the paginated source of one API v2 endpoint.
func geotrekAPI(base, endpoint string, client core.Doer, opts core.BuildOptions) *source.API {
	params := url.Values{"format": {"json"}}
	if len(opts.Portals) > 0 {
		params.Set("portals", strings.Join(opts.Portals, ","))
	}
	var headers http.Header
	if opts.APIKey != "" {
		headers = http.Header{"Authorization": {"Token " + opts.APIKey}}
	}

	label := opts.SourceName
	if label == "" {
		label = base
	}
	return &source.API{
		URL:           strings.TrimRight(base, "/") + "/api/v2/" + endpoint + "/",
		HTTP:          client,
		Params:        params,
		Headers:       headers,
		Username:      opts.Username,
		Password:      opts.Password,
		PageSizeParam: "page_size",
		PageSize:      opts.PageSize,
		Label:         label,
	}
}

// geotrekSource loads every category endpoint before opening the object
// endpoint, so an unreachable category list fails the run up front.
type geotrekSource struct {
	items      *source.API
	categories []*categoryLabels
}

// Describe implements core.Source.
func (s *geotrekSource) Describe() string {
	return s.items.Describe()
}

// Open implements core.Source.
func (s *geotrekSource) Open(ctx context.Context) (core.Cursor, error) {
	for _, c := range s.categories {
		if err := c.load(ctx); err != nil {
			return nil, err
		}
	}
	return s.items.Open(ctx)
}

// categoryLabels maps remote category ids to labels in the default language.
type categoryLabels struct {
	src   *source.API
	field string
	label string
	lang  string

	labels map[string]string
}

func (c *categoryLabels) load(ctx context.Context) error {
	cur, err := c.src.Open(ctx)
	if err != nil {
		return err
	}
	defer cur.Close()

	labels := make(map[string]string)
	for cur.Next() {
		row := cur.Row()
		id, _ := row.Get("id")
		label, _ := row.Get(c.label)
		if perLang, ok := label.(map[string]any); ok {
			label = perLang[c.lang]
		}
		labels[core.Stringify(id)] = core.Stringify(label)
	}
	if err := cur.Err(); err != nil {
		return err
	}
	c.labels = labels
	return nil
}

// Transform turns category ids into labels. Unknown ids are dropped with a
// warning.
func (c *categoryLabels) Transform(_ context.Context, fc *core.FilterContext, val any) (any, error) {
	lookup := func(id any) (any, bool) {
		key := core.Stringify(id)
		if key == "" {
			return nil, false
		}
		label, ok := c.labels[key]
		if !ok || label == "" {
			fc.Warn("Unknown %s id '%s'", c.field, key)
			return nil, false
		}
		return label, true
	}

	if list, ok := val.([]any); ok {
		out := make([]any, 0, len(list))
		for _, id := range list {
			if label, ok := lookup(id); ok {
				out = append(out, label)
			}
		}
		return out, nil
	}
	label, _ := lookup(val)
	return label, nil
}

// geotrekAttachments reads the attachment objects of an API v2 record.
// Only pictures are downloaded, videos and files are links to other hosts.
func geotrekAttachments(_ context.Context, _ *core.FilterContext, val any) ([]core.AttachmentDescriptor, error) {
	list, ok := val.([]any)
	if !ok {
		if val == nil {
			return nil, nil
		}
		return nil, core.NewValueError("Bad value for field attachments. Should be a list")
	}

	descs := make([]core.AttachmentDescriptor, 0, len(list))
	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if kind := core.Stringify(obj["type"]); kind != "" && kind != "image" {
			continue
		}
		u := strings.TrimSpace(core.Stringify(obj["url"]))
		if u == "" {
			continue
		}
		descs = append(descs, core.AttachmentDescriptor{
			URL:    u,
			Legend: core.Stringify(obj["legend"]),
			Author: core.Stringify(obj["author"]),
			Title:  core.Stringify(obj["title"]),
		})
	}
	return descs, nil
}
