package parsers

import (
	"github.com/JonMunkholm/geoimport/internal/core"
	"github.com/JonMunkholm/geoimport/internal/source"
)

func init() {
	core.Register(core.Definition{
		Name:        "organism",
		Label:       "Organisms",
		Model:       ModelOrganism,
		NeedsOrigin: true,
		Build: func(opts core.BuildOptions) (*core.ImportConfig, core.Source, error) {
			return buildOrganism("organism", opts, "", nil)
		},
	})
	core.Register(core.Definition{
		Name:        "organism.eid",
		Label:       "Organisms (keyed by name)",
		Model:       ModelOrganism,
		NeedsOrigin: true,
		Build: func(opts core.BuildOptions) (*core.ImportConfig, core.Source, error) {
			return buildOrganism("organism.eid", opts, "organism", nil)
		},
	})
	core.Register(core.Definition{
		Name:        "organism.attachments",
		Label:       "Organisms with photos",
		Model:       ModelOrganism,
		NeedsOrigin: true,
		Build: func(opts core.BuildOptions) (*core.ImportConfig, core.Source, error) {
			return buildOrganism("organism.attachments", opts, "organism", &core.AttachmentField{Source: "photo"})
		},
	})
	core.Register(core.Definition{
		Name:        "organism.xml",
		Label:       "Organisms (XML)",
		Model:       ModelOrganism,
		NeedsOrigin: true,
		Build:       buildOrganismXML,
	})
}

// buildOrganism reads the organism name from the nOm column of a
// spreadsheet. Without eid every run creates new rows.
func buildOrganism(name string, opts core.BuildOptions, eid string, attachments *core.AttachmentField) (*core.ImportConfig, core.Source, error) {
	if err := requireOrigin(name, opts); err != nil {
		return nil, nil, err
	}

	cfg := baseConfig(ModelOrganism, "Organisms", opts)
	cfg.EIDField = eid
	cfg.Fields = []core.FieldSpec{
		{Dest: "organism", Sources: []string{"nOm"}},
	}
	cfg.Attachments = attachments
	cfg.Delete = deleteFlag(opts, false)
	cfg.DeletePolicy = core.DeleteHard

	return cfg, source.NewSpreadsheet(opts.Origin), nil
}

func buildOrganismXML(opts core.BuildOptions) (*core.ImportConfig, core.Source, error) {
	if err := requireOrigin("organism.xml", opts); err != nil {
		return nil, nil, err
	}

	cfg := baseConfig(ModelOrganism, "Organisms", opts)
	cfg.Fields = []core.FieldSpec{
		{Dest: "organism", Sources: []string{"ORGANISM"}},
	}

	src := &source.XML{Query: "Result/el"}
	if isURL(opts.Origin) {
		src.URL = opts.Origin
		src.HTTP = httpClient(opts)
	} else {
		src.Path = opts.Origin
	}
	return cfg, src, nil
}
