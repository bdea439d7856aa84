package parsers

import (
	"github.com/JonMunkholm/geoimport/internal/core"
	"github.com/JonMunkholm/geoimport/internal/source"
)

func init() {
	core.Register(core.Definition{
		Name:        "theme",
		Label:       "Themes",
		Model:       ModelTheme,
		NeedsOrigin: true,
		Build:       buildTheme,
	})
}

// buildTheme imports translated theme labels. The label doubles as eid so
// existing themes are updated in place, and languages left empty receive
// the imported label.
func buildTheme(opts core.BuildOptions) (*core.ImportConfig, core.Source, error) {
	if err := requireOrigin("theme", opts); err != nil {
		return nil, nil, err
	}

	cfg := baseConfig(ModelTheme, "Themes", opts)
	cfg.EIDField = "label"
	cfg.Fields = []core.FieldSpec{
		{Dest: "label", Sources: []string{"Nom"}, Required: true},
	}
	cfg.TranslatedFields = []string{"label"}
	cfg.FillEmptyTranslatedFields = true

	return cfg, source.NewSpreadsheet(opts.Origin), nil
}
