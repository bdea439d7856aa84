// Package parsers holds the concrete import definitions. Each file
// registers its parsers with core.Register at init time; importing the
// package for side effects makes them available to the CLI.
package parsers

import (
	"fmt"
	"strings"
	"time"

	"github.com/JonMunkholm/geoimport/internal/core"
	"github.com/JonMunkholm/geoimport/internal/fetch"
)

// Models written by the registered parsers.
const (
	ModelOrganism                 = "Organism"
	ModelTheme                    = "Theme"
	ModelSensitiveArea            = "SensitiveArea"
	ModelSpecies                  = "Species"
	ModelSportPractice            = "SportPractice"
	ModelTrek                     = "Trek"
	ModelPOI                      = "POI"
	ModelService                  = "Service"
	ModelInformationDesk          = "InformationDesk"
	ModelTouristicContent         = "TouristicContent"
	ModelTouristicEvent           = "TouristicEvent"
	ModelPractice                 = "Practice"
	ModelDifficultyLevel          = "DifficultyLevel"
	ModelRoute                    = "Route"
	ModelTrekNetwork              = "TrekNetwork"
	ModelPOIType                  = "POIType"
	ModelServiceType              = "ServiceType"
	ModelInformationDeskType      = "InformationDeskType"
	ModelTouristicContentCategory = "TouristicContentCategory"
	ModelTouristicEventType       = "TouristicEventType"
)

// Fallback HTTP settings when the caller does not provide a client.
const (
	defaultTries      = 3
	defaultRetrySleep = 5 * time.Second
	defaultTimeout    = 60 * time.Second
)

func httpClient(opts core.BuildOptions) core.Doer {
	if opts.HTTP != nil {
		return opts.HTTP
	}
	return fetch.NewRetryClient(fetch.NewClient(defaultTimeout), defaultTries, defaultRetrySleep)
}

// languages returns the run languages, defaulting to the default language.
func languages(opts core.BuildOptions) ([]string, string) {
	def := opts.DefaultLanguage
	if def == "" {
		def = "en"
	}
	if len(opts.Languages) == 0 {
		return []string{def}, def
	}
	return opts.Languages, def
}

// baseConfig fills the settings shared by every definition.
func baseConfig(model, label string, opts core.BuildOptions) *core.ImportConfig {
	langs, def := languages(opts)
	return &core.ImportConfig{
		Model:           model,
		Label:           label,
		Languages:       langs,
		DefaultLanguage: def,
		Provider:        opts.Provider,
		Structure:       opts.Structure,
	}
}

func deleteFlag(opts core.BuildOptions, def bool) bool {
	if opts.Delete != nil {
		return *opts.Delete
	}
	return def
}

func requireOrigin(name string, opts core.BuildOptions) error {
	if strings.TrimSpace(opts.Origin) == "" {
		return &core.ConfigError{Msg: fmt.Sprintf("parser %s needs a file or URL to import", name)}
	}
	return nil
}

func isURL(origin string) bool {
	return strings.HasPrefix(origin, "http://") || strings.HasPrefix(origin, "https://")
}

// periods reads a list of twelve booleans, one per month.
func periods(val any) []bool {
	out := make([]bool, 12)
	list, ok := val.([]any)
	if !ok {
		return out
	}
	for i := 0; i < len(list) && i < 12; i++ {
		if b, ok := core.ParseBool(list[i]); ok {
			out[i] = b
		}
	}
	return out
}

func periodField(month int) string {
	return fmt.Sprintf("period%02d", month)
}
