package core

import (
	"fmt"
	"sort"
	"sync"
)

// BuildOptions carries everything a parser definition may need to build
// one import. Fields irrelevant to a parser are ignored.
type BuildOptions struct {
	Origin string // File path or URL given on the command line

	// Remote source settings, used by API parsers and the aggregator.
	SourceName string // Shown in progress lines instead of the URL
	URL        string
	Username   string
	Password   string
	APIKey     string
	PageSize   int
	Portals    []string
	HTTP       Doer

	Provider  string
	Structure string

	Languages       []string
	DefaultLanguage string

	// Mapping holds category mappings per destination field (remote -> local).
	Mapping          map[string]map[string]string
	CreateReferences bool
	Delete           *bool // Overrides the definition default when set
}

// BuildFunc builds the configuration and source of one import.
type BuildFunc func(opts BuildOptions) (*ImportConfig, Source, error)

// Definition describes a registered parser.
type Definition struct {
	Name  string // Registry key: "biodiv", "geotrek.trek"
	Label string
	Model string

	NeedsOrigin  bool // A file path or URL argument is required
	Aggregatable bool // Usable by the aggregator for Model
	LinearOnly   bool // Needs a non-dynamic topology mode

	// MappableFields lists the fields accepting BuildOptions.Mapping entries.
	MappableFields []string

	Build BuildFunc
}

var (
	registry   = make(map[string]Definition)
	registryMu sync.RWMutex
)

// Register adds a parser definition to the registry.
// Panics if a parser with the same name is already registered.
func Register(def Definition) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[def.Name]; exists {
		panic(fmt.Sprintf("parser already registered: %s", def.Name))
	}
	if def.Build == nil {
		panic(fmt.Sprintf("parser %s has no build function", def.Name))
	}
	if def.Label == "" {
		def.Label = def.Model
	}

	registry[def.Name] = def
}

// Lookup returns a parser definition by name.
func Lookup(name string) (Definition, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	def, ok := registry[name]
	if !ok {
		return Definition{}, fmt.Errorf("Failed to import parser class '%s': %w", name, ErrParserNotRegistered)
	}
	return def, nil
}

// ForModel returns the aggregatable definition importing model.
// Returns false if none is registered.
func ForModel(model string) (Definition, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	for _, def := range registry {
		if def.Aggregatable && def.Model == model {
			return def, true
		}
	}
	return Definition{}, false
}

// All returns all registered parser definitions sorted by name.
func All() []Definition {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]Definition, 0, len(registry))
	for _, def := range registry {
		result = append(result, def)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})

	return result
}

// Count returns the number of registered parsers.
func Count() int {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return len(registry)
}

// Clear removes all registered parsers.
// Primarily useful for testing.
func Clear() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = make(map[string]Definition)
}
