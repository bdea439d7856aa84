package core_test

import (
	"errors"
	"testing"

	"github.com/JonMunkholm/geoimport/internal/core"
)

func noopBuild(core.BuildOptions) (*core.ImportConfig, core.Source, error) {
	return &core.ImportConfig{Model: "x"}, &sliceSource{}, nil
}

// withRegistry runs fn on an empty registry.
func withRegistry(t *testing.T, fn func()) {
	t.Helper()
	saved := core.All()
	core.Clear()
	t.Cleanup(func() {
		core.Clear()
		for _, def := range saved {
			core.Register(def)
		}
	})
	fn()
}

func TestRegistry(t *testing.T) {
	withRegistry(t, func() {
		core.Register(core.Definition{Name: "theme", Model: "theme", Build: noopBuild})
		core.Register(core.Definition{Name: "geotrek.trek", Model: "trek", Aggregatable: true, Build: noopBuild})
		core.Register(core.Definition{Name: "trek.csv", Model: "trek", Build: noopBuild})

		if core.Count() != 3 {
			t.Errorf("Count() = %d", core.Count())
		}

		all := core.All()
		if all[0].Name != "geotrek.trek" || all[2].Name != "trek.csv" {
			t.Errorf("All() not sorted: %v", all)
		}

		def, err := core.Lookup("theme")
		if err != nil || def.Label != "theme" {
			t.Errorf("Lookup(theme) = %+v, %v, want label defaulting to the model", def, err)
		}

		_, err = core.Lookup("spaceship")
		if !errors.Is(err, core.ErrParserNotRegistered) || err.Error() != "Failed to import parser class 'spaceship': parser not registered" {
			t.Errorf("Lookup(spaceship) error = %v", err)
		}
		if !core.IsFatal(err) {
			t.Error("unknown parser is not fatal")
		}

		if def, ok := core.ForModel("trek"); !ok || def.Name != "geotrek.trek" {
			t.Errorf("ForModel(trek) = %+v, %v, want the aggregatable definition", def, ok)
		}
		if _, ok := core.ForModel("theme"); ok {
			t.Error("ForModel(theme) found a non aggregatable definition")
		}
	})
}

func TestRegister_Panics(t *testing.T) {
	tests := []struct {
		name string
		defs []core.Definition
	}{
		{"duplicate", []core.Definition{
			{Name: "theme", Build: noopBuild},
			{Name: "theme", Build: noopBuild},
		}},
		{"no build", []core.Definition{{Name: "theme"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withRegistry(t, func() {
				defer func() {
					if recover() == nil {
						t.Error("Register did not panic")
					}
				}()
				for _, def := range tt.defs {
					core.Register(def)
				}
			})
		})
	}
}
