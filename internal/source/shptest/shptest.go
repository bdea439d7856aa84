// Package shptest writes shapefile fixtures for tests.
package shptest

import (
	"os"
	"strings"
	"testing"

	"github.com/jonas-p/go-shp"
)

// Feature is one record of a fixture: a shape and its attribute values in
// field order.
type Feature struct {
	Shape  shp.Shape
	Values []string
}

// Write creates path (a .shp file) with its .shx and .dbf sidecars.
func Write(t *testing.T, path string, kind shp.ShapeType, fields []shp.Field, features []Feature) {
	t.Helper()
	w, err := shp.Create(path, kind)
	if err != nil {
		t.Fatalf("shp.Create: %v", err)
	}
	if err := w.SetFields(fields); err != nil {
		t.Fatalf("SetFields: %v", err)
	}
	for _, f := range features {
		n := w.Write(f.Shape)
		for k, v := range f.Values {
			if err := w.WriteAttribute(int(n), k, v); err != nil {
				t.Fatalf("WriteAttribute: %v", err)
			}
		}
	}
	w.Close()

	// The writer names the table "<base>dbf", without the dot.
	base := strings.TrimSuffix(path, ".shp")
	if err := os.Rename(base+"dbf", base+".dbf"); err != nil {
		t.Fatalf("rename attribute table: %v", err)
	}
}
