package source

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"

	"github.com/JonMunkholm/geoimport/internal/core"
	"github.com/JonMunkholm/geoimport/internal/source/shptest"
)

func writeShapefile(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	shptest.Write(t, path, shp.POINT,
		[]shp.Field{shp.StringField("ESPECE", 40), shp.StringField("PERIODE", 40)},
		[]shptest.Feature{
			{Shape: &shp.Point{X: 6.5, Y: 45.1}, Values: []string{"Aigle royal", "1,2,3"}},
			{Shape: &shp.Point{X: 6.6, Y: 45.2}, Values: []string{"Gypa\xe8te barbu", "4"}},
		},
	)
	return path
}

func TestShapefile(t *testing.T) {
	rows := collect(t, NewShapefile(writeShapefile(t, "zones.shp")))
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}

	geom, _ := cell(t, rows[0], GeomColumn).(string)
	if !strings.HasPrefix(geom, "POINT") {
		t.Errorf("geom = %q, want a POINT", geom)
	}
	if got := cell(t, rows[0], "ESPECE"); got != "Aigle royal" {
		t.Errorf("ESPECE = %q", got)
	}
	if got := cell(t, rows[1], "ESPECE"); got != "Gypaète barbu" {
		t.Errorf("ESPECE = %q, want latin-1 decoded value", got)
	}
	if got := cell(t, rows[0], "PERIODE"); got != "1,2,3" {
		t.Errorf("PERIODE = %q", got)
	}
}

func TestShapefile_UpperCaseTable(t *testing.T) {
	path := writeShapefile(t, "zones.shp")
	dir := filepath.Dir(path)
	for _, ext := range []string{"shp", "shx", "dbf"} {
		if err := os.Rename(filepath.Join(dir, "zones."+ext), filepath.Join(dir, "ZONES."+strings.ToUpper(ext))); err != nil {
			t.Fatal(err)
		}
	}

	rows := collect(t, NewShapefile(filepath.Join(dir, "ZONES.SHP")))
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if got := cell(t, rows[0], "ESPECE"); got != "Aigle royal" {
		t.Errorf("ESPECE = %q", got)
	}
}

func TestShapefile_BadTable(t *testing.T) {
	tests := []struct {
		name    string
		damage  func(t *testing.T, path string)
		mention string
	}{
		{
			"missing table",
			func(t *testing.T, path string) {
				if err := os.Remove(strings.TrimSuffix(path, ".shp") + ".dbf"); err != nil {
					t.Fatal(err)
				}
			},
			"zones.dbf is missing",
		},
		{
			"fewer records than features",
			func(t *testing.T, path string) {
				short := filepath.Join(t.TempDir(), "short.shp")
				shptest.Write(t, short, shp.POINT,
					[]shp.Field{shp.StringField("ESPECE", 40), shp.StringField("PERIODE", 40)},
					[]shptest.Feature{{Shape: &shp.Point{X: 1, Y: 1}, Values: []string{"Aigle royal", "1"}}},
				)
				data, err := os.ReadFile(strings.TrimSuffix(short, ".shp") + ".dbf")
				if err != nil {
					t.Fatal(err)
				}
				if err := os.WriteFile(strings.TrimSuffix(path, ".shp")+".dbf", data, 0o644); err != nil {
					t.Fatal(err)
				}
			},
			"1 records for 2 features",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeShapefile(t, "zones.shp")
			tt.damage(t, path)

			_, err := NewShapefile(path).Open(context.Background())
			var formatErr *core.SourceFormatError
			if !errors.As(err, &formatErr) {
				t.Fatalf("Open() error = %v, want a SourceFormatError", err)
			}
			if !strings.Contains(err.Error(), tt.mention) {
				t.Errorf("error = %v, want it to mention %q", err, tt.mention)
			}
		})
	}
}

func TestShapeToGeometry(t *testing.T) {
	tests := []struct {
		name  string
		shape shp.Shape
		want  string
	}{
		{"null", &shp.Null{}, ""},
		{"point", &shp.Point{X: 1, Y: 2}, "Point"},
		{
			"single part line",
			&shp.PolyLine{Parts: []int32{0}, Points: []shp.Point{{X: 0, Y: 0}, {X: 1, Y: 1}}},
			"LineString",
		},
		{
			"multi part line",
			&shp.PolyLine{Parts: []int32{0, 2}, Points: []shp.Point{{X: 0, Y: 0}, {X: 1, Y: 1}, {X: 2, Y: 2}, {X: 3, Y: 3}}},
			"MultiLineString",
		},
		{
			"polygon",
			&shp.Polygon{Parts: []int32{0}, Points: []shp.Point{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 1, Y: 1}, {X: 0, Y: 0}}},
			"Polygon",
		},
		{"two outer rings", &shp.Polygon{Parts: []int32{0, 5}, Points: append(square(0, 0, 1, true), square(5, 5, 1, true)...)}, "MultiPolygon"},
		{"outer ring with hole", &shp.Polygon{Parts: []int32{0, 5}, Points: append(square(0, 0, 10, true), square(2, 2, 1, false)...)}, "Polygon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := ShapeToGeometry(tt.shape)
			if err != nil {
				t.Fatal(err)
			}
			got := ""
			if g != nil {
				got = g.GeoJSONType()
			}
			if got != tt.want {
				t.Errorf("type = %q, want %q", got, tt.want)
			}
		})
	}

	g, _ := ShapeToGeometry(&shp.PolyLine{Parts: []int32{0, 2}, Points: []shp.Point{{X: 0, Y: 0}, {X: 1, Y: 1}, {X: 2, Y: 2}, {X: 3, Y: 3}}})
	mls := g.(orb.MultiLineString)
	if len(mls) != 2 || len(mls[1]) != 2 || mls[1][0] != (orb.Point{2, 2}) {
		t.Errorf("parts split wrong: %v", mls)
	}
}

// square returns the closed ring of a square, clockwise (an outer ring in
// shapefiles) or counter clockwise (a hole).
func square(x, y, size float64, clockwise bool) []shp.Point {
	if clockwise {
		return []shp.Point{{X: x, Y: y}, {X: x, Y: y + size}, {X: x + size, Y: y + size}, {X: x + size, Y: y}, {X: x, Y: y}}
	}
	return []shp.Point{{X: x, Y: y}, {X: x + size, Y: y}, {X: x + size, Y: y + size}, {X: x, Y: y + size}, {X: x, Y: y}}
}

func TestShapeToGeometry_Rings(t *testing.T) {
	// Two islands, the second one with a lake.
	points := append(square(0, 0, 1, true), square(5, 5, 4, true)...)
	points = append(points, square(6, 6, 1, false)...)
	g, err := ShapeToGeometry(&shp.Polygon{Parts: []int32{0, 5, 10}, Points: points})
	if err != nil {
		t.Fatal(err)
	}
	mp, ok := g.(orb.MultiPolygon)
	if !ok {
		t.Fatalf("got %T, want orb.MultiPolygon", g)
	}
	if len(mp) != 2 || len(mp[0]) != 1 || len(mp[1]) != 2 {
		t.Fatalf("rings grouped wrong: %v", mp)
	}
	if mp[1][1][0] != (orb.Point{6, 6}) {
		t.Errorf("hole = %v, want the lake of the second island", mp[1][1])
	}

	// Counter clockwise outer rings only: each ring is its own polygon.
	g, _ = ShapeToGeometry(&shp.Polygon{Parts: []int32{0, 5}, Points: append(square(0, 0, 1, false), square(5, 5, 1, false)...)})
	if mp, ok := g.(orb.MultiPolygon); !ok || len(mp) != 2 {
		t.Errorf("got %v, want two polygons", g)
	}
}

func TestNormalizeShapeField(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Période", "PERIODE"},
		{"espece", "ESPECE"},
		{" Nom ", "NOM"},
		{"Œuvre", "UVRE"},
	}
	for _, tt := range tests {
		if got := NormalizeShapeField(tt.in); got != tt.want {
			t.Errorf("NormalizeShapeField(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestGeoJSONToWKT(t *testing.T) {
	got, err := GeoJSONToWKT(map[string]any{
		"type":        "Point",
		"coordinates": []any{6.5, 45.1},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(got, "POINT") || !strings.Contains(got, "6.5 45.1") {
		t.Errorf("GeoJSONToWKT = %q", got)
	}

	if got, err := GeoJSONToWKT(nil); err != nil || got != "" {
		t.Errorf("GeoJSONToWKT(nil) = %q, %v", got, err)
	}
	if _, err := GeoJSONToWKT(map[string]any{"type": "Nope"}); err == nil {
		t.Error("expected an error for an unknown geometry type")
	}
}
