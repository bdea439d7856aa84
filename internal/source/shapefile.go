package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/planar"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"

	"github.com/JonMunkholm/geoimport/internal/core"
)

// GeomColumn is the column holding the WKT geometry of a feature.
const GeomColumn = "geom"

// Shapefile yields one row per feature: its DBF attributes plus the
// geometry as WKT under GeomColumn.
type Shapefile struct {
	Path string
	// Encoding decodes attribute values that are not valid UTF-8.
	// Defaults to ISO-8859-1, the usual DBF code page.
	Encoding encoding.Encoding
}

// NewShapefile creates a shapefile source for path.
func NewShapefile(path string) *Shapefile {
	return &Shapefile{Path: path}
}

// Describe implements core.Source.
func (s *Shapefile) Describe() string {
	return filepath.Base(s.Path)
}

// Open implements core.Source. The attribute table must sit next to the
// .shp file and list one record per feature.
func (s *Shapefile) Open(_ context.Context) (core.Cursor, error) {
	if err := checkPath(s.Path); err != nil {
		return nil, err
	}

	path, cleanup, err := s.withTable()
	if err != nil {
		return nil, &core.SourceFormatError{Path: s.Path, Err: err}
	}
	defer cleanup()

	reader, err := shp.Open(path)
	if err != nil {
		return nil, &core.SourceFormatError{Path: s.Path, Err: err}
	}
	defer reader.Close()

	enc := s.Encoding
	if enc == nil {
		enc = charmap.ISO8859_1
	}

	fields := reader.Fields()
	if len(fields) == 0 {
		return nil, &core.SourceFormatError{Path: s.Path, Err: errors.New("attribute table has no fields")}
	}

	var rows []*core.Row
	for reader.Next() {
		n, shape := reader.Shape()

		row := core.NewRow(len(fields) + 1)
		geom, err := ShapeToGeometry(shape)
		if err != nil {
			return nil, &core.SourceFormatError{Path: s.Path, Err: fmt.Errorf("feature %d: %w", n, err)}
		}
		if geom != nil {
			row.Set(GeomColumn, wkt.MarshalString(geom))
		} else {
			row.Set(GeomColumn, nil)
		}
		for k, f := range fields {
			val := strings.Trim(reader.ReadAttribute(n, k), "\x00 ")
			row.Set(decodeString(f.String(), enc), decodeString(val, enc))
		}
		rows = append(rows, row)
	}
	if err := reader.Err(); err != nil {
		return nil, &core.SourceFormatError{Path: s.Path, Err: err}
	}
	if got := reader.AttributeCount(); got != len(rows) {
		return nil, &core.SourceFormatError{
			Path: s.Path,
			Err:  fmt.Errorf("attribute table has %d records for %d features", got, len(rows)),
		}
	}
	return NewSliceCursor(rows), nil
}

// withTable returns a path the shapefile reader can open along with its
// .dbf table. The reader only looks for a lower case ".dbf" next to the
// .shp, so a table found under another case is linked into a temporary
// directory with the .shp.
func (s *Shapefile) withTable() (string, func(), error) {
	noop := func() {}
	dir, name := filepath.Split(s.Path)
	ext := filepath.Ext(name)
	if !strings.EqualFold(ext, ".shp") {
		return "", noop, fmt.Errorf("%s is not a .shp file", name)
	}
	stem := strings.TrimSuffix(name, ext)

	entries, err := os.ReadDir(filepath.Clean(dir + "."))
	if err != nil {
		return "", noop, err
	}
	table := ""
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(e.Name(), stem+".dbf") {
			table = e.Name()
			if table == stem+".dbf" {
				break
			}
		}
	}
	if table == "" {
		return "", noop, fmt.Errorf("attribute table %s.dbf is missing", stem)
	}
	// The reader swaps the last three characters of the path for "dbf".
	if table == stem+ext[:1]+"dbf" {
		return s.Path, noop, nil
	}

	tmp, err := os.MkdirTemp("", "geoimport-shp-*")
	if err != nil {
		return "", noop, err
	}
	cleanup := func() { _ = os.RemoveAll(tmp) }
	shpPath, err := filepath.Abs(s.Path)
	if err == nil {
		err = os.Symlink(shpPath, filepath.Join(tmp, "layer.shp"))
	}
	if err == nil {
		var dbfPath string
		dbfPath, err = filepath.Abs(filepath.Join(dir, table))
		if err == nil {
			err = os.Symlink(dbfPath, filepath.Join(tmp, "layer.dbf"))
		}
	}
	if err != nil {
		cleanup()
		return "", noop, err
	}
	return filepath.Join(tmp, "layer.shp"), cleanup, nil
}

// ShapeToGeometry converts a shapefile record to an orb geometry.
// Null shapes give a nil geometry.
func ShapeToGeometry(shape shp.Shape) (orb.Geometry, error) {
	switch g := shape.(type) {
	case nil, *shp.Null:
		return nil, nil
	case *shp.Point:
		return orb.Point{g.X, g.Y}, nil
	case *shp.MultiPoint:
		mp := make(orb.MultiPoint, len(g.Points))
		for i, p := range g.Points {
			mp[i] = orb.Point{p.X, p.Y}
		}
		return mp, nil
	case *shp.PolyLine:
		parts := splitParts(g.Parts, g.Points)
		if len(parts) == 1 {
			return orb.LineString(parts[0]), nil
		}
		mls := make(orb.MultiLineString, len(parts))
		for i, p := range parts {
			mls[i] = orb.LineString(p)
		}
		return mls, nil
	case *shp.Polygon:
		polys := assembleRings(splitParts(g.Parts, g.Points))
		switch len(polys) {
		case 0:
			return nil, nil
		case 1:
			return polys[0], nil
		default:
			return polys, nil
		}
	default:
		return nil, fmt.Errorf("unsupported shape type %T", shape)
	}
}

func splitParts(parts []int32, points []shp.Point) [][]orb.Point {
	out := make([][]orb.Point, 0, len(parts))
	for i, start := range parts {
		end := int32(len(points))
		if i+1 < len(parts) {
			end = parts[i+1]
		}
		seg := make([]orb.Point, 0, end-start)
		for _, p := range points[start:end] {
			seg = append(seg, orb.Point{p.X, p.Y})
		}
		out = append(out, seg)
	}
	return out
}

// assembleRings groups the rings of a polygon record. Outer rings are
// clockwise and each one starts a polygon; counter clockwise rings are
// holes of the outer ring containing them. Files written with the
// opposite winding (no clockwise ring at all) are read with outer rings
// counter clockwise.
func assembleRings(parts [][]orb.Point) orb.MultiPolygon {
	rings := make([]orb.Ring, 0, len(parts))
	for _, p := range parts {
		if len(p) > 0 {
			rings = append(rings, orb.Ring(p))
		}
	}

	outer := orb.CW
	if !slices.ContainsFunc(rings, func(r orb.Ring) bool { return r.Orientation() == orb.CW }) {
		outer = orb.CCW
	}

	var polys orb.MultiPolygon
	var holes []orb.Ring
	for _, r := range rings {
		if o := r.Orientation(); o == outer || o == 0 {
			polys = append(polys, orb.Polygon{r})
		} else {
			holes = append(holes, r)
		}
	}

	for _, h := range holes {
		placed := false
		for i := range polys {
			if planar.RingContains(polys[i][0], h[0]) {
				polys[i] = append(polys[i], h)
				placed = true
				break
			}
		}
		if !placed {
			polys = append(polys, orb.Polygon{h})
		}
	}
	return polys
}
