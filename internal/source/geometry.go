package source

import (
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
)

// GeoJSONToWKT converts a decoded GeoJSON geometry object to WKT.
// A nil value gives an empty string.
func GeoJSONToWKT(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode geometry: %w", err)
	}
	g, err := geojson.UnmarshalGeometry(raw)
	if err != nil {
		return "", fmt.Errorf("invalid GeoJSON geometry: %w", err)
	}
	return wkt.MarshalString(g.Geometry()), nil
}
