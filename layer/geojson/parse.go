package geojson

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// ErrUnsupported is returned for objects that are not GeoJSON.
var ErrUnsupported = errors.New("unsupported geojson object")

var geometryTypes = map[string]bool{
	"Point":              true,
	"MultiPoint":         true,
	"LineString":         true,
	"MultiLineString":    true,
	"Polygon":            true,
	"MultiPolygon":       true,
	"GeometryCollection": true,
}

// Parse decodes a FeatureCollection, Feature or bare geometry into a flat
// list of lon/lat geometries. Features without geometry are skipped and
// geometry collections are flattened.
func Parse(data []byte) ([]orb.Geometry, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode geojson: %w", err)
	}

	var out []orb.Geometry
	switch {
	case head.Type == "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, fmt.Errorf("decode feature collection: %w", err)
		}
		for _, f := range fc.Features {
			out = flatten(f.Geometry, out)
		}
	case head.Type == "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, fmt.Errorf("decode feature: %w", err)
		}
		out = flatten(f.Geometry, out)
	case geometryTypes[head.Type]:
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", head.Type, err)
		}
		out = flatten(g.Geometry(), out)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, head.Type)
	}
	return out, nil
}

func flatten(g orb.Geometry, out []orb.Geometry) []orb.Geometry {
	switch g := g.(type) {
	case nil:
		return out
	case orb.Collection:
		for _, c := range g {
			out = flatten(c, out)
		}
		return out
	}
	return append(out, g)
}
