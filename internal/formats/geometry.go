package formats

import (
	"fmt"

	"github.com/me/weft/internal/registry"
)

var geoJSONTypes = map[string]bool{
	"Point": true, "MultiPoint": true, "LineString": true, "MultiLineString": true,
	"Polygon": true, "MultiPolygon": true, "GeometryCollection": true,
	"Feature": true, "FeatureCollection": true,
}

func isGeoObject(data any) error {
	m, ok := data.(map[string]any)
	if !ok {
		return fmt.Errorf("want GeoJSON object, got %T", data)
	}
	t, _ := m["type"].(string)
	if !geoJSONTypes[t] {
		return fmt.Errorf("unknown GeoJSON type %q", t)
	}
	return nil
}

func isGeoJSON(data any) error {
	var m map[string]any
	if err := fromJSON(data, &m); err != nil {
		return err
	}
	return isGeoObject(m)
}

func registerGeometry(reg *registry.Registry) error {
	if err := reg.RegisterType(TypeGeometry, "Geospatial features"); err != nil {
		return err
	}
	if err := reg.RegisterFormat(Ref(TypeGeometry, "geojson"),
		registry.WithDescription("GeoJSON text"),
		registry.WithValidator(isGeoJSON),
		registry.WithCodec(textCodec(".geojson", "application/geo+json")),
	); err != nil {
		return err
	}
	if err := reg.RegisterFormat(Ref(TypeGeometry, "object"),
		registry.WithDescription("Decoded GeoJSON object"),
		registry.WithValidator(isGeoObject),
	); err != nil {
		return err
	}
	return registerPairs(reg, TypeGeometry, []pair{{
		a: "geojson", b: "object", cost: 1, lossless: true,
		ab: pure(func(d any) (any, error) {
			var m map[string]any
			if err := fromJSON(d, &m); err != nil {
				return nil, err
			}
			return m, isGeoObject(m)
		}),
		ba: pure(func(d any) (any, error) {
			if err := isGeoObject(d); err != nil {
				return nil, err
			}
			return toJSON(d)
		}),
	}})
}
