// Package formats installs the built-in type and format catalogue: scalars,
// tables, trees, images and geometries, with validators, byte codecs and the
// converters between formats of each type.
package formats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/me/weft/internal/registry"
	"github.com/me/weft/pkg/model"
)

// Type names.
const (
	TypeNumber   = "number"
	TypeString   = "string"
	TypeBoolean  = "boolean"
	TypeTable    = "table"
	TypeTree     = "tree"
	TypeImage    = "image"
	TypeGeometry = "geometry"
)

// Register installs every built-in type, format and converter into reg.
func Register(reg *registry.Registry) error {
	for _, fn := range []func(*registry.Registry) error{
		registerScalars,
		registerTable,
		registerTree,
		registerImage,
		registerGeometry,
	} {
		if err := fn(reg); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a frozen registry holding the built-in catalogue.
func NewRegistry(opts ...registry.Option) (*registry.Registry, error) {
	reg := registry.New(opts...)
	if err := Register(reg); err != nil {
		return nil, err
	}
	reg.Freeze()
	return reg, nil
}

// Ref is shorthand for model.FormatRef{Type: t, Format: f}.
func Ref(t, f string) model.FormatRef {
	return model.FormatRef{Type: t, Format: f}
}

// pair registers converters in both directions.
type pair struct {
	a, b     string
	cost     float64
	lossless bool
	ab, ba   registry.ConvertFunc
}

func registerPairs(reg *registry.Registry, typ string, pairs []pair) error {
	for _, p := range pairs {
		if p.ab != nil {
			if err := reg.RegisterConverter(registry.Converter{
				From: Ref(typ, p.a), To: Ref(typ, p.b), Cost: p.cost, Lossless: p.lossless, Fn: p.ab,
			}); err != nil {
				return err
			}
		}
		if p.ba != nil {
			if err := reg.RegisterConverter(registry.Converter{
				From: Ref(typ, p.b), To: Ref(typ, p.a), Cost: p.cost, Lossless: p.lossless, Fn: p.ba,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func pure(fn func(any) (any, error)) registry.ConvertFunc {
	return func(_ context.Context, data any) (any, error) {
		return fn(data)
	}
}

func toJSON(data any) (any, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func textBytes(data any) ([]byte, error) {
	switch v := data.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	}
	return nil, fmt.Errorf("want text, got %T", data)
}

func isText(data any) error {
	if _, ok := data.(string); !ok {
		return fmt.Errorf("want string, got %T", data)
	}
	return nil
}

func isJSONText(data any) error {
	s, ok := data.(string)
	if !ok {
		return fmt.Errorf("want JSON text, got %T", data)
	}
	if !json.Valid([]byte(s)) {
		return fmt.Errorf("invalid JSON")
	}
	return nil
}

func textCodec(ext, media string) *registry.Codec {
	return &registry.Codec{
		Ext:       ext,
		MediaType: media,
		Encode:    textBytes,
		Decode:    func(b []byte) (any, error) { return string(b), nil },
	}
}

func fromJSON(data any, dst any) error {
	b, err := textBytes(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}
