package formats

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/me/weft/internal/registry"
)

// ToFloat converts any Go numeric value to float64.
func ToFloat(data any) (float64, error) {
	switch v := data.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int8:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint8:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	}
	return 0, fmt.Errorf("want number, got %T", data)
}

func isNumber(data any) error {
	_, err := ToFloat(data)
	return err
}

func isBool(data any) error {
	if _, ok := data.(bool); !ok {
		return fmt.Errorf("want bool, got %T", data)
	}
	return nil
}

func registerScalars(reg *registry.Registry) error {
	if err := reg.RegisterType(TypeNumber, "A single numeric value"); err != nil {
		return err
	}
	if err := reg.RegisterType(TypeString, "A single text value"); err != nil {
		return err
	}
	if err := reg.RegisterType(TypeBoolean, "A single truth value"); err != nil {
		return err
	}

	numberCodec := &registry.Codec{
		Ext:       ".txt",
		MediaType: "text/plain",
		Encode: func(data any) ([]byte, error) {
			f, err := ToFloat(data)
			if err != nil {
				return nil, err
			}
			return []byte(strconv.FormatFloat(f, 'g', -1, 64)), nil
		},
		Decode: func(b []byte) (any, error) {
			return strconv.ParseFloat(strings.TrimSpace(string(b)), 64)
		},
	}
	boolCodec := &registry.Codec{
		Ext:       ".txt",
		MediaType: "text/plain",
		Encode: func(data any) ([]byte, error) {
			v, ok := data.(bool)
			if !ok {
				return nil, fmt.Errorf("want bool, got %T", data)
			}
			return []byte(strconv.FormatBool(v)), nil
		},
		Decode: func(b []byte) (any, error) {
			return strconv.ParseBool(strings.TrimSpace(string(b)))
		},
	}

	formats := []struct {
		typ, name string
		desc      string
		validator registry.ValidateFunc
		codec     *registry.Codec
	}{
		{TypeNumber, "number", "Go numeric value", isNumber, numberCodec},
		{TypeNumber, "json", "JSON number text", isJSONText, textCodec(".json", "application/json")},
		{TypeString, "text", "Go string", isText, textCodec(".txt", "text/plain")},
		{TypeString, "json", "JSON string literal", isJSONText, textCodec(".json", "application/json")},
		{TypeBoolean, "boolean", "Go bool", isBool, boolCodec},
		{TypeBoolean, "json", "JSON true/false", isJSONText, textCodec(".json", "application/json")},
	}
	for _, f := range formats {
		if err := reg.RegisterFormat(Ref(f.typ, f.name),
			registry.WithDescription(f.desc),
			registry.WithValidator(f.validator),
			registry.WithCodec(f.codec),
		); err != nil {
			return err
		}
	}

	if err := registerPairs(reg, TypeNumber, []pair{{
		a: "number", b: "json", cost: 1, lossless: true,
		ab: pure(func(d any) (any, error) {
			f, err := ToFloat(d)
			if err != nil {
				return nil, err
			}
			return toJSON(f)
		}),
		ba: pure(func(d any) (any, error) {
			var f float64
			if err := fromJSON(d, &f); err != nil {
				return nil, err
			}
			return f, nil
		}),
	}}); err != nil {
		return err
	}
	if err := registerPairs(reg, TypeString, []pair{{
		a: "text", b: "json", cost: 1, lossless: true,
		ab: pure(toJSON),
		ba: pure(func(d any) (any, error) {
			var s string
			if err := fromJSON(d, &s); err != nil {
				return nil, err
			}
			return s, nil
		}),
	}}); err != nil {
		return err
	}
	return registerPairs(reg, TypeBoolean, []pair{{
		a: "boolean", b: "json", cost: 1, lossless: true,
		ab: pure(toJSON),
		ba: pure(func(d any) (any, error) {
			var b bool
			if err := fromJSON(d, &b); err != nil {
				return nil, err
			}
			return b, nil
		}),
	}})
}
