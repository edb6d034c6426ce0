package builtins

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/me/weft/internal/backend"
	"github.com/me/weft/internal/formats"
)

func add(_ context.Context, args backend.Args) ([]any, error) {
	a, _, err := numberArg(args, "a")
	if err != nil {
		return nil, err
	}
	b, _, err := numberArg(args, "b")
	if err != nil {
		return nil, err
	}
	return []any{a + b}, nil
}

func scale(_ context.Context, args backend.Args) ([]any, error) {
	x, _, err := numberArg(args, "x")
	if err != nil {
		return nil, err
	}
	factor, ok, err := numberArg(args, "factor")
	if err != nil {
		return nil, err
	}
	if !ok {
		factor = 1
	}
	return []any{x * factor}, nil
}

func treeLeaves(_ context.Context, args backend.Args) ([]any, error) {
	v, _ := args.Get("tree")
	root, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tree: want nested tree, got %T", v)
	}
	leaves, depth := walkTree(root)
	return []any{float64(leaves), float64(depth)}, nil
}

// walkTree returns the leaf count and the depth in edges below m.
func walkTree(m map[string]any) (leaves, depth int) {
	children, _ := m["children"].([]any)
	if len(children) == 0 {
		return 1, 0
	}
	for _, c := range children {
		child, ok := c.(map[string]any)
		if !ok {
			continue
		}
		l, d := walkTree(child)
		leaves += l
		depth = max(depth, d+1)
	}
	return leaves, depth
}

func imageDimensions(_ context.Context, args backend.Args) ([]any, error) {
	v, _ := args.Get("image")
	img, ok := v.(image.Image)
	if !ok {
		return nil, fmt.Errorf("image: want decoded image, got %T", v)
	}
	b := img.Bounds()
	return []any{float64(b.Dx()), float64(b.Dy())}, nil
}

type bbox struct {
	minX, minY, maxX, maxY float64
	empty                  bool
}

func (b *bbox) extend(x, y float64) {
	b.minX, b.minY = math.Min(b.minX, x), math.Min(b.minY, y)
	b.maxX, b.maxY = math.Max(b.maxX, x), math.Max(b.maxY, y)
	b.empty = false
}

func boundingBox(_ context.Context, args backend.Args) ([]any, error) {
	v, _ := args.Get("geometry")
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("geometry: want GeoJSON object, got %T", v)
	}
	b := &bbox{minX: math.Inf(1), minY: math.Inf(1), maxX: math.Inf(-1), maxY: math.Inf(-1), empty: true}
	if err := visitGeometry(obj, b); err != nil {
		return nil, err
	}
	if b.empty {
		return nil, errors.New("geometry has no coordinates")
	}
	return []any{[]map[string]any{{
		"min_x": b.minX, "min_y": b.minY, "max_x": b.maxX, "max_y": b.maxY,
	}}}, nil
}

func visitGeometry(obj map[string]any, b *bbox) error {
	switch obj["type"] {
	case "FeatureCollection":
		features, _ := obj["features"].([]any)
		for _, f := range features {
			if m, ok := f.(map[string]any); ok {
				if err := visitGeometry(m, b); err != nil {
					return err
				}
			}
		}
		return nil
	case "Feature":
		g, ok := obj["geometry"].(map[string]any)
		if !ok {
			return nil
		}
		return visitGeometry(g, b)
	case "GeometryCollection":
		geoms, _ := obj["geometries"].([]any)
		for _, g := range geoms {
			if m, ok := g.(map[string]any); ok {
				if err := visitGeometry(m, b); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return visitCoordinates(obj["coordinates"], b)
}

// visitCoordinates walks nested coordinate arrays down to positions.
func visitCoordinates(v any, b *bbox) error {
	arr, ok := v.([]any)
	if !ok {
		return fmt.Errorf("coordinates: want array, got %T", v)
	}
	if len(arr) == 0 {
		return nil
	}
	if _, nested := arr[0].([]any); nested {
		for _, c := range arr {
			if err := visitCoordinates(c, b); err != nil {
				return err
			}
		}
		return nil
	}
	if len(arr) < 2 {
		return fmt.Errorf("position needs at least 2 values, got %d", len(arr))
	}
	x, err := formats.ToFloat(arr[0])
	if err != nil {
		return err
	}
	y, err := formats.ToFloat(arr[1])
	if err != nil {
		return err
	}
	b.extend(x, y)
	return nil
}
