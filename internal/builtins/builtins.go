// Package builtins provides the standard analysis library: Go functions for
// the native executor and the catalogue entries that expose them, plus a few
// script and container analyses.
package builtins

import (
	"fmt"

	"github.com/me/weft/internal/analysis"
	"github.com/me/weft/internal/backend"
	"github.com/me/weft/internal/backend/jsinterp"
	"github.com/me/weft/internal/backend/luainterp"
	"github.com/me/weft/internal/formats"
	"github.com/me/weft/internal/registry"
	"github.com/me/weft/pkg/model"
)

// Functions returns the native function table keyed by function name.
func Functions() map[string]backend.NativeFunc {
	return map[string]backend.NativeFunc{
		"table.count":      countRows,
		"table.select":     selectColumns,
		"table.filter":     filterRows,
		"table.sort":       sortRows,
		"table.describe":   describe,
		"number.add":       add,
		"number.scale":     scale,
		"tree.leaves":      treeLeaves,
		"image.dimensions": imageDimensions,
		"geometry.bbox":    boundingBox,
	}
}

// Install registers every native function with native and adds every
// built-in analysis to catalog.
func Install(reg *registry.Registry, catalog *analysis.Catalog, native *backend.NativeExecutor) error {
	for name, fn := range Functions() {
		if err := native.Register(name, fn); err != nil {
			return err
		}
	}
	for _, def := range Analyses() {
		if _, err := catalog.Add(reg, def); err != nil {
			return fmt.Errorf("builtin %s: %w", def.ID, err)
		}
	}
	return nil
}

func port(name, typ, format string) model.Port {
	return model.Port{Name: name, Type: typ, Format: format}
}

func optional(p model.Port) model.Port {
	p.Optional = true
	return p
}

func withDefault(p model.Port, v any) model.Port {
	p.Default = v
	return p
}

func native(id, desc string, inputs, outputs []model.Port) model.Analysis {
	return model.Analysis{
		ID:          id,
		Description: desc,
		Mode:        model.ModeNative,
		Inputs:      inputs,
		Outputs:     outputs,
		Native:      &model.NativePayload{Function: id},
	}
}

// Analyses returns the built-in analysis definitions.
func Analyses() []model.Analysis {
	rows := func(name string) model.Port { return port(name, formats.TypeTable, "rows") }
	num := func(name string) model.Port { return port(name, formats.TypeNumber, "number") }
	text := func(name string) model.Port { return port(name, formats.TypeString, "text") }

	return []model.Analysis{
		native("table.count", "Count the rows of a table",
			[]model.Port{rows("t")}, []model.Port{num("n")}),
		native("table.select", "Keep the named columns (comma separated)",
			[]model.Port{rows("t"), text("columns")}, []model.Port{rows("t")}),
		native("table.filter", "Keep rows whose numeric column lies within [min, max]",
			[]model.Port{rows("t"), text("column"), optional(num("min")), optional(num("max"))},
			[]model.Port{rows("t")}),
		native("table.sort", "Sort rows by a column",
			[]model.Port{rows("t"), text("by"), withDefault(port("descending", formats.TypeBoolean, "boolean"), false)},
			[]model.Port{rows("t")}),
		native("table.describe", "Summary statistics of the numeric columns",
			[]model.Port{port("t", formats.TypeTable, "columnar")}, []model.Port{rows("summary")}),
		native("number.add", "Sum of two numbers",
			[]model.Port{num("a"), num("b")}, []model.Port{num("sum")}),
		native("number.scale", "Multiply a number by a factor",
			[]model.Port{num("x"), withDefault(num("factor"), 1.0)}, []model.Port{num("y")}),
		native("tree.leaves", "Count the leaves of a tree and measure its depth",
			[]model.Port{port("tree", formats.TypeTree, "nested")}, []model.Port{num("leaves"), num("depth")}),
		native("image.dimensions", "Width and height of an image in pixels",
			[]model.Port{port("image", formats.TypeImage, "raster")}, []model.Port{num("width"), num("height")}),
		native("geometry.bbox", "Bounding box of a GeoJSON object",
			[]model.Port{port("geometry", formats.TypeGeometry, "object")}, []model.Port{rows("bbox")}),
		{
			ID:          "table.zscore",
			Description: "Append the z-score of a numeric column",
			Mode:        model.ModeInterpreter,
			Inputs:      []model.Port{port("t", formats.TypeTable, "columnar"), text("column")},
			Outputs:     []model.Port{port("scored", formats.TypeTable, "columnar")},
			Script:      &model.ScriptPayload{Language: jsinterp.Language, Script: zscoreJS},
		},
		{
			ID:          "number.fibonacci",
			Description: "The n-th Fibonacci number",
			Mode:        model.ModeInterpreter,
			Inputs:      []model.Port{num("n")},
			Outputs:     []model.Port{num("f")},
			Script:      &model.ScriptPayload{Language: luainterp.Language, Script: fibonacciLua},
		},
		{
			ID:          "text.wordcount",
			Description: "Count the words of a text in a container",
			Mode:        model.ModeContainer,
			Inputs:      []model.Port{text("text")},
			Outputs:     []model.Port{num("words")},
			Container: &model.ContainerPayload{
				Image:   "busybox:1.36",
				Command: []string{"sh", "-c", `printf '%s' "$WEFT_INPUT_TEXT" | wc -w`},
				Outputs: map[string]model.ContainerOutput{"words": {Stream: "stdout"}},
			},
		},
	}
}

const zscoreJS = `
var xs = t[column];
if (xs === undefined) { throw new Error("no column " + column); }
var n = xs.length;
var mean = xs.reduce(function (a, b) { return a + b; }, 0) / n;
var sd = Math.sqrt(xs.reduce(function (a, b) { return a + (b - mean) * (b - mean); }, 0) / n);
scored = {};
for (var k in t) { scored[k] = t[k]; }
scored[column + "_z"] = xs.map(function (x) { return sd === 0 ? 0 : (x - mean) / sd; });
`

const fibonacciLua = `
local a, b = 0, 1
for i = 1, n do
  a, b = b, a + b
end
f = a
`
