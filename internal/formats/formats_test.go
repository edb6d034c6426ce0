package formats

import (
	"context"
	"image"
	"image/color"
	"reflect"
	"strings"
	"testing"

	"github.com/me/weft/internal/registry"
	"github.com/me/weft/pkg/model"
)

func mustRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func TestNewRegistry_Frozen(t *testing.T) {
	reg := mustRegistry(t)
	if !reg.Frozen() {
		t.Error("registry not frozen")
	}
	for _, typ := range []string{TypeNumber, TypeString, TypeBoolean, TypeTable, TypeTree, TypeImage, TypeGeometry} {
		if !reg.HasType(typ) {
			t.Errorf("type %q missing", typ)
		}
	}
}

func TestRowsToColumnar(t *testing.T) {
	reg := mustRegistry(t)
	rows := []map[string]any{{"a": 1.0, "b": "x"}, {"a": 2.0, "b": "y"}}
	v, err := reg.Convert(context.Background(), model.Value{Type: TypeTable, Format: "rows", Data: rows}, Ref(TypeTable, "columnar"))
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	c, ok := v.Data.(*Columnar)
	if !ok {
		t.Fatalf("Data = %T, want *Columnar", v.Data)
	}
	want := &Columnar{
		Fields:  []string{"a", "b"},
		Columns: map[string][]any{"a": {1.0, 2.0}, "b": {"x", "y"}},
	}
	if !reflect.DeepEqual(c, want) {
		t.Errorf("columnar = %+v, want %+v", c, want)
	}
}

func TestTableLosslessRoundTrips(t *testing.T) {
	reg := mustRegistry(t)
	tables := map[string][]map[string]any{
		"uniform": {{"id": 1.0, "name": "ada", "ok": true}, {"id": 2.0, "name": "bob", "ok": false}},
		"ragged":  {{"a": 1.0}, {"b": 2.0}, {"a": nil, "b": 3.0}},
	}

	for name, rows := range tables {
		for _, via := range []string{"columnar", "json"} {
			t.Run(name+"/"+via, func(t *testing.T) {
				p, err := reg.FindPath(Ref(TypeTable, "rows"), Ref(TypeTable, via))
				if err != nil {
					t.Fatalf("FindPath: %v", err)
				}
				if !p.Lossless() {
					t.Fatalf("rows -> %s is not lossless", via)
				}
				mid, err := reg.Convert(context.Background(), model.Value{Type: TypeTable, Format: "rows", Data: rows}, Ref(TypeTable, via))
				if err != nil {
					t.Fatalf("to %s: %v", via, err)
				}
				back, err := reg.Convert(context.Background(), mid, Ref(TypeTable, "rows"))
				if err != nil {
					t.Fatalf("from %s: %v", via, err)
				}
				if !reflect.DeepEqual(back.Data, rows) {
					t.Errorf("round trip via %s = %v, want %v", via, back.Data, rows)
				}
			})
		}
	}
}

func TestColumnarAbsentCells(t *testing.T) {
	c := RowsToColumnar([]map[string]any{{"a": 1.0}, {"b": 2.0}})
	want := &Columnar{
		Fields:  []string{"a", "b"},
		Columns: map[string][]any{"a": {1.0, nil}, "b": {nil, 2.0}},
		Absent:  map[string][]int{"a": {1}, "b": {0}},
	}
	if !reflect.DeepEqual(c, want) {
		t.Errorf("columnar = %+v, want %+v", c, want)
	}

	bad := &Columnar{Fields: []string{"a"}, Columns: map[string][]any{"a": {1.0}}, Absent: map[string][]int{"a": {3}}}
	if _, err := AsColumnar(bad); err == nil {
		t.Error("accepted an absent index past the last row")
	}
}

func TestCSVInference(t *testing.T) {
	rows, err := CSVToRows("id,name,ok,note\n1,ada,true,\n2.5,bob,false,hi\n")
	if err != nil {
		t.Fatalf("CSVToRows: %v", err)
	}
	want := []map[string]any{
		{"id": 1.0, "name": "ada", "ok": true, "note": nil},
		{"id": 2.5, "name": "bob", "ok": false, "note": "hi"},
	}
	if !reflect.DeepEqual(rows, want) {
		t.Errorf("rows = %v, want %v", rows, want)
	}
}

func TestRowsToCSV_FieldOrder(t *testing.T) {
	text, err := RowsToCSV([]map[string]any{{"b": 1, "a": "x"}, {"c": true}})
	if err != nil {
		t.Fatalf("RowsToCSV: %v", err)
	}
	want := "a,b,c\nx,1,\n,,true\n"
	if text != want {
		t.Errorf("csv = %q, want %q", text, want)
	}
}

func TestTablePathsPreferLossless(t *testing.T) {
	reg := mustRegistry(t)
	p, err := reg.FindPath(Ref(TypeTable, "columnar"), Ref(TypeTable, "csv"))
	if err != nil {
		t.Fatalf("FindPath: %v", err)
	}
	if got := p.String(); got != "table/columnar -> rows -> csv" {
		t.Errorf("path = %q", got)
	}
	if p.Lossless() {
		t.Error("columnar -> csv reported lossless")
	}
}

func TestYAMLTable(t *testing.T) {
	reg := mustRegistry(t)
	v, err := reg.Convert(context.Background(),
		model.Value{Type: TypeTable, Format: "yaml", Data: "- a: 1\n  b: x\n"}, Ref(TypeTable, "rows"))
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	rows := v.Data.([]map[string]any)
	if len(rows) != 1 || rows[0]["b"] != "x" {
		t.Errorf("rows = %v", rows)
	}
}

func TestNewick(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"(A,B)C;", "(A,B)C;"},
		{"((a:1,b:2.5)ab:0.5,c);", "((a:1,b:2.5)ab:0.5,c);"},
		{"('x y',z);", "('x y',z);"},
	}
	for _, tt := range tests {
		tree, err := ParseNewick(tt.in)
		if err != nil {
			t.Errorf("ParseNewick(%q): %v", tt.in, err)
			continue
		}
		got, err := WriteNewick(tree)
		if err != nil {
			t.Errorf("WriteNewick: %v", err)
			continue
		}
		if got != tt.want {
			t.Errorf("newick %q -> %q, want %q", tt.in, got, tt.want)
		}
	}

	for _, bad := range []string{"(A,B", "(A,B)C", "A;B;"} {
		if _, err := ParseNewick(bad); err == nil {
			t.Errorf("ParseNewick(%q) succeeded", bad)
		}
	}
}

func TestImageRoundTrip(t *testing.T) {
	reg := mustRegistry(t)
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})

	b64, err := reg.Convert(context.Background(), model.Value{Type: TypeImage, Format: "raster", Data: img}, Ref(TypeImage, "base64"))
	if err != nil {
		t.Fatalf("raster -> base64: %v", err)
	}
	if err := reg.Validate(Ref(TypeImage, "base64"), b64.Data); err != nil {
		t.Fatalf("Validate base64: %v", err)
	}
	back, err := reg.Convert(context.Background(), b64, Ref(TypeImage, "raster"))
	if err != nil {
		t.Fatalf("base64 -> raster: %v", err)
	}
	out := back.Data.(image.Image)
	r, _, _, _ := out.At(1, 1).RGBA()
	if r>>8 != 255 {
		t.Errorf("pixel red = %d, want 255", r>>8)
	}
}

func TestValidators(t *testing.T) {
	reg := mustRegistry(t)
	tests := []struct {
		ref  model.FormatRef
		data any
		ok   bool
	}{
		{Ref(TypeNumber, "number"), 3, true},
		{Ref(TypeNumber, "number"), "3", false},
		{Ref(TypeNumber, "json"), "3", true},
		{Ref(TypeNumber, "json"), "{", false},
		{Ref(TypeTable, "rows"), []any{map[string]any{"a": 1}}, true},
		{Ref(TypeTable, "rows"), []any{1}, false},
		{Ref(TypeTable, "columnar"), &Columnar{Fields: []string{"a"}, Columns: map[string][]any{"a": {1}}}, true},
		{Ref(TypeTable, "columnar"), &Columnar{Fields: []string{"a", "b"}, Columns: map[string][]any{"a": {1}, "b": {}}}, false},
		{Ref(TypeTree, "newick"), "(a,b);", true},
		{Ref(TypeGeometry, "geojson"), `{"type":"Point","coordinates":[1,2]}`, true},
		{Ref(TypeGeometry, "geojson"), `{"type":"Blob"}`, false},
		{Ref(TypeImage, "png"), []byte("nope"), false},
	}
	for _, tt := range tests {
		err := reg.Validate(tt.ref, tt.data)
		if (err == nil) != tt.ok {
			t.Errorf("Validate(%s, %v) = %v, want ok=%v", tt.ref, tt.data, err, tt.ok)
		}
	}
}

func TestScalarJSON(t *testing.T) {
	reg := mustRegistry(t)
	v, err := reg.Convert(context.Background(), model.Value{Type: TypeNumber, Format: "number", Data: 42}, Ref(TypeNumber, "json"))
	if err != nil || v.Data != "42" {
		t.Fatalf("number -> json = %v, %v", v.Data, err)
	}
	v, err = reg.Convert(context.Background(), model.Value{Type: TypeString, Format: "json", Data: `"hi"`}, Ref(TypeString, "text"))
	if err != nil || v.Data != "hi" {
		t.Fatalf("json -> text = %v, %v", v.Data, err)
	}
	if !strings.Contains(Ref(TypeTable, "csv").String(), "/") {
		t.Error("FormatRef.String lacks separator")
	}
}
