package formats

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/me/weft/internal/registry"
	"gopkg.in/yaml.v3"
)

// Columnar is the column-oriented table representation. Every column holds
// the same number of cells.
type Columnar struct {
	Fields  []string         `json:"fields" yaml:"fields"`
	Columns map[string][]any `json:"columns" yaml:"columns"`
	// Absent lists, per field, the ascending row indexes whose source row
	// had no such key. Those cells hold nil and are left out of Row.
	Absent map[string][]int `json:"absent,omitempty" yaml:"absent,omitempty"`
}

// Len returns the number of rows.
func (c *Columnar) Len() int {
	if len(c.Fields) == 0 {
		return 0
	}
	return len(c.Columns[c.Fields[0]])
}

// Row returns row i as a map.
func (c *Columnar) Row(i int) map[string]any {
	row := make(map[string]any, len(c.Fields))
	for _, f := range c.Fields {
		if c.absent(f, i) {
			continue
		}
		row[f] = c.Columns[f][i]
	}
	return row
}

func (c *Columnar) absent(f string, i int) bool {
	idx := c.Absent[f]
	j := sort.SearchInts(idx, i)
	return j < len(idx) && idx[j] == i
}

func (c *Columnar) check() error {
	n := -1
	for _, f := range c.Fields {
		col, ok := c.Columns[f]
		if !ok {
			return fmt.Errorf("missing column %q", f)
		}
		if n >= 0 && len(col) != n {
			return fmt.Errorf("column %q has %d cells, want %d", f, len(col), n)
		}
		n = len(col)
	}
	if len(c.Columns) != len(c.Fields) {
		return fmt.Errorf("%d columns but %d fields", len(c.Columns), len(c.Fields))
	}
	for f, idx := range c.Absent {
		if _, ok := c.Columns[f]; !ok {
			return fmt.Errorf("absent cells for unknown field %q", f)
		}
		for k, i := range idx {
			if i < 0 || i >= n || (k > 0 && idx[k-1] >= i) {
				return fmt.Errorf("field %q: bad absent row index %d", f, i)
			}
		}
	}
	return nil
}

// AsRows normalizes the accepted row shapes ([]map[string]any, []any of maps)
// into []map[string]any.
func AsRows(data any) ([]map[string]any, error) {
	switch v := data.(type) {
	case []map[string]any:
		return v, nil
	case []any:
		rows := make([]map[string]any, len(v))
		for i, r := range v {
			m, ok := r.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("row %d: want object, got %T", i, r)
			}
			rows[i] = m
		}
		return rows, nil
	}
	return nil, fmt.Errorf("want rows, got %T", data)
}

// AsColumnar accepts *Columnar, Columnar, or a map with "fields" and "columns".
func AsColumnar(data any) (*Columnar, error) {
	switch v := data.(type) {
	case *Columnar:
		if v == nil {
			return nil, fmt.Errorf("nil columnar table")
		}
		return v, v.check()
	case Columnar:
		return &v, v.check()
	case map[string]any:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var c Columnar
		if err := json.Unmarshal(b, &c); err != nil {
			return nil, err
		}
		if c.Columns == nil {
			c.Columns = map[string][]any{}
		}
		return &c, c.check()
	}
	return nil, fmt.Errorf("want columnar table, got %T", data)
}

// Fields returns the union of row keys: first-seen order across rows, keys
// of a single row in sorted order.
func Fields(rows []map[string]any) []string {
	seen := make(map[string]bool)
	var fields []string
	for _, r := range rows {
		keys := make([]string, 0, len(r))
		for k := range r {
			if !seen[k] {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			seen[k] = true
			fields = append(fields, k)
		}
	}
	return fields
}

// RowsToColumnar converts row-oriented data to columns. Missing cells become
// nil and are recorded in Absent, so ColumnarToRows restores ragged rows.
func RowsToColumnar(rows []map[string]any) *Columnar {
	fields := Fields(rows)
	c := &Columnar{Fields: fields, Columns: make(map[string][]any, len(fields))}
	for _, f := range fields {
		col := make([]any, len(rows))
		for i, r := range rows {
			v, ok := r[f]
			if !ok {
				if c.Absent == nil {
					c.Absent = make(map[string][]int)
				}
				c.Absent[f] = append(c.Absent[f], i)
			}
			col[i] = v
		}
		c.Columns[f] = col
	}
	return c
}

// ColumnarToRows converts columns to row-oriented data.
func ColumnarToRows(c *Columnar) []map[string]any {
	rows := make([]map[string]any, c.Len())
	for i := range rows {
		rows[i] = c.Row(i)
	}
	return rows
}

func formatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	}
	if f, err := ToFloat(v); err == nil {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return fmt.Sprint(v)
}

func parseCell(s string) any {
	if s == "" {
		return nil
	}
	if b, err := strconv.ParseBool(s); err == nil && (s == "true" || s == "false") {
		return b
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// RowsToCSV renders rows as CSV text with a header line.
func RowsToCSV(rows []map[string]any) (string, error) {
	fields := Fields(rows)
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(fields); err != nil {
		return "", err
	}
	rec := make([]string, len(fields))
	for _, r := range rows {
		for i, f := range fields {
			rec[i] = formatCell(r[f])
		}
		if err := w.Write(rec); err != nil {
			return "", err
		}
	}
	w.Flush()
	return buf.String(), w.Error()
}

// CSVToRows parses CSV text with a header line, inferring numbers and booleans.
func CSVToRows(text string) ([]map[string]any, error) {
	r := csv.NewReader(strings.NewReader(text))
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return []map[string]any{}, nil
	}
	header := records[0]
	rows := make([]map[string]any, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(map[string]any, len(header))
		for i, h := range header {
			if i < len(rec) {
				row[h] = parseCell(rec[i])
			} else {
				row[h] = nil
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func isRows(data any) error {
	_, err := AsRows(data)
	return err
}

func isColumnar(data any) error {
	_, err := AsColumnar(data)
	return err
}

func isCSVText(data any) error {
	s, ok := data.(string)
	if !ok {
		return fmt.Errorf("want CSV text, got %T", data)
	}
	_, err := csv.NewReader(strings.NewReader(s)).ReadAll()
	return err
}

func isYAMLRows(data any) error {
	b, err := textBytes(data)
	if err != nil {
		return err
	}
	var rows []map[string]any
	return yaml.Unmarshal(b, &rows)
}

func isJSONRows(data any) error {
	if err := isJSONText(data); err != nil {
		return err
	}
	var rows []map[string]any
	return fromJSON(data, &rows)
}

func registerTable(reg *registry.Registry) error {
	if err := reg.RegisterType(TypeTable, "Tabular data"); err != nil {
		return err
	}

	rowsCodec := &registry.Codec{
		Ext:       ".json",
		MediaType: "application/json",
		Encode: func(data any) ([]byte, error) {
			rows, err := AsRows(data)
			if err != nil {
				return nil, err
			}
			return json.Marshal(rows)
		},
		Decode: func(b []byte) (any, error) {
			var rows []map[string]any
			if err := json.Unmarshal(b, &rows); err != nil {
				return nil, err
			}
			return rows, nil
		},
	}
	columnarCodec := &registry.Codec{
		Ext:       ".json",
		MediaType: "application/json",
		Encode: func(data any) ([]byte, error) {
			c, err := AsColumnar(data)
			if err != nil {
				return nil, err
			}
			return json.Marshal(c)
		},
		Decode: func(b []byte) (any, error) {
			var c Columnar
			if err := json.Unmarshal(b, &c); err != nil {
				return nil, err
			}
			return &c, c.check()
		},
	}

	formats := []struct {
		name      string
		desc      string
		validator registry.ValidateFunc
		codec     *registry.Codec
	}{
		{"rows", "List of row objects", isRows, rowsCodec},
		{"columnar", "Column arrays keyed by field", isColumnar, columnarCodec},
		{"csv", "Comma separated text with header", isCSVText, textCodec(".csv", "text/csv")},
		{"json", "JSON array of row objects", isJSONRows, textCodec(".json", "application/json")},
		{"yaml", "YAML sequence of row mappings", isYAMLRows, textCodec(".yaml", "application/yaml")},
	}
	for _, f := range formats {
		if err := reg.RegisterFormat(Ref(TypeTable, f.name),
			registry.WithDescription(f.desc),
			registry.WithValidator(f.validator),
			registry.WithCodec(f.codec),
		); err != nil {
			return err
		}
	}

	return registerPairs(reg, TypeTable, []pair{
		{
			a: "rows", b: "columnar", cost: 1, lossless: true,
			ab: pure(func(d any) (any, error) {
				rows, err := AsRows(d)
				if err != nil {
					return nil, err
				}
				return RowsToColumnar(rows), nil
			}),
			ba: pure(func(d any) (any, error) {
				c, err := AsColumnar(d)
				if err != nil {
					return nil, err
				}
				return ColumnarToRows(c), nil
			}),
		},
		{
			a: "rows", b: "json", cost: 2, lossless: true,
			ab: pure(func(d any) (any, error) {
				rows, err := AsRows(d)
				if err != nil {
					return nil, err
				}
				return toJSON(rows)
			}),
			ba: pure(func(d any) (any, error) {
				var rows []map[string]any
				if err := fromJSON(d, &rows); err != nil {
					return nil, err
				}
				return rows, nil
			}),
		},
		{
			a: "rows", b: "csv", cost: 3,
			ab: pure(func(d any) (any, error) {
				rows, err := AsRows(d)
				if err != nil {
					return nil, err
				}
				return RowsToCSV(rows)
			}),
			ba: pure(func(d any) (any, error) {
				s, ok := d.(string)
				if !ok {
					return nil, fmt.Errorf("want CSV text, got %T", d)
				}
				return CSVToRows(s)
			}),
		},
		{
			a: "rows", b: "yaml", cost: 3,
			ab: pure(func(d any) (any, error) {
				rows, err := AsRows(d)
				if err != nil {
					return nil, err
				}
				b, err := yaml.Marshal(rows)
				if err != nil {
					return nil, err
				}
				return string(b), nil
			}),
			ba: pure(func(d any) (any, error) {
				b, err := textBytes(d)
				if err != nil {
					return nil, err
				}
				var rows []map[string]any
				if err := yaml.Unmarshal(b, &rows); err != nil {
					return nil, err
				}
				return rows, nil
			}),
		},
	})
}
