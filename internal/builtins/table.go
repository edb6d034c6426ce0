package builtins

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/me/weft/internal/backend"
	"github.com/me/weft/internal/formats"
)

func rowsArg(args backend.Args, name string) ([]map[string]any, error) {
	v, _ := args.Get(name)
	rows, err := formats.AsRows(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return rows, nil
}

func textArg(args backend.Args, name string) (string, error) {
	v, _ := args.Get(name)
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s: want text, got %T", name, v)
	}
	return s, nil
}

func numberArg(args backend.Args, name string) (float64, bool, error) {
	v, ok := args.Get(name)
	if !ok || v == nil {
		return 0, false, nil
	}
	f, err := formats.ToFloat(v)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", name, err)
	}
	return f, true, nil
}

func countRows(_ context.Context, args backend.Args) ([]any, error) {
	rows, err := rowsArg(args, "t")
	if err != nil {
		return nil, err
	}
	return []any{float64(len(rows))}, nil
}

func selectColumns(_ context.Context, args backend.Args) ([]any, error) {
	rows, err := rowsArg(args, "t")
	if err != nil {
		return nil, err
	}
	spec, err := textArg(args, "columns")
	if err != nil {
		return nil, err
	}
	var columns []string
	for _, c := range strings.Split(spec, ",") {
		if c = strings.TrimSpace(c); c != "" {
			columns = append(columns, c)
		}
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("columns: no column names in %q", spec)
	}

	out := make([]map[string]any, len(rows))
	for i, r := range rows {
		row := make(map[string]any, len(columns))
		for _, c := range columns {
			v, ok := r[c]
			if !ok {
				return nil, fmt.Errorf("row %d has no column %q", i, c)
			}
			row[c] = v
		}
		out[i] = row
	}
	return []any{out}, nil
}

func filterRows(_ context.Context, args backend.Args) ([]any, error) {
	rows, err := rowsArg(args, "t")
	if err != nil {
		return nil, err
	}
	column, err := textArg(args, "column")
	if err != nil {
		return nil, err
	}
	lo, hasLo, err := numberArg(args, "min")
	if err != nil {
		return nil, err
	}
	hi, hasHi, err := numberArg(args, "max")
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(rows))
	for i, r := range rows {
		f, err := formats.ToFloat(r[column])
		if err != nil {
			return nil, fmt.Errorf("row %d: column %q: %w", i, column, err)
		}
		if (hasLo && f < lo) || (hasHi && f > hi) {
			continue
		}
		out = append(out, r)
	}
	return []any{out}, nil
}

func sortRows(_ context.Context, args backend.Args) ([]any, error) {
	rows, err := rowsArg(args, "t")
	if err != nil {
		return nil, err
	}
	by, err := textArg(args, "by")
	if err != nil {
		return nil, err
	}
	desc, _ := args.Named["descending"].(bool)

	out := append([]map[string]any(nil), rows...)
	sort.SliceStable(out, func(i, j int) bool {
		if desc {
			return less(out[j][by], out[i][by])
		}
		return less(out[i][by], out[j][by])
	})
	return []any{out}, nil
}

// less orders numbers numerically and everything else by its text form.
// Numbers sort before text.
func less(a, b any) bool {
	fa, errA := formats.ToFloat(a)
	fb, errB := formats.ToFloat(b)
	switch {
	case errA == nil && errB == nil:
		return fa < fb
	case errA == nil:
		return true
	case errB == nil:
		return false
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}

func describe(_ context.Context, args backend.Args) ([]any, error) {
	v, _ := args.Get("t")
	c, err := formats.AsColumnar(v)
	if err != nil {
		return nil, fmt.Errorf("t: %w", err)
	}

	summary := make([]map[string]any, 0, len(c.Fields))
	for _, field := range c.Fields {
		var (
			n, sum float64
			lo     = math.Inf(1)
			hi     = math.Inf(-1)
		)
		numeric := true
		for _, cell := range c.Columns[field] {
			if cell == nil {
				continue
			}
			f, err := formats.ToFloat(cell)
			if err != nil {
				numeric = false
				break
			}
			n++
			sum += f
			lo = math.Min(lo, f)
			hi = math.Max(hi, f)
		}
		if !numeric || n == 0 {
			continue
		}
		summary = append(summary, map[string]any{
			"field": field,
			"count": n,
			"mean":  sum / n,
			"min":   lo,
			"max":   hi,
		})
	}
	return []any{summary}, nil
}
