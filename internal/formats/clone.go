package formats

import "image"

// Clone returns a deep copy of the mutable containers in v: maps, slices,
// columnar tables, byte slices and RGBA/NRGBA rasters. Scalars and other
// values are returned as is. Each task works on a clone of its inputs so it
// cannot change data recorded for, or delivered to, another node.
func Clone(v any) any {
	switch x := v.(type) {
	case map[string]any:
		if x == nil {
			return x
		}
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = Clone(e)
		}
		return out
	case []any:
		if x == nil {
			return x
		}
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = Clone(e)
		}
		return out
	case []map[string]any:
		if x == nil {
			return x
		}
		out := make([]map[string]any, len(x))
		for i, r := range x {
			out[i], _ = Clone(r).(map[string]any)
		}
		return out
	case []string:
		return copySlice(x)
	case []float64:
		return copySlice(x)
	case []byte:
		return copySlice(x)
	case *Columnar:
		if x == nil {
			return x
		}
		c := &Columnar{
			Fields:  copySlice(x.Fields),
			Columns: make(map[string][]any, len(x.Columns)),
		}
		for f, col := range x.Columns {
			c.Columns[f], _ = Clone(col).([]any)
		}
		if x.Absent != nil {
			c.Absent = make(map[string][]int, len(x.Absent))
			for f, idx := range x.Absent {
				c.Absent[f] = copySlice(idx)
			}
		}
		return c
	case *image.RGBA:
		if x == nil {
			return x
		}
		c := *x
		c.Pix = copySlice(x.Pix)
		return &c
	case *image.NRGBA:
		if x == nil {
			return x
		}
		c := *x
		c.Pix = copySlice(x.Pix)
		return &c
	}
	return v
}

func copySlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	return append(make([]T, 0, len(s)), s...)
}
