package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/me/weft/internal/formats"
	"github.com/me/weft/internal/graph"
	"github.com/me/weft/internal/registry"
	"github.com/me/weft/pkg/model"
)

// materialize assembles a node's inputs in the formats its ports require:
// edge deliveries arrive already converted, static literals follow their
// planned path, dynamic literals are inferred and converted here, and
// unbound ports with defaults take the default. Every input is a deep copy,
// so the task cannot change another node's outputs or a shared default.
func (r *run) materialize(ctx context.Context, j job) (map[string]any, error) {
	inputs := make(map[string]any, len(j.analysis.Inputs))
	lits := r.plan.Literals[j.node]

	for _, in := range j.analysis.Inputs {
		var data any
		switch {
		case hasValue(j.delivered, in.Name):
			data = j.delivered[in.Name].Data
		case lits[in.Name] != nil:
			v, err := r.literal(ctx, in, lits[in.Name])
			if err != nil {
				return nil, fmt.Errorf("input %q: %w", in.Name, err)
			}
			data = v
		case in.HasDefault():
			data = in.Default
		default:
			continue
		}

		if in.ValidatesAutomatically() {
			if err := r.e.reg.Validate(in.Ref(), data); err != nil {
				return nil, portError(in.Name, err)
			}
		}
		inputs[in.Name] = formats.Clone(data)
	}
	return inputs, nil
}

func hasValue(m map[string]model.Value, k string) bool {
	_, ok := m[k]
	return ok
}

func (r *run) literal(ctx context.Context, in model.Port, pl *graph.PlannedLiteral) (any, error) {
	path := pl.Path
	if pl.Literal.Dynamic() {
		src, err := r.e.reg.InferFormat(in.Type, pl.Literal.Data)
		if err != nil {
			return nil, err
		}
		if !in.ConvertsAutomatically() && src != in.Ref() {
			return nil, &model.NotConvertibleError{Type: in.Type, From: src, To: in.Ref(), Reason: "automatic conversion disabled on port " + in.Name}
		}
		if path, err = r.e.reg.FindPath(src, in.Ref()); err != nil {
			return nil, err
		}
	}
	return r.apply(ctx, path, pl.Literal.Data)
}

// checkOutputs validates produced data against the declared output formats
// and tags each value with its format.
func (r *run) checkOutputs(a *model.Analysis, out map[string]any) (map[string]model.Value, error) {
	values := make(map[string]model.Value, len(a.Outputs))
	for _, p := range a.Outputs {
		data := out[p.Name]
		if p.ValidatesAutomatically() {
			if err := r.e.reg.Validate(p.Ref(), data); err != nil {
				return nil, portError(p.Name, err)
			}
		}
		values[p.Name] = model.Value{Type: p.Type, Format: p.Format, Data: data}
	}
	return values, nil
}

// deliver converts outputs for each downstream edge independently, each into
// its consumer's format. Identity edges deliver the producer's value itself;
// materialize copies it before the consumer runs.
func (r *run) deliver(ctx context.Context, node string, outputs map[string]model.Value) ([]delivery, error) {
	edges := r.plan.Outbound[node]
	out := make([]delivery, 0, len(edges))
	for _, pe := range edges {
		v, ok := outputs[pe.Edge.SrcPort]
		if !ok {
			return nil, fmt.Errorf("edge %s: output not produced", pe.Edge)
		}
		data, err := r.apply(ctx, pe.Path, v.Data)
		if err != nil {
			return nil, fmt.Errorf("edge %s: %w", pe.Edge, err)
		}
		out = append(out, delivery{
			node:  pe.Edge.DstNode,
			port:  pe.Edge.DstPort,
			value: model.Value{Type: pe.To.Type, Format: pe.To.Format, Data: data},
		})
	}
	return out, nil
}

func (r *run) apply(ctx context.Context, path *registry.Path, data any) (any, error) {
	out, err := path.Apply(ctx, data)
	if err != nil {
		return nil, err
	}
	if !path.Identity() {
		r.e.metrics.observeConversion(path.From.Type, path.Hops())
	}
	return out, nil
}

// portError attaches the port name to a validation failure.
func portError(port string, err error) error {
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		named := *ve
		named.Port = port
		return &named
	}
	return fmt.Errorf("port %q: %w", port, err)
}
