// Package registry holds the catalogue of abstract types, their concrete
// formats and the converters between formats, and computes conversion paths.
//
// A Registry is populated during a bootstrap phase and then frozen. After
// Freeze it is read-only and may be shared by concurrent runs without locking.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/me/weft/pkg/model"
)

// ErrFrozen is returned by registration calls after Freeze.
var ErrFrozen = errors.New("registry is frozen")

// ConvertFunc transforms data from one format into another. Converters must be
// free of side effects so multi-hop paths compose predictably.
type ConvertFunc func(ctx context.Context, data any) (any, error)

// ValidateFunc reports whether data is a valid instance of a format.
type ValidateFunc func(data any) error

// Codec encodes a format to and from bytes, for formats that have a natural
// on-disk representation.
type Codec struct {
	Ext       string // file extension including the dot, e.g. ".csv"
	MediaType string
	Encode    func(data any) ([]byte, error)
	Decode    func(b []byte) (any, error)
}

// Type is an abstract semantic category such as "table" or "image".
type Type struct {
	Name        string
	Description string
}

// Format is one concrete representation of a Type.
type Format struct {
	Ref         model.FormatRef
	Description string
	Validator   ValidateFunc
	Codec       *Codec

	seq int
}

// Converter is a directed, weighted transformation between two formats of the same type.
type Converter struct {
	From     model.FormatRef
	To       model.FormatRef
	Cost     float64
	Lossless bool
	Fn       ConvertFunc

	seq int
}

// Seq returns the registration order of the converter.
func (c *Converter) Seq() int {
	return c.seq
}

func (c *Converter) String() string {
	return fmt.Sprintf("%s -> %s (cost %g)", c.From.Format, c.To.Format, c.Cost)
}

// FormatOption configures a Format at registration time.
type FormatOption func(*Format)

// WithDescription sets the format's description.
func WithDescription(d string) FormatOption {
	return func(f *Format) { f.Description = d }
}

// WithValidator attaches a validator to the format.
func WithValidator(v ValidateFunc) FormatOption {
	return func(f *Format) { f.Validator = v }
}

// WithCodec attaches a byte codec to the format.
func WithCodec(c *Codec) FormatOption {
	return func(f *Format) { f.Codec = c }
}

// Option configures a Registry.
type Option func(*Registry)

// WithPathPolicy replaces the default path ordering policy.
func WithPathPolicy(p PathPolicy) Option {
	return func(r *Registry) { r.policy = p }
}

// WithLogger sets the registry's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l.With("component", "registry") }
}

// Registry is the process-wide type/format/converter catalogue.
// Registration is additive only and must happen before Freeze, from a single goroutine.
type Registry struct {
	types      map[string]*Type
	typeOrder  []string
	formats    map[model.FormatRef]*Format
	byType     map[string][]*Format
	adjacency  map[model.FormatRef][]*Converter
	converters []*Converter
	policy     PathPolicy
	logger     *slog.Logger
	frozen     bool
	seq        int
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		types:     make(map[string]*Type),
		formats:   make(map[model.FormatRef]*Format),
		byType:    make(map[string][]*Format),
		adjacency: make(map[model.FormatRef][]*Converter),
		policy:    DefaultPathPolicy,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.frozen = true
	r.logger.Debug("registry frozen",
		"types", len(r.types), "formats", len(r.formats), "converters", len(r.converters))
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	return r.frozen
}

// RegisterType adds an abstract type. Registering an existing type is a no-op
// unless it would change the description.
func (r *Registry) RegisterType(name, description string) error {
	if r.frozen {
		return ErrFrozen
	}
	if name == "" {
		return errors.New("type name is empty")
	}
	if t, ok := r.types[name]; ok {
		if description != "" && t.Description != "" && t.Description != description {
			return fmt.Errorf("type %q already registered", name)
		}
		if t.Description == "" {
			t.Description = description
		}
		return nil
	}
	r.types[name] = &Type{Name: name, Description: description}
	r.typeOrder = append(r.typeOrder, name)
	return nil
}

// RegisterFormat adds a concrete format for ref.Type, registering the type if needed.
func (r *Registry) RegisterFormat(ref model.FormatRef, opts ...FormatOption) error {
	if r.frozen {
		return ErrFrozen
	}
	if ref.Type == "" || ref.Format == "" {
		return fmt.Errorf("invalid format %s", ref)
	}
	if _, ok := r.formats[ref]; ok {
		return fmt.Errorf("format %s already registered", ref)
	}
	if err := r.RegisterType(ref.Type, ""); err != nil {
		return err
	}
	f := &Format{Ref: ref, seq: r.nextSeq()}
	for _, opt := range opts {
		opt(f)
	}
	r.formats[ref] = f
	r.byType[ref.Type] = append(r.byType[ref.Type], f)
	r.logger.Debug("format registered", "format", ref.String())
	return nil
}

// RegisterConverter adds a converter. Both formats must be registered and
// belong to the same type; cost must be finite and non-negative.
func (r *Registry) RegisterConverter(c Converter) error {
	if r.frozen {
		return ErrFrozen
	}
	if _, ok := r.formats[c.From]; !ok {
		return &model.UnknownFormatError{Format: c.From}
	}
	if _, ok := r.formats[c.To]; !ok {
		return &model.UnknownFormatError{Format: c.To}
	}
	if c.From.Type != c.To.Type {
		return &model.TypeMismatchError{FromType: c.From.Type, ToType: c.To.Type}
	}
	if c.From == c.To {
		return fmt.Errorf("converter %s -> %s: source and target are identical", c.From, c.To)
	}
	if c.Cost < 0 || math.IsNaN(c.Cost) || math.IsInf(c.Cost, 0) {
		return fmt.Errorf("converter %s -> %s: invalid cost %v", c.From, c.To, c.Cost)
	}
	if c.Fn == nil {
		return fmt.Errorf("converter %s -> %s: nil function", c.From, c.To)
	}
	conv := c
	conv.seq = r.nextSeq()
	r.converters = append(r.converters, &conv)
	r.adjacency[conv.From] = append(r.adjacency[conv.From], &conv)
	r.logger.Debug("converter registered", "from", conv.From.String(), "to", conv.To.Format, "cost", conv.Cost)
	return nil
}

func (r *Registry) nextSeq() int {
	r.seq++
	return r.seq
}

// HasType reports whether the type is registered.
func (r *Registry) HasType(name string) bool {
	_, ok := r.types[name]
	return ok
}

// Format returns the registered format.
func (r *Registry) Format(ref model.FormatRef) (*Format, bool) {
	f, ok := r.formats[ref]
	return f, ok
}

// Types returns all registered types in registration order.
func (r *Registry) Types() []Type {
	out := make([]Type, 0, len(r.typeOrder))
	for _, name := range r.typeOrder {
		out = append(out, *r.types[name])
	}
	return out
}

// Formats returns the formats of a type in registration order.
func (r *Registry) Formats(typeName string) []*Format {
	fs := r.byType[typeName]
	out := make([]*Format, len(fs))
	copy(out, fs)
	return out
}

// Converters returns all converters in registration order.
func (r *Registry) Converters() []*Converter {
	out := make([]*Converter, len(r.converters))
	copy(out, r.converters)
	return out
}

// Validate checks data against the format's validator. Formats without a
// validator accept any value.
func (r *Registry) Validate(ref model.FormatRef, data any) error {
	f, ok := r.formats[ref]
	if !ok {
		return &model.UnknownFormatError{Format: ref}
	}
	if f.Validator == nil {
		return nil
	}
	if err := f.Validator(data); err != nil {
		return &model.ValidationError{GoType: fmt.Sprintf("%T", data), Format: ref, Err: err}
	}
	return nil
}

// InferFormat picks the first registered format of typeName whose validator
// accepts data. Formats without a validator are never inferred.
func (r *Registry) InferFormat(typeName string, data any) (model.FormatRef, error) {
	if !r.HasType(typeName) {
		return model.FormatRef{}, &model.UnknownFormatError{Format: model.FormatRef{Type: typeName}}
	}
	fs := r.byType[typeName]
	sorted := make([]*Format, len(fs))
	copy(sorted, fs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].seq < sorted[j].seq })
	for _, f := range sorted {
		if f.Validator != nil && f.Validator(data) == nil {
			return f.Ref, nil
		}
	}
	return model.FormatRef{}, &model.ValidationError{
		GoType: fmt.Sprintf("%T", data),
		Format: model.FormatRef{Type: typeName, Format: "*"},
		Err:    errors.New("no registered format accepts the value"),
	}
}

// Convert converts v into dst, finding the path on the fly.
func (r *Registry) Convert(ctx context.Context, v model.Value, dst model.FormatRef) (model.Value, error) {
	p, err := r.FindPath(v.Ref(), dst)
	if err != nil {
		return model.Value{}, err
	}
	data, err := p.Apply(ctx, v.Data)
	if err != nil {
		return model.Value{}, err
	}
	return model.Value{Type: dst.Type, Format: dst.Format, Data: data}, nil
}
