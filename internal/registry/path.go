package registry

import (
	"container/heap"
	"context"
	"fmt"
	"strings"

	"github.com/me/weft/pkg/model"
)

// Path is an ordered sequence of converters applied left to right.
// An empty path is the identity conversion.
type Path struct {
	From  model.FormatRef
	To    model.FormatRef
	Steps []*Converter
}

// Cost returns the total cost of the path.
func (p *Path) Cost() float64 {
	var c float64
	for _, s := range p.Steps {
		c += s.Cost
	}
	return c
}

// Hops returns the number of converters in the path.
func (p *Path) Hops() int {
	return len(p.Steps)
}

// Identity reports whether the path performs no conversion.
func (p *Path) Identity() bool {
	return len(p.Steps) == 0
}

// Lossless reports whether every step is documented as lossless.
func (p *Path) Lossless() bool {
	for _, s := range p.Steps {
		if !s.Lossless {
			return false
		}
	}
	return true
}

// Key returns the ordering key used by PathPolicy.
func (p *Path) Key() PathKey {
	k := PathKey{Cost: p.Cost(), Hops: p.Hops(), Seqs: make([]int, len(p.Steps))}
	for i, s := range p.Steps {
		k.Seqs[i] = s.seq
	}
	return k
}

func (p *Path) String() string {
	if p.Identity() {
		return p.From.String() + " (identity)"
	}
	parts := []string{p.From.String()}
	for _, s := range p.Steps {
		parts = append(parts, s.To.Format)
	}
	return strings.Join(parts, " -> ")
}

// Apply runs data through each converter in order.
func (p *Path) Apply(ctx context.Context, data any) (any, error) {
	cur := data
	for _, s := range p.Steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := s.Fn(ctx, cur)
		if err != nil {
			return nil, fmt.Errorf("convert %s -> %s: %w", s.From, s.To.Format, err)
		}
		cur = out
	}
	return cur, nil
}

// PathKey summarizes a candidate path for ordering.
type PathKey struct {
	Cost float64
	Hops int
	Seqs []int // converter registration order along the path
}

// PathPolicy orders two candidate paths: negative if a is preferred, positive
// if b is preferred, zero if equivalent. Policies must be monotone: extending
// two paths by the same converter must not invert their order.
type PathPolicy func(a, b PathKey) int

// DefaultPathPolicy prefers lower total cost, then fewer hops, then the path
// whose converters were registered earliest (compared step by step).
func DefaultPathPolicy(a, b PathKey) int {
	switch {
	case a.Cost < b.Cost:
		return -1
	case a.Cost > b.Cost:
		return 1
	}
	if a.Hops != b.Hops {
		return a.Hops - b.Hops
	}
	return compareSeqs(a.Seqs, b.Seqs)
}

func compareSeqs(a, b []int) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] - b[i]
		}
	}
	return len(a) - len(b)
}

// FindPath returns the preferred conversion path from src to dst.
// Formats of different types are never convertible.
func (r *Registry) FindPath(src, dst model.FormatRef) (*Path, error) {
	if src.Type != dst.Type {
		return nil, &model.NotConvertibleError{Type: src.Type, From: src, To: dst, Reason: "target type is " + dst.Type}
	}
	if _, ok := r.formats[src]; !ok {
		return nil, &model.UnknownFormatError{Format: src}
	}
	if _, ok := r.formats[dst]; !ok {
		return nil, &model.UnknownFormatError{Format: dst}
	}
	if src == dst {
		return &Path{From: src, To: dst}, nil
	}

	best := map[model.FormatRef]*label{src: {node: src}}
	settled := make(map[model.FormatRef]bool)
	pq := &labelQueue{policy: r.policy}
	heap.Push(pq, best[src])

	for pq.Len() > 0 {
		cur := heap.Pop(pq).(*label)
		if settled[cur.node] || best[cur.node] != cur {
			continue
		}
		settled[cur.node] = true
		if cur.node == dst {
			return &Path{From: src, To: dst, Steps: cur.steps}, nil
		}
		for _, c := range r.adjacency[cur.node] {
			if settled[c.To] {
				continue
			}
			next := cur.extend(c)
			if old, ok := best[c.To]; ok && r.policy(next.key(), old.key()) >= 0 {
				continue
			}
			best[c.To] = next
			heap.Push(pq, next)
		}
	}

	return nil, &model.NotConvertibleError{Type: src.Type, From: src, To: dst}
}

// label is a tentative shortest path to node.
type label struct {
	node  model.FormatRef
	steps []*Converter
	cost  float64
}

func (l *label) extend(c *Converter) *label {
	steps := make([]*Converter, len(l.steps)+1)
	copy(steps, l.steps)
	steps[len(l.steps)] = c
	return &label{node: c.To, steps: steps, cost: l.cost + c.Cost}
}

func (l *label) key() PathKey {
	k := PathKey{Cost: l.cost, Hops: len(l.steps), Seqs: make([]int, len(l.steps))}
	for i, s := range l.steps {
		k.Seqs[i] = s.seq
	}
	return k
}

// labelQueue is a min-heap of labels ordered by the registry's policy.
type labelQueue struct {
	items  []*label
	policy PathPolicy
}

func (q *labelQueue) Len() int           { return len(q.items) }
func (q *labelQueue) Less(i, j int) bool { return q.policy(q.items[i].key(), q.items[j].key()) < 0 }
func (q *labelQueue) Swap(i, j int)      { q.items[i], q.items[j] = q.items[j], q.items[i] }
func (q *labelQueue) Push(x any)         { q.items = append(q.items, x.(*label)) }
func (q *labelQueue) Pop() any {
	old := q.items
	n := len(old)
	it := old[n-1]
	q.items = old[:n-1]
	return it
}
