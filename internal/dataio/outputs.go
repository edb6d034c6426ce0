package dataio

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/me/weft/internal/registry"
	"github.com/me/weft/pkg/model"
)

// Pushed records one output written by PushOutputs.
type Pushed struct {
	Node     string `json:"node"`
	Port     string `json:"port"`
	Format   string `json:"format"`
	Location string `json:"location"`
	Bytes    int    `json:"bytes"`
}

// PushOutputs encodes every output of every succeeded node with its format's
// codec and pushes it to dest/<node>.<port><ext>. dest is a directory path or
// a file://, http(s):// or s3:// prefix. Outputs whose format has no codec
// are skipped.
func (s *Store) PushOutputs(ctx context.Context, reg *registry.Registry, res *model.RunResult, dest string) ([]Pushed, error) {
	dest = strings.TrimSuffix(dest, "/")
	var pushed []Pushed
	for _, id := range res.NodeIDs() {
		nr := res.Nodes[id]
		if nr.State != model.NodeStateSucceeded {
			continue
		}
		ports := make([]string, 0, len(nr.Outputs))
		for p := range nr.Outputs {
			ports = append(ports, p)
		}
		sort.Strings(ports)

		for _, port := range ports {
			v := nr.Outputs[port]
			f, ok := reg.Format(v.Ref())
			if !ok || f.Codec == nil {
				s.logger.Debug("output has no file representation", "node", id, "port", port, "format", v.Ref())
				continue
			}
			b, err := f.Codec.Encode(v.Data)
			if err != nil {
				return pushed, fmt.Errorf("encode %s/%s: %w", id, port, err)
			}
			loc := dest + "/" + id + "." + port + f.Codec.Ext
			if err := s.Push(ctx, loc, b); err != nil {
				return pushed, err
			}
			pushed = append(pushed, Pushed{Node: id, Port: port, Format: v.Ref().String(), Location: loc, Bytes: len(b)})
		}
	}
	return pushed, nil
}
