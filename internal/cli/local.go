package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/me/weft/internal/app"
	"github.com/me/weft/internal/config"
	"github.com/me/weft/internal/parser"
	"github.com/me/weft/pkg/model"
)

// engineFlags are the engine settings a local command can override on top
// of the config file and WEFT_* environment.
type engineFlags struct {
	workers  int
	failFast bool
	maxDepth int
	analyses string
}

func (f *engineFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&f.workers, "workers", "w", 0, "Concurrent tasks (default: config or number of CPUs)")
	cmd.Flags().BoolVar(&f.failFast, "fail-fast", false, "Stop scheduling new nodes after the first failure")
	cmd.Flags().IntVar(&f.maxDepth, "max-depth", 0, "Nested workflow depth limit")
	cmd.Flags().StringVar(&f.analyses, "analyses", "", "Directory of analysis definitions to load")
}

// config returns the engine configuration with flags the user set applied.
func (f *engineFlags) config(cmd *cobra.Command) (config.EngineConfig, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return config.EngineConfig{}, err
	}
	ec := cfg.Engine
	flags := cmd.Flags()
	if flags.Changed("workers") {
		ec.Workers = f.workers
	}
	if flags.Changed("fail-fast") {
		ec.FailFast = f.failFast
	}
	if flags.Changed("max-depth") {
		ec.MaxDepth = f.maxDepth
	}
	if flags.Changed("analyses") {
		ec.AnalysesDir = f.analyses
	}
	if ec.Workers < 1 {
		return ec, fmt.Errorf("workers must be at least 1, got %d", ec.Workers)
	}
	return ec, nil
}

func (f *engineFlags) newApp(cmd *cobra.Command, opts ...app.Option) (*app.App, error) {
	ec, err := f.config(cmd)
	if err != nil {
		return nil, err
	}
	return app.New(cmd.Context(), ec, logger, opts...)
}

// workflowInput is a workflow file plus the bindings layered on top of it.
type workflowInput struct {
	inputsFile string
	sets       []string
}

func (w *workflowInput) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&w.inputsFile, "inputs", "i", "", "Input bindings file mapping node/port to values (YAML/JSON)")
	cmd.Flags().StringArrayVar(&w.sets, "set", nil, "Bind one input as node/port=value (repeatable, value parsed as YAML)")
}

// load parses the workflow at path and applies the inputs file and then
// each --set binding.
func (w *workflowInput) load(p *parser.Parser, path string) (*model.WorkflowSpec, error) {
	spec, err := p.ParseWorkflowFile(path)
	if err != nil {
		return nil, err
	}
	if w.inputsFile != "" {
		data, err := os.ReadFile(w.inputsFile)
		if err != nil {
			return nil, fmt.Errorf("read inputs: %w", err)
		}
		bindings, err := p.ParseBindings(data)
		if err != nil {
			return nil, fmt.Errorf("parse inputs %s: %w", w.inputsFile, err)
		}
		if err := parser.ApplyBindings(spec, bindings); err != nil {
			return nil, err
		}
		logger.Debug("applied inputs", "file", w.inputsFile, "count", len(bindings))
	}
	sets, err := parseSets(w.sets)
	if err != nil {
		return nil, err
	}
	if err := parser.ApplyBindings(spec, sets); err != nil {
		return nil, err
	}
	return spec, nil
}

// parseSets parses node/port=value pairs. Values are YAML, so "3" binds a
// number and "{format: csv, location: data.csv}" a structured literal.
func parseSets(sets []string) (map[string]model.Literal, error) {
	out := make(map[string]model.Literal, len(sets))
	for _, s := range sets {
		key, val, ok := strings.Cut(s, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --set %q (want node/port=value)", s)
		}
		if _, _, err := model.ParseEndpoint(key); err != nil {
			return nil, fmt.Errorf("invalid --set %q: %w", s, err)
		}
		var lit model.Literal
		if err := yaml.Unmarshal([]byte(val), &lit); err != nil {
			return nil, fmt.Errorf("invalid --set %q: %w", s, err)
		}
		out[key] = lit
	}
	return out, nil
}

// printDetails writes the field details of an API error, one per line.
func printDetails(w io.Writer, err error) {
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		return
	}
	for _, d := range apiErr.Details {
		field := d.Field
		if d.Path != "" {
			field = d.Path
		}
		if field != "" {
			fmt.Fprintf(w, "  %s: %s\n", field, d.Message)
		} else {
			fmt.Fprintf(w, "  %s\n", d.Message)
		}
	}
}
