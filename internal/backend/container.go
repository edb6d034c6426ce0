package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/me/weft/internal/formats"
	"github.com/me/weft/internal/registry"
	"github.com/me/weft/pkg/model"
	"github.com/tidwall/gjson"
)

const (
	containerWorkDir = "/work"
	containerOutDir  = containerWorkDir + "/outputs"
)

var tokenRe = regexp.MustCompile(`\$\((inputs\.[A-Za-z0-9_.\-]+|outdir)\)`)

// ContainerExecutor runs container analyses. Each invocation gets a private
// directory with inputs/ and outputs/ subdirectories, mounted at /work and
// removed when the invocation ends however it ends.
type ContainerExecutor struct {
	reg            *registry.Registry
	workDir        string
	runners        map[string]ContainerRunner
	defaultRuntime string
	logger         *slog.Logger
}

// NewContainerExecutor creates a ContainerExecutor rooted at workDir. If
// workDir is empty, os.TempDir() is used. The first runner is the default
// unless defaultRuntime names another.
func NewContainerExecutor(reg *registry.Registry, workDir, defaultRuntime string, logger *slog.Logger, runners ...ContainerRunner) *ContainerExecutor {
	if workDir == "" {
		workDir = os.TempDir()
	}
	e := &ContainerExecutor{
		reg:            reg,
		workDir:        workDir,
		runners:        make(map[string]ContainerRunner, len(runners)),
		defaultRuntime: defaultRuntime,
		logger:         logger.With("component", "container-executor"),
	}
	for _, r := range runners {
		e.runners[r.Runtime()] = r
		if e.defaultRuntime == "" {
			e.defaultRuntime = r.Runtime()
		}
	}
	return e
}

// Mode returns model.ModeContainer.
func (e *ContainerExecutor) Mode() model.Mode {
	return model.ModeContainer
}

// Execute stages inputs, runs the container and collects outputs.
func (e *ContainerExecutor) Execute(ctx context.Context, inv *Invocation) (map[string]any, error) {
	a := inv.Analysis
	c := a.Container
	if c == nil {
		return nil, fmt.Errorf("analysis %q has no container payload", a.ID)
	}
	runtime := c.Runtime
	if runtime == "" {
		runtime = e.defaultRuntime
	}
	runner, ok := e.runners[runtime]
	if !ok {
		return nil, fmt.Errorf("no container runtime %q", runtime)
	}

	if err := os.MkdirAll(e.workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	dir, err := os.MkdirTemp(e.workDir, "weft-"+sanitize(inv.NodeID)+"-")
	if err != nil {
		return nil, fmt.Errorf("create task dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			e.logger.Warn("remove task dir", "dir", dir, "error", err)
		}
	}()
	for _, sub := range []string{"inputs", "outputs"} {
		if err := os.Mkdir(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", sub, err)
		}
	}

	env := make(map[string]string, len(c.Env)+len(a.Inputs))
	for k, v := range c.Env {
		env[k] = v
	}
	values, err := e.stageInputs(dir, a, inv.Inputs, env)
	if err != nil {
		return nil, err
	}
	command, err := substitute(c.Command, values)
	if err != nil {
		return nil, err
	}

	res, err := runner.Run(ctx, ContainerSpec{
		Name:    filepath.Base(dir),
		Image:   c.Image,
		Command: command,
		Env:     env,
		HostDir: dir,
	})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("container %s exited with code %d: %s", c.Image, res.ExitCode, tail(res.Stderr, 512))
	}

	outputs := make(map[string]any, len(a.Outputs))
	for _, p := range a.Outputs {
		v, err := e.collectOutput(dir, p, c.Outputs[p.Name], res)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", p.Name, err)
		}
		outputs[p.Name] = v
	}
	return outputs, nil
}

// stageInputs writes file inputs under inputs/ and returns the substitution
// value of every bound input: the container path for files, the text of
// scalars. Every input is also exported as WEFT_INPUT_<NAME>.
func (e *ContainerExecutor) stageInputs(dir string, a *model.Analysis, inputs map[string]any, env map[string]string) (map[string]string, error) {
	values := make(map[string]string, len(inputs))
	for _, p := range a.Inputs {
		v, ok := inputs[p.Name]
		if !ok {
			continue
		}
		var val string
		if s, ok := scalarText(p, v); ok {
			val = s
		} else {
			codec, err := e.codec(p.Ref())
			if err != nil {
				return nil, fmt.Errorf("input %q: %w", p.Name, err)
			}
			b, err := codec.Encode(v)
			if err != nil {
				return nil, fmt.Errorf("input %q: encode: %w", p.Name, err)
			}
			name := p.Name + codec.Ext
			if err := os.WriteFile(filepath.Join(dir, "inputs", name), b, 0o644); err != nil {
				return nil, fmt.Errorf("input %q: %w", p.Name, err)
			}
			val = containerWorkDir + "/inputs/" + name
		}
		values[p.Name] = val
		env["WEFT_INPUT_"+strings.ToUpper(sanitize(p.Name))] = val
	}
	env["WEFT_OUTDIR"] = containerOutDir
	return values, nil
}

func (e *ContainerExecutor) collectOutput(dir string, p model.Port, spec model.ContainerOutput, res *ContainerResult) (any, error) {
	codec, err := e.codec(p.Ref())
	if err != nil {
		return nil, err
	}

	var content []byte
	switch spec.Stream {
	case "stdout":
		content = []byte(res.Stdout)
	case "stderr":
		content = []byte(res.Stderr)
	default:
		name := spec.Path
		if name == "" {
			name = p.Name + codec.Ext
		}
		outDir := filepath.Join(dir, "outputs")
		path := filepath.Join(outDir, filepath.Clean("/"+name))
		content, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
	}

	if spec.Select != "" {
		r := gjson.GetBytes(content, spec.Select)
		if !r.Exists() {
			return nil, fmt.Errorf("select %q matched nothing", spec.Select)
		}
		if r.Type == gjson.String {
			content = []byte(r.Str)
		} else {
			content = []byte(r.Raw)
		}
	}
	return codec.Decode(content)
}

func (e *ContainerExecutor) codec(ref model.FormatRef) (*registry.Codec, error) {
	f, ok := e.reg.Format(ref)
	if !ok {
		return nil, &model.UnknownFormatError{Format: ref}
	}
	if f.Codec == nil {
		return nil, fmt.Errorf("format %s has no file representation", ref)
	}
	return f.Codec, nil
}

// scalarText renders number, string and boolean values in their native
// formats as command-line text.
func scalarText(p model.Port, v any) (string, bool) {
	switch p.Ref() {
	case formats.Ref(formats.TypeString, "text"):
		s, ok := v.(string)
		return s, ok
	case formats.Ref(formats.TypeNumber, "number"), formats.Ref(formats.TypeBoolean, "boolean"):
		return fmt.Sprint(v), true
	}
	return "", false
}

func substitute(command []string, values map[string]string) ([]string, error) {
	out := make([]string, len(command))
	for i, tok := range command {
		var missing string
		out[i] = tokenRe.ReplaceAllStringFunc(tok, func(m string) string {
			ref := m[2 : len(m)-1]
			if ref == "outdir" {
				return containerOutDir
			}
			name := strings.TrimPrefix(ref, "inputs.")
			v, ok := values[name]
			if !ok && missing == "" {
				missing = name
			}
			return v
		})
		if missing != "" {
			return nil, fmt.Errorf("command references unbound input %q", missing)
		}
	}
	return out, nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, s)
}

// tail returns at most the last n bytes of s, starting on a rune boundary.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return "..." + s[i:]
}
