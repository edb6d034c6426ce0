package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/me/weft/internal/app"
	"github.com/me/weft/internal/config"
	"github.com/me/weft/internal/server"
	"github.com/me/weft/internal/store"
	"github.com/me/weft/pkg/model"
)

const addScaleYAML = `id: add-scale
name: Add then scale
nodes:
  add:
    analysis: number.add
    inputs:
      a: 2
      b: 3
  scale:
    analysis: number.scale
    inputs:
      factor: 10
edges:
  - add/sum -> scale/x
`

// startTestServer starts a server with an in-memory SQLite store and returns the URL.
func startTestServer(t *testing.T) string {
	t.Helper()
	srvLogger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := store.NewSQLiteStore(":memory:", srvLogger)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := prometheus.NewRegistry()
	a, err := app.New(context.Background(), config.DefaultEngineConfig(), srvLogger,
		app.WithObserver(store.NewRecorder(st, srvLogger)),
		app.WithMetrics(reg),
		app.WithoutLocalFiles(),
	)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	srv := server.New(config.DefaultServerConfig(), a, st, srvLogger,
		server.WithMetricsRegistry(reg), server.WithPollInterval(10*time.Millisecond))
	t.Cleanup(srv.Shutdown)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

// runCLI executes the root command and returns what it wrote to stdout and
// stderr.
func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := NewRootCmd()

	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func TestRunCommand_JSON(t *testing.T) {
	wf := writeFile(t, t.TempDir(), "wf.yaml", addScaleYAML)

	out, stderr, err := runCLI(t, "run", wf, "--json", "--quiet")
	if err != nil {
		t.Fatalf("run: %v\nstderr: %s", err, stderr)
	}
	var res model.RunResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	if res.Status != model.RunStatusSucceeded {
		t.Fatalf("status = %s, want SUCCEEDED", res.Status)
	}
	if res.WorkflowID != "add-scale" {
		t.Errorf("workflow_id = %q", res.WorkflowID)
	}
	if y := res.Nodes["scale"].Outputs["y"].Data; y != 50.0 {
		t.Errorf("scale/y = %v, want 50", y)
	}
}

func TestRunCommand_Table(t *testing.T) {
	wf := writeFile(t, t.TempDir(), "wf.yaml", addScaleYAML)

	out, stderr, err := runCLI(t, "run", wf)
	if err != nil {
		t.Fatalf("run: %v\nstderr: %s", err, stderr)
	}
	for _, want := range []string{"SUCCEEDED", "NODE", "number.scale", "y=50", "sum=5"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	// Progress goes to stderr, one line per start and finish.
	if got := strings.Count(stderr, "RUNNING"); got != 2 {
		t.Errorf("progress RUNNING lines = %d, want 2\nstderr: %s", got, stderr)
	}
}

func TestRunCommand_Bindings(t *testing.T) {
	dir := t.TempDir()
	wf := writeFile(t, dir, "wf.yaml", addScaleYAML)
	inputs := writeFile(t, dir, "inputs.yaml", "add/a: 10\n")

	out, _, err := runCLI(t, "run", wf, "--json", "-q", "--inputs", inputs, "--set", "scale/factor=2")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var res model.RunResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if y := res.Nodes["scale"].Outputs["y"].Data; y != 26.0 {
		t.Errorf("scale/y = %v, want (10+3)*2 = 26", y)
	}
}

func TestRunCommand_Outdir(t *testing.T) {
	dir := t.TempDir()
	wf := writeFile(t, dir, "wf.yaml", addScaleYAML)
	outDir := filepath.Join(dir, "out")

	_, stderr, err := runCLI(t, "run", wf, "-q", "--outdir", outDir)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(outDir, "scale.y.txt"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(b) != "50" {
		t.Errorf("scale.y.txt = %q, want 50", b)
	}
	if !strings.Contains(stderr, "2 outputs") {
		t.Errorf("stderr = %q, want output summary", stderr)
	}
}

func TestRunCommand_Errors(t *testing.T) {
	dir := t.TempDir()
	unbound := writeFile(t, dir, "unbound.yaml", `id: broken
nodes:
  add:
    analysis: number.add
    inputs:
      a: 1
`)

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"missing file", []string{"run", filepath.Join(dir, "nope.yaml")}, "read workflow"},
		{"unbound input", []string{"run", unbound, "-q"}, "compile"},
		{"bad set", []string{"run", unbound, "--set", "nobinding"}, "want node/port=value"},
		{"unknown node", []string{"run", unbound, "--set", "ghost/x=1"}, "unknown node"},
		{"bad workers", []string{"run", unbound, "--workers", "0"}, "workers must be at least 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := runCLI(t, tt.args...)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateCommand(t *testing.T) {
	wf := writeFile(t, t.TempDir(), "wf.yaml", addScaleYAML)

	out, _, err := runCLI(t, "validate", wf)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	for _, want := range []string{"Add then scale: valid", "1. add", "2. scale", "add/sum -> scale/x", "identity"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestFormatsCommand(t *testing.T) {
	out, _, err := runCLI(t, "formats", "--type", "table")
	if err != nil {
		t.Fatalf("formats: %v", err)
	}
	if !strings.Contains(out, "csv") || !strings.Contains(out, "CONVERTER") {
		t.Errorf("output = %s", out)
	}
	if strings.Contains(out, "geojson") {
		t.Errorf("--type table should hide other types:\n%s", out)
	}

	if _, _, err := runCLI(t, "formats", "--type", "nosuch"); err == nil {
		t.Error("expected error for unknown type")
	}

	out, _, err = runCLI(t, "formats", "path", "table/csv", "table/columnar")
	if err != nil {
		t.Fatalf("formats path: %v", err)
	}
	if !strings.Contains(out, "Hops: 2") || !strings.Contains(out, "Lossless: false") {
		t.Errorf("path output = %s", out)
	}

	if _, _, err := runCLI(t, "formats", "path", "table/csv", "image/png"); err == nil {
		t.Error("expected error across types")
	}
}

func TestAnalysesCommand(t *testing.T) {
	out, _, err := runCLI(t, "analyses")
	if err != nil {
		t.Fatalf("analyses: %v", err)
	}
	for _, want := range []string{"number.add", "table.zscore", "text.wordcount"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}

	out, _, err = runCLI(t, "analyses", "--mode", "interpreter")
	if err != nil {
		t.Fatalf("analyses --mode: %v", err)
	}
	if !strings.Contains(out, "table.zscore") || strings.Contains(out, "number.add") {
		t.Errorf("mode filter output = %s", out)
	}

	out, _, err = runCLI(t, "analyses", "number.scale")
	if err != nil {
		t.Fatalf("analyses number.scale: %v", err)
	}
	if !strings.Contains(out, "default 1") || !strings.Contains(out, "number/number") {
		t.Errorf("describe output = %s", out)
	}

	if _, _, err := runCLI(t, "analyses", "no.such"); err == nil {
		t.Error("expected error for unknown analysis")
	}
	if _, _, err := runCLI(t, "analyses", "--mode", "quantum"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestAnalysesCommand_Dir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "double.yaml", `id: custom.double
mode: interpreter
inputs:
  - {name: x, type: number, format: number}
outputs:
  - {name: y, type: number, format: number}
script:
  language: lua
  script: "y = x * 2"
`)
	out, _, err := runCLI(t, "analyses", "--analyses", dir)
	if err != nil {
		t.Fatalf("analyses: %v", err)
	}
	if !strings.Contains(out, "custom.double") {
		t.Errorf("output missing loaded analysis:\n%s", out)
	}
}

// submitWait submits the add-scale workflow and waits for it, returning the
// run id.
func submitWait(t *testing.T, url string) string {
	t.Helper()
	wf := writeFile(t, t.TempDir(), "wf.yaml", addScaleYAML)
	out, stderr, err := runCLI(t, "--server", url, "submit", wf, "--wait")
	if err != nil {
		t.Fatalf("submit: %v\nstderr: %s", err, stderr)
	}
	// First line: "Run <id>: SUCCEEDED in <duration>"
	fields := strings.Fields(out)
	if len(fields) < 3 || fields[0] != "Run" || fields[2] != "SUCCEEDED" {
		t.Fatalf("unexpected submit output:\n%s", out)
	}
	return strings.TrimSuffix(fields[1], ":")
}

func TestSubmitCommand(t *testing.T) {
	url := startTestServer(t)
	wf := writeFile(t, t.TempDir(), "wf.yaml", addScaleYAML)

	out, _, err := runCLI(t, "--server", url, "submit", wf)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.Contains(out, "Run submitted: ") || !strings.Contains(out, "2 nodes") {
		t.Errorf("output = %s", out)
	}

	out, _, err = runCLI(t, "--server", url, "submit", wf, "--dry-run")
	if err != nil {
		t.Fatalf("submit --dry-run: %v", err)
	}
	for _, want := range []string{"Dry-run: add-scale", "Workflow: valid", "No run created"} {
		if !strings.Contains(out, want) {
			t.Errorf("dry-run output missing %q:\n%s", want, out)
		}
	}
}

func TestSubmitCommand_Invalid(t *testing.T) {
	url := startTestServer(t)
	wf := writeFile(t, t.TempDir(), "wf.yaml", `id: broken
nodes:
  add:
    analysis: number.add
`)
	_, stderr, err := runCLI(t, "--server", url, "submit", wf)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "VALIDATION_ERROR") {
		t.Errorf("error = %v", err)
	}
	if !strings.Contains(stderr, "Error:") {
		t.Errorf("stderr = %q, want the error printed", stderr)
	}
}

func TestStatusListEvents(t *testing.T) {
	url := startTestServer(t)
	id := submitWait(t, url)

	out, _, err := runCLI(t, "--server", url, "status", id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{id, "SUCCEEDED", "2 total, 2 succeeded", "Completed:"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}

	out, _, err = runCLI(t, "--server", url, "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, id) || !strings.Contains(out, "2/2") {
		t.Errorf("list output = %s", out)
	}

	out, _, err = runCLI(t, "--server", url, "list", "--status", "FAILED")
	if err != nil {
		t.Fatalf("list --status: %v", err)
	}
	if !strings.Contains(out, "No runs found.") {
		t.Errorf("filtered list output = %s", out)
	}

	out, _, err = runCLI(t, "--server", url, "events", id)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	// Each of the two nodes goes PENDING -> READY -> RUNNING -> SUCCEEDED.
	if got := strings.Count(out, "SUCCEEDED"); got != 2 {
		t.Errorf("SUCCEEDED rows = %d, want 2:\n%s", got, out)
	}

	out, _, err = runCLI(t, "--server", url, "logs", id, "--follow")
	if err != nil {
		t.Fatalf("events --follow: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if last := lines[len(lines)-1]; last != "Run "+id+": SUCCEEDED" {
		t.Errorf("last line = %q", last)
	}
	if !strings.Contains(out, "RUNNING -> SUCCEEDED") {
		t.Errorf("follow output = %s", out)
	}
}

func TestCancelCommand(t *testing.T) {
	url := startTestServer(t)
	id := submitWait(t, url)

	_, _, err := runCLI(t, "--server", url, "cancel", id)
	if err == nil || !strings.Contains(err.Error(), "CONFLICT") {
		t.Errorf("cancel finished run: err = %v, want CONFLICT", err)
	}

	out, _, err := runCLI(t, "--server", url, "cancel", id, "--delete")
	if err != nil {
		t.Fatalf("cancel --delete: %v", err)
	}
	if !strings.Contains(out, "deleted") {
		t.Errorf("output = %s", out)
	}

	_, _, err = runCLI(t, "--server", url, "status", id)
	if err == nil || !strings.Contains(err.Error(), "NOT_FOUND") {
		t.Errorf("status after delete: err = %v, want NOT_FOUND", err)
	}
}

func TestReadSSE(t *testing.T) {
	stream := ": heartbeat\n\n" +
		"event: init\ndata: {\"a\":1}\n\n" +
		"event: transition\ndata: line1\ndata: line2\n\n" +
		"event: complete\ndata: {}\n\n" +
		"event: never\ndata: x\n\n"

	var got []string
	err := readSSE(strings.NewReader(stream), func(event string, data []byte) (bool, error) {
		got = append(got, event+"="+string(data))
		return event == "complete", nil
	})
	if err != nil {
		t.Fatalf("readSSE: %v", err)
	}
	want := []string{`init={"a":1}`, "transition=line1\nline2", "complete={}"}
	if len(got) != len(want) {
		t.Fatalf("events = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestParseSets(t *testing.T) {
	got, err := parseSets([]string{
		"a/x=3",
		"a/name=hello world",
		"b/t={format: csv, data: \"x\\n1\\n\"}",
	})
	if err != nil {
		t.Fatalf("parseSets: %v", err)
	}
	if got["a/x"].Data != 3 {
		t.Errorf("a/x = %#v, want int 3", got["a/x"].Data)
	}
	if got["a/name"].Data != "hello world" {
		t.Errorf("a/name = %#v", got["a/name"].Data)
	}
	if lit := got["b/t"]; lit.Format != "csv" || lit.Data != "x\n1\n" {
		t.Errorf("b/t = %+v", lit)
	}

	for _, bad := range []string{"novalue", "noport=1", "a/x=[unclosed"} {
		if _, err := parseSets([]string{bad}); err == nil {
			t.Errorf("parseSets(%q): expected error", bad)
		}
	}
}
