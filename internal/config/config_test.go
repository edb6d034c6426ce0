package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weft.yaml")
	doc := `
server:
  addr: ":9090"
  cors_origins: [https://example.org]
engine:
  workers: 2
  fail_fast: true
  http_timeout: 30s
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9090" || cfg.Server.LogLevel != "info" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if !reflect.DeepEqual(cfg.Server.CORSOrigins, []string{"https://example.org"}) {
		t.Errorf("cors = %v", cfg.Server.CORSOrigins)
	}
	if cfg.Engine.Workers != 2 || !cfg.Engine.FailFast || cfg.Engine.MaxDepth != 8 || cfg.Engine.HTTPTimeout != 30*time.Second {
		t.Errorf("engine = %+v", cfg.Engine)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load of a missing file succeeded")
	}
	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("server: [\n"), 0o644)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Errorf("err = %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"WEFT_ADDR":              "127.0.0.1:1",
		"WEFT_CORS_ORIGINS":      "a, b,,",
		"WEFT_WORKERS":           "3",
		"WEFT_FAIL_FAST":         "true",
		"WEFT_CONTAINER_RUNTIME": "apptainer",
		"WEFT_HTTP_TIMEOUT":      "1m",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg := Default()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:1" || !reflect.DeepEqual(cfg.Server.CORSOrigins, []string{"a", "b"}) {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Engine.Workers != 3 || !cfg.Engine.FailFast || cfg.Engine.ContainerRuntime != "apptainer" || cfg.Engine.HTTPTimeout != time.Minute {
		t.Errorf("engine = %+v", cfg.Engine)
	}

	for _, key := range []string{"WEFT_WORKERS", "WEFT_FAIL_FAST", "WEFT_HTTP_TIMEOUT"} {
		bad := map[string]string{key: "lots"}
		cfg := Default()
		err := cfg.ApplyEnv(func(k string) (string, bool) { v, ok := bad[k]; return v, ok })
		if err == nil || !strings.Contains(err.Error(), key) {
			t.Errorf("%s: err = %v", key, err)
		}
	}
}
