// Package config holds server and engine settings. Values come from built-in
// defaults, an optional YAML file, WEFT_* environment variables and finally
// command-line flags, each layer overriding the previous one.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds configuration for the Weft server.
type ServerConfig struct {
	Addr        string   `yaml:"addr"`         // Listen address (default ":8080")
	LogLevel    string   `yaml:"log_level"`    // Log level: debug, info, warn, error
	LogFormat   string   `yaml:"log_format"`   // Log format: text, json
	DBPath      string   `yaml:"db_path"`      // SQLite database path (default ~/.weft/weft.db, ":memory:" for testing)
	CORSOrigins []string `yaml:"cors_origins"` // Allowed CORS origins (default "*")
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:        ":8080",
		LogLevel:    "info",
		LogFormat:   "text",
		CORSOrigins: []string{"*"},
	}
}

// EngineConfig holds execution settings shared by the CLI and the server.
type EngineConfig struct {
	Workers  int  `yaml:"workers"`   // Concurrent tasks (default NumCPU)
	FailFast bool `yaml:"fail_fast"` // Stop scheduling after the first failure
	MaxDepth int  `yaml:"max_depth"` // Nested workflow depth limit (default 8)

	WorkDir          string `yaml:"work_dir"`          // Container task scratch space (default os.TempDir)
	ContainerRuntime string `yaml:"container_runtime"` // docker or apptainer (default docker)
	AnalysesDir      string `yaml:"analyses_dir"`      // Directory of analysis definitions to load

	S3Region     string        `yaml:"s3_region"`      // Enables s3:// locations when set
	HTTPTimeout  time.Duration `yaml:"http_timeout"`   // Per-request timeout for http(s):// locations
	HTTPRetries  int           `yaml:"http_retries"`   // Attempts for http(s):// locations
	MaxLiteralMB int           `yaml:"max_literal_mb"` // Size bound for fetched literals, 0 for none
}

// DefaultEngineConfig returns sensible defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Workers:          runtime.NumCPU(),
		MaxDepth:         8,
		ContainerRuntime: "docker",
		HTTPTimeout:      5 * time.Minute,
		HTTPRetries:      3,
	}
}

// Config is the file layout: a server section and an engine section.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Engine EngineConfig `yaml:"engine"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{Server: DefaultServerConfig(), Engine: DefaultEngineConfig()}
}

// Load returns the defaults overlaid with the YAML file at path (skipped when
// path is empty) and then with the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from WEFT_* variables found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("WEFT_ADDR", &c.Server.Addr)
	str("WEFT_LOG_LEVEL", &c.Server.LogLevel)
	str("WEFT_LOG_FORMAT", &c.Server.LogFormat)
	str("WEFT_DB_PATH", &c.Server.DBPath)
	if v, ok := lookup("WEFT_CORS_ORIGINS"); ok {
		c.Server.CORSOrigins = splitList(v)
	}

	str("WEFT_WORK_DIR", &c.Engine.WorkDir)
	str("WEFT_CONTAINER_RUNTIME", &c.Engine.ContainerRuntime)
	str("WEFT_ANALYSES_DIR", &c.Engine.AnalysesDir)
	str("WEFT_S3_REGION", &c.Engine.S3Region)
	for key, dst := range map[string]*int{
		"WEFT_WORKERS":        &c.Engine.Workers,
		"WEFT_MAX_DEPTH":      &c.Engine.MaxDepth,
		"WEFT_HTTP_RETRIES":   &c.Engine.HTTPRetries,
		"WEFT_MAX_LITERAL_MB": &c.Engine.MaxLiteralMB,
	} {
		if err := integer(key, dst); err != nil {
			return err
		}
	}
	if v, ok := lookup("WEFT_FAIL_FAST"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("WEFT_FAIL_FAST: %w", err)
		}
		c.Engine.FailFast = b
	}
	if v, ok := lookup("WEFT_HTTP_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("WEFT_HTTP_TIMEOUT: %w", err)
		}
		c.Engine.HTTPTimeout = d
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
