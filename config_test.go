package dal_test

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/gobeaver/dal"
	"github.com/gobeaver/dal/driver/memory"
)

func TestGetConfig(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		want    dal.Config
	}{
		{
			name:    "default values",
			envVars: map[string]string{},
			want:    dal.DefaultConfig(),
		},
		{
			name: "backend selection",
			envVars: map[string]string{
				"BEAVER_DAL_SCHEME":  "s3",
				"BEAVER_DAL_ROOT":    "/backups",
				"BEAVER_DAL_OPTIONS": "bucket=logs,region=eu-west-1",
			},
			want: func() dal.Config {
				c := dal.DefaultConfig()
				c.Scheme = "s3"
				c.Root = "/backups"
				c.Options = "bucket=logs,region=eu-west-1"
				return c
			}(),
		},
		{
			name: "layers",
			envVars: map[string]string{
				"BEAVER_DAL_RETRY_MAX_TIMES":       "5",
				"BEAVER_DAL_RETRY_JITTER":          "false",
				"BEAVER_DAL_RATE_LIMIT_BURST":      "10",
				"BEAVER_DAL_RATE_LIMIT_PER_SECOND": "4",
				"BEAVER_DAL_MAX_IN_FLIGHT":         "8",
				"BEAVER_DAL_READ_ONLY":             "true",
				"BEAVER_DAL_CACHE_TTL":             "30s",
			},
			want: func() dal.Config {
				c := dal.DefaultConfig()
				c.RetryMaxTimes = 5
				c.RetryJitter = false
				c.RateLimitBurst = 10
				c.RateLimitPerSecond = 4
				c.MaxInFlight = 8
				c.ReadOnly = true
				c.CacheTTL = "30s"
				return c
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			cfg, err := dal.GetConfig()
			if err != nil {
				t.Fatalf("GetConfig() error = %v", err)
			}
			if *cfg != tt.want {
				t.Errorf("GetConfig() = %+v\nwant %+v", *cfg, tt.want)
			}
		})
	}
}

func TestGetConfigWithPrefix(t *testing.T) {
	t.Setenv("APP_DAL_SCHEME", "fs")
	t.Setenv("BEAVER_DAL_SCHEME", "s3")
	cfg, err := dal.GetConfigWithPrefix("APP_")
	if err != nil {
		t.Fatalf("GetConfigWithPrefix() error = %v", err)
	}
	if cfg.Scheme != "fs" {
		t.Errorf("Scheme = %q, want fs", cfg.Scheme)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dal.yaml")
	body := "scheme: fs\nroot: /srv/data\nretry_max_times: 2\nlog_level: debug\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := dal.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.Scheme != "fs" || cfg.Root != "/srv/data" || cfg.RetryMaxTimes != 2 || cfg.LogLevel != "debug" {
		t.Errorf("LoadFile() = %+v", cfg)
	}
	if cfg.RetryMaxDelay != "10s" || cfg.LogFormat != "text" {
		t.Errorf("unset keys lost their defaults: %+v", cfg)
	}

	if _, err := dal.LoadFile(filepath.Join(dir, "missing.yaml")); !dal.IsNotFound(err) {
		t.Errorf("LoadFile(missing) error = %v, want NotFound", err)
	}
	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(bad, []byte("scheme: [unterminated"), 0o644)
	if _, err := dal.LoadFile(bad); dal.KindOf(err) != dal.KindInvalidInput {
		t.Errorf("LoadFile(bad) error = %v, want InvalidInput", err)
	}
}

func TestParseOptions(t *testing.T) {
	tests := []struct {
		in      string
		want    map[string]string
		wantErr bool
	}{
		{"", map[string]string{}, false},
		{"bucket=logs", map[string]string{"bucket": "logs"}, false},
		{" Bucket = logs , region=eu-west-1,", map[string]string{"bucket": "logs", "region": "eu-west-1"}, false},
		{"dsn=postgres://u@h/db?sslmode=disable", map[string]string{"dsn": "postgres://u@h/db?sslmode=disable"}, false},
		{"empty=", map[string]string{"empty": ""}, false},
		{"novalue", nil, true},
		{"=v", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := dal.ParseOptions(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseOptions(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ParseOptions(%q) = %v, want %v", tt.in, got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("ParseOptions(%q)[%s] = %q, want %q", tt.in, k, got[k], v)
				}
			}
		})
	}
}

func TestConfigBackendOptions(t *testing.T) {
	cfg := dal.Config{Options: "bucket=logs,root=ignored", Root: "/data"}
	opts, err := cfg.BackendOptions()
	if err != nil {
		t.Fatal(err)
	}
	if opts["root"] != "/data" || opts["bucket"] != "logs" {
		t.Errorf("BackendOptions() = %v", opts)
	}
}

func TestConfigValidate(t *testing.T) {
	valid := dal.DefaultConfig()
	tests := []struct {
		name   string
		mutate func(*dal.Config)
		ok     bool
	}{
		{"default", func(*dal.Config) {}, true},
		{"no scheme", func(c *dal.Config) { c.Scheme = "" }, false},
		{"bad options", func(c *dal.Config) { c.Options = "x" }, false},
		{"bad duration", func(c *dal.Config) { c.RetryMinDelay = "soon" }, false},
		{"bad ttl", func(c *dal.Config) { c.CacheTTL = "1 minute" }, false},
		{"negative retry", func(c *dal.Config) { c.RetryMaxTimes = -1 }, false},
		{"negative in flight", func(c *dal.Config) { c.MaxInFlight = -2 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate() error = %v", err)
			}
			if !tt.ok && dal.KindOf(err) != dal.KindInvalidInput {
				t.Errorf("Validate() error = %v, want InvalidInput", err)
			}
		})
	}
}

func TestConfigLayers(t *testing.T) {
	cfg := dal.DefaultConfig()
	if layers, err := cfg.Layers(); err != nil || len(layers) != 0 {
		t.Errorf("Layers() = %d layers, %v, want none by default", len(layers), err)
	}

	cfg.MaxInFlight = 4
	cfg.RateLimitBurst = 10
	cfg.RetryMaxTimes = 3
	cfg.CacheTTL = "1m"
	cfg.ReadOnly = true
	cfg.EncryptionKey = base64.StdEncoding.EncodeToString(secret)
	layers, err := cfg.Layers()
	if err != nil {
		t.Fatalf("Layers() error = %v", err)
	}
	if len(layers) != 6 {
		t.Errorf("Layers() = %d layers, want 6", len(layers))
	}
	if _, ok := layers[len(layers)-1].(*dal.ReadOnlyLayer); !ok {
		t.Errorf("outermost layer = %T, want *dal.ReadOnlyLayer", layers[len(layers)-1])
	}

	cfg.EncryptionKey = "not base64!"
	if _, err := cfg.Layers(); dal.KindOf(err) != dal.KindInvalidInput {
		t.Errorf("Layers(bad key) error = %v, want InvalidInput", err)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	reg := dal.NewRegistry()
	reg.Register("memory", func(ctx context.Context, options map[string]string) (dal.Accessor, error) {
		return memory.New(), nil
	})

	cfg := dal.DefaultConfig()
	cfg.ReadOnly = true
	op, err := dal.Open(ctx, reg, &cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if op.Info().Scheme != "memory" {
		t.Errorf("Scheme = %q", op.Info().Scheme)
	}
	if _, err := op.Write(ctx, "f", []byte("x")); !dal.IsReadOnlyError(err) && !dal.IsUnsupported(err) {
		t.Errorf("Write() error = %v, want the read-only layer applied", err)
	}

	if op, err := dal.Open(ctx, reg, nil); err != nil || op == nil {
		t.Errorf("Open(nil config) = %v, %v", op, err)
	}

	cfg = dal.DefaultConfig()
	cfg.Scheme = "nope"
	if _, err := dal.Open(ctx, reg, &cfg); dal.KindOf(err) != dal.KindInvalidInput {
		t.Errorf("Open(unknown) error = %v, want InvalidInput", err)
	}
}
