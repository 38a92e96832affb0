package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig_Full(t *testing.T) {
	path := writeConfig(t, `
host: "127.0.0.1"
port: 9100
request-timeout: 45s
activity-timeout: 2m
debug: true
logging-to-file: true
response-decompress: true
forwarded:
  for: true
  host: true
  proto: true
  prefix: true
routes:
  - path-prefix: "/api"
    destination: "https://upstream.example/base/"
    health:
      path: "/livez"
      period: 10s
  - path-prefix: "/ws"
    destination: "http://10.0.0.5:9000"
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Host != "127.0.0.1" || cfg.Port != 9100 {
		t.Errorf("listen = %s:%d", cfg.Host, cfg.Port)
	}
	if cfg.RequestTimeout.Std() != 45*time.Second {
		t.Errorf("request-timeout = %v", cfg.RequestTimeout.Std())
	}
	if cfg.ActivityTimeout.Std() != 2*time.Minute {
		t.Errorf("activity-timeout = %v", cfg.ActivityTimeout.Std())
	}
	if !cfg.Debug || !cfg.LoggingToFile || !cfg.ResponseDecompress {
		t.Error("boolean flags not parsed")
	}
	if len(cfg.Routes) != 2 {
		t.Fatalf("routes = %d", len(cfg.Routes))
	}
	api := cfg.Routes[0]
	if api.Health == nil || api.Health.Path != "/livez" || api.Health.Period.Std() != 10*time.Second {
		t.Errorf("health = %+v", api.Health)
	}
	if cfg.Routes[1].Health != nil {
		t.Error("route without health block grew one")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, `
routes:
  - path-prefix: "/api"
    destination: "http://upstream.example"
    health: {}
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 8317 {
		t.Errorf("default port = %d", cfg.Port)
	}
	if cfg.RequestTimeout.Std() != 60*time.Second {
		t.Errorf("default request-timeout = %v", cfg.RequestTimeout.Std())
	}
	if cfg.ActivityTimeout.Std() != 100*time.Second {
		t.Errorf("default activity-timeout = %v", cfg.ActivityTimeout.Std())
	}
	h := cfg.Routes[0].Health
	if h.Path != "/healthz" || h.Period.Std() != 30*time.Second {
		t.Errorf("health defaults = %+v", h)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{
			name: "prefix_without_slash",
			content: `
routes:
  - path-prefix: "api"
    destination: "http://upstream.example"
`,
		},
		{
			name: "duplicate_prefix",
			content: `
routes:
  - path-prefix: "/api"
    destination: "http://one.example"
  - path-prefix: "/api"
    destination: "http://two.example"
`,
		},
		{
			name: "bad_destination",
			content: `
routes:
  - path-prefix: "/api"
    destination: "not a url"
`,
		},
		{
			name: "bad_duration",
			content: `
request-timeout: soon
`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, tc.content)); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
