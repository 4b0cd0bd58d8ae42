package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	oldWd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(oldWd) })
}

func TestLoad(t *testing.T) {
	// no config file: defaults
	chdir(t, t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("expected no error loading defaults, got %v", err)
	}
	if cfg.File() != "" {
		t.Errorf("expected no config file, got %s", cfg.File())
	}
	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("expected default driver sqlite3, got %s", cfg.Database.Driver)
	}
	if cfg.Database.MaxRetries != 3 {
		t.Errorf("expected 3 retries, got %d", cfg.Database.MaxRetries)
	}
	if cfg.Session.MaxDepth != 10 || cfg.Session.BatchSize != 500 || cfg.Session.HookWorkers != 4 {
		t.Errorf("unexpected session defaults: %+v", cfg.Session)
	}
	if cfg.Cache.Enabled || cfg.Cache.TTL != 5*time.Minute {
		t.Errorf("unexpected cache defaults: %+v", cfg.Cache)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "console" {
		t.Errorf("unexpected log defaults: %+v", cfg.Log)
	}
	if cfg.ManifestPath() != "entities.yaml" {
		t.Errorf("expected entities.yaml, got %s", cfg.ManifestPath())
	}
}

func TestLoadWithConfigFile(t *testing.T) {
	root := t.TempDir()
	configContent := `
manifest: schema/entities.yaml
database:
  driver: postgres
  url: postgres://localhost/relkit
  isolation: serializable
  timeout: 5s
cache:
  enabled: true
  addr: redis:6379
  ttl: 30s
session:
  batch_size: 50
log:
  level: debug
  format: json
  debug: [query, query-params]
tracing:
  enabled: true
`
	if err := os.WriteFile(filepath.Join(root, "relkit.yaml"), []byte(configContent), 0644); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	chdir(t, nested)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("expected no error loading config, got %v", err)
	}

	if cfg.Database.Driver != "postgres" || cfg.Database.Isolation != "serializable" {
		t.Errorf("unexpected database config: %+v", cfg.Database)
	}
	if cfg.Database.Timeout != 5*time.Second {
		t.Errorf("expected 5s timeout, got %v", cfg.Database.Timeout)
	}
	if !cfg.Cache.Enabled || cfg.Cache.Addr != "redis:6379" || cfg.Cache.TTL != 30*time.Second {
		t.Errorf("unexpected cache config: %+v", cfg.Cache)
	}
	if cfg.Session.BatchSize != 50 || cfg.Session.MaxDepth != 10 {
		t.Errorf("unexpected session config: %+v", cfg.Session)
	}
	if !cfg.Log.Has("query-params") || cfg.Log.Has("other") {
		t.Errorf("unexpected debug categories: %v", cfg.Log.Debug)
	}
	if !cfg.Tracing.Enabled {
		t.Error("expected tracing enabled")
	}

	want := filepath.Join(root, "schema", "entities.yaml")
	got, _ := filepath.EvalSymlinks(filepath.Dir(cfg.ManifestPath()))
	wantDir, _ := filepath.EvalSymlinks(filepath.Dir(want))
	if got != wantDir {
		t.Errorf("expected manifest in %s, got %s", wantDir, got)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("RELKIT_DATABASE_URL", "file:test.db")
	t.Setenv("RELKIT_SESSION_MAX_DEPTH", "4")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.DatabaseURL() != "file:test.db" {
		t.Errorf("expected env url, got %s", cfg.DatabaseURL())
	}
	if cfg.Session.MaxDepth != 4 {
		t.Errorf("expected max depth 4, got %d", cfg.Session.MaxDepth)
	}
}

func TestDatabaseURLFallback(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("DATABASE_URL", "postgres://fallback")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.DatabaseURL() != "postgres://fallback" {
		t.Errorf("expected DATABASE_URL fallback, got %s", cfg.DatabaseURL())
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown driver", "database: {driver: oracle}"},
		{"bad isolation", "database: {isolation: snapshot}"},
		{"zero retries", "database: {max_retries: 0}"},
		{"zero depth", "session: {max_depth: 0}"},
		{"bad level", "log: {level: loud}"},
		{"bad format", "log: {format: xml}"},
		{"unknown debug category", "log: {debug: [sql]}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "relkit.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Errorf("expected validation error for %q", tt.content)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing explicit config file")
	}
}
