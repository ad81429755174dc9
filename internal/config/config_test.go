package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoad_ConfigYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
database:
  host: db.internal
  port: 6432
delivery:
  batch_limit: 7
  timeout: 3s
catalog:
  items:
    - ref: coffee
      name: Coffee
      price: "4.50"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Database.Host != "db.internal" || cfg.Database.Port != 6432 {
		t.Fatalf("unexpected database config: %+v", cfg.Database)
	}
	if cfg.Delivery.BatchLimit != 7 {
		t.Fatalf("expected batch_limit 7, got %d", cfg.Delivery.BatchLimit)
	}
	if cfg.Delivery.Timeout != 3*time.Second {
		t.Fatalf("expected 3s timeout, got %v", cfg.Delivery.Timeout)
	}
	if cfg.Delivery.MaxAttempts != 5 {
		t.Fatalf("expected default max_attempts 5, got %d", cfg.Delivery.MaxAttempts)
	}
	if len(cfg.Catalog.Items) != 1 || cfg.Catalog.Items[0].Price != "4.50" {
		t.Fatalf("unexpected catalog: %+v", cfg.Catalog.Items)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.POS.Driver != "memory" {
		t.Fatalf("expected memory pos driver, got %q", cfg.POS.Driver)
	}
	if cfg.HTTP.Port != 3000 {
		t.Fatalf("expected port 3000, got %d", cfg.HTTP.Port)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("ROOMTAB_DELIVERY_BATCH_LIMIT", "3")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Delivery.BatchLimit != 3 {
		t.Fatalf("expected env override 3, got %d", cfg.Delivery.BatchLimit)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}, wantErr: false},
		{name: "zero batch limit", mutate: func(c *Config) { c.Delivery.BatchLimit = 0 }, wantErr: true},
		{name: "zero attempts", mutate: func(c *Config) { c.Delivery.MaxAttempts = 0 }, wantErr: true},
		{name: "http pos without url", mutate: func(c *Config) { c.POS.Driver = "http" }, wantErr: true},
		{name: "unknown pos driver", mutate: func(c *Config) { c.POS.Driver = "square" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			if err != nil {
				t.Fatalf("Load returned error: %v", err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestProvider_ReloadPicksUpTemplates(t *testing.T) {
	dir := t.TempDir()
	tmpl := writeFile(t, dir, "templates.yaml", `
templates:
  order_created:
    title: "Room {{room_number}}"
`)
	path := writeFile(t, dir, "config.yaml", "delivery:\n  templates_file: "+tmpl+"\n")

	p, err := NewProvider(path)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if got, ok := p.Templates().For("any", "order_created"); !ok || got.Title != "Room {{room_number}}" {
		t.Fatalf("unexpected template: %+v ok=%v", got, ok)
	}

	reloaded := 0
	p.OnReload(func(*Config) { reloaded++ })

	writeFile(t, dir, "templates.yaml", `
templates:
  order_created:
    title: "Order for {{room_number}}"
overrides:
  front-desk:
    order_created:
      title: "FD {{room_number}}"
`)
	if err := p.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if reloaded != 1 {
		t.Fatalf("expected listener to run once, ran %d", reloaded)
	}
	if got, _ := p.Templates().For("kitchen", "order_created"); got.Title != "Order for {{room_number}}" {
		t.Fatalf("unexpected default template after reload: %q", got.Title)
	}
	if got, _ := p.Templates().For("front-desk", "order_created"); got.Title != "FD {{room_number}}" {
		t.Fatalf("expected override, got %q", got.Title)
	}
	if _, ok := p.Templates().For("front-desk", "session_closed"); ok {
		t.Fatalf("expected no template for session_closed")
	}
}
