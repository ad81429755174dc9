package config

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Template is the wire shape of an outbound webhook message before
// placeholder substitution.
type Template struct {
	Title       string          `yaml:"title"`
	Description string          `yaml:"description"`
	Color       int             `yaml:"color"`
	Fields      []TemplateField `yaml:"fields"`
	Footer      string          `yaml:"footer"`
}

// TemplateField is one name/value row of a template.
type TemplateField struct {
	Name   string `yaml:"name"`
	Value  string `yaml:"value"`
	Inline bool   `yaml:"inline"`
}

// TemplateSet maps event types to templates. Overrides are keyed by
// endpoint name, then event type.
type TemplateSet struct {
	Templates map[string]Template            `yaml:"templates"`
	Overrides map[string]map[string]Template `yaml:"overrides"`
}

// For returns the template for an endpoint and event type, preferring the
// endpoint override. ok is false when neither exists.
func (s TemplateSet) For(endpointName, eventType string) (Template, bool) {
	if byType, found := s.Overrides[endpointName]; found {
		if t, found := byType[eventType]; found {
			return t, true
		}
	}
	t, found := s.Templates[eventType]
	return t, found
}

// LoadTemplates parses a template file. A missing file yields an empty set.
func LoadTemplates(filename string) (TemplateSet, error) {
	var set TemplateSet
	data, err := os.ReadFile(filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return set, nil
		}
		return set, fmt.Errorf("failed to read templates file: %w", err)
	}
	if err := yaml.Unmarshal(data, &set); err != nil {
		return set, fmt.Errorf("failed to parse templates file: %w", err)
	}
	return set, nil
}

// Provider is the read-only configuration source handed to components. It
// caches the parsed config and templates until Reload is called.
type Provider struct {
	path string

	mu        sync.RWMutex
	cfg       *Config
	templates TemplateSet
	listeners []func(*Config)
}

// NewProvider loads the config file at path and the templates it names.
func NewProvider(path string) (*Provider, error) {
	p := &Provider{path: path}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// NewStaticProvider wraps an already built config. Reload keeps it as is.
func NewStaticProvider(cfg *Config, templates TemplateSet) *Provider {
	return &Provider{cfg: cfg, templates: templates}
}

// Config returns the current configuration snapshot.
func (p *Provider) Config() *Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Templates returns the current template set.
func (p *Provider) Templates() TemplateSet {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.templates
}

// OnReload registers fn to run after every successful reload.
func (p *Provider) OnReload(fn func(*Config)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Reload re-reads the config file and templates. On failure the previous
// snapshot stays in effect.
func (p *Provider) Reload() error {
	if p.path == "" && p.cfg != nil {
		return nil
	}

	cfg, err := Load(p.path)
	if err != nil {
		return err
	}
	templates, err := LoadTemplates(cfg.Delivery.TemplatesFile)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.cfg = cfg
	p.templates = templates
	listeners := append([]func(*Config){}, p.listeners...)
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(cfg)
	}
	return nil
}
