package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vnmchuo/storefront-ai/internal/orchestrator"
	"github.com/vnmchuo/storefront-ai/internal/provider"
	"github.com/vnmchuo/storefront-ai/internal/secrets"
)

const (
	DefaultMaxRetries   = 3
	DefaultCacheMaxSize = 1000
	DefaultCacheTTL     = 3600
)

type document struct {
	Providers  []providerEntry                  `yaml:"providers"`
	Features   []orchestrator.FeatureDescriptor `yaml:"features"`
	Cache      orchestrator.CacheSettings       `yaml:"cache"`
	Monitoring orchestrator.MonitoringSettings  `yaml:"monitoring"`
}

// providerEntry decodes a descriptor over its defaults so absent keys keep
// them.
type providerEntry provider.Descriptor

func (e *providerEntry) UnmarshalYAML(value *yaml.Node) error {
	type plain provider.Descriptor
	p := plain{
		Enabled:    true,
		MaxRetries: DefaultMaxRetries,
		Timeout:    provider.DefaultTimeout,
	}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*e = providerEntry(p)
	return nil
}

// LoadAI reads the provider/feature document at path.
func LoadAI(path string) (*orchestrator.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ai config: %w", err)
	}
	defer f.Close()
	return ParseAI(f)
}

func ParseAI(r io.Reader) (*orchestrator.Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read ai config: %w", err)
	}

	doc := document{
		Cache: orchestrator.CacheSettings{
			Enabled:           true,
			MaxSize:           DefaultCacheMaxSize,
			DefaultTTLSeconds: DefaultCacheTTL,
		},
		Monitoring: orchestrator.MonitoringSettings{Enabled: true, TrackCosts: true},
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode ai config: %w", err)
	}

	cfg := &orchestrator.Config{
		Features:   doc.Features,
		Cache:      doc.Cache,
		Monitoring: doc.Monitoring,
	}
	seen := make(map[string]bool, len(doc.Providers))
	for _, e := range doc.Providers {
		desc := provider.Descriptor(e)
		if seen[desc.Name] {
			return nil, fmt.Errorf("duplicate provider %q", desc.Name)
		}
		seen[desc.Name] = true
		if desc.SecretRef == "" {
			desc.SecretRef = secrets.DefaultRef(desc.Name)
		}
		cfg.Providers = append(cfg.Providers, desc)
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid ai config: %w", err)
	}
	return cfg, nil
}
