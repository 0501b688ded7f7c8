package orchestrator

import (
	"time"

	"github.com/vnmchuo/storefront-ai/internal/provider"
)

const DefaultCacheTTL = time.Hour

// FeatureCache overrides caching for one feature. A nil *FeatureCache means
// caching is on with the global default TTL.
type FeatureCache struct {
	Enabled    bool `yaml:"enabled"`
	TTLSeconds int  `yaml:"ttlSeconds" validate:"gte=0"`
}

type FeatureDescriptor struct {
	Name              string        `yaml:"name" validate:"required"`
	DefaultProvider   string        `yaml:"defaultProvider"`
	FallbackProviders []string      `yaml:"fallbackProviders"`
	Cache             *FeatureCache `yaml:"cache"`
	MaxCostPerCall    float64       `yaml:"maxCostPerCall" validate:"gte=0"`
}

func (f *FeatureDescriptor) cacheEnabled() bool {
	return f == nil || f.Cache == nil || f.Cache.Enabled
}

func (f *FeatureDescriptor) cacheTTL() time.Duration {
	if f == nil || f.Cache == nil || f.Cache.TTLSeconds <= 0 {
		return 0
	}
	return time.Duration(f.Cache.TTLSeconds) * time.Second
}

type CacheSettings struct {
	Enabled           bool `yaml:"enabled"`
	MaxSize           int  `yaml:"maxSize" validate:"required_if=Enabled true,gte=0"`
	DefaultTTLSeconds int  `yaml:"defaultTtlSeconds" validate:"required_if=Enabled true,gte=0"`
}

func (c CacheSettings) DefaultTTL() time.Duration {
	if c.DefaultTTLSeconds <= 0 {
		return DefaultCacheTTL
	}
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}

type MonitoringSettings struct {
	Enabled        bool `yaml:"enabled"`
	TrackCosts     bool `yaml:"trackCosts"`
	LogAllRequests bool `yaml:"logAllRequests"`
}

// Config is the declarative part of the dispatcher. Providers is ordered;
// that order is the last-resort selection order.
type Config struct {
	Providers  []provider.Descriptor `yaml:"providers" validate:"dive"`
	Features   []FeatureDescriptor   `yaml:"features" validate:"dive"`
	Cache      CacheSettings         `yaml:"cache"`
	Monitoring MonitoringSettings    `yaml:"monitoring"`
}
