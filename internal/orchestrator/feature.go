package orchestrator

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/vnmchuo/storefront-ai/internal/provider"
)

// Generator is the slice of the dispatcher a feature needs.
type Generator interface {
	GenerateText(ctx context.Context, req *provider.Request, opts Options) (*provider.Result, error)
}

// Feature is a business module built on GenerateText. Input is the raw JSON
// body the caller sent.
type Feature interface {
	Execute(ctx context.Context, input json.RawMessage, opts Options) (any, error)
	EstimateCost(input json.RawMessage) (float64, error)
}

// RegisterFeature binds f under name, replacing any earlier handler.
func (d *Dispatcher) RegisterFeature(name string, f Feature) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.handlers[name] = f
}

func (d *Dispatcher) feature(name string) (Feature, error) {
	d.handlersMu.RLock()
	defer d.handlersMu.RUnlock()
	f, ok := d.handlers[name]
	if !ok {
		return nil, &ConfigError{Err: ErrFeatureNotFound, Feature: name}
	}
	return f, nil
}

func (d *Dispatcher) Features() []string {
	d.handlersMu.RLock()
	defer d.handlersMu.RUnlock()
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ExecuteFeature runs the named handler. opts.Feature is set to name so the
// handler's GenerateText calls pick up that feature's routing and cache policy.
func (d *Dispatcher) ExecuteFeature(ctx context.Context, name string, input json.RawMessage, opts Options) (any, error) {
	f, err := d.feature(name)
	if err != nil {
		return nil, err
	}
	if err := d.Initialize(ctx); err != nil {
		return nil, err
	}
	opts.Feature = name
	return f.Execute(ctx, input, opts)
}

func (d *Dispatcher) EstimateFeatureCost(name string, input json.RawMessage) (float64, error) {
	f, err := d.feature(name)
	if err != nil {
		return 0, err
	}
	return f.EstimateCost(input)
}
