package orchestrator

import (
	"context"

	"github.com/vnmchuo/storefront-ai/internal/settings"
)

// selectProvider walks the tiers in fixed order and returns the first live
// match:
//
//  1. the explicitly requested provider (no fallback if it is not live)
//  2. the caller's preference list
//  3. the operator default from dynamic settings
//  4. the feature default
//  5. the feature fallback list
//  6. any live provider, in registration order
func (d *Dispatcher) selectProvider(ctx context.Context, set *liveSet, feature *FeatureDescriptor, opts Options) (*instance, error) {
	if opts.Provider != "" {
		if inst, ok := set.get(opts.Provider); ok {
			return inst, nil
		}
		if !d.known[opts.Provider] {
			return nil, &ConfigError{Err: ErrUnknownProvider, Provider: opts.Provider}
		}
		return nil, &ConfigError{Err: ErrProviderUnavailable, Provider: opts.Provider}
	}

	if inst, ok := firstLive(set, opts.PreferredProviders); ok {
		return inst, nil
	}

	if name, ok := d.readSetting(ctx, settings.DefaultProvider); ok && name != "" {
		if inst, ok := set.get(name); ok {
			return inst, nil
		}
	}

	if feature != nil {
		if feature.DefaultProvider != "" {
			if inst, ok := set.get(feature.DefaultProvider); ok {
				return inst, nil
			}
		}
		if inst, ok := firstLive(set, feature.FallbackProviders); ok {
			return inst, nil
		}
	}

	if len(set.order) > 0 {
		return set.order[0], nil
	}
	return nil, &ConfigError{Err: ErrNoProviders}
}

func firstLive(set *liveSet, names []string) (*instance, bool) {
	for _, name := range names {
		if inst, ok := set.get(name); ok {
			return inst, true
		}
	}
	return nil, false
}
