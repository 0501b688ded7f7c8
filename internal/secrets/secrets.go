// Package secrets resolves provider credentials by reference.
package secrets

import (
	"context"
	"os"
	"strings"
)

// EnvResolver reads a secret reference as an environment variable name.
type EnvResolver struct {
	lookup func(string) (string, bool)
}

func NewEnvResolver() *EnvResolver {
	return &EnvResolver{lookup: os.LookupEnv}
}

func (r *EnvResolver) Secret(ctx context.Context, ref string) (string, bool, error) {
	if ref == "" {
		return "", false, nil
	}
	v, ok := r.lookup(ref)
	v = strings.TrimSpace(v)
	if !ok || v == "" {
		return "", false, nil
	}
	return v, true, nil
}

// DefaultRef is the reference used when a descriptor names none.
func DefaultRef(providerName string) string {
	return strings.ToUpper(strings.ReplaceAll(providerName, "-", "_")) + "_API_KEY"
}

// Static is a map-backed resolver.
type Static map[string]string

func (s Static) Secret(ctx context.Context, ref string) (string, bool, error) {
	v, ok := s[ref]
	if !ok || v == "" {
		return "", false, nil
	}
	return v, true, nil
}
