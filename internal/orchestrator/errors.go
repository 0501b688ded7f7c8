package orchestrator

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownProvider     = errors.New("unknown provider")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrNoProviders         = errors.New("no providers available")
	ErrFeatureNotFound     = errors.New("feature not found")
	ErrCostLimitExceeded   = errors.New("estimated cost exceeds feature limit")

	// Features wrap these so the HTTP surface can tell bad input from a
	// generation that did not complete.
	ErrInvalidInput     = errors.New("invalid feature input")
	ErrGenerationFailed = errors.New("generation failed")
)

// ConfigError is the only error class GenerateText returns. Provider
// failures come back as a failed Result instead.
type ConfigError struct {
	Err      error
	Provider string
	Feature  string
	Detail   string
}

func (e *ConfigError) Error() string {
	msg := e.Err.Error()
	if e.Provider != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Provider)
	}
	if e.Feature != "" {
		msg = fmt.Sprintf("%s (feature %s)", msg, e.Feature)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

func IsConfigError(err error) bool {
	var cErr *ConfigError
	return errors.As(err, &cErr)
}

// withFeature stamps the feature name on the ConfigError inside err, if any.
func withFeature(err error, feature string) error {
	var cErr *ConfigError
	if errors.As(err, &cErr) {
		cErr.Feature = feature
	}
	return err
}
