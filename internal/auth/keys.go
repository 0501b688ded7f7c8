package auth

import (
	"context"
)

// IssueKey creates and stores a key for callerID and returns the plaintext,
// which is not recoverable afterwards.
func IssueKey(ctx context.Context, store Store, callerID string, rateLimit int64) (string, *APIKey, error) {
	plain, hash, err := GenerateKey()
	if err != nil {
		return "", nil, err
	}
	k := &APIKey{
		CallerID:  callerID,
		KeyHash:   hash,
		RateLimit: rateLimit,
		Active:    true,
	}
	if err := store.Create(ctx, k); err != nil {
		return "", nil, err
	}
	return plain, k, nil
}
