package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrKeyNotFound = errors.New("api key not found")

const (
	keyPrefix   = "sk-ai-"
	cacheTTL    = 5 * time.Minute
	cachePrefix = "auth:"
)

// APIKey authorizes one admin caller against the generation surface.
type APIKey struct {
	ID        string    `json:"id"`
	CallerID  string    `json:"caller_id"`
	KeyHash   string    `json:"key_hash"`
	RateLimit int64     `json:"rate_limit"` // max tokens per minute, 0 means the default budget
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (a *APIKey) MarshalBinary() ([]byte, error) {
	return json.Marshal(a)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (a *APIKey) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, a)
}

type Store interface {
	GetByKey(ctx context.Context, key string) (*APIKey, error)
	Create(ctx context.Context, apiKey *APIKey) error
	Revoke(ctx context.Context, keyID string) error
}

// Cache is the subset of *redis.Client the middleware uses.
type Cache interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	callerIDKey  contextKey = "caller_id"
	apiKeyIDKey  contextKey = "api_key_id"
	rateLimitKey contextKey = "rate_limit"
	requestIDKey contextKey = "request_id"
)

// HashKey is the stored form of a plaintext key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// GenerateKey returns a new plaintext key and its hash. Only the hash is
// persisted.
func GenerateKey() (string, string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	key := keyPrefix + hex.EncodeToString(buf)
	return key, HashKey(key), nil
}

func NewMiddleware(store Store, cache Cache, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				http.Error(w, "Unauthorized: missing or invalid Authorization header", http.StatusUnauthorized)
				return
			}
			key := strings.TrimPrefix(authHeader, "Bearer ")
			redisKey := cachePrefix + HashKey(key)

			var apiKey APIKey
			err := cache.Get(ctx, redisKey).Scan(&apiKey)
			if err == nil {
				next.ServeHTTP(w, r.WithContext(withKey(ctx, &apiKey)))
				return
			} else if !errors.Is(err, redis.Nil) {
				logger.Warn("auth cache read failed", zap.Error(err))
			}

			found, err := store.GetByKey(ctx, key)
			if err != nil {
				if errors.Is(err, ErrKeyNotFound) {
					http.Error(w, "Unauthorized: invalid API key", http.StatusUnauthorized)
					return
				}
				logger.Error("auth store lookup failed", zap.Error(err))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			if err := cache.Set(ctx, redisKey, found, cacheTTL).Err(); err != nil {
				logger.Warn("auth cache write failed", zap.Error(err))
			}

			next.ServeHTTP(w, r.WithContext(withKey(ctx, found)))
		})
	}
}

func withKey(ctx context.Context, k *APIKey) context.Context {
	ctx = context.WithValue(ctx, callerIDKey, k.CallerID)
	ctx = context.WithValue(ctx, apiKeyIDKey, k.ID)
	return context.WithValue(ctx, rateLimitKey, k.RateLimit)
}

// Helpers to extract from context
func GetCallerID(ctx context.Context) string {
	if id, ok := ctx.Value(callerIDKey).(string); ok {
		return id
	}
	return ""
}

func GetAPIKeyID(ctx context.Context) string {
	if id, ok := ctx.Value(apiKeyIDKey).(string); ok {
		return id
	}
	return ""
}

func GetRateLimit(ctx context.Context) int64 {
	if n, ok := ctx.Value(rateLimitKey).(int64); ok {
		return n
	}
	return 0
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithCallerID(ctx context.Context, callerID string) context.Context {
	return context.WithValue(ctx, callerIDKey, callerID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
