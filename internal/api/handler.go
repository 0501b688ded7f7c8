package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/storefront-ai/internal/auth"
	"github.com/vnmchuo/storefront-ai/internal/billing"
	"github.com/vnmchuo/storefront-ai/internal/cache"
	"github.com/vnmchuo/storefront-ai/internal/orchestrator"
	"github.com/vnmchuo/storefront-ai/internal/provider"
	"github.com/vnmchuo/storefront-ai/internal/provider/factory"
	"github.com/vnmchuo/storefront-ai/pkg/ratelimit"
)

const (
	defaultEstimatedTokens = 1000
	maxBodyBytes           = 1 << 20
)

// Dispatcher is what the HTTP surface needs from the orchestrator.
type Dispatcher interface {
	GenerateText(ctx context.Context, req *provider.Request, opts orchestrator.Options) (*provider.Result, error)
	ExecuteFeature(ctx context.Context, name string, input json.RawMessage, opts orchestrator.Options) (any, error)
	EstimateFeatureCost(name string, input json.RawMessage) (float64, error)
	Reinitialize(ctx context.Context) error
	Providers() []orchestrator.ProviderInfo
	Features() []string
	Cache() *cache.Cache
}

// UsageReader is the read side of the cost ledger.
type UsageReader interface {
	UsageByFeature(ctx context.Context, from, to time.Time) ([]*billing.FeatureUsage, error)
	TotalCost(ctx context.Context, from, to time.Time) (float64, error)
}

type Handler struct {
	dispatcher Dispatcher
	usage      UsageReader
	limiter    *ratelimit.Limiter
	tracer     trace.Tracer
	logger     *zap.Logger
	validate   *validator.Validate
}

func NewHandler(d Dispatcher, usage UsageReader, limiter *ratelimit.Limiter, tracer trace.Tracer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		dispatcher: d,
		usage:      usage,
		limiter:    limiter,
		tracer:     tracer,
		logger:     logger,
		validate:   validator.New(),
	}
}

// generateRequest is a provider request plus routing hints.
type generateRequest struct {
	provider.Request
	Feature            string   `json:"feature,omitempty"`
	Provider           string   `json:"provider,omitempty"`
	PreferredProviders []string `json:"preferred_providers,omitempty"`
	SkipCache          bool     `json:"skip_cache,omitempty"`
}

func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "api.generate")
	defer span.End()

	callerID := auth.GetCallerID(ctx)
	if callerID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var body generateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(&body.Request); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	span.SetAttributes(
		attribute.String("caller_id", callerID),
		attribute.String("request_id", auth.GetRequestID(ctx)),
		attribute.String("feature", body.Feature),
	)

	if !h.allow(ctx, w, callerID, estimateTokens(&body.Request)) {
		return
	}

	res, err := h.dispatcher.GenerateText(ctx, &body.Request, orchestrator.Options{
		Feature:            body.Feature,
		Provider:           body.Provider,
		PreferredProviders: body.PreferredProviders,
		SkipCache:          body.SkipCache,
		CallerID:           callerID,
		Metadata:           body.Metadata,
	})
	if err != nil {
		h.writeDispatchError(w, err)
		return
	}

	status := http.StatusOK
	if res.Finish == provider.FinishFailed {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, res)
}

func (h *Handler) HandleFeature(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	ctx, span := h.tracer.Start(r.Context(), "api.feature")
	defer span.End()
	span.SetAttributes(attribute.String("feature", name))

	callerID := auth.GetCallerID(ctx)
	if callerID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	input, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil || !json.Valid(input) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	estimate, err := h.dispatcher.EstimateFeatureCost(name, input)
	if err != nil {
		h.writeDispatchError(w, err)
		return
	}
	if !h.allow(ctx, w, callerID, defaultEstimatedTokens) {
		return
	}

	q := r.URL.Query()
	skipCache, _ := strconv.ParseBool(q.Get("skip_cache"))
	out, err := h.dispatcher.ExecuteFeature(ctx, name, input, orchestrator.Options{
		Provider:  q.Get("provider"),
		SkipCache: skipCache,
		CallerID:  callerID,
	})
	if err != nil {
		h.writeDispatchError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"feature":            name,
		"output":             out,
		"estimated_cost_usd": estimate,
	})
}

func (h *Handler) HandleEstimate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	input, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil || !json.Valid(input) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cost, err := h.dispatcher.EstimateFeatureCost(name, input)
	if err != nil {
		h.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"feature":            name,
		"estimated_cost_usd": cost,
	})
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if auth.GetCallerID(ctx) == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if s := r.URL.Query().Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)")
			return
		}
		from = t
	}
	if s := r.URL.Query().Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)")
			return
		}
		to = t
	}

	usage, err := h.usage.UsageByFeature(ctx, from, to)
	if err != nil {
		h.logger.Error("usage query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := h.usage.TotalCost(ctx, from, to)
	if err != nil {
		h.logger.Error("total cost query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_cost_usd": total,
		"features":       usage,
		"from":           from,
		"to":             to,
	})
}

func (h *Handler) HandleProviders(w http.ResponseWriter, r *http.Request) {
	live := h.dispatcher.Providers()
	if live == nil {
		live = []orchestrator.ProviderInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"live":      live,
		"supported": factory.SupportedProviders(),
		"features":  h.dispatcher.Features(),
	})
}

func (h *Handler) HandleReinitialize(w http.ResponseWriter, r *http.Request) {
	if err := h.dispatcher.Reinitialize(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.logger.Info("provider set reinitialized", zap.String("caller_id", auth.GetCallerID(r.Context())))
	writeJSON(w, http.StatusOK, map[string]interface{}{"providers": h.dispatcher.Providers()})
}

func (h *Handler) HandleCacheStats(w http.ResponseWriter, r *http.Request) {
	c := h.dispatcher.Cache()
	if c == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": true, "stats": c.Stats()})
}

func (h *Handler) HandleCacheClear(w http.ResponseWriter, r *http.Request) {
	if c := h.dispatcher.Cache(); c != nil {
		c.Clear()
	}
	w.WriteHeader(http.StatusNoContent)
}

// allow spends the caller's token budget and writes a 429 when it is gone.
func (h *Handler) allow(ctx context.Context, w http.ResponseWriter, callerID string, tokens int) bool {
	if limit := auth.GetRateLimit(ctx); limit > 0 && int64(tokens) > limit {
		writeRateLimited(w)
		return false
	}
	allowed, err := h.limiter.Allow(ctx, callerID, tokens)
	if err != nil {
		h.logger.Warn("rate limiter unavailable", zap.String("caller_id", callerID), zap.Error(err))
	}
	if err != nil || !allowed {
		writeRateLimited(w)
		return false
	}
	return true
}

func estimateTokens(req *provider.Request) int {
	out := req.MaxTokens
	if out <= 0 {
		out = defaultEstimatedTokens
	}
	return provider.EstimateTokens(req.SystemPrompt) + provider.EstimateTokens(req.Prompt) + out
}

func (h *Handler) writeDispatchError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable && status != http.StatusBadGateway {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrFeatureNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrUnknownProvider),
		errors.Is(err, orchestrator.ErrCostLimitExceeded),
		errors.Is(err, orchestrator.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrProviderUnavailable),
		errors.Is(err, orchestrator.ErrNoProviders):
		return http.StatusServiceUnavailable
	case errors.Is(err, orchestrator.ErrGenerationFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeRateLimited(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "60")
	writeJSON(w, http.StatusTooManyRequests, map[string]string{
		"error":       "rate limit exceeded",
		"retry_after": "60s",
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
