// Package audit records who asked which provider for what, independently of
// the cost ledger.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"

	"github.com/vnmchuo/storefront-ai/internal/billing"
)

const subjectPrefix = "ai.audit"

// Event is the wire form of an audit record.
type Event struct {
	ID           string            `json:"id"`
	Provider     string            `json:"provider"`
	Feature      string            `json:"feature"`
	Model        string            `json:"model"`
	CallerID     string            `json:"caller_id,omitempty"`
	InputTokens  int               `json:"input_tokens"`
	OutputTokens int               `json:"output_tokens"`
	CostUSD      float64           `json:"cost_usd"`
	LatencyMs    int64             `json:"latency_ms"`
	Success      bool              `json:"success"`
	Error        string            `json:"error,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

func NewEvent(rec *billing.Record, now time.Time) *Event {
	return &Event{
		ID:           ulid.Make().String(),
		Provider:     rec.Provider,
		Feature:      rec.Feature,
		Model:        rec.Model,
		CallerID:     rec.CallerID,
		InputTokens:  rec.InputTokens,
		OutputTokens: rec.OutputTokens,
		CostUSD:      rec.CostUSD,
		LatencyMs:    rec.LatencyMs,
		Success:      rec.Success,
		Error:        rec.ErrorMessage,
		Metadata:     rec.Metadata,
		Timestamp:    now.UTC(),
	}
}

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, rec *billing.Record) error {
	metadata := []byte("{}")
	if len(rec.Metadata) > 0 {
		raw, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode audit metadata: %w", err)
		}
		metadata = raw
	}

	query := `
		INSERT INTO ai_audit_logs (provider, feature, model, caller_id, success, latency_ms, error_message, metadata)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, NULLIF($7, ''), $8::jsonb)
		RETURNING id
	`
	var id string
	err := s.db.QueryRow(ctx, query,
		rec.Provider, rec.Feature, rec.Model, rec.CallerID,
		rec.Success, rec.LatencyMs, rec.ErrorMessage, string(metadata),
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}
