package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, rec *Record) error {
	metadata, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO ai_usage_logs (provider, feature, model, caller_id, input_tokens, output_tokens, total_tokens,
			cost_usd, latency_ms, success, error_message, metadata)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12::jsonb)
		RETURNING id, created_at
	`
	err = s.db.QueryRow(ctx, query,
		rec.Provider, rec.Feature, rec.Model, rec.CallerID,
		rec.InputTokens, rec.OutputTokens, rec.TotalTokens,
		rec.CostUSD, rec.LatencyMs, rec.Success, rec.ErrorMessage, metadata,
	).Scan(&rec.ID, &rec.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}

	return nil
}

func (s *PostgresStore) UsageByFeature(ctx context.Context, from, to time.Time) ([]*FeatureUsage, error) {
	query := `
		SELECT feature, provider, COUNT(*), COUNT(*) FILTER (WHERE NOT success),
			COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost_usd), 0)
		FROM ai_usage_logs
		WHERE created_at BETWEEN $1 AND $2
		GROUP BY feature, provider
		ORDER BY feature, provider
	`
	rows, err := s.db.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer rows.Close()

	var usage []*FeatureUsage
	for rows.Next() {
		var u FeatureUsage
		if err := rows.Scan(&u.Feature, &u.Provider, &u.Requests, &u.Failures, &u.TotalTokens, &u.TotalCostUSD); err != nil {
			return nil, fmt.Errorf("failed to scan usage row: %w", err)
		}
		usage = append(usage, &u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage rows: %w", err)
	}

	return usage, nil
}

func (s *PostgresStore) TotalCost(ctx context.Context, from, to time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM ai_usage_logs
		WHERE created_at BETWEEN $1 AND $2
	`
	var total float64
	if err := s.db.QueryRow(ctx, query, from, to).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to get total cost: %w", err)
	}

	return total, nil
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(raw), nil
}
