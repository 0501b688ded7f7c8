package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vnmchuo/storefront-ai/internal/billing"
)

// Publisher is the subset of *nats.Conn the audit stream needs.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// NATSPublisher emits one JSON event per record on ai.audit.<provider>.
type NATSPublisher struct {
	conn Publisher
	now  func() time.Time
}

func NewNATSPublisher(conn Publisher) *NATSPublisher {
	return &NATSPublisher{conn: conn, now: time.Now}
}

func (p *NATSPublisher) Record(ctx context.Context, rec *billing.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(NewEvent(rec, p.now()))
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}
	if err := p.conn.Publish(Subject(rec.Provider), data); err != nil {
		return fmt.Errorf("failed to publish audit event: %w", err)
	}
	return nil
}

func Subject(providerName string) string {
	if providerName == "" {
		providerName = "none"
	}
	return subjectPrefix + "." + providerName
}
