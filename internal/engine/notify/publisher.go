// Package notify emits engine events to the message broker. Events are a
// side channel: admin alerting and escalation fan-out consume them, but
// unit execution never depends on a delivery.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/brandpulse/automation-be/internal/engine/domain"
	"github.com/brandpulse/automation-be/shared/rabbitmq"
)

// Publisher publishes engine events to the events exchange, one routing
// key per event kind.
type Publisher struct {
	client *rabbitmq.Client
	logger *slog.Logger
}

// NewPublisher creates a Publisher over an established broker connection.
func NewPublisher(client *rabbitmq.Client, logger *slog.Logger) *Publisher {
	return &Publisher{
		client: client,
		logger: logger,
	}
}

// Publish serializes the event and publishes it under its kind as routing
// key, e.g. "unit.escalated".
func (p *Publisher) Publish(ctx context.Context, event domain.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.client.Publish(ctx, string(event.Kind), body); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", event.Kind, err)
	}

	p.logger.Debug("Event published",
		slog.String("kind", string(event.Kind)),
		slog.String("unit_id", event.UnitID),
	)
	return nil
}
