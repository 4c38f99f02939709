package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/brandpulse/automation-be/internal/engine/domain"
	"github.com/brandpulse/automation-be/shared/rabbitmq"
)

// AlertConsumer drains admin-facing events (admin.notify, unit.escalated)
// from the broker and surfaces them as operator alerts. It stands in for
// the pager/email integration behind one seam.
type AlertConsumer struct {
	client *rabbitmq.Client
	logger *slog.Logger
}

// NewAlertConsumer creates a consumer over a connection whose queue is
// bound to the alert routing keys.
func NewAlertConsumer(client *rabbitmq.Client, logger *slog.Logger) *AlertConsumer {
	return &AlertConsumer{
		client: client,
		logger: logger,
	}
}

// Run consumes alert events until ctx is canceled. Malformed deliveries
// are dropped without requeue.
func (c *AlertConsumer) Run(ctx context.Context, consumerTag string) error {
	deliveries, err := c.client.Consume(consumerTag)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Alert consumer stopped - context canceled")
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("RabbitMQ delivery channel closed")
				return nil
			}

			var event domain.Event
			if err := json.Unmarshal(delivery.Body, &event); err != nil {
				c.logger.Error("Failed to parse alert event",
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body)),
				)
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					c.logger.Error("Failed to NACK malformed alert",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			c.alert(event)

			if ackErr := delivery.Ack(false); ackErr != nil {
				c.logger.Error("Failed to ACK alert",
					slog.String("error", ackErr.Error()),
				)
			}
		}
	}
}

// alert renders one event as an operator-visible log line.
func (c *AlertConsumer) alert(event domain.Event) {
	switch event.Kind {
	case domain.EventUnitEscalated:
		c.logger.Error("ALERT: unit escalated to manual intervention",
			slog.String("unit_id", event.UnitID),
			slog.String("brand_id", event.BrandID),
			slog.String("capability", string(event.Capability)),
			slog.String("cause", string(event.Cause)),
			slog.Time("at", event.At),
		)
	case domain.EventAdminNotify:
		c.logger.Warn("ALERT: unit entered final retry window",
			slog.String("unit_id", event.UnitID),
			slog.String("brand_id", event.BrandID),
			slog.String("capability", string(event.Capability)),
			slog.String("cause", string(event.Cause)),
			slog.Time("at", event.At),
		)
	default:
		c.logger.Info("Event received",
			slog.String("kind", string(event.Kind)),
			slog.String("unit_id", event.UnitID),
		)
	}
}
