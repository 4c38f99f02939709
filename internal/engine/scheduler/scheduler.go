// Package scheduler converts accepted campaigns into scheduled units.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/brandpulse/automation-be/internal/engine/domain"
)

// unitNamespace seeds deterministic unit ids. Resubmitting the same
// campaign yields the same ids, which is what makes scheduling idempotent.
var unitNamespace = uuid.MustParse("7f9255a1-30ae-4c1b-9a4f-1d2f3f6f8f21")

// requiredFields lists payload fields each capability cannot run without.
var requiredFields = map[domain.Capability][]string{
	domain.CapabilityImageGeneration: {"prompt"},
	domain.CapabilityTextReply:       {"prompt"},
	domain.CapabilitySocialPublish:   {"message", "platform"},
}

// UnitStore persists pending units. Insert must be a no-op when the unit
// id already exists.
type UnitStore interface {
	InsertUnit(ctx context.Context, unit *domain.ScheduledUnit) (created bool, err error)
}

// EventPublisher emits intake events, fire and forget.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// Config tunes intake validation.
type Config struct {
	// GraceWindow is how far in the past a target time may be before the
	// campaign is rejected.
	GraceWindow time.Duration
	// MaxOccurrences caps how many runs a recurring item materializes.
	MaxOccurrences int
}

// Scheduler validates campaigns and persists their execution units.
type Scheduler struct {
	store  UnitStore
	events EventPublisher
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a scheduler. events may be nil when no side channel is wired.
func New(store UnitStore, events EventPublisher, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = 2 * time.Minute
	}
	if cfg.MaxOccurrences <= 0 {
		cfg.MaxOccurrences = 12
	}
	return &Scheduler{
		store:  store,
		events: events,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Schedule validates the campaign and persists one pending unit per content
// item occurrence. Unit ids derive from campaign id + item index, so
// re-submitting an identical campaign returns the same ids without
// duplicating units.
func (s *Scheduler) Schedule(ctx context.Context, campaign *domain.Campaign) ([]string, error) {
	if campaign.CampaignID == "" {
		return nil, domain.NewInvalidPayload(0, "campaign_id is required")
	}
	if campaign.BrandID == "" {
		return nil, domain.NewInvalidPayload(0, "brand_id is required")
	}
	if len(campaign.Items) == 0 {
		return nil, domain.NewInvalidPayload(0, "campaign has no items")
	}

	now := s.now()

	type planned struct {
		unit domain.ScheduledUnit
	}
	var plan []planned

	for i, item := range campaign.Items {
		if !item.Capability.Valid() {
			return nil, domain.NewInvalidPayload(i, fmt.Sprintf("unknown capability %q", item.Capability))
		}
		if err := validatePayload(i, item.Capability, item.Payload); err != nil {
			return nil, err
		}

		times, err := s.occurrenceTimes(i, item, now)
		if err != nil {
			return nil, err
		}

		for occ, at := range times {
			plan = append(plan, planned{unit: domain.ScheduledUnit{
				UnitID:        UnitID(campaign.CampaignID, i, occ),
				CampaignID:    campaign.CampaignID,
				BrandID:       campaign.BrandID,
				Capability:    item.Capability,
				Payload:       item.Payload,
				ScheduledAt:   at,
				NextAttemptAt: at,
				Status:        domain.StatusPending,
			}})
		}
	}

	// Validation is all-or-nothing; only a fully valid campaign touches
	// the store.
	unitIDs := make([]string, 0, len(plan))
	for _, p := range plan {
		created, err := s.store.InsertUnit(ctx, &p.unit)
		if err != nil {
			return nil, fmt.Errorf("failed to persist unit: %w", err)
		}
		unitIDs = append(unitIDs, p.unit.UnitID)

		if created {
			s.logger.Info("Unit scheduled",
				slog.String("unit_id", p.unit.UnitID),
				slog.String("brand_id", p.unit.BrandID),
				slog.String("capability", string(p.unit.Capability)),
				slog.Time("scheduled_at", p.unit.ScheduledAt),
			)
			s.publish(ctx, domain.Event{
				Kind:       domain.EventUnitScheduled,
				UnitID:     p.unit.UnitID,
				BrandID:    p.unit.BrandID,
				Capability: p.unit.Capability,
				At:         now,
			})
		}
	}

	return unitIDs, nil
}

// occurrenceTimes expands one item into its concrete run times.
func (s *Scheduler) occurrenceTimes(item int, ci domain.CampaignItem, now time.Time) ([]time.Time, error) {
	if ci.Repeat == "" {
		if ci.PublishAt.IsZero() {
			return nil, domain.NewInvalidSchedule(item, "publish_at is required")
		}
		if ci.PublishAt.Before(now.Add(-s.cfg.GraceWindow)) {
			return nil, domain.NewInvalidSchedule(item,
				fmt.Sprintf("publish_at %s is in the past", ci.PublishAt.Format(time.RFC3339)))
		}
		return []time.Time{ci.PublishAt}, nil
	}

	schedule, err := cron.ParseStandard(ci.Repeat)
	if err != nil {
		return nil, domain.NewInvalidSchedule(item, fmt.Sprintf("invalid repeat expression: %v", err))
	}

	count := ci.Occurrences
	if count <= 0 {
		count = 1
	}
	if count > s.cfg.MaxOccurrences {
		return nil, domain.NewInvalidSchedule(item,
			fmt.Sprintf("occurrences %d exceeds limit %d", count, s.cfg.MaxOccurrences))
	}

	base := ci.PublishAt
	if base.IsZero() {
		base = now
	}
	if base.Before(now.Add(-s.cfg.GraceWindow)) {
		return nil, domain.NewInvalidSchedule(item,
			fmt.Sprintf("publish_at %s is in the past", base.Format(time.RFC3339)))
	}

	times := make([]time.Time, 0, count)
	next := base
	for len(times) < count {
		next = schedule.Next(next)
		times = append(times, next)
	}
	return times, nil
}

// validatePayload checks capability-required fields are present and
// non-empty.
func validatePayload(item int, capability domain.Capability, payload json.RawMessage) error {
	if len(payload) == 0 {
		return domain.NewInvalidPayload(item, "payload is required")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return domain.NewInvalidPayload(item, fmt.Sprintf("payload is not a JSON object: %v", err))
	}

	for _, name := range requiredFields[capability] {
		raw, ok := fields[name]
		if !ok {
			return domain.NewInvalidPayload(item,
				fmt.Sprintf("capability %s requires field %q", capability, name))
		}
		var str string
		if err := json.Unmarshal(raw, &str); err == nil && str == "" {
			return domain.NewInvalidPayload(item,
				fmt.Sprintf("capability %s requires field %q to be non-empty", capability, name))
		}
	}
	return nil
}

// UnitID derives the deterministic unit id for one campaign item
// occurrence.
func UnitID(campaignID string, item, occurrence int) string {
	key := fmt.Sprintf("%s/%d/%d", campaignID, item, occurrence)
	return uuid.NewSHA1(unitNamespace, []byte(key)).String()
}

// publish emits an event when a side channel is wired; failures are logged
// and dropped.
func (s *Scheduler) publish(ctx context.Context, event domain.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn("Failed to publish intake event",
			slog.String("unit_id", event.UnitID),
			slog.Any("error", err),
		)
	}
}
