package domain

import "time"

// EventKind names a message on the engine's event side channel.
type EventKind string

const (
	EventUnitScheduled EventKind = "unit.scheduled"
	EventUnitCompleted EventKind = "unit.completed"
	// EventAdminNotify is the side signal emitted when a unit enters its
	// final re-arm, so a human sees it before it can escalate.
	EventAdminNotify EventKind = "admin.notify"
	// EventUnitEscalated is the admin alert emitted when a unit exhausts
	// its retry budget.
	EventUnitEscalated EventKind = "unit.escalated"
)

// Event is a fire-and-forget message published to the topic exchange.
type Event struct {
	Kind       EventKind    `json:"kind"`
	UnitID     string       `json:"unit_id"`
	BrandID    string       `json:"brand_id"`
	Capability Capability   `json:"capability"`
	Cause      FailureCause `json:"cause,omitempty"`
	At         time.Time    `json:"at"`
}
