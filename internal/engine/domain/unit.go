package domain

import (
	"encoding/json"
	"time"
)

// Capability identifies a kind of externally-executed action.
type Capability string

const (
	CapabilityImageGeneration Capability = "image-generation"
	CapabilityTextReply       Capability = "text-reply"
	CapabilitySocialPublish   Capability = "social-publish"
)

// Valid reports whether c is a known capability.
func (c Capability) Valid() bool {
	switch c {
	case CapabilityImageGeneration, CapabilityTextReply, CapabilitySocialPublish:
		return true
	}
	return false
}

// Metered reports whether the capability consumes brand credits.
// Generative capabilities are paid; publishing is not.
func (c Capability) Metered() bool {
	return c == CapabilityImageGeneration || c == CapabilityTextReply
}

// UnitStatus is the lifecycle state of a scheduled unit.
type UnitStatus string

const (
	StatusPending    UnitStatus = "pending"
	StatusInProgress UnitStatus = "in-progress"
	StatusSucceeded  UnitStatus = "succeeded"
	StatusFailed     UnitStatus = "failed"
	StatusEscalated  UnitStatus = "escalated"
)

// Terminal reports whether the status is immutable once reached.
func (s UnitStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusEscalated
}

// ScheduledUnit is one atomic action scheduled for execution. Units are
// created by the scheduler and mutated only by the execution worker.
type ScheduledUnit struct {
	UnitID          string          `db:"unit_id"`
	CampaignID      string          `db:"campaign_id"`
	BrandID         string          `db:"brand_id"`
	Capability      Capability      `db:"capability"`
	Payload         json.RawMessage `db:"payload"`
	ScheduledAt     time.Time       `db:"scheduled_at"`
	NextAttemptAt   time.Time       `db:"next_attempt_at"`
	Attempts        int             `db:"attempts"`
	Status          UnitStatus      `db:"status"`
	FailureCause    string          `db:"failure_cause"`
	LastError       string          `db:"last_error"`
	CancelRequested bool            `db:"cancel_requested"`
	WorkerID        string          `db:"worker_id"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

// UnitSnapshot is the status view served to the UI. It carries the
// taxonomy directly so the UI never re-derives retry internals.
type UnitSnapshot struct {
	UnitID        string     `json:"unit_id"`
	BrandID       string     `json:"brand_id"`
	Capability    Capability `json:"capability"`
	Status        UnitStatus `json:"status"`
	Attempts      int        `json:"attempts"`
	FailureCause  string     `json:"failure_cause,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	ScheduledAt   time.Time  `json:"scheduled_at"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	Escalated     bool       `json:"escalated"`
}

// Snapshot converts a unit to its UI-facing view.
func (u *ScheduledUnit) Snapshot() UnitSnapshot {
	return UnitSnapshot{
		UnitID:        u.UnitID,
		BrandID:       u.BrandID,
		Capability:    u.Capability,
		Status:        u.Status,
		Attempts:      u.Attempts,
		FailureCause:  u.FailureCause,
		LastError:     u.LastError,
		ScheduledAt:   u.ScheduledAt,
		NextAttemptAt: u.NextAttemptAt,
		Escalated:     u.Status == StatusEscalated,
	}
}

// Campaign is the intake definition: one or more content items, each with a
// target publish time and capability kind.
type Campaign struct {
	CampaignID string         `json:"campaign_id"`
	BrandID    string         `json:"brand_id"`
	Items      []CampaignItem `json:"items"`
}

// CampaignItem describes one content item. Repeat is an optional standard
// cron expression; Occurrences bounds how many runs are materialized.
type CampaignItem struct {
	Capability  Capability      `json:"capability"`
	Payload     json.RawMessage `json:"payload"`
	PublishAt   time.Time       `json:"publish_at"`
	Repeat      string          `json:"repeat,omitempty"`
	Occurrences int             `json:"occurrences,omitempty"`
}

// AssetRecord is a persisted artifact produced by a succeeded unit.
type AssetRecord struct {
	AssetID     string     `db:"asset_id"`
	BrandID     string     `db:"brand_id"`
	UnitID      string     `db:"unit_id"`
	Capability  Capability `db:"capability"`
	ContentType string     `db:"content_type"`
	Content     []byte     `db:"content"`
	URL         string     `db:"url"`
	CreatedAt   time.Time  `db:"created_at"`
}

// Brand is the authenticated owner of campaigns and credit balances.
type Brand struct {
	BrandID   string    `db:"brand_id"`
	Name      string    `db:"name"`
	APIKey    string    `db:"api_key"`
	CreatedAt time.Time `db:"created_at"`
}

// CreditBalance is the remaining allowance for one (brand, capability) pair.
type CreditBalance struct {
	BrandID    string     `db:"brand_id"`
	Capability Capability `db:"capability"`
	Remaining  int        `db:"remaining"`
	UpdatedAt  time.Time  `db:"updated_at"`
}
