package dto

import (
	"encoding/json"
	"time"
)

type ScheduleCampaignRequest struct {
	CampaignID string              `json:"campaign_id" binding:"required"`
	Items      []CampaignItemInput `json:"items" binding:"required"`
}

type CampaignItemInput struct {
	Capability  string          `json:"capability" binding:"required"`
	Payload     json.RawMessage `json:"payload" binding:"required"`
	PublishAt   time.Time       `json:"publish_at"`
	Repeat      string          `json:"repeat,omitempty"`
	Occurrences int             `json:"occurrences,omitempty"`
}

type ScheduleCampaignResponse struct {
	CampaignID string   `json:"campaign_id"`
	UnitIDs    []string `json:"unit_ids"`
}

type UnitDTO struct {
	UnitID        string `json:"unit_id"`
	CampaignID    string `json:"campaign_id"`
	Capability    string `json:"capability"`
	Status        string `json:"status"`
	Attempts      int    `json:"attempts"`
	FailureCause  string `json:"failure_cause,omitempty"`
	LastError     string `json:"last_error,omitempty"`
	ScheduledAt   string `json:"scheduled_at"`
	NextAttemptAt string `json:"next_attempt_at"`
	Escalated     bool   `json:"escalated"`
}

type ListUnitsResponse struct {
	CampaignID string    `json:"campaign_id"`
	Units      []UnitDTO `json:"units"`
}

type CreditBalanceResponse struct {
	BrandID    string `json:"brand_id"`
	Capability string `json:"capability"`
	Remaining  int    `json:"remaining"`
}
