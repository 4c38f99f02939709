package handler

import (
	"context"
	"log/slog"

	"github.com/brandpulse/automation-be/internal/engine/domain"
)

// UnitStore is the persistence surface the API reads and cancels through.
type UnitStore interface {
	GetUnitByID(ctx context.Context, unitID string) (*domain.ScheduledUnit, error)
	ListCampaignUnits(ctx context.Context, campaignID string) ([]domain.ScheduledUnit, error)
	CancelUnit(ctx context.Context, unitID string) error
	GetCreditBalance(ctx context.Context, brandID string, capability domain.Capability, defaultAllowance int) (int, error)
}

// CampaignScheduler validates campaigns and materializes their units.
type CampaignScheduler interface {
	Schedule(ctx context.Context, campaign *domain.Campaign) ([]string, error)
}

// BrandResolver resolves API keys to brand identities for auth.
type BrandResolver interface {
	GetBrandByAPIKey(ctx context.Context, apiKey string) (*domain.Brand, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger           *slog.Logger
	Store            UnitStore
	Scheduler        CampaignScheduler
	Brands           BrandResolver
	DefaultAllowance int
}

// CampaignHandler handles campaign and unit HTTP requests
type CampaignHandler struct {
	logger           *slog.Logger
	store            UnitStore
	scheduler        CampaignScheduler
	defaultAllowance int
}

// NewCampaignHandler creates a new CampaignHandler instance
func NewCampaignHandler(deps *Dependencies) *CampaignHandler {
	return &CampaignHandler{
		logger:           deps.Logger,
		store:            deps.Store,
		scheduler:        deps.Scheduler,
		defaultAllowance: deps.DefaultAllowance,
	}
}
