package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/brandpulse/automation-be/internal/api/dto"
	"github.com/brandpulse/automation-be/internal/engine/domain"
)

// BrandKey is the gin context key the auth middleware stores the
// authenticated brand under.
const BrandKey = "auth_brand"

// brandFrom returns the authenticated brand set by the auth middleware.
func brandFrom(c *gin.Context) *domain.Brand {
	v, ok := c.Get(BrandKey)
	if !ok {
		return nil
	}
	brand, _ := v.(*domain.Brand)
	return brand
}

// ScheduleCampaign handles POST /api/v1/campaigns
// Validates the campaign and materializes its scheduled units.
func (h *CampaignHandler) ScheduleCampaign(c *gin.Context) {
	brand := brandFrom(c)
	if brand == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	var req dto.ScheduleCampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	campaign := &domain.Campaign{
		CampaignID: req.CampaignID,
		BrandID:    brand.BrandID,
		Items:      make([]domain.CampaignItem, 0, len(req.Items)),
	}
	for _, item := range req.Items {
		campaign.Items = append(campaign.Items, domain.CampaignItem{
			Capability:  domain.Capability(item.Capability),
			Payload:     item.Payload,
			PublishAt:   item.PublishAt,
			Repeat:      item.Repeat,
			Occurrences: item.Occurrences,
		})
	}

	unitIDs, err := h.scheduler.Schedule(c.Request.Context(), campaign)
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			h.logger.Warn("Campaign rejected",
				slog.String("campaign_id", req.CampaignID),
				slog.String("kind", verr.Kind),
				slog.Int("item", verr.Item),
				slog.String("reason", verr.Reason),
			)
			c.JSON(http.StatusBadRequest, gin.H{
				"error":  verr.Kind,
				"item":   verr.Item,
				"reason": verr.Reason,
			})
			return
		}
		h.logger.Error("Failed to schedule campaign",
			slog.String("campaign_id", req.CampaignID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to schedule campaign",
		})
		return
	}

	c.JSON(http.StatusAccepted, dto.ScheduleCampaignResponse{
		CampaignID: req.CampaignID,
		UnitIDs:    unitIDs,
	})
}

// GetUnit handles GET /api/v1/units/:unit_id
// Returns the current status snapshot of one unit.
func (h *CampaignHandler) GetUnit(c *gin.Context) {
	brand := brandFrom(c)
	if brand == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	unitID := c.Param("unit_id")
	if _, err := uuid.Parse(unitID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "unit_id must be a valid UUID",
		})
		return
	}

	unit, err := h.store.GetUnitByID(c.Request.Context(), unitID)
	if err != nil {
		if errors.Is(err, domain.ErrUnitNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unit not found"})
			return
		}
		h.logger.Error("Failed to get unit",
			slog.String("unit_id", unitID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get unit"})
		return
	}

	// Units are scoped to their owning brand.
	if unit.BrandID != brand.BrandID {
		c.JSON(http.StatusNotFound, gin.H{"error": "unit not found"})
		return
	}

	c.JSON(http.StatusOK, unitToDTO(unit))
}

// ListCampaignUnits handles GET /api/v1/campaigns/:campaign_id/units
func (h *CampaignHandler) ListCampaignUnits(c *gin.Context) {
	brand := brandFrom(c)
	if brand == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	campaignID := c.Param("campaign_id")
	if campaignID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "campaign_id is required"})
		return
	}

	units, err := h.store.ListCampaignUnits(c.Request.Context(), campaignID)
	if err != nil {
		h.logger.Error("Failed to list campaign units",
			slog.String("campaign_id", campaignID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list units"})
		return
	}

	resp := dto.ListUnitsResponse{
		CampaignID: campaignID,
		Units:      make([]dto.UnitDTO, 0, len(units)),
	}
	for i := range units {
		if units[i].BrandID != brand.BrandID {
			continue
		}
		resp.Units = append(resp.Units, unitToDTO(&units[i]))
	}

	c.JSON(http.StatusOK, resp)
}

// CancelUnit handles POST /api/v1/units/:unit_id/cancel
// Pending units fail immediately; in-flight units are flagged so they
// won't re-arm; terminal units cannot be canceled.
func (h *CampaignHandler) CancelUnit(c *gin.Context) {
	brand := brandFrom(c)
	if brand == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	unitID := c.Param("unit_id")
	if _, err := uuid.Parse(unitID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "unit_id must be a valid UUID",
		})
		return
	}

	unit, err := h.store.GetUnitByID(c.Request.Context(), unitID)
	if err != nil {
		if errors.Is(err, domain.ErrUnitNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unit not found"})
			return
		}
		h.logger.Error("Failed to get unit for cancel",
			slog.String("unit_id", unitID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to cancel unit"})
		return
	}
	if unit.BrandID != brand.BrandID {
		c.JSON(http.StatusNotFound, gin.H{"error": "unit not found"})
		return
	}

	if err := h.store.CancelUnit(c.Request.Context(), unitID); err != nil {
		switch {
		case errors.Is(err, domain.ErrUnitNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "unit not found"})
		case errors.Is(err, domain.ErrUnitNotCancelable):
			c.JSON(http.StatusConflict, gin.H{"error": "unit already finished"})
		default:
			h.logger.Error("Failed to cancel unit",
				slog.String("unit_id", unitID),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to cancel unit"})
		}
		return
	}

	h.logger.Info("Unit cancellation requested",
		slog.String("unit_id", unitID),
		slog.String("brand_id", brand.BrandID),
	)
	c.JSON(http.StatusAccepted, gin.H{"unit_id": unitID, "status": "cancel-requested"})
}

// GetCreditBalance handles GET /api/v1/credits/:capability
func (h *CampaignHandler) GetCreditBalance(c *gin.Context) {
	brand := brandFrom(c)
	if brand == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	capability := domain.Capability(c.Param("capability"))
	if !capability.Valid() || !capability.Metered() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown metered capability"})
		return
	}

	remaining, err := h.store.GetCreditBalance(c.Request.Context(), brand.BrandID, capability, h.defaultAllowance)
	if err != nil {
		h.logger.Error("Failed to get credit balance",
			slog.String("brand_id", brand.BrandID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get credit balance"})
		return
	}

	c.JSON(http.StatusOK, dto.CreditBalanceResponse{
		BrandID:    brand.BrandID,
		Capability: string(capability),
		Remaining:  remaining,
	})
}

func unitToDTO(unit *domain.ScheduledUnit) dto.UnitDTO {
	return dto.UnitDTO{
		UnitID:        unit.UnitID,
		CampaignID:    unit.CampaignID,
		Capability:    string(unit.Capability),
		Status:        string(unit.Status),
		Attempts:      unit.Attempts,
		FailureCause:  unit.FailureCause,
		LastError:     unit.LastError,
		ScheduledAt:   unit.ScheduledAt.Format(time.RFC3339),
		NextAttemptAt: unit.NextAttemptAt.Format(time.RFC3339),
		Escalated:     unit.Status == domain.StatusEscalated,
	}
}
