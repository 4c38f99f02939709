package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/brandpulse/automation-be/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "automation-api-service",
		})
	})

	campaignHandler := handler.NewCampaignHandler(deps)

	// API v1 routes, all brand-scoped via API key
	v1 := r.Group("/api/v1")
	v1.Use(APIKeyAuthMiddleware(deps))
	{
		campaigns := v1.Group("/campaigns")
		{
			// POST /api/v1/campaigns - Schedule a campaign
			campaigns.POST("", campaignHandler.ScheduleCampaign)

			// GET /api/v1/campaigns/:campaign_id/units - List a campaign's units
			campaigns.GET("/:campaign_id/units", campaignHandler.ListCampaignUnits)
		}

		units := v1.Group("/units")
		{
			// GET /api/v1/units/:unit_id - Get unit status
			units.GET("/:unit_id", campaignHandler.GetUnit)

			// POST /api/v1/units/:unit_id/cancel - Cancel a unit
			units.POST("/:unit_id/cancel", campaignHandler.CancelUnit)
		}

		// GET /api/v1/credits/:capability - Remaining credit balance
		v1.GET("/credits/:capability", campaignHandler.GetCreditBalance)
	}

	return r
}
