package router

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/tgbot-jobs/internal/ingress/handler"
	"github.com/cuongbtq/tgbot-jobs/shared/database"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))

	r.GET("/health", func(c *gin.Context) {
		if err := database.HealthCheck(c.Request.Context(), deps.DB); err != nil {
			deps.Logger.Error("Health check failed", slog.Any("error", err))
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "unhealthy",
				"service": "webhook-service",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "webhook-service",
		})
	})

	jobHandler := handler.NewJobHandler(deps)

	// POST /webhook/:identity - Telegram update delivery
	r.POST("/webhook/:identity", jobHandler.Webhook)

	v1 := r.Group("/api/v1", AdminAuthMiddleware(deps.Ingress.AdminToken))
	{
		jobs := v1.Group("/jobs")
		{
			jobs.POST("", jobHandler.CreateJob)
			jobs.GET("", jobHandler.ListJobs)
			jobs.GET("/stats", jobHandler.Stats)
			jobs.GET("/:job_id", jobHandler.GetJob)
		}
	}

	return r
}
