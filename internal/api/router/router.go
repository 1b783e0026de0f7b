package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/evalsight/scoresheet-be/internal/api/handler"
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
		if deps.DBHealth != nil {
			if err := deps.DBHealth.HealthCheck(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": "scoresheet-api-service",
					"error":   err.Error(),
				})
				return
			}
		}
		if deps.QueueHealth != nil && !deps.QueueHealth.IsConnected() {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "unhealthy",
				"service": "scoresheet-api-service",
				"error":   "message queue connection lost",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "scoresheet-api-service",
		})
	})

	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		v1.POST("/uploads", jobHandler.CreateUploadURL)

		jobs := v1.Group("/scoring-jobs")
		{
			// POST /api/v1/scoring-jobs - Submit a video for scoring
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/scoring-jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/scoring-jobs/:job_id - Get job status and result
			jobs.GET("/:job_id", jobHandler.GetJob)

			// POST /api/v1/scoring-jobs/:job_id/cancel - Request cancellation
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)

			// POST /api/v1/scoring-jobs/:job_id/rerun - Re-run a finished job
			jobs.POST("/:job_id/rerun", jobHandler.RerunJob)
		}
	}

	return r
}
