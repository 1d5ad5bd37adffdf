package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/classforge/attempt-service/internal/config"
	"github.com/classforge/attempt-service/internal/models"
	"github.com/classforge/attempt-service/internal/repositories"
	"github.com/classforge/attempt-service/internal/services"
	"github.com/classforge/attempt-service/internal/utils"
	"github.com/classforge/attempt-service/internal/validator"
)

type HandlerManager struct {
	attemptHandler    *AttemptHandler
	submissionHandler *SubmissionHandler
	authMiddleware    *CasdoorAuthMiddleware
	repoManager       repositories.RepositoryManager
}

func NewHandlerManager(
	serviceManager services.ServiceManager,
	validator *validator.Validator,
	logger utils.Logger,
	casdoorConfig config.CasdoorConfig,
	userRepo repositories.UserRepository,
	repoManager repositories.RepositoryManager,
) *HandlerManager {
	return &HandlerManager{
		attemptHandler: NewAttemptHandler(
			serviceManager.Policy(),
			serviceManager.Session(),
			serviceManager.Finalizer(),
			validator,
			logger,
		),
		submissionHandler: NewSubmissionHandler(
			serviceManager.Grading(),
			serviceManager.Export(),
			validator,
			logger,
		),
		authMiddleware: NewCasdoorAuthMiddleware(casdoorConfig, userRepo),
		repoManager:    repoManager,
	}
}

// SetupRoutes sets up all API routes
func (hm *HandlerManager) SetupRoutes(router *gin.Engine) {
	router.GET("/health", hm.healthCheck)

	// API v1 routes with authentication
	v1 := router.Group("/api/v1")
	v1.Use(hm.authMiddleware.AuthMiddleware())
	{
		attempts := v1.Group("/attempts")
		{
			attempts.POST("/start", hm.attemptHandler.StartAttempt)
			attempts.GET("/info/:test_id", hm.attemptHandler.GetAttemptInfo)
			attempts.GET("/can-start/:test_id", hm.attemptHandler.CanStartAttempt)
			attempts.GET("/best/:test_id", hm.submissionHandler.GetBestAttempt)

			attempts.GET("/:id", hm.attemptHandler.GetAttempt)
			attempts.POST("/:id/heartbeat", hm.attemptHandler.Heartbeat)
			attempts.POST("/:id/answer", hm.attemptHandler.RecordAnswer)
			attempts.POST("/:id/navigate", hm.attemptHandler.RecordNavigation)
			attempts.POST("/:id/flag", hm.attemptHandler.ToggleFlag)
			attempts.GET("/:id/time-remaining", hm.attemptHandler.GetTimeRemaining)
			attempts.POST("/:id/submit", hm.attemptHandler.SubmitAttempt)
		}

		submissions := v1.Group("/submissions")
		{
			submissions.GET("/:id", hm.submissionHandler.GetSubmission)

			// Grading - Teachers and Admins only
			submissions.POST("/answers/:id/grade",
				hm.authMiddleware.RequireRoleMiddleware(models.RoleTeacher, models.RoleAdmin),
				hm.submissionHandler.GradeAnswer)
		}

		tests := v1.Group("/tests")
		{
			// Export - Teachers and Admins only
			tests.GET("/:id/export",
				hm.authMiddleware.RequireRoleMiddleware(models.RoleTeacher, models.RoleAdmin),
				hm.submissionHandler.ExportResults)
		}
	}
}

func (hm *HandlerManager) healthCheck(c *gin.Context) {
	if hm.repoManager != nil {
		if err := hm.repoManager.HealthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":    "unhealthy",
				"error":     err.Error(),
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   "attempt-service",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
