package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/classworks/attempt-service/internal/engine"
	"github.com/classworks/attempt-service/internal/middleware"
	"github.com/classworks/attempt-service/internal/services"
	"github.com/classworks/attempt-service/internal/utils"
	"github.com/classworks/attempt-service/internal/worker"
)

type HandlerManager struct {
	attemptHandler *AttemptHandler
	verifier       middleware.TokenVerifier
}

func NewHandlerManager(
	service services.AttemptService,
	manager *engine.Manager,
	autosave *worker.AutosaveWorker,
	verifier middleware.TokenVerifier,
	validator *utils.Validator,
	logger utils.Logger,
) *HandlerManager {
	return &HandlerManager{
		attemptHandler: NewAttemptHandler(service, manager, autosave, validator, logger),
		verifier:       verifier,
	}
}

// SetupRoutes sets up all API routes
func (hm *HandlerManager) SetupRoutes(router *gin.Engine) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "attempt-service",
		})
	})

	v1 := router.Group("/api/v1")
	v1.Use(middleware.RequireStudent(hm.verifier))
	{
		attempts := v1.Group("/attempts")
		{
			attempts.POST("/begin", hm.attemptHandler.BeginAttempt)
			attempts.GET("", hm.attemptHandler.ListAttempts)
			attempts.GET("/:id/state", hm.attemptHandler.GetState)
			attempts.PUT("/:id/answers/:question_id", hm.attemptHandler.SaveAnswer)
			attempts.POST("/:id/violations", hm.attemptHandler.ReportViolation)
			attempts.POST("/:id/submit", hm.attemptHandler.SubmitAttempt)
		}
	}
}
