package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/classforge/attempt-service/internal/services"
	"github.com/classforge/attempt-service/internal/utils"
	"github.com/classforge/attempt-service/internal/validator"
)

type ErrorResponse struct {
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type BaseHandler struct {
	logger utils.Logger
}

func NewBaseHandler(logger utils.Logger) BaseHandler {
	return BaseHandler{logger: logger}
}

func (h *BaseHandler) LogRequest(c *gin.Context, msg string, args ...any) {
	utils.GetLogger(c.Request.Context(), h.logger).Info(msg, args...)
}

// parseIDParam parses a uint path parameter. On failure it writes the
// 400 response itself and returns 0.
func (h *BaseHandler) parseIDParam(c *gin.Context, param string) uint {
	value, err := strconv.ParseUint(c.Param(param), 10, 32)
	if err != nil || value == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Invalid " + param + " parameter",
		})
		return 0
	}
	return uint(value)
}

// requireUserID pulls the authenticated user ID set by the auth
// middleware, writing the 401 response when missing.
func (h *BaseHandler) requireUserID(c *gin.Context) (string, bool) {
	userID, err := GetUserIDFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Message: "User not authenticated",
		})
		return "", false
	}
	return userID, true
}

// handleServiceError maps service-layer errors onto HTTP status codes.
func (h *BaseHandler) handleServiceError(c *gin.Context, err error) {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Validation failed",
			Details: validationErrors,
		})
		return
	}

	var businessRuleError *services.BusinessRuleError
	if errors.As(err, &businessRuleError) {
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Message: businessRuleError.Message,
			Details: map[string]interface{}{
				"rule": businessRuleError.Rule,
			},
		})
		return
	}

	var permissionError *services.PermissionError
	if errors.As(err, &permissionError) {
		c.JSON(http.StatusForbidden, ErrorResponse{
			Message: "Access denied",
			Details: map[string]interface{}{
				"action": permissionError.Action,
			},
		})
		return
	}

	var transientError *services.TransientStoreError
	if errors.As(err, &transientError) {
		utils.GetLogger(c.Request.Context(), h.logger).Error("store failure",
			"op", transientError.Op, "error", transientError.Err)
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Message: "Service temporarily unavailable",
		})
		return
	}

	switch {
	case errors.Is(err, services.ErrTestNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Message: "Test not found"})
	case errors.Is(err, services.ErrAttemptNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Message: "Attempt not found"})
	case errors.Is(err, services.ErrSubmissionNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Message: "Submission not found"})
	case errors.Is(err, services.ErrAnswerNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Message: "Submission answer not found"})
	case errors.Is(err, services.ErrAttemptNotActive):
		c.JSON(http.StatusConflict, ErrorResponse{Message: "Attempt is not active"})
	case errors.Is(err, services.ErrAttemptAlreadyFinal):
		c.JSON(http.StatusConflict, ErrorResponse{Message: "Attempt already finalized"})
	case errors.Is(err, services.ErrAttemptCannotStart):
		c.JSON(http.StatusConflict, ErrorResponse{Message: "Cannot start new attempt"})
	case errors.Is(err, services.ErrAttemptLimitExceeded):
		c.JSON(http.StatusConflict, ErrorResponse{Message: "Maximum attempts exceeded"})
	case errors.Is(err, services.ErrAttemptDeadlinePassed):
		c.JSON(http.StatusGone, ErrorResponse{Message: "Attempt deadline has passed"})
	case errors.Is(err, services.ErrAnswerNotManuallyGradable):
		c.JSON(http.StatusConflict, ErrorResponse{Message: "Answer is not manually gradable"})
	case errors.Is(err, services.ErrGradingNotAllowed):
		c.JSON(http.StatusForbidden, ErrorResponse{Message: "Grading not allowed"})
	default:
		utils.GetLogger(c.Request.Context(), h.logger).Error("unhandled service error", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Message: "Internal server error",
		})
	}
}
