package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/classforge/attempt-service/internal/services"
	"github.com/classforge/attempt-service/internal/utils"
	"github.com/classforge/attempt-service/internal/validator"
)

type AttemptHandler struct {
	BaseHandler
	policyService    services.PolicyService
	sessionService   services.SessionService
	finalizerService services.FinalizerService
	validator        *validator.Validator
}

func NewAttemptHandler(
	policyService services.PolicyService,
	sessionService services.SessionService,
	finalizerService services.FinalizerService,
	validator *validator.Validator,
	logger utils.Logger,
) *AttemptHandler {
	return &AttemptHandler{
		BaseHandler:      NewBaseHandler(logger),
		policyService:    policyService,
		sessionService:   sessionService,
		finalizerService: finalizerService,
		validator:        validator,
	}
}

// StartAttempt starts a new test attempt
// @Summary Start test attempt
// @Description Runs the attempt policy gate and creates a new attempt
// @Tags attempts
// @Accept json
// @Produce json
// @Param attempt body services.StartAttemptRequest true "Start attempt data"
// @Success 201 {object} services.AttemptResponse
// @Failure 400 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /attempts/start [post]
func (h *AttemptHandler) StartAttempt(c *gin.Context) {
	h.LogRequest(c, "Starting test attempt")

	var req services.StartAttemptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Invalid request payload",
			Details: err.Error(),
		})
		return
	}

	userID, ok := h.requireUserID(c)
	if !ok {
		return
	}

	attempt, err := h.sessionService.StartAttempt(c.Request.Context(), userID, req)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, attempt)
}

// GetAttemptInfo returns the caller's standing against a test's attempt policy
// @Summary Get attempt info
// @Tags attempts
// @Produce json
// @Param test_id path uint true "Test ID"
// @Success 200 {object} services.AttemptInfo
// @Failure 404 {object} ErrorResponse
// @Router /attempts/info/{test_id} [get]
func (h *AttemptHandler) GetAttemptInfo(c *gin.Context) {
	testID := h.parseIDParam(c, "test_id")
	if testID == 0 {
		return
	}

	userID, ok := h.requireUserID(c)
	if !ok {
		return
	}

	info, err := h.policyService.GetAttemptInfo(c.Request.Context(), testID, userID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, info)
}

// CanStartAttempt checks whether the caller may start a new attempt
// @Summary Validate attempt start
// @Tags attempts
// @Produce json
// @Param test_id path uint true "Test ID"
// @Success 200 {object} services.StartValidation
// @Failure 404 {object} ErrorResponse
// @Router /attempts/can-start/{test_id} [get]
func (h *AttemptHandler) CanStartAttempt(c *gin.Context) {
	testID := h.parseIDParam(c, "test_id")
	if testID == 0 {
		return
	}

	userID, ok := h.requireUserID(c)
	if !ok {
		return
	}

	validation, err := h.policyService.ValidateAttemptStart(c.Request.Context(), testID, userID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, validation)
}

// GetAttempt returns the attempt with its sanitized question set
// @Summary Get attempt
// @Tags attempts
// @Produce json
// @Param id path uint true "Attempt ID"
// @Success 200 {object} services.AttemptResponse
// @Failure 404 {object} ErrorResponse
// @Router /attempts/{id} [get]
func (h *AttemptHandler) GetAttempt(c *gin.Context) {
	id := h.parseIDParam(c, "id")
	if id == 0 {
		return
	}

	userID, ok := h.requireUserID(c)
	if !ok {
		return
	}

	attempt, err := h.sessionService.GetAttempt(c.Request.Context(), id, userID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, attempt)
}

// Heartbeat reports liveness and connection state for an active attempt
// @Summary Attempt heartbeat
// @Tags attempts
// @Accept json
// @Produce json
// @Param id path uint true "Attempt ID"
// @Param heartbeat body services.HeartbeatRequest true "Heartbeat data"
// @Success 200 {object} services.HeartbeatResponse
// @Failure 409 {object} ErrorResponse
// @Failure 410 {object} ErrorResponse
// @Router /attempts/{id}/heartbeat [post]
func (h *AttemptHandler) Heartbeat(c *gin.Context) {
	id := h.parseIDParam(c, "id")
	if id == 0 {
		return
	}

	var req services.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Invalid request payload",
			Details: err.Error(),
		})
		return
	}

	userID, ok := h.requireUserID(c)
	if !ok {
		return
	}

	resp, err := h.sessionService.Heartbeat(c.Request.Context(), id, userID, req)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// RecordAnswer records an answer change on an active attempt
// @Summary Record answer change
// @Tags attempts
// @Accept json
// @Produce json
// @Param id path uint true "Attempt ID"
// @Param answer body services.AnswerChangeRequest true "Answer change data"
// @Success 204
// @Failure 409 {object} ErrorResponse
// @Failure 410 {object} ErrorResponse
// @Router /attempts/{id}/answer [post]
func (h *AttemptHandler) RecordAnswer(c *gin.Context) {
	id := h.parseIDParam(c, "id")
	if id == 0 {
		return
	}

	var req services.AnswerChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Invalid request payload",
			Details: err.Error(),
		})
		return
	}

	userID, ok := h.requireUserID(c)
	if !ok {
		return
	}

	if err := h.sessionService.RecordAnswerChange(c.Request.Context(), id, userID, req); err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// RecordNavigation records a question navigation on an active attempt
// @Summary Record navigation
// @Tags attempts
// @Accept json
// @Param id path uint true "Attempt ID"
// @Param navigation body services.NavigationRequest true "Navigation data"
// @Success 204
// @Router /attempts/{id}/navigate [post]
func (h *AttemptHandler) RecordNavigation(c *gin.Context) {
	id := h.parseIDParam(c, "id")
	if id == 0 {
		return
	}

	var req services.NavigationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Invalid request payload",
			Details: err.Error(),
		})
		return
	}

	userID, ok := h.requireUserID(c)
	if !ok {
		return
	}

	if err := h.sessionService.RecordNavigation(c.Request.Context(), id, userID, req); err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// ToggleFlag flags or unflags a question for review
// @Summary Toggle question flag
// @Tags attempts
// @Accept json
// @Param id path uint true "Attempt ID"
// @Param flag body services.FlagRequest true "Flag data"
// @Success 204
// @Router /attempts/{id}/flag [post]
func (h *AttemptHandler) ToggleFlag(c *gin.Context) {
	id := h.parseIDParam(c, "id")
	if id == 0 {
		return
	}

	var req services.FlagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Invalid request payload",
			Details: err.Error(),
		})
		return
	}

	userID, ok := h.requireUserID(c)
	if !ok {
		return
	}

	if err := h.sessionService.ToggleFlag(c.Request.Context(), id, userID, req); err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// GetTimeRemaining returns the server-observed time accounting
// @Summary Get time remaining
// @Tags attempts
// @Produce json
// @Param id path uint true "Attempt ID"
// @Success 200 {object} services.TimeAccounting
// @Failure 404 {object} ErrorResponse
// @Router /attempts/{id}/time-remaining [get]
func (h *AttemptHandler) GetTimeRemaining(c *gin.Context) {
	id := h.parseIDParam(c, "id")
	if id == 0 {
		return
	}

	userID, ok := h.requireUserID(c)
	if !ok {
		return
	}

	acct, err := h.sessionService.GetTimeRemaining(c.Request.Context(), id, userID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, acct)
}

// SubmitAttempt finalizes the attempt into a submission
// @Summary Submit attempt
// @Tags attempts
// @Produce json
// @Param id path uint true "Attempt ID"
// @Success 200 {object} models.Submission
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /attempts/{id}/submit [post]
func (h *AttemptHandler) SubmitAttempt(c *gin.Context) {
	id := h.parseIDParam(c, "id")
	if id == 0 {
		return
	}

	h.LogRequest(c, "Submitting attempt", "attempt_id", id)

	userID, ok := h.requireUserID(c)
	if !ok {
		return
	}

	submission, err := h.finalizerService.Submit(c.Request.Context(), id, userID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, submission)
}
