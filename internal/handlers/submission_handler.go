package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/classforge/attempt-service/internal/models"
	"github.com/classforge/attempt-service/internal/services"
	"github.com/classforge/attempt-service/internal/utils"
	"github.com/classforge/attempt-service/internal/validator"
)

type SubmissionHandler struct {
	BaseHandler
	gradingService services.GradingService
	exportService  services.ExportService
	validator      *validator.Validator
}

func NewSubmissionHandler(
	gradingService services.GradingService,
	exportService services.ExportService,
	validator *validator.Validator,
	logger utils.Logger,
) *SubmissionHandler {
	return &SubmissionHandler{
		BaseHandler:    NewBaseHandler(logger),
		gradingService: gradingService,
		exportService:  exportService,
		validator:      validator,
	}
}

// GetSubmission returns one submission with its answers
// @Summary Get submission
// @Tags submissions
// @Produce json
// @Param id path uint true "Submission ID"
// @Success 200 {object} models.Submission
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /submissions/{id} [get]
func (h *SubmissionHandler) GetSubmission(c *gin.Context) {
	id := h.parseIDParam(c, "id")
	if id == 0 {
		return
	}

	userID, ok := h.requireUserID(c)
	if !ok {
		return
	}
	role, err := GetUserRoleFromContext(c)
	if err != nil {
		role = models.RoleStudent
	}

	submission, err := h.gradingService.GetSubmission(c.Request.Context(), id, userID, role)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, submission)
}

// GradeAnswer records a manual grade for one essay answer
// @Summary Grade essay answer
// @Tags submissions
// @Accept json
// @Produce json
// @Param id path uint true "Submission answer ID"
// @Param grade body services.GradeEssayRequest true "Grade data"
// @Success 200 {object} models.Submission
// @Failure 403 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /submissions/answers/{id}/grade [post]
func (h *SubmissionHandler) GradeAnswer(c *gin.Context) {
	id := h.parseIDParam(c, "id")
	if id == 0 {
		return
	}

	h.LogRequest(c, "Grading essay answer", "answer_id", id)

	var req services.GradeEssayRequest
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

	submission, err := h.gradingService.GradeEssayAnswer(c.Request.Context(), userID, id, req)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, submission)
}

// GetBestAttempt returns the caller's best submission for a test
// @Summary Get best attempt
// @Tags submissions
// @Produce json
// @Param test_id path uint true "Test ID"
// @Success 200 {object} models.Submission
// @Failure 404 {object} ErrorResponse
// @Router /attempts/best/{test_id} [get]
func (h *SubmissionHandler) GetBestAttempt(c *gin.Context) {
	testID := h.parseIDParam(c, "test_id")
	if testID == 0 {
		return
	}

	userID, ok := h.requireUserID(c)
	if !ok {
		return
	}

	best, err := h.gradingService.GetBestAttempt(c.Request.Context(), testID, userID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, best)
}

// ExportResults streams the results workbook for a test
// @Summary Export test results
// @Tags submissions
// @Produce application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
// @Param id path uint true "Test ID"
// @Success 200 {file} binary
// @Failure 403 {object} ErrorResponse
// @Router /tests/{id}/export [get]
func (h *SubmissionHandler) ExportResults(c *gin.Context) {
	testID := h.parseIDParam(c, "id")
	if testID == 0 {
		return
	}

	userID, ok := h.requireUserID(c)
	if !ok {
		return
	}

	h.LogRequest(c, "Exporting test results", "test_id", testID)

	workbook, err := h.exportService.ExportResults(c.Request.Context(), testID, userID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	filename := fmt.Sprintf("test-%d-results.xlsx", testID)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK,
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		workbook)
}
