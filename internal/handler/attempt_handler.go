package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/middleware"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/response"
	"github.com/stemsi/exstem-attempt/internal/service"
	"github.com/stemsi/exstem-attempt/internal/validator"
)

// AttemptService is the store logic behind the candidate endpoints.
type AttemptService interface {
	StartAttempt(ctx context.Context, testID uuid.UUID, candidateID int) (*model.AttemptState, error)
	GetState(ctx context.Context, attemptID uuid.UUID, candidateID int) (*model.AttemptState, error)
	SaveAnswer(ctx context.Context, attemptID uuid.UUID, candidateID int, req model.SaveAnswerRequest) error
	ToggleReview(ctx context.Context, attemptID uuid.UUID, candidateID int, req model.ReviewRequest) error
	Pause(ctx context.Context, attemptID uuid.UUID, candidateID int, req model.PauseRequest) error
	Resume(ctx context.Context, attemptID uuid.UUID, candidateID int, req model.ResumeRequest) error
	Submit(ctx context.Context, attemptID uuid.UUID, candidateID int, req model.SubmitRequest) (*model.SubmitResult, error)
	SubmitSection(ctx context.Context, attemptID, sectionID uuid.UUID, candidateID int, req model.SubmitSectionRequest) (*model.SectionSubmitResult, error)
}

// AttemptHandler serves the Attempt Store API to candidates.
type AttemptHandler struct {
	attempts AttemptService
	log      zerolog.Logger
}

// NewAttemptHandler creates a new AttemptHandler.
func NewAttemptHandler(attempts AttemptService, log zerolog.Logger) *AttemptHandler {
	return &AttemptHandler{
		attempts: attempts,
		log:      log.With().Str("component", "attempt_handler").Logger(),
	}
}

// StartAttempt godoc
// POST /api/v1/tests/:test_id/attempts
// Starts the candidate's attempt, or returns the existing one.
func (h *AttemptHandler) StartAttempt(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	testID, err := uuid.Parse(c.Param("test_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	state, err := h.attempts.StartAttempt(c.Request.Context(), testID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, state)
}

// GetAttempt godoc
// GET /api/v1/attempts/:attempt_id
// Returns the attempt with its test, sections, questions and saved progress.
func (h *AttemptHandler) GetAttempt(c *gin.Context) {
	claims, attemptID, ok := h.attemptScope(c)
	if !ok {
		return
	}

	state, err := h.attempts.GetState(c.Request.Context(), attemptID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, state)
}

// SaveAnswer godoc
// POST /api/v1/attempts/:attempt_id/answers
func (h *AttemptHandler) SaveAnswer(c *gin.Context) {
	claims, attemptID, ok := h.attemptScope(c)
	if !ok {
		return
	}

	var req model.SaveAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.attempts.SaveAnswer(c.Request.Context(), attemptID, claims.UserID, req); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{})
}

// ToggleReview godoc
// POST /api/v1/attempts/:attempt_id/review
func (h *AttemptHandler) ToggleReview(c *gin.Context) {
	claims, attemptID, ok := h.attemptScope(c)
	if !ok {
		return
	}

	var req model.ReviewRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.attempts.ToggleReview(c.Request.Context(), attemptID, claims.UserID, req); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{})
}

// Pause godoc
// POST /api/v1/attempts/:attempt_id/pause
func (h *AttemptHandler) Pause(c *gin.Context) {
	claims, attemptID, ok := h.attemptScope(c)
	if !ok {
		return
	}

	var req model.PauseRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.attempts.Pause(c.Request.Context(), attemptID, claims.UserID, req); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{})
}

// Resume godoc
// POST /api/v1/attempts/:attempt_id/resume
func (h *AttemptHandler) Resume(c *gin.Context) {
	claims, attemptID, ok := h.attemptScope(c)
	if !ok {
		return
	}

	var req model.ResumeRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.attempts.Resume(c.Request.Context(), attemptID, claims.UserID, req); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{})
}

// Submit godoc
// POST /api/v1/attempts/:attempt_id/submit
func (h *AttemptHandler) Submit(c *gin.Context) {
	claims, attemptID, ok := h.attemptScope(c)
	if !ok {
		return
	}

	var req model.SubmitRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	result, err := h.attempts.Submit(c.Request.Context(), attemptID, claims.UserID, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, result)
}

// SubmitSection godoc
// POST /api/v1/attempts/:attempt_id/sections/:section_id/submit
func (h *AttemptHandler) SubmitSection(c *gin.Context) {
	claims, attemptID, ok := h.attemptScope(c)
	if !ok {
		return
	}

	sectionID, err := uuid.Parse(c.Param("section_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.SubmitSectionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	result, err := h.attempts.SubmitSection(c.Request.Context(), attemptID, sectionID, claims.UserID, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, result)
}

func (h *AttemptHandler) attemptScope(c *gin.Context) (*service.Claims, uuid.UUID, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return nil, uuid.Nil, false
	}

	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return nil, uuid.Nil, false
	}
	return claims, attemptID, true
}

// fail maps service errors onto status codes. The client retries only
// 429, 425 and 5xx, so every rule violation must land in 4xx.
func (h *AttemptHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrTestNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrTestNotAvailable)
	case errors.Is(err, service.ErrAttemptNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrAttemptNotFound)
	case errors.Is(err, service.ErrNoQuestions):
		response.Fail(c, http.StatusUnprocessableEntity, response.ErrNoQuestions)
	case errors.Is(err, service.ErrAttemptClosed):
		response.Fail(c, http.StatusConflict, response.ErrAttemptClosed)
	case errors.Is(err, service.ErrSectionSubmitted):
		response.Fail(c, http.StatusConflict, response.ErrSectionSubmitted)
	case errors.Is(err, service.ErrSectionNotActive):
		response.Fail(c, http.StatusConflict, response.ErrSectionNotActive)
	case errors.Is(err, service.ErrQuestionNotInAttempt):
		response.Fail(c, http.StatusUnprocessableEntity, response.ErrQuestionNotInAttempt)
	case errors.Is(err, service.ErrOptionNotInQuestion):
		response.Fail(c, http.StatusUnprocessableEntity, response.ErrOptionNotInQuestion)
	default:
		_ = c.Error(err)
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("Attempt request failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}
