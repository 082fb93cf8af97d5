package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stemsi/exstem-portal/internal/middleware"
	"github.com/stemsi/exstem-portal/internal/model"
	"github.com/stemsi/exstem-portal/internal/response"
	"github.com/stemsi/exstem-portal/internal/service"
	"github.com/stemsi/exstem-portal/internal/session"
	"github.com/stemsi/exstem-portal/internal/upstream"
	"github.com/stemsi/exstem-portal/internal/validator"
)

// AttemptHandler handles the exam-taking endpoints: starting or resuming a
// timed session, answer autosave, navigation and submission.
type AttemptHandler struct {
	attemptService *service.AttemptService
	authService    *service.AuthService
}

// NewAttemptHandler creates a new AttemptHandler.
func NewAttemptHandler(attemptService *service.AttemptService, authService *service.AuthService) *AttemptHandler {
	return &AttemptHandler{
		attemptService: attemptService,
		authService:    authService,
	}
}

// StartAttempt godoc
// POST /api/v1/student/exams/:exam_id/attempt
// Starts a timed session, or resumes the existing one for this exam.
func (h *AttemptHandler) StartAttempt(c *gin.Context) {
	claims, bearer, ok := h.studentContext(c)
	if !ok {
		return
	}

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	paper, state, err := h.attemptService.StartOrResume(c.Request.Context(), claims.UserID, bearer, examID)
	if err != nil {
		h.failAttempt(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"paper": paper,
		"state": state,
	})
}

// GetAttemptState godoc
// GET /api/v1/student/attempts/:attempt_id
// Returns the snapshot a reloaded page needs: answers, cursor, remaining time.
func (h *AttemptHandler) GetAttemptState(c *gin.Context) {
	claims, bearer, ok := h.studentContext(c)
	if !ok {
		return
	}

	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	state, err := h.attemptService.Snapshot(c.Request.Context(), claims.UserID, bearer, attemptID)
	if err != nil {
		h.failAttempt(c, err)
		return
	}

	response.Success(c, http.StatusOK, state)
}

// SaveAnswer godoc
// PUT /api/v1/student/attempts/:attempt_id/answer
// Inserts or overwrites one answer; other entries are untouched.
func (h *AttemptHandler) SaveAnswer(c *gin.Context) {
	claims, bearer, ok := h.studentContext(c)
	if !ok {
		return
	}

	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.SaveAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	err = h.attemptService.SetAnswer(c.Request.Context(), claims.UserID, bearer, attemptID, *req.QuestionIndex, req.Value)
	if err != nil {
		h.failAttempt(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"status": "saved"})
}

// Navigate godoc
// POST /api/v1/student/attempts/:attempt_id/navigate
// Moves the question cursor; out-of-range moves are no-ops.
func (h *AttemptHandler) Navigate(c *gin.Context) {
	claims, bearer, ok := h.studentContext(c)
	if !ok {
		return
	}

	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.NavigateRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	cursor, err := h.attemptService.Navigate(c.Request.Context(), claims.UserID, bearer, attemptID, req.Direction)
	if err != nil {
		h.failAttempt(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"cursor": cursor})
}

// Submit godoc
// POST /api/v1/student/attempts/:attempt_id/submit
// Manual submission. Refused with ATTEMPT_CONFIRM_REQUIRED when questions
// are unanswered and acknowledge_incomplete is not set.
func (h *AttemptHandler) Submit(c *gin.Context) {
	claims, bearer, ok := h.studentContext(c)
	if !ok {
		return
	}

	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.SubmitRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	err = h.attemptService.Submit(c.Request.Context(), claims.UserID, bearer, attemptID, req.AcknowledgeIncomplete)
	if err != nil {
		h.failAttempt(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"status": string(session.StateSubmitted)})
}

// ─── shared helpers ─────────────────────────────────────────────────

// studentContext resolves the claims and the cached upstream bearer. A
// missing bearer means the login session expired: the session is cleared
// and the response carries the return path for the login page.
func (h *AttemptHandler) studentContext(c *gin.Context) (*service.Claims, string, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return nil, "", false
	}

	bearer, err := h.authService.UpstreamToken(c.Request.Context(), claims.UserID)
	if err != nil {
		response.FailWithFields(c, http.StatusUnauthorized, response.ErrSessionInvalidated,
			map[string]string{"return_to": c.Request.URL.RequestURI()})
		return nil, "", false
	}

	return claims, bearer, true
}

// failAttempt maps attempt/session/upstream errors onto API responses.
// Unauthorized clears the session and carries the return path;
// already-submitted is benign and distinct; generic upstream failure is a
// retryable notice.
func (h *AttemptHandler) failAttempt(c *gin.Context, err error) {
	var incomplete *session.IncompleteError

	switch {
	case errors.Is(err, upstream.ErrUnauthorized):
		if claims := middleware.GetClaims(c); claims != nil {
			_ = h.authService.InvalidateSession(c.Request.Context(), claims.UserID)
		}
		response.FailWithFields(c, http.StatusUnauthorized, response.ErrSessionInvalidated,
			map[string]string{"return_to": c.Request.URL.RequestURI()})

	case errors.Is(err, upstream.ErrAlreadySubmitted):
		response.Fail(c, http.StatusConflict, response.ErrAlreadySubmitted)

	case errors.Is(err, upstream.ErrExamNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrExamNotFound)

	case errors.Is(err, service.ErrAttemptNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrAttemptNotFound)

	case errors.Is(err, service.ErrNotOwner):
		response.Fail(c, http.StatusForbidden, response.ErrForbidden)

	case errors.As(err, &incomplete):
		unanswered := make([]string, len(incomplete.Unanswered))
		for i, idx := range incomplete.Unanswered {
			unanswered[i] = strconv.Itoa(idx)
		}
		response.FailWithFields(c, http.StatusConflict, response.ErrConfirmRequired,
			map[string]string{"unanswered": strings.Join(unanswered, ",")})

	case errors.Is(err, session.ErrSubmitInFlight):
		response.Fail(c, http.StatusConflict, response.ErrSubmitInFlight)

	case errors.Is(err, session.ErrNotActive):
		response.Fail(c, http.StatusConflict, response.ErrAttemptNotActive)

	case errors.Is(err, session.ErrOutOfRange):
		response.Fail(c, http.StatusBadRequest, response.ErrQuestionOutOfRange)

	default:
		response.Fail(c, http.StatusBadGateway, response.ErrUpstreamUnavailable)
	}
}
