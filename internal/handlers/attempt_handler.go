package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/classworks/attempt-service/internal/engine"
	"github.com/classworks/attempt-service/internal/middleware"
	"github.com/classworks/attempt-service/internal/models"
	"github.com/classworks/attempt-service/internal/services"
	"github.com/classworks/attempt-service/internal/utils"
	"github.com/classworks/attempt-service/internal/worker"
)

// AttemptHandler exposes the attempt session over HTTP. Requests for a
// session live in this process go through its controller; everything else
// falls back to the stateless service path, so any instance can serve any
// attempt.
type AttemptHandler struct {
	BaseHandler
	service   services.AttemptService
	manager   *engine.Manager
	autosave  *worker.AutosaveWorker
	validator *utils.Validator
}

func NewAttemptHandler(service services.AttemptService, manager *engine.Manager, autosave *worker.AutosaveWorker, validator *utils.Validator, logger utils.Logger) *AttemptHandler {
	return &AttemptHandler{
		BaseHandler: NewBaseHandler(logger),
		service:     service,
		manager:     manager,
		autosave:    autosave,
		validator:   validator,
	}
}

// ===== REQUEST / RESPONSE SHAPES =====

type BeginAttemptRequest struct {
	AssessmentID uint `json:"assessment_id" binding:"required"`
}

type SaveAnswerRequest struct {
	Answer string `json:"answer"`
}

type ReportViolationRequest struct {
	Kind       string `json:"kind" binding:"required"`
	TimeOffset int    `json:"time_offset"`
}

type ViolationResponse struct {
	Counted        bool   `json:"counted"`
	ViolationCount int    `json:"violation_count"`
	LastWarning    bool   `json:"last_warning"`
	Phase          string `json:"phase"`
}

type SubmitResponse struct {
	AlreadySubmitted bool      `json:"already_submitted"`
	SubmittedAt      time.Time `json:"submitted_at"`
	Reason           string    `json:"reason"`
}

// ===== HANDLERS =====

// BeginAttempt starts or resumes the caller's attempt on an assessment.
// POST /api/v1/attempts/begin
func (h *AttemptHandler) BeginAttempt(c *gin.Context) {
	studentID := middleware.StudentID(c)
	if studentID == "" {
		h.RespondWithError(c, http.StatusUnauthorized, "Authentication required", nil)
		return
	}

	var req BeginAttemptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.RespondWithError(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctrl, err := h.manager.Begin(c.Request.Context(), req.AssessmentID, studentID)
	if err != nil {
		h.respondServiceError(c, err, "Failed to begin attempt")
		return
	}

	h.RespondWithSuccess(c, http.StatusOK, "Attempt session active", ctrl.Snapshot())
}

// GetState returns the observable session state.
// GET /api/v1/attempts/:id/state
func (h *AttemptHandler) GetState(c *gin.Context) {
	attemptID, ok := ParseUUIDParam(c, "id")
	if !ok {
		return
	}
	studentID := middleware.StudentID(c)

	if ctrl, live := h.manager.Get(attemptID); live {
		if ctrl.StudentID() != studentID {
			h.RespondWithError(c, http.StatusForbidden, "Attempt belongs to another student", nil)
			return
		}
		h.RespondWithSuccess(c, http.StatusOK, "Attempt state", ctrl.Snapshot())
		return
	}

	state, err := h.service.GetState(c.Request.Context(), attemptID, studentID)
	if err != nil {
		h.respondServiceError(c, err, "Failed to get attempt state")
		return
	}
	h.RespondWithSuccess(c, http.StatusOK, "Attempt state", state)
}

// SaveAnswer records one answer edit.
// PUT /api/v1/attempts/:id/answers/:question_id
func (h *AttemptHandler) SaveAnswer(c *gin.Context) {
	attemptID, ok := ParseUUIDParam(c, "id")
	if !ok {
		return
	}
	questionID, ok := ParseUintParam(c, "question_id")
	if !ok {
		return
	}

	var req SaveAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.RespondWithError(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	studentID := middleware.StudentID(c)

	if ctrl, live := h.manager.Get(attemptID); live {
		if ctrl.StudentID() != studentID {
			h.RespondWithError(c, http.StatusForbidden, "Attempt belongs to another student", nil)
			return
		}
		if err := ctrl.RecordAnswer(c.Request.Context(), questionID, req.Answer); err != nil {
			h.respondEngineError(c, err)
			return
		}
		h.RespondWithSuccess(c, http.StatusOK, "Answer recorded", nil)
		return
	}

	// No live session here: verify ownership, then hand the write to the
	// durable autosave queue.
	if _, err := h.service.GetState(c.Request.Context(), attemptID, studentID); err != nil {
		h.respondServiceError(c, err, "Failed to save answer")
		return
	}
	if err := h.autosave.Enqueue(c.Request.Context(), attemptID, questionID, req.Answer); err != nil {
		h.RespondWithError(c, http.StatusServiceUnavailable, "Failed to queue answer", err)
		return
	}
	h.RespondWithSuccess(c, http.StatusAccepted, "Answer queued", nil)
}

// ReportViolation records one integrity signal. Suppressed input actions
// (copy, paste, context menu) are acknowledged but never counted.
// POST /api/v1/attempts/:id/violations
func (h *AttemptHandler) ReportViolation(c *gin.Context) {
	attemptID, ok := ParseUUIDParam(c, "id")
	if !ok {
		return
	}

	var req ReportViolationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.RespondWithError(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	studentID := middleware.StudentID(c)

	ctrl, live := h.manager.Get(attemptID)
	if live && ctrl.StudentID() != studentID {
		h.RespondWithError(c, http.StatusForbidden, "Attempt belongs to another student", nil)
		return
	}

	signalKind := engine.SignalKind(req.Kind)
	if engine.IsSuppressedSignal(signalKind) {
		if live {
			ctrl.EmitSignal(engine.Signal{Kind: signalKind, At: time.Now()})
		}
		h.RespondWithSuccess(c, http.StatusOK, "Action suppressed", ViolationResponse{Counted: false})
		return
	}

	// Accept either the raw signal name or the classified kind.
	kind, counted := engine.ClassifySignal(signalKind)
	if !counted {
		kind = models.ViolationKind(req.Kind)
		if !models.IsCountedViolation(kind) {
			h.RespondWithError(c, http.StatusBadRequest, "Unknown violation kind", nil, req.Kind)
			return
		}
	}

	var count int
	var err error
	if live {
		count, err = ctrl.ReportViolation(c.Request.Context(), kind)
	} else {
		count, err = h.service.IncrementViolation(c.Request.Context(), attemptID, services.ViolationReport{
			Kind:       kind,
			UserAgent:  c.Request.UserAgent(),
			IPAddress:  c.ClientIP(),
			TimeOffset: req.TimeOffset,
		})
	}
	if err != nil {
		if errors.Is(err, engine.ErrSessionNotActive) || errors.Is(err, services.ErrAttemptNotActive) {
			c.JSON(http.StatusConflict, ErrorResponse{
				Message: "Attempt is no longer active",
				Details: ViolationResponse{ViolationCount: count, Phase: engine.PhaseTerminal.String()},
			})
			return
		}
		h.respondServiceError(c, err, "Failed to record violation")
		return
	}

	// A zero count with no error means the attempt is not proctored and the
	// signal was acknowledged without counting.
	resp := ViolationResponse{
		Counted:        count > 0,
		ViolationCount: count,
		Phase:          engine.PhaseActive.String(),
	}
	if live {
		snap := ctrl.Snapshot()
		resp.LastWarning = snap.LastWarning
		resp.Phase = snap.Phase.String()
	}
	h.RespondWithSuccess(c, http.StatusOK, "Violation recorded", resp)
}

// SubmitAttempt finalizes the attempt. Idempotent: repeat calls confirm the
// terminal state instead of failing.
// POST /api/v1/attempts/:id/submit
func (h *AttemptHandler) SubmitAttempt(c *gin.Context) {
	attemptID, ok := ParseUUIDParam(c, "id")
	if !ok {
		return
	}
	studentID := middleware.StudentID(c)

	var outcome *models.SubmitOutcome
	var err error

	if ctrl, live := h.manager.Get(attemptID); live {
		if ctrl.StudentID() != studentID {
			h.RespondWithError(c, http.StatusForbidden, "Attempt belongs to another student", nil)
			return
		}
		outcome, err = ctrl.Submit(c.Request.Context(), models.SubmitReasonManual)
	} else {
		if _, serr := h.service.GetState(c.Request.Context(), attemptID, studentID); serr != nil {
			h.respondServiceError(c, serr, "Failed to submit attempt")
			return
		}
		outcome, err = h.service.SubmitAttempt(c.Request.Context(), attemptID, nil, models.SubmitReasonManual)
	}
	if err != nil {
		if errors.Is(err, engine.ErrSubmitNotPersisted) {
			h.RespondWithError(c, http.StatusServiceUnavailable, "Submission not persisted, please resubmit", err)
			return
		}
		h.respondServiceError(c, err, "Failed to submit attempt")
		return
	}

	h.RespondWithSuccess(c, http.StatusOK, "Attempt submitted", SubmitResponse{
		AlreadySubmitted: outcome.AlreadySubmitted,
		SubmittedAt:      outcome.SubmittedAt,
		Reason:           string(outcome.Reason),
	})
}

// ListAttempts returns the caller's own attempts, newest first.
// GET /api/v1/attempts
func (h *AttemptHandler) ListAttempts(c *gin.Context) {
	studentID := middleware.StudentID(c)
	if studentID == "" {
		h.RespondWithError(c, http.StatusUnauthorized, "Authentication required", nil)
		return
	}

	var assessmentID *uint
	if raw := c.Query("assessment_id"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			h.RespondWithError(c, http.StatusBadRequest, "Invalid assessment_id", err)
			return
		}
		id := uint(v)
		assessmentID = &id
	}

	attempts, total, err := h.service.ListAttempts(c.Request.Context(), studentID, assessmentID)
	if err != nil {
		h.respondServiceError(c, err, "Failed to list attempts")
		return
	}

	h.RespondWithSuccess(c, http.StatusOK, "Attempts", gin.H{
		"attempts": attempts,
		"total":    total,
	})
}

// ===== ERROR MAPPING =====

func (h *AttemptHandler) respondServiceError(c *gin.Context, err error, message string) {
	var permErr *services.PermissionError

	switch {
	case services.IsNotFound(err):
		h.RespondWithError(c, http.StatusNotFound, err.Error(), nil)
	case services.IsTerminalRejection(err):
		h.RespondWithError(c, http.StatusConflict, err.Error(), nil)
	case errors.Is(err, services.ErrAttemptNotStartable):
		h.RespondWithError(c, http.StatusConflict, err.Error(), nil)
	case errors.As(err, &permErr):
		h.RespondWithError(c, http.StatusForbidden, "Access denied", nil)
	case services.IsValidation(err):
		h.RespondWithError(c, http.StatusBadRequest, "Validation failed", err)
	case services.IsTransient(err):
		h.RespondWithError(c, http.StatusServiceUnavailable, "Temporarily unavailable, please retry", err)
	default:
		h.RespondWithError(c, http.StatusInternalServerError, message, err)
	}
}

func (h *AttemptHandler) respondEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrSessionNotActive):
		h.RespondWithError(c, http.StatusConflict, "Attempt is no longer active", nil)
	default:
		h.RespondWithError(c, http.StatusInternalServerError, "Session error", err)
	}
}
