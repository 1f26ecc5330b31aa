package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-cbt/internal/middleware"
	"github.com/stemsi/exstem-cbt/internal/model"
	"github.com/stemsi/exstem-cbt/internal/repository"
	"github.com/stemsi/exstem-cbt/internal/response"
	"github.com/stemsi/exstem-cbt/internal/service"
	"github.com/stemsi/exstem-cbt/internal/validator"
)

// ExamSessionHandler exposes the student's exam session over HTTP.
type ExamSessionHandler struct {
	sessions *service.SessionManager
	log      zerolog.Logger
}

// NewExamSessionHandler creates a new ExamSessionHandler.
func NewExamSessionHandler(sessions *service.SessionManager, log zerolog.Logger) *ExamSessionHandler {
	return &ExamSessionHandler{
		sessions: sessions,
		log:      log.With().Str("component", "exam_session_handler").Logger(),
	}
}

// StartExam godoc
// POST /api/v1/student/exams/:exam_id/start
// Starts a new attempt or resumes the live/autosaved one.
func (h *ExamSessionHandler) StartExam(c *gin.Context) {
	claims, examID, ok := h.identify(c)
	if !ok {
		return
	}

	sc, err := h.sessions.Start(c.Request.Context(), examID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, sc.Snapshot())
}

// GetSession godoc
// GET /api/v1/student/exams/:exam_id/session
// Returns the live session, including answers and remaining time.
func (h *ExamSessionHandler) GetSession(c *gin.Context) {
	claims, examID, ok := h.identify(c)
	if !ok {
		return
	}

	sc, err := h.sessions.Get(examID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, sc.Snapshot())
}

// SetAnswer godoc
// PUT /api/v1/student/exams/:exam_id/answers/:question_id
// Overwrites one answer. A null value clears it.
func (h *ExamSessionHandler) SetAnswer(c *gin.Context) {
	claims, examID, ok := h.identify(c)
	if !ok {
		return
	}

	questionID := c.Param("question_id")
	if fields := validator.Var("question_id", questionID, "required,uuid"); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrInvalidID, fields)
		return
	}

	var req model.SetAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	sc, err := h.sessions.Get(examID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}

	if err := sc.SetAnswer(questionID, req.Value); err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"question_id": questionID, "progress": sc.Snapshot().Progress})
}

// ToggleFlag godoc
// POST /api/v1/student/exams/:exam_id/flags/:question_id
// Flips the "review later" flag of a question.
func (h *ExamSessionHandler) ToggleFlag(c *gin.Context) {
	claims, examID, ok := h.identify(c)
	if !ok {
		return
	}

	questionID := c.Param("question_id")
	if fields := validator.Var("question_id", questionID, "required,uuid"); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrInvalidID, fields)
		return
	}

	sc, err := h.sessions.Get(examID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}

	flagged, err := sc.ToggleFlag(questionID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"question_id": questionID, "flagged": flagged})
}

// SubmitExam godoc
// POST /api/v1/student/exams/:exam_id/submit
// Submits the attempt. Repeating the call after a failure retries it, and
// repeating it after success returns the recorded attempt again.
func (h *ExamSessionHandler) SubmitExam(c *gin.Context) {
	claims, examID, ok := h.identify(c)
	if !ok {
		return
	}

	sc, err := h.sessions.Get(examID, claims.UserID)
	if errors.Is(err, service.ErrSessionNotActive) {
		rec, lastErr := h.sessions.LastRecorded(c.Request.Context(), examID, claims.UserID)
		if lastErr != nil {
			h.fail(c, lastErr)
			return
		}
		response.Success(c, http.StatusOK, gin.H{"attempt": rec})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}

	rec, err := sc.Submit(c.Request.Context())
	if err != nil {
		if errors.Is(err, service.ErrSubmissionFailed) {
			response.FailWithData(c, http.StatusServiceUnavailable, response.ErrSubmissionFailed, sc.Snapshot())
			return
		}
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"attempt": rec})
}

// LeaveExam godoc
// POST /api/v1/student/exams/:exam_id/leave
// Detaches the session without submitting. Answers stay in the autosave
// cache and the next start resumes them.
func (h *ExamSessionHandler) LeaveExam(c *gin.Context) {
	claims, examID, ok := h.identify(c)
	if !ok {
		return
	}

	if err := h.sessions.Leave(examID, claims.UserID); err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"status": "left"})
}

// ListAttempts godoc
// GET /api/v1/student/exams/:exam_id/attempts
// Returns the student's recorded attempts at the exam.
func (h *ExamSessionHandler) ListAttempts(c *gin.Context) {
	claims, examID, ok := h.identify(c)
	if !ok {
		return
	}

	history, err := h.sessions.History(c.Request.Context(), examID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if history == nil {
		history = []model.AttemptRecord{}
	}

	response.Success(c, http.StatusOK, gin.H{"attempts": history})
}

func (h *ExamSessionHandler) identify(c *gin.Context) (*service.Claims, uuid.UUID, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return nil, uuid.Nil, false
	}

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return nil, uuid.Nil, false
	}

	return claims, examID, true
}

func (h *ExamSessionHandler) fail(c *gin.Context, err error) {
	status, code := errorCode(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("Exam session request failed")
	}
	response.Fail(c, status, code)
}

// errorCode maps engine errors onto API status and error codes. It is shared
// with the WebSocket stream.
func errorCode(err error) (int, response.ErrCode) {
	if reason, ok := service.BlockReasonOf(err); ok {
		return http.StatusForbidden, blockCode(reason)
	}

	switch {
	case errors.Is(err, repository.ErrExamNotFound):
		return http.StatusNotFound, response.ErrNotFound
	case errors.Is(err, service.ErrSessionNotActive), errors.Is(err, service.ErrSessionDetached):
		return http.StatusNotFound, response.ErrNoActiveSession
	case errors.Is(err, service.ErrUnknownQuestion):
		return http.StatusNotFound, response.ErrUnknownQuestion
	case errors.Is(err, model.ErrInvalidAnswer):
		return http.StatusBadRequest, response.ErrInvalidAnswer
	case errors.Is(err, service.ErrSessionFrozen):
		return http.StatusConflict, response.ErrSessionFrozen
	case errors.Is(err, service.ErrSubmitInProgress):
		return http.StatusConflict, response.ErrSubmitInProgress
	case errors.Is(err, service.ErrSubmissionFailed):
		return http.StatusServiceUnavailable, response.ErrSubmissionFailed
	default:
		return http.StatusInternalServerError, response.ErrInternal
	}
}

func blockCode(reason model.BlockReason) response.ErrCode {
	switch reason {
	case model.BlockReasonNotYetOpen:
		return response.ErrExamNotYetOpen
	case model.BlockReasonClosed:
		return response.ErrExamClosed
	case model.BlockReasonAttemptsExhausted:
		return response.ErrAttemptsExhausted
	case model.BlockReasonAlreadySubmitted:
		return response.ErrAlreadySubmitted
	default:
		return response.ErrInternal
	}
}
