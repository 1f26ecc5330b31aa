package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-cbt/internal/middleware"
	"github.com/stemsi/exstem-cbt/internal/response"
	"github.com/stemsi/exstem-cbt/internal/service"
	ws "github.com/stemsi/exstem-cbt/internal/websocket"
)

// eventBuffer bounds the events queued for one stream.
const eventBuffer = 64

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams a live exam session: countdown ticks, autosave
// confirmations and state changes go out, answers and submit come in.
type WSHandler struct {
	sessions *service.SessionManager
	limiter  *middleware.RateLimiter
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler. Answer and flag messages draw from
// limiter, the same buckets as the HTTP answer routes; nil disables the limit.
func NewWSHandler(sessions *service.SessionManager, limiter *middleware.RateLimiter, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		sessions: sessions,
		limiter:  limiter,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// ExamWebSocketStream godoc
// WS /ws/v1/student/exams/:exam_id/stream
// Attaches to the live session started through the HTTP API.
func (h *WSHandler) ExamWebSocketStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn := ws.Wrap(raw)
	defer conn.Close()

	wsLog := h.log.With().
		Int("student_id", claims.UserID).
		Str("exam_id", examID.String()).
		Logger()

	sc, err := h.sessions.Get(examID, claims.UserID)
	if err != nil {
		_, code := errorCode(err)
		_ = conn.WriteError(string(code), response.GetMessage(code))
		return
	}

	// Controller callbacks must not block, so events go through a buffer
	// drained by a writer goroutine. Ticks are dropped when it is full.
	events := make(chan service.Event, eventBuffer)
	done := make(chan struct{})
	defer close(done)

	unsubscribe := sc.Subscribe(func(ev service.Event) {
		select {
		case events <- ev:
		default:
			if ev.Type != service.EventTick {
				wsLog.Warn().Str("event", string(ev.Type)).Msg("Stream buffer full, event dropped")
			}
		}
	})
	defer unsubscribe()

	go func() {
		for {
			select {
			case <-done:
				return
			case ev := <-events:
				if err := conn.Send(streamEvent(ev.Type), ev); err != nil {
					wsLog.Debug().Err(err).Msg("Dropping event for closed stream")
				}
			}
		}
	}()

	if err := conn.Send(ws.EventSnapshot, sc.Snapshot()); err != nil {
		return
	}

	wsLog.Info().Msg("Student connected")

	for {
		var msg ws.RequestEnvelope
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		switch msg.Action {
		case ws.ActionAnswer:
			if h.allow(conn, claims.UserID) {
				h.handleAnswer(conn, sc, &msg)
			}
		case ws.ActionFlag:
			if h.allow(conn, claims.UserID) {
				h.handleFlag(conn, sc, &msg)
			}
		case ws.ActionSubmit:
			h.handleSubmit(c, conn, sc)
		case ws.ActionPing:
			_ = conn.Send(ws.EventPong, nil)
		default:
			wsLog.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
			writeCode(conn, response.ErrUnknownAction)
		}
	}
}

func (h *WSHandler) allow(conn *ws.Conn, studentID int) bool {
	if h.limiter == nil || h.limiter.Allow(middleware.StudentKey(studentID)) {
		return true
	}
	writeCode(conn, response.ErrRateLimitExceeded)
	return false
}

func (h *WSHandler) handleAnswer(conn *ws.Conn, sc *service.SessionController, msg *ws.RequestEnvelope) {
	if _, err := uuid.Parse(msg.QuestionID); err != nil || len(msg.Value) == 0 {
		writeCode(conn, response.ErrInvalidPayload)
		return
	}

	if err := sc.SetAnswer(msg.QuestionID, msg.Value); err != nil {
		writeErr(conn, err)
		return
	}
	_ = conn.Send(ws.EventAnswered, ws.AnsweredData{QuestionID: msg.QuestionID})
}

func (h *WSHandler) handleFlag(conn *ws.Conn, sc *service.SessionController, msg *ws.RequestEnvelope) {
	if _, err := uuid.Parse(msg.QuestionID); err != nil {
		writeCode(conn, response.ErrInvalidPayload)
		return
	}

	flagged, err := sc.ToggleFlag(msg.QuestionID)
	if err != nil {
		writeErr(conn, err)
		return
	}
	_ = conn.Send(ws.EventFlagged, ws.FlaggedData{QuestionID: msg.QuestionID, Flagged: flagged})
}

// handleSubmit only reports failures; success arrives as a state event.
func (h *WSHandler) handleSubmit(c *gin.Context, conn *ws.Conn, sc *service.SessionController) {
	_, err := sc.Submit(c.Request.Context())
	if err == nil || errors.Is(err, service.ErrSubmissionFailed) {
		// submit_failed was already pushed through the subscription.
		return
	}
	writeErr(conn, err)
}

func streamEvent(t service.EventType) ws.Event {
	switch t {
	case service.EventTick:
		return ws.EventTick
	case service.EventAutosaved:
		return ws.EventAutosaved
	case service.EventSubmitFailed:
		return ws.EventSubmitFailed
	default:
		return ws.EventState
	}
}

func writeErr(conn *ws.Conn, err error) {
	_, code := errorCode(err)
	writeCode(conn, code)
}

func writeCode(conn *ws.Conn, code response.ErrCode) {
	_ = conn.WriteError(string(code), response.GetMessage(code))
}
