package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-portal/internal/middleware"
	"github.com/stemsi/exstem-portal/internal/response"
	"github.com/stemsi/exstem-portal/internal/service"
	"github.com/stemsi/exstem-portal/internal/session"
	"github.com/stemsi/exstem-portal/internal/upstream"
	ws "github.com/stemsi/exstem-portal/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// An empty allowedOrigins slice permits all origins (development mode).
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

// WSHandler streams a live attempt over WebSocket: the client autosaves,
// navigates and submits through it, the server pushes the authoritative
// countdown once per second.
type WSHandler struct {
	attemptService *service.AttemptService
	authService    *service.AuthService
	log            zerolog.Logger
	upgrader       websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(attemptService *service.AttemptService, authService *service.AuthService, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		attemptService: attemptService,
		authService:    authService,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
	}
}

// AttemptStream godoc
// WS /ws/v1/student/attempts/:attempt_id/stream
func (h *WSHandler) AttemptStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	bearer, err := h.authService.UpstreamToken(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrSessionInvalidated)
		return
	}

	// Validate the attempt exists and belongs to this student before
	// upgrading — prevents streaming someone else's session.
	if _, err := h.attemptService.Snapshot(c.Request.Context(), claims.UserID, bearer, attemptID); err != nil {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden)
		return
	}

	rawConn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn := ws.Wrap(rawConn)
	defer conn.Close()

	wsLog := h.log.With().
		Int("student_id", claims.UserID).
		Str("attempt_id", attemptID.String()).
		Logger()

	wsLog.Info().Msg("Student connected")

	done := make(chan struct{})
	defer close(done)
	go h.pushTicks(done, conn, claims.UserID, bearer, attemptID)

	for {
		var msg ws.Request
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		switch msg.Action {
		case ws.ActionAutosave:
			h.handleAutosave(conn, claims.UserID, bearer, attemptID, &msg)
		case ws.ActionNavigate:
			h.handleNavigate(conn, claims.UserID, bearer, attemptID, &msg)
		case ws.ActionSubmit:
			h.handleSubmit(conn, wsLog, claims.UserID, bearer, attemptID, &msg)
		case ws.ActionPing:
			conn.WriteTyped(ws.PongResponse{Event: ws.EventPong})
		default:
			wsLog.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
			conn.WriteError("unknown action: " + string(msg.Action))
		}
	}
}

// pushTicks sends the remaining time once per second until the attempt
// leaves the active state or the connection goes away.
func (h *WSHandler) pushTicks(done <-chan struct{}, conn *ws.Conn, studentID int, bearer string, attemptID uuid.UUID) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			state, err := h.attemptService.Snapshot(context.Background(), studentID, bearer, attemptID)
			if err != nil {
				// Attempt finished and was cleared; the submit path
				// already told the client.
				return
			}

			tick := ws.TickResponse{
				Event:            ws.EventTick,
				RemainingSeconds: state.RemainingSeconds,
				Status:           state.Status,
			}
			if err := conn.WriteTyped(tick); err != nil {
				return
			}
			if state.Status != string(session.StateActive) && state.Status != string(session.StateSubmitting) {
				return
			}
		}
	}
}

func (h *WSHandler) handleAutosave(conn *ws.Conn, studentID int, bearer string, attemptID uuid.UUID, msg *ws.Request) {
	if msg.QuestionIndex == nil {
		conn.WriteError("question_index is required")
		return
	}

	err := h.attemptService.SetAnswer(context.Background(), studentID, bearer, attemptID, *msg.QuestionIndex, msg.Value)
	if err != nil {
		conn.WriteError(wsErrMessage(err))
		return
	}

	conn.WriteTyped(ws.SavedResponse{Event: ws.EventSaved, QuestionIndex: *msg.QuestionIndex})
}

func (h *WSHandler) handleNavigate(conn *ws.Conn, studentID int, bearer string, attemptID uuid.UUID, msg *ws.Request) {
	if msg.Direction != "next" && msg.Direction != "previous" {
		conn.WriteError("direction must be next or previous")
		return
	}

	cursor, err := h.attemptService.Navigate(context.Background(), studentID, bearer, attemptID, msg.Direction)
	if err != nil {
		conn.WriteError(wsErrMessage(err))
		return
	}

	conn.WriteTyped(ws.CursorResponse{Event: ws.EventCursor, Cursor: cursor})
}

func (h *WSHandler) handleSubmit(conn *ws.Conn, wsLog zerolog.Logger, studentID int, bearer string, attemptID uuid.UUID, msg *ws.Request) {
	err := h.attemptService.Submit(context.Background(), studentID, bearer, attemptID, msg.AcknowledgeIncomplete)

	var incomplete *session.IncompleteError
	switch {
	case err == nil:
		wsLog.Info().Msg("Attempt submitted")
		conn.WriteTyped(ws.SubmittedResponse{Event: ws.EventSubmitted, Status: string(session.StateSubmitted)})
	case errors.As(err, &incomplete):
		conn.WriteTyped(ws.ConfirmRequiredResponse{Event: ws.EventConfirmRequired, Unanswered: incomplete.Unanswered})
	case errors.Is(err, upstream.ErrAlreadySubmitted):
		conn.WriteTyped(ws.SubmittedResponse{
			Event:            ws.EventSubmitted,
			Status:           string(session.StateSubmitted),
			AlreadySubmitted: true,
		})
	case errors.Is(err, session.ErrSubmitInFlight):
		// Deliberate no-op: one submission is already on its way.
	default:
		wsLog.Error().Err(err).Msg("Submit failed")
		conn.WriteError(wsErrMessage(err))
	}
}

// wsErrMessage converts service errors to client-safe strings.
func wsErrMessage(err error) string {
	switch {
	case errors.Is(err, session.ErrNotActive):
		return string(response.ErrAttemptNotActive)
	case errors.Is(err, session.ErrOutOfRange):
		return string(response.ErrQuestionOutOfRange)
	case errors.Is(err, service.ErrAttemptNotFound):
		return string(response.ErrAttemptNotFound)
	case errors.Is(err, service.ErrNotOwner):
		return string(response.ErrForbidden)
	case errors.Is(err, upstream.ErrUnauthorized):
		return string(response.ErrSessionInvalidated)
	default:
		return string(response.ErrUpstreamUnavailable)
	}
}
