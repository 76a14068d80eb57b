package handlers

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/dvloznov/statement-insights/internal/api/middleware"
	"github.com/dvloznov/statement-insights/internal/domain"
	"github.com/dvloznov/statement-insights/internal/progress"
)

// StreamHandler serves session progress as Server-Sent Events.
type StreamHandler struct {
	svc         Service
	broadcaster *progress.Broadcaster
	log         zerolog.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(svc Service, broadcaster *progress.Broadcaster, log zerolog.Logger) *StreamHandler {
	return &StreamHandler{
		svc:         svc,
		broadcaster: broadcaster,
		log:         log,
	}
}

// StreamAnalysis handles GET /api/v1/stream/analysis?session_id=
//
// The stream stays open until the session's close event or until the client
// goes away. A client leaving only unregisters the connection; the batch
// keeps running.
func (h *StreamHandler) StreamAnalysis(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.UserID(ctx)

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		middleware.WriteError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	sess, err := h.svc.Session(ctx, userID, sessionID)
	if err != nil {
		writeDomainError(w, h.log, err, "Failed to open stream")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		middleware.WriteError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	conn := progress.NewConn(w, flusher.Flush)
	if err := conn.Send(progress.EventConnected, map[string]string{
		"session_id": sessionID,
		"status":     string(sess.Status),
	}); err != nil {
		return
	}

	if sendTerminal(conn, sess) {
		return
	}

	h.broadcaster.Register(sessionID, conn)
	defer h.broadcaster.Unregister(sessionID, conn)

	// The batch may have finished between the first read and Register. If its
	// own completed and close frames already reached conn, the connection
	// drops the repeats.
	if sess, err = h.svc.Session(ctx, userID, sessionID); err == nil && sendTerminal(conn, sess) {
		return
	}

	select {
	case <-conn.Done():
		h.log.Debug().Str("session_id", sessionID).Msg("Stream closed by session")
	case <-ctx.Done():
		h.log.Debug().Str("session_id", sessionID).Msg("Stream client disconnected")
	}
}

// sendTerminal writes the final events of a finished session and reports
// whether it did.
func sendTerminal(conn *progress.Conn, sess domain.Session) bool {
	switch sess.Status {
	case domain.SessionCompleted:
		conn.Send(progress.EventCompleted, map[string]interface{}{
			"session_id":  sess.SessionID,
			"status":      sess.Status,
			"tokens_used": sess.TokensUsed,
		})
	case domain.SessionFailed:
		message := ""
		if sess.ErrorMessage != nil {
			message = *sess.ErrorMessage
		}
		conn.Send(progress.EventError, map[string]string{
			"session_id": sess.SessionID,
			"message":    message,
		})
	default:
		return false
	}
	conn.Send(progress.EventClose, struct{}{})
	return true
}
