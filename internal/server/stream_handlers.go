package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/aristath/quantlab/internal/jobs"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	wsWriteTimeout           = 10 * time.Second
)

// StreamHandlers push a job's events to clients over SSE or WebSocket. Both
// start with a snapshot of the job and end after its terminal event.
type StreamHandlers struct {
	manager   *jobs.Manager
	heartbeat time.Duration
	log       zerolog.Logger
}

// NewStreamHandlers creates stream handlers. A non-positive heartbeat
// selects 30 seconds.
func NewStreamHandlers(manager *jobs.Manager, heartbeat time.Duration, log zerolog.Logger) *StreamHandlers {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	return &StreamHandlers{
		manager:   manager,
		heartbeat: heartbeat,
		log:       log.With().Str("component", "job_stream").Logger(),
	}
}

// subscribe opens a mailbox or writes the error response.
func (h *StreamHandlers) subscribe(w http.ResponseWriter, id string) (*jobs.Mailbox, bool) {
	mb, err := h.manager.Subscribe(id)
	if errors.Is(err, jobs.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found: "+id, h.log)
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error(), h.log)
		return nil, false
	}
	return mb, true
}

// clearDeadlines lifts server read/write deadlines for a long-lived stream.
func clearDeadlines(w http.ResponseWriter) {
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	_ = rc.SetReadDeadline(time.Time{})
}

// HandleSSE handles GET /api/jobs/{id}/stream requests (SSE).
func (h *StreamHandlers) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	id := chi.URLParam(r, "id")
	mb, ok := h.subscribe(w, id)
	if !ok {
		return
	}
	defer h.manager.Unsubscribe(mb)

	clearDeadlines(w)

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.log.Debug().Str("job_id", id).Msg("Client connected to job stream")

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.log.Debug().Str("job_id", id).Msg("Client disconnected from job stream")
			return

		case ev, open := <-mb.C():
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.log.Error().Err(err).Str("job_id", id).Msg("Failed to encode event")
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
			if ev.Terminal() {
				return
			}

		case t := <-heartbeat.C:
			fmt.Fprintf(w, ": heartbeat %s\n\n", t.UTC().Format(time.RFC3339))
			flusher.Flush()
		}
	}
}

// HandleWebSocket handles GET /api/jobs/{id}/ws. Each event is one JSON text
// message; the server closes with a normal closure after the terminal event.
func (h *StreamHandlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	mb, ok := h.subscribe(w, id)
	if !ok {
		return
	}
	defer h.manager.Unsubscribe(mb)

	clearDeadlines(w)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS is open for the API as a whole
	})
	if err != nil {
		h.log.Warn().Err(err).Str("job_id", id).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.CloseNow()

	// Clients only listen; CloseRead handles control frames and reports
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return

		case ev, open := <-mb.C():
			if !open {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := h.writeEvent(ctx, conn, ev); err != nil {
				h.log.Debug().Err(err).Str("job_id", id).Msg("WebSocket write failed")
				return
			}
			if ev.Terminal() {
				conn.Close(websocket.StatusNormalClosure, "job finished")
				return
			}
		}
	}
}

func (h *StreamHandlers) writeEvent(ctx context.Context, conn *websocket.Conn, ev jobs.Event) error {
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, ev)
}
