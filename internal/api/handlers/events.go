package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"apkscore-lab/internal/streaming"
	"apkscore-lab/pkg/logger"
)

const defaultKeepalive = 15 * time.Second

// EventStream is a local feed of score events
type EventStream interface {
	Subscribe(sub *streaming.Subscription) (<-chan *streaming.ScoreEvent, func())
}

// EventsHandler streams score events to clients as server-sent events
type EventsHandler struct {
	stream    EventStream
	keepalive time.Duration
	logger    *logger.Logger
}

// NewEventsHandler creates a new EventsHandler; stream may be nil
func NewEventsHandler(stream EventStream, log *logger.Logger) *EventsHandler {
	return &EventsHandler{
		stream:    stream,
		keepalive: defaultKeepalive,
		logger:    log.WithComponent("events-handler"),
	}
}

// Stream handles GET /api/v1/events?types=package_scored,package_failed&min_score=10
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	if h.stream == nil {
		respondError(w, http.StatusNotImplemented, "event streaming is disabled")
		return
	}
	q := r.URL.Query()
	sub, err := streaming.ParseSubscription(q.Get("types"), q.Get("min_score"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// The server write timeout would otherwise cut the stream
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug().Err(err).Msg("cannot clear write deadline")
	}

	events, unsubscribe := h.stream.Subscribe(sub)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Debug().Str("remote_addr", r.RemoteAddr).Msg("event stream opened")

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Warn().Err(err).Msg("failed to marshal event")
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
			flusher.Flush()
		}
	}
}
