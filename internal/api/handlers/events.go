package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/narvanalabs/fleet/internal/events"
)

const (
	eventWriteWait  = 10 * time.Second
	eventPingPeriod = 30 * time.Second
)

// EventHandler streams fleet events over a websocket.
type EventHandler struct {
	broker   *events.Broker
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewEventHandler creates a new event stream handler.
func NewEventHandler(broker *events.Broker, logger *slog.Logger) *EventHandler {
	return &EventHandler{
		broker: broker,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// parseFilter reads ?type=a,b&job_id=...&node_id=... into a subscription filter.
func parseFilter(r *http.Request) (events.Filter, string) {
	var f events.Filter
	q := r.URL.Query()
	for _, raw := range q["type"] {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.Types = append(f.Types, events.Type(t))
			}
		}
	}
	var err error
	if f.JobID, err = queryID(r, "job_id"); err != nil {
		return f, "invalid job_id"
	}
	if f.NodeID, err = queryID(r, "node_id"); err != nil {
		return f, "invalid node_id"
	}
	return f, ""
}

// Stream handles GET /v1/events. Each matching event is sent as one JSON text message until the
// client disconnects.
func (h *EventHandler) Stream(w http.ResponseWriter, r *http.Request) {
	filter, problem := parseFilter(r)
	if problem != "" {
		WriteBadRequest(w, r, problem)
		return
	}

	// Subscribe before the handshake completes so no event after it is missed.
	sub := h.broker.Subscribe(filter)
	defer h.broker.Unsubscribe(sub)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket", "error", err)
		return
	}
	defer conn.Close()

	h.logger.Info("event stream started", "subscriber_id", sub.ID, "types", filter.Types)

	// The read side only watches for close frames and disconnects.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			h.logger.Info("event stream closed", "subscriber_id", sub.ID)
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("event stream write failed", "subscriber_id", sub.ID, "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteWait)); err != nil {
				return
			}
		}
	}
}
