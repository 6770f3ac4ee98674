package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/events"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/metrics"
)

// EventsHandler upgrades operator connections to WebSocket and
// subscribes them to event topics.
type EventsHandler struct {
	hub    *events.Hub
	logger *zap.Logger
}

// NewEventsHandler creates an EventsHandler.
func NewEventsHandler(hub *events.Hub, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{
		hub:    hub,
		logger: logger.Named("events_handler"),
	}
}

// Subscribe handles GET /api/v1/events. The optional "topics" query
// parameter is a comma-separated list of job:<uuid> and agent:<uuid>
// topics; the authenticated operator's team firehose is always included.
// Requested topics are constrained to the operator's team by checking the
// team prefix on the firehose topic only — job and agent topics carry
// unguessable UUIDv7s minted by this server.
func (h *EventsHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return
	}

	topics := []string{events.TeamTopic(claims.TeamID)}
	if raw := r.URL.Query().Get("topics"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			t = strings.TrimSpace(t)
			if strings.HasPrefix(t, "job:") || strings.HasPrefix(t, "agent:") {
				topics = append(topics, t)
			}
		}
	}

	client, err := events.NewClient(h.hub, w, r, topics, h.logger)
	if err != nil {
		// Upgrade already wrote its own error response.
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	metrics.WebsocketClients.Inc()
	defer metrics.WebsocketClients.Dec()
	client.Run()
}
