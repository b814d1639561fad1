package ipc

import (
	"net/http"

	"github.com/okatkov/tradematch/internal/events"
)

// EventsController exposes recent lifecycle events and buffered log lines.
type EventsController struct {
	bus *events.Bus
	log *events.LogHandler
}

func NewEventsController(bus *events.Bus, log *events.LogHandler) *EventsController {
	return &EventsController{bus: bus, log: log}
}

func (c *EventsController) Register(mux *http.ServeMux, auth func(http.Handler) http.Handler) {
	mux.Handle("GET /api/events", auth(http.HandlerFunc(c.recentEvents)))
	mux.Handle("GET /api/log", auth(http.HandlerFunc(c.recentLog)))
}

func (c *EventsController) recentEvents(w http.ResponseWriter, r *http.Request) {
	recent := c.bus.Recent()
	if recent == nil {
		recent = []events.Event{}
	}
	writeJSON(w, http.StatusOK, recent)
}

func (c *EventsController) recentLog(w http.ResponseWriter, r *http.Request) {
	lines := c.log.Recent()
	if lines == nil {
		lines = []events.LogLine{}
	}
	writeJSON(w, http.StatusOK, lines)
}
