// Package websocket pushes agent status to watching clients.
//
// Clients open a WebSocket connection to:
//
//	GET /v1/watch
//
// The server sends a status frame right away and then polls the agent every
// Interval, pushing a new frame whenever the state or a queue status changes.
//
// Server → client status frame:
//
//	{"type":"status","agent":"publish","state":"RUNNING","queues":[...],"at":1700000000000}
//
// When the handler has an event source, package lifecycle events follow as
// they happen:
//
//	{"type":"event","topic":"PACKAGE_QUEUED","agent":"publish","package_id":"...",...}
//
// Client → server control frame:
//
//	{"type":"pause"}
//	{"type":"resume"}
package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"reflect"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/epochdist/internal/agent"
	"github.com/snehjoshi/epochdist/internal/types"
)

// DefaultInterval is the poll interval used when Handler.Interval is zero.
const DefaultInterval = time.Second

var upgrader = gorillaws.Upgrader{
	// CheckOrigin rejects cross-origin WebSocket upgrade requests.
	// A request is considered same-origin when its Origin header matches the
	// Host header (scheme-agnostic). Requests without an Origin header
	// (e.g. from native clients/curl) are always allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		parsed, err := parseHost(origin)
		if err != nil {
			return false
		}
		return parsed == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Source is what the watch endpoint reads and controls. *agent.Agent
// implements it.
type Source interface {
	Name() string
	State() types.QueueState
	Summary() ([]agent.QueueSummary, error)
	Pause()
	Resume()
}

// EventSource hands out agent event subscriptions. *agent.Broadcaster
// implements it.
type EventSource interface {
	Subscribe(buffer int) (<-chan agent.Event, func())
}

// eventBuffer is the per-connection event backlog; a slower client misses
// events beyond it.
const eventBuffer = 64

// Handler serves the watch endpoint. Events is optional.
type Handler struct {
	Source   Source
	Events   EventSource
	Interval time.Duration
}

// StatusFrame is the JSON structure the server sends to the client.
type StatusFrame struct {
	Type   string               `json:"type"` // "status"
	Agent  string               `json:"agent"`
	State  types.QueueState     `json:"state"`
	Queues []agent.QueueSummary `json:"queues"`
	At     int64                `json:"at"` // unix ms
}

// EventFrame carries one agent event.
type EventFrame struct {
	Type string `json:"type"` // "event"
	agent.Event
}

// clientFrame is the JSON structure the client sends to the server.
type clientFrame struct {
	Type string `json:"type"` // "pause" | "resume"
}

// ServeHTTP upgrades the connection and starts the push loop.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	// Read control frames from the client.
	controlCh := make(chan clientFrame, 16)
	go func() {
		defer close(controlCh)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cf clientFrame
			if jsonErr := json.Unmarshal(raw, &cf); jsonErr != nil {
				continue
			}
			select {
			case controlCh <- cf:
			case <-r.Context().Done():
				return
			}
		}
	}()

	interval := h.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// A nil channel never fires when there is no event source.
	var events <-chan agent.Event
	if h.Events != nil {
		ch, unsubscribe := h.Events.Subscribe(eventBuffer)
		defer unsubscribe()
		events = ch
	}

	var last *StatusFrame
	push := func() bool {
		frame, err := h.snapshot()
		if err != nil {
			slog.Warn("ws status failed", "err", err)
			return true
		}
		if last != nil && sameStatus(*last, frame) {
			return true
		}
		last = &frame
		data, _ := json.Marshal(frame)
		return conn.WriteMessage(gorillaws.TextMessage, data) == nil
	}

	if !push() {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			_ = conn.WriteControl(gorillaws.CloseMessage,
				gorillaws.FormatCloseMessage(gorillaws.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			return

		case cf, ok := <-controlCh:
			if !ok {
				return // client disconnected
			}
			switch cf.Type {
			case "pause":
				h.Source.Pause()
			case "resume":
				h.Source.Resume()
			default:
				slog.Warn("ws unknown control frame", "type", cf.Type)
				continue
			}
			if !push() {
				return
			}

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			data, _ := json.Marshal(EventFrame{Type: "event", Event: ev})
			if conn.WriteMessage(gorillaws.TextMessage, data) != nil {
				return
			}

		case <-ticker.C:
			if !push() {
				return
			}
		}
	}
}

func (h *Handler) snapshot() (StatusFrame, error) {
	queues, err := h.Source.Summary()
	if err != nil {
		return StatusFrame{}, err
	}
	return StatusFrame{
		Type:   "status",
		Agent:  h.Source.Name(),
		State:  h.Source.State(),
		Queues: queues,
		At:     time.Now().UnixMilli(),
	}, nil
}

// sameStatus compares two frames ignoring their timestamps.
func sameStatus(a, b StatusFrame) bool {
	a.At, b.At = 0, 0
	return reflect.DeepEqual(a, b)
}
