package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/snehjoshi/epochdist/internal/agent"
	"github.com/snehjoshi/epochdist/internal/dlq"
	transportws "github.com/snehjoshi/epochdist/internal/transport/websocket"
	"github.com/snehjoshi/epochdist/internal/types"
)

// maxRequestPaths is the maximum number of paths accepted in a single request.
const maxRequestPaths = 100

// Property limits, enforced on every submitted request.
const (
	propMaxKeys     = 16  // max number of key/value pairs
	propMaxKeyBytes = 64  // max bytes per key
	propMaxValBytes = 512 // max bytes per value
)

// validateProperties returns a non-nil error if m violates any property limit.
func validateProperties(m map[string]string) error {
	if len(m) > propMaxKeys {
		return fmt.Errorf("properties: too many keys (max %d)", propMaxKeys)
	}
	for k, v := range m {
		if len(k) == 0 {
			return errors.New("properties: key must not be empty")
		}
		if len(k) > propMaxKeyBytes {
			return fmt.Errorf("properties: key too long (max %d bytes)", propMaxKeyBytes)
		}
		if len(v) > propMaxValBytes {
			return fmt.Errorf("properties: value too long (max %d bytes)", propMaxValBytes)
		}
	}
	return nil
}

// validateRequest checks the request type and paths of a submitted request.
func validateRequest(req requestReq) error {
	switch types.RequestType(req.Type) {
	case types.RequestAdd, types.RequestDelete, types.RequestPull, types.RequestTest:
	default:
		return fmt.Errorf("unknown request type %q", req.Type)
	}
	if len(req.Paths) > maxRequestPaths {
		return fmt.Errorf("too many paths (max %d)", maxRequestPaths)
	}
	for _, p := range req.Paths {
		if !strings.HasPrefix(p, "/") || strings.ContainsRune(p, '\x00') {
			return fmt.Errorf("invalid path %q", p)
		}
	}
	return validateProperties(req.Properties)
}

// queueParam returns the {name} path value when it is one of names and
// answers 404 otherwise. Only queues the agent's strategy uses are served,
// so a request can never create a queue.
func queueParam(w http.ResponseWriter, r *http.Request, names []string) (string, bool) {
	name := r.PathValue("name")
	if !slices.Contains(names, name) {
		writeError(w, http.StatusNotFound, fmt.Errorf("queue %q not found", name))
		return "", false
	}
	return name, true
}

// Handler groups all HTTP request handlers around an Agent.
type Handler struct {
	agent    *agent.Agent
	dlq      *dlq.Manager
	instance string
	events   transportws.EventSource
	logger   *slog.Logger
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type requestReq struct {
	Type       string            `json:"type"`
	Paths      []string          `json:"paths"`
	Properties map[string]string `json:"properties"`
}

type requestResp struct {
	Responses []agent.Response `json:"responses"`
}

type queuesResp struct {
	Agent  string               `json:"agent"`
	State  types.QueueState     `json:"state"`
	Queues []agent.QueueSummary `json:"queues"`
}

type itemView struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Info     types.PackageInfo `json:"info"`
	State    types.ItemState   `json:"state"`
	Attempts int               `json:"attempts"`
	Entered  int64             `json:"entered"` // unix ms
}

type itemsResp struct {
	Queue string     `json:"queue"`
	Items []itemView `json:"items"`
}

type dlqResp struct {
	Origin string     `json:"origin"`
	Items  []itemView `json:"items"`
}

type replayResp struct {
	Replayed int `json:"replayed"`
}

type healthResp struct {
	Status   string           `json:"status"`
	Agent    string           `json:"agent"`
	Instance string           `json:"instance,omitempty"`
	State    types.QueueState `json:"state"`
	Queues   int              `json:"queues"`
	Uptime   string           `json:"uptime"`
	UptimeMs int64            `json:"uptime_ms"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

var startTime = time.Now()

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	up := time.Since(startTime)
	writeJSON(w, http.StatusOK, healthResp{
		Status:   "ok",
		Agent:    h.agent.Name(),
		Instance: h.instance,
		State:    h.agent.State(),
		Queues:   len(h.agent.QueueNames()),
		Uptime:   up.Round(time.Second).String(),
		UptimeMs: up.Milliseconds(),
	})
}

// ─── Requests ─────────────────────────────────────────────────────────────────

func (h *Handler) submitRequest(w http.ResponseWriter, r *http.Request) {
	var req requestReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := validateRequest(req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	responses, err := h.agent.Execute(r.Context(), agent.Request{
		Type:       types.RequestType(req.Type),
		Paths:      req.Paths,
		Properties: req.Properties,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	code := http.StatusAccepted
	if !anyAccepted(responses) {
		code = http.StatusOK
	}
	writeJSON(w, code, requestResp{Responses: responses})
}

func anyAccepted(rs []agent.Response) bool {
	for _, r := range rs {
		if r.State != agent.StateDropped {
			return true
		}
	}
	return false
}

// ─── Queues ───────────────────────────────────────────────────────────────────

func (h *Handler) listQueues(w http.ResponseWriter, r *http.Request) {
	summary, err := h.agent.Summary()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, queuesResp{
		Agent:  h.agent.Name(),
		State:  h.agent.State(),
		Queues: summary,
	})
}

func (h *Handler) listItems(w http.ResponseWriter, r *http.Request) {
	name, ok := queueParam(w, r, h.agent.QueueNames())
	if !ok {
		return
	}
	offset := parseIntParam(r, "offset", 0)
	limit := parseIntParam(r, "limit", 50)

	q, err := h.agent.Queue(name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	items, err := q.Items(offset, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]itemView, 0, len(items))
	for _, it := range items {
		e, err := q.Entry(it.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if e != nil { // removed since Items
			views = append(views, toItemView(*e))
		}
	}
	writeJSON(w, http.StatusOK, itemsResp{Queue: name, Items: views})
}

// ─── DLQ ─────────────────────────────────────────────────────────────────────

func (h *Handler) getDLQ(w http.ResponseWriter, r *http.Request) {
	name, ok := queueParam(w, r, h.agent.ProcessedQueueNames())
	if !ok {
		return
	}
	limit := parseIntParam(r, "limit", 10)

	entries, err := h.dlq.Peek(name, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]itemView, 0, len(entries))
	for _, e := range entries {
		views = append(views, toItemView(e))
	}
	writeJSON(w, http.StatusOK, dlqResp{Origin: name, Items: views})
}

func (h *Handler) replayDLQ(w http.ResponseWriter, r *http.Request) {
	name, ok := queueParam(w, r, h.agent.ProcessedQueueNames())
	if !ok {
		return
	}
	limit := parseIntParam(r, "limit", 100)

	replayed, err := h.dlq.Replay(name, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, replayResp{Replayed: replayed})
}

// ─── Agent control ────────────────────────────────────────────────────────────

func (h *Handler) pause(w http.ResponseWriter, r *http.Request) {
	h.agent.Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) resume(w http.ResponseWriter, r *http.Request) {
	h.agent.Resume()
	w.WriteHeader(http.StatusNoContent)
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func toItemView(e types.QueueEntry) itemView {
	v := itemView{
		ID:       e.Item.ID,
		Type:     e.Item.Type,
		Info:     e.Item.Info,
		State:    e.Status.State,
		Attempts: e.Status.Attempts,
	}
	if !e.Status.Entered.IsZero() {
		v.Entered = e.Status.Entered.UnixMilli()
	}
	return v
}

func parseIntParam(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}
