package websocket_test

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/epochdist/internal/agent"
	transportws "github.com/snehjoshi/epochdist/internal/transport/websocket"
	"github.com/snehjoshi/epochdist/internal/types"
)

// fakeSource reports a single queue whose state follows pause/resume.
type fakeSource struct {
	mu     sync.Mutex
	paused bool
	count  int
}

func (f *fakeSource) Name() string { return "publish" }

func (f *fakeSource) State() types.QueueState {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case f.paused:
		return types.QueuePaused
	case f.count > 0:
		return types.QueueRunning
	default:
		return types.QueueIdle
	}
}

func (f *fakeSource) Summary() ([]agent.QueueSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []agent.QueueSummary{{
		Name:   "default",
		Status: types.QueueStatus{ItemsCount: f.count},
	}}, nil
}

func (f *fakeSource) Pause()  { f.mu.Lock(); f.paused = true; f.mu.Unlock() }
func (f *fakeSource) Resume() { f.mu.Lock(); f.paused = false; f.mu.Unlock() }

func (f *fakeSource) setCount(n int) { f.mu.Lock(); f.count = n; f.mu.Unlock() }

func dial(t *testing.T, h *transportws.Handler) *gorillaws.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *gorillaws.Conn) transportws.StatusFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f transportws.StatusFrame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestWatch_SendsInitialStatus(t *testing.T) {
	src := &fakeSource{}
	conn := dial(t, &transportws.Handler{Source: src, Interval: time.Hour})

	f := readFrame(t, conn)
	if f.Type != "status" || f.Agent != "publish" || f.State != types.QueueIdle {
		t.Errorf("unexpected initial frame: %+v", f)
	}
	if len(f.Queues) != 1 || f.Queues[0].Name != "default" {
		t.Errorf("queues: %+v", f.Queues)
	}
}

func TestWatch_PushesChanges(t *testing.T) {
	src := &fakeSource{}
	conn := dial(t, &transportws.Handler{Source: src, Interval: 20 * time.Millisecond})
	readFrame(t, conn)

	src.setCount(2)
	f := readFrame(t, conn)
	if f.State != types.QueueRunning || f.Queues[0].Status.ItemsCount != 2 {
		t.Errorf("want RUNNING with 2 items, got %+v", f)
	}
}

func TestWatch_PauseControlFrame(t *testing.T) {
	src := &fakeSource{}
	conn := dial(t, &transportws.Handler{Source: src, Interval: time.Hour})
	readFrame(t, conn)

	if err := conn.WriteJSON(map[string]string{"type": "pause"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if f := readFrame(t, conn); f.State != types.QueuePaused {
		t.Errorf("want PAUSED after pause frame, got %s", f.State)
	}

	if err := conn.WriteJSON(map[string]string{"type": "resume"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if f := readFrame(t, conn); f.State != types.QueueIdle {
		t.Errorf("want IDLE after resume frame, got %s", f.State)
	}
}

func TestWatch_PushesEvents(t *testing.T) {
	src := &fakeSource{}
	bus := agent.NewBroadcaster()
	conn := dial(t, &transportws.Handler{Source: src, Events: bus, Interval: time.Hour})
	readFrame(t, conn)

	bus.Publish(agent.Event{
		Topic:     agent.TopicPackageQueued,
		Agent:     "publish",
		PackageID: "01HZX3J7Y5Q2K8W9V4T6R0M1NB",
		Queues:    []string{"default"},
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f transportws.EventFrame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if f.Type != "event" || f.Topic != agent.TopicPackageQueued {
		t.Errorf("want a PACKAGE_QUEUED event frame, got %+v", f)
	}
	if f.PackageID != "01HZX3J7Y5Q2K8W9V4T6R0M1NB" || len(f.Queues) != 1 || f.Queues[0] != "default" {
		t.Errorf("unexpected event payload: %+v", f.Event)
	}
}

func TestWatch_UnsubscribesOnClose(t *testing.T) {
	bus := agent.NewBroadcaster()
	conn := dial(t, &transportws.Handler{Source: &fakeSource{}, Events: bus, Interval: time.Hour})
	readFrame(t, conn)
	if n := bus.Subscribers(); n != 1 {
		t.Fatalf("subscribers while connected: want 1, got %d", n)
	}

	_ = conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for bus.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription not released after the client left")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
