package realtime

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"lifelink/internal/modules/activity"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func receive(t *testing.T, ch <-chan []byte) activity.Event {
	t.Helper()
	select {
	case data := <-ch:
		var ev activity.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return activity.Event{}
}

func TestHub_BroadcastHonoursKinds(t *testing.T) {
	hub := startHub(t)
	all := newClient(hub, nil, nil)
	decisionsOnly := newClient(hub, nil, []string{activity.KindDecision})
	hub.register <- all
	hub.register <- decisionsOnly

	hub.Broadcast(activity.Event{Kind: activity.KindNotification, Payload: map[string]string{"title": "x"}})
	hub.Broadcast(activity.Event{Kind: activity.KindDecision, Payload: map[string]string{"action": "assigned"}})

	if ev := receive(t, all.send); ev.Kind != activity.KindNotification {
		t.Fatalf("first event kind = %s, want notification", ev.Kind)
	}
	if ev := receive(t, all.send); ev.Kind != activity.KindDecision {
		t.Fatalf("second event kind = %s, want decision", ev.Kind)
	}
	if ev := receive(t, decisionsOnly.send); ev.Kind != activity.KindDecision {
		t.Fatalf("filtered client got %s, want decision", ev.Kind)
	}
	select {
	case extra := <-decisionsOnly.send:
		t.Fatalf("filtered client received unexpected %s", extra)
	default:
	}
}

func TestHub_UnregisterClosesSend(t *testing.T) {
	hub := startHub(t)
	c := newClient(hub, nil, nil)
	hub.register <- c
	hub.unregister <- c

	select {
	case _, ok := <-c.send:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("send channel not closed")
	}
	if n := hub.ClientCount(); n != 0 {
		t.Fatalf("client count = %d, want 0", n)
	}
}

func TestHub_SlowClientDropped(t *testing.T) {
	hub := startHub(t)
	slow := newClient(hub, nil, nil)
	hub.register <- slow

	for i := 0; i < sendBuffer+1; i++ {
		hub.Broadcast(activity.Event{Kind: activity.KindActivity})
	}

	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("slow client was not dropped")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServe_StreamsEvents(t *testing.T) {
	hub := startHub(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = Serve(hub, w, r, nil)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Broadcast(activity.Event{Kind: activity.KindNotification, Payload: map[string]string{"title": "Ambulance assigned"}})

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var ev struct {
		Kind    string            `json:"kind"`
		Payload map[string]string `json:"payload"`
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Kind != activity.KindNotification || ev.Payload["title"] != "Ambulance assigned" {
		t.Fatalf("unexpected event %+v", ev)
	}
}
