package fanout

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seatrush/flash-sale-ticketing/internal/queue"
)

// wsPair dials a throwaway websocket server and returns both ends.  The
// server side is what the registry manages; the client side is what a test
// reads broadcasts from.
func wsPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		connCh <- c
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	server = <-connCh
	t.Cleanup(func() { server.Close() })
	return server, client
}

func readJSON(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := c.ReadJSON(v); err != nil {
		t.Fatalf("read: %v", err)
	}
}

func TestRegisterReplacesExistingLocalSession(t *testing.T) {
	r := NewRegistry()
	oldSrv, _ := wsPair(t)
	newSrv, _ := wsPair(t)

	old := r.Register("u1", 1, oldSrv)
	replacement := r.Register("u1", 1, newSrv)

	got, ok := r.Lookup("u1")
	if !ok || got != replacement {
		t.Fatal("Lookup did not return the replacement session")
	}
	if !old.closed {
		t.Error("replaced session was not closed")
	}
	if n := r.RoomCount(1); n != 1 {
		t.Errorf("RoomCount: got %d, want 1", n)
	}
}

func TestUnregisterLeavesNewerSessionAlone(t *testing.T) {
	r := NewRegistry()
	oldSrv, _ := wsPair(t)
	newSrv, _ := wsPair(t)

	old := r.Register("u1", 1, oldSrv)
	replacement := r.Register("u1", 1, newSrv)

	// The reader goroutine of the replaced socket reports the close as a
	// read error and unregisters its own, stale session.
	r.Unregister(old)

	got, ok := r.Lookup("u1")
	if !ok || got != replacement {
		t.Fatal("stale Unregister evicted the current session")
	}

	r.Unregister(replacement)
	if _, ok := r.Lookup("u1"); ok {
		t.Error("session still registered after Unregister")
	}
	if n := r.RoomCount(1); n != 0 {
		t.Errorf("RoomCount after unregister: got %d, want 0", n)
	}
}

func TestCloseUserEvictsSession(t *testing.T) {
	r := NewRegistry()
	srv, _ := wsPair(t)
	s := r.Register("u1", 1, srv)

	if !r.CloseUser("u1") {
		t.Fatal("CloseUser found no session")
	}
	if !s.closed {
		t.Error("session socket not closed")
	}
	if r.CloseUser("u1") {
		t.Error("second CloseUser reported a session")
	}
}

func TestBroadcastRoomReachesOnlyRoomMembers(t *testing.T) {
	r := NewRegistry()
	srv1, cli1 := wsPair(t)
	srv2, cli2 := wsPair(t)
	srv3, cli3 := wsPair(t)

	r.Register("u1", 1, srv1)
	r.Register("u2", 1, srv2)
	r.Register("u3", 2, srv3)

	r.BroadcastRoom(1, map[string]string{"hello": "room1"})

	for _, cli := range []*websocket.Conn{cli1, cli2} {
		var msg map[string]string
		readJSON(t, cli, &msg)
		if msg["hello"] != "room1" {
			t.Errorf("broadcast payload: got %v", msg)
		}
	}

	cli3.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var stray map[string]string
	if err := cli3.ReadJSON(&stray); err == nil {
		t.Errorf("room 2 member received room 1 broadcast: %v", stray)
	}
}

func TestBroadcastDropsDeadSockets(t *testing.T) {
	r := NewRegistry()
	srv1, _ := wsPair(t)
	srv2, cli2 := wsPair(t)

	r.Register("u1", 1, srv1)
	r.Register("u2", 1, srv2)
	srv1.Close() // u1's transport dies without unregistering

	r.BroadcastRoom(1, map[string]string{"k": "v"})

	var msg map[string]string
	readJSON(t, cli2, &msg)

	if _, ok := r.Lookup("u1"); ok {
		t.Error("dead socket still registered after failed send")
	}
	if n := r.RoomCount(1); n != 1 {
		t.Errorf("RoomCount after drop: got %d, want 1", n)
	}
}

func TestBridgeActsOnlyForOwnedSessionClose(t *testing.T) {
	r := NewRegistry()
	srv, cli := wsPair(t)
	r.Register("u1", 1, srv)

	bridge := NewBridge("inst-a", r)
	payload, _ := json.Marshal(queue.SessionCloseData{UserID: "u1", Reason: "duplicate_login"})

	// Tagged for another instance: nothing happens here.
	bridge.HandleSessionControl(queue.Envelope{
		Type: queue.TypeSessionClose, Instance: "inst-b", Data: payload,
	})
	if _, ok := r.Lookup("u1"); !ok {
		t.Fatal("session evicted by an event for another instance")
	}

	bridge.HandleSessionControl(queue.Envelope{
		Type: queue.TypeSessionClose, Instance: "inst-a", Data: payload,
	})
	if _, ok := r.Lookup("u1"); ok {
		t.Error("session still present after owned session-close")
	}

	// The evicted client observes the close as a read error.
	cli.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := cli.ReadMessage(); err == nil {
		t.Error("closed socket still readable")
	}
}

func TestBridgeForwardsRoomEvents(t *testing.T) {
	r := NewRegistry()
	srv, cli := wsPair(t)
	r.Register("u1", 42, srv)

	bridge := NewBridge("inst-a", r)
	bridge.HandleRoomEvent(queue.Envelope{Type: queue.TypeQueueSnapshot, RoomID: 42})

	var env queue.Envelope
	readJSON(t, cli, &env)
	if env.Type != queue.TypeQueueSnapshot || env.RoomID != 42 {
		t.Errorf("forwarded envelope: got %+v", env)
	}

	// Events for rooms with no local members are dropped without error.
	bridge.HandleRoomEvent(queue.Envelope{Type: queue.TypeQueueSnapshot, RoomID: 7})
}
