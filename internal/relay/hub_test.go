package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/park285/cheese-duel/pkg/chessdto"
	"github.com/redis/go-redis/v9"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func startRelay(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(Handler(hub))
	t.Cleanup(func() {
		_ = hub.Close()
		srv.Close()
	})
	return srv
}

func dialRoom(t *testing.T, srv *httptest.Server, room string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chess?room=" + room
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func waitForMembers(t *testing.T, hub *Hub, room string, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for hub.RoomSize(room) != n {
		if time.Now().After(deadline) {
			t.Fatalf("room %s has %d members, want %d", room, hub.RoomSize(room), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func readMove(t *testing.T, conn *websocket.Conn, within time.Duration) (chessdto.PeerMove, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), within)
	defer cancel()
	var mv chessdto.PeerMove
	err := wsjson.Read(ctx, conn, &mv)
	return mv, err
}

func TestHub_BroadcastsToOthersInRoom(t *testing.T) {
	hub := NewHub()
	srv := startRelay(t, hub)
	a := dialRoom(t, srv, "r1")
	b := dialRoom(t, srv, "r1")
	other := dialRoom(t, srv, "r2")
	waitForMembers(t, hub, "r1", 2)
	waitForMembers(t, hub, "r2", 1)

	ctx := context.Background()
	if err := wsjson.Write(ctx, a, chessdto.PeerMove{From: "e2", To: "e4", Sender: "a"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	mv, err := readMove(t, b, 5*time.Second)
	if err != nil {
		t.Fatalf("b read: %v", err)
	}
	if mv.From != "e2" || mv.To != "e4" || mv.Sender != "a" {
		t.Fatalf("b got %+v", mv)
	}
	if _, err := readMove(t, a, 200*time.Millisecond); err == nil {
		t.Fatalf("sender received its own event")
	}
	if _, err := readMove(t, other, 200*time.Millisecond); err == nil {
		t.Fatalf("event leaked into another room")
	}
}

func TestHub_EchoMode(t *testing.T) {
	hub := NewHub(WithEcho(true))
	srv := startRelay(t, hub)
	a := dialRoom(t, srv, "r1")
	waitForMembers(t, hub, "r1", 1)

	if err := wsjson.Write(context.Background(), a, chessdto.PeerMove{From: "g1", To: "f3"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	mv, err := readMove(t, a, 5*time.Second)
	if err != nil || mv.From != "g1" {
		t.Fatalf("echo = %+v, %v", mv, err)
	}
}

func TestHub_RejectsNonObjectMessages(t *testing.T) {
	hub := NewHub()
	srv := startRelay(t, hub)
	a := dialRoom(t, srv, "r1")
	waitForMembers(t, hub, "r1", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Write(ctx, websocket.MessageText, []byte(`"e2e4"`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	var derr chessdto.DomainError
	if err := wsjson.Read(ctx, a, &derr); err != nil {
		t.Fatalf("read: %v", err)
	}
	if derr.Code != "invalid_message" {
		t.Fatalf("error frame = %+v", derr)
	}
}

func TestHandler_Healthz(t *testing.T) {
	hub := NewHub()
	srv := startRelay(t, hub)
	dialRoom(t, srv, "r1")
	waitForMembers(t, hub, "r1", 1)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Rooms != 1 || body.Clients != 1 {
		t.Fatalf("health = %+v", body)
	}
}

func TestRedisBridge_SharesRoomsAcrossInstances(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hubs := make([]*Hub, 2)
	servers := make([]*httptest.Server, 2)
	for i := range hubs {
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		bridge := NewRedisBridge(rdb, nil)
		hubs[i] = NewHub(WithPublisher(bridge))
		if err := bridge.Start(ctx, hubs[i]); err != nil {
			t.Fatalf("bridge %d: %v", i, err)
		}
		t.Cleanup(func() {
			_ = bridge.Close()
			_ = rdb.Close()
		})
		servers[i] = startRelay(t, hubs[i])
	}

	a := dialRoom(t, servers[0], "shared")
	b := dialRoom(t, servers[1], "shared")
	waitForMembers(t, hubs[0], "shared", 1)
	waitForMembers(t, hubs[1], "shared", 1)

	if err := wsjson.Write(ctx, a, chessdto.PeerMove{From: "d2", To: "d4", Sender: "a"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	mv, err := readMove(t, b, 5*time.Second)
	if err != nil {
		t.Fatalf("cross-instance read: %v", err)
	}
	if mv.From != "d2" || mv.To != "d4" {
		t.Fatalf("got %+v", mv)
	}
	// the publishing instance does not deliver its own event twice
	if _, err := readMove(t, a, 200*time.Millisecond); err == nil {
		t.Fatalf("sender received a bridged copy")
	}
}
