package hub

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lzyats/core-offline-go/pkg/event"
)

func TestPublishReachesClient(t *testing.T) {
	h := New(4, time.Second, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.Publish(event.New(event.Online).WithOnline(true))

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var e event.Event
	if err := json.Unmarshal(b, &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.Kind != event.Online || e.Online == nil || !*e.Online {
		t.Fatalf("event = %+v", e)
	}
}

func TestBroadcastDropsWhenFull(t *testing.T) {
	h := New(1, time.Second, nil)
	c := &Conn{ID: 1, Out: make(chan []byte, 1)}
	h.Set(c)
	h.Broadcast([]byte("a"))
	h.Broadcast([]byte("b"))
	if got := string(<-c.Out); got != "a" {
		t.Fatalf("first frame = %q", got)
	}
	select {
	case b := <-c.Out:
		t.Fatalf("unexpected frame %q", b)
	default:
	}
	h.Del(1)
	if h.Len() != 0 {
		t.Fatalf("len = %d after del", h.Len())
	}
}
