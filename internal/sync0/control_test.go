package sync0

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func TestControlChannelSkipWaiting(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "asset")
	}))
	defer origin.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := newTestStore(t)
	t.Cleanup(func() { store.Close() })

	rt1 := NewStrategyRouter(store, origin.Client(), origin.URL, nil, nil, "", nil, "v1", testLog())
	if err := rt1.Install(ctx); err != nil {
		t.Fatalf("install v1: %v", err)
	}
	rt2 := NewStrategyRouter(store, origin.Client(), origin.URL, nil, nil, "", nil, "v2", testLog())
	if err := rt2.Install(ctx); err != nil {
		t.Fatalf("install v2: %v", err)
	}
	if rt2.WaitingGeneration() != "v2" {
		t.Fatalf("waiting=%s, want v2", rt2.WaitingGeneration())
	}

	srv := httptest.NewServer(controlHandler(rt2, testLog()))
	defer srv.Close()

	conn, _, err := websocket.Dial(ctx, srv.URL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"SKIP_WAITING"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var reply controlReply
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Type != "RELOADED" || reply.Generation != "v2" {
		t.Fatalf("reply %+v, want RELOADED/v2", reply)
	}
	if rt2.ActiveGeneration() != "v2" {
		t.Fatalf("active=%s after skip waiting", rt2.ActiveGeneration())
	}
}

func TestControlChannelRejectsUnknownMessages(t *testing.T) {
	store := newTestStore(t)
	t.Cleanup(func() { store.Close() })
	rt := NewStrategyRouter(store, http.DefaultClient, "http://origin.invalid", nil, nil, "", nil, "v1", testLog())

	srv := httptest.NewServer(controlHandler(rt, testLog()))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, srv.URL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"DO_THE_THING"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var reply controlReply
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Type != "ERROR" {
		t.Fatalf("reply %+v, want ERROR", reply)
	}
}
