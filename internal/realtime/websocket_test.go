package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"retro/api/internal/presence"
	"retro/api/internal/session"
	"retro/api/internal/store"
)

func newWebsocketServer(t *testing.T) (*httptest.Server, *Hub) {
	t.Helper()
	logger := zap.NewNop()
	hub := NewHub("node-ws", nil, logger)
	cache, _ := session.NewMemoryCache(16)
	manager := NewManager(hub, store.NewMemoryStore(), cache, presence.NewRegistry(hub, nil, logger), nil, logger)
	srv := httptest.NewServer(NewServer(hub, manager, logger, nil))
	t.Cleanup(srv.Close)
	return srv, hub
}

func dial(t *testing.T, ctx context.Context, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.CloseNow() })
	return ws
}

func send(t *testing.T, ctx context.Context, ws *websocket.Conn, frame string) {
	t.Helper()
	if err := ws.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readEvent(t *testing.T, ctx context.Context, ws *websocket.Conn, event string) Frame {
	t.Helper()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		if frame.Event == event {
			return frame
		}
	}
}

func TestWebsocketSessionFlow(t *testing.T) {
	srv, hub := newWebsocketServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ana := dial(t, ctx, srv)
	send(t, ctx, ana, `{"event":"join-session","data":{"sessionId":"s1","userId":"u1","userName":"Ana"}}`)
	readEvent(t, ctx, ana, EventMemberRoster)

	ben := dial(t, ctx, srv)
	send(t, ctx, ben, `{"event":"join-session","data":{"sessionId":"s1","userId":"u2","userName":"Ben"}}`)
	roster := readEvent(t, ctx, ben, EventMemberRoster)
	var members []presence.Member
	_ = json.Unmarshal(roster.Data, &members)
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %+v", members)
	}
	readEvent(t, ctx, ana, EventMemberJoined)

	send(t, ctx, ben, `{"event":"update-session","data":{"phase":"vote"}}`)
	update := readEvent(t, ctx, ana, EventSessionUpdate)
	if string(update.Data) != `{"phase":"vote"}` {
		t.Fatalf("unexpected update %s", update.Data)
	}

	if err := ben.Close(websocket.StatusNormalClosure, ""); err != nil {
		t.Fatalf("close: %v", err)
	}
	readEvent(t, ctx, ana, EventMemberLeft)
	roster = readEvent(t, ctx, ana, EventMemberRoster)
	members = nil
	_ = json.Unmarshal(roster.Data, &members)
	if len(members) != 1 || members[0].UserID != "u1" {
		t.Fatalf("expected only Ana after Ben disconnects, got %+v", members)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.ConnectionCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.ConnectionCount() != 1 {
		t.Fatalf("expected one live connection, got %d", hub.ConnectionCount())
	}
}
