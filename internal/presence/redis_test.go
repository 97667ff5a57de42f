package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestNode(t *testing.T, s *miniredis.Miniredis, nodeID string, local Provider, timeout time.Duration) *RedisFanout {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	fanout := NewRedisFanout(client, local, nodeID, timeout, zap.NewNop())
	if err := fanout.Start(context.Background()); err != nil {
		t.Fatalf("Start %s failed: %v", nodeID, err)
	}
	t.Cleanup(func() { _ = fanout.Close() })
	return fanout
}

func TestRedisFanoutSingleNode(t *testing.T) {
	s := miniredis.RunT(t)
	node := newTestNode(t, s, "a", staticProvider(map[string][]Member{
		"s1": {{UserID: "u1", UserName: "Ana"}},
	}), time.Second)

	members, err := node.Members(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Members failed: %v", err)
	}
	if len(members) != 1 || members[0].UserID != "u1" {
		t.Fatalf("unexpected members %+v", members)
	}
}

func TestRedisFanoutUnionsNodes(t *testing.T) {
	s := miniredis.RunT(t)
	a := newTestNode(t, s, "a", staticProvider(map[string][]Member{
		"s1": {{UserID: "u1", UserName: "Ana"}},
	}), time.Second)
	newTestNode(t, s, "b", staticProvider(map[string][]Member{
		"s1": {{UserID: "u2", UserName: "Ben"}, {UserID: "u4"}},
		"s2": {{UserID: "u9", UserName: "Other"}},
	}), time.Second)
	newTestNode(t, s, "c", staticProvider(map[string][]Member{
		"s1": {{UserID: "u3", UserName: "Cy"}},
	}), time.Second)

	registry := NewRegistry(a.local, a, zap.NewNop())
	roster := registry.Roster(context.Background(), "s1")

	want := []string{"u1", "u2", "u3"}
	if len(roster) != len(want) {
		t.Fatalf("expected %v, got %+v", want, roster)
	}
	for i, id := range want {
		if roster[i].UserID != id {
			t.Fatalf("position %d: expected %s, got %+v", i, id, roster)
		}
	}
}

func TestRedisFanoutTimesOutOnSilentNode(t *testing.T) {
	s := miniredis.RunT(t)
	a := newTestNode(t, s, "a", staticProvider(map[string][]Member{
		"s1": {{UserID: "u1", UserName: "Ana"}},
	}), 50*time.Millisecond)

	// subscribed to requests but never answers
	silent := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer silent.Close()
	sub := silent.Subscribe(context.Background(), requestChannel)
	defer sub.Close()
	if _, err := sub.Receive(context.Background()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := a.Members(context.Background(), "s1"); err == nil {
		t.Fatal("expected timeout error")
	}

	roster := NewRegistry(a.local, a, zap.NewNop()).Roster(context.Background(), "s1")
	if len(roster) != 1 || roster[0].UserID != "u1" {
		t.Fatalf("expected local fallback roster, got %+v", roster)
	}
}

func TestRedisFanoutHonoursContext(t *testing.T) {
	s := miniredis.RunT(t)
	a := newTestNode(t, s, "a", staticProvider(nil), time.Minute)

	silent := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer silent.Close()
	sub := silent.Subscribe(context.Background(), requestChannel)
	defer sub.Close()
	if _, err := sub.Receive(context.Background()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := a.Members(ctx, "s1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
