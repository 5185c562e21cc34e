package worker

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"chatrecall/internal/config"
	"chatrecall/internal/models"
	"chatrecall/internal/redis"
)

func TestStateCacheStoreLoadAndInvalidate(t *testing.T) {
	sc, cleanup := newRedisStateCache(t, "test")
	defer cleanup()

	turns := []models.Turn{
		{ID: "t1", UserID: "77", SessionID: "s1", UserText: "hello", AssistantText: "hi"},
	}
	sc.cacheBuffer("77", "s1", turns)
	sc.cacheBuffer("77", "s2", turns)

	got, ok := sc.loadBuffer("77", "s1")
	if !ok || len(got) != 1 || got[0].UserText != "hello" {
		t.Fatalf("expected cached buffer, got %v ok=%v", got, ok)
	}
	if _, ok := sc.loadBuffer("78", "s1"); ok {
		t.Fatalf("another user must not read the snapshot")
	}

	sc.invalidateSession("77", "s1")
	if _, ok := sc.loadBuffer("77", "s1"); ok {
		t.Fatalf("expected session snapshot invalidated")
	}
	if _, ok := sc.loadBuffer("77", "s2"); !ok {
		t.Fatalf("other session should survive a session invalidation")
	}
	sc.invalidateUser("77")
	if _, ok := sc.loadBuffer("77", "s2"); ok {
		t.Fatalf("expected every snapshot of the user invalidated")
	}
}

func TestStateCacheRejectsForeignTurns(t *testing.T) {
	sc, cleanup := newRedisStateCache(t, "test")
	defer cleanup()

	sc.cacheBuffer("77", "s1", []models.Turn{{ID: "t1", UserID: "99", SessionID: "s1", UserText: "leak"}})
	if _, ok := sc.loadBuffer("77", "s1"); ok {
		t.Fatalf("snapshot holding another user's turn must be ignored")
	}
}

func TestStateCachePubSub(t *testing.T) {
	listener, cleanup := newRedisStateCache(t, "instance-a")
	defer cleanup()
	publisher, cleanupPub := newRedisStateCache(t, "instance-b")
	defer cleanupPub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := make(chan invalidateMessage, 2)
	if err := listener.startListener(ctx, func(msg invalidateMessage) {
		ch <- msg
	}); err != nil {
		t.Fatalf("listen: %v", err)
	}

	// own messages are skipped
	listener.publishInvalidation(invalidateMessage{UserID: "5", Scope: scopeUser})
	publisher.publishInvalidation(invalidateMessage{UserID: "5", SessionID: "6", Scope: scopeSession})
	select {
	case got := <-ch:
		want := invalidateMessage{UserID: "5", SessionID: "6", Scope: scopeSession, Origin: "instance-b"}
		if got != want {
			t.Fatalf("unexpected message %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("did not receive pubsub message")
	}
	select {
	case got := <-ch:
		t.Fatalf("unexpected extra message %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNilStateCacheIsInert(t *testing.T) {
	var sc *stateRedis
	sc.cacheBuffer("1", "1", nil)
	if _, ok := sc.loadBuffer("1", "1"); ok {
		t.Fatalf("nil cache should never hit")
	}
	sc.invalidateUser("1")
	if err := sc.startListener(context.Background(), func(invalidateMessage) {}); err != nil {
		t.Fatalf("nil cache listen: %v", err)
	}
}

func newRedisStateCache(t *testing.T, origin string) (*stateRedis, func()) {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed worker tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi port: %v", err)
	}
	db := 0
	if v := os.Getenv("TEST_REDIS_DB"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			db = parsed
		}
	}
	cfg := &config.Config{
		Redis: config.RedisConfig{
			Host: host,
			Port: port,
			DB:   db,
		},
	}
	client, err := redis.NewRedisClient(cfg)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.DeleteMatching(ctx, "worker:buffer:*"); err != nil {
		t.Fatalf("clear buffers: %v", err)
	}
	sc := newStateCache(client, origin)
	cleanup := func() {
		client.Close()
	}
	return sc, cleanup
}
