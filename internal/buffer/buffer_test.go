package buffer

import (
	"fmt"
	"sync"
	"testing"

	"chatrecall/internal/models"
)

func turn(id string) models.Turn {
	return models.Turn{ID: id, UserText: "q" + id, AssistantText: "a" + id}
}

func ids(turns []models.Turn) string {
	s := ""
	for i, t := range turns {
		if i > 0 {
			s += ","
		}
		s += t.ID
	}
	return s
}

func TestPushDropsOldest(t *testing.T) {
	b := New(3)
	for i := 1; i <= 5; i++ {
		b.Push(turn(fmt.Sprint(i)))
	}
	if got := ids(b.Snapshot()); got != "3,4,5" {
		t.Fatalf("snapshot = %s, want 3,4,5", got)
	}
	if b.Len() != 3 || b.Cap() != 3 {
		t.Fatalf("len/cap = %d/%d", b.Len(), b.Cap())
	}
}

func TestSnapshotDoesNotMutate(t *testing.T) {
	b := New(4)
	b.Push(turn("1"))
	b.Push(turn("2"))
	snap := b.Snapshot()
	snap[0].ID = "changed"
	if got := ids(b.Snapshot()); got != "1,2" {
		t.Fatalf("snapshot aliasing buffer state: %s", got)
	}
	if empty := New(2).Snapshot(); len(empty) != 0 {
		t.Fatalf("new buffer not empty")
	}
}

func TestDefaultSize(t *testing.T) {
	if New(0).Cap() != DefaultSize || NewRegistry(-1).Limit() != DefaultSize {
		t.Fatalf("default size not applied")
	}
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry(2)
	k1 := Key{UserID: "1", SessionID: "a"}
	k2 := Key{UserID: "1", SessionID: "b"}
	k3 := Key{UserID: "2", SessionID: "a"}

	r.Open(k1).Push(turn("x"))
	if r.Open(k1).Len() != 1 {
		t.Fatalf("Open should return the existing buffer")
	}
	r.Replace(k2, []models.Turn{turn("1"), turn("2"), turn("3")})
	if got := ids(r.Snapshot("1", "b")); got != "2,3" {
		t.Fatalf("replace kept %s", got)
	}
	r.Open(k3).Push(turn("y"))
	if got := ids(r.Snapshot("2", "a")); got != "y" {
		t.Fatalf("users share buffers: %s", got)
	}
	if r.Snapshot("3", "a") != nil {
		t.Fatalf("unknown session should have no snapshot")
	}

	r.DropUser("1")
	if _, ok := r.Get(k1); ok {
		t.Fatalf("DropUser kept a buffer")
	}
	if r.Len() != 1 {
		t.Fatalf("expected one live buffer, got %d", r.Len())
	}
	r.Drop(k3)
	if r.Len() != 0 {
		t.Fatalf("Drop failed")
	}
}

func TestConcurrentPush(t *testing.T) {
	b := New(8)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b.Push(turn(fmt.Sprint(i)))
			_ = b.Snapshot()
		}(i)
	}
	wg.Wait()
	if b.Len() != 8 {
		t.Fatalf("len = %d, want 8", b.Len())
	}
}
