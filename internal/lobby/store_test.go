package lobby

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestStore() *Store {
	return NewStore(time.Hour, zerolog.Nop())
}

func TestNewStore(t *testing.T) {
	s := newTestStore()
	if s == nil {
		t.Fatal("NewStore() returned nil")
	}
	if len(s.List()) != 0 {
		t.Error("new store should have no lobbies")
	}
}

func TestStore_Create(t *testing.T) {
	s := newTestStore()
	l, err := s.Create("host-1", "John 3:16", "KJV", testText, 3)
	if err != nil {
		t.Fatal(err)
	}
	if l.ID == "" {
		t.Error("lobby id should not be empty")
	}
	if l.HostID != "host-1" {
		t.Errorf("HostID = %q, want %q", l.HostID, "host-1")
	}
	if l.State() != StateWaiting {
		t.Errorf("initial state = %q, want waiting", l.State())
	}
	if l.RaceID() == "" {
		t.Error("new lobby should carry a race instance id")
	}
}

func TestStore_Get(t *testing.T) {
	s := newTestStore()
	l, _ := s.Create("host-1", "ref", "KJV", testText, 3)

	if got := s.Get(l.ID); got == nil || got.ID != l.ID {
		t.Fatalf("Get() = %v, want lobby %s", got, l.ID)
	}
	if s.Get("ZZZZZ") != nil {
		t.Error("Get() should return nil for nonexistent lobby")
	}
}

func TestStore_Delete(t *testing.T) {
	s := newTestStore()
	l, _ := s.Create("host-1", "ref", "KJV", testText, 3)

	s.Delete(l.ID)

	if s.Get(l.ID) != nil {
		t.Error("lobby should be deleted")
	}
}

func TestStore_ConcurrentCreate(t *testing.T) {
	s := newTestStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Create("host", "ref", "KJV", testText, 3)
		}()
	}
	wg.Wait()

	if got := len(s.List()); got != 50 {
		t.Errorf("concurrent creates: got %d lobbies, want 50", got)
	}
}

func TestStore_LobbyIsolation(t *testing.T) {
	s := newTestStore()
	l1, _ := s.Create("host-1", "ref", "KJV", testText, 3)
	l2, _ := s.Create("host-2", "ref", "KJV", testText, 3)

	l1.Join("p1", "Alice", "")
	l2.Join("p2", "Bob", "")

	if ps := l1.Snapshot().Participants; len(ps) != 1 || ps[0].Username != "Alice" {
		t.Error("lobby 1 should only have Alice")
	}
	if ps := l2.Snapshot().Participants; len(ps) != 1 || ps[0].Username != "Bob" {
		t.Error("lobby 2 should only have Bob")
	}
}

func TestLobby_Stale(t *testing.T) {
	s := newTestStore()
	l, _ := s.Create("host-1", "ref", "KJV", testText, 3)
	now := time.Now()

	// Empty lobby: stale only after the TTL since creation.
	if l.stale(now, time.Hour) {
		t.Error("fresh empty lobby should not be stale")
	}
	if !l.stale(now.Add(2*time.Hour), time.Hour) {
		t.Error("empty lobby past TTL should be stale")
	}

	// Occupied waiting lobby never goes stale.
	l.Join("p1", "Alice", "")
	if l.stale(now.Add(48*time.Hour), time.Hour) {
		t.Error("occupied waiting lobby should not be stale")
	}

	// Finished lobby: stale after the TTL since finishing.
	l.Join("p2", "Bob", "")
	start := startTestRace(t, l, "p1", "p2")
	l.Finish(l.RaceID(), start.Add(time.Minute))
	if l.stale(start.Add(30*time.Minute), time.Hour) {
		t.Error("recently finished lobby should not be stale")
	}
	if !l.stale(start.Add(3*time.Hour), time.Hour) {
		t.Error("long-finished lobby should be stale")
	}
}
