package race

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/k-okoli/type-of-faith/internal/events"
	"github.com/k-okoli/type-of-faith/internal/lobby"
)

const testText = "For God so loved the" // 20 chars

type sinkRecorder struct {
	mu     sync.Mutex
	events []events.ServerEvent
}

func (s *sinkRecorder) Broadcast(_ string, ev events.ServerEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *sinkRecorder) ofType(t string) []events.ServerEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.ServerEvent
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (s *sinkRecorder) count(t string) int {
	return len(s.ofType(t))
}

type resolverRecorder struct {
	mu      sync.Mutex
	lobbies []string
	races   []string
	results [][]events.Result
}

func (r *resolverRecorder) Resolve(lobbyID, raceID string, results []events.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lobbies = append(r.lobbies, lobbyID)
	r.races = append(r.races, raceID)
	r.results = append(r.results, results)
}

func (r *resolverRecorder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

func newTestEngine(t *testing.T) (*Engine, *lobby.Store, *sinkRecorder, *resolverRecorder, *clockwork.FakeClock) {
	t.Helper()
	store := lobby.NewStore(time.Hour, zerolog.Nop())
	sink := &sinkRecorder{}
	resolver := &resolverRecorder{}
	fc := clockwork.NewFakeClock()
	cfg := Config{
		CountdownTicks:   3,
		TickInterval:     time.Second,
		RaceTimeout:      120 * time.Second,
		WPMCeiling:       250,
		ProgressInterval: 500 * time.Millisecond,
	}
	e := NewEngine(store, sink, resolver, fc, cfg, zerolog.Nop())
	return e, store, sink, resolver, fc
}

func createLobby(t *testing.T, store *lobby.Store) *lobby.Lobby {
	t.Helper()
	l, err := store.Create("u1", "John 3:16", "KJV", testText, 3)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// readyBoth marks u1 and u2 ready and walks the fake clock through the full
// countdown until the race is active and the timeout timer is armed. stale is
// the number of goroutines from earlier races still parked on the clock (a
// finished race leaves its timeout timer waiting until it expires).
func readyBoth(t *testing.T, e *Engine, fc *clockwork.FakeClock, id string, stale int) {
	t.Helper()
	if err := e.Ready(id, "u1", true); err != nil {
		t.Fatal(err)
	}
	if err := e.Ready(id, "u2", true); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		fc.BlockUntil(stale + 1)
		fc.Advance(time.Second)
	}
	// The countdown goroutine arms the race timeout after broadcasting
	// race_start, so one more waiter means the race is running.
	fc.BlockUntil(stale + 1)
}

func TestConnect_UnknownLobby(t *testing.T) {
	e, _, _, _, _ := newTestEngine(t)
	if _, err := e.Connect("NOPE", "u1", "Alice", ""); err != lobby.ErrNotFound {
		t.Errorf("Connect() error = %v, want ErrNotFound", err)
	}
}

func TestConnect_EmitsPlayerJoined(t *testing.T) {
	e, store, sink, _, _ := newTestEngine(t)
	l := createLobby(t, store)

	rejoined, err := e.Connect(l.ID, "u1", "Alice", "dove")
	if err != nil {
		t.Fatal(err)
	}
	if rejoined {
		t.Error("first connect should not report a rejoin")
	}
	view, err := e.Snapshot(l.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(view.Participants) != 1 {
		t.Errorf("snapshot participants = %d, want 1", len(view.Participants))
	}
	joined := sink.ofType(events.PlayerJoined)
	if len(joined) != 1 || joined[0].UserID != "u1" || joined[0].Username != "Alice" || joined[0].AvatarID != "dove" {
		t.Errorf("player_joined events = %+v", joined)
	}
}

func TestConnect_ReconnectKeepsStateAndStaysSilent(t *testing.T) {
	e, store, sink, _, _ := newTestEngine(t)
	l := createLobby(t, store)

	e.Connect(l.ID, "u1", "Alice", "")
	e.Connect(l.ID, "u2", "Bob", "")
	e.Ready(l.ID, "u1", true)

	rejoined, err := e.Connect(l.ID, "u1", "Alice", "")
	if err != nil {
		t.Fatal(err)
	}
	if !rejoined {
		t.Error("second connect of the same user should report a rejoin")
	}
	if sink.count(events.PlayerJoined) != 2 {
		t.Errorf("reconnect must not emit another player_joined, got %d", sink.count(events.PlayerJoined))
	}
	view, err := e.Snapshot(l.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range view.Participants {
		if p.UserID == "u1" && !p.Ready {
			t.Error("reconnect should preserve the ready flag")
		}
	}
}

func TestAttach_SnapshotReflectsEventsCommittedBeforeBind(t *testing.T) {
	e, store, _, _, _ := newTestEngine(t)
	l := createLobby(t, store)
	e.Connect(l.ID, "u1", "Alice", "")
	e.Connect(l.ID, "u2", "Bob", "")

	// An event committed after the join but before the channel binds must
	// show up in the snapshot the new connection resynchronizes from.
	e.Ready(l.ID, "u1", true)

	var bound lobby.View
	if err := e.Attach(l.ID, func(view lobby.View) { bound = view }); err != nil {
		t.Fatal(err)
	}
	readySeen := false
	for _, p := range bound.Participants {
		if p.UserID == "u1" && p.Ready {
			readySeen = true
		}
	}
	if !readySeen {
		t.Error("attach snapshot is missing a commit that preceded the bind")
	}

	if err := e.Attach("NOPE", func(lobby.View) {}); err != lobby.ErrNotFound {
		t.Errorf("Attach() on unknown lobby error = %v, want ErrNotFound", err)
	}
}

func TestReady_SinglePlayerStaysWaiting(t *testing.T) {
	e, store, sink, _, _ := newTestEngine(t)
	l := createLobby(t, store)
	e.Connect(l.ID, "u1", "Alice", "")

	if err := e.Ready(l.ID, "u1", true); err != nil {
		t.Fatal(err)
	}
	if l.State() != lobby.StateWaiting {
		t.Errorf("state = %q, want waiting with one participant", l.State())
	}
	if sink.count(events.Countdown) != 0 {
		t.Error("no countdown should start with a single participant")
	}
}

func TestFullRace_TwoPlayers(t *testing.T) {
	e, store, sink, resolver, fc := newTestEngine(t)
	l := createLobby(t, store)
	e.Connect(l.ID, "u1", "Alice", "")
	e.Connect(l.ID, "u2", "Bob", "")

	readyBoth(t, e, fc, l.ID, 0)

	ticks := sink.ofType(events.Countdown)
	if len(ticks) != 3 {
		t.Fatalf("countdown ticks = %d, want 3", len(ticks))
	}
	for i, want := range []int{3, 2, 1} {
		if ticks[i].Seconds != want {
			t.Errorf("tick[%d] = %d, want %d", i, ticks[i].Seconds, want)
		}
	}

	starts := sink.ofType(events.RaceStart)
	if len(starts) != 1 {
		t.Fatalf("race_start events = %d, want 1", len(starts))
	}
	if starts[0].Text != testText || starts[0].StartTime == 0 {
		t.Errorf("race_start = %+v", starts[0])
	}
	if got := l.StartedAt().UnixMilli(); got != starts[0].StartTime {
		t.Errorf("broadcast start_time %d != authoritative %d", starts[0].StartTime, got)
	}

	// Give the racers a plausible amount of elapsed time.
	fc.Advance(10 * time.Second)

	if err := e.Progress(l.ID, "u1", 20, 60); err != nil {
		t.Fatal(err)
	}
	if err := e.Finish(l.ID, "u1", 5.0, 60, 100); err != nil {
		t.Fatal(err)
	}
	finished := sink.ofType(events.PlayerFinished)
	if len(finished) != 1 || finished[0].UserID != "u1" || finished[0].Place != 1 {
		t.Fatalf("player_finished after A = %+v", finished)
	}

	e.Progress(l.ID, "u2", 20, 48)
	if err := e.Finish(l.ID, "u2", 6.2, 48, 97); err != nil {
		t.Fatal(err)
	}

	ends := sink.ofType(events.RaceEnd)
	if len(ends) != 1 {
		t.Fatalf("race_end events = %d, want 1", len(ends))
	}
	res := ends[0].Results
	if len(res) != 2 || res[0].UserID != "u1" || res[0].Place != 1 || res[1].UserID != "u2" || res[1].Place != 2 {
		t.Errorf("race_end results = %+v", res)
	}
	if l.State() != lobby.StateFinished {
		t.Errorf("state = %q, want finished", l.State())
	}

	if resolver.calls() != 1 {
		t.Fatalf("resolver calls = %d, want 1", resolver.calls())
	}
	if resolver.races[0] != l.RaceID() || resolver.lobbies[0] != l.ID {
		t.Error("resolver received wrong lobby/race ids")
	}
}

func TestFinish_ResubmitEmitsNothing(t *testing.T) {
	e, store, sink, _, fc := newTestEngine(t)
	l := createLobby(t, store)
	e.Connect(l.ID, "u1", "Alice", "")
	e.Connect(l.ID, "u2", "Bob", "")
	readyBoth(t, e, fc, l.ID, 0)
	fc.Advance(10 * time.Second)

	e.Progress(l.ID, "u1", 20, 60)
	if err := e.Finish(l.ID, "u1", 5.0, 60, 100); err != nil {
		t.Fatal(err)
	}
	if err := e.Finish(l.ID, "u1", 5.0, 60, 100); err != nil {
		t.Fatalf("resubmitted finish error: %v", err)
	}
	if sink.count(events.PlayerFinished) != 1 {
		t.Errorf("player_finished events = %d, want 1", sink.count(events.PlayerFinished))
	}
}

func TestCountdown_CancelledWhenParticipantLeaves(t *testing.T) {
	e, store, sink, _, fc := newTestEngine(t)
	l := createLobby(t, store)
	e.Connect(l.ID, "u1", "Alice", "")
	e.Connect(l.ID, "u2", "Bob", "")

	e.Ready(l.ID, "u1", true)
	e.Ready(l.ID, "u2", true)
	fc.BlockUntil(1)
	if l.State() != lobby.StateCountdown {
		t.Fatalf("state = %q, want countdown", l.State())
	}

	e.Disconnect(l.ID, "u2")

	if l.State() != lobby.StateWaiting {
		t.Errorf("state = %q, want waiting after leave", l.State())
	}
	if sink.count(events.Snapshot) == 0 {
		t.Error("cancel should broadcast a snapshot for clients to resync")
	}
	for _, p := range l.Snapshot().Participants {
		if p.Ready {
			t.Errorf("ready flag not cleared for %s", p.UserID)
		}
	}
	if sink.count(events.RaceStart) != 0 {
		t.Error("race must not start after a cancelled countdown")
	}
	// The cancelled timer firing later must not start the race either.
	fc.Advance(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if sink.count(events.RaceStart) != 0 {
		t.Error("stale countdown timer started the race")
	}
}

func TestDisconnect_WhileWaitingRemovesAndTearsDown(t *testing.T) {
	e, store, sink, _, _ := newTestEngine(t)
	l := createLobby(t, store)
	e.Connect(l.ID, "u1", "Alice", "")
	e.Connect(l.ID, "u2", "Bob", "")

	e.Disconnect(l.ID, "u2")
	if sink.count(events.PlayerLeft) != 1 {
		t.Errorf("player_left events = %d, want 1", sink.count(events.PlayerLeft))
	}
	if len(l.Snapshot().Participants) != 1 {
		t.Error("participant should be removed while waiting")
	}

	e.Disconnect(l.ID, "u1")
	if store.Get(l.ID) != nil {
		t.Error("lobby should be torn down when the last participant leaves pre-race")
	}
}

func TestTimeout_RanksDisconnectedLast(t *testing.T) {
	e, store, sink, resolver, fc := newTestEngine(t)
	l := createLobby(t, store)
	e.Connect(l.ID, "u1", "Alice", "")
	e.Connect(l.ID, "u2", "Bob", "")
	readyBoth(t, e, fc, l.ID, 0)
	fc.Advance(10 * time.Second)

	e.Progress(l.ID, "u1", 20, 60)
	if err := e.Finish(l.ID, "u1", 5.0, 60, 100); err != nil {
		t.Fatal(err)
	}

	// B drops mid-race; their record stays for ranking.
	e.Disconnect(l.ID, "u2")
	if l.State() != lobby.StateActive {
		t.Fatalf("state = %q, want still active", l.State())
	}

	fc.Advance(110 * time.Second) // past the 120s deadline
	waitFor(t, func() bool { return sink.count(events.RaceEnd) == 1 }, "race_end not broadcast after timeout")

	res := sink.ofType(events.RaceEnd)[0].Results
	if len(res) != 2 {
		t.Fatalf("results = %+v", res)
	}
	if res[0].UserID != "u1" || !res[0].Finished {
		t.Errorf("winner row = %+v", res[0])
	}
	if res[1].UserID != "u2" || res[1].Finished || res[1].Place != 2 || res[1].Time != 0 {
		t.Errorf("straggler row = %+v", res[1])
	}
	waitFor(t, func() bool { return resolver.calls() == 1 }, "resolver not invoked after timeout")
}

func TestAntiCheat_RejectedFinishRaceEndsViaTimeout(t *testing.T) {
	e, store, sink, _, fc := newTestEngine(t)
	l := createLobby(t, store)
	e.Connect(l.ID, "u1", "Alice", "")
	e.Connect(l.ID, "u2", "Bob", "")
	readyBoth(t, e, fc, l.ID, 0)

	// 20 chars in one second implies 240 WPM... make it half a second: 480.
	fc.Advance(500 * time.Millisecond)
	e.Progress(l.ID, "u1", 20, 400)
	if err := e.Finish(l.ID, "u1", 0.5, 400, 100); err != lobby.ErrAntiCheat {
		t.Fatalf("Finish() error = %v, want ErrAntiCheat", err)
	}
	if sink.count(events.PlayerFinished) != 0 {
		t.Error("rejected finish must not broadcast player_finished")
	}

	fc.Advance(120 * time.Second)
	waitFor(t, func() bool { return sink.count(events.RaceEnd) == 1 }, "race_end not broadcast after timeout")

	for _, r := range sink.ofType(events.RaceEnd)[0].Results {
		if r.Finished {
			t.Errorf("no one should be marked finished, got %+v", r)
		}
	}
}

func TestProgress_OutsideActiveIgnored(t *testing.T) {
	e, store, sink, _, _ := newTestEngine(t)
	l := createLobby(t, store)
	e.Connect(l.ID, "u1", "Alice", "")

	if err := e.Progress(l.ID, "u1", 5, 40); err != lobby.ErrInvalidState {
		t.Errorf("Progress() error = %v, want ErrInvalidState", err)
	}
	if sink.count(events.Progress) != 0 {
		t.Error("no progress broadcast outside active")
	}
}

func TestProgress_CoalescedWithinInterval(t *testing.T) {
	e, store, sink, _, fc := newTestEngine(t)
	l := createLobby(t, store)
	e.Connect(l.ID, "u1", "Alice", "")
	e.Connect(l.ID, "u2", "Bob", "")
	readyBoth(t, e, fc, l.ID, 0)
	fc.Advance(time.Second)

	e.Progress(l.ID, "u1", 2, 40)
	e.Progress(l.ID, "u1", 4, 42) // inside the 500ms window
	if got := sink.count(events.Progress); got != 1 {
		t.Errorf("progress broadcasts = %d, want 1 (second coalesced)", got)
	}

	fc.Advance(600 * time.Millisecond)
	e.Progress(l.ID, "u1", 6, 44)
	if got := sink.count(events.Progress); got != 2 {
		t.Errorf("progress broadcasts = %d, want 2 after window elapsed", got)
	}
}

func TestProgress_BroadcastsCommittedChars(t *testing.T) {
	e, store, sink, _, fc := newTestEngine(t)
	l := createLobby(t, store)
	e.Connect(l.ID, "u1", "Alice", "")
	e.Connect(l.ID, "u2", "Bob", "")
	readyBoth(t, e, fc, l.ID, 0)
	fc.Advance(time.Second)

	// An inflated claim is clamped in the store; peers must see the
	// committed value, not the raw report.
	if err := e.Progress(l.ID, "u1", 1000, 60); err != nil {
		t.Fatal(err)
	}
	progress := sink.ofType(events.Progress)
	if len(progress) != 1 {
		t.Fatalf("progress broadcasts = %d, want 1", len(progress))
	}
	if progress[0].Chars != len(testText) {
		t.Errorf("broadcast chars = %d, want committed %d", progress[0].Chars, len(testText))
	}
	for _, p := range l.Snapshot().Participants {
		if p.UserID == "u1" && p.Progress != len(testText) {
			t.Errorf("stored progress = %d, want %d", p.Progress, len(testText))
		}
	}
}

func TestTimeoutTimer_AfterTeardownLeavesNoLobbyState(t *testing.T) {
	e, store, sink, _, fc := newTestEngine(t)
	l := createLobby(t, store)
	e.Connect(l.ID, "u1", "Alice", "")
	e.Connect(l.ID, "u2", "Bob", "")
	readyBoth(t, e, fc, l.ID, 0)
	fc.Advance(10 * time.Second)

	e.Progress(l.ID, "u1", 20, 60)
	e.Finish(l.ID, "u1", 5.0, 60, 100)
	e.Progress(l.ID, "u2", 20, 50)
	e.Finish(l.ID, "u2", 6.0, 50, 95)
	if err := e.Rematch(l.ID, "u1"); err != nil {
		t.Fatal(err)
	}

	// Everyone leaves while waiting; the lobby is torn down with the first
	// race's timeout timer still pending on the clock.
	e.Disconnect(l.ID, "u2")
	e.Disconnect(l.ID, "u1")
	if store.Get(l.ID) != nil {
		t.Fatal("lobby should be torn down")
	}

	fc.Advance(150 * time.Second)
	time.Sleep(20 * time.Millisecond)

	if _, ok := e.lookupOp(l.ID); ok {
		t.Error("late timeout timer re-created per-lobby state after teardown")
	}
	if got := sink.count(events.RaceEnd); got != 1 {
		t.Errorf("race_end events = %d, want only the first race's", got)
	}
}

func TestRematch_HostOnlyAndResets(t *testing.T) {
	e, store, sink, _, fc := newTestEngine(t)
	l := createLobby(t, store)
	e.Connect(l.ID, "u1", "Alice", "")
	e.Connect(l.ID, "u2", "Bob", "")
	readyBoth(t, e, fc, l.ID, 0)
	fc.Advance(10 * time.Second)
	firstRace := l.RaceID()

	e.Progress(l.ID, "u1", 20, 60)
	e.Finish(l.ID, "u1", 5.0, 60, 100)
	e.Progress(l.ID, "u2", 20, 50)
	e.Finish(l.ID, "u2", 6.0, 50, 95)
	if l.State() != lobby.StateFinished {
		t.Fatalf("state = %q, want finished", l.State())
	}

	if err := e.Rematch(l.ID, "u2"); err != lobby.ErrNotHost {
		t.Errorf("non-host rematch error = %v, want ErrNotHost", err)
	}
	if err := e.Rematch(l.ID, "u1"); err != nil {
		t.Fatal(err)
	}
	if l.State() != lobby.StateWaiting {
		t.Errorf("state = %q, want waiting after rematch", l.State())
	}
	if l.RaceID() == firstRace {
		t.Error("rematch should start a new race instance")
	}
	if sink.count(events.Snapshot) == 0 {
		t.Error("rematch should broadcast a snapshot")
	}

	// A full second race runs cleanly on the same lobby. The first race's
	// timeout timer is still parked on the clock.
	readyBoth(t, e, fc, l.ID, 1)
	if got := sink.count(events.RaceStart); got != 2 {
		t.Errorf("race_start events across both instances = %d, want 2", got)
	}
}
