package poll_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/skadic/guildcore/internal/cache"
	"github.com/skadic/guildcore/internal/database"
	"github.com/skadic/guildcore/internal/poll"
	"github.com/skadic/guildcore/internal/storetest"
)

func newEngine(t *testing.T) (*poll.Engine, *storetest.MemStore, *clockwork.FakeClock) {
	t.Helper()
	store := storetest.NewMemStore()
	clock := clockwork.NewFakeClock()
	c := cache.New(store, nil, cache.Options{Clock: clock})
	return poll.NewEngine(c, clock, nil, 0), store, clock
}

func TestOpenValidation(t *testing.T) {
	t.Parallel()
	e, _, _ := newEngine(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		options []string
	}{
		{"one option", []string{"A"}},
		{"eleven options", []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Open(ctx, "g1", "u1", tt.options, time.Minute)
			if !errors.Is(err, poll.ErrInvalidOptionCount) {
				t.Errorf("Open = %v, want ErrInvalidOptionCount", err)
			}
		})
	}
}

func TestOpenRejectsOversizedOptions(t *testing.T) {
	t.Parallel()
	e, _, _ := newEngine(t)

	big := make([]byte, 600)
	for i := range big {
		big[i] = 'x'
	}
	_, err := e.Open(context.Background(), "g1", "u1", []string{string(big), string(big)}, time.Minute)
	if !errors.Is(err, poll.ErrInvalidOptionCount) {
		t.Errorf("Open = %v, want ErrInvalidOptionCount", err)
	}
}

func TestOnePollPerGuild(t *testing.T) {
	t.Parallel()
	e, _, _ := newEngine(t)
	ctx := context.Background()

	first, err := e.Open(ctx, "g1", "u1", []string{"A", "B"}, time.Minute)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}

	if _, err := e.Open(ctx, "g1", "u2", []string{"C", "D"}, time.Minute); !errors.Is(err, poll.ErrPollAlreadyOpen) {
		t.Errorf("second Open = %v, want ErrPollAlreadyOpen", err)
	}

	// Other guilds are unaffected.
	if _, err := e.Open(ctx, "g2", "u1", []string{"A", "B"}, time.Minute); err != nil {
		t.Errorf("Open on other guild error: %v", err)
	}

	// Closing frees the slot.
	if _, err := e.Close(ctx, first.ID); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if _, err := e.Open(ctx, "g1", "u1", []string{"E", "F"}, time.Minute); err != nil {
		t.Errorf("Open after close error: %v", err)
	}
}

func TestVoteLastWriteWins(t *testing.T) {
	t.Parallel()
	e, _, clock := newEngine(t)
	ctx := context.Background()

	p, err := e.Open(ctx, "g1", "creator", []string{"A", "B"}, time.Second)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}

	for _, v := range []struct {
		user string
		opt  int
	}{{"u1", 0}, {"u2", 1}, {"u1", 1}} {
		if err := e.CastVote(ctx, p.ID, v.user, v.opt); err != nil {
			t.Fatalf("CastVote(%s, %d) error: %v", v.user, v.opt, err)
		}
	}

	clock.Advance(2 * time.Second)
	tally, err := e.Close(ctx, p.ID)
	if err != nil {
		t.Fatalf("Close error: %v", err)
	}

	want := poll.Tally{{Label: "B", Count: 2}, {Label: "A", Count: 0}}
	if len(tally) != len(want) {
		t.Fatalf("tally = %v, want %v", tally, want)
	}
	for i := range want {
		if tally[i] != want[i] {
			t.Errorf("tally[%d] = %v, want %v", i, tally[i], want[i])
		}
	}
}

func TestVoteValidation(t *testing.T) {
	t.Parallel()
	e, _, _ := newEngine(t)
	ctx := context.Background()

	p, err := e.Open(ctx, "g1", "u1", []string{"A", "B"}, time.Minute)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}

	if err := e.CastVote(ctx, p.ID, "u1", 2); !errors.Is(err, poll.ErrInvalidOption) {
		t.Errorf("CastVote out of range = %v, want ErrInvalidOption", err)
	}
	if err := e.CastVote(ctx, p.ID, "u1", -1); !errors.Is(err, poll.ErrInvalidOption) {
		t.Errorf("CastVote negative = %v, want ErrInvalidOption", err)
	}
	if err := e.CastVote(ctx, "no-such-poll", "u1", 0); !errors.Is(err, poll.ErrPollNotFound) {
		t.Errorf("CastVote unknown poll = %v, want ErrPollNotFound", err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	t.Parallel()
	e, _, _ := newEngine(t)
	ctx := context.Background()

	p, err := e.Open(ctx, "g1", "u1", []string{"A", "B"}, time.Minute)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if err := e.CastVote(ctx, p.ID, "u1", 0); err != nil {
		t.Fatalf("CastVote error: %v", err)
	}

	first, err := e.Close(ctx, p.ID)
	if err != nil {
		t.Fatalf("first Close error: %v", err)
	}
	second, err := e.Close(ctx, p.ID)
	if err != nil {
		t.Fatalf("second Close error: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("tallies differ in length: %v vs %v", first, second)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("tally[%d] differs: %v vs %v", i, first[i], second[i])
		}
	}
}

func TestVoteAfterDeadline(t *testing.T) {
	t.Parallel()
	e, _, clock := newEngine(t)
	ctx := context.Background()

	p, err := e.Open(ctx, "g1", "u1", []string{"A", "B"}, time.Second)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}

	clock.Advance(2 * time.Second)
	if err := e.CastVote(ctx, p.ID, "u1", 0); !errors.Is(err, poll.ErrPollClosed) {
		t.Errorf("CastVote after deadline = %v, want ErrPollClosed", err)
	}

	// The expired vote performed the transition lazily.
	got, err := e.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.State != poll.StateClosed {
		t.Errorf("state after expired vote = %s, want closed", got.State)
	}

	// The slot is free again.
	if _, err := e.Open(ctx, "g1", "u1", []string{"C", "D"}, time.Minute); err != nil {
		t.Errorf("Open after lazy close error: %v", err)
	}
}

func TestTallyTieBreakByOptionOrder(t *testing.T) {
	t.Parallel()
	e, _, _ := newEngine(t)
	ctx := context.Background()

	p, err := e.Open(ctx, "g1", "u1", []string{"A", "B", "C"}, time.Minute)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if err := e.CastVote(ctx, p.ID, "u1", 1); err != nil {
		t.Fatalf("CastVote error: %v", err)
	}
	if err := e.CastVote(ctx, p.ID, "u2", 2); err != nil {
		t.Fatalf("CastVote error: %v", err)
	}

	tally, err := e.Close(ctx, p.ID)
	if err != nil {
		t.Fatalf("Close error: %v", err)
	}
	want := poll.Tally{{Label: "B", Count: 1}, {Label: "C", Count: 1}, {Label: "A", Count: 0}}
	for i := range want {
		if tally[i] != want[i] {
			t.Errorf("tally[%d] = %v, want %v", i, tally[i], want[i])
		}
	}
}

func TestRecoverRebuildsIndex(t *testing.T) {
	t.Parallel()
	store := storetest.NewMemStore()
	clock := clockwork.NewFakeClock()
	ctx := context.Background()

	c1 := cache.New(store, nil, cache.Options{Clock: clock})
	e1 := poll.NewEngine(c1, clock, nil, 0)
	p, err := e1.Open(ctx, "g1", "u1", []string{"A", "B"}, time.Hour)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if err := e1.CastVote(ctx, p.ID, "u1", 0); err != nil {
		t.Fatalf("CastVote error: %v", err)
	}

	// Simulate shutdown: flush dirty cache records to the store.
	if err := c1.FlushAll(ctx); err != nil {
		t.Fatalf("FlushAll error: %v", err)
	}

	// Fresh engine over the same store.
	e2 := poll.NewEngine(cache.New(store, nil, cache.Options{Clock: clock}), clock, nil, 0)
	if err := e2.Recover(ctx); err != nil {
		t.Fatalf("Recover error: %v", err)
	}

	if err := e2.CastVote(ctx, p.ID, "u2", 1); err != nil {
		t.Fatalf("CastVote after recovery error: %v", err)
	}
	tally, err := e2.Close(ctx, p.ID)
	if err != nil {
		t.Fatalf("Close after recovery error: %v", err)
	}
	if tally[0].Count+tally[1].Count != 2 {
		t.Errorf("recovered tally = %v, want 2 votes total", tally)
	}
}

func TestSweepPurgesClosedPollsAfterRetention(t *testing.T) {
	t.Parallel()
	store := storetest.NewMemStore()
	clock := clockwork.NewFakeClock()
	c := cache.New(store, nil, cache.Options{Clock: clock})
	e := poll.NewEngine(c, clock, nil, time.Hour)
	ctx := context.Background()

	p, err := e.Open(ctx, "g1", "u1", []string{"A", "B"}, time.Minute)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if _, err := e.Close(ctx, p.ID); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	// Within the retention window the poll stays readable.
	if _, err := e.SweepExpired(ctx); err != nil {
		t.Fatalf("SweepExpired error: %v", err)
	}
	if _, err := e.Get(ctx, p.ID); err != nil {
		t.Fatalf("Get within retention error: %v", err)
	}

	clock.Advance(2 * time.Hour)
	if _, err := e.SweepExpired(ctx); err != nil {
		t.Fatalf("SweepExpired error: %v", err)
	}

	if _, err := e.Get(ctx, p.ID); !errors.Is(err, poll.ErrPollNotFound) {
		t.Errorf("Get after purge = %v, want ErrPollNotFound", err)
	}
	if _, ok := store.Value(database.Key{GuildID: "g1", Namespace: poll.Namespace, Key: p.ID}); ok {
		t.Error("closed poll record survived the purge")
	}
}

func TestRecoverPurgesStaleClosedPolls(t *testing.T) {
	t.Parallel()
	store := storetest.NewMemStore()
	clock := clockwork.NewFakeClock()
	ctx := context.Background()

	c1 := cache.New(store, nil, cache.Options{Clock: clock})
	e1 := poll.NewEngine(c1, clock, nil, time.Hour)
	p, err := e1.Open(ctx, "g1", "u1", []string{"A", "B"}, time.Minute)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if _, err := e1.Close(ctx, p.ID); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if err := c1.FlushAll(ctx); err != nil {
		t.Fatalf("FlushAll error: %v", err)
	}

	clock.Advance(2 * time.Hour)
	e2 := poll.NewEngine(cache.New(store, nil, cache.Options{Clock: clock}), clock, nil, time.Hour)
	if err := e2.Recover(ctx); err != nil {
		t.Fatalf("Recover error: %v", err)
	}

	if _, err := e2.Get(ctx, p.ID); !errors.Is(err, poll.ErrPollNotFound) {
		t.Errorf("Get after recovery purge = %v, want ErrPollNotFound", err)
	}
	if store.Len() != 0 {
		t.Errorf("store holds %d records after recovery purge, want 0", store.Len())
	}
}

func TestSweepExpired(t *testing.T) {
	t.Parallel()
	e, _, clock := newEngine(t)
	ctx := context.Background()

	p, err := e.Open(ctx, "g1", "u1", []string{"A", "B"}, time.Second)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}

	clock.Advance(2 * time.Second)
	closed, err := e.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired error: %v", err)
	}
	if closed != 1 {
		t.Errorf("closed = %d, want 1", closed)
	}

	got, err := e.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.State != poll.StateClosed {
		t.Errorf("state after sweep = %s, want closed", got.State)
	}
}
