package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/kjstillabower/music-popularity-service/internal/models"
)

// TestIncrementPlays_ReturnsUpdatedCount verifies the post-update value is
// returned after an atomic increment.
func TestIncrementPlays_ReturnsUpdatedCount(t *testing.T) {
	db := newTestDB(t)
	counters := NewCounterStore(db, zap.NewNop())
	id := seedTrack(t, db, "Silk", "Mezzanine", 41, 0, true)

	plays, err := counters.IncrementPlays(context.Background(), id, 1)
	if err != nil {
		t.Fatalf("IncrementPlays() error = %v", err)
	}
	if plays != 42 {
		t.Errorf("IncrementPlays() = %d, want 42", plays)
	}
}

// TestIncrementPlays_UnknownTrack verifies an increment against a missing row
// reports ErrTrackNotFound instead of silently affecting zero rows.
func TestIncrementPlays_UnknownTrack(t *testing.T) {
	db := newTestDB(t)
	counters := NewCounterStore(db, zap.NewNop())

	_, err := counters.IncrementPlays(context.Background(), 9999, 1)
	if !errors.Is(err, ErrTrackNotFound) {
		t.Errorf("IncrementPlays(missing) error = %v, want ErrTrackNotFound", err)
	}
}

// TestIncrementPlays_ConcurrentLosesNothing verifies that N concurrent
// single increments land as exactly N. The update is a relative expression
// evaluated at the database, so there is no read-modify-write window.
func TestIncrementPlays_ConcurrentLosesNothing(t *testing.T) {
	db := newTestDB(t)
	counters := NewCounterStore(db, zap.NewNop())
	id := seedTrack(t, db, "Pulse", "Nadir", 0, 0, true)

	const n = 100
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := counters.IncrementPlays(context.Background(), id, 1); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent IncrementPlays() error = %v", err)
	}

	var track models.Track
	if err := db.First(&track, id).Error; err != nil {
		t.Fatalf("read track: %v", err)
	}
	if track.PlaysCount != n {
		t.Errorf("plays_count = %d after %d concurrent increments, want %d", track.PlaysCount, n, n)
	}
}

// TestIncrementLikes_RejectsOtherDeltas verifies the like counter only
// accepts unit deltas; every change must correspond to one ledger row.
func TestIncrementLikes_RejectsOtherDeltas(t *testing.T) {
	db := newTestDB(t)
	counters := NewCounterStore(db, zap.NewNop())
	id := seedTrack(t, db, "Arc", "Volant", 0, 0, true)

	for _, delta := range []int64{0, 2, -5} {
		if _, err := counters.IncrementLikes(context.Background(), id, delta); err == nil {
			t.Errorf("IncrementLikes(delta=%d) error = nil, want error", delta)
		}
	}
}

// TestIncrementLikes_ClampsAtZero verifies a decrement that would go negative
// clamps the counter to zero and reports the violation instead of fixing it
// silently.
func TestIncrementLikes_ClampsAtZero(t *testing.T) {
	db := newTestDB(t)
	counters := NewCounterStore(db, zap.NewNop())
	id := seedTrack(t, db, "Hollow", "Volant", 0, 0, true)

	_, err := counters.IncrementLikes(context.Background(), id, -1)
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("IncrementLikes(-1 at zero) error = %v, want ErrInvariantViolation", err)
	}

	var track models.Track
	if err := db.First(&track, id).Error; err != nil {
		t.Fatalf("read track: %v", err)
	}
	if track.LikesCount != 0 {
		t.Errorf("likes_count = %d after clamped decrement, want 0", track.LikesCount)
	}
}

// TestIncrementLikes_UnknownTrack verifies missing rows are distinguished
// from clamped decrements.
func TestIncrementLikes_UnknownTrack(t *testing.T) {
	db := newTestDB(t)
	counters := NewCounterStore(db, zap.NewNop())

	_, err := counters.IncrementLikes(context.Background(), 9999, 1)
	if !errors.Is(err, ErrTrackNotFound) {
		t.Errorf("IncrementLikes(missing) error = %v, want ErrTrackNotFound", err)
	}
}

// TestBulkIncrementPlays verifies every listed row is updated and unknown ids
// are skipped without error.
func TestBulkIncrementPlays(t *testing.T) {
	db := newTestDB(t)
	counters := NewCounterStore(db, zap.NewNop())
	a := seedTrack(t, db, "One", "Various", 10, 0, true)
	b := seedTrack(t, db, "Two", "Various", 20, 0, true)

	if err := counters.BulkIncrementPlays(context.Background(), []uint{a, b, 9999}, 5); err != nil {
		t.Fatalf("BulkIncrementPlays() error = %v", err)
	}

	plays, _, err := counters.Counts(context.Background(), a)
	if err != nil {
		t.Fatalf("Counts(a) error = %v", err)
	}
	if plays != 15 {
		t.Errorf("track a plays = %d, want 15", plays)
	}
	plays, _, err = counters.Counts(context.Background(), b)
	if err != nil {
		t.Fatalf("Counts(b) error = %v", err)
	}
	if plays != 25 {
		t.Errorf("track b plays = %d, want 25", plays)
	}
}

// TestBulkIncrementPlays_EmptyList verifies a no-op on an empty id list.
func TestBulkIncrementPlays_EmptyList(t *testing.T) {
	db := newTestDB(t)
	counters := NewCounterStore(db, zap.NewNop())
	if err := counters.BulkIncrementPlays(context.Background(), nil, 1); err != nil {
		t.Errorf("BulkIncrementPlays(nil) error = %v, want nil", err)
	}
}

// TestTopByPlays_OrderLimitAndVisibility verifies descending order by plays,
// the limit bound, and that unpublished tracks never rank.
func TestTopByPlays_OrderLimitAndVisibility(t *testing.T) {
	db := newTestDB(t)
	counters := NewCounterStore(db, zap.NewNop())
	seedTrack(t, db, "Bronze", "Trio", 100, 0, true)
	seedTrack(t, db, "Gold", "Trio", 300, 0, true)
	seedTrack(t, db, "Silver", "Trio", 200, 0, true)
	seedTrack(t, db, "Hidden", "Trio", 999, 0, false)

	refs, err := counters.TopByPlays(context.Background(), 2)
	if err != nil {
		t.Fatalf("TopByPlays() error = %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("TopByPlays(2) returned %d rows, want 2", len(refs))
	}
	if refs[0].Name != "Gold" || refs[1].Name != "Silver" {
		t.Errorf("TopByPlays(2) order = [%s, %s], want [Gold, Silver]", refs[0].Name, refs[1].Name)
	}
	for _, r := range refs {
		if r.Name == "Hidden" {
			t.Error("TopByPlays() returned an unpublished track")
		}
	}
}

// TestTopByPlays_EmptyCatalog verifies an empty slice, not nil, so the JSON
// response renders [] rather than null.
func TestTopByPlays_EmptyCatalog(t *testing.T) {
	db := newTestDB(t)
	counters := NewCounterStore(db, zap.NewNop())

	refs, err := counters.TopByPlays(context.Background(), 10)
	if err != nil {
		t.Fatalf("TopByPlays() error = %v", err)
	}
	if refs == nil {
		t.Error("TopByPlays() = nil, want empty slice")
	}
	if len(refs) != 0 {
		t.Errorf("TopByPlays() returned %d rows, want 0", len(refs))
	}
}

// TestCounts verifies both counters come back for an existing row and missing
// rows map to ErrTrackNotFound.
func TestCounts(t *testing.T) {
	db := newTestDB(t)
	counters := NewCounterStore(db, zap.NewNop())
	id := seedTrack(t, db, "Tally", "Various", 7, 3, true)

	plays, likes, err := counters.Counts(context.Background(), id)
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if plays != 7 || likes != 3 {
		t.Errorf("Counts() = (%d, %d), want (7, 3)", plays, likes)
	}

	if _, _, err := counters.Counts(context.Background(), 9999); !errors.Is(err, ErrTrackNotFound) {
		t.Errorf("Counts(missing) error = %v, want ErrTrackNotFound", err)
	}
}
