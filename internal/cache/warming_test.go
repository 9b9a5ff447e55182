package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/music-popularity-service/internal/models"
)

type fakeFetcher struct {
	mu     sync.Mutex
	limits []int
	err    error
}

func (f *fakeFetcher) GetTopTracks(ctx context.Context, limit int) ([]models.TrackRef, error) {
	f.mu.Lock()
	f.limits = append(f.limits, limit)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return []models.TrackRef{{ID: 1}}, nil
}

func (f *fakeFetcher) fetched() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.limits))
	copy(out, f.limits)
	return out
}

// TestWarm_FetchesEveryLimit verifies one fetch per configured limit.
func TestWarm_FetchesEveryLimit(t *testing.T) {
	fetcher := &fakeFetcher{}
	warmer := NewWarmer(fetcher, zap.NewNop())

	if err := warmer.Warm(context.Background(), []int{5, 10, 25}); err != nil {
		t.Fatalf("Warm() error = %v", err)
	}

	got := fetcher.fetched()
	if len(got) != 3 {
		t.Fatalf("Warm() fetched %d limits, want 3", len(got))
	}
	seen := map[int]bool{}
	for _, l := range got {
		seen[l] = true
	}
	for _, want := range []int{5, 10, 25} {
		if !seen[want] {
			t.Errorf("Warm() did not fetch limit %d", want)
		}
	}
}

// TestWarm_ReportsFetchFailures verifies a failing fetch surfaces as an error
// after all limits have been attempted.
func TestWarm_ReportsFetchFailures(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("storage down")}
	warmer := NewWarmer(fetcher, zap.NewNop())

	if err := warmer.Warm(context.Background(), []int{5, 10}); err == nil {
		t.Error("Warm() error = nil, want aggregated fetch error")
	}
	if got := fetcher.fetched(); len(got) != 2 {
		t.Errorf("Warm() attempted %d limits despite errors, want 2", len(got))
	}
}

// TestWarmPeriodic_StopsOnCancel verifies the refresh loop exits when the
// context is cancelled and has warmed at least once before that.
func TestWarmPeriodic_StopsOnCancel(t *testing.T) {
	fetcher := &fakeFetcher{}
	warmer := NewWarmer(fetcher, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- warmer.WarmPeriodic(ctx, []int{10}, 5*time.Millisecond)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("WarmPeriodic() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WarmPeriodic() did not stop after cancel")
	}

	if got := fetcher.fetched(); len(got) < 1 {
		t.Error("WarmPeriodic() never warmed before cancel")
	}
}
