package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mschirtzinger/teamtrack/internal/types"
)

func TestBeginRun_SingleFlight(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedConnection(t, s)

	start := time.Now()
	ok, err := s.BeginRun(ctx, 1, start, time.Hour)
	if err != nil || !ok {
		t.Fatalf("first BeginRun() = %v, %v; want true", ok, err)
	}

	ok, err = s.BeginRun(ctx, 1, start.Add(time.Second), time.Hour)
	if err != nil {
		t.Fatalf("second BeginRun() failed: %v", err)
	}
	if ok {
		t.Fatal("second BeginRun() acquired a connection that is already Running")
	}

	st, _ := s.GetSyncState(ctx, 1)
	if st.Status != types.RunStatusRunning {
		t.Errorf("Status = %q, want Running", st.Status)
	}
	if st.LastAttemptedAt == nil || !st.LastAttemptedAt.Equal(start) {
		t.Errorf("LastAttemptedAt = %v, want %v", st.LastAttemptedAt, start)
	}
}

func TestBeginRun_ConcurrentCallersOneWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedConnection(t, s)

	const callers = 8
	results := make(chan bool, callers)
	start := time.Now()
	for i := 0; i < callers; i++ {
		go func(i int) {
			ok, err := s.BeginRun(ctx, 1, start.Add(time.Duration(i)), 0)
			if err != nil {
				t.Errorf("BeginRun() failed: %v", err)
			}
			results <- ok
		}(i)
	}

	won := 0
	for i := 0; i < callers; i++ {
		if <-results {
			won++
		}
	}
	if won != 1 {
		t.Errorf("%d callers acquired the run, want exactly 1", won)
	}
}

func TestBeginRun_StaleRunIsReclaimed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedConnection(t, s)

	crashed := time.Now().Add(-2 * time.Hour)
	if ok, _ := s.BeginRun(ctx, 1, crashed, time.Hour); !ok {
		t.Fatal("BeginRun() for the first run failed")
	}

	now := time.Now()
	ok, err := s.BeginRun(ctx, 1, now, time.Hour)
	if err != nil || !ok {
		t.Fatalf("BeginRun() past the stale lease = %v, %v; want true", ok, err)
	}

	// The crashed run can no longer finish.
	if err := s.CompleteRun(ctx, 1, crashed, nil, time.Now()); !errors.Is(err, ErrRunNotOwned) {
		t.Errorf("CompleteRun() by reclaimed run = %v, want ErrRunNotOwned", err)
	}
	if err := s.CompleteRun(ctx, 1, now, nil, time.Now()); err != nil {
		t.Errorf("CompleteRun() by new owner failed: %v", err)
	}
}

func TestCompleteRun_AdvancesWatermark(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedConnection(t, s)

	start := time.Now()
	if ok, _ := s.BeginRun(ctx, 1, start, 0); !ok {
		t.Fatal("BeginRun() failed")
	}

	changed := time.Date(2026, 5, 1, 12, 0, 0, 123456789, time.UTC)
	done := start.Add(time.Second)
	if err := s.CompleteRun(ctx, 1, start, &types.Watermark{ChangedAt: changed, ExternalID: 12}, done); err != nil {
		t.Fatalf("CompleteRun() failed: %v", err)
	}

	st, err := s.GetSyncState(ctx, 1)
	if err != nil {
		t.Fatalf("GetSyncState() failed: %v", err)
	}
	if st.Status != types.RunStatusSucceeded {
		t.Errorf("Status = %q, want Succeeded", st.Status)
	}
	wm := st.Watermark()
	if !wm.ChangedAt.Equal(changed) || wm.ExternalID != 12 {
		t.Errorf("Watermark = %v, want %v#12", wm, changed)
	}
	if st.LastCompletedAt == nil || !st.LastCompletedAt.Equal(done) {
		t.Errorf("LastCompletedAt = %v, want %v", st.LastCompletedAt, done)
	}
	if st.LastError != "" {
		t.Errorf("LastError = %q, want empty", st.LastError)
	}
}

func TestFailRun_KeepsWatermark(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedConnection(t, s)

	first := time.Now()
	s.BeginRun(ctx, 1, first, 0)
	wm := &types.Watermark{ChangedAt: first.Add(-time.Minute), ExternalID: 3}
	if err := s.CompleteRun(ctx, 1, first, wm, time.Now()); err != nil {
		t.Fatalf("CompleteRun() failed: %v", err)
	}

	second := first.Add(time.Minute)
	if ok, _ := s.BeginRun(ctx, 1, second, 0); !ok {
		t.Fatal("BeginRun() after success failed")
	}
	if err := s.FailRun(ctx, 1, second, "boom"); err != nil {
		t.Fatalf("FailRun() failed: %v", err)
	}

	st, _ := s.GetSyncState(ctx, 1)
	if st.Status != types.RunStatusFailed || st.LastError != "boom" {
		t.Errorf("state = %q/%q, want Failed/boom", st.Status, st.LastError)
	}
	if got := st.Watermark(); got.ExternalID != 3 || !got.ChangedAt.Equal(wm.ChangedAt) {
		t.Errorf("Watermark = %v, want %v", got, wm)
	}

	// A failed run releases the connection.
	if ok, _ := s.BeginRun(ctx, 1, second.Add(time.Minute), 0); !ok {
		t.Error("BeginRun() after failure did not acquire the connection")
	}
}
