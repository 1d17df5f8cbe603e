package daemon

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mschirtzinger/teamtrack/internal/logging"
	syncer "github.com/mschirtzinger/teamtrack/internal/sync"
	"github.com/mschirtzinger/teamtrack/internal/types"
)

type fakeRunner struct {
	calls atomic.Int32
	err   error
	fail  bool
	block chan struct{}
}

func (r *fakeRunner) RunSync(ctx context.Context) (*types.SyncResult, error) {
	r.calls.Add(1)
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return &types.SyncResult{Error: ctx.Err().Error()}, nil
		}
	}
	if r.err != nil {
		return &types.SyncResult{AlreadyRunning: errors.Is(r.err, syncer.ErrAlreadyRunning)}, r.err
	}
	if r.fail {
		return &types.SyncResult{Error: "boom"}, nil
	}
	return &types.SyncResult{Success: true, Fetched: 1, Created: 1}, nil
}

func testConfig() *Config {
	return &Config{
		Schedule:         "@every 1h",
		DebounceInterval: 20 * time.Millisecond,
		Logger:           logging.Discard(),
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestNewWithConfig_Validation(t *testing.T) {
	if _, err := NewWithConfig(nil, testConfig()); err == nil {
		t.Error("expected error for nil runner")
	}

	cfg := testConfig()
	cfg.Schedule = "every now and then"
	if _, err := NewWithConfig(&fakeRunner{}, cfg); err == nil {
		t.Error("expected error for invalid schedule")
	}

	d, err := NewWithConfig(&fakeRunner{}, nil)
	if err != nil {
		t.Fatalf("NewWithConfig() with nil config failed: %v", err)
	}
	if d.Schedule() != "@every 15m" {
		t.Errorf("Schedule() = %q, want default", d.Schedule())
	}
}

func TestDaemon_RunOnStart(t *testing.T) {
	runner := &fakeRunner{}
	cfg := testConfig()
	cfg.RunOnStart = true

	d, err := NewWithConfig(runner, cfg)
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	waitFor(t, 2*time.Second, func() bool { return runner.calls.Load() == 1 })

	waitFor(t, 2*time.Second, func() bool { return !d.NextRun().IsZero() })
	if next := d.NextRun(); next.Before(time.Now().Add(59 * time.Minute)) {
		t.Errorf("NextRun() = %v, want about an hour from now", next)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestDaemon_StopCancelsInFlightRun(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	cfg := testConfig()
	cfg.RunOnStart = true

	d, err := NewWithConfig(runner, cfg)
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}

	go func() { _ = d.Start(context.Background()) }()
	waitFor(t, 2*time.Second, func() bool { return runner.calls.Load() == 1 })

	stopped := make(chan struct{})
	go func() {
		_ = d.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not cancel the blocked run")
	}
}

func TestRunOnce(t *testing.T) {
	tests := []struct {
		name    string
		runner  *fakeRunner
		wantErr error
		success bool
	}{
		{name: "success", runner: &fakeRunner{}, success: true},
		{name: "failed run is not an error", runner: &fakeRunner{fail: true}},
		{name: "already running", runner: &fakeRunner{err: syncer.ErrAlreadyRunning}, wantErr: syncer.ErrAlreadyRunning},
		{name: "not configured", runner: &fakeRunner{err: syncer.ErrNotConfigured}, wantErr: syncer.ErrNotConfigured},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewWithConfig(tt.runner, testConfig())
			if err != nil {
				t.Fatalf("NewWithConfig() failed: %v", err)
			}
			result, err := d.RunOnce(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("RunOnce() error = %v, want %v", err, tt.wantErr)
			}
			if result == nil {
				t.Fatal("RunOnce() returned nil result")
			}
			if result.Success != tt.success {
				t.Errorf("Success = %v, want %v", result.Success, tt.success)
			}
		})
	}
}

func TestRunOnce_AppliesTimeout(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	cfg := testConfig()
	cfg.RunTimeout = 50 * time.Millisecond

	d, err := NewWithConfig(runner, cfg)
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}

	start := time.Now()
	result, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() failed: %v", err)
	}
	if result.Success {
		t.Error("expected timed out run to be unsuccessful")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("RunOnce() took %v, timeout not applied", elapsed)
	}
}

func TestSetSchedule(t *testing.T) {
	d, err := NewWithConfig(&fakeRunner{}, testConfig())
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}

	if err := d.SetSchedule("*/5 * * * *"); err != nil {
		t.Fatalf("SetSchedule() failed: %v", err)
	}
	if d.Schedule() != "*/5 * * * *" {
		t.Errorf("Schedule() = %q", d.Schedule())
	}

	if err := d.SetSchedule("61 * * * *"); err == nil {
		t.Error("expected error for out of range minute")
	}
	if d.Schedule() != "*/5 * * * *" {
		t.Errorf("invalid schedule replaced the active one: %q", d.Schedule())
	}

	if n := len(d.cron.Entries()); n != 1 {
		t.Errorf("cron has %d entries, want 1", n)
	}
}

func TestDaemon_ReloadsScheduleOnConfigChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("sync:\n  schedule: \"@every 1h\"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	var next atomic.Value
	next.Store("@every 1h")

	cfg := testConfig()
	cfg.ConfigFile = path
	cfg.LoadSchedule = func() (string, error) {
		s := next.Load().(string)
		if s == "" {
			return "", errors.New("unreadable")
		}
		return s, nil
	}

	d, err := NewWithConfig(&fakeRunner{}, cfg)
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = d.Start(ctx)
		close(stopped)
	}()
	defer func() {
		cancel()
		<-stopped
	}()
	waitFor(t, 2*time.Second, func() bool {
		d.watcher.mu.Lock()
		defer d.watcher.mu.Unlock()
		return d.watcher.running
	})

	next.Store("@every 30m")
	if err := os.WriteFile(path, []byte("sync:\n  schedule: \"@every 30m\"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return d.Schedule() == "@every 30m" })

	// A failed reload keeps the current schedule.
	next.Store("")
	if err := os.WriteFile(path, []byte("broken"), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if d.Schedule() != "@every 30m" {
		t.Errorf("Schedule() = %q after failed reload", d.Schedule())
	}
}

func TestCronLogger(t *testing.T) {
	var records []string
	h := slog.NewTextHandler(writerFunc(func(p []byte) (int, error) {
		records = append(records, string(p))
		return len(p), nil
	}), &slog.HandlerOptions{Level: slog.LevelDebug})

	cl := cronLogger{slog.New(h)}
	cl.Info("schedule", "entry", 1)
	cl.Error(errors.New("panic"), "job failed")

	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
