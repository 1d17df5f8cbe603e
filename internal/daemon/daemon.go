package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	syncer "github.com/mschirtzinger/teamtrack/internal/sync"
	"github.com/mschirtzinger/teamtrack/internal/types"
)

// DefaultDebounce is how long the config watcher waits for writes to settle.
const DefaultDebounce = 250 * time.Millisecond

// Runner starts one sync run. *service.Service implements it.
type Runner interface {
	RunSync(ctx context.Context) (*types.SyncResult, error)
}

// ScheduleLoader re-reads the schedule after the config file changes.
type ScheduleLoader func() (string, error)

// Config holds configuration for the daemon.
type Config struct {
	// Schedule is a cron expression or descriptor such as "@every 15m".
	Schedule string

	// RunOnStart triggers a run as soon as the daemon starts.
	RunOnStart bool

	// RunTimeout bounds each scheduled run. Zero leaves runs unbounded
	// here; the coordinator applies its own limit.
	RunTimeout time.Duration

	// ConfigFile, when set together with LoadSchedule, is watched and the
	// schedule is reloaded after it changes.
	ConfigFile   string
	LoadSchedule ScheduleLoader

	// DebounceInterval batches rapid config writes together.
	DebounceInterval time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Schedule:         "@every 15m",
		RunOnStart:       true,
		DebounceInterval: DefaultDebounce,
		Logger:           slog.Default(),
	}
}

// Daemon runs sync on a cron schedule until its context is cancelled.
type Daemon struct {
	runner Runner
	config *Config
	logger *slog.Logger

	cron *cron.Cron

	mu       sync.Mutex
	entry    cron.EntryID
	schedule string

	watcher *ConfigWatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon with the default configuration.
func New(runner Runner) (*Daemon, error) {
	return NewWithConfig(runner, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration. The schedule is
// validated here so a bad expression fails before anything starts.
func NewWithConfig(runner Runner, config *Config) (*Daemon, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "daemon")

	cl := cronLogger{logger}
	d := &Daemon{
		runner: runner,
		config: config,
		logger: logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())

	if err := d.SetSchedule(config.Schedule); err != nil {
		return nil, err
	}

	if config.ConfigFile != "" && config.LoadSchedule != nil {
		w, err := NewConfigWatcher(config.ConfigFile, config.DebounceInterval)
		if err != nil {
			return nil, err
		}
		d.watcher = w
	}

	return d, nil
}

// Start runs the scheduler and blocks until ctx is cancelled or Stop is
// called.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Info("starting daemon", "schedule", d.Schedule())

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			return err
		}
		d.wg.Add(1)
		go d.watchConfig()
		d.logger.Info("watching config", "path", d.watcher.Path())
	}

	d.cron.Start()

	if d.config.RunOnStart {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			_, _ = d.RunOnce(d.ctx)
		}()
	}

	select {
	case <-ctx.Done():
		d.logger.Info("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop cancels in-flight runs and waits for them to release the connection.
func (d *Daemon) Stop() error {
	d.logger.Info("stopping daemon")
	d.cancel()

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.logger.Warn("error closing watcher", "error", err)
		}
	}

	<-d.cron.Stop().Done()
	d.wg.Wait()

	d.logger.Info("daemon stopped")
	return nil
}

// RunOnce triggers a single run. A run already in progress elsewhere is
// logged and reported as syncer.ErrAlreadyRunning.
func (d *Daemon) RunOnce(ctx context.Context) (*types.SyncResult, error) {
	if d.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.RunTimeout)
		defer cancel()
	}

	result, err := d.runner.RunSync(ctx)
	switch {
	case errors.Is(err, syncer.ErrAlreadyRunning):
		d.logger.Info("sync already running, skipping")
		return result, err
	case err != nil:
		d.logger.Error("sync could not start", "error", err)
		return result, err
	case !result.Success:
		d.logger.Warn("sync failed", "error", result.Error, "upserted", result.Upserted)
	default:
		d.logger.Info("sync complete",
			"fetched", result.Fetched,
			"created", result.Created,
			"updated", result.Updated)
	}
	return result, nil
}

// SetSchedule replaces the cron schedule. An invalid expression leaves the
// current schedule in place.
func (d *Daemon) SetSchedule(spec string) error {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.entry != 0 {
		if spec == d.schedule {
			return nil
		}
		d.cron.Remove(d.entry)
	}
	d.entry = d.cron.Schedule(sched, cron.FuncJob(func() {
		_, _ = d.RunOnce(d.ctx)
	}))
	d.schedule = spec
	return nil
}

// Schedule returns the active cron expression.
func (d *Daemon) Schedule() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.schedule
}

// NextRun returns when the next scheduled run fires. It is zero until the
// daemon has started.
func (d *Daemon) NextRun() time.Time {
	d.mu.Lock()
	id := d.entry
	d.mu.Unlock()
	return d.cron.Entry(id).Next
}

func (d *Daemon) watchConfig() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case _, ok := <-d.watcher.Changes():
			if !ok {
				return
			}
			d.reload()

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (d *Daemon) reload() {
	spec, err := d.config.LoadSchedule()
	if err != nil {
		d.logger.Warn("failed to reload config, keeping schedule", "schedule", d.Schedule(), "error", err)
		return
	}
	if spec == d.Schedule() {
		return
	}
	if err := d.SetSchedule(spec); err != nil {
		d.logger.Warn("ignoring reloaded schedule", "error", err)
		return
	}
	d.logger.Info("schedule reloaded", "schedule", spec)
}

// cronLogger adapts slog to cron.Logger. Cron's routine messages go to debug.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
