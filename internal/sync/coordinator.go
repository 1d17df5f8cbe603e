package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/mschirtzinger/teamtrack/internal/ado"
	"github.com/mschirtzinger/teamtrack/internal/store"
	"github.com/mschirtzinger/teamtrack/internal/telemetry"
	"github.com/mschirtzinger/teamtrack/internal/types"
)

const scopeName = "github.com/mschirtzinger/teamtrack/sync"

// ReleaseTimeout bounds the final status write after the run context is gone.
const ReleaseTimeout = 10 * time.Second

// Config tunes a Coordinator.
type Config struct {
	// ChunkSize is how many ids are fetched and upserted per transaction.
	ChunkSize int `mapstructure:"chunk_size"`
	// RunTimeout caps a whole run. Zero means only the caller's context applies.
	RunTimeout time.Duration `mapstructure:"run_timeout"`
	// StaleRunAfter lets a new run reclaim a Running status left by a crashed
	// process. Zero disables reclaiming.
	StaleRunAfter time.Duration `mapstructure:"stale_run_after"`
}

// Validate checks that a live run can never look abandoned. last_attempted_at
// is only written when a run begins, so with reclaiming enabled every run must
// be bounded and finish, status write included, before StaleRunAfter elapses.
func (c Config) Validate() error {
	if c.RunTimeout < 0 || c.StaleRunAfter < 0 {
		return fmt.Errorf("sync durations must not be negative")
	}
	if c.StaleRunAfter == 0 {
		return nil
	}
	if c.RunTimeout == 0 {
		return fmt.Errorf("sync.run_timeout must be set when sync.stale_run_after is enabled")
	}
	if c.StaleRunAfter <= c.RunTimeout+ReleaseTimeout {
		return fmt.Errorf("sync.stale_run_after (%s) must exceed sync.run_timeout (%s) plus %s",
			c.StaleRunAfter, c.RunTimeout, ReleaseTimeout)
	}
	return nil
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		ChunkSize:     ado.MaxBatchSize,
		RunTimeout:    10 * time.Minute,
		StaleRunAfter: 30 * time.Minute,
	}
}

// Coordinator runs incremental syncs for the active connection.
type Coordinator struct {
	store    Store
	sources  SourceFactory
	cfg      Config
	logger   *slog.Logger
	observer Observer
	now      func() time.Time

	tracer   trace.Tracer
	runs     metric.Int64Counter
	items    metric.Int64Counter
	duration metric.Float64Histogram
}

// New creates a Coordinator with DefaultConfig. If logger is nil, slog.Default is used.
func New(st Store, sources SourceFactory, logger *slog.Logger) *Coordinator {
	return NewWithConfig(st, sources, DefaultConfig(), logger)
}

// NewWithConfig creates a Coordinator with explicit settings.
func NewWithConfig(st Store, sources SourceFactory, cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = ado.MaxBatchSize
	}

	m := telemetry.Meter(scopeName)
	runs, _ := m.Int64Counter("teamtrack.sync.runs",
		metric.WithDescription("Sync runs by outcome"),
	)
	items, _ := m.Int64Counter("teamtrack.sync.items",
		metric.WithDescription("Work items processed by sync runs, by outcome"),
	)
	duration, _ := m.Float64Histogram("teamtrack.sync.duration",
		metric.WithDescription("Sync run duration in milliseconds"),
		metric.WithUnit("ms"),
	)

	return &Coordinator{
		store:    st,
		sources:  sources,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		tracer:   telemetry.Tracer(scopeName),
		runs:     runs,
		items:    items,
		duration: duration,
	}
}

// SetObserver registers a receiver for run events. Pass nil to remove it.
func (c *Coordinator) SetObserver(o Observer) {
	c.observer = o
}

// Config returns the coordinator's settings.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// RunSync performs one incremental sync of the active connection.
//
// Configuration problems (no connection, disabled connection, missing
// credentials) are returned as errors before anything is marked Running.
// A rejected concurrent run returns ErrAlreadyRunning with a result whose
// AlreadyRunning flag is set.
//
// Once the run holds the connection, failures do not produce an error:
// the run is marked Failed, the message is stored and returned in the
// result, and the watermark stays where it was. Chunks committed before
// the failure remain in the cache; the next run re-reads them and leaves
// them unchanged.
func (c *Coordinator) RunSync(ctx context.Context) (*types.SyncResult, error) {
	conn, err := c.store.GetConnection(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotConfigured
		}
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}
	if !conn.Enabled {
		return nil, ErrDisabled
	}
	if err := conn.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConfigured, err)
	}
	source, err := c.sources(conn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConfigured, err)
	}

	startedAt := c.now()
	ok, err := c.store.BeginRun(ctx, conn.ID, startedAt, c.cfg.StaleRunAfter)
	if err != nil {
		return nil, fmt.Errorf("failed to start run: %w", err)
	}
	if !ok {
		c.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "already_running")))
		return &types.SyncResult{AlreadyRunning: true, StartedAt: startedAt}, ErrAlreadyRunning
	}

	ctx, span := c.tracer.Start(ctx, "sync.run", trace.WithAttributes(
		attribute.String("ado.organization", conn.Organization),
		attribute.String("ado.project", conn.ProjectID),
		attribute.String("ado.team", conn.TeamID),
	))
	defer span.End()

	c.logger.Info("sync run started", "connection", conn.ID, "project", conn.ProjectName, "team", conn.TeamName)
	if c.observer != nil {
		c.observer.OnSyncStarted(conn.ID, startedAt)
	}

	result := &types.SyncResult{StartedAt: startedAt}

	runCtx := ctx
	if c.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.cfg.RunTimeout)
		defer cancel()
	}

	wm, runErr := c.execute(runCtx, source, conn, result)

	// The status write must happen even if the caller gave up.
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ReleaseTimeout)
	defer cancel()

	if runErr == nil {
		if err := c.store.CompleteRun(releaseCtx, conn.ID, startedAt, wm, c.now()); err != nil {
			runErr = fmt.Errorf("failed to commit watermark: %w", err)
		}
	}
	if runErr != nil {
		if err := c.store.FailRun(releaseCtx, conn.ID, startedAt, runErr.Error()); err != nil && !errors.Is(err, store.ErrRunNotOwned) {
			c.logger.Error("failed to record failed run", "connection", conn.ID, "error", err)
		}
		result.Success = false
		result.Error = runErr.Error()
		result.Watermark = nil
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	} else {
		result.Success = true
		result.Watermark = wm
	}

	result.FinishedAt = c.now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)
	c.record(ctx, result)

	if result.Success {
		c.logger.Info("sync run succeeded",
			"connection", conn.ID,
			"fetched", result.Fetched,
			"created", result.Created,
			"updated", result.Updated,
			"unchanged", result.Unchanged,
			"watermark", watermarkString(result.Watermark),
			"duration", result.Duration,
		)
	} else {
		c.logger.Warn("sync run failed", "connection", conn.ID, "error", result.Error, "duration", result.Duration)
	}
	if c.observer != nil {
		c.observer.OnSyncFinished(result)
	}
	return result, nil
}

// execute runs the query/fetch/upsert pipeline and returns the watermark the
// run may commit, or nil when it must stay unchanged.
func (c *Coordinator) execute(ctx context.Context, source Source, conn *types.Connection, result *types.SyncResult) (*types.Watermark, error) {
	state, err := c.store.GetSyncState(ctx, conn.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}
	stored := state.Watermark()

	scope, err := c.resolveScope(ctx, source, conn)
	if err != nil {
		return nil, err
	}

	set, err := source.QueryChangedIDs(ctx, scope, stored.ChangedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to query changed work items: %w", err)
	}
	if set.Truncated {
		c.logger.Warn("changed-id query hit the result cap; remaining items follow on the next run",
			"connection", conn.ID, "cap", ado.MaxQueryResults)
	}
	if len(set.IDs) == 0 {
		c.logger.Debug("no changed work items", "connection", conn.ID, "watermark", stored.String())
		return nil, nil
	}

	chunks := chunk(set.IDs, c.cfg.ChunkSize)
	var (
		stats types.UpsertStats
		next  *types.Watermark
	)
	for i, ids := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("run interrupted after %d of %d chunks: %w", i, len(chunks), err)
		}

		items, err := source.FetchWorkItems(ctx, conn.ProjectID, ids)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch chunk %d of %d: %w", i+1, len(chunks), err)
		}

		records, err := c.newRecords(source, conn, items, stored)
		if err != nil {
			return nil, err
		}
		result.Fetched += len(records)
		if len(records) == 0 {
			continue
		}

		chunkStats, err := c.store.UpsertWorkItems(ctx, conn.ID, records)
		if err != nil {
			return nil, fmt.Errorf("failed to store chunk %d of %d: %w", i+1, len(chunks), err)
		}
		stats.Add(chunkStats)
		result.Created, result.Updated, result.Unchanged = stats.Created, stats.Updated, stats.Unchanged
		result.Upserted = stats.Created + stats.Updated

		next = advance(next, records, set.AsOf)

		if c.observer != nil {
			c.observer.OnSyncProgress(Progress{
				ConnectionID: conn.ID,
				ChunksDone:   i + 1,
				ChunksTotal:  len(chunks),
				Fetched:      result.Fetched,
				Upserted:     result.Upserted,
			})
		}
	}

	if set.Truncated && result.Fetched == 0 {
		return nil, fmt.Errorf("changed-id query was truncated at %d ids, all at or before the watermark %s; the run cannot advance",
			len(set.IDs), stored.String())
	}
	return next, nil
}

// resolveScope uses the connection's area path when set, otherwise the
// areas the team owns.
func (c *Coordinator) resolveScope(ctx context.Context, source Source, conn *types.Connection) (ado.Scope, error) {
	scope := ado.Scope{ProjectID: conn.ProjectID}
	if conn.AreaPath != "" {
		scope.AreaPaths = []ado.AreaPath{{Value: conn.AreaPath, IncludeChildren: true}}
		return scope, nil
	}
	areas, err := source.TeamAreaPaths(ctx, conn.ProjectID, conn.TeamID)
	if err != nil {
		return scope, fmt.Errorf("failed to resolve team areas: %w", err)
	}
	if len(areas) == 0 {
		return scope, fmt.Errorf("team %s owns no area paths", conn.TeamID)
	}
	scope.AreaPaths = areas
	return scope, nil
}

// newRecords maps fetched items and keeps those strictly after the stored
// watermark, ordered by (changed, id).
func (c *Coordinator) newRecords(source Source, conn *types.Connection, items []ado.WorkItem, stored types.Watermark) ([]types.WorkItemRecord, error) {
	records := make([]types.WorkItemRecord, 0, len(items))
	seen := make(map[int]bool, len(items))
	for _, wi := range items {
		if seen[wi.ID] {
			continue
		}
		seen[wi.ID] = true

		rec, err := source.ToRecord(conn.ProjectID, wi)
		if err != nil {
			return nil, fmt.Errorf("failed to map work item %d: %w", wi.ID, err)
		}
		if !stored.IsZero() && !stored.Before(rec.ChangedAt, rec.ExternalID) {
			continue
		}
		rec.ConnectionID = conn.ID
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		pi := records[i].Position()
		return pi.Before(records[j].ChangedAt, records[j].ExternalID)
	})
	return records, nil
}

// advance moves the candidate watermark to the latest record at or before
// asOf. Items changed after asOf are stored but not trusted for the
// watermark: items changed between asOf and then were not in the query.
func advance(current *types.Watermark, records []types.WorkItemRecord, asOf time.Time) *types.Watermark {
	for i := range records {
		rec := &records[i]
		if !asOf.IsZero() && rec.ChangedAt.After(asOf) {
			continue
		}
		if current == nil || current.Before(rec.ChangedAt, rec.ExternalID) {
			pos := rec.Position()
			current = &pos
		}
	}
	return current
}

func (c *Coordinator) record(ctx context.Context, result *types.SyncResult) {
	status := "succeeded"
	if !result.Success {
		status = "failed"
	}
	c.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	c.duration.Record(ctx, float64(result.Duration.Milliseconds()),
		metric.WithAttributes(attribute.String("status", status)))
	c.items.Add(ctx, int64(result.Created), metric.WithAttributes(attribute.String("outcome", "created")))
	c.items.Add(ctx, int64(result.Updated), metric.WithAttributes(attribute.String("outcome", "updated")))
	c.items.Add(ctx, int64(result.Unchanged), metric.WithAttributes(attribute.String("outcome", "unchanged")))
}

func chunk(ids []int, size int) [][]int {
	var out [][]int
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}

func watermarkString(w *types.Watermark) string {
	if w == nil {
		return "unchanged"
	}
	return w.String()
}
