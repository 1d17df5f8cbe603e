package sync

import (
	"context"
	"time"

	"github.com/mschirtzinger/teamtrack/internal/ado"
	"github.com/mschirtzinger/teamtrack/internal/types"
)

// Source is the external side of a sync run. *ado.Client implements it.
type Source interface {
	// TeamAreaPaths returns the areas a team owns. It is used as the scope
	// filter when the connection has no explicit area path.
	TeamAreaPaths(ctx context.Context, projectID, teamID string) ([]ado.AreaPath, error)

	// QueryChangedIDs returns ids in scope changed at or after since, ordered
	// by (changed timestamp, id) ascending.
	QueryChangedIDs(ctx context.Context, scope ado.Scope, since time.Time) (*ado.ChangedSet, error)

	// FetchWorkItems returns the modeled fields for ids. Missing ids are omitted.
	FetchWorkItems(ctx context.Context, projectID string, ids []int) ([]ado.WorkItem, error)

	// ToRecord maps a fetched item onto a cache record.
	ToRecord(projectID string, wi ado.WorkItem) (types.WorkItemRecord, error)
}

// SourceFactory builds the Source for a connection. It returns an error when
// credentials for the connection's organization are missing.
type SourceFactory func(conn *types.Connection) (Source, error)

// Store is the local side of a sync run. *store.Store implements it.
type Store interface {
	GetConnection(ctx context.Context) (*types.Connection, error)
	GetSyncState(ctx context.Context, connID int64) (*types.SyncState, error)

	// BeginRun atomically checks that no run holds the connection and marks
	// it Running. It returns false if another run holds it.
	BeginRun(ctx context.Context, connID int64, startedAt time.Time, staleAfter time.Duration) (bool, error)

	// CompleteRun marks the run Succeeded and, when wm is non-nil, commits
	// the new watermark.
	CompleteRun(ctx context.Context, connID int64, startedAt time.Time, wm *types.Watermark, completedAt time.Time) error

	// FailRun marks the run Failed and leaves the watermark alone.
	FailRun(ctx context.Context, connID int64, startedAt time.Time, msg string) error

	// UpsertWorkItems writes one chunk in a single transaction, applying
	// the revision guard.
	UpsertWorkItems(ctx context.Context, connID int64, records []types.WorkItemRecord) (types.UpsertStats, error)
}

// Observer receives run lifecycle events. Implementations must not block.
type Observer interface {
	OnSyncStarted(connID int64, startedAt time.Time)
	OnSyncProgress(p Progress)
	OnSyncFinished(result *types.SyncResult)
}

// Progress is reported after each committed chunk.
type Progress struct {
	ConnectionID int64 `json:"connection_id"`
	ChunksDone   int   `json:"chunks_done"`
	ChunksTotal  int   `json:"chunks_total"`
	Fetched      int   `json:"fetched"`
	Upserted     int   `json:"upserted"`
}
