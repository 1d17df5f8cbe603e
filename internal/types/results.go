package types

import "time"

// SyncResult reports the outcome of one sync run.
type SyncResult struct {
	Success bool `json:"success"`
	// AlreadyRunning is set when the run was rejected by the single-flight guard.
	AlreadyRunning bool `json:"already_running,omitempty"`

	// Fetched counts items returned by the external service past the watermark.
	Fetched int `json:"fetched"`
	// Upserted counts items whose stored revision changed (Created + Updated).
	Upserted  int `json:"upserted"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`

	// Watermark is set only when the run advanced it.
	Watermark *Watermark `json:"watermark,omitempty"`

	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
}

// UpsertStats counts what a batch upsert did to the work item cache.
type UpsertStats struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
}

// Add accumulates another batch into s.
func (s *UpsertStats) Add(other UpsertStats) {
	s.Created += other.Created
	s.Updated += other.Updated
	s.Unchanged += other.Unchanged
}

// ImportResult reports what an identity import created or refreshed.
type ImportResult struct {
	UsersAdded      int      `json:"users_added"`
	UsersUpdated    int      `json:"users_updated"`
	MembersCreated  int      `json:"members_created"`
	MappingsCreated int      `json:"mappings_created"`
	Skipped         []string `json:"skipped,omitempty"`
}

// LinkResult reports how many work items a link command attached.
type LinkResult struct {
	Linked  int     `json:"linked"`
	Skipped []int64 `json:"skipped,omitempty"`
}
