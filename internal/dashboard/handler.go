package dashboard

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	syncer "github.com/mschirtzinger/teamtrack/internal/sync"
	"github.com/mschirtzinger/teamtrack/internal/types"
)

// SyncStartedData is sent when a run takes the connection.
type SyncStartedData struct {
	ConnectionID int64     `json:"connection_id"`
	StartedAt    time.Time `json:"started_at"`
}

// ItemsLinkedData is sent after a link command.
type ItemsLinkedData struct {
	ProjectID int64   `json:"project_id"`
	Linked    int     `json:"linked"`
	Skipped   []int64 `json:"skipped,omitempty"`
}

// StatsData summarizes activity since the server started.
type StatsData struct {
	RunsSucceeded  int               `json:"runs_succeeded"`
	RunsFailed     int               `json:"runs_failed"`
	ItemsUpserted  int               `json:"items_upserted"`
	MembersCreated int               `json:"members_created"`
	ItemsLinked    int               `json:"items_linked"`
	Running        bool              `json:"running"`
	LastRun        *types.SyncResult `json:"last_run,omitempty"`
}

// Handler turns sync, import and link events into dashboard messages.
// It implements sync.Observer and service.Notifier.
type Handler struct {
	server *Server
	logger *slog.Logger

	mu    sync.Mutex
	stats StatsData
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{server: server, logger: logger}
	server.stats = h.GetStats
	return h
}

// OnSyncStarted handles run start events
func (h *Handler) OnSyncStarted(connID int64, startedAt time.Time) {
	h.mu.Lock()
	h.stats.Running = true
	h.mu.Unlock()

	h.send(MessageTypeSyncStarted, SyncStartedData{ConnectionID: connID, StartedAt: startedAt})
}

// OnSyncProgress handles per-chunk progress
func (h *Handler) OnSyncProgress(p syncer.Progress) {
	h.send(MessageTypeSyncProgress, p)
}

// OnSyncFinished handles run completion, successful or not
func (h *Handler) OnSyncFinished(result *types.SyncResult) {
	h.mu.Lock()
	h.stats.Running = false
	h.stats.LastRun = result
	if result.Success {
		h.stats.RunsSucceeded++
	} else {
		h.stats.RunsFailed++
	}
	h.stats.ItemsUpserted += result.Upserted
	h.mu.Unlock()

	if result.Success {
		h.send(MessageTypeSyncComplete, result)
	} else {
		h.logger.Debug("broadcasting failed run", "error", result.Error)
		h.send(MessageTypeSyncFailed, result)
	}
	h.broadcastStats()
}

// OnUsersImported handles identity imports
func (h *Handler) OnUsersImported(result *types.ImportResult) {
	h.mu.Lock()
	h.stats.MembersCreated += result.MembersCreated
	h.mu.Unlock()

	h.send(MessageTypeUsersImported, result)
	h.broadcastStats()
}

// OnItemsLinked handles link commands
func (h *Handler) OnItemsLinked(projectID int64, result *types.LinkResult) {
	h.mu.Lock()
	h.stats.ItemsLinked += result.Linked
	h.mu.Unlock()

	h.send(MessageTypeItemsLinked, ItemsLinkedData{
		ProjectID: projectID,
		Linked:    result.Linked,
		Skipped:   result.Skipped,
	})
	h.broadcastStats()
}

// GetStats returns the current statistics
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *Handler) broadcastStats() {
	h.send(MessageTypeStats, h.GetStats())
}

func (h *Handler) send(typ MessageType, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("failed to marshal dashboard message", "type", typ, "error", err)
		return
	}
	h.server.Broadcast(Message{Type: typ, Timestamp: time.Now(), Data: raw})
}
