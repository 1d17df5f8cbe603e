package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mschirtzinger/teamtrack/internal/types"
)

func testRecord(id, rev int, changed time.Time) types.WorkItemRecord {
	return types.WorkItemRecord{
		ExternalID: id,
		Revision:   rev,
		ChangedAt:  changed,
		Title:      "Item",
		State:      "Active",
		Type:       "Task",
		URL:        "https://dev.azure.com/contoso/_workitems/edit/1",
	}
}

func TestUpsertWorkItems_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedConnection(t, s)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	batch := []types.WorkItemRecord{
		testRecord(10, 1, base),
		testRecord(11, 3, base.Add(time.Second)),
		testRecord(12, 2, base.Add(2*time.Second)),
	}

	stats, err := s.UpsertWorkItems(ctx, 1, batch)
	if err != nil {
		t.Fatalf("UpsertWorkItems() failed: %v", err)
	}
	if stats.Created != 3 || stats.Updated != 0 || stats.Unchanged != 0 {
		t.Errorf("first upsert stats = %+v, want 3 created", stats)
	}

	stats, err = s.UpsertWorkItems(ctx, 1, batch)
	if err != nil {
		t.Fatalf("second UpsertWorkItems() failed: %v", err)
	}
	if stats.Created != 0 || stats.Updated != 0 || stats.Unchanged != 3 {
		t.Errorf("replay stats = %+v, want 3 unchanged", stats)
	}

	count, err := s.CountWorkItems(ctx, 1)
	if err != nil {
		t.Fatalf("CountWorkItems() failed: %v", err)
	}
	if count != 3 {
		t.Errorf("CountWorkItems() = %d, want 3", count)
	}
}

func TestUpsertWorkItems_RevisionGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedConnection(t, s)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := testRecord(42, 5, base)
	rec.Title = "v5"
	if _, err := s.UpsertWorkItems(ctx, 1, []types.WorkItemRecord{rec}); err != nil {
		t.Fatalf("UpsertWorkItems() failed: %v", err)
	}

	tests := []struct {
		name      string
		revision  int
		title     string
		wantTitle string
		wantStats types.UpsertStats
	}{
		{"older revision ignored", 4, "v4", "v5", types.UpsertStats{Unchanged: 1}},
		{"same revision ignored", 5, "v5-replay", "v5", types.UpsertStats{Unchanged: 1}},
		{"newer revision applied", 6, "v6", "v6", types.UpsertStats{Updated: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := testRecord(42, tt.revision, base.Add(time.Minute))
			r.Title = tt.title
			stats, err := s.UpsertWorkItems(ctx, 1, []types.WorkItemRecord{r})
			if err != nil {
				t.Fatalf("UpsertWorkItems() failed: %v", err)
			}
			if stats != tt.wantStats {
				t.Errorf("stats = %+v, want %+v", stats, tt.wantStats)
			}
			got, err := s.GetWorkItem(ctx, 1, 42)
			if err != nil {
				t.Fatalf("GetWorkItem() failed: %v", err)
			}
			if got.Title != tt.wantTitle {
				t.Errorf("Title = %q, want %q", got.Title, tt.wantTitle)
			}
		})
	}
}

func TestUpsertWorkItems_PreservesFirstSeen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedConnection(t, s)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.UpsertWorkItems(ctx, 1, []types.WorkItemRecord{testRecord(1, 1, base)})
	first, _ := s.GetWorkItem(ctx, 1, 1)

	s.UpsertWorkItems(ctx, 1, []types.WorkItemRecord{testRecord(1, 2, base.Add(time.Hour))})
	second, _ := s.GetWorkItem(ctx, 1, 1)

	if !second.FirstSeenAt.Equal(first.FirstSeenAt) {
		t.Errorf("FirstSeenAt changed from %v to %v", first.FirstSeenAt, second.FirstSeenAt)
	}
	if second.ID != first.ID {
		t.Errorf("local id changed from %d to %d", first.ID, second.ID)
	}
}

func TestUpsertWorkItems_InvalidRecordWritesNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedConnection(t, s)

	batch := []types.WorkItemRecord{
		testRecord(1, 1, time.Now()),
		{ExternalID: 2, Revision: 1}, // missing changed timestamp
	}
	if _, err := s.UpsertWorkItems(ctx, 1, batch); err == nil {
		t.Fatal("UpsertWorkItems() with an invalid record succeeded")
	}
	if count, _ := s.CountWorkItems(ctx, 1); count != 0 {
		t.Errorf("CountWorkItems() = %d after rejected batch, want 0", count)
	}
}

func TestUpsertWorkItems_UnknownConnectionRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedConnection(t, s)

	// Foreign keys reject the whole batch for a connection that doesn't exist.
	_, err := s.UpsertWorkItems(ctx, 99, []types.WorkItemRecord{testRecord(1, 1, time.Now())})
	if err == nil {
		t.Fatal("UpsertWorkItems() for unknown connection succeeded")
	}
	if count, _ := s.CountWorkItems(ctx, 99); count != 0 {
		t.Errorf("CountWorkItems() = %d, want 0", count)
	}
}

func TestGetWorkItem_NotFound(t *testing.T) {
	s := newTestStore(t)
	seedConnection(t, s)
	if _, err := s.GetWorkItem(context.Background(), 1, 404); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetWorkItem() = %v, want ErrNotFound", err)
	}
}

func TestListWorkItems_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedConnection(t, s)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := testRecord(1, 1, base)
	a.AssigneeUniqueName = "Ana@Contoso.com"
	b := testRecord(2, 1, base.Add(time.Hour))
	b.State = "Closed"
	c := testRecord(3, 1, base.Add(2*time.Hour))
	s.UpsertWorkItems(ctx, 1, []types.WorkItemRecord{a, b, c})

	tests := []struct {
		name    string
		filter  WorkItemFilter
		wantIDs []int
	}{
		{"all newest first", WorkItemFilter{}, []int{3, 2, 1}},
		{"since", WorkItemFilter{ChangedSince: base.Add(time.Hour)}, []int{3, 2}},
		{"state", WorkItemFilter{State: "Closed"}, []int{2}},
		{"assignee case-insensitive", WorkItemFilter{Assignee: "ana@contoso.com"}, []int{1}},
		{"limit", WorkItemFilter{Limit: 1}, []int{3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := s.ListWorkItems(ctx, 1, tt.filter)
			if err != nil {
				t.Fatalf("ListWorkItems() failed: %v", err)
			}
			if len(items) != len(tt.wantIDs) {
				t.Fatalf("got %d items, want %d", len(items), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if items[i].ExternalID != id {
					t.Errorf("items[%d].ExternalID = %d, want %d", i, items[i].ExternalID, id)
				}
			}
		})
	}
}
