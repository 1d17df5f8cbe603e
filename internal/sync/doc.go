// Package sync pulls changed Azure DevOps work items into the local cache.
//
// Overview
//
// A Coordinator runs one incremental sync for the single active connection.
// Progress is tracked by a watermark: the (changed timestamp, item id) of the
// last item a fully committed run processed. A run never moves the watermark
// unless every chunk it fetched was stored.
//
//	sync_state (watermark, status)
//	     │
//	     ▼
//	QueryChangedIDs(scope, since=watermark.ts)   ── WIQL, ordered by (ts, id)
//	     │
//	     ▼
//	FetchWorkItems(chunk) → drop ≤ watermark → UpsertWorkItems(chunk)   × N
//	     │
//	     ▼
//	CompleteRun(new watermark) or FailRun(message)
//
// Usage
//
//	st, err := store.Open(".teamtrack/teamtrack.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
//
//	coord := sync.New(st, func(conn *types.Connection) (sync.Source, error) {
//	    return ado.NewClient(conn.Organization, pat), nil
//	}, logger)
//
//	result, err := coord.RunSync(ctx)
//	switch {
//	case errors.Is(err, sync.ErrAlreadyRunning):
//	    // another process holds the connection
//	case err != nil:
//	    // configuration problem, nothing was attempted
//	case !result.Success:
//	    // run failed; result.Error is also stored in sync_state.last_error
//	}
//
// Single flight
//
// BeginRun flips the status to Running with one conditional UPDATE, so two
// processes sharing a database cannot both start a run. A Running status
// older than Config.StaleRunAfter is treated as abandoned and may be
// reclaimed. The run's start time doubles as its ownership token: a run that
// was reclaimed cannot complete.
//
// Ordering and duplicates
//
// The changed-id query is inclusive of the watermark timestamp. Items that
// share the timestamp are ordered by id, and any item at or before the
// stored (timestamp, id) pair is dropped before upserting. The new watermark
// never passes the instant the service evaluated the query at, since items
// changed after that instant may be missing from the result.
package sync
