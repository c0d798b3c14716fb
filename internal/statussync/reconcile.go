package statussync

import (
	"context"
	"errors"
	"fmt"

	"github.com/pders01/shelf/internal/bundle"
	"github.com/pders01/shelf/internal/debuglog"
	"github.com/pders01/shelf/internal/remote"
	"github.com/pders01/shelf/internal/storage"
)

const defaultRefreshLimit = 100

// Reconcile applies server state to local records. The server wins: a queued
// local change is dropped when the server entry changed after it was last
// queued, and records without a queued change simply adopt the server state.
// Entries without a local bundle, or with a change in flight, are left alone.
// It returns the number of local records that changed.
func (e *Engine) Reconcile(entries []storage.Entry) (int, error) {
	changed := 0
	for i := range entries {
		ok, err := e.reconcileOne(&entries[i])
		if err != nil {
			return changed, err
		}
		if ok {
			changed++
		}
	}
	return changed, nil
}

func (e *Engine) reconcileOne(server *storage.Entry) (bool, error) {
	if !server.Status.Valid() {
		return false, nil
	}
	id := server.ID

	mu := e.entryLock(id)
	mu.Lock()
	defer mu.Unlock()

	if e.busy(id) {
		return false, nil
	}

	rec, err := e.records.Load(id)
	if errors.Is(err, bundle.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reconciling entry %d: %w", id, err)
	}

	q, err := e.queue.Get(id)
	switch {
	case errors.Is(err, storage.ErrNotQueued):
		if rec.Status == server.Status && rec.Starred == server.Starred && rec.SyncStatus == storage.SyncSynced {
			return false, nil
		}
	case err != nil:
		return false, fmt.Errorf("reconciling entry %d: %w", id, err)
	default:
		if !server.ChangedAt.After(q.UpdatedAt) {
			return false, nil
		}
		if err := e.queue.Remove(id); err != nil {
			return false, fmt.Errorf("dropping queued change for entry %d: %w", id, err)
		}
		debuglog.WithFields(map[string]interface{}{
			"entry":      id,
			"local":      q.NewStatus,
			"server":     server.Status,
			"changed_at": server.ChangedAt,
		}).Infof("server state is newer, dropping queued change")
	}

	if _, _, err := e.records.UpdateStatus(id, server.Status, server.Starred, storage.SyncSynced); err != nil {
		return false, fmt.Errorf("reconciling entry %d: %w", id, err)
	}
	e.invalidate(id)
	return true, nil
}

// Refresh fetches the most recently changed entries from the server and
// reconciles them against local records.
func (e *Engine) Refresh(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultRefreshLimit
	}
	entries, _, err := e.remote.ListEntries(ctx, remote.Filter{
		Limit:     limit,
		Order:     "changed_at",
		Direction: "desc",
	})
	if err != nil {
		return 0, fmt.Errorf("refreshing: %w", err)
	}

	changed, err := e.Reconcile(entries)
	if err != nil {
		return changed, err
	}
	if err := e.queue.MarkRefreshed(e.now()); err != nil {
		debuglog.Warnf("recording refresh time: %v", err)
	}
	return changed, nil
}
