package statussync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pders01/shelf/internal/bundle"
	"github.com/pders01/shelf/internal/debuglog"
	"github.com/pders01/shelf/internal/remote"
	"github.com/pders01/shelf/internal/storage"
)

const defaultTimeout = 10 * time.Second

// ErrQueueExhausted marks a queued change that hit the retry ceiling.
var ErrQueueExhausted = errors.New("queued change exhausted its retries")

// Remote is the part of the server API the engine talks to.
type Remote interface {
	UpdateEntryStatus(ctx context.Context, entryID int64, status storage.EntryStatus, starred bool) error
	ListEntries(ctx context.Context, filter remote.Filter) ([]storage.Entry, int, error)
	Ping(ctx context.Context) error
}

// RemoteSyncError wraps a failed push. It is reported in results and never
// returned as an error, since the change is queued instead.
type RemoteSyncError struct {
	EntryID int64
	Err     error
}

func (e *RemoteSyncError) Error() string {
	return fmt.Sprintf("syncing entry %d: %v", e.EntryID, e.Err)
}

func (e *RemoteSyncError) Unwrap() error {
	return e.Err
}

// Result is what a caller learns from ChangeStatus.
type Result struct {
	EntryID   int64
	Status    storage.EntryStatus
	Starred   bool
	SyncState storage.SyncState
	// Pending is set when the change was queued for a later upload.
	Pending bool
	// Superseded is set when a newer change for the same entry took over
	// while this one was talking to the server.
	Superseded bool
	RemoteErr  *RemoteSyncError
}

type Options struct {
	Timeout    time.Duration
	MaxRetries int
}

type inflight struct {
	gen    uint64
	cancel context.CancelFunc
}

// Engine keeps local status in step with the server. Local records live in
// the bundle store, undelivered changes in the offline queue.
type Engine struct {
	records    *bundle.Store
	queue      *storage.Store
	remote     Remote
	timeout    time.Duration
	maxRetries int
	now        func() time.Time

	mu       sync.Mutex
	gen      uint64
	inflight map[int64]*inflight
	locks    sync.Map // int64 -> *sync.Mutex

	listenerMu sync.RWMutex
	listeners  []func(entryID int64)
}

func NewEngine(records *bundle.Store, queue *storage.Store, r Remote, opts Options) *Engine {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = storage.MaxRetries
	}
	return &Engine{
		records:    records,
		queue:      queue,
		remote:     r,
		timeout:    opts.Timeout,
		maxRetries: opts.MaxRetries,
		now:        time.Now,
		inflight:   make(map[int64]*inflight),
	}
}

// OnInvalidate registers fn to be called whenever the confirmed state of an
// entry changes, so derived views such as unread counts can be refreshed.
func (e *Engine) OnInvalidate(fn func(entryID int64)) {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	e.listeners = append(e.listeners, fn)
}

func (e *Engine) invalidate(entryID int64) {
	e.listenerMu.RLock()
	defer e.listenerMu.RUnlock()
	for _, fn := range e.listeners {
		fn(entryID)
	}
}

func (e *Engine) entryLock(entryID int64) *sync.Mutex {
	mu, _ := e.locks.LoadOrStore(entryID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// begin registers a new remote call for entryID, cancelling the one in flight.
func (e *Engine) begin(ctx context.Context, entryID int64) (context.Context, uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if prev, ok := e.inflight[entryID]; ok {
		prev.cancel()
	}
	e.gen++
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	e.inflight[entryID] = &inflight{gen: e.gen, cancel: cancel}
	return callCtx, e.gen
}

// tryBegin is begin for background work: it never preempts a call in flight.
func (e *Engine) tryBegin(ctx context.Context, entryID int64) (context.Context, uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[entryID]; busy {
		return nil, 0, false
	}
	e.gen++
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	e.inflight[entryID] = &inflight{gen: e.gen, cancel: cancel}
	return callCtx, e.gen, true
}

func (e *Engine) current(entryID int64, gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.inflight[entryID]
	return ok && c.gen == gen
}

func (e *Engine) finish(entryID int64, gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.inflight[entryID]; ok && c.gen == gen {
		c.cancel()
		delete(e.inflight, entryID)
	}
}

func (e *Engine) busy(entryID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[entryID]
	return ok
}

// ChangeStatus applies a status change locally and pushes it to the server.
// The local record is updated and the change queued before the remote call,
// so readers see the new state at once and a crash mid-push leaves the change
// for the next drain. A successful push clears the queued change; a failed
// one leaves it and the result is marked pending. Only local failures are
// returned as errors; an unknown entry yields bundle.ErrNotFound.
func (e *Engine) ChangeStatus(ctx context.Context, entryID int64, status storage.EntryStatus, starred bool) (*Result, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status %q", status)
	}
	log := debuglog.WithFields(map[string]interface{}{"entry": entryID, "status": status, "starred": starred})

	mu := e.entryLock(entryID)
	mu.Lock()
	callCtx, gen := e.begin(ctx, entryID)
	before, err := e.applyLocal(entryID, status, starred)
	mu.Unlock()
	if err != nil {
		e.finish(entryID, gen)
		return nil, fmt.Errorf("changing status of entry %d: %w", entryID, err)
	}
	if before.Local {
		e.finish(entryID, gen)
		e.invalidate(entryID)
		return &Result{EntryID: entryID, Status: status, Starred: starred, SyncState: storage.SyncSynced}, nil
	}
	defer e.finish(entryID, gen)

	pushErr := e.remote.UpdateEntryStatus(callCtx, entryID, status, starred)

	mu.Lock()
	defer mu.Unlock()

	res := &Result{EntryID: entryID, Status: status, Starred: starred}
	if !e.current(entryID, gen) {
		log.Debugf("status change superseded, discarding outcome")
		res.Superseded = true
		res.SyncState = storage.SyncPendingUpload
		return res, nil
	}

	if pushErr == nil {
		if err := e.queue.Remove(entryID); err != nil {
			return nil, fmt.Errorf("clearing queued change for entry %d: %w", entryID, err)
		}
		if err := e.records.SetSyncState(entryID, storage.SyncSynced); err != nil {
			return nil, fmt.Errorf("marking entry %d synced: %w", entryID, err)
		}
		log.Debugf("status synced")
		res.SyncState = storage.SyncSynced
		e.invalidate(entryID)
		return res, nil
	}

	// The queued change may have been dropped while the push was out.
	if _, err := e.queue.Enqueue(entryID, before.Status, status, before.Starred, starred); err != nil {
		return nil, fmt.Errorf("queueing status change for entry %d: %w", entryID, err)
	}
	log.Infof("status change queued: %v", pushErr)
	res.SyncState = storage.SyncPendingUpload
	res.Pending = true
	res.RemoteErr = &RemoteSyncError{EntryID: entryID, Err: pushErr}
	return res, nil
}

// applyLocal writes the new state to the record and, for server entries,
// queues it. A queued change already waiting keeps its old values, so the
// queue always holds the delta from the last state the server acknowledged.
// The caller holds the entry lock.
func (e *Engine) applyLocal(entryID int64, status storage.EntryStatus, starred bool) (*bundle.Record, error) {
	before, _, err := e.records.UpdateStatus(entryID, status, starred, storage.SyncPendingUpload)
	if err != nil {
		return nil, err
	}
	if before.Local {
		if err := e.records.SetSyncState(entryID, storage.SyncSynced); err != nil {
			return nil, err
		}
		return before, nil
	}
	if _, err := e.queue.Enqueue(entryID, before.Status, status, before.Starred, starred); err != nil {
		if _, _, rerr := e.records.UpdateStatus(entryID, before.Status, before.Starred, before.SyncStatus); rerr != nil {
			debuglog.Errorf("restoring entry %d after queue failure: %v", entryID, rerr)
		}
		return nil, fmt.Errorf("queueing: %w", err)
	}
	return before, nil
}

// DrainResult summarises one pass over the offline queue.
type DrainResult struct {
	// Offline is set when the connectivity probe failed; nothing was attempted.
	Offline   bool
	Synced    []int64
	Failed    []int64
	Exhausted []int64
	// Skipped holds entries with a change in flight at drain time.
	Skipped []int64
}

// Warnings returns one ErrQueueExhausted error per exhausted entry.
func (r *DrainResult) Warnings() []error {
	var out []error
	for _, id := range r.Exhausted {
		out = append(out, fmt.Errorf("entry %d: %w", id, ErrQueueExhausted))
	}
	return out
}

// DrainQueue retries every queued change, oldest first. Changes that reached
// the retry ceiling are skipped and reported as exhausted.
func (e *Engine) DrainQueue(ctx context.Context) (*DrainResult, error) {
	res := &DrainResult{}

	probeCtx, cancel := context.WithTimeout(ctx, e.timeout)
	err := e.remote.Ping(probeCtx)
	cancel()
	if err != nil {
		debuglog.Infof("queue drain skipped, server unreachable: %v", err)
		res.Offline = true
		return res, nil
	}

	pending, err := e.queue.Pending()
	if err != nil {
		return nil, fmt.Errorf("reading queue: %w", err)
	}

	for _, q := range pending {
		if ctx.Err() != nil {
			break
		}
		if q.RetryCount >= e.maxRetries {
			debuglog.Warnf("entry %d: %v (last error: %s)", q.EntryID, ErrQueueExhausted, q.LastError)
			res.Exhausted = append(res.Exhausted, q.EntryID)
			continue
		}
		outcome, err := e.drainOne(ctx, q.EntryID)
		if err != nil {
			return res, err
		}
		switch outcome {
		case drainSynced:
			res.Synced = append(res.Synced, q.EntryID)
		case drainFailed:
			res.Failed = append(res.Failed, q.EntryID)
		case drainExhausted:
			res.Exhausted = append(res.Exhausted, q.EntryID)
		case drainFailedExhausted:
			res.Failed = append(res.Failed, q.EntryID)
			res.Exhausted = append(res.Exhausted, q.EntryID)
		default:
			res.Skipped = append(res.Skipped, q.EntryID)
		}
	}

	if err := e.queue.MarkDrained(e.now()); err != nil {
		debuglog.Warnf("recording drain time: %v", err)
	}
	debuglog.Infof("queue drained: %d synced, %d failed, %d exhausted", len(res.Synced), len(res.Failed), len(res.Exhausted))
	return res, nil
}

type drainOutcome int

const (
	drainSkipped drainOutcome = iota
	drainSynced
	drainFailed
	drainExhausted
	drainFailedExhausted
)

// drainOne pushes a single queued change. The element is re-read once the
// entry is claimed, so a change made after the queue snapshot is what gets
// pushed. Entries with a change in flight, or whose queued change moved on
// during the push, are skipped.
func (e *Engine) drainOne(ctx context.Context, id int64) (drainOutcome, error) {
	callCtx, gen, ok := e.tryBegin(ctx, id)
	if !ok {
		return drainSkipped, nil
	}
	defer e.finish(id, gen)

	mu := e.entryLock(id)
	mu.Lock()
	q, err := e.queue.Get(id)
	stale := !e.current(id, gen)
	mu.Unlock()
	switch {
	case stale || errors.Is(err, storage.ErrNotQueued):
		return drainSkipped, nil
	case err != nil:
		return drainSkipped, fmt.Errorf("reading queued change for entry %d: %w", id, err)
	case q.RetryCount >= e.maxRetries:
		return drainExhausted, nil
	}

	pushErr := e.remote.UpdateEntryStatus(callCtx, id, q.NewStatus, q.NewStarred)

	mu.Lock()
	defer mu.Unlock()

	if !e.current(id, gen) {
		return drainSkipped, nil
	}

	latest, err := e.queue.Get(id)
	if errors.Is(err, storage.ErrNotQueued) {
		return drainSkipped, nil
	}
	if err != nil {
		return drainSkipped, fmt.Errorf("reading queued change for entry %d: %w", id, err)
	}
	if !latest.UpdatedAt.Equal(q.UpdatedAt) {
		return drainSkipped, nil
	}

	if pushErr != nil {
		count, err := e.queue.IncrementRetry(id, pushErr)
		if errors.Is(err, storage.ErrNotQueued) {
			return drainSkipped, nil
		}
		if err != nil {
			return drainSkipped, fmt.Errorf("recording retry for entry %d: %w", id, err)
		}
		debuglog.WithFields(map[string]interface{}{"entry": id, "retry": count}).Warnf("queued change failed: %v", pushErr)
		if count >= e.maxRetries {
			return drainFailedExhausted, nil
		}
		return drainFailed, nil
	}

	if err := e.queue.Remove(id); err != nil {
		return drainSkipped, fmt.Errorf("removing queued change for entry %d: %w", id, err)
	}
	if err := e.records.SetSyncState(id, storage.SyncSynced); err != nil && !errors.Is(err, bundle.ErrNotFound) {
		return drainSkipped, fmt.Errorf("marking entry %d synced: %w", id, err)
	}
	e.invalidate(id)
	return drainSynced, nil
}

// ResetExhausted makes exhausted changes eligible for the next drain.
func (e *Engine) ResetExhausted() (int, error) {
	n, err := e.queue.ResetRetries(e.maxRetries)
	if err != nil {
		return 0, fmt.Errorf("resetting retries: %w", err)
	}
	return n, nil
}
