package statussync

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pders01/shelf/internal/bundle"
	"github.com/pders01/shelf/internal/remote"
	"github.com/pders01/shelf/internal/storage"
)

var errOffline = errors.New("dial tcp: connection refused")

type push struct {
	EntryID int64
	Status  storage.EntryStatus
	Starred bool
}

type fakeRemote struct {
	mu      sync.Mutex
	offline bool
	failPut bool
	pushes  []push
	listing []storage.Entry
	// update overrides the default push behaviour when set.
	update func(ctx context.Context, call int, p push) error
}

func (f *fakeRemote) setOffline(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = v
}

func (f *fakeRemote) UpdateEntryStatus(ctx context.Context, entryID int64, status storage.EntryStatus, starred bool) error {
	p := push{EntryID: entryID, Status: status, Starred: starred}
	f.mu.Lock()
	call := len(f.pushes)
	f.pushes = append(f.pushes, p)
	offline, failPut, update := f.offline, f.failPut, f.update
	f.mu.Unlock()

	if update != nil {
		return update(ctx, call, p)
	}
	if offline {
		return errOffline
	}
	if failPut {
		return &remote.StatusError{Code: 502}
	}
	return nil
}

func (f *fakeRemote) ListEntries(ctx context.Context, filter remote.Filter) ([]storage.Entry, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return nil, 0, errOffline
	}
	return f.listing, len(f.listing), nil
}

func (f *fakeRemote) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return errOffline
	}
	return nil
}

func (f *fakeRemote) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

type fixture struct {
	engine  *Engine
	records *bundle.Store
	queue   *storage.Store
	remote  *fakeRemote
}

func setupEngine(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	records, err := bundle.NewStore(filepath.Join(dir, "entries"))
	require.NoError(t, err)
	queue, err := storage.NewStore(filepath.Join(dir, "shelf.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { queue.Close() })

	r := &fakeRemote{}
	return &fixture{
		engine:  NewEngine(records, queue, r, Options{Timeout: 2 * time.Second}),
		records: records,
		queue:   queue,
		remote:  r,
	}
}

func (f *fixture) seed(t *testing.T, id int64, status storage.EntryStatus, starred bool) {
	t.Helper()
	_, err := f.records.EnsureDir(id)
	require.NoError(t, err)
	require.NoError(t, f.records.Save(id, &bundle.Record{
		Title:      "entry",
		Status:     status,
		Starred:    starred,
		SyncStatus: storage.SyncSynced,
	}))
}

func TestChangeStatus_Online(t *testing.T) {
	f := setupEngine(t)
	f.seed(t, 1, storage.StatusUnread, false)

	var invalidated []int64
	f.engine.OnInvalidate(func(id int64) { invalidated = append(invalidated, id) })

	res, err := f.engine.ChangeStatus(context.Background(), 1, storage.StatusRead, true)
	require.NoError(t, err)

	assert.False(t, res.Pending)
	assert.Nil(t, res.RemoteErr)
	assert.Equal(t, storage.SyncSynced, res.SyncState)

	rec, err := f.records.Load(1)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusRead, rec.Status)
	assert.True(t, rec.Starred)
	assert.Equal(t, storage.SyncSynced, rec.SyncStatus)

	n, err := f.queue.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []int64{1}, invalidated)
	assert.Equal(t, []push{{1, storage.StatusRead, true}}, f.remote.pushes)
}

func TestChangeStatus_OfflineThenDrain(t *testing.T) {
	f := setupEngine(t)
	f.seed(t, 7, storage.StatusUnread, false)
	f.remote.setOffline(true)

	res, err := f.engine.ChangeStatus(context.Background(), 7, storage.StatusRead, false)
	require.NoError(t, err, "an offline change still succeeds locally")
	assert.True(t, res.Pending)
	require.NotNil(t, res.RemoteErr)
	assert.ErrorIs(t, res.RemoteErr, errOffline)

	rec, err := f.records.Load(7)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusRead, rec.Status)
	assert.Equal(t, storage.SyncPendingUpload, rec.SyncStatus)

	q, err := f.queue.Get(7)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusUnread, q.OldStatus)
	assert.Equal(t, storage.StatusRead, q.NewStatus)

	f.remote.setOffline(false)
	drained, err := f.engine.DrainQueue(context.Background())
	require.NoError(t, err)
	assert.False(t, drained.Offline)
	assert.Equal(t, []int64{7}, drained.Synced)

	_, err = f.queue.Get(7)
	assert.ErrorIs(t, err, storage.ErrNotQueued)
	rec, err = f.records.Load(7)
	require.NoError(t, err)
	assert.Equal(t, storage.SyncSynced, rec.SyncStatus)
	assert.Equal(t, storage.StatusRead, rec.Status)

	last, err := f.queue.LastDrain()
	require.NoError(t, err)
	assert.False(t, last.IsZero())
}

func TestChangeStatus_OfflineChangesCollapse(t *testing.T) {
	f := setupEngine(t)
	f.seed(t, 3, storage.StatusUnread, false)
	f.remote.setOffline(true)

	for _, s := range []storage.EntryStatus{storage.StatusRead, storage.StatusUnread, storage.StatusRead} {
		_, err := f.engine.ChangeStatus(context.Background(), 3, s, false)
		require.NoError(t, err)
	}

	pending, err := f.queue.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, storage.StatusUnread, pending[0].OldStatus)
	assert.Equal(t, storage.StatusRead, pending[0].NewStatus)
}

func TestChangeStatus_UnknownEntry(t *testing.T) {
	f := setupEngine(t)

	_, err := f.engine.ChangeStatus(context.Background(), 99, storage.StatusRead, false)

	assert.ErrorIs(t, err, bundle.ErrNotFound)
	assert.Zero(t, f.remote.pushCount())
	assert.False(t, f.engine.busy(99))
}

func TestChangeStatus_InvalidStatus(t *testing.T) {
	f := setupEngine(t)
	f.seed(t, 1, storage.StatusUnread, false)

	_, err := f.engine.ChangeStatus(context.Background(), 1, "archived", false)
	assert.Error(t, err)
	assert.Zero(t, f.remote.pushCount())
}

func TestChangeStatus_SupersededCallIsDiscarded(t *testing.T) {
	f := setupEngine(t)
	f.seed(t, 5, storage.StatusUnread, false)

	started := make(chan struct{})
	f.remote.update = func(ctx context.Context, call int, p push) error {
		if call == 0 {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}

	firstDone := make(chan *Result)
	go func() {
		res, err := f.engine.ChangeStatus(context.Background(), 5, storage.StatusRead, false)
		assert.NoError(t, err)
		firstDone <- res
	}()
	<-started

	second, err := f.engine.ChangeStatus(context.Background(), 5, storage.StatusUnread, true)
	require.NoError(t, err)
	assert.Equal(t, storage.SyncSynced, second.SyncState)

	first := <-firstDone
	assert.True(t, first.Superseded)
	assert.False(t, first.Pending)

	rec, err := f.records.Load(5)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusUnread, rec.Status)
	assert.True(t, rec.Starred)
	assert.Equal(t, storage.SyncSynced, rec.SyncStatus)

	n, err := f.queue.Len()
	require.NoError(t, err)
	assert.Zero(t, n, "the stale failure must not be queued")
}

func TestDrainQueue_OfflineConsumesNoRetries(t *testing.T) {
	f := setupEngine(t)
	f.seed(t, 1, storage.StatusUnread, false)
	f.remote.setOffline(true)
	_, err := f.engine.ChangeStatus(context.Background(), 1, storage.StatusRead, false)
	require.NoError(t, err)
	pushesBefore := f.remote.pushCount()

	res, err := f.engine.DrainQueue(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Offline)
	assert.Empty(t, res.Synced)
	assert.Equal(t, pushesBefore, f.remote.pushCount())
	q, err := f.queue.Get(1)
	require.NoError(t, err)
	assert.Zero(t, q.RetryCount)
}

func TestDrainQueue_RetriesUntilExhausted(t *testing.T) {
	f := setupEngine(t)
	f.seed(t, 1, storage.StatusUnread, false)
	f.seed(t, 2, storage.StatusUnread, false)
	f.remote.setOffline(true)
	_, err := f.engine.ChangeStatus(context.Background(), 1, storage.StatusRead, false)
	require.NoError(t, err)
	_, err = f.engine.ChangeStatus(context.Background(), 2, storage.StatusRead, true)
	require.NoError(t, err)

	f.remote.mu.Lock()
	f.remote.offline = false
	f.remote.update = func(ctx context.Context, call int, p push) error {
		if p.EntryID == 1 {
			return &remote.StatusError{Code: 500}
		}
		return nil
	}
	f.remote.mu.Unlock()

	res, err := f.engine.DrainQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, res.Synced)
	assert.Equal(t, []int64{1}, res.Failed)
	assert.Empty(t, res.Exhausted)

	for i := 0; i < storage.MaxRetries-1; i++ {
		res, err = f.engine.DrainQueue(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, []int64{1}, res.Exhausted)
	require.Len(t, res.Warnings(), 1)
	assert.ErrorIs(t, res.Warnings()[0], ErrQueueExhausted)

	pushes := f.remote.pushCount()
	res, err = f.engine.DrainQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, res.Exhausted)
	assert.Empty(t, res.Failed)
	assert.Equal(t, pushes, f.remote.pushCount(), "exhausted changes are not retried")

	q, err := f.queue.Get(1)
	require.NoError(t, err, "exhausted changes are kept, not discarded")
	assert.Equal(t, storage.MaxRetries, q.RetryCount)
	assert.Contains(t, q.LastError, "500")

	n, err := f.engine.ResetExhausted()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f.remote.mu.Lock()
	f.remote.update = nil
	f.remote.mu.Unlock()
	res, err = f.engine.DrainQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, res.Synced)
}

func TestDrainQueue_BundleDeleted(t *testing.T) {
	f := setupEngine(t)
	_, err := f.queue.Enqueue(11, storage.StatusUnread, storage.StatusRead, false, false)
	require.NoError(t, err)

	res, err := f.engine.DrainQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{11}, res.Synced)
}

func TestDrainQueue_OldestFirst(t *testing.T) {
	f := setupEngine(t)
	for _, id := range []int64{30, 10, 20} {
		_, err := f.queue.Enqueue(id, storage.StatusUnread, storage.StatusRead, false, false)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	res, err := f.engine.DrainQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{30, 10, 20}, res.Synced)
}

func TestRemoteSyncError(t *testing.T) {
	err := &RemoteSyncError{EntryID: 4, Err: errOffline}
	assert.Contains(t, err.Error(), "entry 4")
	assert.ErrorIs(t, err, errOffline)
}

func TestChangeStatus_LocalEntryNeverPushed(t *testing.T) {
	f := setupEngine(t)
	_, err := f.records.EnsureDir(30)
	require.NoError(t, err)
	require.NoError(t, f.records.Save(30, &bundle.Record{
		Title:      "imported",
		Status:     storage.StatusUnread,
		SyncStatus: storage.SyncSynced,
		Local:      true,
	}))

	res, err := f.engine.ChangeStatus(context.Background(), 30, storage.StatusRead, true)
	require.NoError(t, err)
	assert.Equal(t, storage.SyncSynced, res.SyncState)
	assert.False(t, res.Pending)
	assert.Zero(t, f.remote.pushCount())

	n, err := f.queue.Len()
	require.NoError(t, err)
	assert.Zero(t, n)

	rec, err := f.records.Load(30)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusRead, rec.Status)
	assert.True(t, rec.Starred)
	assert.Equal(t, storage.SyncSynced, rec.SyncStatus)
}

func TestDrainQueue_PushesLatestQueuedChange(t *testing.T) {
	f := setupEngine(t)
	f.seed(t, 1, storage.StatusUnread, false)
	f.seed(t, 2, storage.StatusUnread, false)
	f.remote.setOffline(true)
	for _, id := range []int64{1, 2} {
		_, err := f.engine.ChangeStatus(context.Background(), id, storage.StatusRead, false)
		require.NoError(t, err)
	}

	var changed *Result
	f.remote.mu.Lock()
	f.remote.offline = false
	f.remote.update = func(ctx context.Context, call int, p push) error {
		if p.EntryID == 1 && changed == nil {
			var err error
			changed, err = f.engine.ChangeStatus(context.Background(), 2, storage.StatusUnread, false)
			assert.NoError(t, err)
		}
		return nil
	}
	f.remote.mu.Unlock()

	res, err := f.engine.DrainQueue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, changed)
	assert.Equal(t, storage.SyncSynced, changed.SyncState)
	assert.Equal(t, []int64{1}, res.Synced)
	assert.Equal(t, []int64{2}, res.Skipped)

	server := make(map[int64]storage.EntryStatus)
	f.remote.mu.Lock()
	for _, p := range f.remote.pushes {
		server[p.EntryID] = p.Status
	}
	f.remote.mu.Unlock()
	assert.Equal(t, storage.StatusUnread, server[2], "the newer change must be the last one pushed")

	rec, err := f.records.Load(2)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusUnread, rec.Status)
	assert.Equal(t, storage.SyncSynced, rec.SyncStatus)
	n, err := f.queue.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestChangeStatus_QueuedBeforePush(t *testing.T) {
	f := setupEngine(t)
	f.seed(t, 1, storage.StatusUnread, false)

	started := make(chan struct{})
	release := make(chan struct{})
	f.remote.update = func(ctx context.Context, call int, p push) error {
		close(started)
		<-release
		return errOffline
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := f.engine.ChangeStatus(context.Background(), 1, storage.StatusRead, false)
		assert.NoError(t, err)
	}()
	<-started

	// What a crash during the push would leave behind.
	q, err := f.queue.Get(1)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusUnread, q.OldStatus)
	assert.Equal(t, storage.StatusRead, q.NewStatus)
	rec, err := f.records.Load(1)
	require.NoError(t, err)
	assert.Equal(t, storage.SyncPendingUpload, rec.SyncStatus)

	restarted := &fakeRemote{}
	engine := NewEngine(f.records, f.queue, restarted, Options{Timeout: time.Second})
	res, err := engine.DrainQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, res.Synced)
	assert.Equal(t, []push{{EntryID: 1, Status: storage.StatusRead}}, restarted.pushes)

	close(release)
	<-done
}

func TestChangeStatus_SupersededKeepsAcknowledgedOldValues(t *testing.T) {
	f := setupEngine(t)
	f.seed(t, 6, storage.StatusUnread, false)

	started := make(chan struct{})
	f.remote.update = func(ctx context.Context, call int, p push) error {
		if call == 0 {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}
		return errOffline
	}

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_, err := f.engine.ChangeStatus(context.Background(), 6, storage.StatusRead, false)
		assert.NoError(t, err)
	}()
	<-started

	res, err := f.engine.ChangeStatus(context.Background(), 6, storage.StatusUnread, true)
	require.NoError(t, err)
	assert.True(t, res.Pending)
	<-firstDone

	q, err := f.queue.Get(6)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusUnread, q.OldStatus)
	assert.False(t, q.OldStarred)
	assert.Equal(t, storage.StatusUnread, q.NewStatus)
	assert.True(t, q.NewStarred)
}

func TestResetExhausted_ConfiguredCeiling(t *testing.T) {
	f := setupEngine(t)
	engine := NewEngine(f.records, f.queue, f.remote, Options{Timeout: time.Second, MaxRetries: 5})
	for _, id := range []int64{1, 2} {
		_, err := f.queue.Enqueue(id, storage.StatusUnread, storage.StatusRead, false, false)
		require.NoError(t, err)
	}
	for i := 0; i < 5; i++ {
		_, err := f.queue.IncrementRetry(1, errOffline)
		require.NoError(t, err)
	}
	for i := 0; i < storage.MaxRetries; i++ {
		_, err := f.queue.IncrementRetry(2, errOffline)
		require.NoError(t, err)
	}

	n, err := engine.ResetExhausted()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
