package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pders01/shelf/internal/bundle"
	"github.com/pders01/shelf/internal/storage"
)

type imageServer struct {
	*httptest.Server
	hits int32
}

func newImageServer(t *testing.T) *imageServer {
	t.Helper()
	s := &imageServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.hits, 1)
		if r.URL.Path == "/missing.png" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png:" + r.URL.Path))
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *imageServer) Hits() int32 { return atomic.LoadInt32(&s.hits) }

func newTestMaterializer(t *testing.T) (*Materializer, *bundle.Store) {
	t.Helper()
	store, err := bundle.NewStore(filepath.Join(t.TempDir(), "entries"))
	require.NoError(t, err)
	m := NewMaterializer(store, NewImageFetcher(FetcherOptions{
		ConnectTimeout:  time.Second,
		TransferTimeout: 2 * time.Second,
	}))
	m.SetCancelCheckInterval(0)
	return m, store
}

var imgSrc = regexp.MustCompile(`<img[^>]*\ssrc="([^"]*)"`)

// assertSelfContained checks that every image in the stored document is a local file.
func assertSelfContained(t *testing.T, b *LocalBundle) {
	t.Helper()
	doc, err := os.ReadFile(b.HTMLPath)
	require.NoError(t, err)
	for _, m := range imgSrc.FindAllStringSubmatch(string(doc), -1) {
		src := m[1]
		assert.NotRegexp(t, `^(https?:)?//`, src, "remote image left in bundle")
		_, err := os.Stat(filepath.Join(b.Dir, src))
		assert.NoError(t, err, "image %s referenced but missing", src)
	}
}

type recordingIndexer struct {
	mu      sync.Mutex
	indexed map[int64]string
	removed []int64
}

func (r *recordingIndexer) IndexEntry(rec *bundle.Record, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexed == nil {
		r.indexed = make(map[int64]string)
	}
	r.indexed[rec.EntryID] = text
	return nil
}

func (r *recordingIndexer) RemoveEntry(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, id)
	return nil
}

func TestMaterialize_PartialImageFailure(t *testing.T) {
	reachable := newImageServer(t)
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	m, _ := newTestMaterializer(t)
	entry := &storage.Entry{
		ID:      42,
		Title:   "Two images",
		URL:     "https://blog.example.org/42",
		Content: `<p>first</p><img src="` + reachable.URL + `/ok.png"><p>second</p><img src="` + deadURL + `/gone.png">`,
		Status:  storage.StatusUnread,
	}

	var states []State
	b, err := m.Materialize(context.Background(), entry, Options{
		IncludeImages: true,
		Progress:      func(p Progress) { states = append(states, p.State) },
	})
	require.NoError(t, err)

	assert.Equal(t, StateComplete, b.State)
	assert.Equal(t, 2, b.Metadata.ImagesFound)
	assert.Equal(t, 1, b.Metadata.ImagesDownloaded)
	assert.Equal(t, "1 of 2 images downloaded", b.Summary())
	assert.Equal(t, storage.SyncSynced, b.Metadata.SyncStatus)

	doc, err := os.ReadFile(b.HTMLPath)
	require.NoError(t, err)
	matches := imgSrc.FindAllStringSubmatch(string(doc), -1)
	require.Len(t, matches, 1)
	assert.Equal(t, "image_001.png", matches[0][1])
	assert.NotContains(t, string(doc), deadURL)
	assertSelfContained(t, b)

	assert.True(t, m.IsMaterialized(42))
	assert.Equal(t, StateNotStarted, states[0])
	assert.Contains(t, states, StateDiscoveringImages)
	assert.Contains(t, states, StateDownloadingImages)
	assert.Contains(t, states, StateRewriting)
	assert.Contains(t, states, StatePersisting)
	assert.Equal(t, StateComplete, states[len(states)-1])
}

func TestMaterialize_Idempotent(t *testing.T) {
	srv := newImageServer(t)
	m, _ := newTestMaterializer(t)
	entry := &storage.Entry{
		ID:      1,
		Title:   "Once",
		Content: `<img src="` + srv.URL + `/a.png"><img src="` + srv.URL + `/b.gif">`,
	}

	first, err := m.Materialize(context.Background(), entry, Options{IncludeImages: true})
	require.NoError(t, err)
	hits := srv.Hits()
	assert.Equal(t, int32(2), hits)

	second, err := m.Materialize(context.Background(), entry, Options{IncludeImages: true})
	require.NoError(t, err)

	assert.Equal(t, hits, srv.Hits(), "second materialization must not touch the network")
	assert.Equal(t, StateAlreadyExists, second.State)
	assert.Equal(t, first.Dir, second.Dir)
	assert.Equal(t, first.HTMLPath, second.HTMLPath)
	assert.Equal(t, first.Metadata.ImagesDownloaded, second.Metadata.ImagesDownloaded)
	assert.Equal(t, first.Metadata.Title, second.Metadata.Title)
}

func TestMaterialize_DedupDownloadsOnce(t *testing.T) {
	srv := newImageServer(t)
	m, _ := newTestMaterializer(t)
	entry := &storage.Entry{
		ID:  2,
		URL: srv.URL + "/posts/2",
		Content: `<img src="` + srv.URL + `/img/cat.png">` +
			`<img src="/img/cat.png">` +
			`<img src="../img/cat.png">`,
	}

	b, err := m.Materialize(context.Background(), entry, Options{IncludeImages: true})
	require.NoError(t, err)

	assert.Equal(t, int32(1), srv.Hits())
	assert.Equal(t, 1, b.Metadata.ImagesFound)
	assert.Equal(t, 1, b.Metadata.ImagesDownloaded)

	files, _ := filepath.Glob(filepath.Join(b.Dir, "image_*"))
	assert.Len(t, files, 1)
	assertSelfContained(t, b)
}

func TestMaterialize_ImagesDisabled(t *testing.T) {
	srv := newImageServer(t)
	m, _ := newTestMaterializer(t)
	entry := &storage.Entry{ID: 3, Content: `<p>hi</p><img src="` + srv.URL + `/a.png">`}

	b, err := m.Materialize(context.Background(), entry, Options{IncludeImages: false})
	require.NoError(t, err)

	assert.Equal(t, int32(0), srv.Hits())
	assert.Equal(t, 1, b.Metadata.ImagesFound)
	assert.Equal(t, 0, b.Metadata.ImagesDownloaded)
	assert.False(t, b.Metadata.IncludeImages)
	doc, _ := os.ReadFile(b.HTMLPath)
	assert.NotContains(t, string(doc), "<img")
}

func TestMaterialize_ContentUnavailable(t *testing.T) {
	m, store := newTestMaterializer(t)

	var last Progress
	_, err := m.Materialize(context.Background(), &storage.Entry{ID: 4, Content: "  ", Summary: "\n"}, Options{
		Progress: func(p Progress) { last = p },
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, bundle.ErrContentUnavailable)
	assert.True(t, IsContentUnavailable(err))
	assert.Equal(t, StateFailed, last.State)
	assert.False(t, m.IsMaterialized(4))
	_, statErr := os.Stat(store.Dir(4))
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "nothing may be written for an empty entry")
}

func TestMaterialize_SummaryFallback(t *testing.T) {
	m, _ := newTestMaterializer(t)

	b, err := m.Materialize(context.Background(), &storage.Entry{ID: 5, Title: "S", Summary: "<p>short version</p>"}, Options{})
	require.NoError(t, err)

	doc, _ := os.ReadFile(b.HTMLPath)
	assert.Contains(t, string(doc), "short version")
	assert.Contains(t, string(doc), "<title>S</title>")
}

func TestMaterialize_InterruptedBundleIsNotComplete(t *testing.T) {
	m, store := newTestMaterializer(t)

	// Images landed but the process died before metadata and HTML were written.
	_, err := store.EnsureDir(6)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(6), "image_001.png"), []byte("img"), 0o644))
	assert.False(t, m.IsMaterialized(6))

	// Metadata landed but the HTML did not.
	require.NoError(t, store.Save(6, &bundle.Record{Title: "half"}))
	assert.False(t, m.IsMaterialized(6))

	// A rerun finishes the bundle and reuses the image on disk.
	b, err := m.Materialize(context.Background(), &storage.Entry{ID: 6, Content: "<p>x</p>"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, StateComplete, b.State)
	assert.True(t, m.IsMaterialized(6))
}

func TestMaterialize_ResumeReusesOnlyMatchingImages(t *testing.T) {
	srv := newImageServer(t)
	m, store := newTestMaterializer(t)
	entry := &storage.Entry{ID: 8, Content: `<img src="` + srv.URL + `/a.png">`}

	_, err := m.Materialize(context.Background(), entry, Options{IncludeImages: true})
	require.NoError(t, err)
	require.Equal(t, int32(1), srv.Hits())

	// The run is left incomplete, then retried with the same image.
	require.NoError(t, os.Remove(store.HTMLPath(8)))
	_, err = m.Materialize(context.Background(), entry, Options{IncludeImages: true})
	require.NoError(t, err)
	assert.Equal(t, int32(1), srv.Hits(), "matching image on disk is reused")

	// The entry changed before the next retry: image_001.png now names another URL.
	require.NoError(t, os.Remove(store.HTMLPath(8)))
	entry.Content = `<img src="` + srv.URL + `/c.png">`
	b, err := m.Materialize(context.Background(), entry, Options{IncludeImages: true})
	require.NoError(t, err)
	assert.Equal(t, int32(2), srv.Hits())

	data, err := os.ReadFile(filepath.Join(b.Dir, "image_001.png"))
	require.NoError(t, err)
	assert.Equal(t, "png:/c.png", string(data))

	sources, err := store.ImageSources(8)
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/c.png", sources["image_001.png"])
}

func TestMaterialize_MetadataWriteFailure(t *testing.T) {
	m, store := newTestMaterializer(t)

	// A directory squatting on the sidecar path makes the metadata write fail.
	require.NoError(t, os.MkdirAll(filepath.Join(store.Dir(9), bundle.MetadataFile, "blocker"), 0o755))

	_, err := m.Materialize(context.Background(), &storage.Entry{ID: 9, Content: "<p>x</p>"}, Options{})

	require.Error(t, err)
	assert.True(t, bundle.IsFilesystemError(err))
	assert.False(t, m.IsMaterialized(9))
	_, statErr := os.Stat(store.HTMLPath(9))
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "HTML must not exist when metadata failed")
}

func TestMaterialize_CancelledBeforeDownloads(t *testing.T) {
	srv := newImageServer(t)
	m, _ := newTestMaterializer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b, err := m.Materialize(ctx, &storage.Entry{
		ID:      10,
		Content: `<img src="` + srv.URL + `/a.png"><img src="` + srv.URL + `/b.png">`,
	}, Options{IncludeImages: true})

	require.NoError(t, err, "cancellation stops downloads, not the bundle")
	assert.True(t, b.Cancelled)
	assert.Equal(t, int32(0), srv.Hits())
	assert.Equal(t, 2, b.Metadata.ImagesFound)
	assert.Equal(t, 0, b.Metadata.ImagesDownloaded)
	assertSelfContained(t, b)
}

type cancellingFetcher struct {
	inner  Downloader
	cancel context.CancelFunc
	calls  int
}

func (c *cancellingFetcher) Fetch(ctx context.Context, u, dir, name string) bool {
	c.calls++
	ok := c.inner.Fetch(ctx, u, dir, name)
	c.cancel()
	return ok
}

func TestMaterialize_CancelledMidway(t *testing.T) {
	srv := newImageServer(t)
	store, err := bundle.NewStore(filepath.Join(t.TempDir(), "entries"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fetcher := &cancellingFetcher{inner: NewImageFetcher(FetcherOptions{}), cancel: cancel}
	m := NewMaterializer(store, fetcher)
	m.SetCancelCheckInterval(0)

	b, err := m.Materialize(ctx, &storage.Entry{
		ID:      11,
		Content: `<img src="` + srv.URL + `/a.png"><img src="` + srv.URL + `/b.png"><img src="` + srv.URL + `/c.png">`,
	}, Options{IncludeImages: true})
	require.NoError(t, err)

	assert.Equal(t, 1, fetcher.calls, "the first image finishes, the rest are skipped")
	assert.True(t, b.Cancelled)
	assert.Equal(t, 1, b.Metadata.ImagesDownloaded)
	assertSelfContained(t, b)
}

func TestMaterialize_CancelCheckInterval(t *testing.T) {
	srv := newImageServer(t)
	store, err := bundle.NewStore(filepath.Join(t.TempDir(), "entries"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fetcher := &cancellingFetcher{inner: NewImageFetcher(FetcherOptions{}), cancel: cancel}
	m := NewMaterializer(store, fetcher)
	m.SetCancelCheckInterval(time.Hour)

	_, err = m.Materialize(ctx, &storage.Entry{
		ID:      12,
		Content: `<img src="` + srv.URL + `/a.png"><img src="` + srv.URL + `/b.png">`,
	}, Options{IncludeImages: true})
	require.NoError(t, err)

	assert.Equal(t, 2, fetcher.calls, "between checks cancellation is not observed")
}

func TestMaterialize_NavigationLinks(t *testing.T) {
	m, _ := newTestMaterializer(t)
	ordering := Ordering{EntryIDs: []int64{100, 200, 300}}

	b, err := m.Materialize(context.Background(), &storage.Entry{ID: 200, Content: "<p>x</p>"}, Options{Ordering: ordering})
	require.NoError(t, err)
	assert.Equal(t, int64(100), b.Metadata.PrevEntryID)
	assert.Equal(t, int64(300), b.Metadata.NextEntryID)

	b, err = m.Materialize(context.Background(), &storage.Entry{ID: 300, Content: "<p>x</p>"}, Options{Ordering: ordering})
	require.NoError(t, err)
	assert.Equal(t, int64(200), b.Metadata.PrevEntryID)
	assert.Equal(t, int64(0), b.Metadata.NextEntryID)
}

type fakeQueue struct {
	entries map[int64]*storage.QueueEntry
	removed []int64
}

func (q *fakeQueue) Get(id int64) (*storage.QueueEntry, error) {
	if e, ok := q.entries[id]; ok {
		return e, nil
	}
	return nil, storage.ErrNotQueued
}

func (q *fakeQueue) Remove(id int64) error {
	q.removed = append(q.removed, id)
	delete(q.entries, id)
	return nil
}

func TestMaterialize_KeepsQueuedStatus(t *testing.T) {
	m, _ := newTestMaterializer(t)
	m.SetQueue(&fakeQueue{entries: map[int64]*storage.QueueEntry{
		13: {EntryID: 13, OldStatus: storage.StatusUnread, NewStatus: storage.StatusRead, NewStarred: true, UpdatedAt: time.Now()},
	}})

	b, err := m.Materialize(context.Background(), &storage.Entry{
		ID:        13,
		Content:   "<p>x</p>",
		Status:    storage.StatusUnread,
		ChangedAt: time.Now().Add(-time.Hour),
	}, Options{})
	require.NoError(t, err)

	assert.Equal(t, storage.StatusRead, b.Metadata.Status)
	assert.True(t, b.Metadata.Starred)
	assert.Equal(t, storage.SyncPendingUpload, b.Metadata.SyncStatus)
}

func TestMaterialize_NewerServerStateDropsQueuedStatus(t *testing.T) {
	m, _ := newTestMaterializer(t)
	q := &fakeQueue{entries: map[int64]*storage.QueueEntry{
		13: {EntryID: 13, OldStatus: storage.StatusUnread, NewStatus: storage.StatusRead, UpdatedAt: time.Now()},
	}}
	m.SetQueue(q)

	b, err := m.Materialize(context.Background(), &storage.Entry{
		ID:        13,
		Content:   "<p>x</p>",
		Status:    storage.StatusUnread,
		ChangedAt: time.Now().Add(time.Hour),
	}, Options{})
	require.NoError(t, err)

	assert.Equal(t, storage.StatusUnread, b.Metadata.Status)
	assert.Equal(t, storage.SyncSynced, b.Metadata.SyncStatus)
	assert.Equal(t, []int64{13}, q.removed)
	assert.Empty(t, q.entries)
}

func TestMaterialize_IndexAndDelete(t *testing.T) {
	m, store := newTestMaterializer(t)
	idx := &recordingIndexer{}
	q := &fakeQueue{}
	m.SetIndexer(idx)
	m.SetQueue(q)

	_, err := m.Materialize(context.Background(), &storage.Entry{ID: 14, Title: "T", Content: "<p>Hello <b>world</b></p><script>x()</script>"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "Hello world", idx.indexed[14])

	require.NoError(t, m.Delete(14))
	assert.False(t, m.IsMaterialized(14))
	_, statErr := os.Stat(store.Dir(14))
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
	assert.Equal(t, []int64{14}, idx.removed)
	assert.Equal(t, []int64{14}, q.removed)

	_, err = m.Load(14)
	assert.ErrorIs(t, err, bundle.ErrNotFound)
	assert.ErrorIs(t, m.Delete(14), bundle.ErrNotFound)
}

func TestMaterializeAll(t *testing.T) {
	srv := newImageServer(t)
	m, _ := newTestMaterializer(t)
	entries := []*storage.Entry{
		{ID: 21, Content: `<img src="` + srv.URL + `/a.png">`},
		{ID: 22},
		{ID: 23, Content: `<img src="` + srv.URL + `/missing.png">`},
	}

	results := m.MaterializeAll(context.Background(), entries, Options{IncludeImages: true}, 3)

	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, 1, results[0].Bundle.Metadata.ImagesDownloaded)
	assert.Equal(t, int64(22), results[0].Bundle.Metadata.NextEntryID)

	assert.ErrorIs(t, results[1].Err, bundle.ErrContentUnavailable)
	assert.Equal(t, int64(22), results[1].EntryID)

	require.NoError(t, results[2].Err, "one failing entry never affects the others")
	assert.Equal(t, 0, results[2].Bundle.Metadata.ImagesDownloaded)
	assert.Equal(t, int64(22), results[2].Bundle.Metadata.PrevEntryID)
}

func TestMaterialize_ConcurrentSameEntry(t *testing.T) {
	srv := newImageServer(t)
	m, _ := newTestMaterializer(t)
	entry := &storage.Entry{ID: 30, Content: `<img src="` + srv.URL + `/a.png">`}

	var wg sync.WaitGroup
	states := make([]State, 4)
	for i := range states {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := m.Materialize(context.Background(), entry, Options{IncludeImages: true})
			if assert.NoError(t, err) {
				states[i] = b.State
			}
		}(i)
	}
	wg.Wait()

	complete := 0
	for _, s := range states {
		if s == StateComplete {
			complete++
		}
	}
	assert.Equal(t, 1, complete)
	assert.Equal(t, int32(1), srv.Hits())
}

func TestOrderingNeighbors(t *testing.T) {
	o := Ordering{EntryIDs: []int64{1, 2, 3}}
	prev, next := o.Neighbors(1)
	assert.Equal(t, int64(0), prev)
	assert.Equal(t, int64(2), next)
	prev, next = o.Neighbors(99)
	assert.Zero(t, prev)
	assert.Zero(t, next)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "downloading images", StateDownloadingImages.String())
	assert.True(t, StateAlreadyExists.Terminal())
	assert.False(t, StateRewriting.Terminal())
}
