package pipeline

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/errgroup"

	"github.com/pders01/shelf/internal/bundle"
	"github.com/pders01/shelf/internal/debuglog"
	"github.com/pders01/shelf/internal/storage"
)

const defaultCancelCheckInterval = time.Second

// Downloader fetches one image and reports whether it landed on disk.
type Downloader interface {
	Fetch(ctx context.Context, imageURL, dir, filename string) bool
}

// Indexer is notified about finished and deleted bundles.
type Indexer interface {
	IndexEntry(rec *bundle.Record, text string) error
	RemoveEntry(entryID int64) error
}

// Queue is the slice of the offline queue the materializer needs: a fresh
// bundle must not hide a status change that is still waiting for upload.
type Queue interface {
	Get(entryID int64) (*storage.QueueEntry, error)
	Remove(entryID int64) error
}

// Options control one materialization.
type Options struct {
	IncludeImages bool
	Ordering      Ordering
	Progress      ProgressFunc
}

func (o Options) emit(p Progress) {
	if o.Progress != nil {
		o.Progress(p)
	}
}

// LocalBundle describes a finished bundle on disk.
type LocalBundle struct {
	EntryID  int64
	Dir      string
	HTMLPath string
	Metadata *bundle.Record
	// State is StateComplete for a fresh bundle and StateAlreadyExists otherwise.
	State State
	// Cancelled is set when the image loop stopped early.
	Cancelled bool
}

// Summary is the user-facing image tally.
func (b *LocalBundle) Summary() string {
	if b == nil || b.Metadata == nil {
		return ""
	}
	return fmt.Sprintf("%d of %d images downloaded", b.Metadata.ImagesDownloaded, b.Metadata.ImagesFound)
}

// Materializer turns remote entries into self-contained local bundles.
type Materializer struct {
	store               *bundle.Store
	fetcher             Downloader
	indexer             Indexer
	queue               Queue
	cancelCheckInterval time.Duration
	locks               sync.Map // int64 -> *sync.Mutex
}

func NewMaterializer(store *bundle.Store, fetcher Downloader) *Materializer {
	return &Materializer{
		store:               store,
		fetcher:             fetcher,
		cancelCheckInterval: defaultCancelCheckInterval,
	}
}

// SetIndexer registers the search index to keep in step with bundles.
func (m *Materializer) SetIndexer(idx Indexer) {
	m.indexer = idx
}

// SetQueue lets new bundles pick up queued status changes and lets Delete drop them.
func (m *Materializer) SetQueue(q Queue) {
	m.queue = q
}

// SetCancelCheckInterval sets how often the image loop looks at ctx. Zero
// checks between every image.
func (m *Materializer) SetCancelCheckInterval(d time.Duration) {
	if d < 0 {
		d = 0
	}
	m.cancelCheckInterval = d
}

func (m *Materializer) lock(entryID int64) *sync.Mutex {
	mu, _ := m.locks.LoadOrStore(entryID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// IsMaterialized reports whether a complete bundle exists for the entry.
func (m *Materializer) IsMaterialized(entryID int64) bool {
	return m.store.IsComplete(entryID)
}

// Load returns the sidecar of a bundle, or bundle.ErrNotFound.
func (m *Materializer) Load(entryID int64) (*bundle.Record, error) {
	return m.store.Load(entryID)
}

// Materialize builds the offline bundle for entry. A second call for an
// entry that is already complete returns the stored bundle without touching
// the network. Only bundle.ErrContentUnavailable and filesystem failures are
// returned as errors; image failures are tallied in the metadata.
func (m *Materializer) Materialize(ctx context.Context, entry *storage.Entry, opts Options) (*LocalBundle, error) {
	if entry == nil || entry.ID <= 0 {
		return nil, fmt.Errorf("materializing: invalid entry")
	}
	id := entry.ID
	log := debuglog.WithFields(map[string]interface{}{"entry": id})

	mu := m.lock(id)
	mu.Lock()
	defer mu.Unlock()

	opts.emit(Progress{EntryID: id, State: StateNotStarted})

	if m.store.IsComplete(id) {
		if b, err := m.existing(id); err == nil {
			log.Debugf("bundle already exists")
			opts.emit(Progress{EntryID: id, State: StateAlreadyExists})
			return b, nil
		}
	}

	fail := func(err error) (*LocalBundle, error) {
		log.Errorf("materialization failed: %v", err)
		opts.emit(Progress{EntryID: id, State: StateFailed, Err: err})
		return nil, fmt.Errorf("materializing entry %d: %w", id, err)
	}

	opts.emit(Progress{EntryID: id, State: StatePreparing})
	content := pickContent(entry)
	if content == "" {
		return fail(bundle.ErrContentUnavailable)
	}
	if _, err := m.store.EnsureDir(id); err != nil {
		return fail(err)
	}
	dir := m.store.Dir(id)
	base := baseURL(entry.URL)

	opts.emit(Progress{EntryID: id, State: StateDiscoveringImages})
	d := DiscoverImages(content, base)
	total := len(d.Refs)

	cancelled := false
	if opts.IncludeImages && total > 0 {
		opts.emit(Progress{EntryID: id, State: StateDownloadingImages, ImagesTotal: total})
		cancelled = m.downloadAll(ctx, id, d, dir, func(done int) {
			opts.emit(Progress{EntryID: id, State: StateDownloadingImages, ImagesDone: done, ImagesTotal: total})
		})
		if cancelled {
			log.Infof("image downloads cancelled after %d of %d", d.Downloaded(), total)
		}
	}

	// From here on the operation runs to completion or fails as a whole.
	opts.emit(Progress{EntryID: id, State: StateRewriting, ImagesDone: d.Downloaded(), ImagesTotal: total})
	body := RewriteHTML(content, d, base, opts.IncludeImages)
	doc := renderDocument(entry, body)

	opts.emit(Progress{EntryID: id, State: StatePersisting, ImagesDone: d.Downloaded(), ImagesTotal: total})
	prev, next := opts.Ordering.Neighbors(id)
	now := time.Now().UTC()
	rec := &bundle.Record{
		EntryID:          id,
		Title:            entry.Title,
		URL:              entry.URL,
		FeedTitle:        entry.FeedTitle,
		CategoryTitle:    entry.CategoryTitle,
		Author:           entry.Author,
		Status:           entry.Status,
		Starred:          entry.Starred,
		PublishedAt:      entry.PublishedAt,
		IncludeImages:    opts.IncludeImages,
		ImagesFound:      total,
		ImagesDownloaded: d.Downloaded(),
		SyncStatus:       storage.SyncSynced,
		PrevEntryID:      prev,
		NextEntryID:      next,
		MaterializedAt:   now,
		UpdatedAt:        now,
		Local:            entry.Local,
	}
	if !rec.Status.Valid() {
		rec.Status = storage.StatusUnread
	}
	m.applyQueued(rec, entry)

	if err := m.store.Save(id, rec); err != nil {
		return fail(err)
	}
	if err := m.store.WriteHTML(id, []byte(doc)); err != nil {
		return fail(err)
	}

	if m.indexer != nil {
		if err := m.indexer.IndexEntry(rec, plainText(body)); err != nil {
			log.Warnf("indexing bundle: %v", err)
		}
	}

	log.Infof("bundle complete: %d of %d images", rec.ImagesDownloaded, rec.ImagesFound)
	opts.emit(Progress{EntryID: id, State: StateComplete, ImagesDone: rec.ImagesDownloaded, ImagesTotal: total})

	return &LocalBundle{
		EntryID:   id,
		Dir:       dir,
		HTMLPath:  m.store.HTMLPath(id),
		Metadata:  rec,
		State:     StateComplete,
		Cancelled: cancelled,
	}, nil
}

// downloadAll fetches refs in discovery order. ctx is consulted between
// images, at most once per cancel-check interval. It reports whether the loop
// stopped early. A file left by an earlier run is only reused when it came
// from the same URL.
func (m *Materializer) downloadAll(ctx context.Context, entryID int64, d *Discovery, dir string, progress func(done int)) bool {
	log := debuglog.WithFields(map[string]interface{}{"entry": entryID})
	sources, err := m.store.ImageSources(entryID)
	if err != nil {
		log.Warnf("reading image sources: %v", err)
		sources = make(map[string]string)
	}

	var lastCheck time.Time
	for i, ref := range d.Refs {
		if lastCheck.IsZero() || time.Since(lastCheck) >= m.cancelCheckInterval {
			lastCheck = time.Now()
			if ctx.Err() != nil {
				return true
			}
		}
		if sources[ref.Filename] != ref.SourceURL {
			stale := filepath.Join(dir, ref.Filename)
			if err := os.Remove(stale); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.Warnf("removing stale image %s: %v", ref.Filename, err)
			}
		}
		if m.fetcher != nil && m.fetcher.Fetch(ctx, ref.SourceURL, dir, ref.Filename) {
			ref.Outcome = OutcomeSuccess
			if sources[ref.Filename] != ref.SourceURL {
				sources[ref.Filename] = ref.SourceURL
				if err := m.store.SaveImageSources(entryID, sources); err != nil {
					log.Warnf("recording image source: %v", err)
				}
			}
		} else {
			ref.Outcome = OutcomeFailed
		}
		progress(i + 1)
	}
	return false
}

// applyQueued lays a change still waiting for upload over the server state.
// The server wins when its entry changed after the change was queued; the
// queued change is then dropped.
func (m *Materializer) applyQueued(rec *bundle.Record, entry *storage.Entry) {
	if m.queue == nil {
		return
	}
	q, err := m.queue.Get(rec.EntryID)
	if err != nil {
		return
	}
	if entry.ChangedAt.After(q.UpdatedAt) {
		err := m.queue.Remove(rec.EntryID)
		if err == nil {
			debuglog.WithFields(map[string]interface{}{
				"entry":      rec.EntryID,
				"local":      q.NewStatus,
				"server":     entry.Status,
				"changed_at": entry.ChangedAt,
			}).Infof("server state is newer, dropping queued change")
			return
		}
		debuglog.Warnf("dropping queued change for entry %d: %v", rec.EntryID, err)
	}
	rec.Status = q.NewStatus
	rec.Starred = q.NewStarred
	rec.SyncStatus = storage.SyncPendingUpload
}

func (m *Materializer) existing(entryID int64) (*LocalBundle, error) {
	rec, err := m.store.Load(entryID)
	if err != nil {
		return nil, err
	}
	return &LocalBundle{
		EntryID:  entryID,
		Dir:      m.store.Dir(entryID),
		HTMLPath: m.store.HTMLPath(entryID),
		Metadata: rec,
		State:    StateAlreadyExists,
	}, nil
}

// Delete removes the bundle, its queued status change and its search document.
func (m *Materializer) Delete(entryID int64) error {
	mu := m.lock(entryID)
	mu.Lock()
	defer mu.Unlock()

	if err := m.store.Remove(entryID); err != nil {
		return fmt.Errorf("deleting entry %d: %w", entryID, err)
	}
	if m.queue != nil {
		if err := m.queue.Remove(entryID); err != nil {
			debuglog.Warnf("dropping queued change for deleted entry %d: %v", entryID, err)
		}
	}
	if m.indexer != nil {
		if err := m.indexer.RemoveEntry(entryID); err != nil {
			debuglog.Warnf("removing entry %d from index: %v", entryID, err)
		}
	}
	return nil
}

// Result is the outcome of one entry in a batch.
type Result struct {
	EntryID int64
	Bundle  *LocalBundle
	Err     error
}

// MaterializeAll runs up to concurrency independent workers. A failing entry
// never stops the others. Without an explicit ordering the slice order is used
// for navigation links.
func (m *Materializer) MaterializeAll(ctx context.Context, entries []*storage.Entry, opts Options, concurrency int) []Result {
	if concurrency <= 0 {
		concurrency = 1
	}
	if len(opts.Ordering.EntryIDs) == 0 {
		ids := make([]int64, 0, len(entries))
		for _, e := range entries {
			if e != nil {
				ids = append(ids, e.ID)
			}
		}
		opts.Ordering = Ordering{EntryIDs: ids}
	}

	results := make([]Result, len(entries))
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, entry := range entries {
		if entry != nil {
			results[i].EntryID = entry.ID
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			b, err := m.Materialize(ctx, entry, opts)
			results[i].Bundle = b
			results[i].Err = err
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// IsContentUnavailable reports whether err means the entry had nothing to store.
func IsContentUnavailable(err error) bool {
	return errors.Is(err, bundle.ErrContentUnavailable)
}

func pickContent(entry *storage.Entry) string {
	if c := strings.TrimSpace(entry.Content); c != "" {
		return entry.Content
	}
	if s := strings.TrimSpace(entry.Summary); s != "" {
		return entry.Summary
	}
	return ""
}

func baseURL(raw string) *url.URL {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return nil
	}
	return u
}

func renderDocument(entry *storage.Entry, body string) string {
	title := html.EscapeString(entry.Title)
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&b, "<title>%s</title>\n", title)
	b.WriteString("</head>\n<body>\n")
	fmt.Fprintf(&b, "<h2>%s</h2>\n", title)
	b.WriteString(body)
	b.WriteString("\n</body>\n</html>\n")
	return b.String()
}

func plainText(fragment string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return ""
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}
