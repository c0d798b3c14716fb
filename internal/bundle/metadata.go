package bundle

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/natefinch/atomic"

	"github.com/pders01/shelf/internal/storage"
)

const (
	HTMLFile     = "entry.html"
	MetadataFile = "metadata.json"
	// SourcesFile maps each downloaded image file to the URL it came from.
	SourcesFile = "images.json"
)

// Record is the sidecar stored next to an entry bundle. It is the local source
// of truth for the entry's status, starred flag and sync state.
type Record struct {
	EntryID          int64               `json:"entry_id"`
	Title            string              `json:"title"`
	URL              string              `json:"url"`
	FeedTitle        string              `json:"feed_title,omitempty"`
	CategoryTitle    string              `json:"category_title,omitempty"`
	Author           string              `json:"author,omitempty"`
	Status           storage.EntryStatus `json:"status"`
	Starred          bool                `json:"starred"`
	PublishedAt      time.Time           `json:"published_at"`
	IncludeImages    bool                `json:"include_images"`
	ImagesFound      int                 `json:"images_found"`
	ImagesDownloaded int                 `json:"images_downloaded"`
	SyncStatus       storage.SyncState   `json:"sync_status"`
	PrevEntryID      int64               `json:"prev_entry_id,omitempty"`
	NextEntryID      int64               `json:"next_entry_id,omitempty"`
	MaterializedAt   time.Time           `json:"materialized_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
	Local            bool                `json:"local,omitempty"`
}

// Store reads and writes bundles below a root directory, one subdirectory per
// entry id. Record writes replace the sidecar atomically, so readers see
// either the old or the new record.
type Store struct {
	root  string
	locks sync.Map // int64 -> *sync.RWMutex
	now   func() time.Time
}

func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("bundle root must be provided")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fsError("create", root, err)
	}
	return &Store{root: root, now: time.Now}, nil
}

func (s *Store) Root() string { return s.root }

func (s *Store) Dir(entryID int64) string {
	return filepath.Join(s.root, strconv.FormatInt(entryID, 10))
}

func (s *Store) HTMLPath(entryID int64) string {
	return filepath.Join(s.Dir(entryID), HTMLFile)
}

func (s *Store) MetadataPath(entryID int64) string {
	return filepath.Join(s.Dir(entryID), MetadataFile)
}

func (s *Store) lock(entryID int64) *sync.RWMutex {
	mu, _ := s.locks.LoadOrStore(entryID, &sync.RWMutex{})
	return mu.(*sync.RWMutex)
}

// IsComplete reports whether both the rewritten HTML and the sidecar exist.
// The HTML file is written last, so its presence marks a finished bundle.
func (s *Store) IsComplete(entryID int64) bool {
	if fi, err := os.Stat(s.HTMLPath(entryID)); err != nil || fi.IsDir() {
		return false
	}
	_, err := os.Stat(s.MetadataPath(entryID))
	return err == nil
}

// EnsureDir creates the bundle directory and reports whether it was created by this call.
func (s *Store) EnsureDir(entryID int64) (bool, error) {
	dir := s.Dir(entryID)
	if _, err := os.Stat(dir); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fsError("create", dir, err)
	}
	return true, nil
}

// Load returns ErrNotFound when the entry has no sidecar.
func (s *Store) Load(entryID int64) (*Record, error) {
	mu := s.lock(entryID)
	mu.RLock()
	defer mu.RUnlock()
	return s.read(entryID)
}

func (s *Store) read(entryID int64) (*Record, error) {
	path := s.MetadataPath(entryID)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fsError("read", path, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding metadata for %d: %w", entryID, err)
	}
	return &rec, nil
}

func (s *Store) Save(entryID int64, rec *Record) error {
	mu := s.lock(entryID)
	mu.Lock()
	defer mu.Unlock()
	return s.write(entryID, rec)
}

func (s *Store) write(entryID int64, rec *Record) error {
	rec.EntryID = entryID
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.now().UTC()
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding metadata for %d: %w", entryID, err)
	}
	path := s.MetadataPath(entryID)
	return fsError("write", path, atomic.WriteFile(path, bytes.NewReader(data)))
}

// UpdateStatus rewrites the status fields of an existing record in one step
// and returns the record as it was before the change alongside the new one.
func (s *Store) UpdateStatus(entryID int64, status storage.EntryStatus, starred bool, state storage.SyncState) (before, after *Record, err error) {
	mu := s.lock(entryID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.read(entryID)
	if err != nil {
		return nil, nil, err
	}
	prev := *rec

	rec.Status = status
	rec.Starred = starred
	rec.SyncStatus = state
	rec.UpdatedAt = s.now().UTC()
	if err := s.write(entryID, rec); err != nil {
		return nil, nil, err
	}
	return &prev, rec, nil
}

// SetSyncState only touches the sync marker.
func (s *Store) SetSyncState(entryID int64, state storage.SyncState) error {
	mu := s.lock(entryID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.read(entryID)
	if err != nil {
		return err
	}
	if rec.SyncStatus == state {
		return nil
	}
	rec.SyncStatus = state
	rec.UpdatedAt = s.now().UTC()
	return s.write(entryID, rec)
}

// WriteHTML atomically places the rewritten document; it is the final step of
// materialization.
func (s *Store) WriteHTML(entryID int64, doc []byte) error {
	path := s.HTMLPath(entryID)
	return fsError("write", path, atomic.WriteFile(path, bytes.NewReader(doc)))
}

// ReadHTML returns the stored offline document.
func (s *Store) ReadHTML(entryID int64) ([]byte, error) {
	path := s.HTMLPath(entryID)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fsError("read", path, err)
	}
	return data, nil
}

// ImageSources returns the image file to source URL map of a bundle. A bundle
// without one yields an empty map.
func (s *Store) ImageSources(entryID int64) (map[string]string, error) {
	path := filepath.Join(s.Dir(entryID), SourcesFile)
	sources := make(map[string]string)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return sources, nil
	}
	if err != nil {
		return nil, fsError("read", path, err)
	}
	if err := json.Unmarshal(data, &sources); err != nil {
		return nil, fmt.Errorf("decoding image sources for %d: %w", entryID, err)
	}
	return sources, nil
}

func (s *Store) SaveImageSources(entryID int64, sources map[string]string) error {
	data, err := json.MarshalIndent(sources, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding image sources for %d: %w", entryID, err)
	}
	path := filepath.Join(s.Dir(entryID), SourcesFile)
	return fsError("write", path, atomic.WriteFile(path, bytes.NewReader(data)))
}

// Remove deletes the bundle directory and its sidecar together. The directory
// is renamed out of the way first so the entry disappears in a single step.
func (s *Store) Remove(entryID int64) error {
	mu := s.lock(entryID)
	mu.Lock()
	defer mu.Unlock()

	dir := s.Dir(entryID)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	trash := filepath.Join(s.root, fmt.Sprintf(".deleting-%d-%d", entryID, s.now().UnixNano()))
	if err := os.Rename(dir, trash); err != nil {
		return fsError("rename", dir, err)
	}
	return fsError("remove", trash, os.RemoveAll(trash))
}

// List returns the records of every complete bundle, newest publication first.
func (s *Store) List() ([]*Record, error) {
	dirents, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fsError("read", s.root, err)
	}
	var records []*Record
	for _, d := range dirents {
		if !d.IsDir() {
			continue
		}
		id, err := strconv.ParseInt(d.Name(), 10, 64)
		if err != nil || !s.IsComplete(id) {
			continue
		}
		rec, err := s.Load(id)
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].PublishedAt.Equal(records[j].PublishedAt) {
			return records[i].EntryID > records[j].EntryID
		}
		return records[i].PublishedAt.After(records[j].PublishedAt)
	})
	return records, nil
}
