package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	queueBucket = []byte("queue")
	feedsBucket = []byte("feeds")
	metaBucket  = []byte("metadata")
)

var (
	lastDrainKey   = []byte("last_drain")
	lastRefreshKey = []byte("last_refresh")
)

// Store is the durable local database. It holds the offline status queue,
// imported feed sources and a few bookkeeping timestamps; entry bundles live
// on the filesystem.
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

func NewStore(dbPath string, timeout time.Duration) (*Store, error) {
	if timeout <= 0 {
		timeout = 1 * time.Second
	}
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{queueBucket, feedsBucket, metaBucket} {
			if _, createErr := tx.CreateBucketIfNotExists(bucket); createErr != nil {
				return createErr
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// MarkDrained records the time of the last successful queue drain.
func (s *Store) MarkDrained(t time.Time) error {
	return s.putTime(lastDrainKey, t)
}

// LastDrain returns the zero time if the queue was never drained.
func (s *Store) LastDrain() (time.Time, error) {
	return s.getTime(lastDrainKey)
}

// MarkRefreshed records the time of the last listing reconciliation.
func (s *Store) MarkRefreshed(t time.Time) error {
	return s.putTime(lastRefreshKey, t)
}

func (s *Store) LastRefresh() (time.Time, error) {
	return s.getTime(lastRefreshKey)
}

func (s *Store) putTime(key []byte, t time.Time) error {
	data, err := t.UTC().MarshalText()
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(key, data)
	})
}

func (s *Store) getTime(key []byte) (time.Time, error) {
	var t time.Time
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(metaBucket).Get(key)
		if data == nil {
			return nil
		}
		return t.UnmarshalText(data)
	})
	return t, err
}
