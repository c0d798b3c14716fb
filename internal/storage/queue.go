package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"
)

// MaxRetries is the number of failed uploads after which a queued change is
// no longer retried automatically.
const MaxRetries = 3

var ErrNotQueued = errors.New("entry not queued")

func queueKey(entryID int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(entryID))
	return key
}

// Enqueue records a pending status change for entryID. If a change for the
// entry is already queued, only the target fields are replaced; the original
// old values and enqueue time are kept so the full delta survives.
func (s *Store) Enqueue(entryID int64, oldStatus, newStatus EntryStatus, oldStarred, newStarred bool) (*QueueEntry, error) {
	var out QueueEntry
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)
		key := queueKey(entryID)
		now := s.now().UTC()

		if data := b.Get(key); data != nil {
			if err := json.Unmarshal(data, &out); err != nil {
				return fmt.Errorf("decoding queued change %d: %w", entryID, err)
			}
			out.NewStatus = newStatus
			out.NewStarred = newStarred
			out.UpdatedAt = now
			// A fresh intent makes an exhausted element eligible again.
			out.RetryCount = 0
			out.LastError = ""
		} else {
			out = QueueEntry{
				EntryID:    entryID,
				OldStatus:  oldStatus,
				NewStatus:  newStatus,
				OldStarred: oldStarred,
				NewStarred: newStarred,
				EnqueuedAt: now,
				UpdatedAt:  now,
			}
		}

		data, err := json.Marshal(out)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Pending returns every queued change, oldest first.
func (s *Store) Pending() ([]*QueueEntry, error) {
	var entries []*QueueEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).ForEach(func(_ []byte, v []byte) error {
			var q QueueEntry
			if err := json.Unmarshal(v, &q); err != nil {
				return err
			}
			entries = append(entries, &q)
			return nil
		})
	})
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].EnqueuedAt.Equal(entries[j].EnqueuedAt) {
			return entries[i].EntryID < entries[j].EntryID
		}
		return entries[i].EnqueuedAt.Before(entries[j].EnqueuedAt)
	})
	return entries, err
}

// Get returns ErrNotQueued when nothing is pending for entryID.
func (s *Store) Get(entryID int64) (*QueueEntry, error) {
	var q QueueEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(queueBucket).Get(queueKey(entryID))
		if data == nil {
			return ErrNotQueued
		}
		return json.Unmarshal(data, &q)
	})
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// Remove drops the queued change for entryID. Removing an absent entry is not an error.
func (s *Store) Remove(entryID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).Delete(queueKey(entryID))
	})
}

// IncrementRetry bumps the retry counter after a failed upload and returns the new count.
func (s *Store) IncrementRetry(entryID int64, lastErr error) (int, error) {
	var count int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)
		key := queueKey(entryID)
		data := b.Get(key)
		if data == nil {
			return ErrNotQueued
		}

		var q QueueEntry
		if err := json.Unmarshal(data, &q); err != nil {
			return err
		}
		q.RetryCount++
		if lastErr != nil {
			q.LastError = lastErr.Error()
		}
		count = q.RetryCount

		data, err := json.Marshal(q)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
	return count, err
}

// ResetRetries clears the retry counter of every queued change and reports
// how many had reached maxRetries. A non-positive maxRetries means MaxRetries.
func (s *Store) ResetRetries(maxRetries int) (int, error) {
	if maxRetries <= 0 {
		maxRetries = MaxRetries
	}
	reset := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)
		updates := make(map[string][]byte)
		err := b.ForEach(func(k, v []byte) error {
			var q QueueEntry
			if err := json.Unmarshal(v, &q); err != nil {
				return err
			}
			if q.RetryCount == 0 {
				return nil
			}
			if q.RetryCount >= maxRetries {
				reset++
			}
			q.RetryCount = 0
			data, err := json.Marshal(q)
			if err != nil {
				return err
			}
			updates[string(k)] = data
			return nil
		})
		if err != nil {
			return err
		}
		// Writes are applied after the walk; bbolt cursors do not survive mutation.
		for k, data := range updates {
			if err := b.Put([]byte(k), data); err != nil {
				return err
			}
		}
		return nil
	})
	return reset, err
}

// Len returns the number of queued changes.
func (s *Store) Len() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(queueBucket).Stats().KeyN
		return nil
	})
	return n, err
}
