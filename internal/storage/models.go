package storage

import (
	"time"
)

// EntryStatus is the read state of an entry as the server understands it.
type EntryStatus string

const (
	StatusUnread EntryStatus = "unread"
	StatusRead   EntryStatus = "read"
)

// Valid reports whether s is a status the server accepts.
func (s EntryStatus) Valid() bool {
	return s == StatusUnread || s == StatusRead
}

// SyncState tracks whether the local copy of an entry's status reached the server.
type SyncState string

const (
	SyncSynced        SyncState = "synced"
	SyncPendingUpload SyncState = "pending_upload"
)

// Entry is a remote document as delivered by the aggregation server.
type Entry struct {
	ID            int64       `json:"id"`
	Title         string      `json:"title"`
	URL           string      `json:"url"`
	Content       string      `json:"content"`
	Summary       string      `json:"summary"`
	Author        string      `json:"author"`
	PublishedAt   time.Time   `json:"published_at"`
	ChangedAt     time.Time   `json:"changed_at"`
	FeedID        int64       `json:"feed_id"`
	FeedTitle     string      `json:"feed_title"`
	CategoryID    int64       `json:"category_id"`
	CategoryTitle string      `json:"category_title"`
	Status        EntryStatus `json:"status"`
	Starred       bool        `json:"starred"`
	// Local marks entries imported from a plain feed; the server does not
	// know them, so their status never leaves the machine.
	Local bool `json:"local,omitempty"`
}

// QueueEntry is a pending status delta waiting for the server to confirm it.
type QueueEntry struct {
	EntryID    int64       `json:"entry_id"`
	OldStatus  EntryStatus `json:"old_status"`
	NewStatus  EntryStatus `json:"new_status"`
	OldStarred bool        `json:"old_starred"`
	NewStarred bool        `json:"new_starred"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	RetryCount int         `json:"retry_count"`
	LastError  string      `json:"last_error,omitempty"`
}
