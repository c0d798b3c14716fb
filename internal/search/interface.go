package search

import (
	"github.com/pders01/shelf/internal/bundle"
	"github.com/pders01/shelf/internal/storage"
)

// Searcher finds materialized entries.
type Searcher interface {
	Search(query string, limit int) ([]*Result, error)
}

// DebugStatser provides lightweight stats for visibility/debugging.
// Implemented by engines that can report index doc counts, etc.
type DebugStatser interface {
	DocCount() (int, error)
}

// Result is one matching entry.
type Result struct {
	EntryID   int64
	Title     string
	FeedTitle string
	URL       string
	Status    storage.EntryStatus
	Starred   bool
	Score     float64
	Matches   []Match
}

// Match represents where text was found
type Match struct {
	Field  string // "title", "feed", "author", "content", "url"
	Text   string
	Weight float64
}

func resultFromRecord(rec *bundle.Record) *Result {
	return &Result{
		EntryID:   rec.EntryID,
		Title:     rec.Title,
		FeedTitle: rec.FeedTitle,
		URL:       rec.URL,
		Status:    rec.Status,
		Starred:   rec.Starred,
	}
}
