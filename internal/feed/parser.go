package feed

import (
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/pders01/shelf/internal/storage"
)

type Parser struct {
	parser *gofeed.Parser
}

func NewParser() *Parser {
	return &Parser{
		parser: gofeed.NewParser(),
	}
}

// Parsed is a decoded feed document.
type Parsed struct {
	Title   string
	Link    string
	Entries []storage.Entry
}

// Parse decodes an RSS, Atom or JSON feed into entries. Items carry no
// server-assigned ID, so one is derived from the feed URL and the item's
// GUID (or link); re-importing a feed yields the same IDs.
func (p *Parser) Parse(reader io.Reader, feedURL string) (*Parsed, error) {
	feed, err := p.parser.Parse(reader)
	if err != nil {
		return nil, fmt.Errorf("parsing feed: %w", err)
	}

	out := &Parsed{
		Title:   strings.TrimSpace(feed.Title),
		Link:    feed.Link,
		Entries: make([]storage.Entry, 0, len(feed.Items)),
	}
	if out.Title == "" {
		out.Title = feedURL
	}
	feedID := generateID(feedURL, "")

	for _, item := range feed.Items {
		key := itemKey(item)
		if key == "" {
			continue
		}
		entry := storage.Entry{
			ID:        generateID(feedURL, key),
			Title:     strings.TrimSpace(item.Title),
			URL:       item.Link,
			Content:   item.Content,
			Summary:   item.Description,
			FeedID:    feedID,
			FeedTitle: out.Title,
			Status:    storage.StatusUnread,
			Local:     true,
		}
		if author := itemAuthor(item); author != "" {
			entry.Author = author
		}
		if item.PublishedParsed != nil {
			entry.PublishedAt = *item.PublishedParsed
		}
		if item.UpdatedParsed != nil {
			entry.ChangedAt = *item.UpdatedParsed
		} else {
			entry.ChangedAt = entry.PublishedAt
		}
		out.Entries = append(out.Entries, entry)
	}

	return out, nil
}

func itemKey(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	return item.Link
}

func itemAuthor(item *gofeed.Item) string {
	if item.Author != nil && item.Author.Name != "" {
		return item.Author.Name
	}
	for _, a := range item.Authors {
		if a != nil && a.Name != "" {
			return a.Name
		}
	}
	return ""
}

// generateID hashes the feed URL and item key into a positive int64.
func generateID(feedURL, key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(feedURL))
	h.Write([]byte{0})
	h.Write([]byte(key))
	id := int64(h.Sum64() & math.MaxInt64)
	if id == 0 {
		id = 1
	}
	return id
}
