package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var ErrFeedNotFound = errors.New("feed not found")

// FeedSource is a plain RSS/Atom feed imported without the aggregation
// server. The cache validators let a later import skip unchanged feeds.
type FeedSource struct {
	URL          string    `json:"url"`
	Title        string    `json:"title"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	LastFetched  time.Time `json:"last_fetched"`
	EntryCount   int       `json:"entry_count"`
}

func (s *Store) SaveFeed(feed *FeedSource) error {
	if feed.URL == "" {
		return fmt.Errorf("feed URL must be provided")
	}
	data, err := json.Marshal(feed)
	if err != nil {
		return fmt.Errorf("encoding feed: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(feedsBucket).Put([]byte(feed.URL), data)
	})
}

func (s *Store) GetFeed(url string) (*FeedSource, error) {
	var feed FeedSource
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(feedsBucket).Get([]byte(url))
		if data == nil {
			return ErrFeedNotFound
		}
		return json.Unmarshal(data, &feed)
	})
	if err != nil {
		return nil, err
	}
	return &feed, nil
}

// ListFeeds returns all imported feeds ordered by title.
func (s *Store) ListFeeds() ([]*FeedSource, error) {
	var feeds []*FeedSource
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(feedsBucket).ForEach(func(_, v []byte) error {
			var feed FeedSource
			if err := json.Unmarshal(v, &feed); err != nil {
				return err
			}
			feeds = append(feeds, &feed)
			return nil
		})
	})
	sort.Slice(feeds, func(i, j int) bool {
		return feeds[i].Title < feeds[j].Title
	})
	return feeds, err
}

func (s *Store) DeleteFeed(url string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(feedsBucket).Delete([]byte(url))
	})
}
