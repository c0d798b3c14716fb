package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pders01/shelf/internal/config"
	"github.com/pders01/shelf/internal/debuglog"
	"github.com/pders01/shelf/internal/storage"
	"github.com/pders01/shelf/internal/validation"
)

const maxConcurrentRefresh = 5

// Importer pulls plain RSS/Atom feeds into entries that can be materialized
// like server entries. Imported feeds are remembered so they can be
// refreshed with conditional requests.
type Importer struct {
	store        *storage.Store
	fetcher      *Fetcher
	parser       *Parser
	resolvers    *Resolvers
	urlValidator *validation.URLValidator
	now          func() time.Time
	mu           sync.Mutex
}

func NewImporter(store *storage.Store, cfg *config.Config) *Importer {
	v := validation.NewURLValidator()
	if cfg.Server.AllowInsecureHosts {
		v = validation.NewServerURLValidator(true)
	}
	return &Importer{
		store:        store,
		fetcher:      NewFetcher(cfg),
		parser:       NewParser(),
		resolvers:    DefaultResolvers(),
		urlValidator: v,
		now:          time.Now,
	}
}

// SetForceRefresh configures the importer to ignore ETag/Last-Modified headers.
func (im *Importer) SetForceRefresh(force bool) {
	im.fetcher.SetIgnoreCache(force)
}

// Import fetches a feed and returns its entries. An unchanged feed returns no
// entries and no error.
func (im *Importer) Import(ctx context.Context, rawURL string) (*storage.FeedSource, []storage.Entry, error) {
	normalized, err := im.urlValidator.ValidateAndNormalize(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid feed URL: %w", err)
	}
	resolved, err := im.resolvers.Resolve(ctx, normalized)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving %s: %w", normalized, err)
	}
	normalized = resolved.FeedURL

	im.mu.Lock()
	src, err := im.store.GetFeed(normalized)
	im.mu.Unlock()
	if errors.Is(err, storage.ErrFeedNotFound) {
		src = &storage.FeedSource{URL: normalized}
	} else if err != nil {
		return nil, nil, fmt.Errorf("loading feed: %w", err)
	}

	body, err := im.fetcher.Fetch(ctx, src)
	if err != nil {
		return nil, nil, err
	}
	src.LastFetched = im.now()

	var entries []storage.Entry
	if body != nil {
		parsed, err := im.parser.Parse(bytes.NewReader(body), normalized)
		if err != nil {
			return nil, nil, err
		}
		src.Title = parsed.Title
		if src.Title == normalized && resolved.Title != "" {
			src.Title = resolved.Title
		}
		src.EntryCount = len(parsed.Entries)
		entries = parsed.Entries
	}

	im.mu.Lock()
	defer im.mu.Unlock()
	if err := im.store.SaveFeed(src); err != nil {
		return nil, nil, fmt.Errorf("saving feed: %w", err)
	}

	debuglog.WithFields(map[string]interface{}{
		"feed":    src.URL,
		"entries": len(entries),
	}).Infof("imported feed")
	return src, entries, nil
}

// RefreshAll re-imports every remembered feed. Failures are collected and do
// not stop the other feeds.
func (im *Importer) RefreshAll(ctx context.Context) ([]storage.Entry, error) {
	feeds, err := im.store.ListFeeds()
	if err != nil {
		return nil, fmt.Errorf("listing feeds: %w", err)
	}

	var (
		mu      sync.Mutex
		entries []storage.Entry
		errs    []error
	)
	var g errgroup.Group
	g.SetLimit(maxConcurrentRefresh)
	for _, src := range feeds {
		g.Go(func() error {
			_, got, err := im.Import(ctx, src.URL)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", src.URL, err))
				return nil
			}
			entries = append(entries, got...)
			return nil
		})
	}
	_ = g.Wait()

	return entries, errors.Join(errs...)
}
