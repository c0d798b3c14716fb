package main

import (
	"context"
	"fmt"

	"github.com/pders01/shelf/internal/bundle"
	"github.com/pders01/shelf/internal/debuglog"
	"github.com/pders01/shelf/internal/pipeline"
	"github.com/pders01/shelf/internal/remote"
	"github.com/pders01/shelf/internal/search"
	"github.com/pders01/shelf/internal/statussync"
	"github.com/pders01/shelf/internal/storage"
	"github.com/pders01/shelf/internal/validation"
)

// app is the set of opened stores and services a command works with.
type app struct {
	queue        *storage.Store
	records      *bundle.Store
	index        *search.Index
	materializer *pipeline.Materializer

	client    *remote.Client
	clientErr error
	engine    *statussync.Engine
}

func (c *cli) openApp() (*app, error) {
	cfg := c.cfg
	if _, err := validation.EnsureDataDir(cfg.Storage.DataDir); err != nil {
		return nil, fmt.Errorf("preparing data directory: %w", err)
	}

	queue, err := storage.NewStore(cfg.Storage.DBPath, cfg.Storage.DBTimeout)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	records, err := bundle.NewStore(cfg.Storage.EntriesDir)
	if err != nil {
		queue.Close()
		return nil, err
	}

	a := &app{queue: queue, records: records}

	if idx, err := search.OpenIndex(cfg.Storage.SearchIndex); err != nil {
		debuglog.Warnf("search index unavailable: %v", err)
	} else {
		a.index = idx
	}

	fetcher := pipeline.NewImageFetcher(pipeline.FetcherOptions{
		ConnectTimeout:  cfg.Images.ConnectTimeout,
		TransferTimeout: cfg.Images.TransferTimeout,
		UserAgent:       cfg.Server.UserAgent,
		RatePerSecond:   cfg.Images.RatePerSecond,
	})
	a.materializer = pipeline.NewMaterializer(records, fetcher)
	a.materializer.SetQueue(queue)
	a.materializer.SetCancelCheckInterval(cfg.Images.CancelCheckInterval)
	if a.index != nil {
		a.materializer.SetIndexer(a.index)
	}
	return a, nil
}

// connect builds the server client and the sync engine on top of it. Without
// a usable server configuration the engine still runs against a remote that
// is always unreachable, so status changes queue up locally.
func (a *app) connect(c *cli) {
	if a.engine != nil {
		return
	}
	var r statussync.Remote
	client, err := newClient(c)
	if err != nil {
		debuglog.Warnf("working offline: %v", err)
		a.clientErr = err
		r = unreachable{err: err}
	} else {
		a.client = client
		r = client
	}
	a.engine = statussync.NewEngine(a.records, a.queue, r, statussync.Options{
		Timeout:    c.cfg.Sync.Timeout,
		MaxRetries: c.cfg.Sync.MaxRetries,
	})
	a.engine.OnInvalidate(a.reindexEntry)
}

// requireClient is for commands that cannot do anything without the server.
func (a *app) requireClient(c *cli) (*remote.Client, error) {
	a.connect(c)
	if a.client == nil {
		return nil, a.clientErr
	}
	return a.client, nil
}

func newClient(c *cli) (*remote.Client, error) {
	baseURL, err := c.cfg.ServerURL()
	if err != nil {
		return nil, err
	}
	return remote.NewClient(remote.Options{
		BaseURL:   baseURL,
		Token:     c.cfg.Server.Token,
		UserAgent: c.cfg.Server.UserAgent,
		Timeout:   c.cfg.Server.Timeout,
	})
}

// unreachable stands in for the server when none is configured.
type unreachable struct{ err error }

func (u unreachable) UpdateEntryStatus(context.Context, int64, storage.EntryStatus, bool) error {
	return u.err
}

func (u unreachable) ListEntries(context.Context, remote.Filter) ([]storage.Entry, int, error) {
	return nil, 0, u.err
}

func (u unreachable) Ping(context.Context) error { return u.err }

// reindexEntry refreshes the status fields stored in the search index.
func (a *app) reindexEntry(entryID int64) {
	if a.index == nil {
		return
	}
	rec, err := a.records.Load(entryID)
	if err != nil {
		return
	}
	text := ""
	if doc, err := a.records.ReadHTML(entryID); err == nil {
		text = search.DocumentText(doc)
	}
	if err := a.index.IndexEntry(rec, text); err != nil {
		debuglog.Warnf("reindexing entry %d: %v", entryID, err)
	}
}

func (a *app) searcher() search.Searcher {
	if a.index != nil {
		return a.index
	}
	return search.NewEngine(a.records)
}

func (a *app) close() {
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			debuglog.Warnf("closing search index: %v", err)
		}
	}
	if err := a.queue.Close(); err != nil {
		debuglog.Warnf("closing database: %v", err)
	}
}
