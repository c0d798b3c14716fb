package search

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	bleveQuery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/pders01/shelf/internal/bundle"
	"github.com/pders01/shelf/internal/debuglog"
	"github.com/pders01/shelf/internal/storage"
)

// Index is the full-text index over materialized bundles.
type Index struct {
	idx bleve.Index
}

// OpenIndex creates or opens a Bleve index at indexPath.
func OpenIndex(indexPath string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(indexPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}

	idx, err := bleve.Open(indexPath)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		idx, err = bleve.New(indexPath, buildIndexMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("opening index %s: %w", indexPath, err)
	}
	return &Index{idx: idx}, nil
}

func (i *Index) Close() error {
	return i.idx.Close()
}

func buildIndexMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()
	im.DefaultAnalyzer = standard.Name

	dm := bleve.NewDocumentMapping()

	title := bleve.NewTextFieldMapping()
	title.Analyzer = standard.Name
	title.Store = true
	title.IncludeTermVectors = true

	feed := bleve.NewTextFieldMapping()
	feed.Analyzer = standard.Name
	feed.Store = true

	author := bleve.NewTextFieldMapping()
	author.Analyzer = standard.Name
	author.Store = false

	content := bleve.NewTextFieldMapping()
	content.Analyzer = standard.Name
	content.Store = false
	content.IncludeTermVectors = false

	url := bleve.NewTextFieldMapping()
	url.Analyzer = standard.Name
	url.Store = true

	status := bleve.NewTextFieldMapping()
	status.Analyzer = keyword.Name
	status.Store = true

	starred := bleve.NewBooleanFieldMapping()
	starred.Store = true

	dm.AddFieldMappingsAt("title", title)
	dm.AddFieldMappingsAt("feed", feed)
	dm.AddFieldMappingsAt("author", author)
	dm.AddFieldMappingsAt("content", content)
	dm.AddFieldMappingsAt("url", url)
	dm.AddFieldMappingsAt("status", status)
	dm.AddFieldMappingsAt("starred", starred)

	im.DefaultMapping = dm
	return im
}

func document(rec *bundle.Record, text string) map[string]any {
	return map[string]any{
		"title":   rec.Title,
		"feed":    rec.FeedTitle,
		"author":  rec.Author,
		"content": text,
		"url":     rec.URL,
		"status":  string(rec.Status),
		"starred": rec.Starred,
	}
}

func docID(entryID int64) string { return strconv.FormatInt(entryID, 10) }

// IndexEntry adds or replaces the document for one bundle.
func (i *Index) IndexEntry(rec *bundle.Record, text string) error {
	return i.idx.Index(docID(rec.EntryID), document(rec, text))
}

func (i *Index) RemoveEntry(entryID int64) error {
	return i.idx.Delete(docID(entryID))
}

// Reindex rebuilds the documents for every complete bundle in records and
// returns how many were indexed.
func (i *Index) Reindex(records *bundle.Store) (int, error) {
	recs, err := records.List()
	if err != nil {
		return 0, err
	}
	batch := i.idx.NewBatch()
	for _, rec := range recs {
		text := ""
		if doc, err := records.ReadHTML(rec.EntryID); err == nil {
			text = DocumentText(doc)
		} else {
			debuglog.Warnf("reindex: reading entry %d: %v", rec.EntryID, err)
		}
		if err := batch.Index(docID(rec.EntryID), document(rec, text)); err != nil {
			return 0, err
		}
	}
	if err := i.idx.Batch(batch); err != nil {
		return 0, err
	}
	return len(recs), nil
}

func (i *Index) Search(query string, limit int) ([]*Result, error) {
	if len(strings.TrimSpace(query)) < 2 {
		return []*Result{}, nil
	}
	if limit <= 0 {
		limit = 20
	}
	// OR of per-term matches across key fields with boosts
	type field struct {
		name  string
		boost float64
	}
	fields := []field{{"title", 4.0}, {"feed", 2.0}, {"author", 2.0}, {"content", 1.0}, {"url", 0.5}}

	var qs []bleveQuery.Query
	for _, tok := range tokenize(query) {
		for _, f := range fields {
			mq := bleve.NewMatchQuery(tok)
			mq.SetField(f.name)
			mq.SetBoost(f.boost)
			qs = append(qs, mq)

			pq := bleve.NewPrefixQuery(tok)
			pq.SetField(f.name)
			pq.SetBoost(f.boost * 0.8)
			qs = append(qs, pq)
		}
	}
	if len(qs) == 0 {
		return []*Result{}, nil
	}

	req := bleve.NewSearchRequestOptions(bleve.NewDisjunctionQuery(qs...), limit, 0, false)
	req.Fields = []string{"title", "feed", "url", "status", "starred"}
	res, err := i.idx.Search(req)
	if err != nil {
		return nil, err
	}

	out := make([]*Result, 0, len(res.Hits))
	for _, h := range res.Hits {
		id, err := strconv.ParseInt(h.ID, 10, 64)
		if err != nil {
			continue
		}
		r := &Result{EntryID: id, Score: h.Score}
		if t, ok := h.Fields["title"].(string); ok {
			r.Title = t
		}
		if f, ok := h.Fields["feed"].(string); ok {
			r.FeedTitle = f
		}
		if u, ok := h.Fields["url"].(string); ok {
			r.URL = u
		}
		if s, ok := h.Fields["status"].(string); ok {
			r.Status = storage.EntryStatus(s)
		}
		if s, ok := h.Fields["starred"].(bool); ok {
			r.Starred = s
		}
		out = append(out, r)
	}
	return out, nil
}

// DocCount reports total documents in the index.
func (i *Index) DocCount() (int, error) {
	n, err := i.idx.DocCount()
	return int(n), err
}
