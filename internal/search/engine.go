package search

import (
	"bytes"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/PuerkitoBio/goquery"

	"github.com/pders01/shelf/internal/bundle"
)

// Engine searches bundles by scanning them on disk. It needs no index and is
// used when the Bleve index cannot be opened.
type Engine struct {
	records *bundle.Store
	now     func() time.Time
}

// NewEngine creates a scanning search engine over the bundle store.
func NewEngine(records *bundle.Store) *Engine {
	return &Engine{records: records, now: time.Now}
}

// Search scores every complete bundle against the query
func (e *Engine) Search(query string, limit int) ([]*Result, error) {
	if len(strings.TrimSpace(query)) < 2 {
		return []*Result{}, nil
	}

	terms := tokenize(query)
	if len(terms) == 0 {
		return []*Result{}, nil
	}

	recs, err := e.records.List()
	if err != nil {
		return nil, err
	}

	var results []*Result
	for _, rec := range recs {
		text := ""
		if doc, err := e.records.ReadHTML(rec.EntryID); err == nil {
			text = DocumentText(doc)
		}
		if result := e.searchEntry(rec, text, terms); result != nil {
			results = append(results, result)
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}

	return results, nil
}

func (e *Engine) searchEntry(rec *bundle.Record, text string, terms []string) *Result {
	var matches []Match
	var totalScore float64

	add := func(field, value, snippet string, weight float64) {
		if s := scoreField(value, terms, weight); s > 0 {
			matches = append(matches, Match{Field: field, Text: snippet, Weight: s})
			totalScore += s
		}
	}

	add("title", rec.Title, rec.Title, 4.0)
	add("feed", rec.FeedTitle, rec.FeedTitle, 2.0)
	add("author", rec.Author, rec.Author, 2.0)
	add("content", text, findBestSnippet(text, terms, 200), 1.0)
	add("url", rec.URL, rec.URL, 0.5)

	if totalScore == 0 {
		return nil
	}
	totalScore *= 1.0 + recencyBoost(rec.PublishedAt, e.now())

	r := resultFromRecord(rec)
	r.Score = totalScore
	r.Matches = matches
	return r
}

// DocumentText extracts the readable text of a bundle's HTML document.
func DocumentText(doc []byte) string {
	d, err := goquery.NewDocumentFromReader(bytes.NewReader(doc))
	if err != nil {
		return ""
	}
	body := d.Find("article")
	if body.Length() == 0 {
		body = d.Find("body")
	}
	body.Find("script, style, nav").Remove()
	return strings.Join(strings.Fields(body.Text()), " ")
}

// scoreField calculates relevance score for a field
func scoreField(text string, terms []string, weight float64) float64 {
	if text == "" {
		return 0
	}

	lower := strings.ToLower(text)
	words := tokenize(text)
	if len(words) == 0 {
		return 0
	}

	var score float64
	matchedTerms := 0

	for _, term := range terms {
		// Exact phrase match (highest score)
		if strings.Contains(lower, term) {
			score += 2.0
			matchedTerms++
		}

		for _, word := range words {
			switch {
			case word == term:
				score += 1.5
				matchedTerms++
			case strings.HasPrefix(word, term) || strings.HasSuffix(word, term):
				score += 1.0
				matchedTerms++
			case strings.Contains(word, term):
				score += 0.5
				matchedTerms++
			}
		}
	}

	if len(terms) > 1 && matchedTerms > 1 {
		score *= 1.0 + float64(matchedTerms)/float64(len(terms))
	}

	tf := float64(matchedTerms) / float64(len(words))
	score *= 1.0 + math.Log(1.0+tf)

	return score * weight
}

// findBestSnippet finds the most relevant text snippet containing search terms
func findBestSnippet(text string, terms []string, maxLength int) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return ""
	}

	windowSize := maxLength / 8
	if windowSize > len(words) {
		return truncate(text, maxLength)
	}

	bestScore := 0
	bestStart := 0
	for i := 0; i <= len(words)-windowSize; i++ {
		window := strings.ToLower(strings.Join(words[i:i+windowSize], " "))
		score := 0
		for _, term := range terms {
			if strings.Contains(window, term) {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			bestStart = i
		}
	}

	return truncate(strings.Join(words[bestStart:bestStart+windowSize], " "), maxLength)
}

// tokenize breaks text into lowercase searchable terms, skipping single characters.
func tokenize(text string) []string {
	var terms []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 1 {
			terms = append(terms, current.String())
		}
		current.Reset()
	}
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			current.WriteRune(unicode.ToLower(r))
		} else {
			flush()
		}
	}
	flush()

	return terms
}

func truncate(text string, maxLen int) string {
	r := []rune(text)
	if len(r) <= maxLen {
		return text
	}
	return string(r[:maxLen-1]) + "…"
}

// recencyBoost gives up to 10% to entries published in the last week.
func recencyBoost(published, now time.Time) float64 {
	if published.IsZero() {
		return 0
	}
	age := now.Sub(published)
	if age < 0 || age > 7*24*time.Hour {
		return 0
	}
	return 0.1 * (1 - age.Hours()/(7*24))
}
