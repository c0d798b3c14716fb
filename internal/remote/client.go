package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pders01/shelf/internal/debuglog"
	"github.com/pders01/shelf/internal/storage"
)

const (
	defaultUserAgent = "shelf/1.0 (offline reader; github.com/pders01/shelf)"
	defaultTimeout   = 30 * time.Second
	maxErrorBody     = 4 << 10
)

var ErrNotFound = errors.New("entry not found on server")

// StatusError is returned for every HTTP response with a status of 400 or above.
type StatusError struct {
	Code       int
	Message    string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("HTTP error: %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP error: %d", e.Code)
}

// Is lets a 404 match ErrNotFound.
func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.Code == http.StatusNotFound
}

// Temporary reports whether retrying later can help.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Options configure a Client. Zero values fall back to defaults.
type Options struct {
	BaseURL   string
	Token     string
	UserAgent string
	Timeout   time.Duration
}

// Client talks to a Miniflux-compatible server.
type Client struct {
	base      *url.URL
	token     string
	userAgent string
	client    *http.Client
}

func NewClient(opts Options) (*Client, error) {
	raw := strings.TrimSpace(opts.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("server URL must be provided")
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing server URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("server URL must use http or https")
	}

	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		base:      base,
		token:     opts.Token,
		userAgent: ua,
		client:    &http.Client{Timeout: timeout},
	}, nil
}

// Filter narrows an entry listing. Zero fields are not sent.
type Filter struct {
	Status    storage.EntryStatus
	Starred   bool
	Limit     int
	Offset    int
	Order     string
	Direction string
	// ChangedAfter limits the listing to entries modified since then.
	ChangedAfter time.Time
}

func (f Filter) values() url.Values {
	v := url.Values{}
	if f.Status != "" {
		v.Set("status", string(f.Status))
	}
	if f.Starred {
		v.Set("starred", "true")
	}
	if f.Limit > 0 {
		v.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		v.Set("offset", strconv.Itoa(f.Offset))
	}
	if f.Order != "" {
		v.Set("order", f.Order)
	}
	if f.Direction != "" {
		v.Set("direction", f.Direction)
	}
	if !f.ChangedAfter.IsZero() {
		v.Set("changed_after", strconv.FormatInt(f.ChangedAfter.Unix(), 10))
	}
	return v
}

// wireEntry is the server's representation of an entry.
type wireEntry struct {
	ID          int64     `json:"id"`
	FeedID      int64     `json:"feed_id"`
	Status      string    `json:"status"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
	ChangedAt   time.Time `json:"changed_at"`
	Content     string    `json:"content"`
	Author      string    `json:"author"`
	Starred     bool      `json:"starred"`
	Feed        *struct {
		ID       int64  `json:"id"`
		Title    string `json:"title"`
		Category *struct {
			ID    int64  `json:"id"`
			Title string `json:"title"`
		} `json:"category"`
	} `json:"feed"`
}

func (w *wireEntry) entry() storage.Entry {
	e := storage.Entry{
		ID:          w.ID,
		Title:       w.Title,
		URL:         w.URL,
		Content:     w.Content,
		Author:      w.Author,
		PublishedAt: w.PublishedAt,
		ChangedAt:   w.ChangedAt,
		FeedID:      w.FeedID,
		Status:      storage.EntryStatus(w.Status),
		Starred:     w.Starred,
	}
	if w.Feed != nil {
		e.FeedTitle = w.Feed.Title
		if w.Feed.Category != nil {
			e.CategoryID = w.Feed.Category.ID
			e.CategoryTitle = w.Feed.Category.Title
		}
	}
	return e
}

type entriesResponse struct {
	Total   int         `json:"total"`
	Entries []wireEntry `json:"entries"`
}

// FetchEntry returns a single entry with its full content.
func (c *Client) FetchEntry(ctx context.Context, entryID int64) (*storage.Entry, error) {
	var w wireEntry
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/entries/%d", entryID), nil, nil, &w); err != nil {
		return nil, fmt.Errorf("fetching entry %d: %w", entryID, err)
	}
	e := w.entry()
	return &e, nil
}

// ListEntries returns one page of entries and the server-side total.
func (c *Client) ListEntries(ctx context.Context, filter Filter) ([]storage.Entry, int, error) {
	var resp entriesResponse
	if err := c.do(ctx, http.MethodGet, "/v1/entries", filter.values(), nil, &resp); err != nil {
		return nil, 0, fmt.Errorf("listing entries: %w", err)
	}
	entries := make([]storage.Entry, 0, len(resp.Entries))
	for i := range resp.Entries {
		entries = append(entries, resp.Entries[i].entry())
	}
	return entries, resp.Total, nil
}

// UpdateEntryStatus pushes status and starred for one entry. The server only
// offers a bookmark toggle, so the current flag is read back first and the
// toggle is sent only when it differs.
func (c *Client) UpdateEntryStatus(ctx context.Context, entryID int64, status storage.EntryStatus, starred bool) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	body := map[string]interface{}{
		"entry_ids": []int64{entryID},
		"status":    status,
	}
	if err := c.do(ctx, http.MethodPut, "/v1/entries", nil, body, nil); err != nil {
		return fmt.Errorf("updating status of entry %d: %w", entryID, err)
	}

	current, err := c.FetchEntry(ctx, entryID)
	if err != nil {
		return err
	}
	if current.Starred == starred {
		return nil
	}
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/v1/entries/%d/bookmark", entryID), nil, nil, nil); err != nil {
		return fmt.Errorf("toggling bookmark of entry %d: %w", entryID, err)
	}
	return nil
}

// Ping checks that the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "/healthcheck", nil, nil, nil); err != nil {
		return fmt.Errorf("server unreachable: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out interface{}) error {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("X-Auth-Token", c.token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	debuglog.WithFields(map[string]interface{}{
		"method":   method,
		"path":     path,
		"status":   resp.StatusCode,
		"duration": time.Since(start).String(),
	}).Debugf("remote request")

	if resp.StatusCode >= 400 {
		return statusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func statusError(resp *http.Response) *StatusError {
	e := &StatusError{
		Code:       resp.StatusCode,
		RetryAfter: RetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var payload struct {
		ErrorMessage string `json:"error_message"`
	}
	if json.Unmarshal(data, &payload) == nil {
		e.Message = payload.ErrorMessage
	}
	return e
}

// RetryAfter parses a Retry-After header given either in seconds or as an
// HTTP date. It returns 0 when the header is absent or unusable.
func RetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
