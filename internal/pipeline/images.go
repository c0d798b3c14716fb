package pipeline

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/pders01/shelf/internal/debuglog"
	"github.com/pders01/shelf/internal/validation"
)

const (
	defaultConnectTimeout  = 10 * time.Second
	defaultTransferTimeout = 30 * time.Second
	defaultUserAgent       = "shelf/1.0 (offline reader; github.com/pders01/shelf)"
)

// FetcherOptions configures image downloads.
type FetcherOptions struct {
	ConnectTimeout  time.Duration
	TransferTimeout time.Duration
	UserAgent       string
	// RatePerSecond limits request starts; zero disables throttling.
	RatePerSecond float64
}

// ImageFetcher downloads single images into a bundle directory. Failures are
// logged and reported as false, never returned.
type ImageFetcher struct {
	client    *http.Client
	userAgent string
	limiter   *rate.Limiter
}

func NewImageFetcher(opts FetcherOptions) *ImageFetcher {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.TransferTimeout <= 0 {
		opts.TransferTimeout = defaultTransferTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.TLSHandshakeTimeout = opts.ConnectTimeout

	f := &ImageFetcher{
		client: &http.Client{
			Timeout:   opts.TransferTimeout,
			Transport: transport,
		},
		userAgent: opts.UserAgent,
	}
	if opts.RatePerSecond > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1)
	}
	return f
}

// Fetch downloads imageURL to dir/filename. An existing non-empty file counts
// as success without a request. Cancelling ctx does not abort a transfer that
// has already started.
func (f *ImageFetcher) Fetch(ctx context.Context, imageURL, dir, filename string) bool {
	log := debuglog.WithFields(map[string]interface{}{"url": imageURL, "file": filename})
	dest, err := validation.BundleFile(dir, filename)
	if err != nil {
		log.Warnf("image download failed: %v", err)
		return false
	}

	if fi, err := os.Stat(dest); err == nil && fi.Size() > 0 {
		log.Debugf("image already present")
		return true
	}

	if err := f.download(context.WithoutCancel(ctx), imageURL, dir, dest); err != nil {
		log.Warnf("image download failed: %v", err)
		return false
	}
	log.Debugf("image downloaded")
	return true
}

func (f *ImageFetcher) download(ctx context.Context, imageURL, dir, dest string) error {
	lower := strings.ToLower(imageURL)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return fmt.Errorf("unsupported image URL")
	}

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "image/*,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("HTTP error: %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	n, copyErr := io.Copy(tmp, resp.Body)
	closeErr := tmp.Close()
	switch {
	case copyErr != nil:
		err = fmt.Errorf("reading body: %w", copyErr)
	case closeErr != nil:
		err = fmt.Errorf("closing temp file: %w", closeErr)
	case n == 0:
		err = fmt.Errorf("empty response body")
	}
	if err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("moving image into place: %w", err)
	}
	return nil
}
