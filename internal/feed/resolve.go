package feed

import (
	"context"
	"net/url"
	"strings"
)

// Source is what a resolver makes of a user-supplied address.
type Source struct {
	// FeedURL is the address to fetch.
	FeedURL string
	// Title is used when the feed itself carries none.
	Title string
}

// Resolver turns site addresses into feed addresses for hosts that do not
// advertise their feed at the page URL.
type Resolver interface {
	Name() string
	CanHandle(u *url.URL) bool
	Resolve(ctx context.Context, u *url.URL) (*Source, error)
	// Priority orders resolvers that handle the same URL; higher wins.
	Priority() int
}

// Resolvers picks the best resolver for an address.
type Resolvers struct {
	list []Resolver
}

// DefaultResolvers returns the built-in resolvers.
func DefaultResolvers() *Resolvers {
	r := &Resolvers{}
	r.Register(redditResolver{})
	return r
}

func (r *Resolvers) Register(res Resolver) {
	r.list = append(r.list, res)
}

func (r *Resolvers) find(u *url.URL) Resolver {
	var best Resolver
	highest := -1
	for _, res := range r.list {
		if res.CanHandle(u) && res.Priority() > highest {
			best = res
			highest = res.Priority()
		}
	}
	return best
}

// Resolve returns the address unchanged when no resolver handles it.
func (r *Resolvers) Resolve(ctx context.Context, rawURL string) (*Source, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return &Source{FeedURL: rawURL}, nil
	}
	res := r.find(u)
	if res == nil {
		return &Source{FeedURL: rawURL}, nil
	}
	return res.Resolve(ctx, u)
}

// redditResolver maps subreddit pages to their RSS endpoint.
type redditResolver struct{}

func (redditResolver) Name() string  { return "reddit" }
func (redditResolver) Priority() int { return 50 }

func (redditResolver) CanHandle(u *url.URL) bool {
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	return (host == "reddit.com" || host == "old.reddit.com") &&
		strings.HasPrefix(u.Path, "/r/") && !strings.HasSuffix(u.Path, ".rss")
}

func (redditResolver) Resolve(_ context.Context, u *url.URL) (*Source, error) {
	subreddit := strings.SplitN(strings.TrimPrefix(u.Path, "/r/"), "/", 2)[0]
	feed := *u
	feed.Path = strings.TrimSuffix(u.Path, "/") + ".rss"
	feed.RawQuery = ""
	feed.Fragment = ""
	return &Source{
		FeedURL: feed.String(),
		Title:   "Reddit - r/" + subreddit,
	}, nil
}
