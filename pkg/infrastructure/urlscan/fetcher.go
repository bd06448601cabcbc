package urlscan

import (
	"context"

	"github.com/WangYihang/urlscan-harvester/pkg/domain/entity"
	"github.com/WangYihang/urlscan-harvester/pkg/domain/service"
	harvesthttp "github.com/WangYihang/urlscan-harvester/pkg/infrastructure/http"
)

// FeedFetcher implements service.FeedFetcher over the urlscan.io front page
type FeedFetcher struct {
	client  *harvesthttp.Client
	baseURL string
}

// NewFeedFetcher creates a new feed fetcher
func NewFeedFetcher(client *harvesthttp.Client, baseURL string) *FeedFetcher {
	return &FeedFetcher{client: client, baseURL: baseURL}
}

// Poll implements service.FeedFetcher
func (f *FeedFetcher) Poll(ctx context.Context, proxy *entity.ProxyEntry) ([]entity.FeedEntry, error) {
	resp, err := f.client.Get(ctx, "poll feed", f.baseURL, proxy)
	if err != nil {
		return nil, err
	}
	entries, err := ParseFeed(resp.Body, f.baseURL)
	if err != nil {
		return nil, entity.NewFetchError(entity.KindParse, "poll feed", err)
	}
	return entries, nil
}

// VerdictFetcher implements service.VerdictFetcher over result pages
type VerdictFetcher struct {
	client  *harvesthttp.Client
	baseURL string
}

// NewVerdictFetcher creates a new verdict fetcher
func NewVerdictFetcher(client *harvesthttp.Client, baseURL string) *VerdictFetcher {
	return &VerdictFetcher{client: client, baseURL: baseURL}
}

// Resolve implements service.VerdictFetcher. A result page that is not yet
// published answers 404 and is retried as a transient error.
func (f *VerdictFetcher) Resolve(ctx context.Context, identifier string, proxy *entity.ProxyEntry) (*entity.Verdict, error) {
	resp, err := f.client.Get(ctx, "resolve verdict", ResultURL(f.baseURL, identifier), proxy)
	if err != nil {
		return nil, err
	}
	verdict, err := ParseVerdict(resp.Body, identifier)
	if err != nil {
		return nil, entity.NewFetchError(entity.KindParse, "resolve verdict", err)
	}
	return verdict, nil
}

var (
	_ service.FeedFetcher    = (*FeedFetcher)(nil)
	_ service.VerdictFetcher = (*VerdictFetcher)(nil)
)
