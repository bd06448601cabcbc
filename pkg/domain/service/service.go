package service

import (
	"context"
	"time"

	"github.com/WangYihang/urlscan-harvester/pkg/domain/entity"
)

// FeedFetcher polls the recent-scans listing. Errors are *entity.FetchError.
type FeedFetcher interface {
	// Poll returns the currently listed scans in feed order. A nil proxy
	// means a direct connection.
	Poll(ctx context.Context, proxy *entity.ProxyEntry) ([]entity.FeedEntry, error)
}

// VerdictFetcher resolves one scan identifier into its verdict
type VerdictFetcher interface {
	Resolve(ctx context.Context, identifier string, proxy *entity.ProxyEntry) (*entity.Verdict, error)
}

// ProxySource lists candidate proxies from one external source
type ProxySource interface {
	// Name is used in logs
	Name() string
	// List returns address, port and protocol of each proxy
	List(ctx context.Context) ([]entity.ProxyEntry, error)
}

// ProxyProber checks that a proxy can reach the outside world
type ProxyProber interface {
	Probe(ctx context.Context, proxy entity.ProxyEntry) (time.Duration, error)
}
