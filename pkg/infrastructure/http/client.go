package http

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/WangYihang/urlscan-harvester/pkg/domain/entity"
	"golang.org/x/net/proxy"
)

// Config holds HTTP client configuration
type Config struct {
	Timeout         time.Duration
	MaxResponseSize int64
	UserAgents      []string
}

// Response is a fully read HTTP response
type Response struct {
	URL        string
	StatusCode int
	Body       []byte
}

var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
}

// Client issues GET requests either directly or through a proxy entry and
// classifies failures into entity.FetchError kinds
type Client struct {
	config Config
	direct *http.Client
	agents []string
}

// NewClient creates client
func NewClient(config Config) *Client {
	if config.MaxResponseSize <= 0 {
		config.MaxResponseSize = 10 << 20
	}
	agents := config.UserAgents
	if len(agents) == 0 {
		agents = defaultUserAgents
	}
	transport, _ := NewTransport(nil, config.Timeout)
	return &Client{
		config: config,
		direct: &http.Client{Transport: transport, Timeout: config.Timeout},
		agents: agents,
	}
}

// NewTransport builds a transport that egresses through p, or directly when
// p is nil. HTTP and HTTPS entries use CONNECT, socks5 entries use
// golang.org/x/net/proxy.
func NewTransport(p *entity.ProxyEntry, timeout time.Duration) (*http.Transport, error) {
	dialer := &net.Dialer{Timeout: timeout}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   timeout,
		IdleConnTimeout:       timeout,
		ResponseHeaderTimeout: timeout,
		DisableKeepAlives:     true,
		MaxIdleConns:          0,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true,
		},
	}
	if p == nil {
		return transport, nil
	}

	switch p.Protocol {
	case "socks5", "socks5h":
		socks, err := proxy.SOCKS5("tcp", p.Key(), nil, dialer)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}
		contextDialer, ok := socks.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("SOCKS5 dialer for %s does not support contexts", p.Key())
		}
		transport.DialContext = contextDialer.DialContext
	default:
		proxyURL, err := url.Parse(p.URL())
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %s: %w", p.URL(), err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return transport, nil
}

// RandomUserAgent returns random agent
func (c *Client) RandomUserAgent() string {
	return c.agents[rand.Intn(len(c.agents))]
}

func (c *Client) clientFor(p *entity.ProxyEntry) (*http.Client, error) {
	if p == nil {
		return c.direct, nil
	}
	transport, err := NewTransport(p, c.config.Timeout)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: transport, Timeout: c.config.Timeout}, nil
}

// Get fetches target through p. Non-2xx responses and block pages are
// returned as *entity.FetchError together with the response.
func (c *Client) Get(ctx context.Context, op, target string, p *entity.ProxyEntry) (*Response, error) {
	client, err := c.clientFor(p)
	if err != nil {
		return nil, entity.NewFetchError(entity.KindTransport, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, entity.NewFetchError(entity.KindTransport, op, err)
	}
	req.Header.Set("User-Agent", c.RandomUserAgent())
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyError(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxResponseSize))
	if err != nil {
		return nil, classifyError(op, err)
	}

	response := &Response{URL: target, StatusCode: resp.StatusCode, Body: body}
	if kind := classifyResponse(resp.StatusCode, body); kind != "" {
		return response, &entity.FetchError{
			Kind:       kind,
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", http.StatusText(resp.StatusCode)),
		}
	}
	return response, nil
}
