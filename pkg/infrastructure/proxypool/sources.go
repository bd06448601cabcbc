package proxypool

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/WangYihang/urlscan-harvester/internal/logger"
	"github.com/WangYihang/urlscan-harvester/pkg/domain/entity"
	"github.com/WangYihang/urlscan-harvester/pkg/domain/service"
	harvesthttp "github.com/WangYihang/urlscan-harvester/pkg/infrastructure/http"
)

const (
	FreeProxyListURL = "https://free-proxy-list.net/"
	ProxyScrapeURL   = "https://api.proxyscrape.com/v2/?request=displayproxies&protocol=http&timeout=5000&country=all&ssl=yes&anonymity=all"
	GeonodeURL       = "https://proxylist.geonode.com/api/proxy-list?limit=100&page=1&sort_by=lastChecked&sort_type=desc&protocols=http%2Chttps%2Csocks5"
)

// FreeProxyListSource scrapes the free-proxy-list.net table, keeping rows
// that support https
type FreeProxyListSource struct {
	client *harvesthttp.Client
	url    string
}

// NewFreeProxyListSource creates the source. An empty endpoint uses the public list.
func NewFreeProxyListSource(client *harvesthttp.Client, endpoint string) *FreeProxyListSource {
	if endpoint == "" {
		endpoint = FreeProxyListURL
	}
	return &FreeProxyListSource{client: client, url: endpoint}
}

func (s *FreeProxyListSource) Name() string {
	return "free-proxy-list.net"
}

func (s *FreeProxyListSource) List(ctx context.Context) ([]entity.ProxyEntry, error) {
	resp, err := s.client.Get(ctx, s.Name(), s.url, nil)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", s.Name(), err)
	}

	var entries []entity.ProxyEntry
	doc.Find("table").First().Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 7 || strings.TrimSpace(cells.Eq(6).Text()) != "yes" {
			return
		}
		entry, err := newEntry(strings.TrimSpace(cells.Eq(0).Text()), strings.TrimSpace(cells.Eq(1).Text()), "https", s.Name())
		if err != nil {
			return
		}
		entries = append(entries, entry)
	})
	return entries, nil
}

// ProxyScrapeSource reads the plain ip:port list served by proxyscrape
type ProxyScrapeSource struct {
	client *harvesthttp.Client
	url    string
}

// NewProxyScrapeSource creates the source. An empty endpoint uses the public API.
func NewProxyScrapeSource(client *harvesthttp.Client, endpoint string) *ProxyScrapeSource {
	if endpoint == "" {
		endpoint = ProxyScrapeURL
	}
	return &ProxyScrapeSource{client: client, url: endpoint}
}

func (s *ProxyScrapeSource) Name() string {
	return "proxyscrape.com"
}

func (s *ProxyScrapeSource) List(ctx context.Context) ([]entity.ProxyEntry, error) {
	resp, err := s.client.Get(ctx, s.Name(), s.url, nil)
	if err != nil {
		return nil, err
	}

	var entries []entity.ProxyEntry
	scanner := bufio.NewScanner(bytes.NewReader(resp.Body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		host, port, err := net.SplitHostPort(line)
		if err != nil {
			continue
		}
		entry, err := newEntry(host, port, "http", s.Name())
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}

// GeonodeSource reads the geonode JSON API
type GeonodeSource struct {
	client *harvesthttp.Client
	url    string
}

// NewGeonodeSource creates the source. An empty endpoint uses the public API.
func NewGeonodeSource(client *harvesthttp.Client, endpoint string) *GeonodeSource {
	if endpoint == "" {
		endpoint = GeonodeURL
	}
	return &GeonodeSource{client: client, url: endpoint}
}

func (s *GeonodeSource) Name() string {
	return "geonode.com"
}

type geonodeResponse struct {
	Data []struct {
		IP        string   `json:"ip"`
		Port      string   `json:"port"`
		Protocols []string `json:"protocols"`
	} `json:"data"`
}

func (s *GeonodeSource) List(ctx context.Context) ([]entity.ProxyEntry, error) {
	resp, err := s.client.Get(ctx, s.Name(), s.url, nil)
	if err != nil {
		return nil, err
	}
	var payload geonodeResponse
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", s.Name(), err)
	}

	var entries []entity.ProxyEntry
	for _, d := range payload.Data {
		entry, err := newEntry(d.IP, d.Port, preferredProtocol(d.Protocols), s.Name())
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func preferredProtocol(protocols []string) string {
	best := ""
	for _, p := range protocols {
		switch strings.ToLower(p) {
		case "socks5":
			return "socks5"
		case "https":
			best = "https"
		case "http":
			if best == "" {
				best = "http"
			}
		}
	}
	if best == "" {
		best = "http"
	}
	return best
}

// StaticSource serves a fixed list such as "10.0.0.1:8080" or
// "socks5://10.0.0.2:1080"
type StaticSource struct {
	entries []entity.ProxyEntry
}

// NewStaticSource parses specs, skipping malformed ones
func NewStaticSource(specs []string) *StaticSource {
	log := logger.WithComponent("ProxyPool/Static")
	s := &StaticSource{}
	for _, spec := range specs {
		entry, err := ParseProxy(spec)
		if err != nil {
			log.Warn().Err(err).Str("proxy", spec).Msg("skipping malformed static proxy")
			continue
		}
		entry.Source = s.Name()
		s.entries = append(s.entries, entry)
	}
	return s
}

func (s *StaticSource) Name() string {
	return "static"
}

func (s *StaticSource) List(context.Context) ([]entity.ProxyEntry, error) {
	return append([]entity.ProxyEntry(nil), s.entries...), nil
}

// ParseProxy parses "host:port" or "scheme://host:port"
func ParseProxy(spec string) (entity.ProxyEntry, error) {
	spec = strings.TrimSpace(spec)
	protocol := "http"
	if strings.Contains(spec, "://") {
		u, err := url.Parse(spec)
		if err != nil {
			return entity.ProxyEntry{}, err
		}
		protocol = strings.ToLower(u.Scheme)
		spec = u.Host
	}
	switch protocol {
	case "http", "https", "socks5", "socks5h":
	default:
		return entity.ProxyEntry{}, fmt.Errorf("unsupported proxy protocol %q", protocol)
	}
	host, port, err := net.SplitHostPort(spec)
	if err != nil {
		return entity.ProxyEntry{}, err
	}
	return newEntry(host, port, protocol, "")
}

func newEntry(host, port, protocol, source string) (entity.ProxyEntry, error) {
	if host == "" {
		return entity.ProxyEntry{}, fmt.Errorf("empty proxy host")
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return entity.ProxyEntry{}, fmt.Errorf("invalid proxy port %q", port)
	}
	return entity.ProxyEntry{
		Address:  host,
		Port:     n,
		Protocol: protocol,
		Source:   source,
		State:    entity.ProxyUntested,
	}, nil
}

var (
	_ service.ProxySource = (*FreeProxyListSource)(nil)
	_ service.ProxySource = (*ProxyScrapeSource)(nil)
	_ service.ProxySource = (*GeonodeSource)(nil)
	_ service.ProxySource = (*StaticSource)(nil)
	_ service.ProxyProber = (*Prober)(nil)
)
