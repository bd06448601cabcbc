package entity

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// ProxyState is the health state of a proxy entry
type ProxyState string

const (
	ProxyUntested    ProxyState = "untested"
	ProxyHealthy     ProxyState = "healthy"
	ProxyQuarantined ProxyState = "quarantined"
	ProxyDead        ProxyState = "dead"
)

// ProxyStates lists every state in display order
var ProxyStates = []ProxyState{ProxyHealthy, ProxyUntested, ProxyQuarantined, ProxyDead}

// ProxyEntry is one egress path. Only the proxy pool mutates entries; callers
// receive copies.
type ProxyEntry struct {
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Source   string `json:"source"`

	State               ProxyState    `json:"state"`
	LastValidatedAt     time.Time     `json:"last_validated_at"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Latency             time.Duration `json:"latency"`

	AddedAt           time.Time `json:"added_at"`
	QuarantinedAt     time.Time `json:"quarantined_at"`
	QuarantineStrikes int       `json:"quarantine_strikes"`
	DeadAt            time.Time `json:"dead_at"`
}

// Key identifies the entry inside the pool
func (p ProxyEntry) Key() string {
	return net.JoinHostPort(p.Address, strconv.Itoa(p.Port))
}

// URL returns the proxy URL understood by net/http and x/net/proxy
func (p ProxyEntry) URL() string {
	scheme := p.Protocol
	switch scheme {
	case "socks5", "socks5h":
	case "https":
		// free lists label CONNECT-capable proxies as https, the hop itself is plain http
		scheme = "http"
	default:
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s", scheme, p.Key())
}

// String is used in logs
func (p ProxyEntry) String() string {
	return p.URL()
}

// ProxyLabel returns the proxy URL or "direct" when no proxy is used
func ProxyLabel(p *ProxyEntry) string {
	if p == nil {
		return "direct"
	}
	return p.String()
}
