package http

import (
	"net"
	"net/url"
	"strconv"
	"testing"
)

func splitHostPort(t *testing.T, raw string) (string, int) {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%s) failed: %v", raw, err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("SplitHostPort(%s) failed: %v", u.Host, err)
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}
