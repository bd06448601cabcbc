package http

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/WangYihang/urlscan-harvester/pkg/domain/entity"
)

// markers of anti-bot interstitials, matched case-insensitively
var challengeMarkers = [][]byte{
	[]byte("just a moment..."),
	[]byte("cf-challenge"),
	[]byte("cf_chl_"),
	[]byte("attention required! | cloudflare"),
	[]byte("g-recaptcha"),
	[]byte("h-captcha"),
	[]byte("captcha-container"),
}

const challengeScanLimit = 64 << 10

// IsChallenge reports whether body looks like a block or captcha page
func IsChallenge(body []byte) bool {
	if len(body) > challengeScanLimit {
		body = body[:challengeScanLimit]
	}
	lower := bytes.ToLower(body)
	for _, marker := range challengeMarkers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// classifyResponse maps a status code and body to a fetch error kind. An
// empty kind means success.
func classifyResponse(status int, body []byte) entity.FetchErrorKind {
	switch {
	case status == http.StatusForbidden, status == http.StatusTooManyRequests:
		return entity.KindBlocked
	case status == http.StatusServiceUnavailable && IsChallenge(body):
		return entity.KindBlocked
	case status >= 200 && status < 300:
		if IsChallenge(body) {
			return entity.KindBlocked
		}
		return ""
	case status == http.StatusGatewayTimeout, status == http.StatusRequestTimeout:
		return entity.KindTimeout
	default:
		return entity.KindTransport
	}
}

// classifyError maps a client error to a fetch error
func classifyError(op string, err error) *entity.FetchError {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return entity.NewFetchError(entity.KindTimeout, op, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return entity.NewFetchError(entity.KindTimeout, op, err)
	default:
		return entity.NewFetchError(entity.KindTransport, op, err)
	}
}
