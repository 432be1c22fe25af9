package errs

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

type venueError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// FromTransport classifies a failure that happened before any HTTP response was read.
func FromTransport(op string, err error) *E {
	if err == nil {
		return nil
	}
	var existing *E
	if errors.As(err, &existing) {
		return existing
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return New(op, CodeTimeout, WithCause(err))
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return New(op, CodeTimeout, WithCause(err))
	}
	return New(op, CodeNetwork, WithCause(err))
}

// FromResponse classifies a non-2xx venue response.
func FromResponse(op string, status int, body []byte) *E {
	var payload venueError
	_ = json.Unmarshal(body, &payload)
	raw := strings.TrimSpace(payload.Msg)
	if raw == "" {
		raw = strings.TrimSpace(string(body))
	}
	opts := []Option{WithHTTP(status), WithRawMessage(raw)}
	if payload.Code != 0 {
		opts = append(opts, WithRawCode(strconv.Itoa(payload.Code)))
	}

	switch payload.Code {
	case -2014, -2015:
		return New(op, CodeAuth, opts...)
	case -1022:
		return New(op, CodeAuth, append(opts, WithCanonicalCode(CanonicalInvalidSignature))...)
	case -1021:
		return New(op, CodeInvalid, append(opts,
			WithCanonicalCode(CanonicalClockSkew),
			WithRemediation("local clock drifted outside the receive window; the client resynchronised and retried once, check the host clock if this persists"))...)
	case -2011, -2013:
		return New(op, CodeNotFound, append(opts, WithCanonicalCode(CanonicalOrderNotFound))...)
	case -2010:
		if strings.Contains(strings.ToLower(raw), "insufficient") {
			return New(op, CodeInvalid, append(opts, WithCanonicalCode(CanonicalInsufficientBalance))...)
		}
	case -1121:
		return New(op, CodeInvalid, append(opts, WithCanonicalCode(CanonicalInvalidSymbol))...)
	case -1003:
		return New(op, CodeRateLimited, opts...)
	}

	switch {
	case status == http.StatusUnauthorized:
		return New(op, CodeAuth, opts...)
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		return New(op, CodeRateLimited, opts...)
	case status == http.StatusForbidden:
		return New(op, CodeForbidden, opts...)
	case status == http.StatusNotFound:
		return New(op, CodeNotFound, opts...)
	case status == http.StatusBadGateway || status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout:
		return New(op, CodeUnavailable, opts...)
	case status >= http.StatusBadRequest && status < http.StatusInternalServerError:
		return New(op, CodeInvalid, opts...)
	default:
		return New(op, CodeExchange, opts...)
	}
}

// AdvancesEndpoint reports whether the failure is tied to the endpoint itself, so the
// next candidate base address should be tried.
func AdvancesEndpoint(err error) bool {
	switch CodeOf(err) {
	case CodeNetwork, CodeUnavailable:
		return true
	default:
		return false
	}
}
