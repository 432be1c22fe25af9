package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesCanonicalAndVenue(t *testing.T) {
	err := New(
		"transport",
		CodeInvalid,
		WithHTTP(400),
		WithMessage("invalid order payload"),
		WithRawCode("-2013"),
		WithRawMessage("order does not exist"),
		WithCanonicalCode(CanonicalOrderNotFound),
		WithVenueField("symbol", "BTCUSDT"),
		WithVenueField("endpoint", "/api/v3/order"),
		WithRemediation("verify order id before retrying"),
		WithCause(errors.New("http 400")),
	)

	out := err.Error()
	if !strings.Contains(out, "op=transport") {
		t.Fatalf("expected op marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=invalid_request") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "canonical=order_not_found") {
		t.Fatalf("expected canonical classification in error string: %s", out)
	}
	expectedVenue := "venue=endpoint=\"/api/v3/order\",symbol=\"BTCUSDT\""
	if !strings.Contains(out, expectedVenue) {
		t.Fatalf("expected venue metadata %q in error string: %s", expectedVenue, out)
	}
	if !strings.Contains(out, "remediation=\"verify order id before retrying\"") {
		t.Fatalf("expected remediation guidance in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"http 400\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestDefaultRemediationByCode(t *testing.T) {
	err := New("mutation", CodeCooldown)
	if err.Remediation == "" {
		t.Fatalf("expected default remediation for cooldown")
	}
	if New("x", CodeInvalid).Remediation != "" {
		t.Fatalf("invalid requests carry no default remediation")
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}

func TestIsFollowsWrappedChain(t *testing.T) {
	base := New("transport", CodeRateLimited)
	wrapped := fmt.Errorf("account: %w", base)
	if !Is(wrapped, CodeRateLimited) {
		t.Fatalf("expected wrapped error to match code")
	}
	if Is(wrapped, CodeAuth) {
		t.Fatalf("unexpected code match")
	}
	if Is(nil, CodeRateLimited) {
		t.Fatalf("nil error must not match")
	}
	if Remediation(wrapped) == "" {
		t.Fatalf("expected remediation through wrap")
	}
}

func TestFromTransport(t *testing.T) {
	if got := FromTransport("t", context.DeadlineExceeded); got.Code != CodeTimeout {
		t.Fatalf("deadline should classify as timeout, got %s", got.Code)
	}
	if got := FromTransport("t", errors.New("dial tcp: connection refused")); got.Code != CodeNetwork {
		t.Fatalf("dial error should classify as network, got %s", got.Code)
	}
	if FromTransport("t", nil) != nil {
		t.Fatalf("nil error should classify as nil")
	}
}

func TestFromResponse(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		code      Code
		canonical CanonicalCode
	}{
		{"auth by venue code", 400, `{"code":-2015,"msg":"Invalid API-key"}`, CodeAuth, CanonicalUnknown},
		{"signature", 400, `{"code":-1022,"msg":"Signature invalid"}`, CodeAuth, CanonicalInvalidSignature},
		{"clock skew", 400, `{"code":-1021,"msg":"Timestamp outside recvWindow"}`, CodeInvalid, CanonicalClockSkew},
		{"unknown order", 400, `{"code":-2011,"msg":"Unknown order sent."}`, CodeNotFound, CanonicalOrderNotFound},
		{"rate limited", 429, `{"code":-1003,"msg":"Too many requests"}`, CodeRateLimited, CanonicalUnknown},
		{"ip ban", 418, ``, CodeRateLimited, CanonicalUnknown},
		{"forbidden", 403, `<html>WAF</html>`, CodeForbidden, CanonicalUnknown},
		{"bad request", 400, `{"code":-1100,"msg":"Illegal characters"}`, CodeInvalid, CanonicalUnknown},
		{"unavailable", 503, ``, CodeUnavailable, CanonicalUnknown},
		{"server", 500, `oops`, CodeExchange, CanonicalUnknown},
		{"unauthorized", 401, ``, CodeAuth, CanonicalUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := FromResponse("transport", tc.status, []byte(tc.body))
			if got.Code != tc.code {
				t.Fatalf("code = %s, want %s", got.Code, tc.code)
			}
			if got.Canonical != tc.canonical {
				t.Fatalf("canonical = %s, want %s", got.Canonical, tc.canonical)
			}
			if got.HTTP != tc.status {
				t.Fatalf("http = %d, want %d", got.HTTP, tc.status)
			}
		})
	}
}

func TestAdvancesEndpoint(t *testing.T) {
	if !AdvancesEndpoint(New("t", CodeNetwork)) {
		t.Fatalf("network errors advance")
	}
	if !AdvancesEndpoint(FromResponse("t", http.StatusServiceUnavailable, nil)) {
		t.Fatalf("unavailable endpoints advance")
	}
	if AdvancesEndpoint(New("t", CodeTimeout)) {
		t.Fatalf("timeouts are not retried inline")
	}
	if AdvancesEndpoint(New("t", CodeAuth)) {
		t.Fatalf("auth failures do not advance")
	}
}
