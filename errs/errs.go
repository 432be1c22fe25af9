// Package errs provides structured error types and helpers for folio clients.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a client-visible error category.
type Code string

const (
	// CodeTimeout indicates that no response arrived within the request bound.
	CodeTimeout Code = "timeout"
	// CodeAuth indicates invalid credentials or a missing API permission.
	CodeAuth Code = "auth"
	// CodeRateLimited indicates venue-side throttling.
	CodeRateLimited Code = "rate_limited"
	// CodeForbidden indicates a permission gap or geo/IP restriction.
	CodeForbidden Code = "forbidden"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNetwork indicates a connectivity failure reaching a base endpoint.
	CodeNetwork Code = "network"
	// CodePartial indicates a non-critical data source failed while the critical path succeeded.
	CodePartial Code = "partial_unavailable"
	// CodeExchange indicates an exchange-side failure.
	CodeExchange Code = "exchange_error"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates the endpoint is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeCooldown indicates a mutating call was rejected locally by the cooldown guard.
	CodeCooldown Code = "cooldown"
)

// CanonicalCode captures venue-agnostic failure details.
type CanonicalCode string

const (
	// CanonicalUnknown captures uncategorized failures.
	CanonicalUnknown CanonicalCode = "unknown"
	// CanonicalOrderNotFound indicates that the referenced order does not exist.
	CanonicalOrderNotFound CanonicalCode = "order_not_found"
	// CanonicalInsufficientBalance indicates insufficient balance for the requested operation.
	CanonicalInsufficientBalance CanonicalCode = "insufficient_balance"
	// CanonicalInvalidSymbol indicates an unsupported or malformed symbol.
	CanonicalInvalidSymbol CanonicalCode = "invalid_symbol"
	// CanonicalClockSkew indicates the request timestamp fell outside the venue receive window.
	CanonicalClockSkew CanonicalCode = "clock_skew"
	// CanonicalInvalidSignature indicates the venue rejected the request signature.
	CanonicalInvalidSignature CanonicalCode = "invalid_signature"
)

var defaultRemediation = map[Code]string{
	CodeTimeout:     "the venue did not answer in time; data will be retried on the next refresh",
	CodeAuth:        "check the API key and secret, and that the key has read and trade permissions",
	CodeRateLimited: "request weight exhausted; wait before refreshing again",
	CodeForbidden:   "the API key lacks a permission or the IP is not whitelisted for this key",
	CodeNetwork:     "no candidate endpoint was reachable; check connectivity",
	CodeUnavailable: "the venue is temporarily unavailable; retry later",
	CodeCooldown:    "wait a few seconds between order actions",
}

// E captures structured error information produced across the client stack.
type E struct {
	Op            string
	Code          Code
	HTTP          int
	RawCode       string
	RawMsg        string
	Message       string
	Canonical     CanonicalCode
	VenueMetadata map[string]string
	Remediation   string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
// Remediation defaults to the guidance registered for the code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:            strings.TrimSpace(op),
		Code:          code,
		HTTP:          0,
		RawCode:       "",
		RawMsg:        "",
		Message:       "",
		Canonical:     CanonicalUnknown,
		VenueMetadata: nil,
		Remediation:   defaultRemediation[code],
		cause:         nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRemediation overrides the remediation guidance.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw venue error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw venue error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithCanonicalCode sets the canonical code describing the failure.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

// WithVenueField appends a single venue metadata key/value pair.
func WithVenueField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.VenueMetadata == nil {
			e.VenueMetadata = make(map[string]string, 1)
		}
		e.VenueMetadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if cc := strings.TrimSpace(string(e.Canonical)); cc != "" && cc != string(CanonicalUnknown) {
		parts = append(parts, "canonical="+cc)
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if len(e.VenueMetadata) > 0 {
		keys := make([]string, 0, len(e.VenueMetadata))
		for k := range e.VenueMetadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.VenueMetadata[k]))
		}
		parts = append(parts, "venue="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}
	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf returns the code of the first envelope in the chain, or the empty code.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// Is reports whether err carries an envelope with the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Remediation returns the remediation text of the first envelope in the chain.
func Remediation(err error) string {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Remediation
	}
	return ""
}
