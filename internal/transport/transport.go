// Package transport sends signed and unsigned REST calls across ordered candidate endpoints.
package transport

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/coachpo/folio/errs"
	"github.com/coachpo/folio/internal/observability"
	"github.com/coachpo/folio/internal/telemetry"
)

// Category groups endpoints that share a candidate list.
type Category string

const (
	// CategoryPublic covers unauthenticated market data.
	CategoryPublic Category = "public"
	// CategoryAccount covers authenticated spot account calls.
	CategoryAccount Category = "account"
	// CategoryDerivatives covers authenticated futures calls.
	CategoryDerivatives Category = "derivatives"
)

const (
	defaultRecvWindow = 5 * time.Second
	defaultTimeout    = 15 * time.Second
	defaultTimePath   = "/api/v3/time"
	maxResponseBytes  = 8 << 20
)

// The venue grants 6000 request weight per minute. The burst covers the critical phase of a
// full refresh without waiting.
const (
	DefaultWeightPerSecond = 100
	DefaultWeightBurst     = 300
)

// Request describes one logical venue call.
type Request struct {
	Method   string
	Path     string
	Params   url.Values
	Signed   bool
	Category Category
	Weight   int
}

func (r Request) op() string {
	return strings.TrimSpace(string(r.Category) + " " + r.Path)
}

// Options configures a Transport.
type Options struct {
	Endpoints         map[Category][]string
	APIKey            string
	APISecret         string
	RecvWindow        time.Duration
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	TimePath          string
	HTTPClient        *http.Client
	Clock             func() time.Time
	Logger            observability.Logger
}

func (o Options) withDefaults() Options {
	if o.RecvWindow <= 0 {
		o.RecvWindow = defaultRecvWindow
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.RequestsPerSecond <= 0 {
		o.RequestsPerSecond = DefaultWeightPerSecond
	}
	if o.Burst <= 0 {
		o.Burst = DefaultWeightBurst
	}
	if strings.TrimSpace(o.TimePath) == "" {
		o.TimePath = defaultTimePath
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{
			Transport:     nil,
			CheckRedirect: nil,
			Jar:           nil,
			Timeout:       0,
		}
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	o.Logger = observability.OrDefault(o.Logger)
	return o
}

// Transport performs venue calls with clock correction, signing and endpoint affinity.
type Transport struct {
	opts      Options
	endpoints map[Category][]string
	limiter   *rate.Limiter

	mu        sync.Mutex
	preferred map[Category]string

	offsetMillis atomic.Int64
	syncOnce     sync.Once

	metrics *transportMetrics
}

// New constructs a Transport.
func New(opts Options) *Transport {
	opts = opts.withDefaults()
	endpoints := make(map[Category][]string, len(opts.Endpoints))
	for category, list := range opts.Endpoints {
		cleaned := make([]string, 0, len(list))
		for _, base := range list {
			base = strings.TrimRight(strings.TrimSpace(base), "/")
			if base != "" {
				cleaned = append(cleaned, base)
			}
		}
		endpoints[category] = cleaned
	}
	return &Transport{
		opts:      opts,
		endpoints: endpoints,
		limiter:   rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		preferred: make(map[Category]string),
		metrics:   newTransportMetrics(),
	}
}

// HasCredentials reports whether signed calls can be made.
func (t *Transport) HasCredentials() bool {
	return strings.TrimSpace(t.opts.APIKey) != "" && strings.TrimSpace(t.opts.APISecret) != ""
}

// Do performs one logical call. Candidates are tried in order until one succeeds; only
// failures tied to the endpoint itself advance to the next candidate. The winner becomes the
// preferred candidate for the category. A signed call rejected for clock skew resynchronises
// the clock and is retried once.
func (t *Transport) Do(ctx context.Context, req Request) ([]byte, error) {
	ctx = telemetry.EnsureContext(ctx)
	if req.Signed {
		if !t.HasCredentials() {
			return nil, errs.New(req.op(), errs.CodeAuth, errs.WithMessage("api credentials not configured"))
		}
		t.ensureClockSync(ctx)
	}
	body, err := t.do(ctx, req)
	if err == nil || !req.Signed || !isClockSkew(err) {
		return body, err
	}
	t.opts.Logger.Warn("request rejected for clock skew, resynchronising", observability.F("path", req.Path))
	if syncErr := t.SyncClock(ctx); syncErr != nil {
		t.opts.Logger.Warn("clock resync failed", observability.Err(syncErr))
		return nil, err
	}
	return t.do(ctx, req)
}

func isClockSkew(err error) bool {
	var e *errs.E
	return errors.As(err, &e) && e.Canonical == errs.CanonicalClockSkew
}

func (t *Transport) do(ctx context.Context, req Request) ([]byte, error) {
	op := req.op()
	candidates := t.Candidates(req.Category)
	if len(candidates) == 0 {
		return nil, errs.New(op, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("no endpoints configured for category %q", req.Category)))
	}

	var lastErr error
	for i, base := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, errs.FromTransport(op, err)
		}
		body, err := t.attempt(ctx, base, req)
		if err == nil {
			t.remember(req.Category, base)
			if i > 0 {
				t.metrics.recordFallback(req.Category, base)
			}
			return body, nil
		}
		lastErr = err
		if !errs.AdvancesEndpoint(err) || ctx.Err() != nil {
			return nil, err
		}
		if i < len(candidates)-1 {
			t.opts.Logger.Warn("endpoint unreachable, trying next candidate",
				observability.F("category", string(req.Category)),
				observability.F("endpoint", base),
				observability.Err(err))
		}
	}
	return nil, lastErr
}

// Candidates returns the ordered base addresses for a category, preferred one first.
func (t *Transport) Candidates(category Category) []string {
	defaults := t.endpoints[category]
	t.mu.Lock()
	preferred := t.preferred[category]
	t.mu.Unlock()
	if preferred == "" {
		return append([]string(nil), defaults...)
	}
	out := make([]string, 0, len(defaults)+1)
	out = append(out, preferred)
	for _, base := range defaults {
		if base != preferred {
			out = append(out, base)
		}
	}
	return out
}

// Preferred returns the last successful base address for a category.
func (t *Transport) Preferred(category Category) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.preferred[category]
}

func (t *Transport) remember(category Category, base string) {
	t.mu.Lock()
	t.preferred[category] = base
	t.mu.Unlock()
}

func (t *Transport) attempt(ctx context.Context, base string, req Request) ([]byte, error) {
	op := req.op()
	weight := req.Weight
	if weight <= 0 {
		weight = 1
	}
	if weight > t.opts.Burst {
		weight = t.opts.Burst
	}
	if err := t.waitBudget(ctx, weight); err != nil {
		return nil, errs.New(op, errs.CodeRateLimited,
			errs.WithMessage("local request budget exhausted"), errs.WithCause(err))
	}

	reqCtx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
	defer cancel()

	httpReq, err := t.buildRequest(reqCtx, base, req)
	if err != nil {
		return nil, errs.New(op, errs.CodeInvalid, errs.WithMessage("build request"), errs.WithCause(err))
	}

	start := time.Now()
	body, err := t.send(httpReq, op)
	t.metrics.recordRequest(req.Category, base, time.Since(start), errs.CodeOf(err))
	return body, err
}

// waitBudget takes weight from the local budget. Unlike rate.Limiter.WaitN it does not
// give up early when the wait would outlast the ctx deadline; only ctx ending stops it.
func (t *Transport) waitBudget(ctx context.Context, weight int) error {
	reservation := t.limiter.ReserveN(time.Now(), weight)
	if !reservation.OK() {
		return fmt.Errorf("weight %d exceeds burst %d", weight, t.opts.Burst)
	}
	delay := reservation.Delay()
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		reservation.Cancel()
		return ctx.Err()
	}
}

func (t *Transport) send(httpReq *http.Request, op string) ([]byte, error) {
	resp, err := t.opts.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, errs.FromTransport(op, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errs.FromTransport(op, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, errs.FromResponse(op, resp.StatusCode, body)
	}
	return body, nil
}

func (t *Transport) buildRequest(ctx context.Context, base string, req Request) (*http.Request, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	params := url.Values{}
	for key, values := range req.Params {
		params[key] = append([]string(nil), values...)
	}
	encoded := params.Encode()
	if req.Signed {
		encoded = t.sign(params)
	}

	endpoint := base + req.Path
	var body io.Reader
	switch method {
	case http.MethodPost, http.MethodPut:
		body = strings.NewReader(encoded)
	default:
		if encoded != "" {
			endpoint += "?" + encoded
		}
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if req.Signed || strings.TrimSpace(t.opts.APIKey) != "" {
		httpReq.Header.Set("X-MBX-APIKEY", t.opts.APIKey)
	}
	return httpReq, nil
}

// sign adds recvWindow and the corrected timestamp, then appends the hex HMAC-SHA256
// signature of the canonical encoding.
func (t *Transport) sign(params url.Values) string {
	params.Set("recvWindow", strconv.FormatInt(t.opts.RecvWindow.Milliseconds(), 10))
	params.Set("timestamp", strconv.FormatInt(t.Timestamp(), 10))
	payload := params.Encode()
	return payload + "&signature=" + signPayload(payload, t.opts.APISecret)
}

func signPayload(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Timestamp returns the venue-corrected time in milliseconds.
func (t *Transport) Timestamp() int64 {
	return t.opts.Clock().UnixMilli() + t.offsetMillis.Load()
}

// ClockOffset returns the last measured server minus local clock difference.
func (t *Transport) ClockOffset() time.Duration {
	return time.Duration(t.offsetMillis.Load()) * time.Millisecond
}

type serverTimeResponse struct {
	ServerTime int64 `json:"serverTime"`
}

// SyncClock measures the offset between the venue clock and the local clock.
func (t *Transport) SyncClock(ctx context.Context) error {
	body, err := t.Do(ctx, Request{
		Method:   http.MethodGet,
		Path:     t.opts.TimePath,
		Params:   nil,
		Signed:   false,
		Category: CategoryPublic,
		Weight:   1,
	})
	if err != nil {
		return err
	}
	var payload serverTimeResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return errs.New("sync clock", errs.CodeExchange, errs.WithMessage("decode server time"), errs.WithCause(err))
	}
	if payload.ServerTime <= 0 {
		return errs.New("sync clock", errs.CodeExchange, errs.WithMessage("server time missing"))
	}
	offset := payload.ServerTime - t.opts.Clock().UnixMilli()
	t.offsetMillis.Store(offset)
	t.metrics.recordOffset(offset)
	t.opts.Logger.Debug("clock synchronised", observability.F("offset_ms", offset))
	return nil
}

func (t *Transport) ensureClockSync(ctx context.Context) {
	t.syncOnce.Do(func() {
		if err := t.SyncClock(ctx); err != nil {
			t.offsetMillis.Store(0)
			t.opts.Logger.Warn("clock sync failed, using local time", observability.Err(err))
		}
	})
}
