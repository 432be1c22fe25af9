// Package coalesce deduplicates concurrent identical venue requests.
package coalesce

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/coachpo/folio/errs"
)

const defaultTimeout = 15 * time.Second

// Group shares one in-flight invocation among callers using the same key.
type Group struct {
	flight  singleflight.Group
	timeout time.Duration
	metrics *coalesceMetrics
}

// Option customises a Group.
type Option func(*Group)

// WithTimeout bounds every shared invocation. Non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(g *Group) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// NewGroup constructs a coalescing group.
func NewGroup(opts ...Option) *Group {
	g := &Group{timeout: defaultTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	g.metrics = newCoalesceMetrics()
	return g
}

// Do runs fn once for all concurrent callers with the same key and hands every caller the
// same value or error. The registration is removed as soon as fn settles, so a later call
// starts a fresh invocation.
//
// fn runs on a context detached from the first caller's cancellation and bounded by the group
// timeout. A caller whose ctx ends stops waiting without affecting the other waiters.
func Do[T any](ctx context.Context, g *Group, key string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}
	ch := g.flight.DoChan(key, func() (result any, err error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				err = errs.New("coalesce", errs.CodeExchange,
					errs.WithMessage(fmt.Sprintf("request %s panicked: %v", key, r)))
			}
		}()
		g.metrics.recordExecution(key)
		return fn(callCtx)
	})

	select {
	case <-ctx.Done():
		return zero, errs.FromTransport("coalesce "+key, ctx.Err())
	case res := <-ch:
		if res.Shared {
			g.metrics.recordShared(key)
		}
		if res.Err != nil {
			return zero, res.Err
		}
		value, ok := res.Val.(T)
		if !ok && res.Val != nil {
			return zero, fmt.Errorf("coalesce: key %s produced %T", key, res.Val)
		}
		return value, nil
	}
}

// Key builds the canonical request signature from method, endpoint and parameters.
// Parameters are sorted; signature and timestamp are excluded so two signed requests for the
// same data coalesce.
func Key(method, endpoint string, params url.Values) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(strings.TrimSpace(method)))
	b.WriteByte(' ')
	b.WriteString(strings.TrimSpace(endpoint))
	if len(params) == 0 {
		return b.String()
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "signature" || k == "timestamp" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	sep := byte('?')
	for _, k := range keys {
		values := append([]string(nil), params[k]...)
		sort.Strings(values)
		for _, v := range values {
			b.WriteByte(sep)
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
			sep = '&'
		}
	}
	return b.String()
}
