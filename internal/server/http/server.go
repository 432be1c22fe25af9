// Package httpserver exposes the account session over a small JSON control API.
package httpserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/folio/errs"
	"github.com/coachpo/folio/internal/notify"
	"github.com/coachpo/folio/internal/observability"
	"github.com/coachpo/folio/internal/refresh"
	"github.com/coachpo/folio/internal/schema"
	"github.com/coachpo/folio/internal/session"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	snapshotPath     = "/snapshot"
	refreshPath      = "/refresh"
	forceRefreshPath = "/refresh/force"
	cancelOrderPath  = "/orders/cancel"
	cachePath        = "/cache"
	statusPath       = "/status"
	eventsPath       = "/events"
	healthPath       = "/healthz"
)

// Service is the session surface served over HTTP.
type Service interface {
	Snapshot() *schema.AccountSnapshot
	Refresh(ctx context.Context, mode refresh.Mode) error
	ForceRefresh(ctx context.Context) error
	CancelOrder(ctx context.Context, market schema.Market, symbol, orderID string) error
	ClearCache()
	Status() session.Status
	Subscribe(ctx context.Context) (<-chan notify.Change, error)
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	service Service
	logger  observability.Logger
}

type cancelPayload struct {
	Symbol  string `json:"symbol"`
	OrderID string `json:"orderId"`
	Market  string `json:"market"`
}

// NewHandler creates the HTTP handler for the session control API.
func NewHandler(service Service, logger observability.Logger) http.Handler {
	server := &httpServer{service: service, logger: observability.OrDefault(logger)}
	mux := http.NewServeMux()

	mux.Handle(snapshotPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getSnapshot,
	}))
	mux.Handle(refreshPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.refresh,
	}))
	mux.Handle(forceRefreshPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.forceRefresh,
	}))
	mux.Handle(cancelOrderPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.cancelOrder,
	}))
	mux.Handle(cachePath, server.methodHandlers(map[string]handlerFunc{
		http.MethodDelete: server.clearCache,
	}))
	mux.Handle(statusPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getStatus,
	}))
	mux.Handle(eventsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.streamEvents,
	}))
	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		},
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) getSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Snapshot())
}

func (s *httpServer) refresh(w http.ResponseWriter, r *http.Request) {
	mode, err := refresh.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if err := s.service.Refresh(r.Context(), mode); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "snapshot": s.service.Snapshot()})
}

func (s *httpServer) forceRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.service.ForceRefresh(r.Context()); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "snapshot": s.service.Snapshot()})
}

func (s *httpServer) cancelOrder(w http.ResponseWriter, r *http.Request) {
	payload, err := decodeCancelPayload(w, r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	market, err := parseMarket(payload.Market)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if err := s.service.CancelOrder(r.Context(), market, payload.Symbol, payload.OrderID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "orderId": payload.OrderID})
}

func (s *httpServer) clearCache(w http.ResponseWriter, _ *http.Request) {
	s.service.ClearCache()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *httpServer) getStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Status())
}

// streamEvents writes change notifications as server-sent events until the client leaves.
func (s *httpServer) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	changes, err := s.service.Subscribe(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for change := range changes {
		data, err := encodeJSON(change)
		if err != nil {
			s.logger.Warn("encode change event", observability.Err(err))
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", change.Kind, data); err != nil {
			return
		}
		flusher.Flush()
	}
}

func decodeCancelPayload(w http.ResponseWriter, r *http.Request) (cancelPayload, error) {
	limitRequestBody(w, r)
	defer r.Body.Close()
	var payload cancelPayload
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&payload); err != nil {
		if errors.Is(err, io.EOF) {
			return cancelPayload{}, fmt.Errorf("request body required")
		}
		return cancelPayload{}, fmt.Errorf("invalid JSON: %w", err)
	}
	payload.Symbol = strings.ToUpper(strings.TrimSpace(payload.Symbol))
	payload.OrderID = strings.TrimSpace(payload.OrderID)
	if payload.Symbol == "" || payload.OrderID == "" {
		return cancelPayload{}, fmt.Errorf("symbol and orderId required")
	}
	return payload, nil
}

func parseMarket(raw string) (schema.Market, error) {
	switch schema.Market(strings.ToLower(strings.TrimSpace(raw))) {
	case "", schema.MarketSpot:
		return schema.MarketSpot, nil
	case schema.MarketFutures:
		return schema.MarketFutures, nil
	default:
		return "", errs.New("cancel order", errs.CodeInvalid, errs.WithMessage("market must be spot or futures"))
	}
}

// statusFor maps an error code to the HTTP status returned to API clients.
func statusFor(code errs.Code) int {
	switch code {
	case errs.CodeInvalid:
		return http.StatusBadRequest
	case errs.CodeAuth:
		return http.StatusUnauthorized
	case errs.CodeForbidden:
		return http.StatusForbidden
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeRateLimited, errs.CodeCooldown:
		return http.StatusTooManyRequests
	case errs.CodeTimeout:
		return http.StatusGatewayTimeout
	case errs.CodeNetwork, errs.CodeUnavailable, errs.CodePartial:
		return http.StatusServiceUnavailable
	case errs.CodeExchange:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	code := errs.CodeOf(err)
	body := map[string]string{"status": "error", "error": err.Error()}
	if code != "" {
		body["code"] = string(code)
	}
	if remediation := errs.Remediation(err); remediation != "" {
		body["remediation"] = remediation
	}
	writeJSON(w, statusFor(code), body)
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func encodeJSON(v any) ([]byte, error) {
	buf := &bytes.Buffer{}
	encoder := json.NewEncoder(buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(v); err != nil {
		return nil, fmt.Errorf("json encode: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, err := encodeJSON(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
