package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wa-router/internal/circuitbreaker"
	"wa-router/internal/common/logging"
	"wa-router/internal/config"
	"wa-router/internal/dlq"
	"wa-router/internal/forwarder"
	"wa-router/internal/ratelimit"
	"wa-router/internal/routing"
	"wa-router/internal/signature"
	"wa-router/internal/telemetry"
)

type fixture struct {
	dispatcher *Dispatcher
	router     *mux.Router
	store      dlq.Store
	upstream   *upstreamRecorder
}

type upstreamRecorder struct {
	server   *httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
	status   int
}

type recordedRequest struct {
	Path    string
	Headers http.Header
	Body    []byte
}

func newUpstream(status int) *upstreamRecorder {
	rec := &upstreamRecorder{status: status}
	rec.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.requests = append(rec.requests, recordedRequest{
			Path:    r.URL.Path,
			Headers: r.Header.Clone(),
			Body:    body,
		})
		status := rec.status
		rec.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, `{"success":true}`)
	}))
	return rec
}

func (u *upstreamRecorder) recorded() []recordedRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]recordedRequest, len(u.requests))
	copy(out, u.requests)
	return out
}

func (u *upstreamRecorder) setStatus(status int) {
	u.mu.Lock()
	u.status = status
	u.mu.Unlock()
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()

	upstream := newUpstream(http.StatusOK)
	t.Cleanup(upstream.server.Close)

	cfg := &config.Config{
		Port:                 "8080",
		ServiceName:          "wa-webhook-core",
		BaseURL:              upstream.server.URL,
		ServiceRoleKey:       "role-key",
		RouterTimeout:        2 * time.Second,
		VerifyToken:          "verify-me",
		AllowUnsigned:        true,
		CircuitThreshold:     2,
		CircuitOpenTimeout:   5 * time.Second,
		RateLimitWindow:      time.Minute,
		RateLimitMax:         30,
		SweepInterval:        100,
		RetryMaxAttempts:     0,
		RetryBaseDelay:       50 * time.Millisecond,
		RetriableStatusCodes: []int{503},
		LatencyWindowSize:    10,
		ColdStartSLO:         1750 * time.Millisecond,
		P95SLO:               1200 * time.Millisecond,
		DLQBackend:           "sqlite",
		DLQSQLitePath:        filepath.Join(t.TempDir(), "dlq.db"),
	}
	if mutate != nil {
		mutate(cfg)
	}

	logger, err := logging.NewZapLogger(logging.LogConfig{Level: logging.ErrorLevel})
	require.NoError(t, err)

	store, err := dlq.NewStore(dlq.Config{Backend: cfg.DLQBackend, SQLitePath: cfg.DLQSQLitePath})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	d := New(Options{
		Config: cfg,
		Engine: routing.NewEngine(routing.Options{
			Unified: cfg.UnifiedRouting,
			Logger:  logger,
		}),
		Circuits: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold:   cfg.CircuitThreshold,
			OpenTimeout: cfg.CircuitOpenTimeout,
		}, logger),
		Limiter: ratelimit.NewLimiter(ratelimit.Config{
			Window:      cfg.RateLimitWindow,
			MaxRequests: cfg.RateLimitMax,
		}, logger),
		Forwarder: forwarder.NewClient(forwarder.Config{
			MaxAttempts:          cfg.RetryMaxAttempts,
			BaseDelay:            cfg.RetryBaseDelay,
			AttemptTimeout:       cfg.RouterTimeout,
			RetriableStatusCodes: cfg.RetriableStatusCodes,
		}, logger),
		Tracker: telemetry.NewLatencyTracker(telemetry.Config{
			WindowSize:   cfg.LatencyWindowSize,
			ColdStartSLO: cfg.ColdStartSLO,
			P95SLO:       cfg.P95SLO,
		}, logger),
		Verifier: signature.NewVerifier(signature.Config{
			AppSecret:         cfg.AppSecret,
			InternalJWTSecret: cfg.InternalJWTSecret,
			AllowUnsigned:     cfg.AllowUnsigned,
		}, logger),
		DLQStore: store,
		Logger:   logger,
	})

	router := mux.NewRouter()
	d.RegisterRoutes(router)

	return &fixture{dispatcher: d, router: router, store: store, upstream: upstream}
}

func textPayload(phone, text string) string {
	return fmt.Sprintf(`{
		"object": "whatsapp_business_account",
		"entry": [{
			"id": "entry-1",
			"changes": [{
				"field": "messages",
				"value": {
					"messaging_product": "whatsapp",
					"contacts": [{"wa_id": %q}],
					"messages": [{
						"from": %q,
						"id": "wamid.1",
						"type": "text",
						"text": {"body": %q}
					}]
				}
			}]
		}]
	}`, phone, phone, text)
}

func postWebhook(f *fixture, body string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if mutate != nil {
		mutate(req)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestVerificationHandshake(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=challenge-42", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "challenge-42", w.Body.String())
}

func TestVerificationRejectsBadToken(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=x", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestKeywordMessageForwardedToJobs(t *testing.T) {
	f := newFixture(t, nil)

	w := postWebhook(f, textPayload("250788000001", "I need a job"), nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "wa-webhook-jobs", w.Header().Get("X-Routed-Service"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.NotEmpty(t, w.Header().Get("X-Correlation-ID"))
	assert.NotEmpty(t, w.Header().Get("X-WA-Core-Latency"))

	require.Len(t, f.upstream.recorded(), 1)
	forwarded := f.upstream.recorded()[0]
	assert.Equal(t, "/wa-webhook-jobs", forwarded.Path)
	assert.Equal(t, "wa-webhook-core", forwarded.Headers.Get("X-Routed-From"))
	assert.Equal(t, "wa-webhook-jobs", forwarded.Headers.Get("X-Routed-Service"))
	assert.Equal(t, "Bearer role-key", forwarded.Headers.Get("Authorization"))
	assert.Contains(t, string(forwarded.Body), "I need a job")
}

func TestChatStatePreemptsKeywords(t *testing.T) {
	f := newFixture(t, nil)

	w := postWebhook(f, textPayload("250788000001", "Hello"), func(r *http.Request) {
		r.Header.Set(ChatStateHeader, "wallet_active")
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "wa-webhook-profile", w.Header().Get("X-Routed-Service"))
	require.Len(t, f.upstream.recorded(), 1)
	assert.Equal(t, "/wa-webhook-profile", f.upstream.recorded()[0].Path)
	assert.Equal(t, "wallet_active", f.upstream.recorded()[0].Headers.Get(ChatStateHeader))
}

func TestUnmatchedMessageAcknowledgedInline(t *testing.T) {
	f := newFixture(t, nil)

	w := postWebhook(f, textPayload("250788000001", "zzz nothing matches zzz"), nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "wa-webhook-core", w.Header().Get("X-Routed-Service"))
	assert.Empty(t, f.upstream.recorded())
}

func TestCorrelationIDPropagated(t *testing.T) {
	f := newFixture(t, nil)

	w := postWebhook(f, textPayload("250788000001", "I need a job"), func(r *http.Request) {
		r.Header.Set("X-Correlation-ID", "corr-abc")
		r.Header.Set("X-Request-ID", "req-abc")
	})

	assert.Equal(t, "corr-abc", w.Header().Get("X-Correlation-ID"))
	assert.Equal(t, "req-abc", w.Header().Get("X-Request-ID"))
	require.Len(t, f.upstream.recorded(), 1)
	assert.Equal(t, "corr-abc", f.upstream.recorded()[0].Headers.Get("X-Correlation-ID"))
}

func TestInvalidSignatureRejected(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.AllowUnsigned = false
		cfg.AppSecret = "topsecret"
	})

	w := postWebhook(f, textPayload("250788000001", "hi"), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, f.upstream.recorded())
}

func TestValidSignatureAccepted(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.AllowUnsigned = false
		cfg.AppSecret = "topsecret"
	})

	body := textPayload("250788000001", "I need a job")
	w := postWebhook(f, body, func(r *http.Request) {
		r.Header.Set(signature.SignatureHeader, "sha256="+signature.ComputeSignature("topsecret", []byte(body)))
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, f.upstream.recorded(), 1)
}

func TestInvalidJSONRejected(t *testing.T) {
	f := newFixture(t, nil)

	w := postWebhook(f, `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "invalid_json", body["error"])
}

func TestOversizedBodyRejected(t *testing.T) {
	f := newFixture(t, nil)

	padding := strings.Repeat("x", maxBodyBytes)
	w := postWebhook(f, `{"filler":"`+padding+`"}`, nil)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Empty(t, f.upstream.recorded())

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "payload_too_large", body["error"])
}

func TestStatusOnlyPayloadAcknowledged(t *testing.T) {
	f := newFixture(t, nil)

	payload := `{
		"entry": [{
			"changes": [{
				"value": {
					"statuses": [{"id": "wamid.1", "recipient_id": "250788000001", "status": "delivered"}]
				}
			}]
		}]
	}`
	w := postWebhook(f, payload, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, f.upstream.recorded())
}

func TestRateLimitExhaustion(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.RateLimitMax = 3
	})

	for i := 0; i < 3; i++ {
		w := postWebhook(f, textPayload("250788000002", "I need a job"), nil)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := postWebhook(f, textPayload("250788000002", "I need a job"), nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Len(t, f.upstream.recorded(), 3)
}

func TestRateLimitBucketsByNormalizedPhone(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.RateLimitMax = 1
	})

	w := postWebhook(f, textPayload("+250-788-000-003", "I need a job"), nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = postWebhook(f, textPayload("250788000003", "I need a job"), nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestUpstreamFailureDeadLettersAndOpensCircuit(t *testing.T) {
	f := newFixture(t, nil)
	f.upstream.setStatus(http.StatusServiceUnavailable)

	// The upstream's own failure status and body pass through unchanged
	for i := 0; i < 2; i++ {
		w := postWebhook(f, textPayload("250788000004", "I need a job"), nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.JSONEq(t, `{"success":true}`, w.Body.String())
	}

	// Threshold 2 reached; next request is rejected without touching upstream
	upstreamCalls := len(f.upstream.recorded())
	w := postWebhook(f, textPayload("250788000004", "I need a job"), nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "circuit_open", body["error"])
	assert.Len(t, f.upstream.recorded(), upstreamCalls)

	entries, err := f.store.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "wa-webhook-jobs", entries[0].Service)
	assert.Equal(t, "250788000004", entries[0].PhoneNumber)
	assert.Equal(t, 503, entries[0].StatusCode)
}

func TestUnreachableUpstreamDegradesTo503(t *testing.T) {
	f := newFixture(t, nil)
	f.upstream.server.Close()

	w := postWebhook(f, textPayload("250788000008", "I need a job"), nil)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Service temporarily unavailable", body["error"])

	entries, err := f.store.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 0, entries[0].StatusCode)
}

func TestUnifiedRoutingBypassesTables(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.UnifiedRouting = true
	})

	w := postWebhook(f, textPayload("250788000005", "I need a job"), nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, routing.ServiceUnified, w.Header().Get("X-Routed-Service"))
	require.Len(t, f.upstream.recorded(), 1)
	assert.Equal(t, "/"+routing.ServiceUnified, f.upstream.recorded()[0].Path)
}

func TestMenuKeySelectionRoutes(t *testing.T) {
	f := newFixture(t, nil)

	payload := `{
		"entry": [{
			"changes": [{
				"value": {
					"messages": [{
						"from": "250788000006",
						"type": "interactive",
						"interactive": {
							"type": "list_reply",
							"list_reply": {"id": "rides", "title": "Rides & Transport"}
						}
					}]
				}
			}]
		}]
	}`
	w := postWebhook(f, payload, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "wa-webhook-mobility", w.Header().Get("X-Routed-Service"))
}

func TestHealthReportsCircuitsAndLatency(t *testing.T) {
	f := newFixture(t, nil)

	// Drive one failure so a circuit exists in the report
	f.upstream.setStatus(http.StatusServiceUnavailable)
	postWebhook(f, textPayload("250788000007", "I need a job"), nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var body healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "wa-webhook-core", body.Service)
	assert.Equal(t, "connected", body.Checks["dlq"])
	assert.Contains(t, body.Circuits, "wa-webhook-jobs")
	assert.Equal(t, 1, body.Latency.Samples)
}
