// Package dispatcher is the edge of the router: it terminates the provider's
// webhook, authenticates and rate-limits it, picks a destination service, and
// forwards the payload with circuit breaking, retries, and dead-lettering
// wrapped around the hop.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"wa-router/internal/circuitbreaker"
	"wa-router/internal/common/errors"
	"wa-router/internal/common/logging"
	"wa-router/internal/config"
	"wa-router/internal/dlq"
	"wa-router/internal/forwarder"
	"wa-router/internal/ratelimit"
	"wa-router/internal/routing"
	"wa-router/internal/signature"
	"wa-router/internal/telemetry"
)

const version = "2.0.0"

// maxBodyBytes caps inbound webhook bodies at 1 MB
const maxBodyBytes = 1 << 20

// ChatStateHeader carries the sender's conversation state on internal
// forwards, so mid-flow messages stay routed to their owning service.
const ChatStateHeader = "X-Chat-State"

// Dispatcher wires the routing engine and resilience components behind the
// webhook endpoints.
type Dispatcher struct {
	cfg       *config.Config
	engine    *routing.Engine
	circuits  *circuitbreaker.Registry
	limiter   *ratelimit.Limiter
	forwarder *forwarder.Client
	tracker   *telemetry.LatencyTracker
	verifier  *signature.Verifier
	dlqStore  dlq.Store
	logger    logging.Logger

	startMarker  time.Time
	requestCount atomic.Int64
}

// Options collects the dispatcher's collaborators
type Options struct {
	Config    *config.Config
	Engine    *routing.Engine
	Circuits  *circuitbreaker.Registry
	Limiter   *ratelimit.Limiter
	Forwarder *forwarder.Client
	Tracker   *telemetry.LatencyTracker
	Verifier  *signature.Verifier
	DLQStore  dlq.Store
	Logger    logging.Logger
}

// New creates a dispatcher. StartMarker defaults to now; main passes its
// process start time so cold-start telemetry covers initialization.
func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Dispatcher{
		cfg:         opts.Config,
		engine:      opts.Engine,
		circuits:    opts.Circuits,
		limiter:     opts.Limiter,
		forwarder:   opts.Forwarder,
		tracker:     opts.Tracker,
		verifier:    opts.Verifier,
		dlqStore:    opts.DLQStore,
		logger:      logger,
		startMarker: time.Now(),
	}
}

// SetStartMarker overrides the cold-start reference point
func (d *Dispatcher) SetStartMarker(t time.Time) {
	d.startMarker = t
}

// RegisterRoutes attaches the webhook endpoints to the router
func (d *Dispatcher) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/", d.HandleVerification).Methods(http.MethodGet)
	r.HandleFunc("/", d.HandleWebhook).Methods(http.MethodPost)
	r.HandleFunc("/health", d.HandleHealth).Methods(http.MethodGet)
}

// HandleVerification answers the provider's subscription handshake: echo
// hub.challenge when the verify token matches, 403 otherwise.
func (d *Dispatcher) HandleVerification(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	mode := query.Get("hub.mode")
	token := query.Get("hub.verify_token")
	challenge := query.Get("hub.challenge")

	if mode == "subscribe" && token != "" && token == d.cfg.VerifyToken {
		d.logger.Info("WEBHOOK_VERIFIED")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(challenge))
		return
	}

	d.logger.Warn("WEBHOOK_VERIFICATION_REJECTED",
		logging.String("mode", mode),
	)
	w.WriteHeader(http.StatusForbidden)
}

type healthResponse struct {
	Status        string                             `json:"status"`
	Service       string                             `json:"service"`
	Timestamp     string                             `json:"timestamp"`
	Checks        map[string]string                  `json:"checks"`
	Microservices map[string]bool                    `json:"microservices"`
	Circuits      map[string]circuitbreaker.Snapshot `json:"circuits"`
	Latency       telemetry.Snapshot                 `json:"latency"`
	Version       string                             `json:"version"`
}

// HandleHealth reports dispatcher health plus a parallel probe of every
// routed microservice, each bounded by the router timeout.
func (d *Dispatcher) HandleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}

	if d.dlqStore != nil {
		ctx, cancel := context.WithTimeout(r.Context(), d.cfg.RouterTimeout)
		if err := d.dlqStore.Health(ctx); err != nil {
			checks["dlq"] = "disconnected"
		} else {
			checks["dlq"] = "connected"
		}
		cancel()
	}

	microservices := d.probeServices(r.Context())

	healthy := checks["dlq"] != "disconnected"
	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(healthResponse{
		Status:        status,
		Service:       d.cfg.ServiceName,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Checks:        checks,
		Microservices: microservices,
		Circuits:      d.circuits.AllStates(),
		Latency:       d.tracker.Snapshot(),
		Version:       version,
	})
}

func (d *Dispatcher) probeServices(ctx context.Context) map[string]bool {
	services := routing.RoutedServices()
	results := make(map[string]bool, len(services))

	var mu sync.Mutex
	var wg sync.WaitGroup
	client := &http.Client{Timeout: d.cfg.RouterTimeout}

	for _, service := range services {
		if service == d.cfg.ServiceName {
			continue
		}
		wg.Add(1)
		go func(service string) {
			defer wg.Done()
			ok := d.probeService(ctx, client, service)
			mu.Lock()
			results[service] = ok
			mu.Unlock()
		}(service)
	}
	wg.Wait()

	return results
}

func (d *Dispatcher) probeService(ctx context.Context, client *http.Client, service string) bool {
	url := fmt.Sprintf("%s/%s/health", d.cfg.BaseURL, service)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return body.Status == "healthy"
}

// HandleWebhook runs the full inbound pipeline for one provider callback
func (d *Dispatcher) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	correlationID := r.Header.Get("X-Correlation-ID")
	if correlationID == "" {
		correlationID = requestID
	}

	d.tracker.RecordColdStart(d.startMarker, start, correlationID)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		d.writeError(w, requestID, correlationID, http.StatusBadRequest, "read_failed")
		return
	}
	if len(body) > maxBodyBytes {
		d.logger.Warn("PAYLOAD_TOO_LARGE",
			logging.Int("limit_bytes", maxBodyBytes),
			logging.String("correlation_id", correlationID),
		)
		d.writeError(w, requestID, correlationID, http.StatusRequestEntityTooLarge, "payload_too_large")
		return
	}

	if err := d.verifier.Verify(r, body); err != nil {
		d.logger.Warn("SIGNATURE_REJECTED",
			logging.String("correlation_id", correlationID),
			logging.Err(err),
		)
		d.writeError(w, requestID, correlationID, http.StatusUnauthorized, "invalid_signature")
		return
	}

	payload, err := parsePayload(body)
	if err != nil {
		d.writeError(w, requestID, correlationID, http.StatusBadRequest, "invalid_json")
		return
	}

	if payload.isStatusOnly() {
		d.finalize(w, start, requestID, correlationID, d.cfg.ServiceName)
		d.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "statuses": true})
		return
	}

	phone := payload.senderPhone()
	if phone != "" {
		result := d.limiter.Check(phone)
		if !result.Allowed {
			retryAfter := int(time.Until(result.ResetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			d.writeError(w, requestID, correlationID, http.StatusTooManyRequests, "rate_limited")
			return
		}
	}

	if count := d.requestCount.Add(1); count%int64(d.cfg.SweepInterval) == 0 {
		removed := d.limiter.Sweep()
		d.logger.Debug("RATE_LIMIT_SWEEP",
			logging.Int("removed", removed),
			logging.Int("tracked", d.limiter.Size()),
		)
	}

	msg := payload.firstMessage()
	text := routingText(msg)
	chatState := r.Header.Get(ChatStateHeader)

	decision := d.engine.Decide(text, chatState)
	service := d.engine.ResolveService(decision.Service, d.cfg.UnifiedRouting)

	d.logger.Info("ROUTING_DECISION",
		logging.String("service", service),
		logging.String("reason", string(decision.Reason)),
		logging.String("text", truncate(text, 50)),
		logging.String("phone", ratelimit.MaskPhone(phone)),
		logging.String("correlation_id", correlationID),
	)

	// Core handles its own traffic; acknowledge without a network hop
	if service == d.cfg.ServiceName {
		d.finalize(w, start, requestID, correlationID, service)
		d.writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"service": service,
		})
		return
	}

	if d.circuits.IsOpen(service) {
		d.logger.Warn("CIRCUIT_REJECTED_REQUEST",
			logging.String("service", service),
			logging.String("correlation_id", correlationID),
		)
		d.finalize(w, start, requestID, correlationID, service)
		d.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"success": false,
			"service": service,
			"error":   "circuit_open",
		})
		return
	}

	resp, err := d.forward(r.Context(), service, body, requestID, correlationID, chatState)
	if err != nil {
		// No response was ever obtained; degrade to a 503 acknowledgment
		d.circuits.RecordFailure(service, "network_error", correlationID)
		d.deadLetter(r.Context(), phone, service, correlationID, requestID, body, err, 0)

		d.finalize(w, start, requestID, correlationID, service)
		d.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"success": false,
			"service": service,
			"error":   "Service temporarily unavailable",
		})
		return
	}

	if resp.StatusCode >= 500 {
		// Retries exhausted on a failing upstream; its response passes
		// through unchanged so the provider sees the real status
		d.circuits.RecordFailure(service, resp.StatusCode, correlationID)
		d.deadLetter(r.Context(), phone, service, correlationID, requestID, body, nil, resp.StatusCode)
	} else {
		d.circuits.RecordSuccess(service)
	}

	d.finalize(w, start, requestID, correlationID, service)
	if ct := resp.Headers.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

func (d *Dispatcher) forward(ctx context.Context, service string, body []byte, requestID, correlationID, chatState string) (*forwarder.Response, error) {
	headers := map[string]string{
		"Content-Type":     "application/json",
		"X-Routed-From":    d.cfg.ServiceName,
		"X-Routed-Service": service,
		"X-Request-ID":     requestID,
		"X-Correlation-ID": correlationID,
	}
	if d.cfg.ServiceRoleKey != "" {
		headers["Authorization"] = "Bearer " + d.cfg.ServiceRoleKey
	}
	if d.cfg.InternalJWTSecret != "" {
		if token, err := signature.NewInternalToken(d.cfg.InternalJWTSecret, 2*time.Minute); err == nil {
			headers[signature.InternalTokenHeader] = token
		}
	}
	if chatState != "" {
		headers[ChatStateHeader] = chatState
	}

	resp, err := d.forwarder.Do(ctx, forwarder.Request{
		Method:  http.MethodPost,
		URL:     fmt.Sprintf("%s/%s", d.cfg.BaseURL, service),
		Headers: headers,
		Body:    body,
	}, correlationID)
	if err != nil {
		d.logger.Error("FORWARD_FAILED", err,
			logging.String("service", service),
			logging.String("correlation_id", correlationID),
		)
		return nil, err
	}

	d.logger.Info("WA_CORE_ROUTED",
		logging.String("service", service),
		logging.Int("status", resp.StatusCode),
		logging.String("correlation_id", correlationID),
	)
	return resp, nil
}

// deadLetter persists a failed delivery. A DLQ write failure is logged, never
// surfaced; the caller still answers the provider.
func (d *Dispatcher) deadLetter(ctx context.Context, phone, service, correlationID, requestID string, payload []byte, cause error, statusCode int) {
	if d.dlqStore == nil {
		return
	}

	errorMessage := fmt.Sprintf("upstream returned %d", statusCode)
	errorType := string(errors.ErrTypeUpstream)
	if cause != nil {
		errorMessage = cause.Error()
		errorType = string(errors.GetType(cause))
	}

	entry := &dlq.Entry{
		PhoneNumber:   phone,
		Service:       service,
		CorrelationID: correlationID,
		RequestID:     requestID,
		Payload:       payload,
		ErrorMessage:  errorMessage,
		ErrorType:     errorType,
		StatusCode:    statusCode,
		RetryCount:    d.cfg.RetryMaxAttempts,
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.dlqStore.Save(saveCtx, entry); err != nil {
		d.logger.Error("DLQ_WRITE_FAILED", err,
			logging.String("service", service),
			logging.String("correlation_id", correlationID),
		)
		return
	}

	d.logger.Info("DLQ_ENTRY_SAVED",
		logging.String("service", service),
		logging.String("correlation_id", correlationID),
		logging.Int64("entry_id", entry.ID),
	)
}

// finalize stamps the tracing headers and records the request latency. It
// must run before the status code is written.
func (d *Dispatcher) finalize(w http.ResponseWriter, start time.Time, requestID, correlationID, service string) {
	latencyMs := float64(time.Since(start)) / float64(time.Millisecond)
	d.tracker.RecordLatency(latencyMs, correlationID)

	w.Header().Set("X-Request-ID", requestID)
	w.Header().Set("X-Correlation-ID", correlationID)
	w.Header().Set("X-Routed-Service", service)
	w.Header().Set("X-WA-Core-Latency", strconv.FormatFloat(latencyMs, 'f', 1, 64))
}

func (d *Dispatcher) writeError(w http.ResponseWriter, requestID, correlationID string, code int, errorCode string) {
	w.Header().Set("X-Request-ID", requestID)
	w.Header().Set("X-Correlation-ID", correlationID)
	d.writeJSON(w, code, map[string]interface{}{
		"success": false,
		"error":   errorCode,
	})
}

func (d *Dispatcher) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
