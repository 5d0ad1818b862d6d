// Package webhook implements the WhatsApp webhook HTTP surface: the GET
// verification handshake and the signed POST ingestion endpoint.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/glimte/wa-relay/contracts"
	"github.com/glimte/wa-relay/delivery"
	"github.com/glimte/wa-relay/internal/metrics"
	"github.com/glimte/wa-relay/internal/middleware"
)

// Response bodies for POST /webhook
const (
	msgInvalid     = "invalid message"
	msgIgnored     = "event ignored"
	msgUnavailable = "service temporarily unavailable"
	msgQueued      = "received and queued"
	msgDeadLetter  = "received but failed to enqueue"
	msgInternal    = "internal error"
	msgRateLimited = "too many requests"
)

// Outcome labels for the webhooks_received metric
const (
	outcomeRejected    = "rejected"
	outcomeRateLimited = "rate_limited"
	outcomeInvalid     = "invalid"
	outcomeIgnored     = "ignored"
	outcomeUnavailable = "unavailable"
	outcomeQueued      = "queued"
	outcomeDeadLetter  = "error_queue"
	outcomeFailed      = "failed"
)

// Deliverer hands a parsed message to the broker
type Deliverer interface {
	Deliver(ctx context.Context, msg contracts.NormalizedMessage) (bool, error)
}

// ConnectionGate reports whether the broker can take work right now
type ConnectionGate interface {
	IsConnected() bool
}

// HandlerConfig wires a Handler
type HandlerConfig struct {
	VerifyToken string
	AppSecret   string
	BodyLimit   int64
	Deliverer   Deliverer
	Gate        ConnectionGate
	Limiter     *rate.Limiter // nil disables rate limiting
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Handler serves /webhook
type Handler struct {
	verifyToken string
	appSecret   string
	bodyLimit   int64
	deliverer   Deliverer
	gate        ConnectionGate
	limiter     *rate.Limiter
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// NewHandler creates a webhook handler
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bodyLimit := cfg.BodyLimit
	if bodyLimit <= 0 {
		bodyLimit = DefaultBodyLimit
	}
	return &Handler{
		verifyToken: cfg.VerifyToken,
		appSecret:   cfg.AppSecret,
		bodyLimit:   bodyLimit,
		deliverer:   cfg.Deliverer,
		gate:        cfg.Gate,
		limiter:     cfg.Limiter,
		metrics:     cfg.Metrics,
		logger:      logger,
	}
}

// RegisterRoutes mounts the handshake and ingestion routes. The raw body is
// captured before the ingestion handler runs.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /webhook", h.HandleVerify)
	mux.Handle("POST /webhook", CaptureRawBody(h.bodyLimit)(http.HandlerFunc(h.HandleReceive)))
}

// HandleVerify answers the platform's subscription handshake
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	logger := h.requestLogger(r)
	logger.Info("webhook verification requested", "mode", mode)

	if mode == "subscribe" && h.verifyToken != "" && token == h.verifyToken {
		logger.Info("webhook verified")
		writeText(w, http.StatusOK, challenge)
		return
	}

	logger.Warn("webhook verification failed", "mode", mode)
	w.WriteHeader(http.StatusForbidden)
}

// HandleReceive verifies, parses and enqueues one webhook event
func (h *Handler) HandleReceive(w http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger(r)

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("panic processing webhook", "panic", rec)
			h.metrics.WebhookReceived(outcomeFailed)
			writeText(w, http.StatusInternalServerError, msgInternal)
		}
	}()

	if h.limiter != nil && !h.limiter.Allow() {
		logger.Warn("webhook rate limited")
		h.metrics.RateLimited()
		h.metrics.WebhookReceived(outcomeRateLimited)
		writeText(w, http.StatusTooManyRequests, msgRateLimited)
		return
	}

	raw, _ := RawBody(r.Context())
	if err := ValidateSignature(raw, r.Header.Get(SignatureHeader), h.appSecret); err != nil {
		h.rejectSignature(w, logger, err)
		return
	}

	msg := Parse(raw)
	if msg == nil {
		logger.Warn("invalid webhook payload")
		h.metrics.WebhookReceived(outcomeInvalid)
		writeText(w, http.StatusBadRequest, msgInvalid)
		return
	}

	if !msg.Supported() {
		logger.Info("unsupported message type ignored", "type", msg.Type)
		h.metrics.WebhookReceived(outcomeIgnored)
		writeText(w, http.StatusOK, msgIgnored)
		return
	}

	if !h.gate.IsConnected() {
		logger.Error("broker unavailable, rejecting message")
		h.metrics.WebhookReceived(outcomeUnavailable)
		writeText(w, http.StatusServiceUnavailable, msgUnavailable)
		return
	}

	// Delivery runs to completion even if the caller hangs up
	queued, err := h.deliverer.Deliver(context.WithoutCancel(r.Context()), *msg)
	switch {
	case errors.Is(err, delivery.ErrNoChannel):
		logger.Error("broker channel lost before delivery", "error", err)
		h.metrics.WebhookReceived(outcomeUnavailable)
		writeText(w, http.StatusServiceUnavailable, msgUnavailable)
	case err != nil:
		logger.Error("failed to process webhook", "error", err)
		h.metrics.WebhookReceived(outcomeFailed)
		writeText(w, http.StatusInternalServerError, msgInternal)
	case queued:
		h.metrics.WebhookReceived(outcomeQueued)
		writeText(w, http.StatusOK, msgQueued)
	default:
		h.metrics.WebhookReceived(outcomeDeadLetter)
		writeText(w, http.StatusOK, msgDeadLetter)
	}
}

func (h *Handler) rejectSignature(w http.ResponseWriter, logger *slog.Logger, err error) {
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		authErr = &AuthError{Kind: SignatureMismatch, Err: err}
	}

	h.metrics.SignatureFailure(string(authErr.Kind))
	h.metrics.WebhookReceived(outcomeRejected)

	if authErr.StatusCode() >= http.StatusInternalServerError {
		logger.Error("cannot validate webhook signature", "reason", authErr.Kind, "error", err)
	} else {
		logger.Warn("webhook rejected", "reason", authErr.Kind)
	}

	writeJSON(w, authErr.StatusCode(), authErr.response())
}

func (h *Handler) requestLogger(r *http.Request) *slog.Logger {
	if id := middleware.GetRequestID(r.Context()); id != "" {
		return h.logger.With("request_id", id)
	}
	return h.logger
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
