// Package proxy is the HTTP front of the gateway.
//
// It exposes an OpenAI-compatible chat-completions API whose "upstream" is the
// pool of browser/agent clients attached over WebSocket. A request is rewritten
// into a completion_request frame, forwarded to the freshest idle client, and
// the correlated reply is decoded and returned — as a single JSON body or as
// synthesized SSE when the caller asked for streaming.
//
// Key design constraints:
//   - Logger, metrics, log sink, and rate limiter are optional and nil-safe.
//   - Dispatch uses context.Context so client disconnects propagate.
//   - No state of its own: everything request-scoped lives in the pool.
package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nulpointcorp/agent-gateway/internal/decode"
	"github.com/nulpointcorp/agent-gateway/internal/metrics"
	"github.com/nulpointcorp/agent-gateway/internal/pool"
	"github.com/nulpointcorp/agent-gateway/internal/ratelimit"
	"github.com/nulpointcorp/agent-gateway/internal/rewrite"
	"github.com/nulpointcorp/agent-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

const serviceName = "agent-gateway"

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger for request events. Defaults to
	// slog.Default when nil.
	Logger *slog.Logger

	// RequestTimeout is the maximum time a dispatched request waits for the
	// client's reply. Default: pool.DefaultRequestTimeout (120s).
	RequestTimeout time.Duration

	// Metrics enables Prometheus metrics collection. When nil, metrics are disabled.
	Metrics *metrics.Registry

	// RPMLimiter enables global request-rate limiting. When nil, no limiting.
	RPMLimiter *ratelimit.RPMLimiter

	// CORSOrigins is the allowed-origins list; nil or ["*"] allows any origin.
	CORSOrigins []string
}

// Gateway is the HTTP handler set. All dependencies are injected via the
// constructor so they can be replaced with doubles in unit tests.
type Gateway struct {
	hub *pool.Hub
	log *slog.Logger

	requestTimeout time.Duration

	// Optional dependencies — nil-safe when not configured.
	metrics    *metrics.Registry
	rpmLimiter *ratelimit.RPMLimiter

	corsOrigins []string
}

// NewGateway creates a Gateway serving requests from hub's client pool.
func NewGateway(hub *pool.Hub, opts GatewayOptions) *Gateway {
	if hub == nil {
		panic("proxy: hub must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = pool.DefaultRequestTimeout
	}

	return &Gateway{
		hub:            hub,
		log:            log,
		requestTimeout: timeout,
		metrics:        opts.Metrics,
		rpmLimiter:     opts.RPMLimiter,
		corsOrigins:    opts.CORSOrigins,
	}
}

// ── Chat completions ─────────────────────────────────────────────────────────

// dispatchChat is the POST /v1/chat/completions handler body.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	var req rewrite.Request
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteValidation(ctx, "invalid JSON body: "+err.Error())
		return
	}
	if msg := validateRequest(&req); msg != "" {
		apierr.WriteValidation(ctx, msg)
		return
	}

	if g.rpmLimiter != nil {
		allowed, _ := g.rpmLimiter.Allow(ctx)
		if !allowed {
			g.log.Warn("rate_limited", slog.String("path", string(ctx.Path())))
			apierr.WriteRateLimit(ctx)
			return
		}
	}

	requestID := newRequestID()
	start := time.Now()

	s, err := g.hub.Acquire(requestID)
	if err != nil {
		g.log.Warn("no_client_available", slog.String("request_id", requestID))
		apierr.WriteUnavailable(ctx)
		return
	}

	prevSysFP, prevToolsFP, _ := g.hub.Fingerprints(s.ID())
	rw := rewrite.Rewrite(&req, requestID, prevSysFP, prevToolsFP)

	g.log.Info("request_dispatched",
		slog.String("request_id", requestID),
		slog.String("client_id", s.ID()),
		slog.String("model", req.Model),
		slog.Bool("stream", req.Stream),
	)

	reply, err := g.hub.Forward(ctx, s, requestID, rw.Frame,
		rw.SystemFP, rw.ToolsFP, rw.SentSystem, rw.SentTools, g.requestTimeout)
	if err != nil {
		g.writeForwardError(ctx, requestID, err)
		return
	}

	if reply.Err != nil {
		g.log.Warn("client_reported_error",
			slog.String("request_id", requestID),
			slog.String("error", reply.Err.Message),
		)
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			reply.Err.Message, apierr.TypeClientError)
		return
	}

	res := decode.Envelope(reply.Content, reply.ToolCalls, g.log)
	if res.Content == "" && len(res.ToolCalls) == 0 {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"client returned an empty response", apierr.TypeEmptyResponse)
		return
	}

	g.log.Info("request_completed",
		slog.String("request_id", requestID),
		slog.String("client_id", s.ID()),
		slog.Duration("elapsed", time.Since(start)),
	)

	if req.Stream {
		g.writeStream(ctx, requestID, req.Model, res)
		return
	}
	writeJSON(ctx, buildCompletion(requestID, req.Model, &req, res))
}

// writeForwardError maps a pool dispatch failure onto the API error envelope.
func (g *Gateway) writeForwardError(ctx *fasthttp.RequestCtx, requestID string, err error) {
	switch {
	case errors.Is(err, pool.ErrTimeout):
		g.log.Warn("request_timeout", slog.String("request_id", requestID))
		apierr.WriteTimeout(ctx)
	case errors.Is(err, pool.ErrClientGone):
		g.log.Warn("client_gone_mid_request", slog.String("request_id", requestID))
		apierr.WriteInternal(ctx, "client disconnected before replying")
	default:
		g.log.Error("dispatch_failed",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
		apierr.WriteInternal(ctx, "request dispatch failed")
	}
}

// validateRequest returns "" when req passes validation, or the failure message.
func validateRequest(req *rewrite.Request) string {
	if req.Model == "" {
		return "model is required"
	}
	if len(req.Messages) == 0 {
		return "messages must be a non-empty array"
	}
	for i, m := range req.Messages {
		if m.Role == "" {
			return fmt.Sprintf("messages[%d]: role is required", i)
		}
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return "temperature must be between 0 and 2"
	}
	if req.TopP != nil && (*req.TopP < 0 || *req.TopP > 1) {
		return "top_p must be between 0 and 1"
	}
	if req.MaxTokens != nil && *req.MaxTokens < 1 {
		return "max_tokens must be at least 1"
	}
	if req.FrequencyPenalty != nil && (*req.FrequencyPenalty < -2 || *req.FrequencyPenalty > 2) {
		return "frequency_penalty must be between -2 and 2"
	}
	if req.PresencePenalty != nil && (*req.PresencePenalty < -2 || *req.PresencePenalty > 2) {
		return "presence_penalty must be between -2 and 2"
	}
	return ""
}

// newRequestID mints a short correlation id, e.g. "req_1a2b3c4d".
func newRequestID() string {
	return "req_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
