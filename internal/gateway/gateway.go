// Package gateway is the HTTP surface the challenge page talks to.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/gatekeeper/internal/config"
	"github.com/basket/gatekeeper/internal/otel"
	"github.com/basket/gatekeeper/internal/shared"
	"github.com/basket/gatekeeper/internal/verify"
)

// Verifier runs verifications. *verify.Service implements it.
type Verifier interface {
	Verify(ctx context.Context, c verify.Claim) error
	VerifyProvider(ctx context.Context, c verify.ProviderClaim) error
}

// HealthCheck reports whether a dependency answers.
type HealthCheck func(ctx context.Context) error

// Config wires a Server. Verifier is required.
type Config struct {
	Verifier Verifier

	// Checks are run by /healthz. The "db" check also sets db_ok.
	Checks     map[string]HealthCheck
	QueueDepth func() int

	CORSOrigins []string
	RateLimit   config.RateLimitConfig

	// ConfigFingerprint is reported by /healthz.
	ConfigFingerprint string

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otel.Metrics
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	schemas *bodySchemas
	limiter *RateLimitMiddleware
}

func New(cfg Config) (*Server, error) {
	if cfg.Verifier == nil {
		return nil, errors.New("gateway: verifier is required")
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	s := &Server{cfg: cfg, logger: cfg.Logger, tracer: cfg.Tracer, schemas: schemas}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "gateway")
	if s.tracer == nil {
		s.tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	s.limiter = NewRateLimitMiddleware(cfg.RateLimit, cfg.Metrics, s.logger)
	return s, nil
}

// RateLimiter exposes the limiter so the caller can run its eviction loop.
func (s *Server) RateLimiter() *RateLimitMiddleware {
	return s.limiter
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		traceMiddleware,
		accessLog(s.logger, s.cfg.Metrics),
		middleware.Recoverer,
		NewCORSMiddleware(s.cfg.CORSOrigins),
		RequestSizeLimitMiddleware(MaxBodyBytes),
	)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/endpoints", s.handleEndpoints)
	r.Group(func(r chi.Router) {
		r.Use(s.limiter.Wrap)
		r.Post("/endpoints/verify-captcha", s.handleVerifyCaptcha)
		r.Post("/endpoints/verify-cloudflare", s.handleVerifyCloudflare)
	})
	return r
}

type sourceBody struct {
	ChatID    flexString `json:"chat_id"`
	MessageID flexString `json:"message_id"`
	Timestamp flexString `json:"timestamp"`
	Signature string     `json:"signature"`
}

type captchaBody struct {
	ID         flexString     `json:"id"`
	Source     sourceBody     `json:"source"`
	Acc        map[string]any `json:"acc"`
	Signature  string         `json:"signature"`
	WebAppData string         `json:"web_app_data"`
	Timestamp  flexString     `json:"timestamp"`
}

type cloudflareBody struct {
	Source         sourceBody `json:"source"`
	TurnstileToken string     `json:"turnstile_token"`
	WebAppData     string     `json:"web_app_data"`
}

func (s *Server) handleEndpoints(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "open this page in IE6"})
}

func (s *Server) handleVerifyCaptcha(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.StartServerSpan(r.Context(), s.tracer, "gateway.verify_captcha")
	defer span.End()

	var body captchaBody
	if err := decodeBody(r.Body, s.schemas.captcha, &body); err != nil {
		s.rejectBody(ctx, w, span, "verify-captcha", err)
		return
	}
	err := s.cfg.Verifier.Verify(ctx, verify.Claim{
		ChatID:        trimmed(body.Source.ChatID),
		MessageID:     trimmed(body.Source.MessageID),
		JoinTime:      trimmed(body.Source.Timestamp),
		Signature:     body.Signature,
		CaptchaPassed: truthy(body.Acc["verify_mode"]),
		WebAppData:    body.WebAppData,
		RequestID:     trimmed(body.ID),
		Timestamp:     trimmed(body.Timestamp),
	})
	if err != nil {
		s.writeVerifyError(w, span, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "success"})
}

func (s *Server) handleVerifyCloudflare(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.StartServerSpan(r.Context(), s.tracer, "gateway.verify_cloudflare")
	defer span.End()

	var body cloudflareBody
	if err := decodeBody(r.Body, s.schemas.cloudflare, &body); err != nil {
		s.rejectBody(ctx, w, span, "verify-cloudflare", err)
		return
	}
	err := s.cfg.Verifier.VerifyProvider(ctx, verify.ProviderClaim{
		ChatID:     trimmed(body.Source.ChatID),
		MessageID:  trimmed(body.Source.MessageID),
		Token:      body.TurnstileToken,
		WebAppData: body.WebAppData,
	})
	if err != nil {
		s.writeVerifyError(w, span, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) rejectBody(ctx context.Context, w http.ResponseWriter, span trace.Span, endpoint string, err error) {
	s.logger.Warn("rejected request body", "trace_id", shared.TraceID(ctx), "endpoint", endpoint, "error", err)
	span.SetStatus(codes.Error, err.Error())
	status := http.StatusBadRequest
	if errors.Is(err, errBodyTooLarge) {
		status = http.StatusRequestEntityTooLarge
	}
	writeJSON(w, status, errorBody(verify.CodeBadRequest))
}

// writeVerifyError answers 400 with only the refusal code. Anything that is
// not a *verify.Error reports SERVER_ERROR.
func (s *Server) writeVerifyError(w http.ResponseWriter, span trace.Span, err error) {
	code := verify.CodeOf(err)
	span.SetAttributes(otel.AttrOutcome.String(string(code)))
	writeJSON(w, http.StatusBadRequest, errorBody(code))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	healthy := true
	dbOK := true
	checks := make(map[string]bool, len(s.cfg.Checks))
	for name, check := range s.cfg.Checks {
		ok := check(ctx) == nil
		checks[name] = ok
		if !ok {
			healthy = false
			if name == "db" {
				dbOK = false
			}
		}
	}
	depth := 0
	if s.cfg.QueueDepth != nil {
		depth = s.cfg.QueueDepth()
	}
	payload := map[string]any{
		"healthy":            healthy,
		"db_ok":              dbOK,
		"queue_depth":        depth,
		"checks":             checks,
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func errorBody(code verify.Code) map[string]string {
	return map[string]string{"status": "error", "message": string(code)}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
