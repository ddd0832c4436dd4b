// Package verify decides whether a join requester has proven themselves and,
// when they have, completes the join. It also carries out the rejection of
// requests the sweeper found expired.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/gatekeeper/internal/audit"
	"github.com/basket/gatekeeper/internal/deathqueue"
	"github.com/basket/gatekeeper/internal/grouppolicy"
	"github.com/basket/gatekeeper/internal/locales"
	"github.com/basket/gatekeeper/internal/otel"
	"github.com/basket/gatekeeper/internal/persistence"
	"github.com/basket/gatekeeper/internal/shared"
	"github.com/basket/gatekeeper/internal/signature"
	"github.com/basket/gatekeeper/internal/turnstile"
	"github.com/basket/gatekeeper/internal/webapp"
)

// Claim is a signed verification attempt as posted by the challenge page.
// The requester's user id is not part of it; it comes from the verified
// init data.
type Claim struct {
	ChatID        string
	MessageID     string
	JoinTime      string // ms since epoch, as issued
	Signature     string
	CaptchaPassed bool
	WebAppData    string // raw Mini App init data
	RequestID     string // client-chosen id, logged only
	Timestamp     string // client timestamp, logged only
}

// ProviderClaim is a provider-only attempt: the Turnstile token is checked,
// nothing else.
type ProviderClaim struct {
	ChatID     string // logged only
	MessageID  string // logged only
	Token      string
	WebAppData string
}

// PayloadVerifier authenticates Mini App init data.
type PayloadVerifier interface {
	Verify(raw string) (*webapp.InitData, error)
}

// Queue is the part of the death queue the orchestrator mutates.
type Queue interface {
	Remove(userID, chatID int64) (deathqueue.JoinRequest, bool)
	Swept(userID, chatID int64) bool
}

// History records challenge outcomes.
type History interface {
	MarkPassed(ctx context.Context, signature string) error
}

// Approver is the messaging platform.
type Approver interface {
	Approve(ctx context.Context, chatID, userID int64) error
	Decline(ctx context.Context, chatID, userID int64) error
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	SendText(ctx context.Context, chatID int64, text string) error
	SendMarkdown(ctx context.Context, chatID int64, text string) error
}

// Captcha validates provider tokens.
type Captcha interface {
	Validate(ctx context.Context, token, secret string) (*turnstile.Response, error)
}

// Localizer resolves user-facing strings.
type Localizer interface {
	Get(lang, key string) string
}

// Policies reads per-chat rules.
type Policies interface {
	Read(ctx context.Context, chatID int64) grouppolicy.Rule
}

// Config wires a Service. Secret, TTL, Queue, History, Approver and
// PayloadVerifier are required.
type Config struct {
	Secret          string
	TTL             time.Duration
	Queue           Queue
	History         History
	Approver        Approver
	PayloadVerifier PayloadVerifier
	Captcha         Captcha
	CaptchaSecret   string
	Locales         Localizer
	Policies        Policies
	Logger          *slog.Logger
	Tracer          trace.Tracer
	Metrics         *otel.Metrics
	Now             func() time.Time
}

// Service is the verification orchestrator.
type Service struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

func New(cfg Config) (*Service, error) {
	switch {
	case cfg.Secret == "":
		return nil, fmt.Errorf("verify: signing secret is required")
	case cfg.TTL <= 0:
		return nil, fmt.Errorf("verify: ttl must be positive")
	case cfg.Queue == nil, cfg.History == nil, cfg.Approver == nil, cfg.PayloadVerifier == nil:
		return nil, fmt.Errorf("verify: queue, history, approver and payload verifier are required")
	}
	s := &Service{cfg: cfg, logger: cfg.Logger, tracer: cfg.Tracer, now: cfg.Now}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "verify")
	if s.tracer == nil {
		s.tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Verify runs the signed verification. A nil return means the requester was
// accepted; completion side effects are best-effort and never change that.
func (s *Service) Verify(ctx context.Context, c Claim) (err error) {
	ctx, span := otel.StartSpan(ctx, s.tracer, "verify.captcha")
	defer func() { s.finish(ctx, span, s.outcomes(false), err) }()

	log := s.logger.With("trace_id", shared.TraceID(ctx), "chat_id", c.ChatID, "message_id", c.MessageID)

	data, verr := s.cfg.PayloadVerifier.Verify(c.WebAppData)
	if verr != nil {
		log.Warn("unsigned request received", "error", verr)
		return fail(CodeBadRequest, verr)
	}

	if data.User == nil || data.User.ID == 0 {
		return fail(CodeUncompletedRequest, errors.New("init data has no user"))
	}
	userID := data.User.ID
	chatID, cerr := parseInt(c.ChatID, "chat_id")
	messageID, merr := parseInt(c.MessageID, "message_id")
	joinTime, jerr := parseInt(c.JoinTime, "join_time")
	if perr := errors.Join(cerr, merr, jerr); perr != nil {
		return fail(CodeUncompletedRequest, perr)
	}
	log = log.With("user_id", userID)
	span.SetAttributes(append(otel.JoinAttrs(userID, chatID), otel.AttrMessageID.Int64(messageID))...)

	want := signature.Sign(c.ChatID, c.MessageID, strconv.FormatInt(userID, 10), c.JoinTime, s.cfg.Secret)
	if !signature.Equal(want, c.Signature) {
		log.Error("forged verification request")
		audit.RecordCtx(ctx, audit.Deny, "verify.captcha", string(CodeFakeRequest), subject(userID, chatID))
		return fail(CodeFakeRequest, errors.New("signature mismatch"))
	}
	log.Info("verification request",
		"correlation", signature.CorrelationToken(c.WebAppData, c.Timestamp),
		"request_id", c.RequestID)

	if deathqueue.Expired(joinTime, s.now(), s.cfg.TTL) {
		audit.RecordCtx(ctx, audit.Deny, "verify.captcha", string(CodeExpiredRequest), subject(userID, chatID))
		return fail(CodeExpiredRequest, fmt.Errorf("issued %dms ago", s.now().UnixMilli()-joinTime))
	}
	if !c.CaptchaPassed {
		return fail(CodeCaptchaFailed, errors.New("captcha not passed"))
	}

	if err := s.complete(ctx, log, c.Signature, userID, chatID, int(messageID)); err != nil {
		return err
	}
	audit.RecordCtx(ctx, audit.Allow, "verify.captcha", "approved", subject(userID, chatID))
	return nil
}

// complete carries out the three independent completion steps. Each failure
// is logged on its own and none of them aborts the others. The one exception
// is losing the removal to a sweep: the sweep owns the outcome then.
func (s *Service) complete(ctx context.Context, log *slog.Logger, sig string, userID, chatID int64, messageID int) error {
	log = log.With("signature", sig)
	if _, ok := s.cfg.Queue.Remove(userID, chatID); !ok {
		if s.cfg.Queue.Swept(userID, chatID) {
			log.Info("death queue entry already expired by sweep")
			return fail(CodeExpiredRequest, errors.New("entry swept before removal"))
		}
		log.Error("death queue entry not found, approving anyway")
		s.completionError(ctx, "queue_remove")
	}

	if err := s.cfg.History.MarkPassed(ctx, sig); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			log.Error("verification history not found", "error", err)
		} else {
			log.Error("verification history update failed", "error", err)
		}
		s.completionError(ctx, "history")
	}

	if err := s.cfg.Approver.Approve(ctx, chatID, userID); err != nil {
		log.Error("approve join request failed", "error", err)
		s.completionError(ctx, "approve")
	} else {
		log.Info("join request approved")
	}
	if err := s.cfg.Approver.DeleteMessage(ctx, userID, messageID); err != nil {
		log.Warn("delete challenge message failed", "error", err)
		s.completionError(ctx, "delete_message")
	}
	return nil
}

// VerifyProvider checks only the provider token and the init data.
func (s *Service) VerifyProvider(ctx context.Context, c ProviderClaim) (err error) {
	ctx, span := otel.StartSpan(ctx, s.tracer, "verify.provider")
	defer func() { s.finish(ctx, span, s.outcomes(true), err) }()

	log := s.logger.With("trace_id", shared.TraceID(ctx), "chat_id", c.ChatID, "message_id", c.MessageID)

	if _, verr := s.cfg.PayloadVerifier.Verify(c.WebAppData); verr != nil {
		log.Warn("unsigned request received", "error", verr)
		return fail(CodeBadRequest, verr)
	}
	if s.cfg.Captcha == nil {
		return fail(CodeServerError, errors.New("no captcha provider configured"))
	}

	cctx, cspan := otel.StartClientSpan(ctx, s.tracer, "turnstile.siteverify")
	res, verr := s.cfg.Captcha.Validate(cctx, c.Token, s.cfg.CaptchaSecret)
	otel.Fail(cspan, verr)
	cspan.End()
	if verr != nil {
		log.Error("captcha provider call failed", "error", verr)
		return fail(CodeServerError, verr)
	}
	if !res.Success {
		log.Info("captcha provider rejected token", "error_codes", strings.Join(res.ErrorCodes, ","))
		return fail(CodeCaptchaFailed, fmt.Errorf("provider error codes %v", res.ErrorCodes))
	}
	log.Info("captcha provider accepted token")
	return nil
}

// Expire rejects a request the sweeper removed from the queue: decline the
// join, delete the challenge, tell the user. Each step is best-effort.
func (s *Service) Expire(ctx context.Context, req deathqueue.JoinRequest) {
	ctx, span := otel.StartSpan(ctx, s.tracer, "verify.expire", otel.JoinAttrs(req.UserID, req.ChatID)...)
	defer span.End()

	log := s.logger.With("user_id", req.UserID, "chat_id", req.ChatID, "message_id", req.MessageID)

	if err := s.cfg.Approver.Decline(ctx, req.ChatID, req.UserID); err != nil {
		log.Error("decline expired join request failed", "error", err)
		otel.Fail(span, err)
	}
	if err := s.cfg.Approver.DeleteMessage(ctx, req.UserID, req.MessageID); err != nil {
		log.Warn("delete expired challenge failed", "error", err)
	}
	if text := s.expiryNotice(ctx, req); text != "" {
		// Complaints guides are Markdown; an admin-written one may not parse.
		if err := s.cfg.Approver.SendMarkdown(ctx, req.UserID, text); err != nil {
			log.Warn("send expiry notice as markdown failed, retrying as plain text", "error", err)
			if err := s.cfg.Approver.SendText(ctx, req.UserID, text); err != nil {
				log.Warn("send expiry notice failed", "error", err)
			}
		}
	}
	if m := s.cfg.Metrics; m != nil {
		m.Expired.Add(ctx, 1)
	}
	audit.RecordCtx(ctx, audit.Deny, "join.expire", string(CodeExpiredRequest), subject(req.UserID, req.ChatID))
	log.Info("expired join request rejected")
}

func (s *Service) expiryNotice(ctx context.Context, req deathqueue.JoinRequest) string {
	if s.cfg.Locales == nil {
		return ""
	}
	text := s.cfg.Locales.Get(req.Language, locales.ExpiredJoin)
	if s.cfg.Policies != nil {
		if guide := s.cfg.Policies.Read(ctx, req.ChatID).ComplaintsGuide; guide != "" {
			text += "\n" + guide
		}
	}
	return text
}

func (s *Service) outcomes(provider bool) metric.Int64Counter {
	switch {
	case s.cfg.Metrics == nil:
		return nil
	case provider:
		return s.cfg.Metrics.ProviderOutcomes
	default:
		return s.cfg.Metrics.VerifyOutcomes
	}
}

func (s *Service) finish(ctx context.Context, span trace.Span, counter metric.Int64Counter, err error) {
	outcome := "success"
	if err != nil {
		outcome = string(CodeOf(err))
		span.SetStatus(codes.Error, outcome)
	}
	span.SetAttributes(otel.AttrOutcome.String(outcome))
	span.End()
	if counter != nil {
		counter.Add(ctx, 1, metric.WithAttributes(otel.AttrOutcome.String(outcome)))
	}
}

func (s *Service) completionError(ctx context.Context, step string) {
	if m := s.cfg.Metrics; m != nil {
		m.CompletionErrors.Add(ctx, 1, metric.WithAttributes(otel.AttrStep.String(step)))
	}
}

func parseInt(raw, field string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("%s missing", field)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s not numeric: %w", field, err)
	}
	return v, nil
}

func subject(userID, chatID int64) string {
	return fmt.Sprintf("user:%d chat:%d", userID, chatID)
}
