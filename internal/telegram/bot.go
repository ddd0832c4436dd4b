package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/gatekeeper/internal/audit"
	"github.com/basket/gatekeeper/internal/bus"
	"github.com/basket/gatekeeper/internal/deathqueue"
	"github.com/basket/gatekeeper/internal/grouppolicy"
	"github.com/basket/gatekeeper/internal/locales"
	"github.com/basket/gatekeeper/internal/otel"
	"github.com/basket/gatekeeper/internal/persistence"
	"github.com/basket/gatekeeper/internal/signature"
)

// OffsetKey is the kv key holding the next update offset.
const OffsetKey = "telegram_offset"

// Queue is the part of the death queue the issuer needs.
type Queue interface {
	Get(userID, chatID int64) (deathqueue.JoinRequest, bool)
	Enqueue(req deathqueue.JoinRequest) error
}

// History records issued challenges.
type History interface {
	CreateHistory(ctx context.Context, rec persistence.HistoryRecord) error
}

// Offsets persists the update offset across restarts.
type Offsets interface {
	KVGet(ctx context.Context, key string) (string, error)
	KVSet(ctx context.Context, key, val string) error
}

// Policies reads and writes per-chat rules.
type Policies interface {
	Read(ctx context.Context, chatID int64) grouppolicy.Rule
	Save(ctx context.Context, chatID int64, rule grouppolicy.Rule) error
}

// Localizer resolves user-facing strings.
type Localizer interface {
	Get(lang, key string) string
}

// BotConfig wires a Bot. Every field but Logger, Bus, Metrics and Now is
// required.
type BotConfig struct {
	Client       *Client
	Queue        Queue
	History      History
	Offsets      Offsets
	Policies     Policies
	Locales      Localizer
	Secret       string
	ChallengeURL string
	PollTimeout  time.Duration
	Logger       *slog.Logger
	Bus          *bus.Bus
	Metrics      *otel.Metrics
	Now          func() time.Time
}

// Bot is the update loop.
type Bot struct {
	cfg    BotConfig
	logger *slog.Logger
	now    func() time.Time
}

func NewBot(cfg BotConfig) (*Bot, error) {
	switch {
	case cfg.Client == nil, cfg.Queue == nil, cfg.History == nil, cfg.Offsets == nil, cfg.Policies == nil, cfg.Locales == nil:
		return nil, errors.New("telegram: bot is missing a collaborator")
	case cfg.Secret == "":
		return nil, errors.New("telegram: signing secret is required")
	}
	if _, err := url.ParseRequestURI(cfg.ChallengeURL); err != nil {
		return nil, fmt.Errorf("telegram: challenge url: %w", err)
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	b := &Bot{cfg: cfg, logger: cfg.Logger, now: cfg.Now}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	b.logger = b.logger.With("component", "telegram")
	if b.now == nil {
		b.now = time.Now
	}
	return b, nil
}

// Run polls for updates until ctx is done. Poll failures are retried with
// exponential backoff. It returns nil on cancellation.
func (b *Bot) Run(ctx context.Context) error {
	offset := b.loadOffset(ctx)
	b.logger.Info("telegram update loop started", "offset", offset)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}
		updates, err := b.cfg.Client.GetUpdates(ctx, offset, b.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Warn("telegram poll failed, retrying", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		for _, u := range updates {
			b.HandleUpdate(ctx, u)
			offset = u.UpdateID + 1
		}
		if len(updates) > 0 {
			if err := b.cfg.Offsets.KVSet(ctx, OffsetKey, strconv.Itoa(offset)); err != nil {
				b.logger.Warn("persist update offset failed", "offset", offset, "error", err)
			}
		}
	}
}

func (b *Bot) loadOffset(ctx context.Context) int {
	raw, err := b.cfg.Offsets.KVGet(ctx, OffsetKey)
	if err != nil {
		b.logger.Warn("read update offset failed, starting from 0", "error", err)
		return 0
	}
	if raw == "" {
		return 0
	}
	offset, err := strconv.Atoi(raw)
	if err != nil {
		b.logger.Warn("stored update offset unreadable, starting from 0", "value", raw)
		return 0
	}
	return offset
}

// HandleUpdate dispatches one update.
func (b *Bot) HandleUpdate(ctx context.Context, u tgbotapi.Update) {
	switch {
	case u.ChatJoinRequest != nil:
		b.handleJoinRequest(ctx, u.ChatJoinRequest)
	case u.Message != nil:
		b.handleMessage(ctx, u.Message)
	}
}

func (b *Bot) handleJoinRequest(ctx context.Context, r *tgbotapi.ChatJoinRequest) {
	userID, chatID := r.From.ID, r.Chat.ID
	log := b.logger.With("user_id", userID, "chat_id", chatID)
	subject := fmt.Sprintf("user:%d chat:%d", userID, chatID)

	rule := b.cfg.Policies.Read(ctx, chatID)
	if rule.JoinCheck && grouppolicy.SuspiciousBio(r.Bio) {
		if err := b.cfg.Client.Decline(ctx, chatID, userID); err != nil {
			log.Error("decline suspicious join request failed", "error", err)
			return
		}
		log.Info("join request declined by join check")
		audit.RecordCtx(ctx, audit.Deny, "join.decline", "suspicious bio", subject)
		if b.cfg.Bus != nil {
			b.cfg.Bus.Publish(bus.TopicJoinDeclined, bus.JoinEvent{UserID: userID, ChatID: chatID})
		}
		return
	}

	if _, pending := b.cfg.Queue.Get(userID, chatID); pending {
		log.Info("join request already has a pending challenge")
		return
	}

	lang := r.From.LanguageCode
	joinTime := b.now().UnixMilli()
	messageID, err := b.cfg.Client.SendChallenge(ctx, userID, b.cfg.Locales.Get(lang, locales.VerifyJoin))
	if err != nil {
		log.Error("send challenge failed", "error", err)
		return
	}

	sig := signature.SignFields(chatID, messageID, userID, joinTime, b.cfg.Secret)
	link, err := ChallengeLink(b.cfg.ChallengeURL, chatID, messageID, joinTime, sig)
	if err != nil {
		log.Error("build challenge link failed", "error", err)
		return
	}
	if err := b.cfg.Client.AttachWebAppButton(ctx, userID, messageID, b.cfg.Locales.Get(lang, locales.ButtonVerify), link); err != nil {
		log.Error("attach challenge button failed", "error", err)
		_ = b.cfg.Client.DeleteMessage(ctx, userID, messageID)
		return
	}

	req := deathqueue.JoinRequest{UserID: userID, ChatID: chatID, MessageID: messageID, JoinTime: joinTime, Language: lang}
	if err := b.cfg.Queue.Enqueue(req); err != nil {
		if errors.Is(err, deathqueue.ErrDuplicate) {
			log.Info("concurrent challenge already pending, withdrawing this one")
		} else {
			log.Error("enqueue join request failed", "error", err)
		}
		_ = b.cfg.Client.DeleteMessage(ctx, userID, messageID)
		return
	}

	if err := b.cfg.History.CreateHistory(ctx, persistence.HistoryRecord{
		Signature: sig,
		UserID:    userID,
		ChatID:    chatID,
		MessageID: messageID,
		JoinTime:  joinTime,
		Language:  lang,
	}); err != nil {
		log.Error("record challenge history failed", "error", err)
	}
	if m := b.cfg.Metrics; m != nil {
		m.Issued.Add(ctx, 1)
	}
	log.Info("challenge issued", "message_id", messageID, "join_time", joinTime)
}

// ChallengeLink appends the signed claim fields to base.
func ChallengeLink(base string, chatID int64, messageID int, joinTime int64, sig string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("chat_id", strconv.FormatInt(chatID, 10))
	q.Set("message_id", strconv.Itoa(messageID))
	q.Set("timestamp", strconv.FormatInt(joinTime, 10))
	q.Set("signature", sig)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if !msg.IsCommand() || msg.From == nil || msg.Chat == nil {
		return
	}
	if msg.Chat.IsPrivate() {
		if msg.Command() == "start" {
			b.handleStart(ctx, msg)
		}
		return
	}
	if !msg.Chat.IsGroup() && !msg.Chat.IsSuperGroup() {
		return
	}
	switch msg.Command() {
	case "policy", "join_check", "complaints":
		b.handleAdminCommand(ctx, msg)
	}
}

func (b *Bot) handleStart(ctx context.Context, msg *tgbotapi.Message) {
	self := b.cfg.Client.Self()
	text := b.cfg.Locales.Get(msg.From.LanguageCode, locales.InviteGroup)
	link := fmt.Sprintf("https://t.me/%s?startgroup=true&admin=invite_users+delete_messages", self.UserName)
	if err := b.cfg.Client.SendWithLink(ctx, msg.Chat.ID, text, "+ "+self.FirstName, link); err != nil {
		b.logger.Warn("send invite failed", "user_id", msg.From.ID, "error", err)
	}
}

func (b *Bot) handleAdminCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID, userID := msg.Chat.ID, msg.From.ID
	log := b.logger.With("chat_id", chatID, "user_id", userID, "command", msg.Command())

	admin, err := b.cfg.Client.IsAdmin(ctx, chatID, userID)
	if err != nil {
		log.Warn("admin check failed", "error", err)
		return
	}
	if !admin {
		log.Info("policy command from non-admin ignored")
		return
	}

	rule := b.cfg.Policies.Read(ctx, chatID)
	args := strings.TrimSpace(msg.CommandArguments())
	switch msg.Command() {
	case "policy":
		b.reply(ctx, chatID, formatRule(rule))
		return
	case "join_check":
		switch strings.ToLower(args) {
		case "on":
			rule.JoinCheck = true
		case "off":
			rule.JoinCheck = false
		default:
			b.reply(ctx, chatID, "usage: /join_check on|off")
			return
		}
	case "complaints":
		if args == "" {
			b.reply(ctx, chatID, "usage: /complaints <where rejected users can appeal>")
			return
		}
		rule.ComplaintsGuide = args
	}

	if err := b.cfg.Policies.Save(ctx, chatID, rule); err != nil {
		log.Error("save group policy failed", "error", err)
		b.reply(ctx, chatID, "could not save the policy, try again later")
		return
	}
	audit.RecordCtx(ctx, audit.Allow, "policy."+msg.Command(), args, fmt.Sprintf("user:%d chat:%d", userID, chatID))
	log.Info("group policy updated")
	b.reply(ctx, chatID, formatRule(rule))
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	if err := b.cfg.Client.SendText(ctx, chatID, text); err != nil {
		b.logger.Warn("send reply failed", "chat_id", chatID, "error", err)
	}
}

func formatRule(r grouppolicy.Rule) string {
	onOff := func(v bool) string {
		if v {
			return "on"
		}
		return "off"
	}
	return fmt.Sprintf("join_check: %s\nanti_spam: %s\ncomplaints: %s", onOff(r.JoinCheck), onOff(r.AntiSpam), r.ComplaintsGuide)
}
