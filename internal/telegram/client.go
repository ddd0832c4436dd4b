// Package telegram talks to the Bot API: the calls the verifier needs to
// approve, decline and clean up join requests, and the update loop that
// issues challenges and serves the admin commands.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Client wraps a BotAPI. The Bot API calls themselves are not cancellable;
// ctx is checked before each one.
type Client struct {
	bot    *tgbotapi.BotAPI
	logger *slog.Logger
}

// ClientOptions configures NewClient.
type ClientOptions struct {
	Token    string
	Endpoint string              // format string with two %s (token, method); tgbotapi.APIEndpoint if empty
	HTTP     tgbotapi.HTTPClient // defaults to an http.Client with a timeout above the long-poll window
	Logger   *slog.Logger
}

// NewClient validates the token with getMe and returns a Client.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Token == "" {
		return nil, errors.New("telegram: bot token is required")
	}
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	httpClient := opts.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 90 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bot, err := tgbotapi.NewBotAPIWithClient(opts.Token, endpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	logger.Info("telegram bot authorized", "user", bot.Self.UserName)
	return &Client{bot: bot, logger: logger}, nil
}

// Self is the bot's own account.
func (c *Client) Self() tgbotapi.User {
	return c.bot.Self
}

func (c *Client) Approve(ctx context.Context, chatID, userID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.bot.Request(tgbotapi.ApproveChatJoinRequestConfig{
		ChatConfig: tgbotapi.ChatConfig{ChatID: chatID},
		UserID:     userID,
	})
	if err != nil {
		return fmt.Errorf("approve join request: %w", err)
	}
	return nil
}

func (c *Client) Decline(ctx context.Context, chatID, userID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.bot.Request(tgbotapi.DeclineChatJoinRequest{
		ChatConfig: tgbotapi.ChatConfig{ChatID: chatID},
		UserID:     userID,
	})
	if err != nil {
		return fmt.Errorf("decline join request: %w", err)
	}
	return nil
}

func (c *Client) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.bot.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

func (c *Client) SendText(ctx context.Context, chatID int64, text string) error {
	_, err := c.send(ctx, tgbotapi.NewMessage(chatID, text))
	return err
}

// SendMarkdown sends text with the legacy Markdown parse mode, which the
// default complaints guide uses.
func (c *Client) SendMarkdown(ctx context.Context, chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	_, err := c.send(ctx, msg)
	return err
}

// SendWithLink sends text with a single URL button under it.
func (c *Client) SendWithLink(ctx context.Context, chatID int64, text, label, link string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL(label, link)),
	)
	_, err := c.send(ctx, msg)
	return err
}

// SendChallenge sends the challenge text and returns the new message id.
func (c *Client) SendChallenge(ctx context.Context, userID int64, text string) (int, error) {
	msg, err := c.send(ctx, tgbotapi.NewMessage(userID, text))
	if err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

type webAppInfo struct {
	URL string `json:"url"`
}

type webAppButton struct {
	Text   string     `json:"text"`
	WebApp webAppInfo `json:"web_app"`
}

type webAppMarkup struct {
	InlineKeyboard [][]webAppButton `json:"inline_keyboard"`
}

// AttachWebAppButton adds a button that opens link as a Mini App under an
// already sent message. The button type postdates the bindings, so the
// request is built by hand.
func (c *Client) AttachWebAppButton(ctx context.Context, chatID int64, messageID int, label, link string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", chatID)
	params.AddNonZero("message_id", messageID)
	markup := webAppMarkup{InlineKeyboard: [][]webAppButton{{{Text: label, WebApp: webAppInfo{URL: link}}}}}
	if err := params.AddInterface("reply_markup", markup); err != nil {
		return fmt.Errorf("encode reply markup: %w", err)
	}
	if _, err := c.bot.MakeRequest("editMessageReplyMarkup", params); err != nil {
		return fmt.Errorf("attach web app button: %w", err)
	}
	return nil
}

// IsAdmin reports whether userID is the creator or an administrator of chatID.
func (c *Client) IsAdmin(ctx context.Context, chatID, userID int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	member, err := c.bot.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: chatID, UserID: userID},
	})
	if err != nil {
		return false, fmt.Errorf("get chat member: %w", err)
	}
	return member.IsCreator() || member.IsAdministrator(), nil
}

// GetUpdates long-polls for join requests and messages after offset.
func (c *Client) GetUpdates(ctx context.Context, offset int, timeout time.Duration) ([]tgbotapi.Update, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	updates, err := c.bot.GetUpdates(tgbotapi.UpdateConfig{
		Offset:         offset,
		Timeout:        int(timeout / time.Second),
		AllowedUpdates: []string{"message", "chat_join_request"},
	})
	if err != nil {
		return nil, fmt.Errorf("get updates: %w", err)
	}
	return updates, nil
}

func (c *Client) send(ctx context.Context, msg tgbotapi.Chattable) (tgbotapi.Message, error) {
	if err := ctx.Err(); err != nil {
		return tgbotapi.Message{}, err
	}
	sent, err := c.bot.Send(msg)
	if err != nil {
		return tgbotapi.Message{}, fmt.Errorf("send message: %w", err)
	}
	return sent, nil
}
