// Package telegram adapts the Telegram Bot API to the moderation bot: it deletes
// and sends messages, resolves chat administrators and long-polls for updates.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/chatwarden/internal/errors"
	"github.com/p-blackswan/chatwarden/internal/retry"
)

const service = "telegram"

// botAPI is the subset of *tgbotapi.BotAPI the client uses.
type botAPI interface {
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetChatMember(config tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error)
	GetMe() (tgbotapi.User, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Client talks to the Telegram Bot API.
type Client struct {
	api         botAPI
	retry       retry.Config
	pollTimeout int // long-poll timeout in seconds
	logger      zerolog.Logger
}

// Option configures Client.
type Option func(*Client)

// WithRetry sets the retry policy for outgoing messages.
func WithRetry(cfg retry.Config) Option {
	return func(c *Client) { c.retry = cfg }
}

// WithPollTimeout sets the getUpdates long-poll timeout.
func WithPollTimeout(secs int) Option {
	return func(c *Client) { c.pollTimeout = secs }
}

// New authenticates token against the Bot API and returns a client.
func New(token string, logger zerolog.Logger, opts ...Option) (*Client, error) {
	c := newClient(nil, logger, opts...)

	// The HTTP timeout must outlast a long poll; per-call deadlines come from contexts.
	httpClient := &http.Client{Timeout: time.Duration(c.pollTimeout)*time.Second + 30*time.Second}
	api, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", classify("getMe", err))
	}
	c.api = api
	c.logger.Info().Str("bot", api.Self.UserName).Msg("telegram bot authorized")
	return c, nil
}

func newClient(api botAPI, logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		api:         api,
		retry:       retry.DefaultConfig(),
		pollTimeout: 30,
		logger:      logger.With().Str("component", "telegram").Logger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// DeleteMessage deletes one message. Errors wrap the perrors sentinels:
// ErrNotFound, ErrForbidden, ErrRateLimit, ErrUnavailable or ErrTimeout.
func (c *Client) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	_, err := call(ctx, func() (*tgbotapi.APIResponse, error) {
		return c.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID))
	})
	return classify("deleteMessage", err)
}

// Reply posts text into chatID as a reply to replyTo (0 for a plain message)
// and returns the new message ID. Transient failures are retried.
func (c *Client) Reply(ctx context.Context, chatID int64, replyTo int, text string) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = replyTo

	var sent tgbotapi.Message
	err := retry.Do(ctx, c.retry, func(ctx context.Context) error {
		m, err := call(ctx, func() (tgbotapi.Message, error) { return c.api.Send(msg) })
		if err != nil {
			return classify("sendMessage", err)
		}
		sent = m
		return nil
	})
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

// IsChatAdmin reports whether userID administers chatID.
func (c *Client) IsChatAdmin(ctx context.Context, chatID, userID int64) (bool, error) {
	member, err := call(ctx, func() (tgbotapi.ChatMember, error) {
		return c.api.GetChatMember(tgbotapi.GetChatMemberConfig{
			ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: chatID, UserID: userID},
		})
	})
	if err != nil {
		return false, classify("getChatMember", err)
	}
	return member.IsAdministrator() || member.IsCreator(), nil
}

// Mute revokes userID's permission to post in chatID until the given time.
func (c *Client) Mute(ctx context.Context, chatID, userID int64, until time.Time) error {
	_, err := call(ctx, func() (*tgbotapi.APIResponse, error) {
		return c.api.Request(tgbotapi.RestrictChatMemberConfig{
			ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: chatID, UserID: userID},
			UntilDate:        until.Unix(),
			Permissions:      &tgbotapi.ChatPermissions{},
		})
	})
	return classify("restrictChatMember", err)
}

// Ping checks that the bot token is still accepted.
func (c *Client) Ping(ctx context.Context) error {
	_, err := call(ctx, func() (tgbotapi.User, error) { return c.api.GetMe() })
	return classify("getMe", err)
}

// call runs fn and gives up when ctx ends. The Bot API library has no context
// support, so an abandoned call finishes in the background.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w: %v", perrors.ErrTimeout, ctx.Err())
		}
		return zero, ctx.Err()
	}
}

// classify maps a Bot API error onto the perrors taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, perrors.ErrTimeout) || errors.Is(err, context.Canceled) {
		return err
	}

	tgErr, ok := asTelegramError(err)
	if !ok {
		return perrors.NewAPIError(service, 0, op+" transport failure").
			Wrap(fmt.Errorf("%w: %v", perrors.ErrUnavailable, err))
	}

	apiErr := perrors.NewAPIError(service, tgErr.Code, tgErr.Message)
	apiErr.RetryAfter = time.Duration(tgErr.RetryAfter) * time.Second

	desc := strings.ToLower(tgErr.Message)
	switch {
	case tgErr.Code == http.StatusTooManyRequests:
		return apiErr.Wrap(perrors.ErrRateLimit)
	case strings.Contains(desc, "message to delete not found"),
		strings.Contains(desc, "message_id_invalid"),
		strings.Contains(desc, "message not found"):
		return apiErr.Wrap(perrors.ErrNotFound)
	case tgErr.Code == http.StatusForbidden,
		strings.Contains(desc, "message can't be deleted"),
		strings.Contains(desc, "not enough rights"),
		strings.Contains(desc, "have no rights"):
		return apiErr.Wrap(perrors.ErrForbidden)
	case tgErr.Code >= http.StatusInternalServerError:
		return apiErr.Wrap(perrors.ErrUnavailable)
	case tgErr.Code == http.StatusBadRequest, tgErr.Code == http.StatusUnauthorized:
		return apiErr.Wrap(perrors.ErrInvalidInput)
	default:
		return apiErr.Wrap(perrors.ErrUnavailable)
	}
}

func asTelegramError(err error) (tgbotapi.Error, bool) {
	var ptr *tgbotapi.Error
	if errors.As(err, &ptr) && ptr != nil {
		return *ptr, true
	}
	var val tgbotapi.Error
	if errors.As(err, &val) {
		return val, true
	}
	return tgbotapi.Error{}, false
}
