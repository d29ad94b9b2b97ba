package telegram

import (
	"context"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/p-blackswan/chatwarden/internal/event"
)

// Name implements event.Source.
func (c *Client) Name() string { return service }

// Subscribe long-polls getUpdates and delivers messages, edits and joins to
// out until ctx is cancelled.
func (c *Client) Subscribe(ctx context.Context, out chan<- event.Message) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = c.pollTimeout
	u.AllowedUpdates = []string{"message", "edited_message"}

	updates := c.api.GetUpdatesChan(u)
	c.logger.Info().Int("poll_timeout", c.pollTimeout).Msg("receiving telegram updates")

	go func() {
		defer c.api.StopReceivingUpdates()
		for {
			select {
			case <-ctx.Done():
				return
			case upd, ok := <-updates:
				if !ok {
					return
				}
				msg, ok := convertUpdate(upd)
				if !ok {
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return nil
}

// convertUpdate maps a Bot API update onto event.Message. Updates without a
// message or chat are skipped.
func convertUpdate(upd tgbotapi.Update) (event.Message, bool) {
	m, kind := upd.Message, event.KindMessage
	if m == nil {
		m, kind = upd.EditedMessage, event.KindEdited
	}
	if m == nil || m.Chat == nil {
		return event.Message{}, false
	}

	msg := event.Message{
		Kind:      kind,
		ChatID:    m.Chat.ID,
		ChatType:  m.Chat.Type,
		MessageID: m.MessageID,
		Text:      m.Text,
		ArrivedAt: m.Time(),
	}
	if msg.Text == "" {
		msg.Text = m.Caption
	}
	if m.From != nil {
		msg.UserID = m.From.ID
		msg.Username = m.From.UserName
		msg.DisplayName = displayName(m.From)
		msg.FromBot = m.From.IsBot
	}
	if m.IsCommand() {
		msg.Command = m.Command()
		msg.Args = m.CommandArguments()
	}
	if r := m.ReplyToMessage; r != nil {
		msg.ReplyTo = &event.Reply{MessageID: r.MessageID}
		if r.From != nil {
			msg.ReplyTo.UserID = r.From.ID
			msg.ReplyTo.Username = r.From.UserName
		}
	}
	if len(m.NewChatMembers) > 0 && kind == event.KindMessage {
		msg.Kind = event.KindJoin
		for i := range m.NewChatMembers {
			u := &m.NewChatMembers[i]
			msg.NewMembers = append(msg.NewMembers, event.Member{
				UserID:      u.ID,
				Username:    u.UserName,
				DisplayName: displayName(u),
				IsBot:       u.IsBot,
			})
		}
	}
	return msg, true
}

func displayName(u *tgbotapi.User) string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}
