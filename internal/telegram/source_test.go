package telegram

import (
	"context"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/chatwarden/internal/event"
)

func groupMessage(id int, text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		MessageID: id,
		Date:      1_700_000_000,
		Chat:      &tgbotapi.Chat{ID: -100, Type: "supergroup"},
		From:      &tgbotapi.User{ID: 5, UserName: "alice", FirstName: "Alice", LastName: "Doe"},
		Text:      text,
	}
}

func TestConvertUpdate_Message(t *testing.T) {
	msg, ok := convertUpdate(tgbotapi.Update{Message: groupMessage(10, "hello")})
	require.True(t, ok)

	assert.Equal(t, event.KindMessage, msg.Kind)
	assert.Equal(t, int64(-100), msg.ChatID)
	assert.Equal(t, "supergroup", msg.ChatType)
	assert.Equal(t, 10, msg.MessageID)
	assert.Equal(t, int64(5), msg.UserID)
	assert.Equal(t, "alice", msg.Username)
	assert.Equal(t, "Alice Doe", msg.DisplayName)
	assert.Equal(t, "hello", msg.Text)
	assert.Equal(t, time.Unix(1_700_000_000, 0), msg.ArrivedAt)
	assert.False(t, msg.IsCommand())
}

func TestConvertUpdate_CommandWithReply(t *testing.T) {
	m := groupMessage(11, "/warn@warden_bot spamming")
	m.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 16}}
	m.ReplyToMessage = &tgbotapi.Message{MessageID: 9, From: &tgbotapi.User{ID: 6, UserName: "bob"}}

	msg, ok := convertUpdate(tgbotapi.Update{Message: m})
	require.True(t, ok)
	assert.Equal(t, "warn", msg.Command)
	assert.Equal(t, "spamming", msg.Args)
	require.NotNil(t, msg.ReplyTo)
	assert.Equal(t, 9, msg.ReplyTo.MessageID)
	assert.Equal(t, int64(6), msg.ReplyTo.UserID)
	assert.Equal(t, "bob", msg.ReplyTo.Username)
}

func TestConvertUpdate_Edited(t *testing.T) {
	msg, ok := convertUpdate(tgbotapi.Update{EditedMessage: groupMessage(12, "fixed typo")})
	require.True(t, ok)
	assert.Equal(t, event.KindEdited, msg.Kind)
	assert.Equal(t, "fixed typo", msg.Text)
}

func TestConvertUpdate_CaptionUsedWhenNoText(t *testing.T) {
	m := groupMessage(13, "")
	m.Caption = "see https://example.com"
	msg, ok := convertUpdate(tgbotapi.Update{Message: m})
	require.True(t, ok)
	assert.Equal(t, "see https://example.com", msg.Text)
}

func TestConvertUpdate_Join(t *testing.T) {
	m := groupMessage(14, "")
	m.NewChatMembers = []tgbotapi.User{
		{ID: 7, UserName: "carol", FirstName: "Carol"},
		{ID: 8, FirstName: "Spam", LastName: "Bot", IsBot: true},
	}
	msg, ok := convertUpdate(tgbotapi.Update{Message: m})
	require.True(t, ok)
	assert.Equal(t, event.KindJoin, msg.Kind)
	require.Len(t, msg.NewMembers, 2)
	assert.Equal(t, event.Member{UserID: 7, Username: "carol", DisplayName: "Carol"}, msg.NewMembers[0])
	assert.True(t, msg.NewMembers[1].IsBot)
	assert.Equal(t, "Spam Bot", msg.NewMembers[1].DisplayName)
}

func TestConvertUpdate_SkipsEmpty(t *testing.T) {
	_, ok := convertUpdate(tgbotapi.Update{UpdateID: 1})
	assert.False(t, ok)

	_, ok = convertUpdate(tgbotapi.Update{Message: &tgbotapi.Message{MessageID: 1}})
	assert.False(t, ok)
}

func TestSubscribe_DeliversUntilCancelled(t *testing.T) {
	api := &fakeAPI{updates: make(chan tgbotapi.Update, 4)}
	c := testClient(api)
	assert.Equal(t, "telegram", c.Name())

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan event.Message, 4)
	require.NoError(t, c.Subscribe(ctx, out))

	api.updates <- tgbotapi.Update{UpdateID: 1}
	api.updates <- tgbotapi.Update{UpdateID: 2, Message: groupMessage(20, "hi")}

	select {
	case msg := <-out:
		assert.Equal(t, 20, msg.MessageID)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	cancel()
	require.Eventually(t, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return api.stopped
	}, time.Second, 5*time.Millisecond)
}
