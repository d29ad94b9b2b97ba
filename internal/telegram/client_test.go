package telegram

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/chatwarden/internal/errors"
	"github.com/p-blackswan/chatwarden/internal/retry"
)

// fakeAPI is a scripted botAPI.
type fakeAPI struct {
	mu sync.Mutex

	requestErrs []error
	sendErrs    []error
	member      tgbotapi.ChatMember
	memberErr   error
	meErr       error
	block       chan struct{}

	requests []tgbotapi.Chattable
	sends    []tgbotapi.Chattable
	updates  chan tgbotapi.Update
	stopped  bool
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	if err := pop(&f.requestErrs); err != nil {
		return nil, err
	}
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, c)
	if err := pop(&f.sendErrs); err != nil {
		return tgbotapi.Message{}, err
	}
	return tgbotapi.Message{MessageID: 100 + len(f.sends)}, nil
}

func (f *fakeAPI) GetChatMember(tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error) {
	return f.member, f.memberErr
}

func (f *fakeAPI) GetMe() (tgbotapi.User, error) {
	return tgbotapi.User{ID: 1, IsBot: true, UserName: "warden_bot"}, f.meErr
}

func (f *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeAPI) StopReceivingUpdates() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func testClient(api *fakeAPI) *Client {
	return newClient(api, zerolog.Nop(), WithRetry(retry.Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
	}))
}

func tgError(code int, msg string, retryAfter int) error {
	return &tgbotapi.Error{
		Code:               code,
		Message:            msg,
		ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: retryAfter},
	}
}

func TestDeleteMessage_Success(t *testing.T) {
	api := &fakeAPI{}
	c := testClient(api)

	require.NoError(t, c.DeleteMessage(context.Background(), -100, 42))
	require.Len(t, api.requests, 1)
	del, ok := api.requests[0].(tgbotapi.DeleteMessageConfig)
	require.True(t, ok)
	assert.Equal(t, int64(-100), del.ChatID)
	assert.Equal(t, 42, del.MessageID)
}

func TestDeleteMessage_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"already deleted", tgError(400, "Bad Request: message to delete not found", 0), perrors.ErrNotFound},
		{"invalid id", tgError(400, "Bad Request: MESSAGE_ID_INVALID", 0), perrors.ErrNotFound},
		{"too old", tgError(400, "Bad Request: message can't be deleted", 0), perrors.ErrForbidden},
		{"kicked", tgError(403, "Forbidden: bot was kicked from the supergroup chat", 0), perrors.ErrForbidden},
		{"flood", tgError(429, "Too Many Requests: retry after 3", 3), perrors.ErrRateLimit},
		{"server", tgError(502, "Bad Gateway", 0), perrors.ErrUnavailable},
		{"chat gone", tgError(400, "Bad Request: chat not found", 0), perrors.ErrInvalidInput},
		{"transport", errors.New("dial tcp: connection refused"), perrors.ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testClient(&fakeAPI{requestErrs: []error{tt.err}})
			err := c.DeleteMessage(context.Background(), 1, 1)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
		})
	}
}

func TestDeleteMessage_RetryAfterHint(t *testing.T) {
	c := testClient(&fakeAPI{requestErrs: []error{tgError(429, "Too Many Requests: retry after 7", 7)}})

	err := c.DeleteMessage(context.Background(), 1, 1)
	require.Error(t, err)
	assert.Equal(t, 7*time.Second, perrors.RetryAfter(err))

	var apiErr *perrors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 429, apiErr.StatusCode)
	assert.True(t, perrors.IsRetryable(err))
}

func TestDeleteMessage_Timeout(t *testing.T) {
	api := &fakeAPI{block: make(chan struct{})}
	defer close(api.block)
	c := testClient(api)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.DeleteMessage(ctx, 1, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, perrors.ErrTimeout)
}

func TestReply_RetriesTransientFailures(t *testing.T) {
	api := &fakeAPI{sendErrs: []error{tgError(500, "Internal Server Error", 0)}}
	c := testClient(api)

	id, err := c.Reply(context.Background(), -100, 7, "Bot is running.")
	require.NoError(t, err)
	assert.Equal(t, 102, id)
	require.Len(t, api.sends, 2)

	msg, ok := api.sends[1].(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Equal(t, "Bot is running.", msg.Text)
	assert.Equal(t, 7, msg.ReplyToMessageID)
}

func TestReply_PermanentFailureNotRetried(t *testing.T) {
	api := &fakeAPI{sendErrs: []error{tgError(403, "Forbidden: bot is not a member", 0)}}
	c := testClient(api)

	_, err := c.Reply(context.Background(), -100, 0, "hi")
	require.Error(t, err)
	assert.ErrorIs(t, err, perrors.ErrForbidden)
	assert.Len(t, api.sends, 1)
}

func TestIsChatAdmin(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{"creator", true},
		{"administrator", true},
		{"member", false},
		{"restricted", false},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			c := testClient(&fakeAPI{member: tgbotapi.ChatMember{Status: tt.status}})
			got, err := c.IsChatAdmin(context.Background(), -100, 5)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsChatAdmin_Error(t *testing.T) {
	c := testClient(&fakeAPI{memberErr: tgError(400, "Bad Request: user not found", 0)})
	_, err := c.IsChatAdmin(context.Background(), -100, 5)
	assert.Error(t, err)
}

func TestMute(t *testing.T) {
	api := &fakeAPI{}
	c := testClient(api)
	until := time.Unix(1_700_000_000, 0)

	require.NoError(t, c.Mute(context.Background(), -100, 9, until))
	require.Len(t, api.requests, 1)
	cfg, ok := api.requests[0].(tgbotapi.RestrictChatMemberConfig)
	require.True(t, ok)
	assert.Equal(t, int64(9), cfg.UserID)
	assert.Equal(t, until.Unix(), cfg.UntilDate)
	require.NotNil(t, cfg.Permissions)
	assert.False(t, cfg.Permissions.CanSendMessages)
}

func TestPing(t *testing.T) {
	assert.NoError(t, testClient(&fakeAPI{}).Ping(context.Background()))

	err := testClient(&fakeAPI{meErr: tgError(401, "Unauthorized", 0)}).Ping(context.Background())
	assert.ErrorIs(t, err, perrors.ErrInvalidInput)
}
