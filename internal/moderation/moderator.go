// Package moderation decides what happens to each chat event: flagged content
// is removed at once, routine chatter and the bot's own replies expire after a
// delay, and admins get a small command set for warnings.
package moderation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/p-blackswan/chatwarden/internal/deletion"
	"github.com/p-blackswan/chatwarden/internal/event"
	"github.com/p-blackswan/chatwarden/internal/store"
)

// Scheduler is the part of deletion.Scheduler the moderator drives.
type Scheduler interface {
	Schedule(key deletion.Key, delay time.Duration) deletion.Handle
	ActiveJobs() int
}

// Messenger sends replies and answers membership questions.
type Messenger interface {
	Reply(ctx context.Context, chatID int64, replyTo int, text string) (int, error)
	IsChatAdmin(ctx context.Context, chatID, userID int64) (bool, error)
	Mute(ctx context.Context, chatID, userID int64, until time.Time) error
}

// WarnStore persists warning counts and the moderation log.
type WarnStore interface {
	AddWarning(ctx context.Context, chatID, userID int64) (int, error)
	Warnings(ctx context.Context, chatID, userID int64) (int, error)
	ResetWarnings(ctx context.Context, chatID, userID int64) error
	LogAction(ctx context.Context, a store.Action) error
}

// Recorder receives moderation observations (implemented by metrics.Metrics).
type Recorder interface {
	RecordAction(action string)
	RecordError(module, errType string)
}

type nopRecorder struct{}

func (nopRecorder) RecordAction(string) {}

func (nopRecorder) RecordError(string, string) {}

// Config holds moderator timing and limits.
type Config struct {
	RoutineDelay   time.Duration
	ReplyDelay     time.Duration
	ViolationDelay time.Duration
	MuteDuration   time.Duration
	AdminCacheTTL  time.Duration
	Concurrency    int
	HandleTimeout  time.Duration

	// IsAdmin marks users privileged in every chat, such as config.Config.IsAdmin.
	IsAdmin func(userID int64) bool
}

// DefaultConfig returns the stock delays.
func DefaultConfig() Config {
	return Config{
		RoutineDelay:  5 * time.Minute,
		ReplyDelay:    3 * time.Minute,
		MuteDuration:  time.Hour,
		AdminCacheTTL: 5 * time.Minute,
		Concurrency:   8,
		HandleTimeout: 30 * time.Second,
	}
}

// Moderator applies a Policy to inbound events.
type Moderator struct {
	cfg      Config
	policy   Policy
	sched    Scheduler
	msgr     Messenger
	warns    WarnStore
	recorder Recorder
	admins   *cache.Cache
	logger   zerolog.Logger
}

// Option configures a Moderator.
type Option func(*Moderator)

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Moderator) { m.recorder = r }
}

// New creates a moderator.
func New(cfg Config, policy Policy, sched Scheduler, msgr Messenger, warns WarnStore, logger zerolog.Logger, opts ...Option) *Moderator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = 30 * time.Second
	}
	if cfg.AdminCacheTTL <= 0 {
		cfg.AdminCacheTTL = 5 * time.Minute
	}
	m := &Moderator{
		cfg:      cfg,
		policy:   policy,
		sched:    sched,
		msgr:     msgr,
		warns:    warns,
		recorder: nopRecorder{},
		admins:   cache.New(cfg.AdminCacheTTL, 2*cfg.AdminCacheTTL),
		logger:   logger.With().Str("component", "moderator").Logger(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Run handles events from in until it is closed or ctx is cancelled, with at
// most Concurrency events in flight. Cancelling ctx stops intake only: in-flight
// handlers keep their own HandleTimeout and finish before Run returns.
func (m *Moderator) Run(ctx context.Context, in <-chan event.Message) error {
	var g errgroup.Group
	g.SetLimit(m.cfg.Concurrency)
	handleCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			return g.Wait()
		case msg, ok := <-in:
			if !ok {
				return g.Wait()
			}
			g.Go(func() error {
				m.Handle(handleCtx, msg)
				return nil
			})
		}
	}
}

// Handle processes one event. Failures are logged and counted, never returned:
// one bad event must not stop the stream.
func (m *Moderator) Handle(ctx context.Context, msg event.Message) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.HandleTimeout)
	defer cancel()

	log := m.logger.With().
		Int64("chat_id", msg.ChatID).
		Int("message_id", msg.MessageID).
		Str("kind", string(msg.Kind)).
		Logger()
	ctx = log.WithContext(ctx)

	switch msg.Kind {
	case event.KindJoin:
		m.greet(ctx, msg)
		m.expire(msg, m.cfg.RoutineDelay)
	case event.KindMessage:
		if msg.IsCommand() {
			m.command(ctx, msg)
			m.expire(msg, m.cfg.ReplyDelay)
			return
		}
		m.filter(ctx, msg)
	case event.KindEdited:
		// Commands run once. Editing one only moves its deletion slot.
		if msg.IsCommand() {
			m.expire(msg, m.cfg.ReplyDelay)
			return
		}
		m.filter(ctx, msg)
	default:
		log.Debug().Msg("ignoring event")
	}
}

// filter removes flagged content right away and lets everything else expire.
func (m *Moderator) filter(ctx context.Context, msg event.Message) {
	if msg.Text == "" || !m.policy.Flagged(msg.Text) {
		m.expire(msg, m.cfg.RoutineDelay)
		return
	}
	if m.policy.ExemptAdmins && m.privileged(ctx, msg) {
		m.expire(msg, m.cfg.RoutineDelay)
		return
	}

	m.expire(msg, m.cfg.ViolationDelay)
	m.recorder.RecordAction("content_removed")
	m.logAction(ctx, msg.ChatID, msg.UserID, 0, "content_removed", "")
	zerolog.Ctx(ctx).Info().Int64("user_id", msg.UserID).Msg("flagged message scheduled for removal")

	if m.policy.WarnOnViolation && !msg.IsPrivate() {
		m.reply(ctx, msg, 0, render(m.policy.Messages.Violation, msg.Mention(), 0, 0))
	}
}

func (m *Moderator) command(ctx context.Context, msg event.Message) {
	texts := m.policy.Messages
	switch msg.Command {
	case "start":
		m.reply(ctx, msg, msg.MessageID, texts.Start)

	case "admin":
		if m.privileged(ctx, msg) {
			m.reply(ctx, msg, msg.MessageID, texts.Admin)
		} else {
			m.reply(ctx, msg, msg.MessageID, texts.NotAdmin)
		}

	case "warn":
		m.warn(ctx, msg)

	case "warnings":
		userID, who := msg.UserID, msg.Mention()
		if msg.ReplyTo != nil && msg.ReplyTo.UserID != 0 {
			userID, who = msg.ReplyTo.UserID, replyMention(msg.ReplyTo)
		}
		count, err := m.warns.Warnings(ctx, msg.ChatID, userID)
		if err != nil {
			m.fail(ctx, "store", err, "read warnings")
			return
		}
		m.reply(ctx, msg, msg.MessageID, render(texts.Warnings, who, count, 0))

	case "resetwarns":
		if !m.privileged(ctx, msg) {
			return
		}
		if msg.ReplyTo == nil || msg.ReplyTo.UserID == 0 {
			m.reply(ctx, msg, msg.MessageID, texts.WarnUsage)
			return
		}
		if err := m.warns.ResetWarnings(ctx, msg.ChatID, msg.ReplyTo.UserID); err != nil {
			m.fail(ctx, "store", err, "reset warnings")
			return
		}
		m.recorder.RecordAction("warnings_reset")
		m.logAction(ctx, msg.ChatID, msg.ReplyTo.UserID, msg.UserID, "warnings_reset", "")
		m.reply(ctx, msg, msg.MessageID, render(texts.Warnings, replyMention(msg.ReplyTo), 0, 0))

	case "stats":
		if !m.privileged(ctx, msg) {
			return
		}
		m.reply(ctx, msg, msg.MessageID, render(texts.Stats, msg.Mention(), 0, m.sched.ActiveJobs()))

	default:
		zerolog.Ctx(ctx).Debug().Str("command", msg.Command).Msg("unknown command")
	}
}

// warn issues a warning to the author of the replied-to message and mutes
// them once the limit is reached. Non-admins are ignored silently.
func (m *Moderator) warn(ctx context.Context, msg event.Message) {
	if !m.privileged(ctx, msg) {
		return
	}
	texts := m.policy.Messages
	if msg.ReplyTo == nil || msg.ReplyTo.UserID == 0 {
		m.reply(ctx, msg, msg.MessageID, texts.WarnUsage)
		return
	}
	target := msg.ReplyTo.UserID

	count, err := m.warns.AddWarning(ctx, msg.ChatID, target)
	if err != nil {
		m.fail(ctx, "store", err, "add warning")
		return
	}
	m.recorder.RecordAction("warn")
	m.logAction(ctx, msg.ChatID, target, msg.UserID, "warn", fmt.Sprintf("count=%d", count))
	m.reply(ctx, msg, msg.MessageID, render(texts.Warned, replyMention(msg.ReplyTo), count, 0))

	if count < m.policy.WarnLimit {
		return
	}

	if m.cfg.MuteDuration > 0 {
		until := time.Now().Add(m.cfg.MuteDuration)
		if err := m.msgr.Mute(ctx, msg.ChatID, target, until); err != nil {
			m.fail(ctx, "telegram", err, "mute user")
			return
		}
		m.recorder.RecordAction("mute")
		m.logAction(ctx, msg.ChatID, target, msg.UserID, "mute", "until="+until.UTC().Format(time.RFC3339))
	}
	m.reply(ctx, msg, msg.MessageID, render(texts.Muted, replyMention(msg.ReplyTo), count, 0))
}

func (m *Moderator) greet(ctx context.Context, msg event.Message) {
	if !m.policy.Greet {
		return
	}
	var names []string
	for _, u := range msg.NewMembers {
		if u.IsBot {
			continue
		}
		names = append(names, memberMention(u))
	}
	if len(names) == 0 {
		return
	}
	m.recorder.RecordAction("greet")
	m.reply(ctx, msg, msg.MessageID, render(m.policy.Messages.Greeting, strings.Join(names, ", "), 0, 0))
}

// privileged reports whether the sender is a configured admin or administers
// the chat. Chat lookups are cached; failed lookups are not.
func (m *Moderator) privileged(ctx context.Context, msg event.Message) bool {
	if m.cfg.IsAdmin != nil && m.cfg.IsAdmin(msg.UserID) {
		return true
	}
	if msg.IsPrivate() || msg.UserID == 0 {
		return false
	}

	key := fmt.Sprintf("%d:%d", msg.ChatID, msg.UserID)
	if v, ok := m.admins.Get(key); ok {
		return v.(bool)
	}
	isAdmin, err := m.msgr.IsChatAdmin(ctx, msg.ChatID, msg.UserID)
	if err != nil {
		m.fail(ctx, "telegram", err, "admin lookup")
		return false
	}
	m.admins.Set(key, isAdmin, cache.DefaultExpiration)
	return isAdmin
}

// reply answers in msg's chat and schedules the answer for removal.
func (m *Moderator) reply(ctx context.Context, msg event.Message, replyTo int, text string) {
	id, err := m.msgr.Reply(ctx, msg.ChatID, replyTo, text)
	if err != nil {
		m.fail(ctx, "telegram", err, "send reply")
		return
	}
	if msg.IsPrivate() {
		return
	}
	m.sched.Schedule(deletion.Key{ChatID: msg.ChatID, MessageID: id}, m.cfg.ReplyDelay)
}

// expire schedules msg itself for removal. Private chats are left alone.
func (m *Moderator) expire(msg event.Message, delay time.Duration) {
	if msg.IsPrivate() || msg.MessageID == 0 {
		return
	}
	m.sched.Schedule(deletion.Key{ChatID: msg.ChatID, MessageID: msg.MessageID}, delay)
}

func (m *Moderator) logAction(ctx context.Context, chatID, userID, actorID int64, action, details string) {
	err := m.warns.LogAction(ctx, store.Action{
		ChatID:  chatID,
		UserID:  userID,
		ActorID: actorID,
		Action:  action,
		Details: details,
	})
	if err != nil {
		m.fail(ctx, "store", err, "log action")
	}
}

func (m *Moderator) fail(ctx context.Context, module string, err error, what string) {
	m.recorder.RecordError(module, strings.ReplaceAll(what, " ", "_"))
	zerolog.Ctx(ctx).Warn().Err(err).Msg(what + " failed")
}

func replyMention(r *event.Reply) string {
	if r.Username != "" {
		return "@" + r.Username
	}
	return "user"
}

func memberMention(u event.Member) string {
	if u.Username != "" {
		return "@" + u.Username
	}
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return "user"
}
