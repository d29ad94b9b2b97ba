// Package event defines the inbound chat events the moderator acts on and the
// Source interface that ingestion adapters implement.
package event

import (
	"context"
	"strings"
	"time"
)

// Kind identifies what happened in the chat.
type Kind string

const (
	KindMessage Kind = "message"
	KindEdited  Kind = "edited"
	KindJoin    Kind = "join"
)

// Member is a user who joined a chat.
type Member struct {
	UserID      int64
	Username    string
	DisplayName string
	IsBot       bool
}

// Reply describes the message a Message replies to.
type Reply struct {
	MessageID int
	UserID    int64
	Username  string
}

// Message is one inbound chat event.
type Message struct {
	Kind        Kind
	ChatID      int64
	ChatType    string // "private", "group", "supergroup", "channel"
	MessageID   int
	UserID      int64
	Username    string
	DisplayName string
	FromBot     bool
	Text        string
	Command     string // command name without the leading slash or @bot suffix
	Args        string
	ReplyTo     *Reply
	NewMembers  []Member
	ArrivedAt   time.Time
}

// IsCommand reports whether the message is a bot command.
func (m Message) IsCommand() bool { return m.Command != "" }

// IsPrivate reports whether the message was sent in a one-to-one chat.
func (m Message) IsPrivate() bool { return m.ChatType == "private" }

// Mention returns a human-readable handle for the sender.
func (m Message) Mention() string {
	if m.Username != "" {
		return "@" + m.Username
	}
	if name := strings.TrimSpace(m.DisplayName); name != "" {
		return name
	}
	return "user"
}

// Source is implemented by anything that can emit chat events.
type Source interface {
	// Name returns the source identifier (e.g. "telegram").
	Name() string

	// Subscribe starts delivering events to out until ctx is cancelled.
	// Subscribe must be non-blocking; it should start a goroutine internally.
	Subscribe(ctx context.Context, out chan<- Message) error
}
