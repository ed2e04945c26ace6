// Package directory is the durable store of users, conversations and messages.
//
// Three implementations share one contract:
//   - Memory: process-local, used for development and tests.
//   - Postgres: pgx pool, schema managed by Migrate.
//   - Badger: embedded key-value store (on disk or in memory).
//
// Every write is atomic from the caller's perspective. In particular
// AppendMessage allocates the next per-conversation seq, inserts the message
// and moves the conversation's last-message pointer in one step.
package directory

import (
	"context"
	"strings"
	"time"
)

// Pair is the canonical (sorted) participant pair of a direct conversation.
// {A,B} and {B,A} produce the same Pair.
type Pair struct {
	Low  string
	High string
}

// NewPair canonicalizes two distinct user ids.
func NewPair(a, b string) (Pair, error) {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == "" || b == "" {
		return Pair{}, InputError{Op: "directory.NewPair", Msg: "empty user id"}
	}
	if a == b {
		return Pair{}, InputError{Op: "directory.NewPair", Msg: "participants must differ"}
	}
	if strings.ContainsRune(a, 0) || strings.ContainsRune(b, 0) {
		return Pair{}, InputError{Op: "directory.NewPair", Msg: "invalid user id"}
	}
	if a > b {
		a, b = b, a
	}
	return Pair{Low: a, High: b}, nil
}

// Key is a stable string form of the pair, usable as a map or lock key.
func (p Pair) Key() string { return p.Low + "\x00" + p.High }

// Has reports whether userID is one of the two participants.
func (p Pair) Has(userID string) bool { return userID != "" && (p.Low == userID || p.High == userID) }

// Other returns the participant that is not userID.
func (p Pair) Other(userID string) (string, bool) {
	switch userID {
	case p.Low:
		return p.High, true
	case p.High:
		return p.Low, true
	default:
		return "", false
	}
}

// User is the presence-bearing user record.
// Profile fields are owned by the identity provider; the core only writes
// them when a credential carries them.
type User struct {
	ID          string
	Username    string
	DisplayName string
	Online      bool
	LastSeen    time.Time
}

// Conversation is the single thread between two users.
type Conversation struct {
	ID            string
	Pair          Pair
	LastSeq       int64
	LastMessageID string
	LastMessageAt time.Time
	CreatedAt     time.Time
}

// HasParticipant reports whether userID participates in c.
func (c Conversation) HasParticipant(userID string) bool { return c.Pair.Has(userID) }

// Counterpart returns the other participant.
func (c Conversation) Counterpart(userID string) (string, bool) { return c.Pair.Other(userID) }

// Message is a persisted direct message. Only Read/ReadAt ever change.
type Message struct {
	ID             string
	ConversationID string
	Seq            int64
	SenderID       string
	ReceiverID     string
	Content        string
	ClientMsgID    string
	CreatedAt      time.Time
	Read           bool
	ReadAt         *time.Time
}

// ConversationSummary is one row of a user's conversation list.
type ConversationSummary struct {
	Conversation Conversation
	Other        User
	LastMessage  *Message
}

// AppendMessageInput describes a message append.
type AppendMessageInput struct {
	ConversationID string
	SenderID       string
	ReceiverID     string
	Content        string
	// ClientMsgID deduplicates per (conversation, sender) when non-empty.
	ClientMsgID string
	Now         time.Time
}

// AppendMessageResult is the append outcome.
type AppendMessageResult struct {
	Message    Message
	Duplicated bool
}

// ListMessagesInput selects a window of a conversation ordered by seq ASC.
// Limit <= 0 returns every message after AfterSeq.
type ListMessagesInput struct {
	ConversationID string
	AfterSeq       int64
	Limit          int
}

// UserStore persists presence.
type UserStore interface {
	// UpsertUser records profile fields; blank fields keep their stored value.
	UpsertUser(ctx context.Context, u User) error
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string, lastSeen time.Time) error
	GetUser(ctx context.Context, userID string) (User, error)
}

// ConversationStore persists conversations.
type ConversationStore interface {
	FindConversation(ctx context.Context, pair Pair) (Conversation, error)
	// CreateConversation returns a ConflictError when the pair already exists.
	CreateConversation(ctx context.Context, pair Pair, now time.Time) (Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]ConversationSummary, error)
}

// MessageStore persists messages and read state.
type MessageStore interface {
	AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error)
	ListMessages(ctx context.Context, in ListMessagesInput) ([]Message, error)
	// MarkRead flips every unread message addressed to readerID and returns how many changed.
	MarkRead(ctx context.Context, conversationID, readerID string, now time.Time) (int64, error)
	CountUnread(ctx context.Context, conversationID, userID string) (int, error)
}

// Directory is the full storage contract.
type Directory interface {
	UserStore
	ConversationStore
	MessageStore

	Ping(ctx context.Context) error
	Close() error
}

func validateAppend(op string, in AppendMessageInput) error {
	if strings.TrimSpace(in.ConversationID) == "" {
		return InputError{Op: op, Msg: "missing conversation_id"}
	}
	if in.SenderID == "" || in.ReceiverID == "" || in.SenderID == in.ReceiverID {
		return InputError{Op: op, Msg: "invalid participants"}
	}
	if strings.TrimSpace(in.Content) == "" {
		return InputError{Op: op, Msg: "empty content"}
	}
	return nil
}

func checkParticipants(op string, c Conversation, senderID, receiverID string) error {
	if !c.Pair.Has(senderID) || !c.Pair.Has(receiverID) || senderID == receiverID {
		return InputError{Op: op, Msg: "participants do not match conversation"}
	}
	return nil
}
