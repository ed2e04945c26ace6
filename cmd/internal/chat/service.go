// Package chat implements conversation resolution, the message pipeline and
// read tracking for direct messages.
//
// Service is the entry point used by the transports: the WebSocket gateway
// issues commands (SendMessage, MarkRead) and the HTTP API issues queries.
// Delivery to live sessions goes through the Notifier port.
package chat

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"courier/cmd/internal/cache"
	"courier/cmd/internal/directory"
	"courier/cmd/internal/keylock"
	"courier/cmd/internal/metrics"

	"github.com/samber/lo"
)

// MaxFetchLimit clamps explicit page sizes on message fetches.
const MaxFetchLimit = 500

// Delivery is a freshly persisted message to push to live sessions.
type Delivery struct {
	Message        directory.Message
	ReceiverUnread int
	ClientMsgID    string
}

// ReadReceipt tells the original sender that the reader caught up.
type ReadReceipt struct {
	ConversationID string
	ReaderID       string
	SenderID       string
	// SenderUnread is the sender's own unread count in the conversation.
	SenderUnread int
	// ReaderUnread is the reader's count after marking, for their other devices.
	ReaderUnread int
}

// Notifier pushes events to live sessions. Both methods run while the
// conversation is locked, so pushes for one conversation reach sessions in
// the order the counts were taken. Implementations must not block on slow
// clients or call back into the Service.
type Notifier interface {
	Deliver(ctx context.Context, d Delivery)
	NotifyRead(ctx context.Context, r ReadReceipt)
}

// PresenceSource reports live presence.
type PresenceSource interface {
	IsOnline(userID string) bool
}

// Config tunes the service.
type Config struct {
	MaxMessageChars int
	Resolve         ResolverConfig
	UnreadCacheTTL  time.Duration
}

// Deps are the collaborators of a Service. Directory is required.
type Deps struct {
	Directory directory.Directory
	Cache     cache.Cache
	Notifier  Notifier
	Presence  PresenceSource
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Service composes Resolver, Pipeline and UnreadTracker.
type Service struct {
	dir      directory.Directory
	resolver *Resolver
	pipeline *Pipeline
	tracker  *UnreadTracker
	notifier Notifier
	presence PresenceSource
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// NewService wires the chat core.
func NewService(cfg Config, deps Deps) *Service {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.Discard()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}

	convLocks := keylock.New()
	resolver := NewResolver(deps.Directory, cfg.Resolve, log, m)
	tracker := NewUnreadTracker(deps.Directory, deps.Cache, cfg.UnreadCacheTTL, convLocks, log, m)
	pipeline := NewPipeline(deps.Directory, resolver, tracker, convLocks, cfg.MaxMessageChars, log, m)

	return &Service{
		dir:      deps.Directory,
		resolver: resolver,
		pipeline: pipeline,
		tracker:  tracker,
		notifier: notifier,
		presence: deps.Presence,
		log:      log,
		metrics:  m,
	}
}

// Resolver exposes the conversation resolver.
func (s *Service) Resolver() *Resolver { return s.resolver }

// Tracker exposes the unread tracker.
func (s *Service) Tracker() *UnreadTracker { return s.tracker }

// SendMessage persists the message and, unless it was a duplicate, routes it.
// The Notifier runs while the conversation is locked and must not block.
func (s *Service) SendMessage(ctx context.Context, in SendInput) (SendResult, error) {
	res, err := s.pipeline.Send(ctx, in, func(r SendResult) {
		s.notifier.Deliver(ctx, Delivery{
			Message:        r.Message,
			ReceiverUnread: r.ReceiverUnread,
			ClientMsgID:    strings.TrimSpace(in.ClientMsgID),
		})
	})
	if err != nil {
		s.metrics.SendFailures.WithLabelValues(Code(err)).Inc()
		return SendResult{}, err
	}
	return res, nil
}

// MarkReadResult is the outcome of a read acknowledgement.
type MarkReadResult struct {
	ConversationID string
	ReaderUnread   int
	SenderID       string
	SenderUnread   int
}

// MarkRead marks the conversation read for readerID and notifies the sender.
// senderID is optional; when present it must be the reader's counterpart.
func (s *Service) MarkRead(ctx context.Context, readerID, conversationID, senderID string) (MarkReadResult, error) {
	const op = "chat.MarkRead"

	conv, err := s.participantConversation(ctx, op, readerID, conversationID)
	if err != nil {
		return MarkReadResult{}, err
	}
	counterpart, _ := conv.Counterpart(readerID)
	if senderID = strings.TrimSpace(senderID); senderID != "" && senderID != counterpart {
		return MarkReadResult{}, opErr(op, ErrValidation, "sender_id is not the counterpart")
	}

	readerUnread, senderUnread, err := s.tracker.markRead(ctx, conv.ID, readerID, counterpart, func(readerUnread, senderUnread int) {
		s.notifier.NotifyRead(ctx, ReadReceipt{
			ConversationID: conv.ID,
			ReaderID:       readerID,
			SenderID:       counterpart,
			SenderUnread:   senderUnread,
			ReaderUnread:   readerUnread,
		})
	})
	if err != nil {
		return MarkReadResult{}, err
	}
	return MarkReadResult{
		ConversationID: conv.ID,
		ReaderUnread:   readerUnread,
		SenderID:       counterpart,
		SenderUnread:   senderUnread,
	}, nil
}

// ConversationView is one entry of a user's conversation list.
type ConversationView struct {
	Conversation directory.Conversation
	Other        directory.User
	LastMessage  *directory.Message
	Unread       int
}

// ListConversations returns userID's conversations, newest activity first.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]ConversationView, error) {
	const op = "chat.ListConversations"
	if strings.TrimSpace(userID) == "" {
		return nil, opErr(op, ErrUnauthenticated, "authentication required")
	}

	sums, err := s.dir.ListConversations(ctx, userID)
	if err != nil {
		return nil, storageErr(op, err)
	}

	out := make([]ConversationView, 0, len(sums))
	for _, sum := range sums {
		n, err := s.tracker.UnreadCountFor(ctx, sum.Conversation.ID, userID)
		if err != nil {
			return nil, err
		}
		other := sum.Other
		if s.presence != nil {
			other.Online = s.presence.IsOnline(other.ID)
		}
		out = append(out, ConversationView{
			Conversation: sum.Conversation,
			Other:        other,
			LastMessage:  sum.LastMessage,
			Unread:       n,
		})
	}
	return out, nil
}

// FetchMessages returns messages after afterSeq in ascending seq order.
// limit == 0 returns everything; larger limits are clamped to MaxFetchLimit.
func (s *Service) FetchMessages(ctx context.Context, userID, conversationID string, afterSeq int64, limit int) ([]directory.Message, error) {
	const op = "chat.FetchMessages"
	if limit < 0 || afterSeq < 0 {
		return nil, opErr(op, ErrValidation, "after_seq and limit must be non-negative")
	}
	limit = lo.Clamp(limit, 0, MaxFetchLimit)

	conv, err := s.participantConversation(ctx, op, userID, conversationID)
	if err != nil {
		return nil, err
	}

	msgs, err := s.dir.ListMessages(ctx, directory.ListMessagesInput{
		ConversationID: conv.ID,
		AfterSeq:       afterSeq,
		Limit:          limit,
	})
	if err != nil {
		return nil, storageErr(op, err)
	}
	return msgs, nil
}

// LookupConversation finds the caller's conversation with counterpartID.
func (s *Service) LookupConversation(ctx context.Context, userID, counterpartID string) (directory.Conversation, error) {
	if strings.TrimSpace(userID) == "" {
		return directory.Conversation{}, opErr("chat.LookupConversation", ErrUnauthenticated, "authentication required")
	}
	return s.resolver.Lookup(ctx, userID, counterpartID)
}

// PresenceView is a user's presence as seen by others.
type PresenceView struct {
	UserID   string
	Online   bool
	LastSeen time.Time
}

// Presence reports userID's presence. Online comes from live sessions,
// LastSeen from the directory.
func (s *Service) Presence(ctx context.Context, userID string) (PresenceView, error) {
	const op = "chat.Presence"
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return PresenceView{}, opErr(op, ErrValidation, "user id is required")
	}

	online := s.presence != nil && s.presence.IsOnline(userID)
	u, err := s.dir.GetUser(ctx, userID)
	switch {
	case err == nil:
		return PresenceView{UserID: userID, Online: online, LastSeen: u.LastSeen}, nil
	case directory.IsNotFound(err):
		if online {
			return PresenceView{UserID: userID, Online: true}, nil
		}
		return PresenceView{}, opErr(op, ErrNotFound, "user not found")
	default:
		return PresenceView{}, storageErr(op, err)
	}
}

// participantConversation loads conversationID and checks membership.
// An unknown id is reported as forbidden so existence does not leak.
func (s *Service) participantConversation(ctx context.Context, op, userID, conversationID string) (directory.Conversation, error) {
	if strings.TrimSpace(userID) == "" {
		return directory.Conversation{}, opErr(op, ErrUnauthenticated, "authentication required")
	}
	if strings.TrimSpace(conversationID) == "" {
		return directory.Conversation{}, opErr(op, ErrValidation, "conversation_id is required")
	}

	conv, err := s.dir.GetConversation(ctx, conversationID)
	if directory.IsNotFound(err) {
		return directory.Conversation{}, opErr(op, ErrForbidden, "forbidden")
	}
	if err != nil {
		return directory.Conversation{}, storageErr(op, err)
	}
	if !conv.HasParticipant(userID) {
		return directory.Conversation{}, opErr(op, ErrForbidden, "forbidden")
	}
	return conv, nil
}

type nopNotifier struct{}

func (nopNotifier) Deliver(context.Context, Delivery)       {}
func (nopNotifier) NotifyRead(context.Context, ReadReceipt) {}
