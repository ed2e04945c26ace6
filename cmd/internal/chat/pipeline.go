package chat

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"courier/cmd/internal/directory"
	"courier/cmd/internal/keylock"
	"courier/cmd/internal/metrics"
)

// DefaultMaxMessageChars bounds message content in runes.
const DefaultMaxMessageChars = 4000

// SendInput is one send request from an authenticated sender.
type SendInput struct {
	SenderID    string
	ReceiverID  string
	Content     string
	ClientMsgID string
}

// SendResult is the persisted outcome.
type SendResult struct {
	Message      directory.Message
	Conversation directory.Conversation
	// ReceiverUnread is the receiver's unread count right after the append.
	ReceiverUnread int
	// Duplicated is set when ClientMsgID matched an earlier send.
	Duplicated bool
}

// Pipeline validates, resolves and durably appends messages.
type Pipeline struct {
	dir      directory.MessageStore
	resolver *Resolver
	tracker  *UnreadTracker
	locks    *keylock.Map
	maxChars int
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewPipeline builds a Pipeline. locks must be shared with tracker.
func NewPipeline(dir directory.MessageStore, resolver *Resolver, tracker *UnreadTracker, locks *keylock.Map, maxChars int, log *slog.Logger, m *metrics.Metrics) *Pipeline {
	if maxChars <= 0 {
		maxChars = DefaultMaxMessageChars
	}
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.Discard()
	}
	return &Pipeline{
		dir:      dir,
		resolver: resolver,
		tracker:  tracker,
		locks:    locks,
		maxChars: maxChars,
		log:      log,
		metrics:  m,
		now:      time.Now,
	}
}

// Send persists a message. Nothing is stored when validation fails.
//
// persisted, when non-nil, runs for a fresh (non-duplicate) message while the
// conversation lock is still held, so no read acknowledgement can slip in
// between the receiver's recount and the delivery carrying it. It must not
// block or call back into the same conversation.
func (p *Pipeline) Send(ctx context.Context, in SendInput, persisted func(SendResult)) (SendResult, error) {
	const op = "chat.Send"

	in.SenderID = strings.TrimSpace(in.SenderID)
	in.ReceiverID = strings.TrimSpace(in.ReceiverID)
	in.Content = strings.TrimSpace(in.Content)
	in.ClientMsgID = strings.TrimSpace(in.ClientMsgID)

	switch {
	case in.SenderID == "":
		return SendResult{}, opErr(op, ErrUnauthenticated, "authentication required")
	case in.ReceiverID == "":
		return SendResult{}, opErr(op, ErrValidation, "receiver_id is required")
	case in.ReceiverID == in.SenderID:
		return SendResult{}, opErr(op, ErrValidation, "cannot message yourself")
	case in.Content == "":
		return SendResult{}, opErr(op, ErrValidation, "content is empty")
	case utf8.RuneCountInString(in.Content) > p.maxChars:
		return SendResult{}, opErr(op, ErrValidation, "content is too long")
	}

	conv, err := p.resolver.Resolve(ctx, in.SenderID, in.ReceiverID)
	if err != nil {
		return SendResult{}, err
	}

	unlock, err := p.locks.Lock(ctx, conv.ID)
	if err != nil {
		return SendResult{}, storageErr(op, err)
	}
	defer unlock()

	prevUnread, hadPrev := p.tracker.cached(ctx, conv.ID, in.ReceiverID)
	if !hadPrev {
		prevUnread = -1
	}

	res, err := p.dir.AppendMessage(ctx, directory.AppendMessageInput{
		ConversationID: conv.ID,
		SenderID:       in.SenderID,
		ReceiverID:     in.ReceiverID,
		Content:        in.Content,
		ClientMsgID:    in.ClientMsgID,
		Now:            p.now().UTC(),
	})
	if err != nil {
		if directory.IsInvalidInput(err) {
			return SendResult{}, &OpError{Op: op, Kind: ErrValidation, Msg: "invalid message", Err: err}
		}
		return SendResult{}, storageErr(op, err)
	}

	out := SendResult{
		Message:      res.Message,
		Conversation: conv,
		Duplicated:   res.Duplicated,
	}
	if res.Duplicated {
		p.metrics.MessagesDuplicated.Inc()
		return out, nil
	}
	p.metrics.MessagesPersisted.Inc()
	out.Conversation.LastSeq = res.Message.Seq
	out.Conversation.LastMessageID = res.Message.ID
	out.Conversation.LastMessageAt = res.Message.CreatedAt

	n, err := p.tracker.refreshLocked(ctx, conv.ID, in.ReceiverID)
	if err != nil {
		// The message is durable, so the send still succeeds. The count falls
		// back to an estimate and the next read recounts.
		n = p.tracker.estimateLocked(ctx, conv.ID, in.ReceiverID, prevUnread)
		p.log.Warn("chat.send.recount.fail", "conversation_id", conv.ID, "message_id", res.Message.ID, "err", err)
	}
	out.ReceiverUnread = n
	if persisted != nil {
		persisted(out)
	}
	return out, nil
}
