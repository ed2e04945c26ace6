package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"courier/cmd/internal/chat"
	"courier/cmd/internal/directory"
	"courier/cmd/internal/ids"
	"courier/cmd/internal/metrics"
	v1 "courier/shared/contracts/realtime/v1"

	"github.com/samber/lo"
)

// Router fans chat events out to the sessions of the involved users.
//
// Delivery never blocks: a full session queue drops the event (counted in
// metrics) and the client catches up through the query surface.
type Router struct {
	reg     *Registry
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

var _ chat.Notifier = (*Router)(nil)

// NewRouter constructs a Router over reg.
func NewRouter(reg *Registry, log *slog.Logger, m *metrics.Metrics) *Router {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.Discard()
	}
	return &Router{reg: reg, log: log, metrics: m, now: time.Now}
}

// Deliver pushes receive_message to the receiver and message_sent to the sender.
func (r *Router) Deliver(ctx context.Context, d chat.Delivery) {
	msg := ToWireMessage(d.Message)

	r.fanout(ctx, d.Message.ReceiverID, v1.TypeReceiveMessage, v1.ReceiveMessagePayload{
		Message:        msg,
		ConversationID: d.Message.ConversationID,
		UnreadCount:    d.ReceiverUnread,
		SenderID:       d.Message.SenderID,
	})
	r.fanout(ctx, d.Message.SenderID, v1.TypeMessageSent, v1.MessageSentPayload{
		Message:        msg,
		ConversationID: d.Message.ConversationID,
		ClientMsgID:    d.ClientMsgID,
	})
}

// NotifyRead pushes messages_read to the original sender with the sender's
// own unread count, and to the reader's sessions with the reader's count.
func (r *Router) NotifyRead(ctx context.Context, rr chat.ReadReceipt) {
	r.fanout(ctx, rr.SenderID, v1.TypeMessagesRead, v1.MessagesReadPayload{
		ConversationID: rr.ConversationID,
		ReceiverID:     rr.ReaderID,
		UnreadCount:    rr.SenderUnread,
	})
	r.fanout(ctx, rr.ReaderID, v1.TypeMessagesRead, v1.MessagesReadPayload{
		ConversationID: rr.ConversationID,
		ReceiverID:     rr.ReaderID,
		UnreadCount:    rr.ReaderUnread,
	})
}

func (r *Router) fanout(_ context.Context, userID, typ string, payload any) {
	sessions := r.reg.SessionsFor(userID)
	if len(sessions) == 0 {
		r.metrics.Deliveries.WithLabelValues(typ, "offline").Inc()
		return
	}

	env, err := newEnvelope(typ, payload, r.now().UTC())
	if err != nil {
		r.log.Error("router.encode.fail", "type", typ, "err", err)
		return
	}

	queued := lo.CountBy(sessions, func(c *Client) bool {
		if c.enqueue(env) {
			return true
		}
		r.log.Warn("router.drop", "type", typ, "user_id", userID, "session_id", c.SessionID)
		return false
	})
	r.metrics.Deliveries.WithLabelValues(typ, "queued").Add(float64(queued))
	if dropped := len(sessions) - queued; dropped > 0 {
		r.metrics.Deliveries.WithLabelValues(typ, "dropped").Add(float64(dropped))
	}
}

// ToWireMessage converts a stored message to its protocol form.
func ToWireMessage(m directory.Message) v1.Message {
	return v1.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		Read:           m.Read,
		ReadAt:         m.ReadAt,
	}
}

func newEnvelope(typ string, payload any, ts time.Time) (v1.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.NewEnvelopeID(),
		TS:      ts,
		Payload: raw,
	}, nil
}
