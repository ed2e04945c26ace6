package httpapi

import (
	"time"

	"courier/cmd/internal/chat"
	"courier/cmd/internal/directory"
	"courier/cmd/internal/realtime"
	v1 "courier/shared/contracts/realtime/v1"

	"github.com/samber/lo"
)

type lookupRequest struct {
	CounterpartID string `json:"counterpart_id" validate:"required,max=128"`
}

type lookupResponse struct {
	ConversationID string `json:"conversation_id"`
}

type userResponse struct {
	ID          string     `json:"id"`
	Username    string     `json:"username,omitempty"`
	DisplayName string     `json:"display_name,omitempty"`
	Online      bool       `json:"online"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
}

type conversationResponse struct {
	ConversationID string       `json:"conversation_id"`
	User           userResponse `json:"user"`
	LastMessage    *v1.Message  `json:"last_message"`
	LastMessageAt  *time.Time   `json:"last_message_at"`
	LastSeq        int64        `json:"last_seq"`
	UnreadCount    int          `json:"unread_count"`
}

type conversationsResponse struct {
	Conversations []conversationResponse `json:"conversations"`
}

type messagesResponse struct {
	ConversationID string       `json:"conversation_id"`
	Messages       []v1.Message `json:"messages"`
}

type presenceResponse struct {
	UserID   string     `json:"user_id"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

func toConversationResponse(v chat.ConversationView, _ int) conversationResponse {
	out := conversationResponse{
		ConversationID: v.Conversation.ID,
		User: userResponse{
			ID:          v.Other.ID,
			Username:    v.Other.Username,
			DisplayName: v.Other.DisplayName,
			Online:      v.Other.Online,
			LastSeen:    timePtr(v.Other.LastSeen),
		},
		LastMessageAt: timePtr(v.Conversation.LastMessageAt),
		LastSeq:       v.Conversation.LastSeq,
		UnreadCount:   v.Unread,
	}
	if v.LastMessage != nil {
		m := realtime.ToWireMessage(*v.LastMessage)
		out.LastMessage = &m
	}
	return out
}

// toMessages shares the realtime converter so HTTP and WebSocket payloads
// carry the same message shape.
func toMessages(msgs []directory.Message) []v1.Message {
	return lo.Map(msgs, func(m directory.Message, _ int) v1.Message { return realtime.ToWireMessage(m) })
}
