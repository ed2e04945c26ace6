package v1

import "time"

// HelloPayload carries the bearer credential for in-band authentication.
type HelloPayload struct {
	Token string `json:"token,omitempty"`
}

// HelloAckPayload confirms the registered session.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// Message is the wire representation of a persisted direct message.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Seq            int64      `json:"seq"`
	SenderID       string     `json:"sender_id"`
	ReceiverID     string     `json:"receiver_id"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"created_at"`
	Read           bool       `json:"read"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
}

// SendMessagePayload requests a new message to ReceiverID.
type SendMessagePayload struct {
	ReceiverID  string `json:"receiver_id" validate:"required,max=128"`
	Content     string `json:"content" validate:"required"`
	ClientMsgID string `json:"client_msg_id,omitempty" validate:"omitempty,max=64"`
}

// MessageSentPayload acknowledges a persisted message to the sender.
type MessageSentPayload struct {
	Message        Message `json:"message"`
	ConversationID string  `json:"conversation_id"`
	ClientMsgID    string  `json:"client_msg_id,omitempty"`
	Duplicated     bool    `json:"duplicated,omitempty"`
}

// MessageErrorPayload reports a failed send.
type MessageErrorPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
}

// ReceiveMessagePayload delivers a message to the receiver.
type ReceiveMessagePayload struct {
	Message        Message `json:"message"`
	ConversationID string  `json:"conversation_id"`
	UnreadCount    int     `json:"unread_count"`
	SenderID       string  `json:"sender_id"`
}

// MarkMessagesReadPayload marks the messages SenderID sent in ConversationID as read.
type MarkMessagesReadPayload struct {
	ConversationID string `json:"conversation_id" validate:"required,max=64"`
	SenderID       string `json:"sender_id,omitempty" validate:"omitempty,max=128"`
}

// MessagesReadPayload is the read receipt.
//
// ReceiverID is the user who read the messages. UnreadCount is the unread
// count of the session owner in that conversation.
type MessagesReadPayload struct {
	ConversationID string `json:"conversation_id"`
	ReceiverID     string `json:"receiver_id"`
	UnreadCount    int    `json:"unread_count"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
