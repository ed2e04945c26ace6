// Package v1 defines the Courier realtime protocol v1 contract.
//
// It is shared between the server, the smoke tool and clients, so the wire
// protocol has a single authoritative definition.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol clients must negotiate.
const Subprotocol = "courier.dm.v1"

// Type constants (wire-stable).
const (
	// TypeHello authenticates a connection that did not present a bearer token at the handshake.
	TypeHello = "hello"
	// TypeHelloAck confirms registration of the session.
	TypeHelloAck = "hello_ack"

	// TypeSendMessage asks the core to send a direct message (client -> core).
	TypeSendMessage = "send_message"
	// TypeMessageSent acknowledges a persisted message to the sender's sessions.
	TypeMessageSent = "message_sent"
	// TypeMessageError reports a failed send to the originating session.
	TypeMessageError = "message_error"
	// TypeReceiveMessage delivers a new message to the receiver's sessions.
	TypeReceiveMessage = "receive_message"

	// TypeMarkMessagesRead marks every inbound message of a conversation as read (client -> core).
	TypeMarkMessagesRead = "mark_messages_read"
	// TypeMessagesRead is the read receipt pushed to the original sender.
	TypeMessagesRead = "messages_read"

	// TypeError is a generic protocol error (core -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeSendMessage,
		TypeMessageSent,
		TypeMessageError,
		TypeReceiveMessage,
		TypeMarkMessagesRead,
		TypeMessagesRead,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// IsClientCommand reports whether typ may be sent by a client.
func IsClientCommand(typ string) bool {
	switch typ {
	case TypeHello, TypeSendMessage, TypeMarkMessagesRead:
		return true
	default:
		return false
	}
}
