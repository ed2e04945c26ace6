// Package main is a WebSocket smoke test for a running Courier server.
//
// It drives two users through the canonical direct-message scenario:
//   - A and B connect and authenticate in-band with hello
//   - A sends "hi" to B; A gets message_sent, B gets receive_message (unread 1)
//   - B marks the conversation read; A gets the read receipt
//   - B replies "how are you?"; A receives it (unread 1)
//   - A resends its first client_msg_id; only A sees a duplicated ack
//   - B's conversation list over HTTP shows the reply as last message
//
// Tokens are signed locally, so the server must be configured with the
// public key matching -secret. Run with -keygen to print a fresh pair.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "courier/shared/contracts/realtime/v1"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20

type smokeClient struct {
	name      string
	userID    string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		apiURL  = flag.String("api", "", "HTTP base URL for the query surface (default: derived from -url)")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		secret  = flag.String("secret", os.Getenv("COURIER_PASETO_SECRET_KEY_HEX"), "PASETO v4 secret key (hex)")
		issuer  = flag.String("issuer", os.Getenv("COURIER_AUTH_ISSUER"), "token issuer claim")
		userA   = flag.String("a", "smoke-alice", "user id of A")
		userB   = flag.String("b", "smoke-bob", "user id of B")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		keygen  = flag.Bool("keygen", false, "print a fresh PASETO keypair and exit")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if *keygen {
		key := paseto.NewV4AsymmetricSecretKey()
		fmt.Printf("COURIER_PASETO_SECRET_KEY_HEX=%s\nCOURIER_PASETO_PUBLIC_KEY_HEX=%s\n", key.ExportHex(), key.Public().ExportHex())
		return
	}

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if strings.TrimSpace(*secret) == "" {
		fatalf("missing -secret (or COURIER_PASETO_SECRET_KEY_HEX); use -keygen to create one")
	}
	base := *apiURL
	if base == "" {
		base = httpBase(*wsURL)
	}

	key, err := paseto.NewV4AsymmetricSecretKeyFromHex(strings.TrimSpace(*secret))
	if err != nil {
		fatalf("invalid -secret: %v", err)
	}
	tokenFor := func(userID string) string {
		return signToken(key, *issuer, userID, 5*time.Minute)
	}

	root := context.Background()

	a := mustConnect(root, "A", *userA, *wsURL, *origin, tokenFor(*userA), *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *userB, *wsURL, *origin, tokenFor(*userB), *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.sessionID, b.sessionID, *origin)
	}

	// A -> B "hi"
	cmsg := fmt.Sprintf("smoke-%d", time.Now().UnixNano())
	sent := mustSend(root, a, b.userID, "hi", cmsg, *timeout)
	if sent.Duplicated {
		fatalf("first send reported duplicated")
	}
	convID := sent.ConversationID

	recv := mustReceive(root, b, *timeout)
	if recv.Message.ID != sent.Message.ID || recv.Message.Content != "hi" {
		fatalf("B received %q (%s), want %q (%s)", recv.Message.Content, recv.Message.ID, "hi", sent.Message.ID)
	}
	if recv.UnreadCount != 1 {
		fatalf("B unread after hi: got=%d want=1", recv.UnreadCount)
	}
	if *verbose {
		fmt.Printf("hi delivered: conv=%s seq=%d\n", convID, recv.Message.Seq)
	}

	// B reads; A gets the receipt.
	mustWrite(root, b.conn, envelope(v1.TypeMarkMessagesRead, v1.MarkMessagesReadPayload{
		ConversationID: convID,
		SenderID:       a.userID,
	}), *timeout)

	receipt := decode[v1.MessagesReadPayload](a, a.mustReadUntilType(root, v1.TypeMessagesRead, *timeout, nil))
	if receipt.ConversationID != convID || receipt.ReceiverID != b.userID {
		fatalf("receipt mismatch: conv=%q reader=%q", receipt.ConversationID, receipt.ReceiverID)
	}
	own := decode[v1.MessagesReadPayload](b, b.mustReadUntilType(root, v1.TypeMessagesRead, *timeout, nil))
	if own.UnreadCount != 0 {
		fatalf("B unread after mark read: got=%d want=0", own.UnreadCount)
	}

	// B -> A "how are you?"
	reply := mustSend(root, b, a.userID, "how are you?", "", *timeout)
	if reply.ConversationID != convID {
		fatalf("reply landed in another conversation: %s != %s", reply.ConversationID, convID)
	}
	if reply.Message.Seq <= sent.Message.Seq {
		fatalf("seq did not advance: hi=%d reply=%d", sent.Message.Seq, reply.Message.Seq)
	}
	back := mustReceive(root, a, *timeout)
	if back.Message.Content != "how are you?" || back.UnreadCount != 1 {
		fatalf("A received %q unread=%d", back.Message.Content, back.UnreadCount)
	}

	// Idempotent resend.
	dup := mustSend(root, a, b.userID, "hi", cmsg, *timeout)
	if !dup.Duplicated || dup.Message.ID != sent.Message.ID {
		fatalf("resend not deduplicated: duplicated=%v id=%s", dup.Duplicated, dup.Message.ID)
	}
	mustAssertNoType(root, b, v1.TypeReceiveMessage, 1200*time.Millisecond)

	mustConversationList(root, base, *origin, tokenFor(b.userID), convID, reply.Message.ID, *timeout)

	fmt.Printf("OK: A=%s B=%s conv_id=%s last_seq=%d\n", a.sessionID, b.sessionID, convID, reply.Message.Seq)
}

// signToken mints the v4.public access token the server verifies:
// uid and username claims, optional iss.
func signToken(key paseto.V4AsymmetricSecretKey, issuer, userID string, ttl time.Duration) string {
	now := time.Now()
	tok := paseto.NewToken()
	if issuer != "" {
		tok.SetIssuer(issuer)
	}
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(now.Add(ttl))
	_ = tok.Set("uid", userID)
	_ = tok.Set("username", userID)
	return tok.V4Sign(key, nil)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func httpBase(wsURL string) string {
	u, _ := url.Parse(wsURL)
	if u.Scheme == "wss" {
		u.Scheme = "https"
	} else {
		u.Scheme = "http"
	}
	u.Path = ""
	u.RawQuery = ""
	return u.String()
}

func mustConnect(parent context.Context, name, userID, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	mustWrite(parent, conn, envelope(v1.TypeHello, v1.HelloPayload{Token: token}), stepTimeout)

	ack := decode[v1.HelloAckPayload](c, c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil))
	if strings.TrimSpace(ack.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	if ack.UserID != userID {
		fatalf("hello_ack user mismatch (%s): got=%q want=%q", name, ack.UserID, userID)
	}
	c.sessionID = ack.SessionID
	return c
}

func (c *smokeClient) startReadLoop() {
	fail := func(err error) {
		select {
		case c.errCh <- err:
		default:
		}
	}

	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				fail(err)
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func mustSend(parent context.Context, c *smokeClient, to, content, clientMsgID string, stepTimeout time.Duration) v1.MessageSentPayload {
	mustWrite(parent, c.conn, envelope(v1.TypeSendMessage, v1.SendMessagePayload{
		ReceiverID:  to,
		Content:     content,
		ClientMsgID: clientMsgID,
	}), stepTimeout)

	skip := map[string]struct{}{v1.TypeReceiveMessage: {}, v1.TypeMessagesRead: {}}
	p := decode[v1.MessageSentPayload](c, c.mustReadUntilType(parent, v1.TypeMessageSent, stepTimeout, skip))
	if p.ClientMsgID != clientMsgID {
		fatalf("ack client_msg_id mismatch (%s): got=%q want=%q", c.name, p.ClientMsgID, clientMsgID)
	}
	if p.Message.Seq <= 0 || strings.TrimSpace(p.Message.ID) == "" {
		fatalf("ack carries an unpersisted message (%s): id=%q seq=%d", c.name, p.Message.ID, p.Message.Seq)
	}
	if p.Message.SenderID != c.userID || p.Message.ReceiverID != to {
		fatalf("ack participants mismatch (%s): %s -> %s", c.name, p.Message.SenderID, p.Message.ReceiverID)
	}
	return p
}

func mustReceive(parent context.Context, c *smokeClient, stepTimeout time.Duration) v1.ReceiveMessagePayload {
	p := decode[v1.ReceiveMessagePayload](c, c.mustReadUntilType(parent, v1.TypeReceiveMessage, stepTimeout, nil))
	if p.Message.ReceiverID != c.userID {
		fatalf("receive_message addressed to %q (%s)", p.Message.ReceiverID, c.name)
	}
	if p.Message.CreatedAt.IsZero() {
		fatalf("receive_message created_at missing (%s)", c.name)
	}
	return p
}

func mustConversationList(parent context.Context, base, origin, token, convID, lastMsgID string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/v1/conversations", nil)
	if err != nil {
		fatalf("build list request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("list conversations: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fatalf("list conversations: status %d", resp.StatusCode)
	}

	var out struct {
		Conversations []struct {
			ConversationID string      `json:"conversation_id"`
			LastMessage    *v1.Message `json:"last_message"`
			UnreadCount    int         `json:"unread_count"`
		} `json:"conversations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fatalf("decode conversations: %v", err)
	}

	for _, c := range out.Conversations {
		if c.ConversationID != convID {
			continue
		}
		if c.LastMessage == nil || c.LastMessage.ID != lastMsgID {
			fatalf("conversation list: last message is not the reply")
		}
		if c.UnreadCount != 0 {
			fatalf("conversation list: B unread=%d want=0", c.UnreadCount)
		}
		return
	}
	fatalf("conversation list: %s missing", convID)
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			switch env.Type {
			case v1.TypeError, v1.TypeMessageError:
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server %s (%s): code=%q msg=%q", env.Type, c.name, ep.Code, ep.Message)
			}
			if _, ok := skipTypes[env.Type]; ok {
				continue
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func envelope(typ string, payload any) v1.Envelope {
	b, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("smoke-%s-%d", typ, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: b,
	}
}

func decode[T any](c *smokeClient, env v1.Envelope) T {
	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		fatalf("unmarshal %s payload (%s): %v", env.Type, c.name, err)
	}
	return out
}

func mustWrite(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
