package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"courier/cmd/internal/auth"
	"courier/cmd/internal/chat"
	"courier/cmd/internal/directory"
	"courier/cmd/internal/ids"
	v1 "courier/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

const testIssuer = "courier-test"

type wsHarness struct {
	srv    *httptest.Server
	issuer *auth.PasetoIssuer
	dir    *directory.Memory
	reg    *Registry
	svc    *chat.Service
	gw     *WSGateway
}

func newWSHarness(t *testing.T, mutate func(*GatewayConfig)) *wsHarness {
	t.Helper()
	req := require.New(t)

	issuer, err := auth.NewPasetoIssuer("", testIssuer, time.Hour)
	req.NoError(err)
	verifier, err := auth.NewPasetoVerifier(issuer.PublicKeyHex(), testIssuer, 0)
	req.NoError(err)

	log := testLogger()
	dir := directory.NewMemory()
	reg := NewRegistry(dir, log, nil)
	svc := chat.NewService(chat.Config{}, chat.Deps{
		Directory: dir,
		Notifier:  NewRouter(reg, log, nil),
		Presence:  reg,
		Logger:    log,
	})

	cfg := DefaultGatewayConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	gw := NewWSGateway(cfg, verifier, reg, svc, log, nil)

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		reg.Close()
		srv.Close()
	})

	return &wsHarness{srv: srv, issuer: issuer, dir: dir, reg: reg, svc: svc, gw: gw}
}

func (h *wsHarness) token(userID string) string {
	tok, _ := h.issuer.Issue(auth.Identity{UserID: userID, Username: strings.ToUpper(userID[:1]) + userID[1:]}, time.Now())
	return tok
}

func (h *wsHarness) dial(t *testing.T, bearer string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(h.srv.URL)
	require.NoError(t, err)
	u.Scheme = "ws"
	u.Path = "/ws"

	hdr := http.Header{}
	if bearer != "" {
		hdr.Set("Authorization", "Bearer "+bearer)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   hdr,
	})
}

// connect dials with a handshake token and waits for hello_ack.
func (h *wsHarness) connect(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	conn, resp, err := h.dial(t, h.token(userID))
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })

	ack := readUntilType(t, conn, v1.TypeHelloAck, 1)
	p := decodePayload[v1.HelloAckPayload](t, ack)
	require.Equal(t, userID, p.UserID)
	require.True(t, ids.IsULID(p.SessionID))
	return conn
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	b, err := json.Marshal(v1.Envelope{V: v1.Version, Type: typ, ID: ids.NewEnvelopeID(), TS: time.Now().UTC(), Payload: raw})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, b))
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	if maxReads <= 0 {
		maxReads = 1
	}
	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		require.NoError(t, err)

		var env v1.Envelope
		require.NoError(t, json.Unmarshal(b, &env))
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond)
}

func TestWSGateway_InvalidTokenRejectedBeforeUpgrade(t *testing.T) {
	h := newWSHarness(t, nil)

	_, resp, err := h.dial(t, "not-a-valid-token")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.False(t, h.reg.IsOnline("alice"))
}

func TestWSGateway_OriginNotAllowed(t *testing.T) {
	h := newWSHarness(t, func(c *GatewayConfig) {
		c.AllowedOrigins = []string{"https://app.example.com"}
	})

	u, _ := url.Parse(h.srv.URL)
	u.Scheme = "ws"
	u.Path = "/ws"
	hdr := http.Header{}
	hdr.Set("Origin", "https://evil.example.net")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   hdr,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWSGateway_HelloAuthenticatesInBand(t *testing.T) {
	h := newWSHarness(t, nil)

	conn, resp, err := h.dial(t, "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	writeEnvelopeWS(t, conn, v1.TypeHello, v1.HelloPayload{Token: h.token("alice")})
	ack := readUntilType(t, conn, v1.TypeHelloAck, 1)
	require.Equal(t, "alice", decodePayload[v1.HelloAckPayload](t, ack).UserID)
	waitFor(t, func() bool { return h.reg.IsOnline("alice") })

	u, err := h.dir.GetUser(testCtx(t), "alice")
	require.NoError(t, err)
	require.True(t, u.Online)
	require.Equal(t, "Alice", u.Username)
}

func TestWSGateway_HelloTimeoutClosesWithPolicyViolation(t *testing.T) {
	h := newWSHarness(t, func(c *GatewayConfig) { c.AuthTimeout = 150 * time.Millisecond })

	conn, resp, err := h.dial(t, "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, _, err = conn.Read(ctx)
		if err != nil {
			break
		}
	}
	require.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
	require.Zero(t, h.reg.SessionCount())
}

func TestWSGateway_BadHelloTokenCloses(t *testing.T) {
	h := newWSHarness(t, nil)

	conn, resp, err := h.dial(t, "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	writeEnvelopeWS(t, conn, v1.TypeHello, v1.HelloPayload{Token: "garbage"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, _, err = conn.Read(ctx)
		if err != nil {
			break
		}
	}
	require.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

// Alice writes to Bob while Bob is online, Bob reads, Alice gets the receipt.
func TestWSGateway_DirectMessageRoundTrip(t *testing.T) {
	req := require.New(t)
	h := newWSHarness(t, nil)

	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	writeEnvelopeWS(t, alice, v1.TypeSendMessage, v1.SendMessagePayload{
		ReceiverID:  "bob",
		Content:     "  hello bob  ",
		ClientMsgID: "c-1",
	})

	sent := decodePayload[v1.MessageSentPayload](t, readUntilType(t, alice, v1.TypeMessageSent, 3))
	req.Equal("c-1", sent.ClientMsgID)
	req.Equal(int64(1), sent.Message.Seq)
	req.Equal("hello bob", sent.Message.Content)
	req.False(sent.Duplicated)

	recv := decodePayload[v1.ReceiveMessagePayload](t, readUntilType(t, bob, v1.TypeReceiveMessage, 3))
	req.Equal(sent.Message.ID, recv.Message.ID)
	req.Equal(sent.ConversationID, recv.ConversationID)
	req.Equal("alice", recv.SenderID)
	req.Equal(1, recv.UnreadCount)

	writeEnvelopeWS(t, bob, v1.TypeMarkMessagesRead, v1.MarkMessagesReadPayload{
		ConversationID: recv.ConversationID,
		SenderID:       "alice",
	})

	receipt := decodePayload[v1.MessagesReadPayload](t, readUntilType(t, alice, v1.TypeMessagesRead, 3))
	req.Equal(recv.ConversationID, receipt.ConversationID)
	req.Equal("bob", receipt.ReceiverID)
	req.Equal(0, receipt.UnreadCount)

	own := decodePayload[v1.MessagesReadPayload](t, readUntilType(t, bob, v1.TypeMessagesRead, 3))
	req.Equal(0, own.UnreadCount)

	msgs, err := h.svc.FetchMessages(testCtx(t), "bob", recv.ConversationID, 0, 0)
	req.NoError(err)
	req.Len(msgs, 1)
	req.True(msgs[0].Read)
}

func TestWSGateway_DuplicateSendAcksOnlyTheRetry(t *testing.T) {
	req := require.New(t)
	h := newWSHarness(t, nil)

	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	payload := v1.SendMessagePayload{ReceiverID: "bob", Content: "once", ClientMsgID: "dup-1"}
	writeEnvelopeWS(t, alice, v1.TypeSendMessage, payload)
	first := decodePayload[v1.MessageSentPayload](t, readUntilType(t, alice, v1.TypeMessageSent, 3))
	readUntilType(t, bob, v1.TypeReceiveMessage, 3)

	writeEnvelopeWS(t, alice, v1.TypeSendMessage, payload)
	second := decodePayload[v1.MessageSentPayload](t, readUntilType(t, alice, v1.TypeMessageSent, 3))
	req.True(second.Duplicated)
	req.Equal(first.Message.ID, second.Message.ID)

	// Bob sees nothing for the retry; the next thing he gets is a new message.
	writeEnvelopeWS(t, alice, v1.TypeSendMessage, v1.SendMessagePayload{ReceiverID: "bob", Content: "twice"})
	next := decodePayload[v1.ReceiveMessagePayload](t, readUntilType(t, bob, v1.TypeReceiveMessage, 1))
	req.Equal("twice", next.Message.Content)
	req.Equal(int64(2), next.Message.Seq)
	req.Equal(2, next.UnreadCount)
}

func TestWSGateway_SendErrorsReachOnlyTheSender(t *testing.T) {
	req := require.New(t)
	h := newWSHarness(t, nil)

	alice := h.connect(t, "alice")

	writeEnvelopeWS(t, alice, v1.TypeSendMessage, v1.SendMessagePayload{ReceiverID: "bob", Content: "   ", ClientMsgID: "e-1"})
	e1 := decodePayload[v1.MessageErrorPayload](t, readUntilType(t, alice, v1.TypeMessageError, 3))
	req.Equal("validation_failed", e1.Code)
	req.Equal("e-1", e1.ClientMsgID)

	writeEnvelopeWS(t, alice, v1.TypeSendMessage, v1.SendMessagePayload{ReceiverID: "alice", Content: "me", ClientMsgID: "e-2"})
	e2 := decodePayload[v1.MessageErrorPayload](t, readUntilType(t, alice, v1.TypeMessageError, 3))
	req.Equal("validation_failed", e2.Code)
	req.Equal("e-2", e2.ClientMsgID)

	writeEnvelopeWS(t, alice, v1.TypeSendMessage, v1.SendMessagePayload{ReceiverID: "bob", Content: strings.Repeat("x", chat.DefaultMaxMessageChars+1)})
	e3 := decodePayload[v1.MessageErrorPayload](t, readUntilType(t, alice, v1.TypeMessageError, 3))
	req.Equal("validation_failed", e3.Code)

	convs, err := h.svc.ListConversations(testCtx(t), "alice")
	req.NoError(err)
	req.Empty(convs)
}

func TestWSGateway_MarkReadForeignConversationForbidden(t *testing.T) {
	req := require.New(t)
	h := newWSHarness(t, nil)

	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")
	mallory := h.connect(t, "mallory")

	writeEnvelopeWS(t, alice, v1.TypeSendMessage, v1.SendMessagePayload{ReceiverID: "bob", Content: "secret"})
	recv := decodePayload[v1.ReceiveMessagePayload](t, readUntilType(t, bob, v1.TypeReceiveMessage, 3))

	writeEnvelopeWS(t, mallory, v1.TypeMarkMessagesRead, v1.MarkMessagesReadPayload{ConversationID: recv.ConversationID})
	e := decodePayload[v1.ErrorPayload](t, readUntilType(t, mallory, v1.TypeError, 3))
	req.Equal("forbidden", e.Code)

	n, err := h.dir.CountUnread(testCtx(t), recv.ConversationID, "bob")
	req.NoError(err)
	req.Equal(1, n)
}

func TestWSGateway_EverySessionOfAUserReceives(t *testing.T) {
	req := require.New(t)
	h := newWSHarness(t, nil)

	alicePhone := h.connect(t, "alice")
	aliceLaptop := h.connect(t, "alice")
	bobPhone := h.connect(t, "bob")
	bobLaptop := h.connect(t, "bob")
	waitFor(t, func() bool { return len(h.reg.SessionsFor("bob")) == 2 })

	writeEnvelopeWS(t, alicePhone, v1.TypeSendMessage, v1.SendMessagePayload{ReceiverID: "bob", Content: "fan out"})

	for _, c := range []*websocket.Conn{bobPhone, bobLaptop} {
		p := decodePayload[v1.ReceiveMessagePayload](t, readUntilType(t, c, v1.TypeReceiveMessage, 3))
		req.Equal("fan out", p.Message.Content)
	}
	for _, c := range []*websocket.Conn{alicePhone, aliceLaptop} {
		p := decodePayload[v1.MessageSentPayload](t, readUntilType(t, c, v1.TypeMessageSent, 3))
		req.Equal("fan out", p.Message.Content)
	}
}

func TestWSGateway_OfflineReceiverCatchesUp(t *testing.T) {
	req := require.New(t)
	h := newWSHarness(t, nil)

	alice := h.connect(t, "alice")
	writeEnvelopeWS(t, alice, v1.TypeSendMessage, v1.SendMessagePayload{ReceiverID: "bob", Content: "while you were out"})
	sent := decodePayload[v1.MessageSentPayload](t, readUntilType(t, alice, v1.TypeMessageSent, 3))

	convs, err := h.svc.ListConversations(testCtx(t), "bob")
	req.NoError(err)
	req.Len(convs, 1)
	req.Equal(1, convs[0].Unread)
	req.Equal(sent.ConversationID, convs[0].Conversation.ID)
	req.True(convs[0].Other.Online)
}

func TestWSGateway_DisconnectMarksOffline(t *testing.T) {
	h := newWSHarness(t, nil)

	conn := h.connect(t, "alice")
	waitFor(t, func() bool { return h.reg.IsOnline("alice") })

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	waitFor(t, func() bool { return !h.reg.IsOnline("alice") })

	waitFor(t, func() bool {
		u, err := h.dir.GetUser(context.Background(), "alice")
		return err == nil && !u.Online && !u.LastSeen.IsZero()
	})
}

func TestWSGateway_KickEndsSession(t *testing.T) {
	h := newWSHarness(t, nil)

	conn := h.connect(t, "alice")
	waitFor(t, func() bool { return h.reg.IsOnline("alice") })
	require.Equal(t, 1, h.reg.Kick("alice", "revoked"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var err error
	for {
		_, _, err = conn.Read(ctx)
		if err != nil {
			break
		}
	}
	require.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
	waitFor(t, func() bool { return !h.reg.IsOnline("alice") })
}

func TestWSGateway_RateLimitCloses(t *testing.T) {
	h := newWSHarness(t, func(c *GatewayConfig) {
		c.RateEvents = 3
		c.RateWindow = time.Minute
	})

	conn := h.connect(t, "alice")
	for i := 0; i < 4; i++ {
		writeEnvelopeWS(t, conn, v1.TypeHello, v1.HelloPayload{})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var (
		err        error
		sawLimited bool
	)
	for {
		var b []byte
		_, b, err = conn.Read(ctx)
		if err != nil {
			break
		}
		var env v1.Envelope
		require.NoError(t, json.Unmarshal(b, &env))
		if env.Type == v1.TypeError && decodePayload[v1.ErrorPayload](t, env).Code == "rate_limited" {
			sawLimited = true
		}
	}
	require.True(t, sawLimited)
	require.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestWSGateway_MalformedFramesCountTowardRateLimit(t *testing.T) {
	h := newWSHarness(t, func(c *GatewayConfig) {
		c.RateEvents = 3
		c.RateWindow = time.Minute
	})

	conn := h.connect(t, "alice")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 4; i++ {
		require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("{not json")))
	}

	var (
		err        error
		badJSON    int
		sawLimited bool
	)
	for {
		var b []byte
		_, b, err = conn.Read(ctx)
		if err != nil {
			break
		}
		var env v1.Envelope
		require.NoError(t, json.Unmarshal(b, &env))
		if env.Type != v1.TypeError {
			continue
		}
		switch decodePayload[v1.ErrorPayload](t, env).Code {
		case "bad_json":
			badJSON++
		case "rate_limited":
			sawLimited = true
		}
	}
	require.True(t, sawLimited)
	require.LessOrEqual(t, badJSON, 3)
	require.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestWSGateway_RejectsServerOnlyTypes(t *testing.T) {
	h := newWSHarness(t, nil)

	conn := h.connect(t, "alice")
	writeEnvelopeWS(t, conn, v1.TypeReceiveMessage, v1.ReceiveMessagePayload{})

	e := decodePayload[v1.ErrorPayload](t, readUntilType(t, conn, v1.TypeError, 1))
	require.Equal(t, "unsupported", e.Code)
}

func TestWSGateway_DrainWaitsForPresenceWrites(t *testing.T) {
	req := require.New(t)
	h := newWSHarness(t, nil)

	conn := h.connect(t, "alice")
	waitFor(t, func() bool { return h.reg.IsOnline("alice") })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req.NoError(h.gw.Drain(ctx))

	// Drain returned, so the session has fully unregistered.
	req.Zero(h.reg.SessionCount())
	u, err := h.dir.GetUser(ctx, "alice")
	req.NoError(err)
	req.False(u.Online)
	req.False(u.LastSeen.IsZero())

	_, _, err = conn.Read(ctx)
	req.Equal(websocket.StatusGoingAway, websocket.CloseStatus(err))

	_, resp, err := h.dial(t, h.token("bob"))
	req.Error(err)
	req.NotNil(resp)
	req.Equal(http.StatusServiceUnavailable, resp.StatusCode)
}
