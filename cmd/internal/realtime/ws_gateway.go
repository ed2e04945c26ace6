package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"courier/cmd/internal/auth"
	"courier/cmd/internal/chat"
	"courier/cmd/internal/ids"
	"courier/cmd/internal/metrics"
	v1 "courier/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout   = 5 * time.Second
	wsDefaultCommandTimeout = 10 * time.Second
	wsDefaultCommandQueue   = 64
	wsCloseGrace            = 1 * time.Second
	wsUnregisterTimeout     = 5 * time.Second
)

var errHelloTimeout = errors.New("hello not received in time")

// ChatService is the command surface the gateway drives.
type ChatService interface {
	SendMessage(ctx context.Context, in chat.SendInput) (chat.SendResult, error)
	MarkRead(ctx context.Context, readerID, conversationID, senderID string) (chat.MarkReadResult, error)
}

// GatewayConfig tunes the WebSocket gateway. Zero values fall back to defaults.
type GatewayConfig struct {
	// AllowedOrigins is the browser Origin allowlist ("*" allows any).
	AllowedOrigins []string
	OriginRequired bool

	// DevInsecure disables websocket.Accept's own origin verification.
	DevInsecure bool

	// AllowQueryToken accepts ?access_token= on the handshake.
	AllowQueryToken bool

	SendQueueSize int
	WriteTimeout  time.Duration

	// ReadIdleTimeout closes sessions that send nothing for this long.
	// Zero leaves liveness to the heartbeat.
	ReadIdleTimeout time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	MaxPingFailures   int

	RateEvents int
	RateWindow time.Duration

	AuthTimeout time.Duration

	CommandQueueSize int
	CommandTimeout   time.Duration
}

// DefaultGatewayConfig is the local-development configuration.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		OriginRequired:    false,
		SendQueueSize:     wsDefaultSendQueueSize,
		WriteTimeout:      wsDefaultWriteTimeout,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		MaxPingFailures:   maxPingFailures,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
		AuthTimeout:       authTimeout,
		CommandQueueSize:  wsDefaultCommandQueue,
		CommandTimeout:    wsDefaultCommandTimeout,
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	d := DefaultGatewayConfig()
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	c.SendQueueSize = max(c.SendQueueSize, wsMinSendQueueSize)
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.MaxPingFailures <= 0 {
		c.MaxPingFailures = d.MaxPingFailures
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = d.AuthTimeout
	}
	if c.CommandQueueSize <= 0 {
		c.CommandQueueSize = d.CommandQueueSize
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = d.CommandTimeout
	}
	return c
}

// WSGateway is the WebSocket entrypoint for Courier.
//
// It enforces origin policy, authentication, subprotocol selection, rate
// limits and heartbeats, then hands validated commands to the chat service.
// Server-initiated events reach the session through the Registry.
type WSGateway struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	verifier auth.Verifier
	registry *Registry
	svc      ChatService
	validate *validator.Validate
	now      func() time.Time

	cfg GatewayConfig

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	// Hijacked connections outlive http.Server.Shutdown; these track them.
	sessMu      sync.Mutex
	draining    bool
	active      int
	drained     chan struct{}
	drainedOnce sync.Once
}

// NewWSGateway constructs a gateway.
func NewWSGateway(cfg GatewayConfig, verifier auth.Verifier, registry *Registry, svc ChatService, log *slog.Logger, m *metrics.Metrics) *WSGateway {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.Discard()
	}
	cfg = cfg.withDefaults()
	return &WSGateway{
		log:            log,
		metrics:        m,
		verifier:       verifier,
		registry:       registry,
		svc:            svc,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
		now:            time.Now,
		cfg:            cfg,
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
		drained:        make(chan struct{}),
	}
}

// Drain refuses new sessions, signals the live ones to close and waits until
// every session has unregistered (presence written) or ctx expires.
func (g *WSGateway) Drain(ctx context.Context) error {
	g.sessMu.Lock()
	g.draining = true
	if g.active == 0 {
		g.drainedOnce.Do(func() { close(g.drained) })
	}
	g.sessMu.Unlock()

	g.registry.Close()

	select {
	case <-g.drained:
		return nil
	case <-ctx.Done():
		g.sessMu.Lock()
		n := g.active
		g.sessMu.Unlock()
		g.log.Warn("ws.drain.timeout", "sessions", n)
		return ctx.Err()
	}
}

func (g *WSGateway) enter() bool {
	g.sessMu.Lock()
	defer g.sessMu.Unlock()
	if g.draining {
		return false
	}
	g.active++
	return true
}

func (g *WSGateway) leave() {
	g.sessMu.Lock()
	defer g.sessMu.Unlock()
	g.active--
	if g.draining && g.active == 0 {
		g.drainedOnce.Do(func() { close(g.drained) })
	}
}

func (g *WSGateway) isDraining() bool {
	g.sessMu.Lock()
	defer g.sessMu.Unlock()
	return g.draining
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates, upgrades and runs one session.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	if !g.enter() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer g.leave()

	// A presented credential must be valid before the upgrade.
	var (
		ident  auth.Identity
		authed bool
	)
	if tok := auth.BearerToken(r, g.cfg.AllowQueryToken); tok != "" {
		id, err := g.verifier.Verify(tok, g.now())
		if err != nil {
			g.metrics.AuthFailures.WithLabelValues("invalid_token").Inc()
			g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ident, authed = id, true
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if !authed {
		id, err := g.awaitHello(ctx, conn)
		if err != nil {
			g.log.Info("ws.reject.hello", "err", err, "remote", r.RemoteAddr)
			_ = writeEnvelope(ctx, conn, g.errorEnvelope("unauthenticated", "authentication required"), g.cfg.WriteTimeout)
			_ = conn.Close(websocket.StatusPolicyViolation, "authentication required")
			return
		}
		ident = id
	}

	client := NewClient(ident.UserID, ident.Username, g.cfg.SendQueueSize)
	client.SessionID, err = ids.NewULID(g.now().UTC())
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "session id")
		return
	}
	// hello_ack is queued ahead of anything the router can deliver.
	g.ack(client)

	sessionID, err := g.registry.Register(ctx, client)
	if err != nil {
		g.log.Error("ws.register.fail", "user_id", ident.UserID, "err", err)
		_ = conn.Close(websocket.StatusInternalError, "register failed")
		return
	}
	defer func() {
		uctx, ucancel := context.WithTimeout(context.Background(), wsUnregisterTimeout)
		defer ucancel()
		g.registry.Unregister(uctx, sessionID)
	}()
	// Registered after Drain took its snapshot.
	if g.isDraining() {
		client.CloseWithReason("server shutdown")
	}

	log := g.log.With("session_id", sessionID, "user_id", client.UserID)
	log.Info("ws.session.open", "remote", r.RemoteAddr)

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send: routers may still
	// be holding the client from a registry snapshot.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			client.CloseWithReason(reason)
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= g.cfg.MaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	// Kicks and registry shutdown arrive as client.Close from elsewhere.
	go func() {
		select {
		case <-ctx.Done():
		case <-client.Done():
			reason := client.CloseReason()
			if reason == "" {
				reason = "closed"
			}
			shutdown(websocket.StatusGoingAway, reason)
		}
	}()

	// Commands run on one worker so a session's effects keep their order.
	commands := make(chan v1.Envelope, g.cfg.CommandQueueSize)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case env := <-commands:
				g.dispatch(ctx, log, client, env)
			}
		}
	}()

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		readCtx, readCancel := ctx, context.CancelFunc(func() {})
		if g.cfg.ReadIdleTimeout > 0 {
			readCtx, readCancel = context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		}
		data, err := readFrame(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		// Charged per frame, before decoding, so malformed input counts too.
		if !rl.Allow(g.now()) {
			// Written inline: the writer stops as soon as shutdown closes the client.
			_ = writeEnvelope(ctx, conn, g.errorEnvelope("rate_limited", "too many events"), g.cfg.WriteTimeout)
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		env, err := decodeEnvelope(data)
		if err != nil {
			g.sendError(client, "bad_json", "invalid JSON")
			continue readLoop
		}

		if err := env.Validate(); err != nil {
			g.sendError(client, "bad_envelope", err.Error())
			continue readLoop
		}
		if !v1.IsClientCommand(env.Type) {
			g.sendError(client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
			continue readLoop
		}

		if env.Type == v1.TypeHello {
			// Already authenticated; re-acknowledge.
			g.ack(client)
			continue readLoop
		}

		select {
		case commands <- env:
		default:
			g.sendError(client, "overloaded", "too many pending commands")
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone
	<-workerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
	log.Info("ws.session.close", "reason", client.CloseReason())
}

// awaitHello reads the first envelope of an unauthenticated socket. It must be
// a hello carrying a valid token and arrive within AuthTimeout.
func (g *WSGateway) awaitHello(ctx context.Context, conn *websocket.Conn) (auth.Identity, error) {
	// Closing from the timer unblocks the read with a policy-violation close
	// frame the peer can see.
	timer := time.AfterFunc(g.cfg.AuthTimeout, func() {
		_ = conn.Close(websocket.StatusPolicyViolation, "authentication timeout")
	})

	env, err := readEnvelope(ctx, conn)
	if !timer.Stop() {
		g.metrics.AuthFailures.WithLabelValues("hello_timeout").Inc()
		return auth.Identity{}, errHelloTimeout
	}
	if err != nil {
		g.metrics.AuthFailures.WithLabelValues("hello_invalid").Inc()
		return auth.Identity{}, err
	}
	if env.Validate() != nil || env.Type != v1.TypeHello {
		g.metrics.AuthFailures.WithLabelValues("hello_required").Inc()
		return auth.Identity{}, auth.ErrMissingToken
	}

	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || strings.TrimSpace(p.Token) == "" {
		g.metrics.AuthFailures.WithLabelValues("missing_token").Inc()
		return auth.Identity{}, auth.ErrMissingToken
	}
	id, err := g.verifier.Verify(strings.TrimSpace(p.Token), g.now())
	if err != nil {
		g.metrics.AuthFailures.WithLabelValues("invalid_token").Inc()
		return auth.Identity{}, err
	}
	return id, nil
}

// ---- handlers ----

func (g *WSGateway) dispatch(parent context.Context, log *slog.Logger, client *Client, env v1.Envelope) {
	ctx, cancel := context.WithTimeout(parent, g.cfg.CommandTimeout)
	defer cancel()

	switch env.Type {
	case v1.TypeSendMessage:
		g.onSendMessage(ctx, log, client, env)
	case v1.TypeMarkMessagesRead:
		g.onMarkRead(ctx, log, client, env)
	}
}

func (g *WSGateway) onSendMessage(ctx context.Context, log *slog.Logger, client *Client, env v1.Envelope) {
	var p v1.SendMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.metrics.SendFailures.WithLabelValues("validation_failed").Inc()
		g.sendMessageError(client, "validation_failed", "invalid payload", "")
		return
	}
	if err := g.validate.Struct(p); err != nil {
		g.metrics.SendFailures.WithLabelValues("validation_failed").Inc()
		g.sendMessageError(client, "validation_failed", validationMessage(err), p.ClientMsgID)
		return
	}

	res, err := g.svc.SendMessage(ctx, chat.SendInput{
		SenderID:    client.UserID,
		ReceiverID:  p.ReceiverID,
		Content:     p.Content,
		ClientMsgID: p.ClientMsgID,
	})
	if err != nil {
		if errors.Is(err, chat.ErrStorage) {
			log.Error("ws.send_message.fail", "receiver_id", p.ReceiverID, "err", err)
		} else {
			log.Info("ws.send_message.reject", "receiver_id", p.ReceiverID, "code", chat.Code(err))
		}
		g.sendMessageError(client, chat.Code(err), chat.PublicMessage(err), p.ClientMsgID)
		return
	}

	if res.Duplicated {
		// The original send already notified every session; only the retrying
		// one needs its ack.
		g.send(client, v1.TypeMessageSent, v1.MessageSentPayload{
			Message:        ToWireMessage(res.Message),
			ConversationID: res.Message.ConversationID,
			ClientMsgID:    p.ClientMsgID,
			Duplicated:     true,
		})
	}
}

func (g *WSGateway) onMarkRead(ctx context.Context, log *slog.Logger, client *Client, env v1.Envelope) {
	var p v1.MarkMessagesReadPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.sendError(client, "validation_failed", "invalid payload")
		return
	}
	if err := g.validate.Struct(p); err != nil {
		g.sendError(client, "validation_failed", validationMessage(err))
		return
	}

	if _, err := g.svc.MarkRead(ctx, client.UserID, p.ConversationID, p.SenderID); err != nil {
		if errors.Is(err, chat.ErrStorage) {
			log.Error("ws.mark_read.fail", "conversation_id", p.ConversationID, "err", err)
		}
		g.sendError(client, chat.Code(err), chat.PublicMessage(err))
	}
}

// ---- send helpers ----

func (g *WSGateway) ack(client *Client) {
	g.send(client, v1.TypeHelloAck, v1.HelloAckPayload{SessionID: client.SessionID, UserID: client.UserID})
}

func (g *WSGateway) sendMessageError(client *Client, code, msg, clientMsgID string) {
	g.send(client, v1.TypeMessageError, v1.MessageErrorPayload{Code: code, Message: msg, ClientMsgID: clientMsgID})
}

func (g *WSGateway) sendError(client *Client, code, msg string) {
	_ = client.enqueue(g.errorEnvelope(code, msg))
}

func (g *WSGateway) errorEnvelope(code, msg string) v1.Envelope {
	env, _ := newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg}, g.now().UTC())
	return env
}

func (g *WSGateway) send(client *Client, typ string, payload any) {
	env, err := newEnvelope(typ, payload, g.now().UTC())
	if err != nil {
		g.log.Error("ws.encode.fail", "type", typ, "err", err)
		return
	}
	if !client.enqueue(env) {
		g.metrics.Deliveries.WithLabelValues(typ, "dropped").Inc()
	}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid payload"
	}
	fe := verrs[0]
	return fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag())
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	data, err := readFrame(ctx, conn)
	if err != nil {
		return v1.Envelope{}, err
	}
	return decodeEnvelope(data)
}

func readFrame(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return nil, fmt.Errorf("unsupported message type: %v", mt)
	}
	return data, nil
}

func decodeEnvelope(data []byte) (v1.Envelope, error) {
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatterns turns the allowlist into websocket.Accept host
// patterns so both origin layers agree. Accept matches host:port, so each
// host also gets a "host:*" pattern. "*" maps to the match-all pattern.
func deriveOriginPatterns(allowed []string) []string {
	hosts := lo.FlatMap(allowed, func(a string, _ int) []string {
		if strings.TrimSpace(a) == "*" {
			return []string{"*"}
		}
		h := originHostOnly(a)
		if h == "" {
			return nil
		}
		return []string{h, h + ":*"}
	})
	out := lo.Uniq(hosts)
	sort.Strings(out)
	return out
}
