package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"courier/cmd/internal/auth"
	"courier/cmd/internal/chat"
	"courier/cmd/internal/directory"
	"courier/cmd/internal/realtime"

	"github.com/stretchr/testify/require"
)

type staticPresence map[string]bool

func (p staticPresence) IsOnline(userID string) bool { return p[userID] }

type apiHarness struct {
	srv    *httptest.Server
	issuer *auth.PasetoIssuer
	svc    *chat.Service
	dir    *directory.Memory
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	req := require.New(t)

	issuer, err := auth.NewPasetoIssuer("", "courier-test", time.Hour)
	req.NoError(err)
	verifier, err := auth.NewPasetoVerifier(issuer.PublicKeyHex(), "courier-test", 0)
	req.NoError(err)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := directory.NewMemory()
	svc := chat.NewService(chat.Config{}, chat.Deps{
		Directory: dir,
		Presence:  staticPresence{"alice": true},
		Logger:    log,
	})

	mux := http.NewServeMux()
	NewHandler(log, Config{}, verifier, svc, nil).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &apiHarness{srv: srv, issuer: issuer, svc: svc, dir: dir}
}

func (h *apiHarness) do(t *testing.T, method, path, userID string, body any) (*http.Response, []byte) {
	t.Helper()

	var rdr io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rdr = bytes.NewBufferString(b)
		default:
			raw, err := json.Marshal(b)
			require.NoError(t, err)
			rdr = bytes.NewReader(raw)
		}
	}

	req, err := http.NewRequest(method, h.srv.URL+path, rdr)
	require.NoError(t, err)
	if userID != "" {
		tok, _ := h.issuer.Issue(auth.Identity{UserID: userID}, time.Now())
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func (h *apiHarness) send(t *testing.T, from, to, content string) chat.SendResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := h.svc.SendMessage(ctx, chat.SendInput{SenderID: from, ReceiverID: to, Content: content})
	require.NoError(t, err)
	return res
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), string(raw))
	return v
}

func TestAPI_RequiresBearer(t *testing.T) {
	h := newAPIHarness(t)

	for _, tc := range []struct {
		method, path string
	}{
		{http.MethodGet, "/v1/conversations"},
		{http.MethodGet, "/v1/conversations/x/messages"},
		{http.MethodPost, "/v1/conversations/lookup"},
		{http.MethodGet, "/v1/users/alice/presence"},
	} {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			resp, raw := h.do(t, tc.method, tc.path, "", nil)
			require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			require.Equal(t, "unauthenticated", decode[errorResponse](t, raw).Error.Code)
		})
	}

	req, err := http.NewRequest(http.MethodGet, h.srv.URL+"/v1/conversations", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer forged")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPI_ListConversations(t *testing.T) {
	req := require.New(t)
	h := newAPIHarness(t)

	h.send(t, "alice", "bob", "hi")
	h.send(t, "carol", "bob", "older?")
	last := h.send(t, "alice", "bob", "newest")

	resp, raw := h.do(t, http.MethodGet, "/v1/conversations", "bob", nil)
	req.Equal(http.StatusOK, resp.StatusCode)

	out := decode[conversationsResponse](t, raw)
	req.Len(out.Conversations, 2)

	first := out.Conversations[0]
	req.Equal(last.Conversation.ID, first.ConversationID)
	req.Equal("alice", first.User.ID)
	req.True(first.User.Online)
	req.Equal(2, first.UnreadCount)
	req.Equal(int64(2), first.LastSeq)
	req.NotNil(first.LastMessage)
	req.Equal("newest", first.LastMessage.Content)
	req.NotNil(first.LastMessageAt)

	second := out.Conversations[1]
	req.Equal("carol", second.User.ID)
	req.False(second.User.Online)
	req.Equal(1, second.UnreadCount)

	// Senders have nothing unread.
	_, raw = h.do(t, http.MethodGet, "/v1/conversations", "alice", nil)
	mine := decode[conversationsResponse](t, raw)
	req.Len(mine.Conversations, 1)
	req.Zero(mine.Conversations[0].UnreadCount)
}

func TestAPI_FetchMessages(t *testing.T) {
	req := require.New(t)
	h := newAPIHarness(t)

	var convID string
	for _, c := range []string{"one", "two", "three", "four"} {
		convID = h.send(t, "alice", "bob", c).Conversation.ID
	}

	resp, raw := h.do(t, http.MethodGet, "/v1/conversations/"+convID+"/messages", "bob", nil)
	req.Equal(http.StatusOK, resp.StatusCode)
	all := decode[messagesResponse](t, raw)
	req.Len(all.Messages, 4)
	for i, m := range all.Messages {
		req.Equal(int64(i+1), m.Seq)
	}

	_, raw = h.do(t, http.MethodGet, "/v1/conversations/"+convID+"/messages?after_seq=1&limit=2", "alice", nil)
	page := decode[messagesResponse](t, raw)
	req.Len(page.Messages, 2)
	req.Equal("two", page.Messages[0].Content)
	req.Equal("three", page.Messages[1].Content)

	resp, raw = h.do(t, http.MethodGet, "/v1/conversations/"+convID+"/messages?limit=-1", "bob", nil)
	req.Equal(http.StatusBadRequest, resp.StatusCode)
	req.Equal("validation_failed", decode[errorResponse](t, raw).Error.Code)

	resp, _ = h.do(t, http.MethodGet, "/v1/conversations/"+convID+"/messages?after_seq=abc", "bob", nil)
	req.Equal(http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_FetchedMessagesMatchRealtimePayload(t *testing.T) {
	req := require.New(t)
	h := newAPIHarness(t)
	ctx := context.Background()

	convID := h.send(t, "alice", "bob", "hi").Conversation.ID
	h.send(t, "alice", "bob", "still there?")
	_, err := h.svc.MarkRead(ctx, "bob", convID, "")
	req.NoError(err)

	stored, err := h.dir.ListMessages(ctx, directory.ListMessagesInput{ConversationID: convID})
	req.NoError(err)

	_, raw := h.do(t, http.MethodGet, "/v1/conversations/"+convID+"/messages", "bob", nil)
	var out struct {
		Messages []json.RawMessage `json:"messages"`
	}
	req.NoError(json.Unmarshal(raw, &out))
	req.Len(out.Messages, len(stored))
	for i, m := range stored {
		want, err := json.Marshal(realtime.ToWireMessage(m))
		req.NoError(err)
		req.JSONEq(string(want), string(out.Messages[i]))
	}
}

func TestAPI_FetchMessagesForbidden(t *testing.T) {
	req := require.New(t)
	h := newAPIHarness(t)
	convID := h.send(t, "alice", "bob", "private").Conversation.ID

	resp, raw := h.do(t, http.MethodGet, "/v1/conversations/"+convID+"/messages", "mallory", nil)
	req.Equal(http.StatusForbidden, resp.StatusCode)
	req.Equal("forbidden", decode[errorResponse](t, raw).Error.Code)

	// Unknown ids look the same as foreign ones.
	resp, raw = h.do(t, http.MethodGet, "/v1/conversations/01HZZZZZZZZZZZZZZZZZZZZZZZ/messages", "mallory", nil)
	req.Equal(http.StatusForbidden, resp.StatusCode)
	req.Equal("forbidden", decode[errorResponse](t, raw).Error.Code)
}

func TestAPI_Lookup(t *testing.T) {
	req := require.New(t)
	h := newAPIHarness(t)

	resp, raw := h.do(t, http.MethodPost, "/v1/conversations/lookup", "alice", lookupRequest{CounterpartID: "bob"})
	req.Equal(http.StatusNotFound, resp.StatusCode)
	req.Equal("not_found", decode[errorResponse](t, raw).Error.Code)

	convID := h.send(t, "bob", "alice", "hey").Conversation.ID

	resp, raw = h.do(t, http.MethodPost, "/v1/conversations/lookup", "alice", lookupRequest{CounterpartID: "bob"})
	req.Equal(http.StatusOK, resp.StatusCode)
	req.Equal(convID, decode[lookupResponse](t, raw).ConversationID)

	resp, _ = h.do(t, http.MethodPost, "/v1/conversations/lookup", "alice", `{"counterpart_id":"bob","extra":1}`)
	req.Equal(http.StatusBadRequest, resp.StatusCode)

	resp, raw = h.do(t, http.MethodPost, "/v1/conversations/lookup", "alice", `{"counterpart_id":"  "}`)
	req.Equal(http.StatusBadRequest, resp.StatusCode)
	req.Equal("validation_failed", decode[errorResponse](t, raw).Error.Code)
}

func TestAPI_Presence(t *testing.T) {
	req := require.New(t)
	h := newAPIHarness(t)
	ctx := context.Background()

	seen := time.Date(2026, 5, 1, 8, 30, 0, 0, time.UTC)
	req.NoError(h.dir.SetOffline(ctx, "bob", seen))

	resp, raw := h.do(t, http.MethodGet, "/v1/users/bob/presence", "alice", nil)
	req.Equal(http.StatusOK, resp.StatusCode)
	p := decode[presenceResponse](t, raw)
	req.Equal("bob", p.UserID)
	req.False(p.Online)
	req.NotNil(p.LastSeen)
	req.True(p.LastSeen.Equal(seen))

	_, raw = h.do(t, http.MethodGet, "/v1/users/alice/presence", "bob", nil)
	req.True(decode[presenceResponse](t, raw).Online)

	resp, _ = h.do(t, http.MethodGet, "/v1/users/ghost/presence", "bob", nil)
	req.Equal(http.StatusNotFound, resp.StatusCode)
}
