package directory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// runDirectorySuite exercises the shared Directory contract against one backend.
func runDirectorySuite(t *testing.T, newDir func(t *testing.T) Directory) {
	t.Run("create conversation conflicts on same pair", func(t *testing.T) {
		req := require.New(t)
		dir := newDir(t)
		ctx := testCtx(t)

		pair := mustPair(t, "alice", "bob")
		c, err := dir.CreateConversation(ctx, pair, time.Now())
		req.NoError(err)
		req.NotEmpty(c.ID)
		req.Equal(pair, c.Pair)
		req.Zero(c.LastSeq)

		_, err = dir.CreateConversation(ctx, mustPair(t, "bob", "alice"), time.Now())
		req.True(IsConflict(err), "got %v", err)

		found, err := dir.FindConversation(ctx, pair)
		req.NoError(err)
		req.Equal(c.ID, found.ID)

		_, err = dir.FindConversation(ctx, mustPair(t, "alice", "carol"))
		req.True(IsNotFound(err))
	})

	t.Run("append assigns consecutive seq and moves last pointer", func(t *testing.T) {
		req := require.New(t)
		dir := newDir(t)
		ctx := testCtx(t)

		c := mustConversation(t, dir, "alice", "bob")
		base := time.Now().UTC().Truncate(time.Millisecond)

		for i := 1; i <= 3; i++ {
			res, err := dir.AppendMessage(ctx, AppendMessageInput{
				ConversationID: c.ID,
				SenderID:       "alice",
				ReceiverID:     "bob",
				Content:        fmt.Sprintf("m%d", i),
				Now:            base.Add(time.Duration(i) * time.Millisecond),
			})
			req.NoError(err)
			req.False(res.Duplicated)
			req.EqualValues(i, res.Message.Seq)
			req.False(res.Message.Read)
		}

		got, err := dir.GetConversation(ctx, c.ID)
		req.NoError(err)
		req.EqualValues(3, got.LastSeq)
		req.NotEmpty(got.LastMessageID)
		req.True(got.LastMessageAt.Equal(base.Add(3 * time.Millisecond)))

		_, err = dir.AppendMessage(ctx, AppendMessageInput{
			ConversationID: c.ID, SenderID: "alice", ReceiverID: "carol", Content: "x",
		})
		req.True(IsInvalidInput(err))

		_, err = dir.AppendMessage(ctx, AppendMessageInput{
			ConversationID: "missing", SenderID: "alice", ReceiverID: "bob", Content: "x",
		})
		req.True(IsNotFound(err))
	})

	t.Run("client message id deduplicates", func(t *testing.T) {
		req := require.New(t)
		dir := newDir(t)
		ctx := testCtx(t)

		c := mustConversation(t, dir, "alice", "bob")
		in := AppendMessageInput{
			ConversationID: c.ID,
			SenderID:       "alice",
			ReceiverID:     "bob",
			Content:        "hello",
			ClientMsgID:    "c-1",
		}

		first, err := dir.AppendMessage(ctx, in)
		req.NoError(err)
		second, err := dir.AppendMessage(ctx, in)
		req.NoError(err)
		req.True(second.Duplicated)
		req.Equal(first.Message.ID, second.Message.ID)
		req.Equal(first.Message.Seq, second.Message.Seq)

		msgs, err := dir.ListMessages(ctx, ListMessagesInput{ConversationID: c.ID})
		req.NoError(err)
		req.Len(msgs, 1)
	})

	t.Run("concurrent appends keep seq strictly increasing", func(t *testing.T) {
		req := require.New(t)
		dir := newDir(t)
		ctx := testCtx(t)

		c := mustConversation(t, dir, "alice", "bob")

		const n = 40
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				from, to := "alice", "bob"
				if i%2 == 1 {
					from, to = to, from
				}
				_, err := dir.AppendMessage(ctx, AppendMessageInput{
					ConversationID: c.ID, SenderID: from, ReceiverID: to, Content: fmt.Sprintf("m%d", i),
				})
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			req.NoError(err)
		}

		msgs, err := dir.ListMessages(ctx, ListMessagesInput{ConversationID: c.ID})
		req.NoError(err)
		req.Len(msgs, n)
		for i, m := range msgs {
			req.EqualValues(i+1, m.Seq)
		}
	})

	t.Run("list messages honours after seq and limit", func(t *testing.T) {
		req := require.New(t)
		dir := newDir(t)
		ctx := testCtx(t)

		c := mustConversation(t, dir, "alice", "bob")
		mustAppend(t, dir, c.ID, "alice", "bob", 5)

		page, err := dir.ListMessages(ctx, ListMessagesInput{ConversationID: c.ID, AfterSeq: 1, Limit: 2})
		req.NoError(err)
		req.Len(page, 2)
		req.EqualValues(2, page[0].Seq)
		req.EqualValues(3, page[1].Seq)

		rest, err := dir.ListMessages(ctx, ListMessagesInput{ConversationID: c.ID, AfterSeq: 3})
		req.NoError(err)
		req.Len(rest, 2)
		req.EqualValues(5, rest[1].Seq)

		none, err := dir.ListMessages(ctx, ListMessagesInput{ConversationID: c.ID, AfterSeq: 5})
		req.NoError(err)
		req.Empty(none)
	})

	t.Run("mark read is idempotent and matches count unread", func(t *testing.T) {
		req := require.New(t)
		dir := newDir(t)
		ctx := testCtx(t)

		c := mustConversation(t, dir, "alice", "bob")
		mustAppend(t, dir, c.ID, "alice", "bob", 3)
		mustAppend(t, dir, c.ID, "bob", "alice", 1)

		n, err := dir.CountUnread(ctx, c.ID, "bob")
		req.NoError(err)
		req.Equal(3, n)

		changed, err := dir.MarkRead(ctx, c.ID, "bob", time.Now())
		req.NoError(err)
		req.EqualValues(3, changed)

		changed, err = dir.MarkRead(ctx, c.ID, "bob", time.Now())
		req.NoError(err)
		req.Zero(changed)

		n, err = dir.CountUnread(ctx, c.ID, "bob")
		req.NoError(err)
		req.Zero(n)

		n, err = dir.CountUnread(ctx, c.ID, "alice")
		req.NoError(err)
		req.Equal(1, n)

		msgs, err := dir.ListMessages(ctx, ListMessagesInput{ConversationID: c.ID})
		req.NoError(err)
		for _, m := range msgs {
			if m.ReceiverID == "bob" {
				req.True(m.Read)
				req.NotNil(m.ReadAt)
			} else {
				req.False(m.Read)
				req.Nil(m.ReadAt)
			}
		}
	})

	t.Run("list conversations orders by last message", func(t *testing.T) {
		req := require.New(t)
		dir := newDir(t)
		ctx := testCtx(t)

		req.NoError(dir.UpsertUser(ctx, User{ID: "bob", Username: "bob"}))

		withBob := mustConversation(t, dir, "alice", "bob")
		withCarol := mustConversation(t, dir, "alice", "carol")
		empty := mustConversation(t, dir, "alice", "dave")
		_ = mustConversation(t, dir, "bob", "carol")

		base := time.Now().UTC()
		_, err := dir.AppendMessage(ctx, AppendMessageInput{
			ConversationID: withBob.ID, SenderID: "alice", ReceiverID: "bob", Content: "older", Now: base,
		})
		req.NoError(err)
		_, err = dir.AppendMessage(ctx, AppendMessageInput{
			ConversationID: withCarol.ID, SenderID: "carol", ReceiverID: "alice", Content: "newer", Now: base.Add(time.Second),
		})
		req.NoError(err)

		list, err := dir.ListConversations(ctx, "alice")
		req.NoError(err)
		req.Len(list, 3)
		req.Equal(withCarol.ID, list[0].Conversation.ID)
		req.Equal(withBob.ID, list[1].Conversation.ID)
		req.Equal(empty.ID, list[2].Conversation.ID)

		req.Equal("carol", list[0].Other.ID)
		req.NotNil(list[0].LastMessage)
		req.Equal("newer", list[0].LastMessage.Content)
		req.Equal("bob", list[1].Other.Username)
		req.Nil(list[2].LastMessage)

		none, err := dir.ListConversations(ctx, "nobody")
		req.NoError(err)
		req.Empty(none)
	})

	t.Run("presence round trip", func(t *testing.T) {
		req := require.New(t)
		dir := newDir(t)
		ctx := testCtx(t)

		_, err := dir.GetUser(ctx, "alice")
		req.True(IsNotFound(err))

		req.NoError(dir.UpsertUser(ctx, User{ID: "alice", Username: "alice"}))
		req.NoError(dir.SetOnline(ctx, "alice"))
		u, err := dir.GetUser(ctx, "alice")
		req.NoError(err)
		req.True(u.Online)
		req.Equal("alice", u.Username)

		seen := time.Now().UTC().Truncate(time.Millisecond)
		req.NoError(dir.SetOffline(ctx, "alice", seen))
		u, err = dir.GetUser(ctx, "alice")
		req.NoError(err)
		req.False(u.Online)
		req.True(u.LastSeen.Equal(seen))

		// Blank profile fields keep the stored value.
		req.NoError(dir.UpsertUser(ctx, User{ID: "alice"}))
		u, err = dir.GetUser(ctx, "alice")
		req.NoError(err)
		req.Equal("alice", u.Username)
	})
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mustPair(t *testing.T, a, b string) Pair {
	t.Helper()
	p, err := NewPair(a, b)
	require.NoError(t, err)
	return p
}

func mustConversation(t *testing.T, dir Directory, a, b string) Conversation {
	t.Helper()
	c, err := dir.CreateConversation(testCtx(t), mustPair(t, a, b), time.Now())
	require.NoError(t, err)
	return c
}

func mustAppend(t *testing.T, dir Directory, convID, from, to string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := dir.AppendMessage(testCtx(t), AppendMessageInput{
			ConversationID: convID,
			SenderID:       from,
			ReceiverID:     to,
			Content:        fmt.Sprintf("%s->%s #%d", from, to, i),
		})
		require.NoError(t, err)
	}
}

func TestNewPair(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		a, b    string
		want    Pair
		wantErr bool
	}{
		{name: "sorted", a: "a", b: "b", want: Pair{Low: "a", High: "b"}},
		{name: "reversed", a: "b", b: "a", want: Pair{Low: "a", High: "b"}},
		{name: "trimmed", a: " a ", b: "b", want: Pair{Low: "a", High: "b"}},
		{name: "same user", a: "a", b: "a", wantErr: true},
		{name: "empty", a: "", b: "b", wantErr: true},
		{name: "nul byte", a: "a\x00x", b: "b", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := NewPair(tc.a, tc.b)
			if tc.wantErr {
				require.True(t, IsInvalidInput(err))
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)

			other, ok := got.Other(got.Low)
			require.True(t, ok)
			require.Equal(t, got.High, other)
			require.True(t, got.Has(got.High))
			require.False(t, got.Has("zzz"))
		})
	}
}
