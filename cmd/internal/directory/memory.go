package directory

import (
	"context"
	"sort"
	"sync"
	"time"

	"courier/cmd/internal/ids"
)

// Memory is a process-local Directory used when no database is configured.
// A single mutex guards every map, which makes each operation atomic.
type Memory struct {
	mu sync.Mutex

	users      map[string]User
	convs      map[string]*memConv
	convByPair map[Pair]string
	convByUser map[string]map[string]struct{}
}

type memConv struct {
	conv   Conversation
	msgs   []Message      // ordered by seq; msgs[i].Seq == i+1
	dedupe map[string]int // sender \x00 client_msg_id -> index into msgs
}

var _ Directory = (*Memory)(nil)

// NewMemory constructs an empty in-memory Directory.
func NewMemory() *Memory {
	return &Memory{
		users:      make(map[string]User),
		convs:      make(map[string]*memConv),
		convByPair: make(map[Pair]string),
		convByUser: make(map[string]map[string]struct{}),
	}
}

// Ping always succeeds.
func (s *Memory) Ping(ctx context.Context) error { return ctx.Err() }

// Close is a no-op.
func (s *Memory) Close() error { return nil }

func (s *Memory) UpsertUser(ctx context.Context, u User) error {
	if u.ID == "" {
		return InputError{Op: "directory.Memory.UpsertUser", Msg: "missing user id"}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.users[u.ID]
	cur.ID = u.ID
	if u.Username != "" {
		cur.Username = u.Username
	}
	if u.DisplayName != "" {
		cur.DisplayName = u.DisplayName
	}
	s.users[u.ID] = cur
	return nil
}

func (s *Memory) SetOnline(ctx context.Context, userID string) error {
	if userID == "" {
		return InputError{Op: "directory.Memory.SetOnline", Msg: "missing user id"}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.users[userID]
	u.ID = userID
	u.Online = true
	s.users[userID] = u
	return nil
}

func (s *Memory) SetOffline(ctx context.Context, userID string, lastSeen time.Time) error {
	if userID == "" {
		return InputError{Op: "directory.Memory.SetOffline", Msg: "missing user id"}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.users[userID]
	u.ID = userID
	u.Online = false
	u.LastSeen = lastSeen.UTC()
	s.users[userID] = u
	return nil
}

func (s *Memory) GetUser(ctx context.Context, userID string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return User{}, NotFoundError{Op: "directory.Memory.GetUser", Resource: "user"}
	}
	return u, nil
}

func (s *Memory) FindConversation(ctx context.Context, pair Pair) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.convByPair[pair]
	if !ok {
		return Conversation{}, NotFoundError{Op: "directory.Memory.FindConversation", Resource: "conversation"}
	}
	return s.convs[id].conv, nil
}

func (s *Memory) CreateConversation(ctx context.Context, pair Pair, now time.Time) (Conversation, error) {
	if pair.Low == "" || pair.High == "" || pair.Low >= pair.High {
		return Conversation{}, InputError{Op: "directory.Memory.CreateConversation", Msg: "pair is not canonical"}
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.convByPair[pair]; exists {
		return Conversation{}, ConflictError{Op: "directory.Memory.CreateConversation", Field: "pair"}
	}

	c := Conversation{ID: id, Pair: pair, CreatedAt: now.UTC()}
	s.convs[id] = &memConv{
		conv:   c,
		msgs:   make([]Message, 0, 16),
		dedupe: make(map[string]int),
	}
	s.convByPair[pair] = id
	s.indexUserConv(pair.Low, id)
	s.indexUserConv(pair.High, id)
	return c, nil
}

func (s *Memory) indexUserConv(userID, convID string) {
	set := s.convByUser[userID]
	if set == nil {
		set = make(map[string]struct{})
		s.convByUser[userID] = set
	}
	set[convID] = struct{}{}
}

func (s *Memory) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return Conversation{}, NotFoundError{Op: "directory.Memory.GetConversation", Resource: "conversation"}
	}
	return c.conv, nil
}

func (s *Memory) ListConversations(ctx context.Context, userID string) ([]ConversationSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ConversationSummary, 0, len(s.convByUser[userID]))
	for convID := range s.convByUser[userID] {
		c := s.convs[convID]
		otherID, _ := c.conv.Counterpart(userID)

		other, ok := s.users[otherID]
		if !ok {
			other = User{ID: otherID}
		}

		sum := ConversationSummary{Conversation: c.conv, Other: other}
		if n := len(c.msgs); n > 0 {
			last := c.msgs[n-1]
			sum.LastMessage = &last
		}
		out = append(out, sum)
	}

	sortSummaries(out)
	return out, nil
}

func (s *Memory) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	const op = "directory.Memory.AppendMessage"
	if err := validateAppend(op, in); err != nil {
		return AppendMessageResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	msgID, err := ids.NewULID(now)
	if err != nil {
		return AppendMessageResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[in.ConversationID]
	if !ok {
		return AppendMessageResult{}, NotFoundError{Op: op, Resource: "conversation"}
	}
	if err := checkParticipants(op, c.conv, in.SenderID, in.ReceiverID); err != nil {
		return AppendMessageResult{}, err
	}

	dedupeKey := ""
	if in.ClientMsgID != "" {
		dedupeKey = in.SenderID + "\x00" + in.ClientMsgID
		if idx, dup := c.dedupe[dedupeKey]; dup {
			return AppendMessageResult{Message: c.msgs[idx], Duplicated: true}, nil
		}
	}

	m := Message{
		ID:             msgID,
		ConversationID: in.ConversationID,
		Seq:            c.conv.LastSeq + 1,
		SenderID:       in.SenderID,
		ReceiverID:     in.ReceiverID,
		Content:        in.Content,
		ClientMsgID:    in.ClientMsgID,
		CreatedAt:      now.UTC(),
	}

	c.msgs = append(c.msgs, m)
	if dedupeKey != "" {
		c.dedupe[dedupeKey] = len(c.msgs) - 1
	}
	c.conv.LastSeq = m.Seq
	c.conv.LastMessageID = m.ID
	c.conv.LastMessageAt = m.CreatedAt

	return AppendMessageResult{Message: m}, nil
}

func (s *Memory) ListMessages(ctx context.Context, in ListMessagesInput) ([]Message, error) {
	if in.ConversationID == "" {
		return nil, InputError{Op: "directory.Memory.ListMessages", Msg: "missing conversation_id"}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[in.ConversationID]
	if !ok {
		return nil, NotFoundError{Op: "directory.Memory.ListMessages", Resource: "conversation"}
	}

	start := sort.Search(len(c.msgs), func(i int) bool { return c.msgs[i].Seq > in.AfterSeq })
	end := len(c.msgs)
	if in.Limit > 0 && start+in.Limit < end {
		end = start + in.Limit
	}

	out := make([]Message, end-start)
	copy(out, c.msgs[start:end])
	return out, nil
}

func (s *Memory) MarkRead(ctx context.Context, conversationID, readerID string, now time.Time) (int64, error) {
	if conversationID == "" || readerID == "" {
		return 0, InputError{Op: "directory.Memory.MarkRead", Msg: "missing conversation_id or reader"}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return 0, NotFoundError{Op: "directory.Memory.MarkRead", Resource: "conversation"}
	}

	var changed int64
	for i := range c.msgs {
		m := &c.msgs[i]
		if m.ReceiverID != readerID || m.Read {
			continue
		}
		readAt := now.UTC()
		m.Read = true
		m.ReadAt = &readAt
		changed++
	}
	return changed, nil
}

func (s *Memory) CountUnread(ctx context.Context, conversationID, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return 0, NotFoundError{Op: "directory.Memory.CountUnread", Resource: "conversation"}
	}

	n := 0
	for _, m := range c.msgs {
		if m.ReceiverID == userID && !m.Read {
			n++
		}
	}
	return n, nil
}

// sortSummaries orders by last message time descending. Conversations
// without messages go last; ties break on id descending.
func sortSummaries(out []ConversationSummary) {
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Conversation, out[j].Conversation
		switch {
		case a.LastMessageAt.IsZero() != b.LastMessageAt.IsZero():
			return !a.LastMessageAt.IsZero()
		case !a.LastMessageAt.Equal(b.LastMessageAt):
			return a.LastMessageAt.After(b.LastMessageAt)
		default:
			return a.ID > b.ID
		}
	})
}
