package directory

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"courier/cmd/internal/ids"

	"github.com/dgraph-io/badger/v4"
)

// Key layout. Components are joined with "\x00", which NewPair rejects in ids.
//
//	u/{user}                           -> User (JSON)
//	p/{low}\x00{high}                  -> conversation id
//	c/{conv}                           -> Conversation (JSON)
//	uc/{user}\x00{conv}                -> (empty) membership index
//	m/{conv}\x00{seq:8 BE}             -> Message (JSON)
//	mc/{conv}\x00{sender}\x00{client}  -> seq (8 BE)
//	ur/{conv}\x00{receiver}\x00{seq}   -> (empty) unread index
const (
	sep = "\x00"

	maxConflictRetries = 256
	markReadBatch      = 512
)

// Badger is a Directory on an embedded badger database.
// Transactions are optimistic: AppendMessage reads and rewrites the
// conversation record, so two concurrent appends cannot both commit.
type Badger struct {
	db  *badger.DB
	log *slog.Logger
}

var _ Directory = (*Badger)(nil)

// OpenBadger opens (or creates) a badger store at dir. An empty dir keeps
// everything in memory.
func OpenBadger(dir string, log *slog.Logger) (*Badger, error) {
	if log == nil {
		log = slog.Default()
	}

	opts := badger.DefaultOptions(dir)
	if strings.TrimSpace(dir) == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.
		WithLogger(badgerLogger{log: log.With("component", "badger")}).
		WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("directory: open badger: %w", err)
	}
	return &Badger{db: db, log: log}, nil
}

func (s *Badger) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return errors.New("directory: badger is closed")
	}
	return nil
}

func (s *Badger) Close() error { return s.db.Close() }

func (s *Badger) UpsertUser(ctx context.Context, u User) error {
	if u.ID == "" {
		return InputError{Op: "directory.Badger.UpsertUser", Msg: "missing user id"}
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		cur, err := getUser(txn, u.ID)
		if err != nil && !IsNotFound(err) {
			return err
		}
		cur.ID = u.ID
		if u.Username != "" {
			cur.Username = u.Username
		}
		if u.DisplayName != "" {
			cur.DisplayName = u.DisplayName
		}
		return putJSON(txn, userKey(u.ID), cur)
	})
}

func (s *Badger) SetOnline(ctx context.Context, userID string) error {
	if userID == "" {
		return InputError{Op: "directory.Badger.SetOnline", Msg: "missing user id"}
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		u, err := getUser(txn, userID)
		if err != nil && !IsNotFound(err) {
			return err
		}
		u.ID = userID
		u.Online = true
		return putJSON(txn, userKey(userID), u)
	})
}

func (s *Badger) SetOffline(ctx context.Context, userID string, lastSeen time.Time) error {
	if userID == "" {
		return InputError{Op: "directory.Badger.SetOffline", Msg: "missing user id"}
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		u, err := getUser(txn, userID)
		if err != nil && !IsNotFound(err) {
			return err
		}
		u.ID = userID
		u.Online = false
		u.LastSeen = lastSeen.UTC()
		return putJSON(txn, userKey(userID), u)
	})
}

func (s *Badger) GetUser(ctx context.Context, userID string) (User, error) {
	var u User
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		u, err = getUser(txn, userID)
		return err
	})
	return u, err
}

func (s *Badger) FindConversation(ctx context.Context, pair Pair) (Conversation, error) {
	var c Conversation
	err := s.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(pairKey(pair))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return NotFoundError{Op: "directory.Badger.FindConversation", Resource: "conversation"}
		}
		if err != nil {
			return err
		}
		convID, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		c, err = getConversation(txn, string(convID))
		return err
	})
	return c, err
}

func (s *Badger) CreateConversation(ctx context.Context, pair Pair, now time.Time) (Conversation, error) {
	const op = "directory.Badger.CreateConversation"
	if pair.Low == "" || pair.High == "" || pair.Low >= pair.High {
		return Conversation{}, InputError{Op: op, Msg: "pair is not canonical"}
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
	c := Conversation{ID: id, Pair: pair, CreatedAt: now.UTC()}

	// No retry here: a commit conflict means another writer touched the pair key.
	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(pairKey(pair)); err == nil {
			return ConflictError{Op: op, Field: "pair"}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(pairKey(pair), []byte(id)); err != nil {
			return err
		}
		if err := putJSON(txn, convKey(id), c); err != nil {
			return err
		}
		if err := txn.Set(userConvKey(pair.Low, id), nil); err != nil {
			return err
		}
		return txn.Set(userConvKey(pair.High, id), nil)
	})
	if errors.Is(err, badger.ErrConflict) {
		return Conversation{}, ConflictError{Op: op, Field: "pair"}
	}
	if err != nil {
		return Conversation{}, err
	}
	return c, nil
}

func (s *Badger) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	var c Conversation
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		c, err = getConversation(txn, conversationID)
		return err
	})
	return c, err
}

func (s *Badger) ListConversations(ctx context.Context, userID string) ([]ConversationSummary, error) {
	out := make([]ConversationSummary, 0, 16)
	err := s.view(ctx, func(txn *badger.Txn) error {
		prefix := []byte("uc/" + userID + sep)

		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			convID := string(it.Item().Key()[len(prefix):])
			c, err := getConversation(txn, convID)
			if err != nil {
				return err
			}

			otherID, _ := c.Counterpart(userID)
			other, err := getUser(txn, otherID)
			if IsNotFound(err) {
				other = User{ID: otherID}
			} else if err != nil {
				return err
			}

			sum := ConversationSummary{Conversation: c, Other: other}
			if c.LastSeq > 0 {
				var last Message
				if err := getJSON(txn, messageKey(c.ID, c.LastSeq), &last); err != nil {
					return err
				}
				sum.LastMessage = &last
			}
			out = append(out, sum)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortSummaries(out)
	return out, nil
}

func (s *Badger) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	const op = "directory.Badger.AppendMessage"
	if err := validateAppend(op, in); err != nil {
		return AppendMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	now = now.UTC()
	msgID, err := ids.NewULID(now)
	if err != nil {
		return AppendMessageResult{}, err
	}

	var res AppendMessageResult
	err = s.update(ctx, func(txn *badger.Txn) error {
		c, err := getConversation(txn, in.ConversationID)
		if err != nil {
			return err
		}
		if err := checkParticipants(op, c, in.SenderID, in.ReceiverID); err != nil {
			return err
		}

		if in.ClientMsgID != "" {
			item, err := txn.Get(clientMsgKey(in.ConversationID, in.SenderID, in.ClientMsgID))
			switch {
			case err == nil:
				raw, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				var existing Message
				if err := getJSON(txn, messageKey(in.ConversationID, decodeSeq(raw)), &existing); err != nil {
					return err
				}
				res = AppendMessageResult{Message: existing, Duplicated: true}
				return nil
			case !errors.Is(err, badger.ErrKeyNotFound):
				return err
			}
		}

		m := Message{
			ID:             msgID,
			ConversationID: in.ConversationID,
			Seq:            c.LastSeq + 1,
			SenderID:       in.SenderID,
			ReceiverID:     in.ReceiverID,
			Content:        in.Content,
			ClientMsgID:    in.ClientMsgID,
			CreatedAt:      now,
		}
		if err := putJSON(txn, messageKey(m.ConversationID, m.Seq), m); err != nil {
			return err
		}
		if err := txn.Set(unreadKey(m.ConversationID, m.ReceiverID, m.Seq), nil); err != nil {
			return err
		}
		if m.ClientMsgID != "" {
			if err := txn.Set(clientMsgKey(m.ConversationID, m.SenderID, m.ClientMsgID), encodeSeq(m.Seq)); err != nil {
				return err
			}
		}

		c.LastSeq = m.Seq
		c.LastMessageID = m.ID
		c.LastMessageAt = m.CreatedAt
		if err := putJSON(txn, convKey(c.ID), c); err != nil {
			return err
		}

		res = AppendMessageResult{Message: m}
		return nil
	})
	if err != nil {
		if nf := (NotFoundError{}); errors.As(err, &nf) {
			nf.Op = op
			return AppendMessageResult{}, nf
		}
		return AppendMessageResult{}, err
	}
	return res, nil
}

func (s *Badger) ListMessages(ctx context.Context, in ListMessagesInput) ([]Message, error) {
	if in.ConversationID == "" {
		return nil, InputError{Op: "directory.Badger.ListMessages", Msg: "missing conversation_id"}
	}

	out := make([]Message, 0, 64)
	err := s.view(ctx, func(txn *badger.Txn) error {
		if _, err := getConversation(txn, in.ConversationID); err != nil {
			return err
		}

		prefix := []byte("m/" + in.ConversationID + sep)
		after := in.AfterSeq
		if after < 0 {
			after = 0
		}

		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(messageKey(in.ConversationID, after+1)); it.ValidForPrefix(prefix); it.Next() {
			if in.Limit > 0 && len(out) >= in.Limit {
				break
			}
			var m Message
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &m)
			}); err != nil {
				return fmt.Errorf("decode message: %w", err)
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead walks the unread index in batches so a long backlog does not
// exceed badger's per-transaction limits.
func (s *Badger) MarkRead(ctx context.Context, conversationID, readerID string, now time.Time) (int64, error) {
	const op = "directory.Badger.MarkRead"
	if conversationID == "" || readerID == "" {
		return 0, InputError{Op: op, Msg: "missing conversation_id or reader"}
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	readAt := now.UTC()

	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return 0, err
	}

	var total int64
	for {
		var n int
		err := s.update(ctx, func(txn *badger.Txn) error {
			n = 0
			prefix := []byte("ur/" + conversationID + sep + readerID + sep)

			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)

			keys := make([][]byte, 0, markReadBatch)
			for it.Seek(prefix); it.ValidForPrefix(prefix) && len(keys) < markReadBatch; it.Next() {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
			it.Close()

			for _, k := range keys {
				seq := decodeSeq(k[len(prefix):])
				var m Message
				if err := getJSON(txn, messageKey(conversationID, seq), &m); err != nil {
					return err
				}
				m.Read = true
				m.ReadAt = &readAt
				if err := putJSON(txn, messageKey(conversationID, seq), m); err != nil {
					return err
				}
				if err := txn.Delete(k); err != nil {
					return err
				}
				n++
			}
			return nil
		})
		if err != nil {
			return total, err
		}
		total += int64(n)
		if n < markReadBatch {
			return total, nil
		}
	}
}

func (s *Badger) CountUnread(ctx context.Context, conversationID, userID string) (int, error) {
	n := 0
	err := s.view(ctx, func(txn *badger.Txn) error {
		if _, err := getConversation(txn, conversationID); err != nil {
			return err
		}
		prefix := []byte("ur/" + conversationID + sep + userID + sep)

		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (s *Badger) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

// update runs fn in a read-write transaction, retrying on commit conflicts.
func (s *Badger) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		if attempt >= maxConflictRetries {
			s.log.Warn("badger.txn.conflict", "attempts", attempt)
			return err
		}
	}
}

func getUser(txn *badger.Txn, userID string) (User, error) {
	var u User
	err := getJSON(txn, userKey(userID), &u)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return User{}, NotFoundError{Op: "directory.Badger.GetUser", Resource: "user"}
	}
	return u, err
}

func getConversation(txn *badger.Txn, convID string) (Conversation, error) {
	var c Conversation
	err := getJSON(txn, convKey(convID), &c)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Conversation{}, NotFoundError{Op: "directory.Badger.GetConversation", Resource: "conversation"}
	}
	return c, err
}

func getJSON(txn *badger.Txn, key []byte, dst any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(v []byte) error {
		return json.Unmarshal(v, dst)
	})
}

func putJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal failed: %w", err)
	}
	return txn.Set(key, data)
}

func userKey(userID string) []byte { return []byte("u/" + userID) }
func pairKey(p Pair) []byte        { return []byte("p/" + p.Key()) }
func convKey(convID string) []byte { return []byte("c/" + convID) }

func userConvKey(userID, convID string) []byte {
	return []byte("uc/" + userID + sep + convID)
}

func messageKey(convID string, seq int64) []byte {
	return append([]byte("m/"+convID+sep), encodeSeq(seq)...)
}

func clientMsgKey(convID, senderID, clientMsgID string) []byte {
	return []byte("mc/" + convID + sep + senderID + sep + clientMsgID)
}

func unreadKey(convID, receiverID string, seq int64) []byte {
	return append([]byte("ur/"+convID+sep+receiverID+sep), encodeSeq(seq)...)
}

// Big-endian keeps lexicographic key order equal to numeric seq order.
func encodeSeq(seq int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(seq))
	return b[:]
}

func decodeSeq(b []byte) int64 {
	if len(b) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b[:8]))
}

// badgerLogger routes badger's printf-style logging into slog.
type badgerLogger struct {
	log *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Info(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
