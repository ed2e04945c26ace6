package directory

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"courier/cmd/internal/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

const defaultSchema = "courier"

// Postgres is a Directory backed by PostgreSQL.
//
// Ownership model:
//   - Postgres does NOT own the pgx pool; the caller closes it.
//   - Close() is therefore a no-op.
//
// Concurrency model:
//   - Pair uniqueness is enforced by uq_conversations_pair; a losing insert
//     surfaces as ConflictError.
//   - AppendMessage locks the conversation row (SELECT ... FOR UPDATE), so seq
//     allocation, insert and pointer update serialize per conversation.
type Postgres struct {
	pool   *pgxpool.Pool
	schema string
}

var _ Directory = (*Postgres)(nil)

// PostgresOption configures Postgres behavior.
type PostgresOption func(*Postgres) error

// WithSchema sets the DB schema used by this store (default: "courier").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *Postgres) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("directory: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("directory: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgres constructs a Postgres-backed Directory.
func NewPostgres(pool *pgxpool.Pool, opts ...PostgresOption) (*Postgres, error) {
	st := &Postgres{
		pool:   pool,
		schema: defaultSchema,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("directory: nil pool")
	}
	return st, nil
}

// Schema returns the schema this store reads and writes.
func (s *Postgres) Schema() string { return s.schema }

// Migrate applies the embedded schema. It is idempotent.
func (s *Postgres) Migrate(ctx context.Context) error {
	ddl := strings.ReplaceAll(schemaSQL, "{{schema}}", pgx.Identifier{s.schema}.Sanitize())
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("directory: migrate: %w", err)
	}
	return nil
}

// Ping checks that a connection can be acquired.
func (s *Postgres) Ping(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *Postgres) Close() error { return nil }

func (s *Postgres) UpsertUser(ctx context.Context, u User) error {
	if u.ID == "" {
		return InputError{Op: "directory.Postgres.UpsertUser", Msg: "missing user id"}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table("users")+` (id, username, display_name)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE
		    SET username     = COALESCE(NULLIF(EXCLUDED.username, ''), users.username),
		        display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), users.display_name),
		        updated_at   = now()`,
		u.ID, u.Username, u.DisplayName,
	)
	return err
}

func (s *Postgres) SetOnline(ctx context.Context, userID string) error {
	if userID == "" {
		return InputError{Op: "directory.Postgres.SetOnline", Msg: "missing user id"}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table("users")+` (id, online)
		 VALUES ($1, true)
		 ON CONFLICT (id) DO UPDATE
		    SET online = true, updated_at = now()`,
		userID,
	)
	return err
}

func (s *Postgres) SetOffline(ctx context.Context, userID string, lastSeen time.Time) error {
	if userID == "" {
		return InputError{Op: "directory.Postgres.SetOffline", Msg: "missing user id"}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table("users")+` (id, online, last_seen)
		 VALUES ($1, false, $2)
		 ON CONFLICT (id) DO UPDATE
		    SET online = false, last_seen = EXCLUDED.last_seen, updated_at = now()`,
		userID, lastSeen.UTC(),
	)
	return err
}

func (s *Postgres) GetUser(ctx context.Context, userID string) (User, error) {
	var (
		u        User
		lastSeen *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, display_name, online, last_seen
		   FROM `+s.table("users")+`
		  WHERE id = $1`,
		userID,
	).Scan(&u.ID, &u.Username, &u.DisplayName, &u.Online, &lastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, NotFoundError{Op: "directory.Postgres.GetUser", Resource: "user"}
	}
	if err != nil {
		return User{}, err
	}
	if lastSeen != nil {
		u.LastSeen = lastSeen.UTC()
	}
	return u, nil
}

const conversationColumns = `id, user_low, user_high, last_seq, last_message_id, last_message_at, created_at`

func (s *Postgres) FindConversation(ctx context.Context, pair Pair) (Conversation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+`
		   FROM `+s.table("conversations")+`
		  WHERE user_low = $1 AND user_high = $2`,
		pair.Low, pair.High,
	)
	c, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, NotFoundError{Op: "directory.Postgres.FindConversation", Resource: "conversation"}
	}
	return c, err
}

func (s *Postgres) CreateConversation(ctx context.Context, pair Pair, now time.Time) (Conversation, error) {
	const op = "directory.Postgres.CreateConversation"
	if pair.Low == "" || pair.High == "" || pair.Low >= pair.High {
		return Conversation{}, InputError{Op: op, Msg: "pair is not canonical"}
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, err
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO `+s.table("conversations")+` (id, user_low, user_high, created_at)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+conversationColumns,
		id, pair.Low, pair.High, now.UTC(),
	)
	c, err := scanConversation(row)
	if err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return Conversation{}, ConflictError{Op: op, Field: field}
		}
		return Conversation{}, err
	}
	return c, nil
}

func (s *Postgres) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+`
		   FROM `+s.table("conversations")+`
		  WHERE id = $1`,
		conversationID,
	)
	c, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, NotFoundError{Op: "directory.Postgres.GetConversation", Resource: "conversation"}
	}
	return c, err
}

func (s *Postgres) ListConversations(ctx context.Context, userID string) ([]ConversationSummary, error) {
	conversations := s.table("conversations")
	users := s.table("users")
	messages := s.table("messages")

	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.user_low, c.user_high, c.last_seq, c.last_message_id, c.last_message_at, c.created_at,
		        u.id, u.username, u.display_name, u.online, u.last_seen,
		        m.id, m.seq, m.sender_id, m.receiver_id, m.content, m.client_msg_id, m.created_at, m.read, m.read_at
		   FROM `+conversations+` c
		   LEFT JOIN `+users+` u
		          ON u.id = CASE WHEN c.user_low = $1 THEN c.user_high ELSE c.user_low END
		   LEFT JOIN `+messages+` m
		          ON m.id = c.last_message_id
		  WHERE c.user_low = $1 OR c.user_high = $1
		  ORDER BY c.last_message_at DESC NULLS LAST, c.id DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ConversationSummary, 0, 16)
	for rows.Next() {
		var (
			sum ConversationSummary

			lastMsgID *string
			lastMsgAt *time.Time

			uID, uUsername, uDisplay *string
			uOnline                  *bool
			uLastSeen                *time.Time

			mID, mSender, mReceiver, mContent, mClientID *string
			mSeq                                         *int64
			mCreated, mReadAt                            *time.Time
			mRead                                        *bool
		)
		if err := rows.Scan(
			&sum.Conversation.ID, &sum.Conversation.Pair.Low, &sum.Conversation.Pair.High,
			&sum.Conversation.LastSeq, &lastMsgID, &lastMsgAt, &sum.Conversation.CreatedAt,
			&uID, &uUsername, &uDisplay, &uOnline, &uLastSeen,
			&mID, &mSeq, &mSender, &mReceiver, &mContent, &mClientID, &mCreated, &mRead, &mReadAt,
		); err != nil {
			return nil, err
		}

		sum.Conversation.LastMessageID = deref(lastMsgID)
		if lastMsgAt != nil {
			sum.Conversation.LastMessageAt = lastMsgAt.UTC()
		}
		sum.Conversation.CreatedAt = sum.Conversation.CreatedAt.UTC()

		otherID, _ := sum.Conversation.Counterpart(userID)
		sum.Other = User{ID: otherID}
		if uID != nil {
			sum.Other.Username = deref(uUsername)
			sum.Other.DisplayName = deref(uDisplay)
			sum.Other.Online = uOnline != nil && *uOnline
			if uLastSeen != nil {
				sum.Other.LastSeen = uLastSeen.UTC()
			}
		}

		if mID != nil {
			m := Message{
				ID:             *mID,
				ConversationID: sum.Conversation.ID,
				SenderID:       deref(mSender),
				ReceiverID:     deref(mReceiver),
				Content:        deref(mContent),
				ClientMsgID:    deref(mClientID),
				Read:           mRead != nil && *mRead,
				ReadAt:         mReadAt,
			}
			if mSeq != nil {
				m.Seq = *mSeq
			}
			if mCreated != nil {
				m.CreatedAt = mCreated.UTC()
			}
			sum.LastMessage = &m
		}

		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// AppendMessage allocates seq, inserts the message and moves the last-message
// pointer in one transaction.
func (s *Postgres) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	const op = "directory.Postgres.AppendMessage"
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

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendMessageResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := s.table("conversations")
	messages := s.table("messages")

	// Row lock: the single serialization point for this conversation.
	conv, err := scanConversation(tx.QueryRow(ctx,
		`SELECT `+conversationColumns+`
		   FROM `+conversations+`
		  WHERE id = $1
		    FOR UPDATE`,
		in.ConversationID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return AppendMessageResult{}, NotFoundError{Op: op, Resource: "conversation"}
	}
	if err != nil {
		return AppendMessageResult{}, fmt.Errorf("lock conversation: %w", err)
	}
	if err := checkParticipants(op, conv, in.SenderID, in.ReceiverID); err != nil {
		return AppendMessageResult{}, err
	}

	if in.ClientMsgID != "" {
		existing, err := scanMessage(tx.QueryRow(ctx,
			`SELECT `+messageColumns+`
			   FROM `+messages+`
			  WHERE conversation_id = $1 AND sender_id = $2 AND client_msg_id = $3`,
			in.ConversationID, in.SenderID, in.ClientMsgID,
		))
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return AppendMessageResult{}, err
			}
			return AppendMessageResult{Message: existing, Duplicated: true}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return AppendMessageResult{}, err
		}
	}

	m := Message{
		ID:             msgID,
		ConversationID: in.ConversationID,
		Seq:            conv.LastSeq + 1,
		SenderID:       in.SenderID,
		ReceiverID:     in.ReceiverID,
		Content:        in.Content,
		ClientMsgID:    in.ClientMsgID,
		CreatedAt:      now,
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     id, conversation_id, seq, sender_id, receiver_id, content, client_msg_id, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)`,
		m.ID, m.ConversationID, m.Seq, m.SenderID, m.ReceiverID, m.Content, m.ClientMsgID, m.CreatedAt,
	); err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return AppendMessageResult{}, ConflictError{Op: op, Field: field}
		}
		if pgIsForeignKeyViolation(err) {
			return AppendMessageResult{}, NotFoundError{Op: op, Resource: "conversation"}
		}
		return AppendMessageResult{}, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+conversations+`
		    SET last_seq = $2, last_message_id = $3, last_message_at = $4
		  WHERE id = $1`,
		m.ConversationID, m.Seq, m.ID, m.CreatedAt,
	); err != nil {
		return AppendMessageResult{}, fmt.Errorf("update last message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendMessageResult{}, err
	}
	return AppendMessageResult{Message: m}, nil
}

const messageColumns = `id, conversation_id, seq, sender_id, receiver_id, content, client_msg_id, created_at, read, read_at`

func (s *Postgres) ListMessages(ctx context.Context, in ListMessagesInput) ([]Message, error) {
	if in.ConversationID == "" {
		return nil, InputError{Op: "directory.Postgres.ListMessages", Msg: "missing conversation_id"}
	}

	q := `SELECT ` + messageColumns + `
	        FROM ` + s.table("messages") + `
	       WHERE conversation_id = $1 AND seq > $2
	       ORDER BY seq ASC`
	args := []any{in.ConversationID, in.AfterSeq}
	if in.Limit > 0 {
		q += ` LIMIT $3`
		args = append(args, in.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0, 64)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Postgres) MarkRead(ctx context.Context, conversationID, readerID string, now time.Time) (int64, error) {
	if conversationID == "" || readerID == "" {
		return 0, InputError{Op: "directory.Postgres.MarkRead", Msg: "missing conversation_id or reader"}
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table("messages")+`
		    SET read = true, read_at = $3
		  WHERE conversation_id = $1 AND receiver_id = $2 AND NOT read`,
		conversationID, readerID, now.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) CountUnread(ctx context.Context, conversationID, userID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*)
		   FROM `+s.table("messages")+`
		  WHERE conversation_id = $1 AND receiver_id = $2 AND NOT read`,
		conversationID, userID,
	).Scan(&n)
	return n, err
}

func (s *Postgres) table(name string) string {
	return pgIdent(s.schema, name)
}

func scanConversation(row pgx.Row) (Conversation, error) {
	var (
		c         Conversation
		lastMsgID *string
		lastMsgAt *time.Time
	)
	if err := row.Scan(&c.ID, &c.Pair.Low, &c.Pair.High, &c.LastSeq, &lastMsgID, &lastMsgAt, &c.CreatedAt); err != nil {
		return Conversation{}, err
	}
	c.LastMessageID = deref(lastMsgID)
	if lastMsgAt != nil {
		c.LastMessageAt = lastMsgAt.UTC()
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

func scanMessage(row pgx.Row) (Message, error) {
	var (
		m        Message
		clientID *string
	)
	if err := row.Scan(
		&m.ID, &m.ConversationID, &m.Seq, &m.SenderID, &m.ReceiverID,
		&m.Content, &clientID, &m.CreatedAt, &m.Read, &m.ReadAt,
	); err != nil {
		return Message{}, err
	}
	m.ClientMsgID = deref(clientID)
	m.CreatedAt = m.CreatedAt.UTC()
	if m.ReadAt != nil {
		t := m.ReadAt.UTC()
		m.ReadAt = &t
	}
	return m, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func pgIsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23503" // foreign_key_violation
}

func pgClassifyUniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	if pgErr.Code != "23505" { // unique_violation
		return "", false
	}

	switch strings.ToLower(strings.TrimSpace(pgErr.ConstraintName)) {
	case "uq_conversations_pair":
		return "pair", true
	case "uq_messages_client_msg":
		return "client_msg_id", true
	case "uq_messages_conversation_seq":
		return "seq", true
	default:
		return "unknown", true
	}
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
