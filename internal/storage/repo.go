package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

var ErrNotFound = errors.New("not found")

var sessionColumns = []string{"id", "user_id", "title", "metadata_json", "message_count", "created_at", "updated_at"}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	if strings.TrimSpace(sess.ID) == "" {
		return fmt.Errorf("session id is empty")
	}
	if strings.TrimSpace(sess.MetadataJSON) == "" || !json.Valid([]byte(sess.MetadataJSON)) {
		sess.MetadataJSON = "{}"
	}
	now := s.now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}

	q := s.sql.Insert("chat_sessions").
		Columns(sessionColumns...).
		Values(sess.ID, sess.UserID, sess.Title, sess.MetadataJSON, 0, sess.CreatedAt.UTC(), sess.UpdatedAt.UTC())
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build create session query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID, userID string) (Session, error) {
	q := s.sql.Select(sessionColumns...).
		From("chat_sessions").
		Where(sq.Eq{"id": sessionID, "user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Session{}, fmt.Errorf("build get session query: %w", err)
	}

	sess, err := scanSession(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context, userID string, limit uint64) ([]Session, error) {
	q := s.sql.Select(sessionColumns...).
		From("chat_sessions").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("updated_at DESC", "created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return s.querySessions(ctx, q, "list sessions")
}

// SearchSessions matches the query against session titles and, when content is
// stored in plaintext, against message content.
func (s *Store) SearchSessions(ctx context.Context, userID, query string, limit uint64) ([]Session, error) {
	pattern := "%" + escapeLike(strings.TrimSpace(query)) + "%"
	match := sq.Or{s.like("title", pattern)}
	if s.cipher == nil {
		contentSQL, contentArgs, err := s.like("content", pattern).ToSql()
		if err != nil {
			return nil, fmt.Errorf("build content match: %w", err)
		}
		args := append([]any{userID}, contentArgs...)
		match = append(match, sq.Expr("id IN (SELECT session_id FROM chat_messages WHERE user_id = ? AND "+contentSQL+")", args...))
	}

	q := s.sql.Select(sessionColumns...).
		From("chat_sessions").
		Where(sq.Eq{"user_id": userID}).
		Where(match).
		OrderBy("updated_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return s.querySessions(ctx, q, "search sessions")
}

func (s *Store) querySessions(ctx context.Context, q sq.SelectBuilder, op string) ([]Session, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build %s query: %w", op, err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := make([]Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

// DeleteSession removes the session row; messages go with it through ON DELETE CASCADE.
func (s *Store) DeleteSession(ctx context.Context, sessionID, userID string) error {
	q := s.sql.Delete("chat_sessions").Where(sq.Eq{"id": sessionID, "user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete session query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertMessage appends a message to a session owned by m.UserID and touches the
// session's updated_at. The returned message carries its assigned sequence number.
func (s *Store) InsertMessage(ctx context.Context, m Message) (Message, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	m.CreatedAt = m.CreatedAt.UTC()

	content := m.Content
	if s.cipher != nil {
		sealed, err := s.cipher.Seal(m.Content, m.SessionID)
		if err != nil {
			return Message{}, fmt.Errorf("seal message content: %w", err)
		}
		content = sealed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin insert message: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ownerSQL, ownerArgs, err := s.sql.Select("1").From("chat_sessions").
		Where(sq.Eq{"id": m.SessionID, "user_id": m.UserID}).ToSql()
	if err != nil {
		return Message{}, fmt.Errorf("build session owner query: %w", err)
	}
	var one int
	if err := tx.QueryRowContext(ctx, ownerSQL, ownerArgs...).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("check session owner: %w", err)
	}

	seqSQL, seqArgs, err := s.sql.Select("COALESCE(MAX(seq), 0) + 1").From("chat_messages").
		Where(sq.Eq{"session_id": m.SessionID}).ToSql()
	if err != nil {
		return Message{}, fmt.Errorf("build next seq query: %w", err)
	}
	if err := tx.QueryRowContext(ctx, seqSQL, seqArgs...).Scan(&m.Seq); err != nil {
		return Message{}, fmt.Errorf("next message seq: %w", err)
	}

	insSQL, insArgs, err := s.sql.Insert("chat_messages").
		Columns("session_id", "id", "seq", "user_id", "role", "content", "created_at").
		Values(m.SessionID, m.ID, m.Seq, m.UserID, m.Role, content, m.CreatedAt).
		ToSql()
	if err != nil {
		return Message{}, fmt.Errorf("build insert message query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insSQL, insArgs...); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	touchSQL, touchArgs, err := s.sql.Update("chat_sessions").
		Set("updated_at", s.now()).
		Where(sq.Eq{"id": m.SessionID, "user_id": m.UserID}).
		ToSql()
	if err != nil {
		return Message{}, fmt.Errorf("build touch session query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, touchSQL, touchArgs...); err != nil {
		return Message{}, fmt.Errorf("touch session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit insert message: %w", err)
	}
	return m, nil
}

// RefreshMessageCount recomputes the denormalized message_count column.
func (s *Store) RefreshMessageCount(ctx context.Context, sessionID, userID string) (int, error) {
	q := s.sql.Update("chat_sessions").
		Set("message_count", sq.Expr("(SELECT COUNT(*) FROM chat_messages WHERE session_id = ?)", sessionID)).
		Where(sq.Eq{"id": sessionID, "user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build refresh count query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("refresh message count: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return 0, ErrNotFound
	}

	sess, err := s.GetSession(ctx, sessionID, userID)
	if err != nil {
		return 0, err
	}
	return sess.MessageCount, nil
}

// ListMessages returns the messages of a session owned by userID in chronological order.
func (s *Store) ListMessages(ctx context.Context, sessionID, userID string) ([]Message, error) {
	q := s.sql.Select("m.session_id", "m.id", "m.seq", "m.user_id", "m.role", "m.content", "m.created_at").
		From("chat_messages m").
		Join("chat_sessions cs ON cs.id = m.session_id").
		Where(sq.Eq{"m.session_id": sessionID, "cs.user_id": userID}).
		OrderBy("m.created_at ASC", "m.seq ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list messages query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.SessionID, &m.ID, &m.Seq, &m.UserID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		if s.cipher != nil {
			plain, err := s.cipher.Open(m.Content, m.SessionID)
			if err != nil {
				return nil, fmt.Errorf("open message %s: %w", m.ID, err)
			}
			m.Content = plain
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}

func (s *Store) GetSessionMetadata(ctx context.Context, sessionID, userID string) (map[string]any, error) {
	q := s.sql.Select("metadata_json").From("chat_sessions").Where(sq.Eq{"id": sessionID, "user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get metadata query: %w", err)
	}
	var raw string
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session metadata: %w", err)
	}
	return decodeMetadata(raw), nil
}

// SetSessionMetadataValue stores one key of the session metadata blob, keeping the others.
func (s *Store) SetSessionMetadataValue(ctx context.Context, sessionID, userID, key string, value any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set metadata: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	selSQL, selArgs, err := s.sql.Select("metadata_json").From("chat_sessions").
		Where(sq.Eq{"id": sessionID, "user_id": userID}).ToSql()
	if err != nil {
		return fmt.Errorf("build get metadata query: %w", err)
	}
	var raw string
	if err := tx.QueryRowContext(ctx, selSQL, selArgs...).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("get session metadata: %w", err)
	}

	meta := decodeMetadata(raw)
	meta[key] = value
	b, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}

	updSQL, updArgs, err := s.sql.Update("chat_sessions").
		Set("metadata_json", string(b)).
		Where(sq.Eq{"id": sessionID, "user_id": userID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build set metadata query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, updSQL, updArgs...); err != nil {
		return fmt.Errorf("set session metadata: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit set metadata: %w", err)
	}
	return nil
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	err := row.Scan(
		&sess.ID,
		&sess.UserID,
		&sess.Title,
		&sess.MetadataJSON,
		&sess.MessageCount,
		&sess.CreatedAt,
		&sess.UpdatedAt,
	)
	return sess, err
}

func decodeMetadata(raw string) map[string]any {
	meta := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return meta
	}
	if err := json.Unmarshal([]byte(raw), &meta); err != nil || meta == nil {
		return map[string]any{}
	}
	return meta
}

func (s *Store) like(column, pattern string) sq.Sqlizer {
	if s.driver == "postgres" {
		return sq.Expr(column+" ILIKE ? ESCAPE '\\'", pattern)
	}
	return sq.Expr(column+" LIKE ? ESCAPE '\\'", pattern)
}

func escapeLike(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(v)
}
