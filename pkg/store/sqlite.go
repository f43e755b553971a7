package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/go-go-golems/arbor/pkg/prompt"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const sqliteSchemaV1 = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    title TEXT NOT NULL,
    selected_model TEXT NOT NULL,
    max_tokens INTEGER NOT NULL DEFAULT 0,
    cost REAL NOT NULL DEFAULT 0,
    created_at_ms INTEGER NOT NULL,
    last_message_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    owner_id TEXT NOT NULL,
    parent_id TEXT NOT NULL DEFAULT '',
    role TEXT NOT NULL,
    kind TEXT NOT NULL,
    content TEXT NOT NULL DEFAULT '',
    image_url TEXT NOT NULL DEFAULT '',
    audio_url TEXT NOT NULL DEFAULT '',
    file_url TEXT NOT NULL DEFAULT '',
    is_hidden INTEGER NOT NULL DEFAULT 0,
    prompt_tokens INTEGER NOT NULL DEFAULT 0,
    completion_tokens INTEGER NOT NULL DEFAULT 0,
    cost REAL NOT NULL DEFAULT 0,
    wired_context_ids TEXT NOT NULL DEFAULT '[]',
    metadata_json TEXT NOT NULL DEFAULT '{}',
    created_at_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS messages_by_conversation ON messages(conversation_id, created_at_ms, seq);

CREATE TABLE IF NOT EXISTS context_blocks (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    type TEXT NOT NULL,
    title TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS knowledge (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at_ms INTEGER NOT NULL
);

CREATE VIRTUAL TABLE IF NOT EXISTS knowledge_fts USING fts4(content, tokenize=porter);

CREATE TRIGGER IF NOT EXISTS knowledge_ai AFTER INSERT ON knowledge BEGIN
    INSERT INTO knowledge_fts(docid, content) VALUES (new.id, new.content);
END;

CREATE TRIGGER IF NOT EXISTS knowledge_ad AFTER DELETE ON knowledge BEGIN
    DELETE FROM knowledge_fts WHERE docid = old.id;
END;
`

// SQLiteStore persists the chat data in a SQLite database file.
type SQLiteStore struct {
	mu     sync.RWMutex
	dsn    string
	db     *sql.DB
	closed bool
	now    func() time.Time
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "could not open sqlite database")
	}
	// a single connection keeps the foreign_keys pragma in effect and avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{dsn: dsn, db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		return errors.Wrap(err, "could not enable foreign keys")
	}
	if _, err := s.db.Exec(sqliteSchemaV1); err != nil {
		return errors.Wrap(err, "could not migrate sqlite schema")
	}
	return nil
}

func (s *SQLiteStore) ensureOpen() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func nullableID(id conversation.NodeID) string {
	if id == conversation.NullNode {
		return ""
	}
	return id.String()
}

func parseOptionalID(s string) (conversation.NodeID, error) {
	if s == "" {
		return conversation.NullNode, nil
	}
	return conversation.ParseNodeID(s)
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, c NewConversation) (*conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	now := s.now().Truncate(time.Millisecond)
	ret := &conversation.Conversation{
		ID:            conversation.NewNodeID(),
		OwnerID:       c.OwnerID,
		Title:         c.Title,
		SelectedModel: c.Model,
		MaxTokens:     c.MaxTokens,
		CreatedAt:     now,
		LastMessageAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, owner_id, title, selected_model, max_tokens, cost, created_at_ms, last_message_at_ms)
VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		ret.ID.String(), ret.OwnerID, ret.Title, ret.SelectedModel, ret.MaxTokens, toMillis(now), toMillis(now))
	if err != nil {
		return nil, errors.Wrap(err, "could not insert conversation")
	}
	return ret, nil
}

const conversationColumns = `id, owner_id, title, selected_model, max_tokens, cost, created_at_ms, last_message_at_ms`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row rowScanner) (*conversation.Conversation, error) {
	var (
		id                string
		createdAt, lastAt int64
		ret               conversation.Conversation
	)
	if err := row.Scan(&id, &ret.OwnerID, &ret.Title, &ret.SelectedModel, &ret.MaxTokens, &ret.Cost, &createdAt, &lastAt); err != nil {
		return nil, err
	}
	parsed, err := conversation.ParseNodeID(id)
	if err != nil {
		return nil, err
	}
	ret.ID = parsed
	ret.CreatedAt = fromMillis(createdAt)
	ret.LastMessageAt = fromMillis(lastAt)
	return &ret, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id conversation.NodeID) (*conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id.String())
	ret, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Resource: "conversation", ID: id}
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not load conversation")
	}
	return ret, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, ownerID string) ([]*conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations
WHERE ? = '' OR owner_id = ?
ORDER BY last_message_at_ms DESC, created_at_ms DESC`, ownerID, ownerID)
	if err != nil {
		return nil, errors.Wrap(err, "could not list conversations")
	}
	defer func() {
		_ = rows.Close()
	}()

	var ret []*conversation.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, errors.Wrap(err, "could not scan conversation")
		}
		ret = append(ret, c)
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) UpdateConversation(ctx context.Context, id conversation.NodeID, update conversation.ConversationUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}

	var sets []string
	var args []interface{}
	if update.Title != nil {
		sets, args = append(sets, "title = ?"), append(args, *update.Title)
	}
	if update.SelectedModel != nil {
		sets, args = append(sets, "selected_model = ?"), append(args, *update.SelectedModel)
	}
	if update.MaxTokens != nil {
		sets, args = append(sets, "max_tokens = ?"), append(args, *update.MaxTokens)
	}
	if update.Cost != nil {
		sets, args = append(sets, "cost = ?"), append(args, *update.Cost)
	}
	if update.LastMessageAt != nil {
		sets, args = append(sets, "last_message_at_ms = ?"), append(args, toMillis(*update.LastMessageAt))
	}
	if len(sets) == 0 {
		sets = append(sets, "id = id")
	}
	args = append(args, id.String())

	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return errors.Wrap(err, "could not update conversation")
	}
	return requireAffected(res, "conversation", id)
}

func requireAffected(res sql.Result, resource string, id conversation.NodeID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &NotFoundError{Resource: resource, ID: id}
	}
	return nil
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, id conversation.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "could not begin transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id.String()); err != nil {
		return errors.Wrap(err, "could not delete messages")
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id.String())
	if err != nil {
		return errors.Wrap(err, "could not delete conversation")
	}
	if err := requireAffected(res, "conversation", id); err != nil {
		return err
	}
	return tx.Commit()
}

const messageColumns = `seq, id, parent_id, role, kind, content, image_url, audio_url, file_url, is_hidden,
prompt_tokens, completion_tokens, cost, wired_context_ids, metadata_json, created_at_ms`

func scanMessage(row rowScanner) (*conversation.Message, error) {
	var (
		m               conversation.Message
		seq             int64
		id, parentID    string
		role, kind      string
		hidden          bool
		wired, metadata string
		createdAt       int64
	)
	if err := row.Scan(&seq, &id, &parentID, &role, &kind, &m.Content, &m.ImageURL, &m.AudioURL, &m.FileURL, &hidden,
		&m.PromptTokens, &m.CompletionTokens, &m.Cost, &wired, &metadata, &createdAt); err != nil {
		return nil, err
	}
	var err error
	if m.ID, err = conversation.ParseNodeID(id); err != nil {
		return nil, err
	}
	if m.ParentID, err = parseOptionalID(parentID); err != nil {
		return nil, err
	}
	m.Seq = uint64(seq)
	m.Role = conversation.Role(role)
	m.Kind = conversation.Kind(kind)
	m.IsHidden = hidden
	m.Time = fromMillis(createdAt)
	if err := json.Unmarshal([]byte(wired), &m.WiredContextIDs); err != nil {
		return nil, errors.Wrap(err, "could not decode wiring")
	}
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &m.Metadata); err != nil {
			return nil, errors.Wrap(err, "could not decode metadata")
		}
	}
	return &m, nil
}

func encodeIDs(ids []conversation.NodeID) (string, error) {
	if ids == nil {
		ids = []conversation.NodeID{}
	}
	b, err := json.Marshal(ids)
	return string(b), err
}

func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID conversation.NodeID) ([]*conversation.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY created_at_ms ASC, seq ASC`,
		conversationID.String())
	if err != nil {
		return nil, errors.Wrap(err, "could not list messages")
	}
	defer func() {
		_ = rows.Close()
	}()

	var ret []*conversation.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "could not scan message")
		}
		ret = append(ret, m)
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) InsertMessage(
	ctx context.Context,
	conversationID conversation.NodeID,
	ownerID string,
	m *conversation.Message,
) (*conversation.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	stored := m.Clone()
	stored.ID = conversation.NewNodeID()
	stored.Time = s.now().Truncate(time.Millisecond)
	stored.IsLoading = false
	if stored.Kind == "" {
		stored.Kind = conversation.KindText
	}

	wired, err := encodeIDs(stored.WiredContextIDs)
	if err != nil {
		return nil, err
	}
	metadata := "{}"
	if len(stored.Metadata) > 0 {
		b, err := json.Marshal(stored.Metadata)
		if err != nil {
			return nil, errors.Wrap(err, "could not encode metadata")
		}
		metadata = string(b)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, owner_id, parent_id, role, kind, content, image_url, audio_url, file_url,
is_hidden, prompt_tokens, completion_tokens, cost, wired_context_ids, metadata_json, created_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.ID.String(), conversationID.String(), ownerID, nullableID(stored.ParentID),
		string(stored.Role), string(stored.Kind), stored.Content, stored.ImageURL, stored.AudioURL, stored.FileURL,
		stored.IsHidden, stored.PromptTokens, stored.CompletionTokens, stored.Cost, wired, metadata,
		toMillis(stored.Time))
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return nil, &NotFoundError{Resource: "conversation", ID: conversationID}
		}
		return nil, errors.Wrap(err, "could not insert message")
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	stored.Seq = uint64(seq)
	return stored, nil
}

func (s *SQLiteStore) UpdateMessage(ctx context.Context, id conversation.NodeID, update conversation.MessageUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}

	var sets []string
	var args []interface{}
	if update.Content != nil {
		sets, args = append(sets, "content = ?"), append(args, *update.Content)
	}
	if update.Kind != nil {
		sets, args = append(sets, "kind = ?"), append(args, string(*update.Kind))
	}
	if update.ImageURL != nil {
		sets, args = append(sets, "image_url = ?"), append(args, *update.ImageURL)
	}
	if update.IsHidden != nil {
		sets, args = append(sets, "is_hidden = ?"), append(args, *update.IsHidden)
	}
	if update.PromptTokens != nil {
		sets, args = append(sets, "prompt_tokens = ?"), append(args, *update.PromptTokens)
	}
	if update.CompletionTokens != nil {
		sets, args = append(sets, "completion_tokens = ?"), append(args, *update.CompletionTokens)
	}
	if update.Cost != nil {
		sets, args = append(sets, "cost = ?"), append(args, *update.Cost)
	}
	if update.WiredContextIDs != nil {
		wired, err := encodeIDs(update.WiredContextIDs)
		if err != nil {
			return err
		}
		sets, args = append(sets, "wired_context_ids = ?"), append(args, wired)
	}
	// IsLoading is never persisted
	if len(sets) == 0 {
		sets = append(sets, "id = id")
	}
	args = append(args, id.String())

	res, err := s.db.ExecContext(ctx, `UPDATE messages SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return errors.Wrap(err, "could not update message")
	}
	return requireAffected(res, "message", id)
}

func (s *SQLiteStore) CreateContextBlock(ctx context.Context, ownerID string, b *conversation.ContextBlock) (*conversation.ContextBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	stored := *b
	if stored.ID == conversation.NullNode {
		stored.ID = conversation.NewNodeID()
	}
	if stored.Type == "" {
		stored.Type = conversation.ContextBlockText
	}
	stored.CreatedAt = s.now().Truncate(time.Millisecond)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO context_blocks (id, owner_id, type, title, content, created_at_ms) VALUES (?, ?, ?, ?, ?, ?)`,
		stored.ID.String(), ownerID, string(stored.Type), stored.Title, stored.Content, toMillis(stored.CreatedAt))
	if err != nil {
		return nil, errors.Wrap(err, "could not insert context block")
	}
	return &stored, nil
}

func (s *SQLiteStore) ListContextBlocks(ctx context.Context, ownerID string) ([]*conversation.ContextBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, title, content, created_at_ms FROM context_blocks
WHERE ? = '' OR owner_id = ?
ORDER BY created_at_ms ASC, rowid ASC`, ownerID, ownerID)
	if err != nil {
		return nil, errors.Wrap(err, "could not list context blocks")
	}
	defer func() {
		_ = rows.Close()
	}()

	var ret []*conversation.ContextBlock
	for rows.Next() {
		var (
			b         conversation.ContextBlock
			id, type_ string
			createdAt int64
		)
		if err := rows.Scan(&id, &type_, &b.Title, &b.Content, &createdAt); err != nil {
			return nil, errors.Wrap(err, "could not scan context block")
		}
		if b.ID, err = conversation.ParseNodeID(id); err != nil {
			return nil, err
		}
		b.Type = conversation.ContextBlockType(type_)
		b.CreatedAt = fromMillis(createdAt)
		ret = append(ret, &b)
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) DeleteContextBlock(ctx context.Context, id conversation.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "could not begin transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM context_blocks WHERE id = ?`, id.String())
	if err != nil {
		return errors.Wrap(err, "could not delete context block")
	}
	if err := requireAffected(res, "context block", id); err != nil {
		return err
	}

	rows, err := tx.QueryContext(ctx, `SELECT id, wired_context_ids FROM messages WHERE wired_context_ids LIKE ?`,
		"%"+id.String()+"%")
	if err != nil {
		return errors.Wrap(err, "could not find wired messages")
	}
	type rewire struct {
		id    string
		wired string
	}
	var updates []rewire
	for rows.Next() {
		var mid, wired string
		if err := rows.Scan(&mid, &wired); err != nil {
			_ = rows.Close()
			return err
		}
		var ids []conversation.NodeID
		if err := json.Unmarshal([]byte(wired), &ids); err != nil {
			_ = rows.Close()
			return errors.Wrap(err, "could not decode wiring")
		}
		encoded, err := encodeIDs(without(ids, id))
		if err != nil {
			_ = rows.Close()
			return err
		}
		updates = append(updates, rewire{id: mid, wired: encoded})
	}
	if err := rows.Close(); err != nil {
		return err
	}

	for _, u := range updates {
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET wired_context_ids = ? WHERE id = ?`, u.wired, u.id); err != nil {
			return errors.Wrap(err, "could not unwire context block")
		}
	}
	log.Debug().Str("block_id", id.String()).Int("messages", len(updates)).Msg("Deleted context block")
	return tx.Commit()
}

// AddKnowledge stores content in the full-text index used by Retrieve.
func (s *SQLiteStore) AddKnowledge(ctx context.Context, source, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO knowledge (source, content, created_at_ms) VALUES (?, ?, ?)`,
		source, content, toMillis(s.now()))
	return errors.Wrap(err, "could not insert knowledge")
}

// Retrieve runs an FTS4 search for any of the query terms. Fragments are scored by the number
// of matched term occurrences.
func (s *SQLiteStore) Retrieve(ctx context.Context, query string, limit int) ([]prompt.Fragment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	terms := QueryTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT k.source, k.content, offsets(knowledge_fts)
FROM knowledge_fts
JOIN knowledge k ON k.id = knowledge_fts.docid
WHERE knowledge_fts MATCH ?`, ftsQuery(terms))
	if err != nil {
		return nil, errors.Wrap(err, "could not search knowledge")
	}
	defer func() {
		_ = rows.Close()
	}()

	var ret []prompt.Fragment
	for rows.Next() {
		var f prompt.Fragment
		var offsets string
		if err := rows.Scan(&f.Source, &f.Content, &offsets); err != nil {
			return nil, errors.Wrap(err, "could not scan knowledge")
		}
		// offsets() yields four integers per matched term occurrence
		f.Score = float64(len(strings.Fields(offsets)) / 4)
		ret = append(ret, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortFragments(ret)
	if limit > 0 && len(ret) > limit {
		ret = ret[:limit]
	}
	return ret, nil
}

var (
	_ Store     = (*SQLiteStore)(nil)
	_ Retriever = (*SQLiteStore)(nil)
)
