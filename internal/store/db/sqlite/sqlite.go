// Package sqlite implements the store driver on SQLite for local and
// single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"datalens/internal/store"
)

type DB struct {
	db *sql.DB
}

func NewDB(path string) (store.Driver, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping sqlite")
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error { return d.db.Close() }

func (d *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			uid        TEXT    NOT NULL UNIQUE,
			title      TEXT    NOT NULL DEFAULT 'New Chat',
			created_ts BIGINT  NOT NULL DEFAULT (strftime('%s', 'now')),
			updated_ts BIGINT  NOT NULL DEFAULT (strftime('%s', 'now'))
		)`,
		`CREATE TABLE IF NOT EXISTS message (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL REFERENCES conversation(id) ON DELETE CASCADE,
			role            TEXT    NOT NULL,
			content         TEXT    NOT NULL,
			created_ts      BIGINT  NOT NULL DEFAULT (strftime('%s', 'now'))
		)`,
		`CREATE TABLE IF NOT EXISTS stream_event (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL REFERENCES conversation(id) ON DELETE CASCADE,
			request_id      TEXT    NOT NULL,
			seq             INTEGER NOT NULL,
			type            TEXT    NOT NULL,
			payload         TEXT    NOT NULL,
			created_ts      BIGINT  NOT NULL DEFAULT (strftime('%s', 'now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_message_conversation ON message(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_stream_event_conversation ON stream_event(conversation_id, request_id, seq)`,
	}
	for _, s := range stmts {
		if _, err := d.db.ExecContext(ctx, s); err != nil {
			return errors.Wrap(err, "ensure schema")
		}
	}
	return nil
}

func (d *DB) CreateConversation(ctx context.Context, create *store.Conversation) (*store.Conversation, error) {
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO conversation (uid, title) VALUES (?, ?)`,
		create.UID, create.Title)
	if err != nil {
		return nil, errors.Wrap(err, "create conversation")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	create.ID = int32(id)
	row := d.db.QueryRowContext(ctx,
		`SELECT created_ts, updated_ts FROM conversation WHERE id = ?`, id)
	if err := row.Scan(&create.CreatedTs, &create.UpdatedTs); err != nil {
		return nil, errors.Wrap(err, "read conversation timestamps")
	}
	return create, nil
}

func (d *DB) ListConversations(ctx context.Context, find *store.FindConversation) ([]*store.Conversation, error) {
	where, args := []string{"1 = 1"}, []any{}
	if v := find.UID; v != nil {
		where, args = append(where, "uid = ?"), append(args, *v)
	}
	query := fmt.Sprintf(
		`SELECT id, uid, title, created_ts, updated_ts
		 FROM conversation WHERE %s ORDER BY updated_ts DESC`,
		strings.Join(where, " AND "),
	)
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list conversations")
	}
	defer rows.Close()

	var list []*store.Conversation
	for rows.Next() {
		c := &store.Conversation{}
		if err := rows.Scan(&c.ID, &c.UID, &c.Title, &c.CreatedTs, &c.UpdatedTs); err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

func (d *DB) UpdateConversation(ctx context.Context, update *store.UpdateConversation) (*store.Conversation, error) {
	set, args := []string{"updated_ts = strftime('%s', 'now')"}, []any{}
	if v := update.Title; v != nil {
		set, args = append(set, "title = ?"), append(args, *v)
	}
	args = append(args, update.UID)
	stmt := fmt.Sprintf(`UPDATE conversation SET %s WHERE uid = ?`, strings.Join(set, ", "))
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return nil, errors.Wrap(err, "update conversation")
	}
	list, err := d.ListConversations(ctx, &store.FindConversation{UID: &update.UID})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, errors.Errorf("conversation %s not found", update.UID)
	}
	return list[0], nil
}

func (d *DB) DeleteConversation(ctx context.Context, uid string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM conversation WHERE uid = ?`, uid)
	return errors.Wrap(err, "delete conversation")
}

func (d *DB) CreateMessage(ctx context.Context, create *store.CreateMessage) (*store.Message, error) {
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO message (conversation_id, role, content) VALUES (?, ?, ?)`,
		create.ConversationID, create.Role, create.Content)
	if err != nil {
		return nil, errors.Wrap(err, "create message")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	m := &store.Message{ID: int32(id), ConversationID: create.ConversationID, Role: create.Role, Content: create.Content}
	row := d.db.QueryRowContext(ctx, `SELECT created_ts FROM message WHERE id = ?`, id)
	if err := row.Scan(&m.CreatedTs); err != nil {
		return nil, errors.Wrap(err, "read message timestamp")
	}
	return m, nil
}

func (d *DB) ListMessages(ctx context.Context, find *store.FindMessage) ([]*store.Message, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, created_ts
		 FROM message WHERE conversation_id = ? ORDER BY id ASC`,
		find.ConversationID)
	if err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	defer rows.Close()

	var list []*store.Message
	for rows.Next() {
		m := &store.Message{}
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedTs); err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return list, rows.Err()
}

func (d *DB) AppendEvents(ctx context.Context, events []*store.CreateEvent) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin append events")
	}
	defer tx.Rollback()

	stmt := `INSERT INTO stream_event (conversation_id, request_id, seq, type, payload)
	         VALUES (?, ?, ?, ?, ?)`
	for _, e := range events {
		if _, err := tx.ExecContext(ctx, stmt, e.ConversationID, e.RequestID, e.Seq, e.Type, string(e.Payload)); err != nil {
			return errors.Wrap(err, "append event")
		}
	}
	return errors.Wrap(tx.Commit(), "commit append events")
}

func (d *DB) ListEvents(ctx context.Context, find *store.FindEvent) ([]*store.Event, error) {
	where, args := []string{"conversation_id = ?"}, []any{find.ConversationID}
	if v := find.RequestID; v != nil {
		where, args = append(where, "request_id = ?"), append(args, *v)
	}
	query := fmt.Sprintf(
		`SELECT id, conversation_id, request_id, seq, type, payload, created_ts
		 FROM stream_event WHERE %s ORDER BY id ASC`,
		strings.Join(where, " AND "),
	)
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list events")
	}
	defer rows.Close()

	var list []*store.Event
	for rows.Next() {
		e := &store.Event{}
		var payload string
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.RequestID, &e.Seq, &e.Type, &payload, &e.CreatedTs); err != nil {
			return nil, err
		}
		e.Payload = []byte(payload)
		list = append(list, e)
	}
	return list, rows.Err()
}
