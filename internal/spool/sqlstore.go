package spool

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLStore implements Store against a spool_messages/spool_recipients
// schema. It is the pure-Go alternative to the file and in-process-KV
// backends, for deployments that already run their spool on a database
// rather than a local disk.
type SQLStore struct {
	db *sql.DB
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS spool_messages (
	id             TEXT PRIMARY KEY,
	raw_ref        TEXT NOT NULL,
	sender         TEXT NOT NULL,
	message_id     TEXT NOT NULL,
	authenticated  INTEGER NOT NULL,
	peer_address   TEXT NOT NULL,
	dsn_ret        TEXT NOT NULL DEFAULT '',
	dsn_envid      TEXT NOT NULL DEFAULT '',
	attempt        INTEGER NOT NULL DEFAULT 0,
	queued_at      INTEGER NOT NULL,
	next_attempt_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS spool_messages_next_attempt_idx ON spool_messages (next_attempt_at);

CREATE TABLE IF NOT EXISTS spool_recipients (
	message_id TEXT NOT NULL,
	recipient  TEXT NOT NULL,
	notify     TEXT NOT NULL DEFAULT '',
	orcpt      TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (message_id, recipient)
);
`

// NewSQLStore opens (creating if absent) a sqlite database at path and
// ensures the spool schema exists.
func NewSQLStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("spool: opening sqlite db: %w", err)
	}
	if _, err := db.Exec(sqlSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("spool: creating schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) Enqueue(ctx context.Context, req EnqueueRequest) (Metadata, error) {
	now := time.Now()
	meta := Metadata{
		ID:            uuid.NewString(),
		RawRef:        req.RawRef,
		Sender:        req.Sender,
		Recipients:    append([]string(nil), req.Recipients...),
		MessageID:     req.MessageID,
		Authenticated: req.Authenticated,
		PeerAddress:   req.PeerAddress,
		DSNRet:        req.DSNRet,
		DSNEnvID:      req.DSNEnvID,
		RcptDSN:       req.RcptDSN,
		QueuedAt:      now,
		NextAttemptAt: now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Metadata{}, err
	}
	defer tx.Rollback()

	if err := insertMessage(tx, meta); err != nil {
		return Metadata{}, err
	}
	if err := replaceRecipients(tx, meta); err != nil {
		return Metadata{}, err
	}
	if err := tx.Commit(); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

func (s *SQLStore) ListDue(ctx context.Context, now time.Time, limit int) ([]Metadata, error) {
	query := `SELECT id FROM spool_messages WHERE next_attempt_at <= ? ORDER BY next_attempt_at ASC`
	args := []interface{}{now.UnixMilli()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Metadata, 0, len(ids))
	for _, id := range ids {
		meta, err := s.Read(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}

func (s *SQLStore) Read(ctx context.Context, id string) (Metadata, error) {
	var (
		meta         Metadata
		authenticated int
		queuedAt, nextAt int64
	)
	row := s.db.QueryRowContext(ctx, `SELECT id, raw_ref, sender, message_id, authenticated,
		peer_address, dsn_ret, dsn_envid, attempt, queued_at, next_attempt_at
		FROM spool_messages WHERE id = ?`, id)
	if err := row.Scan(&meta.ID, &meta.RawRef, &meta.Sender, &meta.MessageID, &authenticated,
		&meta.PeerAddress, &meta.DSNRet, &meta.DSNEnvID, &meta.Attempt, &queuedAt, &nextAt); err != nil {
		return Metadata{}, err
	}
	meta.Authenticated = authenticated != 0
	meta.QueuedAt = time.UnixMilli(queuedAt)
	meta.NextAttemptAt = time.UnixMilli(nextAt)

	rows, err := s.db.QueryContext(ctx, `SELECT recipient, notify, orcpt, last_error
		FROM spool_recipients WHERE message_id = ?`, id)
	if err != nil {
		return Metadata{}, err
	}
	defer rows.Close()

	meta.RcptDSN = map[string]RcptDSNOpts{}
	meta.LastErrors = map[string]string{}
	for rows.Next() {
		var recipient, notify, orcpt, lastErr string
		if err := rows.Scan(&recipient, &notify, &orcpt, &lastErr); err != nil {
			return Metadata{}, err
		}
		meta.Recipients = append(meta.Recipients, recipient)
		opts := RcptDSNOpts{ORcpt: orcpt}
		if notify != "" {
			opts.Notify = splitCSV(notify)
		}
		meta.RcptDSN[recipient] = opts
		if lastErr != "" {
			meta.LastErrors[recipient] = lastErr
		}
	}
	return meta, rows.Err()
}

func (s *SQLStore) Write(ctx context.Context, meta Metadata) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE spool_messages SET attempt = ?, next_attempt_at = ?
		WHERE id = ?`, meta.Attempt, meta.NextAttemptAt.UnixMilli(), meta.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if err := insertMessage(tx, meta); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM spool_recipients WHERE message_id = ?`, meta.ID); err != nil {
		return err
	}
	if err := replaceRecipients(tx, meta); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) Remove(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM spool_recipients WHERE message_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM spool_messages WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM spool_messages`).Scan(&n)
	return n, err
}

func insertMessage(tx *sql.Tx, meta Metadata) error {
	_, err := tx.Exec(`INSERT INTO spool_messages
		(id, raw_ref, sender, message_id, authenticated, peer_address, dsn_ret, dsn_envid, attempt, queued_at, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		meta.ID, meta.RawRef, meta.Sender, meta.MessageID, boolToInt(meta.Authenticated),
		meta.PeerAddress, meta.DSNRet, meta.DSNEnvID, meta.Attempt,
		meta.QueuedAt.UnixMilli(), meta.NextAttemptAt.UnixMilli())
	return err
}

func replaceRecipients(tx *sql.Tx, meta Metadata) error {
	for _, rcpt := range meta.Recipients {
		opts := meta.RcptDSN[rcpt]
		notify := joinCSV(opts.Notify)
		lastErr := meta.LastErrors[rcpt]
		if _, err := tx.Exec(`INSERT INTO spool_recipients (message_id, recipient, notify, orcpt, last_error)
			VALUES (?, ?, ?, ?, ?)`, meta.ID, rcpt, notify, opts.ORcpt, lastErr); err != nil {
			return err
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func splitCSV(s string) []string {
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err == nil {
		return out
	}
	return []string{s}
}

func joinCSV(items []string) string {
	if len(items) == 0 {
		return ""
	}
	raw, _ := json.Marshal(items)
	return string(raw)
}

var _ Store = (*SQLStore)(nil)
