package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

var ErrThreadOwnership = errors.New("thread belongs to another tenant")

// SaveThread merges a thread and its messages. Messages are upserted by id so
// repeated saves of a growing history are idempotent; an empty title never
// clears an existing one. A message id already stored under another thread
// fails the whole save with ErrThreadOwnership.
func (s *Store) SaveThread(ctx context.Context, t Thread, msgs []Message) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save thread: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	owner, err := s.threadOwner(ctx, tx, t.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err == nil && owner != t.TenantID {
		return ErrThreadOwnership
	}

	q := s.sql.Insert("chat_threads").
		Columns("id", "tenant_id", "title", "updated_at").
		Values(t.ID, t.TenantID, t.Title, nowExpr(s.driver)).
		Suffix("ON CONFLICT(id) DO UPDATE SET title=CASE WHEN excluded.title <> '' THEN excluded.title ELSE chat_threads.title END, updated_at=excluded.updated_at")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build thread upsert query: %w", err)
	}
	if _, err = tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert thread: %w", err)
	}

	for _, m := range msgs {
		if m.MetaJSON == "" || !json.Valid([]byte(m.MetaJSON)) {
			m.MetaJSON = "{}"
		}
		q := s.sql.Insert("chat_messages").
			Columns("id", "thread_id", "role", "content", "is_error", "meta_json", "created_at_ms").
			Values(m.ID, t.ID, m.Role, m.Content, m.IsError, m.MetaJSON, m.CreatedAtMs).
			Suffix("ON CONFLICT(id) DO UPDATE SET content=excluded.content, is_error=excluded.is_error, meta_json=excluded.meta_json WHERE chat_messages.thread_id = excluded.thread_id")
		sqlStr, args, err = q.ToSql()
		if err != nil {
			return fmt.Errorf("build message upsert query: %w", err)
		}
		res, err := tx.ExecContext(ctx, sqlStr, args...)
		if err != nil {
			return fmt.Errorf("upsert message: %w", err)
		}
		// A conflicting id that lives in another thread leaves the row untouched.
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("upsert message rows affected: %w", err)
		}
		if n == 0 {
			return ErrThreadOwnership
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit save thread: %w", err)
	}
	return nil
}

func (s *Store) threadOwner(ctx context.Context, tx *sql.Tx, threadID string) (string, error) {
	q := s.sql.Select("tenant_id").From("chat_threads").Where(sq.Eq{"id": threadID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return "", fmt.Errorf("build thread owner query: %w", err)
	}
	var owner string
	if err := tx.QueryRowContext(ctx, sqlStr, args...).Scan(&owner); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get thread owner: %w", err)
	}
	return owner, nil
}

func (s *Store) GetThread(ctx context.Context, tenantID, threadID string) (Thread, []Message, error) {
	q := s.sql.Select("id", "tenant_id", "title", "created_at", "updated_at").
		From("chat_threads").
		Where(sq.Eq{"id": threadID, "tenant_id": tenantID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Thread{}, nil, fmt.Errorf("build thread query: %w", err)
	}
	var t Thread
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&t.ID, &t.TenantID, &t.Title, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Thread{}, nil, ErrNotFound
		}
		return Thread{}, nil, fmt.Errorf("get thread: %w", err)
	}

	mq := s.sql.Select("id", "thread_id", "role", "content", "is_error", "meta_json", "created_at_ms").
		From("chat_messages").
		Where(sq.Eq{"thread_id": threadID}).
		OrderBy("created_at_ms ASC", "id ASC")
	sqlStr, args, err = mq.ToSql()
	if err != nil {
		return Thread{}, nil, fmt.Errorf("build thread messages query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return Thread{}, nil, fmt.Errorf("list thread messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]Message, 0)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &m.IsError, &m.MetaJSON, &m.CreatedAtMs); err != nil {
			return Thread{}, nil, fmt.Errorf("scan message row: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return Thread{}, nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return t, msgs, nil
}
