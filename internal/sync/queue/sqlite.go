package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SQLiteStore keeps the snapshot in the kv_store table created by the db
// migrations. The agent and one-shot CLI commands may share the file.
type SQLiteStore struct {
	*snapshotStore
}

// NewSQLiteStore creates a store on an opened, migrated database.
func NewSQLiteStore(db *sql.DB, opts ...Option) *SQLiteStore {
	return &SQLiteStore{snapshotStore: newSnapshotStore(&sqliteBlobs{db: db}, opts...)}
}

type sqliteBlobs struct {
	db *sql.DB
}

// atomic holds one connection for the whole of fn inside BEGIN IMMEDIATE,
// which takes the database write lock up front. A writer in another process
// waits out the busy timeout instead of interleaving its read and write.
func (b *sqliteBlobs) atomic(ctx context.Context, _ string, fn func(tx blobTx) error) error {
	conn, err := b.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	// The rollback must run even when ctx is already done, or the pooled
	// connection would keep the write lock.
	rollback := func() { _, _ = conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK") }

	if err := fn(&sqliteTx{conn: conn}); err != nil {
		rollback()
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		rollback()
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// sqliteTx runs statements on the connection holding the transaction.
type sqliteTx struct {
	conn *sql.Conn
}

func (t *sqliteTx) get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := t.conn.QueryRowContext(ctx, "SELECT value FROM kv_store WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

const upsertBlob = `INSERT INTO kv_store (key, value, updated_at) VALUES (?, ?, strftime('%s','now'))
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

func (t *sqliteTx) put(ctx context.Context, key string, value []byte) error {
	_, err := t.conn.ExecContext(ctx, upsertBlob, key, value)
	return err
}

func (t *sqliteTx) del(ctx context.Context, key string) error {
	_, err := t.conn.ExecContext(ctx, "DELETE FROM kv_store WHERE key = ?", key)
	return err
}

func (t *sqliteTx) move(ctx context.Context, from, to string) error {
	if _, err := t.conn.ExecContext(ctx, "DELETE FROM kv_store WHERE key = ?", to); err != nil {
		return err
	}
	res, err := t.conn.ExecContext(ctx, "UPDATE kv_store SET key = ? WHERE key = ?", to, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("key %q not found", from)
	}
	return nil
}
