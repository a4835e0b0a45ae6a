package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"misp-taxii-forwarder/internal/model"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS forwarded_events (
	event_id INTEGER NOT NULL UNIQUE
)`

// SQLiteStore keeps the cursor in a single table, replaced inside one
// transaction on every save.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema %s: %w", path, err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) (*CursorSet, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT event_id FROM forwarded_events`)
	if err != nil {
		return nil, fmt.Errorf("query cursor: %w", err)
	}
	defer rows.Close()

	set := NewCursorSet()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCursorCorrupt, err)
		}
		set.Add(model.EventID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCursorCorrupt, err)
	}
	return set, nil
}

func (s *SQLiteStore) Save(ctx context.Context, set *CursorSet) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM forwarded_events`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO forwarded_events (event_id) VALUES (?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, id := range set.Sorted() {
		if _, err = stmt.ExecContext(ctx, int64(id)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
