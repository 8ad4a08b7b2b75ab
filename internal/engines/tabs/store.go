package tabs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/weavekit/sync15/internal/dbx"
	"github.com/weavekit/sync15/internal/engines/tabs/migrations"
)

// Store is the engine's sqlite persistence. The engine owns it
// exclusively for the duration of a sync; hosts may read from other
// connections concurrently.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the tabs database at dsn and brings
// its schema up to date.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open tabs db: %w", err)
	}
	// sqlite allows a single writer; one pooled connection also keeps
	// :memory: databases coherent across calls.
	db.SetMaxOpenConns(1)
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("failed to run tabs migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func getMeta(ctx context.Context, db dbx.DBTX, key string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read meta %q: %w", key, err)
	}
	return value, nil
}

func setMeta(ctx context.Context, db dbx.DBTX, key, value string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write meta %q: %w", key, err)
	}
	return nil
}

func delMeta(ctx context.Context, db dbx.DBTX, keys ...string) error {
	for _, key := range keys {
		if _, err := db.ExecContext(ctx, `DELETE FROM meta WHERE key = ?`, key); err != nil {
			return fmt.Errorf("failed to delete meta %q: %w", key, err)
		}
	}
	return nil
}

// SetLocalTabs replaces the device's own tab list and marks it dirty
// so the next sync uploads it.
func (s *Store) SetLocalTabs(ctx context.Context, tabs []RemoteTab) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM local_tabs`); err != nil {
			return fmt.Errorf("failed to clear local tabs: %w", err)
		}
		for i, tab := range tabs {
			history, err := json.Marshal(tab.UrlHistory)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO local_tabs (position, title, url_history, icon, last_used)
				 VALUES (?, ?, ?, ?, ?)`,
				i, tab.Title, string(history), tab.Icon, tab.LastUsed)
			if err != nil {
				return fmt.Errorf("failed to insert local tab: %w", err)
			}
		}
		return setMeta(ctx, tx, metaLocalDirty, "1")
	})
}

// LocalTabs returns the device's own tab list in position order.
func (s *Store) LocalTabs(ctx context.Context) ([]RemoteTab, error) {
	return localTabs(ctx, s.db)
}

func localTabs(ctx context.Context, db dbx.DBTX) ([]RemoteTab, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT title, url_history, icon, last_used FROM local_tabs ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to select local tabs: %w", err)
	}
	defer rows.Close()

	var tabs []RemoteTab
	for rows.Next() {
		var tab RemoteTab
		var history string
		var icon sql.NullString
		if err := rows.Scan(&tab.Title, &history, &icon, &tab.LastUsed); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(history), &tab.UrlHistory); err != nil {
			return nil, fmt.Errorf("corrupt url history: %w", err)
		}
		tab.Icon = icon.String
		tabs = append(tabs, tab)
	}
	return tabs, rows.Err()
}

// RemoteClients lists every other device's tabs, most recently
// modified first.
func (s *Store) RemoteClients(ctx context.Context) ([]ClientRemoteTabs, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT client_id, device_name, record FROM remote_tabs ORDER BY modified DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to select remote tabs: %w", err)
	}
	defer rows.Close()

	var result []ClientRemoteTabs
	for rows.Next() {
		var item ClientRemoteTabs
		var raw string
		if err := rows.Scan(&item.ClientID, &item.DeviceName, &raw); err != nil {
			return nil, err
		}
		var record TabsRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, fmt.Errorf("corrupt remote tabs record: %w", err)
		}
		item.Tabs = record.Tabs
		result = append(result, item)
	}
	return result, rows.Err()
}
