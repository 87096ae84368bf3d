package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mmcdole/kinotv/internal/domain"
	_ "modernc.org/sqlite"
)

const downloadsSchema = `
CREATE TABLE IF NOT EXISTS download_tasks (
	id          TEXT PRIMARY KEY,
	item_kind   TEXT NOT NULL,
	item_id     TEXT NOT NULL,
	item_name   TEXT NOT NULL,
	item_ext    TEXT NOT NULL DEFAULT '',
	state       TEXT NOT NULL,
	progress    REAL NOT NULL DEFAULT 0,
	received    INTEGER NOT NULL DEFAULT 0,
	total       INTEGER NOT NULL DEFAULT 0,
	path        TEXT NOT NULL DEFAULT '',
	source_url  TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_download_tasks_item ON download_tasks(item_kind, item_id);
`

// DownloadStore keeps the download task table in SQLite. It lives apart from
// the catalog cache so clearing the cache never loses download records.
type DownloadStore struct {
	db *sql.DB
}

// OpenDownloads opens <dir>/downloads.db. An empty dir gives an in-memory table.
func OpenDownloads(dir string) (*DownloadStore, error) {
	dsn := ":memory:"
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w: %w", domain.ErrStorage, err)
		}
		dsn = filepath.Join(dir, "downloads.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open downloads db: %w: %w", domain.ErrStorage, err)
	}
	// One connection keeps ":memory:" a single database and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(downloadsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create downloads schema: %w: %w", domain.ErrStorage, err)
	}
	return &DownloadStore{db: db}, nil
}

// Close closes the database.
func (s *DownloadStore) Close() error {
	return s.db.Close()
}

// Save inserts or replaces a task record.
func (s *DownloadStore) Save(t domain.DownloadTask) error {
	_, err := s.db.Exec(`
INSERT INTO download_tasks (id, item_kind, item_id, item_name, item_ext, state, progress, received, total, path, source_url, error, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	item_kind = excluded.item_kind,
	item_id = excluded.item_id,
	item_name = excluded.item_name,
	item_ext = excluded.item_ext,
	state = excluded.state,
	progress = excluded.progress,
	received = excluded.received,
	total = excluded.total,
	path = excluded.path,
	source_url = excluded.source_url,
	error = excluded.error,
	updated_at = excluded.updated_at`,
		t.ID, string(t.Item.Kind), t.Item.ID, t.Item.Name, t.Item.ContainerExtension,
		string(t.State), t.Progress, t.Received, t.Total, t.Path, t.SourceURL, t.Error,
		t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save task %s: %w: %w", t.ID, domain.ErrStorage, err)
	}
	return nil
}

// Delete removes a task record.
func (s *DownloadStore) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM download_tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete task %s: %w: %w", id, domain.ErrStorage, err)
	}
	return nil
}

// Load returns every task ordered by creation time.
func (s *DownloadStore) Load() ([]domain.DownloadTask, error) {
	rows, err := s.db.Query(`
SELECT id, item_kind, item_id, item_name, item_ext, state, progress, received, total, path, source_url, error, created_at, updated_at
FROM download_tasks ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w: %w", domain.ErrStorage, err)
	}
	defer rows.Close()

	var tasks []domain.DownloadTask
	for rows.Next() {
		var (
			t                domain.DownloadTask
			kind, state      string
			created, updated int64
		)
		if err := rows.Scan(&t.ID, &kind, &t.Item.ID, &t.Item.Name, &t.Item.ContainerExtension,
			&state, &t.Progress, &t.Received, &t.Total, &t.Path, &t.SourceURL, &t.Error,
			&created, &updated); err != nil {
			return nil, fmt.Errorf("scan task: %w: %w", domain.ErrStorage, err)
		}
		t.Item.Kind = domain.PlayKind(kind)
		t.State = domain.DownloadState(state)
		t.CreatedAt = time.Unix(0, created)
		t.UpdatedAt = time.Unix(0, updated)
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w: %w", domain.ErrStorage, err)
	}
	return tasks, nil
}
