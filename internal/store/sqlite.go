package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"labflow/internal/domain"
)

// OpenSQLite opens the database file with WAL enabled. SQLite has a single
// writer, so the pool is capped at one connection.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS workstations (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  status TEXT NOT NULL,
  is_active INTEGER NOT NULL DEFAULT 1,
  api_key TEXT,
  doc TEXT NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  workstation_id TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('PENDING','QUEUED','RUNNING','PAUSED','COMPLETED','FAILED','CANCELLED')),
  priority TEXT NOT NULL,
  retry_count INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL DEFAULT 3,
  doc TEXT NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  FOREIGN KEY(workstation_id) REFERENCES workstations(id)
);
CREATE INDEX IF NOT EXISTS idx_tasks_ws_status ON tasks(workstation_id, status);
`
	_, err := db.Exec(schema)
	return err
}

type sqlitePersistence struct{ db *sql.DB }

// NewSQLite returns a Persistence backed by db. EnsureSchema must have run.
func NewSQLite(db *sql.DB) Persistence { return &sqlitePersistence{db: db} }

func (p *sqlitePersistence) Save(ctx context.Context, ws *domain.Workstation, tasks []*domain.Task) (err error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if ws != nil {
		doc, merr := json.Marshal(ws)
		if merr != nil {
			return fmt.Errorf("encode workstation %s: %w", ws.ID, merr)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO workstations (id,name,status,is_active,api_key,doc,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  name=excluded.name, status=excluded.status, is_active=excluded.is_active,
  api_key=excluded.api_key, doc=excluded.doc, updated_at=excluded.updated_at
`, ws.ID, ws.Name, string(ws.Status), ws.IsActive, nullString(ws.APIKey), string(doc), ws.CreatedAt.UTC(), ws.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("upsert workstation %s: %w", ws.ID, err)
		}
	}

	for _, t := range tasks {
		doc, merr := json.Marshal(t)
		if merr != nil {
			return fmt.Errorf("encode task %s: %w", t.ID, merr)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO tasks (id,workstation_id,status,priority,retry_count,max_retries,doc,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  status=excluded.status, priority=excluded.priority, retry_count=excluded.retry_count,
  max_retries=excluded.max_retries, doc=excluded.doc, updated_at=excluded.updated_at
`, t.ID, t.WorkstationID, string(t.Status), string(t.Priority), t.RetryCount, t.MaxRetries, string(doc), t.CreatedAt.UTC(), t.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("upsert task %s: %w", t.ID, err)
		}
	}

	return tx.Commit()
}

func (p *sqlitePersistence) LoadAll(ctx context.Context) ([]*domain.Workstation, []*domain.Task, error) {
	wsRows, err := p.db.QueryContext(ctx, `SELECT doc, api_key FROM workstations ORDER BY created_at`)
	if err != nil {
		return nil, nil, err
	}
	defer wsRows.Close()

	var workstations []*domain.Workstation
	for wsRows.Next() {
		var doc string
		var key sql.NullString
		if err := wsRows.Scan(&doc, &key); err != nil {
			return nil, nil, err
		}
		var ws domain.Workstation
		if err := json.Unmarshal([]byte(doc), &ws); err != nil {
			return nil, nil, fmt.Errorf("decode workstation: %w", err)
		}
		if key.Valid {
			ws.APIKey = key.String
		}
		workstations = append(workstations, &ws)
	}
	if err := wsRows.Err(); err != nil {
		return nil, nil, err
	}

	taskRows, err := p.db.QueryContext(ctx, `SELECT doc FROM tasks ORDER BY created_at, id`)
	if err != nil {
		return nil, nil, err
	}
	defer taskRows.Close()

	var tasks []*domain.Task
	for taskRows.Next() {
		var doc string
		if err := taskRows.Scan(&doc); err != nil {
			return nil, nil, err
		}
		var t domain.Task
		if err := json.Unmarshal([]byte(doc), &t); err != nil {
			return nil, nil, fmt.Errorf("decode task: %w", err)
		}
		tasks = append(tasks, &t)
	}
	return workstations, tasks, taskRows.Err()
}

func (p *sqlitePersistence) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.db.PingContext(ctx)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
