package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		cron_expr TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		notify_channels TEXT NOT NULL DEFAULT '[]',
		timeout_ms INTEGER,
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_run_at DATETIME,
		next_run_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS task_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		completed_at DATETIME,
		output TEXT NOT NULL DEFAULT '',
		step_outputs TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		model_used TEXT NOT NULL DEFAULT '',
		tokens_input INTEGER,
		tokens_output INTEGER,
		tokens_total INTEGER,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_runs_task_id ON task_runs(task_id);
	CREATE INDEX IF NOT EXISTS idx_task_runs_started_at ON task_runs(started_at);

	CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		goal TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		current_step INTEGER NOT NULL DEFAULT 0,
		total_steps INTEGER NOT NULL DEFAULT 0,
		progress REAL NOT NULL DEFAULT 0,
		priority INTEGER NOT NULL DEFAULT 0,
		autonomy_level TEXT NOT NULL DEFAULT '',
		max_retries INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		timeout_ms INTEGER,
		checkpoint TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		started_at DATETIME,
		completed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_plans_user_id ON plans(user_id);

	CREATE TABLE IF NOT EXISTS plan_steps (
		id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL,
		order_num INTEGER NOT NULL DEFAULT 0,
		name TEXT NOT NULL DEFAULT '',
		step_type TEXT NOT NULL,
		config TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'pending',
		dependencies TEXT NOT NULL DEFAULT '[]',
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0,
		on_success TEXT NOT NULL DEFAULT '',
		on_failure TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		started_at DATETIME,
		completed_at DATETIME,
		duration_ms INTEGER,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (plan_id) REFERENCES plans(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_plan_steps_plan_id ON plan_steps(plan_id);

	CREATE TABLE IF NOT EXISTS plan_history (
		id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL,
		step_id TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (plan_id) REFERENCES plans(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_plan_history_plan_id ON plan_history(plan_id);

	CREATE TABLE IF NOT EXISTS channels (
		id TEXT PRIMARY KEY,
		platform TEXT NOT NULL,
		plugin_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'disconnected',
		webhook_url TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	-- Keep the 50 most recent runs per task by default
	INSERT OR IGNORE INTO settings (key, value) VALUES ('history_keep', '50');
	INSERT OR IGNORE INTO settings (key, value) VALUES ('default_channels', '[]');
	`

	_, err := db.conn.Exec(schema)
	return err
}

// GetSetting retrieves a setting value
func (db *DB) GetSetting(key string) (string, error) {
	var value string
	err := db.conn.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetSetting sets a setting value
func (db *DB) SetSetting(key, value string) error {
	_, err := db.conn.Exec("INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)", key, value)
	return err
}

// GetHistoryKeep retrieves the per-task run retention limit
func (db *DB) GetHistoryKeep() (int, error) {
	val, err := db.GetSetting("history_keep")
	if err != nil {
		return 50, nil // Default
	}
	keep, err := strconv.Atoi(val)
	if err != nil || keep <= 0 {
		return 50, nil
	}
	return keep, nil
}

// SetHistoryKeep sets the per-task run retention limit
func (db *DB) SetHistoryKeep(keep int) error {
	return db.SetSetting("history_keep", strconv.Itoa(keep))
}

// GetDefaultChannels retrieves the default notification channel list
func (db *DB) GetDefaultChannels() ([]string, error) {
	val, err := db.GetSetting("default_channels")
	if err != nil {
		return nil, nil
	}
	var channels []string
	if err := json.Unmarshal([]byte(val), &channels); err != nil {
		return nil, fmt.Errorf("invalid default_channels setting: %w", err)
	}
	return channels, nil
}

// SetDefaultChannels sets the default notification channel list
func (db *DB) SetDefaultChannels(channels []string) error {
	data, err := json.Marshal(channels)
	if err != nil {
		return err
	}
	return db.SetSetting("default_channels", string(data))
}

// marshalJSON serializes v to a JSON text column, with a fallback
// that keeps writes from failing on unserializable values.
func marshalJSON(v any, fallback string) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fallback
	}
	return string(data)
}
