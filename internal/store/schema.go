package store

import (
	"context"
	"database/sql"
	"fmt"
)

// connectionID is the primary key of the singleton connection profile.
const connectionID int64 = 1

func schemaFor(b Backend) []string {
	if b == BackendMySQL {
		return mysqlSchema
	}
	return sqliteSchema
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS connections (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		organization TEXT NOT NULL,
		project_id TEXT NOT NULL,
		project_name TEXT NOT NULL DEFAULT '',
		team_id TEXT NOT NULL,
		team_name TEXT NOT NULL DEFAULT '',
		area_path TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sync_state (
		connection_id INTEGER PRIMARY KEY,
		last_successful_changed_at TEXT,
		last_successful_item_id INTEGER,
		last_attempted_at TEXT,
		last_completed_at TEXT,
		status TEXT NOT NULL DEFAULT 'NeverRun',
		last_error TEXT,
		FOREIGN KEY (connection_id) REFERENCES connections(id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS work_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		connection_id INTEGER NOT NULL,
		external_id INTEGER NOT NULL,
		revision INTEGER NOT NULL,
		changed_at TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT '',
		area_path TEXT NOT NULL DEFAULT '',
		iteration_path TEXT NOT NULL DEFAULT '',
		assignee_unique_name TEXT,
		assignee_key TEXT,
		url TEXT NOT NULL DEFAULT '',
		first_seen_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (connection_id, external_id),
		FOREIGN KEY (connection_id) REFERENCES connections(id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_work_items_changed ON work_items(changed_at)`,
	`CREATE TABLE IF NOT EXISTS external_users (
		unique_name TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		descriptor TEXT,
		first_seen_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS team_members (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		display_name TEXT NOT NULL,
		email TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS projects (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS identity_mappings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		unique_name TEXT NOT NULL UNIQUE,
		team_member_id INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		FOREIGN KEY (team_member_id) REFERENCES team_members(id)
	)`,
	`CREATE TABLE IF NOT EXISTS work_item_links (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		work_item_id INTEGER NOT NULL UNIQUE,
		project_id INTEGER NOT NULL,
		team_member_id INTEGER,
		linked_at TEXT NOT NULL,
		FOREIGN KEY (work_item_id) REFERENCES work_items(id),
		FOREIGN KEY (project_id) REFERENCES projects(id),
		FOREIGN KEY (team_member_id) REFERENCES team_members(id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_links_project ON work_item_links(project_id)`,
}

// MySQL needs bounded key columns and has no CREATE INDEX IF NOT EXISTS,
// so indexes are declared inline.
var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS connections (
		id BIGINT PRIMARY KEY CHECK (id = 1),
		organization VARCHAR(255) NOT NULL,
		project_id VARCHAR(64) NOT NULL,
		project_name VARCHAR(255) NOT NULL DEFAULT '',
		team_id VARCHAR(64) NOT NULL,
		team_name VARCHAR(255) NOT NULL DEFAULT '',
		area_path VARCHAR(1024) NOT NULL DEFAULT '',
		enabled TINYINT NOT NULL DEFAULT 1,
		updated_at VARCHAR(40) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sync_state (
		connection_id BIGINT PRIMARY KEY,
		last_successful_changed_at VARCHAR(40),
		last_successful_item_id BIGINT,
		last_attempted_at VARCHAR(40),
		last_completed_at VARCHAR(40),
		status VARCHAR(16) NOT NULL DEFAULT 'NeverRun',
		last_error TEXT,
		FOREIGN KEY (connection_id) REFERENCES connections(id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS work_items (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		connection_id BIGINT NOT NULL,
		external_id BIGINT NOT NULL,
		revision INT NOT NULL,
		changed_at VARCHAR(40) NOT NULL,
		title TEXT NOT NULL,
		state VARCHAR(128) NOT NULL DEFAULT '',
		type VARCHAR(128) NOT NULL DEFAULT '',
		area_path VARCHAR(1024) NOT NULL DEFAULT '',
		iteration_path VARCHAR(1024) NOT NULL DEFAULT '',
		assignee_unique_name VARCHAR(255),
		assignee_key VARCHAR(255),
		url VARCHAR(1024) NOT NULL DEFAULT '',
		first_seen_at VARCHAR(40) NOT NULL,
		updated_at VARCHAR(40) NOT NULL,
		UNIQUE KEY uq_work_items_external (connection_id, external_id),
		KEY idx_work_items_changed (changed_at),
		KEY idx_work_items_assignee_key (assignee_key),
		FOREIGN KEY (connection_id) REFERENCES connections(id)
	)`,
	`CREATE TABLE IF NOT EXISTS external_users (
		unique_name VARCHAR(255) PRIMARY KEY,
		display_name VARCHAR(255) NOT NULL DEFAULT '',
		descriptor VARCHAR(512),
		first_seen_at VARCHAR(40) NOT NULL,
		updated_at VARCHAR(40) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS team_members (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		display_name VARCHAR(255) NOT NULL,
		email VARCHAR(255),
		created_at VARCHAR(40) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS projects (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		created_at VARCHAR(40) NOT NULL,
		UNIQUE KEY uq_projects_name (name)
	)`,
	`CREATE TABLE IF NOT EXISTS identity_mappings (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		unique_name VARCHAR(255) NOT NULL,
		team_member_id BIGINT NOT NULL,
		created_at VARCHAR(40) NOT NULL,
		UNIQUE KEY uq_identity_mappings_name (unique_name),
		FOREIGN KEY (team_member_id) REFERENCES team_members(id)
	)`,
	`CREATE TABLE IF NOT EXISTS work_item_links (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		work_item_id BIGINT NOT NULL,
		project_id BIGINT NOT NULL,
		team_member_id BIGINT,
		linked_at VARCHAR(40) NOT NULL,
		UNIQUE KEY uq_links_work_item (work_item_id),
		KEY idx_links_project (project_id),
		FOREIGN KEY (work_item_id) REFERENCES work_items(id),
		FOREIGN KEY (project_id) REFERENCES projects(id),
		FOREIGN KEY (team_member_id) REFERENCES team_members(id)
	)`,
}

// migrateAssigneeKey adds work_items.assignee_key to databases created before
// the column existed and fills it from assignee_unique_name. The key is
// computed in Go with normalizeUniqueName because SQL LOWER does not fold
// non-ASCII letters on SQLite.
func (s *Store) migrateAssigneeKey(ctx context.Context) error {
	var n int
	query := `SELECT COUNT(*) FROM pragma_table_info('work_items') WHERE name = 'assignee_key'`
	if s.backend == BackendMySQL {
		query = `SELECT COUNT(*) FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = 'work_items' AND COLUMN_NAME = 'assignee_key'`
	}
	if err := s.queryRowContext(ctx, func(row *sql.Row) error {
		return row.Scan(&n)
	}, query); err != nil {
		return fmt.Errorf("failed to inspect work_items: %w", err)
	}

	if n == 0 {
		alter := `ALTER TABLE work_items ADD COLUMN assignee_key TEXT`
		if s.backend == BackendMySQL {
			alter = `ALTER TABLE work_items ADD COLUMN assignee_key VARCHAR(255), ADD KEY idx_work_items_assignee_key (assignee_key)`
		}
		if _, err := s.execContext(ctx, alter); err != nil {
			return fmt.Errorf("failed to add assignee_key: %w", err)
		}
		if err := s.backfillAssigneeKeys(ctx); err != nil {
			return err
		}
	}

	if s.backend == BackendSQLite {
		if _, err := s.execContext(ctx,
			`CREATE INDEX IF NOT EXISTS idx_work_items_assignee_key ON work_items(assignee_key)`); err != nil {
			return fmt.Errorf("failed to index assignee_key: %w", err)
		}
	}
	return nil
}

func (s *Store) backfillAssigneeKeys(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id, assignee_unique_name FROM work_items WHERE assignee_unique_name IS NOT NULL`)
		if err != nil {
			return fmt.Errorf("failed to read assignees: %w", err)
		}
		keys := make(map[int64]string)
		for rows.Next() {
			var id int64
			var name string
			if err := rows.Scan(&id, &name); err != nil {
				_ = rows.Close()
				return fmt.Errorf("failed to scan assignee: %w", err)
			}
			keys[id] = normalizeUniqueName(name)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to read assignees: %w", err)
		}

		for id, key := range keys {
			if _, err := tx.ExecContext(ctx,
				`UPDATE work_items SET assignee_key = ? WHERE id = ?`, nullString(key), id); err != nil {
				return fmt.Errorf("failed to backfill assignee_key for %d: %w", id, err)
			}
		}
		return nil
	})
}
