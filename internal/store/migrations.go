package store

import (
	"context"
	"database/sql"
	"strings"
)

func (s *Store) migrate(ctx context.Context) error {
	return s.WithTx(ctx, false, func(tx *sql.Tx) error {
		stmts := []string{
			`CREATE TABLE IF NOT EXISTS users (
                id INTEGER PRIMARY KEY AUTOINCREMENT,
                username TEXT NOT NULL UNIQUE,
                password_hash TEXT NOT NULL,
                pin_hash TEXT NOT NULL DEFAULT '',
                card_hash TEXT NOT NULL DEFAULT '',
                role TEXT NOT NULL DEFAULT 'user',
                department_id INTEGER,
                balance TEXT NOT NULL DEFAULT '0',
                quota_limit INTEGER NOT NULL DEFAULT 1000,
                active INTEGER NOT NULL DEFAULT 1,
                created_at DATETIME NOT NULL,
                updated_at DATETIME NOT NULL
            )`,
			`CREATE INDEX IF NOT EXISTS idx_users_card_hash ON users(card_hash) WHERE card_hash != ''`,
			`CREATE TABLE IF NOT EXISTS printers (
                id INTEGER PRIMARY KEY AUTOINCREMENT,
                name TEXT NOT NULL UNIQUE,
                uri TEXT NOT NULL DEFAULT '',
                location TEXT NOT NULL DEFAULT '',
                accepting INTEGER NOT NULL DEFAULT 1,
                is_default INTEGER NOT NULL DEFAULT 0,
                created_at DATETIME NOT NULL,
                updated_at DATETIME NOT NULL
            )`,
			`CREATE TABLE IF NOT EXISTS price_lists (
                id INTEGER PRIMARY KEY AUTOINCREMENT,
                name TEXT NOT NULL,
                bw_rate TEXT NOT NULL,
                color_rate TEXT NOT NULL,
                duplex_rate TEXT NOT NULL,
                department_id INTEGER,
                role TEXT NOT NULL DEFAULT '',
                is_default INTEGER NOT NULL DEFAULT 0,
                active INTEGER NOT NULL DEFAULT 1,
                created_at DATETIME NOT NULL
            )`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_price_lists_default ON price_lists(is_default) WHERE is_default = 1`,
			`CREATE TABLE IF NOT EXISTS print_policies (
                id INTEGER PRIMARY KEY AUTOINCREMENT,
                name TEXT NOT NULL UNIQUE,
                color_multiplier TEXT NOT NULL DEFAULT '1',
                bw_multiplier TEXT NOT NULL DEFAULT '1',
                max_pages_per_job INTEGER NOT NULL DEFAULT 0,
                max_copies INTEGER NOT NULL DEFAULT 10,
                force_duplex_over_pages INTEGER NOT NULL DEFAULT 0,
                force_bw_over_pages INTEGER NOT NULL DEFAULT 0,
                department_id INTEGER,
                role TEXT NOT NULL DEFAULT '',
                active INTEGER NOT NULL DEFAULT 1,
                created_at DATETIME NOT NULL
            )`,
			`CREATE TABLE IF NOT EXISTS jobs (
                id INTEGER PRIMARY KEY AUTOINCREMENT,
                user_id INTEGER NOT NULL,
                file_name TEXT NOT NULL,
                original_name TEXT NOT NULL DEFAULT '',
                file_path TEXT NOT NULL,
                copies INTEGER NOT NULL DEFAULT 1,
                color_mode TEXT NOT NULL DEFAULT 'bw',
                duplex INTEGER NOT NULL DEFAULT 0,
                paper_size TEXT NOT NULL DEFAULT 'A4',
                total_pages INTEGER NOT NULL DEFAULT 1,
                total_cost TEXT NOT NULL DEFAULT '0',
                status TEXT NOT NULL,
                printer_id INTEGER,
                print_code TEXT NOT NULL DEFAULT '',
                policy_id INTEGER,
                notes TEXT NOT NULL DEFAULT '',
                created_at DATETIME NOT NULL,
                started_at DATETIME,
                completed_at DATETIME,
                released_at DATETIME,
                FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE,
                FOREIGN KEY (printer_id) REFERENCES printers(id) ON DELETE SET NULL,
                FOREIGN KEY (policy_id) REFERENCES print_policies(id) ON DELETE SET NULL
            )`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_user_status ON jobs(user_id, status)`,
			`CREATE TABLE IF NOT EXISTS quota_periods (
                id INTEGER PRIMARY KEY AUTOINCREMENT,
                user_id INTEGER NOT NULL,
                period_type TEXT NOT NULL,
                period_start DATETIME NOT NULL,
                period_end DATETIME NOT NULL,
                page_limit INTEGER NOT NULL,
                cost_limit TEXT,
                pages_printed INTEGER NOT NULL DEFAULT 0,
                color_pages INTEGER NOT NULL DEFAULT 0,
                bw_pages INTEGER NOT NULL DEFAULT 0,
                total_cost TEXT NOT NULL DEFAULT '0',
                job_count INTEGER NOT NULL DEFAULT 0,
                updated_at DATETIME NOT NULL,
                UNIQUE (user_id, period_type, period_start),
                FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
            )`,
			`CREATE TABLE IF NOT EXISTS print_queue (
                id INTEGER PRIMARY KEY AUTOINCREMENT,
                file_name TEXT NOT NULL,
                spool_path TEXT NOT NULL,
                size_bytes INTEGER NOT NULL DEFAULT 0,
                queue_name TEXT NOT NULL DEFAULT '',
                client_host TEXT NOT NULL DEFAULT '',
                username TEXT NOT NULL DEFAULT 'unknown',
                user_trusted INTEGER NOT NULL DEFAULT 0,
                job_name TEXT NOT NULL DEFAULT '',
                origin_host TEXT NOT NULL DEFAULT '',
                status TEXT NOT NULL DEFAULT 'pending',
                received_at DATETIME NOT NULL,
                released_at DATETIME,
                job_id INTEGER,
                FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE SET NULL
            )`,
			`CREATE INDEX IF NOT EXISTS idx_print_queue_status ON print_queue(status, received_at)`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		if err := ensureColumn(ctx, tx, "jobs", "priority", "TEXT NOT NULL DEFAULT 'normal'"); err != nil {
			return err
		}
		return nil
	})
}

func ensureColumn(ctx context.Context, tx *sql.Tx, table, column, definition string) error {
	rows, err := tx.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name string
		var ctype string
		var notnull int
		var dflt sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "ALTER TABLE "+table+" ADD COLUMN "+column+" "+definition)
	return err
}
