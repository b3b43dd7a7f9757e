package store

import (
	"fmt"
)

// migrate runs all pending migrations
func (s *Store) migrate() error {
	createMigrationsTableSQL := `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	s.logger.Debug("current schema version", "version", currentVersion)

	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE orders (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					order_id TEXT NOT NULL UNIQUE,
					customer_email TEXT NOT NULL,
					customer_name TEXT,
					plan TEXT,
					amount_cents INTEGER DEFAULT 0,
					currency TEXT DEFAULT 'usd',
					status TEXT DEFAULT 'pending',
					checkout_session TEXT,
					payment_intent_id TEXT,
					created_at DATETIME NOT NULL
				);

				CREATE TABLE acceptances (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					order_id TEXT NOT NULL,
					terms_version TEXT NOT NULL,
					accepted_at DATETIME NOT NULL,
					ip_address TEXT,
					user_agent TEXT
				);
				CREATE INDEX idx_acceptances_order ON acceptances(order_id);

				CREATE TABLE email_logs (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					order_id TEXT NOT NULL,
					template TEXT NOT NULL,
					recipient TEXT NOT NULL,
					status TEXT DEFAULT 'sent',
					message_id TEXT,
					sent_at DATETIME NOT NULL
				);
				CREATE INDEX idx_email_logs_order ON email_logs(order_id);

				CREATE TABLE payment_events (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					payment_intent_id TEXT NOT NULL,
					event_id TEXT NOT NULL UNIQUE,
					event_type TEXT NOT NULL,
					amount_cents INTEGER DEFAULT 0,
					created_at DATETIME NOT NULL
				);
				CREATE INDEX idx_payment_events_intent ON payment_events(payment_intent_id);
			`,
		},
		{
			version: 2,
			sql: `
				CREATE TABLE evidence_exports (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					order_id TEXT NOT NULL,
					export_id TEXT NOT NULL UNIQUE,
					manifest_key TEXT,
					file_count INTEGER DEFAULT 0,
					archive_size INTEGER DEFAULT 0,
					archive_sha256 TEXT,
					status TEXT DEFAULT 'completed',
					error_message TEXT,
					created_at DATETIME NOT NULL
				);
				CREATE INDEX idx_evidence_exports_order ON evidence_exports(order_id);

				CREATE TABLE evidence_verifications (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					order_id TEXT NOT NULL,
					audit_key TEXT NOT NULL UNIQUE,
					manifest_key TEXT,
					overall_ok BOOLEAN DEFAULT 0,
					mismatch_count INTEGER DEFAULT 0,
					checked_at DATETIME NOT NULL
				);
				CREATE INDEX idx_evidence_verifications_order ON evidence_verifications(order_id);
			`,
		},
	}

	for _, mig := range migrations {
		if mig.version > currentVersion {
			s.logger.Info("running migration", "version", mig.version)

			if err := s.runMigration(mig.version, mig.sql); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
			}
		}
	}

	return nil
}

// runMigration executes a migration and records it
func (s *Store) runMigration(version int, sql string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	insertSQL := "INSERT INTO migrations (version) VALUES (?)"
	if _, err := tx.Exec(insertSQL, version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}

	return nil
}
