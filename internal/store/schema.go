package store

import "context"

// schemaStatements is applied idempotently at startup. Migration files are
// explicitly out of scope (spec §1); a single-writer embedded store needs
// only a bootstrap, not a forward/backward migration runner.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		plugin_id TEXT NOT NULL,
		email TEXT NOT NULL,
		display_name TEXT,
		is_primary INTEGER NOT NULL DEFAULT 0,
		metadata TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_plugin_id ON accounts(plugin_id)`,

	`CREATE TABLE IF NOT EXISTS credentials (
		id TEXT PRIMARY KEY,
		account_id TEXT,
		plugin_id TEXT NOT NULL,
		type TEXT NOT NULL,
		cipher_blob TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_credentials_account_id ON credentials(account_id)`,
	`CREATE INDEX IF NOT EXISTS idx_credentials_plugin_id ON credentials(plugin_id)`,

	`CREATE TABLE IF NOT EXISTS policy_rules (
		id TEXT PRIMARY KEY,
		scope_category TEXT,
		scope_plugin_id TEXT,
		action TEXT NOT NULL,
		condition TEXT NOT NULL,
		description TEXT,
		priority INTEGER NOT NULL DEFAULT 0,
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS redaction_patterns (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		regex TEXT NOT NULL,
		replacement TEXT NOT NULL DEFAULT '[REDACTED]',
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS approval_requests (
		id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		plugin_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		args TEXT NOT NULL,
		rule_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		approved_args TEXT,
		resolved_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_approval_requests_status ON approval_requests(status)`,

	`CREATE TABLE IF NOT EXISTS audit_entries (
		id TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		agent_name TEXT NOT NULL,
		agent_version TEXT,
		plugin_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		input_args TEXT NOT NULL,
		decision_action TEXT NOT NULL,
		decision_rule_id TEXT,
		decision_redacted_fields TEXT,
		decision_reason TEXT,
		status TEXT NOT NULL,
		error_message TEXT,
		execution_time_ms INTEGER NOT NULL,
		data_summary TEXT,
		metadata TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_entries_timestamp ON audit_entries(timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_entries_plugin_id ON audit_entries(plugin_id)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_entries_status ON audit_entries(status)`,

	`CREATE TABLE IF NOT EXISTS virtual_id_mappings (
		virtual_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		real_account_id TEXT NOT NULL,
		provider_entity_id TEXT,
		created_at TEXT NOT NULL,
		UNIQUE (kind, real_account_id, provider_entity_id)
	)`,
}

func (s *Store) applySchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
