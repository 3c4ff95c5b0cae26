package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"
)

// A migration is a numbered, named group of statements applied inside a
// single transaction. Column additions are guarded by table introspection
// so re-running against a partially migrated database is safe.
type migration struct {
	Version    int
	Name       string
	Statements []string
}

func (m migration) checksum() string {
	sum := sha256.Sum256([]byte(strings.Join(m.Statements, "\n")))
	return hex.EncodeToString(sum[:])
}

var migrations = []migration{
	{
		Version: 1,
		Name:    "create servers",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS servers (
				server_id TEXT PRIMARY KEY,
				status_name TEXT NOT NULL DEFAULT '',
				is_ready INTEGER NOT NULL DEFAULT 0,
				server_model TEXT NOT NULL DEFAULT '',
				ip_address TEXT NOT NULL DEFAULT '',
				ip_address_works INTEGER NOT NULL DEFAULT 0,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				notes TEXT NOT NULL DEFAULT ''
			)`,
		},
	},
	{
		Version: 2,
		Name:    "ipmi and access columns",
		Statements: []string{
			`ALTER TABLE servers ADD COLUMN ipmi_address TEXT NOT NULL DEFAULT ''`,
			`ALTER TABLE servers ADD COLUMN ipmi_address_works INTEGER NOT NULL DEFAULT 0`,
			`ALTER TABLE servers ADD COLUMN kcs_status TEXT NOT NULL DEFAULT ''`,
			`ALTER TABLE servers ADD COLUMN host_interface_status TEXT NOT NULL DEFAULT ''`,
			`ALTER TABLE servers ADD COLUMN ipmi_username TEXT NOT NULL DEFAULT ''`,
			`ALTER TABLE servers ADD COLUMN ipmi_password_set INTEGER NOT NULL DEFAULT 0`,
			`ALTER TABLE servers ADD COLUMN bios_password_set INTEGER NOT NULL DEFAULT 0`,
			`ALTER TABLE servers ADD COLUMN redfish_available INTEGER NOT NULL DEFAULT 0`,
		},
	},
	{
		Version: 3,
		Name:    "hardware metadata",
		Statements: []string{
			`ALTER TABLE servers ADD COLUMN last_seen TIMESTAMP`,
			`ALTER TABLE servers ADD COLUMN cpu_model TEXT NOT NULL DEFAULT ''`,
			`ALTER TABLE servers ADD COLUMN memory_gb INTEGER NOT NULL DEFAULT 0`,
			`ALTER TABLE servers ADD COLUMN storage_info TEXT NOT NULL DEFAULT ''`,
			`ALTER TABLE servers ADD COLUMN network_interfaces TEXT NOT NULL DEFAULT ''`,
			`ALTER TABLE servers ADD COLUMN firmware_version TEXT NOT NULL DEFAULT ''`,
			`ALTER TABLE servers ADD COLUMN rack_location TEXT NOT NULL DEFAULT ''`,
			`ALTER TABLE servers ADD COLUMN tags TEXT NOT NULL DEFAULT ''`,
			`ALTER TABLE servers ADD COLUMN server_type TEXT NOT NULL DEFAULT ''`,
		},
	},
	{
		Version: 4,
		Name:    "power state tracking",
		Statements: []string{
			`ALTER TABLE servers ADD COLUMN power_state TEXT NOT NULL DEFAULT ''`,
			`ALTER TABLE servers ADD COLUMN last_power_change TIMESTAMP`,
			`CREATE TABLE IF NOT EXISTS power_state_history (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				server_id TEXT NOT NULL REFERENCES servers(server_id),
				old_state TEXT NOT NULL DEFAULT '',
				new_state TEXT NOT NULL DEFAULT '',
				changed_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				changed_by TEXT NOT NULL DEFAULT ''
			)`,
		},
	},
	{
		Version: 5,
		Name:    "workflow linkage",
		Statements: []string{
			`ALTER TABLE servers ADD COLUMN device_type TEXT NOT NULL DEFAULT ''`,
			`ALTER TABLE servers ADD COLUMN commissioning_status TEXT NOT NULL DEFAULT ''`,
			`ALTER TABLE servers ADD COLUMN workflow_id TEXT NOT NULL DEFAULT ''`,
			`ALTER TABLE servers ADD COLUMN workflow_status TEXT NOT NULL DEFAULT ''`,
			`ALTER TABLE servers ADD COLUMN last_workflow_run TIMESTAMP`,
			`ALTER TABLE servers ADD COLUMN bios_config_applied INTEGER NOT NULL DEFAULT 0`,
			`ALTER TABLE servers ADD COLUMN bios_config_version TEXT NOT NULL DEFAULT ''`,
			`ALTER TABLE servers ADD COLUMN ipmi_configured INTEGER NOT NULL DEFAULT 0`,
			`ALTER TABLE servers ADD COLUMN ssh_accessible INTEGER NOT NULL DEFAULT 0`,
			`ALTER TABLE servers ADD COLUMN hardware_validated INTEGER NOT NULL DEFAULT 0`,
			`ALTER TABLE servers ADD COLUMN provisioning_target TEXT NOT NULL DEFAULT ''`,
			`ALTER TABLE servers ADD COLUMN assigned_role TEXT NOT NULL DEFAULT ''`,
			`ALTER TABLE servers ADD COLUMN deployment_status TEXT NOT NULL DEFAULT ''`,
			`CREATE TABLE IF NOT EXISTS workflow_history (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				workflow_id TEXT NOT NULL,
				server_id TEXT NOT NULL REFERENCES servers(server_id),
				device_type TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'pending',
				started_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				completed_at TIMESTAMP,
				steps_completed INTEGER NOT NULL DEFAULT 0,
				total_steps INTEGER NOT NULL DEFAULT 0,
				error_message TEXT NOT NULL DEFAULT '',
				metadata TEXT NOT NULL DEFAULT '{}'
			)`,
			`CREATE INDEX IF NOT EXISTS idx_servers_workflow_id ON servers(workflow_id)`,
			`CREATE INDEX IF NOT EXISTS idx_servers_device_type ON servers(device_type)`,
			`CREATE INDEX IF NOT EXISTS idx_workflow_history_server_id ON workflow_history(server_id)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_workflow_history_workflow_id ON workflow_history(workflow_id)`,
		},
	},
	{
		Version: 6,
		Name:    "updated_at trigger",
		Statements: []string{
			`CREATE TRIGGER IF NOT EXISTS trg_servers_updated_at
			AFTER UPDATE ON servers
			FOR EACH ROW
			WHEN NEW.updated_at = OLD.updated_at
			BEGIN
				UPDATE servers SET updated_at = CURRENT_TIMESTAMP WHERE server_id = NEW.server_id;
			END`,
		},
	},
}

const createMigrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	version INTEGER NOT NULL UNIQUE,
	name TEXT NOT NULL,
	applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	checksum TEXT NOT NULL
)`

// migrate applies every pending migration, each in its own transaction.
// A checksum mismatch on an already-applied version is fatal.
func migrate(ctx context.Context, db *sqlx.DB, log logr.Logger) error {
	if _, err := db.ExecContext(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	applied := map[int]string{}
	rows, err := db.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("reading schema_migrations: %w", err)
	}
	for rows.Next() {
		var version int
		var sum string
		if err := rows.Scan(&version, &sum); err != nil {
			rows.Close()
			return fmt.Errorf("scanning schema_migrations: %w", err)
		}
		applied[version] = sum
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating schema_migrations: %w", err)
	}

	for _, m := range migrations {
		if sum, ok := applied[m.Version]; ok {
			if sum != m.checksum() {
				return fmt.Errorf("migration %d (%s): checksum mismatch, database was migrated by a different build", m.Version, m.Name)
			}
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
		log.V(1).Info("applied migration", "version", m.Version, "name", m.Name)
	}

	return nil
}

func applyMigration(ctx context.Context, db *sqlx.DB, m migration) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	for _, stmt := range m.Statements {
		if table, column, ok := parseAddColumn(stmt); ok {
			exists, err := hasColumn(ctx, tx, table, column)
			if err != nil {
				return err
			}
			if exists {
				continue
			}
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%q: %w", firstLine(stmt), err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, checksum) VALUES (?, ?, ?)`,
		m.Version, m.Name, m.checksum()); err != nil {
		return err
	}

	return tx.Commit()
}

// parseAddColumn recognizes "ALTER TABLE <t> ADD COLUMN <c> ..." statements.
func parseAddColumn(stmt string) (table, column string, ok bool) {
	fields := strings.Fields(stmt)
	if len(fields) < 6 {
		return "", "", false
	}
	if !strings.EqualFold(fields[0], "ALTER") || !strings.EqualFold(fields[1], "TABLE") ||
		!strings.EqualFold(fields[3], "ADD") || !strings.EqualFold(fields[4], "COLUMN") {
		return "", "", false
	}
	return fields[2], fields[5], true
}

func hasColumn(ctx context.Context, tx *sqlx.Tx, table, column string) (bool, error) {
	rows, err := tx.QueryxContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
