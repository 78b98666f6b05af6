package storage

import (
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"counselbot/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverMySQL    = "mysql"
	DriverPostgres = "pgx"
)

// NormalizeDriver maps config keys such as "sqlite" or "postgres" onto the
// database/sql driver name.
func NormalizeDriver(dbType string) (string, error) {
	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		return DriverSQLite, nil
	case "mysql":
		return DriverMySQL, nil
	case "postgres", "postgresql", "pgx":
		return DriverPostgres, nil
	}
	return "", fmt.Errorf("unsupported driver: %s", dbType)
}

// Open connects to the database configured under dbType.
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}
	driver, err := NormalizeDriver(dbType)
	if err != nil {
		return nil, err
	}

	var db *sql.DB
	switch driver {
	case DriverSQLite:
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open(DriverSQLite, dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		if isMemoryDSN(dbCfg.DSN) {
			// every new connection to :memory: is an empty database
			db.SetMaxOpenConns(1)
		}
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case DriverMySQL:
		dsn := dbCfg.DSN
		if dsn == "" {
			params := dbCfg.Params
			if params == "" {
				// AppendMessage reads RowsAffected as rows matched
				params = "parseTime=true&charset=utf8mb4&clientFoundRows=true"
			}
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
				dbCfg.Username,
				dbCfg.Password,
				dbCfg.Host,
				dbCfg.Port,
				dbCfg.DBName,
				params,
			)
		}
		db, err = sql.Open(DriverMySQL, dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	case DriverPostgres:
		dsn := dbCfg.DSN
		if dsn == "" {
			u := url.URL{
				Scheme:   "postgres",
				User:     url.UserPassword(dbCfg.Username, dbCfg.Password),
				Host:     dbCfg.Host + ":" + strconv.Itoa(dbCfg.Port),
				Path:     "/" + dbCfg.DBName,
				RawQuery: dbCfg.Params,
			}
			dsn = u.String()
		}
		db, err = sql.Open(DriverPostgres, dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres database: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func isMemoryDSN(dsn string) bool {
	return strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}

// Rebind rewrites ? placeholders into $n for postgres.
func Rebind(driver, query string) string {
	if driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Migrate ensures the required tables are present.
func Migrate(db *sql.DB, dbType string) error {
	driver, err := NormalizeDriver(dbType)
	if err != nil {
		return fmt.Errorf("unsupported driver for migration: %s", dbType)
	}

	var stmts []string
	switch driver {
	case DriverSQLite:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS users (
				id INTEGER PRIMARY KEY,
				username TEXT NOT NULL DEFAULT '',
				display_name TEXT NOT NULL DEFAULT '',
				role TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_users_role ON users(role)`,
			`CREATE INDEX IF NOT EXISTS idx_users_username ON users(username)`,
			`CREATE TABLE IF NOT EXISTS cases (
				id TEXT PRIMARY KEY,
				requester_id INTEGER NOT NULL,
				problem TEXT NOT NULL,
				status TEXT NOT NULL,
				responder_id INTEGER,
				supervisor_id INTEGER,
				alias TEXT,
				done BOOLEAN NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				FOREIGN KEY(requester_id) REFERENCES users(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_cases_requester ON cases(requester_id)`,
			`CREATE INDEX IF NOT EXISTS idx_cases_responder ON cases(responder_id)`,
			`CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(status)`,
			`CREATE TABLE IF NOT EXISTS case_messages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				case_id TEXT NOT NULL,
				sender_role TEXT NOT NULL,
				sender_id INTEGER NOT NULL,
				body TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				FOREIGN KEY(case_id) REFERENCES cases(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_case_messages_case ON case_messages(case_id)`,
			`CREATE TABLE IF NOT EXISTS user_tokens (
				token TEXT PRIMARY KEY,
				user_id INTEGER NOT NULL,
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL,
				FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_user_tokens_user ON user_tokens(user_id)`,
		}
	case DriverMySQL:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS users (
				id BIGINT NOT NULL,
				username VARCHAR(255) NOT NULL DEFAULT '',
				display_name VARCHAR(255) NOT NULL DEFAULT '',
				role VARCHAR(32) NOT NULL,
				created_at DATETIME(6) NOT NULL,
				updated_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_users_role (role),
				INDEX idx_users_username (username)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS cases (
				id VARCHAR(64) NOT NULL,
				requester_id BIGINT NOT NULL,
				problem TEXT NOT NULL,
				status VARCHAR(16) NOT NULL,
				responder_id BIGINT NULL,
				supervisor_id BIGINT NULL,
				alias VARCHAR(255) NULL,
				done TINYINT(1) NOT NULL DEFAULT 0,
				created_at DATETIME(6) NOT NULL,
				updated_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_cases_requester (requester_id),
				INDEX idx_cases_responder (responder_id),
				INDEX idx_cases_status (status),
				CONSTRAINT fk_cases_requester FOREIGN KEY (requester_id) REFERENCES users(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS case_messages (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				case_id VARCHAR(64) NOT NULL,
				sender_role VARCHAR(32) NOT NULL,
				sender_id BIGINT NOT NULL,
				body MEDIUMTEXT NOT NULL,
				created_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_case_messages_case (case_id),
				CONSTRAINT fk_case_messages_case FOREIGN KEY (case_id) REFERENCES cases(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS user_tokens (
				token VARCHAR(255) NOT NULL PRIMARY KEY,
				user_id BIGINT NOT NULL,
				created_at DATETIME(6) NOT NULL,
				expires_at DATETIME(6) NOT NULL,
				INDEX idx_user_tokens_user (user_id),
				CONSTRAINT fk_user_tokens_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	case DriverPostgres:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS users (
				id BIGINT PRIMARY KEY,
				username TEXT NOT NULL DEFAULT '',
				display_name TEXT NOT NULL DEFAULT '',
				role TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_users_role ON users(role)`,
			`CREATE INDEX IF NOT EXISTS idx_users_username ON users(username)`,
			`CREATE TABLE IF NOT EXISTS cases (
				id TEXT PRIMARY KEY,
				requester_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				problem TEXT NOT NULL,
				status TEXT NOT NULL,
				responder_id BIGINT,
				supervisor_id BIGINT,
				alias TEXT,
				done BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_cases_requester ON cases(requester_id)`,
			`CREATE INDEX IF NOT EXISTS idx_cases_responder ON cases(responder_id)`,
			`CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(status)`,
			`CREATE TABLE IF NOT EXISTS case_messages (
				id BIGSERIAL PRIMARY KEY,
				case_id TEXT NOT NULL REFERENCES cases(id) ON DELETE CASCADE,
				sender_role TEXT NOT NULL,
				sender_id BIGINT NOT NULL,
				body TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_case_messages_case ON case_messages(case_id)`,
			`CREATE TABLE IF NOT EXISTS user_tokens (
				token TEXT PRIMARY KEY,
				user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				created_at TIMESTAMPTZ NOT NULL,
				expires_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_user_tokens_user ON user_tokens(user_id)`,
		}
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}
