package storage

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"chatrecall/internal/config"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// dialect isolates the SQL differences between per-user store backends.
type dialect struct {
	name string
}

func newDialect(driver string) (dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite3":
		return dialect{name: "sqlite3"}, nil
	case "sqlite":
		return dialect{name: "sqlite"}, nil
	case "mysql":
		return dialect{name: "mysql"}, nil
	case "postgres", "pgx":
		return dialect{name: "postgres"}, nil
	}
	return dialect{}, fmt.Errorf("unsupported storage driver: %s", driver)
}

func (d dialect) sqlite() bool {
	return d.name == "sqlite" || d.name == "sqlite3"
}

// rebind rewrites '?' placeholders to '$n' for postgres.
func (d dialect) rebind(query string) string {
	if d.name != "postgres" {
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

func (d dialect) schema() []string {
	switch d.name {
	case "mysql":
		return []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id VARCHAR(64) NOT NULL PRIMARY KEY,
				user_id VARCHAR(128) NOT NULL,
				created_at BIGINT NOT NULL,
				active TINYINT NOT NULL DEFAULT 0,
				INDEX idx_sessions_user_created (user_id, created_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS turns (
				seq BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
				message_id VARCHAR(64) NOT NULL UNIQUE,
				user_id VARCHAR(128) NOT NULL,
				session_id VARCHAR(64) NOT NULL,
				user_text MEDIUMTEXT NOT NULL,
				assistant_text MEDIUMTEXT NOT NULL,
				created_at BIGINT NOT NULL,
				metadata MEDIUMTEXT NOT NULL,
				keywords MEDIUMTEXT NOT NULL,
				INDEX idx_turns_user_created (user_id, created_at),
				INDEX idx_turns_session_created (session_id, created_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS turn_keywords (
				keyword VARCHAR(64) NOT NULL,
				message_id VARCHAR(64) NOT NULL,
				PRIMARY KEY (keyword, message_id),
				INDEX idx_turn_keywords_message (message_id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS documents (
				seq BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
				user_id VARCHAR(128) NOT NULL,
				filename VARCHAR(255) NOT NULL UNIQUE,
				content LONGTEXT NOT NULL,
				size BIGINT NOT NULL,
				media_type VARCHAR(255) NOT NULL,
				uploaded_at BIGINT NOT NULL,
				INDEX idx_documents_user_uploaded (user_id, uploaded_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	case "postgres":
		return []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				created_at BIGINT NOT NULL,
				active SMALLINT NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_user_created ON sessions (user_id, created_at)`,
			`CREATE TABLE IF NOT EXISTS turns (
				seq BIGSERIAL PRIMARY KEY,
				message_id TEXT NOT NULL UNIQUE,
				user_id TEXT NOT NULL,
				session_id TEXT NOT NULL,
				user_text TEXT NOT NULL,
				assistant_text TEXT NOT NULL,
				created_at BIGINT NOT NULL,
				metadata TEXT NOT NULL,
				keywords TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_turns_user_created ON turns (user_id, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_turns_session_created ON turns (session_id, created_at)`,
			`CREATE TABLE IF NOT EXISTS turn_keywords (
				keyword TEXT NOT NULL,
				message_id TEXT NOT NULL,
				PRIMARY KEY (keyword, message_id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_turn_keywords_message ON turn_keywords (message_id)`,
			`CREATE TABLE IF NOT EXISTS documents (
				seq BIGSERIAL PRIMARY KEY,
				user_id TEXT NOT NULL,
				filename TEXT NOT NULL UNIQUE,
				content TEXT NOT NULL,
				size BIGINT NOT NULL,
				media_type TEXT NOT NULL,
				uploaded_at BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_documents_user_uploaded ON documents (user_id, uploaded_at)`,
		}
	default:
		return []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				created_at INTEGER NOT NULL,
				active INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_user_created ON sessions(user_id, created_at)`,
			`CREATE TABLE IF NOT EXISTS turns (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				message_id TEXT NOT NULL UNIQUE,
				user_id TEXT NOT NULL,
				session_id TEXT NOT NULL,
				user_text TEXT NOT NULL,
				assistant_text TEXT NOT NULL,
				created_at INTEGER NOT NULL,
				metadata TEXT NOT NULL,
				keywords TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_turns_user_created ON turns(user_id, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_turns_session_created ON turns(session_id, created_at)`,
			`CREATE TABLE IF NOT EXISTS turn_keywords (
				keyword TEXT NOT NULL,
				message_id TEXT NOT NULL,
				PRIMARY KEY (keyword, message_id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_turn_keywords_message ON turn_keywords(message_id)`,
			`CREATE TABLE IF NOT EXISTS documents (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id TEXT NOT NULL,
				filename TEXT NOT NULL UNIQUE,
				content TEXT NOT NULL,
				size INTEGER NOT NULL,
				media_type TEXT NOT NULL,
				uploaded_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_documents_user_uploaded ON documents(user_id, uploaded_at)`,
		}
	}
}

// migrate creates the per-user tables.
func (d dialect) migrate(db *sql.DB) error {
	for _, stmt := range d.schema() {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate user store (%s): %w", d.name, err)
		}
	}
	return nil
}

// SanitizeUserID maps a user identifier onto [a-z0-9_]. Identifiers made
// only of [a-z0-9] are kept as they are; anything else, '_' included, is
// rewritten and given a hash suffix of the original. Clean keys never
// contain '_', so they cannot collide with a rewritten one.
func SanitizeUserID(id string) string {
	var b strings.Builder
	changed := id == ""
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
			changed = true
		default:
			b.WriteByte('_')
			changed = true
		}
	}
	out := b.String()
	if len(out) > maxKeyStem {
		out = out[:maxKeyStem]
		changed = true
	}
	if changed {
		sum := sha256.Sum256([]byte(id))
		out += "_" + hex.EncodeToString(sum[:6])
	}
	return out
}

// maxKeyStem keeps prefix, stem and hash under the 63 byte postgres
// identifier limit.
const maxKeyStem = 32

// opener creates the physical store of one user: a sqlite file, a mysql
// database or a postgres schema.
type opener struct {
	d      dialect
	cfg    config.StorageConfig
	server config.DatabaseConfig
	admin  *sql.DB
}

func (o *opener) open(key string) (*sql.DB, error) {
	switch o.d.name {
	case "sqlite3", "sqlite":
		if err := os.MkdirAll(o.cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
		path := filepath.Join(o.cfg.Dir, "user_"+key+".db")
		var dsn string
		if o.d.name == "sqlite3" {
			dsn = "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
		} else {
			dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		}
		db, err := sql.Open(o.d.name, dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		db.SetMaxOpenConns(1)
		return pinged(db)
	case "mysql":
		name := o.physicalName(key)
		admin, err := o.adminDB()
		if err != nil {
			return nil, err
		}
		if _, err := admin.Exec("CREATE DATABASE IF NOT EXISTS `" + name + "` CHARACTER SET utf8mb4"); err != nil {
			return nil, fmt.Errorf("create mysql database %s: %w", name, err)
		}
		dsn, err := mysqlDSN(o.server, name)
		if err != nil {
			return nil, err
		}
		db, err := sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql store: %w", err)
		}
		return pinged(db)
	case "postgres":
		name := o.physicalName(key)
		admin, err := o.adminDB()
		if err != nil {
			return nil, err
		}
		if _, err := admin.Exec(`CREATE SCHEMA IF NOT EXISTS "` + name + `"`); err != nil {
			return nil, fmt.Errorf("create postgres schema %s: %w", name, err)
		}
		connCfg, err := pgx.ParseConfig(postgresDSN(o.server))
		if err != nil {
			return nil, fmt.Errorf("parse postgres dsn: %w", err)
		}
		connCfg.RuntimeParams["search_path"] = name
		return pinged(stdlib.OpenDB(*connCfg))
	}
	return nil, fmt.Errorf("unsupported storage driver: %s", o.d.name)
}

func (o *opener) physicalName(key string) string {
	return SanitizeUserID(o.cfg.Prefix) + "_u_" + key
}

// adminDB is a server-level connection used only to create databases or schemas.
func (o *opener) adminDB() (*sql.DB, error) {
	if o.admin != nil {
		return o.admin, nil
	}
	var (
		db  *sql.DB
		err error
	)
	switch o.d.name {
	case "mysql":
		dsn, derr := mysqlDSN(o.server, "")
		if derr != nil {
			return nil, derr
		}
		db, err = sql.Open("mysql", dsn)
	case "postgres":
		db, err = sql.Open("pgx", postgresDSN(o.server))
	default:
		return nil, fmt.Errorf("no admin connection for %s", o.d.name)
	}
	if err != nil {
		return nil, fmt.Errorf("open admin connection: %w", err)
	}
	if db, err = pinged(db); err != nil {
		return nil, err
	}
	o.admin = db
	return db, nil
}

func (o *opener) close() error {
	if o.admin == nil {
		return nil
	}
	err := o.admin.Close()
	o.admin = nil
	return err
}

func postgresDSN(c config.DatabaseConfig) string {
	if c.DSN != "" {
		return c.DSN
	}
	host := c.Host
	if c.Port > 0 {
		host = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	}
	u := url.URL{
		Scheme:   "postgres",
		Host:     host,
		Path:     "/" + c.DBName,
		RawQuery: c.Params,
	}
	if c.Username != "" {
		u.User = url.UserPassword(c.Username, c.Password)
	}
	return u.String()
}

func pinged(db *sql.DB) (*sql.DB, error) {
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}
	return db, nil
}
