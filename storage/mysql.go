package storage

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	log "github.com/sirupsen/logrus"

	"todo-registry/domain"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS todo_registries (
    name VARCHAR(191) PRIMARY KEY,
    total_created BIGINT UNSIGNED NOT NULL DEFAULT 0
)`,
	`CREATE TABLE IF NOT EXISTS todos (
    registry VARCHAR(191) NOT NULL,
    id BIGINT UNSIGNED NOT NULL,
    text LONGTEXT NOT NULL,
    completed BOOLEAN NOT NULL DEFAULT FALSE,
    created_by VARCHAR(255) NOT NULL DEFAULT '',
    event_timestamp BIGINT NOT NULL,
    PRIMARY KEY (registry, id)
)`,
}

// maxLockName is the longest name GET_LOCK accepts.
const maxLockName = 64

// MySQLStore keeps registries in MySQL. Each change runs in its own
// transaction. A writer holds a named lock for its registry on a dedicated
// connection, and every transaction checks that connection still owns it.
type MySQLStore struct {
	db       *sql.DB
	registry string

	lockConn *sql.Conn
	lockID   int64
}

// NormalizeDSN parses dsn and sets the options the store relies on:
// matched-row counts for updates and no multi statements.
func NormalizeDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ClientFoundRows = true
	cfg.MultiStatements = false
	cfg.ParseTime = true
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return cfg.FormatDSN(), nil
}

// OpenMySQL connects, pings and returns a store for registry.
func OpenMySQL(ctx context.Context, dsn, registry string) (*MySQLStore, error) {
	normalized, err := NormalizeDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", normalized)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return newMySQLStore(db, registry), nil
}

func newMySQLStore(db *sql.DB, registry string) *MySQLStore {
	return &MySQLStore{db: db, registry: registry}
}

func (s *MySQLStore) lockName() string {
	name := "todo-registry/" + s.registry
	if len(name) <= maxLockName {
		return name
	}
	sum := sha1.Sum([]byte(s.registry))
	return "todo-registry/" + hex.EncodeToString(sum[:])
}

// AcquireLock takes the registry's named lock without waiting. It fails with
// ErrLeaseHeld when another session holds it.
func (s *MySQLStore) AcquireLock(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	var got sql.NullInt64
	var id int64
	if err := conn.QueryRowContext(ctx, `SELECT GET_LOCK(?, 0), CONNECTION_ID()`, s.lockName()).Scan(&got, &id); err != nil {
		conn.Close()
		return fmt.Errorf("acquire registry lock: %w", err)
	}
	if !got.Valid || got.Int64 != 1 {
		conn.Close()
		return fmt.Errorf("%w: lock %s", ErrLeaseHeld, s.lockName())
	}
	s.lockConn = conn
	s.lockID = id
	return nil
}

// Close releases the registry lock and the connection pool.
func (s *MySQLStore) Close() error {
	if s.lockConn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := s.lockConn.ExecContext(ctx, `DO RELEASE_LOCK(?)`, s.lockName()); err != nil {
			log.WithError(err).WithField("registry", s.registry).Warn("release registry lock")
		}
		cancel()
		s.lockConn.Close()
		s.lockConn = nil
	}
	return s.db.Close()
}

// EnsureSchema creates the registry tables when missing.
func (s *MySQLStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	log.WithField("registry", s.registry).Debug("mysql schema ready")
	return nil
}

// Load reads the counter and the live tasks of the registry.
func (s *MySQLStore) Load(ctx context.Context) (domain.Snapshot, error) {
	var snap domain.Snapshot
	err := s.db.QueryRowContext(ctx, `SELECT total_created FROM todo_registries WHERE name = ?`, s.registry).Scan(&snap.TotalCreated)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return snap, fmt.Errorf("load counter: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, text, completed FROM todos WHERE registry = ? ORDER BY id`, s.registry)
	if err != nil {
		return snap, fmt.Errorf("load todos: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t domain.Task
		if err := rows.Scan(&t.ID, &t.Text, &t.Completed); err != nil {
			return snap, err
		}
		snap.Tasks = append(snap.Tasks, t)
	}
	return snap, rows.Err()
}

type statement struct {
	query string
	args  []any
	// mustAffect requires the statement to match exactly one row.
	mustAffect bool
}

func (s *MySQLStore) statementsFor(ch domain.Change) ([]statement, error) {
	switch ch.Op {
	case domain.OpCreate:
		return []statement{
			{
				query: `INSERT INTO todo_registries (name, total_created) VALUES (?, ?) ON DUPLICATE KEY UPDATE total_created = VALUES(total_created)`,
				args:  []any{s.registry, ch.ID},
			},
			{
				query:      `INSERT INTO todos (registry, id, text, completed, created_by, event_timestamp) VALUES (?, ?, ?, FALSE, ?, ?)`,
				args:       []any{s.registry, ch.ID, ch.Text, ch.Caller, ch.Timestamp},
				mustAffect: true,
			},
		}, nil
	case domain.OpComplete:
		return []statement{{
			query:      `UPDATE todos SET completed = TRUE, event_timestamp = ? WHERE registry = ? AND id = ?`,
			args:       []any{ch.Timestamp, s.registry, ch.ID},
			mustAffect: true,
		}}, nil
	case domain.OpDelete:
		return []statement{{
			query:      `DELETE FROM todos WHERE registry = ? AND id = ?`,
			args:       []any{s.registry, ch.ID},
			mustAffect: true,
		}}, nil
	}
	return nil, fmt.Errorf("unsupported op %q", ch.Op)
}

// Append applies ch inside a transaction. With a lock held, the transaction
// first checks that the lock session is still the owner.
func (s *MySQLStore) Append(ctx context.Context, ch domain.Change) (err error) {
	stmts, err := s.statementsFor(ch)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
				log.WithError(rerr).WithField("todo", ch.ID).Error("mysql rollback failed")
			}
		}
	}()
	if s.lockConn != nil {
		var owner sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT IS_USED_LOCK(?)`, s.lockName()).Scan(&owner); err != nil {
			return fmt.Errorf("check registry lock: %w", err)
		}
		if !owner.Valid || owner.Int64 != s.lockID {
			return ErrLeaseLost
		}
	}
	for _, st := range stmts {
		res, err := tx.ExecContext(ctx, st.query, st.args...)
		if err != nil {
			return fmt.Errorf("%s todo %d: %w", ch.Op, ch.ID, err)
		}
		if !st.mustAffect {
			continue
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("%s todo %d: expected 1 row, affected %d", ch.Op, ch.ID, n)
		}
	}
	return tx.Commit()
}
