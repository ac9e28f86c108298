// Package db wraps the SQLCipher file holding every key and session of a device. All access goes
// through one global transaction runner, so callers never hold a connection of their own.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-e2ee/config"
	"github.com/meow-io/go-e2ee/migration"
	sqlite3 "github.com/meow-io/go-sqlcipher"
	"go.uber.org/zap"
)

const (
	driverName = "sqlite3_e2ee"
	keyLength  = 32
)

var (
	ErrNotRunning = errors.New("db: database is not open")
	ErrWrongKey   = errors.New("db: key does not unlock database")
	ErrWrongState = errors.New("db: wrong state")
)

const (
	stateNew = iota
	stateInitialized
	stateRunning
)

type RunnerFunc func() error

type Database struct {
	Log  *zap.SugaredLogger
	Conn *sqlx.DB
	// Tx is the transaction of the runner currently holding the lock.
	Tx *sqlx.Tx

	config *config.Config
	state  int
	lock   sync.Mutex
	path   string
	ctx    context.Context
	cancel context.CancelFunc
}

// NewDatabase points at path without opening it. A file already at path means the database was
// initialized before and only needs Open.
func NewDatabase(c *config.Config, path string) (*Database, error) {
	state := stateInitialized
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		state = stateNew
	}
	registerDriver()

	d := &Database{
		Log:    c.Logger("db"),
		config: c,
		path:   path,
		state:  state,
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.Log.Debugf("using database at %s", path)
	return d, nil
}

// Initialize creates the file encrypted under key and closes it again.
func (db *Database) Initialize(key []byte) error {
	if err := db.expect(stateNew, key); err != nil {
		return err
	}
	conn, err := db.connect(key)
	if err != nil {
		return err
	}
	if err := conn.Close(); err != nil {
		return err
	}
	db.state = stateInitialized
	return nil
}

func (db *Database) Open(key []byte) error {
	if err := db.expect(stateInitialized, key); err != nil {
		return err
	}
	conn, err := db.connect(key)
	if err != nil {
		return err
	}
	db.Conn = conn
	db.state = stateRunning
	return nil
}

func (db *Database) expect(state int, key []byte) error {
	if db.state != state {
		return fmt.Errorf("%w: expected %d got %d", ErrWrongState, state, db.state)
	}
	if len(key) != keyLength {
		return fmt.Errorf("db: expected key of length %d, got %d", keyLength, len(key))
	}
	return nil
}

func (db *Database) Initialized() bool {
	return db.state == stateInitialized
}

func (db *Database) Running() bool {
	return db.state == stateRunning
}

// Shutdown waits for the running transaction, if any, then closes the connection. The database
// can be opened again afterwards.
func (db *Database) Shutdown() error {
	db.lock.Lock()
	defer db.lock.Unlock()
	db.cancel()
	db.ctx, db.cancel = context.WithCancel(context.Background())
	if db.Conn == nil {
		return nil
	}
	if err := db.Conn.Close(); err != nil {
		return err
	}
	db.Conn = nil
	db.state = stateInitialized
	return nil
}

// Migrate brings the tables recorded under name up to date with migrations.
func (db *Database) Migrate(name string, migrations []*migration.Migration) error {
	return newMigrator(db.config, db, name, migrations).migrate()
}

func (db *Database) Run(label string, runner RunnerFunc) error {
	return db.locked(label, func() error {
		return db.runTx(label, false, runner)
	})
}

func (db *Database) RunReadOnly(label string, runner RunnerFunc) error {
	return db.locked(label, func() error {
		return db.runTx(label, true, runner)
	})
}

func (db *Database) locked(label string, runner RunnerFunc) error {
	start := time.Now()
	db.lock.Lock()
	obtained := time.Now()
	defer func() {
		db.Log.Debugf("%s wait=%s exec=%s", label, obtained.Sub(start), time.Since(obtained))
		db.lock.Unlock()
	}()
	return runner()
}

func (db *Database) runTx(label string, readOnly bool, runner RunnerFunc) (err error) {
	if db.Tx != nil {
		panic("db: nested transaction in " + label)
	}
	if db.Conn == nil {
		return ErrNotRunning
	}

	db.Tx, err = db.Conn.BeginTxx(db.ctx, &sql.TxOptions{Isolation: sql.LevelDefault, ReadOnly: readOnly})
	if err != nil {
		db.Tx = nil
		return fmt.Errorf("db: error starting transaction for %s: %w", label, err)
	}
	defer func() {
		db.Tx = nil
	}()

	if _, err := db.Tx.Exec("PRAGMA defer_foreign_keys = ON"); err != nil {
		_ = db.Tx.Rollback()
		return fmt.Errorf("db: error enabling defer_foreign_keys: %w", err)
	}
	if err := runner(); err != nil {
		db.Log.Debugf("rolling back %s: %s", label, err)
		if rerr := db.Tx.Rollback(); rerr != nil {
			db.Log.Warnf("error rolling back %s: %s", label, rerr)
		}
		return fmt.Errorf("error during %s: %w", label, err)
	}
	if err := db.Tx.Commit(); err != nil {
		return fmt.Errorf("db: error committing %s: %w", label, err)
	}
	return nil
}

func (db *Database) connect(key []byte) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("file:%s?_locking_mode=EXCLUSIVE&_busy_timeout=100&_secure_delete=on&_journal_mode=WAL&_auto_vacuum=2&_synchronous=3&cache=private&mode=rwc&_pragma_key=x'%x'", url.PathEscape(db.path), key)
	conn, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("db: error opening %s: %w", db.path, err)
	}
	conn.DB.SetMaxOpenConns(1)

	// a wrong key only shows once the first page is read
	if _, err := conn.Exec("SELECT name FROM sqlite_master LIMIT 1"); err != nil {
		_ = conn.Close()
		if strings.Contains(err.Error(), "file is not a database") {
			return nil, ErrWrongKey
		}
		return nil, fmt.Errorf("db: unable to read from database: %w", err)
	}
	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA foreign_keys = ON", "PRAGMA temp_store = 2"} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("db: error running %q: %w", pragma, err)
		}
	}
	return conn, nil
}

func registerDriver() {
	for _, d := range sql.Drivers() {
		if d == driverName {
			return
		}
	}
	sql.Register(driverName, &sqlite3.SQLiteDriver{})
}
