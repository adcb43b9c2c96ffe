package index

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/mesh-intelligence/dicomvault/pkg/types"
)

// busyRetries bounds the transparent retry of writer-lock conflicts
// before the error is surfaced as ErrDatabase.
const busyRetries = 5

// ChangeListener receives every committed change in sequence order.
// Listener failure is logged and never affects the originating
// transaction.
type ChangeListener func(change types.Change) error

// Index owns the SQLite database. All mutations run inside transactions
// started by WithTransaction; single-shot helpers wrap it.
type Index struct {
	mu        sync.Mutex
	db        *sql.DB
	salt      string
	listeners []ChangeListener
	log       *logrus.Entry
}

// Open opens (or creates) the database at path, applies the schema and
// runs forward migrations when the stored version is older than this
// binary's.
func Open(path, salt string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}
	// The index serializes writers itself; a single connection keeps
	// modernc's locking out of the picture.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	x := &Index{
		db:   db,
		salt: salt,
		log:  logrus.WithField("component", "index"),
	}
	if err := x.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return x, nil
}

// migrate checks the stored schema version and walks it forward.
func (x *Index) migrate() error {
	var stored string
	err := x.db.QueryRow(
		"SELECT value FROM global_properties WHERE key = ?", schemaVersionKey).Scan(&stored)
	if err == sql.ErrNoRows {
		_, err = x.db.Exec(
			"INSERT INTO global_properties (key, value) VALUES (?, ?)",
			schemaVersionKey, strconv.Itoa(schemaVersion))
		if err != nil {
			return fmt.Errorf("writing schema version: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	version, err := strconv.Atoi(stored)
	if err != nil {
		return fmt.Errorf("schema version %q: %w", stored, types.ErrCorruptedFile)
	}
	if version > schemaVersion {
		return fmt.Errorf("database schema %d newer than binary (%d): %w",
			version, schemaVersion, types.ErrDatabase)
	}
	for version < schemaVersion {
		// Future upgrade steps hook in here, one version at a time.
		version++
		if _, err := x.db.Exec(
			"UPDATE global_properties SET value = ? WHERE key = ?",
			strconv.Itoa(version), schemaVersionKey); err != nil {
			return fmt.Errorf("bumping schema version: %w", err)
		}
	}
	return nil
}

// Close releases the database handle. Idempotent.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.db == nil {
		return nil
	}
	err := x.db.Close()
	x.db = nil
	return err
}

// Salt returns the public-id salt the index was opened with.
func (x *Index) Salt() string {
	return x.salt
}

// AddListener registers a change listener. Listeners run synchronously
// after commit, in sequence order.
func (x *Index) AddListener(l ChangeListener) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.listeners = append(x.listeners, l)
}

// Tx wraps one open transaction and records the changes it logged so
// they can be delivered to listeners after commit.
type Tx struct {
	tx      *sql.Tx
	salt    string
	now     func() time.Time
	changes []types.Change
}

// isBusy recognizes writer-lock conflicts worth retrying.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "busy")
}

// WithTransaction runs fn inside a transaction. Writer-lock conflicts are
// retried transparently up to busyRetries times, then surfaced as
// ErrDatabase. On success the recorded changes are delivered to the
// listeners in order.
func (x *Index) WithTransaction(fn func(t *Tx) error) error {
	x.mu.Lock()
	db := x.db
	listeners := x.listeners
	x.mu.Unlock()
	if db == nil {
		return fmt.Errorf("index closed: %w", types.ErrBadSequenceOfCalls)
	}

	var lastErr error
	for attempt := 0; attempt < busyRetries; attempt++ {
		sqlTx, err := db.Begin()
		if err != nil {
			if isBusy(err) {
				lastErr = err
				time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
				continue
			}
			return fmt.Errorf("begin: %w", err)
		}

		t := &Tx{tx: sqlTx, salt: x.salt, now: time.Now}
		if err := fn(t); err != nil {
			sqlTx.Rollback()
			if isBusy(err) {
				lastErr = err
				time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
				continue
			}
			return err
		}
		if err := sqlTx.Commit(); err != nil {
			if isBusy(err) {
				lastErr = err
				time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
				continue
			}
			return fmt.Errorf("commit: %w", err)
		}

		for _, change := range t.changes {
			for _, l := range listeners {
				if err := l(change); err != nil {
					x.log.WithFields(logrus.Fields{
						"seq":  change.Seq,
						"kind": change.Kind,
					}).WithError(err).Warn("change listener failed")
				}
			}
		}
		return nil
	}
	return fmt.Errorf("transaction retries exhausted: %v: %w", lastErr, types.ErrDatabase)
}
