// Package cache stores dispatcher results in a sqlite database so that
// unchanged classes are not rewritten again on the next run.
package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/tliron/commonlog"

	_ "modernc.org/sqlite"
)

// recordVersion is bumped whenever the record layout changes. Records of
// another version are treated as misses.
const recordVersion = 1

// ErrNotFound marks an absent or outdated record.
var ErrNotFound = errors.New("cache: not found")

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cache: cbor enc mode: %v", err))
	}
}

// record is the stored form of one result.
type record struct {
	Version  int    `cbor:"1,keyasint"`
	Data     []byte `cbor:"2,keyasint"`
	Modified bool   `cbor:"3,keyasint,omitempty"`
	Stored   int64  `cbor:"4,keyasint"`
}

// Stats counts cache traffic since Open.
type Stats struct {
	Hits   int64
	Misses int64
	Puts   int64
}

// Cache is a sqlite-backed instrument.ResultCache. It is safe for
// concurrent use.
type Cache struct {
	db   *sql.DB
	path string
	log  commonlog.Logger
	mu   sync.Mutex

	hits, misses, puts atomic.Int64
}

// Open opens or creates the cache database at path, creating parent
// directories as needed. The path ":memory:" opens a private in-memory
// database.
func Open(log commonlog.Logger, path string) (*Cache, error) {
	if log == nil {
		log = commonlog.GetLogger("classrewriter.cache")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("cache: creating directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: opening database: %w", err)
	}
	// ":memory:" is per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS results (
		key TEXT PRIMARY KEY,
		fingerprint TEXT NOT NULL,
		record BLOB NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: creating table: %w", err)
	}

	return &Cache{db: db, path: path, log: log}, nil
}

// Path returns the database path.
func (c *Cache) Path() string { return c.path }

// Close closes the database connection.
func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Get returns the stored result for key. Read failures are logged and
// reported as misses.
func (c *Cache) Get(key string) ([]byte, bool, bool) {
	r, err := c.lookup(key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.log.Warningf("cache read failed: %v", err)
		}
		c.misses.Add(1)
		return nil, false, false
	}
	c.hits.Add(1)
	return r.Data, r.Modified, true
}

// lookup returns the record stored under key, or ErrNotFound.
func (c *Cache) lookup(key string) (*record, error) {
	var blob []byte
	err := c.db.QueryRow("SELECT record FROM results WHERE key = ?", key).Scan(&blob)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("cache: querying %s: %w", key, err)
	}

	var r record
	if err := cbor.Unmarshal(blob, &r); err != nil {
		return nil, fmt.Errorf("cache: unmarshal record: %w", err)
	}
	if r.Version != recordVersion {
		return nil, ErrNotFound
	}
	return &r, nil
}

// Put stores a result under key. The fingerprint column is the part of
// the key after its last colon.
func (c *Cache) Put(key string, data []byte, modified bool) error {
	blob, err := encMode.Marshal(record{
		Version:  recordVersion,
		Data:     data,
		Modified: modified,
		Stored:   time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("cache: marshal record: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, err = c.db.Exec(
		"INSERT OR REPLACE INTO results (key, fingerprint, record) VALUES (?, ?, ?)",
		key, fingerprintOf(key), blob,
	)
	if err != nil {
		return fmt.Errorf("cache: saving %s: %w", key, err)
	}
	c.puts.Add(1)
	return nil
}

// Prune deletes every result recorded under a fingerprint other than
// keep and returns the number of rows removed.
func (c *Cache) Prune(keep string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.Exec("DELETE FROM results WHERE fingerprint != ?", keep)
	if err != nil {
		return 0, fmt.Errorf("cache: pruning: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		c.log.Infof("pruned %d stale results", n)
	}
	return n, nil
}

// Len returns the number of stored results.
func (c *Cache) Len() (int, error) {
	var n int
	if err := c.db.QueryRow("SELECT COUNT(*) FROM results").Scan(&n); err != nil {
		return 0, fmt.Errorf("cache: counting: %w", err)
	}
	return n, nil
}

// Stats returns the traffic counters.
func (c *Cache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Puts: c.puts.Load()}
}

func fingerprintOf(key string) string {
	if i := strings.LastIndexByte(key, ':'); i >= 0 {
		return key[i+1:]
	}
	return ""
}
