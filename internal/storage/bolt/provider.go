// Package bolt is the durable storage backend: queues and package records in
// a single bbolt file.
//
// Layout:
//
//	queues/                 one nested bucket per queue
//	  <name>/
//	    items/              big-endian sequence → storage.EncodeEntry record
//	    ids/                item id → sequence key
//	packages/               package id → JSON distpkg.Record
//
// bbolt gives us ACID updates in one pure-Go file, so a crash never leaves an
// item in items without its ids entry or the other way round.
package bolt

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.etcd.io/bbolt"
	"go.uber.org/multierr"

	"github.com/snehjoshi/epochdist/internal/queue"
)

var (
	bucketQueues   = []byte("queues")
	bucketPackages = []byte("packages")
	bucketItems    = []byte("items")
	bucketIDs      = []byte("ids")
)

// openTimeout bounds how long Open waits for the file lock held by another
// process (e.g. a running `epochdist serve`).
const openTimeout = time.Second

// ─── Options ──────────────────────────────────────────────────────────────────

// Option configures a Provider.
type Option func(*Provider)

// WithClock sets the clock used for item entry timestamps.
func WithClock(clk clockwork.Clock) Option {
	return func(p *Provider) { p.clock = clk }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// WithNoSync skips fsync after each commit. Faster, but a crash may lose the
// most recent writes.
func WithNoSync(noSync bool) Option {
	return func(p *Provider) { p.noSync = noSync }
}

// ─── Provider ─────────────────────────────────────────────────────────────────

// Provider is a queue.Provider backed by one bbolt database. It also exposes
// the package store living in the same file.
type Provider struct {
	db     *bbolt.DB
	path   string
	clock  clockwork.Clock
	logger *slog.Logger
	noSync bool

	mu     sync.Mutex
	queues map[string]*Queue
	closed atomic.Bool
}

var _ queue.Provider = (*Provider)(nil)

// Open opens (or creates) the database at path.
func Open(path string, opts ...Option) (*Provider, error) {
	p := &Provider{path: path, queues: make(map[string]*Queue)}
	for _, o := range opts {
		o(p)
	}
	if p.clock == nil {
		p.clock = clockwork.NewRealClock()
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "bolt")

	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: openTimeout, NoSync: p.noSync})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketQueues, bucketPackages} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt: init buckets: %w", err)
	}
	p.db = db
	p.logger.Info("storage opened", "path", path, "no_sync", p.noSync)
	return p, nil
}

// Queue returns the queue called name, creating its buckets on first access.
func (p *Provider) Queue(name string) (queue.Queue, error) {
	return p.BoltQueue(name)
}

// BoltQueue is Queue with the concrete return type.
func (p *Provider) BoltQueue(name string) (*Queue, error) {
	if name == "" {
		return nil, fmt.Errorf("bolt: queue name must not be empty")
	}
	if p.closed.Load() {
		return nil, queue.ErrQueueClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if q, ok := p.queues[name]; ok {
		return q, nil
	}

	if err := p.db.Update(func(tx *bbolt.Tx) error {
		qb, err := tx.Bucket(bucketQueues).CreateBucketIfNotExists([]byte(name))
		if err != nil {
			return err
		}
		if _, err := qb.CreateBucketIfNotExists(bucketItems); err != nil {
			return err
		}
		_, err = qb.CreateBucketIfNotExists(bucketIDs)
		return err
	}); err != nil {
		return nil, fmt.Errorf("bolt: create queue %s: %w", name, err)
	}

	q := &Queue{name: name, p: p}
	p.queues[name] = q
	return q, nil
}

// Names lists every queue persisted in the database, sorted.
func (p *Provider) Names() ([]string, error) {
	if p.closed.Load() {
		return nil, queue.ErrQueueClosed
	}
	var names []string
	err := p.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketQueues).ForEach(func(k, v []byte) error {
			if v == nil { // nested bucket
				names = append(names, string(k))
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("bolt: list queues: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Packages returns the package store sharing this database.
func (p *Provider) Packages() *PackageStore {
	return &PackageStore{p: p}
}

// Path returns the database file path.
func (p *Provider) Path() string { return p.path }

// Close flushes and closes the database. Safe to call more than once.
func (p *Provider) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if p.noSync {
		err = multierr.Append(err, p.db.Sync())
	}
	err = multierr.Append(err, p.db.Close())
	if err != nil {
		return fmt.Errorf("bolt: close: %w", err)
	}
	p.logger.Info("storage closed", "path", p.path)
	return nil
}

// view and update run fn in a transaction, failing fast once closed.
func (p *Provider) view(fn func(tx *bbolt.Tx) error) error {
	if p.closed.Load() {
		return queue.ErrQueueClosed
	}
	return p.db.View(fn)
}

func (p *Provider) update(fn func(tx *bbolt.Tx) error) error {
	if p.closed.Load() {
		return queue.ErrQueueClosed
	}
	return p.db.Update(fn)
}

// isClosed reports whether err stems from using a closed database.
func isClosed(err error) bool {
	return errors.Is(err, queue.ErrQueueClosed) || errors.Is(err, bbolt.ErrDatabaseNotOpen)
}
