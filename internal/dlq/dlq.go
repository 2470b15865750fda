// Package dlq provides utilities for inspecting and replaying items that
// have been moved to an error queue.
//
// An error queue is a regular queue whose name follows the convention
// "error-<origin>" (see queue.ErrorQueueName). Items land there through the
// ErrorQueue strategy or the stuck-item reclaimer.
//
//   - Peek:   read (but don't remove) the oldest N error items.
//   - Drain:  remove and return the oldest N items, resolving their holds.
//   - Replay: move items back to the origin queue for reprocessing.
package dlq

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/snehjoshi/epochdist/internal/distpkg"
	"github.com/snehjoshi/epochdist/internal/queue"
	"github.com/snehjoshi/epochdist/internal/types"
)

// PackageSource resolves queue items to live packages so that holds move
// with the items. *distpkg.Registry implements it.
type PackageSource interface {
	Get(id string) (*distpkg.SimplePackage, error)
}

// Manager provides error queue operations on top of a queue.Provider.
type Manager struct {
	provider queue.Provider
	packages PackageSource
	logger   *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithPackages makes Replay and Drain keep package holds in step with the
// items they move.
func WithPackages(src PackageSource) Option {
	return func(m *Manager) { m.packages = src }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager wraps the given provider.
func NewManager(provider queue.Provider, opts ...Option) *Manager {
	m := &Manager{provider: provider}
	for _, o := range opts {
		o(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "dlq")
	return m
}

// Len returns the number of items in the error queue for origin.
// Returns 0 if the queue cannot be read.
func (m *Manager) Len(origin string) int {
	eq, err := m.provider.Queue(queue.ErrorQueueName(origin))
	if err != nil {
		return 0
	}
	st, err := eq.Status()
	if err != nil {
		return 0
	}
	return st.ItemsCount
}

// Peek returns up to limit entries from the head of origin's error queue
// without removing them. limit <= 0 returns everything.
func (m *Manager) Peek(origin string, limit int) ([]types.QueueEntry, error) {
	eq, err := m.provider.Queue(queue.ErrorQueueName(origin))
	if err != nil {
		return nil, fmt.Errorf("dlq: peek: %w", err)
	}
	items, err := eq.Items(0, limit)
	if err != nil {
		return nil, fmt.Errorf("dlq: peek: %w", err)
	}
	out := make([]types.QueueEntry, 0, len(items))
	for _, it := range items {
		e, err := eq.Entry(it.ID)
		if err != nil {
			return nil, fmt.Errorf("dlq: peek %s: %w", it.ID, err)
		}
		if e != nil { // removed since Items
			out = append(out, *e)
		}
	}
	return out, nil
}

// Drain removes up to limit items from origin's error queue and returns them.
// Each drained package gives up its error queue hold, which deletes it once
// nothing else references it.
func (m *Manager) Drain(origin string, limit int) ([]types.QueueItem, error) {
	name := queue.ErrorQueueName(origin)
	eq, err := m.provider.Queue(name)
	if err != nil {
		return nil, fmt.Errorf("dlq: drain: %w", err)
	}
	items, err := eq.Items(0, limit)
	if err != nil {
		return nil, fmt.Errorf("dlq: drain: %w", err)
	}

	var out []types.QueueItem
	for _, it := range items {
		removed, err := eq.Remove(it.ID)
		if err != nil {
			return out, fmt.Errorf("dlq: drain %s: %w", it.ID, err)
		}
		if removed == nil {
			continue
		}
		if pkg := m.lookup(it.ID); pkg != nil {
			if _, err := distpkg.ReleaseOrDelete(pkg, name); err != nil {
				m.logger.Error("release drained package", "package", it.ID, "err", err)
			}
		}
		out = append(out, *removed)
	}
	return out, nil
}

// Replay moves up to limit items from origin's error queue back to origin.
// Each item is added to origin and only then removed from the error queue;
// an item origin rejects stays in the error queue and is skipped.
// Returns the number of items replayed.
func (m *Manager) Replay(origin string, limit int) (int, error) {
	primary, err := m.provider.Queue(origin)
	if err != nil {
		return 0, fmt.Errorf("dlq: replay: origin queue: %w", err)
	}
	name := queue.ErrorQueueName(origin)
	eq, err := m.provider.Queue(name)
	if err != nil {
		return 0, fmt.Errorf("dlq: replay: error queue: %w", err)
	}
	items, err := eq.Items(0, limit)
	if err != nil {
		return 0, fmt.Errorf("dlq: replay: list: %w", err)
	}

	replayed := 0
	for _, it := range items {
		log := m.logger.With("origin", origin, "item", it.ID)
		pkg := m.lookup(it.ID)
		if pkg != nil {
			if err := distpkg.Acquire(pkg, origin); err != nil {
				log.Warn("replay: acquire failed", "err", err)
				continue
			}
		}

		// Attempts and entered time start over in the origin queue.
		fresh := it
		fresh.Info = it.Info.Clone()
		fresh.Info.Queue = ""
		if err := primary.Add(fresh); err != nil {
			log.Warn("replay: add to origin failed", "err", err)
			if pkg != nil {
				_, _ = distpkg.ReleaseHold(pkg, origin)
			}
			continue
		}

		if _, err := eq.Remove(it.ID); err != nil {
			log.Error("replay: remove from error queue failed", "err", err)
			continue
		}
		if pkg != nil {
			if _, err := distpkg.ReleaseHold(pkg, name); err != nil {
				log.Error("replay: release error queue hold", "err", err)
			}
		}
		replayed++
	}
	return replayed, nil
}

func (m *Manager) lookup(id string) distpkg.Package {
	if m.packages == nil {
		return nil
	}
	pkg, err := m.packages.Get(id)
	if err != nil {
		if !errors.Is(err, distpkg.ErrNotFound) {
			m.logger.Warn("lookup package", "package", id, "err", err)
		}
		return nil
	}
	return pkg
}
