package dispatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/snehjoshi/epochdist/internal/distpkg"
	"github.com/snehjoshi/epochdist/internal/queue"
	"github.com/snehjoshi/epochdist/internal/types"
)

// StuckPolicy says what happens to a reclaimed queue head.
type StuckPolicy string

const (
	// StuckError moves the stuck item to the default queue's error queue.
	StuckError StuckPolicy = "error"
	// StuckDrop discards the stuck item.
	StuckDrop StuckPolicy = "drop"
)

// Defaults applied by NewErrorAware to zero thresholds.
const (
	DefaultAttemptsThreshold = 100
	DefaultTimeThreshold     = time.Hour
)

// StuckConfig configures the stuck-item reclaimer.
type StuckConfig struct {
	Policy StuckPolicy
	// A head is stuck once it has failed more than AttemptsThreshold times
	// or has waited longer than TimeThreshold.
	AttemptsThreshold int
	TimeThreshold     time.Duration
	// SweepInterval > 0 enables the background Sweeper.
	SweepInterval time.Duration
}

// ErrorAware delivers to the default queue like SingleQueue, but first
// reclaims the default queue's head if it is stuck. At most one item is
// reclaimed per Add.
type ErrorAware struct {
	single *SingleQueue
	cfg    StuckConfig
	o      options
}

// NewErrorAware builds an ErrorAware strategy. An empty policy means
// StuckError; zero thresholds take the package defaults.
func NewErrorAware(cfg StuckConfig, opts ...Option) (*ErrorAware, error) {
	switch cfg.Policy {
	case "":
		cfg.Policy = StuckError
	case StuckError, StuckDrop:
	default:
		return nil, fmt.Errorf("%w: unknown stuck policy %q", ErrConfiguration, cfg.Policy)
	}
	if cfg.AttemptsThreshold < 0 || cfg.TimeThreshold < 0 {
		return nil, fmt.Errorf("%w: stuck thresholds must not be negative", ErrConfiguration)
	}
	if cfg.AttemptsThreshold == 0 {
		cfg.AttemptsThreshold = DefaultAttemptsThreshold
	}
	if cfg.TimeThreshold == 0 {
		cfg.TimeThreshold = DefaultTimeThreshold
	}
	o := buildOptions(opts)
	return &ErrorAware{
		single: &SingleQueue{name: DefaultQueueName, o: o},
		cfg:    cfg,
		o:      o,
	}, nil
}

// Config returns the effective reclaimer configuration.
func (e *ErrorAware) Config() StuckConfig { return e.cfg }

func (e *ErrorAware) Add(pkg distpkg.Package, provider queue.Provider) ([]types.QueueItemStatus, error) {
	if _, err := e.Sweep(provider); err != nil {
		return nil, err
	}
	return e.single.Add(pkg, provider)
}

func (e *ErrorAware) QueueNames() []string {
	return []string{DefaultQueueName, queue.ErrorQueueName(DefaultQueueName)}
}

// Sweep inspects the default queue's head and reclaims it when stuck.
// It reports whether an item left the head. Only a failure to move the item
// into the error queue is returned; a failed removal is logged.
func (e *ErrorAware) Sweep(provider queue.Provider) (bool, error) {
	q, err := provider.Queue(DefaultQueueName)
	if err != nil {
		return false, fmt.Errorf("dispatch: stuck sweep: queue %s: %w", DefaultQueueName, err)
	}
	head, err := q.Head()
	if err != nil {
		return false, fmt.Errorf("dispatch: stuck sweep: head: %w", err)
	}
	if head == nil || !e.stuck(head.Status) {
		return false, nil
	}

	item := head.Item
	log := e.o.logger.With("queue", DefaultQueueName, "item", item.ID, "policy", string(e.cfg.Policy))
	log.Warn("stuck queue head", "attempts", head.Status.Attempts, "entered", head.Status.Entered)

	pkg := e.lookup(item.ID)
	errName := queue.ErrorQueueName(DefaultQueueName)

	if e.cfg.Policy == StuckError {
		eq, err := provider.Queue(errName)
		if err != nil {
			return false, fmt.Errorf("dispatch: stuck sweep: queue %s: %w", errName, err)
		}
		if pkg != nil {
			if err := distpkg.Acquire(pkg, errName); err != nil {
				return false, fmt.Errorf("dispatch: stuck sweep: hold %s: %w", item.ID, err)
			}
		}
		item.Info = item.Info.Clone()
		item.Info.Queue = DefaultQueueName
		if err := eq.Add(item); err != nil {
			if pkg != nil {
				_, _ = distpkg.ReleaseHold(pkg, errName)
			}
			return false, fmt.Errorf("dispatch: stuck sweep: add to %s: %w", errName, err)
		}
	}

	removed, err := q.Remove(item.ID)
	if err != nil {
		log.Error("remove stuck item", "err", err)
		return false, nil
	}
	if e.o.metrics != nil {
		e.o.metrics.StuckItems.WithLabelValues(DefaultQueueName, string(e.cfg.Policy)).Inc()
	}

	if removed == nil {
		// Whoever removed it also resolved its hold.
		log.Debug("stuck item already gone")
		return true, nil
	}
	if pkg != nil {
		var err error
		if e.cfg.Policy == StuckError {
			// Ownership moved to the error queue.
			_, err = distpkg.ReleaseHold(pkg, DefaultQueueName)
		} else {
			_, err = distpkg.ReleaseOrDelete(pkg, DefaultQueueName)
		}
		if err != nil {
			log.Error("release stuck package", "err", err)
		}
	}
	return true, nil
}

func (e *ErrorAware) stuck(st types.QueueItemStatus) bool {
	return st.Attempts > e.cfg.AttemptsThreshold || e.o.clock.Since(st.Entered) > e.cfg.TimeThreshold
}

func (e *ErrorAware) lookup(id string) distpkg.Package {
	if e.o.packages == nil {
		return nil
	}
	pkg, err := e.o.packages.Get(id)
	if err != nil {
		if !errors.Is(err, distpkg.ErrNotFound) {
			e.o.logger.Warn("lookup stuck package", "package", id, "err", err)
		}
		return nil
	}
	return pkg
}
