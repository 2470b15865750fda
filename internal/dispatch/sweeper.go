package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/snehjoshi/epochdist/internal/queue"
)

// maxSweepsPerTick bounds how many stuck heads one tick reclaims.
const maxSweepsPerTick = 100

// Sweeper runs ErrorAware.Sweep on a fixed interval so that a stuck head is
// reclaimed even when no new package arrives to trigger the inline sweep.
// Each tick keeps sweeping until the head is no longer stuck.
type Sweeper struct {
	strategy *ErrorAware
	provider queue.Provider
	interval time.Duration

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
}

// NewSweeper creates a Sweeper. interval <= 0 falls back to the strategy's
// configured SweepInterval, and then to one minute.
func NewSweeper(strategy *ErrorAware, provider queue.Provider, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = strategy.cfg.SweepInterval
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		strategy: strategy,
		provider: provider,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start launches the background goroutine. It exits when ctx is cancelled or
// Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Run sweeps until ctx is cancelled or Stop is called. It blocks.
func (s *Sweeper) Run(ctx context.Context) error {
	s.wg.Add(1)
	s.run(ctx)
	return nil
}

// Stop signals the goroutine and waits for it to exit.
func (s *Sweeper) Stop() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := s.strategy.o.clock.NewTicker(s.interval)
	defer ticker.Stop()
	log := s.strategy.o.logger.With("loop", "sweeper")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.Chan():
			for i := 0; i < maxSweepsPerTick && ctx.Err() == nil; i++ {
				reclaimed, err := s.strategy.Sweep(s.provider)
				if err != nil {
					log.Warn("sweep failed", "err", err)
					break
				}
				if !reclaimed {
					break
				}
			}
		}
	}
}
