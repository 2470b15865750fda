package agent

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/snehjoshi/epochdist/internal/dispatch"
	"github.com/snehjoshi/epochdist/internal/distpkg"
	"github.com/snehjoshi/epochdist/internal/metrics"
	"github.com/snehjoshi/epochdist/internal/queue"
)

// maxItemsPerTick bounds how many heads one loop delivers per tick.
const maxItemsPerTick = 100

// Run processes every queue in ProcessedQueueNames until ctx is cancelled,
// one loop per queue. When the strategy is ErrorAware with a sweep interval
// it also runs the stuck-item sweeper. Run blocks and returns nil after a
// clean shutdown.
func (a *Agent) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	names := a.ProcessedQueueNames()
	for _, name := range names {
		g.Go(func() error {
			a.loop(gctx, name)
			return nil
		})
	}

	if ea, ok := a.strategy.(*dispatch.ErrorAware); ok && ea.Config().SweepInterval > 0 {
		sw := dispatch.NewSweeper(ea, a.Provider(), ea.Config().SweepInterval)
		g.Go(func() error { return sw.Run(gctx) })
	}

	a.logger.Info("agent processing started", "queues", names)
	err := g.Wait()
	a.logger.Info("agent processing stopped")
	return err
}

func (a *Agent) loop(ctx context.Context, name string) {
	ticker := a.clock.NewTicker(a.interval)
	defer ticker.Stop()
	log := a.logger.With("queue", name)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if a.paused.Load() {
				continue
			}
			for i := 0; i < maxItemsPerTick && ctx.Err() == nil; i++ {
				progressed, err := a.ProcessHead(ctx, name)
				if err != nil {
					log.Warn("process head failed", "err", err)
					break
				}
				if !progressed {
					break
				}
			}
		}
	}
}

// ProcessHead delivers the head of the named queue once. progressed reports
// whether the head left the queue, so the caller may move on to the next one.
//
// A head whose package no longer exists is removed without delivery. A
// failed delivery records an attempt; once the retry limit is reached the
// retry policy decides whether the item is dropped, moved to its error queue
// or kept for another try.
func (a *Agent) ProcessHead(ctx context.Context, name string) (progressed bool, err error) {
	q, err := a.Queue(name)
	if err != nil {
		return false, err
	}
	head, err := q.Head()
	if err != nil || head == nil {
		return false, err
	}
	item := head.Item
	log := a.logger.With("queue", name, "item", item.ID)

	pkg, err := a.packages.Get(item.ID)
	if errors.Is(err, distpkg.ErrNotFound) {
		// Nothing left to deliver; clear the item so the queue moves on.
		if _, err := q.Remove(item.ID); err != nil {
			return false, err
		}
		log.Warn("package not found, item skipped")
		a.observe(name, metrics.ResultSkipped)
		return true, nil
	}
	if err != nil {
		return false, err
	}

	view := distpkg.WithOrigin(pkg, name)
	importErr := a.importer.Import(ctx, view)
	if importErr == nil {
		if err := a.finish(q, pkg, item.ID, distpkg.ReleaseOrDelete); err != nil {
			return false, err
		}
		a.emit(TopicPackageDistributed, view, name)
		log.Debug("package delivered")
		a.observe(name, metrics.ResultDelivered)
		return true, nil
	}

	a.observe(name, metrics.ResultFailed)
	st, err := queue.RecordAttempt(q, item.ID)
	if err != nil {
		return false, err
	}
	log.Warn("delivery failed", "attempts", st.Attempts, "err", importErr)
	if a.retry.Policy == RetryForever || st.Attempts < a.retry.Attempts {
		return false, nil
	}

	switch a.retry.Policy {
	case RetryDrop:
		if err := a.finish(q, pkg, item.ID, distpkg.ReleaseOrDelete); err != nil {
			return false, err
		}
		log.Warn("item dropped after retries", "attempts", st.Attempts)
		a.observe(name, metrics.ResultDropped)
	case RetryError:
		sts, _ := a.errorQueue.Add(view, a.Provider())
		if len(sts) == 0 {
			log.Error("could not move item to error queue, keeping it")
			return false, nil
		}
		// The error queue holds the package now.
		if err := a.finish(q, pkg, item.ID, distpkg.ReleaseHold); err != nil {
			return false, err
		}
		log.Warn("item moved to error queue", "error_queue", sts[0].QueueName, "attempts", st.Attempts)
		a.observe(name, metrics.ResultErrored)
	}
	return true, nil
}

// finish removes itemID from q and then gives up the queue's hold on pkg.
func (a *Agent) finish(q queue.Queue, pkg distpkg.Package, itemID string, release func(distpkg.Package, string) (bool, error)) error {
	if _, err := q.Remove(itemID); err != nil {
		return err
	}
	if _, err := release(pkg, q.Name()); err != nil {
		a.logger.Error("release package", "queue", q.Name(), "package", pkg.ID(), "err", err)
	}
	return nil
}

func (a *Agent) observe(name, result string) {
	if a.metrics != nil {
		a.metrics.Processed.WithLabelValues(name, result).Inc()
	}
}
