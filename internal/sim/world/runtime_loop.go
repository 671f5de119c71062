package world

import (
	"context"
	"time"

	"github.com/alarti/epsilon/internal/sim/terrain/worker"
)

// Run starts the generation workers and drives the loop until ctx is done or
// Stop is called. If the workers cannot start the loop still runs; every
// request then fails with ErrWorkerUnavailable and is retried later.
func (w *World) Run(ctx context.Context) error {
	defer w.doneOnce.Do(func() { close(w.done) })

	pool, err := worker.Start(ctx, worker.Config{
		Seed:      w.cfg.Seed,
		Workers:   w.cfg.Workers,
		QueueSize: w.cfg.QueueSize,
		Logger:    w.log,
		Debug:     w.cfg.DebugWorker,
	})
	if err != nil {
		w.log.Printf("generation workers unavailable: %v", err)
	} else {
		w.pool = pool
		w.results = pool.Results()
		defer pool.Close()
	}

	interval := time.Second / time.Duration(w.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pendingFocus []FocusRequest

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		case req := <-w.focusCh:
			pendingFocus = append(pendingFocus, req)
		case req := <-w.observerJoin:
			w.handleObserverJoin(req)
		case id := <-w.observerLeave:
			w.handleObserverLeave(id)
		case req := <-w.heightCh:
			w.handleHeightReq(req)
		case <-ticker.C:
			w.step(pendingFocus)
			pendingFocus = pendingFocus[:0]
		}
	}
}

func (w *World) Stop() { close(w.stop) }

// step runs one tick: focus updates, worker results, chunk requests, observer
// streaming, metrics.
func (w *World) step(focus []FocusRequest) {
	stepStart := time.Now()
	nowTick := w.tick.Load()

	for _, req := range focus {
		w.handleFocus(req)
	}
	if w.results != nil {
		w.chunks.Drain(w.results, w.cfg.MaxResultsPerTick)
	}
	if w.dirty || (w.needRetry && nowTick >= w.retryAt) {
		w.ensureAll(nowTick)
	}
	w.streamObservers(nowTick)

	w.publishMetrics(nowTick, time.Since(stepStart))
	w.tick.Add(1)
}
