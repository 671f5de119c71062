// Package worker runs height-field generation off the world loop.
//
// Requests and results are plain values passed over channels. Each worker
// goroutine owns its own noise field and generator built from the pool seed, so
// nothing mutable is shared with the caller.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alarti/epsilon/internal/sim/terrain/gen"
	"github.com/alarti/epsilon/internal/sim/terrain/noise"
)

// ErrWorkerUnavailable is returned when a request cannot be handed to the pool:
// the pool failed to start, was stopped, or its queue is full.
var ErrWorkerUnavailable = errors.New("generation worker unavailable")

type Request struct {
	Key    gen.ChunkKey
	Params gen.Params
}

// Result carries either Heights or Err. OffsetX/OffsetZ are copied from the
// request unchanged.
type Result struct {
	Key     gen.ChunkKey
	OffsetX float64
	OffsetZ float64
	Heights []float64
	Err     error
	Elapsed time.Duration
}

// GenerationError tags a worker-side failure with the chunk it belongs to.
type GenerationError struct {
	Key gen.ChunkKey
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate chunk %s: %v", e.Key, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

type Config struct {
	Seed      int64
	Workers   int
	QueueSize int

	Logger *log.Logger
	Debug  bool
}

type Stats struct {
	Workers       int    `json:"workers"`
	Alive         int    `json:"alive"`
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	Submitted     uint64 `json:"submitted"`
	Rejected      uint64 `json:"rejected"`
	Completed     uint64 `json:"completed"`
	Failed        uint64 `json:"failed"`
}

type generateFunc func(g *gen.Generator, p gen.Params) ([]float64, error)

type Pool struct {
	cfg Config
	log *log.Logger

	reqs    chan Request
	results chan Result

	generate generateFunc

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	closed    atomic.Bool
	alive     atomic.Int32
	submitted atomic.Uint64
	rejected  atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
}

// Start launches cfg.Workers goroutines. The pool stops when ctx is done or
// Close is called; Results is closed once every worker has exited.
func Start(ctx context.Context, cfg Config) (*Pool, error) {
	p, err := newPool(cfg)
	if err != nil {
		return nil, err
	}
	p.start(ctx)
	return p, nil
}

func newPool(cfg Config) (*Pool, error) {
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("%w: workers=%d", ErrWorkerUnavailable, cfg.Workers)
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Pool{
		cfg:      cfg,
		log:      logger,
		reqs:     make(chan Request, cfg.QueueSize),
		results:  make(chan Result, cfg.QueueSize+cfg.Workers),
		generate: (*gen.Generator).Generate,
	}, nil
}

func (p *Pool) start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.alive.Store(int32(p.cfg.Workers))
	p.wg.Add(p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		go p.loop(ctx, i+1)
	}
	go func() {
		p.wg.Wait()
		p.closed.Store(true)
		close(p.results)
	}()
}

// Submit enqueues req without blocking.
func (p *Pool) Submit(req Request) error {
	if p == nil || p.closed.Load() || p.alive.Load() == 0 {
		return fmt.Errorf("%w: chunk %s", ErrWorkerUnavailable, req.Key)
	}
	select {
	case p.reqs <- req:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return fmt.Errorf("%w: queue full (%d), chunk %s", ErrWorkerUnavailable, cap(p.reqs), req.Key)
	}
}

func (p *Pool) Results() <-chan Result { return p.results }

// Close stops the workers. Queued requests are abandoned.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.closed.Store(true)
		if p.cancel != nil {
			p.cancel()
		}
	})
	p.wg.Wait()
}

func (p *Pool) Stats() Stats {
	return Stats{
		Workers:       p.cfg.Workers,
		Alive:         int(p.alive.Load()),
		QueueDepth:    len(p.reqs),
		QueueCapacity: cap(p.reqs),
		Submitted:     p.submitted.Load(),
		Rejected:      p.rejected.Load(),
		Completed:     p.completed.Load(),
		Failed:        p.failed.Load(),
	}
}

func (p *Pool) loop(ctx context.Context, id int) {
	defer p.wg.Done()
	defer p.alive.Add(-1)

	g := gen.NewGenerator(noise.New(p.cfg.Seed))
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-p.reqs:
			res := p.run(g, id, req)
			select {
			case p.results <- res:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *Pool) run(g *gen.Generator, id int, req Request) (res Result) {
	start := time.Now()
	res = Result{Key: req.Key, OffsetX: req.Params.OffsetX, OffsetZ: req.Params.OffsetZ}
	defer func() {
		if r := recover(); r != nil {
			res.Heights = nil
			res.Err = &GenerationError{Key: req.Key, Err: fmt.Errorf("panic: %v", r)}
		}
		res.Elapsed = time.Since(start)
		if res.Err != nil {
			p.failed.Add(1)
			p.log.Printf("worker %d: chunk %s failed: %v", id, req.Key, res.Err)
			return
		}
		p.completed.Add(1)
		if p.cfg.Debug {
			p.log.Printf("worker %d: chunk %s done (%d samples, %s)", id, req.Key, len(res.Heights), res.Elapsed)
		}
	}()

	if p.cfg.Debug {
		p.log.Printf("worker %d: chunk %s received (segments=%d offset=%.1f,%.1f)",
			id, req.Key, req.Params.Segments, req.Params.OffsetX, req.Params.OffsetZ)
	}
	heights, err := p.generate(g, req.Params)
	if err != nil {
		res.Err = &GenerationError{Key: req.Key, Err: err}
		return res
	}
	res.Heights = heights
	return res
}
