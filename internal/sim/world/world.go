package world

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/alarti/epsilon/internal/engine/physics"
	"github.com/alarti/epsilon/internal/engine/scene"
	"github.com/alarti/epsilon/internal/sim/terrain/reconcile"
	"github.com/alarti/epsilon/internal/sim/terrain/worker"
)

// FocusRequest asks the world to keep chunks loaded around Center. A request
// with the same SessionID replaces the previous one.
type FocusRequest struct {
	SessionID string
	Center    WorldPosition
	Radius    int
}

// ChunkEvent is one line of the chunk audit trail.
type ChunkEvent struct {
	Tick    uint64  `json:"tick"`
	RunID   string  `json:"run_id"`
	CX      int     `json:"cx"`
	CZ      int     `json:"cz"`
	State   string  `json:"state"`
	Samples int     `json:"samples,omitempty"`
	MinY    float64 `json:"min_y,omitempty"`
	MaxY    float64 `json:"max_y,omitempty"`
	Code    string  `json:"code,omitempty"`
	Error   string  `json:"error,omitempty"`
}

type ChunkLogger interface {
	WriteChunk(e ChunkEvent) error
}

type chunkLoggers []ChunkLogger

func (ls chunkLoggers) WriteChunk(e ChunkEvent) error {
	var errs []error
	for _, l := range ls {
		if err := l.WriteChunk(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TeeChunkLoggers fans events out to every non-nil logger.
func TeeChunkLoggers(ls ...ChunkLogger) ChunkLogger {
	var out chunkLoggers
	for _, l := range ls {
		if l != nil {
			out = append(out, l)
		}
	}
	if len(out) == 0 {
		return nil
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

type heightReq struct {
	X, Z float64
	Resp chan heightResp
}

type heightResp struct {
	Y  float64
	OK bool
}

type focus struct {
	center WorldPosition
	radius int
}

// World is a single-threaded terrain streaming loop.
// Chunk state, the scene and the physics world are only touched from the
// world loop goroutine.
type World struct {
	cfg   WorldConfig
	log   *log.Logger
	runID string

	tick atomic.Uint64

	chunks  *ChunkManager
	scene   *scene.Scene
	physics *physics.World
	pool    *worker.Pool
	results <-chan worker.Result

	foci      map[string]focus
	dirty     bool
	needRetry bool
	retryAt   uint64

	observers map[string]*observerClient
	fresh     []ChunkKey
	meshMsgs  map[ChunkKey][]byte

	focusCh       chan FocusRequest
	observerJoin  chan ObserverJoinRequest
	observerLeave chan string
	heightCh      chan heightReq
	stop          chan struct{}
	done          chan struct{}
	doneOnce      sync.Once

	// Optional (may be nil). Implemented in internal/persistence/*.
	chunkLogger ChunkLogger

	metrics atomic.Value
}

type dispatchFunc func(req worker.Request) error

func (f dispatchFunc) Submit(req worker.Request) error { return f(req) }

func New(cfg WorldConfig, logger *log.Logger) (*World, error) {
	if cfg.TickRateHz <= 0 {
		return nil, fmt.Errorf("tick rate must be > 0 (got %d)", cfg.TickRateHz)
	}
	if cfg.RetryTicks <= 0 {
		cfg.RetryTicks = cfg.TickRateHz
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	w := &World{
		cfg:           cfg,
		log:           logger,
		runID:         uuid.NewString(),
		scene:         scene.New(),
		physics:       physics.New(),
		foci:          map[string]focus{},
		observers:     map[string]*observerClient{},
		meshMsgs:      map[ChunkKey][]byte{},
		focusCh:       make(chan FocusRequest, 256),
		observerJoin:  make(chan ObserverJoinRequest, 64),
		observerLeave: make(chan string, 64),
		heightCh:      make(chan heightReq, 64),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	m, err := NewChunkManager(ChunkManagerConfig{
		Params:          cfg.Params,
		MaxIssuePerCall: cfg.MaxIssuePerEnsure,
		Dispatcher:      dispatchFunc(w.submit),
		Renderer:        w.scene,
		Physics:         w.physics,
		Logger:          logger,
		OnReady:         w.onChunkReady,
		OnFailed:        w.onChunkFailed,
	})
	if err != nil {
		return nil, err
	}
	w.chunks = m
	if _, err := m.ChunkAt(cfg.Spawn); err != nil {
		return nil, fmt.Errorf("spawn: %w", err)
	}
	w.scene.SetListener(func(_ scene.MeshHandle, mesh reconcile.Mesh) {
		w.fresh = append(w.fresh, mesh.Key)
	})
	w.foci[spawnFocus] = focus{center: cfg.Spawn, radius: cfg.ViewRadius}
	w.dirty = true
	w.metrics.Store(WorldMetrics{})
	return w, nil
}

const spawnFocus = "spawn"

func (w *World) submit(req worker.Request) error {
	if w.pool == nil {
		return fmt.Errorf("%w: pool not started", worker.ErrWorkerUnavailable)
	}
	return w.pool.Submit(req)
}

func (w *World) SetChunkLogger(l ChunkLogger) { w.chunkLogger = l }

func (w *World) Focus() chan<- FocusRequest                { return w.focusCh }
func (w *World) ObserverJoin() chan<- ObserverJoinRequest { return w.observerJoin }
func (w *World) ObserverLeave() chan<- string             { return w.observerLeave }

// Done is closed once Run has returned.
func (w *World) Done() <-chan struct{} { return w.done }

func (w *World) CurrentTick() uint64 { return w.tick.Load() }

func (w *World) RunID() string { return w.runID }

func (w *World) Config() WorldConfig {
	if w == nil {
		return WorldConfig{}
	}
	return w.cfg
}

// QueryHeight asks the loop for the collision height at world (x, z).
func (w *World) QueryHeight(ctx context.Context, x, z float64) (float64, bool, error) {
	req := heightReq{X: x, Z: z, Resp: make(chan heightResp, 1)}
	select {
	case w.heightCh <- req:
	case <-ctx.Done():
		return 0, false, ctx.Err()
	}
	select {
	case r := <-req.Resp:
		return r.Y, r.OK, nil
	case <-ctx.Done():
		return 0, false, ctx.Err()
	}
}

func (w *World) handleHeightReq(req heightReq) {
	p, ok := w.physics.Raycast(req.X, req.Z)
	req.Resp <- heightResp{Y: p.Y(), OK: ok}
}

// handleFocus ignores a center outside the chunk index range; the previous
// focus for the session stays in place.
func (w *World) handleFocus(req FocusRequest) {
	id := req.SessionID
	if id == "" {
		id = spawnFocus
	}
	center, err := w.chunks.ChunkAt(req.Center)
	if err != nil {
		w.log.Printf("focus %s rejected: %v", id, err)
		return
	}
	radius := clampRadius(req.Radius)
	w.foci[id] = focus{center: req.Center, radius: radius}
	w.dirty = true
	w.moveObserver(req.SessionID, center, radius)
}

// ensureAll requests chunks around every focus, spawn first then by id.
func (w *World) ensureAll(nowTick uint64) {
	ids := make([]string, 0, len(w.foci))
	for id := range w.foci {
		if id != spawnFocus {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if _, ok := w.foci[spawnFocus]; ok {
		ids = append([]string{spawnFocus}, ids...)
	}

	w.dirty = false
	w.needRetry = false
	for _, id := range ids {
		f := w.foci[id]
		n, err := w.chunks.EnsureChunksAround(f.center, f.radius)
		if err != nil {
			w.log.Printf("ensure chunks (%s): issued=%d err=%v", id, n, err)
			w.needRetry = true
			w.retryAt = nowTick + uint64(w.cfg.RetryTicks)
			if errors.Is(err, worker.ErrWorkerUnavailable) {
				return
			}
		}
		if w.cfg.MaxIssuePerEnsure > 0 && n >= w.cfg.MaxIssuePerEnsure {
			w.dirty = true
		}
	}
}

func (w *World) onChunkReady(c *Chunk) {
	if w.chunkLogger == nil {
		return
	}
	_ = w.chunkLogger.WriteChunk(ChunkEvent{
		Tick:    w.tick.Load(),
		RunID:   w.runID,
		CX:      c.Key.CX,
		CZ:      c.Key.CZ,
		State:   Ready.String(),
		Samples: c.Params.SampleCount(),
		MinY:    c.MinY,
		MaxY:    c.MaxY,
	})
}

func (w *World) onChunkFailed(k ChunkKey, err error) {
	nowTick := w.tick.Load()
	code := ErrorCode(err)
	if !w.needRetry {
		w.needRetry = true
		w.retryAt = nowTick + uint64(w.cfg.RetryTicks)
	}
	w.broadcastChunkError(nowTick, k, code, err)
	if w.chunkLogger != nil {
		_ = w.chunkLogger.WriteChunk(ChunkEvent{
			Tick:  nowTick,
			RunID: w.runID,
			CX:    k.CX,
			CZ:    k.CZ,
			State: "FAILED",
			Code:  code,
			Error: err.Error(),
		})
	}
}
