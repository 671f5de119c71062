package world

import (
	"errors"
	"fmt"
	"io"
	"log"
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/alarti/epsilon/internal/engine/physics"
	"github.com/alarti/epsilon/internal/engine/scene"
	"github.com/alarti/epsilon/internal/sim/terrain/gen"
	"github.com/alarti/epsilon/internal/sim/terrain/reconcile"
	"github.com/alarti/epsilon/internal/sim/terrain/worker"
)

type ChunkKey = gen.ChunkKey

// WorldPosition is a point in world space; only X and Z pick chunks.
type WorldPosition = mgl64.Vec3

type ChunkState uint8

const (
	Unrequested ChunkState = iota
	Pending
	Ready
)

func (s ChunkState) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Ready:
		return "READY"
	default:
		return "UNREQUESTED"
	}
}

// Dispatcher accepts generation requests without blocking.
type Dispatcher interface {
	Submit(req worker.Request) error
}

type Renderer interface {
	CreateSurfaceMesh(m reconcile.Mesh) (scene.MeshHandle, error)
	ComputeVertexNormals(h scene.MeshHandle) error
	AddToScene(h scene.MeshHandle) error
}

type Physics interface {
	CreateStaticHeightFieldBody(c reconcile.Collider) (physics.BodyHandle, error)
	AddToWorld(h physics.BodyHandle) error
	RemoveFromWorld(h physics.BodyHandle)
}

// Chunk is a fully built terrain tile. It is immutable once stored.
type Chunk struct {
	Key     ChunkKey
	Params  gen.Params
	Mesh    scene.MeshHandle
	Body    physics.BodyHandle
	Surface reconcile.Surface
	MinY    float64
	MaxY    float64
}

type ChunkManagerConfig struct {
	// Params is the per-chunk template; offsets are filled in from the key.
	Params gen.Params

	// MaxIssuePerCall caps requests issued by one EnsureChunksAround call.
	// Zero means no cap.
	MaxIssuePerCall int

	Dispatcher Dispatcher
	Renderer   Renderer
	Physics    Physics
	Logger     *log.Logger

	OnReady  func(c *Chunk)
	OnFailed func(key ChunkKey, err error)
}

type ChunkManagerStats struct {
	Ready   int    `json:"ready"`
	Pending int    `json:"pending"`
	Issued  uint64 `json:"issued"`
	Failed  uint64 `json:"failed"`
	Stale   uint64 `json:"stale"`
}

// ChunkManager owns the pending set and the chunk table.
// It must only be used from the world loop goroutine.
type ChunkManager struct {
	cfg ChunkManagerConfig
	log *log.Logger

	pending map[ChunkKey]struct{}
	chunks  map[ChunkKey]*Chunk

	issued uint64
	failed uint64
	stale  uint64
}

func NewChunkManager(cfg ChunkManagerConfig) (*ChunkManager, error) {
	if cfg.Dispatcher == nil || cfg.Renderer == nil || cfg.Physics == nil {
		return nil, errors.New("chunk manager: dispatcher, renderer and physics are required")
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, fmt.Errorf("chunk manager: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &ChunkManager{
		cfg:     cfg,
		log:     logger,
		pending: map[ChunkKey]struct{}{},
		chunks:  map[ChunkKey]*Chunk{},
	}, nil
}

// ErrPositionOutOfRange marks a position whose chunk index is not finite or
// lies beyond MaxChunkIndex.
var ErrPositionOutOfRange = errors.New("position out of range")

// MaxChunkIndex bounds |CX| and |CZ|. Ring walks and window checks add at most
// a radius to an index, which must not overflow int on any platform.
const MaxChunkIndex = 1 << 29

// ChunkAtPosition maps a world position to the chunk containing it.
func ChunkAtPosition(p gen.Params, pos WorldPosition) (ChunkKey, error) {
	fx := math.Floor(pos.X() / p.Width)
	fz := math.Floor(pos.Z() / p.Height)
	if !inChunkRange(fx) || !inChunkRange(fz) {
		return ChunkKey{}, fmt.Errorf("%w: (%v, %v)", ErrPositionOutOfRange, pos.X(), pos.Z())
	}
	return ChunkKey{CX: int(fx), CZ: int(fz)}, nil
}

// inChunkRange is false for NaN as well.
func inChunkRange(v float64) bool {
	return v >= -MaxChunkIndex && v <= MaxChunkIndex
}

func (m *ChunkManager) ChunkAt(pos WorldPosition) (ChunkKey, error) {
	return ChunkAtPosition(m.cfg.Params, pos)
}

// EnsureChunksAround requests every chunk within radius (Chebyshev distance)
// of center that is neither pending nor ready, nearest ring first.
//
// If the dispatcher refuses a request the coordinate stays unrequested and the
// call returns the error together with the number issued before it. A center
// outside the chunk index range issues nothing and returns
// ErrPositionOutOfRange.
func (m *ChunkManager) EnsureChunksAround(center WorldPosition, radius int) (int, error) {
	if radius < 0 {
		radius = 0
	}
	if radius > MaxChunkIndex {
		radius = MaxChunkIndex
	}
	c, err := m.ChunkAt(center)
	if err != nil {
		return 0, err
	}
	issued := 0
	forEachRing(c, radius, func(k ChunkKey) bool {
		if m.cfg.MaxIssuePerCall > 0 && issued >= m.cfg.MaxIssuePerCall {
			return false
		}
		ok, e := m.request(k)
		if e != nil {
			err = e
			return !errors.Is(e, worker.ErrWorkerUnavailable)
		}
		if ok {
			issued++
		}
		return true
	})
	return issued, err
}

// request returns true if a new request was dispatched for k.
func (m *ChunkManager) request(k ChunkKey) (bool, error) {
	if _, ok := m.pending[k]; ok {
		return false, nil
	}
	if _, ok := m.chunks[k]; ok {
		return false, nil
	}
	p := m.cfg.Params.ParamsFor(k)
	if err := p.Validate(); err != nil {
		return false, fmt.Errorf("chunk %s: %w", k, err)
	}
	if err := m.cfg.Dispatcher.Submit(worker.Request{Key: k, Params: p}); err != nil {
		return false, err
	}
	m.pending[k] = struct{}{}
	m.issued++
	return true, nil
}

// HandleResult applies one worker result. Results are matched by key only.
func (m *ChunkManager) HandleResult(res worker.Result) {
	k := res.Key
	if _, ok := m.pending[k]; !ok {
		m.stale++
		m.log.Printf("chunk %s: dropping stale result (state=%s)", k, m.State(k))
		return
	}
	if res.Err != nil {
		delete(m.pending, k)
		m.fail(k, res.Err)
		return
	}
	c, err := m.build(k, res)
	delete(m.pending, k)
	if err != nil {
		m.fail(k, err)
		return
	}
	m.chunks[k] = c
	if m.cfg.OnReady != nil {
		m.cfg.OnReady(c)
	}
}

func (m *ChunkManager) fail(k ChunkKey, err error) {
	m.failed++
	m.log.Printf("chunk %s: %v", k, err)
	if m.cfg.OnFailed != nil {
		m.cfg.OnFailed(k, err)
	}
}

// build reconciles the samples and registers both views. On any error the
// physics body, if one was added, is removed again and nothing is returned.
func (m *ChunkManager) build(k ChunkKey, res worker.Result) (*Chunk, error) {
	p := m.cfg.Params
	p.OffsetX, p.OffsetZ = res.OffsetX, res.OffsetZ
	if want := m.cfg.Params.ParamsFor(k); want.OffsetX != p.OffsetX || want.OffsetZ != p.OffsetZ {
		return nil, fmt.Errorf("%w: chunk %s offsets (%v,%v) want (%v,%v)",
			reconcile.ErrReconciliationMismatch, k, p.OffsetX, p.OffsetZ, want.OffsetX, want.OffsetZ)
	}
	s, err := reconcile.Reconcile(k, p, res.Heights)
	if err != nil {
		return nil, err
	}

	mh, err := m.cfg.Renderer.CreateSurfaceMesh(s.Mesh)
	if err != nil {
		return nil, fmt.Errorf("chunk %s: create mesh: %w", k, err)
	}
	if err := m.cfg.Renderer.ComputeVertexNormals(mh); err != nil {
		return nil, fmt.Errorf("chunk %s: normals: %w", k, err)
	}
	bh, err := m.cfg.Physics.CreateStaticHeightFieldBody(s.Collider)
	if err != nil {
		return nil, fmt.Errorf("chunk %s: create body: %w", k, err)
	}
	if err := m.cfg.Physics.AddToWorld(bh); err != nil {
		m.cfg.Physics.RemoveFromWorld(bh)
		return nil, fmt.Errorf("chunk %s: add body: %w", k, err)
	}
	if err := m.cfg.Renderer.AddToScene(mh); err != nil {
		m.cfg.Physics.RemoveFromWorld(bh)
		return nil, fmt.Errorf("chunk %s: add mesh: %w", k, err)
	}

	minY, maxY := heightRange(res.Heights)
	return &Chunk{
		Key:     k,
		Params:  p,
		Mesh:    mh,
		Body:    bh,
		Surface: s,
		MinY:    minY,
		MaxY:    maxY,
	}, nil
}

// Drain applies up to max results that are already waiting, without blocking.
// max <= 0 drains everything available.
func (m *ChunkManager) Drain(results <-chan worker.Result, max int) int {
	n := 0
	for max <= 0 || n < max {
		select {
		case res, ok := <-results:
			if !ok {
				return n
			}
			m.HandleResult(res)
			n++
		default:
			return n
		}
	}
	return n
}

func (m *ChunkManager) State(k ChunkKey) ChunkState {
	if _, ok := m.chunks[k]; ok {
		return Ready
	}
	if _, ok := m.pending[k]; ok {
		return Pending
	}
	return Unrequested
}

func (m *ChunkManager) Chunk(k ChunkKey) (*Chunk, bool) {
	c, ok := m.chunks[k]
	return c, ok
}

// Chunks calls fn for every ready chunk, in no particular order.
func (m *ChunkManager) Chunks(fn func(c *Chunk)) {
	for _, c := range m.chunks {
		fn(c)
	}
}

func (m *ChunkManager) Params() gen.Params { return m.cfg.Params }

func (m *ChunkManager) Stats() ChunkManagerStats {
	return ChunkManagerStats{
		Ready:   len(m.chunks),
		Pending: len(m.pending),
		Issued:  m.issued,
		Failed:  m.failed,
		Stale:   m.stale,
	}
}

// forEachRing visits the (2r+1)^2 square around c ring by ring, walking each
// ring's perimeter. fn returns false to stop.
func forEachRing(c ChunkKey, radius int, fn func(k ChunkKey) bool) {
	if !fn(c) {
		return
	}
	for r := 1; r <= radius; r++ {
		x0, x1 := c.CX-r, c.CX+r
		z0, z1 := c.CZ-r, c.CZ+r
		for x := x0; x <= x1; x++ {
			if !fn(ChunkKey{CX: x, CZ: z0}) {
				return
			}
		}
		for z := z0 + 1; z <= z1-1; z++ {
			if !fn(ChunkKey{CX: x1, CZ: z}) {
				return
			}
		}
		for x := x1; x >= x0; x-- {
			if !fn(ChunkKey{CX: x, CZ: z1}) {
				return
			}
		}
		for z := z1 - 1; z >= z0+1; z-- {
			if !fn(ChunkKey{CX: x0, CZ: z}) {
				return
			}
		}
	}
}

func heightRange(h []float64) (lo, hi float64) {
	if len(h) == 0 {
		return 0, 0
	}
	lo, hi = h[0], h[0]
	for _, v := range h[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}
