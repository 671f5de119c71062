package world

import (
	"encoding/json"
	"errors"

	"github.com/alarti/epsilon/internal/observerproto"
	"github.com/alarti/epsilon/internal/sim/encoding"
	"github.com/alarti/epsilon/internal/sim/terrain/gen"
	"github.com/alarti/epsilon/internal/sim/terrain/reconcile"
	"github.com/alarti/epsilon/internal/sim/terrain/worker"
)

// ObserverJoinRequest registers a read-only observer session. The session
// receives CHUNK_MESH for every ready chunk inside its window, CHUNK_ERROR for
// failures inside it, and a TICK message per tick.
//
// All observer state is maintained by the world loop goroutine.
type ObserverJoinRequest struct {
	SessionID string
	Out       chan []byte

	Focus       WorldPosition
	ChunkRadius int
	MaxChunks   int
}

type observerClient struct {
	id  string
	out chan []byte

	center    ChunkKey
	radius    int
	maxChunks int

	sent     map[ChunkKey]struct{}
	caughtUp bool
}

// Per observer per tick.
const maxChunkSendsPerTick = 64

func (o *observerClient) inWindow(k ChunkKey) bool {
	return abs(k.CX-o.center.CX) <= o.radius && abs(k.CZ-o.center.CZ) <= o.radius
}

func (w *World) handleObserverJoin(req ObserverJoinRequest) {
	if req.SessionID == "" || req.Out == nil {
		return
	}
	center, err := w.chunks.ChunkAt(req.Focus)
	if err != nil {
		w.log.Printf("observer %s rejected: %v", req.SessionID, err)
		close(req.Out)
		return
	}
	// Replace existing session id if any.
	if old := w.observers[req.SessionID]; old != nil {
		close(old.out)
	}
	o := &observerClient{
		id:        req.SessionID,
		out:       req.Out,
		center:    center,
		radius:    clampRadius(req.ChunkRadius),
		maxChunks: clampInt(req.MaxChunks, 1, 16384, 1024),
		sent:      map[ChunkKey]struct{}{},
	}
	w.observers[req.SessionID] = o
	w.handleFocus(FocusRequest{SessionID: req.SessionID, Center: req.Focus, Radius: o.radius})
}

func (w *World) handleObserverLeave(id string) {
	delete(w.observers, id)
	delete(w.foci, id)
}

// moveObserver keeps an observer's window in step with its focus.
func (w *World) moveObserver(id string, center ChunkKey, radius int) {
	o := w.observers[id]
	if o == nil {
		return
	}
	o.center = center
	o.radius = radius
	o.caughtUp = false
}

func (w *World) streamObservers(nowTick uint64) {
	fresh := w.fresh
	w.fresh = w.fresh[:0]
	if len(w.observers) == 0 {
		return
	}
	st := w.chunks.Stats()
	tickMsg, _ := json.Marshal(observerproto.TickMsg{
		Type:            observerproto.TypeTick,
		ProtocolVersion: observerproto.Version,
		Tick:            nowTick,
		LoadedChunks:    st.Ready,
		PendingChunks:   st.Pending,
	})

	for _, o := range w.observers {
		budget := maxChunkSendsPerTick
		for _, k := range fresh {
			if budget == 0 {
				o.caughtUp = false
				break
			}
			if !o.inWindow(k) {
				continue
			}
			if !w.sendChunk(o, k) {
				o.caughtUp = false
				break
			}
			budget--
		}
		if !o.caughtUp && budget > 0 {
			o.caughtUp = true
			forEachRing(o.center, o.radius, func(k ChunkKey) bool {
				if _, ok := o.sent[k]; ok {
					return true
				}
				if w.chunks.State(k) != Ready {
					return true
				}
				if budget == 0 || !w.sendChunk(o, k) {
					o.caughtUp = false
					return false
				}
				budget--
				return true
			})
		}
		trySend(o.out, tickMsg)
	}
}

// sendChunk reports false when the observer cannot take more data right now.
func (w *World) sendChunk(o *observerClient, k ChunkKey) bool {
	if _, ok := o.sent[k]; ok {
		return true
	}
	if len(o.sent) >= o.maxChunks {
		return false
	}
	b := w.meshMsg(k)
	if b == nil {
		return true
	}
	if !trySend(o.out, b) {
		return false
	}
	o.sent[k] = struct{}{}
	return true
}

func (w *World) meshMsg(k ChunkKey) []byte {
	if b, ok := w.meshMsgs[k]; ok {
		return b
	}
	c, ok := w.chunks.Chunk(k)
	if !ok {
		return nil
	}
	heights, err := encoding.EncodeHeights(flatten(c.Surface.Mesh))
	if err != nil {
		w.log.Printf("chunk %s: encode heights: %v", k, err)
		return nil
	}
	b, err := json.Marshal(observerproto.ChunkMeshMsg{
		Type:            observerproto.TypeChunkMesh,
		ProtocolVersion: observerproto.Version,
		Tick:            w.tick.Load(),
		CX:              k.CX,
		CZ:              k.CZ,
		Center:          [3]float64(c.Surface.Mesh.Center),
		Width:           c.Params.Width,
		Height:          c.Params.Height,
		Segments:        c.Params.Segments,
		MinY:            c.MinY,
		MaxY:            c.MaxY,
		Encoding:        encoding.HeightsEncoding,
		Heights:         heights,
	})
	if err != nil {
		return nil
	}
	w.meshMsgs[k] = b
	return b
}

// flatten reads vertex heights back in sample order.
func flatten(m reconcile.Mesh) []float64 {
	out := make([]float64, len(m.Vertices))
	for i, v := range m.Vertices {
		out[i] = v.Y()
	}
	return out
}

func (w *World) broadcastChunkError(nowTick uint64, k ChunkKey, code string, err error) {
	if len(w.observers) == 0 {
		return
	}
	b, _ := json.Marshal(observerproto.ChunkErrorMsg{
		Type:            observerproto.TypeChunkError,
		ProtocolVersion: observerproto.Version,
		Tick:            nowTick,
		CX:              k.CX,
		CZ:              k.CZ,
		Code:            code,
		Message:         err.Error(),
	})
	for _, o := range w.observers {
		if o.inWindow(k) {
			trySend(o.out, b)
		}
	}
}

// ErrorCode maps a chunk failure to its observer protocol code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, gen.ErrInvalidParameters):
		return observerproto.ErrInvalidParams
	case errors.Is(err, worker.ErrWorkerUnavailable):
		return observerproto.ErrWorkerUnavailable
	case errors.Is(err, reconcile.ErrReconciliationMismatch):
		return observerproto.ErrReconcileMismatch
	default:
		return observerproto.ErrInternal
	}
}

func trySend(ch chan []byte, b []byte) bool {
	select {
	case ch <- b:
		return true
	default:
		return false
	}
}

func clampInt(v, lo, hi, def int) int {
	if v == 0 {
		v = def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampRadius(r int) int {
	if r < 0 {
		return 0
	}
	if r > 32 {
		return 32
	}
	return r
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
