// Package physics is a headless static-collision world holding height-field
// bodies. It answers ground height queries so terrain colliders can be
// checked against the render surface. Not safe for concurrent use.
package physics

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/alarti/epsilon/internal/sim/terrain/reconcile"
)

var (
	ErrUnknownBody = errors.New("unknown body")
	ErrBadShape    = errors.New("malformed height field")
)

type BodyHandle uint64

type Body struct {
	Shape   reconcile.Collider
	InWorld bool
}

type World struct {
	next   BodyHandle
	bodies map[BodyHandle]*Body
}

func New() *World {
	return &World{bodies: map[BodyHandle]*Body{}}
}

// CreateStaticHeightFieldBody builds a body that is not yet part of the world.
// Heights must be at least 2x2 and rectangular.
func (w *World) CreateStaticHeightFieldBody(c reconcile.Collider) (BodyHandle, error) {
	if len(c.Heights) < 2 {
		return 0, fmt.Errorf("%w: %d columns", ErrBadShape, len(c.Heights))
	}
	rows := len(c.Heights[0])
	if rows < 2 {
		return 0, fmt.Errorf("%w: %d rows", ErrBadShape, rows)
	}
	heights := make([][]float64, len(c.Heights))
	for x, col := range c.Heights {
		if len(col) != rows {
			return 0, fmt.Errorf("%w: column %d has %d rows, want %d", ErrBadShape, x, len(col), rows)
		}
		heights[x] = append([]float64(nil), col...)
	}
	if !(c.ElementSize > 0) || math.IsInf(c.ElementSize, 0) {
		return 0, fmt.Errorf("%w: element size %v", ErrBadShape, c.ElementSize)
	}
	c.Heights = heights
	w.next++
	w.bodies[w.next] = &Body{Shape: c}
	return w.next, nil
}

func (w *World) AddToWorld(h BodyHandle) error {
	b, ok := w.bodies[h]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownBody, h)
	}
	b.InWorld = true
	return nil
}

// RemoveFromWorld discards the body. Unknown handles are ignored.
func (w *World) RemoveFromWorld(h BodyHandle) {
	delete(w.bodies, h)
}

func (w *World) Body(h BodyHandle) (Body, bool) {
	b, ok := w.bodies[h]
	if !ok {
		return Body{}, false
	}
	return *b, true
}

// Active counts bodies that were added to the world.
func (w *World) Active() int {
	n := 0
	for _, b := range w.bodies {
		if b.InWorld {
			n++
		}
	}
	return n
}

// HeightAt interpolates the ground height at world (x, z) from whichever
// active body covers the point. ok is false outside every body.
func (w *World) HeightAt(x, z float64) (h float64, ok bool) {
	for _, b := range w.bodies {
		if !b.InWorld {
			continue
		}
		if h, ok := sample(b.Shape, x, z); ok {
			return h, true
		}
	}
	return 0, false
}

// Raycast drops a vertical ray at (x, z) and returns the hit point.
func (w *World) Raycast(x, z float64) (mgl64.Vec3, bool) {
	h, ok := w.HeightAt(x, z)
	if !ok {
		return mgl64.Vec3{}, false
	}
	return mgl64.Vec3{x, h, z}, true
}

func sample(c reconcile.Collider, x, z float64) (float64, bool) {
	nx, nz := len(c.Heights), len(c.Heights[0])
	fx := (x - c.Corner.X()) / c.ElementSize
	fz := (z - c.Corner.Z()) / c.ElementSize
	const eps = 1e-9
	if math.IsNaN(fx) || math.IsNaN(fz) {
		return 0, false
	}
	if fx < -eps || fz < -eps || fx > float64(nx-1)+eps || fz > float64(nz-1)+eps {
		return 0, false
	}
	ix := clampCell(int(math.Floor(fx)), nx)
	iz := clampCell(int(math.Floor(fz)), nz)
	tx := mgl64.Clamp(fx-float64(ix), 0, 1)
	tz := mgl64.Clamp(fz-float64(iz), 0, 1)

	h00 := c.Heights[ix][iz]
	h10 := c.Heights[ix+1][iz]
	h01 := c.Heights[ix][iz+1]
	h11 := c.Heights[ix+1][iz+1]
	a := h00*(1-tx) + h10*tx
	b := h01*(1-tx) + h11*tx
	return a*(1-tz) + b*tz, true
}

func clampCell(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n-2 {
		return n - 2
	}
	return i
}
