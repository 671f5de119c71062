package gen

import (
	"errors"
	"fmt"
	"math"

	"github.com/alarti/epsilon/internal/sim/terrain/noise"
)

// ErrInvalidParameters marks a request that cannot be sampled (segments < 1,
// non-positive size, non-finite scale/amplitude/offset).
var ErrInvalidParameters = errors.New("invalid generation parameters")

// ChunkKey identifies a chunk's grid cell. It is the only key used for chunk
// existence; offsets are derived from it, never the other way around.
type ChunkKey struct {
	CX int `json:"cx"`
	CZ int `json:"cz"`
}

func (k ChunkKey) String() string { return fmt.Sprintf("%d_%d", k.CX, k.CZ) }

// Params fully determines a chunk's height samples for a given seed.
type Params struct {
	Width     float64 `json:"width"`
	Height    float64 `json:"height"`
	Segments  int     `json:"segments"`
	Scale     float64 `json:"scale"`
	Amplitude float64 `json:"amplitude"`
	OffsetX   float64 `json:"offset_x"`
	OffsetZ   float64 `json:"offset_z"`
}

// ParamsFor returns p positioned at chunk k (offset = index * chunk size).
func (p Params) ParamsFor(k ChunkKey) Params {
	p.OffsetX = float64(k.CX) * p.Width
	p.OffsetZ = float64(k.CZ) * p.Height
	return p
}

// SampleCount is (segments+1)^2.
func (p Params) SampleCount() int {
	return (p.Segments + 1) * (p.Segments + 1)
}

func (p Params) Validate() error {
	if p.Segments < 1 {
		return fmt.Errorf("%w: segments=%d (need >= 1)", ErrInvalidParameters, p.Segments)
	}
	if !finite(p.Width) || p.Width <= 0 {
		return fmt.Errorf("%w: width=%v", ErrInvalidParameters, p.Width)
	}
	if !finite(p.Height) || p.Height <= 0 {
		return fmt.Errorf("%w: height=%v", ErrInvalidParameters, p.Height)
	}
	if !finite(p.Scale) {
		return fmt.Errorf("%w: scale=%v", ErrInvalidParameters, p.Scale)
	}
	if !finite(p.Amplitude) {
		return fmt.Errorf("%w: amplitude=%v", ErrInvalidParameters, p.Amplitude)
	}
	if !finite(p.OffsetX) || !finite(p.OffsetZ) {
		return fmt.Errorf("%w: offset=(%v,%v)", ErrInvalidParameters, p.OffsetX, p.OffsetZ)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Generator samples a noise field over a chunk's footprint.
type Generator struct {
	field *noise.Field
}

func NewGenerator(field *noise.Field) *Generator {
	return &Generator{field: field}
}

// Generate returns (segments+1)^2 samples in row-major order: row i walks the Z
// axis from OffsetZ, column j walks the X axis from OffsetX.
func (g *Generator) Generate(p Params) ([]float64, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	n := p.Segments + 1
	segs := float64(p.Segments)
	out := make([]float64, n*n)

	idx := 0
	for i := 0; i <= p.Segments; i++ {
		// i*height is formed before dividing so the last row of one chunk and the
		// first row of the next land on the same world coordinate.
		wz := p.OffsetZ + float64(i)*p.Height/segs
		for j := 0; j <= p.Segments; j++ {
			wx := p.OffsetX + float64(j)*p.Width/segs
			out[idx] = g.field.Sample(wx*p.Scale, wz*p.Scale) * p.Amplitude
			idx++
		}
	}
	return out, nil
}
