// Package noise provides the seeded 2D scalar field sampled by terrain generation.
//
// Values depend only on (seed, x, z). Chunks sample it in world space, which is
// what keeps shared chunk edges identical.
package noise

import (
	"math"

	opensimplex "github.com/ojrac/opensimplex-go"
)

// Field is a deterministic 2D noise function. A Field is not safe for concurrent
// use; every generation worker builds its own from the shared seed.
type Field struct {
	seed int64
	src  opensimplex.Noise
}

func New(seed int64) *Field {
	return &Field{
		seed: seed,
		src:  opensimplex.New(seed),
	}
}

func (f *Field) Seed() int64 { return f.seed }

// Sample returns the field value at (x, z), always within [-1, 1].
func (f *Field) Sample(x, z float64) float64 {
	v := f.src.Eval2(x, z)
	if math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
