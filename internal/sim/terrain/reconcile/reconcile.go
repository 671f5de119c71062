// Package reconcile turns a flat height sample array into the two views the
// world needs: a render mesh and a static collision height field that occupy
// exactly the same world footprint.
//
// Sample layout is row-major: row i runs along +Z, column j along +X.
// The collision grid is indexed [x][z], so it is the transpose of the row grid.
package reconcile

import (
	"errors"
	"fmt"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/alarti/epsilon/internal/sim/terrain/gen"
)

// ErrReconciliationMismatch means the sample array does not describe the
// geometry it was paired with. It is never fixed up by truncation or padding.
var ErrReconciliationMismatch = errors.New("height field reconciliation mismatch")

// Mesh is a grid surface in local space; Center places it in the world.
type Mesh struct {
	Key      gen.ChunkKey
	Segments int
	Width    float64
	Height   float64
	Center   mgl64.Vec3

	Vertices []mgl64.Vec3
	Normals  []mgl64.Vec3
	Indices  []uint32
}

// Collider is a static height field. Heights[x][z] sits at
// Corner + (x*ElementSize, Heights[x][z], z*ElementSize).
type Collider struct {
	Key         gen.ChunkKey
	Heights     [][]float64
	ElementSize float64
	Corner      mgl64.Vec3
}

type Surface struct {
	Mesh     Mesh
	Collider Collider
}

// Reshape splits samples into segments+1 rows of segments+1 values.
func Reshape(samples []float64, segments int) ([][]float64, error) {
	if segments < 1 {
		return nil, fmt.Errorf("%w: segments=%d", ErrReconciliationMismatch, segments)
	}
	n := segments + 1
	if len(samples) != n*n {
		return nil, fmt.Errorf("%w: got %d samples, want %d for %d segments", ErrReconciliationMismatch, len(samples), n*n, segments)
	}
	rows := make([][]float64, n)
	for i := 0; i < n; i++ {
		row := make([]float64, n)
		copy(row, samples[i*n:(i+1)*n])
		rows[i] = row
	}
	return rows, nil
}

// Transpose returns out with out[j][i] == grid[i][j]. grid must be rectangular.
func Transpose(grid [][]float64) [][]float64 {
	if len(grid) == 0 {
		return nil
	}
	rows, cols := len(grid), len(grid[0])
	out := make([][]float64, cols)
	for j := 0; j < cols; j++ {
		out[j] = make([]float64, rows)
		for i := 0; i < rows; i++ {
			out[j][i] = grid[i][j]
		}
	}
	return out
}

func BuildMesh(key gen.ChunkKey, p gen.Params, samples []float64) (Mesh, error) {
	if err := p.Validate(); err != nil {
		return Mesh{}, err
	}
	n := p.Segments + 1
	if len(samples) != n*n {
		return Mesh{}, fmt.Errorf("%w: got %d samples, want %d for %d segments", ErrReconciliationMismatch, len(samples), n*n, p.Segments)
	}
	seg := float64(p.Segments)
	verts := make([]mgl64.Vec3, 0, n*n)
	for i := 0; i < n; i++ {
		z := -p.Height/2 + float64(i)*p.Height/seg
		for j := 0; j < n; j++ {
			x := -p.Width/2 + float64(j)*p.Width/seg
			verts = append(verts, mgl64.Vec3{x, samples[i*n+j], z})
		}
	}
	idx := GridIndices(p.Segments)
	return Mesh{
		Key:      key,
		Segments: p.Segments,
		Width:    p.Width,
		Height:   p.Height,
		Center:   mgl64.Vec3{p.OffsetX, 0, p.OffsetZ},
		Vertices: verts,
		Normals:  ComputeNormals(verts, idx),
		Indices:  idx,
	}, nil
}

func BuildCollider(key gen.ChunkKey, p gen.Params, samples []float64) (Collider, error) {
	if err := p.Validate(); err != nil {
		return Collider{}, err
	}
	if p.Width != p.Height {
		return Collider{}, fmt.Errorf("%w: non-square chunk %vx%v", ErrReconciliationMismatch, p.Width, p.Height)
	}
	rows, err := Reshape(samples, p.Segments)
	if err != nil {
		return Collider{}, err
	}
	return Collider{
		Key:         key,
		Heights:     Transpose(rows),
		ElementSize: p.Width / float64(p.Segments),
		Corner:      mgl64.Vec3{p.OffsetX - p.Width/2, 0, p.OffsetZ - p.Height/2},
	}, nil
}

// Reconcile builds the mesh and collider for one chunk from the same samples.
func Reconcile(key gen.ChunkKey, p gen.Params, samples []float64) (Surface, error) {
	col, err := BuildCollider(key, p, samples)
	if err != nil {
		return Surface{}, fmt.Errorf("chunk %s: %w", key, err)
	}
	mesh, err := BuildMesh(key, p, samples)
	if err != nil {
		return Surface{}, fmt.Errorf("chunk %s: %w", key, err)
	}
	return Surface{Mesh: mesh, Collider: col}, nil
}

// GridIndices returns two counter-clockwise (seen from +Y) triangles per cell.
func GridIndices(segments int) []uint32 {
	n := uint32(segments + 1)
	out := make([]uint32, 0, segments*segments*6)
	for i := uint32(0); i < uint32(segments); i++ {
		for j := uint32(0); j < uint32(segments); j++ {
			a := i*n + j
			b := a + 1
			c := a + n
			d := c + 1
			out = append(out, a, c, b, b, c, d)
		}
	}
	return out
}

// ComputeNormals accumulates unnormalised face normals, so larger triangles
// weigh more. Vertices with no faces get +Y.
func ComputeNormals(verts []mgl64.Vec3, indices []uint32) []mgl64.Vec3 {
	acc := make([]mgl64.Vec3, len(verts))
	for t := 0; t+2 < len(indices); t += 3 {
		a, b, c := indices[t], indices[t+1], indices[t+2]
		if int(a) >= len(verts) || int(b) >= len(verts) || int(c) >= len(verts) {
			continue
		}
		face := verts[b].Sub(verts[a]).Cross(verts[c].Sub(verts[a]))
		acc[a] = acc[a].Add(face)
		acc[b] = acc[b].Add(face)
		acc[c] = acc[c].Add(face)
	}
	for i, n := range acc {
		if n.Len() == 0 {
			acc[i] = mgl64.Vec3{0, 1, 0}
			continue
		}
		acc[i] = n.Normalize()
	}
	return acc
}

// WorldVertex returns vertex k of m in world space.
func (m Mesh) WorldVertex(k int) mgl64.Vec3 {
	return m.Center.Add(m.Vertices[k])
}

// Point returns the world position of collider sample [x][z].
func (c Collider) Point(x, z int) mgl64.Vec3 {
	return c.Corner.Add(mgl64.Vec3{float64(x) * c.ElementSize, c.Heights[x][z], float64(z) * c.ElementSize})
}

// Extent is the world-space length of one collider side.
func (c Collider) Extent() float64 {
	if len(c.Heights) == 0 {
		return 0
	}
	return float64(len(c.Heights)-1) * c.ElementSize
}
