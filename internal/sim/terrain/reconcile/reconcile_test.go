package reconcile

import (
	"errors"
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/alarti/epsilon/internal/sim/terrain/gen"
	"github.com/alarti/epsilon/internal/sim/terrain/noise"
)

func near(a, b float64) bool { return math.Abs(a-b) <= 1e-9 }

func TestTranspose2x2(t *testing.T) {
	got := Transpose([][]float64{{1, 2}, {3, 4}})
	want := [][]float64{{1, 3}, {2, 4}}
	for i := range want {
		for j := range want[i] {
			if got[i][j] != want[i][j] {
				t.Fatalf("out[%d][%d]=%v want=%v", i, j, got[i][j], want[i][j])
			}
		}
	}
}

func TestReshape_RowMajor(t *testing.T) {
	rows, err := Reshape([]float64{0, 1, 2, 3, 4, 5, 6, 7, 8}, 2)
	if err != nil {
		t.Fatalf("reshape: %v", err)
	}
	if len(rows) != 3 || rows[1][0] != 3 || rows[2][2] != 8 || rows[0][1] != 1 {
		t.Fatalf("rows=%v", rows)
	}
}

func TestReshape_LengthMismatch(t *testing.T) {
	for _, n := range []int{0, 8, 10} {
		_, err := Reshape(make([]float64, n), 2)
		if !errors.Is(err, ErrReconciliationMismatch) {
			t.Fatalf("len=%d: err=%v want ErrReconciliationMismatch", n, err)
		}
	}
}

func TestAlignment_CornerAndCenter(t *testing.T) {
	p := gen.Params{Width: 100, Height: 100, Segments: 2, Scale: 0.1, Amplitude: 15, OffsetX: 100, OffsetZ: 0}
	s, err := Reconcile(gen.ChunkKey{CX: 1}, p, make([]float64, 9))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if s.Collider.Corner.X() != 50 || s.Collider.Corner.Z() != -50 {
		t.Fatalf("corner=%v want x=50 z=-50", s.Collider.Corner)
	}
	if s.Mesh.Center.X() != 100 || s.Mesh.Center.Z() != 0 {
		t.Fatalf("center=%v want x=100 z=0", s.Mesh.Center)
	}
	if s.Collider.ElementSize != 50 {
		t.Fatalf("element size=%v want=50", s.Collider.ElementSize)
	}
	if s.Collider.Extent() != 100 {
		t.Fatalf("extent=%v want=100", s.Collider.Extent())
	}
}

func TestReconcile_EndToEnd(t *testing.T) {
	p := gen.Params{Width: 100, Height: 100, Segments: 2, Scale: 0.1, Amplitude: 15}
	samples, err := gen.NewGenerator(noise.New(1337)).Generate(p)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(samples) != 9 {
		t.Fatalf("samples=%d want=9", len(samples))
	}
	for i, h := range samples {
		if h < -15 || h > 15 {
			t.Fatalf("sample[%d]=%v out of [-15,15]", i, h)
		}
	}
	s, err := Reconcile(gen.ChunkKey{}, p, samples)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(s.Mesh.Vertices) != 9 || len(s.Mesh.Normals) != 9 {
		t.Fatalf("vertices=%d normals=%d want 9", len(s.Mesh.Vertices), len(s.Mesh.Normals))
	}
	if len(s.Mesh.Indices) != 2*2*6 {
		t.Fatalf("indices=%d want=24", len(s.Mesh.Indices))
	}
	if len(s.Collider.Heights) != 3 {
		t.Fatalf("collider rows=%d want=3", len(s.Collider.Heights))
	}
	for x := range s.Collider.Heights {
		if len(s.Collider.Heights[x]) != 3 {
			t.Fatalf("collider col %d len=%d want=3", x, len(s.Collider.Heights[x]))
		}
	}
}

func TestReconcile_VerticesMatchColliderPoints(t *testing.T) {
	p := gen.Params{Width: 64, Height: 64, Segments: 8, Scale: 0.05, Amplitude: 20}.ParamsFor(gen.ChunkKey{CX: -3, CZ: 2})
	samples, err := gen.NewGenerator(noise.New(7)).Generate(p)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	s, err := Reconcile(gen.ChunkKey{CX: -3, CZ: 2}, p, samples)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	n := p.Segments + 1
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			v := s.Mesh.WorldVertex(i*n + j)
			c := s.Collider.Point(j, i)
			if !near(v.X(), c.X()) || v.Y() != c.Y() || !near(v.Z(), c.Z()) {
				t.Fatalf("vertex (%d,%d)=%v collider=%v", i, j, v, c)
			}
		}
	}
}

func TestReconcile_RejectsMismatch(t *testing.T) {
	p := gen.Params{Width: 100, Height: 100, Segments: 2, Scale: 0.1, Amplitude: 15}
	if _, err := Reconcile(gen.ChunkKey{}, p, make([]float64, 8)); !errors.Is(err, ErrReconciliationMismatch) {
		t.Fatalf("short samples: err=%v", err)
	}
	p.Height = 50
	if _, err := Reconcile(gen.ChunkKey{}, p, make([]float64, 9)); !errors.Is(err, ErrReconciliationMismatch) {
		t.Fatalf("non-square: err=%v", err)
	}
	p.Height = 100
	p.Segments = 0
	if _, err := Reconcile(gen.ChunkKey{}, p, make([]float64, 1)); !errors.Is(err, gen.ErrInvalidParameters) {
		t.Fatalf("zero segments: err=%v", err)
	}
}

func TestComputeNormals_FlatPointsUp(t *testing.T) {
	p := gen.Params{Width: 10, Height: 10, Segments: 3, Scale: 1, Amplitude: 1}
	m, err := BuildMesh(gen.ChunkKey{}, p, make([]float64, 16))
	if err != nil {
		t.Fatalf("mesh: %v", err)
	}
	up := mgl64.Vec3{0, 1, 0}
	for i, n := range m.Normals {
		if !n.ApproxEqual(up) {
			t.Fatalf("normal[%d]=%v want=%v", i, n, up)
		}
	}
}

func TestComputeNormals_SlopeTiltsAway(t *testing.T) {
	// Height rises with x, so normals lean toward -X.
	p := gen.Params{Width: 2, Height: 2, Segments: 2, Scale: 1, Amplitude: 1}
	samples := []float64{0, 1, 2, 0, 1, 2, 0, 1, 2}
	m, err := BuildMesh(gen.ChunkKey{}, p, samples)
	if err != nil {
		t.Fatalf("mesh: %v", err)
	}
	for i, n := range m.Normals {
		if n.X() >= 0 || n.Y() <= 0 || !near(n.Len(), 1) {
			t.Fatalf("normal[%d]=%v", i, n)
		}
	}
}
