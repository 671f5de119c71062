// Package scene is a headless render scene: it keeps surface meshes by handle
// and tells a listener when one is added. Not safe for concurrent use; the
// world loop owns it.
package scene

import (
	"errors"
	"fmt"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/alarti/epsilon/internal/sim/terrain/reconcile"
)

var (
	ErrUnknownMesh = errors.New("unknown mesh")
	ErrBadMesh     = errors.New("malformed surface mesh")
)

type MeshHandle uint64

// Listener is called once per mesh when it enters the scene.
type Listener func(h MeshHandle, m reconcile.Mesh)

type entry struct {
	mesh    reconcile.Mesh
	inScene bool
}

type Scene struct {
	next     MeshHandle
	meshes   map[MeshHandle]*entry
	order    []MeshHandle
	listener Listener
}

func New() *Scene {
	return &Scene{meshes: map[MeshHandle]*entry{}}
}

func (s *Scene) SetListener(fn Listener) { s.listener = fn }

// CreateSurfaceMesh registers m without adding it to the scene. Normals are
// left empty until ComputeVertexNormals.
func (s *Scene) CreateSurfaceMesh(m reconcile.Mesh) (MeshHandle, error) {
	n := m.Segments + 1
	if m.Segments < 1 || len(m.Vertices) != n*n {
		return 0, fmt.Errorf("%w: %d vertices for %d segments", ErrBadMesh, len(m.Vertices), m.Segments)
	}
	if len(m.Indices) == 0 {
		m.Indices = reconcile.GridIndices(m.Segments)
	}
	for _, ix := range m.Indices {
		if int(ix) >= len(m.Vertices) {
			return 0, fmt.Errorf("%w: index %d out of range", ErrBadMesh, ix)
		}
	}
	m.Vertices = append([]mgl64.Vec3(nil), m.Vertices...)
	m.Indices = append([]uint32(nil), m.Indices...)
	m.Normals = nil
	s.next++
	s.meshes[s.next] = &entry{mesh: m}
	return s.next, nil
}

func (s *Scene) ComputeVertexNormals(h MeshHandle) error {
	e, ok := s.meshes[h]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownMesh, h)
	}
	e.mesh.Normals = reconcile.ComputeNormals(e.mesh.Vertices, e.mesh.Indices)
	return nil
}

// AddToScene is a no-op for a mesh that is already in the scene.
func (s *Scene) AddToScene(h MeshHandle) error {
	e, ok := s.meshes[h]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownMesh, h)
	}
	if e.inScene {
		return nil
	}
	e.inScene = true
	s.order = append(s.order, h)
	if s.listener != nil {
		s.listener(h, e.mesh)
	}
	return nil
}

func (s *Scene) Mesh(h MeshHandle) (reconcile.Mesh, bool) {
	e, ok := s.meshes[h]
	if !ok {
		return reconcile.Mesh{}, false
	}
	return e.mesh, true
}

// Visible returns the handles in the scene in insertion order.
func (s *Scene) Visible() []MeshHandle {
	return append([]MeshHandle(nil), s.order...)
}

// Len counts created meshes, including ones not yet in the scene.
func (s *Scene) Len() int { return len(s.meshes) }
