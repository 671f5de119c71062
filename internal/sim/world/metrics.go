package world

import (
	"time"

	"github.com/alarti/epsilon/internal/sim/terrain/worker"
)

// WorldMetrics is a thread-safe read-only view of key world runtime signals.
// It is updated from the world loop goroutine and read from HTTP handlers/tests.
type WorldMetrics struct {
	Tick  uint64 `json:"tick"`
	RunID string `json:"run_id"`

	LoadedChunks   int    `json:"loaded_chunks"`
	PendingChunks  int    `json:"pending_chunks"`
	RequestsIssued uint64 `json:"requests_issued"`
	FailedChunks   uint64 `json:"failed_chunks"`
	StaleResults   uint64 `json:"stale_results"`
	Observers      int    `json:"observers"`
	Foci           int    `json:"foci"`
	SceneMeshes    int    `json:"scene_meshes"`
	PhysicsBodies  int    `json:"physics_bodies"`

	Worker      worker.Stats `json:"worker"`
	QueueDepths QueueDepths  `json:"queue_depths"`

	StepMS float64 `json:"step_ms"`
}

type QueueDepths struct {
	Focus         int `json:"focus"`
	ObserverJoin  int `json:"observer_join"`
	ObserverLeave int `json:"observer_leave"`
	Height        int `json:"height"`
}

func (w *World) Metrics() WorldMetrics {
	if w == nil {
		return WorldMetrics{}
	}
	m, _ := w.metrics.Load().(WorldMetrics)
	return m
}

func (w *World) publishMetrics(nowTick uint64, took time.Duration) {
	st := w.chunks.Stats()
	m := WorldMetrics{
		Tick:           nowTick,
		RunID:          w.runID,
		LoadedChunks:   st.Ready,
		PendingChunks:  st.Pending,
		RequestsIssued: st.Issued,
		FailedChunks:   st.Failed,
		StaleResults:   st.Stale,
		Observers:      len(w.observers),
		Foci:           len(w.foci),
		SceneMeshes:    len(w.scene.Visible()),
		PhysicsBodies:  w.physics.Active(),
		QueueDepths: QueueDepths{
			Focus:         len(w.focusCh),
			ObserverJoin:  len(w.observerJoin),
			ObserverLeave: len(w.observerLeave),
			Height:        len(w.heightCh),
		},
		StepMS: float64(took.Microseconds()) / 1000,
	}
	if w.pool != nil {
		m.Worker = w.pool.Stats()
	}
	w.metrics.Store(m)
}
