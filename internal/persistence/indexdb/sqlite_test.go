package indexdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alarti/epsilon/internal/sim/terrain/gen"
	"github.com/alarti/epsilon/internal/sim/world"
)

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqChunk, chunk: world.ChunkEvent{Tick: 1}}

	_ = s.WriteChunk(world.ChunkEvent{Tick: 2})
	_ = s.WriteChunk(world.ChunkEvent{Tick: 3})

	st := s.Stats()
	if st.DropChunkTotal != 2 {
		t.Fatalf("DropChunkTotal=%d want=2", st.DropChunkTotal)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_WriteAndQuery(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "index", "world.sqlite"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer func() { _ = s.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.RecordRun(ctx, "run-1", "OVERWORLD", 1337, gen.Params{Width: 100, Height: 100, Segments: 2}); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	_ = s.WriteChunk(world.ChunkEvent{RunID: "run-1", Tick: 3, CX: 1, CZ: 2, State: "FAILED", Code: "E_INTERNAL", Error: "boom"})
	_ = s.WriteChunk(world.ChunkEvent{RunID: "run-1", Tick: 9, CX: 1, CZ: 2, State: "READY", Samples: 9, MinY: -3, MaxY: 4})
	_ = s.WriteChunk(world.ChunkEvent{RunID: "run-1", Tick: 9, CX: 0, CZ: 0, State: "READY", Samples: 9})
	if err := s.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	hist, err := s.ChunkHistory(ctx, 1, 2)
	if err != nil {
		t.Fatalf("ChunkHistory: %v", err)
	}
	if len(hist) != 2 || hist[0].State != "FAILED" || hist[1].State != "READY" || hist[1].MaxY != 4 {
		t.Fatalf("history=%+v", hist)
	}
	if hist[0].Code != "E_INTERNAL" || hist[0].Error != "boom" {
		t.Fatalf("failure row=%+v", hist[0])
	}

	counts, err := s.CountByState(ctx, "run-1")
	if err != nil {
		t.Fatalf("CountByState: %v", err)
	}
	if counts["READY"] != 2 || counts["FAILED"] != 1 {
		t.Fatalf("counts=%v", counts)
	}
	if st := s.Stats(); st.WrittenTotal != 3 || st.DropChunkTotal != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestSQLiteIndex_ClosedIgnoresWrites(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "world.sqlite"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.WriteChunk(world.ChunkEvent{Tick: 1}); err != nil {
		t.Fatalf("write after close: %v", err)
	}
	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("sync after close: %v", err)
	}
}
