package log

import (
	"testing"
	"time"

	"github.com/alarti/epsilon/internal/sim/world"
)

func TestChunkLogger_WriteAndReadBack(t *testing.T) {
	dir := t.TempDir()
	l := NewChunkLogger(dir)
	for i := 0; i < 3; i++ {
		if err := l.WriteChunk(world.ChunkEvent{Tick: uint64(i), CX: i, CZ: -i, State: "READY", Samples: 9}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := l.WriteChunk(world.ChunkEvent{Tick: 4, CX: 9, State: "FAILED", Code: "E_RECONCILE_MISMATCH", Error: "short"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if l.Lines() != 4 {
		t.Fatalf("lines=%d want=4", l.Lines())
	}

	ev, err := ReadChunkEvents(dir)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(ev) != 4 {
		t.Fatalf("events=%d want=4", len(ev))
	}
	if ev[2].CX != 2 || ev[2].CZ != -2 || ev[3].Code != "E_RECONCILE_MISMATCH" {
		t.Fatalf("events=%+v", ev)
	}
}

func TestJSONLZstdWriter_RotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir+"/chunks", "chunks")
	base := time.Date(2026, 1, 2, 3, 59, 0, 0, time.UTC)
	now := base
	w.now = func() time.Time { return now }

	_ = w.Write(world.ChunkEvent{Tick: 1})
	now = base.Add(2 * time.Minute)
	_ = w.Write(world.ChunkEvent{Tick: 2})
	_ = w.Write(world.ChunkEvent{Tick: 3})
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	ev, err := ReadChunkEvents(dir)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(ev) != 3 || ev[0].Tick != 1 || ev[2].Tick != 3 {
		t.Fatalf("events=%+v", ev)
	}
	if w.pathForHour("2026-01-02-03") == w.pathForHour("2026-01-02-04") {
		t.Fatalf("hour paths collide")
	}
}
