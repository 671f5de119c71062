package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alarti/epsilon/internal/sim/terrain/gen"
	"github.com/alarti/epsilon/internal/sim/world"
)

// SQLiteIndex is a queryable read model of the chunk event stream. Writes go
// through a buffered queue to a single writer goroutine; when the queue is
// full events are dropped and counted. The JSONL log remains the full record.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropChunk atomic.Uint64
	written   atomic.Uint64
	failed    atomic.Uint64
}

type reqKind int

const (
	reqChunk reqKind = iota + 1
	reqSync
)

type req struct {
	kind  reqKind
	chunk world.ChunkEvent
	done  chan struct{}
}

type Stats struct {
	QueueDepth     int    `json:"queue_depth"`
	QueueCapacity  int    `json:"queue_capacity"`
	WrittenTotal   uint64 `json:"written_total"`
	DropChunkTotal uint64 `json:"drop_chunk_total"`
	WriteFailTotal uint64 `json:"write_fail_total"`
}

// ChunkRow is one indexed chunk event.
type ChunkRow struct {
	RunID string  `json:"run_id"`
	Tick  uint64  `json:"tick"`
	CX    int     `json:"cx"`
	CZ    int     `json:"cz"`
	State string  `json:"state"`
	MinY  float64 `json:"min_y"`
	MaxY  float64 `json:"max_y"`
	Code  string  `json:"code,omitempty"`
	Error string  `json:"error,omitempty"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 16384),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			world_id TEXT NOT NULL,
			seed INTEGER NOT NULL,
			params_json TEXT NOT NULL,
			started_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS chunk_events (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			tick INTEGER NOT NULL,
			cx INTEGER NOT NULL,
			cz INTEGER NOT NULL,
			state TEXT NOT NULL,
			samples INTEGER NOT NULL,
			min_y REAL NOT NULL,
			max_y REAL NOT NULL,
			code TEXT,
			error TEXT,
			PRIMARY KEY (run_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chunk_events_pos ON chunk_events(cx, cz, tick);`,
		`CREATE INDEX IF NOT EXISTS idx_chunk_events_state ON chunk_events(run_id, state);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// RecordRun stores the parameters of one server run. It writes synchronously.
func (s *SQLiteIndex) RecordRun(ctx context.Context, runID, worldID string, seed int64, p gen.Params) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs(run_id,world_id,seed,params_json,started_at) VALUES(?,?,?,?,?)`,
		runID, worldID, seed, string(b), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// WriteChunk queues e without blocking.
func (s *SQLiteIndex) WriteChunk(e world.ChunkEvent) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqChunk, chunk: e}:
	default:
		s.dropChunk.Add(1)
	}
	return nil
}

// Sync waits until everything queued before the call is committed.
func (s *SQLiteIndex) Sync(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqSync, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:     len(s.ch),
		QueueCapacity:  cap(s.ch),
		WrittenTotal:   s.written.Load(),
		DropChunkTotal: s.dropChunk.Load(),
		WriteFailTotal: s.failed.Load(),
	}
}

// ChunkHistory returns every indexed event for one chunk, oldest first.
func (s *SQLiteIndex) ChunkHistory(ctx context.Context, cx, cz int) ([]ChunkRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id,tick,cx,cz,state,min_y,max_y,COALESCE(code,''),COALESCE(error,'')
		 FROM chunk_events WHERE cx=? AND cz=? ORDER BY tick, seq`, cx, cz)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ChunkRow
	for rows.Next() {
		var r ChunkRow
		var tick int64
		if err := rows.Scan(&r.RunID, &tick, &r.CX, &r.CZ, &r.State, &r.MinY, &r.MaxY, &r.Code, &r.Error); err != nil {
			return nil, err
		}
		r.Tick = uint64(tick)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountByState returns event counts per state for one run.
func (s *SQLiteIndex) CountByState(ctx context.Context, runID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM chunk_events WHERE run_id=? GROUP BY state`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[state] = n
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertChunk, _ := s.db.Prepare(`INSERT OR REPLACE INTO chunk_events(run_id,seq,tick,cx,cz,state,samples,min_y,max_y,code,error) VALUES(?,?,?,?,?,?,?,?,?,?,?)`)
	defer func() {
		if insertChunk != nil {
			_ = insertChunk.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 512
		commitMaxWait = time.Second

		seq = map[string]int64{}
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.failed.Add(uint64(opCount))
		} else {
			s.written.Add(uint64(opCount))
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		s.failed.Add(uint64(opCount))
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	ticker := time.NewTicker(commitMaxWait)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if tx != nil && time.Since(lastCommit) >= commitMaxWait {
				commit()
			}
			continue
		case r, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			if r.kind == reqSync {
				commit()
				close(r.done)
				continue
			}
			begin()
			if tx == nil || insertChunk == nil {
				s.failed.Add(1)
				continue
			}
			e := r.chunk
			n := seq[e.RunID]
			seq[e.RunID] = n + 1
			if _, err := tx.Stmt(insertChunk).Exec(
				e.RunID,
				n,
				int64(e.Tick),
				e.CX,
				e.CZ,
				e.State,
				e.Samples,
				e.MinY,
				e.MaxY,
				e.Code,
				e.Error,
			); err != nil {
				rollback()
				s.failed.Add(1)
				continue
			}
			opCount++
			if opCount >= commitEvery {
				commit()
			}
		}
	}
}
