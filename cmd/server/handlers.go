package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alarti/epsilon/internal/persistence/indexdb"
	"github.com/alarti/epsilon/internal/sim/world"
	"github.com/alarti/epsilon/internal/transport/observer"
)

type handlerDeps struct {
	World *world.World
	Index runtimeIndex // nil when the index is disabled

	Logger      *log.Logger
	EnableAdmin bool
	EnablePprof bool
}

func newMux(d handlerDeps) *http.ServeMux {
	if d.Logger == nil {
		d.Logger = log.New(io.Discard, "", 0)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", metricsHandler(d.World, d.Index))

	if d.EnableAdmin {
		// Local-only admin endpoints.
		mux.HandleFunc("/admin/v1/state", stateHandler(d.World, d.Index))
		mux.HandleFunc("/admin/v1/height", heightHandler(d.World))
		mux.HandleFunc("/admin/v1/chunks", chunksHandler(d.Index))

		obsSrv := observer.NewServer(d.World, d.Logger)
		mux.HandleFunc("/admin/v1/observer/bootstrap", obsSrv.BootstrapHandler())
		mux.HandleFunc("/admin/v1/observer/ws", obsSrv.WSHandler())
	}
	if d.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

func metricsHandler(w *world.World, idx runtimeIndex) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		id := w.Config().ID
		m := w.Metrics()
		tick := w.CurrentTick()
		if m.Tick != 0 {
			tick = m.Tick
		}

		gauge(rw, "epsilon_world_tick", "Current world tick.", id, float64(tick))
		gauge(rw, "epsilon_chunks_loaded", "Chunks in READY state.", id, float64(m.LoadedChunks))
		gauge(rw, "epsilon_chunks_pending", "Chunks with a generation request in flight.", id, float64(m.PendingChunks))
		counter(rw, "epsilon_chunk_requests_total", "Generation requests accepted by the workers.", id, m.RequestsIssued)
		counter(rw, "epsilon_chunk_failures_total", "Chunks that failed generation or reconciliation.", id, m.FailedChunks)
		counter(rw, "epsilon_chunk_stale_results_total", "Results dropped for unknown or ready chunks.", id, m.StaleResults)
		gauge(rw, "epsilon_observers", "Connected observers.", id, float64(m.Observers))
		gauge(rw, "epsilon_physics_bodies", "Static height-field bodies in the physics world.", id, float64(m.PhysicsBodies))

		fmt.Fprintf(rw, "# HELP epsilon_worker_queue_depth Generation request backlog.\n")
		fmt.Fprintf(rw, "# TYPE epsilon_worker_queue_depth gauge\n")
		fmt.Fprintf(rw, "epsilon_worker_queue_depth{world=%q} %d\n", id, m.Worker.QueueDepth)
		counter(rw, "epsilon_worker_rejected_total", "Requests rejected because the worker queue was full or closed.", id, m.Worker.Rejected)

		fmt.Fprintf(rw, "# HELP epsilon_world_queue_depth Channel backlog depth.\n")
		fmt.Fprintf(rw, "# TYPE epsilon_world_queue_depth gauge\n")
		fmt.Fprintf(rw, "epsilon_world_queue_depth{world=%q,queue=%q} %d\n", id, "focus", m.QueueDepths.Focus)
		fmt.Fprintf(rw, "epsilon_world_queue_depth{world=%q,queue=%q} %d\n", id, "observer_join", m.QueueDepths.ObserverJoin)
		fmt.Fprintf(rw, "epsilon_world_queue_depth{world=%q,queue=%q} %d\n", id, "observer_leave", m.QueueDepths.ObserverLeave)
		fmt.Fprintf(rw, "epsilon_world_queue_depth{world=%q,queue=%q} %d\n", id, "height", m.QueueDepths.Height)

		fmt.Fprintf(rw, "# HELP epsilon_world_step_ms Last tick step duration in milliseconds.\n")
		fmt.Fprintf(rw, "# TYPE epsilon_world_step_ms gauge\n")
		fmt.Fprintf(rw, "epsilon_world_step_ms{world=%q} %.3f\n", id, m.StepMS)

		if idx != nil {
			writeIndexMetrics(rw, id, idx.Stats())
		}
	}
}

func gauge(rw io.Writer, name, help, worldID string, v float64) {
	fmt.Fprintf(rw, "# HELP %s %s\n", name, help)
	fmt.Fprintf(rw, "# TYPE %s gauge\n", name)
	fmt.Fprintf(rw, "%s{world=%q} %g\n", name, worldID, v)
}

func counter(rw io.Writer, name, help, worldID string, v uint64) {
	fmt.Fprintf(rw, "# HELP %s %s\n", name, help)
	fmt.Fprintf(rw, "# TYPE %s counter\n", name)
	fmt.Fprintf(rw, "%s{world=%q} %d\n", name, worldID, v)
}

func writeIndexMetrics(rw io.Writer, worldID string, s indexdb.Stats) {
	fmt.Fprintf(rw, "# HELP epsilon_index_queue_depth Current sqlite index queue depth.\n")
	fmt.Fprintf(rw, "# TYPE epsilon_index_queue_depth gauge\n")
	fmt.Fprintf(rw, "epsilon_index_queue_depth{world=%q} %d\n", worldID, s.QueueDepth)
	counter(rw, "epsilon_index_written_total", "Chunk events written to the sqlite index.", worldID, s.WrittenTotal)
	counter(rw, "epsilon_index_dropped_total", "Chunk events dropped because the index queue was full.", worldID, s.DropChunkTotal)
	counter(rw, "epsilon_index_write_fail_total", "Failed sqlite index writes.", worldID, s.WriteFailTotal)
}

func stateHandler(w *world.World, idx runtimeIndex) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		resp := struct {
			WorldID string             `json:"world_id"`
			RunID   string             `json:"run_id"`
			Tick    uint64             `json:"tick"`
			Metrics world.WorldMetrics `json:"metrics"`
			Index   *indexdb.Stats     `json:"index,omitempty"`
			States  map[string]int     `json:"states,omitempty"`
		}{
			WorldID: w.Config().ID,
			RunID:   w.RunID(),
			Tick:    w.CurrentTick(),
			Metrics: w.Metrics(),
		}
		if idx != nil {
			st := idx.Stats()
			resp.Index = &st
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			if states, err := idx.CountByState(ctx, w.RunID()); err == nil {
				resp.States = states
			}
			cancel()
		}
		writeJSON(rw, http.StatusOK, resp)
	}
}

func heightHandler(w *world.World) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		x, errX := strconv.ParseFloat(r.URL.Query().Get("x"), 64)
		z, errZ := strconv.ParseFloat(r.URL.Query().Get("z"), 64)
		if errX != nil || errZ != nil || !finite(x) || !finite(z) {
			http.Error(rw, "x and z must be finite numbers", http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		y, ok, err := w.QueryHeight(ctx, x, z)
		if err != nil {
			writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		if !ok {
			writeJSON(rw, http.StatusNotFound, map[string]any{"ok": false, "x": x, "z": z})
			return
		}
		writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "x": x, "z": z, "y": y})
	}
}

func chunksHandler(idx runtimeIndex) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		if idx == nil {
			http.Error(rw, "index disabled", http.StatusNotFound)
			return
		}
		cx, errX := strconv.Atoi(r.URL.Query().Get("cx"))
		cz, errZ := strconv.Atoi(r.URL.Query().Get("cz"))
		if errX != nil || errZ != nil {
			http.Error(rw, "cx and cz must be integers", http.StatusBadRequest)
			return
		}
		rows, err := idx.ChunkHistory(r.Context(), cx, cz)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusInternalServerError)
			return
		}
		if rows == nil {
			rows = []indexdb.ChunkRow{}
		}
		writeJSON(rw, http.StatusOK, map[string]any{"cx": cx, "cz": cz, "events": rows})
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
