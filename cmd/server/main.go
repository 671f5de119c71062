package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	persistlog "github.com/alarti/epsilon/internal/persistence/log"
	"github.com/alarti/epsilon/internal/sim/tuning"
	"github.com/alarti/epsilon/internal/sim/world"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		worldID    = flag.String("world", "", "world id (overrides tuning world_id)")
		seed       = flag.Int64("seed", 0, "noise seed (overrides tuning seed when set)")
		envFile    = flag.String("env", ".env", "optional env file")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite chunk index")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	if p := strings.TrimSpace(*envFile); p != "" {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Fatalf("load env: %v", err)
		}
	}

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", *tuningPath)
		tune = tuning.Defaults()
	}
	if id := strings.TrimSpace(*worldID); id != "" {
		tune.WorldID = id
	}
	if flagSet("seed") {
		tune.Seed = *seed
	}

	cfg := world.ConfigFromTuning(tune)
	worldDir := filepath.Join(*dataDir, "worlds", cfg.ID)
	if err := os.MkdirAll(worldDir, 0o755); err != nil {
		logger.Fatalf("data dir: %v", err)
	}

	w, err := world.New(cfg, logger)
	if err != nil {
		logger.Fatalf("world: %v", err)
	}

	// Optional read model; the JSONL log is always written.
	idx, err := openRuntimeIndex(worldDir, *disableDB)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := idx.RecordRun(ctx, w.RunID(), cfg.ID, cfg.Seed, cfg.Params); err != nil {
			logger.Printf("index backend: record run: %v", err)
		}
		cancel()
	}
	chunkLog := persistlog.NewChunkLogger(worldDir)
	defer chunkLog.Close()
	w.SetChunkLogger(world.TeeChunkLoggers(idx, chunkLog))

	enableAdmin := envBool("EPS_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprof := envBool("EPS_ENABLE_PPROF_HTTP", false)
	if !enableAdmin {
		logger.Printf("admin endpoints disabled (EPS_ENABLE_ADMIN_HTTP=false)")
	}
	if !enablePprof {
		logger.Printf("pprof endpoints disabled (EPS_ENABLE_PPROF_HTTP=false)")
	}

	mux := newMux(handlerDeps{
		World:       w,
		Index:       idx,
		Logger:      logger,
		EnableAdmin: enableAdmin,
		EnablePprof: enablePprof,
	})
	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := signalContext()
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := w.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Printf("listening on %s world=%s run=%s seed=%d", *addr, cfg.ID, w.RunID(), cfg.Seed)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		return srv.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil {
		logger.Printf("server stopped: %v", err)
		return
	}
	logger.Printf("shutdown complete tick=%d", w.CurrentTick())
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func flagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
