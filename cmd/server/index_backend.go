package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/alarti/epsilon/internal/persistence/indexdb"
	"github.com/alarti/epsilon/internal/sim/terrain/gen"
	"github.com/alarti/epsilon/internal/sim/world"
)

type runtimeIndex interface {
	world.ChunkLogger
	Close() error
	RecordRun(ctx context.Context, runID, worldID string, seed int64, p gen.Params) error
	ChunkHistory(ctx context.Context, cx, cz int) ([]indexdb.ChunkRow, error)
	CountByState(ctx context.Context, runID string) (map[string]int, error)
	Stats() indexdb.Stats
}

func openRuntimeIndex(worldDir string, disableDB bool) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("EPS_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		idx, err := indexdb.OpenSQLite(filepath.Join(worldDir, "index", "world.sqlite"))
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unsupported EPS_INDEX_BACKEND: %s", backend)
	}
}
