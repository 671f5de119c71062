package world

import (
	"github.com/alarti/epsilon/internal/sim/terrain/gen"
	"github.com/alarti/epsilon/internal/sim/tuning"
)

type WorldConfig struct {
	ID         string
	TickRateHz int
	Seed       int64
	Params     gen.Params

	// ViewRadius is the chunk radius kept loaded around Spawn.
	ViewRadius int
	Spawn      WorldPosition

	Workers           int
	QueueSize         int
	MaxIssuePerEnsure int
	MaxResultsPerTick int
	RetryTicks        int
	DebugWorker       bool
}

func ConfigFromTuning(t tuning.Tuning) WorldConfig {
	x, z := t.SpawnXZ()
	return WorldConfig{
		ID:                t.WorldID,
		TickRateHz:        t.TickRateHz,
		Seed:              t.Seed,
		Params:            t.Params(),
		ViewRadius:        t.ViewRadius,
		Spawn:             WorldPosition{x, 0, z},
		Workers:           t.Workers,
		QueueSize:         t.QueueSize,
		MaxIssuePerEnsure: t.MaxIssuePerEnsure,
		MaxResultsPerTick: t.MaxResultsPerTick,
		RetryTicks:        t.RetryTicks,
		DebugWorker:       t.DebugWorker,
	}
}
