package tuning

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/alarti/epsilon/internal/sim/terrain/gen"
)

//go:embed tuning.schema.json
var schemaSrc string

type Tuning struct {
	WorldID    string `yaml:"world_id" json:"world_id"`
	TickRateHz int    `yaml:"tick_rate_hz" json:"tick_rate_hz"`
	Seed       int64  `yaml:"seed" json:"seed"`

	Chunk ChunkTuning `yaml:"chunk" json:"chunk"`

	ViewRadius int       `yaml:"view_radius" json:"view_radius"`
	Spawn      []float64 `yaml:"spawn" json:"spawn"`

	Workers           int  `yaml:"workers" json:"workers"`
	QueueSize         int  `yaml:"queue_size" json:"queue_size"`
	MaxIssuePerEnsure int  `yaml:"max_issue_per_ensure" json:"max_issue_per_ensure"`
	MaxResultsPerTick int  `yaml:"max_results_per_tick" json:"max_results_per_tick"`
	RetryTicks        int  `yaml:"retry_ticks" json:"retry_ticks"`
	DebugWorker       bool `yaml:"debug_worker" json:"debug_worker"`
}

type ChunkTuning struct {
	Width     float64 `yaml:"width" json:"width"`
	Height    float64 `yaml:"height" json:"height"`
	Segments  int     `yaml:"segments" json:"segments"`
	Scale     float64 `yaml:"scale" json:"scale"`
	Amplitude float64 `yaml:"amplitude" json:"amplitude"`
}

// Defaults: 100x100 chunks, 50 segments, scale 0.1,
// amplitude 15, a single worker.
func Defaults() Tuning {
	return Tuning{
		WorldID:    "OVERWORLD",
		TickRateHz: 20,
		Seed:       1337,
		Chunk: ChunkTuning{
			Width:     100,
			Height:    100,
			Segments:  50,
			Scale:     0.1,
			Amplitude: 15,
		},
		ViewRadius:        1,
		Spawn:             []float64{0, 0},
		Workers:           1,
		QueueSize:         64,
		MaxResultsPerTick: 16,
		RetryTicks:        20,
	}
}

// Params is the chunk template handed to the chunk manager (offsets zero).
func (t Tuning) Params() gen.Params {
	return gen.Params{
		Width:     t.Chunk.Width,
		Height:    t.Chunk.Height,
		Segments:  t.Chunk.Segments,
		Scale:     t.Chunk.Scale,
		Amplitude: t.Chunk.Amplitude,
	}
}

func (t Tuning) SpawnXZ() (x, z float64) {
	if len(t.Spawn) >= 2 {
		return t.Spawn[0], t.Spawn[1]
	}
	return 0, 0
}

func (t Tuning) Validate() error {
	var errs []string
	if t.TickRateHz < 1 || t.TickRateHz > 1000 {
		errs = append(errs, fmt.Sprintf("tick_rate_hz=%d out of [1,1000]", t.TickRateHz))
	}
	if err := t.Params().Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if t.Chunk.Width != t.Chunk.Height {
		errs = append(errs, fmt.Sprintf("chunk must be square (width=%v height=%v)", t.Chunk.Width, t.Chunk.Height))
	}
	if t.ViewRadius < 0 || t.ViewRadius > 32 {
		errs = append(errs, fmt.Sprintf("view_radius=%d out of [0,32]", t.ViewRadius))
	}
	if len(t.Spawn) != 0 && len(t.Spawn) != 2 {
		errs = append(errs, fmt.Sprintf("spawn needs [x, z], got %d values", len(t.Spawn)))
	}
	if t.Workers < 1 {
		errs = append(errs, fmt.Sprintf("workers=%d (need >= 1)", t.Workers))
	}
	if t.QueueSize < 1 {
		errs = append(errs, fmt.Sprintf("queue_size=%d (need >= 1)", t.QueueSize))
	}
	if t.MaxIssuePerEnsure < 0 || t.MaxResultsPerTick < 0 {
		errs = append(errs, "per-tick caps must be >= 0")
	}
	if t.RetryTicks < 1 {
		errs = append(errs, fmt.Sprintf("retry_ticks=%d (need >= 1)", t.RetryTicks))
	}
	if len(errs) > 0 {
		return fmt.Errorf("tuning: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Load reads a tuning file over Defaults. The raw document is checked against
// the embedded schema before it is decoded.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := validateSchema(raw); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, err
	}
	return t, nil
}

func validateSchema(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if doc == nil {
		return nil
	}
	// The validator expects JSON-decoded values (float64, map[string]any).
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	s, err := jsonschema.CompileString("tuning.schema.json", schemaSrc)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	return s.Validate(v)
}
