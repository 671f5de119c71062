package tuning

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoad_RepoConfig(t *testing.T) {
	tu, err := Load(filepath.Join("..", "..", "..", "configs", "tuning.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	p := tu.Params()
	if p.Width != 100 || p.Segments != 50 || p.Scale != 0.1 || p.Amplitude != 15 {
		t.Fatalf("params=%+v", p)
	}
	if tu.Workers != 1 || tu.TickRateHz != 20 {
		t.Fatalf("workers=%d tick_rate_hz=%d", tu.Workers, tu.TickRateHz)
	}
}

func TestLoad_PartialMergesDefaults(t *testing.T) {
	tu, err := Load(writeFile(t, "seed: 7\nchunk:\n  segments: 8\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tu.Seed != 7 || tu.Chunk.Segments != 8 {
		t.Fatalf("seed=%d segments=%d", tu.Seed, tu.Chunk.Segments)
	}
	if tu.Chunk.Width != 100 || tu.Workers != 1 {
		t.Fatalf("defaults lost: width=%v workers=%d", tu.Chunk.Width, tu.Workers)
	}
}

func TestLoad_SchemaRejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":   "tick_rate: 5\n",
		"zero segments": "chunk:\n  segments: 0\n",
		"string seed":   "seed: abc\n",
		"no workers":    "workers: 0\n",
	}
	for name, body := range cases {
		if _, err := Load(writeFile(t, body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestValidate_NonSquare(t *testing.T) {
	tu := Defaults()
	tu.Chunk.Height = 50
	err := tu.Validate()
	if err == nil || !strings.Contains(err.Error(), "square") {
		t.Fatalf("err=%v want square error", err)
	}
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}
