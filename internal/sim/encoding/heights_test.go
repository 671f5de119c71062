package encoding

import (
	"math"
	"testing"
)

func TestHeights_RoundTripFloat32(t *testing.T) {
	in := make([]float64, 51*51)
	for i := range in {
		in[i] = 15 * math.Sin(float64(i)*0.37)
	}
	s, err := EncodeHeights(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeHeights(s)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("len=%d want=%d", len(out), len(in))
	}
	for i := range in {
		if out[i] != float64(float32(in[i])) {
			t.Fatalf("sample[%d]=%v want=%v", i, out[i], float32(in[i]))
		}
	}
}

func TestHeights_Empty(t *testing.T) {
	s, err := EncodeHeights(nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeHeights(s)
	if err != nil || len(out) != 0 {
		t.Fatalf("out=%v err=%v", out, err)
	}
}

func TestHeights_RejectsGarbage(t *testing.T) {
	if _, err := DecodeHeights("!!not base64"); err == nil {
		t.Fatalf("expected base64 error")
	}
	if _, err := DecodeHeights("dGhpcyBpcyBub3QgenN0ZA=="); err == nil {
		t.Fatalf("expected zstd error")
	}
}
