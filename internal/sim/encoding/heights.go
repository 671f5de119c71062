package encoding

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// HeightsEncoding names the wire format produced by EncodeHeights.
const HeightsEncoding = "F32LE_ZSTD_B64"

// Decoded payloads larger than this are rejected (512x512 chunk, float32).
const maxHeightsBytes = 4 * 513 * 513

var (
	codecOnce sync.Once
	zenc      *zstd.Encoder
	zdec      *zstd.Decoder
	codecErr  error
)

func codecs() (*zstd.Encoder, *zstd.Decoder, error) {
	codecOnce.Do(func() {
		zenc, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if codecErr != nil {
			return
		}
		zdec, codecErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxHeightsBytes))
	})
	return zenc, zdec, codecErr
}

// EncodeHeights packs samples as little-endian float32, compresses them with
// zstd and returns base64. Precision drops to float32.
func EncodeHeights(h []float64) (string, error) {
	enc, _, err := codecs()
	if err != nil {
		return "", err
	}
	raw := make([]byte, 4*len(h))
	for i, v := range h {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(float32(v)))
	}
	return base64.StdEncoding.EncodeToString(enc.EncodeAll(raw, nil)), nil
}

func DecodeHeights(b64 string) ([]float64, error) {
	_, dec, err := codecs()
	if err != nil {
		return nil, err
	}
	comp, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	if len(comp) == 0 {
		return []float64{}, nil
	}
	raw, err := dec.DecodeAll(comp, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("heights payload length %d not a multiple of 4", len(raw))
	}
	out := make([]float64, len(raw)/4)
	for i := range out {
		out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:])))
	}
	return out, nil
}
