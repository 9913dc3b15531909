package params

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeFloats packs values as little-endian IEEE 754 float64s. NaN and
// infinities survive the round trip.
func EncodeFloats(values []float64) []byte {
	if len(values) == 0 {
		return nil
	}
	buf := make([]byte, len(values)*8)
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

func DecodeFloats(buf []byte) ([]float64, error) {
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of float64s", ErrSizeMismatch, len(buf))
	}
	values := make([]float64, len(buf)/8)
	for i := range values {
		values[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return values, nil
}
