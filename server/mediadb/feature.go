package mediadb

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeFeature packs a feature vector as little endian float32
func EncodeFeature(f []float32) []byte {
	b := make([]byte, len(f)*4)
	for i, v := range f {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

func DecodeFeature(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("Feature blob length %v is not a multiple of 4", len(b))
	}
	f := make([]float32, len(b)/4)
	for i := range f {
		f[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return f, nil
}
