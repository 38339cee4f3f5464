package memstore

import (
	"encoding/binary"
	"fmt"
	"math"
)

const vectorValueByteSize = 4

// EncodeVector packs a float32 vector into a contiguous little-endian blob.
// Dimensionality is fixed by the detected embedding model, so no header is
// stored.
func EncodeVector(vector []float32) ([]byte, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("encode vector: empty vector")
	}

	blob := make([]byte, len(vector)*vectorValueByteSize)
	for i, value := range vector {
		if !isFinite(value) {
			return nil, fmt.Errorf("encode vector: invalid value at index %d", i)
		}
		binary.LittleEndian.PutUint32(blob[i*vectorValueByteSize:], math.Float32bits(value))
	}
	return blob, nil
}

// DecodeVector unpacks a blob created by EncodeVector.
func DecodeVector(blob []byte) ([]float32, error) {
	if len(blob) == 0 || len(blob)%vectorValueByteSize != 0 {
		return nil, fmt.Errorf("decode vector: invalid blob length: %d", len(blob))
	}

	vector := make([]float32, len(blob)/vectorValueByteSize)
	for i := range vector {
		value := math.Float32frombits(binary.LittleEndian.Uint32(blob[i*vectorValueByteSize:]))
		if !isFinite(value) {
			return nil, fmt.Errorf("decode vector: invalid value at index %d", i)
		}
		vector[i] = value
	}
	return vector, nil
}

// CosineSimilarity computes cosine similarity in [-1, 1]. A dimension
// mismatch is a caller contract violation and returns a hard error.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, fmt.Errorf("cosine similarity: empty vector")
	}
	if len(a) != len(b) {
		return 0, fmt.Errorf("cosine similarity: vector dimension mismatch: %d vs %d", len(a), len(b))
	}

	var dot, normA, normB float64
	for i := range a {
		ai := float64(a[i])
		bi := float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	if normA == 0 || normB == 0 {
		return 0, fmt.Errorf("cosine similarity: zero vector norm")
	}

	score := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if score > 1 {
		score = 1
	} else if score < -1 {
		score = -1
	}
	return score, nil
}

func isFinite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
