package storage

import (
	"encoding/binary"
	"math"
	"sort"
)

// EncodeEmbedding packs a float32 vector into a little-endian BLOB for
// storage in a vec_memory/vec_code row.
func EncodeEmbedding(v []float32) []byte { return encodeEmbedding(v) }

// DecodeEmbedding is the inverse of EncodeEmbedding.
func DecodeEmbedding(buf []byte) []float32 { return decodeEmbedding(buf) }

// CosineSimilarity scores two embeddings in [-1, 1].
func CosineSimilarity(a, b []float32) float64 { return cosineSimilarity(a, b) }

// encodeEmbedding packs a float32 vector into a little-endian BLOB, the
// same layout sqlite-vec uses for its vec0 virtual tables. Keeping the
// wire format compatible means a future cgo build with vec0 available can
// read rows written by this pure-Go substitute without a migration.
func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeEmbedding is the inverse of encodeEmbedding.
func decodeEmbedding(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}

// cosineSimilarity scores two equal-length embeddings in [-1, 1]. Vectors
// of mismatched length score 0 rather than panicking, since a dimension
// change (switching embedding providers) should degrade gracefully, not
// crash a recall path.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// scoredVector pairs an opaque row key with its similarity score against a
// query embedding.
type scoredVector struct {
	Key   string
	Score float64
}

// topKByCosine scans rows brute-force and returns the k highest scoring by
// cosine similarity against query, descending. This is the substitute for
// a vec0 ANN index: modernc.org/sqlite is a pure-Go driver and cannot load
// the sqlite-vec extension, so candidate sets here are expected to be
// small enough (single project, single user's facts) for a linear scan to
// be unnoticeable.
func topKByCosine(query []float32, rows map[string][]float32, k int) []scoredVector {
	scored := make([]scoredVector, 0, len(rows))
	for key, emb := range rows {
		scored = append(scored, scoredVector{Key: key, Score: cosineSimilarity(query, emb)})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if k >= 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored
}
