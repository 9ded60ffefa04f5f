package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
)

// FallbackProvider tags vectors produced by the last-resort fallback.
const FallbackProvider = "hash-fallback"

// Hash derives a deterministic unit vector from the text digest. It carries
// no semantics; identical text always maps to the identical vector.
type Hash struct {
	dim int
}

// NewHash creates a hash provider producing dim-sized vectors.
func NewHash(dim int) *Hash { return &Hash{dim: dim} }

func (h *Hash) Name() string  { return "hash" }
func (h *Hash) Model() string { return "sha256" }

func (h *Hash) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = HashVector(t, h.dim)
	}
	return out, nil
}

// HashVector expands sha256 in counter mode into dim components in [-1, 1]
// and normalizes the result to unit length.
func HashVector(text string, dim int) []float32 {
	if dim <= 0 {
		return nil
	}
	seed := []byte(strings.ToLower(strings.TrimSpace(text)))
	vals := make([]float32, dim)
	var block [sha256.Size]byte
	var ctr [4]byte
	var norm float64
	for i := 0; i < dim; i++ {
		if i%8 == 0 {
			binary.BigEndian.PutUint32(ctr[:], uint32(i/8))
			block = sha256.Sum256(append(append([]byte{}, seed...), ctr[:]...))
		}
		u := binary.BigEndian.Uint32(block[(i%8)*4:])
		v := float64(u)/math.MaxUint32*2 - 1
		vals[i] = float32(v)
		norm += v * v
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range vals {
			vals[i] /= n
		}
	}
	return vals
}
