package vector

import (
	"math"

	"golang.org/x/crypto/blake2b"
)

// DefaultDim is the embedding width used when none is configured.
const DefaultDim = 128

// Embedder maps text to a fixed-width vector.
type Embedder interface {
	Embed(text string) []float32
	Dim() int
}

// HashEmbedder derives a deterministic pseudo-embedding from the BLAKE2b
// extendable-output hash of the text. It has no semantic meaning; equal
// texts map to equal vectors and nothing more.
type HashEmbedder struct {
	dim int
}

var _ Embedder = (*HashEmbedder)(nil)

func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = DefaultDim
	}
	return &HashEmbedder{dim: dim}
}

func (e *HashEmbedder) Dim() int { return e.dim }

// Embed maps each output byte b to b/127.5 - 1 and L2-normalizes the result.
func (e *HashEmbedder) Embed(text string) []float32 {
	xof, err := blake2b.NewXOF(uint32(e.dim), nil)
	if err != nil {
		// Only reachable with an invalid output size, which NewHashEmbedder rules out.
		panic(err)
	}
	xof.Write([]byte(text))
	digest := make([]byte, e.dim)
	if _, err := xof.Read(digest); err != nil {
		panic(err)
	}

	v := make([]float32, e.dim)
	var sum float64
	for i, b := range digest {
		f := float64(b)/127.5 - 1
		v[i] = float32(f)
		sum += f * f
	}
	n := math.Sqrt(sum)
	if n == 0 {
		return v
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / n)
	}
	return v
}
