// Package local provides a deterministic hashing embedder for development
// and tests. Vectors are bag-of-words token counts hashed into a fixed
// number of buckets and L2-normalized, so identical text always embeds to
// the identical vector.
package local

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/antigravity/cortex/internal/config"
	registryembed "github.com/antigravity/cortex/internal/registry/embed"
)

const modelName = "local-hash"

func init() {
	registryembed.Register(registryembed.Plugin{
		Name: "local",
		Loader: func(ctx context.Context) (registryembed.Embedder, error) {
			dim := 768
			if cfg := config.FromContext(ctx); cfg != nil && cfg.EmbeddingDim > 0 {
				dim = cfg.EmbeddingDim
			}
			return New(dim), nil
		},
	})
}

// New returns a local embedder producing vectors of the given dimension.
func New(dimension int) *LocalEmbedder {
	return &LocalEmbedder{dimension: dimension}
}

type LocalEmbedder struct {
	dimension int
}

func (e *LocalEmbedder) ModelName() string {
	return modelName
}

func (e *LocalEmbedder) Dimension() int {
	return e.dimension
}

func (e *LocalEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		results[i] = e.embedOne(text)
	}
	return results, nil
}

func (e *LocalEmbedder) embedOne(text string) []float32 {
	vector := make([]float32, e.dimension)
	for _, tok := range tokenize(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		i := int(h.Sum64() % uint64(e.dimension))
		vector[i] += 1
	}
	norm := float32(0)
	for _, v := range vector {
		norm += v * v
	}
	if norm == 0 {
		return vector
	}
	inv := 1 / float32(math.Sqrt(float64(norm)))
	for i := range vector {
		vector[i] *= inv
	}
	return vector
}

func tokenize(text string) []string {
	text = strings.TrimSpace(strings.ToLower(text))
	if text == "" {
		return nil
	}
	return strings.FieldsFunc(text, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsNumber(r))
	})
}

var _ registryembed.Embedder = (*LocalEmbedder)(nil)
