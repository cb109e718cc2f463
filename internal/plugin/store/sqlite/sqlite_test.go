package sqlite

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCosine(t *testing.T) {
	require.InDelta(t, 1.0, cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	require.InDelta(t, 0.0, cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)

	// Opposite vectors clamp to 0 rather than going negative.
	require.Zero(t, cosine([]float32{1, 0}, []float32{-1, 0}))

	require.Zero(t, cosine([]float32{1, 0}, []float32{0, 0}))
	require.Zero(t, cosine([]float32{1}, []float32{1, 0}))
	require.Zero(t, cosine(nil, nil))
}
