package scan

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLODScore(t *testing.T) {
	// No improvement over the null means zero evidence, for any n.
	for _, n := range []int{1, 10, 1000} {
		assert.Equal(t, 0.0, lodScore(n, 3.5, 3.5))
	}

	assert.InDelta(t, 50*math.Log10(2), lodScore(100, 2, 1), 1e-12)

	// Perfect full-model fit.
	assert.True(t, math.IsInf(lodScore(10, 1, 0), 1))

	// A perfect null fit cannot be improved on.
	assert.Equal(t, 0.0, lodScore(10, 0, 1))

	// Nested models: negative values are tolerance noise, clamped to zero.
	assert.Equal(t, 0.0, lodScore(10, 1, 1+1e-12))
}
