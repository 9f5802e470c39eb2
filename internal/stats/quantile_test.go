package stats

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuantileMatchesLinearInterpolation(t *testing.T) {
	values := []float64{0.4, 0.1, 0.3, 0.2}
	assert.InDelta(t, 0.1, Quantile(values, 0), 1e-12)
	assert.InDelta(t, 0.4, Quantile(values, 1), 1e-12)
	assert.InDelta(t, 0.25, Quantile(values, 0.5), 1e-12)
	assert.InDelta(t, 0.13, Quantile(values, 0.1), 1e-12)
	assert.True(t, math.IsNaN(Quantile(nil, 0.5)))
	assert.True(t, math.IsNaN(Quantile(values, 1.5)))
}

func TestAllEqual(t *testing.T) {
	assert.True(t, AllEqual(nil))
	assert.True(t, AllEqual([]float64{0.5, 0.5}))
	assert.False(t, AllEqual([]float64{0.5, 0.25}))
}
