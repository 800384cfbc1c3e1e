package slot

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlateauNeedsFullWindow(t *testing.T) {
	var p plateau
	for i := 1; i < PlateauWindow; i++ {
		assert.False(t, p.push(4.15), "sample %d", i)
	}
	assert.True(t, p.push(4.15))
	assert.True(t, p.push(4.15))
}

func TestPlateauDeviationRestartsCount(t *testing.T) {
	var p plateau
	for i := 0; i < PlateauWindow-1; i++ {
		p.push(4.15)
	}
	assert.False(t, p.push(4.16))
	for i := 1; i < PlateauWindow-1; i++ {
		assert.False(t, p.push(4.16), "sample %d", i)
	}
	assert.True(t, p.push(4.16))
}

func TestPlateauSmallNoiseAccepted(t *testing.T) {
	var p plateau
	converged := false
	for i := 0; i < PlateauWindow; i++ {
		u := 4.15
		if i%2 == 0 {
			u += 2e-6
		}
		converged = p.push(u)
	}
	assert.True(t, converged)
}

func TestPlateauBreakRun(t *testing.T) {
	var p plateau
	for i := 0; i < PlateauWindow-1; i++ {
		p.push(4.15)
	}
	p.breakRun()
	assert.False(t, p.push(4.15))
}

func TestPlateauMeanOverLaps(t *testing.T) {
	var p plateau
	for i := 0; i < 5*PlateauWindow; i++ {
		p.push(float64(i % 3))
	}
	for i := 0; i < PlateauWindow; i++ {
		p.push(4.2)
	}
	assert.InDelta(t, 4.2, p.mean(), 1e-12)
}
