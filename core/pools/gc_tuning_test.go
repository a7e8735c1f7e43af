package pools

import (
	"runtime"
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyGCConfig_ReturnsPrevious(t *testing.T) {
	orig := debug.SetGCPercent(100)
	defer debug.SetGCPercent(orig)

	prev := ApplyGCConfig(GCConfig{Percent: 250})
	assert.Equal(t, 100, prev.Percent)

	prev = ApplyGCConfig(GCConfig{Percent: 100})
	assert.Equal(t, 250, prev.Percent)

	assert.Equal(t, GCConfig{}, ApplyGCConfig(GCConfig{}), "zero config changes nothing")
}

func TestGetGCStats(t *testing.T) {
	runtime.GC()
	s := GetGCStats()
	assert.Positive(t, s.NumGC)
	assert.Positive(t, s.Sys)
	assert.Positive(t, s.NumGoroutine)
}
