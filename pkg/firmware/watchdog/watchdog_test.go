package watchdog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/isensor/fx3/pkg/firmware/config"
	"github.com/isensor/fx3/pkg/firmware/hal"
)

func TestTickAlternatesByOne(t *testing.T) {
	sim := hal.NewSim(config.BoardISensor)
	s := NewSupervisor(sim, nil)
	assert.NoError(t, s.Configure(true, 20000))
	defer s.Stop()

	for i := 0; i < 6; i++ {
		s.Tick()
	}

	_, _, writes := sim.WatchdogState()
	assert.GreaterOrEqual(t, len(writes), 6)
	base := uint32(20000 * ticksPerMs)
	for i := 1; i < len(writes); i++ {
		diff := int64(writes[i]) - int64(writes[i-1])
		if diff < 0 {
			diff = -diff
		}
		assert.Equal(t, int64(1), diff, "counter must move by exactly one tick")
		// Never drifts away from the full period value.
		assert.InDelta(t, float64(base), float64(writes[i]), 1)
	}
}

func TestConfigureDisabled(t *testing.T) {
	sim := hal.NewSim(config.BoardISensor)
	s := NewSupervisor(sim, nil)
	assert.NoError(t, s.Configure(false, 20000))
	assert.False(t, s.Enabled())

	enabled, _, writes := sim.WatchdogState()
	assert.False(t, enabled)
	assert.Empty(t, writes)

	// Ticks while disabled do not touch the hardware.
	s.Tick()
	_, _, writes = sim.WatchdogState()
	assert.Empty(t, writes)
}

func TestConfigureFailureFallsBackDisabled(t *testing.T) {
	sim := hal.NewSim(config.BoardISensor)
	sim.FailWatchdog(true)
	s := NewSupervisor(sim, nil)

	err := s.Configure(true, 20000)
	assert.Error(t, err)
	assert.False(t, s.Enabled())

	// No half-armed timer: a later tick writes nothing.
	s.Tick()
	_, _, writes := sim.WatchdogState()
	assert.Empty(t, writes)
}

func TestPeriodicTickRuns(t *testing.T) {
	sim := hal.NewSim(config.BoardISensor)
	s := NewSupervisor(sim, nil)
	// Period below the clear margin: the tick runs at period/2.
	assert.NoError(t, s.Configure(true, 100))
	defer s.Stop()

	time.Sleep(200 * time.Millisecond)
	_, _, writes := sim.WatchdogState()
	assert.NotEmpty(t, writes)
}

func TestReconfigureReplacesTimer(t *testing.T) {
	sim := hal.NewSim(config.BoardISensor)
	s := NewSupervisor(sim, nil)
	assert.NoError(t, s.Configure(true, 20000))
	assert.NoError(t, s.Configure(true, 30000))
	assert.True(t, s.Enabled())
	s.Stop()
	assert.False(t, s.Enabled())
}
