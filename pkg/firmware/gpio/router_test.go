package gpio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/isensor/fx3/pkg/firmware/config"
	"github.com/isensor/fx3/pkg/firmware/events"
	"github.com/isensor/fx3/pkg/firmware/hal"
)

func TestFlagForPin(t *testing.T) {
	pins := config.PinMapFor(config.BoardISensor)
	assert.Equal(t, FlagDIO1, FlagForPin(pins, pins.DIO1))
	assert.Equal(t, FlagDIO2, FlagForPin(pins, pins.DIO2))
	assert.Equal(t, FlagGPIO4, FlagForPin(pins, pins.GPIO4))
	assert.Equal(t, uint32(0), FlagForPin(pins, 0xbeef))
}

func TestRouterPostsFlag(t *testing.T) {
	sim := hal.NewSim(config.BoardISensor)
	pins := config.PinMapFor(config.BoardISensor)
	group := events.NewGroup()
	NewRouter(pins, sim, group, nil)

	sim.Interrupt(pins.DIO2, true)

	got, err := group.Wait(FlagDIO2, 100*time.Millisecond)
	assert.NoError(t, err)
	assert.Equal(t, FlagDIO2, got)
}

func TestRouterIgnoresUnmappedPin(t *testing.T) {
	sim := hal.NewSim(config.BoardISensor)
	pins := config.PinMapFor(config.BoardISensor)
	group := events.NewGroup()
	NewRouter(pins, sim, group, nil)

	sim.Interrupt(40, true)

	got := group.Poll(0xffffffff, false)
	assert.Equal(t, uint32(0), got)
}

func TestRouterIndependentLines(t *testing.T) {
	sim := hal.NewSim(config.BoardCypressExplorer)
	pins := config.PinMapFor(config.BoardCypressExplorer)
	group := events.NewGroup()
	NewRouter(pins, sim, group, nil)

	sim.Interrupt(pins.DIO1, true)
	sim.Interrupt(pins.GPIO3, false)

	got, err := group.Wait(FlagDIO1|FlagGPIO3, 100*time.Millisecond)
	assert.NoError(t, err)
	assert.Equal(t, FlagDIO1|FlagGPIO3, got)
}
