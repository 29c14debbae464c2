// Package gpio maps physical pin interrupts to the logical event flags
// consumed by the streaming engine and the measurement collaborators.
package gpio

import (
	"github.com/loopholelabs/logging/types"

	"github.com/isensor/fx3/pkg/firmware/config"
	"github.com/isensor/fx3/pkg/firmware/events"
	"github.com/isensor/fx3/pkg/firmware/hal"
)

// Logical flag bits posted into the GPIO event group: four device-under-test
// lines and four general purpose lines.
const (
	FlagDIO1 uint32 = 1 << iota
	FlagDIO2
	FlagDIO3
	FlagDIO4
	FlagGPIO1
	FlagGPIO2
	FlagGPIO3
	FlagGPIO4
)

// FlagForPin maps a physical pin through the pin map to its logical flag.
// Returns 0 for a pin outside the map.
func FlagForPin(pins config.PinMap, pin uint16) uint32 {
	switch pin {
	case pins.DIO1:
		return FlagDIO1
	case pins.DIO2:
		return FlagDIO2
	case pins.DIO3:
		return FlagDIO3
	case pins.DIO4:
		return FlagDIO4
	case pins.GPIO1:
		return FlagGPIO1
	case pins.GPIO2:
		return FlagGPIO2
	case pins.GPIO3:
		return FlagGPIO3
	case pins.GPIO4:
		return FlagGPIO4
	}
	return 0
}

// Router is the interrupt-level pin to flag dispatcher. The handler only
// re-reads the pin and posts a flag; it never blocks.
type Router struct {
	pins  config.PinMap
	bank  hal.GpioBank
	group *events.Group
	log   types.Logger
}

// NewRouter attaches the router to the bank's interrupt vector. The pin map
// is fixed for the lifetime of the router.
func NewRouter(pins config.PinMap, bank hal.GpioBank, group *events.Group, log types.Logger) *Router {
	r := &Router{
		pins:  pins,
		bank:  bank,
		group: group,
		log:   log,
	}
	bank.Watch(r.HandleInterrupt)
	return r
}

// HandleInterrupt runs at interrupt priority. It confirms the pin is still
// readable, maps it to a logical flag and posts that single bit.
func (r *Router) HandleInterrupt(pin uint16) {
	if _, err := r.bank.Read(pin); err != nil {
		if r.log != nil {
			r.log.Warn().Int("pin", int(pin)).Err(err).Msg("interrupt on unreadable pin")
		}
		return
	}
	flag := FlagForPin(r.pins, pin)
	if flag == 0 {
		return
	}
	r.group.Set(flag)
}
