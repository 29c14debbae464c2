// Package hal defines the narrow hardware interfaces the firmware core is
// written against. Electrical behavior lives behind these interfaces; the
// core only sees synchronous byte-exact operations. Sim provides a complete
// in-memory implementation for tests and for running the daemon without the
// physical part.
package hal

import (
	"errors"

	"github.com/isensor/fx3/pkg/firmware/config"
)

var (
	ErrBadPin        = errors.New("pin not configured")
	ErrPulseTimeout  = errors.New("pulse wait timed out")
	ErrFlashBounds   = errors.New("flash access out of bounds")
	ErrWatchdogSetup = errors.New("watchdog timer could not be configured")
)

// SpiBus is the hardware SPI master. Transfer clocks len(tx) bytes out while
// reading the same number in; tx and rx must be equal length.
type SpiBus interface {
	SetConfig(cfg config.SpiConfig) error
	Transfer(tx, rx []byte) error
	// Reset reinitializes the controller, dropping any wedged transfer.
	Reset() error
}

// ResistorMode selects the input stage pull for a GPIO pin.
type ResistorMode uint16

const (
	ResistorNone ResistorMode = iota
	ResistorPullUp
	ResistorPullDown
)

// GpioBank is logical-level pin access. Interrupt delivery is a callback at
// interrupt priority: handlers must only set flags and never block.
type GpioBank interface {
	Read(pin uint16) (bool, error)
	Set(pin uint16, high bool) error
	SetResistor(pin uint16, mode ResistorMode) error
	// Watch registers the single interrupt handler for the bank.
	Watch(handler func(pin uint16))
}

// PulseTimer covers the timing measurement collaborators: pulse drive and
// wait, frequency and delay measurement, and the free running complex timer.
// All operations are synchronous and bounded by their timeout arguments.
type PulseTimer interface {
	DrivePulse(pin uint16, high bool, periodMs uint32) error
	WaitPulse(pin uint16, polarity bool, timeoutMs uint32) (uint32, error)
	MeasureFreq(pin uint16, timeoutMs uint32) (uint32, error)
	MeasurePinDelay(pin uint16, timeoutMs uint32) (uint32, error)
	MeasureBusyPulse(pin uint16, timeoutMs uint32) (uint32, error)
	ReadTimer() (uint32, error)
}

// BitBangConfig configures a software timed SPI transfer.
type BitBangConfig struct {
	MOSI           uint16
	MISO           uint16
	CS             uint16
	SCLK           uint16
	HalfClockDelay uint32
	CSLeadDelay    uint16
	CSLagDelay     uint16
}

// BitBang is the software timed SPI collaborator.
type BitBang interface {
	BitBangTransfer(cfg BitBangConfig, mosi []byte, bitCount uint32) ([]byte, error)
}

// Supply controls the device under test power rail.
type Supply interface {
	SetDutSupply(v config.DutVoltage) error
}

// Pwm enables or disables clock signal generation on a pin.
type Pwm interface {
	ConfigurePwm(pin uint16, freqHz uint32, dutyCycle uint32, enable bool) error
}

// Flash is raw persistent storage access for the error log and for the
// READ_FLASH command.
type Flash interface {
	ReadFlash(addr uint32, p []byte) error
	WriteFlash(addr uint32, p []byte) error
}

// Watchdog is the hardware countdown register. Configure arms or disarms the
// timer; SetCounter rewrites the countdown value and must be callable from a
// timer callback without blocking.
type Watchdog interface {
	ConfigureWatchdog(enabled bool, periodMs uint32) error
	SetCounter(ticks uint32)
}

// Resetter performs the device level reset. Hard resets return to the
// bootloader, warm resets restart the application image.
type Resetter interface {
	DeviceReset(toBootloader bool)
}

// BoardProbe performs the one-time electrical board detection.
type BoardProbe interface {
	DetectBoard() config.BoardType
}

// Hardware aggregates every collaborator the application needs. Individual
// components receive only the interfaces they use.
type Hardware struct {
	Spi      SpiBus
	Gpio     GpioBank
	Timing   PulseTimer
	BitBang  BitBang
	Supply   Supply
	Pwm      Pwm
	Flash    Flash
	Watchdog Watchdog
	Reset    Resetter
	Probe    BoardProbe
}
