// Package config holds the run time configurable device state. One Device
// instance exists per boot, owned by the application supervisor. It is
// mutated only on the control task; the streaming task never touches it
// directly, it receives immutable per-stream snapshots instead.
package config

import (
	"encoding/binary"
)

// BoardType identifies the detected carrier board.
type BoardType uint32

const (
	// BoardCypressExplorer is the SuperSpeed Explorer kit.
	BoardCypressExplorer BoardType = 1
	// BoardISensor is the in-house sensor evaluation board with the
	// power control circuit.
	BoardISensor BoardType = 2
)

func (b BoardType) String() string {
	switch b {
	case BoardCypressExplorer:
		return "cypress explorer"
	case BoardISensor:
		return "isensor eval"
	}
	return "unknown"
}

// DutType selects the register framing conventions of the attached device
// under test.
type DutType uint32

const (
	DutIMU DutType = iota
	DutADcmXL1021
	DutADcmXL2021
	DutADcmXL3021
	DutLegacyIMU
)

// DutVoltage is a supply rail selection for the device under test.
type DutVoltage uint16

const (
	SupplyOff DutVoltage = iota
	Supply3V3
	Supply5V
)

// PinMap is the logical-to-physical pin assignment for the active board.
// Selected once at application start and immutable afterwards.
type PinMap struct {
	Reset uint16
	DIO1  uint16
	DIO2  uint16
	DIO3  uint16
	DIO4  uint16
	GPIO1 uint16
	GPIO2 uint16
	GPIO3 uint16
	GPIO4 uint16
}

// The two fixed layouts. Which one applies is decided by board detection at
// startup; there is no other source of pin assignments.
var (
	pinMapISensor = PinMap{
		Reset: 1, DIO4: 2, DIO3: 3, DIO2: 4, DIO1: 5,
		GPIO1: 6, GPIO2: 7, GPIO3: 8, GPIO4: 12,
	}
	pinMapExplorer = PinMap{
		Reset: 0, DIO4: 1, DIO3: 2, DIO2: 3, DIO1: 4,
		GPIO1: 5, GPIO2: 6, GPIO3: 7, GPIO4: 12,
	}
)

// PinMapFor returns the fixed layout for the given board type.
func PinMapFor(board BoardType) PinMap {
	if board == BoardISensor {
		return pinMapISensor
	}
	return pinMapExplorer
}

// SpiConfig holds the global SPI link parameters.
type SpiConfig struct {
	ClockHz    uint32
	WordLength uint8
	Cpol       bool
	Cpha       bool
	LsbFirst   bool
	SsnPol     bool
	LeadTime   uint8
	LagTime    uint8
	SsnCtrl    uint8
}

// DefaultSpiConfig mirrors the boot defaults programmed before the host has
// had a chance to reconfigure the link.
func DefaultSpiConfig() SpiConfig {
	return SpiConfig{
		ClockHz:    2000000,
		WordLength: 8,
		Cpol:       true,
		Cpha:       true,
		LeadTime:   1,
		LagTime:    1,
	}
}

// Bytes returns the fixed 12 byte wire record for READ_SPI_CONFIG.
func (s SpiConfig) Bytes() []byte {
	b := make([]byte, 12)
	binary.LittleEndian.PutUint32(b[0:], s.ClockHz)
	b[4] = s.WordLength
	b[5] = boolByte(s.Cpol)
	b[6] = boolByte(s.Cpha)
	b[7] = boolByte(s.LsbFirst)
	b[8] = boolByte(s.SsnPol)
	b[9] = s.LeadTime
	b[10] = s.LagTime
	b[11] = s.SsnCtrl
	return b
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

// Device is the process wide configuration record, created at boot and never
// destroyed. All reads and writes happen on the control task.
type Device struct {
	BoardType BoardType
	PinMap    PinMap

	Spi     SpiConfig
	DutType DutType

	// Data ready trigger configuration for the streaming engine.
	DrPin      uint16
	DrActive   bool
	DrPolarity bool

	// ExitPin forces a real-time stream back to idle when it fires and
	// pin exit was enabled on the Start command.
	ExitPin uint16

	// Negotiated USB packet size: 64, 512 or 1024 depending on link speed.
	UsbPacketSize int

	WatchdogEnabled  bool
	WatchdogPeriodMs uint32

	// Stall time between SPI words, microseconds.
	StallTimeUs uint32

	// Host supplied boot timestamp (SET_BOOT_TIME).
	BootTime uint32

	// AppActive is true between application start and stop.
	AppActive bool

	SerialNumber [32]byte
	FirmwareID   [32]byte
}

// NewDevice builds the boot time configuration for a detected board type.
// Matches the values programmed during application start on the original
// platform: ADcmXL3021 DUT, data ready on DIO2, 25us stall.
func NewDevice(board BoardType) *Device {
	pins := PinMapFor(board)
	d := &Device{
		BoardType:        board,
		PinMap:           pins,
		Spi:              DefaultSpiConfig(),
		DutType:          DutADcmXL3021,
		DrPin:            pins.DIO2,
		DrActive:         true,
		DrPolarity:       true,
		ExitPin:          pins.DIO1,
		StallTimeUs:      25,
		WatchdogEnabled:  true,
		WatchdogPeriodMs: 20000,
	}
	copy(d.FirmwareID[:], "FX3 BRIDGE REV 2.6.5-PUB")
	return d
}

// BoardInfoBytes returns the 22 byte GET_BOARD_TYPE record: board type (4)
// followed by the nine pin assignments, two bytes each, in the fixed order
// Reset, DIO1..DIO4, GPIO1..GPIO4.
func (d *Device) BoardInfoBytes() []byte {
	b := make([]byte, 22)
	binary.LittleEndian.PutUint32(b[0:], uint32(d.BoardType))
	pins := []uint16{
		d.PinMap.Reset,
		d.PinMap.DIO1, d.PinMap.DIO2, d.PinMap.DIO3, d.PinMap.DIO4,
		d.PinMap.GPIO1, d.PinMap.GPIO2, d.PinMap.GPIO3, d.PinMap.GPIO4,
	}
	for i, p := range pins {
		binary.LittleEndian.PutUint16(b[4+2*i:], p)
	}
	return b
}

// SpiParam identifies one settable link parameter for SET_SPI_CONFIG. The
// same parameter space also carries the data-ready, stall and watchdog
// settings so the host library can configure everything through one command.
type SpiParam uint16

const (
	ParamClockHz SpiParam = iota
	ParamWordLength
	ParamCpol
	ParamCpha
	ParamLsbFirst
	ParamSsnPol
	ParamLeadTime
	ParamLagTime
	ParamSsnCtrl
	ParamDrPin
	ParamDrActive
	ParamDrPolarity
	ParamExitPin
	ParamStallTimeUs
	ParamDutType
	ParamWatchdogEnable
	ParamWatchdogPeriodMs
)

// Apply sets one parameter. Returns false for an unknown parameter id, which
// the dispatcher reports unhandled. ClockHz and WatchdogPeriodMs take their
// 32 bit value split across two consecutive parameter writes on the real
// link; here value carries the low 16 bits and upper the high 16 bits.
func (d *Device) Apply(param SpiParam, value uint16, upper uint16) bool {
	v32 := uint32(upper)<<16 | uint32(value)
	switch param {
	case ParamClockHz:
		d.Spi.ClockHz = v32
	case ParamWordLength:
		d.Spi.WordLength = uint8(value)
	case ParamCpol:
		d.Spi.Cpol = value != 0
	case ParamCpha:
		d.Spi.Cpha = value != 0
	case ParamLsbFirst:
		d.Spi.LsbFirst = value != 0
	case ParamSsnPol:
		d.Spi.SsnPol = value != 0
	case ParamLeadTime:
		d.Spi.LeadTime = uint8(value)
	case ParamLagTime:
		d.Spi.LagTime = uint8(value)
	case ParamSsnCtrl:
		d.Spi.SsnCtrl = uint8(value)
	case ParamDrPin:
		d.DrPin = value
	case ParamDrActive:
		d.DrActive = value != 0
	case ParamDrPolarity:
		d.DrPolarity = value != 0
	case ParamExitPin:
		d.ExitPin = value
	case ParamStallTimeUs:
		d.StallTimeUs = v32
	case ParamDutType:
		d.DutType = DutType(value)
	case ParamWatchdogEnable:
		d.WatchdogEnabled = value != 0
	case ParamWatchdogPeriodMs:
		d.WatchdogPeriodMs = v32
	default:
		return false
	}
	return true
}
