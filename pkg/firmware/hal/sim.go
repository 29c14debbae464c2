package hal

import (
	"sync"
	"time"

	"github.com/isensor/fx3/pkg/firmware/config"
)

// Sim is an in-memory implementation of every hardware interface. It models
// a register-framed sensor on the SPI bus: a 7 bit address space of 16 bit
// registers with the classic request/response offset (a read request clocks
// out the previously addressed register). Pin levels, interrupts, flash and
// the watchdog register are all observable, which is what the tests and the
// daemon run against.
type Sim struct {
	mu sync.Mutex

	Board config.BoardType

	regs    [128]uint16
	pending uint8
	spiCfg  config.SpiConfig
	spiErr  error // injected transfer fault

	pins      map[uint16]bool
	resistors map[uint16]ResistorMode
	handler   func(pin uint16)

	flash []byte

	wdEnabled  bool
	wdPeriodMs uint32
	wdCounter  uint32
	wdWrites   []uint32
	wdFail     bool

	pwmEnabled bool
	supply     config.DutVoltage
	resets     []bool

	timerBase time.Time
}

func NewSim(board config.BoardType) *Sim {
	return &Sim{
		Board:     board,
		pins:      make(map[uint16]bool),
		resistors: make(map[uint16]ResistorMode),
		flash:     make([]byte, 64*1024),
		timerBase: time.Now(),
	}
}

/*
 * SpiBus
 */

func (s *Sim) SetConfig(cfg config.SpiConfig) error {
	s.mu.Lock()
	s.spiCfg = cfg
	s.mu.Unlock()
	return nil
}

func (s *Sim) Transfer(tx, rx []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.spiErr != nil {
		return s.spiErr
	}
	// 16 bit transactions: bit 15 set = write addr|value, clear = read
	// request. Responses are offset by one word.
	for i := 0; i+1 < len(tx); i += 2 {
		resp := s.regs[s.pending&0x7f]
		if len(rx) >= i+2 {
			rx[i] = byte(resp >> 8)
			rx[i+1] = byte(resp)
		}
		if tx[i]&0x80 != 0 {
			s.regs[tx[i]&0x7f] = uint16(tx[i+1])
		} else {
			s.pending = tx[i] & 0x7f
		}
	}
	return nil
}

func (s *Sim) Reset() error {
	s.mu.Lock()
	s.pending = 0
	s.spiErr = nil
	s.mu.Unlock()
	return nil
}

// FailSpi injects a transfer fault; Reset clears it.
func (s *Sim) FailSpi(err error) {
	s.mu.Lock()
	s.spiErr = err
	s.mu.Unlock()
}

// SetReg seeds a sensor register value.
func (s *Sim) SetReg(addr uint8, value uint16) {
	s.mu.Lock()
	s.regs[addr&0x7f] = value
	s.mu.Unlock()
}

// Reg reads back a sensor register value.
func (s *Sim) Reg(addr uint8) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs[addr&0x7f]
}

/*
 * GpioBank
 */

func (s *Sim) Read(pin uint16) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pins[pin], nil
}

func (s *Sim) Set(pin uint16, high bool) error {
	s.mu.Lock()
	s.pins[pin] = high
	s.mu.Unlock()
	return nil
}

func (s *Sim) SetResistor(pin uint16, mode ResistorMode) error {
	s.mu.Lock()
	s.resistors[pin] = mode
	s.mu.Unlock()
	return nil
}

func (s *Sim) Watch(handler func(pin uint16)) {
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
}

// Interrupt raises the pin to the given level and fires the interrupt
// handler, the way an edge on the physical pin would.
func (s *Sim) Interrupt(pin uint16, level bool) {
	s.mu.Lock()
	s.pins[pin] = level
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(pin)
	}
}

/*
 * PulseTimer
 */

func (s *Sim) DrivePulse(pin uint16, high bool, periodMs uint32) error {
	s.mu.Lock()
	s.pins[pin] = high
	s.mu.Unlock()
	return nil
}

func (s *Sim) WaitPulse(pin uint16, polarity bool, timeoutMs uint32) (uint32, error) {
	s.mu.Lock()
	level := s.pins[pin]
	s.mu.Unlock()
	if level == polarity {
		return 0, nil
	}
	return 0, ErrPulseTimeout
}

func (s *Sim) MeasureFreq(pin uint16, timeoutMs uint32) (uint32, error) {
	return 1000, nil
}

func (s *Sim) MeasurePinDelay(pin uint16, timeoutMs uint32) (uint32, error) {
	return 42, nil
}

func (s *Sim) MeasureBusyPulse(pin uint16, timeoutMs uint32) (uint32, error) {
	return 100, nil
}

func (s *Sim) ReadTimer() (uint32, error) {
	// 10MHz free running timer.
	return uint32(time.Since(s.timerBase).Microseconds() * 10), nil
}

/*
 * BitBang
 */

func (s *Sim) BitBangTransfer(cfg BitBangConfig, mosi []byte, bitCount uint32) ([]byte, error) {
	// Software loopback: MISO mirrors MOSI.
	miso := make([]byte, len(mosi))
	copy(miso, mosi)
	return miso, nil
}

/*
 * Supply / Pwm
 */

func (s *Sim) SetDutSupply(v config.DutVoltage) error {
	s.mu.Lock()
	s.supply = v
	s.mu.Unlock()
	return nil
}

func (s *Sim) DutSupply() config.DutVoltage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.supply
}

func (s *Sim) ConfigurePwm(pin uint16, freqHz uint32, dutyCycle uint32, enable bool) error {
	s.mu.Lock()
	s.pwmEnabled = enable
	s.mu.Unlock()
	return nil
}

func (s *Sim) PwmEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pwmEnabled
}

/*
 * Flash
 */

func (s *Sim) ReadFlash(addr uint32, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(addr)+len(p) > len(s.flash) {
		return ErrFlashBounds
	}
	copy(p, s.flash[addr:])
	return nil
}

func (s *Sim) WriteFlash(addr uint32, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(addr)+len(p) > len(s.flash) {
		return ErrFlashBounds
	}
	copy(s.flash[addr:], p)
	return nil
}

/*
 * Watchdog
 */

func (s *Sim) ConfigureWatchdog(enabled bool, periodMs uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wdFail {
		return ErrWatchdogSetup
	}
	s.wdEnabled = enabled
	s.wdPeriodMs = periodMs
	return nil
}

func (s *Sim) SetCounter(ticks uint32) {
	s.mu.Lock()
	s.wdCounter = ticks
	s.wdWrites = append(s.wdWrites, ticks)
	s.mu.Unlock()
}

// FailWatchdog makes the next ConfigureWatchdog call fail.
func (s *Sim) FailWatchdog(fail bool) {
	s.mu.Lock()
	s.wdFail = fail
	s.mu.Unlock()
}

// WatchdogState reports the armed state and counter write history.
func (s *Sim) WatchdogState() (bool, uint32, []uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writes := make([]uint32, len(s.wdWrites))
	copy(writes, s.wdWrites)
	return s.wdEnabled, s.wdPeriodMs, writes
}

/*
 * Resetter / BoardProbe
 */

func (s *Sim) DeviceReset(toBootloader bool) {
	s.mu.Lock()
	s.resets = append(s.resets, toBootloader)
	s.mu.Unlock()
}

func (s *Sim) Resets() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]bool, len(s.resets))
	copy(out, s.resets)
	return out
}

func (s *Sim) DetectBoard() config.BoardType {
	return s.Board
}

// Hardware returns the aggregate wiring with the simulator behind every
// interface.
func (s *Sim) Hardware() Hardware {
	return Hardware{
		Spi:      s,
		Gpio:     s,
		Timing:   s,
		BitBang:  s,
		Supply:   s,
		Pwm:      s,
		Flash:    s,
		Watchdog: s,
		Reset:    s,
		Probe:    s,
	}
}
