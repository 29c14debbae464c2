// Package control decodes vendor commands from the host and answers them.
// Streaming commands only pulse event bits; everything else is handled
// synchronously in the calling context. Short measurement results go back
// over the manual bulk channel, identifiers and status over the control
// channel.
package control

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/loopholelabs/logging/types"

	"github.com/isensor/fx3/pkg/firmware"
	"github.com/isensor/fx3/pkg/firmware/config"
	"github.com/isensor/fx3/pkg/firmware/dma"
	"github.com/isensor/fx3/pkg/firmware/flashlog"
	"github.com/isensor/fx3/pkg/firmware/gpio"
	"github.com/isensor/fx3/pkg/firmware/hal"
	"github.com/isensor/fx3/pkg/firmware/stream"
)

// Vendor command opcodes. The numeric values are part of the contract with
// the host library and must stay stable across firmware revisions.
const (
	CmdFirmwareID   uint8 = 0xB0
	CmdSerialNumber uint8 = 0xB1
	CmdBuildDate    uint8 = 0xB2
	CmdBoardType    uint8 = 0xB3
	CmdStatus       uint8 = 0xB4
	CmdNull         uint8 = 0xB5
	CmdSetBootTime  uint8 = 0xB6
	CmdReadTimer    uint8 = 0xB7

	CmdSetSpiConfig  uint8 = 0xC0
	CmdReadSpiConfig uint8 = 0xC1
	CmdResetSpi      uint8 = 0xC2
	CmdReadBytes     uint8 = 0xC3
	CmdWriteByte     uint8 = 0xC4
	CmdTransferBytes uint8 = 0xC5
	CmdBitBangSpi    uint8 = 0xC6

	CmdReadPin        uint8 = 0xD0
	CmdSetPin         uint8 = 0xD1
	CmdSetPinResistor uint8 = 0xD2
	CmdPulseDrive     uint8 = 0xD3
	CmdPulseWait      uint8 = 0xD4
	CmdMeasureDr      uint8 = 0xD5
	CmdPinDelay       uint8 = 0xD6
	CmdBusyMeasure    uint8 = 0xD7
	CmdSetDutSupply   uint8 = 0xD8
	CmdPwm            uint8 = 0xD9

	CmdStreamGeneric  uint8 = 0xE0
	CmdStreamBurst    uint8 = 0xE1
	CmdStreamRealTime uint8 = 0xE2
	CmdTransferStream uint8 = 0xE3

	CmdReadFlash     uint8 = 0xF0
	CmdClearFlashLog uint8 = 0xF1
	CmdHardReset     uint8 = 0xF2
	CmdWarmReset     uint8 = 0xF3
)

// Stream sub-opcodes, carried in the command index.
const (
	StreamStart uint16 = 0
	StreamDone  uint16 = 1
	StreamStop  uint16 = 2
)

// ErrUnhandled marks a command the transport must reject: unknown opcode,
// malformed sub-opcode or a failed downstream operation. The host sees a
// stall, never a silent accept.
var ErrUnhandled = errors.New("command not handled")

// BuildDate is stamped by the build; the default marks development builds.
var BuildDate = "dev"

// Command is one decoded vendor request. Payload, when non-nil, is the
// host-to-device data stage and must be fully drained before Handle returns
// or the transport desynchronizes.
type Command struct {
	Opcode  uint8
	Index   uint16
	Value   uint16
	Length  uint16
	Payload io.Reader
}

// Metrics is a snapshot of the dispatcher counters.
type Metrics struct {
	Handled   uint64
	Unhandled uint64
}

// Dispatcher owns the control task side of the firmware: the device
// configuration, the synchronous hardware collaborators and the signalling
// interface to the streaming engine.
type Dispatcher struct {
	log    types.Logger
	dev    *config.Device
	hw     hal.Hardware
	engine *stream.Engine
	elog   *flashlog.Log
	manual *dma.Channel

	// shutdown performs the ordered teardown and device reset for the
	// reset commands. Installed by the application supervisor.
	shutdown func(toBootloader bool)

	// SendTimeout bounds bulk replies on the manual channel.
	SendTimeout time.Duration

	verbose bool

	handled   atomic.Uint64
	unhandled atomic.Uint64
}

func NewDispatcher(dev *config.Device, hw hal.Hardware, engine *stream.Engine,
	elog *flashlog.Log, manual *dma.Channel, log types.Logger) *Dispatcher {
	return &Dispatcher{
		log:         log,
		dev:         dev,
		hw:          hw,
		engine:      engine,
		elog:        elog,
		manual:      manual,
		SendTimeout: time.Second,
	}
}

// OnReset installs the ordered-shutdown hook used by HARD_RESET/WARM_RESET.
func (d *Dispatcher) OnReset(fn func(toBootloader bool)) {
	d.shutdown = fn
}

// SetVerbose controls the verbose indicator byte in GET_STATUS replies.
func (d *Dispatcher) SetVerbose(v bool) {
	d.verbose = v
}

// Snapshot returns the dispatcher counters.
func (d *Dispatcher) Snapshot() Metrics {
	return Metrics{
		Handled:   d.handled.Load(),
		Unhandled: d.unhandled.Load(),
	}
}

// Handle executes one command and returns the control-channel reply, if any.
// The data stage is always drained, even on the error paths.
func (d *Dispatcher) Handle(cmd Command) ([]byte, error) {
	reply, err := d.dispatch(cmd)
	if cmd.Payload != nil {
		// Whatever the outcome, the data stage must be consumed.
		_, _ = io.Copy(io.Discard, cmd.Payload)
	}
	if err != nil {
		d.unhandled.Add(1)
		if d.log != nil {
			d.log.Warn().Int("opcode", int(cmd.Opcode)).Err(err).Msg("command unhandled")
		}
		d.logFault(cmd, err)
		return nil, err
	}
	d.handled.Add(1)
	return reply, nil
}

func (d *Dispatcher) dispatch(cmd Command) ([]byte, error) {
	switch cmd.Opcode {
	case CmdNull:
		return nil, nil
	case CmdFirmwareID:
		return d.dev.FirmwareID[:], nil
	case CmdSerialNumber:
		return d.dev.SerialNumber[:], nil
	case CmdBuildDate:
		return []byte(BuildDate), nil
	case CmdBoardType:
		return d.dev.BoardInfoBytes(), nil
	case CmdStatus:
		return d.statusReply(), nil
	case CmdSetBootTime:
		return nil, d.setBootTime(cmd)
	case CmdReadTimer:
		return d.readTimer()

	case CmdSetSpiConfig:
		return nil, d.setSpiConfig(cmd)
	case CmdReadSpiConfig:
		return d.dev.Spi.Bytes(), nil
	case CmdResetSpi:
		return statusBytes(d.hw.Spi.Reset()), nil
	case CmdReadBytes:
		return nil, d.readReg(cmd)
	case CmdWriteByte:
		return nil, d.writeReg(cmd)
	case CmdTransferBytes:
		return nil, d.transferBytes(cmd)
	case CmdBitBangSpi:
		return nil, d.bitBang(cmd)

	case CmdReadPin:
		return d.readPin(cmd)
	case CmdSetPin:
		return statusBytes(d.hw.Gpio.Set(cmd.Index, cmd.Value != 0)), nil
	case CmdSetPinResistor:
		return statusBytes(d.hw.Gpio.SetResistor(cmd.Index, hal.ResistorMode(cmd.Value))), nil
	case CmdPulseDrive:
		return nil, d.pulseDrive(cmd)
	case CmdPulseWait:
		return nil, d.pulseWait(cmd)
	case CmdMeasureDr:
		return nil, d.measure(cmd, d.hw.Timing.MeasureFreq)
	case CmdPinDelay:
		return nil, d.measure(cmd, d.hw.Timing.MeasurePinDelay)
	case CmdBusyMeasure:
		return nil, d.measure(cmd, d.hw.Timing.MeasureBusyPulse)
	case CmdSetDutSupply:
		return d.setDutSupply(cmd)
	case CmdPwm:
		return nil, d.configurePwm(cmd)

	case CmdStreamGeneric:
		return d.streamCommand(cmd, stream.ModeGeneric)
	case CmdStreamBurst:
		return d.streamCommand(cmd, stream.ModeBurst)
	case CmdStreamRealTime:
		return d.streamCommand(cmd, stream.ModeRealTime)
	case CmdTransferStream:
		return d.streamCommand(cmd, stream.ModeTransfer)

	case CmdReadFlash:
		return nil, d.readFlash(cmd)
	case CmdClearFlashLog:
		return nil, d.elog.Clear()
	case CmdHardReset:
		return nil, d.reset(true)
	case CmdWarmReset:
		return nil, d.reset(false)
	}
	return nil, fmt.Errorf("%w: unknown opcode 0x%02x", ErrUnhandled, cmd.Opcode)
}

// statusReply is the GET_STATUS record: 4 byte status of the most recent
// stream plus the verbose mode indicator.
func (d *Dispatcher) statusReply() []byte {
	b := d.engine.Status().Bytes()
	v := byte(0)
	if d.verbose {
		v = 1
	}
	return append(b, v)
}

func (d *Dispatcher) setBootTime(cmd Command) error {
	var b [4]byte
	if _, err := io.ReadFull(cmd.Payload, b[:]); err != nil {
		return fmt.Errorf("%w: boot time payload: %v", ErrUnhandled, err)
	}
	d.dev.BootTime = binary.LittleEndian.Uint32(b[:])
	if d.log != nil {
		d.log.Debug().Uint32("bootTime", d.dev.BootTime).Msg("boot timestamp set")
	}
	return nil
}

func (d *Dispatcher) readTimer() ([]byte, error) {
	v, err := d.hw.Timing.ReadTimer()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnhandled, err)
	}
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b, nil
}

func (d *Dispatcher) setSpiConfig(cmd Command) error {
	if !d.dev.Apply(config.SpiParam(cmd.Index), cmd.Value, cmd.Length) {
		return fmt.Errorf("%w: unknown spi parameter %d", ErrUnhandled, cmd.Index)
	}
	return d.hw.Spi.SetConfig(d.dev.Spi)
}

// readReg clocks one register read transaction: the address word, then the
// response word carrying the value. The result goes back over the manual
// bulk channel.
func (d *Dispatcher) readReg(cmd Command) error {
	tx := []byte{byte(cmd.Index) & 0x7f, 0, 0, 0}
	rx := make([]byte, 4)
	if err := d.hw.Spi.Transfer(tx, rx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnhandled, err)
	}
	return d.bulkReply(firmware.StatusSuccess, rx[2:4])
}

func (d *Dispatcher) writeReg(cmd Command) error {
	tx := []byte{byte(cmd.Index) | 0x80, byte(cmd.Value)}
	return d.hw.Spi.Transfer(tx, make([]byte, 2))
}

// transferBytes is the 32 bit raw transaction: the upper write half rides in
// the index, the lower in the value.
func (d *Dispatcher) transferBytes(cmd Command) error {
	word := uint32(cmd.Index)<<16 | uint32(cmd.Value)
	tx := make([]byte, 4)
	binary.BigEndian.PutUint32(tx, word)
	rx := make([]byte, 4)
	if err := d.hw.Spi.Transfer(tx, rx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnhandled, err)
	}
	return d.bulkReply(firmware.StatusSuccess, rx)
}

// bitBang payload layout: pins MOSI, MISO, CS, SCLK (2B LE each), half clock
// delay (4B), CS lead and lag delays (2B each), bit count (4B), then the
// outbound data.
func (d *Dispatcher) bitBang(cmd Command) error {
	head := make([]byte, 20)
	if _, err := io.ReadFull(cmd.Payload, head); err != nil {
		return fmt.Errorf("%w: bitbang header: %v", ErrUnhandled, err)
	}
	cfg := hal.BitBangConfig{
		MOSI:           binary.LittleEndian.Uint16(head[0:]),
		MISO:           binary.LittleEndian.Uint16(head[2:]),
		CS:             binary.LittleEndian.Uint16(head[4:]),
		SCLK:           binary.LittleEndian.Uint16(head[6:]),
		HalfClockDelay: binary.LittleEndian.Uint32(head[8:]),
		CSLeadDelay:    binary.LittleEndian.Uint16(head[12:]),
		CSLagDelay:     binary.LittleEndian.Uint16(head[14:]),
	}
	bitCount := binary.LittleEndian.Uint32(head[16:])
	mosi, err := io.ReadAll(cmd.Payload)
	if err != nil {
		return fmt.Errorf("%w: bitbang data: %v", ErrUnhandled, err)
	}
	miso, err := d.hw.BitBang.BitBangTransfer(cfg, mosi, bitCount)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnhandled, err)
	}
	return d.bulkReply(firmware.StatusSuccess, miso)
}

func (d *Dispatcher) readPin(cmd Command) ([]byte, error) {
	level, err := d.hw.Gpio.Read(cmd.Index)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnhandled, err)
	}
	b := firmware.StatusSuccess.Bytes()
	if level {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	return b, nil
}

// pulseDrive payload: pin (2B), polarity (1B), period ms (4B). The status
// goes back over the bulk channel the way measurement results do.
func (d *Dispatcher) pulseDrive(cmd Command) error {
	p := make([]byte, 7)
	if _, err := io.ReadFull(cmd.Payload, p); err != nil {
		return fmt.Errorf("%w: pulse drive payload: %v", ErrUnhandled, err)
	}
	pin := binary.LittleEndian.Uint16(p[0:])
	high := p[2] != 0
	period := binary.LittleEndian.Uint32(p[3:])
	st := firmware.StatusSuccess
	if err := d.hw.Timing.DrivePulse(pin, high, period); err != nil {
		st = firmware.StatusFailure
	}
	return d.bulkReply(st, nil)
}

// pulseWait waits on the pin edge: pin in the index, polarity in the value,
// timeout ms in the length. Elapsed time goes back with the status.
func (d *Dispatcher) pulseWait(cmd Command) error {
	elapsed, err := d.hw.Timing.WaitPulse(cmd.Index, cmd.Value != 0, uint32(cmd.Length))
	st := firmware.StatusSuccess
	if err != nil {
		st = firmware.StatusTimeout
	}
	v := make([]byte, 4)
	binary.LittleEndian.PutUint32(v, elapsed)
	return d.bulkReply(st, v)
}

func (d *Dispatcher) measure(cmd Command, fn func(pin uint16, timeoutMs uint32) (uint32, error)) error {
	v, err := fn(cmd.Index, uint32(cmd.Length))
	st := firmware.StatusSuccess
	if err != nil {
		st = firmware.StatusTimeout
	}
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return d.bulkReply(st, b)
}

func (d *Dispatcher) setDutSupply(cmd Command) ([]byte, error) {
	v := config.DutVoltage(cmd.Value)
	switch v {
	case config.SupplyOff, config.Supply3V3, config.Supply5V:
	default:
		return nil, fmt.Errorf("%w: invalid supply selection %d", ErrUnhandled, cmd.Value)
	}
	return statusBytes(d.hw.Supply.SetDutSupply(v)), nil
}

// configurePwm payload: pin (2B), frequency Hz (4B), duty cycle (4B). The
// index enables (1) or disables (0) generation.
func (d *Dispatcher) configurePwm(cmd Command) error {
	p := make([]byte, 10)
	if _, err := io.ReadFull(cmd.Payload, p); err != nil {
		return fmt.Errorf("%w: pwm payload: %v", ErrUnhandled, err)
	}
	pin := binary.LittleEndian.Uint16(p[0:])
	freq := binary.LittleEndian.Uint32(p[2:])
	duty := binary.LittleEndian.Uint32(p[6:])
	return d.hw.Pwm.ConfigurePwm(pin, freq, duty, cmd.Index != 0)
}

// streamCommand routes the Start/Done/Stop sub-opcode for one mode. Start
// builds the immutable parameter snapshot from the current configuration and
// arms the engine; the Start bit is posted only after the snapshot is fully
// published.
func (d *Dispatcher) streamCommand(cmd Command, mode stream.Mode) ([]byte, error) {
	switch cmd.Index {
	case StreamStart:
		req, err := d.buildRequest(cmd, mode)
		if err != nil {
			return nil, err
		}
		if err := d.engine.Arm(req); err != nil {
			// A Start while another mode is active never overrides
			// the running stream.
			return nil, fmt.Errorf("%w: %v", ErrUnhandled, err)
		}
		return nil, nil
	case StreamDone:
		// Host side cleanup after a naturally finished capture. The
		// result of the capture rides in the acknowledgment.
		d.engine.SignalDone(mode)
		return d.engine.Status().Bytes(), nil
	case StreamStop:
		d.engine.SignalStop(mode)
		return nil, nil
	}
	return nil, fmt.Errorf("%w: unknown stream sub-opcode %d", ErrUnhandled, cmd.Index)
}

func (d *Dispatcher) buildRequest(cmd Command, mode stream.Mode) (stream.Request, error) {
	req := stream.Request{
		Mode:      mode,
		DrFlag:    gpio.FlagForPin(d.dev.PinMap, d.dev.DrPin),
		StallTime: time.Duration(d.dev.StallTimeUs) * time.Microsecond,
	}
	if !d.dev.DrActive {
		req.DrFlag = 0
	}
	switch mode {
	case stream.ModeGeneric:
		req.ByteCount = uint32(cmd.Length)
		regs, err := d.readRegsPayload(cmd)
		if err != nil {
			return stream.Request{}, err
		}
		req.Regs = regs
	case stream.ModeBurst:
		req.WordCount = uint32(cmd.Length)
	case stream.ModeRealTime:
		req.Regs = []byte{0x00, 0x00}
		req.PinExit = cmd.Value != 0
		req.ExitFlag = gpio.FlagForPin(d.dev.PinMap, d.dev.ExitPin)
	case stream.ModeTransfer:
		req.ByteCount = uint32(cmd.Value)<<16 | uint32(cmd.Length)
	}
	return req, nil
}

// readRegsPayload consumes the register request list from the data stage.
// With no data stage the stream falls back to a single word read per
// trigger.
func (d *Dispatcher) readRegsPayload(cmd Command) ([]byte, error) {
	if cmd.Payload == nil {
		return []byte{0x00, 0x00}, nil
	}
	regs, err := io.ReadAll(cmd.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: register list: %v", ErrUnhandled, err)
	}
	if len(regs) == 0 {
		return []byte{0x00, 0x00}, nil
	}
	return regs, nil
}

// readFlash streams the requested region back over the bulk channel. The 32
// bit address is split across index (high) and value (low).
func (d *Dispatcher) readFlash(cmd Command) error {
	addr := uint32(cmd.Index)<<16 | uint32(cmd.Value)
	buf := make([]byte, cmd.Length)
	if err := d.hw.Flash.ReadFlash(addr, buf); err != nil {
		return fmt.Errorf("%w: %v", ErrUnhandled, err)
	}
	return d.bulkReply(firmware.StatusSuccess, buf)
}

// reset performs the ordered shutdown and device reset. The shutdown hook
// force-stops any active stream before tearing shared state down, so it
// completes even mid-capture.
func (d *Dispatcher) reset(toBootloader bool) error {
	if d.shutdown == nil {
		return fmt.Errorf("%w: no reset path configured", ErrUnhandled)
	}
	if d.log != nil {
		d.log.Info().Str("target", resetTarget(toBootloader)).Msg("device reset requested")
	}
	d.shutdown(toBootloader)
	return nil
}

// bulkReply sends status plus an optional result record over the manual
// channel, split into packet sized writes by the channel itself.
func (d *Dispatcher) bulkReply(st firmware.Status, data []byte) error {
	msg := append(st.Bytes(), data...)
	if err := d.manual.Send(msg, d.SendTimeout); err != nil {
		return fmt.Errorf("%w: bulk reply: %v", ErrUnhandled, err)
	}
	return nil
}

// logFault records dispatcher level failures in the persistent error log.
// Log write failures are ignored; the log is diagnostic only.
func (d *Dispatcher) logFault(cmd Command, err error) {
	if d.elog == nil {
		return
	}
	_ = d.elog.Append(flashlog.Entry{
		File:     flashlog.SrcControl,
		Line:     uint16(cmd.Opcode),
		Code:     uint32(firmware.StatusFailure),
		BootTime: d.dev.BootTime,
	})
}

func resetTarget(toBootloader bool) string {
	if toBootloader {
		return "bootloader"
	}
	return "application"
}

func statusBytes(err error) []byte {
	if err != nil {
		return firmware.StatusFailure.Bytes()
	}
	return firmware.StatusSuccess.Bytes()
}
