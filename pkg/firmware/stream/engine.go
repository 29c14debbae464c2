// Package stream implements the data streaming engine: a single worker that
// owns the four mutually exclusive streaming modes and drives the DMA buffer
// pipeline from SPI to the host-facing endpoints. The control task arms the
// engine with an immutable request handed over a one-slot channel; all other
// coordination is event flags and one kill signal.
package stream

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/loopholelabs/logging/types"

	"github.com/isensor/fx3/pkg/firmware"
	"github.com/isensor/fx3/pkg/firmware/dma"
	"github.com/isensor/fx3/pkg/firmware/events"
	"github.com/isensor/fx3/pkg/firmware/hal"
)

// Mode selects one of the four streaming protocols. At most one mode is
// non-idle at any time; the engine's single packed state word makes a second
// active mode structurally impossible.
type Mode uint8

const (
	ModeIdle Mode = iota
	ModeGeneric
	ModeBurst
	ModeRealTime
	ModeTransfer
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeGeneric:
		return "generic"
	case ModeBurst:
		return "burst"
	case ModeRealTime:
		return "realtime"
	case ModeTransfer:
		return "transfer"
	}
	return "invalid"
}

// Phase is the per-mode lifecycle position.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseArmed
	PhaseActive
	PhaseStopping
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseArmed:
		return "armed"
	case PhaseActive:
		return "active"
	case PhaseStopping:
		return "stopping"
	}
	return "invalid"
}

// Stream event group bits: Start/Done/Stop for each of the four modes.
func StartBit(m Mode) uint32 { return 1 << (3 * (uint32(m) - 1)) }
func DoneBit(m Mode) uint32  { return 1 << (3*(uint32(m)-1) + 1) }
func StopBit(m Mode) uint32  { return 1 << (3*(uint32(m)-1) + 2) }

const maskAll = 0xFFF

var (
	// ErrBusy rejects a Start while any mode is non-idle. The existing
	// stream is left untouched.
	ErrBusy = errors.New("another stream mode is active")
	// ErrBadRequest rejects a malformed stream request.
	ErrBadRequest = errors.New("invalid stream request")
)

// Request is the immutable per-start snapshot handed from the control task
// to the worker. Built by the dispatcher from the device configuration at
// Start time and never mutated after hand-off.
type Request struct {
	Mode Mode

	// ByteCount is the total capture length for generic and transfer
	// streams. Zero streams until a Stop is observed.
	ByteCount uint32

	// WordCount is the number of 16 bit registers per trigger for burst
	// streams.
	WordCount uint32

	// Regs is the register request sequence clocked out on every generic
	// or real-time trigger. The response of equal length is forwarded to
	// the host.
	Regs []byte

	// PinExit enables the asynchronous exit condition for real-time
	// streams.
	PinExit bool

	// Trigger configuration snapshot.
	DrFlag    uint32
	ExitFlag  uint32
	StallTime time.Duration
}

// Metrics is a point-in-time snapshot of the engine counters.
type Metrics struct {
	Starts     uint64
	Completed  uint64
	Rejected   uint64
	Killed     uint64
	Bytes      uint64
	Buffers    uint64
	LastStatus firmware.Status
}

type Engine struct {
	log       types.Logger
	spi       hal.SpiBus
	stream    *events.Group
	gpio      *events.Group
	manual    *dma.Channel
	streaming *dma.Channel

	// PollInterval bounds every blocking wait in the worker so the kill
	// signal is rechecked even with no event activity.
	PollInterval time.Duration
	// FlushTimeout bounds the drain of in-flight descriptors during
	// Stopping; exceeding it means a stuck channel and escalates.
	FlushTimeout time.Duration

	kill  atomic.Bool
	state atomic.Uint32 // Mode<<8 | Phase
	reqCh chan Request

	lastStatus atomic.Uint32
	fatal      func(firmware.Status)

	starts    atomic.Uint64
	completed atomic.Uint64
	rejected  atomic.Uint64
	killed    atomic.Uint64
	bytes     atomic.Uint64
	buffers   atomic.Uint64
}

func NewEngine(spi hal.SpiBus, streamGroup *events.Group, gpioGroup *events.Group,
	manual *dma.Channel, streaming *dma.Channel, log types.Logger) *Engine {
	return &Engine{
		log:          log,
		spi:          spi,
		stream:       streamGroup,
		gpio:         gpioGroup,
		manual:       manual,
		streaming:    streaming,
		PollInterval: 10 * time.Millisecond,
		FlushTimeout: 500 * time.Millisecond,
		reqCh:        make(chan Request, 1),
	}
}

// OnFatal installs the escalation hook for resource-level failures.
func (e *Engine) OnFatal(fn func(firmware.Status)) {
	e.fatal = fn
}

func pack(m Mode, p Phase) uint32 {
	return uint32(m)<<8 | uint32(p)
}

// State returns the current mode and phase.
func (e *Engine) State() (Mode, Phase) {
	s := e.state.Load()
	return Mode(s >> 8), Phase(s & 0xff)
}

// Status returns the result of the most recently completed stream, surfaced
// to the host in the Done acknowledgment payload.
func (e *Engine) Status() firmware.Status {
	return firmware.Status(e.lastStatus.Load())
}

// Arm accepts a stream request, publishes it to the worker and posts the
// mode's Start bit. A Start while any mode is non-idle is rejected
// deterministically and leaves the running stream untouched. The request is
// fully published through the one-slot channel before the Start bit is set,
// so the worker never reads a half-written snapshot.
func (e *Engine) Arm(req Request) error {
	if req.Mode == ModeIdle || req.Mode > ModeTransfer {
		return ErrBadRequest
	}
	if !e.state.CompareAndSwap(pack(ModeIdle, PhaseIdle), pack(req.Mode, PhaseArmed)) {
		e.rejected.Add(1)
		return ErrBusy
	}
	e.reqCh <- req
	e.stream.Set(StartBit(req.Mode))
	e.starts.Add(1)
	return nil
}

// SignalStop posts the mode's Stop bit: the worker finishes its current unit
// of work, flushes and returns to idle.
func (e *Engine) SignalStop(m Mode) {
	e.stream.Set(StopBit(m))
}

// SignalDone posts the mode's Done bit, the host-side cleanup pulse after a
// naturally finished capture.
func (e *Engine) SignalDone(m Mode) {
	e.stream.Set(DoneBit(m))
}

// Kill requests immediate best-effort termination. The worker observes it
// within one poll interval and transitions unconditionally to idle,
// releasing any partially filled buffers.
func (e *Engine) Kill() {
	e.kill.Store(true)
}

// Snapshot returns the engine counters.
func (e *Engine) Snapshot() Metrics {
	return Metrics{
		Starts:     e.starts.Load(),
		Completed:  e.completed.Load(),
		Rejected:   e.rejected.Load(),
		Killed:     e.killed.Load(),
		Bytes:      e.bytes.Load(),
		Buffers:    e.buffers.Load(),
		LastStatus: firmware.Status(e.lastStatus.Load()),
	}
}

// Run is the streaming worker loop. It owns the engine state machine until
// the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		bits, err := e.stream.Wait(maskAll, e.PollInterval)
		if err != nil {
			// Bounded wait elapsed; clear any stray kill so it
			// cannot leak into a future stream.
			e.kill.Store(false)
			continue
		}
		for m := ModeGeneric; m <= ModeTransfer; m++ {
			if bits&StartBit(m) == 0 {
				continue
			}
			select {
			case req := <-e.reqCh:
				// A stop/done posted in the same wake must not
				// be lost: repost for the capture loop.
				if tail := bits & (StopBit(m) | DoneBit(m)); tail != 0 {
					e.stream.Set(tail)
					bits &^= tail
				}
				e.runStream(ctx, req)
			default:
				// Start bit without a published request; only
				// possible if an event was forged. Drop it.
				if e.log != nil {
					e.log.Warn().Str("mode", m.String()).Msg("start event without request")
				}
			}
		}
		// Stray done/stop bits with nothing active are consumed and
		// dropped.
	}
}

func (e *Engine) runStream(ctx context.Context, req Request) {
	e.state.Store(pack(req.Mode, PhaseActive))
	if e.log != nil {
		e.log.Debug().Str("mode", req.Mode.String()).
			Uint32("bytes", req.ByteCount).
			Uint32("words", req.WordCount).
			Int("pinExit", boolInt(req.PinExit)).
			Msg("stream active")
	}

	st := e.capture(ctx, req)

	// Normal stop: flush every in-flight descriptor and only then
	// acknowledge idle. A Start arriving before flush completion is
	// rejected by the armed-state CAS, never interleaved with the flush.
	e.state.Store(pack(req.Mode, PhaseStopping))
	sink := e.sink(req.Mode)
	if err := sink.Flush(e.FlushTimeout); err != nil {
		if errors.Is(err, dma.ErrFlushTimeout) {
			// Stuck channel: no partial-restart path.
			if e.fatal != nil {
				e.fatal(firmware.StatusDMAFailure)
			}
		}
		if st.Ok() {
			st = firmware.StatusDMAFailure
		}
	}

	e.kill.Store(false)
	e.lastStatus.Store(uint32(st))
	if st.Ok() {
		e.completed.Add(1)
	}
	e.state.Store(pack(ModeIdle, PhaseIdle))
	if e.log != nil {
		e.log.Debug().Str("mode", req.Mode.String()).Str("status", st.String()).Msg("stream idle")
	}
}

func (e *Engine) sink(m Mode) *dma.Channel {
	// Transfer streams ride the continuously armed high-throughput
	// channel; register-framed streams use the manual-send channel.
	if m == ModeTransfer {
		return e.streaming
	}
	return e.manual
}

// capture runs the mode's transfer loop until a terminal condition: host
// Stop/Done, byte count reached, pin exit, kill, cancellation or a transfer
// fault. Every blocking wait inside is bounded by PollInterval so the kill
// signal is polled at every loop iteration.
func (e *Engine) capture(ctx context.Context, req Request) firmware.Status {
	var total uint32
	stopMask := StopBit(req.Mode) | DoneBit(req.Mode)

	for {
		if ctx.Err() != nil {
			return firmware.StatusAborted
		}
		if e.kill.Load() {
			e.killed.Add(1)
			return firmware.StatusAborted
		}
		if e.stream.Poll(stopMask, true) != 0 {
			return firmware.StatusSuccess
		}

		if req.Mode != ModeTransfer {
			// Wait for the data-ready condition, OR the pin exit
			// when enabled. Bounded so kill is rechecked.
			if proceed, exit := e.waitTrigger(req); exit {
				return firmware.StatusSuccess
			} else if !proceed {
				continue
			}
		}

		n, st := e.unit(req, total)
		if !st.Ok() {
			return st
		}
		total += n

		if req.ByteCount > 0 && total >= req.ByteCount {
			// Natural completion: pulse Done so the host observes
			// the capture finished without a Stop.
			e.stream.Set(DoneBit(req.Mode))
			return firmware.StatusSuccess
		}
	}
}

// waitTrigger blocks for one data-ready pulse. Returns proceed=false on
// timeout (caller rechecks terminal conditions) and exit=true when the pin
// exit condition fired.
func (e *Engine) waitTrigger(req Request) (proceed bool, exit bool) {
	mask := req.DrFlag
	if req.PinExit {
		mask |= req.ExitFlag
	}
	if mask == 0 {
		// Free-running capture, no data ready configured.
		return true, false
	}
	got, err := e.gpio.Wait(mask, e.PollInterval)
	if err != nil {
		return false, false
	}
	if req.PinExit && got&req.ExitFlag != 0 {
		return false, true
	}
	if req.DrFlag == 0 {
		// Only the exit flag was waited on and it did not fire.
		return true, false
	}
	return got&req.DrFlag != 0, false
}

// unit performs one trigger's worth of transfer and commits it to the
// outbound pipeline. Returns the bytes moved.
func (e *Engine) unit(req Request, total uint32) (uint32, firmware.Status) {
	switch req.Mode {
	case ModeGeneric, ModeRealTime:
		return e.unitRegs(req)
	case ModeBurst:
		return e.unitBurst(req)
	case ModeTransfer:
		return e.unitTransfer(req, total)
	}
	return 0, firmware.StatusBadArgument
}

// unitRegs clocks the request's register sequence out and forwards the
// response: one fixed-size register read per trigger.
func (e *Engine) unitRegs(req Request) (uint32, firmware.Status) {
	n := len(req.Regs)
	if n == 0 {
		return 0, firmware.StatusBadArgument
	}
	b, err := e.manual.Acquire(e.PollInterval)
	if err != nil {
		// Back pressure: no free descriptor yet. Not a fault; the
		// caller rechecks kill and tries again.
		return 0, firmware.StatusSuccess
	}
	if n > len(b.Data) {
		b.Release()
		return 0, firmware.StatusBadArgument
	}
	if err := e.spi.Transfer(req.Regs, b.Data[:n]); err != nil {
		b.Release()
		if e.log != nil {
			e.log.Warn().Err(err).Msg("spi transfer failed during stream")
		}
		return 0, firmware.StatusFailure
	}
	b.Count = n
	e.stall(req)
	if err := e.manual.Commit(b); err != nil {
		return 0, firmware.StatusDMAFailure
	}
	e.bytes.Add(uint64(n))
	e.buffers.Add(1)
	return uint32(n), firmware.StatusSuccess
}

// unitBurst transfers a fixed count of 16 bit registers per trigger,
// splitting anything beyond the negotiated packet size across sequential
// commits.
func (e *Engine) unitBurst(req Request) (uint32, firmware.Status) {
	remaining := int(req.WordCount) * 2
	if remaining == 0 {
		return 0, firmware.StatusBadArgument
	}
	var moved uint32
	chunkCap := e.manual.PacketSize()
	for remaining > 0 {
		if e.kill.Load() {
			return moved, firmware.StatusSuccess
		}
		chunk := remaining
		if chunk > chunkCap {
			chunk = chunkCap
		}
		b, err := e.manual.Acquire(e.PollInterval)
		if err != nil {
			continue
		}
		if err := e.spi.Transfer(make([]byte, chunk), b.Data[:chunk]); err != nil {
			b.Release()
			return moved, firmware.StatusFailure
		}
		b.Count = chunk
		if err := e.manual.Commit(b); err != nil {
			return moved, firmware.StatusDMAFailure
		}
		moved += uint32(chunk)
		remaining -= chunk
		e.bytes.Add(uint64(chunk))
		e.buffers.Add(1)
	}
	e.stall(req)
	return moved, firmware.StatusSuccess
}

// unitTransfer moves one packet-sized chunk of the raw byte passthrough.
func (e *Engine) unitTransfer(req Request, total uint32) (uint32, firmware.Status) {
	chunk := e.streaming.PacketSize()
	if req.ByteCount > 0 {
		if remaining := int(req.ByteCount - total); remaining < chunk {
			chunk = remaining
		}
	}
	if chunk <= 0 {
		return 0, firmware.StatusBadArgument
	}
	b, err := e.streaming.Acquire(e.PollInterval)
	if err != nil {
		return 0, firmware.StatusSuccess
	}
	if err := e.spi.Transfer(make([]byte, chunk), b.Data[:chunk]); err != nil {
		b.Release()
		return 0, firmware.StatusFailure
	}
	b.Count = chunk
	if err := e.streaming.Commit(b); err != nil {
		return 0, firmware.StatusDMAFailure
	}
	e.bytes.Add(uint64(chunk))
	e.buffers.Add(1)
	return uint32(chunk), firmware.StatusSuccess
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func (e *Engine) stall(req Request) {
	if req.StallTime > 0 {
		time.Sleep(req.StallTime)
	}
}
