package control

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isensor/fx3/pkg/firmware"
	"github.com/isensor/fx3/pkg/firmware/config"
	"github.com/isensor/fx3/pkg/firmware/dma"
	"github.com/isensor/fx3/pkg/firmware/events"
	"github.com/isensor/fx3/pkg/firmware/flashlog"
	"github.com/isensor/fx3/pkg/firmware/gpio"
	"github.com/isensor/fx3/pkg/firmware/hal"
	"github.com/isensor/fx3/pkg/firmware/stream"
	"github.com/isensor/fx3/pkg/testutils"
)

type rig struct {
	sim        *hal.Sim
	dev        *config.Device
	disp       *Dispatcher
	engine     *stream.Engine
	gpio       *events.Group
	manualSink *testutils.SafeWriteBuffer
	streamSink *testutils.SafeWriteBuffer
	elog       *flashlog.Log
}

func newRig(t *testing.T) *rig {
	t.Helper()
	sim := hal.NewSim(config.BoardISensor)
	dev := config.NewDevice(sim.DetectBoard())
	dev.UsbPacketSize = 512

	streamGroup := events.NewGroup()
	gpioGroup := events.NewGroup()
	manualSink := &testutils.SafeWriteBuffer{}
	streamSink := &testutils.SafeWriteBuffer{}
	manual := dma.NewChannel("manual", manualSink, dma.NewPool(8, 512), 512, nil)
	streaming := dma.NewChannel("streaming", streamSink, dma.NewPool(16, 512), 512, nil)

	engine := stream.NewEngine(sim, streamGroup, gpioGroup, manual, streaming, nil)
	engine.PollInterval = 2 * time.Millisecond
	gpio.NewRouter(dev.PinMap, sim, gpioGroup, nil)

	elog := flashlog.New(sim, nil)
	disp := NewDispatcher(dev, sim.Hardware(), engine, elog, manual, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go engine.Run(ctx)
	t.Cleanup(func() {
		cancel()
		manual.Destroy()
		streaming.Destroy()
	})
	return &rig{
		sim:        sim,
		dev:        dev,
		disp:       disp,
		engine:     engine,
		gpio:       gpioGroup,
		manualSink: manualSink,
		streamSink: streamSink,
		elog:       elog,
	}
}

func waitIdle(t *testing.T, e *stream.Engine) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m, p := e.State(); m == stream.ModeIdle && p == stream.PhaseIdle {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("engine never returned to idle")
}

func TestIdentityCommands(t *testing.T) {
	r := newRig(t)

	reply, err := r.disp.Handle(Command{Opcode: CmdFirmwareID})
	assert.NoError(t, err)
	assert.Len(t, reply, 32)
	assert.Contains(t, string(reply), "FX3 BRIDGE")

	reply, err = r.disp.Handle(Command{Opcode: CmdSerialNumber})
	assert.NoError(t, err)
	assert.Len(t, reply, 32)

	reply, err = r.disp.Handle(Command{Opcode: CmdBuildDate})
	assert.NoError(t, err)
	assert.NotEmpty(t, reply)

	reply, err = r.disp.Handle(Command{Opcode: CmdBoardType})
	assert.NoError(t, err)
	assert.Equal(t, r.dev.BoardInfoBytes(), reply)

	reply, err = r.disp.Handle(Command{Opcode: CmdNull})
	assert.NoError(t, err)
	assert.Nil(t, reply)
}

func TestStatusReply(t *testing.T) {
	r := newRig(t)

	reply, err := r.disp.Handle(Command{Opcode: CmdStatus})
	assert.NoError(t, err)
	assert.Equal(t, append(firmware.StatusSuccess.Bytes(), 0), reply)

	r.disp.SetVerbose(true)
	reply, err = r.disp.Handle(Command{Opcode: CmdStatus})
	assert.NoError(t, err)
	assert.Equal(t, byte(1), reply[4])
}

func TestSetBootTime(t *testing.T) {
	r := newRig(t)
	_, err := r.disp.Handle(Command{
		Opcode:  CmdSetBootTime,
		Length:  4,
		Payload: bytes.NewReader([]byte{0x78, 0x56, 0x34, 0x12}),
	})
	assert.NoError(t, err)
	assert.Equal(t, uint32(0x12345678), r.dev.BootTime)
}

func TestSpiConfigRoundTrip(t *testing.T) {
	r := newRig(t)

	// 1 MHz clock: low half in the value, high half in the length.
	_, err := r.disp.Handle(Command{
		Opcode: CmdSetSpiConfig,
		Index:  uint16(config.ParamClockHz),
		Value:  0x4240,
		Length: 0x000F,
	})
	assert.NoError(t, err)
	assert.Equal(t, uint32(1000000), r.dev.Spi.ClockHz)

	reply, err := r.disp.Handle(Command{Opcode: CmdReadSpiConfig})
	assert.NoError(t, err)
	assert.Equal(t, r.dev.Spi.Bytes(), reply)

	_, err = r.disp.Handle(Command{Opcode: CmdSetSpiConfig, Index: 999})
	assert.ErrorIs(t, err, ErrUnhandled)
}

func TestRegisterReadWrite(t *testing.T) {
	r := newRig(t)

	_, err := r.disp.Handle(Command{Opcode: CmdWriteByte, Index: 0x12, Value: 0xCD})
	assert.NoError(t, err)
	assert.Equal(t, uint16(0xCD), r.sim.Reg(0x12))

	r.sim.SetReg(0x12, 0xABCD)
	_, err = r.disp.Handle(Command{Opcode: CmdReadBytes, Index: 0x12})
	assert.NoError(t, err)

	// Bulk reply: 4 byte status then the register word.
	got := r.manualSink.Bytes()
	require.Len(t, got, 6)
	assert.Equal(t, firmware.StatusSuccess.Bytes(), got[:4])
	assert.Equal(t, []byte{0xAB, 0xCD}, got[4:])
}

func TestGenericStreamScenario(t *testing.T) {
	r := newRig(t)

	// Start with a total length of 100 bytes, reading one 4 byte register
	// frame per trigger. Data ready is left unconfigured so the capture
	// free-runs.
	r.dev.DrActive = false
	_, err := r.disp.Handle(Command{
		Opcode:  CmdStreamGeneric,
		Index:   StreamStart,
		Length:  100,
		Payload: bytes.NewReader([]byte{0x02, 0x00, 0x04, 0x00}),
	})
	assert.NoError(t, err)

	waitIdle(t, r.engine)
	assert.Equal(t, 100, r.manualSink.Len())

	// Host cleanup: the Done acknowledgment carries the capture result.
	reply, err := r.disp.Handle(Command{Opcode: CmdStreamGeneric, Index: StreamDone})
	assert.NoError(t, err)
	assert.Equal(t, firmware.StatusSuccess.Bytes(), reply)

	// And a subsequent status query reports no error.
	reply, err = r.disp.Handle(Command{Opcode: CmdStatus})
	assert.NoError(t, err)
	assert.Equal(t, firmware.StatusSuccess.Bytes(), reply[:4])
}

func TestSecondStartRejected(t *testing.T) {
	r := newRig(t)

	// Data ready never fires, so the stream stays active until stopped.
	_, err := r.disp.Handle(Command{Opcode: CmdStreamBurst, Index: StreamStart, Length: 16})
	assert.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m, _ := r.engine.State(); m == stream.ModeBurst {
			break
		}
		time.Sleep(time.Millisecond)
	}

	_, err = r.disp.Handle(Command{Opcode: CmdStreamBurst, Index: StreamStart, Length: 16})
	assert.ErrorIs(t, err, ErrUnhandled)
	m, _ := r.engine.State()
	assert.Equal(t, stream.ModeBurst, m)

	_, err = r.disp.Handle(Command{Opcode: CmdStreamBurst, Index: StreamStop})
	assert.NoError(t, err)
	waitIdle(t, r.engine)
}

func TestRealTimePinExitScenario(t *testing.T) {
	r := newRig(t)

	_, err := r.disp.Handle(Command{
		Opcode: CmdStreamRealTime,
		Index:  StreamStart,
		Value:  1, // pin exit enabled
	})
	assert.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, p := r.engine.State(); p == stream.PhaseActive {
			break
		}
		time.Sleep(time.Millisecond)
	}

	// Interrupt on the exit pin ends the stream without any STOP command.
	r.sim.Interrupt(r.dev.ExitPin, true)
	waitIdle(t, r.engine)
	assert.Equal(t, firmware.StatusSuccess, r.engine.Status())
}

func TestSetDutSupply(t *testing.T) {
	r := newRig(t)

	reply, err := r.disp.Handle(Command{Opcode: CmdSetDutSupply, Value: uint16(config.Supply3V3)})
	assert.NoError(t, err)
	assert.Equal(t, firmware.StatusSuccess.Bytes(), reply)
	assert.Equal(t, config.Supply3V3, r.sim.DutSupply())

	_, err = r.disp.Handle(Command{Opcode: CmdSetDutSupply, Value: 99})
	assert.ErrorIs(t, err, ErrUnhandled)
}

func TestPulseWaitTimeout(t *testing.T) {
	r := newRig(t)

	// Pin sits low, waiting for high: times out.
	_, err := r.disp.Handle(Command{Opcode: CmdPulseWait, Index: 5, Value: 1, Length: 10})
	assert.NoError(t, err)
	got := r.manualSink.Bytes()
	require.Len(t, got, 8)
	assert.Equal(t, firmware.StatusTimeout.Bytes(), got[:4])
}

func TestFlashCommands(t *testing.T) {
	r := newRig(t)

	want := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	assert.NoError(t, r.sim.WriteFlash(0x8000, want))

	_, err := r.disp.Handle(Command{
		Opcode: CmdReadFlash,
		Index:  0x0000, // address high half
		Value:  0x8000, // address low half
		Length: 4,
	})
	assert.NoError(t, err)
	got := r.manualSink.Bytes()
	require.Len(t, got, 8)
	assert.Equal(t, want, got[4:])

	assert.NoError(t, r.elog.Append(flashlog.Entry{File: flashlog.SrcApp, Line: 1}))
	_, err = r.disp.Handle(Command{Opcode: CmdClearFlashLog})
	assert.NoError(t, err)
	count, err := r.elog.Count()
	assert.NoError(t, err)
	assert.Equal(t, uint32(0), count)
}

func TestResetPerformsOrderedShutdown(t *testing.T) {
	r := newRig(t)

	var got []bool
	r.disp.OnReset(func(toBootloader bool) {
		got = append(got, toBootloader)
	})

	_, err := r.disp.Handle(Command{Opcode: CmdHardReset})
	assert.NoError(t, err)
	_, err = r.disp.Handle(Command{Opcode: CmdWarmReset})
	assert.NoError(t, err)
	assert.Equal(t, []bool{true, false}, got)
}

func TestUnknownOpcodeDrainsPayload(t *testing.T) {
	r := newRig(t)

	payload := bytes.NewReader(make([]byte, 64))
	_, err := r.disp.Handle(Command{Opcode: 0xFF, Payload: payload})
	assert.ErrorIs(t, err, ErrUnhandled)
	// The data stage was consumed despite the rejection.
	assert.Equal(t, 0, payload.Len())

	snap := r.disp.Snapshot()
	assert.Equal(t, uint64(1), snap.Unhandled)
}
