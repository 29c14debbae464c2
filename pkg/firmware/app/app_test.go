package app

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isensor/fx3/pkg/firmware"
	"github.com/isensor/fx3/pkg/firmware/config"
	"github.com/isensor/fx3/pkg/firmware/control"
	"github.com/isensor/fx3/pkg/firmware/hal"
	"github.com/isensor/fx3/pkg/firmware/stream"
	"github.com/isensor/fx3/pkg/testutils"
)

func start(t *testing.T, board config.BoardType, speed LinkSpeed) (*App, *hal.Sim, *testutils.SafeWriteBuffer) {
	t.Helper()
	sim := hal.NewSim(board)
	sink := &testutils.SafeWriteBuffer{}
	a, err := Start(Options{
		Hardware:   sim.Hardware(),
		Speed:      speed,
		ManualSink: sink,
		StreamSink: &testutils.SafeWriteBuffer{},
	})
	require.NoError(t, err)
	t.Cleanup(a.Stop)
	return a, sim, sink
}

func TestLinkSpeedPacketSize(t *testing.T) {
	assert.Equal(t, 64, SpeedLow.PacketSize())
	assert.Equal(t, 512, SpeedFull.PacketSize())
	assert.Equal(t, 1024, SpeedHigh.PacketSize())
}

func TestStartBringsUpISensorBoard(t *testing.T) {
	a, sim, _ := start(t, config.BoardISensor, SpeedHigh)

	assert.Equal(t, config.BoardISensor, a.Device().BoardType)
	assert.Equal(t, 1024, a.Device().UsbPacketSize)
	assert.True(t, a.Device().AppActive)

	// The power circuit is brought up before anything touches the link.
	assert.Equal(t, config.Supply3V3, sim.DutSupply())
	assert.True(t, a.Watchdog().Enabled())

	// Pin map is referentially stable across reads.
	first := a.Device().BoardInfoBytes()
	for i := 0; i < 3; i++ {
		assert.Equal(t, first, a.Device().BoardInfoBytes())
	}
}

func TestExplorerBoardHasNoSupplyControl(t *testing.T) {
	_, sim, _ := start(t, config.BoardCypressExplorer, SpeedFull)
	assert.Equal(t, config.SupplyOff, sim.DutSupply())
}

func TestStopIsOrderedAndIdempotent(t *testing.T) {
	a, _, _ := start(t, config.BoardISensor, SpeedFull)

	// Leave a capture running; Stop must still complete.
	_, err := a.Dispatcher().Handle(control.Command{
		Opcode: control.CmdStreamBurst,
		Index:  control.StreamStart,
		Length: 16,
	})
	assert.NoError(t, err)

	a.Stop()
	a.Stop()
	assert.False(t, a.Device().AppActive)
	assert.False(t, a.Watchdog().Enabled())
	m, p := a.Engine().State()
	assert.Equal(t, stream.ModeIdle, m)
	assert.Equal(t, stream.PhaseIdle, p)
}

func TestResetCommandsReachTheDevice(t *testing.T) {
	a, sim, _ := start(t, config.BoardISensor, SpeedFull)

	_, err := a.Dispatcher().Handle(control.Command{Opcode: control.CmdHardReset})
	assert.NoError(t, err)
	assert.Equal(t, []bool{true}, sim.Resets())
	assert.False(t, a.Device().AppActive)
}

func TestFatalLogsAndResets(t *testing.T) {
	a, sim, _ := start(t, config.BoardISensor, SpeedFull)
	a.FatalDelay = time.Millisecond

	a.Fatal(firmware.StatusDMAFailure)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sim.Resets()) > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, []bool{false}, sim.Resets())

	count, err := a.ErrorLog().Count()
	assert.NoError(t, err)
	assert.Equal(t, uint32(1), count)
	entry, err := a.ErrorLog().Read(0)
	assert.NoError(t, err)
	assert.Equal(t, uint32(firmware.StatusDMAFailure), entry.Code)
}

func TestEndToEndGenericCapture(t *testing.T) {
	a, _, sink := start(t, config.BoardISensor, SpeedFull)

	a.Device().DrActive = false
	_, err := a.Dispatcher().Handle(control.Command{
		Opcode:  control.CmdStreamGeneric,
		Index:   control.StreamStart,
		Length:  64,
		Payload: bytes.NewReader([]byte{0x02, 0x00}),
	})
	assert.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m, p := a.Engine().State(); m == stream.ModeIdle && p == stream.PhaseIdle {
			break
		}
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, 64, sink.Len())

	reply, err := a.Dispatcher().Handle(control.Command{
		Opcode: control.CmdStreamGeneric,
		Index:  control.StreamDone,
	})
	assert.NoError(t, err)
	assert.Equal(t, firmware.StatusSuccess.Bytes(), reply)
}
