package usblink

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isensor/fx3/pkg/firmware/app"
	"github.com/isensor/fx3/pkg/firmware/config"
	"github.com/isensor/fx3/pkg/firmware/control"
	"github.com/isensor/fx3/pkg/firmware/hal"
)

func newLinkedPair(t *testing.T) (*Client, *app.App) {
	t.Helper()
	sim := hal.NewSim(config.BoardISensor)
	a, err := app.Start(app.Options{
		Hardware:   sim.Hardware(),
		Speed:      app.SpeedFull,
		ManualSink: io.Discard,
		StreamSink: io.Discard,
	})
	require.NoError(t, err)
	t.Cleanup(a.Stop)

	hostR, devW := io.Pipe()
	devR, hostW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	link := NewLink(ctx, devR, devW, a.Dispatcher(), nil)
	go func() {
		_ = link.Handle()
	}()
	t.Cleanup(func() {
		cancel()
		hostW.Close()
		devW.Close()
	})
	return NewClient(hostR, hostW), a
}

func TestControlRoundTrip(t *testing.T) {
	c, a := newLinkedPair(t)

	reply, err := c.Do(control.CmdFirmwareID, 0, 0, 0, nil)
	assert.NoError(t, err)
	assert.Equal(t, a.Device().FirmwareID[:], reply)

	reply, err = c.Do(control.CmdBoardType, 0, 0, 0, nil)
	assert.NoError(t, err)
	assert.Equal(t, a.Device().BoardInfoBytes(), reply)
}

func TestDataStageKeepsLinkSynchronized(t *testing.T) {
	c, a := newLinkedPair(t)

	// Boot time rides in the data stage.
	_, err := c.Do(control.CmdSetBootTime, 0, 0, 4, []byte{0x01, 0x02, 0x03, 0x04})
	assert.NoError(t, err)
	assert.Equal(t, uint32(0x04030201), a.Device().BootTime)

	// An unknown opcode with a payload stalls, but the data stage is
	// still consumed: the next command parses cleanly.
	_, err = c.Do(0xFF, 0, 0, 0, make([]byte, 32))
	assert.ErrorIs(t, err, ErrStalled)

	reply, err := c.Do(control.CmdStatus, 0, 0, 0, nil)
	assert.NoError(t, err)
	assert.Len(t, reply, 5)
}

func TestStreamCommandsOverLink(t *testing.T) {
	c, a := newLinkedPair(t)
	a.Device().DrActive = false

	_, err := c.Do(control.CmdStreamGeneric, control.StreamStart, 0, 40, []byte{0x02, 0x00})
	assert.NoError(t, err)

	// Second start while the first may still be active is either
	// rejected or, once idle, accepted; drive to a known state first.
	reply, err := c.Do(control.CmdStreamGeneric, control.StreamDone, 0, 0, nil)
	assert.NoError(t, err)
	assert.Len(t, reply, 4)
}
