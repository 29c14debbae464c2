// Package app is the application supervisor: it performs the ordered bring
// up (board detection, supply, SPI link, event groups, descriptor pools,
// streaming worker, watchdog), owns every component for the lifetime of the
// run and performs the ordered teardown for the reset commands and the fatal
// handler.
package app

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/loopholelabs/logging/types"

	"github.com/isensor/fx3/pkg/firmware"
	"github.com/isensor/fx3/pkg/firmware/config"
	"github.com/isensor/fx3/pkg/firmware/control"
	"github.com/isensor/fx3/pkg/firmware/dma"
	"github.com/isensor/fx3/pkg/firmware/events"
	"github.com/isensor/fx3/pkg/firmware/flashlog"
	"github.com/isensor/fx3/pkg/firmware/gpio"
	"github.com/isensor/fx3/pkg/firmware/hal"
	"github.com/isensor/fx3/pkg/firmware/stream"
	"github.com/isensor/fx3/pkg/firmware/watchdog"
)

// LinkSpeed is the negotiated USB connection speed, reported by the link
// layer during enumeration.
type LinkSpeed int

const (
	SpeedLow LinkSpeed = iota
	SpeedFull
	SpeedHigh
)

// PacketSize returns the negotiated maximum packet size for the speed.
func (s LinkSpeed) PacketSize() int {
	switch s {
	case SpeedLow:
		return 64
	case SpeedFull:
		return 512
	}
	return 1024
}

const manualBuffers = 8

// Options configures application start. ManualSink and StreamSink are the
// transport writers behind the two device-to-host bulk paths.
type Options struct {
	Hardware      hal.Hardware
	Speed         LinkSpeed
	ManualSink    io.Writer
	StreamSink    io.Writer
	StreamBuffers int
	Verbose       bool
	Log           types.Logger

	// Device overrides the detected boot configuration, used when a
	// daemon configuration file provides one.
	Device *config.Device
}

type App struct {
	log types.Logger
	hw  hal.Hardware
	dev *config.Device

	streamGroup *events.Group
	gpioGroup   *events.Group
	router      *gpio.Router

	manualPool *dma.Pool
	streamPool *dma.Pool
	manual     *dma.Channel
	streaming  *dma.Channel

	engine *stream.Engine
	disp   *control.Dispatcher
	wd     *watchdog.Supervisor
	elog   *flashlog.Log

	cancel context.CancelFunc
	done   chan struct{}

	// FatalDelay is the per-step countdown interval before the fatal
	// reset. Overridable for tests.
	FatalDelay time.Duration

	stopOnce sync.Once
}

// Start brings the application up in the fixed order the hardware needs:
// detect the board, power the device under test, program the SPI link,
// attach the interrupt router, build the buffer pipeline and finally launch
// the streaming worker and watchdog.
func Start(opts Options) (*App, error) {
	hw := opts.Hardware
	dev := opts.Device
	if dev == nil {
		dev = config.NewDevice(hw.Probe.DetectBoard())
	}
	board := dev.BoardType
	dev.UsbPacketSize = opts.Speed.PacketSize()

	a := &App{
		log:        opts.Log,
		hw:         hw,
		dev:        dev,
		FatalDelay: time.Second,
		done:       make(chan struct{}),
	}

	if a.log != nil {
		a.log.Info().
			Str("board", board.String()).
			Int("packetSize", dev.UsbPacketSize).
			Msg("application starting")
	}

	// The in-house board carries the power circuit; the device under test
	// is brought up at 3.3V before the link is touched.
	if board == config.BoardISensor {
		if err := hw.Supply.SetDutSupply(config.Supply3V3); err != nil {
			return nil, fmt.Errorf("powering device under test: %w", err)
		}
	}

	if err := hw.Spi.SetConfig(dev.Spi); err != nil {
		return nil, fmt.Errorf("programming spi link: %w", err)
	}

	a.streamGroup = events.NewGroup()
	a.gpioGroup = events.NewGroup()
	a.router = gpio.NewRouter(dev.PinMap, hw.Gpio, a.gpioGroup, opts.Log)

	streamBuffers := opts.StreamBuffers
	if streamBuffers <= 0 {
		streamBuffers = 16
	}
	a.manualPool = dma.NewPool(manualBuffers, dev.UsbPacketSize)
	a.streamPool = dma.NewPool(streamBuffers, dev.UsbPacketSize)
	a.manual = dma.NewChannel("manual", opts.ManualSink, a.manualPool, dev.UsbPacketSize, opts.Log)
	a.streaming = dma.NewChannel("streaming", opts.StreamSink, a.streamPool, dev.UsbPacketSize, opts.Log)

	a.engine = stream.NewEngine(hw.Spi, a.streamGroup, a.gpioGroup, a.manual, a.streaming, opts.Log)
	a.engine.OnFatal(a.Fatal)

	a.elog = flashlog.New(hw.Flash, opts.Log)
	a.disp = control.NewDispatcher(dev, hw, a.engine, a.elog, a.manual, opts.Log)
	a.disp.SetVerbose(opts.Verbose)
	a.disp.OnReset(a.Reset)

	a.wd = watchdog.NewSupervisor(hw.Watchdog, opts.Log)
	if dev.WatchdogEnabled {
		if err := a.wd.Configure(true, dev.WatchdogPeriodMs); err != nil {
			// Protection falls back disabled; the run continues.
			if a.log != nil {
				a.log.Warn().Err(err).Msg("running without watchdog protection")
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go func() {
		defer close(a.done)
		a.engine.Run(ctx)
	}()

	dev.AppActive = true
	return a, nil
}

func (a *App) Device() *config.Device          { return a.dev }
func (a *App) Dispatcher() *control.Dispatcher { return a.disp }
func (a *App) Engine() *stream.Engine          { return a.engine }
func (a *App) Watchdog() *watchdog.Supervisor  { return a.wd }
func (a *App) ErrorLog() *flashlog.Log         { return a.elog }
func (a *App) ManualPool() *dma.Pool           { return a.manualPool }
func (a *App) StreamPool() *dma.Pool           { return a.streamPool }

// Stop performs the ordered teardown: force-stop any active stream, retire
// the worker, drain and destroy the buffer pipeline, then disarm the
// watchdog tick. Safe to call more than once; completes even mid-capture.
func (a *App) Stop() {
	a.stopOnce.Do(func() {
		if a.log != nil {
			a.log.Info().Msg("application stopping")
		}
		a.engine.Kill()
		a.waitEngineIdle(2 * time.Second)
		a.cancel()
		<-a.done
		a.manual.Destroy()
		a.streaming.Destroy()
		a.wd.Stop()
		a.dev.AppActive = false
	})
}

func (a *App) waitEngineIdle(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if m, p := a.engine.State(); m == stream.ModeIdle && p == stream.PhaseIdle {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if a.log != nil {
		a.log.Warn().Msg("stream engine did not reach idle before teardown")
	}
}

// Reset is the ordered shutdown plus device reset path behind the
// HARD_RESET and WARM_RESET commands.
func (a *App) Reset(toBootloader bool) {
	a.Stop()
	a.hw.Reset.DeviceReset(toBootloader)
}

// Fatal handles resource-level failures: log the cause persistently, give
// the operator a visible countdown, then reset the whole device. No
// in-place recovery is attempted. The countdown runs off the calling
// goroutine so the streaming worker can unwind before the teardown.
func (a *App) Fatal(st firmware.Status) {
	if a.log != nil {
		a.log.Error().Str("status", st.String()).Msg("fatal error, device will reset")
	}
	_ = a.elog.Append(flashlog.Entry{
		File:     flashlog.SrcApp,
		Code:     uint32(st),
		BootTime: a.dev.BootTime,
	})
	go func() {
		for i := 5; i > 0; i-- {
			if a.log != nil {
				a.log.Error().Int("seconds", i).Msg("resetting")
			}
			time.Sleep(a.FatalDelay)
		}
		a.Stop()
		a.hw.Reset.DeviceReset(false)
	}()
}
