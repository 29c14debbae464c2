package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/isensor/fx3/pkg"
	"github.com/isensor/fx3/pkg/firmware/app"
	"github.com/isensor/fx3/pkg/firmware/config"
	"github.com/isensor/fx3/pkg/firmware/control"
	"github.com/isensor/fx3/pkg/firmware/hal"
)

// Small demo: boot the bridge against the simulated part, run a short
// register capture and print the throughput the pipeline sustained.

type countingSink struct {
	readings *pkg.Readings
}

func (c *countingSink) Write(p []byte) (int, error) {
	c.readings.Add(float64(len(p)))
	return len(p), nil
}

func main() {
	readings := pkg.NewReadings()
	sim := hal.NewSim(config.BoardISensor)

	a, err := app.Start(app.Options{
		Hardware:   sim.Hardware(),
		Speed:      app.SpeedHigh,
		ManualSink: &countingSink{readings: readings},
		StreamSink: &countingSink{readings: readings},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "start failed: %v\n", err)
		os.Exit(1)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		a.Stop()
		os.Exit(1)
	}()

	fmt.Printf("Bridge up on %s, packet size %d\n",
		a.Device().BoardType, a.Device().UsbPacketSize)

	// Free-running register capture for a couple of seconds.
	a.Device().DrActive = false
	_, err = a.Dispatcher().Handle(control.Command{
		Opcode: control.CmdStreamGeneric,
		Index:  control.StreamStart,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "stream start failed: %v\n", err)
		os.Exit(1)
	}

	time.Sleep(2 * time.Second)

	_, _ = a.Dispatcher().Handle(control.Command{
		Opcode: control.CmdStreamGeneric,
		Index:  control.StreamStop,
	})
	time.Sleep(100 * time.Millisecond)

	fmt.Printf("Captured %.0f bytes (%.1f KB/s)\n",
		readings.GetSum(3*time.Second),
		readings.GetSum(2*time.Second)/2048)

	a.Stop()
}
