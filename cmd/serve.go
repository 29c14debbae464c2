package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/google/uuid"
	"github.com/loopholelabs/logging"
	"github.com/loopholelabs/logging/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/isensor/fx3/pkg/firmware/app"
	"github.com/isensor/fx3/pkg/firmware/config"
	"github.com/isensor/fx3/pkg/firmware/hal"
	fx3prom "github.com/isensor/fx3/pkg/firmware/metrics"
	"github.com/isensor/fx3/pkg/firmware/usblink"
)

var (
	cmdServe = &cobra.Command{
		Use:   "serve",
		Short: "Start up the bridge against the simulated part",
		Long:  ``,
		Run:   runServe,
	}
)

var serveAddr string
var serveBulkAddr string
var serveConf string
var serveMetrics string
var serveDebug bool
var serveVerbose bool

func init() {
	rootCmd.AddCommand(cmdServe)
	cmdServe.Flags().StringVarP(&serveAddr, "addr", "a", ":7320", "Control listener address")
	cmdServe.Flags().StringVarP(&serveBulkAddr, "bulk", "b", ":7321", "Bulk data listener address")
	cmdServe.Flags().StringVarP(&serveConf, "conf", "c", "fx3.conf", "Configuration file")
	cmdServe.Flags().StringVarP(&serveMetrics, "metrics", "m", "", "Prom metrics address")
	cmdServe.Flags().BoolVarP(&serveDebug, "debug", "d", false, "Debug logging (trace)")
	cmdServe.Flags().BoolVarP(&serveVerbose, "verbose", "v", false, "Verbose status reporting")
}

// latchedWriter discards bulk data until a client connects, then forwards to
// the most recent connection.
type latchedWriter struct {
	conn atomic.Pointer[net.Conn]
}

func (l *latchedWriter) Write(p []byte) (int, error) {
	c := l.conn.Load()
	if c == nil {
		return len(p), nil
	}
	if _, err := (*c).Write(p); err != nil {
		l.conn.CompareAndSwap(c, nil)
	}
	return len(p), nil
}

func (l *latchedWriter) attach(c net.Conn) {
	l.conn.Store(&c)
}

func runServe(_ *cobra.Command, _ []string) {
	var log types.RootLogger
	var reg *prometheus.Registry
	var fx3Metrics *fx3prom.Metrics

	if serveDebug {
		log = logging.New(logging.Zerolog, "fx3.serve", os.Stderr)
		log.SetLevel(types.TraceLevel)
	}

	schema := &config.DaemonSchema{}
	if s, err := config.ReadSchema(serveConf); err == nil {
		schema = s
	} else if !os.IsNotExist(err) {
		panic(fmt.Sprintf("Could not read config. %v", err))
	}

	sim := hal.NewSim(config.BoardISensor)
	dev, err := schema.Device(sim.DetectBoard())
	if err != nil {
		panic(fmt.Sprintf("Bad configuration. %v", err))
	}
	copy(dev.SerialNumber[:], uuid.New().String())

	bulk := &latchedWriter{}
	a, err := app.Start(app.Options{
		Hardware:      sim.Hardware(),
		Speed:         app.SpeedHigh,
		Device:        dev,
		ManualSink:    bulk,
		StreamSink:    bulk,
		StreamBuffers: schema.StreamBuffers(16),
		Verbose:       serveVerbose,
		Log:           log,
	})
	if err != nil {
		panic(fmt.Sprintf("Could not start application. %v", err))
	}

	if serveMetrics != "" {
		reg = prometheus.NewRegistry()
		fx3Metrics = fx3prom.New(reg, fx3prom.DefaultConfig())
		fx3Metrics.AddEngine("fx3", a.Engine())
		fx3Metrics.AddDispatcher("fx3", a.Dispatcher())
		fx3Metrics.AddPool("manual", a.ManualPool())
		fx3Metrics.AddPool("stream", a.StreamPool())
		fx3Metrics.AddWatchdog("fx3", a.Watchdog())

		// Add the default go metrics
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		http.Handle("/metrics", promhttp.HandlerFor(
			reg,
			promhttp.HandlerOpts{
				EnableOpenMetrics: true,
				Registry:          reg,
			},
		))

		go http.ListenAndServe(serveMetrics, nil)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		shutdownEverything(a, fx3Metrics)
		os.Exit(1)
	}()

	fmt.Printf("Starting fx3 serve %s (%s)\n", serveAddr, dev.BoardType)

	go serveBulk(bulk)

	l, err := net.Listen("tcp", serveAddr)
	if err != nil {
		shutdownEverything(a, fx3Metrics)
		panic("Listener issue...")
	}

	ctx := context.Background()
	for {
		con, err := l.Accept()
		if err != nil {
			break
		}
		fmt.Printf("Received connection from %s\n", con.RemoteAddr().String())
		link := usblink.NewLink(ctx, con, con, a.Dispatcher(), log)
		go func(con net.Conn) {
			_ = link.Handle()
			con.Close()
		}(con)
	}

	shutdownEverything(a, fx3Metrics)
}

func serveBulk(bulk *latchedWriter) {
	l, err := net.Listen("tcp", serveBulkAddr)
	if err != nil {
		return
	}
	for {
		con, err := l.Accept()
		if err != nil {
			return
		}
		bulk.attach(con)
		// Bulk is device to host only; drain and drop whatever arrives.
		go func(con net.Conn) {
			_, _ = io.Copy(io.Discard, con)
			con.Close()
		}(con)
	}
}

func shutdownEverything(a *app.App, met *fx3prom.Metrics) {
	fmt.Printf("Shutting down cleanly...\n")
	a.Stop()
	if met != nil {
		met.Shutdown()
	}
}
