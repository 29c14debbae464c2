// Package metrics exposes the firmware counters as prometheus gauges. The
// firmware components stay metrics-agnostic; this package polls their
// snapshot accessors on a fixed tick and mirrors the values into the
// registry.
package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/isensor/fx3/pkg/firmware/control"
	"github.com/isensor/fx3/pkg/firmware/dma"
	"github.com/isensor/fx3/pkg/firmware/stream"
	"github.com/isensor/fx3/pkg/firmware/watchdog"
)

type Config struct {
	Namespace     string
	SubStream     string
	SubControl    string
	SubPool       string
	SubWatchdog   string
	TickStream    time.Duration
	TickControl   time.Duration
	TickPool      time.Duration
	TickWatchdog  time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		Namespace:    "fx3",
		SubStream:    "stream",
		SubControl:   "control",
		SubPool:      "pool",
		SubWatchdog:  "watchdog",
		TickStream:   100 * time.Millisecond,
		TickControl:  100 * time.Millisecond,
		TickPool:     100 * time.Millisecond,
		TickWatchdog: time.Second,
	}
}

type Metrics struct {
	reg    prometheus.Registerer
	lock   sync.Mutex
	config *Config

	// stream engine
	streamStarts     *prometheus.GaugeVec
	streamCompleted  *prometheus.GaugeVec
	streamRejected   *prometheus.GaugeVec
	streamKilled     *prometheus.GaugeVec
	streamBytes      *prometheus.GaugeVec
	streamBuffers    *prometheus.GaugeVec
	streamLastStatus *prometheus.GaugeVec
	streamMode       *prometheus.GaugeVec
	streamPhase      *prometheus.GaugeVec

	// control dispatcher
	controlHandled   *prometheus.GaugeVec
	controlUnhandled *prometheus.GaugeVec

	// descriptor pools
	poolFree *prometheus.GaugeVec
	poolSize *prometheus.GaugeVec

	// watchdog
	watchdogEnabled *prometheus.GaugeVec

	cancelfns map[string]context.CancelFunc
}

func New(reg prometheus.Registerer, config *Config) *Metrics {
	met := &Metrics{
		config: config,
		reg:    reg,

		streamStarts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace, Subsystem: config.SubStream, Name: "starts", Help: "Stream starts accepted"}, []string{"device"}),
		streamCompleted: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace, Subsystem: config.SubStream, Name: "completed", Help: "Streams completed"}, []string{"device"}),
		streamRejected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace, Subsystem: config.SubStream, Name: "rejected", Help: "Stream starts rejected"}, []string{"device"}),
		streamKilled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace, Subsystem: config.SubStream, Name: "killed", Help: "Streams killed"}, []string{"device"}),
		streamBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace, Subsystem: config.SubStream, Name: "bytes", Help: "Bytes streamed"}, []string{"device"}),
		streamBuffers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace, Subsystem: config.SubStream, Name: "buffers", Help: "Buffers committed"}, []string{"device"}),
		streamLastStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace, Subsystem: config.SubStream, Name: "last_status", Help: "Last stream status code"}, []string{"device"}),
		streamMode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace, Subsystem: config.SubStream, Name: "mode", Help: "Active stream mode"}, []string{"device"}),
		streamPhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace, Subsystem: config.SubStream, Name: "phase", Help: "Stream phase"}, []string{"device"}),

		controlHandled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace, Subsystem: config.SubControl, Name: "handled", Help: "Commands handled"}, []string{"device"}),
		controlUnhandled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace, Subsystem: config.SubControl, Name: "unhandled", Help: "Commands rejected"}, []string{"device"}),

		poolFree: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace, Subsystem: config.SubPool, Name: "free", Help: "Free descriptors"}, []string{"pool"}),
		poolSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace, Subsystem: config.SubPool, Name: "buffer_size", Help: "Descriptor capacity"}, []string{"pool"}),

		watchdogEnabled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace, Subsystem: config.SubWatchdog, Name: "enabled", Help: "Watchdog armed"}, []string{"device"}),

		cancelfns: make(map[string]context.CancelFunc),
	}

	reg.MustRegister(met.streamStarts, met.streamCompleted, met.streamRejected,
		met.streamKilled, met.streamBytes, met.streamBuffers, met.streamLastStatus,
		met.streamMode, met.streamPhase)
	reg.MustRegister(met.controlHandled, met.controlUnhandled)
	reg.MustRegister(met.poolFree, met.poolSize)
	reg.MustRegister(met.watchdogEnabled)

	return met
}

func (m *Metrics) remove(subsystem string, name string) {
	m.lock.Lock()
	cancelfn, ok := m.cancelfns[fmt.Sprintf("%s_%s", subsystem, name)]
	if ok {
		cancelfn()
		delete(m.cancelfns, fmt.Sprintf("%s_%s", subsystem, name))
	}
	m.lock.Unlock()
}

func (m *Metrics) add(subsystem string, name string, interval time.Duration, tickfn func()) {
	ctx, cancelfn := context.WithCancel(context.TODO())
	m.lock.Lock()
	m.cancelfns[fmt.Sprintf("%s_%s", subsystem, name)] = cancelfn
	m.lock.Unlock()

	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				tickfn()
			}
		}
	}()
}

// Shutdown everything
func (m *Metrics) Shutdown() {
	m.lock.Lock()
	for _, cancelfn := range m.cancelfns {
		cancelfn()
	}
	m.cancelfns = make(map[string]context.CancelFunc)
	m.lock.Unlock()
}

func (m *Metrics) AddEngine(name string, e *stream.Engine) {
	m.add(m.config.SubStream, name, m.config.TickStream, func() {
		met := e.Snapshot()
		m.streamStarts.WithLabelValues(name).Set(float64(met.Starts))
		m.streamCompleted.WithLabelValues(name).Set(float64(met.Completed))
		m.streamRejected.WithLabelValues(name).Set(float64(met.Rejected))
		m.streamKilled.WithLabelValues(name).Set(float64(met.Killed))
		m.streamBytes.WithLabelValues(name).Set(float64(met.Bytes))
		m.streamBuffers.WithLabelValues(name).Set(float64(met.Buffers))
		m.streamLastStatus.WithLabelValues(name).Set(float64(met.LastStatus))
		mode, phase := e.State()
		m.streamMode.WithLabelValues(name).Set(float64(mode))
		m.streamPhase.WithLabelValues(name).Set(float64(phase))
	})
}

func (m *Metrics) RemoveEngine(name string) {
	m.remove(m.config.SubStream, name)
}

func (m *Metrics) AddDispatcher(name string, d *control.Dispatcher) {
	m.add(m.config.SubControl, name, m.config.TickControl, func() {
		met := d.Snapshot()
		m.controlHandled.WithLabelValues(name).Set(float64(met.Handled))
		m.controlUnhandled.WithLabelValues(name).Set(float64(met.Unhandled))
	})
}

func (m *Metrics) RemoveDispatcher(name string) {
	m.remove(m.config.SubControl, name)
}

func (m *Metrics) AddPool(name string, p *dma.Pool) {
	m.add(m.config.SubPool, name, m.config.TickPool, func() {
		m.poolFree.WithLabelValues(name).Set(float64(p.Free()))
		m.poolSize.WithLabelValues(name).Set(float64(p.BufferSize()))
	})
}

func (m *Metrics) RemovePool(name string) {
	m.remove(m.config.SubPool, name)
}

func (m *Metrics) AddWatchdog(name string, s *watchdog.Supervisor) {
	m.add(m.config.SubWatchdog, name, m.config.TickWatchdog, func() {
		v := 0.0
		if s.Enabled() {
			v = 1.0
		}
		m.watchdogEnabled.WithLabelValues(name).Set(v)
	})
}

func (m *Metrics) RemoveWatchdog(name string) {
	m.remove(m.config.SubWatchdog, name)
}
