// Package watchdog keeps the hardware liveness timer from expiring. A
// periodic tick, scheduled 5 seconds inside the watchdog period, rewrites the
// countdown register. If firmware locks up and the tick is starved, the
// hardware resets the device regardless of software state.
package watchdog

import (
	"fmt"
	"sync"
	"time"

	"github.com/loopholelabs/logging/types"

	"github.com/isensor/fx3/pkg/firmware/hal"
)

// clearMargin is how far inside the watchdog period the tick runs.
const clearMargin = 5000 * time.Millisecond

// ticksPerMs converts the configured period into hardware countdown ticks.
const ticksPerMs = 33

type Supervisor struct {
	hw  hal.Watchdog
	log types.Logger

	mu      sync.Mutex
	enabled bool
	ticks   uint32
	stop    chan struct{}
}

func NewSupervisor(hw hal.Watchdog, log types.Logger) *Supervisor {
	return &Supervisor{
		hw:  hw,
		log: log,
	}
}

// Configure arms or disarms watchdog protection. If the periodic timer
// cannot be set up while enabling, protection falls back to fully disabled
// and the condition is reported; a half-configured timer is never left
// armed.
func (s *Supervisor) Configure(enabled bool, periodMs uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Tear down any existing tick first.
	s.stopLocked()

	if !enabled {
		s.enabled = false
		return s.hw.ConfigureWatchdog(false, periodMs)
	}

	if err := s.hw.ConfigureWatchdog(true, periodMs); err != nil {
		s.enabled = false
		_ = s.hw.ConfigureWatchdog(false, periodMs)
		if s.log != nil {
			s.log.Error().Err(err).Msg("watchdog setup failed, protection disabled")
		}
		return fmt.Errorf("arming watchdog: %w", err)
	}

	s.enabled = true
	s.ticks = periodMs * ticksPerMs

	interval := time.Duration(periodMs) * time.Millisecond
	if interval > clearMargin {
		interval -= clearMargin
	} else {
		interval /= 2
	}

	stop := make(chan struct{})
	s.stop = stop
	go s.run(interval, stop)

	if s.log != nil {
		s.log.Debug().Uint32("period_ms", periodMs).Msg("watchdog armed")
	}
	return nil
}

func (s *Supervisor) run(interval time.Duration, stop chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.Tick()
		case <-stop:
			return
		}
	}
}

// Tick rewrites the countdown register, toggling the value by one tick in
// alternating directions so every write is distinct. Non-blocking and
// bounded; runs at timer-callback priority, independent of control or
// streaming work.
func (s *Supervisor) Tick() {
	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return
	}
	if s.ticks&0x1 != 0 {
		s.ticks--
	} else {
		s.ticks++
	}
	ticks := s.ticks
	s.mu.Unlock()
	s.hw.SetCounter(ticks)
}

// Enabled reports whether protection is currently armed.
func (s *Supervisor) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Stop halts the periodic tick without touching the hardware timer. Used
// during ordered shutdown, where the device reset follows immediately.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.stopLocked()
	s.enabled = false
	s.mu.Unlock()
}

func (s *Supervisor) stopLocked() {
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
}
