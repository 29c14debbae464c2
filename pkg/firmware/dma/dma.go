// Package dma manages the reusable buffer descriptors and the unidirectional
// channels between the SPI side, the host-facing bulk endpoints, and the
// control endpoint. Descriptors are owned by exactly one party at a time:
// Acquire removes a descriptor from its pool, Commit hands it to the channel,
// and the channel returns it to the pool only once the transport write has
// completed. A backing region can therefore never be recommitted before its
// prior commit has been observed.
package dma

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/loopholelabs/logging/types"
)

var (
	ErrNoBuffer      = errors.New("no free buffer descriptor")
	ErrChannelClosed = errors.New("dma channel destroyed")
	ErrFlushTimeout  = errors.New("dma flush timed out")
)

// Buffer is a single reusable descriptor: a fixed backing region plus the
// committed byte count. Rebuilt (Reset + fill + Count) before each commit.
type Buffer struct {
	Data  []byte
	Count int
	pool  *Pool
}

// Release returns the descriptor to its pool. Only the current owner may
// call it.
func (b *Buffer) Release() {
	b.Count = 0
	b.pool.free <- b
}

// Pool is a fixed set of descriptors sharing one capacity.
type Pool struct {
	free    chan *Buffer
	bufSize int
}

func NewPool(count int, bufSize int) *Pool {
	p := &Pool{
		free:    make(chan *Buffer, count),
		bufSize: bufSize,
	}
	for i := 0; i < count; i++ {
		p.free <- &Buffer{Data: make([]byte, bufSize), pool: p}
	}
	return p
}

// Acquire takes ownership of a free descriptor, waiting up to timeout for one
// to be released. The wait is bounded so callers can recheck cancellation.
func (p *Pool) Acquire(timeout time.Duration) (*Buffer, error) {
	select {
	case b := <-p.free:
		return b, nil
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case b := <-p.free:
		return b, nil
	case <-t.C:
		return nil, ErrNoBuffer
	}
}

// BufferSize returns the per-descriptor capacity.
func (p *Pool) BufferSize() int {
	return p.bufSize
}

// Free reports how many descriptors are currently unowned.
func (p *Pool) Free() int {
	return len(p.free)
}

/**
 * Channel is a unidirectional device-to-host pipe. Commit is synchronous to
 * the caller but asynchronous with respect to transport completion: a single
 * consumer goroutine drains committed descriptors into the sink, splitting
 * anything larger than the negotiated packet size into sequential
 * packet-sized writes, then releases the descriptor back to its pool.
 */
type Channel struct {
	name       string
	log        types.Logger
	sink       io.Writer
	pool       *Pool
	packetSize int

	commits chan *Buffer
	closed  chan struct{}
	drained chan struct{}

	mu      sync.Mutex
	pending int
	idle    chan struct{}
	err     error
}

func NewChannel(name string, sink io.Writer, pool *Pool, packetSize int, log types.Logger) *Channel {
	c := &Channel{
		name:       name,
		log:        log,
		sink:       sink,
		pool:       pool,
		packetSize: packetSize,
		commits:    make(chan *Buffer, cap(pool.free)),
		closed:     make(chan struct{}),
		drained:    make(chan struct{}),
		idle:       make(chan struct{}),
	}
	go c.consume()
	return c
}

// Acquire hands out a descriptor from the channel's pool.
func (c *Channel) Acquire(timeout time.Duration) (*Buffer, error) {
	return c.pool.Acquire(timeout)
}

// PacketSize returns the negotiated per-write cap.
func (c *Channel) PacketSize() int {
	return c.packetSize
}

// Commit transfers ownership of the descriptor to the channel. The caller
// must not touch the backing region again until it reacquires the descriptor
// from the pool.
func (c *Channel) Commit(b *Buffer) error {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		b.Release()
		return err
	}
	select {
	case <-c.closed:
		c.mu.Unlock()
		b.Release()
		return ErrChannelClosed
	default:
	}
	c.pending++
	// commits is buffered to the pool size so this send cannot block.
	// Holding the lock makes the closed-check and the enqueue atomic with
	// respect to Destroy.
	c.commits <- b
	c.mu.Unlock()
	return nil
}

func (c *Channel) consume() {
	defer close(c.drained)
	for {
		select {
		case b := <-c.commits:
			c.write(b)
		case <-c.closed:
			// Drain anything still queued so no descriptor leaks.
			for {
				select {
				case b := <-c.commits:
					c.complete(b)
				default:
					return
				}
			}
		}
	}
}

func (c *Channel) write(b *Buffer) {
	data := b.Data[:b.Count]
	for len(data) > 0 {
		n := len(data)
		if n > c.packetSize {
			n = c.packetSize
		}
		if _, err := c.sink.Write(data[:n]); err != nil {
			c.fail(err)
			break
		}
		data = data[n:]
	}
	c.complete(b)
}

func (c *Channel) complete(b *Buffer) {
	b.Release()
	c.mu.Lock()
	c.pending--
	close(c.idle)
	c.idle = make(chan struct{})
	c.mu.Unlock()
}

func (c *Channel) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	if c.log != nil {
		c.log.Error().Str("channel", c.name).Err(err).Msg("dma sink write failed")
	}
}

// Err returns the sticky transport error, if any.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Flush blocks until every committed descriptor has completed, or the timeout
// elapses. Used by the streaming engine before acknowledging Idle.
func (c *Channel) Flush(timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		c.mu.Lock()
		if c.pending == 0 {
			err := c.err
			c.mu.Unlock()
			return err
		}
		ch := c.idle
		c.mu.Unlock()
		select {
		case <-ch:
		case <-t.C:
			return ErrFlushTimeout
		}
	}
}

// Send is the manual-send path used for short replies: acquire, fill, commit
// and wait for completion in one call.
func (c *Channel) Send(data []byte, timeout time.Duration) error {
	b, err := c.Acquire(timeout)
	if err != nil {
		return err
	}
	if len(data) > len(b.Data) {
		b.Release()
		return errors.New("payload exceeds descriptor capacity")
	}
	copy(b.Data, data)
	b.Count = len(data)
	if err := c.Commit(b); err != nil {
		return err
	}
	return c.Flush(timeout)
}

// Destroy tears the channel down. Committed but unwritten descriptors are
// released, not leaked. Safe to call more than once.
func (c *Channel) Destroy() {
	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return
	default:
	}
	close(c.closed)
	c.mu.Unlock()
	<-c.drained
}
