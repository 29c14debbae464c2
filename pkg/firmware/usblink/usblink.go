// Package usblink frames vendor commands over a byte stream, standing in for
// the control endpoint of the physical link. Each request is a fixed 12 byte
// header followed by an optional data stage; each response is an ack byte
// and an optional reply record. The data stage is handed to the dispatcher
// as a bounded reader straight off the link, so the drain-before-return
// contract keeps the stream synchronized.
package usblink

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/loopholelabs/logging/types"

	"github.com/isensor/fx3/pkg/firmware/control"
)

const headerSize = 12

// Handler executes one decoded command. *control.Dispatcher is the
// production implementation.
type Handler interface {
	Handle(cmd control.Command) ([]byte, error)
}

const (
	ackHandled byte = 1
	ackStalled byte = 0
)

// ErrStalled is returned by the client when the device rejected the command.
var ErrStalled = errors.New("command stalled")

// Link is the device side of the control connection. One goroutine calls
// Handle; writes are serialized internally.
type Link struct {
	ctx     context.Context
	r       io.Reader
	w       io.Writer
	wlock   sync.Mutex
	handler Handler
	log     types.Logger
}

func NewLink(ctx context.Context, r io.Reader, w io.Writer, handler Handler, log types.Logger) *Link {
	return &Link{
		ctx:     ctx,
		r:       r,
		w:       w,
		handler: handler,
		log:     log,
	}
}

// Handle serves requests until the reader fails or the context is done.
func (l *Link) Handle() error {
	header := make([]byte, headerSize)
	for {
		if l.ctx.Err() != nil {
			return l.ctx.Err()
		}
		if _, err := io.ReadFull(l.r, header); err != nil {
			return err
		}
		cmd := control.Command{
			Opcode: header[0],
			Index:  binary.LittleEndian.Uint16(header[2:]),
			Value:  binary.LittleEndian.Uint16(header[4:]),
			Length: binary.LittleEndian.Uint16(header[6:]),
		}
		payloadLen := binary.LittleEndian.Uint32(header[8:])

		var payload *io.LimitedReader
		if payloadLen > 0 {
			payload = &io.LimitedReader{R: l.r, N: int64(payloadLen)}
			cmd.Payload = payload
		}

		reply, err := l.handler.Handle(cmd)

		// The dispatcher drains the data stage; a leftover here means a
		// handler bug, and skipping it is the only way to keep the
		// stream aligned.
		if payload != nil && payload.N > 0 {
			if _, err := io.Copy(io.Discard, payload); err != nil {
				return err
			}
		}

		ack := ackHandled
		if err != nil {
			ack = ackStalled
			reply = nil
		}
		if err := l.respond(ack, reply); err != nil {
			return err
		}
	}
}

func (l *Link) respond(ack byte, reply []byte) error {
	l.wlock.Lock()
	defer l.wlock.Unlock()
	head := make([]byte, 5)
	head[0] = ack
	binary.LittleEndian.PutUint32(head[1:], uint32(len(reply)))
	if _, err := l.w.Write(head); err != nil {
		return err
	}
	if len(reply) > 0 {
		if _, err := l.w.Write(reply); err != nil {
			return err
		}
	}
	return nil
}

// Client is the host side of the control connection, used by the command
// line tools and the tests.
type Client struct {
	r    io.Reader
	w    io.Writer
	lock sync.Mutex
}

func NewClient(r io.Reader, w io.Writer) *Client {
	return &Client{r: r, w: w}
}

// Do sends one command and waits for its response. A stalled command
// returns ErrStalled.
func (c *Client) Do(opcode uint8, index, value, length uint16, payload []byte) ([]byte, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	header := make([]byte, headerSize)
	header[0] = opcode
	binary.LittleEndian.PutUint16(header[2:], index)
	binary.LittleEndian.PutUint16(header[4:], value)
	binary.LittleEndian.PutUint16(header[6:], length)
	binary.LittleEndian.PutUint32(header[8:], uint32(len(payload)))
	if _, err := c.w.Write(header); err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if _, err := c.w.Write(payload); err != nil {
			return nil, err
		}
	}

	head := make([]byte, 5)
	if _, err := io.ReadFull(c.r, head); err != nil {
		return nil, err
	}
	replyLen := binary.LittleEndian.Uint32(head[1:])
	var reply []byte
	if replyLen > 0 {
		reply = make([]byte, replyLen)
		if _, err := io.ReadFull(c.r, reply); err != nil {
			return nil, err
		}
	}
	if head[0] != ackHandled {
		return nil, fmt.Errorf("%w: opcode 0x%02x", ErrStalled, opcode)
	}
	return reply, nil
}
