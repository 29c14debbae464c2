// Package flashlog persists firmware error records across reboots. The log
// lives in a fixed flash region: a 4 byte entry count followed by fixed-size
// entries, oldest first, wrapping once the region fills.
package flashlog

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/loopholelabs/logging/types"

	"github.com/isensor/fx3/pkg/firmware/hal"
)

const (
	countAddr = 0x0
	baseAddr  = 0x10
	entrySize = 12

	// MaxEntries bounds the log region; older entries are overwritten.
	MaxEntries = 1360
)

var ErrBadIndex = errors.New("error log index out of range")

// Entry is one logged fault: the reporting source file id and line, the
// status code, and the host supplied boot timestamp current at the time.
type Entry struct {
	File     uint16
	Line     uint16
	Code     uint32
	BootTime uint32
}

// Source file identifiers, stable across firmware revisions.
const (
	SrcControl uint16 = iota + 1
	SrcStream
	SrcApp
	SrcWatchdog
)

func (e Entry) marshal() []byte {
	b := make([]byte, entrySize)
	binary.LittleEndian.PutUint16(b[0:], e.File)
	binary.LittleEndian.PutUint16(b[2:], e.Line)
	binary.LittleEndian.PutUint32(b[4:], e.Code)
	binary.LittleEndian.PutUint32(b[8:], e.BootTime)
	return b
}

func unmarshalEntry(b []byte) Entry {
	return Entry{
		File:     binary.LittleEndian.Uint16(b[0:]),
		Line:     binary.LittleEndian.Uint16(b[2:]),
		Code:     binary.LittleEndian.Uint32(b[4:]),
		BootTime: binary.LittleEndian.Uint32(b[8:]),
	}
}

type Log struct {
	flash hal.Flash
	log   types.Logger
	mu    sync.Mutex
}

func New(flash hal.Flash, log types.Logger) *Log {
	return &Log{
		flash: flash,
		log:   log,
	}
}

// Count returns the total number of faults logged since the last clear.
func (l *Log) Count() (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.countLocked()
}

func (l *Log) countLocked() (uint32, error) {
	b := make([]byte, 4)
	if err := l.flash.ReadFlash(countAddr, b); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Append records a fault. Failures to write the log are reported but never
// escalate; the log is diagnostic, not load bearing.
func (l *Log) Append(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	count, err := l.countLocked()
	if err != nil {
		return err
	}
	slot := count % MaxEntries
	if err := l.flash.WriteFlash(baseAddr+slot*entrySize, e.marshal()); err != nil {
		if l.log != nil {
			l.log.Warn().Err(err).Msg("error log write failed")
		}
		return err
	}
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, count+1)
	return l.flash.WriteFlash(countAddr, b)
}

// Read returns the entry at the given index, 0 = oldest retained.
func (l *Log) Read(index uint32) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	count, err := l.countLocked()
	if err != nil {
		return Entry{}, err
	}
	if index >= count || index >= MaxEntries {
		return Entry{}, ErrBadIndex
	}
	b := make([]byte, entrySize)
	if err := l.flash.ReadFlash(baseAddr+index*entrySize, b); err != nil {
		return Entry{}, err
	}
	return unmarshalEntry(b), nil
}

// Clear resets the log count. Entry data is left in place and simply
// overwritten by later appends.
func (l *Log) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := make([]byte, 4)
	return l.flash.WriteFlash(countAddr, b)
}
