package flashlog

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/isensor/fx3/pkg/firmware/config"
	"github.com/isensor/fx3/pkg/firmware/hal"
)

func TestAppendReadClear(t *testing.T) {
	sim := hal.NewSim(config.BoardISensor)
	l := New(sim, nil)

	count, err := l.Count()
	assert.NoError(t, err)
	assert.Equal(t, uint32(0), count)

	e1 := Entry{File: SrcControl, Line: 120, Code: 0x4A, BootTime: 99}
	e2 := Entry{File: SrcStream, Line: 55, Code: 0x47, BootTime: 99}
	assert.NoError(t, l.Append(e1))
	assert.NoError(t, l.Append(e2))

	count, err = l.Count()
	assert.NoError(t, err)
	assert.Equal(t, uint32(2), count)

	got, err := l.Read(0)
	assert.NoError(t, err)
	assert.Equal(t, e1, got)
	got, err = l.Read(1)
	assert.NoError(t, err)
	assert.Equal(t, e2, got)

	_, err = l.Read(2)
	assert.ErrorIs(t, err, ErrBadIndex)

	assert.NoError(t, l.Clear())
	count, err = l.Count()
	assert.NoError(t, err)
	assert.Equal(t, uint32(0), count)
	_, err = l.Read(0)
	assert.ErrorIs(t, err, ErrBadIndex)
}

func TestLogSurvivesAcrossInstances(t *testing.T) {
	sim := hal.NewSim(config.BoardISensor)
	l := New(sim, nil)
	assert.NoError(t, l.Append(Entry{File: SrcApp, Line: 1, Code: 2}))

	// A fresh Log over the same flash sees the record.
	l2 := New(sim, nil)
	count, err := l2.Count()
	assert.NoError(t, err)
	assert.Equal(t, uint32(1), count)
}
