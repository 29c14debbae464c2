package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclsyntax"
)

// DaemonSchema is the on disk configuration for the fx3d daemon. Everything
// is optional; absent values fall back to the boot defaults.
type DaemonSchema struct {
	Board *BoardSchema `hcl:"board,block"`
}

type BoardSchema struct {
	Type           string     `hcl:"type,label"`
	Watchdog       bool       `hcl:"watchdog,optional"`
	WatchdogPeriod string     `hcl:"watchdog_period,optional"`
	StallTimeUs    int        `hcl:"stall_us,optional"`
	StreamBuffers  int        `hcl:"stream_buffers,optional"`
	Spi            *SpiSchema `hcl:"spi,block"`
}

type SpiSchema struct {
	Clock    int  `hcl:"clock,optional"`
	WordLen  int  `hcl:"wordlen,optional"`
	Cpol     bool `hcl:"cpol,optional"`
	Cpha     bool `hcl:"cpha,optional"`
	LsbFirst bool `hcl:"lsbfirst,optional"`
}

var ErrBadBoardType = errors.New("unknown board type")

// ReadSchema parses a daemon configuration file.
func ReadSchema(path string) (*DaemonSchema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeSchema(data, path)
}

func DecodeSchema(data []byte, filename string) (*DaemonSchema, error) {
	file, diag := hclsyntax.ParseConfig(data, filename, hcl.Pos{Line: 1, Column: 1})
	if diag.HasErrors() {
		return nil, diag
	}
	schema := &DaemonSchema{}
	diag = gohcl.DecodeBody(file.Body, nil, schema)
	if diag.HasErrors() {
		return nil, diag
	}
	return schema, nil
}

// Device materializes a boot configuration from the schema. The board type
// in the file overrides hardware detection; an empty schema defers to the
// detected type passed in.
func (s *DaemonSchema) Device(detected BoardType) (*Device, error) {
	board := detected
	if s.Board != nil {
		switch strings.ToLower(s.Board.Type) {
		case "", "auto":
		case "isensor":
			board = BoardISensor
		case "explorer", "cypress":
			board = BoardCypressExplorer
		default:
			return nil, fmt.Errorf("%w: %q", ErrBadBoardType, s.Board.Type)
		}
	}

	dev := NewDevice(board)
	if s.Board == nil {
		return dev, nil
	}

	dev.WatchdogEnabled = s.Board.Watchdog
	if s.Board.WatchdogPeriod != "" {
		d, err := time.ParseDuration(s.Board.WatchdogPeriod)
		if err != nil {
			return nil, fmt.Errorf("watchdog_period: %w", err)
		}
		dev.WatchdogPeriodMs = uint32(d.Milliseconds())
	}
	if s.Board.StallTimeUs > 0 {
		dev.StallTimeUs = uint32(s.Board.StallTimeUs)
	}
	if spi := s.Board.Spi; spi != nil {
		if spi.Clock > 0 {
			dev.Spi.ClockHz = uint32(spi.Clock)
		}
		if spi.WordLen > 0 {
			dev.Spi.WordLength = uint8(spi.WordLen)
		}
		dev.Spi.Cpol = spi.Cpol
		dev.Spi.Cpha = spi.Cpha
		dev.Spi.LsbFirst = spi.LsbFirst
	}
	return dev, nil
}

// StreamBuffers returns the configured stream pool depth, or def.
func (s *DaemonSchema) StreamBuffers(def int) int {
	if s.Board != nil && s.Board.StreamBuffers > 0 {
		return s.Board.StreamBuffers
	}
	return def
}
