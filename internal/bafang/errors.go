package bafang

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownBlock is returned for a block id outside 0x51..0x54.
	ErrUnknownBlock = errors.New("unknown block")
	// ErrReadOnly is returned when encoding the General block.
	ErrReadOnly = errors.New("block is read-only")
	// ErrNoRecord is returned when the profile has no record for a block.
	ErrNoRecord = errors.New("no record for block")
)

// FrameError describes a frame that does not match its block layout.
type FrameError struct {
	Block Block
	Want  int
	Got   int
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("%s frame: want %d bytes, got %d", e.Block, e.Want, e.Got)
}
