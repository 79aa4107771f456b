// Package bafang implements the wire format of the Bafang motor controller
// configuration protocol: block identifiers, the additive checksum, the
// per-block binary codec and the write result codes.
//
// # Frames
//
//	Read request:   [0x11][BLOCK]                        (General: [0x11][0x51][0x04][0xB0][CK])
//	Read response:  [BLOCK][LEN][PAYLOAD...][CK]         (fixed length per block)
//	Write request:  [0x16][BLOCK][LEN][PAYLOAD...][CK]
//	Write response: [BLOCK][CODE]
//
// The checksum is the sum of every byte after the first, modulo 256.
// Frame completion is signalled by the fixed block length, never by a
// terminator byte.
package bafang

import (
	"fmt"
	"strings"
)

// Command bytes.
const (
	CmdRead  byte = 0x11
	CmdWrite byte = 0x16
)

// AckLength is the size of a write acknowledgement: [BLOCK][CODE].
const AckLength = 2

// Block identifies one addressable configuration section of the controller.
type Block byte

const (
	General  Block = 0x51
	Basic    Block = 0x52
	Pedal    Block = 0x53
	Throttle Block = 0x54
)

// Blocks lists every known block in id order.
var Blocks = []Block{General, Basic, Pedal, Throttle}

// Chain is the order used by read-all and write-all. General is read once at
// connect and is never written.
var Chain = []Block{Basic, Pedal, Throttle}

// Valid reports whether b is one of the four known blocks.
func (b Block) Valid() bool {
	return b >= General && b <= Throttle
}

// Len returns the length of a complete read response for the block,
// including the block id and the trailing checksum.
func (b Block) Len() int {
	switch b {
	case General:
		return 19
	case Basic:
		return 27
	case Pedal:
		return 14
	case Throttle:
		return 9
	}
	return 0
}

// PayloadLen is the number of field bytes carried by the block.
func (b Block) PayloadLen() int {
	if !b.Valid() {
		return 0
	}
	return b.Len() - 3
}

// Writable reports whether the block may be sent to the controller.
func (b Block) Writable() bool {
	return b == Basic || b == Pedal || b == Throttle
}

// Key is the name used for the block in profile documents.
func (b Block) Key() string {
	switch b {
	case General:
		return "info"
	case Basic:
		return "basic"
	case Pedal:
		return "pedal"
	case Throttle:
		return "throttle"
	}
	return ""
}

func (b Block) String() string {
	switch b {
	case General:
		return "General"
	case Basic:
		return "Basic"
	case Pedal:
		return "PedalAssist"
	case Throttle:
		return "Throttle"
	}
	return fmt.Sprintf("Block(0x%02X)", byte(b))
}

// Next returns the block following b in chain order, and false when b is the
// last block of the chain or not part of it.
func (b Block) Next() (Block, bool) {
	for i, c := range Chain {
		if c == b && i+1 < len(Chain) {
			return Chain[i+1], true
		}
	}
	return 0, false
}

// ParseBlock accepts a profile key ("basic"), a block name ("PedalAssist")
// or a hex id ("0x53").
func ParseBlock(s string) (Block, error) {
	s = strings.TrimSpace(s)
	for _, b := range Blocks {
		if strings.EqualFold(s, b.Key()) || strings.EqualFold(s, b.String()) {
			return b, nil
		}
	}
	var id byte
	if _, err := fmt.Sscanf(strings.ToLower(s), "0x%x", &id); err == nil && Block(id).Valid() {
		return Block(id), nil
	}
	return 0, fmt.Errorf("unknown block %q", s)
}

// ReadRequest builds the request frame for reading b. Only the General
// request carries a checksum; the controller accepts the bare two-byte form
// for the other blocks.
func ReadRequest(b Block) []byte {
	if b == General {
		return AppendChecksum([]byte{CmdRead, byte(General), 0x04, 0xB0})
	}
	return []byte{CmdRead, byte(b)}
}

// WriteRequest wraps an encoded payload in a write frame.
func WriteRequest(b Block, payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+4)
	frame = append(frame, CmdWrite, byte(b), byte(len(payload)))
	frame = append(frame, payload...)
	return AppendChecksum(frame)
}

// ReadResponse builds the frame a controller sends in answer to a read of b.
func ReadResponse(b Block, payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+3)
	frame = append(frame, byte(b), byte(len(payload)))
	frame = append(frame, payload...)
	return AppendChecksum(frame)
}

// Hex renders frame bytes as space separated hex in logs.
type Hex []byte

func (h Hex) String() string { return fmt.Sprintf("% X", []byte(h)) }

func (h Hex) MarshalText() ([]byte, error) { return []byte(h.String()), nil }
