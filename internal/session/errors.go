package session

import "errors"

var (
	// ErrBusy is returned when a request is issued while another exchange
	// is still waiting for its response.
	ErrBusy = errors.New("exchange already pending")

	// ErrNotConnected is returned when no transport is attached.
	ErrNotConnected = errors.New("not connected")

	// ErrUnexpectedBlock reports a response for a block other than the one
	// requested. The frame is ignored.
	ErrUnexpectedBlock = errors.New("unexpected block in response")

	// ErrChecksum reports a read response that failed verification.
	ErrChecksum = errors.New("response checksum mismatch")
)
