package session

import (
	"log/slog"

	"github.com/shaunagostinho/bafang-config/internal/bafang"
)

// Config holds the session configuration.
type Config struct {
	// Logger receives protocol warnings and frame traces (optional)
	Logger *slog.Logger

	// VerifyChecksum rejects read responses whose trailing byte is not the
	// additive checksum. Off by default: the controller is trusted once the
	// declared length has arrived.
	VerifyChecksum bool

	// AbortChainOnFailure stops write-all at the first rejected block.
	// Off by default, matching the controller tool's historical behaviour of
	// carrying on with the next block.
	AbortChainOnFailure bool

	// BlockRead is called after a read exchange completes. err is nil when
	// the record was stored in the profile.
	BlockRead func(b bafang.Block, err error)

	// BlockWritten is called after a write exchange completes. A rejected
	// write carries a *bafang.ResultError.
	BlockWritten func(b bafang.Block, err error)

	// TransportState is called on Connect and Disconnect.
	TransportState func(connected bool)
}

// Option is a functional option for configuring the Session.
type Option func(*Config)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = log
	}
}

// WithVerifyChecksum enables verification of inbound read responses.
func WithVerifyChecksum(verify bool) Option {
	return func(c *Config) {
		c.VerifyChecksum = verify
	}
}

// WithAbortChainOnFailure makes write-all stop at the first rejected block.
func WithAbortChainOnFailure(abort bool) Option {
	return func(c *Config) {
		c.AbortChainOnFailure = abort
	}
}

// OnBlockRead registers the read completion callback.
//
// Example:
//
//	s := session.New(port, session.OnBlockRead(func(b bafang.Block, err error) {
//	    if err == nil {
//	        fmt.Println("read", b)
//	    }
//	}))
func OnBlockRead(fn func(b bafang.Block, err error)) Option {
	return func(c *Config) {
		c.BlockRead = fn
	}
}

// OnBlockWritten registers the write completion callback.
func OnBlockWritten(fn func(b bafang.Block, err error)) Option {
	return func(c *Config) {
		c.BlockWritten = fn
	}
}

// OnTransportState registers the connection state callback.
func OnTransportState(fn func(connected bool)) Option {
	return func(c *Config) {
		c.TransportState = fn
	}
}
