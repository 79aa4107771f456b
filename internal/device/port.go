// Package device connects a protocol session to a controller: a serial port
// on real hardware, or the in-memory Emulator for demos and tests.
package device

import (
	"errors"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// ErrNoPort is returned by Link.Write while no port is open.
var ErrNoPort = errors.New("serial port not open")

// Opener opens a fresh transport to the controller.
type Opener interface {
	// Name identifies the transport in logs.
	Name() string
	// Open returns a connected byte stream.
	Open() (io.ReadWriteCloser, error)
}

// SerialConfig holds serial connection configuration.
type SerialConfig struct {
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
	// ReadTimeoutMs bounds a single read so the read loop can notice
	// shutdown. Zero means 500 ms.
	ReadTimeoutMs int `yaml:"read_timeout_ms" json:"readTimeoutMs"`
}

// DefaultBaudRate is the speed of the controller's programming port.
const DefaultBaudRate = 1200

// Serial opens a UART with go.bug.st/serial, 8N1.
type Serial struct {
	cfg SerialConfig
}

// NewSerial creates a serial opener.
func NewSerial(cfg SerialConfig) *Serial {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.ReadTimeoutMs <= 0 {
		cfg.ReadTimeoutMs = 500
	}
	return &Serial{cfg: cfg}
}

func (s *Serial) Name() string { return s.cfg.PortPath }

// Open opens the port.
func (s *Serial) Open() (io.ReadWriteCloser, error) {
	if s.cfg.PortPath == "" {
		return nil, errors.New("no serial port configured")
	}
	mode := &serial.Mode{
		BaudRate: s.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(s.cfg.PortPath, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.cfg.PortPath, err)
	}
	if err := port.SetReadTimeout(time.Duration(s.cfg.ReadTimeoutMs) * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", s.cfg.PortPath, err)
	}
	// Drop anything the controller sent before we were listening.
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, fmt.Errorf("reset input on %s: %w", s.cfg.PortPath, err)
	}
	return port, nil
}
