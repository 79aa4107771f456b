package device

import (
	"io"
	"log/slog"
	"sync"

	"github.com/shaunagostinho/bafang-config/internal/bafang"
)

// stockFrames are the blocks an emulated controller starts with: an
// HZXT SZZ6 36 V unit with a 20 A limit. Checksums are recomputed on load.
var stockFrames = [][]byte{
	{0x51, 0x10, 'H', 'Z', 'X', 'T', 'S', 'Z', 'Z', '6', '2', '2', '2', '0', '1', '1', 0x01, 0x14, 0x1B},
	{0x52, 0x18, 0x1F, 0x0F, 0x00, 0x1C, 0x25, 0x2E, 0x37, 0x40, 0x49, 0x52, 0x5B, 0x64, 0x64, 0x64, 0x64, 0x64, 0x64, 0x64, 0x64, 0x64, 0x64, 0x64, 0x37, 0x01, 0xDF},
	{0x53, 0x0B, 0x03, 0xFF, 0xFF, 0x64, 0x06, 0x14, 0x0A, 0x19, 0x08, 0x14, 0x14, 0x27},
	{0x54, 0x06, 0x0B, 0x23, 0x00, 0x03, 0x11, 0x14, 0xAC},
}

// EmulatorConfig holds emulator configuration.
type EmulatorConfig struct {
	// Chunk splits every response into reads of at most this many bytes,
	// the way a UART delivers them. Zero delivers whole frames.
	Chunk int `yaml:"chunk" json:"chunk"`
}

// Emulator is an in-memory controller. It answers read requests with its
// stored blocks and validates write requests, storing accepted blocks and
// answering with the controller's result codes.
//
// The Emulator is both the Opener and the transport it opens; reopening
// after Close starts a fresh byte stream over the same stored blocks.
type Emulator struct {
	cfg  EmulatorConfig
	log  *slog.Logger
	mu   sync.Mutex
	cond *sync.Cond

	in     []byte
	out    [][]byte
	frames map[bafang.Block][]byte
	closed bool
	writes int
}

// NewEmulator creates an emulator holding the stock blocks.
func NewEmulator(cfg EmulatorConfig, log *slog.Logger) *Emulator {
	if log == nil {
		log = slog.Default()
	}
	e := &Emulator{
		cfg:    cfg,
		log:    log.With("component", "emulator"),
		frames: make(map[bafang.Block][]byte),
		closed: true,
	}
	e.cond = sync.NewCond(&e.mu)
	for _, f := range stockFrames {
		b := bafang.Block(f[0])
		e.frames[b] = bafang.ReadResponse(b, f[2:len(f)-1])
	}
	return e
}

func (e *Emulator) Name() string { return "emulator" }

// Open starts a new byte stream.
func (e *Emulator) Open() (io.ReadWriteCloser, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = false
	e.in = nil
	e.out = nil
	return e, nil
}

// Close ends the byte stream and unblocks readers.
func (e *Emulator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.cond.Broadcast()
	return nil
}

// Write accepts request bytes. Complete requests are answered immediately.
func (e *Emulator) Write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, io.ErrClosedPipe
	}
	e.in = append(e.in, p...)
	e.process()
	return len(p), nil
}

// Read blocks until response bytes are available or the stream is closed.
func (e *Emulator) Read(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for len(e.out) == 0 && !e.closed {
		e.cond.Wait()
	}
	if e.closed {
		return 0, io.EOF
	}
	n := copy(p, e.out[0])
	if n < len(e.out[0]) {
		e.out[0] = e.out[0][n:]
	} else {
		e.out = e.out[1:]
	}
	return n, nil
}

// Inject queues unsolicited bytes, as line noise would.
func (e *Emulator) Inject(p []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.send(p)
}

// Frame returns the stored read response for b.
func (e *Emulator) Frame(b bafang.Block) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]byte(nil), e.frames[b]...)
}

// Writes counts accepted write requests.
func (e *Emulator) Writes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.writes
}

func (e *Emulator) send(p []byte) {
	chunk := e.cfg.Chunk
	if chunk <= 0 {
		chunk = len(p)
	}
	for len(p) > 0 {
		n := chunk
		if n > len(p) {
			n = len(p)
		}
		e.out = append(e.out, append([]byte(nil), p[:n]...))
		p = p[n:]
	}
	e.cond.Broadcast()
}

// process answers every complete request in the input buffer.
func (e *Emulator) process() {
	for len(e.in) > 0 {
		switch e.in[0] {
		case bafang.CmdRead:
			if len(e.in) < 2 {
				return
			}
			b := bafang.Block(e.in[1])
			n := 2
			if b == bafang.General {
				n = 5
			}
			if len(e.in) < n {
				return
			}
			e.in = e.in[n:]
			frame, ok := e.frames[b]
			if !ok {
				e.log.Warn("read of unknown block", "block", b)
				continue
			}
			e.send(frame)

		case bafang.CmdWrite:
			if len(e.in) < 3 {
				return
			}
			n := 3 + int(e.in[2]) + 1
			if len(e.in) < n {
				return
			}
			req := e.in[:n]
			e.in = e.in[n:]
			b := bafang.Block(req[1])
			if !b.Writable() || int(req[2]) != b.PayloadLen() {
				e.log.Warn("malformed write request", "bytes", bafang.Hex(req))
				continue
			}
			if !bafang.VerifyChecksum(req) {
				e.log.Warn("write request checksum mismatch", "bytes", bafang.Hex(req))
				continue
			}
			e.send([]byte{byte(b), e.apply(b, req[3:n-1])})

		default:
			e.log.Debug("dropping byte", "byte", e.in[0])
			e.in = e.in[1:]
		}
	}
}

// apply validates a write payload and stores it when every field is in
// range. It returns the result code for the acknowledgement.
func (e *Emulator) apply(b bafang.Block, payload []byte) byte {
	frame := bafang.ReadResponse(b, payload)
	var field string
	switch b {
	case bafang.Basic:
		rec, err := bafang.DecodeBasic(frame)
		if err != nil {
			return 0xFF
		}
		var maxCurrent uint8 = 0xFF
		if info, err := bafang.DecodeInfo(e.frames[bafang.General]); err == nil {
			maxCurrent = info.MaxCurrent
		}
		field = checkBasic(rec, maxCurrent)
	case bafang.Pedal:
		rec, err := bafang.DecodePedal(frame)
		if err != nil {
			return 0xFF
		}
		field = checkPedal(rec)
	case bafang.Throttle:
		rec, err := bafang.DecodeThrottle(frame)
		if err != nil {
			return 0xFF
		}
		field = checkThrottle(rec)
	}

	if field != "" {
		code, _ := bafang.FieldCode(b, field)
		e.log.Info("rejecting write", "block", b, "field", field, "code", code)
		return code
	}
	e.frames[b] = frame
	e.writes++
	ok, _ := bafang.SuccessCode(b)
	e.log.Info("accepted write", "block", b)
	return ok
}
