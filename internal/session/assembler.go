package session

import (
	"log/slog"

	"github.com/shaunagostinho/bafang-config/internal/bafang"
	"github.com/shaunagostinho/bafang-config/internal/metrics"
)

// Op tells whether an exchange is a read or a write.
type Op int

const (
	OpRead Op = iota
	OpWrite
)

func (o Op) String() string {
	if o == OpWrite {
		return "write"
	}
	return "read"
}

// Expectation is the context an assembler is armed with.
type Expectation struct {
	Op    Op
	Block bafang.Block
}

// Frame is a completed inbound frame together with the expectation it
// answers.
type Frame struct {
	Expectation
	Data []byte
}

// Assembler reassembles an unbounded byte stream into frames of a length
// declared in advance. Bytes that arrive while it is not armed are dropped.
//
// Assembler is not safe for concurrent use; the Session serialises access.
type Assembler struct {
	log       *slog.Logger
	buf       []byte
	remaining int
	exp       Expectation
	ignored   int
}

// NewAssembler returns a disarmed assembler.
func NewAssembler(log *slog.Logger) *Assembler {
	if log == nil {
		log = slog.Default()
	}
	return &Assembler{log: log}
}

// Arm resets the buffer and expects n more bytes. Arming while a frame is in
// progress discards the partial frame; the return value reports that case.
func (a *Assembler) Arm(n int, exp Expectation) (discarded bool) {
	if a.remaining > 0 {
		a.log.Warn("previous exchange not finished, discarding partial frame",
			"pending", a.exp.Block, "op", a.exp.Op, "have", len(a.buf), "missing", a.remaining)
		discarded = true
	}
	a.buf = make([]byte, 0, n)
	a.remaining = n
	a.exp = exp
	a.log.Debug("expecting bytes", "n", n, "block", exp.Block, "op", exp.Op)
	return discarded
}

// Feed consumes one byte. It returns the completed frame once the armed
// length has been reached; the assembler is disarmed at that point.
func (a *Assembler) Feed(b byte) (Frame, bool) {
	if a.remaining == 0 {
		a.ignored++
		metrics.BytesIgnored.Inc()
		a.log.Debug("ignoring byte", "byte", b)
		return Frame{}, false
	}
	a.buf = append(a.buf, b)
	a.remaining--
	if a.remaining > 0 {
		return Frame{}, false
	}
	f := Frame{Expectation: a.exp, Data: a.buf}
	a.buf = nil
	a.log.Debug("frame complete", "block", a.exp.Block, "op", a.exp.Op, "bytes", bafang.Hex(f.Data))
	return f, true
}

// Reset disarms the assembler and drops any partial frame.
func (a *Assembler) Reset() {
	a.buf = nil
	a.remaining = 0
}

// Armed reports whether an expectation is active.
func (a *Assembler) Armed() bool { return a.remaining > 0 }

// Remaining is the number of bytes still required.
func (a *Assembler) Remaining() int { return a.remaining }

// Ignored counts bytes dropped because no expectation was active.
func (a *Assembler) Ignored() int { return a.ignored }
