// Package session drives request/response exchanges with a Bafang controller
// over an ordered byte stream. It owns the in-memory profile, reassembles
// inbound frames, and chains the Basic, PedalAssist and Throttle blocks for
// read-all and write-all.
//
// A Session never reads from the transport itself: the owner of the
// transport pushes received bytes through Feed or FeedBytes. Completion is
// reported through the callbacks registered with OnBlockRead,
// OnBlockWritten and OnTransportState. Callbacks run after the session lock
// is released, so they may issue further requests.
//
// Within a chain, the callback for a block runs while the session is Idle
// and before the request for the next block is sent. Requests from outside
// the chain are refused with ErrBusy until the chain ends.
package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/shaunagostinho/bafang-config/internal/bafang"
	"github.com/shaunagostinho/bafang-config/internal/metrics"
)

// State is the exchange state of a session.
type State int

const (
	Idle State = iota
	AwaitingRead
	AwaitingWrite
)

func (s State) String() string {
	switch s {
	case AwaitingRead:
		return "awaiting_read"
	case AwaitingWrite:
		return "awaiting_write"
	}
	return "idle"
}

// Session is a single-outstanding-request protocol engine.
type Session struct {
	mu  sync.Mutex
	w   io.Writer
	cfg Config
	log *slog.Logger
	asm *Assembler

	connected bool
	state     State
	block     bafang.Block
	chain     bool
	advancing bool // chain step done, next request not yet sent
	started   time.Time
	profile   *bafang.Profile
}

// New returns a disconnected session writing requests to w. The profile
// starts empty.
func New(w io.Writer, opts ...Option) *Session {
	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "session")
	return &Session{
		w:       w,
		cfg:     cfg,
		log:     log,
		asm:     NewAssembler(log),
		profile: &bafang.Profile{},
	}
}

// Connect marks the transport as up and requests the General block. Any
// exchange left over from a previous connection is dropped.
func (s *Session) Connect() error {
	s.mu.Lock()
	s.resetLocked()
	s.connected = true
	s.log.Info("connected")
	err := s.beginLocked(OpRead, bafang.General)
	s.mu.Unlock()

	s.emitTransport(true)
	if err != nil {
		return fmt.Errorf("request general block: %w", err)
	}
	return nil
}

// Disconnect marks the transport as down and aborts any pending exchange.
// The profile is kept.
func (s *Session) Disconnect() {
	s.mu.Lock()
	was := s.connected
	s.resetLocked()
	s.connected = false
	s.mu.Unlock()

	if was {
		s.log.Info("disconnected")
		s.emitTransport(false)
	}
}

// ReadBlock requests block b.
func (s *Session) ReadBlock(b bafang.Block) error {
	if !b.Valid() {
		return fmt.Errorf("%w: 0x%02X", bafang.ErrUnknownBlock, byte(b))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.beginLocked(OpRead, b)
}

// WriteBlock encodes the profile record for b and sends it.
func (s *Session) WriteBlock(b bafang.Block) error {
	if !b.Writable() {
		if !b.Valid() {
			return fmt.Errorf("%w: 0x%02X", bafang.ErrUnknownBlock, byte(b))
		}
		return fmt.Errorf("%s: %w", b, bafang.ErrReadOnly)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.beginLocked(OpWrite, b)
}

// ReadAllBlocks reads Basic, PedalAssist and Throttle in that order. Each
// completion fires the read callback; the chain stops at the first failure.
func (s *Session) ReadAllBlocks() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startChainLocked(OpRead)
}

// WriteAllBlocks writes Basic, PedalAssist and Throttle in that order. All
// three records must be present in the profile. A rejected block does not
// stop the chain unless WithAbortChainOnFailure is set.
func (s *Session) WriteAllBlocks() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range bafang.Chain {
		if !s.profile.Has(b) {
			return fmt.Errorf("%s: %w", b, bafang.ErrNoRecord)
		}
	}
	return s.startChainLocked(OpWrite)
}

// Feed pushes one received byte into the session.
func (s *Session) Feed(b byte) {
	s.FeedBytes([]byte{b})
}

// FeedBytes pushes received bytes into the session in order.
func (s *Session) FeedBytes(p []byte) {
	var events []func()
	s.mu.Lock()
	for _, c := range p {
		f, ok := s.asm.Feed(c)
		if !ok {
			continue
		}
		events = append(events, s.completeLocked(f)...)
	}
	s.mu.Unlock()

	for _, ev := range events {
		ev()
	}
}

// State returns the exchange state and the block it concerns.
func (s *Session) State() (State, bafang.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.block
}

// Connected reports whether Connect has been called without a matching
// Disconnect.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Chaining reports whether a read-all or write-all is in progress.
func (s *Session) Chaining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chain
}

// Ignored counts received bytes that arrived with no exchange pending.
func (s *Session) Ignored() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.asm.Ignored()
}

// Profile returns a copy of the current profile.
func (s *Session) Profile() *bafang.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile.Clone()
}

// SetProfile replaces the profile wholesale, as on file import. It is
// refused while an exchange is pending.
func (s *Session) SetProfile(p *bafang.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Idle || s.advancing {
		return fmt.Errorf("%w: %s %s", ErrBusy, s.state, s.block)
	}
	if p == nil {
		p = &bafang.Profile{}
	}
	s.profile = p.Clone()
	return nil
}

// UpdateProfile applies fn to the live profile while holding the lock.
func (s *Session) UpdateProfile(fn func(p *bafang.Profile) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Idle || s.advancing {
		return fmt.Errorf("%w: %s %s", ErrBusy, s.state, s.block)
	}
	return fn(s.profile)
}

func (s *Session) resetLocked() {
	s.asm.Reset()
	s.state = Idle
	s.chain = false
	s.advancing = false
}

func (s *Session) startChainLocked(op Op) error {
	if err := s.busyLocked(); err != nil {
		return err
	}
	s.chain = true
	s.log.Info("starting chain", "op", op)
	if err := s.beginLocked(op, bafang.Chain[0]); err != nil {
		s.chain = false
		return err
	}
	return nil
}

func (s *Session) busyLocked() error {
	if !s.connected {
		return ErrNotConnected
	}
	if s.state != Idle || s.asm.Armed() {
		metrics.Violations.WithLabelValues("busy").Inc()
		s.log.Warn("request refused, exchange pending", "state", s.state, "block", s.block)
		return fmt.Errorf("%w: %s %s", ErrBusy, s.state, s.block)
	}
	if s.advancing {
		metrics.Violations.WithLabelValues("busy").Inc()
		s.log.Warn("request refused, chain in progress", "block", s.block)
		return fmt.Errorf("%w: chain after %s", ErrBusy, s.block)
	}
	return nil
}

// beginLocked arms the assembler and sends the request frame for one
// exchange.
func (s *Session) beginLocked(op Op, b bafang.Block) error {
	if err := s.busyLocked(); err != nil {
		return err
	}

	var frame []byte
	n := b.Len()
	state := AwaitingRead
	if op == OpWrite {
		payload, err := s.profile.Encode(b)
		if err != nil {
			return err
		}
		frame = bafang.WriteRequest(b, payload)
		n = bafang.AckLength
		state = AwaitingWrite
	} else {
		frame = bafang.ReadRequest(b)
	}

	// Armed before sending so a fast reply is never dropped.
	s.asm.Arm(n, Expectation{Op: op, Block: b})
	s.state = state
	s.block = b
	s.started = time.Now()

	if _, err := s.w.Write(frame); err != nil {
		s.asm.Reset()
		s.state = Idle
		return fmt.Errorf("send %s %s: %w", op, b, err)
	}
	metrics.FramesSent.WithLabelValues(op.String(), b.Key()).Inc()
	s.log.Debug("request sent", "op", op, "block", b, "bytes", bafang.Hex(frame))
	return nil
}

// completeLocked handles an assembled frame and returns the events to emit
// once the lock is released.
func (s *Session) completeLocked(f Frame) []func() {
	b := f.Block
	metrics.FramesReceived.WithLabelValues(f.Op.String(), b.Key()).Inc()
	metrics.ExchangeSeconds.WithLabelValues(f.Op.String(), b.Key()).Observe(time.Since(s.started).Seconds())
	s.state = Idle

	if got := bafang.Block(f.Data[0]); got != b {
		metrics.Violations.WithLabelValues("unexpected_block").Inc()
		s.log.Warn("response for unexpected block, ignoring", "want", b, "got", got, "bytes", bafang.Hex(f.Data))
		s.chain = false
		return []func(){s.completion(f.Op, b, fmt.Errorf("%w: want %s, got %s", ErrUnexpectedBlock, b, got))}
	}

	if f.Op == OpWrite {
		return s.completeWriteLocked(b, f.Data[1])
	}
	return s.completeReadLocked(b, f.Data)
}

func (s *Session) completeReadLocked(b bafang.Block, data []byte) []func() {
	if s.cfg.VerifyChecksum && !bafang.VerifyChecksum(data) {
		metrics.Violations.WithLabelValues("checksum").Inc()
		s.log.Warn("checksum mismatch, ignoring response", "block", b, "bytes", bafang.Hex(data))
		s.chain = false
		return []func(){s.completion(OpRead, b, fmt.Errorf("%s: %w", b, ErrChecksum))}
	}
	if _, err := s.profile.Decode(data); err != nil {
		metrics.Violations.WithLabelValues("decode").Inc()
		s.log.Warn("cannot decode response", "block", b, "err", err)
		s.chain = false
		return []func(){s.completion(OpRead, b, err)}
	}
	s.log.Info("read successful", "block", b)
	return append([]func(){s.completion(OpRead, b, nil)}, s.advanceLocked(OpRead, b))
}

func (s *Session) completeWriteLocked(b bafang.Block, code byte) []func() {
	err := bafang.Result(b, code)
	if err == nil {
		s.log.Info("write successful", "block", b)
		return append([]func(){s.completion(OpWrite, b, nil)}, s.advanceLocked(OpWrite, b))
	}

	var re *bafang.ResultError
	if errors.As(err, &re) {
		metrics.WriteFailures.WithLabelValues(b.Key(), re.Field).Inc()
	}
	s.log.Warn("write rejected", "block", b, "code", code, "err", err)
	events := []func(){s.completion(OpWrite, b, err)}
	if s.chain && s.cfg.AbortChainOnFailure {
		s.log.Info("aborting chain after rejected write", "block", b)
		s.chain = false
		return events
	}
	return append(events, s.advanceLocked(OpWrite, b))
}

// advanceLocked schedules the next request of an active chain. The returned
// step runs after the completion callback of b, outside the lock.
func (s *Session) advanceLocked(op Op, b bafang.Block) func() {
	if !s.chain {
		return func() {}
	}
	next, ok := b.Next()
	if !ok {
		s.chain = false
		s.log.Info("chain complete", "op", op)
		return func() {}
	}
	s.advancing = true
	return func() {
		s.mu.Lock()
		if !s.advancing || !s.chain {
			// Disconnected or reset in the meantime.
			s.mu.Unlock()
			return
		}
		s.advancing = false
		err := s.beginLocked(op, next)
		if err != nil {
			s.chain = false
			s.log.Error("chain interrupted", "op", op, "block", next, "err", err)
		}
		s.mu.Unlock()
		if err != nil {
			s.completion(op, next, err)()
		}
	}
}

func (s *Session) completion(op Op, b bafang.Block, err error) func() {
	fn := s.cfg.BlockRead
	if op == OpWrite {
		fn = s.cfg.BlockWritten
	}
	return func() {
		if fn != nil {
			fn(b, err)
		}
	}
}

func (s *Session) emitTransport(connected bool) {
	if s.cfg.TransportState != nil {
		s.cfg.TransportState(connected)
	}
}
