package session

import (
	"bytes"
	"errors"
	"testing"

	"github.com/shaunagostinho/bafang-config/internal/bafang"
)

var (
	sampleGeneral  = []byte{0x51, 0x10, 'H', 'Z', 'X', 'T', 'S', 'Z', 'Z', '6', '2', '2', '2', '0', '1', '1', 0x01, 0x14, 0x1B}
	sampleBasic    = []byte{0x52, 0x18, 0x1F, 0x0F, 0x00, 0x1C, 0x25, 0x2E, 0x37, 0x40, 0x49, 0x52, 0x5B, 0x64, 0x64, 0x64, 0x64, 0x64, 0x64, 0x64, 0x64, 0x64, 0x64, 0x64, 0x37, 0x01, 0xDF}
	samplePedal    = []byte{0x53, 0x0B, 0x03, 0xFF, 0xFF, 0x64, 0x06, 0x14, 0x0A, 0x19, 0x08, 0x14, 0x14, 0x27}
	sampleThrottle = []byte{0x54, 0x06, 0x0B, 0x23, 0x00, 0x03, 0x11, 0x14, 0xAC}
)

// wire records every request frame written by the session.
type wire struct {
	frames [][]byte
	err    error
}

func (w *wire) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	w.frames = append(w.frames, append([]byte(nil), p...))
	return len(p), nil
}

func (w *wire) last() []byte {
	if len(w.frames) == 0 {
		return nil
	}
	return w.frames[len(w.frames)-1]
}

type event struct {
	op    Op
	block bafang.Block
	err   error
}

type recorder struct {
	events    []event
	transport []bool
}

func (r *recorder) options() []Option {
	return []Option{
		WithLogger(quietLogger()),
		OnBlockRead(func(b bafang.Block, err error) { r.events = append(r.events, event{OpRead, b, err}) }),
		OnBlockWritten(func(b bafang.Block, err error) { r.events = append(r.events, event{OpWrite, b, err}) }),
		OnTransportState(func(c bool) { r.transport = append(r.transport, c) }),
	}
}

// connected returns a session that has completed its General read.
func connected(t *testing.T, extra ...Option) (*Session, *wire, *recorder) {
	t.Helper()
	w := &wire{}
	r := &recorder{}
	s := New(w, append(r.options(), extra...)...)
	if err := s.Connect(); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(w.last(), bafang.ReadRequest(bafang.General)) {
		t.Fatalf("connect sent % X", w.last())
	}
	s.FeedBytes(sampleGeneral)
	if len(r.events) != 1 || r.events[0].block != bafang.General || r.events[0].err != nil {
		t.Fatalf("general read events = %+v", r.events)
	}
	r.events = nil
	return s, w, r
}

func TestConnectReadsGeneral(t *testing.T) {
	s, _, r := connected(t)
	p := s.Profile()
	if p.Info == nil || p.Info.Manufacturer != "HZXT" {
		t.Errorf("info = %+v", p.Info)
	}
	if st, _ := s.State(); st != Idle {
		t.Errorf("state = %s, want idle", st)
	}
	if len(r.transport) != 1 || !r.transport[0] {
		t.Errorf("transport events = %v", r.transport)
	}
}

func TestReadAllChain(t *testing.T) {
	s, w, r := connected(t)
	if err := s.ReadAllBlocks(); err != nil {
		t.Fatal(err)
	}
	responses := map[bafang.Block][]byte{
		bafang.Basic:    sampleBasic,
		bafang.Pedal:    samplePedal,
		bafang.Throttle: sampleThrottle,
	}
	for _, b := range bafang.Chain {
		if !s.Chaining() {
			t.Fatalf("chain stopped before %s", b)
		}
		if want := bafang.ReadRequest(b); !bytes.Equal(w.last(), want) {
			t.Fatalf("sent % X, want % X", w.last(), want)
		}
		// Byte at a time, as a serial port would deliver it.
		for _, c := range responses[b] {
			s.Feed(c)
		}
	}
	if s.Chaining() {
		t.Error("still chaining after Throttle")
	}
	if len(r.events) != 3 {
		t.Fatalf("events = %+v", r.events)
	}
	for i, b := range bafang.Chain {
		if r.events[i].block != b || r.events[i].err != nil || r.events[i].op != OpRead {
			t.Errorf("event %d = %+v, want read %s", i, r.events[i], b)
		}
	}
	p := s.Profile()
	if p.Basic == nil || p.Pedal == nil || p.Throttle == nil {
		t.Errorf("profile incomplete: %+v", p)
	}
}

func loadedProfile(t *testing.T) *bafang.Profile {
	t.Helper()
	p := &bafang.Profile{}
	for _, f := range [][]byte{sampleBasic, samplePedal, sampleThrottle} {
		if _, err := p.Decode(f); err != nil {
			t.Fatal(err)
		}
	}
	return p
}

func TestWriteAllContinuesAfterFailure(t *testing.T) {
	s, w, r := connected(t)
	if err := s.SetProfile(loadedProfile(t)); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteAllBlocks(); err != nil {
		t.Fatal(err)
	}
	acks := map[bafang.Block][]byte{
		bafang.Basic:    {0x52, 0x05},
		bafang.Pedal:    {0x53, bafang.PedalOK},
		bafang.Throttle: {0x54, bafang.ThrottleOK},
	}
	for _, b := range bafang.Chain {
		sent := w.last()
		if len(sent) < 3 || sent[0] != bafang.CmdWrite || sent[1] != byte(b) || int(sent[2]) != b.PayloadLen() {
			t.Fatalf("sent % X for %s", sent, b)
		}
		if !bafang.VerifyChecksum(sent) {
			t.Errorf("%s write frame checksum invalid", b)
		}
		s.FeedBytes(acks[b])
	}
	if s.Chaining() {
		t.Error("still chaining")
	}
	if len(r.events) != 3 {
		t.Fatalf("events = %+v", r.events)
	}
	var re *bafang.ResultError
	if !errors.As(r.events[0].err, &re) || re.Field != "assist1_current" {
		t.Errorf("basic write err = %v", r.events[0].err)
	}
	if r.events[1].err != nil || r.events[2].err != nil {
		t.Errorf("pedal/throttle errors = %v, %v", r.events[1].err, r.events[2].err)
	}
}

func TestWriteAllAbortOnFailure(t *testing.T) {
	s, w, r := connected(t, WithAbortChainOnFailure(true))
	if err := s.SetProfile(loadedProfile(t)); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteAllBlocks(); err != nil {
		t.Fatal(err)
	}
	sent := len(w.frames)
	s.FeedBytes([]byte{0x52, 0x16})
	if s.Chaining() {
		t.Error("chain still active after rejected write")
	}
	if len(w.frames) != sent {
		t.Errorf("sent %d more frames after abort", len(w.frames)-sent)
	}
	if len(r.events) != 1 || r.events[0].err == nil {
		t.Errorf("events = %+v", r.events)
	}
}

func TestWriteAllRequiresRecords(t *testing.T) {
	s, w, _ := connected(t)
	sent := len(w.frames)
	if err := s.WriteAllBlocks(); !errors.Is(err, bafang.ErrNoRecord) {
		t.Errorf("WriteAllBlocks() = %v, want ErrNoRecord", err)
	}
	if len(w.frames) != sent {
		t.Error("frame sent without records")
	}
}

func TestWriteGeneralRefused(t *testing.T) {
	s, _, _ := connected(t)
	if err := s.WriteBlock(bafang.General); !errors.Is(err, bafang.ErrReadOnly) {
		t.Errorf("WriteBlock(General) = %v", err)
	}
	if err := s.ReadBlock(bafang.Block(0x60)); !errors.Is(err, bafang.ErrUnknownBlock) {
		t.Errorf("ReadBlock(0x60) = %v", err)
	}
}

func TestBusyRejected(t *testing.T) {
	s, w, _ := connected(t)
	if err := s.ReadBlock(bafang.Pedal); err != nil {
		t.Fatal(err)
	}
	sent := len(w.frames)
	if err := s.ReadBlock(bafang.Throttle); !errors.Is(err, ErrBusy) {
		t.Errorf("second ReadBlock = %v, want ErrBusy", err)
	}
	if err := s.ReadAllBlocks(); !errors.Is(err, ErrBusy) {
		t.Errorf("ReadAllBlocks = %v, want ErrBusy", err)
	}
	if len(w.frames) != sent {
		t.Error("busy request reached the wire")
	}
	if st, b := s.State(); st != AwaitingRead || b != bafang.Pedal {
		t.Errorf("state = %s %s", st, b)
	}
}

func TestUnexpectedBlockIgnored(t *testing.T) {
	s, _, r := connected(t)
	if err := s.ReadAllBlocks(); err != nil {
		t.Fatal(err)
	}
	// A Basic-length frame that claims to be a Pedal block.
	bogus := append([]byte(nil), sampleBasic...)
	bogus[0] = byte(bafang.Pedal)
	s.FeedBytes(bogus)

	if len(r.events) != 1 || !errors.Is(r.events[0].err, ErrUnexpectedBlock) {
		t.Fatalf("events = %+v", r.events)
	}
	if s.Chaining() {
		t.Error("chain survived an unexpected block")
	}
	if s.Profile().Pedal != nil {
		t.Error("unexpected frame was stored")
	}
	if st, _ := s.State(); st != Idle {
		t.Errorf("state = %s", st)
	}
}

func TestVerifyChecksum(t *testing.T) {
	r := &recorder{}
	s := New(&wire{}, append(r.options(), WithVerifyChecksum(true))...)
	if err := s.Connect(); err != nil {
		t.Fatal(err)
	}
	// The stock sample does not carry a valid trailer.
	s.FeedBytes(bafang.AppendChecksum(append([]byte(nil), sampleGeneral[:18]...)))
	if len(r.events) != 1 || r.events[0].err != nil {
		t.Fatalf("general events = %+v", r.events)
	}
	r.events = nil

	if err := s.ReadBlock(bafang.Throttle); err != nil {
		t.Fatal(err)
	}
	bad := append([]byte(nil), sampleThrottle...)
	bad[len(bad)-1]++
	s.FeedBytes(bad)
	if len(r.events) != 1 || !errors.Is(r.events[0].err, ErrChecksum) {
		t.Fatalf("events = %+v", r.events)
	}

	if err := s.ReadBlock(bafang.Throttle); err != nil {
		t.Fatal(err)
	}
	s.FeedBytes(bafang.AppendChecksum(append([]byte(nil), sampleThrottle[:8]...)))
	if len(r.events) != 2 || r.events[1].err != nil {
		t.Fatalf("events = %+v", r.events)
	}
}

func TestNotConnected(t *testing.T) {
	s := New(&wire{}, WithLogger(quietLogger()))
	if err := s.ReadBlock(bafang.Basic); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ReadBlock = %v, want ErrNotConnected", err)
	}
}

func TestDisconnectAbortsExchange(t *testing.T) {
	s, w, r := connected(t)
	if err := s.ReadAllBlocks(); err != nil {
		t.Fatal(err)
	}
	s.FeedBytes(sampleBasic[:5])
	s.Disconnect()

	if st, _ := s.State(); st != Idle || s.Chaining() || s.Connected() {
		t.Errorf("after disconnect: state %s chaining %v connected %v", st, s.Chaining(), s.Connected())
	}
	s.FeedBytes(sampleBasic[5:])
	if len(r.events) != 0 {
		t.Errorf("events after disconnect = %+v", r.events)
	}
	if len(r.transport) != 2 || r.transport[1] {
		t.Errorf("transport events = %v", r.transport)
	}
	if s.Profile().Info == nil {
		t.Error("profile dropped on disconnect")
	}

	sent := len(w.frames)
	if err := s.Connect(); err != nil {
		t.Fatal(err)
	}
	if len(w.frames) != sent+1 {
		t.Error("reconnect did not request General")
	}
}

func TestSendFailureLeavesIdle(t *testing.T) {
	s, w, _ := connected(t)
	w.err = errors.New("port gone")
	if err := s.ReadBlock(bafang.Basic); err == nil {
		t.Fatal("ReadBlock succeeded on broken writer")
	}
	if st, _ := s.State(); st != Idle {
		t.Errorf("state = %s", st)
	}
	w.err = nil
	if err := s.ReadBlock(bafang.Basic); err != nil {
		t.Errorf("retry = %v", err)
	}
}

func TestCallbackMayIssueRequest(t *testing.T) {
	w := &wire{}
	var s *Session
	var reads []bafang.Block
	s = New(w, WithLogger(quietLogger()), OnBlockRead(func(b bafang.Block, err error) {
		reads = append(reads, b)
		if b == bafang.General {
			if err := s.ReadBlock(bafang.Throttle); err != nil {
				t.Errorf("ReadBlock from callback: %v", err)
			}
		}
	}))
	if err := s.Connect(); err != nil {
		t.Fatal(err)
	}
	s.FeedBytes(sampleGeneral)
	s.FeedBytes(sampleThrottle)
	if len(reads) != 2 || reads[1] != bafang.Throttle {
		t.Errorf("reads = %v", reads)
	}
}

func TestChainCallbackRunsBeforeNextRequest(t *testing.T) {
	w := &wire{}
	var s *Session
	type seen struct {
		block    bafang.Block
		state    State
		chaining bool
		sent     int
		outside  error
	}
	var steps []seen
	s = New(w, WithLogger(quietLogger()), OnBlockRead(func(b bafang.Block, err error) {
		if b == bafang.General {
			return
		}
		st, _ := s.State()
		steps = append(steps, seen{b, st, s.Chaining(), len(w.frames), s.ReadBlock(bafang.General)})
	}))
	if err := s.Connect(); err != nil {
		t.Fatal(err)
	}
	s.FeedBytes(sampleGeneral)
	if err := s.ReadAllBlocks(); err != nil {
		t.Fatal(err)
	}
	s.FeedBytes(sampleBasic)
	s.FeedBytes(samplePedal)
	s.FeedBytes(sampleThrottle)

	if len(steps) != 3 {
		t.Fatalf("callbacks = %+v", steps)
	}
	for i, b := range bafang.Chain {
		got := steps[i]
		last := i == len(bafang.Chain)-1
		if got.block != b || got.state != Idle {
			t.Errorf("callback %d = %+v, want %s while idle", i, got, b)
		}
		// General request plus one request per block so far.
		if got.sent != i+2 {
			t.Errorf("%s callback saw %d frames sent, want %d", b, got.sent, i+2)
		}
		if got.chaining == last {
			t.Errorf("%s callback chaining = %v", b, got.chaining)
		}
		if !last && !errors.Is(got.outside, ErrBusy) {
			t.Errorf("outside request during %s step = %v, want ErrBusy", b, got.outside)
		}
		if last && got.outside != nil {
			t.Errorf("request after chain end = %v", got.outside)
		}
	}
	if want := bafang.ReadRequest(bafang.General); !bytes.Equal(w.last(), want) {
		t.Errorf("last sent % X, want % X", w.last(), want)
	}
	if len(w.frames) != 5 {
		t.Errorf("sent %d frames, want 5", len(w.frames))
	}
}
