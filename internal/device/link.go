package device

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/shaunagostinho/bafang-config/internal/metrics"
	"github.com/shaunagostinho/bafang-config/internal/trace"
)

// Receiver consumes the byte stream of a link. *session.Session implements
// it.
type Receiver interface {
	Connect() error
	FeedBytes(p []byte)
	Disconnect()
}

// Link owns the transport: it opens the port with exponential backoff, pumps
// received bytes into the receiver and reports transport failures by
// disconnecting it. Link is a suture service.
type Link struct {
	open        Opener
	log         *slog.Logger
	trace       *trace.Recorder
	recv        Receiver
	minDelay    time.Duration
	maxDelay    time.Duration
	maxAttempts int

	mu   sync.Mutex
	port io.ReadWriteCloser
}

// LinkOption configures a Link.
type LinkOption func(*Link)

// WithLinkLogger sets the logger.
func WithLinkLogger(log *slog.Logger) LinkOption {
	return func(l *Link) { l.log = log }
}

// WithTrace records every chunk sent and received.
func WithTrace(r *trace.Recorder) LinkOption {
	return func(l *Link) { l.trace = r }
}

// WithBackoff sets the first and the maximum delay between connect
// attempts.
func WithBackoff(min, max time.Duration) LinkOption {
	return func(l *Link) {
		l.minDelay = min
		l.maxDelay = max
	}
}

// NewLink creates a link that opens transports with open.
func NewLink(open Opener, opts ...LinkOption) *Link {
	l := &Link{
		open:        open,
		minDelay:    time.Second,
		maxDelay:    60 * time.Second,
		maxAttempts: 10,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	l.log = l.log.With("component", "link", "port", open.Name())
	return l
}

// Attach sets the receiver. It must be called before Serve.
func (l *Link) Attach(r Receiver) {
	l.recv = r
}

func (l *Link) String() string { return "link " + l.open.Name() }

// Connected reports whether a port is open.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port != nil
}

// Write sends p on the open port.
func (l *Link) Write(p []byte) (int, error) {
	l.mu.Lock()
	port := l.port
	l.mu.Unlock()
	if port == nil {
		return 0, ErrNoPort
	}
	l.trace.Record(trace.Tx, p)
	return port.Write(p)
}

// Serve connects, pumps bytes until the transport fails, and reconnects,
// until ctx is cancelled.
func (l *Link) Serve(ctx context.Context) error {
	if l.recv == nil {
		return errors.New("link has no receiver")
	}
	for {
		port, err := l.connectWithRetry(ctx)
		if err != nil {
			return err
		}
		l.run(ctx, port)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (l *Link) run(ctx context.Context, port io.ReadWriteCloser) {
	l.mu.Lock()
	l.port = port
	l.mu.Unlock()
	metrics.Connected.Set(1)

	// Unblock a pending Read on shutdown.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			port.Close()
		case <-done:
		}
	}()

	if err := l.recv.Connect(); err != nil {
		l.log.Warn("identification request failed", "err", err)
	}

	buf := make([]byte, 256)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			l.trace.Record(trace.Rx, buf[:n])
			l.recv.FeedBytes(buf[:n])
		}
		if err != nil {
			if ctx.Err() == nil {
				l.log.Error("read failed, closing port", "err", err)
			}
			break
		}
	}
	close(done)

	l.mu.Lock()
	l.port = nil
	l.mu.Unlock()
	port.Close()
	metrics.Connected.Set(0)
	l.recv.Disconnect()
}

// connectWithRetry attempts to open the port with exponential backoff.
// Starts at minDelay, doubles each attempt up to maxDelay, and keeps trying
// at that interval until ctx is cancelled.
func (l *Link) connectWithRetry(ctx context.Context) (io.ReadWriteCloser, error) {
	delay := l.minDelay
	attempt := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		metrics.Reconnects.Inc()
		port, err := l.open.Open()
		if err == nil {
			l.log.Info("connected", "attempt", attempt+1)
			return port, nil
		}

		attempt++
		if attempt <= l.maxAttempts {
			l.log.Warn("connect failed", "attempt", attempt, "of", l.maxAttempts, "err", err, "retry_in", delay)
		} else {
			l.log.Debug("connect failed", "attempt", attempt, "err", err, "retry_in", delay)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > l.maxDelay {
			delay = l.maxDelay
		}
	}
}
