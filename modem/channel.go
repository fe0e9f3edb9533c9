package modem

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"i4.energy/across/sim800/at"
)

// Channel frames outgoing AT commands onto a Transport and demultiplexes
// the incoming line stream into synchronous command replies and
// asynchronous notifications (URCs).
//
// The channel is single-flight: at most one command is in transit at a
// time, enforced by the PortLock rather than by the channel itself. All
// waiting is synchronous blocking on the calling goroutine; the
// underlying link is a half-duplex serial line that cannot usefully be
// driven in parallel, so there is no background reader.
type Channel struct {
	transport Transport
	lock      *PortLock
	log       *zap.Logger

	defaultTimeout time.Duration
	retryDelay     time.Duration

	// pending buffers bytes read off the transport that have not been
	// consumed as tokens yet. Binary body reads drain it first so no
	// byte is ever lost between line-oriented and length-bounded modes.
	pending []byte

	// urcs holds unclaimed notifications until a WaitURC caller takes
	// them, bounded; the oldest is dropped on overflow.
	urcs   []string
	urcCap int

	// sleepOn mirrors the modem's CSCLK setting. While set, every
	// transaction pays the wake gesture up front: the driver cannot
	// observe whether the modem is actually asleep, and waking an
	// already-awake modem is a no-op.
	sleepOn   atomic.Bool
	wakeChar  []byte
	wakeDelay time.Duration

	// sleep is the delay hook for wake settling and retry backoff.
	sleep func(time.Duration)
}

func newChannel(transport Transport, lock *PortLock, cfg Config) *Channel {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Channel{
		transport:      transport,
		lock:           lock,
		log:            log,
		defaultTimeout: cfg.ATTimeout,
		retryDelay:     cfg.RetryDelay,
		urcCap:         cfg.URCQueueSize,
		wakeChar:       []byte("\r"),
		wakeDelay:      cfg.WakeDelay,
		sleep:          time.Sleep,
	}
}

// Lock exposes the port lock so that composite operations (bearer open +
// request + close, SMS read-modify-delete) can hold it across several
// transactions. The lock is re-entrant, so holding it around Execute
// calls is safe.
func (c *Channel) Lock() *PortLock {
	return c.lock
}

// Execute sends one command and reads lines until a terminal line, a
// caller-supplied terminator, a prompt, or the timeout. Notifications
// seen on the way are queued for WaitURC callers and never treated as
// part of the reply.
//
// Transient failures (momentary busy, link noise, timeout) are retried
// up to cmd.Retries with doubling backoff; exhaustion is reported as
// ErrRetriesExhausted wrapping the last cause. Fatal failures return
// immediately.
func (c *Channel) Execute(ctx context.Context, cmd Command) (*Response, error) {
	unlock, err := c.lock.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var lastErr error
	delay := c.retryDelay

	for attempt := 0; attempt <= cmd.Retries; attempt++ {
		if attempt > 0 {
			c.log.Warn("retrying command",
				zap.String("cmd", cmd.Text),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
				zap.Error(lastErr))
			c.sleep(delay)
			delay *= 2
		}

		resp, err := c.transact(ctx, cmd)
		if err == nil {
			return resp, nil
		}
		if !transient(err) {
			return nil, err
		}
		lastErr = err
	}

	if cmd.Retries > 0 {
		return nil, fmt.Errorf("command %q: %w: %w", cmd.Text, ErrRetriesExhausted, lastErr)
	}
	return nil, lastErr
}

func transient(err error) bool {
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var cerr *CommandError
	return errors.As(err, &cerr) && cerr.Transient
}

// transact performs a single write/read cycle for cmd. The caller must
// hold the lock.
func (c *Channel) transact(ctx context.Context, cmd Command) (*Response, error) {
	if err := c.wake(); err != nil {
		return nil, fmt.Errorf("wake gesture: %w", err)
	}

	text := strings.TrimSpace(cmd.Text)
	wire := text + at.CRLF
	c.log.Debug("AT TX", zap.String("cmd", text))
	if _, err := c.transport.Write([]byte(wire)); err != nil {
		return nil, fmt.Errorf("write command %q: %w", text, err)
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	return c.readReply(ctx, text, cmd.Terminators, time.Now().Add(timeout))
}

// readReply collects lines until a terminal condition. sent is the
// command text used for dynamic echo detection; pass "" when nothing
// was just written (e.g. waiting for the result of a raw body upload).
func (c *Channel) readReply(ctx context.Context, sent string, terminators []string, deadline time.Time) (*Response, error) {
	start := time.Now()
	echoPending := sent != ""
	var lines []string

	for {
		line, err := c.readToken(ctx, deadline)
		if err != nil {
			if errors.Is(err, ErrTimeout) && sent != "" {
				return nil, fmt.Errorf("command %q: %w", sent, err)
			}
			return nil, err
		}

		if echoPending && isEcho(line, sent) {
			echoPending = false
			continue
		}

		if slices.Contains(terminators, line) {
			c.log.Debug("AT RX", zap.Strings("lines", lines), zap.String("terminal", line))
			return &Response{Lines: lines, Terminal: line}, nil
		}

		switch at.Classify(line) {
		case at.TypeURC:
			c.pushURC(line)

		case at.TypePrompt:
			c.log.Debug("AT RX prompt", zap.String("prompt", line))
			return &Response{Lines: lines, Terminal: line}, nil

		case at.TypeFinal:
			c.log.Debug("AT RX", zap.Strings("lines", lines), zap.String("terminal", line))
			if line == at.OK {
				return &Response{Lines: lines, Terminal: line}, nil
			}
			return nil, newCommandError(sent, line, time.Since(start))

		default:
			lines = append(lines, line)
		}
	}
}

// WaitURC blocks until a notification matching prefix arrives, either
// already buffered or newly read from the wire, or the timeout elapses.
// A buffered notification is delivered at most once.
func (c *Channel) WaitURC(ctx context.Context, prefix string, timeout time.Duration) (string, error) {
	unlock, err := c.lock.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer unlock()

	if line, ok := c.takeURC(prefix); ok {
		return line, nil
	}

	deadline := time.Now().Add(timeout)
	for {
		line, err := c.readToken(ctx, deadline)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				return "", fmt.Errorf("urc %q: %w", prefix, err)
			}
			return "", err
		}
		if strings.HasPrefix(line, prefix) {
			c.log.Debug("URC RX", zap.String("line", line))
			return line, nil
		}
		if at.Classify(line) == at.TypeURC {
			c.pushURC(line)
		}
		// Anything else read while nobody has a command in flight is
		// stale output from a previous transaction; drop it.
	}
}

// readToken returns the next non-empty line or prompt from the pending
// buffer, reading more from the transport as needed until deadline.
func (c *Channel) readToken(ctx context.Context, deadline time.Time) (string, error) {
	buf := make([]byte, 256)
	for {
		for {
			advance, token, _ := at.Splitter(c.pending, false)
			if advance == 0 {
				break
			}
			c.pending = c.pending[advance:]
			if len(token) == 0 {
				continue
			}
			return string(token), nil
		}

		if err := ctx.Err(); err != nil {
			return "", err
		}
		if time.Now().After(deadline) {
			return "", ErrTimeout
		}

		n, err := c.transport.Read(buf)
		if err != nil {
			return "", fmt.Errorf("transport read: %w", err)
		}
		if n > 0 {
			c.pending = append(c.pending, buf[:n]...)
		}
	}
}

// readExact reads exactly n raw bytes, draining the pending buffer
// before touching the wire. This is the only correct way to consume a
// binary body: it may contain bytes that look like line terminators or
// prompts.
func (c *Channel) readExact(ctx context.Context, n int, deadline time.Time) ([]byte, error) {
	out := make([]byte, 0, n)

	if len(c.pending) > 0 {
		take := min(len(c.pending), n)
		out = append(out, c.pending[:take]...)
		c.pending = c.pending[take:]
	}

	buf := make([]byte, 1024)
	for len(out) < n {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("binary read truncated at %d of %d bytes: %w", len(out), n, ErrTimeout)
		}
		want := min(n-len(out), len(buf))
		got, err := c.transport.Read(buf[:want])
		if err != nil {
			return nil, fmt.Errorf("transport read: %w", err)
		}
		out = append(out, buf[:got]...)
	}
	return out, nil
}

// writeRaw puts bytes on the wire without framing. Used for POST bodies
// and SMS text after their respective prompts.
func (c *Channel) writeRaw(p []byte) error {
	_, err := c.transport.Write(p)
	return err
}

// Flush discards buffered input and drains whatever the transport has
// ready. Useful before a sync to clear stale output from a previous
// run.
func (c *Channel) Flush(ctx context.Context) error {
	unlock, err := c.lock.Acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	c.pending = c.pending[:0]
	buf := make([]byte, 256)
	for {
		n, err := c.transport.Read(buf)
		if err != nil {
			return fmt.Errorf("transport read: %w", err)
		}
		if n == 0 {
			return nil
		}
	}
}

func (c *Channel) wake() error {
	if !c.sleepOn.Load() {
		return nil
	}
	if _, err := c.transport.Write(c.wakeChar); err != nil {
		return err
	}
	c.sleep(c.wakeDelay)
	return nil
}

func (c *Channel) setSleepEnabled(on bool) {
	c.sleepOn.Store(on)
}

func (c *Channel) pushURC(line string) {
	c.log.Debug("URC queued", zap.String("line", line))
	if len(c.urcs) >= c.urcCap {
		c.log.Warn("URC queue full, dropping oldest", zap.String("dropped", c.urcs[0]))
		c.urcs = c.urcs[1:]
	}
	c.urcs = append(c.urcs, line)
}

// takeURC removes and returns the first queued notification matching
// prefix. Each queued notification is delivered at most once.
func (c *Channel) takeURC(prefix string) (string, bool) {
	for i, line := range c.urcs {
		if strings.HasPrefix(line, prefix) {
			c.urcs = append(c.urcs[:i], c.urcs[i+1:]...)
			return line, true
		}
	}
	return "", false
}
