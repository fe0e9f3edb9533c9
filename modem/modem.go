package modem

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"i4.energy/across/sim800/at"
)

// Modem is a SIM800-class cellular modem driven over a byte-serial link
// with AT commands. It owns the transport, the port lock, the AT
// channel, and the protocol layers built on top (power, HTTP, SMS,
// info).
//
// All operations are safe for concurrent use from multiple goroutines,
// and — via the lock file — from multiple processes sharing the same
// device node. Every public operation acquires the port lock, routes
// through the wake policy, performs its command exchanges, and releases
// the lock; callers block synchronously up to the operation's timeout.
type Modem struct {
	transport Transport
	channel   *Channel
	lock      *PortLock
	power     *Power
	http      *HTTPClient
	config    Config

	// closed is read on every operation and flipped by Close, possibly
	// from another goroutine.
	closed atomic.Bool
}

// PollConfig defines configuration for polling operations like waiting
// for SIM readiness.
type PollConfig struct {
	// Interval is the time between polling attempts
	Interval time.Duration
	// Timeout is the maximum time to wait for the condition
	Timeout time.Duration
	// MaxRetries is the maximum number of polling attempts
	MaxRetries int
}

// New creates a new Modem instance with the given configuration. It
// establishes the transport connection and synchronizes with the modem
// (probe, echo off, verbose errors, SIM check, SMS text mode).
//
// Returns an error if the transport connection or modem initialization
// fails.
func New(ctx context.Context, config Config) (*Modem, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.setDefaults()

	transport, err := config.Dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, ErrNotInitialized
	}

	lock := NewPortLock(lockPathFor(config), config.LockTimeout)
	channel := newChannel(transport, lock, config)

	m := &Modem{
		transport: transport,
		channel:   channel,
		lock:      lock,
		config:    config,
	}
	m.power = &Power{ch: channel}
	m.http = newHTTPClient(channel, config)

	initCtx := ctx
	if config.InitTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, config.InitTimeout)
		defer cancel()
	}

	if err := m.init(initCtx); err != nil {
		transport.Close()
		return nil, fmt.Errorf("initialize modem: %w", err)
	}

	return m, nil
}

// lockPathFor resolves the cross-process lock path: explicit path wins,
// "-" disables, otherwise the path derives from the serial device name.
func lockPathFor(config Config) string {
	switch config.LockFile {
	case "":
		if sd, ok := config.Dialer.(SerialDialer); ok && sd.PortName != "" {
			return LockPath(sd.PortName)
		}
		return ""
	case "-":
		return ""
	default:
		return config.LockFile
	}
}

// init performs the synchronization sequence. This runs under a single
// lock acquisition so a concurrent process cannot interleave.
func (m *Modem) init(ctx context.Context) error {
	unlock, err := m.lock.Acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	// Drop stale output from a previous run before probing.
	if err := m.channel.Flush(ctx); err != nil {
		return err
	}

	// 1. Wake-up / sanity check
	if err := m.expectOK(ctx, Command{Text: at.CmdAt, Timeout: 2 * time.Second, Retries: m.config.MaxRetries}); err != nil {
		return fmt.Errorf("modem not responding: %w", err)
	}

	if err := m.expectOK(ctx, Command{Text: at.CmdEchoOff, Timeout: 2 * time.Second}); err != nil {
		return fmt.Errorf("could not disable echo: %w", err)
	}

	if err := m.expectOK(ctx, Command{Text: at.CmdVerboseErrors, Timeout: 2 * time.Second}); err != nil {
		return fmt.Errorf("could not enable verbose errors: %w", err)
	}

	// 2. Check SIM status
	simStatus, err := m.channel.Execute(ctx, Command{Text: at.CmdSimStatus})
	if err != nil {
		return fmt.Errorf("query SIM status: %w", err)
	}

	switch {
	case strings.Contains(simStatus.Text(), at.SimReady):
		// OK

	case strings.Contains(simStatus.Text(), at.SimPin):
		if m.config.SimPIN == "" {
			return ErrSIMPinRequired
		}
		if err := m.expectOK(ctx, Command{Text: fmt.Sprintf(`AT+CPIN="%s"`, m.config.SimPIN)}); err != nil {
			return fmt.Errorf("enter SIM PIN: %w", err)
		}

		// Wait until SIM becomes ready
		if err := m.waitForSIMReady(ctx, PollConfig{}); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unsupported SIM state: %q", simStatus.Text())
	}

	// 3. Select SMS text mode
	if err := m.expectOK(ctx, Command{Text: at.CmdSetTextMode}); err != nil {
		return fmt.Errorf("set SMS text mode: %w", err)
	}

	return nil
}

// Execute sends a single AT command over the channel. Most callers
// should prefer the typed operations (HTTP, SMS, Power, info queries);
// this is the escape hatch for vocabulary the driver does not model.
func (m *Modem) Execute(ctx context.Context, cmd Command) (*Response, error) {
	if m.closed.Load() {
		return nil, ErrAlreadyClosed
	}
	return m.channel.Execute(ctx, cmd)
}

// WaitURC blocks until a notification matching prefix arrives or the
// timeout elapses.
func (m *Modem) WaitURC(ctx context.Context, prefix string, timeout time.Duration) (string, error) {
	if m.closed.Load() {
		return "", ErrAlreadyClosed
	}
	return m.channel.WaitURC(ctx, prefix, timeout)
}

// Power returns the sleep/functionality manager.
func (m *Modem) Power() *Power {
	return m.power
}

// HTTP returns the HTTP-over-AT client.
func (m *Modem) HTTP() *HTTPClient {
	return m.http
}

// Close shuts down the modem and releases all resources. After calling
// Close(), the modem cannot be reused.
func (m *Modem) Close() error {
	if m.closed.Swap(true) {
		return ErrAlreadyClosed
	}

	if m.transport != nil {
		return m.transport.Close()
	}
	return nil
}

func (m *Modem) expectOK(ctx context.Context, cmd Command) error {
	resp, err := m.channel.Execute(ctx, cmd)
	if err != nil {
		return err
	}
	if resp.Terminal != at.OK {
		return fmt.Errorf("unexpected response to %q: %q", cmd.Text, resp.Terminal)
	}
	return nil
}

// waitForSIMReady polls the SIM card status until it reports ready
// state. This is necessary after entering a SIM PIN, as the SIM card
// needs time to authenticate and become operational.
func (m *Modem) waitForSIMReady(ctx context.Context, config PollConfig) error {
	var (
		pollInterval = config.Interval
		timeout      = config.Timeout
		maxRetries   = config.MaxRetries
	)

	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxRetries <= 0 {
		maxRetries = int(timeout / pollInterval)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	retries := 0

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("SIM not ready: %w", ctx.Err())
		case <-ticker.C:
			retries++
			if retries > maxRetries {
				return fmt.Errorf("SIM not ready after %d retries", maxRetries)
			}
			resp, err := m.channel.Execute(ctx, Command{Text: at.CmdSimStatus})
			if err != nil {
				if errors.Is(err, ErrAlreadyClosed) || errors.Is(err, ErrNotInitialized) {
					return fmt.Errorf("SIM status check failed: %w", err)
				}
				continue
			}
			if strings.Contains(resp.Text(), at.SimReady) {
				return nil
			}
		}
	}
}
