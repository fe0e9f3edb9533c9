package modem

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoDialer is returned when a Modem is constructed without a Dialer.
	//
	// This indicates a configuration error. A Dialer is required in order to
	// establish a connection to the modem.
	ErrNoDialer = errors.New("no dialer configured")

	// ErrNotInitialized is returned when an operation is attempted on a Modem
	// that has not been successfully initialized.
	ErrNotInitialized = errors.New("modem not initialized")

	// ErrAlreadyClosed is returned when Close is called on a Modem that has
	// already been closed.
	ErrAlreadyClosed = errors.New("modem already closed")

	// ErrSIMPinRequired is returned when the SIM card requires a PIN and no
	// PIN was provided in the Config.
	//
	// Callers may handle this error specially (for example, by prompting
	// the user for a PIN) and retry initialization.
	ErrSIMPinRequired = errors.New("SIM PIN required")

	// ErrTimeout is returned when no terminal reply or awaited notification
	// arrived within the command's time budget. It wraps into the retry
	// machinery as a transient condition.
	ErrTimeout = errors.New("response timeout")

	// ErrRetriesExhausted is returned when a command kept failing with
	// transient conditions until its attempt budget ran out. It always
	// wraps the final attempt's error, so callers can distinguish
	// "stopped working after retrying" from "rejected outright".
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrPromptNotReceived is returned when the modem did not issue the
	// DOWNLOAD prompt for a POST body. No body bytes are written in that
	// case.
	ErrPromptNotReceived = errors.New("download prompt not received")

	// ErrLockTimeout is returned when the port lock (in-process or
	// cross-process) could not be acquired within its bound.
	ErrLockTimeout = errors.New("port lock acquisition timed out")

	// ErrNoBearer is returned by HTTP operations that require an open
	// bearer when none could be established.
	ErrNoBearer = errors.New("no open bearer")

	// ErrNotRegistered is returned when the modem did not register on
	// the network (home or roaming) within the allotted time.
	ErrNotRegistered = errors.New("not registered on network")
)

// CommandError is returned when the modem answers a command with a
// failure terminal line (ERROR, +CME ERROR, +CMS ERROR, BUSY, ...).
//
// It carries enough structured detail to diagnose the failure without
// re-running the command. Transient reports whether the retry policy
// considers the condition worth retrying.
type CommandError struct {
	// Command is the offending command as written to the wire, without
	// the trailing terminator.
	Command string
	// Line is the raw terminal line the modem answered with.
	Line string
	// CME and CMS hold the numeric +CME/+CMS error codes, or -1 when
	// the terminal line carried none.
	CME int
	CMS int
	// Elapsed is the time between write and terminal line.
	Elapsed time.Duration
	// Transient marks link-level noise or momentary-busy conditions
	// that the channel retries automatically.
	Transient bool
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q failed: %q (after %v)", e.Command, e.Line, e.Elapsed.Round(time.Millisecond))
}

// BearerError is returned when the GPRS bearer could not be configured,
// activated or queried.
type BearerError struct {
	Op  string
	Err error
}

func (e *BearerError) Error() string {
	return fmt.Sprintf("bearer %s: %v", e.Op, e.Err)
}

func (e *BearerError) Unwrap() error { return e.Err }

// Modem-local HTTP status codes reported via +HTTPACTION. These sit
// outside valid HTTP semantics; anything >= 600 never came from the
// remote server.
const (
	StatusNetworkError = 601 // bearer lost or network unreachable
	StatusNoMemory     = 602
	StatusDNSError     = 603
	StatusStackBusy    = 604
	StatusHTTPTimeout  = 606
)

// StatusError is returned for +HTTPACTION completions whose status code
// is a modem-local condition (>= 600).
type StatusError struct {
	Method string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %s failed with modem status %d (%s)", e.Method, e.Code, statusText(e.Code))
}

// TransientNetwork reports whether the condition is expected to clear
// on a bearer cycle or a short delay.
func (e *StatusError) TransientNetwork() bool {
	return e.Code == StatusNetworkError || e.Code == StatusStackBusy
}

func statusText(code int) string {
	switch code {
	case StatusNetworkError:
		return "network error"
	case StatusNoMemory:
		return "no memory"
	case StatusDNSError:
		return "DNS error"
	case StatusStackBusy:
		return "HTTP stack busy"
	case StatusHTTPTimeout:
		return "request timeout"
	default:
		return "unknown"
	}
}
