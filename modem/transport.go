package modem

//go:generate go tool mockgen -source=transport.go -destination=mock_transport.go -package=modem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// Transport represents an established, bidirectional byte stream to a GSM modem.
//
// A Transport is assumed to be already connected and ready for use. It provides
// the low-level I/O primitives required to send AT commands and receive responses.
// Typical implementations include serial ports, TCP connections to emulators,
// or in-memory fakes used for testing.
//
// Reads are expected to poll: a Transport configured with a short read
// timeout returns (0, nil) when no data arrived, which lets the channel
// check its own command deadline between reads. A Transport that blocks
// forever on Read would defeat all timeout handling above it.
type Transport interface {
	io.ReadWriteCloser
}

// Dialer opens a Transport to a GSM modem.
//
// Dialer abstracts how the modem connection is created (for example, via a
// serial port, TCP-based emulator, or test double) and is intended to be used
// during modem construction only. Once a Transport is obtained, the Dialer is
// no longer needed.
type Dialer interface {
	// Dial is responsible for creating and returning a connected Transport. It may
	// perform blocking operations and should respect cancellation and deadlines
	// provided by the context. Dial returns an error if the transport cannot be
	// established.
	Dial(ctx context.Context) (Transport, error)
}

// SerialDialer opens a GSM modem over a serial port using go.bug.st/serial.
//
// The port is opened 8N1 at BaudRate and configured with a short poll
// read-timeout so that reads wake up periodically even when the modem is
// silent.
type SerialDialer struct {
	// PortName is the device path, e.g. "/dev/ttyUSB0".
	PortName string
	// BaudRate defaults to 115200 when zero.
	BaudRate int
	// PollTimeout is the per-read timeout. Defaults to 100ms when zero.
	PollTimeout time.Duration
}

func (d SerialDialer) Dial(ctx context.Context) (Transport, error) {
	if d.PortName == "" {
		return nil, errors.New("serial port name is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	baud := d.BaudRate
	if baud == 0 {
		baud = 115200
	}
	poll := d.PollTimeout
	if poll == 0 {
		poll = 100 * time.Millisecond
	}

	port, err := serial.Open(d.PortName, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", d.PortName, err)
	}

	if err := port.SetReadTimeout(poll); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", d.PortName, err)
	}

	return port, nil
}
