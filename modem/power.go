package modem

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SleepMode mirrors the modem's AT+CSCLK setting.
type SleepMode int

const (
	// SleepDisabled keeps the modem awake at all times.
	SleepDisabled SleepMode = 0
	// SleepDTR hands sleep control to the DTR pin.
	SleepDTR SleepMode = 1
	// SleepAuto lets the modem doze after an inactivity window it
	// enforces itself. The driver does not track that timer; it pays
	// the wake gesture before every transaction instead.
	SleepAuto SleepMode = 2
)

// Power manages sleep and functionality modes.
//
// The driver has no reliable signal of the modem's actual sleep state,
// so while a sleep mode is enabled the channel sends a wake gesture
// before every command unconditionally. Waking an awake modem costs a
// character and a short settle; sending a real command into a sleeping
// receiver loses the command.
type Power struct {
	ch   *Channel
	mode SleepMode
}

// SetSleepMode issues AT+CSCLK and updates the channel's wake policy.
func (p *Power) SetSleepMode(ctx context.Context, mode SleepMode) error {
	switch mode {
	case SleepDisabled, SleepDTR, SleepAuto:
	default:
		return fmt.Errorf("CSCLK mode %d not supported", mode)
	}

	_, err := p.ch.Execute(ctx, Command{
		Text:    fmt.Sprintf("AT+CSCLK=%d", mode),
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return err
	}

	p.mode = mode
	p.ch.setSleepEnabled(mode != SleepDisabled)
	return nil
}

// SleepMode returns the last mode set through this driver instance.
func (p *Power) SleepMode() SleepMode {
	return p.mode
}

// Enabled reports whether a sleep mode is active.
func (p *Power) Enabled() bool {
	return p.mode != SleepDisabled
}

// SetFunctionality issues AT+CFUN. Supported modes: 0 (minimum, RF
// off), 1 (full), 4 (airplane).
func (p *Power) SetFunctionality(ctx context.Context, fun int) error {
	switch fun {
	case 0, 1, 4:
	default:
		return fmt.Errorf("CFUN mode %d not supported", fun)
	}
	_, err := p.ch.Execute(ctx, Command{
		Text:    fmt.Sprintf("AT+CFUN=%d", fun),
		Timeout: 10 * time.Second,
	})
	return err
}

// PowerDown issues AT+CPOWD. The module may cut power before answering,
// so a missing reply is not an error.
func (p *Power) PowerDown(ctx context.Context, urgent bool) error {
	mode := 1
	if urgent {
		mode = 0
	}
	_, err := p.ch.Execute(ctx, Command{
		Text:        fmt.Sprintf("AT+CPOWD=%d", mode),
		Terminators: []string{"NORMAL POWER DOWN"},
		Timeout:     5 * time.Second,
	})
	if err != nil && errors.Is(err, ErrTimeout) {
		return nil
	}
	return err
}
