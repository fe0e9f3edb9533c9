package modem

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var (
	csqRe  = regexp.MustCompile(`\+CSQ:\s*(\d+),\d+`)
	cbcRe  = regexp.MustCompile(`\+CBC:\s*\d+,(\d+),\d+`)
	copsRe = regexp.MustCompile(`\+COPS:\s*\d+(?:,\d+,"([^"]*)")?`)
	cregRe = regexp.MustCompile(`\+CREG:\s*(?:\d+,)?(\d+)`)
)

// Registration states reported by AT+CREG. Only home and roaming count
// as registered.
const (
	regHome    = 1
	regRoaming = 5
)

// IMEI returns the device's IMEI.
func (m *Modem) IMEI(ctx context.Context) (string, error) {
	return m.queryPlain(ctx, "AT+GSN")
}

// ICCID returns the SIM card serial number.
func (m *Modem) ICCID(ctx context.Context) (string, error) {
	return m.queryPlain(ctx, "AT+CCID")
}

// SignalStrength returns the received signal quality as a percentage.
// 0 means no signal or not yet known.
func (m *Modem) SignalStrength(ctx context.Context) (int, error) {
	resp, err := m.Execute(ctx, Command{Text: "AT+CSQ"})
	if err != nil {
		return 0, err
	}
	match := csqRe.FindStringSubmatch(resp.Text())
	if match == nil {
		return 0, fmt.Errorf("could not parse signal quality from %q", resp.Text())
	}
	rssi, _ := strconv.Atoi(match[1])
	// 0..31 scale; 99 means unknown.
	if rssi >= 99 {
		return 0, nil
	}
	return rssi * 100 / 31, nil
}

// BatteryLevel returns the battery charge percentage.
func (m *Modem) BatteryLevel(ctx context.Context) (int, error) {
	resp, err := m.Execute(ctx, Command{Text: "AT+CBC"})
	if err != nil {
		return 0, err
	}
	match := cbcRe.FindStringSubmatch(resp.Text())
	if match == nil {
		return 0, fmt.Errorf("could not parse battery level from %q", resp.Text())
	}
	level, _ := strconv.Atoi(match[1])
	return level, nil
}

// Operator returns the currently registered network operator name, or
// an empty string when not registered.
func (m *Modem) Operator(ctx context.Context) (string, error) {
	resp, err := m.Execute(ctx, Command{Text: "AT+COPS?", Timeout: 10 * time.Second})
	if err != nil {
		return "", err
	}
	match := copsRe.FindStringSubmatch(resp.Text())
	if match == nil {
		return "", fmt.Errorf("could not parse operator from %q", resp.Text())
	}
	return match[1], nil
}

// Registered reports whether the modem is currently registered on the
// network (home or roaming).
func (m *Modem) Registered(ctx context.Context) (bool, error) {
	resp, err := m.Execute(ctx, Command{Text: "AT+CREG?", Retries: 1})
	if err != nil {
		return false, err
	}
	match := cregRe.FindStringSubmatch(resp.Text())
	if match == nil {
		return false, fmt.Errorf("could not parse registration state from %q", resp.Text())
	}
	stat, _ := strconv.Atoi(match[1])
	return stat == regHome || stat == regRoaming, nil
}

// WaitForRegistration polls AT+CREG until the modem reports home or
// roaming registration, or the timeout elapses. A freshly powered modem
// can take tens of seconds to register; activating a bearer before that
// fails avoidably.
func (m *Modem) WaitForRegistration(ctx context.Context, timeout time.Duration) error {
	return waitRegistered(ctx, m.channel, m.channel.sleep, timeout)
}

func waitRegistered(ctx context.Context, ch *Channel, sleep func(time.Duration), timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		resp, err := ch.Execute(ctx, Command{Text: "AT+CREG?", Retries: 1})
		if err == nil {
			if match := cregRe.FindStringSubmatch(resp.Text()); match != nil {
				stat, _ := strconv.Atoi(match[1])
				if stat == regHome || stat == regRoaming {
					return nil
				}
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return ErrNotRegistered
		}
		sleep(time.Second)
	}
}

// queryPlain runs a command whose answer is a single bare data line.
func (m *Modem) queryPlain(ctx context.Context, text string) (string, error) {
	resp, err := m.Execute(ctx, Command{Text: text})
	if err != nil {
		return "", err
	}
	for _, line := range resp.Lines {
		if line != "" {
			return line, nil
		}
	}
	return "", fmt.Errorf("%s returned no data", text)
}
