package modem

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/warthog618/sms/encoding/ucs2"

	"i4.energy/across/sim800/at"
)

// Message status selectors for List. These are the text-mode CMGL
// filter strings.
const (
	StatusUnread = "REC UNREAD"
	StatusRead   = "REC READ"
	StatusUnsent = "STO UNSENT"
	StatusSent   = "STO SENT"
	StatusAll    = "ALL"
)

// Delete flags for AT+CMGD beyond deleting a single slot.
const (
	DeleteIndexed  = 0 // delete only the addressed slot
	DeleteAllRead  = 1
	DeleteReadSent = 2
	DeleteAllSent  = 3
	DeleteAll      = 4
)

// Message is a text message read from modem storage.
//
// Encoded reports whether the body arrived as a UCS2 hex blob instead
// of plain text; Text is the decoded form either way.
type Message struct {
	Index     int
	Status    string
	Sender    string
	Timestamp string
	Text      string
	Encoded   bool
}

// ListMessages lists stored messages matching the given status filter
// (StatusAll for everything). Reading an unread message transitions it
// to read on the modem.
func (m *Modem) ListMessages(ctx context.Context, status string) ([]Message, error) {
	if status == "" {
		status = StatusAll
	}
	resp, err := m.Execute(ctx, Command{
		Text:    fmt.Sprintf(`AT+CMGL="%s"`, status),
		Timeout: 20 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return parseMessageList(resp.Lines)
}

// ReadMessage reads the message in the given storage slot.
func (m *Modem) ReadMessage(ctx context.Context, index int) (*Message, error) {
	resp, err := m.Execute(ctx, Command{
		Text:    fmt.Sprintf("AT+CMGR=%d", index),
		Timeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("reading message %d: %w", index, err)
	}

	var msg *Message
	for i, line := range resp.Lines {
		if !strings.HasPrefix(line, "+CMGR:") {
			continue
		}
		fields := splitQuoted(strings.TrimPrefix(line, "+CMGR:"))
		if len(fields) < 2 {
			return nil, fmt.Errorf("could not parse message header %q", line)
		}
		msg = &Message{Index: index, Status: fields[0], Sender: fields[1]}
		if len(fields) >= 4 {
			msg.Timestamp = fields[3]
		}
		if i+1 < len(resp.Lines) {
			msg.Text, msg.Encoded = decodeBody(strings.Join(resp.Lines[i+1:], "\n"))
		}
		break
	}
	if msg == nil {
		return nil, fmt.Errorf("no message at index %d", index)
	}
	return msg, nil
}

// DeleteMessage deletes the message in the given slot. flag widens the
// operation per AT+CMGD (DeleteAll ignores index).
func (m *Modem) DeleteMessage(ctx context.Context, index, flag int) error {
	_, err := m.Execute(ctx, Command{
		Text:    fmt.Sprintf("AT+CMGD=%d,%d", index, flag),
		Timeout: 25 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("deleting message %d: %w", index, err)
	}
	return nil
}

// ReadAllMessages lists every stored message regardless of status,
// keyed by store slot. Slot indexes stay stable across deletions, so
// the keyed shape lets callers correlate with +CMTI notifications.
func (m *Modem) ReadAllMessages(ctx context.Context) (map[int]Message, error) {
	msgs, err := m.ListMessages(ctx, StatusAll)
	if err != nil {
		return nil, err
	}
	byIndex := make(map[int]Message, len(msgs))
	for _, msg := range msgs {
		byIndex[msg.Index] = msg
	}
	return byIndex, nil
}

// SendSMS sends a text message to the recipient, which should be in
// international format (e.g. "+491701234567"). Text outside the basic
// character set is sent UCS2-encoded.
//
// The call blocks until the network accepts the message; delivery to
// the final recipient happens asynchronously.
func (m *Modem) SendSMS(ctx context.Context, recipient, text string) error {
	// The prompt/body exchange must not be interleaved with other
	// transactions, so the whole send runs under one lock acquisition.
	unlock, err := m.channel.Lock().Acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if needsUCS2(text) {
		return m.sendEncoded(ctx, recipient, text)
	}

	resp, err := m.Execute(ctx, Command{
		Text:    fmt.Sprintf(`AT+CMGS="%s"`, recipient),
		Timeout: 10 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("AT+CMGS: %w", err)
	}
	if resp.Terminal != at.Prompt {
		return fmt.Errorf("no message prompt, got %q: %w", resp.Terminal, ErrPromptNotReceived)
	}

	// The body is terminated with Ctrl-Z, after which the modem talks
	// to the network before answering. Give it time.
	_, err = m.Execute(ctx, Command{
		Text:    text + at.CtrlZ,
		Timeout: 60 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("sending message body: %w", err)
	}
	return nil
}

// sendEncoded switches the character set to UCS2, sends recipient and
// body as hex blobs, and restores the default set afterwards. Caller
// holds the lock.
func (m *Modem) sendEncoded(ctx context.Context, recipient, text string) error {
	if _, err := m.Execute(ctx, Command{Text: `AT+CSCS="UCS2"`}); err != nil {
		return fmt.Errorf("select UCS2 charset: %w", err)
	}
	// DCS 8: UCS2 message class.
	if _, err := m.Execute(ctx, Command{Text: "AT+CSMP=17,167,0,8"}); err != nil {
		return fmt.Errorf("set UCS2 text parameters: %w", err)
	}
	defer func() {
		m.Execute(ctx, Command{Text: "AT+CSMP=17,167,0,0"})
		m.Execute(ctx, Command{Text: `AT+CSCS="GSM"`})
	}()

	resp, err := m.Execute(ctx, Command{
		Text:    fmt.Sprintf(`AT+CMGS="%s"`, ucs2Hex(recipient)),
		Timeout: 10 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("AT+CMGS: %w", err)
	}
	if resp.Terminal != at.Prompt {
		return fmt.Errorf("no message prompt, got %q: %w", resp.Terminal, ErrPromptNotReceived)
	}

	_, err = m.Execute(ctx, Command{
		Text:    ucs2Hex(text) + at.CtrlZ,
		Timeout: 60 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("sending message body: %w", err)
	}
	return nil
}

func needsUCS2(s string) bool {
	for _, r := range s {
		if r > 0x7f {
			return true
		}
	}
	return false
}

func ucs2Hex(s string) string {
	return strings.ToUpper(hex.EncodeToString(ucs2.Encode([]rune(s))))
}

// parseMessageList walks CMGL output pairing each header line with the
// body lines that follow it, up to the next header.
func parseMessageList(lines []string) ([]Message, error) {
	var msgs []Message
	var cur *Message
	var body []string

	flush := func() {
		if cur == nil {
			return
		}
		cur.Text, cur.Encoded = decodeBody(strings.Join(body, "\n"))
		msgs = append(msgs, *cur)
		cur, body = nil, nil
	}

	for _, line := range lines {
		if strings.HasPrefix(line, "+CMGL:") {
			flush()
			fields := splitQuoted(strings.TrimPrefix(line, "+CMGL:"))
			if len(fields) < 3 {
				return nil, fmt.Errorf("could not parse listing header %q", line)
			}
			idx, err := strconv.Atoi(fields[0])
			if err != nil {
				return nil, fmt.Errorf("could not parse listing header %q: %w", line, err)
			}
			cur = &Message{Index: idx, Status: fields[1], Sender: fields[2]}
			if len(fields) >= 5 {
				cur.Timestamp = fields[4]
			}
			continue
		}
		if cur != nil {
			body = append(body, line)
		}
	}
	flush()
	return msgs, nil
}

// decodeBody recognizes bodies delivered as UCS2 hex (every character
// a hex digit, length a multiple of 4) and decodes them; anything else
// passes through untouched.
func decodeBody(body string) (string, bool) {
	if !looksLikeUCS2(body) {
		return body, false
	}
	raw, err := hex.DecodeString(body)
	if err != nil {
		return body, false
	}
	runes, err := ucs2.Decode(raw)
	if err != nil {
		return body, false
	}
	return string(runes), true
}

func looksLikeUCS2(s string) bool {
	if len(s) == 0 || len(s)%4 != 0 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}

// splitQuoted splits a comma-separated AT response field list,
// stripping surrounding quotes and honoring commas inside quotes
// (timestamps contain one).
func splitQuoted(s string) []string {
	var fields []string
	var cur strings.Builder
	inQuotes := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
		case r == ',' && !inQuotes:
			fields = append(fields, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	fields = append(fields, strings.TrimSpace(cur.String()))
	return fields
}
