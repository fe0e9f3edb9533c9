package modem

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"i4.energy/across/sim800/at"
)

// Command describes a single AT request. Commands are transient: build
// one per call, hand it to Execute, discard it with the reply.
type Command struct {
	// Text is the command without trailing terminator, e.g. "AT+CSQ".
	Text string
	// Terminators lists extra lines that end this command successfully
	// beyond the standard final results. Prompts ("> ", DOWNLOAD) end a
	// command regardless.
	Terminators []string
	// Timeout bounds the wait for a terminal line. Zero uses the
	// channel default.
	Timeout time.Duration
	// Retries is the number of additional attempts made after a
	// transient failure. Fatal failures are never retried.
	Retries int
}

// Response is a parsed command reply. Immutable once returned.
type Response struct {
	// Lines holds the intermediate lines, echo removed, terminal
	// excluded.
	Lines []string
	// Terminal is the line that ended the command (OK, a prompt, or a
	// caller-supplied terminator).
	Terminal string
}

// Text returns the intermediate lines joined with newlines.
func (r *Response) Text() string {
	return strings.Join(r.Lines, "\n")
}

// Line returns the first intermediate line with the given prefix,
// trimmed of the prefix and surrounding space, or "" if absent.
func (r *Response) Line(prefix string) string {
	for _, l := range r.Lines {
		if strings.HasPrefix(l, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(l, prefix))
		}
	}
	return ""
}

var (
	cmeRe = regexp.MustCompile(`\+CME ERROR:\s*(\d+)`)
	cmsRe = regexp.MustCompile(`\+CMS ERROR:\s*(\d+)`)
)

// newCommandError classifies a failure terminal line. The transient set
// is enumerated explicitly; anything unclassified is fatal.
func newCommandError(cmd, line string, elapsed time.Duration) *CommandError {
	e := &CommandError{
		Command: cmd,
		Line:    line,
		CME:     -1,
		CMS:     -1,
		Elapsed: elapsed,
	}
	if m := cmeRe.FindStringSubmatch(line); m != nil {
		e.CME, _ = strconv.Atoi(m[1])
	}
	if m := cmsRe.FindStringSubmatch(line); m != nil {
		e.CMS, _ = strconv.Atoi(m[1])
	}

	switch {
	case line == at.Busy:
		e.Transient = true
	case e.CME == 14: // SIM busy
		e.Transient = true
	case e.CMS == 314: // SIM busy (message service)
		e.Transient = true
	}
	return e
}

// isEcho reports whether line is the modem echoing the sent command.
// Echo may be on or off and some firmwares echo without the AT prefix,
// so this is decided dynamically per line rather than assumed.
func isEcho(line, sent string) bool {
	if line == sent {
		return true
	}
	trimmed := strings.TrimSpace(strings.TrimPrefix(sent, "AT"))
	return trimmed != "" && line == trimmed
}
