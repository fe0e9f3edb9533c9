package at

import (
	"bufio"
	"bytes"
	"strings"
)

// Splitter is used for tokenizing AT command modem responses. It uses
// the signature of bufio.SplitFunc so it can be directly used with
// bufio.Scanner or driven by hand against a pending byte buffer.
//
// It splits the input by CRLF line endings and also recognizes the two
// prompts that arrive without a trailing CRLF: the SMS input prompt
// ("> ") and the HTTPDATA "DOWNLOAD" marker.
//
// Command echoes are NOT handled here: whether a line is an echo can
// only be decided by whoever knows which command was just sent, so echo
// suppression lives in the channel.
//
// The atEOF parameter indicates whether any more data will be available.
// When true, any remaining data is returned as the final token.
func Splitter(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	// 1. Match SMS Prompt
	if bytes.HasPrefix(data, []byte(Prompt)) {
		return len(Prompt), data[0:len(Prompt)], nil
	}

	// 2. Match standard line ending with CRLF
	if i := bytes.Index(data, []byte(CRLF)); i >= 0 {
		return i + len(CRLF), data[0:i], nil
	}

	// 3. Match a bare HTTPDATA download prompt. Some firmware sends it
	// without a trailing CRLF, so waiting for one would stall the upload.
	if bytes.HasPrefix(data, []byte(Download)) {
		return len(Download), data[0:len(Download)], nil
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var _ bufio.SplitFunc = Splitter

// Classify identifies the nature of the modem output
func Classify(line string) ResponseType {
	if line == Prompt || line == Download {
		return TypePrompt
	}

	// Direct matches for final results
	switch line {
	case OK, ERROR, NoCarrier, NoDialtone, Busy, NoAnswer:
		return TypeFinal
	}

	// Prefix matches
	switch {
	case strings.HasPrefix(line, CmeError), strings.HasPrefix(line, CmsError):
		return TypeFinal
	case strings.HasPrefix(line, UrcHTTPAction),
		strings.HasPrefix(line, UrcNewMsg),
		strings.HasPrefix(line, UrcMessageReport),
		strings.HasPrefix(line, UrcBearerDeact),
		line == UrcPowerDown,
		line == UrcCall:
		return TypeURC
	default:
		return TypeData
	}
}
