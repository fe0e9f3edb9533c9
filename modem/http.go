package modem

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"i4.energy/across/sim800/at"
)

// HTTPMethod selects the AT+HTTPACTION method code.
type HTTPMethod int

const (
	MethodGET  HTTPMethod = 0
	MethodPOST HTTPMethod = 1
	MethodHEAD HTTPMethod = 2
)

func (m HTTPMethod) String() string {
	switch m {
	case MethodGET:
		return "GET"
	case MethodPOST:
		return "POST"
	case MethodHEAD:
		return "HEAD"
	default:
		return fmt.Sprintf("method(%d)", int(m))
	}
}

// HTTPResponse is the result of one HTTP exchange through the modem.
// Immutable once returned; superseded by the next request.
//
// StatusCode below 600 is the remote server's HTTP status, passed
// through as-is (including non-2xx). Codes >= 600 never reach callers
// as a response; they surface as StatusError.
type HTTPResponse struct {
	StatusCode int
	Body       []byte
}

// Text returns the body as a string.
func (r *HTTPResponse) Text() string {
	return string(r.Body)
}

// BearerStatus reports the GPRS bearer state from AT+SAPBR=2.
type BearerStatus struct {
	CID    int
	Status int // 0=connecting, 1=connected, 2=closing, 3=closed
	IP     string
}

// HTTPClient speaks the SIM800 HTTP-over-AT sub-protocol: bearer
// lifecycle (SAPBR), request parameterization (HTTPPARA), body upload
// behind the DOWNLOAD prompt (HTTPDATA), the two-phase accept/complete
// action (HTTPACTION + URC), and binary-safe body retrieval (HTTPREAD).
//
// A whole request runs under one port lock acquisition, so bearer
// open, parameter set, action and body read appear atomic on the wire
// to other goroutines and processes.
type HTTPClient struct {
	ch  *Channel
	log *zap.Logger

	cid      int
	apn      string
	username string
	password string

	bearerOpen  bool
	serviceInit bool

	// actionTimeout bounds the wait for the +HTTPACTION completion
	// URC; the network exchange happens after the action command has
	// already been accepted with OK.
	actionTimeout time.Duration
	retryDelay    time.Duration

	// regTimeout bounds the registration wait before the bearer is
	// brought up: activation on an unregistered modem always fails.
	regTimeout time.Duration
	sleep      func(time.Duration)
}

func newHTTPClient(ch *Channel, cfg Config) *HTTPClient {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPClient{
		ch:            ch,
		log:           log,
		cid:           1,
		apn:           cfg.APN,
		username:      cfg.Username,
		password:      cfg.Password,
		actionTimeout: 120 * time.Second,
		retryDelay:    5 * time.Second,
		regTimeout:    60 * time.Second,
		sleep:         time.Sleep,
	}
}

var (
	sapbrRe      = regexp.MustCompile(`\+SAPBR:\s*(\d+),(\d+)(?:,"([^"]*)")?`)
	httpActionRe = regexp.MustCompile(`\+HTTPACTION:\s*(\d+),(\d+),(\d+)`)
	httpReadRe   = regexp.MustCompile(`\+HTTPREAD:\s*(\d+)`)
)

// OpenBearer attaches to GPRS, configures the bearer with the APN and
// credentials, activates it and verifies an address was assigned. At
// most one bearer is open per device.
func (h *HTTPClient) OpenBearer(ctx context.Context) error {
	unlock, err := h.ch.Lock().Acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	return h.openBearerLocked(ctx)
}

func (h *HTTPClient) openBearerLocked(ctx context.Context) error {
	if h.apn == "" {
		return &BearerError{Op: "open", Err: errors.New("no APN configured")}
	}

	if err := waitRegistered(ctx, h.ch, h.sleep, h.regTimeout); err != nil {
		return &BearerError{Op: "register", Err: err}
	}

	if _, err := h.ch.Execute(ctx, Command{Text: "AT+CGATT=1", Timeout: 10 * time.Second, Retries: 1}); err != nil {
		return &BearerError{Op: "attach", Err: err}
	}
	resp, err := h.ch.Execute(ctx, Command{Text: "AT+CGATT?"})
	if err != nil {
		return &BearerError{Op: "attach", Err: err}
	}
	if !strings.Contains(resp.Text(), "+CGATT: 1") {
		return &BearerError{Op: "attach", Err: errors.New("GPRS not attached")}
	}

	params := [][2]string{
		{"Contype", "GPRS"},
		{"APN", h.apn},
	}
	if h.username != "" {
		params = append(params, [2]string{"USER", h.username})
	}
	if h.password != "" {
		params = append(params, [2]string{"PWD", h.password})
	}
	for _, p := range params {
		cmd := fmt.Sprintf(`AT+SAPBR=3,%d,"%s","%s"`, h.cid, p[0], p[1])
		if _, err := h.ch.Execute(ctx, Command{Text: cmd}); err != nil {
			return &BearerError{Op: "configure", Err: err}
		}
	}

	// Activation can take the better part of a minute on some networks.
	if _, err := h.ch.Execute(ctx, Command{Text: fmt.Sprintf("AT+SAPBR=1,%d", h.cid), Timeout: 85 * time.Second, Retries: 1}); err != nil {
		return &BearerError{Op: "activate", Err: err}
	}

	status, err := h.queryBearerLocked(ctx)
	if err != nil {
		return err
	}
	if status.Status != 1 || status.IP == "" {
		return &BearerError{Op: "activate", Err: fmt.Errorf("bearer not connected (status %d)", status.Status)}
	}

	h.log.Info("bearer open", zap.Int("cid", status.CID), zap.String("ip", status.IP))
	h.bearerOpen = true
	h.serviceInit = false
	return nil
}

// QueryBearer reports the current bearer state.
func (h *HTTPClient) QueryBearer(ctx context.Context) (BearerStatus, error) {
	unlock, err := h.ch.Lock().Acquire(ctx)
	if err != nil {
		return BearerStatus{}, err
	}
	defer unlock()
	return h.queryBearerLocked(ctx)
}

func (h *HTTPClient) queryBearerLocked(ctx context.Context) (BearerStatus, error) {
	resp, err := h.ch.Execute(ctx, Command{Text: fmt.Sprintf("AT+SAPBR=2,%d", h.cid), Timeout: 10 * time.Second})
	if err != nil {
		return BearerStatus{}, &BearerError{Op: "query", Err: err}
	}
	for _, line := range resp.Lines {
		if m := sapbrRe.FindStringSubmatch(line); m != nil {
			cid, _ := strconv.Atoi(m[1])
			status, _ := strconv.Atoi(m[2])
			return BearerStatus{CID: cid, Status: status, IP: m[3]}, nil
		}
	}
	return BearerStatus{}, &BearerError{Op: "query", Err: fmt.Errorf("could not parse SAPBR status from %q", resp.Text())}
}

// CloseBearer deactivates the bearer. Advisory cleanup: it tolerates
// being called when no bearer is open and never fails the caller.
func (h *HTTPClient) CloseBearer(ctx context.Context) {
	unlock, err := h.ch.Lock().Acquire(ctx)
	if err != nil {
		return
	}
	defer unlock()
	h.closeBearerLocked(ctx)
}

func (h *HTTPClient) closeBearerLocked(ctx context.Context) {
	if _, err := h.ch.Execute(ctx, Command{Text: fmt.Sprintf("AT+SAPBR=0,%d", h.cid), Timeout: 20 * time.Second}); err != nil {
		h.log.Debug("bearer close failed", zap.Error(err))
	}
	h.bearerOpen = false
	h.serviceInit = false
}

// Get performs an HTTP GET through the modem.
func (h *HTTPClient) Get(ctx context.Context, url string, headers map[string]string) (*HTTPResponse, error) {
	return h.Request(ctx, MethodGET, url, nil, "", headers)
}

// Head performs an HTTP HEAD through the modem. The response body is
// always empty.
func (h *HTTPClient) Head(ctx context.Context, url string, headers map[string]string) (*HTTPResponse, error) {
	return h.Request(ctx, MethodHEAD, url, nil, "", headers)
}

// Post uploads body and performs an HTTP POST through the modem.
func (h *HTTPClient) Post(ctx context.Context, url string, body []byte, contentType string, headers map[string]string) (*HTTPResponse, error) {
	if contentType == "" {
		contentType = "application/json"
	}
	return h.Request(ctx, MethodPOST, url, body, contentType, headers)
}

// Request runs the full request state machine under a single lock
// acquisition. A transient network-error completion (601) triggers
// exactly one bearer close/reopen/reissue cycle; a busy HTTP stack
// (604) is retried after a delay. All other >= 600 completions are
// fatal for the request.
func (h *HTTPClient) Request(ctx context.Context, method HTTPMethod, url string, body []byte, contentType string, headers map[string]string) (*HTTPResponse, error) {
	unlock, err := h.ch.Lock().Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	const maxAttempts = 3
	bearerCycled := false
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, err := h.doRequest(ctx, method, url, body, contentType, headers)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var serr *StatusError
		if !errors.As(err, &serr) || !serr.TransientNetwork() {
			return nil, err
		}

		switch serr.Code {
		case StatusNetworkError:
			if bearerCycled {
				return nil, err
			}
			h.log.Warn("transient network error, cycling bearer", zap.String("url", url))
			h.closeBearerLocked(ctx)
			if err := h.openBearerLocked(ctx); err != nil {
				return nil, err
			}
			bearerCycled = true

		case StatusStackBusy:
			h.log.Warn("http stack busy, retrying", zap.String("url", url), zap.Duration("delay", h.retryDelay))
			h.sleep(h.retryDelay)
		}
	}
	return nil, lastErr
}

func (h *HTTPClient) doRequest(ctx context.Context, method HTTPMethod, url string, body []byte, contentType string, headers map[string]string) (*HTTPResponse, error) {
	if !h.bearerOpen {
		if err := h.openBearerLocked(ctx); err != nil {
			return nil, err
		}
	}
	if !h.serviceInit {
		if err := h.initService(ctx); err != nil {
			return nil, err
		}
	}

	if _, err := h.ch.Execute(ctx, Command{Text: fmt.Sprintf(`AT+HTTPPARA="URL","%s"`, url)}); err != nil {
		return nil, err
	}
	if len(headers) > 0 {
		if _, err := h.ch.Execute(ctx, Command{Text: fmt.Sprintf(`AT+HTTPPARA="USERDATA","%s"`, headerBlob(headers))}); err != nil {
			return nil, err
		}
	}

	if method == MethodPOST {
		if _, err := h.ch.Execute(ctx, Command{Text: fmt.Sprintf(`AT+HTTPPARA="CONTENT","%s"`, contentType)}); err != nil {
			return nil, err
		}
		if err := h.sendBody(ctx, body); err != nil {
			return nil, err
		}
	}

	// Two-phase accept/complete: the modem acknowledges the action
	// synchronously with OK, then reports the real result of the
	// network exchange later via URC. Blocking on the OK alone would
	// race the result.
	if _, err := h.ch.Execute(ctx, Command{Text: fmt.Sprintf("AT+HTTPACTION=%d", int(method))}); err != nil {
		return nil, err
	}

	line, err := h.ch.WaitURC(ctx, at.UrcHTTPAction, h.actionTimeout)
	if err != nil {
		return nil, fmt.Errorf("waiting for %s completion: %w", method, err)
	}

	m := httpActionRe.FindStringSubmatch(line)
	if m == nil {
		return nil, fmt.Errorf("could not parse action completion %q", line)
	}
	status, _ := strconv.Atoi(m[2])
	length, _ := strconv.Atoi(m[3])

	if status >= 600 {
		return nil, &StatusError{Method: method.String(), Code: status}
	}

	resp := &HTTPResponse{StatusCode: status}
	if method == MethodHEAD || length == 0 {
		return resp, nil
	}

	resp.Body, err = h.readBody(ctx, length)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (h *HTTPClient) initService(ctx context.Context) error {
	// Terminate any stale session first; failure here is expected when
	// none exists.
	if _, err := h.ch.Execute(ctx, Command{Text: "AT+HTTPTERM"}); err != nil {
		h.log.Debug("httpterm cleanup", zap.Error(err))
	}
	if _, err := h.ch.Execute(ctx, Command{Text: "AT+HTTPINIT"}); err != nil {
		return err
	}
	if _, err := h.ch.Execute(ctx, Command{Text: fmt.Sprintf(`AT+HTTPPARA="CID",%d`, h.cid)}); err != nil {
		return err
	}
	h.serviceInit = true
	return nil
}

// sendBody issues HTTPDATA and uploads the raw body once the DOWNLOAD
// prompt arrives. A missing prompt means the modem refused the body; no
// body bytes touch the wire in that case.
func (h *HTTPClient) sendBody(ctx context.Context, body []byte) error {
	cmd := Command{
		Text:    fmt.Sprintf("AT+HTTPDATA=%d,%d", len(body), 10000),
		Timeout: 5 * time.Second,
	}
	resp, err := h.ch.Execute(ctx, cmd)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return fmt.Errorf("httpdata: %w", ErrPromptNotReceived)
		}
		return err
	}
	if resp.Terminal != at.Download {
		return fmt.Errorf("httpdata answered %q: %w", resp.Terminal, ErrPromptNotReceived)
	}

	if err := h.ch.writeRaw(body); err != nil {
		return fmt.Errorf("write body: %w", err)
	}

	// HTTPDATA confirms the upload with its own OK.
	if _, err := h.ch.readReply(ctx, "", nil, time.Now().Add(10*time.Second)); err != nil {
		return fmt.Errorf("body upload not confirmed: %w", err)
	}
	return nil
}

// readBody retrieves exactly length raw bytes via HTTPREAD. The body
// may contain arbitrary bytes including CRLF sequences, so after the
// header line the read is length-bounded, not line-oriented.
func (h *HTTPClient) readBody(ctx context.Context, length int) ([]byte, error) {
	if err := h.ch.wake(); err != nil {
		return nil, err
	}
	if err := h.ch.writeRaw([]byte("AT+HTTPREAD" + at.CRLF)); err != nil {
		return nil, fmt.Errorf("httpread: %w", err)
	}

	deadline := time.Now().Add(30 * time.Second)
	for {
		line, err := h.ch.readToken(ctx, deadline)
		if err != nil {
			return nil, fmt.Errorf("httpread header: %w", err)
		}
		m := httpReadRe.FindStringSubmatch(line)
		if m == nil {
			// Echo of the command, or an interleaved notification.
			if at.Classify(line) == at.TypeURC {
				h.ch.pushURC(line)
			}
			continue
		}
		if reported, _ := strconv.Atoi(m[1]); reported != length {
			h.log.Warn("httpread length mismatch", zap.Int("announced", length), zap.Int("reported", reported))
		}
		break
	}

	body, err := h.ch.readExact(ctx, length, deadline)
	if err != nil {
		return nil, err
	}

	// Trailing OK; harmless if it never shows up.
	if _, err := h.ch.readReply(ctx, "", nil, time.Now().Add(2*time.Second)); err != nil && !errors.Is(err, ErrTimeout) {
		return nil, err
	}
	return body, nil
}

func headerBlob(headers map[string]string) string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+headers[k])
	}
	return strings.Join(parts, `\r\n`)
}
