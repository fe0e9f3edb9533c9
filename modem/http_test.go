package modem

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"i4.energy/across/sim800/at"
)

// deviceScript maps written commands to queued replies, popping one
// reply per occurrence so repeated commands can answer differently.
type deviceScript struct {
	tr      *TestTransport
	replies map[string][]string
}

func newScript(tr *TestTransport, replies map[string][]string) *deviceScript {
	s := &deviceScript{tr: tr, replies: replies}
	tr.OnWrite = func(p []byte) {
		cmd := strings.TrimSuffix(string(p), at.CRLF)
		if q := s.replies[cmd]; len(q) > 0 {
			s.tr.QueueRead(q[0])
			s.replies[cmd] = q[1:]
		}
	}
	return s
}

func newTestHTTP(tr *TestTransport) *HTTPClient {
	ch := newTestChannel(tr)
	h := newHTTPClient(ch, Config{APN: "internet"})
	h.actionTimeout = 200 * time.Millisecond
	h.retryDelay = time.Millisecond
	h.sleep = func(time.Duration) {}
	return h
}

func bearerScript() map[string][]string {
	return map[string][]string{
		"AT+CREG?":                     {"+CREG: 0,1\r\nOK\r\n"},
		"AT+CGATT=1":                   {"OK\r\n"},
		"AT+CGATT?":                    {"+CGATT: 1\r\nOK\r\n"},
		`AT+SAPBR=3,1,"Contype","GPRS"`: {"OK\r\n"},
		`AT+SAPBR=3,1,"APN","internet"`: {"OK\r\n"},
		"AT+SAPBR=1,1":                 {"OK\r\n"},
		"AT+SAPBR=2,1":                 {"+SAPBR: 1,1,\"10.64.82.7\"\r\nOK\r\n"},
	}
}

func TestHTTP_OpenBearer(t *testing.T) {
	tr := NewTestTransport()
	h := newTestHTTP(tr)
	newScript(tr, bearerScript())

	require.NoError(t, h.OpenBearer(context.Background()))
	assert.True(t, h.bearerOpen)
}

func TestHTTP_OpenBearer_NotConnected(t *testing.T) {
	tr := NewTestTransport()
	h := newTestHTTP(tr)

	script := bearerScript()
	script["AT+SAPBR=2,1"] = []string{"+SAPBR: 1,3,\"0.0.0.0\"\r\nOK\r\n"}
	newScript(tr, script)

	err := h.OpenBearer(context.Background())
	require.Error(t, err)

	var berr *BearerError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, "activate", berr.Op)
	assert.False(t, h.bearerOpen)
}

func TestHTTP_OpenBearer_WaitsForRegistration(t *testing.T) {
	tr := NewTestTransport()
	h := newTestHTTP(tr)

	// Still searching on the first poll, registered on the second. The
	// bearer must not be touched until registration lands.
	script := bearerScript()
	script["AT+CREG?"] = []string{
		"+CREG: 0,2\r\nOK\r\n",
		"+CREG: 0,1\r\nOK\r\n",
	}
	newScript(tr, script)

	require.NoError(t, h.OpenBearer(context.Background()))
	assert.True(t, h.bearerOpen)

	writes := tr.Writes()
	assert.Equal(t, "AT+CREG?"+at.CRLF, writes[0])
	assert.Equal(t, "AT+CREG?"+at.CRLF, writes[1])
	assert.Equal(t, "AT+CGATT=1"+at.CRLF, writes[2], "attach only after registration")
}

func TestHTTP_OpenBearer_NeverRegisters(t *testing.T) {
	tr := NewTestTransport()
	h := newTestHTTP(tr)
	h.regTimeout = 0

	script := bearerScript()
	script["AT+CREG?"] = []string{"+CREG: 0,2\r\nOK\r\n"}
	newScript(tr, script)

	err := h.OpenBearer(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotRegistered)

	var berr *BearerError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, "register", berr.Op)

	for _, w := range tr.Writes() {
		assert.NotEqual(t, "AT+SAPBR=1,1"+at.CRLF, w, "no activation while unregistered")
	}
}

func TestHTTP_OpenBearer_NotAttached(t *testing.T) {
	tr := NewTestTransport()
	h := newTestHTTP(tr)

	script := bearerScript()
	script["AT+CGATT?"] = []string{"+CGATT: 0\r\nOK\r\n"}
	newScript(tr, script)

	err := h.OpenBearer(context.Background())
	require.Error(t, err)

	var berr *BearerError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, "attach", berr.Op)
}

func TestHTTP_OpenBearer_NoAPN(t *testing.T) {
	tr := NewTestTransport()
	ch := newTestChannel(tr)
	h := newHTTPClient(ch, Config{})

	err := h.OpenBearer(context.Background())
	var berr *BearerError
	require.ErrorAs(t, err, &berr)
}

func TestHTTP_Get(t *testing.T) {
	tr := NewTestTransport()
	h := newTestHTTP(tr)
	h.bearerOpen = true
	h.serviceInit = true

	newScript(tr, map[string][]string{
		`AT+HTTPPARA="URL","http://example.test/ping"`: {"OK\r\n"},
		"AT+HTTPACTION=0": {"OK\r\n+HTTPACTION: 0,200,5\r\n"},
		"AT+HTTPREAD":     {"+HTTPREAD: 5\r\nhello\r\nOK\r\n"},
	})

	resp, err := h.Get(context.Background(), "http://example.test/ping", nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "hello", resp.Text())
}

func TestHTTP_Get_BinaryBody(t *testing.T) {
	tr := NewTestTransport()
	h := newTestHTTP(tr)
	h.bearerOpen = true
	h.serviceInit = true

	// Body content must survive byte-for-byte even when it contains
	// line terminators and result-lookalike text.
	body := "a\r\nOK\r\n\x00\x01b"
	newScript(tr, map[string][]string{
		`AT+HTTPPARA="URL","http://example.test/blob"`: {"OK\r\n"},
		"AT+HTTPACTION=0": {"OK\r\n+HTTPACTION: 0,200,10\r\n"},
		"AT+HTTPREAD":     {"+HTTPREAD: 10\r\n" + body + "\r\nOK\r\n"},
	})

	resp, err := h.Get(context.Background(), "http://example.test/blob", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte(body), resp.Body)
}

func TestHTTP_Get_NonSuccessStatusPassesThrough(t *testing.T) {
	tr := NewTestTransport()
	h := newTestHTTP(tr)
	h.bearerOpen = true
	h.serviceInit = true

	newScript(tr, map[string][]string{
		`AT+HTTPPARA="URL","http://example.test/missing"`: {"OK\r\n"},
		"AT+HTTPACTION=0": {"OK\r\n+HTTPACTION: 0,404,0\r\n"},
	})

	resp, err := h.Get(context.Background(), "http://example.test/missing", nil)
	require.NoError(t, err, "a 404 is the server's answer, not a transport failure")
	assert.Equal(t, 404, resp.StatusCode)
	assert.Empty(t, resp.Body)
}

func TestHTTP_Post(t *testing.T) {
	tr := NewTestTransport()
	h := newTestHTTP(tr)
	h.bearerOpen = true
	h.serviceInit = true

	newScript(tr, map[string][]string{
		`AT+HTTPPARA="URL","http://example.test/submit"`: {"OK\r\n"},
		`AT+HTTPPARA="CONTENT","application/json"`:       {"OK\r\n"},
		"AT+HTTPDATA=15,10000":                           {"DOWNLOAD\r\n"},
		"AT+HTTPACTION=1":                                {"OK\r\n+HTTPACTION: 1,201,0\r\n"},
	})
	// The raw body write carries no CRLF framing; answer it directly.
	payload := `{"temp":21.5}` + "\r\n"
	prev := tr.OnWrite
	tr.OnWrite = func(p []byte) {
		if string(p) == payload {
			tr.QueueRead("OK\r\n")
			return
		}
		prev(p)
	}

	resp, err := h.Post(context.Background(), "http://example.test/submit", []byte(payload), "", nil)
	require.NoError(t, err)
	assert.Equal(t, 201, resp.StatusCode)

	assert.Contains(t, tr.Writes(), payload, "body must reach the wire untouched")
}

func TestHTTP_Post_PromptMissing(t *testing.T) {
	tr := NewTestTransport()
	h := newTestHTTP(tr)
	h.bearerOpen = true
	h.serviceInit = true

	// The modem answers HTTPDATA with a bare OK instead of the
	// DOWNLOAD prompt.
	newScript(tr, map[string][]string{
		`AT+HTTPPARA="URL","http://example.test/submit"`: {"OK\r\n"},
		`AT+HTTPPARA="CONTENT","text/plain"`:             {"OK\r\n"},
		"AT+HTTPDATA=6,10000":                            {"OK\r\n"},
	})

	_, err := h.Post(context.Background(), "http://example.test/submit", []byte("secret"), "text/plain", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPromptNotReceived)

	assert.NotContains(t, tr.Writes(), "secret", "no body byte may leave before the prompt")
}

func TestHTTP_Get_NetworkErrorCyclesBearerOnce(t *testing.T) {
	tr := NewTestTransport()
	h := newTestHTTP(tr)
	h.bearerOpen = true
	h.serviceInit = true

	script := bearerScript()
	script["AT+SAPBR=0,1"] = []string{"OK\r\n"}
	script["AT+HTTPTERM"] = []string{"OK\r\n"}
	script["AT+HTTPINIT"] = []string{"OK\r\n"}
	script[`AT+HTTPPARA="CID",1`] = []string{"OK\r\n"}
	script[`AT+HTTPPARA="URL","http://example.test/flaky"`] = []string{"OK\r\n", "OK\r\n"}
	script["AT+HTTPACTION=0"] = []string{
		"OK\r\n+HTTPACTION: 0,601,0\r\n",
		"OK\r\n+HTTPACTION: 0,200,0\r\n",
	}
	newScript(tr, script)

	resp, err := h.Get(context.Background(), "http://example.test/flaky", nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	deacts := 0
	for _, w := range tr.Writes() {
		if w == "AT+SAPBR=0,1"+at.CRLF {
			deacts++
		}
	}
	assert.Equal(t, 1, deacts, "601 gets exactly one bearer cycle")
}

func TestHTTP_Get_NetworkErrorPersists(t *testing.T) {
	tr := NewTestTransport()
	h := newTestHTTP(tr)
	h.bearerOpen = true
	h.serviceInit = true

	script := bearerScript()
	script["AT+SAPBR=0,1"] = []string{"OK\r\n"}
	script["AT+HTTPTERM"] = []string{"OK\r\n"}
	script["AT+HTTPINIT"] = []string{"OK\r\n"}
	script[`AT+HTTPPARA="CID",1`] = []string{"OK\r\n"}
	script[`AT+HTTPPARA="URL","http://example.test/down"`] = []string{"OK\r\n", "OK\r\n"}
	script["AT+HTTPACTION=0"] = []string{
		"OK\r\n+HTTPACTION: 0,601,0\r\n",
		"OK\r\n+HTTPACTION: 0,601,0\r\n",
	}
	newScript(tr, script)

	_, err := h.Get(context.Background(), "http://example.test/down", nil)
	require.Error(t, err)

	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, StatusNetworkError, serr.Code)
}

func TestHTTP_Get_StackBusyRetries(t *testing.T) {
	tr := NewTestTransport()
	h := newTestHTTP(tr)
	h.bearerOpen = true
	h.serviceInit = true

	var slept int
	h.sleep = func(time.Duration) { slept++ }

	newScript(tr, map[string][]string{
		`AT+HTTPPARA="URL","http://example.test/busy"`: {"OK\r\n", "OK\r\n"},
		"AT+HTTPACTION=0": {
			"OK\r\n+HTTPACTION: 0,604,0\r\n",
			"OK\r\n+HTTPACTION: 0,200,0\r\n",
		},
	})

	resp, err := h.Get(context.Background(), "http://example.test/busy", nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, 1, slept, "604 waits out the stack before retrying")
}

func TestHTTP_Get_DNSErrorFatal(t *testing.T) {
	tr := NewTestTransport()
	h := newTestHTTP(tr)
	h.bearerOpen = true
	h.serviceInit = true

	newScript(tr, map[string][]string{
		`AT+HTTPPARA="URL","http://no-such-host.test/"`: {"OK\r\n"},
		"AT+HTTPACTION=0": {"OK\r\n+HTTPACTION: 0,603,0\r\n"},
	})

	_, err := h.Get(context.Background(), "http://no-such-host.test/", nil)
	require.Error(t, err)

	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, StatusDNSError, serr.Code)
	assert.False(t, serr.TransientNetwork())

	actions := 0
	for _, w := range tr.Writes() {
		if w == "AT+HTTPACTION=0"+at.CRLF {
			actions++
		}
	}
	assert.Equal(t, 1, actions, "a DNS failure is not worth retrying")
}

func TestHTTP_Head_NoBodyRead(t *testing.T) {
	tr := NewTestTransport()
	h := newTestHTTP(tr)
	h.bearerOpen = true
	h.serviceInit = true

	newScript(tr, map[string][]string{
		`AT+HTTPPARA="URL","http://example.test/"`: {"OK\r\n"},
		"AT+HTTPACTION=2": {"OK\r\n+HTTPACTION: 2,200,123\r\n"},
	})

	resp, err := h.Head(context.Background(), "http://example.test/", nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Empty(t, resp.Body)

	for _, w := range tr.Writes() {
		assert.NotEqual(t, "AT+HTTPREAD"+at.CRLF, w)
	}
}

func TestHTTP_Request_AtomicAgainstConcurrentSMS(t *testing.T) {
	tr := NewTestTransport()
	h := newTestHTTP(tr)
	h.bearerOpen = true
	h.serviceInit = true

	m := &Modem{transport: tr, channel: h.ch, lock: h.ch.lock}

	newScript(tr, map[string][]string{
		`AT+HTTPPARA="URL","http://example.test/poll"`: {"OK\r\n"},
		"AT+HTTPACTION=0": {"OK\r\n+HTTPACTION: 0,200,2\r\n"},
		"AT+HTTPREAD":     {"+HTTPREAD: 2\r\nhi\r\nOK\r\n"},
		`AT+CMGL="ALL"`: {`+CMGL: 1,"REC READ","+491701111111","","24/06/01,10:21:05+08"` + "\r\n" +
			"stored\r\n" + "OK\r\n"},
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		resp, err := h.Get(context.Background(), "http://example.test/poll", nil)
		assert.NoError(t, err)
		assert.Equal(t, "hi", resp.Text())
	}()
	go func() {
		defer wg.Done()
		msgs, err := m.ListMessages(context.Background(), StatusAll)
		assert.NoError(t, err)
		assert.Len(t, msgs, 1)
	}()
	wg.Wait()

	// The request holds the lock across all its transactions, so its
	// commands must be contiguous on the wire: the listing lands either
	// entirely before or entirely after, never in between.
	var positions []int
	for i, w := range tr.Writes() {
		switch w {
		case `AT+HTTPPARA="URL","http://example.test/poll"` + at.CRLF,
			"AT+HTTPACTION=0" + at.CRLF,
			"AT+HTTPREAD" + at.CRLF:
			positions = append(positions, i)
		}
	}
	require.Len(t, positions, 3)
	assert.Equal(t, positions[0]+1, positions[1])
	assert.Equal(t, positions[1]+1, positions[2])
}

func TestHTTP_Request_SetsHeaders(t *testing.T) {
	tr := NewTestTransport()
	h := newTestHTTP(tr)
	h.bearerOpen = true
	h.serviceInit = true

	newScript(tr, map[string][]string{
		`AT+HTTPPARA="URL","http://example.test/"`: {"OK\r\n"},
		// Headers are joined with escaped CRLF sequences, not real ones.
		`AT+HTTPPARA="USERDATA","Authorization: Bearer tk\r\nX-Env: prod"`: {"OK\r\n"},
		"AT+HTTPACTION=0": {"OK\r\n+HTTPACTION: 0,204,0\r\n"},
	})

	resp, err := h.Get(context.Background(), "http://example.test/", map[string]string{
		"X-Env":         "prod",
		"Authorization": "Bearer tk",
	})
	require.NoError(t, err)
	assert.Equal(t, 204, resp.StatusCode)
}
