package at

const (
	// Terminal Control
	CRLF   = "\r\n"
	Prompt = "> "
	CtrlZ  = "\x1a"

	// Download is issued by the modem when it is ready to receive raw
	// body bytes for AT+HTTPDATA. Unlike OK it is not a command
	// terminator but a go-ahead marker.
	Download = "DOWNLOAD"

	// Response Codes
	OK         = "OK"
	ERROR      = "ERROR"
	NoCarrier  = "NO CARRIER"
	NoDialtone = "NO DIALTONE"
	Busy       = "BUSY"
	NoAnswer   = "NO ANSWER"
	CmeError   = "+CME ERROR:"
	CmsError   = "+CMS ERROR:"

	// URCs (Unsolicited Result Codes)
	UrcHTTPAction    = "+HTTPACTION:"
	UrcNewMsg        = "+CMTI:"
	UrcMessageReport = "+CDSI:"
	UrcBearerDeact   = "+SAPBR 1: DEACT"
	UrcPowerDown     = "NORMAL POWER DOWN"
	UrcCall          = "RING"
)

// Commands used during channel setup and power management.
const (
	CmdAt            = "AT"
	CmdEchoOff       = "ATE0"
	CmdVerboseErrors = "AT+CMEE=2"
	CmdSimStatus     = "AT+CPIN?"
	CmdSetTextMode   = "AT+CMGF=1"

	SimReady = "+CPIN: READY"
	SimPin   = "+CPIN: SIM PIN"
)

type ResponseType int

const (
	TypeFinal  ResponseType = iota // OK, ERROR
	TypeURC                        // Asynchronous notifications
	TypeData                       // Intermediate command output (+CSQ: ...)
	TypePrompt                     // SMS input or HTTPDATA download prompt
)
