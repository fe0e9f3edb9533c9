package modem

import (
	"time"

	"go.uber.org/zap"
)

// Config holds the modem driver configuration.
type Config struct {
	// Dialer opens the transport. Required.
	Dialer Dialer
	// SimPIN is entered when the SIM reports it is locked.
	SimPIN string

	// APN and credentials for the GPRS bearer used by HTTP.
	APN      string
	Username string
	Password string

	// ATTimeout is the default per-command response timeout.
	ATTimeout time.Duration
	// InitTimeout bounds the whole initialization sequence.
	InitTimeout time.Duration
	// MaxRetries is the attempt budget applied to transient failures
	// during sync and other retried commands.
	MaxRetries int
	// RetryDelay is the first backoff step; it doubles per attempt.
	RetryDelay time.Duration
	// WakeDelay is the settle time after the wake gesture.
	WakeDelay time.Duration

	// LockFile is the cross-process lock path. Empty derives one from
	// the serial port name; "-" disables cross-process locking.
	LockFile string
	// LockTimeout bounds lock acquisition.
	LockTimeout time.Duration

	// URCQueueSize bounds buffered unclaimed notifications.
	URCQueueSize int

	// Logger receives AT TX/RX debug lines and retry warnings. Nil
	// means no logging.
	Logger *zap.Logger
}

func (c *Config) validate() error {
	if c.Dialer == nil {
		return ErrNoDialer
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.ATTimeout == 0 {
		c.ATTimeout = 5 * time.Second
	}
	if c.InitTimeout == 0 {
		c.InitTimeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 250 * time.Millisecond
	}
	if c.WakeDelay == 0 {
		// SIM800 wants >= 100ms between the wake character and the
		// first real byte.
		c.WakeDelay = 150 * time.Millisecond
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = 30 * time.Second
	}
	if c.URCQueueSize == 0 {
		c.URCQueueSize = 16
	}
}

// ConfigBuilder assembles a Config fluently.
type ConfigBuilder struct {
	config Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{}
}

func (b *ConfigBuilder) WithDialer(d Dialer) *ConfigBuilder {
	b.config.Dialer = d
	return b
}

func (b *ConfigBuilder) WithSimPIN(pin string) *ConfigBuilder {
	b.config.SimPIN = pin
	return b
}

func (b *ConfigBuilder) WithAPN(apn, username, password string) *ConfigBuilder {
	b.config.APN = apn
	b.config.Username = username
	b.config.Password = password
	return b
}

func (b *ConfigBuilder) WithATTimeout(d time.Duration) *ConfigBuilder {
	b.config.ATTimeout = d
	return b
}

func (b *ConfigBuilder) WithInitTimeout(d time.Duration) *ConfigBuilder {
	b.config.InitTimeout = d
	return b
}

func (b *ConfigBuilder) WithMaxRetries(n int) *ConfigBuilder {
	b.config.MaxRetries = n
	return b
}

func (b *ConfigBuilder) WithRetryDelay(d time.Duration) *ConfigBuilder {
	b.config.RetryDelay = d
	return b
}

func (b *ConfigBuilder) WithWakeDelay(d time.Duration) *ConfigBuilder {
	b.config.WakeDelay = d
	return b
}

func (b *ConfigBuilder) WithLockFile(path string) *ConfigBuilder {
	b.config.LockFile = path
	return b
}

func (b *ConfigBuilder) WithLockTimeout(d time.Duration) *ConfigBuilder {
	b.config.LockTimeout = d
	return b
}

func (b *ConfigBuilder) WithLogger(log *zap.Logger) *ConfigBuilder {
	b.config.Logger = log
	return b
}

// Build validates the assembled config and fills in defaults.
func (b *ConfigBuilder) Build() (Config, error) {
	if err := b.config.validate(); err != nil {
		return Config{}, err
	}
	b.config.setDefaults()
	return b.config, nil
}
