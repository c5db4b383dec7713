package supervisor

import (
	"time"

	"github.com/mbusgw/mbus-proxy/proxy"
)

// Config configures the supervisor: which serial ports to open, at
// what line parameters, and the multiplexer policy to run over them.
type Config struct {
	TTYPathExternalMaster string
	TTYPathHeater         string
	TTYPathWmbusmeters    string
	SerialBaudrate        int

	LogLevel string

	Proxy proxy.Config

	// MetricsAddr, if non-empty, is the address the Prometheus
	// /metrics endpoint listens on.
	MetricsAddr string

	// PortOpenRetries bounds how many times a failed port open is
	// retried with exponential backoff before the supervisor gives up.
	PortOpenRetries uint64
}

// DefaultConfig returns the deployed configuration defaults.
func DefaultConfig() Config {
	return Config{
		SerialBaudrate:  2400,
		LogLevel:        "info",
		Proxy:           proxy.DefaultConfig(),
		PortOpenRetries: 5,
	}
}

// Validate checks Config for missing or contradictory values, following
// the teacher's Verify-before-use convention (config.go/options.go).
func (c *Config) Validate() error {
	switch {
	case c.TTYPathExternalMaster == "":
		return errMissingFlag("tty-path-external-master")
	case c.TTYPathHeater == "":
		return errMissingFlag("tty-path-heater")
	case c.TTYPathWmbusmeters == "":
		return errMissingFlag("tty-path-wmbusmeters")
	case c.SerialBaudrate <= 0:
		return errInvalidConfig("serial-baudrate must be positive")
	case c.Proxy.ResponseTimeout <= 0:
		return errInvalidConfig("response-timeout must be positive")
	}
	return nil
}

// ResponseTimeoutOrDefault is a small convenience for callers that
// build a Config programmatically without going through DefaultConfig:
// it returns 2s when Proxy.ResponseTimeout is not positive.
func (c Config) ResponseTimeoutOrDefault() time.Duration {
	if c.Proxy.ResponseTimeout <= 0 {
		return 2 * time.Second
	}
	return c.Proxy.ResponseTimeout
}
