// Package supervisor opens the three serial transports the gateway
// needs, wires them into framed streams, and runs the multiplexer
// until the given context is cancelled or a fatal error occurs. It is
// the only component that knows about serial ports, metrics endpoints
// or CLI-level configuration; the protocol core (mbus, proxy) knows
// only about io.ReadWriteCloser and context.Context.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/mbusgw/mbus-proxy/mbus"
	"github.com/mbusgw/mbus-proxy/proxy"
)

// Supervisor owns the gateway's three serial ports and runs the
// multiplexer loop over them.
type Supervisor struct {
	cfg    Config
	logger *zap.Logger

	externalMaster *mbus.FramedStream
	heater         *mbus.FramedStream
	wmbusmeters    *mbus.FramedStream

	metrics *prometheusMetrics
}

// New opens the three configured serial ports (retrying with
// exponential backoff per Config.PortOpenRetries) and returns a ready
// Supervisor. Callers must eventually call Close.
func New(cfg Config, logger *zap.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	em, err := openPort(logger, "external_master", cfg.TTYPathExternalMaster, cfg.SerialBaudrate, cfg.PortOpenRetries)
	if err != nil {
		return nil, fmt.Errorf("open external_master port %s: %w", cfg.TTYPathExternalMaster, err)
	}
	heater, err := openPort(logger, "heater", cfg.TTYPathHeater, cfg.SerialBaudrate, cfg.PortOpenRetries)
	if err != nil {
		em.Close()
		return nil, fmt.Errorf("open heater port %s: %w", cfg.TTYPathHeater, err)
	}
	wm, err := openPort(logger, "wmbusmeters", cfg.TTYPathWmbusmeters, cfg.SerialBaudrate, cfg.PortOpenRetries)
	if err != nil {
		em.Close()
		heater.Close()
		return nil, fmt.Errorf("open wmbusmeters port %s: %w", cfg.TTYPathWmbusmeters, err)
	}

	var metrics *prometheusMetrics
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		metrics = newPrometheusMetrics(reg)
		go serveMetrics(logger, cfg.MetricsAddr, reg)
	}

	return &Supervisor{
		cfg:            cfg,
		logger:         logger,
		externalMaster: mbus.NewFramedStream("external_master", em, logger),
		heater:         mbus.NewFramedStream("heater", heater, logger),
		wmbusmeters:    mbus.NewFramedStream("wmbusmeters", wm, logger),
		metrics:        metrics,
	}, nil
}

// Close closes all three underlying serial ports.
func (s *Supervisor) Close() {
	s.externalMaster.Close()
	s.heater.Close()
	s.wmbusmeters.Close()
}

// Run initializes the heater's link state and then drives the
// multiplexer until ctx is cancelled or a fatal error occurs.
// Non-fatal errors (protocol errors, response timeouts, unexpected
// heater frames) are logged and the loop continues.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("initializing heater link")
	if err := s.heater.SendFrame(mbus.NewShort(proxy.SndNke, 0x00)); err != nil {
		return fmt.Errorf("initialize heater link: %w", err)
	}

	var metrics proxy.Metrics
	if s.metrics != nil {
		metrics = s.metrics
	}
	mux := proxy.New(ctx, s.cfg.Proxy, s.externalMaster, s.heater, s.wmbusmeters, s.logger, metrics)

	s.logger.Info("starting main loop")
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := mux.Step(ctx); err != nil {
			if !isFatal(err) {
				s.logger.Warn("non-fatal step error, continuing", zap.Error(err))
				continue
			}
			return err
		}
	}
}

// isFatal classifies a Step error per SPEC_FULL.md §7: response
// timeouts and parser-level protocol errors are recoverable, anything
// else (transport I/O failure, end of stream) is fatal.
func isFatal(err error) bool {
	if errors.Is(err, proxy.ErrResponseTimeout) {
		return false
	}
	var pe *mbus.ParseError
	if errors.As(err, &pe) {
		return false
	}
	return true
}

func openPort(logger *zap.Logger, name, path string, baud int, retries uint64) (serial.Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.EvenParity,
		StopBits: serial.OneStopBit,
	}

	var port serial.Port
	operation := func() error {
		p, err := serial.Open(path, mode)
		if err != nil {
			return err
		}
		port = p
		return nil
	}

	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), retries)
	notify := func(err error, d time.Duration) {
		logger.Debug("retrying port open", zap.String("port", name), zap.String("path", path), zap.Error(err), zap.Duration("backoff", d))
	}
	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		return nil, err
	}
	logger.Debug("opened serial port", zap.String("port", name), zap.String("path", path), zap.Int("baud", baud))
	return port, nil
}

func serveMetrics(logger *zap.Logger, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	logger.Info("serving metrics", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", zap.Error(err))
	}
}
