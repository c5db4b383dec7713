// Command mbus-proxy bridges an external M-Bus master, a heating
// appliance and a wmbusmeters proxy over three serial links, enforcing
// the heater's single-outstanding-request discipline between them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mbusgw/mbus-proxy/proxy"
	"github.com/mbusgw/mbus-proxy/supervisor"
)

func main() {
	var (
		ttyExternalMaster = pflag.String("tty-path-external-master", "", "serial device for the external master port")
		ttyHeater         = pflag.String("tty-path-heater", "", "serial device for the heater port")
		ttyWmbusmeters    = pflag.String("tty-path-wmbusmeters", "", "serial device for the wmbusmeters port")
		baudrate          = pflag.IntP("serial-baudrate", "s", 2400, "baud rate shared by all three serial ports")
		logLevel          = pflag.String("log-level", "info", "log level: debug, info, warn, error")
		responseTimeout   = pflag.Duration("response-timeout", 2*time.Second, "how long to wait for a heater reply before timing out")
		metricsAddr       = pflag.String("metrics-addr", "", "if set, serve Prometheus metrics on this address")
		heaterAddr        = pflag.Uint8("heater-addr", 0x9A, "M-Bus address of the heater")
		wmbusProxyAddr    = pflag.Uint8("wmbus-proxy-addr", 0xFD, "M-Bus address wmbusmeters uses to reach the heater")
		broadcastAddrs    = pflag.String("broadcast-addrs", "0,255", "comma-separated list of addresses treated as broadcast")
		rewriteReplies    = pflag.Bool("rewrite-replies", false, "rewrite the heater's source address in replies forwarded to wmbusmeters")
		portOpenRetries   = pflag.Uint64("port-open-retries", 5, "number of retries with backoff when opening a serial port fails")
	)
	pflag.Parse()

	logger, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mbus-proxy:", err)
		os.Exit(2)
	}
	defer logger.Sync()

	addrs := proxy.DefaultAddresses()
	addrs.HeaterAddr = byte(*heaterAddr)
	addrs.WmbusProxyAddr = byte(*wmbusProxyAddr)
	if parsed, err := parseAddrList(*broadcastAddrs); err != nil {
		logger.Fatal("invalid --broadcast-addrs", zap.Error(err))
	} else {
		addrs.BroadcastAddrs = parsed
	}

	cfg := supervisor.DefaultConfig()
	cfg.TTYPathExternalMaster = *ttyExternalMaster
	cfg.TTYPathHeater = *ttyHeater
	cfg.TTYPathWmbusmeters = *ttyWmbusmeters
	cfg.SerialBaudrate = *baudrate
	cfg.LogLevel = *logLevel
	cfg.MetricsAddr = *metricsAddr
	cfg.PortOpenRetries = *portOpenRetries
	cfg.Proxy.Addresses = addrs
	cfg.Proxy.ResponseTimeout = *responseTimeout
	cfg.Proxy.RewriteReplies = *rewriteReplies

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	sup, err := supervisor.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to start", zap.Error(err))
	}
	defer sup.Close()

	ctx, cancel := context.WithCancel(context.Background())
	spawnSignalWatcher(logger, cancel)

	if err := sup.Run(ctx); err != nil {
		logger.Error("fatal error, shutting down", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func parseAddrList(s string) ([]byte, error) {
	var addrs []byte
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var v uint
		if _, err := fmt.Sscanf(part, "%d", &v); err != nil || v > 255 {
			return nil, fmt.Errorf("invalid address %q", part)
		}
		addrs = append(addrs, byte(v))
	}
	return addrs, nil
}

func spawnSignalWatcher(logger *zap.Logger, cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()
}
