// Command mbus-debug opens a single serial port and logs every
// M-Bus frame it decodes, for inspecting a link independently of the
// proxy's multiplexing policy.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.bug.st/serial"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mbusgw/mbus-proxy/mbus"
)

func main() {
	var (
		ttyPath  = pflag.String("tty-path", "", "serial device to listen on")
		baudrate = pflag.IntP("serial-baudrate", "s", 2400, "baud rate")
		logLevel = pflag.String("log-level", "info", "log level: debug, info, warn, error")
	)
	pflag.Parse()

	logger, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mbus-debug:", err)
		os.Exit(2)
	}
	defer logger.Sync()

	if *ttyPath == "" {
		logger.Fatal("missing required flag --tty-path")
	}

	mode := &serial.Mode{
		BaudRate: *baudrate,
		DataBits: 8,
		Parity:   serial.EvenParity,
		StopBits: serial.OneStopBit,
	}
	logger.Debug("opening serial port", zap.String("path", *ttyPath), zap.Int("baud", *baudrate))
	port, err := serial.Open(*ttyPath, mode)
	if err != nil {
		logger.Fatal("failed to open serial port", zap.Error(err))
	}
	defer port.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	stream := mbus.NewFramedStream("debug", port, logger)
	defer stream.Close()

	for res := range stream.Frames(ctx) {
		if res.Err != nil {
			if res.Err == io.EOF {
				return
			}
			logger.Warn("decode error", zap.Error(res.Err))
			continue
		}
		logger.Info("received frame", zap.Stringer("frame", res.Frame))
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
