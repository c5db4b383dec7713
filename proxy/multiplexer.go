package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/mbusgw/mbus-proxy/mbus"
)

// Multiplexer holds the three framed streams named external_master,
// heater and wmbusmeters, and implements one unit of work (Step) of
// the gateway's protocol state machine. Multiplexer is otherwise
// stateless between iterations: all state lives in the framed
// streams' read buffers.
type Multiplexer struct {
	cfg    Config
	logger *zap.Logger

	externalMaster *mbus.FramedStream
	heater         *mbus.FramedStream
	wmbusmeters    *mbus.FramedStream

	externalMasterCh <-chan mbus.Result
	wmbusmetersCh    <-chan mbus.Result
	heaterCh         <-chan mbus.Result

	metrics Metrics
}

// Metrics receives counters for observability. A nil-method-safe
// no-op implementation is used when the caller doesn't wire one in
// (see supervisor/metrics.go for the prometheus-backed implementation).
type Metrics interface {
	FrameReceived(port string, kind mbus.Kind)
	ProtocolError(port string)
	RequestForwarded()
	ResponseTimeout()
	HeaterReplyLatency(d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) FrameReceived(string, mbus.Kind)  {}
func (noopMetrics) ProtocolError(string)             {}
func (noopMetrics) RequestForwarded()                {}
func (noopMetrics) ResponseTimeout()                 {}
func (noopMetrics) HeaterReplyLatency(time.Duration) {}

// New builds a Multiplexer and starts the three background reader
// goroutines (one per framed stream, via mbus.FramedStream.Frames).
// ctx bounds the lifetime of those goroutines: cancelling it closes
// all three streams.
func New(ctx context.Context, cfg Config, externalMaster, heater, wmbusmeters *mbus.FramedStream, logger *zap.Logger, metrics Metrics) *Multiplexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Multiplexer{
		cfg:              cfg,
		logger:           logger,
		externalMaster:   externalMaster,
		heater:           heater,
		wmbusmeters:      wmbusmeters,
		externalMasterCh: externalMaster.Frames(ctx),
		wmbusmetersCh:    wmbusmeters.Frames(ctx),
		heaterCh:         heater.Frames(ctx),
		metrics:          metrics,
	}
}

// Step awaits whichever of the three streams has a frame readable
// first, with strict priority external_master > wmbusmeters > heater,
// or cancellation of ctx, and performs the corresponding unit of
// policy. It returns a non-nil error for a transport I/O failure, an
// end of stream, a protocol (parse) error or a heater response timeout
// (ErrResponseTimeout); the supervisor decides which of these are
// fatal. Unexpected frames and cancellation are logged or ignored and
// Step returns nil.
//
// Because Go's select does not honor priority among simultaneously
// ready cases, the priority order is enforced with a two-phase check:
// a non-blocking poll of the three channels in priority order, falling
// back to a single blocking select across all three (plus ctx.Done)
// only when none was immediately ready.
func (m *Multiplexer) Step(ctx context.Context) error {
	select {
	case res, ok := <-m.externalMasterCh:
		return m.handleExternalMaster(ctx, res, ok)
	default:
	}
	select {
	case res, ok := <-m.wmbusmetersCh:
		return m.handleWmbusmeters(ctx, res, ok)
	default:
	}
	select {
	case res, ok := <-m.heaterCh:
		return m.handleHeater(res, ok)
	default:
	}
	select {
	case <-ctx.Done():
		return nil
	default:
	}

	select {
	case res, ok := <-m.externalMasterCh:
		return m.handleExternalMaster(ctx, res, ok)
	case res, ok := <-m.wmbusmetersCh:
		return m.handleWmbusmeters(ctx, res, ok)
	case res, ok := <-m.heaterCh:
		return m.handleHeater(res, ok)
	case <-ctx.Done():
		m.logger.Debug("cancellation received, shutting down")
		return nil
	}
}

// handleExternalMaster and its two siblings below absorb the channel-
// closed case before dispatching to the policy methods. Once a framed
// stream's channel closes (its terminal error was already delivered
// and handled on a prior Step), the corresponding field is set to nil
// so a future select on it blocks forever instead of spinning on a
// closed channel's zero value — the Go equivalent of a Rust stream
// arm that stops matching once the stream ends.
func (m *Multiplexer) handleExternalMaster(ctx context.Context, res mbus.Result, ok bool) error {
	if !ok {
		m.externalMasterCh = nil
		return nil
	}
	return m.onExternalMaster(ctx, res)
}

func (m *Multiplexer) handleWmbusmeters(ctx context.Context, res mbus.Result, ok bool) error {
	if !ok {
		m.wmbusmetersCh = nil
		return nil
	}
	return m.onWmbusmeters(ctx, res)
}

func (m *Multiplexer) handleHeater(res mbus.Result, ok bool) error {
	if !ok {
		m.heaterCh = nil
		return nil
	}
	return m.onHeater(res)
}

func (m *Multiplexer) onExternalMaster(ctx context.Context, res mbus.Result) error {
	if res.Err != nil {
		return m.streamError("external_master", res.Err)
	}
	frame := res.Frame
	m.metrics.FrameReceived("external_master", frame.Kind)
	m.logger.Debug("received frame", zap.String("port", "external_master"), zap.Stringer("frame", frame))

	if !frame.HasAddress() {
		m.logger.Warn("unexpected frame from external_master", zap.Stringer("frame", frame))
		return nil
	}

	switch {
	case frame.Kind == mbus.Short && frame.Control == SndNke && m.cfg.Addresses.isBroadcast(frame.Address):
		return m.ack(m.externalMaster, "external_master")
	case frame.Address == m.cfg.Addresses.HeaterAddr:
		return m.forward(ctx, frame, frame, m.externalMaster, "external_master")
	default:
		m.logger.Warn("frame from external_master for unknown slave", zap.Stringer("frame", frame))
		return nil
	}
}

func (m *Multiplexer) onWmbusmeters(ctx context.Context, res mbus.Result) error {
	if res.Err != nil {
		return m.streamError("wmbusmeters", res.Err)
	}
	frame := res.Frame
	m.metrics.FrameReceived("wmbusmeters", frame.Kind)
	m.logger.Debug("received frame", zap.String("port", "wmbusmeters"), zap.Stringer("frame", frame))

	if !frame.HasAddress() {
		m.logger.Warn("unexpected frame from wmbusmeters", zap.Stringer("frame", frame))
		return nil
	}

	proxyAddr := m.cfg.Addresses.WmbusProxyAddr
	switch {
	case frame.Kind == mbus.Short && frame.Control == SndNke && (frame.Address == 0x00 || frame.Address == proxyAddr):
		return m.ack(m.wmbusmeters, "wmbusmeters")
	case frame.Kind == mbus.Long && frame.Control == SndUd && frame.Address == proxyAddr && bytes.Equal(frame.Data, WmbusInitChallenge):
		m.logger.Debug("acknowledging wmbusmeters init challenge locally")
		return m.ack(m.wmbusmeters, "wmbusmeters")
	case frame.Kind == mbus.Short && frame.Address == proxyAddr:
		rewritten := mbus.NewShort(frame.Control, m.cfg.Addresses.HeaterAddr)
		return m.forward(ctx, rewritten, frame, m.wmbusmeters, "wmbusmeters")
	default:
		m.logger.Warn("unexpected frame from wmbusmeters", zap.Stringer("frame", frame))
		return nil
	}
}

func (m *Multiplexer) onHeater(res mbus.Result) error {
	if res.Err != nil {
		return m.streamError("heater", res.Err)
	}
	// The heater is a slave: it must never speak unsolicited. Any
	// frame arriving here was not awaited by a forward() call (which
	// consumes the heater's channel synchronously), so it's spurious.
	m.logger.Error("unexpected unsolicited frame from heater", zap.Stringer("frame", res.Frame))
	return nil
}

func (m *Multiplexer) ack(origin *mbus.FramedStream, name string) error {
	if err := origin.SendFrame(mbus.NewSingle()); err != nil {
		return fmt.Errorf("%s: write ack: %w", name, err)
	}
	return nil
}

// forward sends request to the heater, then awaits the heater's reply
// within the configured response timeout and relays it (unless
// suppressed by cancellation) to origin. originalRequest is the frame
// as received from origin, used only for logging when it differs from
// request (address-rewritten forwards from wmbusmeters).
func (m *Multiplexer) forward(ctx context.Context, request, originalRequest mbus.Frame, origin *mbus.FramedStream, originName string) error {
	m.logger.Debug("forwarding to heater",
		zap.String("origin", originName),
		zap.Stringer("original", originalRequest),
		zap.Stringer("forwarded", request))

	if err := m.heater.SendFrame(request); err != nil {
		return fmt.Errorf("forward to heater: %w", err)
	}
	m.metrics.RequestForwarded()
	start := time.Now()

	select {
	case res, ok := <-m.heaterCh:
		if !ok {
			m.heaterCh = nil
			return fmt.Errorf("heater: %w", io.EOF)
		}
		if res.Err != nil {
			return m.streamError("heater", res.Err)
		}
		m.metrics.HeaterReplyLatency(time.Since(start))
		reply := res.Frame
		if m.cfg.RewriteReplies && origin == m.wmbusmeters && reply.HasAddress() {
			reply = rewriteAddress(reply, m.cfg.Addresses.WmbusProxyAddr)
		}
		if err := origin.SendFrame(reply); err != nil {
			return fmt.Errorf("%s: write reply: %w", originName, err)
		}
		return nil
	case <-time.After(m.cfg.ResponseTimeout):
		m.metrics.ResponseTimeout()
		m.logger.Warn("heater response timeout", zap.Duration("timeout", m.cfg.ResponseTimeout))
		return ErrResponseTimeout
	case <-ctx.Done():
		m.logger.Debug("cancelled while awaiting heater reply")
		return nil
	}
}

func rewriteAddress(f mbus.Frame, addr byte) mbus.Frame {
	f.Address = addr
	return f
}

// streamError classifies a stream's terminal error and wraps it for
// return from Step: end of stream and transport errors are returned
// wrapped as such; a parse error is counted, logged and returned
// wrapped as a protocol error. A FramedStream.Frames channel delivers
// one terminal error and is then closed, so a later Step finds it
// closed and stops selecting on it. The supervisor decides which of
// the returned errors are fatal (protocol errors are not).
func (m *Multiplexer) streamError(port string, err error) error {
	if err == io.EOF {
		return fmt.Errorf("%s: end of stream: %w", port, err)
	}
	var pe *mbus.ParseError
	if asParseError(err, &pe) {
		m.metrics.ProtocolError(port)
		m.logger.Error("protocol error", zap.String("port", port), zap.Error(err))
		return fmt.Errorf("%s: protocol error: %w", port, err)
	}
	return fmt.Errorf("%s: transport error: %w", port, err)
}

func asParseError(err error, target **mbus.ParseError) bool {
	pe, ok := err.(*mbus.ParseError)
	if ok {
		*target = pe
	}
	return ok
}
