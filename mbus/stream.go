package mbus

import (
	"context"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"
)

// ErrClosed is not returned by FramedStream itself: after Close (or
// context cancellation, see FramedStream.Frames), NextFrame and
// SendFrame return whatever error the closed transport reports.
var ErrClosed = errors.New("mbus: stream closed")

// FramedStream adapts a raw byte transport into a producer/consumer of
// whole Frames. It owns a read buffer and remembers the minimum buffer
// length below which a decode attempt is guaranteed to be incomplete,
// so repeated partial reads don't cause repeated full re-parses.
type FramedStream struct {
	name   string
	rw     io.ReadWriteCloser
	logger *zap.Logger

	readMu sync.Mutex
	buf    []byte
	needed int

	writeMu sync.Mutex
}

// NewFramedStream wraps rw. name is used only for logging (it typically
// identifies which of the gateway's three serial ports this is).
func NewFramedStream(name string, rw io.ReadWriteCloser, logger *zap.Logger) *FramedStream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FramedStream{name: name, rw: rw, logger: logger}
}

// Name returns the stream's identifying name.
func (s *FramedStream) Name() string {
	return s.name
}

// Close closes the underlying transport, unblocking any in-progress
// Read and causing subsequent NextFrame/SendFrame calls to fail.
func (s *FramedStream) Close() error {
	return s.rw.Close()
}

// NextFrame awaits until one complete frame can be decoded from the
// read buffer, or the transport reports an error or EOF. It is not
// safe to call NextFrame from more than one goroutine concurrently;
// each FramedStream is intended to be read by exactly one goroutine
// (see Frames).
func (s *FramedStream) NextFrame() (Frame, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	for {
		if len(s.buf) >= s.needed {
			n, frame, err := Parse(s.buf)
			if err == nil {
				s.buf = s.buf[n:]
				s.needed = 0
				s.logger.Debug("decoded frame", zap.String("stream", s.name), zap.Stringer("frame", frame))
				return frame, nil
			}
			if need, ok := IsIncomplete(err); ok {
				if need.Known {
					s.needed = need.Size
				} else {
					s.needed = len(s.buf) + 1
				}
			} else {
				s.logger.Warn("protocol error", zap.String("stream", s.name), zap.Error(err))
				return Frame{}, err
			}
		}

		chunk := make([]byte, 256)
		n, err := s.rw.Read(chunk)
		if n > 0 {
			s.buf = append(s.buf, chunk[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(s.buf) == 0 {
				return Frame{}, io.EOF
			}
			return Frame{}, err
		}
	}
}

// SendFrame serializes f and writes it to the transport. The write is
// treated as atomic at the frame boundary.
func (s *FramedStream) SendFrame(f Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.logger.Debug("sending frame", zap.String("stream", s.name), zap.Stringer("frame", f))
	_, err := f.WriteTo(s.rw)
	return err
}

// Result is one decoded frame or the error that ended decoding,
// published on the channel returned by Frames.
type Result struct {
	Frame Frame
	Err   error
}

// Frames starts a background goroutine that repeatedly calls NextFrame
// and publishes the outcome on the returned channel, which is closed
// once NextFrame returns a non-nil error. Closing ctx (or calling
// Close) stops the goroutine by causing the underlying Read to fail;
// Frames itself does not interrupt a blocked Read, since most byte
// transports (including serial ports) have no context-aware Read.
func (s *FramedStream) Frames(ctx context.Context) <-chan Result {
	out := make(chan Result)
	go func() {
		<-ctx.Done()
		s.Close()
	}()
	go func() {
		defer close(out)
		for {
			frame, err := s.NextFrame()
			out <- Result{Frame: frame, Err: err}
			if err != nil {
				return
			}
		}
	}()
	return out
}
