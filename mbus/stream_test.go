package mbus_test

import (
	"io"

	"github.com/mbusgw/mbus-proxy/mbus"
)

// chunkReader is an io.ReadWriteCloser backed by a fixed byte slice,
// returning at most chunkSize bytes per Read (0 means "as much as the
// caller's buffer allows"), used to exercise FramedStream's buffering
// against transports that deliver data in arbitrary-sized pieces.
type chunkReader struct {
	data      []byte
	pos       int
	chunkSize int
	written   []byte
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := len(p)
	if r.chunkSize > 0 && r.chunkSize < n {
		n = r.chunkSize
	}
	if remaining := len(r.data) - r.pos; n > remaining {
		n = remaining
	}
	copy(p, r.data[r.pos:r.pos+n])
	r.pos += n
	return n, nil
}

func (r *chunkReader) Write(p []byte) (int, error) {
	r.written = append(r.written, p...)
	return len(p), nil
}

func (r *chunkReader) Close() error { return nil }

func decodeAll(data []byte, chunkSize int) ([]mbus.Frame, error) {
	rw := &chunkReader{data: data, chunkSize: chunkSize}
	stream := mbus.NewFramedStream("test", rw, nil)
	var frames []mbus.Frame
	for {
		f, err := stream.NextFrame()
		if err != nil {
			if err == io.EOF {
				return frames, nil
			}
			return frames, err
		}
		frames = append(frames, f)
	}
}
