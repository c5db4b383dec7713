package mbus

import "io"

// Bytes serializes f into its exact wire representation. It panics if
// f is a Long frame with more than 252 bytes of data (see NewLong); any
// Frame built through the New* constructors is always safe to
// serialize.
func (f Frame) Bytes() []byte {
	switch f.Kind {
	case Single:
		return []byte{startSingle}
	case Short:
		return []byte{startShort, f.Control, f.Address, checksum(f.Control, f.Address), frameEnd}
	case Control:
		cs := checksum(f.Control, f.Address, f.ControlInformation)
		return []byte{startLong, 3, 3, startLong, f.Control, f.Address, f.ControlInformation, cs, frameEnd}
	case Long:
		if len(f.Data) > 252 {
			panic("mbus: long frame data length exceeds 252")
		}
		length := byte(len(f.Data) + 3)
		out := make([]byte, 0, 4+int(length)+2)
		out = append(out, startLong, length, length, startLong, f.Control, f.Address, f.ControlInformation)
		out = append(out, f.Data...)
		cs := checksum(f.Control, f.Address, f.ControlInformation) + checksumSlice(f.Data)
		out = append(out, cs, frameEnd)
		return out
	default:
		panic("mbus: invalid frame kind")
	}
}

// WriteTo writes f's wire representation to w, implementing
// io.WriterTo. It's the streaming counterpart to Bytes, used by
// FramedStream.SendFrame so a single frame write is one io.Writer call.
func (f Frame) WriteTo(w io.Writer) (int64, error) {
	b := f.Bytes()
	n, err := w.Write(b)
	return int64(n), err
}
