package mbus_test

import (
	"testing"

	"pgregory.net/rapid"

	"github.com/mbusgw/mbus-proxy/mbus"
)

func genFrame(t *rapid.T) mbus.Frame {
	switch rapid.IntRange(0, 3).Draw(t, "kind") {
	case 0:
		return mbus.NewSingle()
	case 1:
		return mbus.NewShort(
			rapid.Uint8().Draw(t, "control"),
			rapid.Uint8().Draw(t, "address"),
		)
	case 2:
		return mbus.NewControl(
			rapid.Uint8().Draw(t, "control"),
			rapid.Uint8().Draw(t, "address"),
			rapid.Uint8().Draw(t, "ci"),
		)
	default:
		return mbus.NewLong(
			rapid.Uint8().Draw(t, "control"),
			rapid.Uint8().Draw(t, "address"),
			rapid.Uint8().Draw(t, "ci"),
			rapid.SliceOfN(rapid.Uint8(), 0, 252).Draw(t, "data"),
		)
	}
}

// Invariant 1: parse(serialize(f)) == (len(serialize(f)), f).
func TestRoundTripFrameToBytesToFrame(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		f := genFrame(t)
		wire := f.Bytes()

		n, got, err := mbus.Parse(wire)
		if err != nil {
			t.Fatalf("parse(serialize(f)) failed: %v", err)
		}
		if n != len(wire) {
			t.Fatalf("consumed %d, want %d", n, len(wire))
		}
		if !got.Equal(f) {
			t.Fatalf("round trip mismatch: got %v, want %v", got, f)
		}
	})
}

// Invariant 2: if parse(b) = (n, f), then serialize(f) = b[0..n].
func TestRoundTripBytesToFrameToBytes(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		f := genFrame(t)
		wire := f.Bytes()

		n, got, err := mbus.Parse(wire)
		if err != nil {
			t.Fatalf("parse failed: %v", err)
		}
		reEncoded := got.Bytes()
		if len(reEncoded) != n {
			t.Fatalf("re-encoded length %d != consumed %d", len(reEncoded), n)
		}
		for i := range reEncoded {
			if reEncoded[i] != wire[i] {
				t.Fatalf("byte %d mismatch: got %#x want %#x", i, reEncoded[i], wire[i])
			}
		}
	})
}

// Invariant 3: parsing a frame followed by arbitrary trailing bytes
// consumes exactly the frame and yields the same result.
func TestPrefixSafety(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		f := genFrame(t)
		wire := f.Bytes()
		suffix := rapid.SliceOfN(rapid.Uint8(), 0, 16).Draw(t, "suffix")

		withSuffix := append(append([]byte{}, wire...), suffix...)
		n, got, err := mbus.Parse(withSuffix)
		if err != nil {
			t.Fatalf("parse failed: %v", err)
		}
		if n != len(wire) {
			t.Fatalf("consumed %d, want %d", n, len(wire))
		}
		if !got.Equal(f) {
			t.Fatalf("mismatch with suffix present")
		}
	})
}

// Invariant 5: flipping any bit in any non-E5, non-end byte of a
// serialized frame must never produce a different valid Frame.
func TestChecksumSensitivity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		f := genFrame(t)
		if f.Kind == mbus.Single {
			return // single-byte ACK has no checksum to flip
		}
		wire := f.Bytes()

		// The trailing end byte is never flipped; every other byte,
		// including the start, length and second start bytes, is a
		// candidate.
		idx := rapid.IntRange(0, len(wire)-2).Draw(t, "flip index")
		bit := uint(rapid.IntRange(0, 7).Draw(t, "flip bit"))

		flipped := append([]byte{}, wire...)
		flipped[idx] ^= 1 << bit
		if flipped[idx] == wire[idx] {
			return
		}

		_, got, err := mbus.Parse(flipped)
		if err == nil {
			t.Fatalf("bit flip at %d accepted as valid frame %v", idx, got)
		}
	})
}
