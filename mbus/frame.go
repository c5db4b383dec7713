// Package mbus implements the byte-accurate link-layer codec for the
// M-Bus (EN 13757-3) serial field protocol: the four frame shapes, their
// checksum, a streaming parser and a framed-stream adapter over a byte
// transport.
package mbus

import "fmt"

// Kind discriminates which fields of a Frame are meaningful.
type Kind byte

const (
	// Single denotes a one-byte acknowledgement frame. It carries no
	// fields.
	Single Kind = iota
	// Short carries Control and Address.
	Short
	// Control carries Control, Address and ControlInformation, and no
	// data (it is a Long-shaped frame whose length field is exactly 3).
	Control
	// Long carries Control, Address, ControlInformation and Data.
	Long
)

func (k Kind) String() string {
	switch k {
	case Single:
		return "Single"
	case Short:
		return "Short"
	case Control:
		return "Control"
	case Long:
		return "Long"
	default:
		return fmt.Sprintf("Kind(%d)", byte(k))
	}
}

// Frame is a value object representing exactly one of the four M-Bus
// link-layer frame shapes. The zero Frame is a valid Single frame.
type Frame struct {
	Kind                Kind
	Control             byte
	Address             byte
	ControlInformation  byte
	Data                []byte
}

// NewSingle builds an ACK frame.
func NewSingle() Frame {
	return Frame{Kind: Single}
}

// NewShort builds a Short frame.
func NewShort(control, address byte) Frame {
	return Frame{Kind: Short, Control: control, Address: address}
}

// NewControl builds a Control frame.
func NewControl(control, address, ci byte) Frame {
	return Frame{Kind: Control, Control: control, Address: address, ControlInformation: ci}
}

// NewLong builds a Long frame. It panics if len(data) > 252, which the
// wire format's 8-bit length field cannot express (3 header bytes plus
// data must fit in one byte); a caller passing more is a programmer
// error, not a runtime condition to recover from.
func NewLong(control, address, ci byte, data []byte) Frame {
	if len(data) > 252 {
		panic(fmt.Sprintf("mbus: long frame data length %d exceeds 252", len(data)))
	}
	return Frame{Kind: Long, Control: control, Address: address, ControlInformation: ci, Data: data}
}

// Equal reports whether two frames are structurally identical.
func (f Frame) Equal(o Frame) bool {
	if f.Kind != o.Kind {
		return false
	}
	switch f.Kind {
	case Single:
		return true
	case Short:
		return f.Control == o.Control && f.Address == o.Address
	case Control:
		return f.Control == o.Control && f.Address == o.Address && f.ControlInformation == o.ControlInformation
	case Long:
		if f.Control != o.Control || f.Address != o.Address || f.ControlInformation != o.ControlInformation {
			return false
		}
		if len(f.Data) != len(o.Data) {
			return false
		}
		for i := range f.Data {
			if f.Data[i] != o.Data[i] {
				return false
			}
		}
		return true
	}
	return false
}

// HasAddress reports whether the frame carries Control/Address fields
// (Single does not).
func (f Frame) HasAddress() bool {
	return f.Kind != Single
}

func (f Frame) String() string {
	switch f.Kind {
	case Single:
		return "Single{}"
	case Short:
		return fmt.Sprintf("Short{control=%#02x, address=%#02x}", f.Control, f.Address)
	case Control:
		return fmt.Sprintf("Control{control=%#02x, address=%#02x, ci=%#02x}", f.Control, f.Address, f.ControlInformation)
	case Long:
		return fmt.Sprintf("Long{control=%#02x, address=%#02x, ci=%#02x, data=%#v}", f.Control, f.Address, f.ControlInformation, f.Data)
	default:
		return "Frame(invalid)"
	}
}
