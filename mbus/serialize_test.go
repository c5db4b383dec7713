package mbus_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mbusgw/mbus-proxy/mbus"
)

func TestSerializeSingle(t *testing.T) {
	assert.Equal(t, []byte{0xE5}, mbus.NewSingle().Bytes())
}

func TestSerializeShort(t *testing.T) {
	assert.Equal(t, []byte{0x10, 0x7B, 0x49, 0xC4, 0x16}, mbus.NewShort(0x7B, 0x49).Bytes())
}

func TestSerializeControl(t *testing.T) {
	assert.Equal(t, []byte{0x68, 0x03, 0x03, 0x68, 0x53, 0xFE, 0xBD, 0x0E, 0x16}, mbus.NewControl(0x53, 0xFE, 0xBD).Bytes())
}

func TestSerializeLong(t *testing.T) {
	got := mbus.NewLong(0x53, 0xFE, 0x51, []byte{0x01, 0x7A, 0x08}).Bytes()
	want := []byte{0x68, 0x06, 0x06, 0x68, 0x53, 0xFE, 0x51, 0x01, 0x7A, 0x08, 0x25, 0x16}
	assert.Equal(t, want, got)
}

func TestSerializeLongPanicsOnOversizedData(t *testing.T) {
	defer func() {
		assert.NotNil(t, recover())
	}()
	mbus.NewLong(0, 0, 0, make([]byte, 253))
}

func TestWriteTo(t *testing.T) {
	var buf bytes.Buffer
	f := mbus.NewLong(0x53, 0xFE, 0x51, []byte{0x01, 0x7A, 0x08})
	n, err := f.WriteTo(&buf)
	assert.NoError(t, err)
	assert.Equal(t, int64(12), n)
	assert.Equal(t, f.Bytes(), buf.Bytes())
}
