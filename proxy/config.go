// Package proxy implements the M-Bus multiplexer: the protocol state
// machine that answers link-layer handshakes locally, forwards
// data-exchange frames to the heater while translating addresses
// between the external-master and wmbusmeters address spaces, and
// enforces a single-outstanding-request discipline with a response
// timeout.
package proxy

import "time"

// Link-layer control-field values the multiplexer recognizes.
const (
	SndNke = 0x40 // link reset / normalise request
	SndUd  = 0x73 // send user data, master to slave
	ReqUd2 = 0x7B // request for user data, class 2
)

// WmbusInitChallenge is the fixed configuration-challenge payload
// wmbusmeters sends once at startup, which the proxy acknowledges
// locally without involving the heater.
var WmbusInitChallenge = []byte{0x87, 0x93, 0x27, 0x68, 0xFF, 0xFF, 0xFF, 0xFF}

// Addresses holds the address-space constants that let the proxy
// translate between the external master's and wmbusmeters' views of
// the bus. Deployed values are configuration, not protocol constants;
// DefaultAddresses returns the values observed in the field.
type Addresses struct {
	// HeaterAddr is the heater's real address on the downstream bus.
	HeaterAddr byte
	// WmbusProxyAddr is the address wmbusmeters uses to address the
	// heater through this proxy; Short frames targeting it are
	// rewritten to HeaterAddr before being forwarded.
	WmbusProxyAddr byte
	// BroadcastAddrs are addresses the proxy answers SND_NKE for on
	// the heater's behalf.
	BroadcastAddrs []byte
}

// DefaultAddresses returns the deployed address-space defaults.
func DefaultAddresses() Addresses {
	return Addresses{
		HeaterAddr:     0x9A,
		WmbusProxyAddr: 0xFD,
		BroadcastAddrs: []byte{0x00, 0xFF},
	}
}

func (a Addresses) isBroadcast(addr byte) bool {
	for _, b := range a.BroadcastAddrs {
		if b == addr {
			return true
		}
	}
	return false
}

// Config configures a Multiplexer.
type Config struct {
	Addresses Addresses
	// ResponseTimeout bounds how long the multiplexer waits for the
	// heater's reply to a forwarded request. The spec's deployed
	// default is 2s (an earlier variant used 50ms).
	ResponseTimeout time.Duration
	// RewriteReplies controls the address-rewriting asymmetry flagged
	// as an open question in the spec: when true, a heater reply to a
	// wmbusmeters-originated request has its address rewritten back to
	// WmbusProxyAddr before being forwarded. The deployed default
	// (false) forwards the reply unchanged.
	RewriteReplies bool
}

// DefaultConfig returns the deployed configuration defaults.
func DefaultConfig() Config {
	return Config{
		Addresses:       DefaultAddresses(),
		ResponseTimeout: 2 * time.Second,
	}
}
