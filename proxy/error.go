package proxy

import "errors"

// ErrResponseTimeout is returned by Step when a request forwarded to
// the heater did not receive a reply within Config.ResponseTimeout.
// The supervisor treats this as recoverable: it logs and continues.
var ErrResponseTimeout = errors.New("proxy: heater response timeout")
