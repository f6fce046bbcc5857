package serialmux

import (
	"io"
)

// SerialPorter is the minimal port surface the multiplexer needs, so tests
// can run without hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}
