package serialmux

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

// PipePort is an in-memory SerialPorter. Lines fed to it are read by the
// multiplexer and everything written to it is captured.
type PipePort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu         sync.Mutex
	written    bytes.Buffer
	closed     bool
	WriteError error
}

func NewPipePort() *PipePort {
	r, w := io.Pipe()
	return &PipePort{r: r, w: w}
}

// Feed delivers one line to the reader side, blocking until it is read.
func (p *PipePort) Feed(line string) error {
	_, err := io.WriteString(p.w, line+"\n")
	return err
}

// Hangup ends the read stream as a disconnected device would.
func (p *PipePort) Hangup() error { return p.w.Close() }

func (p *PipePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *PipePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("serial port closed")
	}
	if p.WriteError != nil {
		return 0, p.WriteError
	}
	return p.written.Write(b)
}

// Written returns everything written so far.
func (p *PipePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func (p *PipePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.w.Close()
	return p.r.Close()
}
