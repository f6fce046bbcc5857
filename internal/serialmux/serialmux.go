// Package serialmux multiplexes a line-oriented serial device, such as a
// touch-array controller, to several subscribers and serialises commands
// written back to it.
package serialmux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"tailscale.com/tsweb"

	"github.com/banshee-data/presence.field/internal/httputil"
	"github.com/banshee-data/presence.field/internal/monitoring"
)

var ErrWriteFailed = errors.New("failed to write to serial port")

// subscriberBuffer is the per-subscriber line buffer. A subscriber that falls
// further behind loses lines rather than stalling the port reader.
const subscriberBuffer = 64

// SerialMux fans lines read from port out to subscribers.
type SerialMux[T SerialPorter] struct {
	port         T
	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      atomic.Bool

	lines   atomic.Uint64
	dropped atomic.Uint64
	kinds   sync.Map // LineKind -> *atomic.Uint64
}

// Stats summarises traffic through the multiplexer.
type Stats struct {
	Lines       uint64            `json:"lines"`
	Dropped     uint64            `json:"dropped"`
	Subscribers int               `json:"subscribers"`
	ByKind      map[string]uint64 `json:"by_kind"`
}

func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		subscribers: make(map[string]chan string),
	}
}

// Subscribe creates a buffered channel of lines. The returned id is used to
// unsubscribe.
func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := uuid.NewString()
	ch := make(chan string, subscriberBuffer)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Initialize sends the controller's start-up commands in order.
func (s *SerialMux[T]) Initialize(commands ...string) error {
	for _, command := range commands {
		if err := s.SendCommand(command); err != nil {
			return fmt.Errorf("failed to send start command %q: %w", command, err)
		}
	}
	return nil
}

// SendCommand writes one newline-terminated command to the port.
func (s *SerialMux[T]) SendCommand(command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor reads lines until ctx is done, the port reaches EOF or a read
// fails. Each line goes to every subscriber that has room for it.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(s.port)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// The blocking scan runs on its own goroutine so cancellation is observed
	// promptly.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return err

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return err
				default:
					return nil
				}
			}
			if s.closing.Load() {
				return nil
			}
			s.dispatch(line)
		}
	}
}

func (s *SerialMux[T]) dispatch(line string) {
	s.lines.Add(1)
	kind := ClassifyLine(line)
	c, _ := s.kinds.LoadOrStore(kind, new(atomic.Uint64))
	c.(*atomic.Uint64).Add(1)
	if kind == LineStatus {
		monitoring.Logf("[serial] %s", strings.TrimSpace(strings.TrimPrefix(line, "#")))
	}

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- line:
		default:
			s.dropped.Add(1)
		}
	}
}

// Stats returns a snapshot of line counters.
func (s *SerialMux[T]) Stats() Stats {
	st := Stats{
		Lines:   s.lines.Load(),
		Dropped: s.dropped.Load(),
		ByKind:  map[string]uint64{},
	}
	s.kinds.Range(func(k, v any) bool {
		st.ByKind[string(k.(LineKind))] = v.(*atomic.Uint64).Load()
		return true
	})
	s.subscriberMu.Lock()
	st.Subscribers = len(s.subscribers)
	s.subscriberMu.Unlock()
	return st
}

// Close closes every subscription and then the port.
func (s *SerialMux[T]) Close() error {
	s.closing.Store(true)

	s.subscriberMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subscriberMu.Unlock()
	return s.port.Close()
}

// AttachAdminRoutes mounts serial debugging endpoints under /debug/serial-*.
// tsweb restricts them to localhost and the tailnet.
func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.Handle("serial-stats", "Serial line counters (JSON)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, s.Stats())
	}))

	debug.HandleSilentFunc("serial-command", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w, http.MethodPost)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			httputil.BadRequest(w, "missing command")
			return
		}
		if err := s.SendCommand(command); err != nil {
			httputil.InternalServerError(w, "failed to write command")
			return
		}
		httputil.WriteJSONOK(w, map[string]string{"sent": command})
	})

	// Server-sent events of every line read from the port.
	debug.HandleSilentFunc("serial-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w, http.MethodGet)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			httputil.InternalServerError(w, "streaming unsupported")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		fmt.Fprint(w, ": ping\n\n")
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
