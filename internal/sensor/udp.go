package sensor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/banshee-data/presence.field/internal/monitoring"
)

// UDPSource receives one JSON RawSample per datagram.
type UDPSource struct {
	address     string
	rcvBuf      int
	logInterval time.Duration
	sink        Ingester

	conn     atomic.Pointer[net.UDPConn]
	received atomic.Uint64
	bad      atomic.Uint64
}

// UDPSourceConfig contains configuration options for the UDP source.
type UDPSourceConfig struct {
	Address     string
	RcvBuf      int
	LogInterval time.Duration
	Sink        Ingester
}

// NewUDPSource creates a UDP source with the provided configuration.
func NewUDPSource(cfg UDPSourceConfig) *UDPSource {
	logInterval := cfg.LogInterval
	if logInterval == 0 {
		logInterval = time.Minute
	}
	rcvBuf := cfg.RcvBuf
	if rcvBuf == 0 {
		rcvBuf = 1 << 20
	}
	return &UDPSource{
		address:     cfg.Address,
		rcvBuf:      rcvBuf,
		logInterval: logInterval,
		sink:        cfg.Sink,
	}
}

// Addr returns the bound local address once Start has begun listening.
func (s *UDPSource) Addr() net.Addr {
	if c := s.conn.Load(); c != nil {
		return c.LocalAddr()
	}
	return nil
}

// Start listens until ctx is cancelled. A read error other than the
// shutdown-induced close ends the source; the sensors it fed go silent and
// the health monitor marks them lost.
func (s *UDPSource) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	s.conn.Store(conn)
	defer conn.Close()

	if err := conn.SetReadBuffer(s.rcvBuf); err != nil {
		monitoring.Logf("[udp] warning: failed to set receive buffer to %d: %v", s.rcvBuf, err)
	}
	monitoring.Logf("[udp] sensor source listening on %s", conn.LocalAddr())

	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go s.logStats(ctx)

	buf := make([]byte, 64*1024)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				monitoring.Logf("[udp] sensor source stopping")
				return nil
			}
			return fmt.Errorf("udp read: %w", err)
		}
		s.received.Add(1)
		if err := s.sink.IngestJSON(append([]byte(nil), buf[:n]...)); err != nil {
			s.bad.Add(1)
		}
	}
}

func (s *UDPSource) logStats(ctx context.Context) {
	t := time.NewTicker(s.logInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			monitoring.Logf("[udp] datagrams=%d rejected=%d", s.received.Load(), s.bad.Load())
		}
	}
}

// Received returns the number of datagrams read.
func (s *UDPSource) Received() uint64 { return s.received.Load() }
