package telemetry

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type resolveFunc func(network, address string) (*net.UDPAddr, error)
type dialFunc func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)

// UDPSink sends the live CSV line to a fixed destination at most once per Interval.
type UDPSink struct {
	dest     string
	interval time.Duration
	log      *zap.Logger

	mu       sync.Mutex
	conn     udpConn
	lastSent time.Time
	errors   uint64
}

func NewUDPSink(dest string, interval time.Duration, log *zap.Logger) (*UDPSink, error) {
	return newUDPSink(dest, interval, log, net.ResolveUDPAddr, func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		return net.DialUDP(network, laddr, raddr)
	})
}

func newUDPSink(dest string, interval time.Duration, log *zap.Logger, resolve resolveFunc, dial dialFunc) (*UDPSink, error) {
	if log == nil {
		log = zap.NewNop()
	}
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("telemetry: resolve %s: %w", dest, err)
	}
	// DialUDP selects a suitable local address automatically.
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("telemetry: dial udp: %w", err)
	}
	return &UDPSink{dest: dest, interval: interval, log: log, conn: conn}, nil
}

func (u *UDPSink) Publish(f Frame) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.interval > 0 && !u.lastSent.IsZero() && f.At.Sub(u.lastSent) < u.interval {
		return
	}
	u.lastSent = f.At
	u.sendLocked([]byte(f.Line().String() + "\n"))
}

func (u *UDPSink) Event(e Event) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.sendLocked([]byte(fmt.Sprintf("EVT,%s,%s\n", e.Name, e.Detail)))
}

func (u *UDPSink) sendLocked(p []byte) {
	if u.conn == nil || len(p) == 0 {
		return
	}
	if _, err := u.conn.Write(p); err != nil {
		u.errors++
		// Only the first failure and then every 100th are logged.
		if u.errors == 1 || u.errors%100 == 0 {
			u.log.Warn("udp telemetry send failed", zap.String("dest", u.dest), zap.Uint64("errors", u.errors), zap.Error(err))
		}
	}
}

func (u *UDPSink) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return nil
	}
	err := u.conn.Close()
	u.conn = nil
	return err
}
