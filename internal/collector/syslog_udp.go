package collector

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
)

// MaxUDPDatagramBytes bounds a single syslog-UDP datagram (§4.2, §5).
const MaxUDPDatagramBytes = 64 * 1024

// SyslogUDPCollector binds a datagram socket; each datagram is one
// message, size-capped and lossy by transport nature.
type SyslogUDPCollector struct {
	bindAddr    string
	buf         *Buffer
	log         *zap.Logger
	onCollected func(source string)
	onDropped   func(source, reason string)
}

func NewSyslogUDPCollector(bindAddr string, buf *Buffer, log *zap.Logger, onCollected func(string), onDropped func(source, reason string)) *SyslogUDPCollector {
	return &SyslogUDPCollector{bindAddr: bindAddr, buf: buf, log: log, onCollected: onCollected, onDropped: onDropped}
}

// Run binds the socket and reads datagrams until ctx is cancelled.
func (c *SyslogUDPCollector) Run(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", c.bindAddr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	// Over-read by one byte so an exactly-64KiB datagram is distinguishable
	// from a longer one that got truncated by the read buffer.
	readBuf := make([]byte, MaxUDPDatagramBytes+1)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, _, err := conn.ReadFromUDP(readBuf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			c.log.Warn("syslog-udp collector: read error", zap.Error(err))
			continue
		}

		if n > MaxUDPDatagramBytes {
			if c.onDropped != nil {
				c.onDropped("syslog_udp", "oversize_datagram")
			}
			continue
		}

		payload := make([]byte, n)
		copy(payload, readBuf[:n])
		rl, err := NewRawLog("syslog_udp", payload)
		if err != nil {
			if c.onDropped != nil {
				c.onDropped("syslog_udp", "oversize_datagram")
			}
			continue
		}
		c.buf.Push(rl)
		if c.onCollected != nil {
			c.onCollected("syslog_udp")
		}
	}
}
