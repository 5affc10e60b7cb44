package collector

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// MaxTCPFrameBytes bounds a single octet-counted syslog-TCP frame.
const MaxTCPFrameBytes = 64 * 1024

// SyslogTCPCollector binds a stream socket and enforces octet-counted
// framing (RFC 6587): "<decimal-length> SP <message-bytes>".
type SyslogTCPCollector struct {
	bindAddr     string
	buf          *Buffer
	log          *zap.Logger
	maxConns     int
	idleTimeout  time.Duration
	sem          chan struct{}
	onCollected  func(source string)
	onDropped    func(source, reason string)
	onConnChange func(delta int)
}

func NewSyslogTCPCollector(
	bindAddr string,
	buf *Buffer,
	log *zap.Logger,
	maxConns int,
	idleTimeout time.Duration,
	onCollected func(string),
	onDropped func(source, reason string),
	onConnChange func(delta int),
) *SyslogTCPCollector {
	if maxConns < 1 {
		maxConns = 1
	}
	return &SyslogTCPCollector{
		bindAddr:     bindAddr,
		buf:          buf,
		log:          log,
		maxConns:     maxConns,
		idleTimeout:  idleTimeout,
		sem:          make(chan struct{}, maxConns),
		onCollected:  onCollected,
		onDropped:    onDropped,
		onConnChange: onConnChange,
	}
}

// Run accepts connections until ctx is cancelled.
func (c *SyslogTCPCollector) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", c.bindAddr)
	if err != nil {
		return err
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn("syslog-tcp collector: accept error", zap.Error(err))
			continue
		}

		select {
		case c.sem <- struct{}{}:
			go c.handle(ctx, conn)
		default:
			// Connection concurrency cap reached; reject immediately.
			_ = conn.Close()
			if c.onDropped != nil {
				c.onDropped("syslog_tcp", "connection_limit")
			}
		}
	}
}

func (c *SyslogTCPCollector) handle(ctx context.Context, conn net.Conn) {
	defer func() {
		<-c.sem
		_ = conn.Close()
	}()
	if c.onConnChange != nil {
		c.onConnChange(1)
		defer c.onConnChange(-1)
	}

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	r := bufio.NewReaderSize(conn, MaxTCPFrameBytes+32)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
		length, err := readFrameLength(r)
		if err != nil {
			return
		}
		if length > MaxTCPFrameBytes {
			if c.onDropped != nil {
				c.onDropped("syslog_tcp", "oversize_frame")
			}
			return
		}

		payload := make([]byte, length)
		if _, err := readFullWithDeadline(conn, r, payload, c.idleTimeout); err != nil {
			if c.onDropped != nil {
				c.onDropped("syslog_tcp", "frame_error")
			}
			return
		}

		rl, err := NewRawLog("syslog_tcp", payload)
		if err != nil {
			if c.onDropped != nil {
				c.onDropped("syslog_tcp", "oversize_frame")
			}
			return
		}
		c.buf.Push(rl)
		if c.onCollected != nil {
			c.onCollected("syslog_tcp")
		}
	}
}

// readFrameLength reads the decimal length prefix and its terminating
// space, per RFC 6587 octet-counted framing. A malformed prefix closes
// the connection (§4.2: "a malformed frame closes the connection").
func readFrameLength(r *bufio.Reader) (int, error) {
	var digits []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		if b == ' ' {
			break
		}
		if b < '0' || b > '9' || len(digits) > 10 {
			return 0, fmt.Errorf("collector: malformed octet-count prefix")
		}
		digits = append(digits, b)
	}
	if len(digits) == 0 {
		return 0, fmt.Errorf("collector: empty octet-count prefix")
	}
	n, err := strconv.Atoi(string(digits))
	if err != nil {
		return 0, err
	}
	return n, nil
}

func readFullWithDeadline(conn net.Conn, r *bufio.Reader, buf []byte, deadline time.Duration) (int, error) {
	_ = conn.SetReadDeadline(time.Now().Add(deadline))
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
