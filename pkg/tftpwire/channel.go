package tftpwire

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

var (
	ErrTimeout   = errors.New("receive timed out")
	ErrClosed    = errors.New("channel closed")
	ErrMalformed = errors.New("malformed packet")
)

// Channel is a UDP socket speaking TFTP packets. Send and Close may be called
// from any goroutine; Receive must only be called by the owner.
type Channel struct {
	conn      *net.UDPConn
	rx        []byte
	tx        []byte
	txMu      sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func NewChannel(conn *net.UDPConn) *Channel {
	return &Channel{
		conn: conn,
		// One spare byte so oversized datagrams are detected instead of
		// silently truncated to a full block.
		rx: make([]byte, MaxPacketSize+1),
		tx: make([]byte, MaxPacketSize),
	}
}

// Listen binds a channel to addr ("host:port"; port 0 picks an ephemeral port).
func Listen(addr string) (*Channel, error) {
	laddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, err
	}
	return NewChannel(conn), nil
}

func (c *Channel) LocalAddr() *net.UDPAddr {
	addr, _ := c.conn.LocalAddr().(*net.UDPAddr)
	return addr
}

func (c *Channel) Send(p Packet, to *net.UDPAddr) error {
	if to == nil {
		return errors.New("nil destination address")
	}
	c.txMu.Lock()
	defer c.txMu.Unlock()

	buf := c.tx
	if need := p.Len(); need > len(buf) {
		// Only ERROR packets with long messages get here.
		buf = make([]byte, need)
	}
	n, err := p.Encode(buf)
	if err != nil {
		return fmt.Errorf("encode %s: %w", p.Opcode(), err)
	}
	if _, err := c.conn.WriteToUDP(buf[:n], to); err != nil {
		if isClosedNetworkError(err) {
			return ErrClosed
		}
		return fmt.Errorf("write %s: %w", p.Opcode(), err)
	}
	return nil
}

// Receive waits for the next datagram. A timeout <= 0 blocks until a packet
// arrives or the channel is closed. Decode failures return ErrMalformed along
// with the sender so callers can still answer it. The returned packet may
// alias the receive buffer and is only valid until the next call.
func (c *Channel) Receive(timeout time.Duration) (Packet, *net.UDPAddr, error) {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		if isClosedNetworkError(err) {
			return nil, nil, ErrClosed
		}
		return nil, nil, err
	}

	n, addr, err := c.conn.ReadFromUDP(c.rx)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil, ErrTimeout
		}
		if isClosedNetworkError(err) {
			return nil, nil, ErrClosed
		}
		return nil, addr, err
	}
	if n > MaxPacketSize {
		return nil, addr, fmt.Errorf("%w: %d byte datagram", ErrMalformed, n)
	}
	pkt, err := Parse(c.rx[:n])
	if err != nil {
		return nil, addr, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return pkt, addr, nil
}

// Close is idempotent and unblocks a pending Receive.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// SameTID reports whether a and b name the same transfer endpoint.
func SameTID(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

func isClosedNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) {
		return true
	}
	// Fallback for platforms that wrap the error string.
	return strings.Contains(err.Error(), "use of closed network connection")
}
