package tftpserver

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// Options tunes the UDP sockets opened by the server.
type Options struct {
	// Host is the address the listener and session sockets bind to. Empty
	// means all IPv4 interfaces.
	Host            string
	ReadBufferSize  int
	WriteBufferSize int
}

// listenUDP binds an IPv4 UDP socket. The well-known listener sets
// SO_REUSEADDR so a restarted server can rebind while old sessions drain.
func listenUDP(ctx context.Context, opts Options, port int, reuse bool) (*net.UDPConn, error) {
	lc := net.ListenConfig{}
	if reuse {
		lc.Control = func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		}
	}

	host := opts.Host
	if host == "" {
		host = "0.0.0.0"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	pc, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", addr, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, fmt.Errorf("listen udp %s: unexpected conn type %T", addr, pc)
	}

	if opts.ReadBufferSize > 0 {
		_ = conn.SetReadBuffer(opts.ReadBufferSize)
	}
	if opts.WriteBufferSize > 0 {
		_ = conn.SetWriteBuffer(opts.WriteBufferSize)
	}
	return conn, nil
}
