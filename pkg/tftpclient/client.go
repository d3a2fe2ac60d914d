// Package tftpclient is a small RFC 1350 client used by the CLI and tests.
package tftpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/jgoldverg/tftpd/internal"
	"github.com/jgoldverg/tftpd/pkg/tftpwire"
)

const (
	DefaultTimeout    = 2 * time.Second
	DefaultMaxRetries = 5
)

var (
	ErrRetriesExhausted = errors.New("no response from server")
	ErrProtocol         = errors.New("protocol violation")
)

// Client transfers files with a TFTP server. The zero value uses
// DefaultTimeout and DefaultMaxRetries.
type Client struct {
	Timeout    time.Duration
	MaxRetries int
}

// Get downloads remote from server ("host:port") into w and returns the number
// of payload bytes received. An ERROR from the server is returned as a
// *tftpwire.ErrorPacket.
func (c *Client) Get(ctx context.Context, server, remote string, mode tftpwire.TransferMode, w io.Writer) (int64, error) {
	x, err := c.open(ctx, server)
	if err != nil {
		return 0, err
	}
	defer x.close()

	dst := tftpwire.ModeWriter(w, mode)
	defer dst.Close()

	if err := x.send(&tftpwire.Request{Op: tftpwire.OpRRQ, Filename: remote, Mode: mode}); err != nil {
		return 0, err
	}

	var (
		total    int64
		received int
		expected uint16 = 1
		final    bool
	)
	for !final {
		err := x.await(func(pkt tftpwire.Packet) (bool, error) {
			d, ok := pkt.(*tftpwire.Data)
			if !ok {
				return false, x.violation(pkt, "DATA")
			}
			if d.Block != expected {
				if retransmitted(d.Block, expected, received) {
					return false, x.resend()
				}
				return false, nil
			}
			if _, err := dst.Write(d.Payload); err != nil {
				x.abort(tftpwire.ErrCodeUndefined, "local write failed")
				return false, fmt.Errorf("write local: %w", err)
			}
			total += int64(len(d.Payload))
			received++
			final = len(d.Payload) < tftpwire.BlockSize
			return true, nil
		})
		if err != nil {
			return total, err
		}
		if err := x.send(&tftpwire.Ack{Block: expected}); err != nil {
			return total, err
		}
		internal.Trace("block received", internal.Fields{
			internal.FieldBlock: expected,
			internal.FieldBytes: total,
		})
		expected++
	}

	if err := dst.Close(); err != nil {
		return total, fmt.Errorf("flush local: %w", err)
	}
	internal.Debug("download complete", internal.Fields{
		internal.FieldFile:  remote,
		internal.FieldBytes: total,
		internal.FieldPeer:  x.peer.String(),
	})
	return total, nil
}

// retransmitted reports whether block repeats the one before expected,
// meaning our ACK for it was lost. The counter wraps, so the previous block
// of 0 is 65535.
func retransmitted(block, expected uint16, received int) bool {
	return received > 0 && block == expected-1
}

// Put uploads r to server as remote and returns the number of payload bytes
// sent, not counting retransmissions.
func (c *Client) Put(ctx context.Context, server, remote string, mode tftpwire.TransferMode, r io.Reader) (int64, error) {
	x, err := c.open(ctx, server)
	if err != nil {
		return 0, err
	}
	defer x.close()

	src := tftpwire.ModeReader(r, mode)
	defer src.Close()

	if err := x.send(&tftpwire.Request{Op: tftpwire.OpWRQ, Filename: remote, Mode: mode}); err != nil {
		return 0, err
	}

	var block uint16
	expectAck := func(pkt tftpwire.Packet) (bool, error) {
		ack, ok := pkt.(*tftpwire.Ack)
		if !ok {
			return false, x.violation(pkt, "ACK")
		}
		return ack.Block == block, nil
	}
	if err := x.await(expectAck); err != nil {
		return 0, err
	}

	var total int64
	buf := make([]byte, tftpwire.BlockSize)
	for {
		n, err := io.ReadFull(src, buf)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			x.abort(tftpwire.ErrCodeUndefined, "local read failed")
			return total, fmt.Errorf("read local: %w", err)
		}
		block++
		if err := x.send(&tftpwire.Data{Block: block, Payload: buf[:n]}); err != nil {
			return total, err
		}
		if err := x.await(expectAck); err != nil {
			return total, err
		}
		total += int64(n)
		internal.Trace("block acknowledged", internal.Fields{
			internal.FieldBlock: block,
			internal.FieldBytes: n,
		})
		if n < tftpwire.BlockSize {
			break
		}
	}

	internal.Debug("upload complete", internal.Fields{
		internal.FieldFile:  remote,
		internal.FieldBytes: total,
		internal.FieldPeer:  x.peer.String(),
	})
	return total, nil
}

func (c *Client) open(ctx context.Context, server string) (*exchange, error) {
	raddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", server, err)
	}
	ch, err := tftpwire.Listen(":0")
	if err != nil {
		return nil, err
	}

	x := &exchange{
		ctx:        ctx,
		ch:         ch,
		server:     raddr,
		timeout:    c.Timeout,
		maxRetries: c.MaxRetries,
	}
	if x.timeout <= 0 {
		x.timeout = DefaultTimeout
	}
	if x.maxRetries <= 0 {
		x.maxRetries = DefaultMaxRetries
	}
	x.stop = context.AfterFunc(ctx, func() { _ = ch.Close() })
	return x, nil
}

// exchange is the client half of one transfer. The server's TID is learned
// from its first reply.
type exchange struct {
	ctx        context.Context
	ch         *tftpwire.Channel
	server     *net.UDPAddr
	peer       *net.UDPAddr
	last       tftpwire.Packet
	timeout    time.Duration
	maxRetries int
	stop       func() bool
}

func (x *exchange) close() {
	x.stop()
	_ = x.ch.Close()
}

func (x *exchange) dest() *net.UDPAddr {
	if x.peer != nil {
		return x.peer
	}
	return x.server
}

func (x *exchange) send(p tftpwire.Packet) error {
	x.last = p
	return x.transmit(p)
}

func (x *exchange) resend() error {
	return x.transmit(x.last)
}

func (x *exchange) transmit(p tftpwire.Packet) error {
	if err := x.ch.Send(p, x.dest()); err != nil {
		if errors.Is(err, tftpwire.ErrClosed) && x.ctx.Err() != nil {
			return x.ctx.Err()
		}
		return err
	}
	return nil
}

func (x *exchange) abort(code tftpwire.ErrorCode, msg string) {
	_ = x.ch.Send(&tftpwire.ErrorPacket{Code: code, Message: msg}, x.dest())
}

func (x *exchange) violation(pkt tftpwire.Packet, want string) error {
	x.abort(tftpwire.ErrCodeIllegalOperation, "expected "+want)
	return fmt.Errorf("%w: got %s, expected %s", ErrProtocol, pkt.Opcode(), want)
}

func (x *exchange) await(handler func(tftpwire.Packet) (bool, error)) error {
	retries := 0
	for {
		pkt, from, err := x.ch.Receive(x.timeout)
		switch {
		case err == nil:
		case errors.Is(err, tftpwire.ErrTimeout):
			if retries >= x.maxRetries {
				return fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, retries+1)
			}
			retries++
			if err := x.resend(); err != nil {
				return err
			}
			continue
		case errors.Is(err, tftpwire.ErrClosed):
			if x.ctx.Err() != nil {
				return x.ctx.Err()
			}
			return err
		case errors.Is(err, tftpwire.ErrMalformed):
			continue
		default:
			return err
		}

		if x.peer == nil {
			x.peer = from
		} else if !tftpwire.SameTID(from, x.peer) {
			_ = x.ch.Send(&tftpwire.ErrorPacket{Code: tftpwire.ErrCodeUnknownTID, Message: "unknown transfer id"}, from)
			continue
		}
		if ep, ok := pkt.(*tftpwire.ErrorPacket); ok {
			return ep
		}
		done, err := handler(pkt)
		if err != nil || done {
			return err
		}
	}
}
