package tftpserver

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jgoldverg/tftpd/internal"
	"github.com/jgoldverg/tftpd/pkg/sandbox"
	"github.com/jgoldverg/tftpd/pkg/tftpwire"
)

// serveWrite stores the file the peer uploads. The target must not exist.
func (s *session) serveWrite() error {
	if !s.mode.allowsWrite() {
		return s.reject(tftpwire.ErrCodeIllegalOperation, "writes are disabled on this server")
	}

	path, err := sandbox.Resolve(s.writeRoot, s.req.Filename, true)
	if err != nil {
		if errors.Is(err, sandbox.ErrPathEscape) {
			return s.reject(tftpwire.ErrCodeAccessViolation, "access violation")
		}
		return s.reject(fileErrorCode(err), "cannot create directory")
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		code := fileErrorCode(err)
		return s.reject(code, code.String())
	}

	out := &uploadFile{file: file, dst: tftpwire.ModeWriter(file, s.req.Mode)}
	defer out.Close()

	s.block = 0
	if err := s.send(&tftpwire.Ack{Block: 0}); err != nil {
		return err
	}

	var final bool
	receive := func(pkt tftpwire.Packet) (bool, error) {
		switch p := pkt.(type) {
		case *tftpwire.Request:
			// The peer missed ACK(0) and sent its request to our port.
			if p.Op == tftpwire.OpWRQ && s.block == 0 {
				return false, s.resend()
			}
			return false, s.violation(pkt, "DATA")
		case *tftpwire.Data:
			switch {
			case p.Block == s.block+1:
				if _, err := out.Write(p.Payload); err != nil {
					code := fileErrorCode(err)
					s.sendError(code, code.String())
					return false, fmt.Errorf("write %s: %w", path, err)
				}
				s.block++
				s.metrics.ObserveReceive(len(p.Payload), false)
				final = len(p.Payload) < tftpwire.BlockSize
				return true, nil
			case behind(p.Block, s.block):
				s.metrics.ObserveReceive(len(p.Payload), true)
				s.log.Debug("re-acking duplicate block", internal.Fields{
					internal.FieldBlock: p.Block,
				})
				return false, s.resend()
			default:
				s.log.Debug("ignoring block from the future", internal.Fields{
					internal.FieldBlock: p.Block,
					"expected":          s.block + 1,
				})
				return false, nil
			}
		default:
			return false, s.violation(pkt, "DATA")
		}
	}

	for {
		if err := s.await(receive); err != nil {
			return err
		}
		if final {
			// The file is complete on disk before the peer hears about it.
			if err := out.Close(); err != nil {
				code := fileErrorCode(err)
				s.sendError(code, code.String())
				return fmt.Errorf("close %s: %w", path, err)
			}
			if err := s.send(&tftpwire.Ack{Block: s.block}); err != nil {
				return err
			}
			s.linger()
			return nil
		}
		if err := s.send(&tftpwire.Ack{Block: s.block}); err != nil {
			return err
		}
	}
}

// linger re-acknowledges a retransmitted final block in case the last ACK was
// lost. It ends on the first timeout or on anything else from the peer.
func (s *session) linger() {
	for i := 0; i < s.maxRetries; i++ {
		pkt, from, err := s.ch.Receive(s.timeout)
		if err != nil {
			if errors.Is(err, tftpwire.ErrMalformed) && from != nil && !tftpwire.SameTID(from, s.peer) {
				s.unknownTID(from)
				continue
			}
			return
		}
		if !tftpwire.SameTID(from, s.peer) {
			s.unknownTID(from)
			continue
		}
		d, ok := pkt.(*tftpwire.Data)
		if !ok || d.Block != s.block {
			return
		}
		if err := s.resend(); err != nil {
			return
		}
	}
}

// behind reports whether block was already acknowledged, given that last is
// the newest acknowledged block. Block numbers wrap, so "behind" means within
// half the sequence space below last.
func behind(block, last uint16) bool {
	return last-block < 1<<15
}

// uploadFile closes the mode writer before the file so buffered netascii
// output reaches disk. Close is idempotent.
type uploadFile struct {
	file   *os.File
	dst    io.WriteCloser
	closed bool
}

func (u *uploadFile) Write(p []byte) (int, error) {
	return u.dst.Write(p)
}

func (u *uploadFile) Close() error {
	if u.closed {
		return nil
	}
	u.closed = true
	return errors.Join(u.dst.Close(), u.file.Close())
}
