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

var errNotRegularFile = errors.New("not a regular file")

// serveRead sends the requested file to the peer one block at a time.
func (s *session) serveRead() error {
	if !s.mode.allowsRead() {
		return s.reject(tftpwire.ErrCodeIllegalOperation, "reads are disabled on this server")
	}

	path, err := sandbox.Resolve(s.readRoot, s.req.Filename, false)
	if err != nil {
		if errors.Is(err, sandbox.ErrPathEscape) {
			return s.reject(tftpwire.ErrCodeFileNotFound, "file not found")
		}
		code := fileErrorCode(err)
		s.log.Debug("cannot resolve read path", internal.Fields{
			internal.FieldFile:  s.req.Filename,
			internal.FieldError: err.Error(),
		})
		return s.reject(code, code.String())
	}

	file, err := openFileForRead(path)
	if err != nil {
		code := fileErrorCode(err)
		msg := code.String()
		if errors.Is(err, errNotRegularFile) {
			code, msg = tftpwire.ErrCodeFileNotFound, "file not found"
		}
		return s.reject(code, msg)
	}
	defer file.Close()

	src := tftpwire.ModeReader(file, s.req.Mode)
	defer src.Close()

	buf := make([]byte, tftpwire.BlockSize)
	s.block = 1
	for {
		n, err := io.ReadFull(src, buf)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			s.sendError(tftpwire.ErrCodeUndefined, "read failed")
			return fmt.Errorf("read %s: %w", path, err)
		}

		if err := s.send(&tftpwire.Data{Block: s.block, Payload: buf[:n]}); err != nil {
			return err
		}
		s.metrics.ObserveSend(n, false)

		if err := s.await(s.expectAck); err != nil {
			return err
		}
		if n < tftpwire.BlockSize {
			return nil
		}
		s.block++
	}
}

// expectAck accepts the ACK for the block in flight. A stale ACK is ignored
// without resending; the timeout recovers a genuinely lost ACK.
func (s *session) expectAck(pkt tftpwire.Packet) (bool, error) {
	ack, ok := pkt.(*tftpwire.Ack)
	if !ok {
		return false, s.violation(pkt, "ACK")
	}
	if ack.Block == s.block {
		return true, nil
	}
	s.log.Debug("ignoring stale ack", internal.Fields{
		internal.FieldBlock: ack.Block,
		"expected":          s.block,
	})
	return false, nil
}

func openFileForRead(path string) (*os.File, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if !info.Mode().IsRegular() {
		file.Close()
		return nil, fmt.Errorf("%w: %s", errNotRegularFile, path)
	}
	return file, nil
}
