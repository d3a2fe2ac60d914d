package tftpserver

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jgoldverg/tftpd/internal"
	"github.com/jgoldverg/tftpd/pkg/metrics"
	"github.com/jgoldverg/tftpd/pkg/tftpwire"
)

var (
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrSessionCancelled = errors.New("session cancelled")
	ErrProtocol         = errors.New("protocol violation")

	errRejected = errors.New("request rejected")
)

// session drives one transfer on its own socket. Only the owning goroutine
// touches the protocol state; cancel may be called from anywhere.
type session struct {
	id         uuid.UUID
	req        tftpwire.Request
	peer       *net.UDPAddr
	ch         *tftpwire.Channel
	mode       Mode
	readRoot   string
	writeRoot  string
	maxRetries int
	timeout    time.Duration
	metrics    *metrics.TransferCollector
	release    func(uuid.UUID)
	log        internal.Entry

	block   uint16
	last    tftpwire.Packet
	retries int

	stop     chan struct{}
	stopOnce sync.Once
}

// packetHandler inspects a packet from the peer while a session waits. It
// returns true once the packet it was waiting for has arrived.
type packetHandler func(tftpwire.Packet) (bool, error)

func (s *session) run() {
	defer s.release(s.id)

	direction := metrics.DirectionRead
	if s.req.Op == tftpwire.OpWRQ {
		direction = metrics.DirectionWrite
	}
	s.metrics.SessionStarted(direction)

	start := time.Now()
	var err error
	switch s.req.Op {
	case tftpwire.OpRRQ:
		err = s.serveRead()
	case tftpwire.OpWRQ:
		err = s.serveWrite()
	default:
		err = s.reject(tftpwire.ErrCodeIllegalOperation, "expected RRQ or WRQ")
	}

	outcome := outcomeOf(err)
	s.metrics.SessionFinished(direction, outcome)

	fields := internal.Fields{
		internal.FieldFile:  s.req.Filename,
		internal.FieldBlock: s.block,
		"op":                s.req.Op.String(),
		"outcome":           outcome,
		"elapsed":           time.Since(start).String(),
	}
	if err != nil {
		fields[internal.FieldError] = err.Error()
	}
	switch outcome {
	case metrics.OutcomeCompleted:
		s.log.Info("transfer completed", fields)
	case metrics.OutcomeRejected, metrics.OutcomeCancelled:
		s.log.Info("transfer ended", fields)
	case metrics.OutcomeTimedOut:
		s.log.Warn("transfer timed out", fields)
	default:
		s.log.Error("transfer failed", fields)
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeCompleted
	case errors.Is(err, errRejected):
		return metrics.OutcomeRejected
	case errors.Is(err, ErrSessionCancelled):
		return metrics.OutcomeCancelled
	case errors.Is(err, ErrRetriesExhausted):
		return metrics.OutcomeTimedOut
	default:
		return metrics.OutcomeFailed
	}
}

// cancel is a directed shutdown. Closing the channel unblocks a pending
// receive immediately.
func (s *session) cancel() {
	s.stopOnce.Do(func() {
		close(s.stop)
		_ = s.ch.Close()
	})
}

func (s *session) cancelled() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// duplicates reports whether req from addr is a retransmission of the request
// that started this session.
func (s *session) duplicates(req *tftpwire.Request, addr *net.UDPAddr) bool {
	return tftpwire.SameTID(s.peer, addr) && s.req.Op == req.Op && s.req.Filename == req.Filename
}

func (s *session) send(p tftpwire.Packet) error {
	s.last = p
	return s.transmit(p)
}

func (s *session) resend() error {
	if s.last == nil {
		return nil
	}
	if d, ok := s.last.(*tftpwire.Data); ok {
		s.metrics.ObserveSend(len(d.Payload), true)
	}
	return s.transmit(s.last)
}

func (s *session) transmit(p tftpwire.Packet) error {
	err := s.ch.Send(p, s.peer)
	if err == nil {
		s.log.Trace("sent packet", internal.Fields{
			"op":                p.Opcode().String(),
			internal.FieldBlock: s.block,
		})
		return nil
	}
	if errors.Is(err, tftpwire.ErrClosed) && s.cancelled() {
		return ErrSessionCancelled
	}
	return fmt.Errorf("send %s: %w", p.Opcode(), err)
}

// sendError is best effort; the session ends right after it either way.
func (s *session) sendError(code tftpwire.ErrorCode, msg string) {
	if err := s.ch.Send(&tftpwire.ErrorPacket{Code: code, Message: msg}, s.peer); err != nil {
		s.log.Debug("failed to send error packet", internal.Fields{
			internal.FieldError: err.Error(),
		})
	}
}

// reject answers the request with an ERROR packet and ends the session
// without any retry.
func (s *session) reject(code tftpwire.ErrorCode, msg string) error {
	s.sendError(code, msg)
	return fmt.Errorf("%w: %s: %s", errRejected, code, msg)
}

// await receives until handler accepts a packet from the peer. Timeouts
// resend the last packet until the retry budget is spent. Datagrams from any
// other endpoint are answered with UnknownTID and otherwise ignored.
func (s *session) await(handler packetHandler) error {
	s.retries = 0
	for {
		pkt, from, err := s.ch.Receive(s.timeout)
		switch {
		case err == nil:
		case errors.Is(err, tftpwire.ErrTimeout):
			s.metrics.ObserveTimeout()
			if s.retries >= s.maxRetries {
				return fmt.Errorf("%w: no reply for block %d after %d attempts", ErrRetriesExhausted, s.block, s.retries+1)
			}
			s.retries++
			s.log.Debug("receive timed out, resending", internal.Fields{
				internal.FieldBlock:   s.block,
				internal.FieldAttempt: s.retries,
			})
			if err := s.resend(); err != nil {
				return err
			}
			continue
		case errors.Is(err, tftpwire.ErrClosed):
			if s.cancelled() {
				return ErrSessionCancelled
			}
			return err
		case errors.Is(err, tftpwire.ErrMalformed):
			if from != nil && !tftpwire.SameTID(from, s.peer) {
				s.unknownTID(from)
				continue
			}
			s.sendError(tftpwire.ErrCodeIllegalOperation, "malformed packet")
			return fmt.Errorf("%w: %w", ErrProtocol, err)
		default:
			return fmt.Errorf("receive: %w", err)
		}

		if !tftpwire.SameTID(from, s.peer) {
			s.unknownTID(from)
			continue
		}
		if ep, ok := pkt.(*tftpwire.ErrorPacket); ok {
			return fmt.Errorf("peer aborted transfer: %w", ep)
		}
		done, err := handler(pkt)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (s *session) unknownTID(from *net.UDPAddr) {
	s.metrics.ObserveUnknownTID()
	s.log.Warn("datagram from unexpected endpoint", internal.Fields{
		"source": from.String(),
	})
	if err := s.ch.Send(&tftpwire.ErrorPacket{
		Code:    tftpwire.ErrCodeUnknownTID,
		Message: "unknown transfer id",
	}, from); err != nil {
		s.log.Debug("failed to answer unknown tid", internal.Fields{
			internal.FieldError: err.Error(),
		})
	}
}

// violation aborts on an unexpected packet from the legitimate peer.
func (s *session) violation(pkt tftpwire.Packet, want string) error {
	s.sendError(tftpwire.ErrCodeIllegalOperation, "expected "+want)
	return fmt.Errorf("%w: got %s while waiting for %s %d", ErrProtocol, pkt.Opcode(), want, s.block)
}

// fileErrorCode maps a filesystem failure to the ERROR code sent to the peer.
func fileErrorCode(err error) tftpwire.ErrorCode {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return tftpwire.ErrCodeFileNotFound
	case errors.Is(err, fs.ErrExist):
		return tftpwire.ErrCodeFileAlreadyExists
	case errors.Is(err, fs.ErrPermission):
		return tftpwire.ErrCodeAccessViolation
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EDQUOT):
		return tftpwire.ErrCodeDiskFull
	default:
		return tftpwire.ErrCodeUndefined
	}
}
