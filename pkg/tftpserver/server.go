// Package tftpserver implements an RFC 1350 TFTP server. Every accepted
// request runs on its own goroutine with a private UDP socket.
package tftpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jgoldverg/tftpd/internal"
	"github.com/jgoldverg/tftpd/pkg/metrics"
	"github.com/jgoldverg/tftpd/pkg/tftpwire"
)

const (
	DefaultPort       = 69
	DefaultMaxRetries = 3
	DefaultTimeout    = 5 * time.Second
	MinSocketTimeout  = 10 * time.Millisecond

	shutdownWait = 15 * time.Second
)

var (
	ErrInvalidRoot          = errors.New("invalid root directory")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrServerRunning        = errors.New("server already started")
	ErrShutdownTimeout      = errors.New("timed out waiting for shutdown")
)

type State int

const (
	Stopped State = iota
	Starting
	Running
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting_down"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Server struct {
	readRoot  string
	writeRoot string
	port      int
	mode      Mode

	// Opts must be set before Start.
	Opts Options

	mu         sync.Mutex
	state      State
	maxRetries int
	timeout    time.Duration
	listener   *tftpwire.Channel
	failure    error
	loopDone   chan struct{}
	sessions   map[uuid.UUID]*session
	sessionsWG sync.WaitGroup

	// stopped is closed when the Shutdown in progress has finished;
	// stopErr is its result.
	stopped chan struct{}
	stopErr error

	metrics *metrics.TransferCollector
}

// New validates the roots and mode and returns a stopped server.
func New(readRoot, writeRoot string, port int, mode Mode) (*Server, error) {
	if !mode.valid() {
		return nil, fmt.Errorf("%w: unknown mode %d", ErrInvalidConfiguration, int(mode))
	}
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("%w: port %d out of range", ErrInvalidConfiguration, port)
	}
	if err := checkRoot(readRoot); err != nil {
		return nil, err
	}
	if err := checkRoot(writeRoot); err != nil {
		return nil, err
	}
	return &Server{
		readRoot:   readRoot,
		writeRoot:  writeRoot,
		port:       port,
		mode:       mode,
		maxRetries: DefaultMaxRetries,
		timeout:    DefaultTimeout,
		sessions:   make(map[uuid.UUID]*session),
		metrics:    metrics.NewTransferCollector(""),
	}, nil
}

// NewFromConfig builds a server from a loaded config file.
func NewFromConfig(cfg *internal.ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrInvalidConfiguration)
	}
	mode, err := ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	srv, err := New(cfg.ReadRoot, cfg.WriteRoot, cfg.Port, mode)
	if err != nil {
		return nil, err
	}
	if err := srv.SetMaxRetries(cfg.MaxRetries); err != nil {
		return nil, err
	}
	if err := srv.SetSocketTimeout(cfg.SocketTimeout()); err != nil {
		return nil, err
	}
	srv.Opts = Options{
		ReadBufferSize:  cfg.UDPReadBufferSize,
		WriteBufferSize: cfg.UDPWriteBufferSize,
	}
	return srv, nil
}

func checkRoot(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRoot, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %q is not a directory", ErrInvalidRoot, root)
	}
	return nil
}

// Start binds the listening port and launches the accept loop.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.state != Stopped {
		s.mu.Unlock()
		return ErrServerRunning
	}
	s.state = Starting
	opts := s.Opts
	s.mu.Unlock()

	ch, err := s.bind(opts)
	if err != nil {
		s.mu.Lock()
		s.state = Stopped
		s.mu.Unlock()
		return err
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.listener = ch
	s.loopDone = done
	s.failure = nil
	s.state = Running
	s.mu.Unlock()

	internal.Info("tftp server listening", internal.Fields{
		internal.FieldAddr: ch.LocalAddr().String(),
		internal.FieldMode: s.mode.String(),
		"read_root":        s.readRoot,
		"write_root":       s.writeRoot,
	})
	go s.acceptLoop(ch, done)
	return nil
}

func (s *Server) bind(opts Options) (*tftpwire.Channel, error) {
	if err := checkRoot(s.readRoot); err != nil {
		return nil, err
	}
	if err := checkRoot(s.writeRoot); err != nil {
		return nil, err
	}
	conn, err := listenUDP(context.Background(), opts, s.port, true)
	if err != nil {
		return nil, err
	}
	return tftpwire.NewChannel(conn), nil
}

func (s *Server) acceptLoop(ln *tftpwire.Channel, done chan struct{}) {
	defer close(done)

	for {
		pkt, from, err := ln.Receive(0)
		if err != nil {
			if errors.Is(err, tftpwire.ErrMalformed) {
				s.rejectMalformed(ln, from, err)
				continue
			}
			if !s.isState(Running) {
				return
			}
			s.fail(ln, err)
			return
		}

		req, ok := pkt.(*tftpwire.Request)
		if !ok {
			// Nothing answers an ERROR, per RFC 1350.
			if _, isErr := pkt.(*tftpwire.ErrorPacket); !isErr {
				s.replyError(ln, from, tftpwire.ErrCodeIllegalOperation, "expected RRQ or WRQ")
			}
			continue
		}
		s.accept(ln, req, from)
	}
}

func (s *Server) rejectMalformed(ln *tftpwire.Channel, from *net.UDPAddr, err error) {
	internal.Debug("dropping malformed datagram", internal.Fields{
		internal.FieldPeer:  addrString(from),
		internal.FieldError: err.Error(),
	})
	if from != nil && errors.Is(err, tftpwire.ErrUnsupportedMode) {
		s.replyError(ln, from, tftpwire.ErrCodeIllegalOperation, "unsupported transfer mode")
	}
}

func (s *Server) replyError(ln *tftpwire.Channel, to *net.UDPAddr, code tftpwire.ErrorCode, msg string) {
	if err := ln.Send(&tftpwire.ErrorPacket{Code: code, Message: msg}, to); err != nil {
		internal.Debug("failed to send error reply", internal.Fields{
			internal.FieldPeer:  addrString(to),
			internal.FieldError: err.Error(),
		})
	}
}

// fail records a listener failure while running. The listener is closed but
// live sessions are left to finish.
func (s *Server) fail(ln *tftpwire.Channel, err error) {
	s.mu.Lock()
	if s.state == Running {
		s.failure = err
		s.state = Stopped
	}
	s.mu.Unlock()
	_ = ln.Close()
	internal.Error("tftp listener failed", internal.Fields{
		internal.FieldError: err.Error(),
	})
}

func (s *Server) accept(ln *tftpwire.Channel, req *tftpwire.Request, from *net.UDPAddr) {
	s.mu.Lock()
	for _, live := range s.sessions {
		if live.duplicates(req, from) {
			s.mu.Unlock()
			internal.Debug("ignoring retransmitted request", internal.Fields{
				internal.FieldSessionID: live.id.String(),
				internal.FieldPeer:      from.String(),
				internal.FieldFile:      req.Filename,
			})
			return
		}
	}
	retries, timeout, opts := s.maxRetries, s.timeout, s.Opts
	s.mu.Unlock()

	conn, err := listenUDP(context.Background(), opts, 0, false)
	if err != nil {
		internal.Error("failed to open session socket", internal.Fields{
			internal.FieldPeer:  from.String(),
			internal.FieldError: err.Error(),
		})
		s.replyError(ln, from, tftpwire.ErrCodeUndefined, "server busy")
		return
	}

	id := uuid.New()
	sessionLog := internal.With(internal.Fields{
		internal.FieldSessionID: id.String(),
		internal.FieldPeer:      from.String(),
	})
	sess := &session{
		id:         id,
		req:        *req,
		peer:       from,
		ch:         tftpwire.NewChannel(conn),
		mode:       s.mode,
		readRoot:   s.readRoot,
		writeRoot:  s.writeRoot,
		maxRetries: retries,
		timeout:    timeout,
		metrics:    s.metrics,
		stop:       make(chan struct{}),
		release:    s.release,
		log:        sessionLog,
	}

	s.mu.Lock()
	if s.state != Running {
		s.mu.Unlock()
		_ = sess.ch.Close()
		return
	}
	s.sessions[sess.id] = sess
	s.sessionsWG.Add(1)
	s.mu.Unlock()

	internal.Info("accepted request", internal.Fields{
		internal.FieldSessionID: sess.id.String(),
		internal.FieldPeer:      from.String(),
		internal.FieldFile:      req.Filename,
		internal.FieldMode:      string(req.Mode),
		"op":                    req.Op.String(),
		"session_addr":          sess.ch.LocalAddr().String(),
	})
	go sess.run()
}

// release is the deregistration callback handed to every session.
func (s *Server) release(id uuid.UUID) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	_ = sess.ch.Close()
	s.sessionsWG.Done()
}

// IsRunning reports whether the accept loop is active. When it is not and the
// listener failed, the failure is returned.
func (s *Server) IsRunning() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Running {
		return true, nil
	}
	return false, s.failure
}

// Shutdown stops the accept loop and cancels every live session. It is safe to
// call repeatedly and from multiple goroutines; a call that overlaps one in
// progress waits for it and returns the same result.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	if s.state == ShuttingDown {
		stopped := s.stopped
		s.mu.Unlock()
		<-stopped
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.stopErr
	}
	if s.state == Stopped && s.listener == nil {
		s.mu.Unlock()
		return nil
	}
	prev := s.state
	s.state = ShuttingDown
	stopped := make(chan struct{})
	s.stopped, s.stopErr = stopped, nil
	ln, done := s.listener, s.loopDone
	live := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()

	internal.Info("shutting down tftp server", internal.Fields{
		"sessions": len(live),
	})
	for _, sess := range live {
		sess.cancel()
	}
	if ln != nil {
		_ = ln.Close()
	}

	deadline := time.NewTimer(shutdownWait)
	defer deadline.Stop()

	var err error
	if done != nil {
		select {
		case <-done:
		case <-deadline.C:
			err = ErrShutdownTimeout
		}
	}
	if err == nil {
		drained := make(chan struct{})
		go func() {
			s.sessionsWG.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-deadline.C:
			err = ErrShutdownTimeout
		}
	}

	s.mu.Lock()
	s.state = Stopped
	s.listener = nil
	s.loopDone = nil
	s.stopErr = err
	s.mu.Unlock()
	close(stopped)

	if err != nil {
		internal.Warn("tftp server shutdown incomplete", internal.Fields{
			internal.FieldError: err.Error(),
		})
		return err
	}
	internal.Info("tftp server stopped", internal.Fields{
		"previous_state": prev.String(),
	})
	return nil
}

func (s *Server) SetMaxRetries(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: max retries must be > 0, got %d", ErrInvalidConfiguration, n)
	}
	s.mu.Lock()
	s.maxRetries = n
	s.mu.Unlock()
	return nil
}

func (s *Server) SetSocketTimeout(d time.Duration) error {
	if d < MinSocketTimeout {
		return fmt.Errorf("%w: socket timeout must be >= %s, got %s", ErrInvalidConfiguration, MinSocketTimeout, d)
	}
	s.mu.Lock()
	s.timeout = d
	s.mu.Unlock()
	return nil
}

func (s *Server) MaxRetries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxRetries
}

func (s *Server) SocketTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// Addr returns the bound listener address, or nil when not running.
func (s *Server) Addr() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.LocalAddr()
}

func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Sessions returns the number of live transfers.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) Metrics() *metrics.TransferCollector {
	return s.metrics
}

func (s *Server) isState(st State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == st
}

func addrString(a *net.UDPAddr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
