package tftpclient

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/jgoldverg/tftpd/pkg/tftpwire"
)

// fakeServer answers on a listener and then switches to a second socket, the
// way a real server hands each transfer its own port.
type fakeServer struct {
	listener *tftpwire.Channel
	session  *tftpwire.Channel
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	open := func() *tftpwire.Channel {
		ch, err := tftpwire.Listen("127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		t.Cleanup(func() { _ = ch.Close() })
		return ch
	}
	return &fakeServer{listener: open(), session: open()}
}

func (f *fakeServer) addr() string { return f.listener.LocalAddr().String() }

func (f *fakeServer) awaitRequest(t *testing.T, op tftpwire.Opcode) (*tftpwire.Request, *net.UDPAddr) {
	t.Helper()
	pkt, from, err := f.listener.Receive(2 * time.Second)
	if err != nil {
		t.Fatalf("fake server receive: %v", err)
	}
	req, ok := pkt.(*tftpwire.Request)
	if !ok || req.Op != op {
		t.Fatalf("expected %s, got %#v", op, pkt)
	}
	return req, from
}

func (f *fakeServer) recv(t *testing.T) tftpwire.Packet {
	t.Helper()
	pkt, _, err := f.session.Receive(2 * time.Second)
	if err != nil {
		t.Fatalf("fake session receive: %v", err)
	}
	return pkt
}

func TestGetAgainstFakeServer(t *testing.T) {
	srv := newFakeServer(t)
	content := bytes.Repeat([]byte("k"), tftpwire.BlockSize+3)

	type result struct {
		n   int64
		err error
	}
	var out bytes.Buffer
	done := make(chan result, 1)
	go func() {
		c := &Client{Timeout: time.Second, MaxRetries: 3}
		n, err := c.Get(t.Context(), srv.addr(), "boot.img", tftpwire.ModeOctet, &out)
		done <- result{n, err}
	}()

	req, client := srv.awaitRequest(t, tftpwire.OpRRQ)
	if req.Filename != "boot.img" || req.Mode != tftpwire.ModeOctet {
		t.Fatalf("unexpected request %+v", req)
	}

	if err := srv.session.Send(&tftpwire.Data{Block: 1, Payload: content[:tftpwire.BlockSize]}, client); err != nil {
		t.Fatalf("send: %v", err)
	}
	if ack, ok := srv.recv(t).(*tftpwire.Ack); !ok || ack.Block != 1 {
		t.Fatalf("expected ACK 1, got %#v", ack)
	}
	// A DATA from the listener port is a different TID and must be refused.
	if err := srv.listener.Send(&tftpwire.Data{Block: 2, Payload: []byte("bad")}, client); err != nil {
		t.Fatalf("send: %v", err)
	}
	pkt, _, err := srv.listener.Receive(2 * time.Second)
	if ep, ok := pkt.(*tftpwire.ErrorPacket); err != nil || !ok || ep.Code != tftpwire.ErrCodeUnknownTID {
		t.Fatalf("expected UnknownTID, got %#v err=%v", pkt, err)
	}

	if err := srv.session.Send(&tftpwire.Data{Block: 2, Payload: content[tftpwire.BlockSize:]}, client); err != nil {
		t.Fatalf("send: %v", err)
	}
	if ack, ok := srv.recv(t).(*tftpwire.Ack); !ok || ack.Block != 2 {
		t.Fatalf("expected ACK 2, got %#v", ack)
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("get: %v", res.err)
	}
	if res.n != int64(len(content)) || !bytes.Equal(out.Bytes(), content) {
		t.Fatalf("unexpected download: n=%d len=%d", res.n, out.Len())
	}
}

func TestPutResendsOnTimeout(t *testing.T) {
	srv := newFakeServer(t)
	done := make(chan error, 1)
	go func() {
		c := &Client{Timeout: 50 * time.Millisecond, MaxRetries: 10}
		_, err := c.Put(t.Context(), srv.addr(), "up.txt", tftpwire.ModeOctet, bytes.NewReader([]byte("hello")))
		done <- err
	}()

	_, client := srv.awaitRequest(t, tftpwire.OpWRQ)
	if err := srv.session.Send(&tftpwire.Ack{Block: 0}, client); err != nil {
		t.Fatalf("send: %v", err)
	}

	// Ignore the first copy of DATA 1; the client must send it again.
	for i := 0; i < 2; i++ {
		d, ok := srv.recv(t).(*tftpwire.Data)
		if !ok || d.Block != 1 || string(d.Payload) != "hello" {
			t.Fatalf("copy %d: unexpected packet %#v", i+1, d)
		}
	}
	if err := srv.session.Send(&tftpwire.Ack{Block: 1}, client); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("put: %v", err)
	}
}

func TestRemoteErrorIsReturned(t *testing.T) {
	srv := newFakeServer(t)
	done := make(chan error, 1)
	go func() {
		_, err := (&Client{Timeout: 200 * time.Millisecond}).Get(t.Context(), srv.addr(), "nope", tftpwire.ModeOctet, &bytes.Buffer{})
		done <- err
	}()

	_, client := srv.awaitRequest(t, tftpwire.OpRRQ)
	if err := srv.session.Send(&tftpwire.ErrorPacket{Code: tftpwire.ErrCodeFileNotFound, Message: "file not found"}, client); err != nil {
		t.Fatalf("send: %v", err)
	}

	err := <-done
	var ep *tftpwire.ErrorPacket
	if !errors.As(err, &ep) || ep.Code != tftpwire.ErrCodeFileNotFound {
		t.Fatalf("expected FileNotFound error packet, got %v", err)
	}
}

func TestRetriesExhausted(t *testing.T) {
	srv := newFakeServer(t)
	c := &Client{Timeout: 20 * time.Millisecond, MaxRetries: 2}
	_, err := c.Get(t.Context(), srv.addr(), "silent", tftpwire.ModeOctet, &bytes.Buffer{})
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}

	copies := 0
	for {
		if _, _, err := srv.listener.Receive(50 * time.Millisecond); err != nil {
			break
		}
		copies++
	}
	if copies != 3 {
		t.Fatalf("expected 3 RRQ transmissions, got %d", copies)
	}
}

func TestContextCancelUnblocks(t *testing.T) {
	srv := newFakeServer(t)
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		c := &Client{Timeout: 5 * time.Second, MaxRetries: 3}
		_, err := c.Get(ctx, srv.addr(), "slow", tftpwire.ModeOctet, &bytes.Buffer{})
		done <- err
	}()

	srv.awaitRequest(t, tftpwire.OpRRQ)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("get did not return after cancel")
	}
}

func TestRetransmittedAcrossWrap(t *testing.T) {
	cases := []struct {
		block, expected uint16
		received        int
		want            bool
	}{
		{block: 1, expected: 2, received: 1, want: true},
		{block: 0, expected: 1, received: 1, want: false},
		{block: 65535, expected: 0, received: 65535, want: true},
		{block: 0, expected: 1, received: 65536, want: true},
		{block: 3, expected: 2, received: 1, want: false},
	}
	for _, tc := range cases {
		if got := retransmitted(tc.block, tc.expected, tc.received); got != tc.want {
			t.Fatalf("retransmitted(%d, %d, %d) = %v, want %v", tc.block, tc.expected, tc.received, got, tc.want)
		}
	}
}

func TestGetReacksDuplicateAfterWrap(t *testing.T) {
	if testing.Short() {
		t.Skip("sends 65537 blocks")
	}
	srv := newFakeServer(t)
	payload := bytes.Repeat([]byte("w"), tftpwire.BlockSize)

	done := make(chan error, 1)
	go func() {
		c := &Client{Timeout: 2 * time.Second, MaxRetries: 3}
		_, err := c.Get(t.Context(), srv.addr(), "big.img", tftpwire.ModeOctet, io.Discard)
		done <- err
	}()
	_, client := srv.awaitRequest(t, tftpwire.OpRRQ)

	exchange := func(block uint16, data []byte) {
		t.Helper()
		if err := srv.session.Send(&tftpwire.Data{Block: block, Payload: data}, client); err != nil {
			t.Fatalf("send %d: %v", block, err)
		}
		if ack, ok := srv.recv(t).(*tftpwire.Ack); !ok || ack.Block != block {
			t.Fatalf("expected ACK %d, got %#v", block, ack)
		}
	}

	block := uint16(1)
	for i := 0; i < 65536; i++ {
		exchange(block, payload)
		if block == 65535 || block == 0 {
			// Pretend the ACK was lost: the same block must be re-ACKed.
			exchange(block, payload)
		}
		block++
	}
	exchange(block, []byte("end"))

	if err := <-done; err != nil {
		t.Fatalf("get: %v", err)
	}
}
