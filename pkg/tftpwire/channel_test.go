package tftpwire

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func listenLoopback(t *testing.T) *Channel {
	t.Helper()
	ch, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func TestChannelSendReceive(t *testing.T) {
	a := listenLoopback(t)
	b := listenLoopback(t)

	if err := a.Send(&Ack{Block: 7}, b.LocalAddr()); err != nil {
		t.Fatalf("send: %v", err)
	}
	pkt, from, err := b.Receive(time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if !SameTID(from, a.LocalAddr()) {
		t.Fatalf("unexpected sender %v, want %v", from, a.LocalAddr())
	}
	if ack, ok := pkt.(*Ack); !ok || ack.Block != 7 {
		t.Fatalf("unexpected packet %#v", pkt)
	}
}

func TestChannelReceiveTimeout(t *testing.T) {
	ch := listenLoopback(t)
	start := time.Now()
	_, _, err := ch.Receive(30 * time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout took too long: %v", time.Since(start))
	}
}

func TestChannelCloseUnblocksReceive(t *testing.T) {
	ch := listenLoopback(t)
	errCh := make(chan error, 1)
	go func() {
		_, _, err := ch.Receive(0)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := ch.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("receive did not unblock after close")
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
}

func TestChannelReportsMalformedWithSender(t *testing.T) {
	ch := listenLoopback(t)
	raw, err := net.DialUDP("udp4", nil, ch.LocalAddr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer raw.Close()
	if _, err := raw.Write([]byte{0x00}); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, from, err := ch.Receive(time.Second)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if from == nil || from.Port != raw.LocalAddr().(*net.UDPAddr).Port {
		t.Fatalf("malformed packet should report its sender, got %v", from)
	}
}

func TestSameTID(t *testing.T) {
	a := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1000}
	b := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1000}
	c := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1001}
	if !SameTID(a, b) {
		t.Fatal("4-in-6 and 4-byte forms of the same address should match")
	}
	if SameTID(a, c) || SameTID(a, nil) {
		t.Fatal("different ports or nil must not match")
	}
}

func TestNetASCIIRoundTrip(t *testing.T) {
	native := []byte("line one\nline two\r\nbare cr\r end\n\n")

	enc := ModeReader(bytes.NewReader(native), ModeNetASCII)
	wire, err := io.ReadAll(enc)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_ = enc.Close()
	if bytes.Contains(bytes.ReplaceAll(wire, []byte("\r\n"), nil), []byte("\n")) {
		t.Fatalf("encoded stream still has bare LF: %q", wire)
	}

	var out bytes.Buffer
	dec := ModeWriter(&out, ModeNetASCII)
	// Split the wire bytes so a CR lands on a write boundary.
	for len(wire) > 0 {
		n := 5
		if n > len(wire) {
			n = len(wire)
		}
		if _, err := dec.Write(wire[:n]); err != nil {
			t.Fatalf("decode write: %v", err)
		}
		wire = wire[n:]
	}
	if err := dec.Close(); err != nil {
		t.Fatalf("decode close: %v", err)
	}
	if !bytes.Equal(out.Bytes(), native) {
		t.Fatalf("netascii round trip mismatch: got %q want %q", out.Bytes(), native)
	}
}

func TestOctetModeIsPassThrough(t *testing.T) {
	data := []byte("a\nb\r\nc")
	r := ModeReader(bytes.NewReader(data), ModeOctet)
	got, err := io.ReadAll(r)
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("octet reader changed data: %q err=%v", got, err)
	}

	var out bytes.Buffer
	w := ModeWriter(&out, ModeOctet)
	if _, err := w.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !bytes.Equal(out.Bytes(), data) {
		t.Fatalf("octet writer changed data: %q", out.Bytes())
	}
}
