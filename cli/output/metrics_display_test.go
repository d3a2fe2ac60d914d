package output

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jgoldverg/tftpd/pkg/metrics"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestMetricsDisplayRefreshesAtInterval(t *testing.T) {
	collector := metrics.NewTransferCollector("")
	collector.SessionStarted(metrics.DirectionRead)

	var out lockedBuffer
	board := NewMetricsDisplay("tftpd test", collector).
		WithWriter(&out).
		WithInterval(10 * time.Millisecond)
	if err := board.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for strings.Count(out.String(), "Active Reads") < 3 {
		if time.Now().After(deadline) {
			board.Stop()
			t.Fatalf("board did not refresh:\n%s", out.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
	board.Stop()

	if !strings.Contains(out.String(), "Uptime:") {
		t.Fatalf("final snapshot missing:\n%s", out.String())
	}
}
