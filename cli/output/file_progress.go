package output

import (
	"io"
	"math"
	"strings"
	"sync"

	"github.com/pterm/pterm"
)

// TransferProgress draws a progress bar for a single get or put. A nil
// *TransferProgress is valid and draws nothing.
type TransferProgress struct {
	mu  sync.Mutex
	bar *pterm.ProgressbarPrinter
}

// StartTransferProgress returns nil when total is unknown (<= 0), since a
// TFTP download does not announce its size.
func StartTransferProgress(title string, total int64) *TransferProgress {
	if total <= 0 {
		return nil
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = "transfer"
	}
	bar, err := pterm.DefaultProgressbar.
		WithTitle(title).
		WithTotal(clampToInt(total)).
		WithShowElapsedTime(true).
		WithShowCount(false).
		WithRemoveWhenDone(true).
		Start()
	if err != nil {
		return nil
	}
	return &TransferProgress{bar: bar}
}

// WrapReader decorates reader so every read advances the bar.
func (p *TransferProgress) WrapReader(reader io.Reader) io.Reader {
	if p == nil || reader == nil {
		return reader
	}
	return &countingReader{reader: reader, hook: p.add}
}

func (p *TransferProgress) add(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar != nil && n > 0 {
		p.bar.Add(n)
	}
}

func (p *TransferProgress) Stop() {
	if p == nil {
		return
	}
	p.mu.Lock()
	bar := p.bar
	p.bar = nil
	p.mu.Unlock()
	if bar != nil {
		_, _ = bar.Stop()
	}
}

func clampToInt(v int64) int {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(v)
}

type countingReader struct {
	reader io.Reader
	hook   func(int)
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.reader.Read(p)
	if n > 0 && cr.hook != nil {
		cr.hook(n)
	}
	return n, err
}
