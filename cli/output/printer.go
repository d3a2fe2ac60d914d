package output

import (
	"sort"
	"sync"
	"time"

	"github.com/pterm/pterm"
)

// Printer renders structured CLI messages without relying on the logger.
type Printer struct {
	mu sync.Mutex
}

func NewPrinter() *Printer {
	return &Printer{}
}

func (p *Printer) Info(msg string, fields map[string]any) {
	p.printWith(pterm.Info, msg, fields)
}

func (p *Printer) Success(msg string, fields map[string]any) {
	p.printWith(pterm.Success, msg, fields)
}

func (p *Printer) Error(msg string, fields map[string]any) {
	p.printWith(pterm.Error, msg, fields)
}

// Transfer reports a finished get or put.
func (p *Printer) Transfer(verb, remote, local string, n int64, elapsed time.Duration) {
	rate := "--"
	if elapsed > 0 && n > 0 {
		rate = formatRate(float64(n) / elapsed.Seconds())
	}
	p.Success(verb+" complete", map[string]any{
		"remote":  remote,
		"local":   local,
		"bytes":   formatBytes(uint64(n)),
		"elapsed": formatDuration(elapsed),
		"rate":    rate,
	})
}

func (p *Printer) printWith(logger pterm.PrefixPrinter, msg string, fields map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	logger.Println(msg)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		pterm.Printf("  %s: %v\n", k, fields[k])
	}
}
