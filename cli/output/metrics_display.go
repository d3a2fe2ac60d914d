package output

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jgoldverg/tftpd/pkg/metrics"
	"github.com/pterm/pterm"
)

// MetricsDisplay renders live server telemetry using pterm primitives.
type MetricsDisplay struct {
	title     string
	collector *metrics.TransferCollector
	interval  time.Duration

	mu     sync.Mutex
	area   *pterm.AreaPrinter
	ticker *time.Ticker
	cancel context.CancelFunc
	active bool
	writer io.Writer
}

func NewMetricsDisplay(title string, collector *metrics.TransferCollector) *MetricsDisplay {
	if strings.TrimSpace(title) == "" {
		title = "TFTP Server"
	}
	return &MetricsDisplay{
		title:     title,
		collector: collector,
		interval:  time.Second,
	}
}

// WithWriter renders into w instead of a live terminal area.
func (d *MetricsDisplay) WithWriter(w io.Writer) *MetricsDisplay {
	d.writer = w
	return d
}

func (d *MetricsDisplay) WithInterval(interval time.Duration) *MetricsDisplay {
	if interval > 0 {
		d.interval = interval
	}
	return d
}

// Start begins rendering the live board. No-op when collector is nil.
func (d *MetricsDisplay) Start(ctx context.Context) error {
	if d == nil || d.collector == nil || d.active {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.ticker = time.NewTicker(d.interval)
	d.cancel = cancel
	d.active = true
	useArea := d.writer == nil
	d.mu.Unlock()

	if useArea {
		area, err := pterm.DefaultArea.WithRemoveWhenDone(false).Start()
		if err != nil {
			d.cleanup()
			return err
		}
		d.mu.Lock()
		d.area = area
		d.mu.Unlock()
	}

	go d.loop(ctx)
	return nil
}

func (d *MetricsDisplay) loop(ctx context.Context) {
	d.render()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.ticker.C:
			d.render()
		}
	}
}

// Stop clears the live board and prints a final snapshot.
func (d *MetricsDisplay) Stop() {
	if d == nil {
		return
	}
	d.cleanup()
	d.printFinal()
}

func (d *MetricsDisplay) cleanup() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active {
		return false
	}
	if d.cancel != nil {
		d.cancel()
	}
	if d.ticker != nil {
		d.ticker.Stop()
	}
	if d.area != nil {
		_ = d.area.Stop()
	}
	d.area, d.ticker, d.cancel = nil, nil, nil
	d.active = false
	return true
}

func (d *MetricsDisplay) render() {
	if d.collector == nil {
		return
	}
	content := d.renderContent(d.collector.Snapshot())

	d.mu.Lock()
	area := d.area
	writer := d.writer
	d.mu.Unlock()
	switch {
	case writer != nil:
		_, _ = fmt.Fprintf(writer, "%s\n", content)
	case area != nil:
		area.Update(content)
	}
}

func (d *MetricsDisplay) renderContent(snap metrics.TransferSnapshot) string {
	header := pterm.DefaultHeader.
		WithBackgroundStyle(pterm.NewStyle(pterm.BgBlue)).
		WithTextStyle(pterm.NewStyle(pterm.FgLightWhite, pterm.Bold)).
		WithFullWidth().
		Sprint(d.title)
	return fmt.Sprintf("%s\n%s\nUptime: %s", header, tableString(snap), formatDuration(snap.Elapsed))
}

func tableString(snap metrics.TransferSnapshot) string {
	data := pterm.TableData{
		{"Metric", "Value"},
		{"Active Reads", fmt.Sprintf("%d", snap.ActiveReads)},
		{"Active Writes", fmt.Sprintf("%d", snap.ActiveWrites)},
		{"Sessions", fmt.Sprintf("%d (%s)", snap.SessionsStarted, formatOutcomes(snap.SessionsByResult))},
		{"Throughput", formatRate(snap.ThroughputBps)},
		{"Goodput", formatRate(snap.GoodputBps)},
		{"Bytes Sent", formatBytes(snap.BytesSent)},
		{"Bytes Received", formatBytes(snap.BytesReceived)},
		{"Retransmissions", fmt.Sprintf("%d (%s)", snap.Retransmissions, formatPercent(snap.RetransmitRate))},
		{"Duplicate Blocks", fmt.Sprintf("%d", snap.DuplicateBlocks)},
		{"Timeouts", fmt.Sprintf("%d", snap.Timeouts)},
		{"Unknown TID", fmt.Sprintf("%d", snap.UnknownTID)},
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return ""
	}
	return table
}

func (d *MetricsDisplay) printFinal() {
	if d.collector == nil {
		return
	}
	snap := d.collector.Snapshot()
	if snap.SessionsStarted == 0 {
		return
	}
	d.mu.Lock()
	writer := d.writer
	d.mu.Unlock()
	if writer != nil {
		fmt.Fprintf(writer, "%s\nUptime: %s\n", tableString(snap), formatDuration(snap.Elapsed))
		return
	}
	pterm.Println()
	pterm.DefaultSection.Println(d.title)
	fmt.Println(tableString(snap))
}

func formatOutcomes(results map[string]uint64) string {
	if len(results) == 0 {
		return "none finished"
	}
	keys := make([]string, 0, len(results))
	for k := range results {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, results[k]))
	}
	return strings.Join(parts, " ")
}

func formatRate(bps float64) string {
	if bps <= 0 {
		return "--"
	}
	return formatBytes(uint64(bps)) + "/s"
}

func formatBytes(b uint64) string {
	const kb = 1024
	const mb = kb * 1024
	const gb = mb * 1024
	switch {
	case b >= gb:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(kb))
	case b > 0:
		return fmt.Sprintf("%d B", b)
	default:
		return "0 B"
	}
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "--"
	}
	if d < time.Second {
		return fmt.Sprintf("%d ms", d.Milliseconds())
	}
	return d.Truncate(100 * time.Millisecond).String()
}

func formatPercent(ratio float64) string {
	if ratio <= 0 {
		return "0%"
	}
	return fmt.Sprintf("%.2f%%", ratio*100)
}
