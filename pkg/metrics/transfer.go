package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultNamespace  = "tftpd"
	subsystemTransfer = "transfer"
)

// Transfer directions as seen from the server.
const (
	DirectionRead  = "read"
	DirectionWrite = "write"
)

// Session outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeTimedOut  = "timed_out"
	OutcomeCancelled = "cancelled"
	OutcomeRejected  = "rejected"
)

// TransferCollector keeps track of server side transfer statistics and exposes
// them via Prometheus compatible collectors.
type TransferCollector struct {
	mu        sync.RWMutex
	namespace string
	registry  *prometheus.Registry

	startTime        time.Time
	activeReads      int64
	activeWrites     int64
	sessionsStarted  uint64
	sessionsByResult map[string]uint64
	bytesSent        uint64
	bytesRetransmit  uint64
	bytesReceived    uint64
	blocksSent       uint64
	blocksReceived   uint64
	duplicateBlocks  uint64
	retransmissions  uint64
	timeouts         uint64
	unknownTID       uint64
}

// TransferSnapshot represents a point-in-time view of the collected metrics.
type TransferSnapshot struct {
	Elapsed          time.Duration
	ActiveReads      int64
	ActiveWrites     int64
	SessionsStarted  uint64
	SessionsByResult map[string]uint64
	BytesSent        uint64
	BytesReceived    uint64
	BytesRetransmit  uint64
	BlocksSent       uint64
	BlocksReceived   uint64
	DuplicateBlocks  uint64
	Retransmissions  uint64
	Timeouts         uint64
	UnknownTID       uint64
	ThroughputBps    float64
	GoodputBps       float64
	RetransmitRate   float64
}

// NewTransferCollector creates a collector and wires up prometheus collectors.
func NewTransferCollector(namespace string) *TransferCollector {
	if strings.TrimSpace(namespace) == "" {
		namespace = defaultNamespace
	}
	reg := prometheus.NewRegistry()
	tc := &TransferCollector{
		namespace:        namespace,
		registry:         reg,
		sessionsByResult: make(map[string]uint64),
	}
	tc.registerMetrics()
	return tc
}

// Registry returns the prometheus registry managed by this collector.
func (c *TransferCollector) Registry() *prometheus.Registry {
	return c.registry
}

// SessionStarted records a newly accepted transfer in the given direction.
func (c *TransferCollector) SessionStarted(direction string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ensureStartTimeLocked()
	c.sessionsStarted++
	switch direction {
	case DirectionRead:
		c.activeReads++
	case DirectionWrite:
		c.activeWrites++
	}
}

// SessionFinished records the end of a transfer started with SessionStarted.
func (c *TransferCollector) SessionFinished(direction, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch direction {
	case DirectionRead:
		if c.activeReads > 0 {
			c.activeReads--
		}
	case DirectionWrite:
		if c.activeWrites > 0 {
			c.activeWrites--
		}
	}
	c.sessionsByResult[outcome]++
}

// ObserveSend records a DATA block sent to a client. When retransmit is true
// the bytes are accounted separately to derive goodput vs throughput.
func (c *TransferCollector) ObserveSend(bytes int, retransmit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ensureStartTimeLocked()
	if retransmit {
		c.bytesRetransmit += uint64(bytes)
		c.retransmissions++
		return
	}
	c.blocksSent++
	c.bytesSent += uint64(bytes)
}

// ObserveReceive records a DATA block accepted from a client. Duplicates are
// counted but their bytes are not.
func (c *TransferCollector) ObserveReceive(bytes int, duplicate bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ensureStartTimeLocked()
	if duplicate {
		c.duplicateBlocks++
		return
	}
	c.blocksReceived++
	c.bytesReceived += uint64(bytes)
}

// ObserveTimeout records a receive timeout inside a session.
func (c *TransferCollector) ObserveTimeout() {
	c.mu.Lock()
	c.timeouts++
	c.mu.Unlock()
}

// ObserveUnknownTID records a datagram from a stranger during a session.
func (c *TransferCollector) ObserveUnknownTID() {
	c.mu.Lock()
	c.unknownTID++
	c.mu.Unlock()
}

// Snapshot creates a read-only view of the collected metrics.
func (c *TransferCollector) Snapshot() TransferSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.buildSnapshotLocked(time.Now())
}

func (c *TransferCollector) buildSnapshotLocked(now time.Time) TransferSnapshot {
	elapsed := time.Duration(0)
	if !c.startTime.IsZero() {
		elapsed = now.Sub(c.startTime)
	}

	payload := c.bytesSent + c.bytesReceived
	var retransRatio float64
	if c.bytesSent+c.bytesRetransmit > 0 {
		retransRatio = float64(c.bytesRetransmit) / float64(c.bytesSent+c.bytesRetransmit)
	}

	results := make(map[string]uint64, len(c.sessionsByResult))
	for k, v := range c.sessionsByResult {
		results[k] = v
	}

	return TransferSnapshot{
		Elapsed:          elapsed,
		ActiveReads:      c.activeReads,
		ActiveWrites:     c.activeWrites,
		SessionsStarted:  c.sessionsStarted,
		SessionsByResult: results,
		BytesSent:        c.bytesSent,
		BytesReceived:    c.bytesReceived,
		BytesRetransmit:  c.bytesRetransmit,
		BlocksSent:       c.blocksSent,
		BlocksReceived:   c.blocksReceived,
		DuplicateBlocks:  c.duplicateBlocks,
		Retransmissions:  c.retransmissions,
		Timeouts:         c.timeouts,
		UnknownTID:       c.unknownTID,
		ThroughputBps:    rateFromBytes(payload+c.bytesRetransmit, elapsed),
		GoodputBps:       rateFromBytes(payload, elapsed),
		RetransmitRate:   retransRatio,
	}
}

func (c *TransferCollector) registerMetrics() {
	makeGauge := func(name, help string, valueFn func(TransferSnapshot) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: c.namespace,
			Subsystem: subsystemTransfer,
			Name:      name,
			Help:      help,
		}, func() float64 {
			c.mu.RLock()
			defer c.mu.RUnlock()
			return valueFn(c.buildSnapshotLocked(time.Now()))
		})
	}

	makeCounter := func(name, help string, valueFn func() uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: c.namespace,
			Subsystem: subsystemTransfer,
			Name:      name,
			Help:      help,
		}, func() float64 {
			c.mu.RLock()
			defer c.mu.RUnlock()
			return float64(valueFn())
		})
	}

	c.registry.MustRegister(makeGauge(
		"active_reads",
		"Read sessions currently in progress.",
		func(s TransferSnapshot) float64 { return float64(s.ActiveReads) },
	))
	c.registry.MustRegister(makeGauge(
		"active_writes",
		"Write sessions currently in progress.",
		func(s TransferSnapshot) float64 { return float64(s.ActiveWrites) },
	))
	c.registry.MustRegister(makeGauge(
		"throughput_bytes_per_second",
		"Average payload rate including retransmissions since the first session.",
		func(s TransferSnapshot) float64 { return s.ThroughputBps },
	))
	c.registry.MustRegister(makeGauge(
		"goodput_bytes_per_second",
		"Average payload rate after excluding retransmissions.",
		func(s TransferSnapshot) float64 { return s.GoodputBps },
	))
	c.registry.MustRegister(makeGauge(
		"retransmission_ratio",
		"Ratio of retransmitted bytes to total transmitted bytes.",
		func(s TransferSnapshot) float64 { return s.RetransmitRate },
	))

	c.registry.MustRegister(makeCounter(
		"sessions_started_total",
		"Transfers accepted by the server.",
		func() uint64 { return c.sessionsStarted },
	))
	c.registry.MustRegister(makeCounter(
		"bytes_sent_total",
		"Payload bytes sent to clients, first transmissions only.",
		func() uint64 { return c.bytesSent },
	))
	c.registry.MustRegister(makeCounter(
		"bytes_retransmitted_total",
		"Payload bytes resent after a timeout.",
		func() uint64 { return c.bytesRetransmit },
	))
	c.registry.MustRegister(makeCounter(
		"bytes_received_total",
		"Payload bytes written on behalf of clients.",
		func() uint64 { return c.bytesReceived },
	))
	c.registry.MustRegister(makeCounter(
		"blocks_sent_total",
		"DATA blocks sent, first transmissions only.",
		func() uint64 { return c.blocksSent },
	))
	c.registry.MustRegister(makeCounter(
		"blocks_received_total",
		"DATA blocks accepted from clients.",
		func() uint64 { return c.blocksReceived },
	))
	c.registry.MustRegister(makeCounter(
		"duplicate_blocks_total",
		"Already written DATA blocks received again.",
		func() uint64 { return c.duplicateBlocks },
	))
	c.registry.MustRegister(makeCounter(
		"retransmissions_total",
		"Packets resent after a receive timeout.",
		func() uint64 { return c.retransmissions },
	))
	c.registry.MustRegister(makeCounter(
		"timeouts_total",
		"Receive timeouts observed by sessions.",
		func() uint64 { return c.timeouts },
	))
	c.registry.MustRegister(makeCounter(
		"unknown_tid_total",
		"Datagrams answered with an UnknownTID error.",
		func() uint64 { return c.unknownTID },
	))
	c.registry.MustRegister(&outcomeCollector{
		c: c,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(c.namespace, subsystemTransfer, "sessions_finished_total"),
			"Transfers finished, by outcome.",
			[]string{"outcome"}, nil,
		),
	})
}

// outcomeCollector exports the per-outcome session counters with a label.
type outcomeCollector struct {
	c    *TransferCollector
	desc *prometheus.Desc
}

func (o *outcomeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- o.desc
}

func (o *outcomeCollector) Collect(ch chan<- prometheus.Metric) {
	o.c.mu.RLock()
	defer o.c.mu.RUnlock()
	for outcome, n := range o.c.sessionsByResult {
		ch <- prometheus.MustNewConstMetric(o.desc, prometheus.CounterValue, float64(n), outcome)
	}
}

func (c *TransferCollector) ensureStartTimeLocked() {
	if c.startTime.IsZero() {
		c.startTime = time.Now()
	}
}

func rateFromBytes(bytes uint64, elapsed time.Duration) float64 {
	if bytes == 0 || elapsed <= 0 {
		return 0
	}
	return float64(bytes) / elapsed.Seconds()
}
