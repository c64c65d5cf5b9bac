// Package metrics exposes Prometheus collectors for bid arbitration, fan-out
// and connection handling.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fan-out delivery modes.
const (
	ModeTransport = "transport"
	ModeLocal     = "local"
)

// Recorder is what services and the websocket layer report to.
type Recorder interface {
	RecordBidOutcome(code string)
	RecordCommitConflict()
	RecordFanout(mode string)
	SetFanoutDegraded(degraded bool)
	RecordDelivered(frames int)
	RecordDropped()
	ConnectionOpened()
	ConnectionClosed()
	RecordCommand(name string)
}

type Collector struct {
	bidOutcomes     *prometheus.CounterVec
	commitConflicts prometheus.Counter
	fanouts         *prometheus.CounterVec
	fanoutDegraded  prometheus.Gauge
	framesDelivered prometheus.Counter
	framesDropped   prometheus.Counter
	connections     prometheus.Gauge
	commands        *prometheus.CounterVec
}

// NewCollector registers every metric on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		bidOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "live_auction_bid_outcomes_total",
			Help: "Bid submissions by outcome code",
		}, []string{"outcome"}),
		commitConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "live_auction_commit_conflicts_total",
			Help: "Optimistic commit precondition failures",
		}),
		fanouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "live_auction_fanout_total",
			Help: "Room broadcasts by delivery mode",
		}, []string{"mode"}),
		fanoutDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "live_auction_fanout_degraded",
			Help: "1 while the pub/sub transport is unavailable and broadcasts are local only",
		}),
		framesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "live_auction_frames_delivered_total",
			Help: "Frames queued to local connections",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "live_auction_frames_dropped_total",
			Help: "Frames that could not be queued to a local connection",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "live_auction_connections",
			Help: "Currently registered connections",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "live_auction_commands_total",
			Help: "Inbound commands by name",
		}, []string{"command"}),
	}

	reg.MustRegister(
		c.bidOutcomes,
		c.commitConflicts,
		c.fanouts,
		c.fanoutDegraded,
		c.framesDelivered,
		c.framesDropped,
		c.connections,
		c.commands,
	)

	return c
}

func (c *Collector) RecordBidOutcome(code string) {
	c.bidOutcomes.WithLabelValues(code).Inc()
}

func (c *Collector) RecordCommitConflict() {
	c.commitConflicts.Inc()
}

func (c *Collector) RecordFanout(mode string) {
	c.fanouts.WithLabelValues(mode).Inc()
}

func (c *Collector) SetFanoutDegraded(degraded bool) {
	if degraded {
		c.fanoutDegraded.Set(1)
		return
	}
	c.fanoutDegraded.Set(0)
}

func (c *Collector) RecordDelivered(frames int) {
	c.framesDelivered.Add(float64(frames))
}

func (c *Collector) RecordDropped() {
	c.framesDropped.Inc()
}

func (c *Collector) ConnectionOpened() {
	c.connections.Inc()
}

func (c *Collector) ConnectionClosed() {
	c.connections.Dec()
}

func (c *Collector) RecordCommand(name string) {
	c.commands.WithLabelValues(name).Inc()
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordBidOutcome(string) {}
func (Nop) RecordCommitConflict() {}
func (Nop) RecordFanout(string) {}
func (Nop) SetFanoutDegraded(bool) {}
func (Nop) RecordDelivered(int) {}
func (Nop) RecordDropped() {}
func (Nop) ConnectionOpened() {}
func (Nop) ConnectionClosed() {}
func (Nop) RecordCommand(string) {}

// Handler returns the Prometheus scrape handler.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
