// Package telemetry registers internal/stats counters as prometheus
// collectors. Metrics *export* (an HTTP handler) is explicitly out of
// scope (spec §1's "logging, metrics dumping ... out of scope"); this
// package only wires a registry's Dump output into prometheus counter and
// gauge metrics so a host process can mount its own exporter if it wants one.
package telemetry

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kvxfer/engine/internal/stats"
)

// Collector adapts a *stats.Registry into a prometheus.Collector by
// re-deriving Gauges from Dump() on every Collect call, the same
// pull-based shape prometheus itself expects from a custom collector.
type Collector struct {
	registry *stats.Registry

	streamSendTimes *prometheus.Desc
	streamTotalCost *prometheus.Desc
	streamMaxCost   *prometheus.Desc
	entityRequests  *prometheus.Desc
	entitySuccesses *prometheus.Desc
	entityErrors    *prometheus.Desc
	entityTimeouts  *prometheus.Desc
}

// NewCollector builds a Collector over registry. Register it with a
// prometheus.Registerer to expose the engine's counters.
func NewCollector(registry *stats.Registry) *Collector {
	return &Collector{
		registry:        registry,
		streamSendTimes: prometheus.NewDesc("kvxfer_stream_send_times_total", "Completed transfers on this stream.", []string{"stream"}, nil),
		streamTotalCost: prometheus.NewDesc("kvxfer_stream_total_cost_nanoseconds", "Cumulative transfer cost on this stream.", []string{"stream"}, nil),
		streamMaxCost:   prometheus.NewDesc("kvxfer_stream_max_cost_nanoseconds", "Maximum single-transfer cost observed on this stream.", []string{"stream"}, nil),
		entityRequests:  prometheus.NewDesc("kvxfer_entity_requests_total", "Requests received by this link.", []string{"entity"}, nil),
		entitySuccesses: prometheus.NewDesc("kvxfer_entity_successes_total", "Successful responses sent by this link.", []string{"entity"}, nil),
		entityErrors:    prometheus.NewDesc("kvxfer_entity_errors_total", "Error responses sent by this link.", []string{"entity"}, nil),
		entityTimeouts:  prometheus.NewDesc("kvxfer_entity_timeouts_total", "Timeouts observed on this link.", []string{"entity"}, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.streamSendTimes
	ch <- c.streamTotalCost
	ch <- c.streamMaxCost
	ch <- c.entityRequests
	ch <- c.entitySuccesses
	ch <- c.entityErrors
	ch <- c.entityTimeouts
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	streamSnap, entitySnap := c.registry.Dump()
	for id, s := range streamSnap {
		label := strconv.Itoa(id)
		ch <- prometheus.MustNewConstMetric(c.streamSendTimes, prometheus.CounterValue, float64(s.SendTimes), label)
		ch <- prometheus.MustNewConstMetric(c.streamTotalCost, prometheus.CounterValue, float64(s.TotalCost), label)
		ch <- prometheus.MustNewConstMetric(c.streamMaxCost, prometheus.GaugeValue, float64(s.MaxCost), label)
	}
	for id, e := range entitySnap {
		ch <- prometheus.MustNewConstMetric(c.entityRequests, prometheus.CounterValue, float64(e.Requests), id)
		ch <- prometheus.MustNewConstMetric(c.entitySuccesses, prometheus.CounterValue, float64(e.Successes), id)
		ch <- prometheus.MustNewConstMetric(c.entityErrors, prometheus.CounterValue, float64(e.Errors), id)
		ch <- prometheus.MustNewConstMetric(c.entityTimeouts, prometheus.CounterValue, float64(e.Timeouts), id)
	}
}

var _ prometheus.Collector = (*Collector)(nil)
