package h2adapter

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsSource is anything that reports aggregate metrics, usually an
// *Adapter.
type MetricsSource interface {
	GetMetrics() MetricsSnapshot
}

type counterDesc struct {
	desc  *prometheus.Desc
	value func(MetricsSnapshot) uint64
}

// Collector exports the counters of a MetricsSource to Prometheus.
type Collector struct {
	src         MetricsSource
	counters    []counterDesc
	connections *prometheus.Desc
	uptime      *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector reading src on every scrape.
func NewCollector(src MetricsSource, constLabels prometheus.Labels) *Collector {
	counter := func(name, help string, value func(MetricsSnapshot) uint64) counterDesc {
		return counterDesc{
			desc:  prometheus.NewDesc("h2adapter_"+name+"_total", help, nil, constLabels),
			value: value,
		}
	}
	return &Collector{
		src: src,
		counters: []counterDesc{
			counter("streams_opened", "Streams created.", func(s MetricsSnapshot) uint64 { return s.StreamsOpened }),
			counter("streams_closed", "Streams that reached their terminal state.", func(s MetricsSnapshot) uint64 { return s.StreamsClosed }),
			counter("frames_sent", "HTTP/2 frames written.", func(s MetricsSnapshot) uint64 { return s.FramesSent }),
			counter("frames_received", "HTTP/2 frames decoded.", func(s MetricsSnapshot) uint64 { return s.FramesReceived }),
			counter("bytes_sent", "Bytes written to sockets.", func(s MetricsSnapshot) uint64 { return s.BytesSent }),
			counter("bytes_received", "Bytes read from sockets.", func(s MetricsSnapshot) uint64 { return s.BytesReceived }),
			counter("connection_errors", "Connections closed by an error.", func(s MetricsSnapshot) uint64 { return s.ConnectionErrors }),
			counter("stream_errors", "Streams that failed or timed out.", func(s MetricsSnapshot) uint64 { return s.StreamErrors }),
		},
		connections: prometheus.NewDesc("h2adapter_connections", "Live HTTP/2 connections.", nil, constLabels),
		uptime:      prometheus.NewDesc("h2adapter_uptime_seconds", "Seconds since the adapter was created.", nil, constLabels),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, cd := range c.counters {
		ch <- cd.desc
	}
	ch <- c.connections
	ch <- c.uptime
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.GetMetrics()
	for _, cd := range c.counters {
		ch <- prometheus.MustNewConstMetric(cd.desc, prometheus.CounterValue, float64(cd.value(s)))
	}
	ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(s.Connections))
	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, s.Uptime.Seconds())
}
