// Package metrics exports secure element statistics to Prometheus
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"avaneesh/ese-go/pkg/ese"
	"avaneesh/ese-go/pkg/t1"
)

const namespace = "ese"

var (
	registerOnce sync.Once

	rpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Total RPC requests.",
		},
		[]string{"method", "status"},
	)
	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "RPC request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "status"},
	)
)

// RegisterMetrics registers the package level RPC metrics with the default
// registry
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(rpcRequests, rpcDuration)
	})
}

// RecordRPC counts one RPC call and its status code
func RecordRPC(method string, status t1.StatusCode, duration time.Duration) {
	RegisterMetrics()
	rpcRequests.WithLabelValues(method, status.String()).Inc()
	rpcDuration.WithLabelValues(method, status.String()).Observe(duration.Seconds())
}

// Source lists devices and their statistics. *ese.Manager implements it.
type Source interface {
	Devices() []string
	Statistics(id string) (ese.DeviceStatistics, bool)
}

type counterDesc struct {
	desc  *prometheus.Desc
	value func(s *ese.DeviceStatistics) uint64
}

// Collector reads device statistics on every scrape
type Collector struct {
	source Source

	counters []counterDesc
	refs     *prometheus.Desc
	buffered *prometheus.Desc
	direct   *prometheus.Desc
}

// NewCollector creates a collector over source
func NewCollector(source Source) *Collector {
	labels := []string{"device"}
	counter := func(subsystem, name, help string, value func(s *ese.DeviceStatistics) uint64) counterDesc {
		return counterDesc{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil),
			value: value,
		}
	}
	gauge := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "device", name), help, labels, nil)
	}

	return &Collector{
		source: source,
		counters: []counterDesc{
			counter("t1", "tx_iframes_total", "I-blocks sent.", func(s *ese.DeviceStatistics) uint64 { return s.Session.TxIFrames }),
			counter("t1", "tx_rframes_total", "R-blocks sent.", func(s *ese.DeviceStatistics) uint64 { return s.Session.TxRFrames }),
			counter("t1", "tx_sframes_total", "S-blocks sent.", func(s *ese.DeviceStatistics) uint64 { return s.Session.TxSFrames }),
			counter("t1", "rx_iframes_total", "I-blocks received.", func(s *ese.DeviceStatistics) uint64 { return s.Session.RxIFrames }),
			counter("t1", "rx_rframes_total", "R-blocks received.", func(s *ese.DeviceStatistics) uint64 { return s.Session.RxRFrames }),
			counter("t1", "rx_sframes_total", "S-blocks received.", func(s *ese.DeviceStatistics) uint64 { return s.Session.RxSFrames }),
			counter("t1", "tx_messages_total", "Messages sent.", func(s *ese.DeviceStatistics) uint64 { return s.Session.TxMessages }),
			counter("t1", "rx_messages_total", "Responses received.", func(s *ese.DeviceStatistics) uint64 { return s.Session.RxMessages }),
			counter("t1", "lrc_errors_total", "Corrupt or partial blocks received.", func(s *ese.DeviceStatistics) uint64 { return s.Session.LRCErrors }),
			counter("t1", "retransmissions_total", "Blocks sent again.", func(s *ese.DeviceStatistics) uint64 { return s.Session.Retransmissions }),
			counter("t1", "timeouts_total", "Receives that found the bus silent.", func(s *ese.DeviceStatistics) uint64 { return s.Session.Timeouts }),
			counter("t1", "resyncs_total", "Resynchronizations requested by the element.", func(s *ese.DeviceStatistics) uint64 { return s.Session.Resyncs }),
			counter("t1", "wtx_requests_total", "Waiting time extensions granted.", func(s *ese.DeviceStatistics) uint64 { return s.Session.WTXRequests }),
			counter("t1", "failures_total", "Exchanges abandoned after a retry budget ran out.", func(s *ese.DeviceStatistics) uint64 { return s.Session.Failures }),
			counter("transport", "bytes_sent_total", "Bytes written to the channel.", func(s *ese.DeviceStatistics) uint64 { return s.Transport.BytesSent }),
			counter("transport", "bytes_received_total", "Bytes read from the channel.", func(s *ese.DeviceStatistics) uint64 { return s.Transport.BytesReceived }),
			counter("transport", "write_errors_total", "Channel write errors.", func(s *ese.DeviceStatistics) uint64 { return s.Transport.WriteErrors }),
			counter("transport", "read_errors_total", "Channel read errors.", func(s *ese.DeviceStatistics) uint64 { return s.Transport.ReadErrors }),
			counter("transport", "connects_total", "Channel connections.", func(s *ese.DeviceStatistics) uint64 { return s.Transport.Connects }),
			counter("transport", "disconnects_total", "Channel disconnections.", func(s *ese.DeviceStatistics) uint64 { return s.Transport.Disconnects }),
		},
		refs:     gauge("open_refs", "Open references to the device."),
		buffered: gauge("response_bytes", "Size of the buffered response."),
		direct:   gauge("direct_mode", "1 when the device bypasses the protocol."),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, counter := range c.counters {
		ch <- counter.desc
	}
	ch <- c.refs
	ch <- c.buffered
	ch <- c.direct
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, id := range c.source.Devices() {
		stats, ok := c.source.Statistics(id)
		if !ok {
			continue
		}
		for _, counter := range c.counters {
			ch <- prometheus.MustNewConstMetric(counter.desc, prometheus.CounterValue, float64(counter.value(&stats)), id)
		}
		ch <- prometheus.MustNewConstMetric(c.refs, prometheus.GaugeValue, float64(stats.RefCount), id)
		ch <- prometheus.MustNewConstMetric(c.buffered, prometheus.GaugeValue, float64(stats.ResponseSize), id)
		direct := 0.0
		if stats.Direct {
			direct = 1
		}
		ch <- prometheus.MustNewConstMetric(c.direct, prometheus.GaugeValue, direct, id)
	}
}
