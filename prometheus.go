package camdrv

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector exports a pipeline's metrics as Prometheus counters.
// Register it on any prometheus.Registerer.
type PrometheusCollector struct {
	metrics *Metrics

	framesPublished *prometheus.Desc
	bytesPublished  *prometheus.Desc
	payloadsParsed  *prometheus.Desc
	payloadsDropped *prometheus.Desc
	endpointResets  *prometheus.Desc
}

// NewPrometheusCollector wraps a pipeline's metrics for scraping.
func NewPrometheusCollector(m *Metrics) *PrometheusCollector {
	return &PrometheusCollector{
		metrics: m,
		framesPublished: prometheus.NewDesc("camdrv_frames_published_total",
			"Frames delivered to user callbacks", nil, nil),
		bytesPublished: prometheus.NewDesc("camdrv_bytes_published_total",
			"Pixel bytes delivered to user callbacks", nil, nil),
		payloadsParsed: prometheus.NewDesc("camdrv_payloads_parsed_total",
			"Bulk payloads accepted by the parser", nil, nil),
		payloadsDropped: prometheus.NewDesc("camdrv_payloads_dropped_total",
			"Bulk payloads rejected by the parser", nil, nil),
		endpointResets: prometheus.NewDesc("camdrv_endpoint_resets_total",
			"Watchdog-driven endpoint resets", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.framesPublished
	ch <- c.bytesPublished
	ch <- c.payloadsParsed
	ch <- c.payloadsDropped
	ch <- c.endpointResets
}

// Collect implements prometheus.Collector.
func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.metrics.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.framesPublished, prometheus.CounterValue, float64(s.FramesPublished))
	ch <- prometheus.MustNewConstMetric(c.bytesPublished, prometheus.CounterValue, float64(s.BytesPublished))
	ch <- prometheus.MustNewConstMetric(c.payloadsParsed, prometheus.CounterValue, float64(s.PayloadsParsed))
	ch <- prometheus.MustNewConstMetric(c.payloadsDropped, prometheus.CounterValue, float64(s.PayloadsDropped))
	ch <- prometheus.MustNewConstMetric(c.endpointResets, prometheus.CounterValue, float64(s.EndpointResets))
}
