package camdrv

import (
	"sync/atomic"
	"time"
)

// Metrics tracks streaming statistics for a pipeline. All counters are
// atomic; the struct is shared between the engine threads and readers.
type Metrics struct {
	// Frame counters
	FramesPublished atomic.Uint64 // Frames delivered to callbacks
	BytesPublished  atomic.Uint64 // Pixel bytes delivered

	// Engine counters
	PayloadsParsed  atomic.Uint64 // Payloads accepted by the parser
	PayloadsDropped atomic.Uint64 // Payloads rejected by the parser
	EndpointResets  atomic.Uint64 // Watchdog-driven pipe resets

	// Lifecycle
	StartTime atomic.Int64 // Pipeline creation timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordFrame records one delivered frame.
func (m *Metrics) RecordFrame(bytes uint64) {
	m.FramesPublished.Add(1)
	m.BytesPublished.Add(bytes)
}

// ObservePayload implements the engine observer.
func (m *Metrics) ObservePayload(bytes int) {
	m.PayloadsParsed.Add(1)
}

// ObserveDrop implements the engine observer.
func (m *Metrics) ObserveDrop() {
	m.PayloadsDropped.Add(1)
}

// ObserveReset implements the engine observer.
func (m *Metrics) ObserveReset() {
	m.EndpointResets.Add(1)
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	FramesPublished uint64        `json:"frames_published"`
	BytesPublished  uint64        `json:"bytes_published"`
	PayloadsParsed  uint64        `json:"payloads_parsed"`
	PayloadsDropped uint64        `json:"payloads_dropped"`
	EndpointResets  uint64        `json:"endpoint_resets"`
	Uptime          time.Duration `json:"uptime"`
}

// Snapshot copies the counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		FramesPublished: m.FramesPublished.Load(),
		BytesPublished:  m.BytesPublished.Load(),
		PayloadsParsed:  m.PayloadsParsed.Load(),
		PayloadsDropped: m.PayloadsDropped.Load(),
		EndpointResets:  m.EndpointResets.Load(),
		Uptime:          time.Since(time.Unix(0, m.StartTime.Load())),
	}
}
