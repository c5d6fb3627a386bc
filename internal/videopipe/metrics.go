package videopipe

import (
	"sync"
	"time"
)

// StreamMetrics tracks real-time capture/encode/send performance for one
// pipeline instance, independent of the QoS controller's own rolling
// averages; this is a raw counters view meant for logging and diagnostics.
type StreamMetrics struct {
	mu sync.RWMutex

	framesEncoded uint64
	framesSent    uint64
	framesSkipped uint64

	lastScaleTime  time.Duration
	lastEncodeTime time.Duration
	lastFrameSize  int

	totalBytesSent uint64
	startTime      time.Time
}

func newStreamMetrics() *StreamMetrics {
	return &StreamMetrics{startTime: time.Now()}
}

func (m *StreamMetrics) RecordSkip() {
	m.mu.Lock()
	m.framesSkipped++
	m.mu.Unlock()
}

func (m *StreamMetrics) RecordScale(d time.Duration) {
	m.mu.Lock()
	m.lastScaleTime = d
	m.mu.Unlock()
}

func (m *StreamMetrics) RecordEncode(d time.Duration, size int) {
	m.mu.Lock()
	m.framesEncoded++
	m.lastEncodeTime = d
	m.lastFrameSize = size
	m.mu.Unlock()
}

func (m *StreamMetrics) RecordSend(size int) {
	m.mu.Lock()
	m.framesSent++
	m.totalBytesSent += uint64(size)
	m.mu.Unlock()
}

// MetricsSnapshot is a point-in-time copy of a pipeline's metrics.
type MetricsSnapshot struct {
	FramesEncoded  uint64
	FramesSent     uint64
	FramesSkipped  uint64
	ScaleMs        float64
	EncodeMs       float64
	LastFrameSize  int
	BandwidthKBps  float64
	Uptime         time.Duration
}

func (m *StreamMetrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	uptime := time.Since(m.startTime)
	bw := 0.0
	if uptime.Seconds() > 0 {
		bw = float64(m.totalBytesSent) / uptime.Seconds() / 1024.0
	}

	return MetricsSnapshot{
		FramesEncoded: m.framesEncoded,
		FramesSent:    m.framesSent,
		FramesSkipped: m.framesSkipped,
		ScaleMs:       float64(m.lastScaleTime.Microseconds()) / 1000.0,
		EncodeMs:      float64(m.lastEncodeTime.Microseconds()) / 1000.0,
		LastFrameSize: m.lastFrameSize,
		BandwidthKBps: bw,
		Uptime:        uptime,
	}
}
