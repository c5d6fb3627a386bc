// Package qos implements the control loop that watches per-session stream
// statistics and adjusts encoder bitrate/framerate with hysteresis,
// rate-of-change limits, and a panic mode. It is driven inline from the video
// send path (ssdk::util::QoS in the original C++ SDK): the video transmitter
// adapter calls AdjustStreamQuality on the goroutine that submitted the
// frame. There is no dedicated QoS goroutine, and AdjustStreamQuality never
// blocks.
package qos

import (
	"sync"
	"time"
)

// EventKind enumerates the events a Controller can emit. Emission is
// synchronous and the Listener must not re-enter the Controller from within
// its callback.
type EventKind int

const (
	EventPanic EventKind = iota
	EventPanicEnded
	EventFpsChange
	EventFpsReachedLow
	EventFpsReachedHigh
	EventVideoBitrateChanged
	EventVideoBitrateLow
	EventVideoBitrateHigh
	EventVideoEncoderQueueThresholdExceeded
)

// PanicReason classifies why panic mode was entered.
type PanicReason int

const (
	PanicNoClientData PanicReason = iota
	PanicTooManyIDRRequests
	PanicClientCantKeepUp
)

// Event carries the event kind plus whichever value applies to it.
type Event struct {
	Kind        EventKind
	FloatValue  float64
	Int64Value  int64
	PanicReason PanicReason
}

// Listener receives QoS events for one stream. Implemented by the
// orchestrator; narrow on purpose so the controller never needs a back
// reference to anything but this trait (see the cyclic-reference note in
// the design notes this package is built against).
type Listener interface {
	OnQoSEvent(streamID int64, event Event)
}

// Strategy selects which knobs the controller is allowed to turn.
type Strategy int

const (
	StrategyAdjustFramerate Strategy = iota
	StrategyAdjustBitrate
	StrategyAdjustBoth
)

// Params configures one Controller instance. Zero-valued fields disable
// their associated checks only in the sense that the thresholds become 0;
// callers should always populate every field (internal/config.Config maps
// onto this one-to-one for the video stream).
type Params struct {
	TimeBeforePanic         time.Duration
	ThresholdIDR            int64
	PanicThresholdIDR       int64
	MaxEncoderQueueDepth    int64
	MaxDecoderQueueDepth    int64
	Strategy                Strategy

	MinFramerate            float64
	MaxFramerate            float64
	FramerateStep           float64
	FramerateAdjustPeriod   time.Duration

	MinBitrate              int64
	MaxBitrate              int64
	BitrateStep             int64
	BitrateAdjustPeriod     time.Duration
}

// VideoOutputStats are the inputs supplied on each call into the loop by
// the video send path.
type VideoOutputStats struct {
	EncoderQueueDepth    int64
	EncoderTargetBitrate int64
	EncoderTargetFPS     float64
	Bandwidth            int64 // bytes contributed by the frame just polled
}

const (
	maxDecoderOverflowEvents = 5
	maxCongestionEvents      = 5
)

type sessionInfo struct {
	framerateHistory      *valueHistory
	forceIDRReqCount      int64
	forceIDRUpdateTime    time.Time
	decoderQueueDepth     int64
	decoderQueueOverflow  int
	decoderOverflowFPS    float64
	congestionCount       int
	congestionBitrate     int64
}

// Controller is a per-stream QoS control loop. Safe for concurrent use; the
// only hot path (AdjustStreamQuality) is called from a single thread in
// practice (the goroutine submitting video frames) but UpdateSessionStats/UnregisterSession are
// called from transport receive threads, so all state is mutex-guarded.
type Controller struct {
	mu       sync.Mutex
	listener Listener
	streamID int64
	params   Params

	initialized bool

	firstFrameTime time.Time
	lastFrameTime  time.Time

	framerate         float64
	framerateHistory  *valueHistory
	lastFpsAdjustTime time.Time

	accumulatedBandwidth int64
	bitrateHistory       *valueHistory
	bitrate              int64
	lastBitrateAdjustTime time.Time

	encoderQueueDepth int64
	panic             bool
	lastPanicTime     time.Time

	sessions map[uint64]*sessionInfo

	worstSendTime        float64
	worstSendTimeHistory *valueHistory
}

// NewController builds a Controller bound to one Listener and stream.
func NewController(listener Listener, streamID int64, params Params) *Controller {
	return &Controller{
		listener: listener,
		streamID: streamID,
		params:   params,
		framerateHistory:     newValueHistory(4),
		bitrateHistory:       newValueHistory(4),
		worstSendTimeHistory: newValueHistory(5),
		sessions:             make(map[uint64]*sessionInfo),
	}
}

// Init (re)activates the controller. Idempotent.
func (c *Controller) Init() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initialized = true
}

// Terminate deactivates the controller and clears all history.
func (c *Controller) Terminate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return
	}
	c.resetCountersLocked()
	c.initialized = false
}

// UpdateSessionStats records a session's self-reported statistics. Called
// asynchronously off the transport receive thread whenever a Statistics
// control message arrives.
func (c *Controller) UpdateSessionStats(sessionID uint64, now time.Time, stats SessionStatsUpdateArgs) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return
	}

	si, ok := c.sessions[sessionID]
	if !ok {
		si = &sessionInfo{framerateHistory: newValueHistory(4)}
		c.sessions[sessionID] = si
	}
	si.framerateHistory.AddValue(stats.Framerate, stats.LastStatsTime.UnixNano())

	if si.forceIDRUpdateTime.Before(stats.LastStatsTime) {
		si.forceIDRReqCount = stats.ForceIDRReqCount
		si.forceIDRUpdateTime = stats.LastStatsTime
		si.decoderQueueDepth = stats.DecoderQueueDepth
	}

	if stats.WorstSendTimeMs > c.worstSendTime {
		c.worstSendTime = stats.WorstSendTimeMs
		c.worstSendTimeHistory.AddValue(stats.WorstSendTimeMs, now.UnixNano())
	}
}

// SessionStatsUpdateArgs is the subset of media.SessionStatsUpdate the
// controller needs; kept separate so this package has no dependency on
// internal/media (narrow interface per the design notes).
type SessionStatsUpdateArgs struct {
	LastStatsTime     time.Time
	Framerate         float64
	ForceIDRReqCount  int64
	WorstSendTimeMs   float64
	DecoderQueueDepth int64
}

// UnregisterSession drops a session's QoS state. Once the last session is
// gone, history is cleared and emitted framerate/bitrate reset to the
// configured maxima.
func (c *Controller) UnregisterSession(sessionID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
	if len(c.sessions) == 0 {
		c.resetCountersLocked()
	}
}

func (c *Controller) resetCountersLocked() {
	c.firstFrameTime = time.Time{}
	c.lastFrameTime = time.Time{}
	c.framerateHistory.Clear()
	c.framerate = 0
	c.lastFpsAdjustTime = time.Time{}
	c.accumulatedBandwidth = 0
	c.lastBitrateAdjustTime = time.Time{}
	c.panic = false
	c.lastPanicTime = time.Time{}
	c.sessions = make(map[uint64]*sessionInfo)
	c.bitrateHistory.Clear()
	c.worstSendTime = 0

	c.notify(Event{Kind: EventFpsChange, FloatValue: c.params.MaxFramerate})
	c.notify(Event{Kind: EventVideoBitrateChanged, Int64Value: c.params.MaxBitrate})
}

// AdjustStreamQuality runs one iteration of the priority-ordered control
// loop. Called inline by the video transmitter adapter for every frame it
// sends; never blocks.
func (c *Controller) AdjustStreamQuality(now time.Time, stats VideoOutputStats) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized || len(c.sessions) == 0 {
		return
	}

	c.encoderQueueDepth = stats.EncoderQueueDepth

	if c.firstFrameTime.IsZero() {
		c.firstFrameTime = now
		c.lastFrameTime = now
		c.bitrate = min(max(stats.EncoderTargetBitrate, c.params.MinBitrate), c.params.MaxBitrate)
		c.framerate = min(max(stats.EncoderTargetFPS, c.params.MinFramerate), c.params.MaxFramerate)
		c.lastFpsAdjustTime = now
		c.lastBitrateAdjustTime = now
		return
	}

	secondsBetween := now.Sub(c.lastFrameTime).Seconds()
	c.lastFrameTime = now
	if secondsBetween > 0 {
		c.framerateHistory.AddValue(1/secondsBetween, now.UnixNano())
	}
	if c.framerateHistory.Full() {
		c.framerate = min(max(c.framerateHistory.Average(), c.params.MinFramerate), c.params.MaxFramerate)
	}

	c.accumulatedBandwidth += stats.Bandwidth
	if now.Sub(time.Unix(0, c.bitrateHistory.LastUpdateTime())) > time.Second {
		elapsed := now.Sub(time.Unix(0, c.bitrateHistory.LastUpdateTime())).Seconds()
		if elapsed <= 0 {
			elapsed = 1
		}
		bitrate := float64(c.accumulatedBandwidth) * 8 / elapsed
		c.bitrateHistory.AddValue(bitrate, now.UnixNano())
		c.accumulatedBandwidth = 0
	}

	reason := PanicNoClientData
	lowerBitrate := false
	targetBitrate := stats.EncoderTargetBitrate
	lowerFramerate := false
	targetFramerate := stats.EncoderTargetFPS
	panicNow := false
	immediate := false

	if now.Sub(c.firstFrameTime) > c.params.TimeBeforePanic && !c.panic {
		// len(c.sessions) > 0 is already guaranteed above; the original
		// panics here only while zero sessions have reported stats yet.
		if !c.anySessionHasReportedLocked() {
			panicNow = true
			lowerBitrate = true
			lowerFramerate = true
			reason = PanicNoClientData
		}
	}

	if !panicNow {
		for sid, si := range c.sessions {
			if si.forceIDRReqCount > c.params.PanicThresholdIDR {
				panicNow = true
				lowerBitrate = true
				lowerFramerate = true
				reason = PanicTooManyIDRRequests
				break
			} else if si.forceIDRReqCount > c.params.ThresholdIDR {
				lowerBitrate = true
				lowerFramerate = true
			}

			if si.decoderQueueDepth > 0 {
				lowerFramerate = true
				if si.decoderQueueDepth > c.params.MaxDecoderQueueDepth {
					panicNow = true
					reason = PanicClientCantKeepUp
				}
				if now.Sub(c.lastFpsAdjustTime) > c.params.FramerateAdjustPeriod/4 {
					immediate = true
					if !panicNow {
						si.decoderQueueOverflow++
						if si.decoderQueueOverflow > maxDecoderOverflowEvents {
							si.decoderOverflowFPS = c.framerate
						}
					} else {
						si.decoderQueueOverflow = 0
					}
				}
			}

			if si.framerateHistory.Full() {
				if now.Sub(time.Unix(0, si.framerateHistory.LastUpdateTime())) > c.params.TimeBeforePanic {
					panicNow = true
					reason = PanicNoClientData
					lowerBitrate = true
					lowerFramerate = true
					break
				}
				sessionFPS := si.framerateHistory.Average()
				if sessionFPS != 0 && c.framerate != 0 && c.framerate > sessionFPS*1.15 &&
					now.Sub(c.lastFpsAdjustTime) > c.params.FramerateAdjustPeriod {
					lowerBitrate = true
					si.framerateHistory.Clear()
					si.congestionCount++
					if si.congestionCount > maxCongestionEvents {
						si.congestionBitrate = c.bitrate
					}
				}
			}

			if si.decoderQueueOverflow > maxDecoderOverflowEvents && targetFramerate >= si.decoderOverflowFPS {
				targetFramerate = si.decoderOverflowFPS - c.params.FramerateStep
				if targetFramerate < c.params.MinFramerate {
					targetFramerate = c.params.MinFramerate
				}
			}
			if si.congestionCount > maxCongestionEvents && targetBitrate >= si.congestionBitrate {
				targetBitrate = si.congestionBitrate - c.params.BitrateStep
				if targetBitrate < c.params.MinBitrate {
					targetBitrate = c.params.MinBitrate
				}
			}
			_ = sid
		}

		if !panicNow {
			if c.framerate != 0 && !lowerBitrate {
				frameTimeMs := 1000 / c.framerate
				if c.worstSendTime > frameTimeMs*2 ||
					(c.worstSendTimeHistory.Full() && c.worstSendTimeHistory.Average() > frameTimeMs) {
					lowerBitrate = true
					lowerFramerate = true
					c.worstSendTime = 0
				}
			}

			if c.encoderQueueDepth > c.params.MaxEncoderQueueDepth {
				lowerFramerate = true
				immediate = true
				c.notify(Event{Kind: EventVideoEncoderQueueThresholdExceeded, Int64Value: c.encoderQueueDepth})
			}
		}
	}

	if panicNow {
		if now.Sub(c.lastPanicTime) > c.params.TimeBeforePanic {
			c.lastPanicTime = now
			if !c.panic {
				c.notify(Event{Kind: EventPanic, PanicReason: reason})
				if (c.params.Strategy == StrategyAdjustFramerate || c.params.Strategy == StrategyAdjustBoth) && lowerFramerate {
					c.adjustFramerate(c.params.MinFramerate)
					c.framerateHistory.Clear()
				}
				if (c.params.Strategy == StrategyAdjustBitrate || c.params.Strategy == StrategyAdjustBoth) && lowerBitrate {
					c.adjustBitrate(c.params.MinBitrate)
					c.bitrateHistory.Clear()
				}
				c.panic = true
			}
		}
		return
	}

	if c.panic {
		c.panic = false
		c.notify(Event{Kind: EventPanicEnded})
	}

	if (c.params.Strategy == StrategyAdjustFramerate || c.params.Strategy == StrategyAdjustBoth) &&
		((now.Sub(c.lastFpsAdjustTime) > c.params.FramerateAdjustPeriod && c.framerateHistory.Full()) || immediate) {
		if lowerFramerate {
			c.adjustFramerate(c.framerate - c.params.FramerateStep)
		} else if c.framerate < targetFramerate {
			c.adjustFramerate(c.framerate + c.params.FramerateStep)
		}
	}

	if (c.params.Strategy == StrategyAdjustBitrate || c.params.Strategy == StrategyAdjustBoth) &&
		now.Sub(c.lastBitrateAdjustTime) > c.params.BitrateAdjustPeriod && c.bitrateHistory.Full() {
		if lowerBitrate {
			c.adjustBitrate(c.bitrate - c.params.BitrateStep)
		} else if c.bitrate < targetBitrate {
			c.adjustBitrate(c.bitrate + c.params.BitrateStep)
		}
	}
}

func (c *Controller) anySessionHasReportedLocked() bool {
	for _, si := range c.sessions {
		if !si.forceIDRUpdateTime.IsZero() || !si.framerateHistory.Empty() {
			return true
		}
	}
	return false
}

func (c *Controller) adjustFramerate(target float64) {
	if target < c.params.MinFramerate {
		target = c.params.MinFramerate
		if c.framerate != c.params.MinFramerate {
			c.notify(Event{Kind: EventFpsReachedLow, FloatValue: target})
		}
	} else if target > c.params.MaxFramerate {
		target = c.params.MaxFramerate
		if c.framerate != c.params.MaxFramerate {
			c.notify(Event{Kind: EventFpsReachedHigh, FloatValue: target})
		}
	}
	if target != c.framerate {
		c.framerate = target
		c.notify(Event{Kind: EventFpsChange, FloatValue: target})
		c.lastFpsAdjustTime = time.Now()
	}
}

func (c *Controller) adjustBitrate(target int64) {
	if target < c.params.MinBitrate {
		target = c.params.MinBitrate
		if c.bitrate != c.params.MinBitrate {
			c.notify(Event{Kind: EventVideoBitrateLow, Int64Value: target})
		}
	} else if target > c.params.MaxBitrate {
		target = c.params.MaxBitrate
		if c.bitrate != c.params.MaxBitrate {
			c.notify(Event{Kind: EventVideoBitrateHigh, Int64Value: target})
		}
	}
	if target != c.bitrate {
		c.bitrate = target
		c.notify(Event{Kind: EventVideoBitrateChanged, Int64Value: target})
		c.lastBitrateAdjustTime = time.Now()
	}
}

func (c *Controller) notify(e Event) {
	if c.listener != nil {
		c.listener.OnQoSEvent(c.streamID, e)
	}
}

// CurrentFramerate and CurrentBitrate expose the controller's working values,
// mainly for tests and metrics reporting. Once its history is full the
// framerate follows the measured frame-rate average (clamped to the
// configured bounds), so it is not always a value that was emitted. After the
// last session unregisters the framerate reads 0 and the bitrate keeps its
// last value until the next frame re-seeds both.
func (c *Controller) CurrentFramerate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.framerate
}

func (c *Controller) CurrentBitrate() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bitrate
}
