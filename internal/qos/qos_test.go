package qos

import (
	"testing"
	"time"
)

type recordingListener struct {
	events []Event
}

func (l *recordingListener) OnQoSEvent(streamID int64, e Event) {
	l.events = append(l.events, e)
}

func (l *recordingListener) has(kind EventKind) bool {
	for _, e := range l.events {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

func testParams() Params {
	return Params{
		TimeBeforePanic:       3 * time.Second,
		ThresholdIDR:          3,
		PanicThresholdIDR:     8,
		MaxEncoderQueueDepth:  4,
		MaxDecoderQueueDepth:  2,
		Strategy:              StrategyAdjustBoth,
		MinFramerate:          10,
		MaxFramerate:          60,
		FramerateStep:         5,
		FramerateAdjustPeriod: 5 * time.Second,
		MinBitrate:            1_000_000,
		MaxBitrate:            20_000_000,
		BitrateStep:           500_000,
		BitrateAdjustPeriod:   10 * time.Second,
	}
}

func TestColdStartSeedsTargetsWithoutPanic(t *testing.T) {
	l := &recordingListener{}
	c := NewController(l, 1, testParams())
	c.Init()
	c.UpdateSessionStats(42, time.Now(), SessionStatsUpdateArgs{LastStatsTime: time.Now(), Framerate: 60})

	now := time.Now()
	c.AdjustStreamQuality(now, VideoOutputStats{EncoderTargetBitrate: 8_000_000, EncoderTargetFPS: 60})

	if c.CurrentBitrate() != 8_000_000 || c.CurrentFramerate() != 60 {
		t.Fatalf("expected seeded targets, got bitrate=%d fps=%v", c.CurrentBitrate(), c.CurrentFramerate())
	}
	if l.has(EventPanic) {
		t.Fatalf("unexpected panic event on cold start")
	}
}

func TestHappyPathEmitsNoEvents(t *testing.T) {
	l := &recordingListener{}
	c := NewController(l, 1, testParams())
	c.Init()

	base := time.Now()
	c.UpdateSessionStats(1, base, SessionStatsUpdateArgs{LastStatsTime: base, Framerate: 60})
	c.AdjustStreamQuality(base, VideoOutputStats{EncoderTargetBitrate: 8_000_000, EncoderTargetFPS: 60, EncoderQueueDepth: 0})

	for i := 1; i <= 6; i++ {
		now := base.Add(time.Duration(i) * (time.Second / 60))
		c.UpdateSessionStats(1, now, SessionStatsUpdateArgs{LastStatsTime: now, Framerate: 60})
		c.AdjustStreamQuality(now, VideoOutputStats{EncoderTargetBitrate: 8_000_000, EncoderTargetFPS: 60, EncoderQueueDepth: 0, Bandwidth: 100_000})
	}

	if len(l.events) != 0 {
		t.Fatalf("expected zero events on the steady-state happy path, got %v", l.events)
	}
}

func TestIDRStormTriggersPanicAndClampsToMinimums(t *testing.T) {
	l := &recordingListener{}
	c := NewController(l, 1, testParams())
	c.Init()

	base := time.Now()
	c.UpdateSessionStats(7, base, SessionStatsUpdateArgs{LastStatsTime: base, Framerate: 60})
	c.AdjustStreamQuality(base, VideoOutputStats{EncoderTargetBitrate: 8_000_000, EncoderTargetFPS: 60})

	storm := base.Add(time.Second)
	c.UpdateSessionStats(7, storm, SessionStatsUpdateArgs{LastStatsTime: storm, Framerate: 60, ForceIDRReqCount: 9})
	c.AdjustStreamQuality(storm, VideoOutputStats{EncoderTargetBitrate: 8_000_000, EncoderTargetFPS: 60})

	if !l.has(EventPanic) {
		t.Fatalf("expected a panic event during an IDR storm, got %v", l.events)
	}
	if c.CurrentFramerate() != testParams().MinFramerate {
		t.Fatalf("expected framerate clamped to minimum, got %v", c.CurrentFramerate())
	}
	if c.CurrentBitrate() != testParams().MinBitrate {
		t.Fatalf("expected bitrate clamped to minimum, got %v", c.CurrentBitrate())
	}
}

func TestUnregisterLastSessionResetsToMaximums(t *testing.T) {
	l := &recordingListener{}
	c := NewController(l, 1, testParams())
	c.Init()

	base := time.Now()
	c.UpdateSessionStats(3, base, SessionStatsUpdateArgs{LastStatsTime: base, Framerate: 60})
	c.AdjustStreamQuality(base, VideoOutputStats{EncoderTargetBitrate: 8_000_000, EncoderTargetFPS: 60})

	c.UnregisterSession(3)

	if c.CurrentFramerate() != 0 {
		// resetCountersLocked zeroes c.framerate (the next frame re-seeds it)
		// and announces the max only as an event the orchestrator applies;
		// verify instead that the reset event fired with the maximum.
	}
	found := false
	for _, e := range l.events {
		if e.Kind == EventFpsChange && e.FloatValue == testParams().MaxFramerate {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an FpsChange event to the max framerate after the last session unregisters, got %v", l.events)
	}
}

func TestBitrateAndFramerateStayWithinConfiguredBounds(t *testing.T) {
	l := &recordingListener{}
	params := testParams()
	c := NewController(l, 1, params)
	c.Init()

	base := time.Now()
	c.UpdateSessionStats(1, base, SessionStatsUpdateArgs{LastStatsTime: base, Framerate: 60})
	c.AdjustStreamQuality(base, VideoOutputStats{EncoderTargetBitrate: params.MaxBitrate + 5_000_000, EncoderTargetFPS: params.MaxFramerate + 20})

	for i := 1; i <= 50; i++ {
		now := base.Add(time.Duration(i) * 200 * time.Millisecond)
		c.UpdateSessionStats(1, now, SessionStatsUpdateArgs{LastStatsTime: now, Framerate: 5, ForceIDRReqCount: int64(i)})
		c.AdjustStreamQuality(now, VideoOutputStats{EncoderTargetBitrate: params.MaxBitrate, EncoderTargetFPS: params.MaxFramerate, EncoderQueueDepth: 10})

		if c.CurrentBitrate() < params.MinBitrate || c.CurrentBitrate() > params.MaxBitrate {
			t.Fatalf("bitrate %d escaped [%d,%d] at iteration %d", c.CurrentBitrate(), params.MinBitrate, params.MaxBitrate, i)
		}
		if c.CurrentFramerate() < params.MinFramerate || c.CurrentFramerate() > params.MaxFramerate {
			t.Fatalf("framerate %v escaped [%v,%v] at iteration %d", c.CurrentFramerate(), params.MinFramerate, params.MaxFramerate, i)
		}
	}
}
