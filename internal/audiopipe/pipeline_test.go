package audiopipe

import (
	"testing"
	"time"

	"github.com/relaystream/server/internal/media"
)

type recordingSink struct {
	mu     chan struct{}
	inits  []media.InitBlock
	frames []media.Frame
}

func newRecordingSink() *recordingSink { return &recordingSink{mu: make(chan struct{}, 1)} }

func (s *recordingSink) SendInit(b media.InitBlock) { s.inits = append(s.inits, b) }
func (s *recordingSink) SendFrame(f media.Frame) {
	s.frames = append(s.frames, f)
	select {
	case s.mu <- struct{}{}:
	default:
	}
}

func testFormat() Format {
	return Format{SampleRate: 48000, Channels: 2, ChannelLayout: "stereo", SampleFormat: "s16"}
}

func TestInitPublishesInitBlock(t *testing.T) {
	sink := newRecordingSink()
	p := NewPipeline(1, sink)
	if err := p.Init(InitParams{Input: testFormat(), Output: testFormat(), Codec: "opus", Bitrate: 128000}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Terminate()
	if len(sink.inits) != 1 {
		t.Fatalf("expected one init block, got %d", len(sink.inits))
	}
}

func TestSubmitDrainsThroughPump(t *testing.T) {
	sink := newRecordingSink()
	p := NewPipeline(1, sink)
	if err := p.Init(InitParams{Input: testFormat(), Output: testFormat(), Codec: "opus", Bitrate: 128000}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Terminate()

	if err := p.SubmitInput(0, 20000, make([]byte, 960)); err != nil {
		t.Fatalf("SubmitInput: %v", err)
	}
	select {
	case <-sink.mu:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for pump to emit a frame")
	}
	if len(sink.frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(sink.frames))
	}
}

func TestDiscontinuityFlaggedOnPTSMismatch(t *testing.T) {
	sink := newRecordingSink()
	p := NewPipeline(1, sink)
	if err := p.Init(InitParams{Input: testFormat(), Output: testFormat()}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Terminate()

	if err := p.SubmitInput(0, 20000, make([]byte, 960)); err != nil {
		t.Fatalf("SubmitInput: %v", err)
	}
	<-sink.mu
	// Skip ahead: expected pts was 20000, submit 50000 instead.
	if err := p.SubmitInput(50000, 20000, make([]byte, 960)); err != nil {
		t.Fatalf("SubmitInput: %v", err)
	}
	<-sink.mu

	if len(sink.frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(sink.frames))
	}
	if sink.frames[1].Discontinuity != true {
		t.Fatalf("expected second frame to be flagged discontinuous")
	}
}

func TestSubmitBeforeInitFails(t *testing.T) {
	p := NewPipeline(1, newRecordingSink())
	if err := p.SubmitInput(0, 20000, make([]byte, 10)); err == nil {
		t.Fatalf("expected SubmitInput before Init to fail")
	}
}
