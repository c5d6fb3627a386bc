package videopipe

import (
	"testing"

	"github.com/relaystream/server/internal/media"
)

type recordingSink struct {
	inits  []media.InitBlock
	frames []media.Frame
	obs    []media.VideoObservables
}

func (s *recordingSink) SendInit(b media.InitBlock) { s.inits = append(s.inits, b) }
func (s *recordingSink) SendFrame(f media.Frame, o media.VideoObservables) {
	s.frames = append(s.frames, f)
	s.obs = append(s.obs, o)
}

func testParams() InitParams {
	return InitParams{
		InputWidth: 1920, InputHeight: 1080,
		StreamWidth: 1920, StreamHeight: 1080,
		InputFormat: "bgra", ColorPrimaries: "bt709", TransferCharacteristic: "srgb",
		TargetBitrate: 4_000_000, TargetFramerate: 30,
	}
}

func frame(w, h int) FrameInput {
	return FrameInput{Pixels: make([]byte, w*h*4), Width: w, Height: h, Format: "bgra", ColorPrimaries: "bt709", TransferCharacteristic: "srgb"}
}

func TestInitPublishesOneInitBlock(t *testing.T) {
	sink := &recordingSink{}
	p := NewPipeline(1, sink)
	if err := p.Init(testParams()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if len(sink.inits) != 1 {
		t.Fatalf("expected exactly one init block from Init, got %d", len(sink.inits))
	}
	if sink.inits[0].InitID != 1 {
		t.Fatalf("expected InitID 1, got %d", sink.inits[0].InitID)
	}
}

func TestDoubleInitFails(t *testing.T) {
	p := NewPipeline(1, &recordingSink{})
	if err := p.Init(testParams()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := p.Init(testParams()); err == nil {
		t.Fatalf("expected second Init without Terminate to fail")
	}
}

func TestResolutionChangeReinitializes(t *testing.T) {
	sink := &recordingSink{}
	p := NewPipeline(1, sink)
	if err := p.Init(testParams()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := p.SubmitFrame(frame(1920, 1080)); err != nil {
		t.Fatalf("SubmitFrame: %v", err)
	}
	if err := p.SubmitFrame(frame(1280, 720)); err != nil {
		t.Fatalf("SubmitFrame: %v", err)
	}
	if len(sink.inits) != 2 {
		t.Fatalf("expected a second init block after a resolution change, got %d", len(sink.inits))
	}
	if sink.inits[1].InitID != 2 {
		t.Fatalf("expected InitID to advance to 2, got %d", sink.inits[1].InitID)
	}
}

func TestSubmitBeforeInitFails(t *testing.T) {
	p := NewPipeline(1, &recordingSink{})
	if err := p.SubmitFrame(frame(1920, 1080)); err == nil {
		t.Fatalf("expected SubmitFrame before Init to fail")
	}
}

func TestForceKeyframeConsumedOnce(t *testing.T) {
	sink := &recordingSink{}
	p := NewPipeline(1, sink)
	if err := p.Init(testParams()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	p.RequestKeyframe()
	if err := p.SubmitFrame(frame(1920, 1080)); err != nil {
		t.Fatalf("SubmitFrame: %v", err)
	}
	if err := p.SubmitFrame(frame(1920, 1080)); err != nil {
		t.Fatalf("SubmitFrame: %v", err)
	}
	if len(sink.frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(sink.frames))
	}
	if sink.frames[0].Subframes[0].Type != media.SubframeIDR {
		t.Fatalf("expected first frame after RequestKeyframe to be an IDR")
	}
	if sink.frames[1].Subframes[0].Type == media.SubframeIDR {
		t.Fatalf("expected force-keyframe flag to be consumed after one frame")
	}
}

func TestSkipUnchangedFramesDropsDuplicates(t *testing.T) {
	sink := &recordingSink{}
	p := NewPipeline(1, sink)
	params := testParams()
	params.SkipUnchangedFrames = true
	if err := p.Init(params); err != nil {
		t.Fatalf("Init: %v", err)
	}
	f := frame(1920, 1080)
	if err := p.SubmitFrame(f); err != nil {
		t.Fatalf("SubmitFrame: %v", err)
	}
	if err := p.SubmitFrame(f); err != nil {
		t.Fatalf("SubmitFrame: %v", err)
	}
	if len(sink.frames) != 1 {
		t.Fatalf("expected the identical second frame to be skipped, got %d delivered", len(sink.frames))
	}
	if snap := p.Metrics().FramesSkipped; snap != 1 {
		t.Fatalf("expected 1 skipped frame recorded, got %d", snap)
	}
}

func TestResolutionMismatchScalesThroughConverter(t *testing.T) {
	sink := &recordingSink{}
	p := NewPipeline(1, sink)
	params := testParams()
	params.InputWidth, params.InputHeight = 1280, 720
	if err := p.Init(params); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := p.SubmitFrame(frame(1280, 720)); err != nil {
		t.Fatalf("SubmitFrame: %v", err)
	}
	if len(sink.frames) != 1 {
		t.Fatalf("expected 1 delivered frame, got %d", len(sink.frames))
	}
}

func TestLetterboxViewportWhenAspectDiffers(t *testing.T) {
	params := testParams()
	params.PreserveAspectRatio = true
	params.InputWidth, params.InputHeight = 2560, 1080 // 64:27 ultrawide into a 16:9 stream
	params.StreamWidth, params.StreamHeight = 1920, 1080
	vp := computeViewport(params)
	if vp.Height >= params.StreamHeight {
		t.Fatalf("expected vertical letterboxing, got viewport height %d", vp.Height)
	}
	if vp.Width != params.StreamWidth {
		t.Fatalf("expected full stream width preserved, got %d", vp.Width)
	}
}
