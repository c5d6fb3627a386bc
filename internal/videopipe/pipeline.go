package videopipe

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaystream/server/internal/errs"
	"github.com/relaystream/server/internal/logging"
	"github.com/relaystream/server/internal/media"
)

var log = logging.L("videopipe")

// FrameSink receives init blocks, compressed frames and QoS observables from
// SubmitFrame, synchronously on the submitting goroutine. The avstreamer
// orchestrator passes its video transmitter adapter here; narrow on purpose
// so this package never imports the transport layer.
type FrameSink interface {
	SendInit(block media.InitBlock)
	SendFrame(frame media.Frame, observables media.VideoObservables)
}

// InitParams are the initialization inputs for one monoscopic video output
// pipeline, one set per stream rather than shared across streams.
type InitParams struct {
	InputWidth, InputHeight   int
	StreamWidth, StreamHeight int
	InputFormat               string
	ColorPrimaries            string
	TransferCharacteristic    string
	TargetBitrate             int64
	TargetFramerate           float64
	HDR                       bool
	PreserveAspectRatio       bool
	IntraRefreshPeriod        int
	// SkipUnchangedFrames enables a CRC32 frame-diff check that drops a
	// submitted surface (no encode, no sequence number consumed, no
	// delivery) when it is byte-identical to the previous one.
	SkipUnchangedFrames bool
}

// Viewport is the destination rectangle within the stream frame; letterbox
// bars (if any) are everything outside it.
type Viewport struct {
	X, Y, Width, Height int
}

func computeViewport(params InitParams) Viewport {
	sw, sh := params.StreamWidth, params.StreamHeight
	if !params.PreserveAspectRatio || params.InputWidth == 0 || params.InputHeight == 0 {
		return Viewport{0, 0, sw, sh}
	}
	inputAspect := float64(params.InputWidth) / float64(params.InputHeight)
	streamAspect := float64(sw) / float64(sh)
	if inputAspect == streamAspect {
		return Viewport{0, 0, sw, sh}
	}
	if inputAspect > streamAspect {
		// Input is wider: maximize width, letterbox top/bottom.
		h := int(float64(sw) / inputAspect)
		return Viewport{0, (sh - h) / 2, sw, h}
	}
	w := int(float64(sh) * inputAspect)
	return Viewport{(sw - w) / 2, 0, w, sh}
}

// Pipeline is the monoscopic video output pipeline: reinit-on-change,
// dynamic framerate tracking, keyframe forcing, and encoding. There is no
// separate encoder-polling goroutine: SubmitFrame encodes each surface and
// hands the compressed subframe to a FrameSink on the caller's goroutine.
type Pipeline struct {
	streamID int64
	sink     FrameSink

	mu          sync.Mutex
	initialized bool
	params      InitParams
	viewport    Viewport
	encoder     *Encoder
	converter   *Converter
	differ      *frameDiffer
	initID      int64
	sequence    uint64

	forceKeyframe atomic.Bool

	frameWindowStart time.Time
	frameWindowCount int

	submitted int64
	returned  int64

	metrics *StreamMetrics

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewPipeline(streamID int64, sink FrameSink) *Pipeline {
	return &Pipeline{streamID: streamID, sink: sink, differ: newFrameDiffer(), metrics: newStreamMetrics()}
}

// Metrics returns a point-in-time snapshot of this pipeline's capture/encode
// counters, suitable for periodic logging.
func (p *Pipeline) Metrics() MetricsSnapshot {
	return p.metrics.Snapshot()
}

// Init (re)initializes the pipeline. Returns ErrAlreadyInitialized if called
// twice without an interleaving Terminate.
func (p *Pipeline) Init(params InitParams) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return errs.New("videopipe.Init", errs.ErrAlreadyInitialized)
	}

	enc, err := NewEncoder(EncoderConfig{
		Codec:   CodecH264,
		Bitrate: params.TargetBitrate,
		FPS:     params.TargetFramerate,
		Width:   params.StreamWidth,
		Height:  params.StreamHeight,
	})
	if err != nil {
		return errs.Wrap("videopipe.Init", err)
	}

	p.params = params
	p.viewport = computeViewport(params)
	p.encoder = enc
	p.converter = p.converterForLocked(params)
	p.differ.Reset()
	p.initID++
	p.sequence = 0
	p.frameWindowStart = time.Time{}
	p.frameWindowCount = 0
	p.initialized = true

	p.sink.SendInit(p.initBlockLocked())
	log.Info("video pipeline initialized", "streamId", p.streamID, "initId", p.initID,
		"width", params.StreamWidth, "height", params.StreamHeight)
	return nil
}

func (p *Pipeline) initBlockLocked() media.InitBlock {
	return media.InitBlock{
		InitID: p.initID,
		Codec:  string(CodecH264),
		Geometry: media.Geometry{
			Width: p.params.StreamWidth, Height: p.params.StreamHeight,
			ViewportX: p.viewport.X, ViewportY: p.viewport.Y,
			ViewportWidth: p.viewport.Width, ViewportHeight: p.viewport.Height,
		},
	}
}

// Terminate tears the pipeline down, allowing a subsequent Init.
func (p *Pipeline) Terminate() error {
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return errs.New("videopipe.Terminate", errs.ErrNotInitialized)
	}
	enc := p.encoder
	p.encoder = nil
	p.initialized = false
	p.mu.Unlock()

	if enc != nil {
		return enc.Close()
	}
	return nil
}

// RequestKeyframe sets the force-keyframe flag, consumed by the next
// SubmitFrame call. Safe to call from any thread.
func (p *Pipeline) RequestKeyframe() {
	p.forceKeyframe.Store(true)
}

// FrameInput is what the capture thread hands the pipeline for one surface.
type FrameInput struct {
	Pixels                 []byte
	Width, Height          int
	ColorPrimaries         string
	TransferCharacteristic string
	Format                 string
	OriginPTS              int64
}

// SubmitFrame runs the reinit check, encodes the frame, and hands the
// compressed result to the sink. It is intended to be called from a single
// capture-driven thread; RequestKeyframe/QoS calls from other goroutines are
// safe concurrently with it.
func (p *Pipeline) SubmitFrame(in FrameInput) error {
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return errs.New("videopipe.SubmitFrame", errs.ErrNotInitialized)
	}

	if in.Width != p.params.InputWidth || in.Height != p.params.InputHeight ||
		in.ColorPrimaries != p.params.ColorPrimaries || in.TransferCharacteristic != p.params.TransferCharacteristic ||
		in.Format != p.params.InputFormat {
		p.params.InputWidth, p.params.InputHeight = in.Width, in.Height
		p.params.ColorPrimaries, p.params.TransferCharacteristic, p.params.InputFormat =
			in.ColorPrimaries, in.TransferCharacteristic, in.Format
		p.viewport = computeViewport(p.params)
		p.converter = p.converterForLocked(p.params)
		p.differ.Reset()
		p.initID++
		p.sink.SendInit(p.initBlockLocked())
		log.Info("video pipeline reinitialized", "streamId", p.streamID, "initId", p.initID)
	}

	p.trackFramerateLocked()

	if p.params.SkipUnchangedFrames && !p.differ.HasChanged(in.Pixels) {
		p.mu.Unlock()
		p.metrics.RecordSkip()
		return nil
	}

	force := p.forceKeyframe.Swap(false)
	enc := p.encoder
	conv := p.converter
	initID := p.initID
	seq := p.sequence
	p.sequence++
	submitted := atomic.AddInt64(&p.submitted, 1)
	targetBitrate := p.params.TargetBitrate
	targetFPS := p.params.TargetFramerate
	p.mu.Unlock()

	pixels := in.Pixels
	if conv != nil {
		scaleStart := time.Now()
		pixels = conv.Scale(pixels)
		p.metrics.RecordScale(time.Since(scaleStart))
	}

	encodeStart := time.Now()
	encoded, isKeyframe, err := enc.Encode(pixels, force)
	atomic.AddInt64(&p.returned, 1)
	if err != nil {
		return errs.Wrap("videopipe.Encode", err)
	}
	p.metrics.RecordEncode(time.Since(encodeStart), len(encoded))

	sfType := media.SubframeP
	if isKeyframe {
		sfType = media.SubframeIDR
	}

	frame := media.Frame{
		StreamID:   p.streamID,
		Sequence:   seq,
		OriginPTS:  in.OriginPTS,
		PresentPTS: time.Now().UnixMicro(),
		View:       media.ViewMonoscopic,
		Subframes:  []media.Subframe{{Type: sfType, Bytes: encoded}},
	}
	_ = initID
	observables := media.VideoObservables{
		EncoderQueueDepth:    submitted - atomic.LoadInt64(&p.returned),
		EncoderTargetBitrate: targetBitrate,
		EncoderTargetFPS:     targetFPS,
		FrameBytes:           frame.Size(),
	}
	p.metrics.RecordSend(len(encoded))
	p.sink.SendFrame(frame, observables)
	return nil
}

// converterForLocked decides whether a converter stage is needed for params
// and builds one if so; caller must hold p.mu. The software backend accepts
// RGBA natively at any size it's told, so the triggers that matter today are
// a resolution mismatch and an HDR request (the encoder is reported as not
// supporting HDR), but the full checklist is evaluated so a
// future non-RGBA-native backend only needs to report its own capabilities
// through the remaining NeedsConverter parameters.
func (p *Pipeline) converterForLocked(params InitParams) *Converter {
	needs := NeedsConverter(params.InputWidth, params.InputHeight, params.StreamWidth, params.StreamHeight,
		params.HDR, false, false, true, false, false)
	if !needs || params.InputWidth == 0 || params.InputHeight == 0 {
		return nil
	}
	return NewConverter(params.InputWidth, params.InputHeight, params.StreamWidth, params.StreamHeight)
}

// trackFramerateLocked implements the 3-second dynamic framerate window;
// caller must hold p.mu.
func (p *Pipeline) trackFramerateLocked() {
	now := time.Now()
	if p.frameWindowStart.IsZero() {
		p.frameWindowStart = now
		p.frameWindowCount = 1
		return
	}
	p.frameWindowCount++
	elapsed := now.Sub(p.frameWindowStart)
	if elapsed < 3*time.Second {
		return
	}
	measured := float64(p.frameWindowCount) / elapsed.Seconds()
	p.frameWindowStart = now
	p.frameWindowCount = 0

	if p.params.TargetFramerate == 0 {
		return
	}
	deviation := (measured - p.params.TargetFramerate) / p.params.TargetFramerate
	if deviation > 0.10 || deviation < -0.10 {
		if p.encoder != nil {
			if err := p.encoder.SetFPS(measured); err != nil {
				log.Warn("failed to apply measured framerate", "streamId", p.streamID, "error", err)
				return
			}
		}
		log.Debug("encoder framerate retuned from measured capture rate", "streamId", p.streamID, "measured", measured)
	}
}

// ApplyQoSBitrate and ApplyQoSFramerate are invoked by the QoS listener to
// push adjusted targets into the live encoder, independent of the dynamic
// framerate tracker above.
func (p *Pipeline) ApplyQoSBitrate(bitrate int64) {
	p.mu.Lock()
	p.params.TargetBitrate = bitrate
	enc := p.encoder
	p.mu.Unlock()
	if enc != nil {
		if err := enc.SetBitrate(bitrate); err != nil {
			log.Warn("failed to apply QoS bitrate", "streamId", p.streamID, "error", err)
		}
	}
}

func (p *Pipeline) ApplyQoSFramerate(fps float64) {
	p.mu.Lock()
	p.params.TargetFramerate = fps
	enc := p.encoder
	p.mu.Unlock()
	if enc != nil {
		if err := enc.SetFPS(fps); err != nil {
			log.Warn("failed to apply QoS framerate", "streamId", p.streamID, "error", err)
		}
	}
}

func (p *Pipeline) Viewport() Viewport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewport
}
