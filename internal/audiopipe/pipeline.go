// Package audiopipe implements the audio output pipeline: bounded-queue
// submission, an optional resample/remix converter, optional encoding, and
// discontinuity handling when a submission's timestamp doesn't follow the
// previous one contiguously.
package audiopipe

import (
	"sync"
	"time"

	"github.com/relaystream/server/internal/errs"
	"github.com/relaystream/server/internal/logging"
	"github.com/relaystream/server/internal/media"
)

var log = logging.L("audiopipe")

// FrameSink receives compressed audio buffers and the init block describing
// the negotiated output format.
type FrameSink interface {
	SendInit(block media.InitBlock)
	SendFrame(frame media.Frame)
}

// Format describes a PCM buffer's layout.
type Format struct {
	SampleRate    int
	Channels      int
	ChannelLayout string
	SampleFormat  string
}

func (f Format) equal(o Format) bool {
	return f.SampleRate == o.SampleRate && f.Channels == o.Channels &&
		f.ChannelLayout == o.ChannelLayout && f.SampleFormat == o.SampleFormat
}

// InitParams are the initialization inputs for the audio output pipeline.
type InitParams struct {
	Input   Format
	Output  Format
	Codec   string
	Bitrate int64
}

type converter struct {
	from, to Format
}

func newConverter(from, to Format) *converter { return &converter{from: from, to: to} }

// convert is a placeholder resample/remix/reformat step; real sample-rate
// conversion is out of scope for this server (no codec DSP bindings are
// linked in). Init installs a converter only when the input and output
// formats differ; when it does, every submission passes through this stage
// and is flushed on discontinuity, the same path a real converter would take.
func (c *converter) convert(pcm []byte) []byte {
	if c.from.equal(c.to) {
		return pcm
	}
	out := make([]byte, len(pcm))
	copy(out, pcm)
	return out
}

func (c *converter) flush() {}

type encoder struct {
	codec   string
	bitrate int64
	mu      sync.Mutex
}

func newEncoder(codec string, bitrate int64) *encoder {
	return &encoder{codec: codec, bitrate: bitrate}
}

// encode returns one or more encoded buffers per input PCM chunk, since some
// codecs produce N:M between input submissions and output buffers. The
// placeholder codec always emits exactly one passthrough buffer.
func (e *encoder) encode(pcm []byte) [][]byte {
	out := make([]byte, len(pcm))
	copy(out, pcm)
	return [][]byte{out}
}

func (e *encoder) setBitrate(bitrate int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bitrate = bitrate
}

func (e *encoder) flush() {}

type submission struct {
	pts      int64
	duration int64
	pcm      []byte
}

// Pipeline is the audio output pipeline: a bounded submission queue drained
// by a dedicated pump goroutine.
type Pipeline struct {
	streamID int64
	sink     FrameSink

	mu          sync.Mutex
	initialized bool
	params      InitParams
	conv        *converter
	enc         *encoder
	initID      int64
	sequence    uint64

	expectedPTS     int64
	haveExpectedPTS bool

	queue  chan submission
	stopCh chan struct{}
	wg     sync.WaitGroup
}

const defaultQueueDepth = 32

func NewPipeline(streamID int64, sink FrameSink) *Pipeline {
	return &Pipeline{streamID: streamID, sink: sink}
}

// Init (re)initializes the pipeline and starts its pump goroutine. Returns
// ErrAlreadyInitialized if called twice without an interleaving Terminate.
func (p *Pipeline) Init(params InitParams) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return errs.New("audiopipe.Init", errs.ErrAlreadyInitialized)
	}

	var conv *converter
	if !params.Input.equal(params.Output) {
		conv = newConverter(params.Input, params.Output)
	}
	var enc *encoder
	if params.Codec != "" {
		enc = newEncoder(params.Codec, params.Bitrate)
	}

	p.params = params
	p.conv = conv
	p.enc = enc
	p.initID++
	p.sequence = 0
	p.haveExpectedPTS = false
	p.queue = make(chan submission, defaultQueueDepth)
	p.stopCh = make(chan struct{})
	p.initialized = true

	p.sink.SendInit(media.InitBlock{
		InitID: p.initID,
		Codec:  params.Codec,
		Geometry: media.Geometry{
			ChannelLayout: params.Output.ChannelLayout,
			SampleRate:    params.Output.SampleRate,
			SampleFormat:  params.Output.SampleFormat,
		},
	})

	p.wg.Add(1)
	go p.pump()
	log.Info("audio pipeline initialized", "streamId", p.streamID, "initId", p.initID)
	return nil
}

// Terminate stops the pump goroutine and tears the pipeline down.
func (p *Pipeline) Terminate() error {
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return errs.New("audiopipe.Terminate", errs.ErrNotInitialized)
	}
	close(p.stopCh)
	p.initialized = false
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}

// SubmitInput enqueues a PCM buffer for conversion/encoding. Returns
// ErrInputFull if the bounded queue is saturated.
func (p *Pipeline) SubmitInput(pts, duration int64, pcm []byte) error {
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return errs.New("audiopipe.SubmitInput", errs.ErrNotInitialized)
	}
	q := p.queue
	p.mu.Unlock()

	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	select {
	case q <- submission{pts: pts, duration: duration, pcm: buf}:
		return nil
	default:
		return errs.New("audiopipe.SubmitInput", errs.ErrInputFull)
	}
}

// SetBitrate forwards a live bitrate change to the encoder under the
// pipeline lock, if one is configured.
func (p *Pipeline) SetBitrate(bitrate int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return errs.New("audiopipe.SetBitrate", errs.ErrNotInitialized)
	}
	p.params.Bitrate = bitrate
	if p.enc != nil {
		p.enc.setBitrate(bitrate)
	}
	return nil
}

func (p *Pipeline) pump() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case s := <-p.queue:
			p.process(s)
		}
	}
}

func (p *Pipeline) process(s submission) {
	p.mu.Lock()
	discontinuous := false
	if p.haveExpectedPTS && s.pts != p.expectedPTS {
		discontinuous = true
	}
	p.expectedPTS = s.pts + s.duration
	p.haveExpectedPTS = true
	conv := p.conv
	enc := p.enc
	p.mu.Unlock()

	if discontinuous {
		log.Warn("audio discontinuity detected", "streamId", p.streamID, "pts", s.pts)
		if conv != nil {
			conv.flush()
		}
		if enc != nil {
			enc.flush()
		}
	}

	pcm := s.pcm
	if conv != nil {
		pcm = conv.convert(pcm)
	}

	var buffers [][]byte
	if enc != nil {
		buffers = enc.encode(pcm)
	} else {
		buffers = [][]byte{pcm}
	}

	for i, buf := range buffers {
		p.mu.Lock()
		seq := p.sequence
		p.sequence++
		p.mu.Unlock()

		frame := media.Frame{
			StreamID:      p.streamID,
			Sequence:      seq,
			OriginPTS:     s.pts,
			PresentPTS:    time.Now().UnixMicro(),
			Duration:      s.duration,
			Discontinuity: discontinuous && i == 0,
			Subframes:     []media.Subframe{{Type: media.SubframeSlice, Bytes: buf}},
		}
		p.sink.SendFrame(frame)
	}
}
