// Package avstreamer is the central orchestrator: it owns the capture
// threads, the timestamp calibrator, both media pipelines, the transmitter
// adapters, and the QoS controller, and implements transport.ConnectionManager
// so the transport layer can drive all of them without knowing any of their
// concrete types. Every subordinate component is reached through a narrow
// callback trait rather than a shared pointer, so there is no reference
// cycle to break on shutdown.
package avstreamer

import (
	"sync"
	"time"

	"github.com/relaystream/server/internal/audiopipe"
	"github.com/relaystream/server/internal/calib"
	"github.com/relaystream/server/internal/errs"
	"github.com/relaystream/server/internal/logging"
	"github.com/relaystream/server/internal/media"
	"github.com/relaystream/server/internal/qos"
	"github.com/relaystream/server/internal/transmit"
	"github.com/relaystream/server/internal/transport"
	"github.com/relaystream/server/internal/videopipe"
)

var log = logging.L("avstreamer")

// VideoSource is a non-blocking capture source: TakeSample returns ok=false
// immediately when no new surface is ready, rather than blocking the
// capture loop.
type VideoSource interface {
	TakeSample() (pixels []byte, width, height int, pts int64, ok bool)
}

// AudioSource is the audio analog of VideoSource.
type AudioSource interface {
	TakeSample() (pcm []byte, pts, durationUs int64, ok bool)
}

// videoSample/audioSample adapt a raw capture sample to calib.Sample so the
// calibrator can rebase its pts in place before it reaches the pipeline.
type videoSample struct {
	pixels        []byte
	width, height int
	clockPTS      int64
	presentPTS    int64
}

func (s *videoSample) ClockPTS() int64       { return s.clockPTS }
func (s *videoSample) SetPresentPTS(v int64) { s.presentPTS = v }

type audioSample struct {
	pcm        []byte
	duration   int64
	clockPTS   int64
	presentPTS int64
}

func (s *audioSample) ClockPTS() int64       { return s.clockPTS }
func (s *audioSample) SetPresentPTS(v int64) { s.presentPTS = v }

// Config bundles everything needed to stand up one stream's worth of
// orchestration.
type Config struct {
	StreamID    int64
	MaxSessions int
	Video       videopipe.InitParams
	Audio       audiopipe.InitParams
	QoS         qos.Params
}

// Orchestrator ties capture, calibration, encoding, transmission, and QoS
// together for one audio+video stream pair and implements
// transport.ConnectionManager.
type Orchestrator struct {
	cfg Config

	calibrator *calib.Calibrator
	video      *videopipe.Pipeline
	audio      *audiopipe.Pipeline
	videoTx    *transmit.Adapter
	audioTx    *transmit.Adapter
	qosCtl     *qos.Controller

	videoSource VideoSource
	audioSource AudioSource

	mu                sync.Mutex
	videoSubscribers  int
	audioSubscribers  int
	videoStopCh       chan struct{}
	audioStopCh       chan struct{}
	controllerSession uint64
	haveController    bool
	// demotedControllers holds sessions that requested the Controller role
	// while one was already held, in connection order. On the current
	// controller's disconnect the first entry here is promoted.
	demotedControllers []*transport.Session
}

// New builds an Orchestrator. The capture sources may be nil (e.g. in
// tests), in which case subscribe/unsubscribe still drive the DFA but no
// samples are ever produced.
func New(cfg Config, videoSource VideoSource, audioSource AudioSource) *Orchestrator {
	o := &Orchestrator{
		cfg:         cfg,
		calibrator:  calib.New(),
		videoSource: videoSource,
		audioSource: audioSource,
	}
	o.qosCtl = qos.NewController(qosListenerAdapter{o}, cfg.StreamID, cfg.QoS)
	o.videoTx = transmit.NewAdapter(media.KindVideo, qosSinkAdapter{o.qosCtl})
	o.audioTx = transmit.NewAdapter(media.KindAudio, nil)
	o.video = videopipe.NewPipeline(cfg.StreamID, o.videoTx)
	o.audio = audiopipe.NewPipeline(cfg.StreamID, audioFrameSinkAdapter{o.audioTx})
	return o
}

// audioFrameSinkAdapter adapts *transmit.Adapter to audiopipe.FrameSink.
type audioFrameSinkAdapter struct{ a *transmit.Adapter }

func (a audioFrameSinkAdapter) SendInit(b media.InitBlock)  { a.a.SendInit(b) }
func (a audioFrameSinkAdapter) SendFrame(f media.Frame)     { a.a.SendFrame(f, media.VideoObservables{}) }

// qosSinkAdapter adapts *qos.Controller to transmit.QoSSink.
type qosSinkAdapter struct{ c *qos.Controller }

func (q qosSinkAdapter) AdjustStreamQuality(now time.Time, obs media.VideoObservables) {
	q.c.AdjustStreamQuality(now, qos.VideoOutputStats{
		EncoderQueueDepth:    obs.EncoderQueueDepth,
		EncoderTargetBitrate: obs.EncoderTargetBitrate,
		EncoderTargetFPS:     obs.EncoderTargetFPS,
		Bandwidth:            int64(obs.FrameBytes),
	})
}

// qosListenerAdapter adapts *Orchestrator to qos.Listener, applying emitted
// framerate/bitrate changes to the live video pipeline.
type qosListenerAdapter struct{ o *Orchestrator }

func (l qosListenerAdapter) OnQoSEvent(streamID int64, e qos.Event) {
	switch e.Kind {
	case qos.EventFpsChange:
		l.o.video.ApplyQoSFramerate(e.FloatValue)
	case qos.EventVideoBitrateChanged:
		l.o.video.ApplyQoSBitrate(e.Int64Value)
	case qos.EventPanic:
		log.Warn("QoS panic", "streamId", streamID, "reason", e.PanicReason)
	case qos.EventPanicEnded:
		log.Info("QoS panic ended", "streamId", streamID)
	case qos.EventVideoEncoderQueueThresholdExceeded:
		log.Warn("encoder queue threshold exceeded", "streamId", streamID, "depth", e.Int64Value)
	}
}

// Start initializes both pipelines and QoS so the orchestrator is ready to
// accept subscriptions.
func (o *Orchestrator) Start() error {
	o.qosCtl.Init()
	if err := o.video.Init(o.cfg.Video); err != nil {
		return errs.Wrap("avstreamer.Start", err)
	}
	if err := o.audio.Init(o.cfg.Audio); err != nil {
		return errs.Wrap("avstreamer.Start", err)
	}
	return nil
}

// Shutdown stops any running capture threads and tears down both pipelines.
// Idempotent.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	o.stopVideoCaptureLocked()
	o.stopAudioCaptureLocked()
	o.mu.Unlock()

	o.video.Terminate()
	o.audio.Terminate()
	o.qosCtl.Terminate()
}

// --- transport.ConnectionManager ---

func (o *Orchestrator) OnDiscoveryRequest(clientID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.videoSubscribers+o.audioSubscribers < o.cfg.MaxSessions*2
}

func (o *Orchestrator) OnConnectionRequest(session *transport.Session, requestedRole media.Role) (bool, media.Role) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if requestedRole != media.RoleController {
		return true, requestedRole
	}
	if o.haveController {
		// A second controller is demoted to viewer rather than refused; it
		// is queued for promotion if the incumbent controller disconnects.
		o.demotedControllers = append(o.demotedControllers, session)
		return true, media.RoleViewer
	}
	o.haveController = true
	o.controllerSession = session.ID()
	return true, media.RoleController
}

func (o *Orchestrator) OnSubscribe(session *transport.Session, kind media.Kind) error {
	switch kind {
	case media.KindVideo:
		if err := o.videoTx.RegisterSession(session); err != nil {
			return err
		}
		o.mu.Lock()
		o.videoSubscribers++
		first := o.videoSubscribers == 1
		o.mu.Unlock()
		if first {
			o.startVideoCapture()
		}
		return o.videoTx.SendInitToSession(session.ID())
	case media.KindAudio:
		if err := o.audioTx.RegisterSession(session); err != nil {
			return err
		}
		o.mu.Lock()
		o.audioSubscribers++
		first := o.audioSubscribers == 1
		o.mu.Unlock()
		if first {
			o.startAudioCapture()
		}
		return o.audioTx.SendInitToSession(session.ID())
	}
	return nil
}

func (o *Orchestrator) OnUnsubscribe(session *transport.Session, kind media.Kind) {
	switch kind {
	case media.KindVideo:
		o.videoTx.UnregisterSession(session.ID())
		o.qosCtl.UnregisterSession(session.ID())
		o.mu.Lock()
		if o.videoSubscribers > 0 {
			o.videoSubscribers--
		}
		last := o.videoSubscribers == 0
		o.mu.Unlock()
		if last {
			o.mu.Lock()
			o.stopVideoCaptureLocked()
			o.mu.Unlock()
		}
	case media.KindAudio:
		o.audioTx.UnregisterSession(session.ID())
		o.mu.Lock()
		if o.audioSubscribers > 0 {
			o.audioSubscribers--
		}
		last := o.audioSubscribers == 0
		o.mu.Unlock()
		if last {
			o.mu.Lock()
			o.stopAudioCaptureLocked()
			o.mu.Unlock()
		}
	}
}

func (o *Orchestrator) OnInitAck(session *transport.Session, kind media.Kind, initID int64) {
	switch kind {
	case media.KindVideo:
		o.videoTx.UpdateSession(session.ID(), initID)
	case media.KindAudio:
		o.audioTx.UpdateSession(session.ID(), initID)
	}
}

func (o *Orchestrator) OnForceIDR(session *transport.Session) {
	o.video.RequestKeyframe()
}

func (o *Orchestrator) OnStatistics(session *transport.Session, stats media.SessionStatsUpdate) {
	o.qosCtl.UpdateSessionStats(stats.SessionID, stats.LastStatsTime, qos.SessionStatsUpdateArgs{
		LastStatsTime:     stats.LastStatsTime,
		Framerate:         stats.Framerate,
		ForceIDRReqCount:  stats.ForceIDRReqCount,
		WorstSendTimeMs:   stats.WorstSendTimeMs,
		DecoderQueueDepth: stats.DecoderQueueDepth,
	})
}

// OnSensorEvent receives a controller-role session's input event. Actually
// injecting it into the OS input stack is an external collaborator; the
// orchestrator only logs it at debug level.
func (o *Orchestrator) OnSensorEvent(session *transport.Session, event transport.InputEvent) {
	log.Debug("sensor event received", "sessionId", session.ID(), "type", event.Type)
}

func (o *Orchestrator) OnTerminate(session *transport.Session, reason transport.TerminationReason) {
	log.Info("session terminated", "sessionId", session.ID(), "reason", reason)

	o.mu.Lock()
	wasController := o.haveController && o.controllerSession == session.ID()
	if wasController {
		o.haveController = false
	}
	for i, s := range o.demotedControllers {
		if s.ID() == session.ID() {
			o.demotedControllers = append(o.demotedControllers[:i], o.demotedControllers[i+1:]...)
			break
		}
	}
	var successor *transport.Session
	if wasController && len(o.demotedControllers) > 0 {
		successor = o.demotedControllers[0]
		o.demotedControllers = o.demotedControllers[1:]
		o.haveController = true
		o.controllerSession = successor.ID()
	}
	o.mu.Unlock()

	if successor != nil {
		successor.PromoteToController()
		log.Info("promoted demoted controller to successor", "sessionId", successor.ID())
	}
}

// --- capture thread lifecycle (start* take o.mu themselves; *Locked expect the caller to hold it) ---

func (o *Orchestrator) startVideoCapture() {
	o.mu.Lock()
	if o.videoStopCh != nil {
		o.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	o.videoStopCh = stop
	o.mu.Unlock()

	go o.videoCaptureLoop(stop)
}

func (o *Orchestrator) stopVideoCaptureLocked() {
	if o.videoStopCh == nil {
		return
	}
	close(o.videoStopCh)
	o.videoStopCh = nil
}

func (o *Orchestrator) startAudioCapture() {
	o.mu.Lock()
	if o.audioStopCh != nil {
		o.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	o.audioStopCh = stop
	o.mu.Unlock()

	go o.audioCaptureLoop(stop)
}

func (o *Orchestrator) stopAudioCaptureLocked() {
	if o.audioStopCh == nil {
		return
	}
	close(o.audioStopCh)
	o.audioStopCh = nil
}

func frameInputFromSample(vs *videoSample) videopipe.FrameInput {
	return videopipe.FrameInput{
		Pixels:    vs.pixels,
		Width:     vs.width,
		Height:    vs.height,
		OriginPTS: vs.presentPTS,
	}
}

func (o *Orchestrator) videoCaptureLoop(stop chan struct{}) {
	if o.videoSource == nil {
		return
	}
	for {
		select {
		case <-stop:
			return
		default:
		}
		pixels, w, h, pts, ok := o.videoSource.TakeSample()
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		vs := &videoSample{pixels: pixels, width: w, height: h, clockPTS: pts}
		o.calibrator.SubmitVideo(vs)
		if err := o.video.SubmitFrame(frameInputFromSample(vs)); err != nil {
			log.Warn("video frame submission failed", "streamId", o.cfg.StreamID, "error", err)
		}
	}
}

func (o *Orchestrator) audioCaptureLoop(stop chan struct{}) {
	if o.audioSource == nil {
		return
	}
	for {
		select {
		case <-stop:
			return
		default:
		}
		pcm, pts, dur, ok := o.audioSource.TakeSample()
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		as := &audioSample{pcm: pcm, duration: dur, clockPTS: pts}
		o.calibrator.SubmitAudio(as)
		if err := o.audio.SubmitInput(as.presentPTS, dur, pcm); err != nil {
			log.Warn("audio submission failed", "streamId", o.cfg.StreamID, "error", err)
		}
	}
}
