package transport

import (
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaystream/server/internal/errs"
	"github.com/relaystream/server/internal/logging"
	"github.com/relaystream/server/internal/media"
)

var log = logging.L("transport")

// ConnectionManager is the orchestrator-side hook the transport calls into
// for every lifecycle transition. Kept narrow on purpose: the transport
// package has no notion of capture threads, pipelines, or QoS, only this
// trait — the avstreamer orchestrator implements it.
type ConnectionManager interface {
	// OnDiscoveryRequest decides accept/refuse for a Hello based on current
	// subscriber count vs. the configured maximum.
	OnDiscoveryRequest(clientID string) bool
	// OnConnectionRequest decides accept/refuse for a Connect and whether
	// this session is granted the controller role (only one is ever
	// granted; later requests are silently demoted to viewer).
	OnConnectionRequest(session *Session, requestedRole media.Role) (accept bool, grantedRole media.Role)
	// OnSubscribe registers the session with the given media kind's
	// adapter, starting capture if this is the first subscriber.
	OnSubscribe(session *Session, kind media.Kind) error
	// OnUnsubscribe reverses OnSubscribe, stopping capture if this was the
	// last subscriber.
	OnUnsubscribe(session *Session, kind media.Kind)
	// OnInitAck records that session has acknowledged initID for kind.
	OnInitAck(session *Session, kind media.Kind, initID int64)
	// OnForceIDR requests the video pipeline force its next frame to be a
	// keyframe.
	OnForceIDR(session *Session)
	// OnStatistics forwards a session's self-reported stats into QoS.
	OnStatistics(session *Session, stats media.SessionStatsUpdate)
	// OnSensorEvent forwards a controller-role session's input event.
	// Sessions demoted to viewer never reach this hook: their submissions
	// are dropped at the transport boundary, not refused outright.
	OnSensorEvent(session *Session, event InputEvent)
	// OnTerminate notifies that session has fully disconnected.
	OnTerminate(session *Session, reason TerminationReason)
}

// Config bounds the server's accept/timeout policy.
type Config struct {
	MaxSessions int
	IdleTimeout time.Duration
	Cipher      *Cipher // nil disables encryption
}

// Server is the session-map-owning half of the transport layer: it turns
// inbound framed messages into DFA transitions and ConnectionManager calls,
// and exposes a Deliver path (via Session) the transmit adapters use to
// send frames back out.
type Server struct {
	cfg Config
	cm  ConnectionManager

	mu       sync.RWMutex
	sessions map[uint64]*Session
	byAddr   map[string]uint64

	nextID atomic.Uint64

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewServer(cm ConnectionManager, cfg Config) *Server {
	return &Server{
		cfg:      cfg,
		cm:       cm,
		sessions: make(map[uint64]*Session),
		byAddr:   make(map[string]uint64),
		stopCh:   make(chan struct{}),
	}
}

// SessionCount returns the number of live (non-terminated) sessions.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// HandleMessage processes one inbound datagram/stream-framed message from
// addr, creating a session on first contact. write is called to send any
// reply; it should perform the actual socket write (UDP sendto or TCP
// conn.Write).
func (s *Server) HandleMessage(addr net.Addr, data []byte, write func([]byte) error) error {
	msg, err := Decode(data, s.cfg.Cipher)
	if err != nil {
		log.Warn("dropping malformed message", "addr", addr.String(), "error", err)
		return nil
	}

	sess := s.sessionForAddr(addr, write)
	sess.touch()

	switch msg.Opcode {
	case OpHello:
		return s.handleHello(sess, msg)
	case OpConnect:
		return s.handleConnect(sess, msg)
	case OpStart:
		return s.handleStart(sess, msg)
	case OpStop:
		return s.handleStop(sess, msg)
	case OpDisconnect:
		s.terminate(sess, ReasonDisconnect)
		return nil
	case OpVideoInitAck:
		return s.handleInitAck(sess, media.KindVideo, msg)
	case OpAudioInitAck:
		return s.handleInitAck(sess, media.KindAudio, msg)
	case OpVideoForceUpdate:
		s.cm.OnForceIDR(sess)
		return nil
	case OpStatistics:
		return s.handleStatistics(sess, msg)
	case OpSensorIn:
		return s.handleSensorIn(sess, msg)
	default:
		log.Warn("unhandled opcode", "opcode", msg.Opcode.String(), "sessionId", sess.ID())
		return nil
	}
}

func (s *Server) sessionForAddr(addr net.Addr, write func([]byte) error) *Session {
	key := addr.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byAddr[key]; ok {
		return s.sessions[id]
	}
	id := s.nextID.Add(1)
	sess := newSession(id, addr, write)
	sess.cipher = s.cfg.Cipher
	s.sessions[id] = sess
	s.byAddr[key] = id
	return sess
}

type helloBody struct {
	ClientID string `json:"clientId"`
}

func (s *Server) handleHello(sess *Session, msg Message) error {
	var body helloBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return errs.NewProtocolError("transport.handleHello", err)
	}
	accept := s.cm.OnDiscoveryRequest(body.ClientID)
	if accept {
		sess.clientID = body.ClientID
		sess.setState(StateDiscovered)
	}
	reply, err := Encode(OpOptions, struct {
		Accepted bool `json:"accepted"`
	}{Accepted: accept}, nil, s.cfg.Cipher)
	if err != nil {
		return err
	}
	return sess.write(reply)
}

type connectBody struct {
	ClientID string `json:"clientId"`
	Role     int    `json:"role"`
}

func (s *Server) handleConnect(sess *Session, msg Message) error {
	if sess.State() != StateDiscovered {
		return errs.NewProtocolError("transport.handleConnect", errs.ErrInvalidMessage)
	}
	var body connectBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return errs.NewProtocolError("transport.handleConnect", err)
	}
	requested := media.Role(body.Role)
	accept, granted := s.cm.OnConnectionRequest(sess, requested)
	if accept {
		sess.roleMu.Lock()
		sess.role = granted
		sess.roleMu.Unlock()
		sess.setState(StateConnected)
	}
	reply, err := Encode(OpConnectReply, struct {
		Accepted bool `json:"accepted"`
		Role     int  `json:"role"`
	}{Accepted: accept, Role: int(granted)}, nil, s.cfg.Cipher)
	if err != nil {
		return err
	}
	return sess.write(reply)
}

type startBody struct {
	StreamID int64  `json:"streamId"`
	Kind     string `json:"kind"`
}

func (s *Server) handleStart(sess *Session, msg Message) error {
	if st := sess.State(); st != StateConnected && st != StateSubscribed && st != StateStreaming {
		return errs.NewProtocolError("transport.handleStart", errs.ErrInvalidMessage)
	}
	var body startBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return errs.NewProtocolError("transport.handleStart", err)
	}
	kind := media.KindVideo
	if body.Kind == "audio" {
		kind = media.KindAudio
	}
	if err := s.cm.OnSubscribe(sess, kind); err != nil {
		return errs.Wrap("transport.handleStart", err)
	}
	if sess.State() == StateConnected {
		sess.setState(StateSubscribed)
	}
	return nil
}

type stopBody struct {
	Kind string `json:"kind"`
	All  bool   `json:"all"`
}

func (s *Server) handleStop(sess *Session, msg Message) error {
	var body stopBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return errs.NewProtocolError("transport.handleStop", err)
	}
	if body.All {
		s.cm.OnUnsubscribe(sess, media.KindVideo)
		s.cm.OnUnsubscribe(sess, media.KindAudio)
	} else if body.Kind == "audio" {
		s.cm.OnUnsubscribe(sess, media.KindAudio)
	} else {
		s.cm.OnUnsubscribe(sess, media.KindVideo)
	}
	return nil
}

type initAckBody struct {
	InitID int64 `json:"initId"`
	OK     bool  `json:"ok"`
}

func (s *Server) handleInitAck(sess *Session, kind media.Kind, msg Message) error {
	var body initAckBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return errs.NewProtocolError("transport.handleInitAck", err)
	}
	if !body.OK {
		log.Warn("negative init ack, session remains withheld", "sessionId", sess.ID(), "kind", kind.String(), "initId", body.InitID)
		return nil
	}
	s.cm.OnInitAck(sess, kind, body.InitID)
	sess.setState(StateStreaming)
	return nil
}

type statisticsBody struct {
	Full              float64 `json:"full"`
	Client            float64 `json:"client"`
	Server            float64 `json:"server"`
	Encoder           float64 `json:"encoder"`
	Network           float64 `json:"network"`
	Decoder           float64 `json:"decoder"`
	DecoderQueueDepth int64   `json:"decoderQueue"`
	Framerate         float64 `json:"framerate"`
	ForceIDRReqCount  int64   `json:"forceIdrReqCount"`
	WorstSendTimeMs   float64 `json:"worstSendTimeMs"`
}

func (s *Server) handleStatistics(sess *Session, msg Message) error {
	var body statisticsBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return errs.NewProtocolError("transport.handleStatistics", err)
	}
	s.cm.OnStatistics(sess, media.SessionStatsUpdate{
		SessionID:         sess.ID(),
		LastStatsTime:     time.Now(),
		Framerate:         body.Framerate,
		ForceIDRReqCount:  body.ForceIDRReqCount,
		WorstSendTimeMs:   body.WorstSendTimeMs,
		DecoderQueueDepth: body.DecoderQueueDepth,
	})
	return nil
}

func (s *Server) handleSensorIn(sess *Session, msg Message) error {
	var event InputEvent
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		return errs.NewProtocolError("transport.handleSensorIn", err)
	}
	if sess.Role() != media.RoleController {
		return nil
	}
	s.cm.OnSensorEvent(sess, event)
	return nil
}

func (s *Server) terminate(sess *Session, reason TerminationReason) {
	if sess.State() == StateTerminated {
		return
	}
	sess.setState(StateTerminated)
	s.cm.OnUnsubscribe(sess, media.KindVideo)
	s.cm.OnUnsubscribe(sess, media.KindAudio)
	s.cm.OnTerminate(sess, reason)

	s.mu.Lock()
	delete(s.sessions, sess.ID())
	delete(s.byAddr, sess.addr.String())
	s.mu.Unlock()
}

// RunSessionMonitor runs the periodic idle-session sweep until Stop is
// called. Intended to be run in its own goroutine.
func (s *Server) RunSessionMonitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepIdleSessions()
		}
	}
}

func (s *Server) sweepIdleSessions() {
	s.mu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	for _, sess := range sessions {
		if sess.idleSince() > s.cfg.IdleTimeout {
			log.Info("terminating idle session", "sessionId", sess.ID(), "idleFor", sess.idleSince())
			s.terminate(sess, ReasonTimeout)
		}
	}
}

// Stop shuts the server down: idempotent, and terminates every live
// session with ReasonServerShutdown.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.mu.RLock()
		sessions := make([]*Session, 0, len(s.sessions))
		for _, sess := range s.sessions {
			sessions = append(sessions, sess)
		}
		s.mu.RUnlock()
		for _, sess := range sessions {
			s.terminate(sess, ReasonServerShutdown)
		}
	})
}
