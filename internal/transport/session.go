package transport

import (
	"net"
	"sync"
	"time"

	"github.com/relaystream/server/internal/media"
)

// State is one node of the per-session DFA:
//
//	NEW --hello--> DISCOVERED --connect--> CONNECTED --subscribe--> SUBSCRIBED --init-ack--> STREAMING
//
// with a transition to TERMINATED reachable from every state via
// disconnect, timeout, or explicit stop.
type State int

const (
	StateNew State = iota
	StateDiscovered
	StateConnected
	StateSubscribed
	StateStreaming
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateDiscovered:
		return "discovered"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateStreaming:
		return "streaming"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// TerminationReason distinguishes why a session ended, surfaced to the
// connection-manager hook so metrics/logging can tell graceful disconnects
// apart from timeouts.
type TerminationReason int

const (
	ReasonDisconnect TerminationReason = iota
	ReasonTimeout
	ReasonServerShutdown
)

// Session is one connected client's transport-layer state: identity, DFA
// state, write destination, and the per-session counters, each guarded by
// their own mutex rather than the transport-wide one.
type Session struct {
	id       uint64
	clientID string
	roleMu   sync.RWMutex
	role     media.Role
	addr     net.Addr
	write    func(payload []byte) error
	cipher   *Cipher

	stateMu sync.RWMutex
	state   State

	statsMu  sync.Mutex
	lastSeen time.Time
}

func newSession(id uint64, addr net.Addr, write func([]byte) error) *Session {
	now := time.Now()
	return &Session{
		id:       id,
		addr:     addr,
		write:    write,
		state:    StateNew,
		lastSeen: now,
	}
}

func (s *Session) ID() uint64 { return s.id }

// Role reports the session's currently negotiated role.
func (s *Session) Role() media.Role {
	s.roleMu.RLock()
	defer s.roleMu.RUnlock()
	return s.role
}

// PromoteToController grants this session the Controller role. Used when
// the previously-authoritative controller disconnects and the connection
// manager selects this session, one demoted earlier at connect time, as
// its successor.
func (s *Session) PromoteToController() {
	s.roleMu.Lock()
	s.role = media.RoleController
	s.roleMu.Unlock()
}

func (s *Session) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
}

func (s *Session) touch() {
	s.statsMu.Lock()
	s.lastSeen = time.Now()
	s.statsMu.Unlock()
}

func (s *Session) idleSince() time.Duration {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return time.Since(s.lastSeen)
}

// DeliverInit sends an init block to the client and implements
// transmit.Session.
func (s *Session) DeliverInit(block media.InitBlock) error {
	op := OpVideoInit
	if block.Kind == media.KindAudio {
		op = OpAudioInit
	}
	payload, err := Encode(op, struct {
		InitID int64          `json:"initId"`
		Codec  string         `json:"codec"`
		Geom   media.Geometry `json:"geometry"`
	}{InitID: block.InitID, Codec: block.Codec, Geom: block.Geometry}, block.Bytes, s.cipher)
	if err != nil {
		return err
	}
	return s.write(payload)
}

// DeliverFrame sends a compressed frame to the client and implements
// transmit.Session.
func (s *Session) DeliverFrame(frame media.Frame) error {
	op := OpVideoData
	if frame.Kind == media.KindAudio {
		op = OpAudioData
	}
	binary := make([]byte, 0, frame.Size())
	for _, sf := range frame.Subframes {
		binary = append(binary, sf.Bytes...)
	}
	payload, err := Encode(op, struct {
		Seq           uint64 `json:"seq"`
		OriginPTS     int64  `json:"originPts"`
		PresentPTS    int64  `json:"presentPts"`
		Discontinuity bool   `json:"discontinuity"`
	}{
		Seq:           frame.Sequence,
		OriginPTS:     frame.OriginPTS,
		PresentPTS:    frame.PresentPTS,
		Discontinuity: frame.Discontinuity,
	}, binary, s.cipher)
	if err != nil {
		return err
	}
	return s.write(payload)
}
