// Package transmit implements the transmitter adapter shared by the video
// and audio output pipelines: it fans init blocks and frames out to
// subscribed sessions, holding back frames from any session that has not
// yet acknowledged the current InitID.
package transmit

import (
	"sync"
	"time"

	"github.com/relaystream/server/internal/errs"
	"github.com/relaystream/server/internal/logging"
	"github.com/relaystream/server/internal/media"
)

var log = logging.L("transmit")

// Session is the narrow delivery surface the adapter needs from a
// transport-layer session; implemented by internal/transport.
type Session interface {
	ID() uint64
	DeliverInit(block media.InitBlock) error
	DeliverFrame(frame media.Frame) error
}

// QoSSink receives the observables carried alongside a video SendFrame call.
// Only wired on the video adapter.
type QoSSink interface {
	AdjustStreamQuality(now time.Time, obs media.VideoObservables)
}

// Adapter is one media kind's transmitter: it owns the current init block
// and the per-session "last acked InitID" map.
type Adapter struct {
	kind media.Kind
	qos  QoSSink

	mu       sync.Mutex
	init     *media.InitBlock
	sessions map[uint64]Session
	acked    map[uint64]int64
}

func NewAdapter(kind media.Kind, qos QoSSink) *Adapter {
	return &Adapter{
		kind:     kind,
		qos:      qos,
		sessions: make(map[uint64]Session),
		acked:    make(map[uint64]int64),
	}
}

// RegisterSession adds a session to the fan-out set. Idempotent: a second
// registration of the same session ID returns ErrAlreadyExists.
func (a *Adapter) RegisterSession(s Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.sessions[s.ID()]; ok {
		return errs.New("transmit.RegisterSession", errs.ErrAlreadyExists)
	}
	a.sessions[s.ID()] = s
	a.acked[s.ID()] = -1
	return nil
}

// UnregisterSession removes a session from the fan-out set.
func (a *Adapter) UnregisterSession(sessionID uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, sessionID)
	delete(a.acked, sessionID)
}

// SendInitToSession delivers the current init block to one session, if one
// exists. It does not record the dispatched InitID; frames reach the session
// only once UpdateSession stores the InitID the session acknowledged.
func (a *Adapter) SendInitToSession(sessionID uint64) error {
	a.mu.Lock()
	s, ok := a.sessions[sessionID]
	block := a.init
	a.mu.Unlock()
	if !ok {
		return errs.New("transmit.SendInitToSession", errs.ErrInvalidArg)
	}
	if block == nil {
		return nil
	}
	return s.DeliverInit(*block)
}

// SendInit stores a new init block and broadcasts it to every registered
// session.
func (a *Adapter) SendInit(block media.InitBlock) {
	block.Kind = a.kind
	a.mu.Lock()
	a.init = &block
	sessions := make([]Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		sessions = append(sessions, s)
	}
	a.mu.Unlock()

	for _, s := range sessions {
		if err := s.DeliverInit(block); err != nil {
			log.Warn("failed to deliver init block", "kind", a.kind.String(), "sessionId", s.ID(), "error", err)
		}
	}
}

// SendFrame delivers frame to every session whose last-acked InitID matches
// the current one. qosObservables is forwarded to the QoS sink when this
// is the video adapter.
func (a *Adapter) SendFrame(frame media.Frame, qosObservables media.VideoObservables) {
	frame.Kind = a.kind
	a.mu.Lock()
	var currentInitID int64 = -1
	if a.init != nil {
		currentInitID = a.init.InitID
	}
	sessions := make([]Session, 0, len(a.sessions))
	for id, s := range a.sessions {
		if a.acked[id] == currentInitID {
			sessions = append(sessions, s)
		}
	}
	a.mu.Unlock()

	for _, s := range sessions {
		if err := s.DeliverFrame(frame); err != nil {
			log.Warn("failed to deliver frame", "kind", a.kind.String(), "sessionId", s.ID(), "error", err)
		}
	}

	if a.qos != nil {
		a.qos.AdjustStreamQuality(time.Now(), qosObservables)
	}
}

// UpdateSession records that a session has acknowledged initID, unblocking
// frame delivery to it going forward.
func (a *Adapter) UpdateSession(sessionID uint64, initID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.sessions[sessionID]; ok {
		a.acked[sessionID] = initID
	}
}

// SessionCount reports how many sessions are currently registered.
func (a *Adapter) SessionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}
