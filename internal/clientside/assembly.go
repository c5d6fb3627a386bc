// Package clientside implements receive-side video frame assembly: the
// half of the protocol a viewer client runs. It is specified alongside the
// server because the QoS feedback loop depends on its force-update
// behavior, and is kept here primarily so the server's own test suite can
// drive a realistic client against the transmitter adapter.
package clientside

import (
	"time"

	"github.com/relaystream/server/internal/logging"
	"github.com/relaystream/server/internal/media"
)

var log = logging.L("clientside")

const forceUpdateRateLimit = 500 * time.Millisecond

// ForceUpdateRequester is called whenever the assembler needs the server to
// send a fresh keyframe: on first non-keyframe, or on a detected frame-loss
// gap.
type ForceUpdateRequester interface {
	RequestForceUpdate(streamID int64)
}

// Assembler reassembles sliced subframes into whole frames and enforces the
// lost-frame/force-update contract per stream.
type Assembler struct {
	streamID int64
	requester ForceUpdateRequester

	haveLastSeen   bool
	lastSeen       uint64
	lastForceAt    time.Time

	accumulating   bool
	accPTS         int64
	accSubframes   []media.Subframe
}

func NewAssembler(streamID int64, requester ForceUpdateRequester) *Assembler {
	return &Assembler{streamID: streamID, requester: requester}
}

// Deliver is called by the caller when a complete, closed frame is ready to
// be handed to the decoder (a test harness, or a real renderer).
type Deliver func(media.Frame)

// OnSubframe processes one received subframe. seq is the frame-number
// carried on the wire for non-sliced deliveries; for sliced frames, pts is
// the grouping key instead.
func (a *Assembler) OnSubframe(seq uint64, pts int64, sf media.Subframe, deliver Deliver) {
	if sf.Type == media.SubframeSlice {
		a.onSlice(pts, sf)
		return
	}

	if !a.haveLastSeen {
		a.haveLastSeen = true
		if !sf.Type.IsKeyframe() {
			a.requestForceUpdate()
		}
		a.lastSeen = seq
		deliver(media.Frame{StreamID: a.streamID, Sequence: seq, PresentPTS: pts, Subframes: []media.Subframe{sf}})
		return
	}

	if sf.Type.IsKeyframe() {
		a.lastSeen = seq
		deliver(media.Frame{StreamID: a.streamID, Sequence: seq, PresentPTS: pts, Subframes: []media.Subframe{sf}})
		return
	}

	if a.lastSeen+1 != seq {
		a.requestForceUpdate()
		a.lastSeen = seq
		return
	}

	a.lastSeen = seq
	deliver(media.Frame{StreamID: a.streamID, Sequence: seq, PresentPTS: pts, Subframes: []media.Subframe{sf}})
}

func (a *Assembler) onSlice(pts int64, sf media.Subframe) {
	if !a.accumulating {
		a.accumulating = true
		a.accPTS = pts
		a.accSubframes = nil
	} else if pts != a.accPTS {
		log.Warn("discarding slice accumulator: pts mismatch", "streamId", a.streamID, "expected", a.accPTS, "got", pts)
		a.accumulating = true
		a.accPTS = pts
		a.accSubframes = nil
	}
	a.accSubframes = append(a.accSubframes, sf)
}

// CloseSlices is called when a non-slice subframe arrives with the same pts
// as the accumulating slice group, closing it into one frame.
func (a *Assembler) CloseSlices(seq uint64, pts int64, closer media.Subframe, deliver Deliver) {
	if !a.accumulating || pts != a.accPTS {
		log.Warn("discarding slice accumulator: closing pts mismatch", "streamId", a.streamID)
		a.accumulating = false
		a.accSubframes = nil
		return
	}
	subframes := append(a.accSubframes, closer)
	a.accumulating = false
	a.accSubframes = nil
	a.OnSubframe(seq, pts, closer, func(media.Frame) {
		deliver(media.Frame{StreamID: a.streamID, Sequence: seq, PresentPTS: pts, Subframes: subframes})
	})
}

func (a *Assembler) requestForceUpdate() {
	now := time.Now()
	if !a.lastForceAt.IsZero() && now.Sub(a.lastForceAt) < forceUpdateRateLimit {
		return
	}
	a.lastForceAt = now
	if a.requester != nil {
		a.requester.RequestForceUpdate(a.streamID)
	}
}
