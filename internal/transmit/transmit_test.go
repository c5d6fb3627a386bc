package transmit

import (
	"testing"
	"time"

	"github.com/relaystream/server/internal/media"
)

type fakeSession struct {
	id     uint64
	inits  []media.InitBlock
	frames []media.Frame
}

func (s *fakeSession) ID() uint64 { return s.id }
func (s *fakeSession) DeliverInit(b media.InitBlock) error {
	s.inits = append(s.inits, b)
	return nil
}
func (s *fakeSession) DeliverFrame(f media.Frame) error {
	s.frames = append(s.frames, f)
	return nil
}

func TestFrameWithheldUntilSessionAcksInit(t *testing.T) {
	a := NewAdapter(media.KindVideo, nil)
	s := &fakeSession{id: 1}
	if err := a.RegisterSession(s); err != nil {
		t.Fatalf("RegisterSession: %v", err)
	}
	a.SendInit(media.InitBlock{InitID: 1})
	a.SendFrame(media.Frame{Sequence: 1}, media.VideoObservables{})

	if len(s.frames) != 0 {
		t.Fatalf("expected no frames before ack, got %d", len(s.frames))
	}

	a.UpdateSession(1, 1)
	a.SendFrame(media.Frame{Sequence: 2}, media.VideoObservables{})
	if len(s.frames) != 1 || s.frames[0].Sequence != 2 {
		t.Fatalf("expected exactly the frame sent after ack, got %+v", s.frames)
	}
}

func TestReinitStopsDeliveryUntilReack(t *testing.T) {
	a := NewAdapter(media.KindVideo, nil)
	s := &fakeSession{id: 1}
	_ = a.RegisterSession(s)
	a.SendInit(media.InitBlock{InitID: 1})
	a.UpdateSession(1, 1)
	a.SendFrame(media.Frame{Sequence: 1}, media.VideoObservables{})

	a.SendInit(media.InitBlock{InitID: 2})
	a.SendFrame(media.Frame{Sequence: 2}, media.VideoObservables{})
	if len(s.frames) != 1 {
		t.Fatalf("expected frame delivery to pause after reinit until reack, got %d frames", len(s.frames))
	}

	a.UpdateSession(1, 2)
	a.SendFrame(media.Frame{Sequence: 3}, media.VideoObservables{})
	if len(s.frames) != 2 {
		t.Fatalf("expected delivery to resume after reack, got %d frames", len(s.frames))
	}
}

func TestDuplicateRegisterReturnsAlreadyExists(t *testing.T) {
	a := NewAdapter(media.KindAudio, nil)
	s := &fakeSession{id: 9}
	if err := a.RegisterSession(s); err != nil {
		t.Fatalf("first RegisterSession: %v", err)
	}
	if err := a.RegisterSession(s); err == nil {
		t.Fatalf("expected duplicate RegisterSession to fail")
	}
}

type fakeQoS struct {
	called bool
	obs    media.VideoObservables
}

func (f *fakeQoS) AdjustStreamQuality(now time.Time, obs media.VideoObservables) {
	f.called = true
	f.obs = obs
}

func TestSendFrameForwardsObservablesToQoS(t *testing.T) {
	q := &fakeQoS{}
	a := NewAdapter(media.KindVideo, q)
	a.SendFrame(media.Frame{}, media.VideoObservables{FrameBytes: 42})
	if !q.called || q.obs.FrameBytes != 42 {
		t.Fatalf("expected QoS sink to receive observables, got %+v called=%v", q.obs, q.called)
	}
}
