package clientside

import (
	"testing"

	"github.com/relaystream/server/internal/media"
)

type recordingRequester struct {
	count int
}

func (r *recordingRequester) RequestForceUpdate(streamID int64) { r.count++ }

func TestFirstNonKeyframeRequestsForceUpdate(t *testing.T) {
	req := &recordingRequester{}
	a := NewAssembler(1, req)
	delivered := 0
	a.OnSubframe(0, 0, media.Subframe{Type: media.SubframeP}, func(media.Frame) { delivered++ })
	if req.count != 1 {
		t.Fatalf("expected one force-update request on first non-keyframe, got %d", req.count)
	}
	if delivered != 1 {
		t.Fatalf("expected the frame to still be delivered, got %d", delivered)
	}
}

func TestFirstKeyframeNoForceUpdate(t *testing.T) {
	req := &recordingRequester{}
	a := NewAssembler(1, req)
	a.OnSubframe(0, 0, media.Subframe{Type: media.SubframeIDR}, func(media.Frame) {})
	if req.count != 0 {
		t.Fatalf("expected no force-update request when first frame is a keyframe, got %d", req.count)
	}
}

func TestLostFrameRequestsForceUpdateAndDrops(t *testing.T) {
	req := &recordingRequester{}
	a := NewAssembler(1, req)
	delivered := 0
	a.OnSubframe(0, 0, media.Subframe{Type: media.SubframeIDR}, func(media.Frame) { delivered++ })
	a.OnSubframe(5, 100, media.Subframe{Type: media.SubframeP}, func(media.Frame) { delivered++ })
	if req.count != 1 {
		t.Fatalf("expected one force-update on the sequence gap, got %d", req.count)
	}
	if delivered != 1 {
		t.Fatalf("expected the gapped frame to be dropped, got %d delivered", delivered)
	}
}

func TestContiguousFramesDeliverWithoutForceUpdate(t *testing.T) {
	req := &recordingRequester{}
	a := NewAssembler(1, req)
	delivered := 0
	a.OnSubframe(0, 0, media.Subframe{Type: media.SubframeIDR}, func(media.Frame) { delivered++ })
	a.OnSubframe(1, 33, media.Subframe{Type: media.SubframeP}, func(media.Frame) { delivered++ })
	a.OnSubframe(2, 66, media.Subframe{Type: media.SubframeP}, func(media.Frame) { delivered++ })
	if req.count != 0 {
		t.Fatalf("expected no force-update requests, got %d", req.count)
	}
	if delivered != 3 {
		t.Fatalf("expected 3 delivered frames, got %d", delivered)
	}
}

func TestForceUpdateRateLimited(t *testing.T) {
	req := &recordingRequester{}
	a := NewAssembler(1, req)
	a.OnSubframe(0, 0, media.Subframe{Type: media.SubframeP}, func(media.Frame) {})
	a.OnSubframe(9, 0, media.Subframe{Type: media.SubframeP}, func(media.Frame) {})
	if req.count != 1 {
		t.Fatalf("expected force-update requests to be rate-limited, got %d", req.count)
	}
}
