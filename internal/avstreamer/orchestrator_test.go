package avstreamer

import (
	"net"
	"testing"
	"time"

	"github.com/relaystream/server/internal/audiopipe"
	"github.com/relaystream/server/internal/media"
	"github.com/relaystream/server/internal/transport"
	"github.com/relaystream/server/internal/videopipe"
)

type fakeAddr string

func (a fakeAddr) Network() string { return "test" }
func (a fakeAddr) String() string  { return string(a) }

func testConfig() Config {
	return Config{
		StreamID:    1,
		MaxSessions: 8,
		Video: videopipe.InitParams{
			InputWidth: 1920, InputHeight: 1080,
			StreamWidth: 1920, StreamHeight: 1080,
			InputFormat: "bgra", ColorPrimaries: "bt709", TransferCharacteristic: "srgb",
			TargetBitrate: 4_000_000, TargetFramerate: 30,
		},
		Audio: audiopipe.InitParams{
			Input:  audiopipe.Format{SampleRate: 48000, Channels: 2, ChannelLayout: "stereo", SampleFormat: "s16"},
			Output: audiopipe.Format{SampleRate: 48000, Channels: 2, ChannelLayout: "stereo", SampleFormat: "s16"},
		},
	}
}

func send(t *testing.T, srv *transport.Server, addr net.Addr, opcode transport.Opcode, body any) {
	t.Helper()
	data, err := transport.Encode(opcode, body, nil, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := srv.HandleMessage(addr, data, func([]byte) error { return nil }); err != nil {
		t.Fatalf("HandleMessage(%v): %v", opcode, err)
	}
}

func connectAsController(t *testing.T, srv *transport.Server, clientID string) net.Addr {
	t.Helper()
	addr := fakeAddr(clientID)
	send(t, srv, addr, transport.OpHello, struct {
		ClientID string `json:"clientId"`
	}{ClientID: clientID})
	send(t, srv, addr, transport.OpConnect, struct {
		ClientID string `json:"clientId"`
		Role     int    `json:"role"`
	}{ClientID: clientID, Role: int(media.RoleController)})
	return addr
}

// TestSecondControllerIsDemotedNotRefused exercises the policy that only
// one controller is ever authoritative, but additional controller connect
// requests are still accepted (at the Viewer role).
func TestSecondControllerIsDemotedNotRefused(t *testing.T) {
	o := New(testConfig(), nil, nil)
	if err := o.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Shutdown()

	srv := transport.NewServer(o, transport.Config{MaxSessions: 8, IdleTimeout: time.Minute})
	connectAsController(t, srv, "first")
	connectAsController(t, srv, "second")

	if !o.haveController {
		t.Fatalf("expected a controller to be held")
	}
	if len(o.demotedControllers) != 1 {
		t.Fatalf("expected exactly one demoted controller queued, got %d", len(o.demotedControllers))
	}
}

// TestDemotedControllerPromotedOnIncumbentDisconnect exercises the open
// question's resolution: next-by-connection-time promotion.
func TestDemotedControllerPromotedOnIncumbentDisconnect(t *testing.T) {
	o := New(testConfig(), nil, nil)
	if err := o.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Shutdown()

	srv := transport.NewServer(o, transport.Config{MaxSessions: 8, IdleTimeout: time.Minute})
	firstAddr := connectAsController(t, srv, "first")
	connectAsController(t, srv, "second")

	send(t, srv, firstAddr, transport.OpDisconnect, struct{}{})

	if len(o.demotedControllers) != 0 {
		t.Fatalf("expected the demoted-controller queue drained after promotion, got %d", len(o.demotedControllers))
	}
	if !o.haveController {
		t.Fatalf("expected a controller still held after promotion")
	}
}
