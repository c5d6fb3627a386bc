package videopipe

import (
	"errors"
	"image"
	"image/jpeg"
	"sync"
)

// softwareEncoder is the default backend: it re-compresses each frame (read
// as packed RGBA) as a quality-scaled JPEG. It is a placeholder for a real H.264/VP9
// bitstream encoder (cgo bindings to x264/libvpx are out of scope for this
// server) but honors bitrate/FPS/dimension changes and keyframe requests
// like a real one would, so the rest of the pipeline — reinit, QoS, framing
// — exercises its real contract.
type softwareEncoder struct {
	mu      sync.Mutex
	cfg     EncoderConfig
	quality int
}

func newSoftwareEncoder(cfg EncoderConfig) (encoderBackend, error) {
	return &softwareEncoder{cfg: cfg, quality: qualityForBitrate(cfg.Bitrate)}, nil
}

func qualityForBitrate(bitrate int64) int {
	switch {
	case bitrate >= 12_000_000:
		return 90
	case bitrate >= 6_000_000:
		return 75
	case bitrate >= 2_000_000:
		return 55
	default:
		return 35
	}
}

// Encode treats frame as tightly packed RGBA of cfg.Width x cfg.Height.
// forceKeyframe is always honored since every output unit from this backend
// is already a self-contained (keyframe-equivalent) image; the returned flag
// echoes the request, so only requested frames are reported as keyframes.
func (s *softwareEncoder) Encode(frame []byte, forceKeyframe bool) ([]byte, bool, error) {
	s.mu.Lock()
	w, h, q := s.cfg.Width, s.cfg.Height, s.quality
	s.mu.Unlock()

	if w <= 0 || h <= 0 {
		return nil, false, errors.New("encoder dimensions not set")
	}
	if len(frame) < w*h*4 {
		return nil, false, errors.New("frame buffer smaller than width*height*4")
	}

	img := &image.RGBA{Pix: frame[:w*h*4], Stride: w * 4, Rect: image.Rect(0, 0, w, h)}
	buf := getJPEGBuffer()
	defer putJPEGBuffer(buf)
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: q}); err != nil {
		return nil, false, err
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, forceKeyframe, nil
}

func (s *softwareEncoder) SetBitrate(bitrate int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Bitrate = bitrate
	s.quality = qualityForBitrate(bitrate)
	return nil
}

func (s *softwareEncoder) SetFPS(fps float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.FPS = fps
	return nil
}

func (s *softwareEncoder) SetDimensions(width, height int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Width, s.cfg.Height = width, height
	return nil
}

func (s *softwareEncoder) Close() error { return nil }
func (s *softwareEncoder) Name() string { return "software-jpeg" }
