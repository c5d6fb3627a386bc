// Package videopipe implements the monoscopic video output pipeline: frame
// submission, reinit-on-geometry-change, dynamic framerate tracking, and
// encoding. It is the Go-native replacement for the original SDK's
// VideoOutput/VideoEncoderPipeline C++ classes, adapted from this
// repository's older desktop-capture encoder wrapper.
package videopipe

import (
	"errors"
	"fmt"
	"sync"
)

type Codec string

const (
	CodecH264 Codec = "h264"
	CodecVP9  Codec = "vp9"
	CodecAV1  Codec = "av1"
)

func (c Codec) valid() bool {
	switch c {
	case CodecH264, CodecVP9, CodecAV1:
		return true
	default:
		return false
	}
}

var (
	ErrInvalidCodec   = errors.New("invalid codec")
	ErrInvalidBitrate = errors.New("invalid bitrate")
	ErrInvalidFPS     = errors.New("invalid fps")
)

// EncoderConfig seeds a new Encoder.
type EncoderConfig struct {
	Codec   Codec
	Bitrate int64
	FPS     float64
	Width   int
	Height  int
}

// encoderBackend is implemented by one compression engine. Only a software
// backend ships with this server; the interface exists so a build can link
// in a hardware backend via registerFactory without touching this package.
type encoderBackend interface {
	Encode(frame []byte, forceKeyframe bool) ([]byte, bool, error)
	SetBitrate(bitrate int64) error
	SetFPS(fps float64) error
	SetDimensions(width, height int) error
	Close() error
	Name() string
}

type backendFactory func(cfg EncoderConfig) (encoderBackend, error)

var (
	factoriesMu sync.Mutex
	factories   []backendFactory
)

// registerFactory lets a build-tag-gated file add a hardware backend without
// this package knowing about any concrete implementation.
func registerFactory(f backendFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories = append(factories, f)
}

// Encoder wraps one backend behind a mutex. It keeps no keyframe-request
// state of its own; the caller passes forceKeyframe to each Encode call.
type Encoder struct {
	mu      sync.Mutex
	cfg     EncoderConfig
	backend encoderBackend
}

func NewEncoder(cfg EncoderConfig) (*Encoder, error) {
	if cfg.Codec == "" {
		cfg.Codec = CodecH264
	}
	if !cfg.Codec.valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCodec, cfg.Codec)
	}
	if cfg.Bitrate <= 0 {
		return nil, ErrInvalidBitrate
	}
	if cfg.FPS <= 0 {
		return nil, ErrInvalidFPS
	}

	backend, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}
	return &Encoder{cfg: cfg, backend: backend}, nil
}

func newBackend(cfg EncoderConfig) (encoderBackend, error) {
	factoriesMu.Lock()
	fs := append([]backendFactory(nil), factories...)
	factoriesMu.Unlock()
	for _, f := range fs {
		if b, err := f(cfg); err == nil && b != nil {
			return b, nil
		}
	}
	return newSoftwareEncoder(cfg)
}

// Encode compresses one raw frame. forceKeyframe requests (but does not
// guarantee, for backends that batch GOPs) the output be an IDR unit; the
// returned bool reports whether the backend honored it.
func (e *Encoder) Encode(frame []byte, forceKeyframe bool) ([]byte, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.backend == nil {
		return nil, false, errors.New("encoder closed")
	}
	return e.backend.Encode(frame, forceKeyframe)
}

func (e *Encoder) SetBitrate(bitrate int64) error {
	if bitrate <= 0 {
		return ErrInvalidBitrate
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.backend.SetBitrate(bitrate); err != nil {
		return err
	}
	e.cfg.Bitrate = bitrate
	return nil
}

func (e *Encoder) SetFPS(fps float64) error {
	if fps <= 0 {
		return ErrInvalidFPS
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.backend.SetFPS(fps); err != nil {
		return err
	}
	e.cfg.FPS = fps
	return nil
}

func (e *Encoder) SetDimensions(width, height int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.Width, e.cfg.Height = width, height
	return e.backend.SetDimensions(width, height)
}

func (e *Encoder) BackendName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.backend == nil {
		return ""
	}
	return e.backend.Name()
}

func (e *Encoder) Close() error {
	e.mu.Lock()
	b := e.backend
	e.backend = nil
	e.mu.Unlock()
	if b == nil {
		return nil
	}
	return b.Close()
}
