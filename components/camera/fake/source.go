// Package fake implements a synthetic depth and color sensor that produces deterministic,
// slowly moving gradients at a user specified resolution.
package fake

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"go.viam.com/depthcapture/components/camera"
	"go.viam.com/depthcapture/logging"
	"go.viam.com/depthcapture/rimage"
	"go.viam.com/depthcapture/utils"
)

// Model is the registered name of the fake source.
const Model = "fake"

const (
	initialWidth  = 640
	initialHeight = 480
)

// Intrinsics of the synthetic streams at 640x480. Other resolutions scale them.
var (
	depthFocal = [2]float32{570.3422, 570.3422}
	colorFocal = [2]float32{525.0, 525.0}
)

func init() {
	camera.RegisterModel(Model, func(ctx context.Context, attrs camera.Attributes, logger logging.Logger) (camera.Source, error) {
		var conf Config
		if err := camera.DecodeAttributes(attrs, &conf); err != nil {
			return nil, err
		}
		return NewSource(conf, logger)
	})
}

// Config are the attributes of the fake source.
type Config struct {
	DepthWidth  int `json:"depth_width,omitempty"`
	DepthHeight int `json:"depth_height,omitempty"`
	ColorWidth  int `json:"color_width,omitempty"`
	ColorHeight int `json:"color_height,omitempty"`

	// Latency is how long each update blocks before the frame is ready.
	Latency time.Duration `json:"latency,omitempty"`

	// FailDepthAfter and FailColorAfter make the update after that many successful ones fail.
	// Zero never fails.
	FailDepthAfter int `json:"fail_depth_after,omitempty"`
	FailColorAfter int `json:"fail_color_after,omitempty"`
}

// Validate checks that the config attributes are valid for a fake source.
func (conf *Config) Validate() error {
	for name, v := range map[string]int{
		"depth_width": conf.DepthWidth, "depth_height": conf.DepthHeight,
		"color_width": conf.ColorWidth, "color_height": conf.ColorHeight,
		"fail_depth_after": conf.FailDepthAfter, "fail_color_after": conf.FailColorAfter,
	} {
		if v < 0 {
			return utils.NewInvalidArgumentError("fake source %s cannot be negative, got %d", name, v)
		}
	}
	if conf.Latency < 0 {
		return utils.NewInvalidArgumentError("fake source latency cannot be negative, got %s", conf.Latency)
	}
	return nil
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func descriptor(width, height int, focal [2]float32) camera.StreamDescriptor {
	return camera.StreamDescriptor{
		Width:  uint(width),
		Height: uint(height),
		FocalX: focal[0] * float32(width) / initialWidth,
		FocalY: focal[1] * float32(height) / initialHeight,
	}
}

// Source is a fake sensor. Frame n of each stream is a pure function of n.
type Source struct {
	logger logging.Logger
	conf   Config
	depth  camera.StreamDescriptor
	color  camera.StreamDescriptor

	mu          sync.Mutex
	depthFrames int
	colorFrames int
	closed      bool
}

// NewSource returns a new fake source.
func NewSource(conf Config, logger logging.Logger) (*Source, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	s := &Source{
		logger: logger,
		conf:   conf,
		depth: descriptor(orDefault(conf.DepthWidth, initialWidth),
			orDefault(conf.DepthHeight, initialHeight), depthFocal),
		color: descriptor(orDefault(conf.ColorWidth, initialWidth),
			orDefault(conf.ColorHeight, initialHeight), colorFocal),
	}
	logger.Debugw("fake source opened", "depth", s.depth, "color", s.color)
	return s, nil
}

// Descriptor returns the geometry of the kind stream.
func (s *Source) Descriptor(kind camera.StreamKind) (camera.StreamDescriptor, error) {
	switch kind {
	case camera.DepthStream:
		return s.depth, nil
	case camera.ColorStream:
		return s.color, nil
	default:
		return camera.StreamDescriptor{}, utils.NewInvalidArgumentError("unknown stream %s", kind)
	}
}

func (s *Source) wait(ctx context.Context) error {
	if s.conf.Latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(s.conf.Latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// acquire reserves the next frame number of a stream, or fails without consuming one.
func (s *Source) acquire(ctx context.Context, kind camera.StreamKind, count *int, failAfter int) (int, error) {
	if err := s.wait(ctx); err != nil {
		return 0, errors.Wrapf(utils.Classify(utils.ErrAcquisition, err), "waiting for %s frame", kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, utils.NewAcquisitionError("fake source is closed")
	}
	if failAfter > 0 && *count >= failAfter {
		return 0, utils.NewAcquisitionError("injected %s failure after %d frames", kind, failAfter)
	}
	n := *count
	*count++
	return n, nil
}

// UpdateDepth fills dst with the next synthetic depth frame.
func (s *Source) UpdateDepth(ctx context.Context, dst *rimage.DepthMap) error {
	if err := camera.CheckBuffer(camera.DepthStream, s.depth, dst.Width(), dst.Height()); err != nil {
		return err
	}
	n, err := s.acquire(ctx, camera.DepthStream, &s.depthFrames, s.conf.FailDepthAfter)
	if err != nil {
		return err
	}
	FillDepth(dst, n)
	return nil
}

// UpdateColor fills dst with the next synthetic color frame.
func (s *Source) UpdateColor(ctx context.Context, dst *rimage.ColorImage) error {
	if err := camera.CheckBuffer(camera.ColorStream, s.color, dst.Width(), dst.Height()); err != nil {
		return err
	}
	n, err := s.acquire(ctx, camera.ColorStream, &s.colorFrames, s.conf.FailColorAfter)
	if err != nil {
		return err
	}
	FillColor(dst, n)
	return nil
}

// Close marks the source closed. Later updates fail.
func (s *Source) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.logger.Debugw("fake source closed", "depth_frames", s.depthFrames, "color_frames", s.colorFrames)
	}
	return nil
}

// FillDepth writes synthetic depth frame n: diagonal bands from 500 to 9900 units that drift by
// 8 pixels per frame, with every 32nd column missing (0) and the top left corner too far
// (above the default preview range).
func FillDepth(dst *rimage.DepthMap, n int) {
	for y := 0; y < dst.Height(); y++ {
		for x := 0; x < dst.Width(); x++ {
			var d uint16
			switch {
			case x%32 == 31:
				d = 0
			case x < 8 && y < 8:
				d = 12000
			default:
				d = uint16(500 + ((x+y+8*n)%96)*100)
			}
			dst.Set(x, y, d)
		}
	}
}

// FillColor writes synthetic color frame n: a yellow to blue gradient whose red channel pulses
// with the frame number.
func FillColor(dst *rimage.ColorImage, n int) {
	w, h := dst.Width(), dst.Height()
	span := w + h
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dist := (x + y) * 255 / span
			dst.SetRGB(x, y, uint8((255-dist+4*n)%256), uint8(255-dist), uint8(dist))
		}
	}
}
