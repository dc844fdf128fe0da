// Package replay implements a source that plays back frames previously captured to a dump.
package replay

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.viam.com/depthcapture/components/camera"
	"go.viam.com/depthcapture/framestore"
	"go.viam.com/depthcapture/logging"
	"go.viam.com/depthcapture/rimage"
	"go.viam.com/depthcapture/utils"
)

// Model is the registered name of the replay source.
const Model = "replay"

// ErrEndOfDump is wrapped by update errors once every frame has been returned.
var ErrEndOfDump = errors.New("reached end of dump")

func init() {
	camera.RegisterModel(Model, func(ctx context.Context, attrs camera.Attributes, logger logging.Logger) (camera.Source, error) {
		var conf Config
		if err := camera.DecodeAttributes(attrs, &conf); err != nil {
			return nil, err
		}
		return NewSource(conf, logger)
	})
}

// Config describes how to configure the replay source.
type Config struct {
	Path string `json:"path"`
	// Loop restarts at the first frame instead of failing at the end of the dump.
	Loop bool `json:"loop,omitempty"`
}

// Validate checks that the config attributes are valid for a replay source.
func (conf *Config) Validate(path string) error {
	if conf.Path == "" {
		return utils.Classify(utils.ErrInvalidArgument, goutils.NewConfigValidationFieldRequiredError(path, "path"))
	}
	return nil
}

// Source plays back a dump. Each stream advances independently, so after n updates of a stream
// it has returned frames 0 through n-1 of that stream.
type Source struct {
	logger logging.Logger
	conf   Config
	reader *framestore.Reader
	depth  camera.StreamDescriptor
	color  camera.StreamDescriptor

	mu        sync.Mutex
	depthNext int
	colorNext int
	scratchD  *rimage.DepthMap
	scratchC  *rimage.ColorImage
	closed    bool
}

// NewSource opens the dump named by conf.
func NewSource(conf Config, logger logging.Logger) (*Source, error) {
	if err := conf.Validate("attributes"); err != nil {
		return nil, err
	}
	reader, err := framestore.Open(conf.Path)
	if err != nil {
		return nil, utils.Classify(utils.ErrDeviceUnavailable, err)
	}
	if reader.NumFrames() == 0 {
		return nil, multierr.Combine(utils.NewDeviceUnavailableError("dump %s holds no frames", conf.Path), reader.Close())
	}
	depth, color := reader.ReadMetadata()
	logger.Infow("replaying dump", "path", conf.Path, "frames", reader.NumFrames(), "loop", conf.Loop)
	return &Source{
		logger:   logger,
		conf:     conf,
		reader:   reader,
		depth:    depth,
		color:    color,
		scratchD: rimage.NewEmptyDepthMap(int(depth.Width), int(depth.Height)),
		scratchC: rimage.NewEmptyColorImage(int(color.Width), int(color.Height)),
	}, nil
}

// Descriptor returns the geometry recorded in the dump.
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

// nextIndex returns the frame to read for a stream that has returned next frames.
func (s *Source) nextIndex(kind camera.StreamKind, next int) (int, error) {
	if s.closed {
		return 0, utils.NewAcquisitionError("replay source is closed")
	}
	n := s.reader.NumFrames()
	if next >= n && !s.conf.Loop {
		return 0, utils.Classify(utils.ErrAcquisition, errors.Wrapf(ErrEndOfDump, "%s stream after %d frames", kind, n))
	}
	return next % n, nil
}

// UpdateDepth copies the next depth frame into dst.
func (s *Source) UpdateDepth(ctx context.Context, dst *rimage.DepthMap) error {
	if err := camera.CheckBuffer(camera.DepthStream, s.depth, dst.Width(), dst.Height()); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return utils.Classify(utils.ErrAcquisition, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.nextIndex(camera.DepthStream, s.depthNext)
	if err != nil {
		return err
	}
	if err := s.reader.ReadDepthInto(idx, s.scratchD); err != nil {
		return errors.Wrapf(utils.Classify(utils.ErrAcquisition, err), "replaying depth frame %d", idx)
	}
	s.depthNext++
	return dst.CopyFrom(s.scratchD)
}

// UpdateColor copies the next color frame into dst.
func (s *Source) UpdateColor(ctx context.Context, dst *rimage.ColorImage) error {
	if err := camera.CheckBuffer(camera.ColorStream, s.color, dst.Width(), dst.Height()); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return utils.Classify(utils.ErrAcquisition, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.nextIndex(camera.ColorStream, s.colorNext)
	if err != nil {
		return err
	}
	if err := s.reader.ReadColorInto(idx, s.scratchC); err != nil {
		return errors.Wrapf(utils.Classify(utils.ErrAcquisition, err), "replaying color frame %d", idx)
	}
	s.colorNext++
	return dst.CopyFrom(s.scratchC)
}

// Close closes the dump.
func (s *Source) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.reader.Close()
}
