package v4l2

import (
	"context"
	"sync"

	"github.com/blackjack/webcam"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/depthcapture/components/camera"
	"go.viam.com/depthcapture/logging"
	"go.viam.com/depthcapture/rimage"
	"go.viam.com/depthcapture/utils"
)

// node is one opened, streaming capture device.
type node struct {
	path          string
	cam           *webcam.Webcam
	format        uint32
	width, height uint32
}

// openNode opens path and negotiates the first of formats it supports. A zero width or height
// picks the largest frame size the device offers.
func openNode(path string, formats []uint32, width, height uint32) (*node, error) {
	cam, err := webcam.Open(path)
	if err != nil {
		return nil, utils.Classify(utils.ErrDeviceUnavailable, errors.Wrapf(err, "cannot open %s", path))
	}
	n, err := negotiate(cam, path, formats, width, height)
	if err != nil {
		return nil, multierr.Combine(utils.Classify(utils.ErrDeviceUnavailable, err), cam.Close())
	}
	return n, nil
}

func negotiate(cam *webcam.Webcam, path string, formats []uint32, width, height uint32) (*node, error) {
	supported := cam.GetSupportedFormats()
	format := webcam.PixelFormat(0)
	for _, f := range formats {
		if _, ok := supported[webcam.PixelFormat(f)]; ok && len(cam.GetSupportedFrameSizes(webcam.PixelFormat(f))) > 0 {
			format = webcam.PixelFormat(f)
			break
		}
	}
	if format == 0 {
		return nil, errors.Errorf("%s supports none of the wanted formats, supported ones: %v", path, supported)
	}

	if width == 0 || height == 0 {
		sizes := cam.GetSupportedFrameSizes(format)
		best := 0
		for idx, s := range sizes {
			if s.MaxWidth > sizes[best].MaxWidth {
				best = idx
			}
		}
		width, height = sizes[best].MaxWidth, sizes[best].MaxHeight
	}

	format, w, h, err := cam.SetImageFormat(format, width, height)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot set image format of %s", path)
	}
	if err := cam.SetBufferCount(2); err != nil {
		return nil, errors.Wrapf(err, "cannot set buffer count of %s", path)
	}
	if err := cam.StartStreaming(); err != nil {
		return nil, errors.Wrapf(err, "cannot start streaming %s", path)
	}
	return &node{path: path, cam: cam, format: uint32(format), width: w, height: h}, nil
}

// next waits for and returns one raw frame. The returned slice is only valid until the next
// call.
func (n *node) next(timeout uint32) ([]byte, error) {
	err := n.cam.WaitForFrame(timeout)
	switch err.(type) {
	case nil:
	case *webcam.Timeout:
		return nil, utils.NewAcquisitionError("timed out waiting for a frame from %s", n.path)
	default:
		return nil, errors.Wrapf(utils.Classify(utils.ErrAcquisition, err), "waiting for a frame from %s", n.path)
	}
	frame, err := n.cam.ReadFrame()
	if err != nil {
		return nil, errors.Wrapf(utils.Classify(utils.ErrAcquisition, err), "reading a frame from %s", n.path)
	}
	if len(frame) == 0 {
		return nil, utils.NewAcquisitionError("empty frame from %s", n.path)
	}
	return frame, nil
}

func (n *node) close() error {
	return multierr.Combine(n.cam.StopStreaming(), n.cam.Close())
}

// Source is a depth and color sensor exposed as two V4L2 nodes.
type Source struct {
	logger  logging.Logger
	timeout uint32

	depthDesc camera.StreamDescriptor
	colorDesc camera.StreamDescriptor

	mu       sync.Mutex
	depth    *node
	color    *node
	scratchD *rimage.DepthMap
	scratchC *rimage.ColorImage
	closed   bool
}

// NewSource opens and starts both nodes named by conf.
func NewSource(ctx context.Context, conf Config, logger logging.Logger) (*Source, error) {
	if err := conf.Validate("attributes"); err != nil {
		return nil, err
	}
	depth, err := openNode(conf.DepthPath, []uint32{pixFmtZ16}, conf.DepthWidth, conf.DepthHeight)
	if err != nil {
		return nil, err
	}
	color, err := openNode(conf.ColorPath, []uint32{pixFmtYUYV, pixFmtRGB3}, conf.ColorWidth, conf.ColorHeight)
	if err != nil {
		return nil, multierr.Combine(err, depth.close())
	}
	s := &Source{
		logger:  logger,
		timeout: conf.timeoutSeconds(),
		depthDesc: camera.StreamDescriptor{
			Width: uint(depth.width), Height: uint(depth.height), FocalX: conf.DepthFocalX, FocalY: conf.DepthFocalY,
		},
		colorDesc: camera.StreamDescriptor{
			Width: uint(color.width), Height: uint(color.height), FocalX: conf.ColorFocalX, FocalY: conf.ColorFocalY,
		},
		depth:    depth,
		color:    color,
		scratchD: rimage.NewEmptyDepthMap(int(depth.width), int(depth.height)),
		scratchC: rimage.NewEmptyColorImage(int(color.width), int(color.height)),
	}
	logger.Infow("v4l2 source opened",
		"depth", conf.DepthPath, "depth_format", fourCC(depth.format),
		"color", conf.ColorPath, "color_format", fourCC(color.format))
	return s, nil
}

// Descriptor returns the negotiated geometry of the kind stream.
func (s *Source) Descriptor(kind camera.StreamKind) (camera.StreamDescriptor, error) {
	switch kind {
	case camera.DepthStream:
		return s.depthDesc, nil
	case camera.ColorStream:
		return s.colorDesc, nil
	default:
		return camera.StreamDescriptor{}, utils.NewInvalidArgumentError("unknown stream %s", kind)
	}
}

// UpdateDepth waits for the next depth frame and decodes it into dst.
func (s *Source) UpdateDepth(ctx context.Context, dst *rimage.DepthMap) error {
	if err := camera.CheckBuffer(camera.DepthStream, s.depthDesc, dst.Width(), dst.Height()); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return utils.Classify(utils.ErrAcquisition, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return utils.NewAcquisitionError("v4l2 source is closed")
	}
	frame, err := s.depth.next(s.timeout)
	if err != nil {
		return err
	}
	if err := decodeZ16(frame, s.scratchD); err != nil {
		return err
	}
	return dst.CopyFrom(s.scratchD)
}

// UpdateColor waits for the next color frame and converts it into dst.
func (s *Source) UpdateColor(ctx context.Context, dst *rimage.ColorImage) error {
	if err := camera.CheckBuffer(camera.ColorStream, s.colorDesc, dst.Width(), dst.Height()); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return utils.Classify(utils.ErrAcquisition, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return utils.NewAcquisitionError("v4l2 source is closed")
	}
	frame, err := s.color.next(s.timeout)
	if err != nil {
		return err
	}
	if err := decodeColor(s.color.format, frame, s.scratchC); err != nil {
		return err
	}
	return dst.CopyFrom(s.scratchC)
}

// Close stops and closes both nodes.
func (s *Source) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return multierr.Combine(s.depth.close(), s.color.close())
}
