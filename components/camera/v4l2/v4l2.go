// Package v4l2 implements a source backed by two Video4Linux2 capture nodes, one streaming
// 16-bit depth (Z16) and one streaming color (YUYV or RGB3).
package v4l2

import (
	"context"
	"encoding/binary"
	"time"

	goutils "go.viam.com/utils"

	"go.viam.com/depthcapture/components/camera"
	"go.viam.com/depthcapture/logging"
	"go.viam.com/depthcapture/rimage"
	"go.viam.com/depthcapture/utils"
)

// Model is the registered name of the V4L2 source.
const Model = "v4l2"

// Pixel formats, as V4L2 FourCC codes.
const (
	pixFmtZ16  = 0x2036315a // "Z16 "
	pixFmtYUYV = 0x56595559 // "YUYV"
	pixFmtRGB3 = 0x33424752 // "RGB3"
)

const defaultTimeout = time.Second

func init() {
	camera.RegisterModel(Model, func(ctx context.Context, attrs camera.Attributes, logger logging.Logger) (camera.Source, error) {
		var conf Config
		if err := camera.DecodeAttributes(attrs, &conf); err != nil {
			return nil, err
		}
		return NewSource(ctx, conf, logger)
	})
}

// Config describes how to configure the V4L2 source. V4L2 does not report intrinsics so the
// focal lengths have to be given.
type Config struct {
	DepthPath   string  `json:"depth_path"`
	ColorPath   string  `json:"color_path"`
	DepthWidth  uint32  `json:"depth_width,omitempty"`
	DepthHeight uint32  `json:"depth_height,omitempty"`
	ColorWidth  uint32  `json:"color_width,omitempty"`
	ColorHeight uint32  `json:"color_height,omitempty"`
	DepthFocalX float32 `json:"depth_fx"`
	DepthFocalY float32 `json:"depth_fy"`
	ColorFocalX float32 `json:"color_fx"`
	ColorFocalY float32 `json:"color_fy"`

	// Timeout bounds how long a single update waits for a frame.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Validate checks that the config attributes are valid for a V4L2 source.
func (conf *Config) Validate(path string) error {
	if conf.DepthPath == "" {
		return utils.Classify(utils.ErrInvalidArgument, goutils.NewConfigValidationFieldRequiredError(path, "depth_path"))
	}
	if conf.ColorPath == "" {
		return utils.Classify(utils.ErrInvalidArgument, goutils.NewConfigValidationFieldRequiredError(path, "color_path"))
	}
	for name, f := range map[string]float32{
		"depth_fx": conf.DepthFocalX, "depth_fy": conf.DepthFocalY,
		"color_fx": conf.ColorFocalX, "color_fy": conf.ColorFocalY,
	} {
		if f <= 0 {
			return utils.NewInvalidArgumentError("%s.%s must be positive, got %v", path, name, f)
		}
	}
	if conf.Timeout < 0 {
		return utils.NewInvalidArgumentError("%s.timeout cannot be negative, got %s", path, conf.Timeout)
	}
	return nil
}

// timeoutSeconds is the frame wait timeout in the whole seconds the driver takes.
func (conf *Config) timeoutSeconds() uint32 {
	timeout := conf.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	secs := uint32((timeout + time.Second - 1) / time.Second)
	if secs == 0 {
		secs = 1
	}
	return secs
}

func fourCC(code uint32) string {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], code)
	return string(b[:])
}

// decodeZ16 converts a Z16 frame, little-endian 16-bit samples in row-major order, into dst.
func decodeZ16(frame []byte, dst *rimage.DepthMap) error {
	data := dst.Data()
	if len(frame) < 2*len(data) {
		return utils.NewAcquisitionError("short Z16 frame: %d bytes for %dx%d", len(frame), dst.Width(), dst.Height())
	}
	for i := range data {
		data[i] = binary.LittleEndian.Uint16(frame[2*i:])
	}
	return nil
}

// decodeColor converts a YUYV or RGB3 frame into dst.
func decodeColor(format uint32, frame []byte, dst *rimage.ColorImage) error {
	switch format {
	case pixFmtYUYV:
		// drivers may hand back buffers padded past the image
		if want := 2 * dst.Width() * dst.Height(); len(frame) > want {
			frame = frame[:want]
		}
		if err := rimage.ConvertYUYVToRGB(frame, dst); err != nil {
			return utils.Classify(utils.ErrAcquisition, err)
		}
		return nil
	case pixFmtRGB3:
		data := dst.Data()
		if len(frame) < len(data) {
			return utils.NewAcquisitionError("short RGB3 frame: %d bytes for %dx%d", len(frame), dst.Width(), dst.Height())
		}
		copy(data, frame)
		return nil
	default:
		return utils.NewAcquisitionError("unsupported color format %q", fourCC(format))
	}
}
