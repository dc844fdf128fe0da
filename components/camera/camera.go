// Package camera defines a depth plus color sensor that is pulled one frame at a time.
package camera

import (
	"context"
	"fmt"

	"go.viam.com/depthcapture/rimage"
)

// StreamKind identifies one of the two streams a Source produces.
type StreamKind int

const (
	// DepthStream carries 16-bit linear depth.
	DepthStream StreamKind = iota
	// ColorStream carries packed 24-bit RGB.
	ColorStream
)

// StreamKinds lists every stream in the order they are acquired.
var StreamKinds = []StreamKind{DepthStream, ColorStream}

func (k StreamKind) String() string {
	switch k {
	case DepthStream:
		return "depth"
	case ColorStream:
		return "color"
	default:
		return fmt.Sprintf("StreamKind(%d)", int(k))
	}
}

// StreamDescriptor is the fixed geometry and focal intrinsics of one stream.
type StreamDescriptor struct {
	Width  uint
	Height uint
	FocalX float32
	FocalY float32
}

// Pixels returns Width*Height.
func (d StreamDescriptor) Pixels() int {
	return int(d.Width) * int(d.Height)
}

// A Source is an opened depth and color sensor.
//
// Descriptors never change once the source is constructed. UpdateDepth and UpdateColor block
// until one fresh frame is available or a bounded failure occurs; on failure the destination
// buffer is left exactly as it was. Close releases the device and may be called more than once.
type Source interface {
	Descriptor(kind StreamKind) (StreamDescriptor, error)
	UpdateDepth(ctx context.Context, dst *rimage.DepthMap) error
	UpdateColor(ctx context.Context, dst *rimage.ColorImage) error
	Close(ctx context.Context) error
}

// Descriptors returns the depth and color descriptors of src.
func Descriptors(src Source) (depth, color StreamDescriptor, err error) {
	if depth, err = src.Descriptor(DepthStream); err != nil {
		return
	}
	color, err = src.Descriptor(ColorStream)
	return
}
