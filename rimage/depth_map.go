package rimage

import (
	"image"
	"image/color"

	"go.viam.com/depthcapture/utils"
)

// DepthMap is a dense, row-major buffer of 16-bit depth samples in sensor-native units.
// A sample of 0 means the sensor had no return for that pixel.
type DepthMap struct {
	width  int
	height int

	data []uint16
}

// NewEmptyDepthMap allocates a zeroed depth map of the given size.
func NewEmptyDepthMap(width, height int) *DepthMap {
	return &DepthMap{
		width:  width,
		height: height,
		data:   make([]uint16, width*height),
	}
}

// NewDepthMapFromData wraps data as a width x height depth map. The slice is not copied.
func NewDepthMapFromData(width, height int, data []uint16) (*DepthMap, error) {
	if width <= 0 || height <= 0 || len(data) != width*height {
		return nil, utils.NewInvalidArgumentError(
			"depth data of length %d does not match %dx%d", len(data), width, height)
	}
	return &DepthMap{width: width, height: height, data: data}, nil
}

// Width returns the horizontal size of the depth map.
func (dm *DepthMap) Width() int {
	return dm.width
}

// Height returns the vertical size of the depth map.
func (dm *DepthMap) Height() int {
	return dm.height
}

// Bounds returns the rectangle dimensions of the depth map.
func (dm *DepthMap) Bounds() image.Rectangle {
	return image.Rect(0, 0, dm.width, dm.height)
}

// ColorModel is Gray16 so a depth map can be handed to anything taking an image.Image.
func (dm *DepthMap) ColorModel() color.Model {
	return color.Gray16Model
}

// At returns the depth sample at (x, y) as a Gray16.
func (dm *DepthMap) At(x, y int) color.Color {
	return color.Gray16{Y: dm.GetDepth(x, y)}
}

// GetDepth returns the depth sample at (x, y).
func (dm *DepthMap) GetDepth(x, y int) uint16 {
	return dm.data[y*dm.width+x]
}

// Set stores a depth sample at (x, y).
func (dm *DepthMap) Set(x, y int, val uint16) {
	dm.data[y*dm.width+x] = val
}

// Data exposes the row-major sample buffer. Writes through it are visible to the map.
func (dm *DepthMap) Data() []uint16 {
	return dm.data
}

// CopyFrom overwrites this map's samples with src. Both maps must share a geometry.
func (dm *DepthMap) CopyFrom(src *DepthMap) error {
	if src.width != dm.width || src.height != dm.height {
		return utils.NewInvalidArgumentError(
			"cannot copy %dx%d depth into %dx%d", src.width, src.height, dm.width, dm.height)
	}
	copy(dm.data, src.data)
	return nil
}

// MinMax returns the smallest and largest non-zero samples. Both are 0 for an empty map.
func (dm *DepthMap) MinMax() (uint16, uint16) {
	var min, max uint16
	for _, z := range dm.data {
		if z == 0 {
			continue
		}
		if min == 0 || z < min {
			min = z
		}
		if z > max {
			max = z
		}
	}
	return min, max
}
