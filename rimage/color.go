package rimage

import (
	"image"
	"image/color"

	"go.viam.com/depthcapture/utils"
)

// BytesPerColorPixel is the packed size of one RGB sample.
const BytesPerColorPixel = 3

// ColorImage is a dense, row-major buffer of packed 8-bit RGB triples.
type ColorImage struct {
	width  int
	height int

	data []byte
}

// NewEmptyColorImage allocates a black color image of the given size.
func NewEmptyColorImage(width, height int) *ColorImage {
	return &ColorImage{
		width:  width,
		height: height,
		data:   make([]byte, width*height*BytesPerColorPixel),
	}
}

// Width returns the horizontal size of the image.
func (ci *ColorImage) Width() int {
	return ci.width
}

// Height returns the vertical size of the image.
func (ci *ColorImage) Height() int {
	return ci.height
}

// Bounds returns the rectangle dimensions of the image.
func (ci *ColorImage) Bounds() image.Rectangle {
	return image.Rect(0, 0, ci.width, ci.height)
}

// ColorModel returns the RGBA model.
func (ci *ColorImage) ColorModel() color.Model {
	return color.RGBAModel
}

// At returns the opaque color at (x, y).
func (ci *ColorImage) At(x, y int) color.Color {
	if !(image.Point{x, y}.In(ci.Bounds())) {
		return color.RGBA{}
	}
	r, g, b := ci.GetRGB(x, y)
	return color.RGBA{r, g, b, 255}
}

// GetRGB returns the channels at (x, y).
func (ci *ColorImage) GetRGB(x, y int) (uint8, uint8, uint8) {
	i := (y*ci.width + x) * BytesPerColorPixel
	return ci.data[i], ci.data[i+1], ci.data[i+2]
}

// SetRGB stores the channels at (x, y).
func (ci *ColorImage) SetRGB(x, y int, r, g, b uint8) {
	i := (y*ci.width + x) * BytesPerColorPixel
	ci.data[i] = r
	ci.data[i+1] = g
	ci.data[i+2] = b
}

// Data exposes the packed RGB buffer. Writes through it are visible to the image.
func (ci *ColorImage) Data() []byte {
	return ci.data
}

// CopyFrom overwrites this image's pixels with src. Both images must share a geometry.
func (ci *ColorImage) CopyFrom(src *ColorImage) error {
	if src.width != ci.width || src.height != ci.height {
		return utils.NewInvalidArgumentError(
			"cannot copy %dx%d color into %dx%d", src.width, src.height, ci.width, ci.height)
	}
	copy(ci.data, src.data)
	return nil
}

// ToRGBA converts the image to a standard library RGBA image.
func (ci *ColorImage) ToRGBA() *image.RGBA {
	img := image.NewRGBA(ci.Bounds())
	for i, j := 0, 0; i < len(ci.data); i, j = i+BytesPerColorPixel, j+4 {
		img.Pix[j] = ci.data[i]
		img.Pix[j+1] = ci.data[i+1]
		img.Pix[j+2] = ci.data[i+2]
		img.Pix[j+3] = 255
	}
	return img
}

// ConvertYUYVToRGB decodes a packed YUYV 4:2:2 frame into dst using the BT.601 conversion of
// the standard library.
func ConvertYUYVToRGB(frame []byte, dst *ColorImage) error {
	if len(frame) != dst.width*dst.height*2 || dst.width%2 != 0 {
		return utils.NewInvalidArgumentError(
			"yuyv frame of %d bytes does not match %dx%d", len(frame), dst.width, dst.height)
	}
	out := dst.data
	for i, o := 0, 0; i+3 < len(frame); i, o = i+4, o+6 {
		y0, cb, y1, cr := frame[i], frame[i+1], frame[i+2], frame[i+3]
		out[o], out[o+1], out[o+2] = color.YCbCrToRGB(y0, cb, cr)
		out[o+3], out[o+4], out[o+5] = color.YCbCrToRGB(y1, cb, cr)
	}
	return nil
}
