// Package preview holds the surfaces a capture run shows its live preview on.
//
// Every surface is backed by a Canvas as wide and as tall as the larger of the two streams.
// Each upload replaces the top-left region covered by the uploaded image; the rest of the
// canvas keeps whatever was uploaded before.
package preview

import (
	"image"
	"sync"

	"go.viam.com/depthcapture/components/camera"
	"go.viam.com/depthcapture/rimage"
	"go.viam.com/depthcapture/utils"
)

// A Surface receives one RGB image per captured frame.
type Surface interface {
	Upload(img *rimage.ColorImage) error
	Close() error
}

// CanvasSize returns the smallest canvas that fits either stream.
func CanvasSize(depth, color camera.StreamDescriptor) (int, int) {
	width, height := depth.Width, depth.Height
	if color.Width > width {
		width = color.Width
	}
	if color.Height > height {
		height = color.Height
	}
	return int(width), int(height)
}

// Canvas is a fixed size RGB framebuffer.
type Canvas struct {
	width, height int
	data          []byte
}

// NewCanvas returns a black canvas.
func NewCanvas(width, height int) *Canvas {
	return &Canvas{width: width, height: height, data: make([]byte, width*height*rimage.BytesPerColorPixel)}
}

// Width returns the canvas width.
func (c *Canvas) Width() int {
	return c.width
}

// Height returns the canvas height.
func (c *Canvas) Height() int {
	return c.height
}

// Upload copies img to the top-left corner of the canvas.
func (c *Canvas) Upload(img *rimage.ColorImage) error {
	if img.Width() > c.width || img.Height() > c.height {
		return utils.NewInvalidArgumentError(
			"%dx%d image does not fit a %dx%d canvas", img.Width(), img.Height(), c.width, c.height)
	}
	src := img.Data()
	rowBytes := img.Width() * rimage.BytesPerColorPixel
	stride := c.width * rimage.BytesPerColorPixel
	for y := 0; y < img.Height(); y++ {
		copy(c.data[y*stride:y*stride+rowBytes], src[y*rowBytes:(y+1)*rowBytes])
	}
	return nil
}

// RGB returns the color at x, y.
func (c *Canvas) RGB(x, y int) (uint8, uint8, uint8) {
	i := (y*c.width + x) * rimage.BytesPerColorPixel
	return c.data[i], c.data[i+1], c.data[i+2]
}

// Image returns an opaque copy of the canvas.
func (c *Canvas) Image() *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, c.width, c.height))
	for i, o := 0, 0; i < len(c.data); i, o = i+3, o+4 {
		out.Pix[o], out.Pix[o+1], out.Pix[o+2], out.Pix[o+3] = c.data[i], c.data[i+1], c.data[i+2], 0xff
	}
	return out
}

// MemorySurface keeps the preview in memory. It is what headless runs and tests use.
type MemorySurface struct {
	mu      sync.Mutex
	canvas  *Canvas
	uploads int
	closed  bool
}

// NewMemorySurface returns a surface with a width x height canvas.
func NewMemorySurface(width, height int) *MemorySurface {
	return &MemorySurface{canvas: NewCanvas(width, height)}
}

// Upload copies img onto the canvas.
func (s *MemorySurface) Upload(img *rimage.ColorImage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return utils.NewInvalidArgumentError("surface is closed")
	}
	if err := s.canvas.Upload(img); err != nil {
		return err
	}
	s.uploads++
	return nil
}

// Uploads returns how many images were uploaded.
func (s *MemorySurface) Uploads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploads
}

// RGB returns the canvas color at x, y.
func (s *MemorySurface) RGB(x, y int) (uint8, uint8, uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canvas.RGB(x, y)
}

// Close marks the surface closed.
func (s *MemorySurface) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
