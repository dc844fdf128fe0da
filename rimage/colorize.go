package rimage

import (
	"github.com/lucasb-eyer/go-colorful"

	"go.viam.com/depthcapture/utils"
)

// Hue range of the depth ramp in degrees. The nearest clamped depth is orange and the farthest
// is blue; saturation and value stay at 1 so no valid depth can ever render as the black sentinel.
const (
	rampHueStart = 30.0
	rampHueSpan  = 200.0
)

// Default clamping range for depth previews, in sensor units.
const (
	DefaultMinDepth uint16 = 64
	DefaultMaxDepth uint16 = 8192
)

// NoDepthColor is what a 0 (no return) depth sample colorizes to.
var NoDepthColor = [BytesPerColorPixel]uint8{0, 0, 0}

// RampPosition returns where depth d lands on the ramp after clamping to [minDepth, maxDepth],
// from 0 (nearest) to 1 (farthest). The 0 sample is not on the ramp and returns -1.
func RampPosition(d, minDepth, maxDepth uint16) float64 {
	if d == 0 {
		return -1
	}
	if d < minDepth {
		d = minDepth
	}
	if d > maxDepth {
		d = maxDepth
	}
	return float64(d-minDepth) / float64(maxDepth-minDepth)
}

// RampColor returns the RGB color of depth d on the ramp.
func RampColor(d, minDepth, maxDepth uint16) (uint8, uint8, uint8) {
	ratio := RampPosition(d, minDepth, maxDepth)
	if ratio < 0 {
		return NoDepthColor[0], NoDepthColor[1], NoDepthColor[2]
	}
	return colorful.Hsv(rampHueStart+rampHueSpan*ratio, 1.0, 1.0).RGB255()
}

// Palette is a precomputed ramp for one clamping range. Index i holds the color of depth
// minDepth+i.
type Palette struct {
	minDepth, maxDepth uint16
	colors             []byte
}

// NewPalette computes the ramp for [minDepth, maxDepth].
func NewPalette(minDepth, maxDepth uint16) (*Palette, error) {
	if minDepth >= maxDepth {
		return nil, utils.NewInvalidArgumentError(
			"depth range must satisfy min < max, got [%d, %d]", minDepth, maxDepth)
	}
	n := int(maxDepth-minDepth) + 1
	p := &Palette{minDepth: minDepth, maxDepth: maxDepth, colors: make([]byte, n*BytesPerColorPixel)}
	for i := 0; i < n; i++ {
		r, g, b := RampColor(minDepth+uint16(i), minDepth, maxDepth)
		p.colors[i*3], p.colors[i*3+1], p.colors[i*3+2] = r, g, b
	}
	return p, nil
}

// Range returns the clamping range this palette was built for.
func (p *Palette) Range() (uint16, uint16) {
	return p.minDepth, p.maxDepth
}

// Apply writes the colors of depth into out, which must hold 3 bytes per depth sample.
func (p *Palette) Apply(depth []uint16, out []byte) error {
	if len(out) != len(depth)*BytesPerColorPixel {
		return utils.NewInvalidArgumentError(
			"output of %d bytes cannot hold %d colorized samples", len(out), len(depth))
	}
	for i, d := range depth {
		o := i * BytesPerColorPixel
		if d == 0 {
			out[o], out[o+1], out[o+2] = NoDepthColor[0], NoDepthColor[1], NoDepthColor[2]
			continue
		}
		if d < p.minDepth {
			d = p.minDepth
		} else if d > p.maxDepth {
			d = p.maxDepth
		}
		c := int(d-p.minDepth) * BytesPerColorPixel
		out[o], out[o+1], out[o+2] = p.colors[c], p.colors[c+1], p.colors[c+2]
	}
	return nil
}

// Colorize maps a width x height depth buffer onto packed RGB in out for visualization.
// Samples are clamped to [minDepth, maxDepth]; samples of 0 become NoDepthColor.
func Colorize(width, height int, minDepth, maxDepth uint16, depth []uint16, out []byte) error {
	if width <= 0 || height <= 0 || len(depth) != width*height {
		return utils.NewInvalidArgumentError(
			"depth buffer of length %d does not match %dx%d", len(depth), width, height)
	}
	p, err := NewPalette(minDepth, maxDepth)
	if err != nil {
		return err
	}
	return p.Apply(depth, out)
}

// Colorizer colorizes depth maps into a reusable output image, keeping the palette of the last
// range it was asked for. Its output depends only on its inputs.
type Colorizer struct {
	palette *Palette
}

// Run colorizes dm clamped to [minDepth, maxDepth] into out, allocating out when it is nil or of
// the wrong size. The returned image is out or its replacement.
func (c *Colorizer) Run(dm *DepthMap, minDepth, maxDepth uint16, out *ColorImage) (*ColorImage, error) {
	if c.palette == nil || c.palette.minDepth != minDepth || c.palette.maxDepth != maxDepth {
		p, err := NewPalette(minDepth, maxDepth)
		if err != nil {
			return nil, err
		}
		c.palette = p
	}
	if out == nil || out.width != dm.width || out.height != dm.height {
		out = NewEmptyColorImage(dm.width, dm.height)
	}
	if err := c.palette.Apply(dm.data, out.data); err != nil {
		return nil, err
	}
	return out, nil
}

// ToPrettyPicture colorizes the depth map into a new image.
func (dm *DepthMap) ToPrettyPicture(minDepth, maxDepth uint16) (*ColorImage, error) {
	out := NewEmptyColorImage(dm.width, dm.height)
	if err := Colorize(dm.width, dm.height, minDepth, maxDepth, dm.data, out.data); err != nil {
		return nil, err
	}
	return out, nil
}
