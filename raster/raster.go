// Package raster provides dense image buffers for the compositor.
//
// A dense image owns a color plane and a depth plane of width × height ×
// layers values, laid out row-major by pixel and then by layer within each
// pixel. Flat images have one layer. Layered images keep several
// depth-sorted fragments per pixel, with all active fragments preceding any
// inactive ones.
package raster

import (
	"errors"
	"fmt"
	"math"

	"github.com/sortlast/compositor"
	"github.com/sortlast/compositor/pixel"
)

// Dense image errors
var (
	ErrNoColorPlane = errors.New("raster: image has no color plane")
	ErrNoDepthPlane = errors.New("raster: image has no depth plane")
	ErrBounds       = errors.New("raster: coordinates out of bounds")
)

// Image is a dense image buffer.
type Image struct {
	colorFormat pixel.ColorFormat
	depthFormat pixel.DepthFormat
	width       int
	height      int
	numLayers   int

	// color holds width*height*numLayers color values packed in the
	// image's color format. depth holds the matching depth values.
	color []byte
	depth []float32
}

// New allocates a dense flat image.
func New(c pixel.ColorFormat, d pixel.DepthFormat, width, height int) (*Image, error) {
	return NewLayered(c, d, width, height, 1)
}

// NewLayered allocates a dense image with numLayers fragments per pixel.
// Layered images must carry depth so that fragments can be ordered.
func NewLayered(c pixel.ColorFormat, d pixel.DepthFormat, width, height, numLayers int) (*Image, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("raster: color format %v: %w", c, compositor.ErrInvalidValue)
	}
	if !d.Valid() {
		return nil, fmt.Errorf("raster: depth format %v: %w", d, compositor.ErrInvalidValue)
	}
	if width < 0 || height < 0 || numLayers < 1 {
		return nil, fmt.Errorf("raster: bad dimensions %dx%dx%d: %w",
			width, height, numLayers, compositor.ErrInvalidValue)
	}
	if numLayers > 1 && d == pixel.DepthNone {
		return nil, fmt.Errorf("raster: layered image requires depth: %w",
			compositor.ErrInvalidOperation)
	}

	n := width * height * numLayers
	img := &Image{
		colorFormat: c,
		depthFormat: d,
		width:       width,
		height:      height,
		numLayers:   numLayers,
	}
	if c != pixel.ColorNone {
		img.color = make([]byte, n*c.Size())
	}
	if d != pixel.DepthNone {
		img.depth = make([]float32, n)
		// Depth 1 marks unwritten background.
		for i := range img.depth {
			img.depth[i] = 1
		}
	}
	return img, nil
}

// ColorFormat returns the image's color format.
func (img *Image) ColorFormat() pixel.ColorFormat { return img.colorFormat }

// DepthFormat returns the image's depth format.
func (img *Image) DepthFormat() pixel.DepthFormat { return img.depthFormat }

// Width returns the image width in pixels.
func (img *Image) Width() int { return img.width }

// Height returns the image height in pixels.
func (img *Image) Height() int { return img.height }

// NumLayers returns the number of fragments stored per pixel.
func (img *Image) NumLayers() int { return img.numLayers }

// NumPixels returns width × height.
func (img *Image) NumPixels() int { return img.width * img.height }

// Layered reports whether the image stores more than one layer per pixel.
func (img *Image) Layered() bool { return img.numLayers > 1 }

// ColorBytes returns the raw color plane. The slice is nil for ColorNone.
func (img *Image) ColorBytes() []byte { return img.color }

// Depths returns the depth plane. The slice is nil for DepthNone.
func (img *Image) Depths() []float32 { return img.depth }

// ColorFloats reinterprets the color plane as float32 channel values.
// It returns an error for formats that do not store floats.
func (img *Image) ColorFloats() ([]float32, error) {
	switch img.colorFormat {
	case pixel.ColorRGBFloat, pixel.ColorRGBAFloat:
	default:
		return nil, fmt.Errorf("raster: color format %v has no float channels: %w",
			img.colorFormat, compositor.ErrInvalidOperation)
	}
	out := make([]float32, len(img.color)/4)
	for i := range out {
		out[i] = math.Float32frombits(byteOrderUint32(img.color[i*4:]))
	}
	return out, nil
}

// SetColorFloats packs float32 channel values into the color plane.
func (img *Image) SetColorFloats(values []float32) error {
	switch img.colorFormat {
	case pixel.ColorRGBFloat, pixel.ColorRGBAFloat:
	default:
		return fmt.Errorf("raster: color format %v has no float channels: %w",
			img.colorFormat, compositor.ErrInvalidOperation)
	}
	if len(values)*4 != len(img.color) {
		return fmt.Errorf("raster: %d channel values for %d bytes of color: %w",
			len(values), len(img.color), compositor.ErrInvalidValue)
	}
	for i, v := range values {
		putByteOrderUint32(img.color[i*4:], math.Float32bits(v))
	}
	return nil
}

// Fragment is one color+depth sample addressed through At.
type Fragment struct {
	// Color is a view into the image's color plane, pixel.ColorFormat
	// Size bytes long, or nil for ColorNone.
	Color []byte
	// Depth is the fragment's depth, or 1 if the image has no depth.
	Depth float32
}

// At returns the fragment at (x, y, layer). Mutating the returned color
// view mutates the image.
func (img *Image) At(x, y, layer int) (Fragment, error) {
	if x < 0 || x >= img.width || y < 0 || y >= img.height ||
		layer < 0 || layer >= img.numLayers {
		return Fragment{}, fmt.Errorf("raster: at(%d,%d,%d): %w: %w",
			x, y, layer, ErrBounds, compositor.ErrInvalidValue)
	}
	i := (y*img.width+x)*img.numLayers + layer
	f := Fragment{Depth: 1}
	if img.color != nil {
		cs := img.colorFormat.Size()
		f.Color = img.color[i*cs : (i+1)*cs]
	}
	if img.depth != nil {
		f.Depth = img.depth[i]
	}
	return f, nil
}

// SetDepth sets the depth of the fragment at (x, y, layer).
func (img *Image) SetDepth(x, y, layer int, d float32) error {
	if img.depth == nil {
		return fmt.Errorf("raster: %w: %w", ErrNoDepthPlane, compositor.ErrInvalidOperation)
	}
	if x < 0 || x >= img.width || y < 0 || y >= img.height ||
		layer < 0 || layer >= img.numLayers {
		return fmt.Errorf("raster: setdepth(%d,%d,%d): %w: %w",
			x, y, layer, ErrBounds, compositor.ErrInvalidValue)
	}
	img.depth[(y*img.width+x)*img.numLayers+layer] = d
	return nil
}

// AdjustForOutput discards planes that a display consumer does not need.
// After compositing, only color is delivered; the depth plane is dropped.
// Images with no color keep their depth plane, since depth is then the
// payload.
func (img *Image) AdjustForOutput() {
	if img.colorFormat != pixel.ColorNone && img.depth != nil {
		img.depth = nil
		img.depthFormat = pixel.DepthNone
	}
}

// Clear fills the color plane with background (which must be ColorFormat
// Size bytes, or nil for zero) and the depth plane with 1.
func (img *Image) Clear(background []byte) error {
	cs := img.colorFormat.Size()
	if background != nil && len(background) != cs {
		return fmt.Errorf("raster: background is %d bytes, format needs %d: %w",
			len(background), cs, compositor.ErrInvalidValue)
	}
	if img.color != nil {
		if background == nil {
			clear(img.color)
		} else {
			for i := 0; i < len(img.color); i += cs {
				copy(img.color[i:], background)
			}
		}
	}
	for i := range img.depth {
		img.depth[i] = 1
	}
	return nil
}

// Equal reports whether two images have identical formats, dimensions and
// plane contents.
func (img *Image) Equal(other *Image) bool {
	if img.colorFormat != other.colorFormat ||
		img.depthFormat != other.depthFormat ||
		img.width != other.width ||
		img.height != other.height ||
		img.numLayers != other.numLayers {
		return false
	}
	if len(img.color) != len(other.color) {
		return false
	}
	for i := range img.color {
		if img.color[i] != other.color[i] {
			return false
		}
	}
	if len(img.depth) != len(other.depth) {
		return false
	}
	for i := range img.depth {
		if math.Float32bits(img.depth[i]) != math.Float32bits(other.depth[i]) {
			return false
		}
	}
	return true
}

func byteOrderUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putByteOrderUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
