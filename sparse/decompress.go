package sparse

import (
	"fmt"
	"math"

	"github.com/sortlast/compositor"
	"github.com/sortlast/compositor/internal/wire"
	"github.com/sortlast/compositor/pixel"
	"github.com/sortlast/compositor/raster"
)

// Decompress expands a flat sparse image into a dense image of the same
// format and dimensions. Inactive pixels are filled with zero color and
// background depth.
func Decompress(src *Image, dst *raster.Image) error {
	if src.Layered() {
		return fmt.Errorf("sparse: layered images decompress through DecompressBlend: %w",
			compositor.ErrInvalidOperation)
	}
	if dst.Layered() {
		return fmt.Errorf("sparse: decompression into a layered image: %w",
			compositor.ErrInvalidOperation)
	}
	if src.ColorFormat() != dst.ColorFormat() || src.DepthFormat() != dst.DepthFormat() {
		return fmt.Errorf("sparse: formats of input and output differ: %w",
			compositor.ErrSanityCheck)
	}
	if src.NumPixels() != dst.NumPixels() {
		return fmt.Errorf("sparse: %w: %w", ErrSizeMismatch, compositor.ErrSanityCheck)
	}

	cs := src.ColorFormat().Size()
	hasDepth := src.DepthFormat() != pixel.DepthNone
	color := dst.ColorBytes()
	depth := dst.Depths()

	c := newScanCursor(src)
	n := src.NumPixels()
	for p := 0; p < n; {
		if c.inactive == 0 && c.active == 0 {
			if err := c.loadRuns(); err != nil {
				return err
			}
		}
		if c.inactive > 0 {
			count := min(c.inactive, n-p)
			if cs > 0 {
				clear(color[p*cs : (p+count)*cs])
			}
			if hasDepth {
				for i := p; i < p+count; i++ {
					depth[i] = 1
				}
			}
			c.inactive -= count
			p += count
		}
		if count := min(c.active, n-p); count > 0 {
			fs := c.fragSize
			if c.pos+count*fs > len(c.data) {
				return fmt.Errorf("sparse: active pixels past end of stream: %w: %w",
					ErrCorrupt, compositor.ErrInvalidValue)
			}
			for i := 0; i < count; i++ {
				frag := c.data[c.pos+i*fs:]
				if cs > 0 {
					copy(color[(p+i)*cs:(p+i+1)*cs], frag[:cs])
				}
				if hasDepth {
					depth[p+i] = math.Float32frombits(wire.ByteOrder.Uint32(frag[cs:]))
				}
			}
			c.pos += count * fs
			c.active -= count
			p += count
		}
	}
	return nil
}

// DecompressBlend expands a layered sparse image into a flat dense color
// image, blending each pixel's fragments back to front over the given
// background color. This is the only place the over operator is evaluated
// for layered data; every earlier stage merely preserves fragment order.
//
// The background must be one packed color value of the image's format. The
// destination carries color only.
func DecompressBlend(src *Image, dst *raster.Image, background []byte) error {
	if !src.Layered() {
		return fmt.Errorf("sparse: blend decompression needs a layered image: %w",
			compositor.ErrInvalidOperation)
	}
	if src.ColorFormat() != dst.ColorFormat() {
		return fmt.Errorf("sparse: formats of input and output differ: %w",
			compositor.ErrSanityCheck)
	}
	if dst.Layered() || dst.DepthFormat() != pixel.DepthNone {
		return fmt.Errorf("sparse: blend decompression outputs flat color only: %w",
			compositor.ErrInvalidOperation)
	}
	if src.NumPixels() != dst.NumPixels() {
		return fmt.Errorf("sparse: %w: %w", ErrSizeMismatch, compositor.ErrSanityCheck)
	}

	cs := src.ColorFormat().Size()
	if len(background) != cs {
		return fmt.Errorf("sparse: background is %d bytes, format needs %d: %w",
			len(background), cs, compositor.ErrInvalidValue)
	}

	switch src.ColorFormat() {
	case pixel.ColorRGBAUByte:
		return decompressBlendLoop(src, dst, background, overUByteFrag{})
	case pixel.ColorRGBAFloat:
		return decompressBlendLoop(src, dst, background, overFloatFrag{})
	default:
		return fmt.Errorf("sparse: blending requires a color format with an alpha channel: %w",
			compositor.ErrInvalidOperation)
	}
}

// fragOver applies one fragment's color over an accumulated packed pixel.
type fragOver interface {
	over(frag, acc []byte)
}

type overUByteFrag struct{}

func (overUByteFrag) over(frag, acc []byte) {
	a := frag[pixel.AlphaChannel]
	for ch := 0; ch < 4; ch++ {
		acc[ch] = pixel.OverUByte(frag[ch], acc[ch], a)
	}
}

type overFloatFrag struct{}

func (overFloatFrag) over(frag, acc []byte) {
	a := math.Float32frombits(wire.ByteOrder.Uint32(frag[pixel.AlphaChannel*4:]))
	for ch := 0; ch < 4; ch++ {
		f := math.Float32frombits(wire.ByteOrder.Uint32(frag[ch*4:]))
		b := math.Float32frombits(wire.ByteOrder.Uint32(acc[ch*4:]))
		wire.ByteOrder.PutUint32(acc[ch*4:], math.Float32bits(pixel.OverFloat(f, b, a)))
	}
}

func decompressBlendLoop[O fragOver](src *Image, dst *raster.Image, background []byte, op O) error {
	cs := src.ColorFormat().Size()
	fs := src.FragmentSize()
	color := dst.ColorBytes()

	c := newScanCursor(src)
	n := src.NumPixels()
	for p := 0; p < n; {
		if c.inactive == 0 && c.active == 0 {
			if err := c.loadRuns(); err != nil {
				return err
			}
		}
		if c.inactive > 0 {
			count := min(c.inactive, n-p)
			for i := p; i < p+count; i++ {
				copy(color[i*cs:(i+1)*cs], background)
			}
			c.inactive -= count
			p += count
		}
		for c.active > 0 && p < n {
			if c.pos+pixel.LayerCountSize > len(c.data) {
				return fmt.Errorf("sparse: pixel header past end of stream: %w: %w",
					ErrCorrupt, compositor.ErrInvalidValue)
			}
			k := int(wire.ByteOrder.Uint32(c.data[c.pos:]))
			frags := c.data[c.pos+pixel.LayerCountSize:]
			if k*fs > len(frags) {
				return fmt.Errorf("sparse: fragment data past end of stream: %w: %w",
					ErrCorrupt, compositor.ErrInvalidValue)
			}
			acc := color[p*cs : (p+1)*cs]
			copy(acc, background)
			for f := k - 1; f >= 0; f-- {
				op.over(frags[f*fs:(f+1)*fs], acc)
			}
			c.pos += pixel.LayerCountSize + k*fs
			c.active--
			c.activeFrags -= k
			p++
		}
	}
	return nil
}
