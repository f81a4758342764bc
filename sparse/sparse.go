// Package sparse implements the run-length-encoded sparse image format of
// the compositor and the operations over it: compression, decompression,
// scanning, splitting, interlacing and the compressed-compressed composite.
//
// A sparse image is one contiguous byte buffer: a fixed 28-byte
// little-endian header followed by a payload of runs. Each run is an
// inactive pixel count, an active pixel count and, for layered images, an
// active fragment count, followed by the packed data of the active pixels.
// Inactive pixels store nothing. The header records the authoritative byte
// length of the stream, which is what travels on the wire.
package sparse

import (
	"errors"
	"fmt"

	"github.com/sortlast/compositor"
	"github.com/sortlast/compositor/internal/wire"
	"github.com/sortlast/compositor/pixel"
)

// Sparse image errors
var (
	ErrBadMagic     = errors.New("sparse: stream does not start with sparse image magic")
	ErrTruncated    = errors.New("sparse: stream shorter than its recorded size")
	ErrCorrupt      = errors.New("sparse: corrupt compressed image")
	ErrSizeMismatch = errors.New("sparse: pixel counts of input and output do not match")
)

// Magic identifies a sparse image stream. On the wire it reads "SPRI".
const Magic = 0x49525053

// HeaderSize is the byte length of the fixed header.
const HeaderSize = 28

// Header field offsets.
const (
	offMagic       = 0
	offColorFormat = 4
	offDepthFormat = 8
	offWidth       = 12
	offHeight      = 16
	offFlags       = 20
	offActualSize  = 24
)

// flagLayered is bit 0 of the header flags field.
const flagLayered = 1 << 0

// Run length block sizes in bytes: inactive and active counts, plus the
// active fragment count for layered images.
const (
	runLengthSize        = 8
	runLengthSizeLayered = 12
)

// Image is a sparse image handle over a byte buffer. The buffer is sized
// for the worst case; the header's actual-size field records how much of it
// is live. An Image may own its buffer or alias an externally owned region
// such as a scratch-pool arena or a received message.
type Image struct {
	buf []byte
}

// BufferSize returns the worst-case byte size of a flat sparse image of the
// given format and dimensions: every second pixel active, every active
// pixel storing one fragment.
func BufferSize(c pixel.ColorFormat, d pixel.DepthFormat, width, height int) int {
	n := width * height
	return HeaderSize + (n/2+1)*runLengthSize + n*pixel.FragmentSize(c, d)
}

// LayeredBufferSize returns the worst-case byte size of a layered sparse
// image holding up to numLayers fragments per pixel.
func LayeredBufferSize(c pixel.ColorFormat, d pixel.DepthFormat, width, height, numLayers int) int {
	n := width * height
	return HeaderSize + (n/2+1)*runLengthSizeLayered +
		n*(pixel.LayerCountSize+numLayers*pixel.FragmentSize(c, d))
}

// NewBuffer allocates a flat sparse image with worst-case capacity. The
// image starts out all inactive.
func NewBuffer(c pixel.ColorFormat, d pixel.DepthFormat, width, height int) (*Image, error) {
	return newBuffer(c, d, width, height, false, BufferSize(c, d, width, height))
}

// NewLayeredBuffer allocates a layered sparse image with worst-case
// capacity for numLayers fragments per pixel.
func NewLayeredBuffer(c pixel.ColorFormat, d pixel.DepthFormat, width, height, numLayers int) (*Image, error) {
	if d == pixel.DepthNone {
		return nil, fmt.Errorf("sparse: layered image requires depth: %w",
			compositor.ErrInvalidOperation)
	}
	return newBuffer(c, d, width, height, true,
		LayeredBufferSize(c, d, width, height, numLayers))
}

func newBuffer(c pixel.ColorFormat, d pixel.DepthFormat, width, height int, layered bool, size int) (*Image, error) {
	if !c.Valid() || !d.Valid() || width < 0 || height < 0 {
		return nil, fmt.Errorf("sparse: bad format or dimensions: %w",
			compositor.ErrInvalidValue)
	}
	img := &Image{buf: make([]byte, size)}
	img.initHeader(c, d, layered)
	img.SetDimensions(width, height)
	return img, nil
}

// OverBuffer attaches a sparse image header to an externally owned byte
// region and initializes it for the given format and dimensions. The region
// must be large enough for the worst case of those dimensions.
func OverBuffer(buf []byte, c pixel.ColorFormat, d pixel.DepthFormat, width, height int, layered bool) (*Image, error) {
	if len(buf) < HeaderSize+runLengthSizeLayered {
		return nil, fmt.Errorf("sparse: buffer of %d bytes cannot hold a header: %w",
			len(buf), compositor.ErrInvalidValue)
	}
	img := &Image{buf: buf}
	img.initHeader(c, d, layered)
	img.SetDimensions(width, height)
	return img, nil
}

func (img *Image) initHeader(c pixel.ColorFormat, d pixel.DepthFormat, layered bool) {
	wire.ByteOrder.PutUint32(img.buf[offMagic:], Magic)
	wire.ByteOrder.PutUint32(img.buf[offColorFormat:], uint32(c))
	wire.ByteOrder.PutUint32(img.buf[offDepthFormat:], uint32(d))
	var flags uint32
	if layered {
		flags = flagLayered
	}
	wire.ByteOrder.PutUint32(img.buf[offFlags:], flags)
}

// Null returns the zero-sized sentinel image. It is used as the result of
// "I have no image" during binary swap.
func Null() *Image {
	img := &Image{buf: make([]byte, HeaderSize+runLengthSize)}
	img.initHeader(pixel.ColorNone, pixel.DepthNone, false)
	img.SetDimensions(0, 0)
	return img
}

// IsNull reports whether the image holds no pixels.
func (img *Image) IsNull() bool {
	return img.NumPixels() == 0
}

func (img *Image) headerUint32(off int) uint32 {
	return wire.ByteOrder.Uint32(img.buf[off:])
}

// ColorFormat returns the image's color format.
func (img *Image) ColorFormat() pixel.ColorFormat {
	return pixel.ColorFormat(img.headerUint32(offColorFormat))
}

// DepthFormat returns the image's depth format.
func (img *Image) DepthFormat() pixel.DepthFormat {
	return pixel.DepthFormat(img.headerUint32(offDepthFormat))
}

// Width returns the image width in pixels.
func (img *Image) Width() int { return int(img.headerUint32(offWidth)) }

// Height returns the image height in pixels.
func (img *Image) Height() int { return int(img.headerUint32(offHeight)) }

// NumPixels returns width × height.
func (img *Image) NumPixels() int { return img.Width() * img.Height() }

// Layered reports whether pixels carry a variable number of fragments.
func (img *Image) Layered() bool {
	return img.headerUint32(offFlags)&flagLayered != 0
}

// ActualSize returns the live byte length of header plus payload.
func (img *Image) ActualSize() int { return int(img.headerUint32(offActualSize)) }

// FragmentSize returns the packed byte size of one fragment.
func (img *Image) FragmentSize() int {
	return pixel.FragmentSize(img.ColorFormat(), img.DepthFormat())
}

func (img *Image) runLengthSize() int {
	if img.Layered() {
		return runLengthSizeLayered
	}
	return runLengthSize
}

// SetDimensions resizes the image to width × height pixels and resets its
// payload to a single all-inactive run. Passing 0 × 0 empties the image.
func (img *Image) SetDimensions(width, height int) {
	wire.ByteOrder.PutUint32(img.buf[offWidth:], uint32(width))
	wire.ByteOrder.PutUint32(img.buf[offHeight:], uint32(height))
	n := width * height
	if n == 0 {
		img.setActualSize(HeaderSize)
		return
	}
	rl := img.runLengthSize()
	p := img.buf[HeaderSize:]
	wire.ByteOrder.PutUint32(p[0:], uint32(n))
	wire.ByteOrder.PutUint32(p[4:], 0)
	if rl == runLengthSizeLayered {
		wire.ByteOrder.PutUint32(p[8:], 0)
	}
	img.setActualSize(HeaderSize + rl)
}

// setActualSize records the live byte count. It is called exactly once per
// fill, as the last step of every operation that writes a payload.
func (img *Image) setActualSize(n int) {
	wire.ByteOrder.PutUint32(img.buf[offActualSize:], uint32(n))
}

// payload returns the live payload bytes.
func (img *Image) payload() []byte {
	return img.buf[HeaderSize:img.ActualSize()]
}

// PackageForSend returns the contiguous bytes of the image for transport:
// the header followed by the live payload.
func (img *Image) PackageForSend() []byte {
	return img.buf[:img.ActualSize()]
}

// UnpackageFromReceive reconstructs a sparse image view over a received
// byte buffer without copying. The stream is rejected if the magic does not
// match or its recorded size exceeds the transported length.
func UnpackageFromReceive(data []byte) (*Image, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("sparse: %d-byte message: %w: %w",
			len(data), ErrTruncated, compositor.ErrInvalidValue)
	}
	img := &Image{buf: data}
	if img.headerUint32(offMagic) != Magic {
		return nil, fmt.Errorf("sparse: %w: %w", ErrBadMagic, compositor.ErrInvalidValue)
	}
	if img.ActualSize() > len(data) || img.ActualSize() < HeaderSize {
		return nil, fmt.Errorf("sparse: recorded size %d outside message of %d bytes: %w: %w",
			img.ActualSize(), len(data), ErrTruncated, compositor.ErrInvalidValue)
	}
	if !img.ColorFormat().Valid() || !img.DepthFormat().Valid() {
		return nil, fmt.Errorf("sparse: %w: %w", ErrCorrupt, compositor.ErrInvalidValue)
	}
	return img, nil
}
