package sparse

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/sortlast/compositor"
	"github.com/sortlast/compositor/internal/wire"
	"github.com/sortlast/compositor/pixel"
	"github.com/sortlast/compositor/raster"
)

// Region selects a 2D window of a larger dense image for compression.
type Region struct {
	X, Y          int
	Width, Height int
}

// Padding adds borders of inactive pixels around the compressed panel, so
// the sparse output has a larger logical size than the dense input.
type Padding struct {
	Left, Right, Top, Bottom int
}

// Compress encodes a whole dense image into dst. The destination must have
// been sized for the source's dimensions and format; use CompressAlloc to
// have that done for you.
func Compress(src *raster.Image, mode pixel.Mode, dst *Image) error {
	return CompressSubImage(src, mode, 0, src.NumPixels(), dst)
}

// CompressSubImage encodes count pixels of a dense image starting at the
// given pixel offset.
func CompressSubImage(src *raster.Image, mode pixel.Mode, offset, count int, dst *Image) error {
	if offset < 0 || count < 0 || offset+count > src.NumPixels() {
		return fmt.Errorf("sparse: sub-image [%d, %d) outside source: %w",
			offset, offset+count, compositor.ErrSanityCheck)
	}
	if dst.NumPixels() != count {
		return fmt.Errorf("sparse: %w: %w", ErrSizeMismatch, compositor.ErrSanityCheck)
	}
	return compressDispatch(src, mode, indexMap{base: offset}, count, nil, dst)
}

// CompressRegion encodes a 2D region of a dense image, optionally
// surrounding it with inactive padding. The destination's pixel count must
// equal the padded size.
func CompressRegion(src *raster.Image, mode pixel.Mode, region Region, pad Padding, dst *Image) error {
	if region.X < 0 || region.Y < 0 || region.Width < 0 || region.Height < 0 ||
		region.X+region.Width > src.Width() || region.Y+region.Height > src.Height() {
		return fmt.Errorf("sparse: region outside source image: %w", compositor.ErrSanityCheck)
	}
	if pad.Left < 0 || pad.Right < 0 || pad.Top < 0 || pad.Bottom < 0 {
		return fmt.Errorf("sparse: negative padding: %w", compositor.ErrInvalidValue)
	}
	p := padSpec{
		left:        pad.Left,
		right:       pad.Right,
		top:         pad.Top,
		bottom:      pad.Bottom,
		innerWidth:  region.Width,
		innerHeight: region.Height,
	}
	if dst.NumPixels() != p.fullWidth()*p.fullHeight() {
		return fmt.Errorf("sparse: %w: %w", ErrSizeMismatch, compositor.ErrSanityCheck)
	}
	m := indexMap{
		base:        region.Y*src.Width() + region.X,
		regionWidth: region.Width,
		stride:      src.Width(),
	}
	return compressDispatch(src, mode, m, region.Width*region.Height, &p, dst)
}

// CompressAlloc allocates a destination of the right shape for the source
// and mode, then compresses into it. Layered sources compress to a
// non-layered output under ZBuffer (only the nearest fragment survives) and
// to a layered output under Blend.
func CompressAlloc(src *raster.Image, mode pixel.Mode) (*Image, error) {
	var dst *Image
	var err error
	switch {
	case src.Layered() && mode == pixel.Blend:
		dst, err = NewLayeredBuffer(src.ColorFormat(), pixel.DepthFloat,
			src.Width(), src.Height(), src.NumLayers())
	case mode == pixel.Blend:
		dst, err = NewBuffer(src.ColorFormat(), pixel.DepthNone, src.Width(), src.Height())
	default:
		dst, err = NewBuffer(src.ColorFormat(), src.DepthFormat(), src.Width(), src.Height())
	}
	if err != nil {
		return nil, err
	}
	if err := Compress(src, mode, dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// indexMap converts an output-order pixel index into a dense source pixel
// index, skipping past the rows outside a region.
type indexMap struct {
	base        int
	regionWidth int // 0 for a contiguous range
	stride      int
}

func (m indexMap) at(i int) int {
	if m.regionWidth == 0 {
		return m.base + i
	}
	return m.base + (i/m.regionWidth)*m.stride + i%m.regionWidth
}

// padSpec describes the inactive borders around the compressed panel.
type padSpec struct {
	left, right, top, bottom int
	innerWidth, innerHeight  int
}

func (p *padSpec) fullWidth() int  { return p.innerWidth + p.left + p.right }
func (p *padSpec) fullHeight() int { return p.innerHeight + p.top + p.bottom }

// compressSource yields the activity and packed data of output pixels. A
// source is resolved once per operation so that the pixel loop never
// branches on formats.
type compressSource interface {
	active(i int) bool
	// write appends pixel i's packed data through w and returns the number
	// of fragments written.
	write(w *wire.Writer, i int) (int, error)
}

func compressDispatch(src *raster.Image, mode pixel.Mode, m indexMap, count int, pad *padSpec, dst *Image) error {
	if src.ColorFormat() != dst.ColorFormat() {
		return fmt.Errorf("sparse: color formats of input and output differ: %w",
			compositor.ErrSanityCheck)
	}

	if !src.Layered() {
		if dst.Layered() {
			return fmt.Errorf("sparse: compression expected a non-layered output image: %w",
				compositor.ErrInvalidValue)
		}
		switch mode {
		case pixel.ZBuffer:
			if src.DepthFormat() == pixel.DepthNone {
				return fmt.Errorf("sparse: cannot use z-buffer compression with no z buffer: %w",
					compositor.ErrInvalidOperation)
			}
			if dst.DepthFormat() != src.DepthFormat() {
				return fmt.Errorf("sparse: depth formats of input and output differ: %w",
					compositor.ErrSanityCheck)
			}
			s := flatZSource{
				m:     m,
				color: src.ColorBytes(),
				cs:    src.ColorFormat().Size(),
				depth: src.Depths(),
			}
			return runCompress(s, count, pad, dst)

		case pixel.Blend:
			if dst.DepthFormat() != pixel.DepthNone {
				return fmt.Errorf("sparse: blend output carries no depth: %w",
					compositor.ErrSanityCheck)
			}
			if src.DepthFormat() != pixel.DepthNone {
				slog.Warn("sparse: z buffer ignored during blend compression; output depth dropped")
			}
			switch src.ColorFormat() {
			case pixel.ColorRGBAUByte:
				return runCompress(blendUByteSource{m: m, color: src.ColorBytes()}, count, pad, dst)
			case pixel.ColorRGBAFloat:
				return runCompress(blendFloatSource{m: m, color: src.ColorBytes()}, count, pad, dst)
			case pixel.ColorRGBFloat:
				return fmt.Errorf("sparse: blending requires a color format with an alpha channel: %w",
					compositor.ErrInvalidOperation)
			default: // pixel.ColorNone
				// Well-defined but meaningless: there is nothing to blend,
				// so the output is a single inactive run.
				slog.Warn("sparse: compressing image with no color data for blending")
				return runCompress(inactiveSource{}, count, pad, dst)
			}
		}
		return fmt.Errorf("sparse: composite mode %v: %w", mode, compositor.ErrInvalidValue)
	}

	// Layered input.
	if src.DepthFormat() == pixel.DepthNone {
		return fmt.Errorf("sparse: layered images must carry depth: %w",
			compositor.ErrInvalidOperation)
	}
	switch mode {
	case pixel.ZBuffer:
		// Only the nearest fragment of each pixel is kept, so the output
		// uses the ordinary non-layered format.
		if dst.Layered() {
			return fmt.Errorf("sparse: compression expected a non-layered output image: %w",
				compositor.ErrInvalidValue)
		}
		if dst.DepthFormat() != src.DepthFormat() {
			return fmt.Errorf("sparse: depth formats of input and output differ: %w",
				compositor.ErrSanityCheck)
		}
		s := layeredZSource{
			m:         m,
			color:     src.ColorBytes(),
			cs:        src.ColorFormat().Size(),
			depth:     src.Depths(),
			numLayers: src.NumLayers(),
		}
		return runCompress(s, count, pad, dst)

	case pixel.Blend:
		// The over operator is non-commutative, so fragments must stay
		// separate until every rank's contribution has been collected.
		if !dst.Layered() {
			return fmt.Errorf("sparse: compression expected a layered output image: %w",
				compositor.ErrInvalidValue)
		}
		if !src.ColorFormat().HasAlpha() {
			return fmt.Errorf("sparse: blending requires a color format with an alpha channel: %w",
				compositor.ErrInvalidOperation)
		}
		s := layeredBlendSource{
			m:          m,
			color:      src.ColorBytes(),
			cs:         src.ColorFormat().Size(),
			depth:      src.Depths(),
			numLayers:  src.NumLayers(),
			floatAlpha: src.ColorFormat() == pixel.ColorRGBAFloat,
		}
		return runCompress(s, count, pad, dst)
	}
	return fmt.Errorf("sparse: composite mode %v: %w", mode, compositor.ErrInvalidValue)
}

// runCompress runs the single-pass run emitter, wrapping the source in the
// padded coordinate space when padding is requested.
func runCompress[S compressSource](s S, count int, pad *padSpec, dst *Image) error {
	if pad == nil {
		return compressLoop(s, count, dst)
	}
	p := paddedSource[S]{inner: s, spec: *pad}
	return compressLoop(p, pad.fullWidth()*pad.fullHeight(), dst)
}

// compressLoop is the one compression algorithm, shared by every format and
// mode: walk pixels in output order, emitting alternating runs of inactive
// and active pixels.
func compressLoop[S compressSource](s S, numPixels int, dst *Image) error {
	w := wire.NewWriter(dst.buf)
	if err := w.SetPos(HeaderSize); err != nil {
		return fmt.Errorf("sparse: %w: %w", err, compositor.ErrSanityCheck)
	}
	rw := newRunWriter(w, dst.Layered())
	for i := 0; i < numPixels; i++ {
		if s.active(i) {
			if err := rw.beginActivePixel(); err != nil {
				return fmt.Errorf("sparse: %w: %w", err, compositor.ErrSanityCheck)
			}
			frags, err := s.write(w, i)
			if err != nil {
				return fmt.Errorf("sparse: %w: %w", err, compositor.ErrSanityCheck)
			}
			rw.countActivePixel(frags)
		} else {
			if err := rw.addInactive(1); err != nil {
				return fmt.Errorf("sparse: %w: %w", err, compositor.ErrSanityCheck)
			}
		}
	}
	if err := rw.close(); err != nil {
		return fmt.Errorf("sparse: %w: %w", err, compositor.ErrSanityCheck)
	}
	dst.setActualSize(w.Pos())
	return nil
}

// paddedSource surrounds an inner source with borders of inactive pixels.
type paddedSource[S compressSource] struct {
	inner S
	spec  padSpec
}

func (p paddedSource[S]) innerIndex(i int) int {
	fw := p.spec.fullWidth()
	x := i%fw - p.spec.left
	y := i/fw - p.spec.bottom
	if x < 0 || x >= p.spec.innerWidth || y < 0 || y >= p.spec.innerHeight {
		return -1
	}
	return y*p.spec.innerWidth + x
}

func (p paddedSource[S]) active(i int) bool {
	j := p.innerIndex(i)
	return j >= 0 && p.inner.active(j)
}

func (p paddedSource[S]) write(w *wire.Writer, i int) (int, error) {
	return p.inner.write(w, p.innerIndex(i))
}

// inactiveSource emits no active pixels at all.
type inactiveSource struct{}

func (inactiveSource) active(int) bool { return false }
func (inactiveSource) write(*wire.Writer, int) (int, error) {
	return 0, fmt.Errorf("sparse: write on inactive source: %w", compositor.ErrSanityCheck)
}

// flatZSource tests activity with the z buffer and writes color plus depth.
// It serves every color format, including none, since color is copied as
// packed bytes.
type flatZSource struct {
	m     indexMap
	color []byte
	cs    int
	depth []float32
}

func (s flatZSource) active(i int) bool {
	return s.depth[s.m.at(i)] < 1
}

func (s flatZSource) write(w *wire.Writer, i int) (int, error) {
	di := s.m.at(i)
	if s.cs > 0 {
		if err := w.Bytes(s.color[di*s.cs : (di+1)*s.cs]); err != nil {
			return 0, err
		}
	}
	return 1, w.Float32(s.depth[di])
}

// blendUByteSource tests activity with the 8-bit alpha channel and writes
// color only.
type blendUByteSource struct {
	m     indexMap
	color []byte
}

func (s blendUByteSource) active(i int) bool {
	return s.color[s.m.at(i)*4+pixel.AlphaChannel] != 0
}

func (s blendUByteSource) write(w *wire.Writer, i int) (int, error) {
	di := s.m.at(i)
	return 1, w.Bytes(s.color[di*4 : di*4+4])
}

// blendFloatSource tests activity with the float alpha channel and writes
// color only.
type blendFloatSource struct {
	m     indexMap
	color []byte
}

func (s blendFloatSource) active(i int) bool {
	a := wire.ByteOrder.Uint32(s.color[s.m.at(i)*16+pixel.AlphaChannel*4:])
	return math.Float32frombits(a) != 0
}

func (s blendFloatSource) write(w *wire.Writer, i int) (int, error) {
	di := s.m.at(i)
	return 1, w.Bytes(s.color[di*16 : di*16+16])
}

// layeredZSource flattens a layered image to its front-most fragment per
// pixel. Fragments within a pixel are depth-ascending, so testing and
// copying layer zero suffices.
type layeredZSource struct {
	m         indexMap
	color     []byte
	cs        int
	depth     []float32
	numLayers int
}

func (s layeredZSource) active(i int) bool {
	return s.depth[s.m.at(i)*s.numLayers] < 1
}

func (s layeredZSource) write(w *wire.Writer, i int) (int, error) {
	f := s.m.at(i) * s.numLayers
	if s.cs > 0 {
		if err := w.Bytes(s.color[f*s.cs : (f+1)*s.cs]); err != nil {
			return 0, err
		}
	}
	return 1, w.Float32(s.depth[f])
}

// layeredBlendSource copies every active fragment of a pixel, preceded by
// the fragment count. Active fragments precede inactive ones within a
// pixel, so copying stops at the first zero alpha.
type layeredBlendSource struct {
	m          indexMap
	color      []byte
	cs         int
	depth      []float32
	numLayers  int
	floatAlpha bool
}

func (s layeredBlendSource) alpha(frag int) bool {
	if s.floatAlpha {
		a := wire.ByteOrder.Uint32(s.color[frag*s.cs+pixel.AlphaChannel*4:])
		return math.Float32frombits(a) != 0
	}
	return s.color[frag*s.cs+pixel.AlphaChannel] != 0
}

func (s layeredBlendSource) active(i int) bool {
	return s.alpha(s.m.at(i) * s.numLayers)
}

func (s layeredBlendSource) write(w *wire.Writer, i int) (int, error) {
	countPos := w.Pos()
	if err := w.Skip(pixel.LayerCountSize); err != nil {
		return 0, err
	}
	base := s.m.at(i) * s.numLayers
	frags := 0
	for layer := 0; layer < s.numLayers; layer++ {
		f := base + layer
		if !s.alpha(f) {
			break
		}
		if err := w.Bytes(s.color[f*s.cs : (f+1)*s.cs]); err != nil {
			return 0, err
		}
		if err := w.Float32(s.depth[f]); err != nil {
			return 0, err
		}
		frags++
	}
	return frags, w.PatchUint32(countPos, uint32(frags))
}
