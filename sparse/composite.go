package sparse

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/sortlast/compositor"
	"github.com/sortlast/compositor/internal/wire"
	"github.com/sortlast/compositor/pixel"
)

// CompositeBufferSize returns a byte size sufficient to hold the composite
// of the two images. Merging never produces more payload than the inputs
// carry together, plus at most one extra run-length block.
func CompositeBufferSize(front, back *Image) int {
	return HeaderSize + (front.ActualSize() - HeaderSize) +
		(back.ActualSize() - HeaderSize) + runLengthSizeLayered
}

// CompositeAlloc merges two sparse images of identical dimensions and
// format without materializing dense pixels, writing the result into buf.
// If buf is nil a buffer of CompositeBufferSize is allocated.
//
// Under ZBuffer the nearer fragment of each pixel pair wins, with ties
// going to front. Under Blend, flat images are combined with the over
// operator and layered images have their fragment lists merged by
// ascending depth, again with ties going to front; the over operator
// itself is deferred to decompression.
func CompositeAlloc(front, back *Image, mode pixel.Mode, buf []byte) (*Image, error) {
	if front.NumPixels() != back.NumPixels() {
		return nil, fmt.Errorf("sparse: composite inputs do not agree: %w: %w",
			ErrSizeMismatch, compositor.ErrSanityCheck)
	}
	if front.ColorFormat() != back.ColorFormat() ||
		front.DepthFormat() != back.DepthFormat() ||
		front.Layered() != back.Layered() {
		return nil, fmt.Errorf("sparse: composite inputs have different formats: %w",
			compositor.ErrSanityCheck)
	}
	if buf == nil {
		buf = make([]byte, CompositeBufferSize(front, back))
	}
	dst, err := OverBuffer(buf, front.ColorFormat(), front.DepthFormat(),
		front.Width(), front.Height(), front.Layered())
	if err != nil {
		return nil, err
	}

	fs := front.FragmentSize()
	if front.Layered() {
		if mode != pixel.Blend {
			return nil, fmt.Errorf("sparse: layered images only composite under blend: %w",
				compositor.ErrInvalidOperation)
		}
		return dst, cccLoop(mergeOp{fs: fs}, front, back, dst, true)
	}
	switch mode {
	case pixel.ZBuffer:
		if front.DepthFormat() == pixel.DepthNone {
			return nil, fmt.Errorf("sparse: cannot z-buffer composite with no z buffer: %w",
				compositor.ErrInvalidOperation)
		}
		return dst, cccLoop(zPickOp{fs: fs, depthOff: front.ColorFormat().Size()}, front, back, dst, false)
	case pixel.Blend:
		switch front.ColorFormat() {
		case pixel.ColorRGBAUByte:
			return dst, cccLoop(overUByteOp{}, front, back, dst, false)
		case pixel.ColorRGBAFloat:
			return dst, cccLoop(overFloatOp{}, front, back, dst, false)
		case pixel.ColorRGBFloat:
			return nil, fmt.Errorf("sparse: blending requires a color format with an alpha channel: %w",
				compositor.ErrInvalidOperation)
		default: // pixel.ColorNone
			// Meaningless but well defined: with no color data the inputs
			// hold only inactive runs and so does the result.
			slog.Warn("sparse: compositing images with no color data")
			return dst, cccLoop(emptyOp{}, front, back, dst, false)
		}
	}
	return nil, fmt.Errorf("sparse: composite mode %v: %w", mode, compositor.ErrInvalidValue)
}

// pixelOp merges one active front pixel with one active back pixel.
type pixelOp interface {
	// compositePixel reads one packed pixel from the head of front and
	// back each and writes the merged pixel through w. It returns the
	// bytes consumed from each input and the fragments consumed from each
	// and produced.
	compositePixel(front, back []byte, w *wire.Writer) (nf, nb, ff, fb, df int, err error)
}

// ccLoad queues runs until the cursor has active pixels or its inactive
// pixels reach the end of the image. Consecutive runs without active
// pixels coalesce.
func ccLoad(c *scanCursor, pix, n int) error {
	rl := runLengthSize
	if c.layered {
		rl = runLengthSizeLayered
	}
	for c.active == 0 && c.inactive+pix < n {
		if c.pos+rl > len(c.data) {
			return fmt.Errorf("sparse: run past end of stream: %w: %w",
				ErrCorrupt, compositor.ErrInvalidValue)
		}
		c.inactive += int(wire.ByteOrder.Uint32(c.data[c.pos:]))
		c.active = int(wire.ByteOrder.Uint32(c.data[c.pos+4:]))
		if c.layered {
			c.activeFrags = int(wire.ByteOrder.Uint32(c.data[c.pos+8:]))
		}
		c.pos += rl
	}
	return nil
}

// copyActive copies up to limit active pixels from the cursor into the run
// writer, returning the number of pixels copied.
func copyActive(c *scanCursor, limit int, rw *runWriter) (int, error) {
	count := min(c.active, limit)
	if count == 0 {
		return 0, nil
	}
	var frags, numBytes int
	if c.layered {
		if count == c.active {
			// Consuming the rest of the run, so the fragment total is
			// already known.
			frags = c.activeFrags
			numBytes = count*pixel.LayerCountSize + frags*c.fragSize
		} else {
			var err error
			frags, numBytes, err = scanFragments(c.data, c.pos, count, c.fragSize)
			if err != nil {
				return 0, err
			}
		}
	} else {
		frags = count
		numBytes = count * c.fragSize
	}
	if c.pos+numBytes > len(c.data) {
		return 0, fmt.Errorf("sparse: active pixels past end of stream: %w: %w",
			ErrCorrupt, compositor.ErrInvalidValue)
	}
	if err := rw.addActive(count, frags, c.data[c.pos:c.pos+numBytes]); err != nil {
		return 0, fmt.Errorf("sparse: %w: %w", err, compositor.ErrSanityCheck)
	}
	c.pos += numBytes
	c.active -= count
	c.activeFrags -= frags
	return count, nil
}

// cccLoop is the compressed-compressed composite core. Both cursors
// advance through their runs independently; each iteration consumes the
// largest matching class of pixels available on both sides.
func cccLoop[O pixelOp](op O, front, back, dst *Image, layered bool) error {
	n := front.NumPixels()
	f := newScanCursor(front)
	b := newScanCursor(back)

	w := wire.NewWriter(dst.buf)
	if err := w.SetPos(HeaderSize); err != nil {
		return fmt.Errorf("sparse: %w: %w", err, compositor.ErrSanityCheck)
	}
	rw := newRunWriter(w, layered)

	for pix := 0; pix < n; {
		if err := ccLoad(&f, pix, n); err != nil {
			return err
		}
		if err := ccLoad(&b, pix, n); err != nil {
			return err
		}

		// Pixels inactive on both sides stay inactive.
		if count := min(f.inactive, b.inactive); count > 0 {
			if err := rw.addInactive(count); err != nil {
				return fmt.Errorf("sparse: %w: %w", err, compositor.ErrSanityCheck)
			}
			f.inactive -= count
			b.inactive -= count
			pix += count
		}

		// Now at least one side has no inactive pixels queued.

		// Pixels only the back image covers copy through unchanged, and
		// symmetrically for the front image.
		if f.inactive > 0 && b.active > 0 {
			count, err := copyActive(&b, f.inactive, &rw)
			if err != nil {
				return err
			}
			f.inactive -= count
			pix += count
		}
		if b.inactive > 0 && f.active > 0 {
			count, err := copyActive(&f, b.inactive, &rw)
			if err != nil {
				return err
			}
			b.inactive -= count
			pix += count
		}

		// Pixels active on both sides composite pairwise.
		if f.inactive == 0 && b.inactive == 0 {
			count := min(f.active, b.active)
			f.active -= count
			b.active -= count
			pix += count
			for ; count > 0; count-- {
				if err := rw.beginActivePixel(); err != nil {
					return fmt.Errorf("sparse: %w: %w", err, compositor.ErrSanityCheck)
				}
				nf, nb, ff, fb, df, err := op.compositePixel(f.data[f.pos:], b.data[b.pos:], w)
				if err != nil {
					return err
				}
				f.pos += nf
				b.pos += nb
				f.activeFrags -= ff
				b.activeFrags -= fb
				rw.countActivePixel(df)
			}
		}
	}

	// A valid pair of streams is exhausted exactly at the pixel count.
	if f.inactive != 0 || f.active != 0 || b.inactive != 0 || b.active != 0 {
		return fmt.Errorf("sparse: %w: %w", ErrCorrupt, compositor.ErrInvalidValue)
	}

	if err := rw.close(); err != nil {
		return fmt.Errorf("sparse: %w: %w", err, compositor.ErrSanityCheck)
	}
	dst.setActualSize(w.Pos())
	return nil
}

// zPickOp keeps the fragment with the smaller depth; ties go to front.
type zPickOp struct {
	fs       int
	depthOff int
}

func (op zPickOp) compositePixel(front, back []byte, w *wire.Writer) (int, int, int, int, int, error) {
	if len(front) < op.fs || len(back) < op.fs {
		return 0, 0, 0, 0, 0, fmt.Errorf("sparse: fragment past end of stream: %w: %w",
			ErrCorrupt, compositor.ErrInvalidValue)
	}
	fd := math.Float32frombits(wire.ByteOrder.Uint32(front[op.depthOff:]))
	bd := math.Float32frombits(wire.ByteOrder.Uint32(back[op.depthOff:]))
	picked := front[:op.fs]
	if bd < fd {
		picked = back[:op.fs]
	}
	if err := w.Bytes(picked); err != nil {
		return 0, 0, 0, 0, 0, fmt.Errorf("sparse: %w: %w", err, compositor.ErrSanityCheck)
	}
	return op.fs, op.fs, 1, 1, 1, nil
}

// overUByteOp applies front over back on packed 8-bit RGBA fragments.
type overUByteOp struct{}

func (overUByteOp) compositePixel(front, back []byte, w *wire.Writer) (int, int, int, int, int, error) {
	if len(front) < 4 || len(back) < 4 {
		return 0, 0, 0, 0, 0, fmt.Errorf("sparse: fragment past end of stream: %w: %w",
			ErrCorrupt, compositor.ErrInvalidValue)
	}
	a := front[pixel.AlphaChannel]
	var out [4]byte
	for ch := 0; ch < 4; ch++ {
		out[ch] = pixel.OverUByte(front[ch], back[ch], a)
	}
	if err := w.Bytes(out[:]); err != nil {
		return 0, 0, 0, 0, 0, fmt.Errorf("sparse: %w: %w", err, compositor.ErrSanityCheck)
	}
	return 4, 4, 1, 1, 1, nil
}

// overFloatOp applies front over back on packed float RGBA fragments.
type overFloatOp struct{}

func (overFloatOp) compositePixel(front, back []byte, w *wire.Writer) (int, int, int, int, int, error) {
	if len(front) < 16 || len(back) < 16 {
		return 0, 0, 0, 0, 0, fmt.Errorf("sparse: fragment past end of stream: %w: %w",
			ErrCorrupt, compositor.ErrInvalidValue)
	}
	a := math.Float32frombits(wire.ByteOrder.Uint32(front[pixel.AlphaChannel*4:]))
	var out [16]byte
	for ch := 0; ch < 4; ch++ {
		fv := math.Float32frombits(wire.ByteOrder.Uint32(front[ch*4:]))
		bv := math.Float32frombits(wire.ByteOrder.Uint32(back[ch*4:]))
		wire.ByteOrder.PutUint32(out[ch*4:], math.Float32bits(pixel.OverFloat(fv, bv, a)))
	}
	if err := w.Bytes(out[:]); err != nil {
		return 0, 0, 0, 0, 0, fmt.Errorf("sparse: %w: %w", err, compositor.ErrSanityCheck)
	}
	return 16, 16, 1, 1, 1, nil
}

// emptyOp composites zero-byte fragments, which carry no data at all.
type emptyOp struct{}

func (emptyOp) compositePixel(front, back []byte, w *wire.Writer) (int, int, int, int, int, error) {
	return 0, 0, 1, 1, 1, nil
}

// mergeOp combines two layered pixels by merging their fragment lists in
// ascending depth order. The over operator is not applied here; layered
// images defer it to decompression so the non-commutative blend stays
// correct in any reduction order.
type mergeOp struct {
	fs int
}

func (op mergeOp) compositePixel(front, back []byte, w *wire.Writer) (int, int, int, int, int, error) {
	if len(front) < pixel.LayerCountSize || len(back) < pixel.LayerCountSize {
		return 0, 0, 0, 0, 0, fmt.Errorf("sparse: pixel header past end of stream: %w: %w",
			ErrCorrupt, compositor.ErrInvalidValue)
	}
	kf := int(wire.ByteOrder.Uint32(front))
	kb := int(wire.ByteOrder.Uint32(back))
	ff := front[pixel.LayerCountSize:]
	fb := back[pixel.LayerCountSize:]
	if kf*op.fs > len(ff) || kb*op.fs > len(fb) {
		return 0, 0, 0, 0, 0, fmt.Errorf("sparse: fragment data past end of stream: %w: %w",
			ErrCorrupt, compositor.ErrInvalidValue)
	}

	if err := w.Uint32(uint32(kf + kb)); err != nil {
		return 0, 0, 0, 0, 0, fmt.Errorf("sparse: %w: %w", err, compositor.ErrSanityCheck)
	}

	depthOff := op.fs - 4
	i, j := 0, 0
	for i < kf || j < kb {
		var frag []byte
		switch {
		case j >= kb:
			frag = ff[i*op.fs : (i+1)*op.fs]
			i++
		case i >= kf:
			frag = fb[j*op.fs : (j+1)*op.fs]
			j++
		default:
			fd := math.Float32frombits(wire.ByteOrder.Uint32(ff[i*op.fs+depthOff:]))
			bd := math.Float32frombits(wire.ByteOrder.Uint32(fb[j*op.fs+depthOff:]))
			if fd <= bd {
				frag = ff[i*op.fs : (i+1)*op.fs]
				i++
			} else {
				frag = fb[j*op.fs : (j+1)*op.fs]
				j++
			}
		}
		if err := w.Bytes(frag); err != nil {
			return 0, 0, 0, 0, 0, fmt.Errorf("sparse: %w: %w", err, compositor.ErrSanityCheck)
		}
	}

	return pixel.LayerCountSize + kf*op.fs, pixel.LayerCountSize + kb*op.fs,
		kf, kb, kf + kb, nil
}
