package sparse

import (
	"fmt"

	"github.com/sortlast/compositor"
	"github.com/sortlast/compositor/internal/wire"
	"github.com/sortlast/compositor/pixel"
)

// InterlaceOffset returns the pixel offset, in the interlaced image, at
// which interlace group globalPartition of numPartitions begins. Groups are
// balanced, the remainder going to the leading groups, so this equals
// globalPartition·⌈n/numPartitions⌉ whenever the partitions divide evenly.
func InterlaceOffset(globalPartition, numPartitions, n int) int {
	if globalPartition < 0 || numPartitions < 1 {
		return 0
	}
	if globalPartition > numPartitions {
		globalPartition = numPartitions
	}
	return partitionOffset(globalPartition, numPartitions, n)
}

// InterlaceBufferSize returns a byte size sufficient for the interlaced
// copy of src.
func InterlaceBufferSize(src *Image) int {
	n := src.NumPixels()
	rl := runLengthSize
	if src.Layered() {
		rl = runLengthSizeLayered
	}
	// Worst case one run per two pixels, plus the source's own payload
	// bound for the pixel data.
	return HeaderSize + (n/2+1)*rl + (src.ActualSize() - HeaderSize)
}

// InterlaceAlloc permutes the pixels of src so that a subsequent split into
// numPartitions partitions balances active pixels across the partitions:
// pixel i lands in group i mod numPartitions, groups concatenated in order.
// Binary swap applies this before its swap rounds so every rank carries a
// comparable share of the active pixels.
//
// index must hold at least NumPixels entries and is used as the temporary
// dense pixel index a sparse-stream permutation requires; buf receives the
// interlaced image and needs InterlaceBufferSize bytes.
func InterlaceAlloc(src *Image, numPartitions int, index []int, buf []byte) (*Image, error) {
	n := src.NumPixels()
	if numPartitions < 1 {
		return nil, fmt.Errorf("sparse: interlace into %d partitions: %w",
			numPartitions, compositor.ErrInvalidValue)
	}
	if len(index) < n {
		return nil, fmt.Errorf("sparse: interlace index of %d entries, need %d: %w",
			len(index), n, compositor.ErrOutOfResources)
	}
	if len(buf) < InterlaceBufferSize(src) {
		return nil, fmt.Errorf("sparse: interlace buffer of %d bytes, need %d: %w",
			len(buf), InterlaceBufferSize(src), compositor.ErrOutOfResources)
	}

	// First pass: record every pixel's byte offset in the source payload,
	// -1 for inactive pixels.
	fs := src.FragmentSize()
	layered := src.Layered()
	data := src.payload()
	c := newScanCursor(src)
	index = index[:n]
	for p := 0; p < n; {
		if c.inactive == 0 && c.active == 0 {
			if err := c.loadRuns(); err != nil {
				return nil, err
			}
		}
		for ; c.inactive > 0 && p < n; c.inactive-- {
			index[p] = -1
			p++
		}
		for ; c.active > 0 && p < n; c.active-- {
			index[p] = c.pos
			size := fs
			if layered {
				if c.pos+pixel.LayerCountSize > len(data) {
					return nil, fmt.Errorf("sparse: pixel header past end of stream: %w: %w",
						ErrCorrupt, compositor.ErrInvalidValue)
				}
				k := int(wire.ByteOrder.Uint32(data[c.pos:]))
				size = pixel.LayerCountSize + k*fs
				c.activeFrags -= k
			}
			if c.pos+size > len(data) {
				return nil, fmt.Errorf("sparse: fragment data past end of stream: %w: %w",
					ErrCorrupt, compositor.ErrInvalidValue)
			}
			c.pos += size
			p++
		}
	}

	// Second pass: emit the groups in order, rebuilding runs as we go.
	dst, err := OverBuffer(buf, src.ColorFormat(), src.DepthFormat(),
		src.Width(), src.Height(), layered)
	if err != nil {
		return nil, err
	}
	w := wire.NewWriter(dst.buf)
	if err := w.SetPos(HeaderSize); err != nil {
		return nil, fmt.Errorf("sparse: %w: %w", err, compositor.ErrSanityCheck)
	}
	rw := newRunWriter(w, layered)
	for g := 0; g < numPartitions; g++ {
		for p := g; p < n; p += numPartitions {
			if index[p] < 0 {
				if err := rw.addInactive(1); err != nil {
					return nil, fmt.Errorf("sparse: %w: %w", err, compositor.ErrSanityCheck)
				}
				continue
			}
			pos := index[p]
			size := fs
			frags := 1
			if layered {
				frags = int(wire.ByteOrder.Uint32(data[pos:]))
				size = pixel.LayerCountSize + frags*fs
			}
			if err := rw.addActive(1, frags, data[pos:pos+size]); err != nil {
				return nil, fmt.Errorf("sparse: %w: %w", err, compositor.ErrSanityCheck)
			}
		}
	}
	if err := rw.close(); err != nil {
		return nil, fmt.Errorf("sparse: %w: %w", err, compositor.ErrSanityCheck)
	}
	dst.setActualSize(w.Pos())
	return dst, nil
}
