package sparse

import (
	"fmt"

	"github.com/sortlast/compositor"
	"github.com/sortlast/compositor/internal/wire"
)

// partitionOffset returns the pixel offset at which partition index of
// eventual equal-as-possible partitions of n pixels begins. The remainder
// goes to the leading partitions, which keeps these boundaries identical to
// InterlaceOffset's.
func partitionOffset(index, eventual, n int) int {
	return index*(n/eventual) + min(index, n%eventual)
}

// SplitScratchSize returns a byte size sufficient for the buffers of the
// non-zeroth partitions of a split into numPartitions.
func SplitScratchSize(src *Image, numPartitions int) int {
	if numPartitions < 2 {
		return 0
	}
	return (numPartitions - 1) * (src.ActualSize() + runLengthSizeLayered)
}

// SplitAlloc partitions a sparse image into numPartitions sub-images
// covering disjoint pixel ranges. Boundaries are aligned to
// eventualPartitions, so that splitting in stages lands on the same
// offsets as splitting once into the eventual count; eventualPartitions
// must be a multiple of numPartitions.
//
// The zeroth sub-image reuses the source's backing buffer, destroying the
// source; the remaining sub-images are carved out of scratch, which needs
// at least SplitScratchSize bytes. offsets receives each partition's
// starting pixel offset, startOffset plus its position within the source.
//
// Reusing the source buffer is safe because runs are reserved when opened
// and patched only when closed: the writer never touches a byte the reader
// has not already consumed.
func SplitAlloc(src *Image, startOffset, numPartitions, eventualPartitions int, scratch []byte, images []*Image, offsets []int) error {
	if numPartitions < 1 || eventualPartitions < numPartitions ||
		eventualPartitions%numPartitions != 0 {
		return fmt.Errorf("sparse: cannot split into %d of eventually %d partitions: %w",
			numPartitions, eventualPartitions, compositor.ErrInvalidValue)
	}
	if len(images) < numPartitions || len(offsets) < numPartitions {
		return fmt.Errorf("sparse: split output slices too short: %w",
			compositor.ErrInvalidValue)
	}

	n := src.NumPixels()
	per := eventualPartitions / numPartitions
	c := newScanCursor(src)

	sizes := make([]int, numPartitions)
	for i := 0; i < numPartitions; i++ {
		lo := partitionOffset(i*per, eventualPartitions, n)
		hi := partitionOffset((i+1)*per, eventualPartitions, n)
		sizes[i] = hi - lo
		offsets[i] = startOffset + lo
	}

	scratchPos := 0
	// Partition 0 rewrites the shared header, so the source size is read
	// before the loop.
	srcSize := src.ActualSize()
	need := SplitScratchSize(src, numPartitions)
	if len(scratch) < need {
		return fmt.Errorf("sparse: split scratch of %d bytes, need %d: %w",
			len(scratch), need, compositor.ErrOutOfResources)
	}

	for i := 0; i < numPartitions; i++ {
		var dst *Image
		var err error
		if i == 0 {
			dst = &Image{buf: src.buf}
		} else {
			bufSize := srcSize + runLengthSizeLayered
			dst, err = OverBuffer(scratch[scratchPos:scratchPos+bufSize],
				src.ColorFormat(), src.DepthFormat(), sizes[i], 1, src.Layered())
			if err != nil {
				return err
			}
			scratchPos += bufSize
		}

		w := wire.NewWriter(dst.buf)
		if err := w.SetPos(HeaderSize); err != nil {
			return fmt.Errorf("sparse: %w: %w", err, compositor.ErrSanityCheck)
		}
		rw := newRunWriter(w, src.Layered())
		if err := scanPixels(&c, sizes[i], &rw); err != nil {
			return err
		}
		if err := rw.close(); err != nil {
			return fmt.Errorf("sparse: %w: %w", err, compositor.ErrSanityCheck)
		}
		end := w.Pos()
		if i == 0 {
			// Patch the reused header after the pixel data has been
			// copied out of the way of later partitions.
			wire.ByteOrder.PutUint32(dst.buf[offWidth:], uint32(sizes[0]))
			wire.ByteOrder.PutUint32(dst.buf[offHeight:], 1)
		}
		dst.setActualSize(end)
		images[i] = dst
	}
	return nil
}
