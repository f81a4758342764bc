package sparse

import (
	"errors"
	"testing"

	"github.com/sortlast/compositor"
	"github.com/sortlast/compositor/pixel"
	"github.com/sortlast/compositor/raster"
)

// TestSplitCoversWhole checks property P10: decompressing each piece
// independently yields the same pixels as decompressing the whole at the
// matching offsets.
func TestSplitCoversWhole(t *testing.T) {
	for _, numPixels := range []int{8, 10, 13} {
		for _, k := range []int{1, 2, 4} {
			img, _ := raster.New(pixel.ColorRGBAUByte, pixel.DepthFloat, numPixels, 1)
			for i := 0; i < numPixels; i++ {
				if i%3 != 1 {
					setFragment(t, img, i, 0, 0, []byte{byte(100 + i), 0, 0, 255}, float32(i)/32)
				}
			}
			whole := decompressU8Z(t, mustCompress(t, img))

			src := mustCompress(t, img)
			images := make([]*Image, k)
			offsets := make([]int, k)
			scratch := make([]byte, SplitScratchSize(src, k))
			if err := SplitAlloc(src, 0, k, k, scratch, images, offsets); err != nil {
				t.Fatalf("SplitAlloc(%d, %d): %v", numPixels, k, err)
			}

			covered := 0
			for p := 0; p < k; p++ {
				piece := images[p]
				if offsets[p] != covered {
					t.Errorf("piece %d offset = %d, want %d", p, offsets[p], covered)
				}
				covered += piece.NumPixels()

				dense := decompressU8Z(t, piece)
				for i := 0; i < piece.NumPixels(); i++ {
					got, _ := dense.At(i, 0, 0)
					want, _ := whole.At(offsets[p]+i, 0, 0)
					if got.Color[0] != want.Color[0] || got.Depth != want.Depth {
						t.Errorf("n=%d k=%d piece %d pixel %d differs", numPixels, k, p, i)
					}
				}
			}
			if covered != numPixels {
				t.Errorf("pieces cover %d of %d pixels", covered, numPixels)
			}
		}
	}
}

func mustCompress(t *testing.T, img *raster.Image) *Image {
	t.Helper()
	s, err := CompressAlloc(img, pixel.ZBuffer)
	if err != nil {
		t.Fatalf("CompressAlloc: %v", err)
	}
	return s
}

// TestSplitZerothAliasesSource checks that the zeroth partition reuses the
// source's backing buffer.
func TestSplitZerothAliasesSource(t *testing.T) {
	img, _ := raster.New(pixel.ColorRGBAUByte, pixel.DepthFloat, 8, 1)
	for i := 0; i < 8; i++ {
		setFragment(t, img, i, 0, 0, []byte{byte(i), 0, 0, 255}, 0.5)
	}
	src := mustCompress(t, img)
	srcBuf := &src.buf[0]

	images := make([]*Image, 2)
	offsets := make([]int, 2)
	scratch := make([]byte, SplitScratchSize(src, 2))
	if err := SplitAlloc(src, 0, 2, 2, scratch, images, offsets); err != nil {
		t.Fatalf("SplitAlloc: %v", err)
	}
	if &images[0].buf[0] != srcBuf {
		t.Error("zeroth partition does not alias the source buffer")
	}
	if images[0].NumPixels() != 4 || images[1].NumPixels() != 4 {
		t.Errorf("partition sizes %d, %d, want 4, 4",
			images[0].NumPixels(), images[1].NumPixels())
	}
}

// TestSplitStartOffset checks that reported offsets are shifted by the
// caller's base offset, as binary swap needs across rounds.
func TestSplitStartOffset(t *testing.T) {
	img, _ := raster.New(pixel.ColorRGBAUByte, pixel.DepthFloat, 6, 1)
	src := mustCompress(t, img)
	images := make([]*Image, 2)
	offsets := make([]int, 2)
	scratch := make([]byte, SplitScratchSize(src, 2))
	if err := SplitAlloc(src, 100, 2, 2, scratch, images, offsets); err != nil {
		t.Fatalf("SplitAlloc: %v", err)
	}
	if offsets[0] != 100 || offsets[1] != 103 {
		t.Errorf("offsets = %v, want [100 103]", offsets)
	}
}

// TestSplitNestsInEventual checks that splitting in two stages lands on
// the boundaries of the eventual single split.
func TestSplitNestsInEventual(t *testing.T) {
	const n = 13
	img, _ := raster.New(pixel.ColorRGBAUByte, pixel.DepthFloat, n, 1)
	for i := 0; i < n; i++ {
		setFragment(t, img, i, 0, 0, []byte{byte(i), 0, 0, 255}, 0.5)
	}

	// One-shot split into 4.
	oneShot := make([]int, 4)
	{
		src := mustCompress(t, img)
		images := make([]*Image, 4)
		scratch := make([]byte, SplitScratchSize(src, 4))
		if err := SplitAlloc(src, 0, 4, 4, scratch, images, oneShot); err != nil {
			t.Fatalf("SplitAlloc: %v", err)
		}
	}

	// Two-stage split: halves with eventual 4, then each half in two.
	src := mustCompress(t, img)
	halves := make([]*Image, 2)
	halfOffs := make([]int, 2)
	scratch := make([]byte, SplitScratchSize(src, 2))
	if err := SplitAlloc(src, 0, 2, 4, scratch, halves, halfOffs); err != nil {
		t.Fatalf("first-stage SplitAlloc: %v", err)
	}
	var staged []int
	for h := 0; h < 2; h++ {
		quarters := make([]*Image, 2)
		quarterOffs := make([]int, 2)
		scratch := make([]byte, SplitScratchSize(halves[h], 2))
		if err := SplitAlloc(halves[h], halfOffs[h], 2, 2, scratch, quarters, quarterOffs); err != nil {
			t.Fatalf("second-stage SplitAlloc: %v", err)
		}
		staged = append(staged, quarterOffs...)
	}

	for i := range oneShot {
		if staged[i] != oneShot[i] {
			t.Errorf("staged offsets %v do not nest in eventual %v", staged, oneShot)
			break
		}
	}
}

func TestSplitErrors(t *testing.T) {
	img, _ := raster.New(pixel.ColorRGBAUByte, pixel.DepthFloat, 4, 1)
	src := mustCompress(t, img)

	images := make([]*Image, 2)
	offsets := make([]int, 2)
	if err := SplitAlloc(src, 0, 2, 3, nil, images, offsets); !errors.Is(err, compositor.ErrInvalidValue) {
		t.Errorf("non-multiple eventual = %v, want ErrInvalidValue", err)
	}
	if err := SplitAlloc(src, 0, 2, 2, []byte{}, images, offsets); !errors.Is(err, compositor.ErrOutOfResources) {
		t.Errorf("short scratch = %v, want ErrOutOfResources", err)
	}
}
