package sparse

import (
	"bytes"
	"errors"
	"testing"

	"github.com/sortlast/compositor"
	"github.com/sortlast/compositor/internal/wire"
	"github.com/sortlast/compositor/pixel"
	"github.com/sortlast/compositor/raster"
)

// setFragment writes color and depth of one fragment of a dense image.
func setFragment(t *testing.T, img *raster.Image, x, y, layer int, color []byte, depth float32) {
	t.Helper()
	f, err := img.At(x, y, layer)
	if err != nil {
		t.Fatalf("At(%d,%d,%d): %v", x, y, layer, err)
	}
	copy(f.Color, color)
	if img.DepthFormat() != pixel.DepthNone {
		if err := img.SetDepth(x, y, layer, depth); err != nil {
			t.Fatalf("SetDepth: %v", err)
		}
	}
}

// TestCompressScenarioS1 pins the exact stream of a 2x1 z-buffer image with
// one active pixel: a leading run with no inactive pixels, the fragment,
// and a terminal inactive run.
func TestCompressScenarioS1(t *testing.T) {
	img, _ := raster.New(pixel.ColorRGBAUByte, pixel.DepthFloat, 2, 1)
	setFragment(t, img, 0, 0, 0, []byte{255, 0, 0, 255}, 0)

	s, err := CompressAlloc(img, pixel.ZBuffer)
	if err != nil {
		t.Fatalf("CompressAlloc: %v", err)
	}

	var want []byte
	want = u32(want, 0) // inactive
	want = u32(want, 1) // active
	want = append(want, 255, 0, 0, 255)
	want = f32(want, 0)
	want = u32(want, 1) // trailing inactive
	want = u32(want, 0)
	if got := s.PackageForSend()[HeaderSize:]; !bytes.Equal(got, want) {
		t.Errorf("payload:\ngot  %v\nwant %v", got, want)
	}

	out, _ := raster.New(pixel.ColorRGBAUByte, pixel.DepthFloat, 2, 1)
	if err := Decompress(s, out); err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !out.Equal(img) {
		t.Error("decompress did not restore the original")
	}
}

// TestRoundTripP1 checks decompress(compress(D)) == D bit-exact across
// modes and formats on a patterned image.
func TestRoundTripP1(t *testing.T) {
	patterns := []struct {
		name   string
		active func(i int) bool
	}{
		{"empty", func(int) bool { return false }},
		{"full", func(int) bool { return true }},
		{"leading", func(i int) bool { return i < 5 }},
		{"trailing", func(i int) bool { return i >= 11 }},
		{"alternating", func(i int) bool { return i%2 == 0 }},
		{"clumps", func(i int) bool { return i%5 < 2 }},
	}

	formats := []struct {
		name  string
		color pixel.ColorFormat
		depth pixel.DepthFormat
		mode  pixel.Mode
	}{
		{"zbuffer_rgba8", pixel.ColorRGBAUByte, pixel.DepthFloat, pixel.ZBuffer},
		{"zbuffer_rgbaf", pixel.ColorRGBAFloat, pixel.DepthFloat, pixel.ZBuffer},
		{"zbuffer_rgbf", pixel.ColorRGBFloat, pixel.DepthFloat, pixel.ZBuffer},
		{"zbuffer_depth_only", pixel.ColorNone, pixel.DepthFloat, pixel.ZBuffer},
		{"blend_rgba8", pixel.ColorRGBAUByte, pixel.DepthNone, pixel.Blend},
		{"blend_rgbaf", pixel.ColorRGBAFloat, pixel.DepthNone, pixel.Blend},
	}

	for _, ft := range formats {
		for _, pat := range patterns {
			t.Run(ft.name+"/"+pat.name, func(t *testing.T) {
				img, err := raster.New(ft.color, ft.depth, 4, 4)
				if err != nil {
					t.Fatalf("New: %v", err)
				}
				cs := ft.color.Size()
				for i := 0; i < 16; i++ {
					if !pat.active(i) {
						continue
					}
					color := make([]byte, cs)
					for ch := range color {
						color[ch] = byte(1 + i*7 + ch)
					}
					if ft.color == pixel.ColorRGBAFloat {
						// A nonzero alpha float keeps the pixel active
						// under blend.
						color = nil
						color = f32(color, float32(i)/16)
						color = f32(color, 0.5)
						color = f32(color, 0.25)
						color = f32(color, float32(i+1)/16)
					}
					setFragment(t, img, i%4, i/4, 0, color, float32(i)/32)
				}

				s, err := CompressAlloc(img, ft.mode)
				if err != nil {
					t.Fatalf("CompressAlloc: %v", err)
				}

				out, err := raster.New(s.ColorFormat(), s.DepthFormat(), 4, 4)
				if err != nil {
					t.Fatalf("New out: %v", err)
				}
				if err := Decompress(s, out); err != nil {
					t.Fatalf("Decompress: %v", err)
				}

				if ft.mode == pixel.Blend {
					// Blend drops depth; compare color planes only.
					if !bytes.Equal(out.ColorBytes(), img.ColorBytes()) {
						t.Error("color plane changed in round trip")
					}
				} else if !out.Equal(img) {
					t.Error("round trip changed the image")
				}
			})
		}
	}
}

// TestRoundTripP2 checks that a sparse image re-compressed from its own
// decompression maps every pixel to the same fragment.
func TestRoundTripP2(t *testing.T) {
	img, _ := raster.New(pixel.ColorRGBAUByte, pixel.DepthFloat, 8, 2)
	for i := 0; i < 16; i += 3 {
		setFragment(t, img, i%8, i/8, 0, []byte{byte(i), 2, 3, 255}, float32(i)/20)
	}
	s1, err := CompressAlloc(img, pixel.ZBuffer)
	if err != nil {
		t.Fatalf("CompressAlloc: %v", err)
	}
	dense, _ := raster.New(pixel.ColorRGBAUByte, pixel.DepthFloat, 8, 2)
	if err := Decompress(s1, dense); err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	s2, err := CompressAlloc(dense, pixel.ZBuffer)
	if err != nil {
		t.Fatalf("re-CompressAlloc: %v", err)
	}
	if !bytes.Equal(s1.PackageForSend(), s2.PackageForSend()) {
		t.Error("re-compression produced a different stream")
	}
}

func TestCompressSubImage(t *testing.T) {
	img, _ := raster.New(pixel.ColorRGBAUByte, pixel.DepthFloat, 4, 2)
	for i := 0; i < 8; i++ {
		setFragment(t, img, i%4, i/4, 0, []byte{byte(i), 0, 0, 255}, float32(i)/10)
	}

	dst, _ := NewBuffer(pixel.ColorRGBAUByte, pixel.DepthFloat, 3, 1)
	if err := CompressSubImage(img, pixel.ZBuffer, 2, 3, dst); err != nil {
		t.Fatalf("CompressSubImage: %v", err)
	}
	out, _ := raster.New(pixel.ColorRGBAUByte, pixel.DepthFloat, 3, 1)
	if err := Decompress(dst, out); err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	for i := 0; i < 3; i++ {
		f, _ := out.At(i, 0, 0)
		if f.Color[0] != byte(2+i) {
			t.Errorf("sub-image pixel %d color = %d, want %d", i, f.Color[0], 2+i)
		}
	}

	if err := CompressSubImage(img, pixel.ZBuffer, 6, 3, dst); !errors.Is(err, compositor.ErrSanityCheck) {
		t.Errorf("out-of-range sub-image = %v, want ErrSanityCheck", err)
	}
	if err := CompressSubImage(img, pixel.ZBuffer, 0, 4, dst); !errors.Is(err, compositor.ErrSanityCheck) {
		t.Errorf("size mismatch = %v, want ErrSanityCheck", err)
	}
}

func TestCompressRegionWithPadding(t *testing.T) {
	img, _ := raster.New(pixel.ColorRGBAUByte, pixel.DepthFloat, 4, 4)
	// Mark the whole 2x2 region at (1,1) active with recognizable colors.
	for dy := 0; dy < 2; dy++ {
		for dx := 0; dx < 2; dx++ {
			setFragment(t, img, 1+dx, 1+dy, 0,
				[]byte{byte(10*(1+dx) + (1 + dy)), 0, 0, 255}, 0.5)
		}
	}

	pad := Padding{Left: 1, Top: 1}
	dst, _ := NewBuffer(pixel.ColorRGBAUByte, pixel.DepthFloat, 3, 3)
	region := Region{X: 1, Y: 1, Width: 2, Height: 2}
	if err := CompressRegion(img, pixel.ZBuffer, region, pad, dst); err != nil {
		t.Fatalf("CompressRegion: %v", err)
	}

	out, _ := raster.New(pixel.ColorRGBAUByte, pixel.DepthFloat, 3, 3)
	if err := Decompress(dst, out); err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	// Column 0 and the last row are padding; the panel sits at (1..2, 0..1).
	for y := 0; y < 3; y++ {
		for x := 0; x < 3; x++ {
			f, _ := out.At(x, y, 0)
			if x == 0 || y == 2 {
				if f.Depth != 1 {
					t.Errorf("padding pixel (%d,%d) active", x, y)
				}
				continue
			}
			want := byte(10*x + (1 + y))
			if f.Color[0] != want {
				t.Errorf("panel pixel (%d,%d) color = %d, want %d", x, y, f.Color[0], want)
			}
		}
	}
}

func TestCompressBlendErrors(t *testing.T) {
	rgb, _ := raster.New(pixel.ColorRGBFloat, pixel.DepthNone, 2, 2)
	if _, err := CompressAlloc(rgb, pixel.Blend); !errors.Is(err, compositor.ErrInvalidOperation) {
		t.Errorf("blend rgb_f32 = %v, want ErrInvalidOperation", err)
	}

	noDepth, _ := raster.New(pixel.ColorRGBAUByte, pixel.DepthNone, 2, 2)
	if _, err := CompressAlloc(noDepth, pixel.ZBuffer); !errors.Is(err, compositor.ErrInvalidOperation) {
		t.Errorf("zbuffer without depth = %v, want ErrInvalidOperation", err)
	}
}

// TestCompressBlendNoColor checks the warning case: an image with no color
// data blends to a single inactive run, a meaningless but well-defined
// stream.
func TestCompressBlendNoColor(t *testing.T) {
	img, _ := raster.New(pixel.ColorNone, pixel.DepthNone, 3, 2)
	s, err := CompressAlloc(img, pixel.Blend)
	if err != nil {
		t.Fatalf("CompressAlloc: %v", err)
	}
	p := s.payload()
	if len(p) != runLengthSize || wire.ByteOrder.Uint32(p) != 6 || wire.ByteOrder.Uint32(p[4:]) != 0 {
		t.Errorf("payload = %v, want single inactive run of 6", p)
	}
}

// TestCompressLayeredZBufferFlattens checks that a layered input under
// z-buffer produces a non-layered stream holding only the nearest
// fragments.
func TestCompressLayeredZBufferFlattens(t *testing.T) {
	img, _ := raster.NewLayered(pixel.ColorRGBAUByte, pixel.DepthFloat, 2, 1, 2)
	setFragment(t, img, 0, 0, 0, []byte{1, 0, 0, 255}, 0.2)
	setFragment(t, img, 0, 0, 1, []byte{2, 0, 0, 255}, 0.7)

	s, err := CompressAlloc(img, pixel.ZBuffer)
	if err != nil {
		t.Fatalf("CompressAlloc: %v", err)
	}
	if s.Layered() {
		t.Fatal("z-buffer output is layered")
	}
	out, _ := raster.New(pixel.ColorRGBAUByte, pixel.DepthFloat, 2, 1)
	if err := Decompress(s, out); err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	f, _ := out.At(0, 0, 0)
	if f.Color[0] != 1 || f.Depth != 0.2 {
		t.Errorf("kept fragment = color %d depth %v, want nearest (1, 0.2)", f.Color[0], f.Depth)
	}
	g, _ := out.At(1, 0, 0)
	if g.Depth != 1 {
		t.Error("pixel without fragments became active")
	}
}

// TestCompressLayeredBlendCounts checks property P8 on a layered blend
// stream: per-pixel counts, the run fragment total and the payload layout
// agree.
func TestCompressLayeredBlendCounts(t *testing.T) {
	img, _ := raster.NewLayered(pixel.ColorRGBAUByte, pixel.DepthFloat, 3, 1, 3)
	// Pixel 0: two active layers. Pixel 1: none. Pixel 2: one.
	setFragment(t, img, 0, 0, 0, []byte{1, 0, 0, 100}, 0.1)
	setFragment(t, img, 0, 0, 1, []byte{2, 0, 0, 200}, 0.3)
	setFragment(t, img, 2, 0, 0, []byte{3, 0, 0, 50}, 0.9)

	s, err := CompressAlloc(img, pixel.Blend)
	if err != nil {
		t.Fatalf("CompressAlloc: %v", err)
	}
	if !s.Layered() {
		t.Fatal("blend output not layered")
	}

	p := s.payload()
	// Run 1: no inactive, one active pixel with two fragments.
	if wire.ByteOrder.Uint32(p) != 0 || wire.ByteOrder.Uint32(p[4:]) != 1 || wire.ByteOrder.Uint32(p[8:]) != 2 {
		t.Fatalf("first run lengths = %v", p[:12])
	}
	if k := wire.ByteOrder.Uint32(p[12:]); k != 2 {
		t.Fatalf("pixel 0 fragment count = %d, want 2", k)
	}
	fs := s.FragmentSize()
	// Run 2: one inactive, one active pixel with one fragment.
	run2 := 12 + 4 + 2*fs
	if wire.ByteOrder.Uint32(p[run2:]) != 1 || wire.ByteOrder.Uint32(p[run2+4:]) != 1 ||
		wire.ByteOrder.Uint32(p[run2+8:]) != 1 {
		t.Fatalf("second run lengths = %v", p[run2:run2+12])
	}
	if k := wire.ByteOrder.Uint32(p[run2+12:]); k != 1 {
		t.Fatalf("pixel 2 fragment count = %d, want 1", k)
	}
	wantLen := run2 + 12 + 4 + fs
	if len(p) != wantLen {
		t.Errorf("payload length = %d, want %d", len(p), wantLen)
	}
}

func BenchmarkCompressZBuffer(b *testing.B) {
	img, _ := raster.New(pixel.ColorRGBAUByte, pixel.DepthFloat, 512, 512)
	for i := 0; i < 512*512; i++ {
		if i%100 < 40 {
			img.Depths()[i] = 0.5
		}
	}
	dst, _ := NewBuffer(pixel.ColorRGBAUByte, pixel.DepthFloat, 512, 512)
	b.SetBytes(int64(512 * 512 * 8))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := Compress(img, pixel.ZBuffer, dst); err != nil {
			b.Fatal(err)
		}
	}
}
