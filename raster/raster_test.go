package raster

import (
	"errors"
	"testing"

	"github.com/sortlast/compositor"
	"github.com/sortlast/compositor/pixel"
)

func TestNewInitializesBackground(t *testing.T) {
	img, err := New(pixel.ColorRGBAUByte, pixel.DepthFloat, 2, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if img.NumPixels() != 4 || img.NumLayers() != 1 || img.Layered() {
		t.Error("flat image shape wrong")
	}
	for i, d := range img.Depths() {
		if d != 1 {
			t.Fatalf("depth[%d] = %v, want background 1", i, d)
		}
	}
	for i, c := range img.ColorBytes() {
		if c != 0 {
			t.Fatalf("color[%d] = %d, want 0", i, c)
		}
	}
}

func TestLayeredRequiresDepth(t *testing.T) {
	_, err := NewLayered(pixel.ColorRGBAUByte, pixel.DepthNone, 2, 2, 3)
	if !errors.Is(err, compositor.ErrInvalidOperation) {
		t.Errorf("layered without depth = %v, want ErrInvalidOperation", err)
	}
}

func TestAtAddressesLayers(t *testing.T) {
	img, err := NewLayered(pixel.ColorRGBAUByte, pixel.DepthFloat, 2, 1, 2)
	if err != nil {
		t.Fatalf("NewLayered: %v", err)
	}
	f, err := img.At(1, 0, 1)
	if err != nil {
		t.Fatalf("At: %v", err)
	}
	f.Color[0] = 200
	if err := img.SetDepth(1, 0, 1, 0.25); err != nil {
		t.Fatalf("SetDepth: %v", err)
	}

	// Pixel (1,0) layer 1 is fragment index 3 in pixel-major layout.
	if img.ColorBytes()[3*4] != 200 {
		t.Error("At color view does not alias the plane")
	}
	if img.Depths()[3] != 0.25 {
		t.Error("SetDepth did not land on layer 1")
	}

	if _, err := img.At(2, 0, 0); !errors.Is(err, compositor.ErrInvalidValue) {
		t.Errorf("At out of bounds = %v, want ErrInvalidValue", err)
	}
}

func TestColorFloatsRoundTrip(t *testing.T) {
	img, err := New(pixel.ColorRGBAFloat, pixel.DepthNone, 2, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	values := []float32{0.5, 0.25, 0, 1, 1, 0.75, 0.5, 0.125}
	if err := img.SetColorFloats(values); err != nil {
		t.Fatalf("SetColorFloats: %v", err)
	}
	got, err := img.ColorFloats()
	if err != nil {
		t.Fatalf("ColorFloats: %v", err)
	}
	for i := range values {
		if got[i] != values[i] {
			t.Errorf("channel %d = %v, want %v", i, got[i], values[i])
		}
	}

	u8img, _ := New(pixel.ColorRGBAUByte, pixel.DepthNone, 1, 1)
	if _, err := u8img.ColorFloats(); !errors.Is(err, compositor.ErrInvalidOperation) {
		t.Errorf("ColorFloats on u8 = %v, want ErrInvalidOperation", err)
	}
}

func TestAdjustForOutput(t *testing.T) {
	img, _ := New(pixel.ColorRGBAUByte, pixel.DepthFloat, 2, 2)
	img.AdjustForOutput()
	if img.DepthFormat() != pixel.DepthNone || img.Depths() != nil {
		t.Error("AdjustForOutput kept the depth plane")
	}

	// Depth-only images keep their depth, since depth is the payload.
	dimg, _ := New(pixel.ColorNone, pixel.DepthFloat, 2, 2)
	dimg.AdjustForOutput()
	if dimg.Depths() == nil {
		t.Error("AdjustForOutput dropped the only plane")
	}
}

func TestClearWithBackground(t *testing.T) {
	img, _ := New(pixel.ColorRGBAUByte, pixel.DepthFloat, 2, 1)
	bg := []byte{1, 2, 3, 4}
	if err := img.Clear(bg); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	c := img.ColorBytes()
	for p := 0; p < 2; p++ {
		for ch := 0; ch < 4; ch++ {
			if c[p*4+ch] != bg[ch] {
				t.Fatalf("pixel %d channel %d = %d, want %d", p, ch, c[p*4+ch], bg[ch])
			}
		}
	}
	if err := img.Clear([]byte{1}); !errors.Is(err, compositor.ErrInvalidValue) {
		t.Errorf("Clear with short background = %v, want ErrInvalidValue", err)
	}
}

func TestEqual(t *testing.T) {
	a, _ := New(pixel.ColorRGBAUByte, pixel.DepthFloat, 2, 1)
	b, _ := New(pixel.ColorRGBAUByte, pixel.DepthFloat, 2, 1)
	if !a.Equal(b) {
		t.Error("fresh images not equal")
	}
	b.ColorBytes()[0] = 9
	if a.Equal(b) {
		t.Error("images equal after color change")
	}
	c, _ := New(pixel.ColorRGBAUByte, pixel.DepthFloat, 1, 2)
	if a.Equal(c) {
		t.Error("images with different shapes equal")
	}
}
