package videopipe

import "testing"

func TestNeedsConverterOnResolutionMismatch(t *testing.T) {
	if !NeedsConverter(3840, 2160, 1920, 1080, false, true, false, true, false, false) {
		t.Fatal("expected converter required on resolution mismatch")
	}
}

func TestNeedsConverterFalseWhenNothingTriggers(t *testing.T) {
	if NeedsConverter(1920, 1080, 1920, 1080, false, true, false, true, false, false) {
		t.Fatal("expected no converter required when nothing triggers it")
	}
}

func TestNeedsConverterOnSRGBView(t *testing.T) {
	if !NeedsConverter(1920, 1080, 1920, 1080, false, true, false, true, false, true) {
		t.Fatal("expected converter required for sRGB-typed surface view")
	}
}

func TestConverterScaleDownProducesTargetDimensions(t *testing.T) {
	src := make([]byte, 4*4*4) // 4x4 RGBA
	for i := range src {
		src[i] = byte(i % 251)
	}
	c := NewConverter(4, 4, 2, 2)
	dst := c.Scale(src)
	if len(dst) != 2*2*4 {
		t.Fatalf("expected %d bytes, got %d", 2*2*4, len(dst))
	}
}

func TestConverterScaleIdentityCopies(t *testing.T) {
	src := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	c := NewConverter(1, 2, 1, 2)
	dst := c.Scale(src)
	if len(dst) != len(src) {
		t.Fatalf("expected identity scale to preserve length")
	}
	for i := range src {
		if dst[i] != src[i] {
			t.Fatalf("expected identity scale to copy bytes verbatim at %d", i)
		}
	}
}

func TestToNV12ProducesExpectedPlaneSizes(t *testing.T) {
	w, h := 4, 4
	rgba := make([]byte, w*h*4)
	for i := range rgba {
		rgba[i] = 128
	}
	nv12 := ToNV12(rgba, w, h)
	if len(nv12) != w*h+w*h/2 {
		t.Fatalf("expected %d bytes, got %d", w*h+w*h/2, len(nv12))
	}
}
