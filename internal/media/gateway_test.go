package media

import (
	"image"
	"image/color"
	"testing"
)

func TestParseHandle(t *testing.T) {
	server, id, err := parseHandle("handle://chat.example/abc123")
	if err != nil {
		t.Fatalf("parseHandle: %v", err)
	}
	if server != "chat.example" || id != "abc123" {
		t.Errorf("got (%q, %q), want (%q, %q)", server, id, "chat.example", "abc123")
	}
}

func TestParseHandle_Malformed(t *testing.T) {
	cases := []string{"", "chat.example/abc123", "handle://chat.example", "handle:///abc123"}
	for _, c := range cases {
		if _, _, err := parseHandle(c); err == nil {
			t.Errorf("parseHandle(%q): expected error", c)
		}
	}
}

func TestAllowedMIME(t *testing.T) {
	allowed := []string{"image/png", "video/*"}

	if !allowedMIME(allowed, "image/png") {
		t.Error("expected exact match to be allowed")
	}
	if !allowedMIME(allowed, "video/mp4") {
		t.Error("expected wildcard match to be allowed")
	}
	if allowedMIME(allowed, "application/pdf") {
		t.Error("expected unmatched type to be rejected")
	}
	if !allowedMIME(nil, "anything/at-all") {
		t.Error("expected empty allow-list to permit everything")
	}
}

func TestFitInside_NoUpscale(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 50, 50))
	result := fitInside(img, 256)
	if result.Bounds().Dx() != 50 || result.Bounds().Dy() != 50 {
		t.Errorf("expected no upscale, got %dx%d", result.Bounds().Dx(), result.Bounds().Dy())
	}
}

func TestFitInside_Shrinks(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 800, 400))
	result := fitInside(img, 200)
	if result.Bounds().Dx() != 200 {
		t.Errorf("width = %d, want 200", result.Bounds().Dx())
	}
	if result.Bounds().Dy() != 100 {
		t.Errorf("height = %d, want 100 (aspect preserved)", result.Bounds().Dy())
	}
}

func TestByteCache_EvictsOverBudget(t *testing.T) {
	c := newByteCache(10)
	c.set("a", []byte("12345"))
	c.set("b", []byte("12345"))
	if _, ok := c.get("a"); !ok {
		t.Fatal("expected a to still be present at exactly the budget")
	}

	c.set("c", []byte("12345"))
	if _, ok := c.get("a"); ok {
		t.Error("expected oldest entry to be evicted once over budget")
	}
	if _, ok := c.get("c"); !ok {
		t.Error("expected newest entry to be present")
	}
}

func TestRotate180(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	img.Set(1, 0, color.RGBA{B: 255, A: 255})

	rotated := rotate180(img)
	r, g, b, a := rotated.At(1, 0).RGBA()
	_ = g
	if r == 0 || a == 0 || b != 0 {
		t.Errorf("expected red pixel moved to (1,0) after 180 rotation")
	}
}
