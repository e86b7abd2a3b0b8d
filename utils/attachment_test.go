package utils

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"streamwise/db"
)

func writePNG(t *testing.T, path string, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return buf.Bytes()
}

func TestAttachmentBuilder_SmallImageKept(t *testing.T) {
	path := filepath.Join(t.TempDir(), "small.png")
	raw := writePNG(t, path, 20, 10)

	part, err := NewAttachmentBuilder().FromFile(path)
	if err != nil {
		t.Fatalf("FromFile failed: %v", err)
	}
	if part.Type != db.PartInputImage {
		t.Errorf("Expected input_image, got %s", part.Type)
	}
	if part.ImageURL != DataURL("image/png", raw) {
		t.Error("Small PNG should be embedded unchanged")
	}
}

func TestAttachmentBuilder_LargeImageResized(t *testing.T) {
	path := filepath.Join(t.TempDir(), "large.png")
	writePNG(t, path, 2048, 512)

	part, err := NewAttachmentBuilder().FromFile(path)
	if err != nil {
		t.Fatalf("FromFile failed: %v", err)
	}

	mime, data, err := ParseDataURL(part.ImageURL)
	if err != nil {
		t.Fatalf("ParseDataURL failed: %v", err)
	}
	if mime != "image/png" {
		t.Errorf("Expected image/png, got %s", mime)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("DecodeConfig failed: %v", err)
	}
	if cfg.Width != 1024 || cfg.Height != 256 {
		t.Errorf("Expected 1024x256, got %dx%d", cfg.Width, cfg.Height)
	}
}

func TestAttachmentBuilder_TextFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("buy milk"), 0644); err != nil {
		t.Fatal(err)
	}

	part, err := NewAttachmentBuilder().FromFile(path)
	if err != nil {
		t.Fatalf("FromFile failed: %v", err)
	}
	if part.Type != db.PartInputText || !strings.Contains(part.Text, "buy milk") || !strings.Contains(part.Text, "notes.txt") {
		t.Errorf("Unexpected part: %+v", part)
	}
}

func TestAttachmentBuilder_Rejects(t *testing.T) {
	dir := t.TempDir()
	b := NewAttachmentBuilder()

	if _, err := b.FromFile(filepath.Join(dir, "missing.png")); err == nil {
		t.Error("Expected error for missing file")
	}

	bin := filepath.Join(dir, "blob.bin")
	os.WriteFile(bin, []byte{0, 1, 2}, 0644)
	if _, err := b.FromFile(bin); err == nil {
		t.Error("Expected error for unsupported type")
	}

	fake := filepath.Join(dir, "fake.png")
	os.WriteFile(fake, []byte("not an image"), 0644)
	if _, err := b.FromFile(fake); err == nil {
		t.Error("Expected decode error")
	}
}
