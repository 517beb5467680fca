package overlay

import (
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func TestPath(t *testing.T) {
	got := Path("/defects", 3, "batch-20240309-140507", "/data/3/batches/x/cam_01.jpg")
	want := filepath.Join("/defects", "3", "batch-20240309-140507", "cam_01_mask.png")
	if got != want {
		t.Errorf("Path() = %q, want %q", got, want)
	}
}

func TestRender_MinMax(t *testing.T) {
	img, err := Render([][]float32{{0, 2}, {4, 0}})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 2 || b.Dy() != 2 {
		t.Fatalf("bounds = %v", b)
	}
	if c := img.RGBAAt(0, 0); c.R != 0 || c.G != 0 {
		t.Errorf("min pixel = %+v, want black", c)
	}
	if c := img.RGBAAt(0, 1); c.R != 255 || c.G != 255 {
		t.Errorf("max pixel = %+v, want yellow", c)
	}
	if c := img.RGBAAt(1, 0); c.R != 255 || c.G != 0 {
		t.Errorf("mid pixel = %+v, want red", c)
	}
}

func TestRender_Flat(t *testing.T) {
	img, err := Render([][]float32{{3, 3}, {3, 3}})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if c := img.RGBAAt(1, 1); c.R != 0 {
		t.Errorf("flat mask pixel = %+v, want black", c)
	}
}

func TestRender_Invalid(t *testing.T) {
	if _, err := Render(nil); err == nil {
		t.Error("expected error for empty mask")
	}
	if _, err := Render([][]float32{{1, 2}, {3}}); err == nil {
		t.Error("expected error for ragged mask")
	}
}

func TestWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "1", "batch", "img_mask.png")
	if err := Write(path, [][]float32{{0, 1}, {1, 0}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if img.Bounds().Dx() != 2 {
		t.Errorf("width = %d, want 2", img.Bounds().Dx())
	}
}
