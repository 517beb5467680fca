// Package overlay renders anomaly masks of defective images to PNG files.
package overlay

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
)

// Path returns where the mask of image is written for a prediction.
func Path(defectsRoot string, lineID uint, predictionName, imagePath string) string {
	base := strings.TrimSuffix(filepath.Base(imagePath), filepath.Ext(imagePath))
	return filepath.Join(defectsRoot, fmt.Sprint(lineID), predictionName, base+"_mask.png")
}

// Render converts a mask to an image, scaling values min-max into a
// black-to-red heat ramp. A flat mask renders black.
func Render(mask [][]float32) (*image.RGBA, error) {
	h := len(mask)
	if h == 0 || len(mask[0]) == 0 {
		return nil, fmt.Errorf("overlay: empty mask")
	}
	w := len(mask[0])

	lo, hi := mask[0][0], mask[0][0]
	for y, row := range mask {
		if len(row) != w {
			return nil, fmt.Errorf("overlay: ragged mask: row %d has %d values, want %d", y, len(row), w)
		}
		for _, v := range row {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	span := hi - lo
	for y, row := range mask {
		for x, v := range row {
			var n float32
			if span > 0 {
				n = (v - lo) / span
			}
			img.SetRGBA(x, y, heat(n))
		}
	}
	return img, nil
}

// heat maps n in [0, 1] to black, red, then yellow.
func heat(n float32) color.RGBA {
	if n <= 0.5 {
		return color.RGBA{R: uint8(n * 2 * 255), A: 255}
	}
	return color.RGBA{R: 255, G: uint8((n - 0.5) * 2 * 255), A: 255}
}

// Write renders mask and stores it at path, creating parent directories.
func Write(path string, mask [][]float32) error {
	img, err := Render(mask)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("overlay: create dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("overlay: create %s: %w", path, err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("overlay: encode %s: %w", path, err)
	}
	return f.Close()
}
