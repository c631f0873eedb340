// Package image loads input rasters as single-channel 8-bit matrices.
package image

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"gocv.io/x/gocv"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrUnreadableImage is returned when a file cannot be read or decoded.
var ErrUnreadableImage = errors.New("unreadable image")

// ReadGray loads path as an 8-bit grayscale Mat. The caller owns the result
// and must Close it.
//
// The file bytes are read in Go and decoded in memory, so paths with
// non-ASCII characters work. OpenCV's file reader and the pure Go decoders
// are tried in turn when in-memory decoding fails.
func ReadGray(path string) (gocv.Mat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("%w: %s: %v", ErrUnreadableImage, path, err)
	}
	if len(data) == 0 {
		return gocv.NewMat(), fmt.Errorf("%w: %s: empty file", ErrUnreadableImage, path)
	}

	if m, err := gocv.IMDecode(data, gocv.IMReadGrayScale); err == nil {
		if !m.Empty() {
			return m, nil
		}
		m.Close()
	}

	fromFile := gocv.IMRead(path, gocv.IMReadGrayScale)
	if !fromFile.Empty() {
		return fromFile, nil
	}
	fromFile.Close()

	gray, err := DecodeGray(data)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("%w: %s: %v", ErrUnreadableImage, path, err)
	}
	m, err := gocv.ImageGrayToMatGray(gray)
	if err != nil {
		m.Close()
		return gocv.NewMat(), fmt.Errorf("%w: %s: %v", ErrUnreadableImage, path, err)
	}
	return m, nil
}

// DecodeGray decodes any registered format (PNG, JPEG, GIF, TIFF, BMP, WebP)
// and converts it to 8-bit grayscale.
func DecodeGray(data []byte) (*image.Gray, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if g, ok := img.(*image.Gray); ok {
		return g, nil
	}
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	return gray, nil
}
