// Package imgproc decodes images and prepares them for embedding and for display.
package imgproc

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"

	// Registered decoders
	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"golang.org/x/image/draw"
)

// Edge length of the square image fed to the CLIP vision encoder
const EmbedSize = 224

var ErrUnsupportedFormat = errors.New("Unsupported image format")

// DecodeFile decodes any of the registered formats (jpeg, png, gif, bmp, webp)
func DecodeFile(filename string) (image.Image, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return Decode(raw)
}

func Decode(raw []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if errors.Is(err, image.ErrFormat) {
		return nil, ErrUnsupportedFormat
	} else if err != nil {
		return nil, err
	}
	return img, nil
}

// DecodeConfigFile reads only the header, which is enough to check dimensions
func DecodeConfigFile(filename string) (image.Config, error) {
	f, err := os.Open(filename)
	if err != nil {
		return image.Config{}, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if errors.Is(err, image.ErrFormat) {
		return cfg, ErrUnsupportedFormat
	}
	return cfg, err
}

func TooSmall(width, height, minWidth, minHeight int) bool {
	return width < minWidth || height < minHeight
}

// scaleTo resizes src into a new RGBA image of the given size
func scaleTo(src image.Image, width, height int, scaler draw.Scaler) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	scaler.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// FitSize returns the largest size with the aspect ratio of (width,height) that fits
// inside (maxWidth,maxHeight). Images are never enlarged.
func FitSize(width, height, maxWidth, maxHeight int) (int, int) {
	if width <= maxWidth && height <= maxHeight {
		return width, height
	}
	sx := float64(maxWidth) / float64(width)
	sy := float64(maxHeight) / float64(height)
	s := sx
	if sy < sx {
		s = sy
	}
	w := int(float64(width) * s)
	h := int(float64(height) * s)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return w, h
}

// stepDown brings huge images down to a manageable size before the final resize.
// Above 4096 we use nearest neighbour to 2048 because it's cheap, then bilinear to 1024.
func stepDown(img image.Image) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w > 4096 || h > 4096 {
		w, h = FitSize(w, h, 2048, 2048)
		img = scaleTo(img, w, h, draw.NearestNeighbor)
	}
	if w > 2048 || h > 2048 {
		w, h = FitSize(w, h, 1024, 1024)
		img = scaleTo(img, w, h, draw.ApproxBiLinear)
	}
	return img
}

// PrepareForEmbedding letterboxes img into an EmbedSize x EmbedSize RGB square on a black background.
// The long edge becomes EmbedSize, and the short edge is centred.
func PrepareForEmbedding(img image.Image) *image.RGBA {
	img = stepDown(img)
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w > h {
		h = h * EmbedSize / w
		w = EmbedSize
	} else {
		w = w * EmbedSize / h
		h = EmbedSize
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	canvas := image.NewRGBA(image.Rect(0, 0, EmbedSize, EmbedSize))
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{C: color.Black}, image.Point{}, draw.Src)
	x0 := (EmbedSize - w) / 2
	y0 := (EmbedSize - h) / 2
	draw.BiLinear.Scale(canvas, image.Rect(x0, y0, x0+w, y0+h), img, b, draw.Src, nil)
	return canvas
}

func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	buf := bytes.Buffer{}
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("Failed to encode JPEG: %w", err)
	}
	return buf.Bytes(), nil
}
