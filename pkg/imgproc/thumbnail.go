package imgproc

import (
	"os"

	"github.com/bmharper/cimg/v2"
	"golang.org/x/image/draw"
)

func isJPEG(raw []byte) bool {
	return len(raw) > 3 && raw[0] == 0xFF && raw[1] == 0xD8 && raw[2] == 0xFF
}

// Thumbnail returns a JPEG of the image at filename, scaled to fit inside maxWidth x maxHeight.
// JPEG sources go through libjpeg-turbo, which is several times faster than image/jpeg.
// Everything else is decoded in Go.
func Thumbnail(filename string, maxWidth, maxHeight, quality int) ([]byte, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	if isJPEG(raw) {
		if jpg, err := thumbnailTurbo(raw, maxWidth, maxHeight, quality); err == nil {
			return jpg, nil
		}
		// Fall through to the Go decoder, which is more tolerant of odd JPEGs
	}
	img, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	w, h := FitSize(b.Dx(), b.Dy(), maxWidth, maxHeight)
	return EncodeJPEG(scaleTo(img, w, h, draw.ApproxBiLinear), quality)
}

func thumbnailTurbo(raw []byte, maxWidth, maxHeight, quality int) ([]byte, error) {
	img, err := cimg.Decompress(raw)
	if err != nil {
		return nil, err
	}
	if img.NChan() != 3 {
		img = img.ToRGB()
	}
	w, h := FitSize(img.Width, img.Height, maxWidth, maxHeight)
	if w != img.Width || h != img.Height {
		img = cimg.ResizeNew(img, w, h, nil)
	}
	return cimg.Compress(img, cimg.MakeCompressParams(cimg.Sampling420, quality, 0))
}
