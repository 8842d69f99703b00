package worker

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
)

// encodeSolidJPEG builds a minimal solid-color JPEG for tests that need
// bytes image.Decode (and therefore dHash) can actually parse.
func encodeSolidJPEG(w, h int, gray uint8) []byte {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: gray})
		}
	}
	var buf bytes.Buffer
	_ = jpeg.Encode(&buf, img, nil)
	return buf.Bytes()
}

// encodeGradientJPEG builds a gradient that darkens from left to right, so
// every sampled pixel is brighter than its right neighbor and dHash sets
// every bit, unlike a solid-color image whose hash is all zeros.
func encodeGradientJPEG(w, h int) []byte {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(255 - 255*x/w)})
		}
	}
	var buf bytes.Buffer
	_ = jpeg.Encode(&buf, img, nil)
	return buf.Bytes()
}
