// Perceptual difference-hashing for duplicate-frame detection, built
// directly on the standard image package (see DESIGN.md for why no
// third-party perceptual-hash library is used).
package worker

import (
	"bytes"
	"image"
	_ "image/jpeg"
	"math/bits"
)

const hashSize = 8 // 8x9 grayscale grid -> 64-bit difference hash

// dHash computes a 64-bit difference hash of a JPEG-encoded keyframe: the
// image is downscaled by nearest-neighbor sampling to 9x8 grayscale and each
// hash bit records whether a pixel is brighter than its right neighbor.
func dHash(jpegBytes []byte) (uint64, error) {
	img, _, err := image.Decode(bytes.NewReader(jpegBytes))
	if err != nil {
		return 0, err
	}
	gray := toGraySamples(img, hashSize+1, hashSize)

	var hash uint64
	for y := 0; y < hashSize; y++ {
		for x := 0; x < hashSize; x++ {
			left := gray[y*(hashSize+1)+x]
			right := gray[y*(hashSize+1)+x+1]
			hash <<= 1
			if left > right {
				hash |= 1
			}
		}
	}
	return hash, nil
}

// toGraySamples nearest-neighbor samples img down to w x h grayscale values.
func toGraySamples(img image.Image, w, h int) []uint8 {
	bounds := img.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	out := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		sy := bounds.Min.Y + y*srcH/h
		for x := 0; x < w; x++ {
			sx := bounds.Min.X + x*srcW/w
			r, g, b, _ := img.At(sx, sy).RGBA()
			// Rec. 601 luma, operating on the 16-bit channel values RGBA returns.
			lum := (299*r + 587*g + 114*b) / 1000
			out[y*w+x] = uint8(lum >> 8)
		}
	}
	return out
}

// hammingDistance counts the differing bits between two hashes.
func hammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// similarity converts a Hamming distance over 64 bits into a [0,1] score,
// where 1 means identical.
func similarity(distance int) float64 {
	return 1 - float64(distance)/64.0
}
