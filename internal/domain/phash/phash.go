// Package phash computes 64-bit DCT perceptual hashes of card images.
package phash

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"math/bits"
	"sort"
	"strconv"

	"github.com/cardlens/cardlens/internal/domain"
)

const (
	sampleSize = 32 // input is resampled to sampleSize x sampleSize
	blockSize  = 8  // low-frequency block taken from the DCT
	// HashBits is the nominal hash width used as the default maximum
	// Hamming distance when converting distance to similarity.
	HashBits = 64
)

// cosTable[k][x] = cos((2x+1) * k * pi / (2*sampleSize)), precomputed
// once so repeated hashing never re-derives the basis.
var cosTable = func() [sampleSize][sampleSize]float64 {
	var t [sampleSize][sampleSize]float64
	for k := 0; k < sampleSize; k++ {
		for x := 0; x < sampleSize; x++ {
			t[k][x] = math.Cos(float64(2*x+1) * float64(k) * math.Pi / float64(2*sampleSize))
		}
	}
	return t
}()

// Hash decodes img and returns its 16-hex-character perceptual hash.
// Identical bytes always produce an identical hash.
func Hash(img []byte) (string, error) {
	decoded, _, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrDecode, err)
	}

	gray := resampleGray(decoded)
	freq := dct2d(gray)

	// Top-left 8x8 block in row-major (u,v) order, DC term excluded.
	coeffs := make([]float64, 0, blockSize*blockSize-1)
	for u := 0; u < blockSize; u++ {
		for v := 0; v < blockSize; v++ {
			if u == 0 && v == 0 {
				continue
			}
			coeffs = append(coeffs, freq[u][v])
		}
	}

	med := median(coeffs)

	var h uint64
	for _, c := range coeffs {
		h <<= 1
		if c > med {
			h |= 1
		}
	}
	return fmt.Sprintf("%016x", h), nil
}

// HammingDistance counts differing bits between two equal-length hex
// hashes.
func HammingDistance(a, b string) (int, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: hash length mismatch %d != %d", domain.ErrValidation, len(a), len(b))
	}
	dist := 0
	for i := 0; i < len(a); i++ {
		na, err := strconv.ParseUint(string(a[i]), 16, 8)
		if err != nil {
			return 0, fmt.Errorf("%w: invalid hex digit %q", domain.ErrValidation, a[i])
		}
		nb, err := strconv.ParseUint(string(b[i]), 16, 8)
		if err != nil {
			return 0, fmt.Errorf("%w: invalid hex digit %q", domain.ErrValidation, b[i])
		}
		dist += bits.OnesCount8(uint8(na ^ nb))
	}
	return dist, nil
}

// Similarity maps a Hamming distance onto [0,1], where 0 distance is a
// perfect match.
func Similarity(distance, maxDistance int) float64 {
	if maxDistance <= 0 {
		maxDistance = HashBits
	}
	s := 1 - float64(distance)/float64(maxDistance)
	if s < 0 {
		return 0
	}
	return s
}

// resampleGray center-crop scales the image to cover the sample grid
// (nearest neighbor) and converts to luma.
func resampleGray(img image.Image) [sampleSize][sampleSize]float64 {
	var out [sampleSize][sampleSize]float64

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return out
	}

	// Fill semantics: scale to cover, crop the overflow around center.
	scale := math.Max(float64(sampleSize)/float64(w), float64(sampleSize)/float64(h))
	srcW := float64(sampleSize) / scale
	srcH := float64(sampleSize) / scale
	offX := (float64(w) - srcW) / 2
	offY := (float64(h) - srcH) / 2

	for y := 0; y < sampleSize; y++ {
		for x := 0; x < sampleSize; x++ {
			sx := b.Min.X + int(offX+(float64(x)+0.5)*srcW/float64(sampleSize))
			sy := b.Min.Y + int(offY+(float64(y)+0.5)*srcH/float64(sampleSize))
			if sx >= b.Max.X {
				sx = b.Max.X - 1
			}
			if sy >= b.Max.Y {
				sy = b.Max.Y - 1
			}
			r, g, bl, _ := img.At(sx, sy).RGBA()
			out[y][x] = 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(bl>>8)
		}
	}
	return out
}

// dct2d applies the orthonormal 2-D DCT-II over the sample grid.
func dct2d(px [sampleSize][sampleSize]float64) [sampleSize][sampleSize]float64 {
	var rows, out [sampleSize][sampleSize]float64

	// Separable transform: rows first, then columns.
	for y := 0; y < sampleSize; y++ {
		for k := 0; k < sampleSize; k++ {
			var sum float64
			for x := 0; x < sampleSize; x++ {
				sum += px[y][x] * cosTable[k][x]
			}
			rows[y][k] = sum * alpha(k)
		}
	}
	for v := 0; v < sampleSize; v++ {
		for k := 0; k < sampleSize; k++ {
			var sum float64
			for y := 0; y < sampleSize; y++ {
				sum += rows[y][v] * cosTable[k][y]
			}
			out[k][v] = sum * alpha(k) * 2 / float64(sampleSize)
		}
	}
	return out
}

func alpha(k int) float64 {
	if k == 0 {
		return 1 / math.Sqrt2
	}
	return 1
}

func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return sorted[len(sorted)/2]
}
