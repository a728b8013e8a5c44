package phash

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardlens/cardlens/internal/domain"
)

func encodePNG(t *testing.T, fill func(x, y int) color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 96))
	for y := 0; y < 96; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, fill(x, y))
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func gradient(x, y int) color.Color {
	return color.RGBA{R: uint8(x * 4), G: uint8(y * 2), B: 64, A: 255}
}

func checkerboard(x, y int) color.Color {
	if (x/8+y/8)%2 == 0 {
		return color.RGBA{R: 255, G: 255, B: 255, A: 255}
	}
	return color.RGBA{A: 255}
}

func TestHash_Deterministic(t *testing.T) {
	img := encodePNG(t, gradient)

	first, err := Hash(img)
	require.NoError(t, err)
	assert.Len(t, first, 16)
	assert.Regexp(t, `^[0-9a-f]{16}$`, first)

	for i := 0; i < 5; i++ {
		again, err := Hash(img)
		require.NoError(t, err)
		assert.Equal(t, first, again, "identical bytes must hash identically")
	}
}

func TestHash_DistinctContent(t *testing.T) {
	a, err := Hash(encodePNG(t, gradient))
	require.NoError(t, err)
	b, err := Hash(encodePNG(t, checkerboard))
	require.NoError(t, err)

	dist, err := HammingDistance(a, b)
	require.NoError(t, err)
	assert.Greater(t, dist, 0, "structurally different images must differ")
}

func TestHash_DecodeError(t *testing.T) {
	_, err := Hash([]byte("definitely not an image"))
	assert.ErrorIs(t, err, domain.ErrDecode)
}

func TestHammingDistance(t *testing.T) {
	tests := []struct {
		name    string
		a, b    string
		want    int
		wantErr bool
	}{
		{name: "identical", a: "ffffffffffffffff", b: "ffffffffffffffff", want: 0},
		{name: "all_bits", a: "ffffffffffffffff", b: "0000000000000000", want: 64},
		{name: "single_nibble", a: "0000000000000001", b: "0000000000000000", want: 1},
		{name: "length_mismatch", a: "ff", b: "ffff", wantErr: true},
		{name: "bad_digit", a: "zzzzzzzzzzzzzzzz", b: "0000000000000000", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := HammingDistance(tt.a, tt.b)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			// Symmetry law.
			rev, err := HammingDistance(tt.b, tt.a)
			require.NoError(t, err)
			assert.Equal(t, got, rev)
		})
	}
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity(0, 64))
	assert.Equal(t, 0.0, Similarity(64, 64))
	assert.InDelta(t, 0.5, Similarity(32, 64), 1e-9)
	assert.Equal(t, 0.0, Similarity(100, 64), "over-distance clamps to zero")
	assert.Equal(t, 1.0, Similarity(0, 0), "non-positive max falls back to 64 bits")

	for d := 0; d <= 64; d++ {
		s := Similarity(d, 64)
		assert.GreaterOrEqual(t, s, 0.0)
		assert.LessOrEqual(t, s, 1.0)
	}
}
