package hasher

import (
	"bytes"
	"image"
	"image/color"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentHash(t *testing.T) {
	hash, n, err := ContentHash(strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", hash)
	assert.Equal(t, hash, BytesHash([]byte("hello")))
}

func TestContentFingerprint_LengthPrefixed(t *testing.T) {
	a := ContentFingerprint([]byte("ab"), []byte("c"))
	b := ContentFingerprint([]byte("a"), []byte("bc"))
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, ContentFingerprint([]byte("ab"), []byte("c")))
	assert.Len(t, a, 64)
}

func gradient(w, h int, invert bool) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(x * 255 / w)
			if invert {
				v = 255 - v
			}
			img.Set(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return img
}

func TestPerceptualHash(t *testing.T) {
	base := gradient(180, 160, false)
	resized := imaging.Resize(base, 90, 80, imaging.Box)
	inverted := gradient(180, 160, true)

	h1 := PerceptualHash(base)
	h2 := PerceptualHash(resized)
	h3 := PerceptualHash(inverted)
	assert.Len(t, h1, 16)

	near, err := Hamming(h1, h2)
	require.NoError(t, err)
	far, err := Hamming(h1, h3)
	require.NoError(t, err)
	assert.LessOrEqual(t, near, 4)
	assert.Greater(t, far, near)

	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, base, imaging.PNG))
	decoded, err := imaging.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, h1, PerceptualHash(decoded))
}

func TestHamming_InvalidInput(t *testing.T) {
	_, err := Hamming("zz", "00")
	assert.Error(t, err)
}
