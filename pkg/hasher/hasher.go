// Package hasher computes the whole-file content hash used for exact duplicate
// detection and the per-page fingerprints used for page reuse detection.
package hasher

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"image"
	"io"
	"math/bits"
	"strconv"

	"github.com/disintegration/imaging"
)

// ContentHash returns the hex SHA-256 of everything read from r and the number of bytes read.
func ContentHash(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, fmt.Errorf("failed to hash content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// BytesHash is ContentHash for data already in memory.
func BytesHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ContentFingerprint hashes parts with a length prefix each, so ("ab","c")
// and ("a","bc") differ.
func ContentFingerprint(parts ...[]byte) string {
	h := sha256.New()
	var lenBuf [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(p)))
		h.Write(lenBuf[:])
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// PerceptualHash returns the 64-bit difference hash of img as 16 hex chars.
// Re-encoded or slightly rescaled copies of a page land within a small
// Hamming distance of each other.
func PerceptualHash(img image.Image) string {
	small := imaging.Resize(imaging.Grayscale(img), 9, 8, imaging.Lanczos)
	var hash uint64
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			left := small.NRGBAAt(x, y).R
			right := small.NRGBAAt(x+1, y).R
			hash <<= 1
			if left > right {
				hash |= 1
			}
		}
	}
	return fmt.Sprintf("%016x", hash)
}

// Hamming returns the number of differing bits between two perceptual hashes.
func Hamming(a, b string) (int, error) {
	x, err := strconv.ParseUint(a, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid perceptual hash %q: %w", a, err)
	}
	y, err := strconv.ParseUint(b, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid perceptual hash %q: %w", b, err)
	}
	return bits.OnesCount64(x ^ y), nil
}
