package protocol

import (
	"crypto/rand"
	"math/big"
)

// Padding constants
const (
	// The length marker is one byte, so at most 255 bytes of padding fit
	MaxPaddingLength = 255

	// Room left in each block for an AEAD authentication tag
	CipherTagAllowance = 16
)

// BlockSizes is the ladder payloads are rounded up to.
var BlockSizes = []int{256, 512, 1024, 2048, 4096}

// Pad extends data to exactly targetSize bytes PKCS#7 style: every added
// byte, the final length marker included, holds the padding length. Data
// already at or above targetSize, or needing more than 255 bytes of padding,
// is returned unchanged.
func Pad(data []byte, targetSize int) []byte {
	if len(data) >= targetSize {
		return data
	}

	paddingLen := targetSize - len(data)
	if paddingLen > MaxPaddingLength {
		return data
	}

	padded := make([]byte, targetSize)
	copy(padded, data)
	for i := len(data); i < targetSize; i++ {
		padded[i] = byte(paddingLen)
	}

	return padded
}

// Unpad strips padding added by Pad. Input whose trailing length marker is
// out of range, or whose last marker bytes are not all equal to it, is
// returned unchanged.
func Unpad(data []byte) []byte {
	paddingLen, ok := paddingLength(data)
	if !ok {
		return data
	}
	return data[:len(data)-paddingLen]
}

// IsPaddingOnly reports whether data is non-empty and consists entirely of
// valid padding, as produced by Pad(nil, n).
func IsPaddingOnly(data []byte) bool {
	paddingLen, ok := paddingLength(data)
	return ok && paddingLen == len(data)
}

func paddingLength(data []byte) (int, bool) {
	if len(data) == 0 {
		return 0, false
	}

	paddingLen := int(data[len(data)-1])
	if paddingLen == 0 || paddingLen > len(data) || paddingLen > MaxPaddingLength {
		return 0, false
	}
	for _, b := range data[len(data)-paddingLen:] {
		if int(b) != paddingLen {
			return 0, false
		}
	}
	return paddingLen, true
}

// OptimalBlockSize returns the smallest ladder block that holds dataSize
// bytes plus the cipher tag allowance. Sizes beyond the ladder are returned
// as-is: such payloads are fragmented rather than padded.
func OptimalBlockSize(dataSize int) int {
	total := dataSize + CipherTagAllowance
	for _, block := range BlockSizes {
		if total <= block {
			return block
		}
	}
	return dataSize
}

// AddPrivacyPadding appends a uniformly random amount of padding in
// [minExtra, maxExtra], capped at 255 bytes, independent of block alignment.
func AddPrivacyPadding(data []byte, minExtra, maxExtra int) []byte {
	if minExtra < 0 {
		minExtra = 0
	}
	if maxExtra > MaxPaddingLength {
		maxExtra = MaxPaddingLength
	}
	if minExtra > maxExtra {
		minExtra = maxExtra
	}

	extra := minExtra
	if span := maxExtra - minExtra; span > 0 {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(span+1)))
		if err == nil {
			extra += int(n.Int64())
		}
	}
	if extra == 0 {
		return data
	}

	return Pad(data, len(data)+extra)
}
