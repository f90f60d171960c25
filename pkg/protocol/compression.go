package protocol

import "math"

// Compression constants
const (
	// Payloads shorter than this are never compressed
	CompressionThreshold = 128

	// Entropy cutoff in bits per byte; above it data is treated as random
	CompressionEntropyCutoff = 7.5

	// Compressed output must be at most this fraction of the input
	MinCompressionRatio = 0.9

	// Escape marker introducing a [marker, value, count] run triple
	runEscape byte = 0xFF

	// Runs shorter than this are cheaper as literals
	minEncodedRun = 4

	maxRunLength = 255
)

// Entropy returns the Shannon entropy of the byte distribution of data in
// bits per byte.
func Entropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}

	var counts [256]int
	for _, b := range data {
		counts[b]++
	}

	total := float64(len(data))
	var entropy float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// ShouldCompress reports whether data is long enough and looks
// compressible enough to be worth the 2-byte framing tax.
func ShouldCompress(data []byte) bool {
	if len(data) < CompressionThreshold {
		return false
	}
	return Entropy(data) < CompressionEntropyCutoff
}

// Compress run-length encodes data. It returns false when data fails
// ShouldCompress or the result does not shrink by at least 10%.
//
// Runs of at least four identical bytes become [0xFF, value, count]. Every
// 0xFF byte is escaped the same way, so a lone 0xFF becomes [0xFF, 0xFF, 1].
func Compress(data []byte) ([]byte, bool) {
	if !ShouldCompress(data) {
		return nil, false
	}

	limit := int(float64(len(data)) * MinCompressionRatio)
	out := make([]byte, 0, limit+3)

	for i := 0; i < len(data); {
		value := data[i]
		run := 1
		for i+run < len(data) && data[i+run] == value && run < maxRunLength {
			run++
		}

		switch {
		case value == runEscape || run >= minEncodedRun:
			out = append(out, runEscape, value, byte(run))
		default:
			for j := 0; j < run; j++ {
				out = append(out, value)
			}
		}
		i += run

		if len(out) > limit {
			return nil, false
		}
	}

	return out, true
}

// Decompress reverses Compress. It stops once originalSize bytes have been
// produced or the input runs out; a truncated escape sequence also stops
// decoding. Callers must treat a result shorter than originalSize as an error.
func Decompress(data []byte, originalSize int) []byte {
	if originalSize < 0 {
		return nil
	}

	out := make([]byte, 0, originalSize)
	for i := 0; i < len(data) && len(out) < originalSize; {
		if data[i] != runEscape {
			out = append(out, data[i])
			i++
			continue
		}

		if i+2 >= len(data) {
			break
		}
		value, count := data[i+1], int(data[i+2])
		if count == 0 {
			break
		}
		if remaining := originalSize - len(out); count > remaining {
			count = remaining
		}
		for j := 0; j < count; j++ {
			out = append(out, value)
		}
		i += 3
	}

	return out
}

// EstimateCompressionRatio guesses the compressed/original size ratio from
// the byte entropy without running the codec. The result is clamped to
// [0.1, 1.0] and is meant for planning and telemetry only.
func EstimateCompressionRatio(data []byte) float64 {
	if len(data) == 0 {
		return 1.0
	}
	ratio := Entropy(data) / 8
	return math.Max(0.1, math.Min(1.0, ratio))
}
