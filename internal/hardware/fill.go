package hardware

import (
	"encoding/binary"
	"math/bits"

	"hwrng/internal/security"
)

// wordSize is the width of one RDRAND/RDSEED result on this architecture.
const wordSize = bits.UintSize / 8

// scratchWord stages the final hardware word when only part of it is needed.
type scratchWord [wordSize]byte

// stepFunc executes the instruction once. ok mirrors the carry flag.
type stepFunc func() (w uint, ok bool)

// fillFunc fills out using at most retries failed steps and wipes scratch on
// every return path.
type fillFunc func(out []byte, scratch *scratchWord, retries int) bool

// fillWords is the word-at-a-time fill loop shared by the step strategies.
// Full words go straight into out; the tail is staged through scratch.
// Failed steps draw from a single budget for the whole call.
func fillWords(out []byte, scratch *scratchWord, retries int, step stepFunc) bool {
	defer security.Wipe(scratch[:])

	for len(out) >= wordSize {
		if w, ok := step(); ok {
			putWord(out, w)
			out = out[wordSize:]
			continue
		}
		if retries == 0 {
			return false
		}
		retries--
	}

	for len(out) > 0 {
		if w, ok := step(); ok {
			putWord(scratch[:], w)
			out = out[copy(out, scratch[:]):]
			continue
		}
		if retries == 0 {
			return false
		}
		retries--
	}

	return true
}

// putWord stores w in the CPU's native (little-endian) byte order.
func putWord(b []byte, w uint) {
	if wordSize == 8 {
		binary.LittleEndian.PutUint64(b, uint64(w))
	} else {
		binary.LittleEndian.PutUint32(b, uint32(w))
	}
}

// wordsFor returns the number of whole words covering n bytes. Counting
// words rather than rounding bytes keeps n near math.MaxInt from wrapping.
func wordsFor(n int) int {
	words := n / wordSize
	if n%wordSize != 0 {
		words++
	}
	return words
}
