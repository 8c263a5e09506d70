package hardware

import "hwrng/internal/security"

// discardWords sizes the throwaway buffer used by DiscardBytes.
const discardWords = 16

// discard advances a source by n bytes rounded up to whole words. The
// instruction always produces a full word, so tails are never worth
// special-casing.
func discard(n int, generate func([]byte) error) error {
	if n < 0 {
		panic("hardware: DiscardBytes called with a negative count")
	}

	var buf [discardWords * wordSize]byte
	defer security.Wipe(buf[:])

	for words := wordsFor(n); words > 0; {
		count := min(words, discardWords)
		if err := generate(buf[:count*wordSize]); err != nil {
			return err
		}
		words -= count
	}
	return nil
}
