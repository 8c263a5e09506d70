//go:build ((amd64 && !hwrng_asmloop) || 386) && !purego

package hardware

const haveStrategy = true

// rdrandStep executes RDRAND once.
func rdrandStep() (w uint, ok bool)

// rdseedStep executes RDSEED once.
func rdseedStep() (w uint, ok bool)

func fillRandom(out []byte, scratch *scratchWord, retries int) bool {
	return fillWords(out, scratch, retries, rdrandStep)
}

func fillSeed(out []byte, scratch *scratchWord, retries int) bool {
	return fillWords(out, scratch, retries, rdseedStep)
}
