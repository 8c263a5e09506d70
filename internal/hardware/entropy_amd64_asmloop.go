//go:build amd64 && !purego && hwrng_asmloop

package hardware

import "unsafe"

// Strategy names the compiled-in fill strategy.
const Strategy = "asm-block"

const haveStrategy = true

// rdrandFill runs the complete fill loop in assembly: whole words into out,
// the tail through scratch, retries drawn from one budget, scratch zeroed
// before return. The first forced steps report failure without executing
// the instruction.
//
//go:noescape
func rdrandFill(out *byte, n uintptr, scratch *scratchWord, retries, forced uint64) bool

// rdseedFill is rdrandFill for RDSEED.
//
//go:noescape
func rdseedFill(out *byte, n uintptr, scratch *scratchWord, retries, forced uint64) bool

func fillRandom(out []byte, scratch *scratchWord, retries int) bool {
	return rdrandFill(unsafe.SliceData(out), uintptr(len(out)), scratch, uint64(retries), 0)
}

func fillSeed(out []byte, scratch *scratchWord, retries int) bool {
	return rdseedFill(unsafe.SliceData(out), uintptr(len(out)), scratch, uint64(retries), 0)
}
