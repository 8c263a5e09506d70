//go:build amd64 && !purego && hwrng_bytecode && !hwrng_asmloop

package hardware

// Strategy names the compiled-in fill strategy.
const Strategy = "bytecode-step"
