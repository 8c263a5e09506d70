//go:build 386 && !purego

package hardware

// Strategy names the compiled-in fill strategy.
const Strategy = "asm-step"
