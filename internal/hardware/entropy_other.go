//go:build (!amd64 && !386) || purego

package hardware

// Strategy names the compiled-in fill strategy.
const Strategy = "none"

const haveStrategy = false

// No strategy exists for this build; generate reports ErrNotImplemented.
var fillRandom, fillSeed fillFunc
