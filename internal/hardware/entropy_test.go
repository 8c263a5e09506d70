package hardware

import (
	"bytes"
	"errors"
	"io"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hwrng/internal/cpufeature"
)

// Test helpers

const sentinel = 0xEE

// patternWord never contains the sentinel byte.
const patternWord = uint(0x1122334455667788 & (1<<(8*wordSize) - 1))

// flakyStep fails `fails` times, then succeeds forever with patternWord.
func flakyStep(fails int) (stepFunc, *int) {
	calls := 0
	return func() (uint, bool) {
		calls++
		if fails > 0 {
			fails--
			return 0xDEADBEEF, false
		}
		return patternWord, true
	}, &calls
}

// simFill turns a step into a fillFunc the way the step strategies do.
func simFill(step stepFunc) fillFunc {
	return func(out []byte, scratch *scratchWord, retries int) bool {
		return fillWords(out, scratch, retries, step)
	}
}

func requireHardware(t *testing.T, k Kind) EntropySource {
	t.Helper()
	src := New(k)
	if !src.Available() {
		t.Skipf("%s not available on this machine (strategy %s)", k, Strategy)
	}
	return src
}

// =============================================================================
// Fill loop
// =============================================================================

func TestFillWords_Exactness(t *testing.T) {
	step, _ := flakyStep(0)

	for size := 0; size <= 10000; size++ {
		buf := bytes.Repeat([]byte{sentinel}, size+wordSize)
		var scratch scratchWord

		ok := fillWords(buf[:size:size], &scratch, 0, step)
		require.True(t, ok, "size %d", size)

		if i := bytes.IndexByte(buf[:size], sentinel); i >= 0 {
			t.Fatalf("size %d: byte %d not written", size, i)
		}
		if !bytes.Equal(buf[size:], bytes.Repeat([]byte{sentinel}, wordSize)) {
			t.Fatalf("size %d: canary overwritten", size)
		}
	}
}

func TestFillWords_ByteOrder(t *testing.T) {
	step, _ := flakyStep(0)
	buf := make([]byte, wordSize+3)
	var scratch scratchWord

	require.True(t, fillWords(buf, &scratch, 0, step))

	want := make([]byte, wordSize)
	putWord(want, patternWord)
	assert.Equal(t, want, buf[:wordSize])
	assert.Equal(t, want[:3], buf[wordSize:])
}

func TestFillWords_RetryTermination(t *testing.T) {
	sizes := []int{1, wordSize - 1, wordSize, wordSize + 1, 4 * wordSize, 100}

	for _, size := range sizes {
		for budget := 0; budget <= 4; budget++ {
			for k := 0; k <= budget+2; k++ {
				step, calls := flakyStep(k)
				var scratch scratchWord
				ok := fillWords(make([]byte, size), &scratch, budget, step)

				if k <= budget {
					assert.True(t, ok, "size=%d budget=%d k=%d", size, budget, k)
					words := (size + wordSize - 1) / wordSize
					assert.Equal(t, k+words, *calls, "size=%d budget=%d k=%d", size, budget, k)
				} else {
					assert.False(t, ok, "size=%d budget=%d k=%d", size, budget, k)
					assert.Equal(t, budget+1, *calls, "size=%d budget=%d k=%d", size, budget, k)
				}
			}
		}
	}
}

func TestFillWords_BudgetSharedAcrossWords(t *testing.T) {
	// Fail, succeed, fail, succeed... across three words with budget 2.
	fail := true
	fails := 0
	step := func() (uint, bool) {
		defer func() { fail = !fail }()
		if fail {
			fails++
			return 0, false
		}
		return patternWord, true
	}

	var scratch scratchWord
	assert.False(t, fillWords(make([]byte, 3*wordSize), &scratch, 2, step))
	assert.Equal(t, 3, fails)
}

func TestFillWords_ScratchZeroed(t *testing.T) {
	tests := []struct {
		name  string
		size  int
		fails int
		ok    bool
	}{
		{"tail success", wordSize + 3, 0, true},
		{"tail only", 1, 0, true},
		{"whole words", 2 * wordSize, 0, true},
		{"tail failure", 3, 5, false},
		{"tail retry", 3, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			step, _ := flakyStep(tt.fails)
			scratch := scratchWord{}
			for i := range scratch {
				scratch[i] = 0xAB
			}

			ok := fillWords(make([]byte, tt.size), &scratch, 1, step)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, scratchWord{}, scratch)
		})
	}
}

func TestFillWords_ScratchZeroedOnPanic(t *testing.T) {
	var scratch scratchWord
	step := func() (uint, bool) {
		panic("step exploded")
	}

	assert.Panics(t, func() {
		scratch[0] = 1
		fillWords(make([]byte, 3), &scratch, 1, step)
	})
	assert.Equal(t, scratchWord{}, scratch)
}

// =============================================================================
// generate / sources
// =============================================================================

func TestGenerate_NilZeroIsNoOp(t *testing.T) {
	step, calls := flakyStep(0)
	err := generate(KindRandom, true, nil, 8, "sim", simFill(step))
	require.NoError(t, err)
	assert.Zero(t, *calls)
}

func TestGenerate_NonNilEmptyPanics(t *testing.T) {
	step, _ := flakyStep(0)
	assert.Panics(t, func() {
		_ = generate(KindRandom, true, []byte{}, 8, "sim", simFill(step))
	})

	src := NewRandomSource(WithProbe(cpufeature.Static{}))
	assert.Panics(t, func() { _ = src.GenerateBlock(make([]byte, 0, 16)) })
}

func TestGenerate_Unsupported(t *testing.T) {
	step, calls := flakyStep(0)

	for _, size := range []int{1, 7, 8, 9, 64, 4096} {
		buf := bytes.Repeat([]byte{sentinel}, size)
		err := generate(KindSeed, false, buf, 8, "sim", simFill(step))

		require.ErrorIs(t, err, ErrNotImplemented)
		var ue *UnsupportedError
		require.ErrorAs(t, err, &ue)
		assert.Equal(t, "RDSEED", ue.Instruction)
		assert.Equal(t, "RDSEED: rdseed is not available on this platform", err.Error())
		assert.Equal(t, bytes.Repeat([]byte{sentinel}, size), buf, "nothing may be written")
	}
	assert.Zero(t, *calls, "no attempt when the probe says no")
}

func TestGenerate_NoStrategy(t *testing.T) {
	err := generate(KindRandom, true, make([]byte, 8), 8, "none", nil)
	require.ErrorIs(t, err, ErrNotImplemented)
	assert.Contains(t, err.Error(), "failed to find a suitable implementation")
}

func TestGenerate_RetryBudget(t *testing.T) {
	const budget = 8

	for k := 0; k <= budget+1; k++ {
		step, _ := flakyStep(k)
		err := generate(KindRandom, true, make([]byte, 33), budget, "sim", simFill(step))

		if k <= budget {
			assert.NoError(t, err, "k=%d", k)
			continue
		}

		require.ErrorIs(t, err, ErrRetriesExhausted, "k=%d", k)
		var ee *ExhaustedError
		require.ErrorAs(t, err, &ee)
		assert.Equal(t, "RDRAND", ee.Instruction)
		assert.Equal(t, "sim", ee.Strategy)
		assert.Equal(t, budget, ee.Retries)
		assert.Equal(t, "RDRAND: sim exhausted its retry budget of 8", err.Error())
	}
}

func TestGenerate_PartialOutputOnFailure(t *testing.T) {
	calls := 0
	step := func() (uint, bool) {
		calls++
		if calls <= 2 {
			return patternWord, true
		}
		return 0, false
	}

	buf := bytes.Repeat([]byte{sentinel}, 4*wordSize)
	err := generate(KindRandom, true, buf, 0, "sim", simFill(step))
	require.ErrorIs(t, err, ErrRetriesExhausted)

	want := make([]byte, wordSize)
	putWord(want, patternWord)
	assert.Equal(t, want, buf[:wordSize])
	assert.Equal(t, want, buf[wordSize:2*wordSize])
}

func TestSources_Defaults(t *testing.T) {
	r := NewRandomSource()
	s := NewSeedSource()

	assert.Equal(t, "RDRAND", r.Name())
	assert.Equal(t, "RDSEED", s.Name())
	assert.Equal(t, DefaultRandomRetries, r.Retries())
	assert.Equal(t, DefaultSeedRetries, s.Retries())

	assert.Equal(t, 3, NewRandomSource(WithRetries(3)).Retries())
	assert.Equal(t, 0, NewSeedSource(WithRetries(-5)).Retries())

	r.SetRetries(17)
	assert.Equal(t, 17, r.Retries())
	s.SetRetries(-1)
	assert.Equal(t, 0, s.Retries())

	assert.IsType(t, &SeedSource{}, New(KindSeed))
	assert.IsType(t, &RandomSource{}, New(KindRandom))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "RDRAND", KindRandom.String())
	assert.Equal(t, "RDSEED", KindSeed.String())
	assert.Equal(t, "Unknown", Kind(42).String())
}

func TestSources_CapabilityGating(t *testing.T) {
	none := cpufeature.Static{}
	for _, src := range []EntropySource{
		NewRandomSource(WithProbe(none)),
		NewSeedSource(WithProbe(none)),
	} {
		assert.False(t, src.Available())
		for _, size := range []int{1, 8, 100} {
			buf := bytes.Repeat([]byte{sentinel}, size)
			err := src.GenerateBlock(buf)
			assert.ErrorIs(t, err, ErrNotImplemented, src.Name())
			assert.Equal(t, bytes.Repeat([]byte{sentinel}, size), buf)
		}
		assert.ErrorIs(t, src.DiscardBytes(1), ErrNotImplemented)
	}
}

func TestSources_IndependentGating(t *testing.T) {
	hw := cpufeature.Host()

	onlyRandom := cpufeature.Mask(hw, false, true)
	seed := NewSeedSource(WithProbe(onlyRandom))
	assert.ErrorIs(t, seed.GenerateBlock(make([]byte, 16)), ErrNotImplemented)

	rnd := NewRandomSource(WithProbe(onlyRandom))
	if rnd.Available() {
		assert.NoError(t, rnd.GenerateBlock(make([]byte, 16)))
	}

	onlySeed := cpufeature.Mask(hw, true, false)
	rnd = NewRandomSource(WithProbe(onlySeed))
	assert.ErrorIs(t, rnd.GenerateBlock(make([]byte, 16)), ErrNotImplemented)

	seed = NewSeedSource(WithProbe(onlySeed))
	if seed.Available() {
		assert.NoError(t, seed.GenerateBlock(make([]byte, 16)))
	}
}

// =============================================================================
// Hardware-backed tests (skipped without the instruction)
// =============================================================================

var hardwareSizes = []int{1, 2, 3, wordSize - 1, wordSize, wordSize + 1, 31, 32, 33, 255, 1000, 10000}

// RDSEED drains quickly and the budget covers the whole call, so a large
// request under the default budget may legitimately run out. The canary
// must survive either way.
func TestHardware_Exactness(t *testing.T) {
	for _, k := range []Kind{KindRandom, KindSeed} {
		t.Run(k.String(), func(t *testing.T) {
			src := requireHardware(t, k)
			canary := bytes.Repeat([]byte{sentinel}, 2*wordSize)

			for _, size := range hardwareSizes {
				buf := append(make([]byte, size), canary...)
				err := src.GenerateBlock(buf[:size:size])
				if k == KindSeed && errors.Is(err, ErrRetriesExhausted) {
					var ee *ExhaustedError
					require.ErrorAs(t, err, &ee)
					assert.Equal(t, DefaultSeedRetries, ee.Retries)
				} else {
					require.NoError(t, err, "size %d", size)
				}
				require.Equal(t, canary, buf[size:], "size %d", size)
			}
			require.NoError(t, src.GenerateBlock(nil))
		})
	}
}

func TestHardware_SeedSizedBudget(t *testing.T) {
	requireHardware(t, KindSeed)
	canary := bytes.Repeat([]byte{sentinel}, 2*wordSize)

	for _, size := range hardwareSizes {
		src := NewSeedSource(WithRetries(DefaultSeedRetries + 16*wordsFor(size)))
		buf := append(make([]byte, size), canary...)
		require.NoError(t, src.GenerateBlock(buf[:size:size]), "size %d", size)
		require.Equal(t, canary, buf[size:], "size %d", size)
	}
}

func TestHardware_ScratchZeroed(t *testing.T) {
	for _, k := range []Kind{KindRandom, KindSeed} {
		t.Run(k.String(), func(t *testing.T) {
			requireHardware(t, k)
			fill := fillRandom
			if k == KindSeed {
				fill = fillSeed
			}

			var scratch scratchWord
			out := make([]byte, wordSize+5)
			fill(out, &scratch, DefaultSeedRetries)
			assert.Equal(t, scratchWord{}, scratch)
		})
	}
}

func TestHardware_OutputsDiffer(t *testing.T) {
	src := requireHardware(t, KindRandom)
	a := make([]byte, 32)
	b := make([]byte, 32)
	require.NoError(t, src.GenerateBlock(a))
	require.NoError(t, src.GenerateBlock(b))
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, make([]byte, 32), a)
}

func TestHardware_Concurrent(t *testing.T) {
	src := requireHardware(t, KindRandom)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, 129)
			for j := 0; j < 50; j++ {
				if err := src.GenerateBlock(buf); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

// =============================================================================
// Discard and Reader
// =============================================================================

func TestDiscard_Rounding(t *testing.T) {
	scratchCap := discardWords * wordSize

	tests := []struct {
		n    int
		want int
	}{
		{0, 0},
		{1, wordSize},
		{wordSize, wordSize},
		{wordSize + 1, 2 * wordSize},
		{scratchCap, scratchCap},
		{scratchCap + 1, scratchCap + wordSize},
		{10 * scratchCap, 10 * scratchCap},
	}

	for _, tt := range tests {
		var total, calls int
		err := discard(tt.n, func(b []byte) error {
			require.NotEmpty(t, b)
			require.LessOrEqual(t, len(b), scratchCap)
			require.Zero(t, len(b)%wordSize)
			total += len(b)
			calls++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, tt.want, total, "n=%d", tt.n)
		assert.Equal(t, (tt.want+scratchCap-1)/scratchCap, calls, "n=%d", tt.n)
	}
}

func TestDiscard_PropagatesError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := discard(5*discardWords*wordSize, func(b []byte) error {
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}

func TestDiscard_NearMaxInt(t *testing.T) {
	stop := errors.New("stop")
	for n := math.MaxInt - wordSize; n <= math.MaxInt && n > 0; n++ {
		var calls, got int
		err := discard(n, func(b []byte) error {
			calls++
			got = len(b)
			return stop
		})
		require.ErrorIs(t, err, stop, "n=%d", n)
		assert.Equal(t, 1, calls, "n=%d", n)
		assert.Equal(t, discardWords*wordSize, got, "n=%d", n)
	}

	assert.Equal(t, math.MaxInt/wordSize+1, wordsFor(math.MaxInt))
	assert.Equal(t, 0, wordsFor(0))
	assert.Equal(t, 1, wordsFor(1))
	assert.Equal(t, 2, wordsFor(wordSize+1))
}

func TestDiscard_Negative(t *testing.T) {
	assert.Panics(t, func() { _ = discard(-1, func([]byte) error { return nil }) })
}

func TestDiscard_Hardware(t *testing.T) {
	src := requireHardware(t, KindRandom)
	require.NoError(t, src.DiscardBytes(0))
	require.NoError(t, src.DiscardBytes(1))
	require.NoError(t, src.DiscardBytes(1000))
}

type stubSource struct {
	EntropySource
	err   error
	calls int
}

func (s *stubSource) GenerateBlock(out []byte) error {
	s.calls++
	if s.err != nil {
		return s.err
	}
	for i := range out {
		out[i] = byte(i)
	}
	return nil
}

func TestReader(t *testing.T) {
	stub := &stubSource{}
	r := NewReader(stub)

	n, err := r.Read(nil)
	assert.NoError(t, err)
	assert.Zero(t, n)
	n, err = r.Read([]byte{})
	assert.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, stub.calls)

	buf := make([]byte, 10)
	n, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, buf)

	stub.err = ErrRetriesExhausted
	n, err = r.Read(buf)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Zero(t, n)
}
