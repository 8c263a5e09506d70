package hardware

import "io"

type reader struct {
	src EntropySource
}

// NewReader adapts src to io.Reader. Each Read either fills p completely or
// returns the source's error with n == 0.
func NewReader(src EntropySource) io.Reader {
	return reader{src: src}
}

func (r reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := r.src.GenerateBlock(p); err != nil {
		return 0, err
	}
	return len(p), nil
}
