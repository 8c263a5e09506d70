package config

import (
	"fmt"
	"os"
	"strconv"
)

// envReader copies environment values into config fields and remembers
// values that fail to parse.
type envReader struct {
	errs ValidationErrors
}

func (e *envReader) string(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		*dst = v
	}
}

func (e *envReader) int(name string, dst *int) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, ValidationError{
			Field:   name,
			Message: fmt.Sprintf("not an integer: %q", v),
		})
		return
	}
	*dst = n
}

func (e *envReader) bool(name string, dst *bool) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, ValidationError{
			Field:   name,
			Message: fmt.Sprintf("not a boolean: %q", v),
		})
		return
	}
	*dst = b
}
