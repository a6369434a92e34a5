package bulkio

import "fmt"

// InterleaveComplex writes src into dst as I0,Q0,I1,Q1,... dst must hold
// exactly 2*len(src) values.
func InterleaveComplex(dst []float32, src []complex64) error {
	if len(dst) != 2*len(src) {
		return fmt.Errorf("interleave %d samples into %d floats: %w", len(src), len(dst), ErrLengthMismatch)
	}
	for i, c := range src {
		dst[2*i] = real(c)
		dst[2*i+1] = imag(c)
	}
	return nil
}

// DeinterleaveComplex is the inverse of InterleaveComplex. src must hold
// exactly 2*len(dst) values.
func DeinterleaveComplex(dst []complex64, src []float32) error {
	if len(src) != 2*len(dst) {
		return fmt.Errorf("deinterleave %d floats into %d samples: %w", len(src), len(dst), ErrLengthMismatch)
	}
	for i := range dst {
		dst[i] = complex(src[2*i], src[2*i+1])
	}
	return nil
}
