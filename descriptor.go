package aperture

import (
	"errors"
	"fmt"
)

// ErrAlignment is returned when a flat descriptor buffer's length is not a
// multiple of the descriptor length.
var ErrAlignment = errors.New("descriptor buffer length is not a multiple of the descriptor length")

// DescriptorSet is a read-only view over a caller-owned flat descriptor
// buffer. A buffer of length n*dim holds n descriptors laid out back to
// back: [d0_0 .. d0_(dim-1), d1_0 .. d1_(dim-1), ...].
//
// The set never copies or owns descriptor data; the caller must keep the
// buffer alive and unmodified while the view is in use. At returns
// subslices of the original buffer.
type DescriptorSet struct {
	data []float32
	dim  int
}

// NewDescriptorSet wraps a flat float buffer as a set of fixed-length
// descriptors. Returns ErrAlignment if len(data) is not a multiple of dim.
func NewDescriptorSet(data []float32, dim int) (DescriptorSet, error) {
	if dim <= 0 {
		return DescriptorSet{}, fmt.Errorf("descriptor length must be positive, got %d", dim)
	}
	if len(data)%dim != 0 {
		return DescriptorSet{}, fmt.Errorf("%w: buffer length %d, descriptor length %d",
			ErrAlignment, len(data), dim)
	}
	return DescriptorSet{data: data, dim: dim}, nil
}

// Count returns the number of descriptors in the set.
func (s DescriptorSet) Count() int {
	if s.dim == 0 {
		return 0
	}
	return len(s.data) / s.dim
}

// Dim returns the descriptor length.
func (s DescriptorSet) Dim() int {
	return s.dim
}

// At returns the i-th descriptor as a subslice of the underlying buffer.
func (s DescriptorSet) At(i int) []float32 {
	return s.data[i*s.dim : (i+1)*s.dim]
}
