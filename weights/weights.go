// Package weights reads tensors from CLIP checkpoint files. Both
// safetensors and pickled torch archives are supported, and half
// precision storage is widened to float32 on load.
package weights

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Tensor is a named float32 tensor read from a checkpoint. Data is laid
// out contiguously in row-major order. A checkpoint holding a single
// bare tensor produces one Tensor with an empty name.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32
}

// Elements returns the number of scalar elements implied by the shape.
// A zero-dimensional tensor has one element.
func (t Tensor) Elements() int {
	n := 1
	for _, dim := range t.Shape {
		n *= dim
	}
	return n
}

// ReadFile loads every tensor from the checkpoint at path. The format
// is chosen by file suffix: .safetensors, or .pth/.pt/.bin for pickled
// torch archives.
func ReadFile(path string) ([]Tensor, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".safetensors":
		return readSafetensors(path)
	case ".pth", ".pt", ".bin":
		return readTorch(path)
	default:
		return nil, fmt.Errorf("unknown checkpoint format %q", filepath.Ext(path))
	}
}
