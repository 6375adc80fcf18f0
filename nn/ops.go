// Package nn implements the dense float32 operations the decode head
// is built from. Feature maps follow the NCHW layout and matrices are
// row-major. Shape agreement between operands is the caller's
// invariant; violations panic.
package nn

import (
	"fmt"
	"math"

	"github.com/chewxy/math32"
	"github.com/pdevine/tensor"
)

// Zeros allocates a zero-filled float32 tensor.
func Zeros(shape ...int) *tensor.Dense {
	n := 1
	for _, dim := range shape {
		n *= dim
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(make([]float32, n)))
}

// FromSlice wraps data in a tensor of the given shape without copying.
func FromSlice(data []float32, shape ...int) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

// Data returns the flat backing slice of t.
func Data(t *tensor.Dense) []float32 {
	return t.Data().([]float32)
}

// Ints returns the flat backing slice of an integer tensor such as an
// ArgmaxChannels result.
func Ints(t *tensor.Dense) []int {
	return t.Data().([]int)
}

// MatMul multiplies two matrices.
func MatMul(a, b *tensor.Dense) *tensor.Dense {
	out, err := tensor.MatMul(a, b)
	if err != nil {
		panic(fmt.Sprintf("nn: matmul %v x %v: %v", a.Shape(), b.Shape(), err))
	}
	return out.(*tensor.Dense)
}

// Transposed returns a contiguous copy of the matrix t with its axes
// swapped.
func Transposed(t *tensor.Dense) *tensor.Dense {
	tt, err := tensor.Transpose(t, 1, 0)
	if err != nil {
		panic(fmt.Sprintf("nn: transpose %v: %v", t.Shape(), err))
	}
	return tensor.Materialize(tt).(*tensor.Dense)
}

// Softmax rescales x in place into a probability distribution. The
// maximum is subtracted first so large magnitudes cannot overflow.
func Softmax(x []float32) {
	maxv := math32.Inf(-1)
	for _, v := range x {
		if v > maxv {
			maxv = v
		}
	}

	var sum float32
	for i, v := range x {
		e := math32.Exp(v - maxv)
		x[i] = e
		sum += e
	}

	for i := range x {
		x[i] /= sum
	}
}

// SoftmaxChannels returns softmax(scale*t) taken along the channel
// axis of a NCHW tensor, as a new tensor.
func SoftmaxChannels(t *tensor.Dense, scale float32) *tensor.Dense {
	shape := t.Shape()
	if len(shape) != 4 {
		panic(fmt.Sprintf("nn: softmax expects NCHW, got shape %v", shape))
	}

	n, c, hw := shape[0], shape[1], shape[2]*shape[3]
	src := Data(t)
	dst := make([]float32, len(src))

	for i := 0; i < n; i++ {
		base := i * c * hw
		for p := 0; p < hw; p++ {
			maxv := math32.Inf(-1)
			for j := 0; j < c; j++ {
				if v := src[base+j*hw+p]; v > maxv {
					maxv = v
				}
			}

			var sum float32
			for j := 0; j < c; j++ {
				e := math32.Exp(scale * (src[base+j*hw+p] - maxv))
				dst[base+j*hw+p] = e
				sum += e
			}

			for j := 0; j < c; j++ {
				dst[base+j*hw+p] /= sum
			}
		}
	}

	return FromSlice(dst, shape...)
}

// L2NormalizeChannels scales each per-pixel channel vector of a NCHW
// tensor to unit length in place. The norm is clamped at eps so zero
// vectors stay zero.
func L2NormalizeChannels(t *tensor.Dense, eps float32) {
	shape := t.Shape()
	if len(shape) != 4 {
		panic(fmt.Sprintf("nn: normalize expects NCHW, got shape %v", shape))
	}

	n, c, hw := shape[0], shape[1], shape[2]*shape[3]
	d := Data(t)

	for i := 0; i < n; i++ {
		base := i * c * hw
		for p := 0; p < hw; p++ {
			var sum float64
			for j := 0; j < c; j++ {
				v := float64(d[base+j*hw+p])
				sum += v * v
			}

			norm := float32(math.Sqrt(sum))
			if norm < eps {
				norm = eps
			}

			inv := 1 / norm
			for j := 0; j < c; j++ {
				d[base+j*hw+p] *= inv
			}
		}
	}
}

// L2NormalizeLastAxis scales every vector along the final axis of t to
// unit length in place, clamping the norm at eps.
func L2NormalizeLastAxis(t *tensor.Dense, eps float32) {
	shape := t.Shape()
	cols := shape[len(shape)-1]
	d := Data(t)

	for i := 0; i < len(d); i += cols {
		var sum float64
		for j := 0; j < cols; j++ {
			v := float64(d[i+j])
			sum += v * v
		}

		norm := float32(math.Sqrt(sum))
		if norm < eps {
			norm = eps
		}

		inv := 1 / norm
		for j := 0; j < cols; j++ {
			d[i+j] *= inv
		}
	}
}

// ArgmaxChannels reduces a NCHW tensor to a (N, H, W) int tensor
// holding the channel index of the per-pixel maximum. Ties resolve to
// the lowest index.
func ArgmaxChannels(t *tensor.Dense) *tensor.Dense {
	shape := t.Shape()
	if len(shape) != 4 {
		panic(fmt.Sprintf("nn: argmax expects NCHW, got shape %v", shape))
	}

	n, c, hw := shape[0], shape[1], shape[2]*shape[3]
	src := Data(t)
	out := make([]int, n*hw)

	for i := 0; i < n; i++ {
		base := i * c * hw
		for p := 0; p < hw; p++ {
			best, bestv := 0, src[base+p]
			for j := 1; j < c; j++ {
				if v := src[base+j*hw+p]; v > bestv {
					best, bestv = j, v
				}
			}
			out[i*hw+p] = best
		}
	}

	return tensor.New(tensor.WithShape(shape[0], shape[2], shape[3]), tensor.WithBacking(out))
}
