package nn

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/pdevine/tensor"
)

// MultiHeadAttention is scaled dot product self attention with
// separate query, key, value and output projections. The query, key
// and value projections preserve the embedding width; the output
// projection may change it.
type MultiHeadAttention struct {
	Query    *Linear
	Key      *Linear
	Value    *Linear
	Output   *Linear
	NumHeads int
}

// Forward attends over a single (tokens, embed) sequence and returns a
// matrix of the same shape.
func (m *MultiHeadAttention) Forward(x *tensor.Dense) *tensor.Dense {
	shape := x.Shape()
	if len(shape) != 2 {
		panic(fmt.Sprintf("nn: attention expects a token matrix, got shape %v", shape))
	}

	l, c := shape[0], shape[1]
	if m.NumHeads <= 0 || c%m.NumHeads != 0 {
		panic(fmt.Sprintf("nn: embed dim %d not divisible by %d heads", c, m.NumHeads))
	}

	headDim := c / m.NumHeads
	scale := 1 / math32.Sqrt(float32(headDim))

	q := Data(m.Query.Forward(x))
	k := Data(m.Key.Forward(x))
	v := Data(m.Value.Forward(x))

	ctx := make([]float32, l*c)
	scores := make([]float32, l)

	for h := 0; h < m.NumHeads; h++ {
		off := h * headDim
		for i := 0; i < l; i++ {
			qi := q[i*c+off : i*c+off+headDim]

			for j := 0; j < l; j++ {
				kj := k[j*c+off : j*c+off+headDim]
				var dot float32
				for t := 0; t < headDim; t++ {
					dot += qi[t] * kj[t]
				}
				scores[j] = dot * scale
			}

			Softmax(scores)

			out := ctx[i*c+off : i*c+off+headDim]
			for j := 0; j < l; j++ {
				vj := v[j*c+off : j*c+off+headDim]
				for t := 0; t < headDim; t++ {
					out[t] += scores[j] * vj[t]
				}
			}
		}
	}

	return m.Output.Forward(FromSlice(ctx, l, c))
}
