package nn

import (
	"fmt"

	"github.com/pdevine/tensor"
)

// Linear is an affine map y = x*W^T + b applied to each row of x.
// Weight is (out, in) and Bias, when present, is (out).
type Linear struct {
	Weight *tensor.Dense
	Bias   *tensor.Dense
}

func (m *Linear) Forward(x *tensor.Dense) *tensor.Dense {
	y := MatMul(x, Transposed(m.Weight))
	if m.Bias != nil {
		bias := Data(m.Bias)
		d := Data(y)
		for i := 0; i < len(d); i += len(bias) {
			for j, b := range bias {
				d[i+j] += b
			}
		}
	}

	return y
}

// Conv2d is a pointwise convolution. Weight is (out, in, 1, 1) and
// Bias, when present, is (out). With a 1x1 kernel the convolution
// reduces to a channel projection at every pixel.
type Conv2d struct {
	Weight *tensor.Dense
	Bias   *tensor.Dense
}

// Forward projects a NCHW feature map to (N, out, H, W).
func (m *Conv2d) Forward(x *tensor.Dense) *tensor.Dense {
	xs, ws := x.Shape(), m.Weight.Shape()
	if len(xs) != 4 || xs[1] != ws[1] {
		panic(fmt.Sprintf("nn: conv2d input %v does not match weight %v", xs, ws))
	}

	n, c, h, w := xs[0], xs[1], xs[2], xs[3]
	out, hw := ws[0], h*w

	wmat := FromSlice(Data(m.Weight), out, c)

	var bias []float32
	if m.Bias != nil {
		bias = Data(m.Bias)
	}

	src := Data(x)
	dst := make([]float32, n*out*hw)
	for i := 0; i < n; i++ {
		sample := FromSlice(src[i*c*hw:(i+1)*c*hw], c, hw)
		copy(dst[i*out*hw:], Data(MatMul(wmat, sample)))

		if bias != nil {
			for o := 0; o < out; o++ {
				row := dst[i*out*hw+o*hw : i*out*hw+(o+1)*hw]
				for j := range row {
					row[j] += bias[o]
				}
			}
		}
	}

	return FromSlice(dst, n, out, h, w)
}
