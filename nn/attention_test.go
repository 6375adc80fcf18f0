package nn

import (
	"testing"
)

func identityLinear(dim int) *Linear {
	w := make([]float32, dim*dim)
	for i := 0; i < dim; i++ {
		w[i*dim+i] = 1
	}
	return &Linear{Weight: FromSlice(w, dim, dim)}
}

// TestAttentionSingleHead verifies the attention weights for two
// orthogonal tokens with identity projections.
func TestAttentionSingleHead(t *testing.T) {
	attn := &MultiHeadAttention{
		Query:    identityLinear(2),
		Key:      identityLinear(2),
		Value:    identityLinear(2),
		Output:   identityLinear(2),
		NumHeads: 1,
	}

	x := FromSlice([]float32{
		1, 0,
		0, 1,
	}, 2, 2)

	out := Data(attn.Forward(x))

	// scores for token 0: (1, 0)/sqrt(2) -> softmax = (0.66976, 0.33024),
	// so ctx 0 = 0.66976*(1,0) + 0.33024*(0,1). Token 1 is symmetric.
	expected := []float32{0.669762, 0.330238, 0.330238, 0.669762}
	for i, v := range expected {
		almostEqual(t, out[i], v, 1e-4)
	}
}

// TestAttentionIdenticalTokens verifies that when all tokens are equal
// the attention mix returns the tokens unchanged.
func TestAttentionIdenticalTokens(t *testing.T) {
	attn := &MultiHeadAttention{
		Query:    identityLinear(4),
		Key:      identityLinear(4),
		Value:    identityLinear(4),
		Output:   identityLinear(4),
		NumHeads: 2,
	}

	x := FromSlice([]float32{
		1, 2, 3, 4,
		1, 2, 3, 4,
		1, 2, 3, 4,
	}, 3, 4)

	out := Data(attn.Forward(x))

	expected := []float32{1, 2, 3, 4, 1, 2, 3, 4, 1, 2, 3, 4}
	for i, v := range expected {
		almostEqual(t, out[i], v, 1e-5)
	}
}

// TestAttentionOutputProjection verifies the context passes through the
// output projection including its bias.
func TestAttentionOutputProjection(t *testing.T) {
	attn := &MultiHeadAttention{
		Query:    identityLinear(2),
		Key:      identityLinear(2),
		Value:    identityLinear(2),
		Output:   &Linear{Weight: FromSlice([]float32{2, 0, 0, 2}, 2, 2), Bias: FromSlice([]float32{1, 1}, 2)},
		NumHeads: 1,
	}

	// a single token attends only to itself
	x := FromSlice([]float32{3, 5}, 1, 2)
	out := Data(attn.Forward(x))

	expected := []float32{7, 11}
	for i, v := range expected {
		almostEqual(t, out[i], v, 1e-5)
	}
}

func TestAttentionBadHeadCount(t *testing.T) {
	attn := &MultiHeadAttention{
		Query:    identityLinear(3),
		Key:      identityLinear(3),
		Value:    identityLinear(3),
		Output:   identityLinear(3),
		NumHeads: 2,
	}

	defer func() {
		if recover() == nil {
			t.Error("expected panic for indivisible head count")
		}
	}()

	attn.Forward(FromSlice([]float32{1, 2, 3}, 1, 3))
}
