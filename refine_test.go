package maskclip

import (
	"strings"
	"testing"

	"github.com/openvocab/maskclip/nn"
	"github.com/openvocab/maskclip/text"
)

func refineTestHead(t *testing.T, config Config) *Head {
	t.Helper()

	emb, err := text.New([]float32{1, 0, 0, 1, 0.6, 0.8}, 3, 2)
	if err != nil {
		t.Fatal(err)
	}

	return &Head{config: config, voteThresh: config.voteThresholds(), embeddings: emb}
}

func TestGateTopkPerSample(t *testing.T) {
	h := refineTestHead(t, Config{TopkText: 1})

	output := nn.FromSlice([]float32{1, 2, 3, 4, 5, 6}, 2, 3, 1, 1)
	clsToken := nn.FromSlice([]float32{2, 0, 0, 2}, 2, 2)

	got := nn.Data(h.gateTopk(h.snapshot(), output, clsToken))

	// sample 0 ranks category 0 highest, sample 1 category 1
	wantValues(t, got, []float32{
		1, suppressedLogit, suppressedLogit,
		suppressedLogit, 5, suppressedLogit,
	}, 0)
}

func TestGateTopkKeepsTwoOfFive(t *testing.T) {
	emb, err := text.New([]float32{1, 0, 2, 0, 0, 1, 3, 0, 0, 2}, 5, 2)
	if err != nil {
		t.Fatal(err)
	}
	h := &Head{config: Config{TopkText: 2}, embeddings: emb}

	output := nn.FromSlice([]float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, 1, 5, 1, 2)
	clsToken := nn.FromSlice([]float32{1, 0}, 1, 2)

	got := nn.Data(h.gateTopk(h.snapshot(), output, clsToken))

	// the token ranks categories 3 and 1 highest, the other three
	// drop to the sentinel
	wantValues(t, got, []float32{
		suppressedLogit, suppressedLogit,
		3, 4,
		suppressedLogit, suppressedLogit,
		7, 8,
		suppressedLogit, suppressedLogit,
	}, 0)
}

func TestGateUnconfident(t *testing.T) {
	h := refineTestHead(t, Config{ClsThresh: 0.9})

	output := nn.FromSlice([]float32{5, 5, 0, 0}, 1, 2, 1, 2)
	h.gateUnconfident(output)

	// category 0 peaks near certainty everywhere, category 1 never does
	wantValues(t, nn.Data(output), []float32{
		5, 5,
		suppressedLogit, suppressedLogit,
	}, 0)
}

func TestVoteUnconditional(t *testing.T) {
	h := refineTestHead(t, Config{NumVote: 1})

	output := nn.FromSlice([]float32{20, 0, 0, 0}, 1, 2, 1, 2)
	key := nn.FromSlice([]float32{1, 0, 1, 0}, 1, 2, 2)

	got := nn.Data(h.vote(output, key))

	// identical keys give unit affinity everywhere, so every position
	// becomes the sum of both probability rows
	wantValues(t, got, []float32{
		1.5, 1.5,
		0.5, 0.5,
	}, 1e-6)
}

func TestVoteThresholdKeepsConfident(t *testing.T) {
	h := refineTestHead(t, Config{NumVote: 1, VoteThresh: []float32{0.6}})

	output := nn.FromSlice([]float32{20, 0, 0, 0}, 1, 2, 1, 2)
	key := nn.FromSlice([]float32{1, 0, 1, 0}, 1, 2, 2)

	got := nn.Data(h.vote(output, key))

	// position 0 is certain and stays, position 1 takes the vote
	wantValues(t, got, []float32{
		1, 1.5,
		0, 0.5,
	}, 1e-6)
}

func TestVoteRoundsCompound(t *testing.T) {
	h := refineTestHead(t, Config{NumVote: 2})

	output := nn.FromSlice([]float32{20, 0, 0, 0}, 1, 2, 1, 2)
	key := nn.FromSlice([]float32{1, 0, 1, 0}, 1, 2, 2)

	got := nn.Data(h.vote(output, key))

	// each round doubles the summed rows of the previous one
	wantValues(t, got, []float32{
		3, 3,
		1, 1,
	}, 1e-6)
}

func TestVoteLeavesInputIntact(t *testing.T) {
	h := refineTestHead(t, Config{NumVote: 1})

	output := nn.FromSlice([]float32{20, 0, 0, 0}, 1, 2, 1, 2)
	key := nn.FromSlice([]float32{3, 4, 3, 4}, 1, 2, 2)

	h.vote(output, key)

	wantValues(t, nn.Data(output), []float32{20, 0, 0, 0}, 0)
	wantValues(t, nn.Data(key), []float32{3, 4, 3, 4}, 0)
}

func TestSynthesizeBackgroundSurplus(t *testing.T) {
	h := refineTestHead(t, Config{NumClasses: 1})

	output := nn.FromSlice([]float32{1, 2, 3, 0.5}, 1, 2, 1, 2)
	got := h.synthesizeBackground(output, false)

	if shape := got.Shape(); shape[1] != 2 {
		t.Fatalf("shape = %v, want a background channel plus 1 class", shape)
	}

	wantValues(t, nn.Data(got), []float32{
		3, 0.5,
		1, 2,
	}, 0)
}

func TestSynthesizeBackgroundSurplusMax(t *testing.T) {
	h := refineTestHead(t, Config{NumClasses: 1})

	// two surplus categories, the background takes the larger response
	output := nn.FromSlice([]float32{1, 2, 3, 0.5, 2, 4}, 1, 3, 1, 2)
	got := h.synthesizeBackground(output, false)

	wantValues(t, nn.Data(got), []float32{
		3, 4,
		1, 2,
	}, 0)
}

func TestSynthesizeBackgroundThreshold(t *testing.T) {
	h := refineTestHead(t, Config{NumClasses: 2, BgThresh: 0.3})

	output := nn.FromSlice([]float32{10, 0}, 1, 2, 1, 1)
	got := h.synthesizeBackground(output, false)

	// logits convert to sharpened probabilities before the constant
	// background joins them
	wantValues(t, nn.Data(got), []float32{0.3, 1, 0}, 1e-6)
}

func TestSynthesizeBackgroundPassthrough(t *testing.T) {
	h := refineTestHead(t, Config{NumClasses: 2})

	output := nn.FromSlice([]float32{10, 0}, 1, 2, 1, 1)
	if got := h.synthesizeBackground(output, false); got != output {
		t.Error("output should pass through untouched without a background source")
	}
}

func TestRefineTopkMissingToken(t *testing.T) {
	h := refineTestHead(t, Config{TopkText: 1, NumClasses: 3})

	output := nn.FromSlice([]float32{1, 2, 3}, 1, 3, 1, 1)
	_, err := h.refine(h.snapshot(), output, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "class token") {
		t.Errorf("err = %v, want a class token error", err)
	}
}

func TestRefineVoteSkippedWithoutKeys(t *testing.T) {
	h := refineTestHead(t, Config{NumVote: 3, NumClasses: 3})

	output := nn.FromSlice([]float32{1, 2, 3}, 1, 3, 1, 1)
	got, err := h.refine(h.snapshot(), output, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	wantValues(t, nn.Data(got), []float32{1, 2, 3}, 0)
}

func TestRefineClsThreshAfterTopk(t *testing.T) {
	// topk takes precedence, the confidence gate is not consulted
	h := refineTestHead(t, Config{TopkText: 3, ClsThresh: 0.99, NumClasses: 3})

	output := nn.FromSlice([]float32{1, 2, 3}, 1, 3, 1, 1)
	clsToken := nn.FromSlice([]float32{1, 1}, 1, 2)

	got, err := h.refine(h.snapshot(), output, nil, clsToken)
	if err != nil {
		t.Fatal(err)
	}

	// all three categories survive the gate, none drop to the sentinel
	wantValues(t, nn.Data(got), []float32{1, 2, 3}, 0)
}
