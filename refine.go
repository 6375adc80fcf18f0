package maskclip

import (
	"cmp"
	"errors"
	"slices"

	pq "github.com/emirpasic/gods/v2/queues/priorityqueue"
	"github.com/pdevine/tensor"

	"github.com/openvocab/maskclip/logutil"
	"github.com/openvocab/maskclip/nn"
)

const (
	// probScale sharpens logits before softmax so the refinement
	// stages compare near one-hot confidences.
	probScale = 100

	// suppressedLogit marks categories removed by gating. It is low
	// enough that the sharpened softmax rounds them to zero.
	suppressedLogit = -100
)

// refineContext is the state handed from stage to stage: the logit
// map under refinement, whether it has been converted to probability
// space, and the optional projector outputs some stages need.
type refineContext struct {
	output   *tensor.Dense
	probs    bool
	key      *tensor.Dense
	clsToken *tensor.Dense
}

type refineStage func(*refineContext) error

// refine composes the configured post processing stages and runs them
// in order over the raw logits: category gating by class token rank
// or peak confidence, spatial voting over key affinities, and
// background synthesis. Stages that are not configured are never
// appended.
func (h *Head) refine(state headState, output *tensor.Dense, key, clsToken *tensor.Dense) (*tensor.Dense, error) {
	var stages []refineStage

	switch {
	case h.config.TopkText > 0:
		stages = append(stages, func(rc *refineContext) error {
			if rc.clsToken == nil {
				return errors.New("top-k category gating needs a class token")
			}
			rc.output = h.gateTopk(state, rc.output, rc.clsToken)
			return nil
		})
	case h.config.ClsThresh > 0:
		stages = append(stages, func(rc *refineContext) error {
			h.gateUnconfident(rc.output)
			return nil
		})
	}

	if h.config.NumVote > 0 {
		stages = append(stages, func(rc *refineContext) error {
			if rc.key == nil {
				logutil.Trace("skipping spatial voting without keys")
				return nil
			}
			rc.output, rc.probs = h.vote(rc.output, rc.key), true
			return nil
		})
	}

	stages = append(stages, func(rc *refineContext) error {
		rc.output = h.synthesizeBackground(rc.output, rc.probs)
		return nil
	})

	rc := &refineContext{output: output, key: key, clsToken: clsToken}
	for _, stage := range stages {
		if err := stage(rc); err != nil {
			return nil, err
		}
	}

	return rc.output, nil
}

type categoryScore struct {
	category int
	score    float32
}

func categoryScoreComparator(a, b categoryScore) int {
	return -cmp.Compare(a.score, b.score)
}

// gateTopk keeps, per sample, only the categories the class token
// ranks highest against the embedding table. Everything else is
// suppressed.
func (h *Head) gateTopk(state headState, output, clsToken *tensor.Dense) *tensor.Dense {
	shape := output.Shape()
	n, categories, positions := shape[0], shape[1], shape[2]*shape[3]

	table := nn.FromSlice(state.embeddings.Data(), state.embeddings.Categories(), state.embeddings.Channels())
	scores := nn.Data(nn.MatMul(clsToken, nn.Transposed(table)))

	gated := nn.Zeros(shape...)
	dst := nn.Data(gated)
	for i := range dst {
		dst[i] = suppressedLogit
	}

	src := nn.Data(output)
	for i := range n {
		q := pq.NewWith(categoryScoreComparator)
		for category, score := range scores[i*categories : (i+1)*categories] {
			q.Enqueue(categoryScore{category: category, score: score})
		}

		for range h.config.TopkText {
			top, ok := q.Dequeue()
			if !ok {
				break
			}

			offset := (i*categories + top.category) * positions
			copy(dst[offset:offset+positions], src[offset:offset+positions])
			logutil.Trace("kept category", "sample", i, "category", top.category, "score", top.score)
		}
	}

	return gated
}

// gateUnconfident suppresses, in place, every category whose peak
// confidence anywhere in the image stays below the threshold.
func (h *Head) gateUnconfident(output *tensor.Dense) {
	shape := output.Shape()
	n, categories, positions := shape[0], shape[1], shape[2]*shape[3]

	conf := nn.Data(nn.SoftmaxChannels(output, probScale))
	dst := nn.Data(output)

	suppressed := 0
	for i := range n {
		for category := range categories {
			offset := (i*categories + category) * positions
			if slices.Max(conf[offset:offset+positions]) >= h.config.ClsThresh {
				continue
			}

			plane := dst[offset : offset+positions]
			for p := range plane {
				plane[p] = suppressedLogit
			}
			suppressed++
		}
	}

	logutil.Trace("suppressed unconfident categories", "count", suppressed, "threshold", h.config.ClsThresh)
}

// vote converts the logits to sharpened probabilities and smooths
// them over rounds of key affinity voting. A round with a positive
// threshold rewrites only the positions whose peak confidence falls
// below it; other rounds rewrite every position.
func (h *Head) vote(output, key *tensor.Dense) *tensor.Dense {
	sharpened := nn.SoftmaxChannels(output, probScale)
	shape := sharpened.Shape()
	n, categories, positions := shape[0], shape[1], shape[2]*shape[3]
	channels := key.Shape()[2]

	keys := nn.FromSlice(append([]float32(nil), nn.Data(key)...), key.Shape()...)
	nn.L2NormalizeLastAxis(keys, normEps)
	kdata := nn.Data(keys)

	src := nn.Data(sharpened)
	out := nn.Zeros(shape...)
	dst := nn.Data(out)

	for i := range n {
		kn := nn.FromSlice(kdata[i*positions*channels:(i+1)*positions*channels], positions, channels)
		affinity := nn.MatMul(kn, nn.Transposed(kn))

		sample := nn.FromSlice(src[i*categories*positions:(i+1)*categories*positions], categories, positions)
		current := nn.Transposed(sample)

		for round, thresh := range h.voteThresh {
			voted := nn.MatMul(affinity, current)

			replaced := positions
			if thresh <= 0 {
				current = voted
			} else {
				replaced = 0
				cur, vot := nn.Data(current), nn.Data(voted)
				for p := range positions {
					row := cur[p*categories : (p+1)*categories]
					if slices.Max(row) >= thresh {
						continue
					}

					copy(row, vot[p*categories:(p+1)*categories])
					replaced++
				}
			}

			logutil.Trace("voting round", "sample", i, "round", round, "replaced", replaced)
		}

		copy(dst[i*categories*positions:(i+1)*categories*positions], nn.Data(nn.Transposed(current)))
	}

	return out
}

// synthesizeBackground prepends a background channel and trims the
// output to the class channels. The background is the strongest
// response among the surplus categories when the table has more
// categories than classes, or a constant confidence when BgThresh is
// set. With neither, the output passes through untouched.
func (h *Head) synthesizeBackground(output *tensor.Dense, probs bool) *tensor.Dense {
	shape := output.Shape()
	n, categories, height, width := shape[0], shape[1], shape[2], shape[3]
	positions := height * width
	numClasses := h.config.NumClasses

	var bg []float32
	switch {
	case categories > numClasses:
		bg = make([]float32, n*positions)
		src := nn.Data(output)
		for i := range n {
			sample := bg[i*positions : (i+1)*positions]
			for category := numClasses; category < categories; category++ {
				plane := src[(i*categories+category)*positions:][:positions]
				if category == numClasses {
					copy(sample, plane)
					continue
				}

				for p := range sample {
					if plane[p] > sample[p] {
						sample[p] = plane[p]
					}
				}
			}
		}
	case h.config.BgThresh > 0:
		if !probs {
			output = nn.SoftmaxChannels(output, probScale)
		}

		bg = make([]float32, n*positions)
		for i := range bg {
			bg[i] = h.config.BgThresh
		}
	default:
		return output
	}

	merged := nn.Zeros(n, numClasses+1, height, width)
	dst := nn.Data(merged)
	src := nn.Data(output)
	for i := range n {
		copy(dst[i*(numClasses+1)*positions:][:positions], bg[i*positions:(i+1)*positions])
		copy(dst[(i*(numClasses+1)+1)*positions:][:numClasses*positions], src[i*categories*positions:][:numClasses*positions])
	}

	return merged
}
