// Package maskclip implements a segmentation decode head that reads
// dense per pixel class predictions out of a pretrained joint text and
// image embedding space. The head owns no trainable parameters: its
// projection weights are lifted from the image encoder and its
// classifier is the frozen text embedding table, so segmentation
// quality comes entirely from the pretrained model and the optional
// refinement stages.
package maskclip

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/pdevine/tensor"

	"github.com/openvocab/maskclip/nn"
	"github.com/openvocab/maskclip/text"
	"github.com/openvocab/maskclip/weights"
)

// normEps keeps zero vectors finite during feature normalization.
const normEps = 1e-12

// ErrNotTrainable is returned by ForwardTrain. Every parameter in the
// head is frozen, so there is nothing to fit.
var ErrNotTrainable = errors.New("head is not trainable")

// Features carries one batch of backbone outputs into Forward.
//
// Map is always required and holds the spatial feature grid in
// (batch, channels, height, width) order. The remaining fields only
// apply to the transformer variant, whose backbone exposes the last
// attention layer: Value replaces Map as the projection input when
// set, Key feeds the spatial voting stage, and ClassToken feeds the
// top-k category gate. Query is accepted from backbones that emit
// full attention triples but is not consumed. The default variant
// derives everything it needs from Map and ignores the rest.
type Features struct {
	Map        *tensor.Dense
	Query      *tensor.Dense
	Key        *tensor.Dense
	Value      *tensor.Dense
	ClassToken *tensor.Dense
}

// visualProjs holds the projection layers lifted from the image
// encoder. The transformer variant uses the single proj; the default
// variant uses the four attention pooling projections.
type visualProjs struct {
	q, k, v, c *nn.Conv2d
	proj       *nn.Conv2d
}

// headState is the swappable portion of a Head, captured once per
// Forward so a concurrent reload cannot mix old and new weights
// within one call.
type headState struct {
	projs      visualProjs
	embeddings *text.Embeddings
	classifier *nn.Conv2d
	training   bool
}

// Head maps backbone features into the text embedding space and
// scores every pixel against the category table. Construct with New;
// the zero value has no weights.
//
// A new head starts in training mode for parity with the module it is
// usually embedded in, which means Forward returns raw logits. Call
// SetTraining(false) to enable the refinement stages.
type Head struct {
	config     Config
	voteThresh []float32

	// loadMu serializes checkpoint loads; mu guards the loaded state.
	loadMu sync.Mutex
	mu     sync.RWMutex

	projs      visualProjs
	embeddings *text.Embeddings
	classifier *nn.Conv2d
	training   bool
}

// New validates the configuration and loads both checkpoints.
func New(config Config) (*Head, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	h := &Head{
		config:     config,
		voteThresh: config.voteThresholds(),
		training:   true,
	}

	if err := h.LoadTextEmbeddings(); err != nil {
		return nil, err
	}

	if err := h.LoadVisualProjs(); err != nil {
		return nil, err
	}

	return h, nil
}

// Config returns the configuration the head was built with.
func (h *Head) Config() Config {
	return h.config
}

// Embeddings returns the currently loaded category embedding table.
func (h *Head) Embeddings() *text.Embeddings {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.embeddings
}

// Training reports whether the head is in training mode.
func (h *Head) Training() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.training
}

// SetTraining toggles training mode. Outside of training mode Forward
// runs the configured refinement stages on the logits.
func (h *Head) SetTraining(training bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.training = training
}

func (h *Head) snapshot() headState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return headState{h.projs, h.embeddings, h.classifier, h.training}
}

// Forward projects the batch into the text embedding space and scores
// each pixel against every category. The result has shape
// (batch, categories, height, width), except that background
// synthesis trims it to NumClasses+1 channels with the background
// first. In training mode the raw logits are returned untouched.
func (h *Head) Forward(features Features) (*tensor.Dense, error) {
	if err := h.validateFeatures(features); err != nil {
		return nil, err
	}

	state := h.snapshot()

	var feat, key, clsToken *tensor.Dense
	switch {
	case h.config.ViT:
		src := features.Map
		if features.Value != nil {
			src = features.Value
		}
		feat = state.projs.proj.Forward(src)
		key = features.Key
		if features.ClassToken != nil {
			clsToken = projectToken(state.projs.proj, features.ClassToken)
		}
	case h.config.AttnPooling:
		feat = h.attnPool(state, features.Map)
	default:
		key = flattenTokens(state.projs.k.Forward(features.Map))
		feat = state.projs.c.Forward(state.projs.v.Forward(features.Map))
	}

	out := classify(state.classifier, feat)
	if state.training {
		return out, nil
	}

	return h.refine(state, out, key, clsToken)
}

// ForwardTrain always fails with ErrNotTrainable.
func (h *Head) ForwardTrain(Features) (*tensor.Dense, error) {
	return nil, ErrNotTrainable
}

func (h *Head) validateFeatures(features Features) error {
	if features.Map == nil {
		return errors.New("features: missing backbone map")
	}

	shape := features.Map.Shape()
	if len(shape) != 4 {
		return fmt.Errorf("features: backbone map must have 4 dims, got %v", shape)
	}

	if shape[1] != h.config.InChannels {
		return fmt.Errorf("features: backbone map has %d channels, want %d", shape[1], h.config.InChannels)
	}

	if !h.config.ViT {
		return nil
	}

	n := shape[0]
	grid := features.Map
	if features.Value != nil {
		vs := features.Value.Shape()
		if len(vs) != 4 || vs[0] != n || vs[1] != h.config.InChannels {
			return fmt.Errorf("features: value grid has shape %v, want [%d %d height width]", vs, n, h.config.InChannels)
		}
		grid = features.Value
	}

	positions := grid.Shape()[2] * grid.Shape()[3]
	for _, tokens := range []struct {
		name string
		t    *tensor.Dense
	}{{"queries", features.Query}, {"keys", features.Key}} {
		if tokens.t == nil {
			continue
		}
		ts := tokens.t.Shape()
		if len(ts) != 3 || ts[0] != n || ts[1] != positions || ts[2] != h.config.InChannels {
			return fmt.Errorf("features: %s have shape %v, want [%d %d %d]", tokens.name, ts, n, positions, h.config.InChannels)
		}
	}

	if features.ClassToken != nil {
		cs := features.ClassToken.Shape()
		if len(cs) != 2 || cs[0] != n || cs[1] != h.config.InChannels {
			return fmt.Errorf("features: class token has shape %v, want [%d %d]", cs, n, h.config.InChannels)
		}
	}

	return nil
}

// classify scores each pixel against every category by normalizing
// its embedding and convolving with the frozen text table.
func classify(classifier *nn.Conv2d, feat *tensor.Dense) *tensor.Dense {
	nn.L2NormalizeChannels(feat, normEps)
	return classifier.Forward(feat)
}

// projectToken runs a (batch, channels) token batch through a 1x1
// projection by lifting it to a unit spatial grid.
func projectToken(proj *nn.Conv2d, token *tensor.Dense) *tensor.Dense {
	shape := token.Shape()
	projected := proj.Forward(nn.FromSlice(nn.Data(token), shape[0], shape[1], 1, 1))
	return nn.FromSlice(nn.Data(projected), projected.Shape()[0], projected.Shape()[1])
}

// flattenTokens lays a (batch, channels, height, width) grid out as
// (batch, positions, channels) token rows.
func flattenTokens(t *tensor.Dense) *tensor.Dense {
	shape := t.Shape()
	n, channels, positions := shape[0], shape[1], shape[2]*shape[3]

	src := nn.Data(t)
	dst := make([]float32, len(src))
	for i := range n {
		for ch := range channels {
			plane := src[(i*channels+ch)*positions:]
			for p := range positions {
				dst[(i*positions+p)*channels+ch] = plane[p]
			}
		}
	}

	return nn.FromSlice(dst, n, positions, channels)
}

// attnPool runs the full attention pooling layer over the feature
// grid, with the mean token prepended as in the pretrained encoder,
// and keeps the pooled spatial tokens.
func (h *Head) attnPool(state headState, x *tensor.Dense) *tensor.Dense {
	shape := x.Shape()
	n, channels, height, width := shape[0], shape[1], shape[2], shape[3]
	positions := height * width
	textChannels := h.config.TextChannels

	attn := &nn.MultiHeadAttention{
		Query:    projLinear(state.projs.q),
		Key:      projLinear(state.projs.k),
		Value:    projLinear(state.projs.v),
		Output:   projLinear(state.projs.c),
		NumHeads: h.config.NumHeads,
	}

	out := nn.Zeros(n, textChannels, height, width)
	dst := nn.Data(out)
	src := nn.Data(x)
	for i := range n {
		sample := nn.FromSlice(src[i*channels*positions:(i+1)*channels*positions], channels, positions)
		tokens := nn.Data(nn.Transposed(sample))

		withMean := make([]float32, (positions+1)*channels)
		mean := withMean[:channels]
		copy(withMean[channels:], tokens)
		for p := range positions {
			for j, v := range tokens[p*channels : (p+1)*channels] {
				mean[j] += v
			}
		}
		for j := range mean {
			mean[j] /= float32(positions)
		}

		pooled := nn.Data(attn.Forward(nn.FromSlice(withMean, positions+1, channels)))
		for p := range positions {
			for ch, v := range pooled[(p+1)*textChannels : (p+2)*textChannels] {
				dst[(i*textChannels+ch)*positions+p] = v
			}
		}
	}

	return out
}

// projLinear views a 1x1 convolution as the linear layer it is.
func projLinear(conv *nn.Conv2d) *nn.Linear {
	shape := conv.Weight.Shape()
	return &nn.Linear{
		Weight: nn.FromSlice(nn.Data(conv.Weight), shape[0], shape[1]),
		Bias:   conv.Bias,
	}
}

// LoadTextEmbeddings reads the category embedding table from the
// configured checkpoint and rebuilds the classifier from it. The old
// table stays in place if anything fails.
func (h *Head) LoadTextEmbeddings() error {
	h.loadMu.Lock()
	defer h.loadMu.Unlock()

	embeddings, classifier, err := h.readTextEmbeddings()
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.embeddings, h.classifier = embeddings, classifier
	h.mu.Unlock()

	return nil
}

// LoadVisualProjs reads the projection weights from the configured
// checkpoint. All projections are validated before any of them are
// swapped in.
func (h *Head) LoadVisualProjs() error {
	h.loadMu.Lock()
	defer h.loadMu.Unlock()

	projs, err := h.readVisualProjs()
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.projs = projs
	h.mu.Unlock()

	return nil
}

// ReloadWeights rereads both checkpoints and swaps them in together,
// so a concurrent Forward sees either the old weights or the new
// ones, never a mix.
func (h *Head) ReloadWeights() error {
	h.loadMu.Lock()
	defer h.loadMu.Unlock()

	embeddings, classifier, err := h.readTextEmbeddings()
	if err != nil {
		return err
	}

	projs, err := h.readVisualProjs()
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.embeddings, h.classifier, h.projs = embeddings, classifier, projs
	h.mu.Unlock()

	return nil
}

func (h *Head) readTextEmbeddings() (*text.Embeddings, *nn.Conv2d, error) {
	path := h.config.TextEmbeddingsPath
	tensors, err := weights.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load text embeddings: %w", err)
	}

	if len(tensors) != 1 {
		return nil, nil, fmt.Errorf("load text embeddings: %s holds %d tensors, want exactly one", path, len(tensors))
	}

	t := tensors[0]
	if len(t.Shape) != 2 || t.Shape[0] != h.config.TextCategories || t.Shape[1] != h.config.TextChannels {
		return nil, nil, fmt.Errorf("load text embeddings: %s has shape %v, want [%d %d]", path, t.Shape, h.config.TextCategories, h.config.TextChannels)
	}

	embeddings, err := text.New(t.Data, h.config.TextCategories, h.config.TextChannels)
	if err != nil {
		return nil, nil, fmt.Errorf("load text embeddings: %w", err)
	}

	classifier := &nn.Conv2d{
		Weight: nn.FromSlice(embeddings.Data(), embeddings.Categories(), embeddings.Channels(), 1, 1),
	}

	slog.Info("loaded text embeddings", "path", path, "categories", embeddings.Categories(), "channels", embeddings.Channels())
	return embeddings, classifier, nil
}

func (h *Head) readVisualProjs() (visualProjs, error) {
	path := h.config.VisualProjsPath
	tensors, err := weights.ReadFile(path)
	if err != nil {
		return visualProjs{}, fmt.Errorf("load visual projections: %w", err)
	}

	byName := make(map[string]weights.Tensor, len(tensors))
	for _, t := range tensors {
		byName[t.Name] = t
	}

	var projs visualProjs
	expected := make(map[string]bool)
	if h.config.ViT {
		expected["proj.weight"] = true
		projs.proj, err = projFromTensors(byName, "proj", h.config.TextChannels, h.config.InChannels, false)
		if err != nil {
			return visualProjs{}, fmt.Errorf("load visual projections: %s: %w", path, err)
		}
	} else {
		for name, layer := range map[string]struct {
			out  int
			dest **nn.Conv2d
		}{
			"q_proj": {h.config.InChannels, &projs.q},
			"k_proj": {h.config.InChannels, &projs.k},
			"v_proj": {h.config.InChannels, &projs.v},
			"c_proj": {h.config.TextChannels, &projs.c},
		} {
			expected[name+".weight"] = true
			expected[name+".bias"] = true
			*layer.dest, err = projFromTensors(byName, name, layer.out, h.config.InChannels, true)
			if err != nil {
				return visualProjs{}, fmt.Errorf("load visual projections: %s: %w", path, err)
			}
		}
	}

	var unexpected []string
	for name := range byName {
		if !expected[name] {
			unexpected = append(unexpected, name)
		}
	}
	if len(unexpected) > 0 {
		slices.Sort(unexpected)
		slog.Warn("ignoring unexpected tensors", "path", path, "names", unexpected)
	}

	slog.Info("loaded projection weights", "path", path, "projections", len(expected))
	return projs, nil
}

// projFromTensors assembles one 1x1 projection from its named weight
// and, for the attention pooling variant, bias tensors.
func projFromTensors(tensors map[string]weights.Tensor, name string, out, in int, withBias bool) (*nn.Conv2d, error) {
	weight, ok := tensors[name+".weight"]
	if !ok {
		return nil, fmt.Errorf("missing tensor %q", name+".weight")
	}

	wdata, err := projWeight(weight, out, in)
	if err != nil {
		return nil, err
	}

	conv := &nn.Conv2d{Weight: nn.FromSlice(wdata, out, in, 1, 1)}
	if !withBias {
		return conv, nil
	}

	bias, ok := tensors[name+".bias"]
	if !ok {
		return nil, fmt.Errorf("missing tensor %q", name+".bias")
	}

	if len(bias.Shape) != 1 || bias.Shape[0] != out {
		return nil, fmt.Errorf("tensor %q has shape %v, want [%d]", bias.Name, bias.Shape, out)
	}

	conv.Bias = nn.FromSlice(bias.Data, out)
	return conv, nil
}

// projWeight accepts a projection weight stored either as a matrix or
// with trailing unit spatial dims and returns its values.
func projWeight(t weights.Tensor, out, in int) ([]float32, error) {
	shape := t.Shape
	if len(shape) == 4 && shape[2] == 1 && shape[3] == 1 {
		shape = shape[:2]
	}

	if len(shape) != 2 || shape[0] != out || shape[1] != in {
		return nil, fmt.Errorf("tensor %q has shape %v, want a %dx%d matrix", t.Name, t.Shape, out, in)
	}

	return t.Data, nil
}
