package maskclip

import (
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
)

// Config describes a segmentation head. The zero value is not usable;
// start from DefaultConfig and fill in the required fields.
type Config struct {
	// NumClasses is the number of segmentation classes in the final
	// output. It may be smaller than TextCategories when the extra
	// categories act as background prompts.
	NumClasses int `mapstructure:"num_classes"`

	// InChannels is the channel width of the backbone feature map.
	InChannels int `mapstructure:"in_channels"`

	// TextCategories and TextChannels give the shape of the text
	// embedding table, one TextChannels wide row per category.
	TextCategories int `mapstructure:"text_categories"`
	TextChannels   int `mapstructure:"text_channels"`

	// TextEmbeddingsPath points at a checkpoint holding the category
	// embedding table. VisualProjsPath points at a checkpoint holding
	// the projection weights lifted from the image encoder.
	TextEmbeddingsPath string `mapstructure:"text_embeddings_path"`
	VisualProjsPath    string `mapstructure:"visual_projs_path"`

	// ViT selects the single-projection variant used with transformer
	// backbones. The default variant carries separate query, key,
	// value and output projections from an attention pooling layer.
	ViT bool `mapstructure:"vit"`

	// BgThresh, when positive, synthesizes a constant background
	// channel at that confidence. Ignored when TextCategories exceeds
	// NumClasses, in which case the surplus categories supply the
	// background instead.
	BgThresh float32 `mapstructure:"bg_thresh"`

	// NumVote is the number of spatial voting rounds applied during
	// refinement. VoteThresh holds one confidence threshold per round;
	// a single value is broadcast across rounds, and rounds whose
	// threshold is not positive rewrite every position.
	NumVote    int       `mapstructure:"num_vote"`
	VoteThresh []float32 `mapstructure:"vote_thresh"`

	// TopkText, when positive, keeps only the categories ranked
	// highest by class token affinity. Takes precedence over
	// ClsThresh, which suppresses categories whose peak confidence
	// stays below it.
	TopkText  int     `mapstructure:"topk_text"`
	ClsThresh float32 `mapstructure:"cls_thresh"`

	// AttnPooling runs the head as a full attention pooling layer
	// using NumHeads heads instead of the collapsed value path. Only
	// meaningful for the default variant; ignored when ViT is set.
	AttnPooling bool `mapstructure:"attn_pooling"`
	NumHeads    int  `mapstructure:"num_heads"`
}

// DefaultConfig returns a Config with the defaults every head shares.
// Refinement is off until the caller opts in to its stages.
func DefaultConfig() Config {
	return Config{
		NumHeads: 32,
	}
}

// ConfigFromMap decodes loosely typed parameters, such as a parsed
// JSON document, on top of the defaults. A scalar vote_thresh is
// accepted and later broadcast across voting rounds.
func ConfigFromMap(params map[string]any) (Config, error) {
	config := DefaultConfig()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: scalarToSliceHook,
		Result:     &config,
	})
	if err != nil {
		return Config{}, err
	}

	if err := decoder.Decode(params); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	return config, nil
}

// scalarToSliceHook wraps a bare number aimed at a float32 slice so
// per round thresholds can be written as a single value.
func scalarToSliceHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf([]float32(nil)) {
		return data, nil
	}

	switch from.Kind() {
	case reflect.Float32, reflect.Float64,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return []any{data}, nil
	}

	return data, nil
}

// Validate reports the first problem that would keep New from
// producing a working head.
func (c Config) Validate() error {
	switch {
	case c.NumClasses < 1:
		return fmt.Errorf("num_classes must be at least 1, got %d", c.NumClasses)
	case c.InChannels < 1:
		return fmt.Errorf("in_channels must be at least 1, got %d", c.InChannels)
	case c.TextChannels < 1:
		return fmt.Errorf("text_channels must be at least 1, got %d", c.TextChannels)
	case c.TextCategories < c.NumClasses:
		return fmt.Errorf("text_categories must cover all %d classes, got %d", c.NumClasses, c.TextCategories)
	case c.TextEmbeddingsPath == "":
		return fmt.Errorf("text_embeddings_path is required")
	case c.VisualProjsPath == "":
		return fmt.Errorf("visual_projs_path is required")
	case c.NumVote < 0:
		return fmt.Errorf("num_vote must not be negative, got %d", c.NumVote)
	case c.TopkText < 0:
		return fmt.Errorf("topk_text must not be negative, got %d", c.TopkText)
	case c.TopkText > c.TextCategories:
		return fmt.Errorf("topk_text must not exceed %d categories, got %d", c.TextCategories, c.TopkText)
	case c.ClsThresh < 0:
		return fmt.Errorf("cls_thresh must not be negative, got %v", c.ClsThresh)
	case c.BgThresh < 0:
		return fmt.Errorf("bg_thresh must not be negative, got %v", c.BgThresh)
	}

	switch len(c.VoteThresh) {
	case 0, 1, c.NumVote:
	default:
		return fmt.Errorf("vote_thresh needs one value or one per voting round, got %d for %d rounds", len(c.VoteThresh), c.NumVote)
	}

	if c.AttnPooling && !c.ViT {
		if c.NumHeads < 1 {
			return fmt.Errorf("num_heads must be at least 1, got %d", c.NumHeads)
		}
		if c.InChannels%c.NumHeads != 0 {
			return fmt.Errorf("in_channels %d must divide evenly across %d heads", c.InChannels, c.NumHeads)
		}
	}

	return nil
}

// voteThresholds expands VoteThresh to one threshold per voting round.
func (c Config) voteThresholds() []float32 {
	thresholds := make([]float32, c.NumVote)
	switch len(c.VoteThresh) {
	case 0:
	case 1:
		for i := range thresholds {
			thresholds[i] = c.VoteThresh[0]
		}
	default:
		copy(thresholds, c.VoteThresh)
	}

	return thresholds
}
