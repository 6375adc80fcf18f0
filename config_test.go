package maskclip

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func validConfig() Config {
	config := DefaultConfig()
	config.NumClasses = 3
	config.InChannels = 2
	config.TextCategories = 3
	config.TextChannels = 2
	config.TextEmbeddingsPath = "text.safetensors"
	config.VisualProjsPath = "projs.safetensors"
	return config
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	if config.NumHeads != 32 {
		t.Errorf("NumHeads = %d, want 32", config.NumHeads)
	}

	if config.NumVote != 0 || config.TopkText != 0 || config.ClsThresh != 0 || config.BgThresh != 0 {
		t.Errorf("refinement stages enabled by default: %+v", config)
	}
}

func TestConfigFromMap(t *testing.T) {
	config, err := ConfigFromMap(map[string]any{
		"num_classes":          float64(20),
		"in_channels":          float64(2048),
		"text_categories":      float64(171),
		"text_channels":        float64(1024),
		"text_embeddings_path": "text.pth",
		"visual_projs_path":    "projs.pth",
		"vit":                  true,
		"num_vote":             float64(2),
		"vote_thresh":          0.4,
		"cls_thresh":           0.5,
	})
	if err != nil {
		t.Fatal(err)
	}

	want := Config{
		NumClasses:         20,
		InChannels:         2048,
		TextCategories:     171,
		TextChannels:       1024,
		TextEmbeddingsPath: "text.pth",
		VisualProjsPath:    "projs.pth",
		ViT:                true,
		NumVote:            2,
		VoteThresh:         []float32{0.4},
		ClsThresh:          0.5,
		NumHeads:           32,
	}

	if diff := cmp.Diff(config, want); diff != "" {
		t.Errorf("mismatch (-got +want):\n%s", diff)
	}
}

func TestConfigFromMapVoteThreshList(t *testing.T) {
	config, err := ConfigFromMap(map[string]any{
		"num_vote":    float64(3),
		"vote_thresh": []any{0.2, 0.3, 0.4},
	})
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(config.VoteThresh, []float32{0.2, 0.3, 0.4}); diff != "" {
		t.Errorf("mismatch (-got +want):\n%s", diff)
	}
}

func TestConfigFromMapBadType(t *testing.T) {
	if _, err := ConfigFromMap(map[string]any{"num_classes": "twenty"}); err == nil {
		t.Error("expected error for a string class count")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no classes", func(c *Config) { c.NumClasses = 0 }, "num_classes"},
		{"no channels", func(c *Config) { c.InChannels = 0 }, "in_channels"},
		{"no text channels", func(c *Config) { c.TextChannels = 0 }, "text_channels"},
		{"too few categories", func(c *Config) { c.TextCategories = 2 }, "text_categories"},
		{"no embeddings path", func(c *Config) { c.TextEmbeddingsPath = "" }, "text_embeddings_path"},
		{"no projs path", func(c *Config) { c.VisualProjsPath = "" }, "visual_projs_path"},
		{"negative votes", func(c *Config) { c.NumVote = -1 }, "num_vote"},
		{"negative topk", func(c *Config) { c.TopkText = -1 }, "topk_text"},
		{"topk too large", func(c *Config) { c.TopkText = 4 }, "topk_text"},
		{"negative cls thresh", func(c *Config) { c.ClsThresh = -0.1 }, "cls_thresh"},
		{"negative bg thresh", func(c *Config) { c.BgThresh = -0.1 }, "bg_thresh"},
		{
			"vote thresh length",
			func(c *Config) { c.NumVote = 3; c.VoteThresh = []float32{0.1, 0.2} },
			"vote_thresh",
		},
		{
			"attn pooling head count",
			func(c *Config) { c.AttnPooling = true; c.NumHeads = 0 },
			"num_heads",
		},
		{
			"attn pooling uneven heads",
			func(c *Config) { c.AttnPooling = true; c.NumHeads = 32 },
			"heads",
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(&config)

			err := config.Validate()
			if err == nil {
				t.Fatal("expected an error")
			}

			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}

	if err := validConfig().Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestValidateAttnPoolingIgnoredForViT(t *testing.T) {
	config := validConfig()
	config.ViT = true
	config.AttnPooling = true
	config.NumHeads = 0

	if err := config.Validate(); err != nil {
		t.Errorf("head count should not matter for the vit variant: %v", err)
	}
}

func TestVoteThresholds(t *testing.T) {
	cases := []struct {
		name    string
		numVote int
		thresh  []float32
		want    []float32
	}{
		{"empty", 3, nil, []float32{0, 0, 0}},
		{"broadcast", 3, []float32{0.4}, []float32{0.4, 0.4, 0.4}},
		{"per round", 2, []float32{0.2, 0.6}, []float32{0.2, 0.6}},
		{"no rounds", 0, []float32{0.4}, []float32{}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			config := Config{NumVote: tt.numVote, VoteThresh: tt.thresh}
			if diff := cmp.Diff(config.voteThresholds(), tt.want); diff != "" {
				t.Errorf("mismatch (-got +want):\n%s", diff)
			}
		})
	}
}
