package main

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/pdevine/tensor"
	"github.com/spf13/cobra"

	"github.com/openvocab/maskclip"
	"github.com/openvocab/maskclip/envconfig"
	"github.com/openvocab/maskclip/format"
	"github.com/openvocab/maskclip/imageproc"
	"github.com/openvocab/maskclip/logutil"
	"github.com/openvocab/maskclip/nn"
	"github.com/openvocab/maskclip/version"
	"github.com/openvocab/maskclip/weights"
)

func loadHead(cmd *cobra.Command) (*maskclip.Head, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return nil, errors.New("--config is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var params map[string]any
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	config, err := maskclip.ConfigFromMap(params)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return maskclip.New(config)
}

func InspectHandler(cmd *cobra.Command, args []string) error {
	head, err := loadHead(cmd)
	if err != nil {
		return err
	}

	out := os.Stdout
	prettyPrintHead(out, head.Config())
	fmt.Fprint(out, "\n")
	prettyPrintCheckpoints(out, head.Config())
	fmt.Fprint(out, "\n")
	prettyPrintRefinement(out, head.Config())

	category, _ := cmd.Flags().GetInt("category")
	if category < 0 {
		return nil
	}

	neighbors, _ := cmd.Flags().GetInt("neighbors")
	fmt.Fprint(out, "\n")
	return prettyPrintNeighbors(out, head, category, neighbors)
}

func newTable(out io.Writer) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding(" ")
	return table
}

func prettyPrintHead(out io.Writer, config maskclip.Config) {
	variant := "value projection"
	switch {
	case config.ViT:
		variant = "vit"
	case config.AttnPooling:
		variant = fmt.Sprintf("attention pooling, %d heads", config.NumHeads)
	}

	table := newTable(out)
	table.AppendBulk([][]string{
		{"", "Version:", version.Version},
		{"", "Variant:", variant},
		{"", "Classes:", strconv.Itoa(config.NumClasses)},
		{"", "Categories:", strconv.Itoa(config.TextCategories)},
		{"", "Backbone Channels:", strconv.Itoa(config.InChannels)},
		{"", "Embedding Channels:", strconv.Itoa(config.TextChannels)},
	})
	fmt.Fprint(out, "Head:\n")
	table.Render()
}

func prettyPrintCheckpoints(out io.Writer, config maskclip.Config) {
	table := newTable(out)
	table.AppendBulk([][]string{
		append([]string{"", "Text Embeddings:", config.TextEmbeddingsPath}, fileColumns(config.TextEmbeddingsPath)...),
		append([]string{"", "Visual Projections:", config.VisualProjsPath}, fileColumns(config.VisualProjsPath)...),
	})
	fmt.Fprint(out, "Checkpoints:\n")
	table.Render()
}

func prettyPrintRefinement(out io.Writer, config maskclip.Config) {
	var data [][]string
	switch {
	case config.TopkText > 0:
		data = append(data, []string{"", "Category Gate:", fmt.Sprintf("top %d by class token", config.TopkText)})
	case config.ClsThresh > 0:
		data = append(data, []string{"", "Category Gate:", "peak confidence over " + formatFloat(config.ClsThresh)})
	}

	if config.NumVote > 0 {
		thresholds := make([]string, len(config.VoteThresh))
		for i, t := range config.VoteThresh {
			thresholds[i] = formatFloat(t)
		}

		rounds := strconv.Itoa(config.NumVote)
		if len(thresholds) > 0 {
			rounds += " at " + strings.Join(thresholds, ", ")
		}

		data = append(data, []string{"", "Voting Rounds:", rounds})
	}

	switch {
	case config.TextCategories > config.NumClasses:
		data = append(data, []string{"", "Background:", fmt.Sprintf("max of %d surplus categories", config.TextCategories-config.NumClasses)})
	case config.BgThresh > 0:
		data = append(data, []string{"", "Background:", "constant " + formatFloat(config.BgThresh)})
	}

	if len(data) == 0 {
		fmt.Fprint(out, "Refinement: off\n")
		return
	}

	table := newTable(out)
	table.AppendBulk(data)
	fmt.Fprint(out, "Refinement:\n")
	table.Render()
}

func prettyPrintNeighbors(out io.Writer, head *maskclip.Head, category, neighbors int) error {
	embeddings := head.Embeddings()
	if category >= embeddings.Categories() {
		return fmt.Errorf("category %d outside the %d entry table", category, embeddings.Categories())
	}

	// the category matches itself first, ask for one extra
	similar, err := embeddings.Similar(embeddings.Row(category), neighbors+1)
	if err != nil {
		return err
	}

	var data [][]string
	for _, s := range similar {
		if s.Category == category {
			continue
		}

		data = append(data, []string{"", fmt.Sprintf("Category %d:", s.Category), fmt.Sprintf("%.3f", s.Similarity)})
		if len(data) == neighbors {
			break
		}
	}

	table := newTable(out)
	table.AppendBulk(data)
	fmt.Fprintf(out, "Nearest to category %d:\n", category)
	table.Render()
	return nil
}

func SegmentHandler(cmd *cobra.Command, args []string) error {
	head, err := loadHead(cmd)
	if err != nil {
		return err
	}
	head.SetTraining(false)

	featuresPath, _ := cmd.Flags().GetString("features")
	if featuresPath == "" {
		return errors.New("--features is required")
	}

	features, err := readFeatures(featuresPath)
	if err != nil {
		return err
	}

	output, err := head.Forward(features)
	if err != nil {
		return err
	}

	shape := output.Shape()
	if shape[0] != 1 {
		return fmt.Errorf("features hold %d samples, want 1", shape[0])
	}

	classes := nn.Ints(nn.ArgmaxChannels(output))
	height, width := shape[2], shape[3]

	var img image.Image = imageproc.Mask(classes, width, height, imageproc.Palette(shape[1]))

	if size, _ := cmd.Flags().GetString("resize"); size != "" {
		maskWidth, maskHeight, err := parseSize(size)
		if err != nil {
			return err
		}

		img = imageproc.Resize(img, maskWidth, maskHeight, imageproc.NearestNeighbor)
	}

	if overlayPath, _ := cmd.Flags().GetString("overlay"); overlayPath != "" {
		base, err := readImage(overlayPath)
		if err != nil {
			return err
		}

		opacity, _ := cmd.Flags().GetFloat64("opacity")
		img = imageproc.Overlay(base, img, opacity)
	}

	outputPath, _ := cmd.Flags().GetString("output")
	if err := writePNG(outputPath, img); err != nil {
		return err
	}

	prettyPrintCoverage(os.Stdout, classes, shape[1])
	return nil
}

func readFeatures(path string) (maskclip.Features, error) {
	tensors, err := weights.ReadFile(path)
	if err != nil {
		return maskclip.Features{}, err
	}

	var features maskclip.Features
	fields := map[string]**tensor.Dense{
		"map":         &features.Map,
		"query":       &features.Query,
		"key":         &features.Key,
		"value":       &features.Value,
		"class_token": &features.ClassToken,
	}

	var unknown []string
	for _, t := range tensors {
		dest, ok := fields[t.Name]
		if !ok {
			unknown = append(unknown, t.Name)
			continue
		}

		*dest = nn.FromSlice(t.Data, t.Shape...)
	}

	if len(unknown) > 0 {
		slices.Sort(unknown)
		slog.Warn("ignoring unknown tensors", "path", path, "names", unknown)
	}

	if features.Map == nil {
		return maskclip.Features{}, fmt.Errorf("%s has no %q tensor", path, "map")
	}

	return features, nil
}

func readImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	return img, nil
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := png.Encode(f, img); err != nil {
		return err
	}

	if fi, err := f.Stat(); err == nil {
		slog.Info("wrote segmentation mask", "path", path, "size", format.HumanBytes2(uint64(fi.Size())))
	}

	return nil
}

func prettyPrintCoverage(out io.Writer, classes []int, categories int) {
	counts := make([]int, categories)
	for _, class := range classes {
		counts[class]++
	}

	indices := make([]int, 0, categories)
	for i, count := range counts {
		if count > 0 {
			indices = append(indices, i)
		}
	}

	// largest areas first
	slices.SortFunc(indices, func(i, j int) int {
		return cmp.Compare(counts[j], counts[i])
	})

	var data [][]string
	for _, i := range indices {
		percent := 100 * float64(counts[i]) / float64(len(classes))
		data = append(data, []string{
			"",
			fmt.Sprintf("Category %d:", i),
			fmt.Sprintf("%s pixels (%.1f%%)", format.HumanNumber(uint64(counts[i])), percent),
		})
	}

	table := newTable(out)
	table.AppendBulk(data)
	fmt.Fprint(out, "Coverage:\n")
	table.Render()
}

func formatFloat(v float32) string {
	return strconv.FormatFloat(float64(v), 'g', -1, 32)
}

// fileColumns renders the size and age of a checkpoint file.
func fileColumns(path string) []string {
	fi, err := os.Stat(path)
	if err != nil {
		return []string{"?", "?"}
	}

	return []string{format.HumanBytes(fi.Size()), format.HumanTime(fi.ModTime(), "never")}
}

func parseSize(size string) (width, height int, err error) {
	w, h, ok := strings.Cut(size, "x")
	if ok {
		width, err = strconv.Atoi(w)
		if err == nil {
			height, err = strconv.Atoi(h)
		}
	}

	if !ok || err != nil || width < 1 || height < 1 {
		return 0, 0, fmt.Errorf("resize %q is not WIDTHxHEIGHT", size)
	}

	return width, height, nil
}

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "maskclip",
		Short:   "Open vocabulary segmentation with pretrained text and image embeddings",
		Version: version.Version,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
		},
	}

	cobra.EnableCommandSorting = false

	inspectCmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show the head configuration and checkpoint summary",
		Args:  cobra.ExactArgs(0),
		RunE:  InspectHandler,
	}
	inspectCmd.Flags().String("config", "", "Path to the head configuration JSON")
	inspectCmd.Flags().Int("category", -1, "Category whose nearest neighbors to list")
	inspectCmd.Flags().Int("neighbors", 5, "How many nearest categories to list")

	segmentCmd := &cobra.Command{
		Use:   "segment",
		Short: "Segment a backbone feature dump into a PNG mask",
		Args:  cobra.ExactArgs(0),
		RunE:  SegmentHandler,
	}
	segmentCmd.Flags().String("config", "", "Path to the head configuration JSON")
	segmentCmd.Flags().String("features", "", "Checkpoint holding the backbone features")
	segmentCmd.Flags().String("output", "mask.png", "Where to write the mask")
	segmentCmd.Flags().String("resize", "", "Scale the mask to WIDTHxHEIGHT")
	segmentCmd.Flags().String("overlay", "", "Blend the mask over this image")
	segmentCmd.Flags().Float64("opacity", 0.5, "Overlay blend opacity")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("maskclip version is", version.Version)
			return nil
		},
	}

	rootCmd.AddCommand(
		inspectCmd,
		segmentCmd,
		versionCmd,
	)

	return rootCmd
}

func main() {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
	cobra.CheckErr(NewCLI().ExecuteContext(context.Background()))
}
