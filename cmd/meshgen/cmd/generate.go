package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/psantana5/meshgen/pkg/models"
)

var (
	negativePrompt string
	faceLimit      int
	quad           bool
	modelVersion   string
	noWait         bool
	outDir         string

	viewFront string
	viewLeft  string
	viewBack  string
	viewRight string
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a model",
	Long:  `Submit a generation job, follow it until it finishes and import the model into the output directory.`,
}

var generateTextCmd = &cobra.Command{
	Use:   "text <prompt>",
	Short: "Generate a model from a text prompt",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := commonParams()
		params.Prompt = strings.Join(args, " ")
		return submitAndFollow(cmd, models.JobKindTextToModel, params)
	},
}

var generateImageCmd = &cobra.Command{
	Use:   "image <path>",
	Short: "Generate a model from one image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := commonParams()
		params.Image = &models.ImageInput{Path: args[0]}
		return submitAndFollow(cmd, models.JobKindImageToModel, params)
	},
}

var generateMultiviewCmd = &cobra.Command{
	Use:   "multiview",
	Short: "Generate a model from up to four views",
	Long:  `Generate a model from front, left, back and right views. The front view is required.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		params := commonParams()
		params.Views = &models.MultiviewImages{
			Front: imageFlag(viewFront),
			Left:  imageFlag(viewLeft),
			Back:  imageFlag(viewBack),
			Right: imageFlag(viewRight),
		}
		return submitAndFollow(cmd, models.JobKindMultiviewToModel, params)
	},
}

func init() {
	rootCmd.AddCommand(generateCmd)
	generateCmd.AddCommand(generateTextCmd)
	generateCmd.AddCommand(generateImageCmd)
	generateCmd.AddCommand(generateMultiviewCmd)

	flags := generateCmd.PersistentFlags()
	flags.StringVar(&negativePrompt, "negative", "", "negative prompt")
	flags.IntVar(&faceLimit, "face-limit", 0, "maximum number of faces (0 lets the service decide)")
	flags.BoolVar(&quad, "quad", false, "quad mesh output (v2 model versions only)")
	flags.StringVar(&modelVersion, "model-version", "", "model version (default from config)")
	flags.BoolVar(&noWait, "no-wait", false, "submit and print the job id without waiting")
	flags.StringVar(&outDir, "out", "", "output directory for imported models (default from config)")

	generateMultiviewCmd.Flags().StringVar(&viewFront, "front", "", "front view image (required)")
	generateMultiviewCmd.Flags().StringVar(&viewLeft, "left", "", "left view image")
	generateMultiviewCmd.Flags().StringVar(&viewBack, "back", "", "back view image")
	generateMultiviewCmd.Flags().StringVar(&viewRight, "right", "", "right view image")
	generateMultiviewCmd.MarkFlagRequired("front")
}

func commonParams() models.JobParams {
	return models.JobParams{
		NegativePrompt: negativePrompt,
		ModelVersion:   modelVersion,
		FaceLimit:      faceLimit,
		Quad:           quad,
	}
}

func imageFlag(path string) *models.ImageInput {
	if path == "" {
		return nil
	}
	return &models.ImageInput{Path: path}
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func submitAndFollow(cmd *cobra.Command, kind models.JobKind, params models.JobParams) error {
	if err := params.Validate(kind); err != nil {
		return err
	}
	if serverURL != "" {
		return submitToDaemon(cmd, kind, params)
	}
	if outDir != "" {
		cfg.OutputDir = outDir
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	rt, err := newRuntime("meshgen")
	if err != nil {
		return err
	}
	return rt.run(ctx, func(ctx context.Context) error {
		id, err := rt.session.Submit(ctx, kind, params)
		if err != nil {
			return err
		}
		if noWait {
			if IsJSONOutput() {
				return printJSON(map[string]string{"id": id})
			}
			fmt.Println(id)
			return nil
		}

		fmt.Fprintf(os.Stderr, "Submitted job %s\n", id)
		if err := rt.follow(ctx, id); err != nil {
			return err
		}
		return rt.report(id)
	})
}

// submitToDaemon hands the job to a running daemon, which uploads, follows
// and imports it. Image paths are made absolute for the daemon's benefit.
func submitToDaemon(cmd *cobra.Command, kind models.JobKind, params models.JobParams) error {
	images := []*models.ImageInput{params.Image}
	if params.Views != nil {
		images = append(images, params.Views.Ordered()...)
	}
	for _, img := range images {
		if img == nil || img.Path == "" {
			continue
		}
		abs, err := filepath.Abs(img.Path)
		if err != nil {
			return err
		}
		img.Path = abs
	}

	client, err := newDaemonClient()
	if err != nil {
		return err
	}
	id, err := client.Submit(cmd.Context(), kind, params)
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(map[string]string{"id": id, "server": client.BaseURL()})
	}
	fmt.Printf("Daemon at %s is following job %s\n", client.BaseURL(), id)
	return nil
}

// report prints the finished job and writes the scene manifest
func (rt *runtime) report(id string) error {
	manifest, err := rt.scene.SaveManifest()
	if err != nil {
		return err
	}
	job, ok := rt.registry.Get(id)
	if !ok {
		return fmt.Errorf("job %s vanished from the registry", id)
	}
	if IsJSONOutput() {
		return printJSON(map[string]interface{}{
			"job":      job,
			"objects":  rt.scene.Objects(),
			"manifest": manifest,
		})
	}

	if err := displayJob(job); err != nil {
		return err
	}
	fmt.Println()
	for _, obj := range rt.scene.Objects() {
		fmt.Printf("Imported %s as %s\n", obj.File, obj.Handle)
	}
	fmt.Printf("Scene manifest: %s\n", manifest)
	return nil
}
