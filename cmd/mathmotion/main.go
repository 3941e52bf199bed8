package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"mathmotion/internal/artifacts"
	"mathmotion/internal/config"
	"mathmotion/internal/generator"
	"mathmotion/internal/logging"
	"mathmotion/internal/perception"
	"mathmotion/internal/pipeline"
	"mathmotion/internal/render"
	"mathmotion/internal/validator"
)

var (
	// Global flags
	cfgPath string
	verbose bool
	extra   string

	cfg *config.Config
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "mathmotion",
	Short: "mathmotion - math problems in, animations out",
	Long: `mathmotion turns a math problem (typed or photographed) into a short
animation. Scene code is generated by a model, statically validated, and
rendered by an external ManimGL-compatible engine, with automatic repair
when a stage fails.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		if err := logging.Initialize(level); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		logging.Boot("%s %s starting", cfg.Name, cfg.Version)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

// animateCmd runs the full generation-render pipeline.
var animateCmd = &cobra.Command{
	Use:   "animate [problem]",
	Short: "Generate and render an animation for a math problem",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRequest(cmd.Context(), strings.Join(args, " "), pipeline.ModeAnimate)
	},
}

// answerCmd returns a direct answer without rendering.
var answerCmd = &cobra.Command{
	Use:   "answer [problem]",
	Short: "Answer a math problem directly, no animation",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRequest(cmd.Context(), strings.Join(args, " "), pipeline.ModeAnswer)
	},
}

// explainCmd returns a step-by-step explanation without rendering.
var explainCmd = &cobra.Command{
	Use:   "explain [problem]",
	Short: "Explain a math problem step by step, no animation",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRequest(cmd.Context(), strings.Join(args, " "), pipeline.ModeExplain)
	},
}

// fromImageCmd extracts a problem from an image, then dispatches.
var fromImageCmd = &cobra.Command{
	Use:   "from-image [image-file]",
	Short: "Extract a problem from a photo and process it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := modeFlag(cmd)
		if err != nil {
			return err
		}

		image, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read image: %w", err)
		}

		p, cleanup, err := buildPipeline(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer cleanup()

		outcome, err := p.RunFromImage(cmd.Context(), image, mimeTypeFor(args[0]), extra, mode)
		printOutcome(outcome)
		return err
	},
}

// validateCmd runs the static validator over a scene script.
var validateCmd = &cobra.Command{
	Use:   "validate [scene-file]",
	Short: "Statically validate a scene script",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read scene file: %w", err)
		}

		v, err := validator.New(cfg.Validator)
		if err != nil {
			return err
		}

		result := v.Validate(string(code))
		if result.Valid {
			fmt.Println("OK")
			return nil
		}
		fmt.Println(result.Summary())
		return fmt.Errorf("%d violations", len(result.Violations))
	},
}

// cleanupCmd evicts artifacts past the retention window.
var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete artifacts older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := artifacts.Open(cfg.Artifacts)
		if err != nil {
			return err
		}
		defer store.Close()

		maxAge, err := cfg.ArtifactMaxAge()
		if err != nil {
			return err
		}
		deleted, err := store.Sweep(maxAge)
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d artifacts older than %v\n", deleted, maxAge)
		return nil
	},
}

// runRequest drives a text request through the pipeline.
func runRequest(ctx context.Context, problem string, mode pipeline.Mode) error {
	needRender := mode != pipeline.ModeAnswer && mode != pipeline.ModeExplain

	p, cleanup, err := buildPipeline(ctx, needRender)
	if err != nil {
		return err
	}
	defer cleanup()

	outcome, err := p.Run(ctx, pipeline.Request{MathText: problem, Extra: extra, Mode: mode})
	printOutcome(outcome)
	return err
}

// buildPipeline constructs the collaborators. The render stack and the
// artifact store are only built when the heavy path can run.
func buildPipeline(ctx context.Context, heavy bool) (*pipeline.Pipeline, func(), error) {
	client, err := perception.NewGeminiClient(ctx, perception.GeminiConfig{
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		VisionModel: cfg.Vision.Model,
		MaxRetries:  cfg.LLM.MaxRetries,
	})
	if err != nil {
		return nil, nil, err
	}

	deps := pipeline.Deps{
		Generator: generator.New(client, cfg.Generator),
		Vision:    client,
	}
	cleanup := func() {}

	v, err := validator.New(cfg.Validator)
	if err != nil {
		return nil, nil, err
	}
	deps.Validator = v

	if heavy {
		timeout, err := cfg.RenderTimeout()
		if err != nil {
			return nil, nil, err
		}
		renderer, err := render.New(cfg.Render, timeout)
		if err != nil {
			return nil, nil, err
		}
		store, err := artifacts.Open(cfg.Artifacts)
		if err != nil {
			return nil, nil, err
		}
		deps.Renderer = renderer
		deps.Store = store

		var watcher *validator.RulesWatcher
		if cfg.Validator.WatchRules && cfg.Validator.RulesPath != "" {
			watcher, err = validator.NewRulesWatcher(cfg.Validator.RulesPath, v)
			if err != nil {
				store.Close()
				return nil, nil, err
			}
			if err := watcher.Start(ctx); err != nil {
				store.Close()
				return nil, nil, err
			}
		}

		cleanup = func() {
			if watcher != nil {
				watcher.Stop()
			}
			store.Close()
		}
	}

	return pipeline.New(deps, cfg), cleanup, nil
}

func printOutcome(outcome *pipeline.Outcome) {
	if outcome == nil {
		return
	}
	if outcome.Text != "" {
		fmt.Println(outcome.Text)
	}
	if outcome.Artifact != nil {
		fmt.Printf("video: %s (%d bytes)\n", outcome.Artifact.URL, outcome.Artifact.Size)
	}
	if !outcome.Success && outcome.FinalCode != "" {
		fmt.Printf("last generated code:\n%s\n", outcome.FinalCode)
	}
	if outcome.AttemptsUsed > 1 {
		fmt.Printf("attempts used: %d\n", outcome.AttemptsUsed)
	}
}

func modeFlag(cmd *cobra.Command) (pipeline.Mode, error) {
	raw, _ := cmd.Flags().GetString("mode")
	switch pipeline.Mode(raw) {
	case pipeline.ModeAuto, pipeline.ModeAnswer, pipeline.ModeExplain, pipeline.ModeAnimate:
		return pipeline.Mode(raw), nil
	default:
		return "", fmt.Errorf("unknown mode %q", raw)
	}
}

func mimeTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	default:
		return "image/png"
	}
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "mathmotion.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&extra, "context", "", "extra context for the model (audience, difficulty)")

	fromImageCmd.Flags().String("mode", string(pipeline.ModeAuto), "auto, answer, explain or animate")

	rootCmd.AddCommand(animateCmd, answerCmd, explainCmd, fromImageCmd, validateCmd, cleanupCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
