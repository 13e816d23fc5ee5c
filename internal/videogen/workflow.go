package videogen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashureev/rag-support/internal/config"
)

// ErrNoScenes is returned when the script service produced nothing to render.
var ErrNoScenes = errors.New("script has no scenes")

// Workflow runs script, image and video generation end to end.
type Workflow struct {
	client    *Client
	outputDir string
	duration  int
	now       func() time.Time
}

// NewWorkflow creates a Workflow writing under cfg.OutputDir.
func NewWorkflow(client *Client, cfg config.VideoConfig) *Workflow {
	duration := cfg.DurationSecs
	if duration <= 0 {
		duration = 60
	}
	return &Workflow{
		client:    client,
		outputDir: cfg.OutputDir,
		duration:  duration,
		now:       time.Now,
	}
}

// Run generates a video for prompt and returns its path.
func (w *Workflow) Run(ctx context.Context, prompt string, temperature float64) (string, error) {
	start := w.now()
	for _, dir := range []string{"scripts", "images", "videos"} {
		if err := os.MkdirAll(filepath.Join(w.outputDir, dir), 0o755); err != nil {
			return "", fmt.Errorf("create output dir: %w", err)
		}
	}

	slog.Info("Generating script", "prompt_length", len(prompt), "temperature", temperature)
	script, err := w.client.GenerateScript(ctx, prompt, temperature)
	if err != nil {
		return "", fmt.Errorf("generate script: %w", err)
	}
	if len(script.Scenes) == 0 {
		return "", fmt.Errorf("generate script: %w", ErrNoScenes)
	}
	if err := w.saveScript(script, start); err != nil {
		return "", fmt.Errorf("save script: %w", err)
	}

	slog.Info("Generating images", "scenes", len(script.Scenes))
	images, err := w.generateImages(ctx, script, start)
	if err != nil {
		return "", fmt.Errorf("generate images: %w", err)
	}

	perScene := float64(w.duration) / float64(len(script.Scenes))
	for i := range script.Scenes {
		script.Scenes[i].Duration = perScene
	}

	slog.Info("Creating video", "scenes", len(script.Scenes), "scene_duration", perScene)
	path, err := w.client.CreateVideo(ctx, script, images, filepath.Join(w.outputDir, "videos"))
	if err != nil {
		return "", fmt.Errorf("create video: %w", err)
	}

	slog.Info("Workflow completed", "video_path", path, "duration", w.now().Sub(start))
	return path, nil
}

func (w *Workflow) saveScript(script *Script, at time.Time) error {
	data, err := json.Marshal(script)
	if err != nil {
		return err
	}
	name := "script_" + strconv.FormatInt(at.Unix(), 10) + ".json"
	return os.WriteFile(filepath.Join(w.outputDir, "scripts", name), data, 0o644)
}

// generateImages renders one image per scene concurrently. Each scene gets its
// own directory so parallel renders never overwrite each other.
func (w *Workflow) generateImages(ctx context.Context, script *Script, at time.Time) ([]string, error) {
	paths := make([]string, len(script.Scenes))
	g, gctx := errgroup.WithContext(ctx)
	for i, scene := range script.Scenes {
		dir := filepath.Join(w.outputDir, "images", fmt.Sprintf("%d_scene_%d", at.Unix(), i+1))
		g.Go(func() error {
			out, err := w.client.GenerateImages(gctx, []string{scene.ImagePrompt}, dir)
			if err != nil {
				return fmt.Errorf("scene %d: %w", i+1, err)
			}
			paths[i] = out[0]
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}
