// Package videogen drives the faceless video pipeline: a script service, an
// image service and a video assembly service, all reached over HTTP.
package videogen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/ashureev/rag-support/internal/config"
)

const (
	scriptTimeout = 30 * time.Second
	imageTimeout  = 60 * time.Second
	videoTimeout  = 120 * time.Second

	maxErrorBody = 4 << 10
)

// Scene is one shot of a generated script.
type Scene struct {
	SceneNumber int     `json:"scene_number"`
	Text        string  `json:"text"`
	Duration    float64 `json:"duration"`
	ImagePrompt string  `json:"image_prompt"`
}

// Script is the structured output of the script service.
type Script struct {
	Title  string  `json:"title"`
	Scenes []Scene `json:"scenes"`
}

// StatusError is a non-2xx reply from one of the services.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.URL, e.StatusCode, e.Body)
}

// Client calls the three services with per-call timeouts and retries.
type Client struct {
	http         *http.Client
	scriptURL    string
	imageURL     string
	videoURL     string
	attempts     uint
	delay        time.Duration
	maxNewTokens int
}

// NewClient builds a Client from cfg.
func NewClient(cfg config.VideoConfig) *Client {
	attempts := uint(1)
	if cfg.MaxRetries > 0 {
		attempts = uint(cfg.MaxRetries)
	}
	return &Client{
		http:         &http.Client{},
		scriptURL:    strings.TrimRight(cfg.ScriptURL, "/"),
		imageURL:     strings.TrimRight(cfg.ImageURL, "/"),
		videoURL:     strings.TrimRight(cfg.VideoURL, "/"),
		attempts:     attempts,
		delay:        500 * time.Millisecond,
		maxNewTokens: cfg.MaxNewTokens,
	}
}

// GenerateScript asks the script service for a scene breakdown of prompt.
func (c *Client) GenerateScript(ctx context.Context, prompt string, temperature float64) (*Script, error) {
	req := map[string]any{
		"prompt":      prompt,
		"temperature": temperature,
		"max_length":  c.maxNewTokens,
	}
	var raw json.RawMessage
	if err := c.post(ctx, c.scriptURL+"/generate-script", scriptTimeout, req, &raw); err != nil {
		return nil, err
	}
	return decodeScript(raw)
}

// GenerateImages renders prompts into outputDir and returns the image paths.
func (c *Client) GenerateImages(ctx context.Context, prompts []string, outputDir string) ([]string, error) {
	req := map[string]any{
		"prompts":    prompts,
		"output_dir": outputDir,
	}
	var resp struct {
		ImagePaths []string `json:"image_paths"`
	}
	if err := c.post(ctx, c.imageURL+"/generate-images", imageTimeout, req, &resp); err != nil {
		return nil, err
	}
	if len(resp.ImagePaths) != len(prompts) {
		return nil, fmt.Errorf("image service returned %d paths for %d prompts", len(resp.ImagePaths), len(prompts))
	}
	return resp.ImagePaths, nil
}

// CreateVideo assembles the script and images into a video under outputPath.
func (c *Client) CreateVideo(ctx context.Context, script *Script, imagePaths []string, outputPath string) (string, error) {
	req := map[string]any{
		"script_data": script,
		"image_paths": imagePaths,
		"output_path": outputPath,
	}
	var resp struct {
		VideoPath string `json:"video_path"`
	}
	if err := c.post(ctx, c.videoURL+"/create-video", videoTimeout, req, &resp); err != nil {
		return "", err
	}
	if resp.VideoPath == "" {
		return "", errors.New("video service returned no video_path")
	}
	return resp.VideoPath, nil
}

// post sends body as JSON and decodes the reply into out. Transport errors and
// 5xx replies are retried; 4xx replies are not.
func (c *Client) post(ctx context.Context, url string, timeout time.Duration, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	return retry.Do(func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return retry.Unrecoverable(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			statusErr := &StatusError{URL: url, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
			if resp.StatusCode < 500 {
				return retry.Unrecoverable(statusErr)
			}
			return statusErr
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return retry.Unrecoverable(fmt.Errorf("decode %s: %w", url, err))
		}
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("Video service request failed, retrying", "url", url, "attempt", n+1, "error", err)
		}),
	)
}

// decodeScript accepts a bare script, a {"status","data"} envelope, or plain
// generated text in either position.
func decodeScript(raw json.RawMessage) (*Script, error) {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.Data) > 0 {
		raw = envelope.Data
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return ScriptFromText(text), nil
	}

	var script Script
	if err := json.Unmarshal(raw, &script); err != nil {
		return nil, fmt.Errorf("decode script: %w", err)
	}
	return &script, nil
}

// ScriptFromText splits generated text on blank lines. The first block is the
// title and every later block becomes a scene whose image prompt is its first
// 100 characters.
func ScriptFromText(text string) *Script {
	var blocks []string
	for _, b := range strings.Split(text, "\n\n") {
		if b = strings.TrimSpace(b); b != "" {
			blocks = append(blocks, b)
		}
	}

	script := &Script{Title: "Generated Video"}
	if len(blocks) == 0 {
		return script
	}
	script.Title = blocks[0]
	for i, b := range blocks[1:] {
		prompt := b
		if r := []rune(prompt); len(r) > 100 {
			prompt = string(r[:100])
		}
		script.Scenes = append(script.Scenes, Scene{
			SceneNumber: i + 1,
			Text:        b,
			Duration:    5,
			ImagePrompt: prompt,
		})
	}
	return script
}
