// Package real implements the AI vendor clients backed by Runware (images),
// OpenAI (vision/chat), and remove.bg (background removal).
package real

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	aiadapter "github.com/ascensum/gen-image-runner/internal/adapter/ai"
	"github.com/ascensum/gen-image-runner/internal/adapter/ai/tokencount"
	"github.com/ascensum/gen-image-runner/internal/adapter/observability"
	"github.com/ascensum/gen-image-runner/internal/config"
	"github.com/ascensum/gen-image-runner/internal/domain"
	"github.com/ascensum/gen-image-runner/internal/service/ratelimiter"
)

// apiKeyOrBoot prefers the calling job's own credential, carried on ctx via
// domain.WithAPIKeys, over the process's boot-time config snapshot — so
// concurrent jobs and retries each hit the vendor with their own key instead
// of whichever key config.Load() happened to see at startup (§5: "concurrent
// retry operations must re-seed [keys] from the resolved configuration").
func apiKeyOrBoot(ctx context.Context, pick func(domain.APIKeys) string, boot string) string {
	if keys, ok := domain.APIKeysFromContext(ctx); ok {
		if v := pick(keys); v != "" {
			return v
		}
	}
	return boot
}

// ImageClient implements domain.ImageProvider against the Runware HTTP API.
type ImageClient struct {
	cfg      config.Config
	hc       *http.Client
	limiter  ratelimiter.Limiter
	breakers *aiadapter.CircuitBreakerManager
	blocked  *aiadapter.RateLimitCache
}

// NewImageClient constructs an ImageClient with tracing, circuit breaking, and
// rate-limit cache wiring matching the teacher's AI client texture.
func NewImageClient(cfg config.Config, limiter ratelimiter.Limiter) *ImageClient {
	return &ImageClient{
		cfg:      cfg,
		hc:       &http.Client{Timeout: 60 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		limiter:  limiter,
		breakers: aiadapter.NewCircuitBreakerManager(),
		blocked:  aiadapter.NewRateLimitCache(),
	}
}

type runwareGenerateRequest struct {
	TaskType       string  `json:"taskType"`
	TaskUUID       string  `json:"taskUUID"`
	PositivePrompt string  `json:"positivePrompt"`
	NegativePrompt string  `json:"negativePrompt,omitempty"`
	Model          string  `json:"model"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Seed           *int64  `json:"seed,omitempty"`
	NumberResults  int     `json:"numberResults"`
}

type runwareResponse struct {
	Data []struct {
		ImageURL string `json:"imageURL"`
		Error    string `json:"error"`
	} `json:"data"`
}

// GenerateImage calls Runware and downloads the produced image to a temp path.
func (c *ImageClient) GenerateImage(ctx context.Context, model, prompt, negativePrompt string, seed int64, width, height int) (string, error) {
	breaker := c.breakers.GetBreaker(model)
	if !breaker.ShouldAttempt() {
		return "", fmt.Errorf("upstream rate limit: circuit open for model %s", model)
	}
	if c.blocked.IsModelBlocked(model) {
		return "", fmt.Errorf("upstream rate limit: model %s blocked until recovery", model)
	}
	if c.limiter != nil {
		allowed, retryAfter, err := c.limiter.Allow(ctx, "image:"+model, 1)
		if err == nil && !allowed {
			return "", fmt.Errorf("rate limited: retry after %s", retryAfter)
		}
	}

	var imageURL string
	op := func() error {
		body := []runwareGenerateRequest{{
			TaskType:       "imageInference",
			TaskUUID:       uuid.NewString(),
			PositivePrompt: prompt,
			NegativePrompt: negativePrompt,
			Model:          model,
			Width:          width,
			Height:         height,
			NumberResults:  1,
		}}
		if seed != 0 {
			body[0].Seed = &seed
		}
		b, err := json.Marshal(body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("marshal runware request: %w", err))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RunwareBaseURL+"/image/inference", bytes.NewReader(b))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+apiKeyOrBoot(ctx, func(k domain.APIKeys) string { return k.Runware }, c.cfg.RunwareAPIKey))

		resp, err := c.hc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode == http.StatusTooManyRequests {
			c.blocked.RecordRateLimit(model, 20*time.Second)
			return fmt.Errorf("upstream rate limit: runware returned 429")
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("upstream timeout: runware returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			raw, _ := io.ReadAll(resp.Body)
			return backoff.Permanent(fmt.Errorf("invalid argument: runware returned %d: %s", resp.StatusCode, string(raw)))
		}

		var out runwareResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("schema invalid: decode runware response: %w", err)
		}
		if len(out.Data) == 0 || out.Data[0].ImageURL == "" {
			return fmt.Errorf("schema invalid: runware response missing image url")
		}
		imageURL = out.Data[0].ImageURL
		return nil
	}

	maxElapsed, initial, maxInterval, multiplier := c.cfg.GetAIBackoffConfig()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = maxInterval
	bo.Multiplier = multiplier
	bo.MaxElapsedTime = maxElapsed

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		breaker.RecordFailure()
		return "", err
	}
	breaker.RecordSuccess()
	c.blocked.RecordSuccess(model)

	path, err := c.download(ctx, imageURL)
	if err != nil {
		return "", fmt.Errorf("download generated image: %w", err)
	}
	return path, nil
}

func (c *ImageClient) download(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download status %d", resp.StatusCode)
	}

	dest := filepath.Join(os.TempDir(), "genimg-"+uuid.NewString()+".png")
	f, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return "", err
	}
	return dest, nil
}

// VisionClient implements domain.VisionProvider against the OpenAI chat/vision API.
type VisionClient struct {
	cfg     config.Config
	hc      *http.Client
	cleaner *aiadapter.ResponseCleaner
	limiter ratelimiter.Limiter
}

// NewVisionClient constructs a VisionClient.
func NewVisionClient(cfg config.Config, limiter ratelimiter.Limiter) *VisionClient {
	return &VisionClient{
		cfg:     cfg,
		hc:      &http.Client{Timeout: 30 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		cleaner: aiadapter.NewResponseCleaner(),
		limiter: limiter,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *VisionClient) chat(ctx context.Context, model, systemPrompt, userPrompt string) (string, error) {
	if c.limiter != nil {
		allowed, retryAfter, err := c.limiter.Allow(ctx, "vision:"+model, 1)
		if err == nil && !allowed {
			return "", fmt.Errorf("rate limited: retry after %s", retryAfter)
		}
	}

	reqBody := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	}
	b, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.OpenAIBaseURL+"/chat/completions", bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKeyOrBoot(ctx, func(k domain.APIKeys) string { return k.OpenAI }, c.cfg.OpenAIAPIKey))

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("upstream timeout: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", fmt.Errorf("upstream rate limit: openai returned 429")
	}
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("schema invalid: openai returned %d: %s", resp.StatusCode, string(raw))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("schema invalid: decode openai response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("schema invalid: openai response has no choices")
	}
	completion := out.Choices[0].Message.Content
	if usage, err := tokencount.DefaultCounter.CalculateUsage(systemPrompt, userPrompt, completion, model, "openai"); err == nil {
		observability.RecordAITokenUsage("openai", "prompt", model, usage.PromptTokens)
		observability.RecordAITokenUsage("openai", "completion", model, usage.CompletionTokens)
	}
	return completion, nil
}

// GenerateParameters asks the vision model to produce a JSON parameter object.
func (c *VisionClient) GenerateParameters(ctx context.Context, model, systemPrompt, userPrompt string) (string, error) {
	raw, err := c.chat(ctx, model, systemPrompt, userPrompt)
	if err != nil {
		return "", err
	}
	cleaned, err := c.cleaner.CleanAndValidateJSON(raw)
	if err != nil {
		return "", fmt.Errorf("schema invalid: %w", err)
	}
	return cleaned, nil
}

// ReviewImage asks the vision model to QC-review an image, described by instructions
// (the image itself is referenced by path in the prompt; callers embed any
// vendor-specific image-attachment protocol inside instructions/userPrompt).
func (c *VisionClient) ReviewImage(ctx context.Context, model, imagePath, instructions string) (bool, string, error) {
	userPrompt := fmt.Sprintf("Review the image at %s.\n%s\nRespond with JSON: {\"passed\": bool, \"reason\": string}", imagePath, instructions)
	raw, err := c.chat(ctx, model, "You are a strict image quality reviewer.", userPrompt)
	if err != nil {
		return false, "", err
	}
	cleaned, err := c.cleaner.CleanAndValidateJSON(raw)
	if err != nil {
		return false, "", fmt.Errorf("schema invalid: %w", err)
	}
	var verdict struct {
		Passed bool   `json:"passed"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(cleaned), &verdict); err != nil {
		return false, "", fmt.Errorf("schema invalid: decode qc verdict: %w", err)
	}
	return verdict.Passed, verdict.Reason, nil
}

// GenerateMetadata asks the vision model for upload-ready title/description/tags
// for a finished image (§4.1 step 3).
func (c *VisionClient) GenerateMetadata(ctx context.Context, model, imagePath, originalPrompt, metadataPrompt string) (string, string, []string, error) {
	userPrompt := fmt.Sprintf("Image at %s, generated from prompt %q.\n%s\nRespond with JSON: {\"title\": string, \"description\": string, \"uploadTags\": [string]}", imagePath, originalPrompt, metadataPrompt)
	raw, err := c.chat(ctx, model, "You write concise stock-image upload metadata.", userPrompt)
	if err != nil {
		return "", "", nil, err
	}
	cleaned, err := c.cleaner.CleanAndValidateJSON(raw)
	if err != nil {
		return "", "", nil, fmt.Errorf("schema invalid: %w", err)
	}
	var meta struct {
		Title      string   `json:"title"`
		Description string  `json:"description"`
		UploadTags []string `json:"uploadTags"`
	}
	if err := json.Unmarshal([]byte(cleaned), &meta); err != nil {
		return "", "", nil, fmt.Errorf("schema invalid: decode metadata: %w", err)
	}
	return meta.Title, meta.Description, meta.UploadTags, nil
}

// BackgroundRemoverClient implements domain.BackgroundRemover against remove.bg.
type BackgroundRemoverClient struct {
	cfg config.Config
	hc  *http.Client
}

// NewBackgroundRemoverClient constructs a BackgroundRemoverClient.
func NewBackgroundRemoverClient(cfg config.Config) *BackgroundRemoverClient {
	return &BackgroundRemoverClient{
		cfg: cfg,
		hc:  &http.Client{Timeout: 30 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

// RemoveBackground uploads sourcePath to remove.bg and writes the result
// alongside it. The returned bool reports whether the vendor actually
// applied background removal (§4.1 step 4's mark_failed check (b)); a
// missing key short-circuits before any HTTP call so that check can be
// tested independently of the network.
func (c *BackgroundRemoverClient) RemoveBackground(ctx context.Context, sourcePath string) (string, bool, error) {
	key := apiKeyOrBoot(ctx, func(k domain.APIKeys) string { return k.RemoveBg }, c.cfg.RemoveBgAPIKey)
	if key == "" {
		return "", false, fmt.Errorf("processing_failed:remove_bg: remove.bg api key is not configured")
	}

	f, err := os.Open(sourcePath)
	if err != nil {
		return "", false, fmt.Errorf("open source image: %w", err)
	}
	defer func() { _ = f.Close() }()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image_file", filepath.Base(sourcePath))
	if err != nil {
		return "", false, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", false, err
	}
	_ = mw.WriteField("size", "auto")
	if err := mw.Close(); err != nil {
		return "", false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RemoveBgBaseURL+"/removebg", &buf)
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Api-Key", key)

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("upstream timeout: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", false, fmt.Errorf("upstream rate limit: remove.bg returned 429")
	}
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return "", false, fmt.Errorf("processing_failed:remove_bg: remove.bg returned %d: %s", resp.StatusCode, string(raw))
	}

	outPath := sourcePath + ".nobg.png"
	out, err := os.Create(outPath)
	if err != nil {
		return "", false, err
	}
	defer func() { _ = out.Close() }()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return "", false, err
	}
	return outPath, true, nil
}
