// Package stub provides deterministic in-memory implementations of the AI
// vendor ports for use in tests, mirroring the shape of the real clients
// without making network calls.
package stub

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ImageClient is a deterministic stand-in for domain.ImageProvider.
type ImageClient struct {
	// FailNext, when true, causes the next GenerateImage call to return an error.
	FailNext bool
	Calls    int
}

// GenerateImage writes a tiny placeholder file and returns its path.
func (c *ImageClient) GenerateImage(ctx context.Context, model, prompt, negativePrompt string, seed int64, width, height int) (string, error) {
	c.Calls++
	if c.FailNext {
		c.FailNext = false
		return "", fmt.Errorf("stub upstream timeout")
	}
	path := filepath.Join(os.TempDir(), "stub-image-"+uuid.NewString()+".png")
	if err := os.WriteFile(path, []byte("stub-image"), 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// VisionClient is a deterministic stand-in for domain.VisionProvider.
type VisionClient struct {
	ParametersJSON string
	QCPassed       bool
	QCReason       string
	FailNext       bool
}

// GenerateParameters returns the configured ParametersJSON, or a minimal default.
func (c *VisionClient) GenerateParameters(ctx context.Context, model, systemPrompt, userPrompt string) (string, error) {
	if c.FailNext {
		c.FailNext = false
		return "", fmt.Errorf("stub schema invalid")
	}
	if c.ParametersJSON != "" {
		return c.ParametersJSON, nil
	}
	return `{"prompt":"` + userPrompt + `","negative_prompt":"","seed":1}`, nil
}

// ReviewImage returns the configured QC verdict, defaulting to a pass.
func (c *VisionClient) ReviewImage(ctx context.Context, model, imagePath, instructions string) (bool, string, error) {
	if c.FailNext {
		c.FailNext = false
		return false, "", fmt.Errorf("stub upstream rate limit")
	}
	if c.QCReason != "" {
		return c.QCPassed, c.QCReason, nil
	}
	return true, "", nil
}

// GenerateMetadata returns a deterministic title/description/tags triple.
func (c *VisionClient) GenerateMetadata(ctx context.Context, model, imagePath, originalPrompt, metadataPrompt string) (string, string, []string, error) {
	if c.FailNext {
		c.FailNext = false
		return "", "", nil, fmt.Errorf("stub schema invalid")
	}
	return "Stub title", "Stub description for " + originalPrompt, []string{"stub", "generated"}, nil
}

// BackgroundRemoverClient is a deterministic stand-in for domain.BackgroundRemover.
type BackgroundRemoverClient struct {
	FailNext bool
	// SkipNext, when true, causes the next RemoveBackground call to succeed
	// with no error but report applied=false, simulating a vendor that
	// no-ops on a source it can't process (§4.1 step 4 check (b)).
	SkipNext bool
}

// RemoveBackground copies the source to a sibling path to simulate processing.
func (c *BackgroundRemoverClient) RemoveBackground(ctx context.Context, sourcePath string) (string, bool, error) {
	if c.FailNext {
		c.FailNext = false
		return "", false, fmt.Errorf("stub processing_failed:remove_bg")
	}
	if c.SkipNext {
		c.SkipNext = false
		return sourcePath, false, nil
	}
	data, err := os.ReadFile(sourcePath)
	if err != nil {
		data = []byte("stub-image")
	}
	outPath := sourcePath + ".nobg.png"
	if err := os.WriteFile(outPath, data, 0o600); err != nil {
		return "", false, err
	}
	return outPath, true, nil
}
