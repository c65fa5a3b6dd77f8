package stub

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImageClientGenerateImage(t *testing.T) {
	c := &ImageClient{}
	path, err := c.GenerateImage(context.Background(), "model", "prompt", "", 1, 512, 512)
	require.NoError(t, err)
	defer os.Remove(path)
	assert.FileExists(t, path)
	assert.Equal(t, 1, c.Calls)
}

func TestImageClientFailNext(t *testing.T) {
	c := &ImageClient{FailNext: true}
	_, err := c.GenerateImage(context.Background(), "model", "prompt", "", 1, 512, 512)
	assert.Error(t, err)

	path, err := c.GenerateImage(context.Background(), "model", "prompt", "", 1, 512, 512)
	require.NoError(t, err)
	defer os.Remove(path)
}

func TestVisionClientGenerateParameters(t *testing.T) {
	c := &VisionClient{}
	out, err := c.GenerateParameters(context.Background(), "model", "system", "a fox")
	require.NoError(t, err)
	assert.Contains(t, out, "a fox")
}

func TestVisionClientReviewImage(t *testing.T) {
	c := &VisionClient{}
	passed, reason, err := c.ReviewImage(context.Background(), "model", "/tmp/x.png", "check")
	require.NoError(t, err)
	assert.True(t, passed)
	assert.Empty(t, reason)

	c2 := &VisionClient{QCPassed: false, QCReason: "blurry"}
	passed2, reason2, err := c2.ReviewImage(context.Background(), "model", "/tmp/x.png", "check")
	require.NoError(t, err)
	assert.False(t, passed2)
	assert.Equal(t, "blurry", reason2)
}

func TestBackgroundRemoverClient(t *testing.T) {
	src, err := os.CreateTemp(t.TempDir(), "src-*.png")
	require.NoError(t, err)
	_, err = src.WriteString("data")
	require.NoError(t, err)
	require.NoError(t, src.Close())

	c := &BackgroundRemoverClient{}
	out, applied, err := c.RemoveBackground(context.Background(), src.Name())
	require.NoError(t, err)
	assert.True(t, applied)
	assert.FileExists(t, out)
}
