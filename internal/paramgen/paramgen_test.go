package paramgen

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ascensum/gen-image-runner/internal/adapter/ai/stub"
	"github.com/ascensum/gen-image-runner/internal/domain"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestGenerateNewlineSeparated(t *testing.T) {
	dir := t.TempDir()
	keywords := writeTempFile(t, dir, "keywords.txt", "a red fox\na blue whale\n")

	g := New(&stub.VisionClient{})
	cfg := domain.JobConfiguration{KeywordsFilePath: keywords, ImageWidth: 512, ImageHeight: 512}

	res, err := g.Generate(context.Background(), cfg, "gpt-4o", 1)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Prompt)
	assert.Equal(t, []string{"512x512"}, res.AspectRatios)
}

func TestGenerateCSVWithHeader(t *testing.T) {
	dir := t.TempDir()
	keywords := writeTempFile(t, dir, "keywords.csv", "subject,style\nfox,watercolor\nwhale,oil\n")

	g := New(&stub.VisionClient{})
	cfg := domain.JobConfiguration{KeywordsFilePath: keywords}

	res, err := g.Generate(context.Background(), cfg, "gpt-4o", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Prompt)
	assert.Equal(t, "fox", res.PromptContext.Columns["subject"])
}

func TestGenerateMissingKeywordsFile(t *testing.T) {
	g := New(&stub.VisionClient{})
	cfg := domain.JobConfiguration{KeywordsFilePath: "/nonexistent/keywords.txt"}
	_, err := g.Generate(context.Background(), cfg, "gpt-4o", 0)
	assert.Error(t, err)
}

func TestNormalizeAspectRatios(t *testing.T) {
	assert.Equal(t, []string{"1:1", "16:9"}, NormalizeAspectRatios("1:1, 16:9"))
	assert.Nil(t, NormalizeAspectRatios(""))
}
