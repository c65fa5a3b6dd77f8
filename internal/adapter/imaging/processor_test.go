package imaging

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestPNG(t *testing.T, dir, name string, w, h int, border int) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x < border || y < border || x >= w-border || y >= h-border {
				img.Set(x, y, color.NRGBA{0, 0, 0, 0})
			} else {
				img.Set(x, y, color.NRGBA{200, 100, 50, 255})
			}
		}
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
	return path
}

func TestConvertToJPG(t *testing.T) {
	dir := t.TempDir()
	src := writeTestPNG(t, dir, "src.png", 20, 20, 0)

	p := New(dir)
	out, err := p.Convert(context.Background(), src, "jpg")
	require.NoError(t, err)
	assert.FileExists(t, out)
	assert.Equal(t, ".jpg", filepath.Ext(out))
}

func TestConvertWebpPassesThrough(t *testing.T) {
	dir := t.TempDir()
	src := writeTestPNG(t, dir, "src.png", 10, 10, 0)

	p := New(dir)
	out, err := p.Convert(context.Background(), src, "webp")
	require.NoError(t, err)
	assert.Equal(t, src, out)
}

func TestTrimRemovesTransparentBorder(t *testing.T) {
	dir := t.TempDir()
	src := writeTestPNG(t, dir, "bordered.png", 30, 30, 5)

	p := New(dir)
	out, err := p.Trim(context.Background(), src)
	require.NoError(t, err)
	assert.NotEqual(t, src, out)

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	trimmed, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 20, trimmed.Bounds().Dx())
	assert.Equal(t, 20, trimmed.Bounds().Dy())
}

func TestTrimNoOpWhenFullyOpaque(t *testing.T) {
	dir := t.TempDir()
	src := writeTestPNG(t, dir, "opaque.png", 10, 10, 0)

	p := New(dir)
	out, err := p.Trim(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, src, out)
}

func TestMoveToOutputRename(t *testing.T) {
	dir := t.TempDir()
	outDir := filepath.Join(dir, "out")
	src := writeTestPNG(t, dir, "final.png", 5, 5, 0)

	dest, err := MoveToOutput(src, outDir, "mapping-123")
	require.NoError(t, err)
	assert.FileExists(t, dest)
	assert.NoFileExists(t, src)
	assert.Contains(t, filepath.Base(dest), "mapping-123_")
}
