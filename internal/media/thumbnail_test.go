package media

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestPNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestFitWithin(t *testing.T) {
	cases := []struct {
		w, h, max    int
		wantW, wantH int
	}{
		{700, 350, 350, 350, 175},
		{350, 700, 350, 175, 350},
		{100, 50, 350, 100, 50},
		{1000, 1000, 350, 350, 350},
	}
	for _, c := range cases {
		w, h := fitWithin(c.w, c.h, c.max)
		assert.Equal(t, c.wantW, w)
		assert.Equal(t, c.wantH, h)
	}
}

func TestMakeImageThumbnailScalesDown(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.png")
	dst := filepath.Join(dir, "thumb_src.png")
	writeTestPNG(t, src, 1400, 700)

	data, err := MakeImageThumbnail(src, dst)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	// Returned bytes match what was written.
	written, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, written, data)

	thumb, format, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 350, thumb.Bounds().Dx())
	assert.Equal(t, 175, thumb.Bounds().Dy())
}

func TestMakeImageThumbnailKeepsSmallImages(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.png")
	dst := filepath.Join(dir, "thumb_src.png")
	writeTestPNG(t, src, 120, 80)

	data, err := MakeImageThumbnail(src, dst)
	require.NoError(t, err)

	thumb, _, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 120, thumb.Bounds().Dx())
	assert.Equal(t, 80, thumb.Bounds().Dy())
}

func TestMakeImageThumbnailRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.png")
	require.NoError(t, os.WriteFile(src, []byte("not an image"), 0o644))

	_, err := MakeImageThumbnail(src, filepath.Join(dir, "thumb"))
	assert.Error(t, err)
}
