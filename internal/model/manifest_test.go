package model

import (
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivlev/animcompose/internal/errs"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func TestReadManifestYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bottom.png", "BOTTOM")
	inline := base64.StdEncoding.EncodeToString([]byte("ARROW"))

	p := writeFile(t, dir, "request.yaml", `
frame: Hero Frame
canvas: {width: 640, height: 360}
background: {hex: "#FF8800", alpha: 0.5}
bottom: {file: bottom.png}
annotations:
  - id: "9:1"
    z: 0
    raster: {data: "`+inline+`"}
animated:
  - id: "2:7"
    z: 3
    source: {cache_id: abc123, filename: clip.gif}
    bounds: {x: 10, y: 20, w: 300, h: 200}
    corner_radius: 12
    fill:
      scale_mode: CROP
      transform: [[0.5, 0, 0.25], [0, 0.5, 0.1]]
timeline:
  "2:7": {start: 10, end: 90}
dither: bayer
`)

	req, err := ReadManifest(p)
	require.NoError(t, err)

	assert.Equal(t, "Hero Frame", req.FrameName)
	assert.Equal(t, Size{W: 640, H: 360}, req.Canvas)
	assert.Equal(t, []byte("BOTTOM"), req.Bottom)
	require.Len(t, req.Annotations, 1)
	assert.Equal(t, []byte("ARROW"), req.Annotations[0].Raster)
	require.NotNil(t, req.Background)
	assert.Equal(t, Color{R: 0xFF, G: 0x88, B: 0x00, Alpha: 0.5}, *req.Background)

	require.Len(t, req.Animated, 1)
	l := req.Animated[0]
	assert.Equal(t, "abc123", l.Source.CacheID)
	assert.Equal(t, ScaleCrop, l.Fill.ScaleMode)
	require.NotNil(t, l.Fill.Transform)
	assert.Equal(t, 0.5, l.Fill.Transform.A())
	assert.Equal(t, 0.25, l.Fill.Transform.TX())
	assert.Equal(t, TimelineRange{10, 90}, req.Range("2:7"))
	assert.Equal(t, "bayer", req.Dither)
}

func TestReadManifestJSON(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "request.json", `{
  "frame": "F",
  "canvas": {"width": 100, "height": 100},
  "animated": [{"id": "a", "z": 0, "bounds": {"x": 0, "y": 0, "w": 100, "h": 100}, "fill": {"scaleMode": "FIT"}}]
}`)

	req, err := ReadManifest(p)
	require.NoError(t, err)
	assert.Equal(t, ScaleFit, req.Animated[0].Fill.ScaleMode)
}

func TestReadManifestRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "bad.yaml", `
canvas: {width: 0, height: 100}
animated: []
`)
	_, err := ReadManifest(p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrInvalidRequest))
}

func TestParseColor(t *testing.T) {
	c, err := ParseColor("00ff10", 1)
	require.NoError(t, err)
	assert.Equal(t, "0x00FF10", c.Hex())

	_, err = ParseColor("#fff", 1)
	assert.Error(t, err)
}
