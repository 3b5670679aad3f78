package motion

import (
	"image"
	"image/color"
	"image/draw"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livecam/internal/pipeline"
)

func solidFrame(c color.Color) *pipeline.VideoFrame {
	img := image.NewRGBA(image.Rect(0, 0, 80, 60))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
	return &pipeline.VideoFrame{Image: img}
}

func TestDetector_FirstFrameIsReference(t *testing.T) {
	d := NewDetector(Config{})
	moved, _, err := d.DetectMotion(solidFrame(color.Black))
	require.NoError(t, err)
	assert.False(t, moved)
}

func TestDetector_DetectsChangedRegion(t *testing.T) {
	d := NewDetector(Config{Sensitivity: 0.05, MinMotionArea: 10})

	_, _, err := d.DetectMotion(solidFrame(color.Black))
	require.NoError(t, err)

	next := solidFrame(color.Black)
	draw.Draw(next.Image.(*image.RGBA), image.Rect(20, 10, 60, 50), &image.Uniform{C: color.White}, image.Point{}, draw.Src)

	moved, confidence, err := d.DetectMotion(next)
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Greater(t, confidence, float32(0))

	box := d.LastMotionBox()
	assert.Equal(t, 20, box.Left)
	assert.Equal(t, 10, box.Top)
	assert.LessOrEqual(t, box.Left+box.Width, 60)
}

func TestDetector_StaticSceneHasNoMotion(t *testing.T) {
	d := NewDetector(Config{})
	d.DetectMotion(solidFrame(color.Gray{Y: 100}))
	moved, _, _ := d.DetectMotion(solidFrame(color.Gray{Y: 100}))
	assert.False(t, moved)
}

func TestDetector_ResetForgetsReference(t *testing.T) {
	d := NewDetector(Config{Sensitivity: 0.01})
	d.DetectMotion(solidFrame(color.Black))
	d.Reset()

	moved, _, _ := d.DetectMotion(solidFrame(color.White))
	assert.False(t, moved, "the first frame after reset only becomes the reference")
}

func TestDetector_SizeChangeIsNotMotion(t *testing.T) {
	d := NewDetector(Config{Sensitivity: 0.01})
	d.DetectMotion(solidFrame(color.Black))

	small := &pipeline.VideoFrame{Image: image.NewRGBA(image.Rect(0, 0, 10, 10))}
	moved, _, _ := d.DetectMotion(small)
	assert.False(t, moved)
}
