// Package overlay draws analysis results onto frames.
//
// All sizes are expressed for a 320 pixel tall frame and scaled with the
// frame height, so annotations look the same at any resolution.
package overlay

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"math"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"livecam/internal/pipeline"
)

const (
	referenceHeight = 320.0

	faceInflate   = 6.0
	lineThickness = 4.0
	labelFontSize = 16.0
	labelPad      = 3.0
	labelExtraX   = 4.0

	tagFontSize = 42.0
	tagOutline  = 2.0
	tagMarginX  = 10.0

	minFontSize = 4.0
)

var (
	// Amber used for face boxes, label backgrounds and tag fill
	lineColor = color.RGBA{255, 185, 0, 255}
	// Dimmed amber for regions whose rectangle still belongs to an older frame
	staleColor = color.RGBA{170, 125, 0, 255}
	textColor  = color.RGBA{0, 0, 0, 255}
)

// Annotation is one face box with an optional label
type Annotation struct {
	Rect  pipeline.Rect
	Label string
	Stale bool
}

// Renderer draws annotations with the Go Bold font
type Renderer struct {
	font *opentype.Font

	mu    sync.Mutex // font.Face values are not safe for concurrent use
	faces map[int]font.Face
}

// NewRenderer parses the embedded font
func NewRenderer() (*Renderer, error) {
	f, err := opentype.Parse(gobold.TTF)
	if err != nil {
		return nil, fmt.Errorf("failed to parse font: %w", err)
	}
	return &Renderer{
		font:  f,
		faces: make(map[int]font.Face),
	}, nil
}

// Scale returns the annotation scale for a frame of the given height
func Scale(height int) float64 {
	return float64(height) / referenceHeight
}

// Render returns a copy of src with faces and tags drawn on top
func (r *Renderer) Render(src image.Image, annotations []Annotation, tags []string) *image.RGBA {
	bounds := src.Bounds()
	dst := image.NewRGBA(bounds)
	draw.Draw(dst, bounds, src, bounds.Min, draw.Src)

	if len(annotations) == 0 && len(tags) == 0 {
		return dst
	}

	scale := Scale(bounds.Dy())

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, a := range annotations {
		r.drawFace(dst, a, scale)
	}
	r.drawTags(dst, tags, scale)

	return dst
}

// drawFace draws the inflated face rectangle and its label above it
func (r *Renderer) drawFace(dst *image.RGBA, a Annotation, scale float64) {
	c := lineColor
	if a.Stale {
		c = staleColor
	}

	thickness := max(1, scaled(lineThickness, scale))
	rect := a.Rect.Inflate(scaled(faceInflate, scale)).Rectangle().Add(dst.Bounds().Min)
	strokeRect(dst, rect, thickness, c)

	if a.Label == "" {
		return
	}

	face, err := r.face(labelFontSize * scale)
	if err != nil {
		return
	}

	metrics := face.Metrics()
	ascent := metrics.Ascent.Ceil()
	textHeight := ascent + metrics.Descent.Ceil()
	textWidth := font.MeasureString(face, a.Label).Ceil()

	ypad := scaled(labelPad, scale)
	xpad := scaled(labelPad+labelExtraX, scale)

	// Text origin sits just above the top edge, aligned with the stroke
	originX := rect.Min.X + xpad - thickness/2
	originY := rect.Min.Y - textHeight - ypad + thickness/2
	if top := dst.Bounds().Min.Y + ypad; originY < top {
		originY = top
	}

	background := image.Rect(originX-xpad, originY-ypad, originX+textWidth+xpad, originY+textHeight+ypad)
	fillRect(dst, background, c)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(textColor),
		Face: face,
		Dot:  fixed.P(originX, originY+ascent),
	}
	d.DrawString(a.Label)
}

// drawTags writes one tag per line from the top-left corner, amber with a black outline
func (r *Renderer) drawTags(dst *image.RGBA, tags []string, scale float64) {
	if len(tags) == 0 {
		return
	}

	face, err := r.face(tagFontSize * scale)
	if err != nil {
		return
	}

	ascent := face.Metrics().Ascent.Ceil()
	lineHeight := max(1, scaled(tagFontSize, scale))
	outline := max(1, scaled(tagOutline, scale)/2)

	x := dst.Bounds().Min.X + scaled(tagMarginX, scale)
	y := dst.Bounds().Min.Y
	for _, tag := range tags {
		drawOutlinedString(dst, face, tag, x, y+ascent, outline)
		y += lineHeight
	}
}

// drawOutlinedString draws text in the line color over a black halo of the given radius
func drawOutlinedString(dst *image.RGBA, face font.Face, s string, x, y, radius int) {
	d := &font.Drawer{Dst: dst, Src: image.NewUniform(textColor), Face: face}
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx == 0 && dy == 0 || dx*dx+dy*dy > radius*radius {
				continue
			}
			d.Dot = fixed.P(x+dx, y+dy)
			d.DrawString(s)
		}
	}

	d.Src = image.NewUniform(lineColor)
	d.Dot = fixed.P(x, y)
	d.DrawString(s)
}

// face returns a cached face for size
func (r *Renderer) face(size float64) (font.Face, error) {
	size = math.Max(size, minFontSize)
	key := int(math.Round(size * 4))
	if f, ok := r.faces[key]; ok {
		return f, nil
	}

	f, err := opentype.NewFace(r.font, &opentype.FaceOptions{
		Size:    float64(key) / 4,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create font face: %w", err)
	}
	r.faces[key] = f
	return f, nil
}

// strokeRect draws an outline of the given thickness centered on rect's edges
func strokeRect(dst *image.RGBA, rect image.Rectangle, thickness int, c color.Color) {
	half := thickness / 2
	outer := rect.Inset(-half)
	inner := outer.Inset(thickness)

	fillRect(dst, image.Rect(outer.Min.X, outer.Min.Y, outer.Max.X, outer.Min.Y+thickness), c) // Top
	fillRect(dst, image.Rect(outer.Min.X, outer.Max.Y-thickness, outer.Max.X, outer.Max.Y), c) // Bottom
	fillRect(dst, image.Rect(outer.Min.X, inner.Min.Y, outer.Min.X+thickness, inner.Max.Y), c) // Left
	fillRect(dst, image.Rect(outer.Max.X-thickness, inner.Min.Y, outer.Max.X, inner.Max.Y), c) // Right
}

func fillRect(dst *image.RGBA, rect image.Rectangle, c color.Color) {
	draw.Draw(dst, rect.Intersect(dst.Bounds()), image.NewUniform(c), image.Point{}, draw.Src)
}

func scaled(v, scale float64) int {
	return int(math.Round(v * scale))
}

// EncodeJPEG encodes img at the given quality (1-100)
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
