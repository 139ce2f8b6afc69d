// Package watermark draws diagonal text watermarks on document pages.
package watermark

import (
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/tendant/simple-watermarker/internal/document"
)

// ErrPageTransform marks a page the watermark could not be drawn on.
var ErrPageTransform = errors.New("page transform")

// DefaultStyle is the stamp used for every page: centered, rotated -45°,
// 48pt Helvetica in red at 25% opacity.
var DefaultStyle = document.Style{
	FontName:      "Helvetica",
	Points:        48,
	Rotation:      -45,
	FillColor:     "#FF0000",
	Opacity:       0.25,
	Scale:         1,
	ScaleAbsolute: true,
}

const (
	// avgGlyphWidth approximates Helvetica's advance width per em.
	avgGlyphWidth = 0.6
	// fitMargin is the share of the page the rotated text may cover.
	fitMargin = 0.9
	minScale  = 0.05
)

// Layout fits style to a page. The text keeps its nominal size when the
// rotated bounding box fits inside the page; otherwise it is scaled down so
// nothing is cropped.
func Layout(style document.Style, text string, width, height float64) document.Style {
	if !style.ScaleAbsolute || width <= 0 || height <= 0 {
		return style
	}

	textW := float64(utf8.RuneCountInString(text)) * float64(style.Points) * avgGlyphWidth * style.Scale
	textH := float64(style.Points) * style.Scale
	rad := style.Rotation * math.Pi / 180
	sin, cos := math.Abs(math.Sin(rad)), math.Abs(math.Cos(rad))
	boxW := textW*cos + textH*sin
	boxH := textW*sin + textH*cos
	if boxW <= 0 || boxH <= 0 {
		return style
	}

	k := math.Min(fitMargin*width/boxW, fitMargin*height/boxH)
	if k >= 1 {
		return style
	}
	out := style
	out.Scale = math.Max(style.Scale*k, minScale)
	return out
}

// Transformer applies one watermark style to pages.
type Transformer struct {
	style document.Style
}

func NewTransformer(style document.Style) *Transformer {
	return &Transformer{style: style}
}

func (t *Transformer) Style() document.Style {
	return t.style
}

// Apply draws text on p, sized to the page's own dimensions. Failures,
// including panics raised by the document library, wrap ErrPageTransform.
func (t *Transformer) Apply(p document.Page, text string) (err error) {
	if text == "" {
		return fmt.Errorf("%w: empty watermark text", ErrPageTransform)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrPageTransform, r)
		}
	}()

	w, h := p.Size()
	if err := p.DrawWatermark(text, Layout(t.style, text, w, h)); err != nil {
		return fmt.Errorf("%w: %w", ErrPageTransform, err)
	}
	return nil
}
