package document

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

var disableConfigDir sync.Once

// PDFOpener implements Opener for PDF buffers using pdfcpu.
type PDFOpener struct {
	conf     *model.Configuration
	maxBytes int64
}

// PDFOption configures a PDFOpener.
type PDFOption func(*PDFOpener)

// WithMaxBytes rejects buffers larger than n bytes with ErrLoad. Zero disables the limit.
func WithMaxBytes(n int64) PDFOption {
	return func(o *PDFOpener) { o.maxBytes = n }
}

// NewPDFOpener creates a pdfcpu-backed opener. Validation runs in relaxed
// mode so slightly malformed files produced by common writers still load.
func NewPDFOpener(opts ...PDFOption) *PDFOpener {
	// pdfcpu otherwise creates a config directory under the user's home on first use.
	disableConfigDir.Do(api.DisableConfigDir)

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	o := &PDFOpener{conf: conf}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Name implements Opener.
func (o *PDFOpener) Name() string {
	return "pdfcpu"
}

// Supports returns true if this opener can handle the given MIME type
func (o *PDFOpener) Supports(mimeType string) bool {
	return strings.ToLower(mimeType) == "application/pdf"
}

// Open implements Opener.
func (o *PDFOpener) Open(buf []byte) (doc Document, err error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty buffer", ErrLoad)
	}
	if o.maxBytes > 0 && int64(len(buf)) > o.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrLoad, len(buf), o.maxBytes)
	}

	defer func() {
		if r := recover(); r != nil {
			doc, err = nil, fmt.Errorf("%w: parser panic: %v", ErrLoad, r)
		}
	}()

	ctx, err := api.ReadContext(bytes.NewReader(buf), o.conf)
	if err != nil {
		return nil, fmt.Errorf("%w: read: %w", ErrLoad, err)
	}
	if err := api.ValidateContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: validate: %w", ErrLoad, err)
	}
	if err := ctx.EnsurePageCount(); err != nil {
		return nil, fmt.Errorf("%w: page count: %w", ErrLoad, err)
	}
	return &pdfDocument{ctx: ctx}, nil
}

type pdfDocument struct {
	ctx  *model.Context
	dims []types.Dim
}

func (d *pdfDocument) PageCount() int {
	return d.ctx.PageCount
}

func (d *pdfDocument) Page(i int) (Page, error) {
	if i < 0 || i >= d.ctx.PageCount {
		return nil, fmt.Errorf("%w: index %d out of range [0,%d)", ErrPage, i, d.ctx.PageCount)
	}
	if d.dims == nil {
		dims, err := d.ctx.PageDims()
		if err != nil {
			return nil, fmt.Errorf("%w: dimensions: %w", ErrPage, err)
		}
		d.dims = dims
	}
	if i >= len(d.dims) {
		return nil, fmt.Errorf("%w: no dimensions for page %d", ErrPage, i)
	}
	return &pdfPage{doc: d, nr: i + 1, dim: d.dims[i]}, nil
}

func (d *pdfDocument) Serialize() (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("%w: writer panic: %v", ErrSerialize, r)
		}
	}()

	var buf bytes.Buffer
	if err := api.WriteContext(d.ctx, &buf); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialize, err)
	}
	return buf.Bytes(), nil
}

type pdfPage struct {
	doc *pdfDocument
	nr  int // pdfcpu page numbers are 1-based
	dim types.Dim
}

func (p *pdfPage) Size() (float64, float64) {
	return p.dim.Width, p.dim.Height
}

// DrawWatermark stamps text on top of the page content.
func (p *pdfPage) DrawWatermark(text string, style Style) error {
	wm, err := api.TextWatermark(text, style.Description(), true, false, types.POINTS)
	if err != nil {
		return fmt.Errorf("parse watermark: %w", err)
	}
	if err := pdfcpu.AddWatermarks(p.doc.ctx, types.IntSet{p.nr: true}, wm); err != nil {
		return fmt.Errorf("add watermark to page %d: %w", p.nr, err)
	}
	return nil
}

// Description renders the style in pdfcpu's watermark description syntax.
func (s Style) Description() string {
	mode := "rel"
	if s.ScaleAbsolute {
		mode = "abs"
	}
	return fmt.Sprintf("fontname:%s, points:%d, rotation:%g, fillcolor:%s, opacity:%g, scalefactor:%g %s, position:c",
		s.FontName, s.Points, s.Rotation, s.FillColor, s.Opacity, s.Scale, mode)
}

// Validate checks s against pdfcpu's watermark parser once, so a bad style is
// reported up front instead of on every page.
func (s Style) Validate() error {
	if s.Points <= 0 {
		return fmt.Errorf("%w: points must be positive (got %d)", ErrInvalidStyle, s.Points)
	}
	if s.Opacity <= 0 || s.Opacity > 1 {
		return fmt.Errorf("%w: opacity must be in (0, 1] (got %g)", ErrInvalidStyle, s.Opacity)
	}
	disableConfigDir.Do(api.DisableConfigDir)
	if _, err := api.TextWatermark("x", s.Description(), true, false, types.POINTS); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidStyle, err)
	}
	return nil
}
