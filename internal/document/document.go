// Package document loads raw document buffers into a page-addressable model
// that the watermark pipeline can draw on and serialize back to bytes.
package document

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrLoad marks a buffer that could not be parsed into a document.
	ErrLoad = errors.New("load document")
	// ErrPage marks a page that could not be addressed after a successful load.
	ErrPage = errors.New("access page")
	// ErrSerialize marks a document that could not be encoded back to bytes.
	ErrSerialize = errors.New("serialize document")
	// ErrInvalidStyle marks a watermark style that cannot be drawn.
	ErrInvalidStyle = errors.New("invalid watermark style")
	// ErrUnsupported marks a MIME type no opener handles.
	ErrUnsupported = errors.New("unsupported document type")
)

// OpenerFor returns the opener for the given MIME type.
func OpenerFor(mimeType string, opts ...PDFOption) (Opener, error) {
	if o := NewPDFOpener(opts...); o.Supports(mimeType) {
		return o, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, mimeType)
}

// SupportedMimeTypes returns a list of all supported MIME types
func SupportedMimeTypes() []string {
	return []string{"application/pdf"}
}

// Opener turns a raw buffer into a Document.
type Opener interface {
	// Name returns the backend name for logging (e.g. "pdfcpu").
	Name() string

	// Open parses buf. Nil, empty and malformed buffers fail with ErrLoad.
	Open(buf []byte) (Document, error)
}

// Document is an opened, mutable document.
type Document interface {
	PageCount() int

	// Page returns the 0-based page i.
	Page(i int) (Page, error)

	// Serialize encodes the document, including any drawn watermarks.
	Serialize() ([]byte, error)
}

// Page is a single drawable page.
type Page interface {
	// Size returns the page width and height in points.
	Size() (width, height float64)

	DrawWatermark(text string, style Style) error
}

// Style describes how watermark text is drawn on a page.
type Style struct {
	FontName  string
	Points    int
	Rotation  float64 // degrees, counter-clockwise positive
	FillColor string  // #RRGGBB
	Opacity   float64

	// Scale is either absolute (1 keeps Points as-is) or relative to the page.
	Scale         float64
	ScaleAbsolute bool
}

// FileInfo contains metadata about a document buffer.
type FileInfo struct {
	Pages int
	Size  int64
}

// Inspect opens buf only to read its metadata.
func Inspect(o Opener, buf []byte) (*FileInfo, error) {
	doc, err := o.Open(buf)
	if err != nil {
		return nil, err
	}
	return &FileInfo{Pages: doc.PageCount(), Size: int64(len(buf))}, nil
}

// OutputName derives the archive entry name for a processed input file:
// "report.pdf" becomes "report-watermarked.pdf".
func OutputName(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	base := name
	if strings.HasSuffix(strings.ToLower(base), ".pdf") {
		base = base[:len(base)-len(".pdf")]
	}
	if base == "" || base == "." || base == ".." {
		base = "document"
	}
	return fmt.Sprintf("%s-watermarked.pdf", base)
}
