// Package documenttest builds small, valid PDF files for tests.
package documenttest

import (
	"bytes"
	"fmt"
)

// Size is a page size in points.
type Size struct {
	Width, Height float64
}

var A4 = Size{Width: 595, Height: 842}

// PDF returns an uncompressed PDF with one page per size. Each page carries a
// short text line so serialized output has real content.
func PDF(sizes ...Size) []byte {
	var (
		buf     bytes.Buffer
		offsets []int
	)
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buf.WriteString("%PDF-1.4\n")

	// 1: catalog, 2: pages, 3: font, then page/content pairs.
	kids := &bytes.Buffer{}
	for i := range sizes {
		fmt.Fprintf(kids, "%d 0 R ", 4+2*i)
	}
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", bytes.TrimSpace(kids.Bytes()), len(sizes)))
	obj("<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>")
	for i, s := range sizes {
		obj(fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 %g %g] /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>",
			s.Width, s.Height, 5+2*i))
		content := fmt.Sprintf("BT /F1 12 Tf 36 36 Td (page %d) Tj ET", i+1)
		obj(fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content))
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(offsets)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}

// Pages returns an A4 PDF with n pages.
func Pages(n int) []byte {
	sizes := make([]Size, n)
	for i := range sizes {
		sizes[i] = A4
	}
	return PDF(sizes...)
}
