// Package archive bundles per-file outputs into a single zip archive.
package archive

import (
	"bytes"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
)

// ErrFinalized is returned when the aggregator is used after Finalize.
var ErrFinalized = errors.New("archive already finalized")

// Aggregator writes named entries into a zip in the order they are added.
type Aggregator struct {
	buf      *bytes.Buffer
	zw       *zip.Writer
	names    []string
	seen     map[string]int
	modified time.Time
}

// New returns an empty aggregator. Entries are stamped with modified.
func New(modified time.Time) *Aggregator {
	buf := new(bytes.Buffer)
	return &Aggregator{
		buf:      buf,
		zw:       zip.NewWriter(buf),
		seen:     make(map[string]int),
		modified: modified,
	}
}

// Add compresses data under name. Directory components are dropped and a
// repeated name gets a " (n)" suffix so every entry stays addressable.
func (a *Aggregator) Add(name string, data []byte) error {
	if a.zw == nil {
		return ErrFinalized
	}
	entry := a.uniqueName(cleanName(name))

	w, err := a.zw.CreateHeader(&zip.FileHeader{
		Name:     entry,
		Method:   zip.Deflate,
		Modified: a.modified,
	})
	if err != nil {
		return fmt.Errorf("create entry %s: %w", entry, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write entry %s: %w", entry, err)
	}
	a.names = append(a.names, entry)
	return nil
}

// Finalize closes the archive and returns its bytes. The aggregator keeps no
// reference to the returned slice; it cannot be used afterwards.
func (a *Aggregator) Finalize() ([]byte, error) {
	if a.zw == nil {
		return nil, ErrFinalized
	}
	err := a.zw.Close()
	out := a.buf.Bytes()
	a.zw, a.buf = nil, nil
	if err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	return out, nil
}

// Len returns the number of entries added so far.
func (a *Aggregator) Len() int {
	return len(a.names)
}

// Names returns the entry names in insertion order.
func (a *Aggregator) Names() []string {
	return append([]string(nil), a.names...)
}

func (a *Aggregator) uniqueName(name string) string {
	n := a.seen[name]
	a.seen[name] = n + 1
	if n == 0 {
		return name
	}
	ext := path.Ext(name)
	candidate := fmt.Sprintf("%s (%d)%s", strings.TrimSuffix(name, ext), n+1, ext)
	if _, taken := a.seen[candidate]; taken {
		return a.uniqueName(candidate)
	}
	a.seen[candidate] = 1
	return candidate
}

func cleanName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = path.Base(path.Clean("/" + name))
	if name == "/" || name == "." || name == "" {
		return "file"
	}
	return name
}
