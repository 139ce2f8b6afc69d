package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-watermarker/internal/document"
	"github.com/tendant/simple-watermarker/internal/metrics"
	"github.com/tendant/simple-watermarker/internal/watermark"
	"github.com/tendant/simple-watermarker/pkg/schema"
)

// fakeOpener parses buffers of the form "pages:N[;flag[:arg]]...":
//
//	corrupt           every open fails
//	reopen-fail       the second open fails
//	page-error:K      drawing on page K (1-based) fails
//	page-missing:K    addressing page K fails
//	serialize-error   Serialize fails
//	panic             Open panics
type fakeOpener struct {
	mu    sync.Mutex
	opens map[string]int
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{opens: make(map[string]int)}
}

func (o *fakeOpener) Name() string { return "fake" }

func (o *fakeOpener) Open(buf []byte) (document.Document, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty buffer", document.ErrLoad)
	}
	key := string(buf)
	o.mu.Lock()
	o.opens[key]++
	n := o.opens[key]
	o.mu.Unlock()

	doc := &fakeDoc{}
	for _, part := range strings.Split(key, ";") {
		name, arg, _ := strings.Cut(part, ":")
		switch name {
		case "pages":
			doc.pages, _ = strconv.Atoi(arg)
		case "corrupt":
			return nil, fmt.Errorf("%w: bad header", document.ErrLoad)
		case "reopen-fail":
			if n > 1 {
				return nil, fmt.Errorf("%w: changed on disk", document.ErrLoad)
			}
		case "page-error":
			doc.drawErr, _ = strconv.Atoi(arg)
		case "page-missing":
			doc.missing, _ = strconv.Atoi(arg)
		case "serialize-error":
			doc.serializeErr = true
		case "panic":
			panic("decoder exploded")
		}
	}
	return doc, nil
}

type fakeDoc struct {
	pages        int
	drawErr      int
	missing      int
	serializeErr bool
	drawn        []string
}

func (d *fakeDoc) PageCount() int { return d.pages }

func (d *fakeDoc) Page(i int) (document.Page, error) {
	if d.missing == i+1 {
		return nil, fmt.Errorf("%w: page %d", document.ErrPage, i+1)
	}
	return &fakePage{doc: d, nr: i + 1}, nil
}

func (d *fakeDoc) Serialize() ([]byte, error) {
	if d.serializeErr {
		return nil, fmt.Errorf("%w: disk full", document.ErrSerialize)
	}
	return []byte(strings.Join(d.drawn, ",")), nil
}

type fakePage struct {
	doc *fakeDoc
	nr  int
}

func (p *fakePage) Size() (float64, float64) { return 595, 842 }

func (p *fakePage) DrawWatermark(text string, _ document.Style) error {
	if p.doc.drawErr == p.nr {
		return errors.New("bad content stream")
	}
	p.doc.drawn = append(p.doc.drawn, fmt.Sprintf("%s@%d", text, p.nr))
	return nil
}

type recorder struct {
	events []schema.Event
	hook   func(schema.Event)
}

func (r *recorder) emit(ev schema.Event) {
	r.events = append(r.events, ev)
	if r.hook != nil {
		r.hook(ev)
	}
}

func (r *recorder) ofType(t schema.EventType) []schema.Event {
	var out []schema.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) last() schema.Event {
	return r.events[len(r.events)-1]
}

// pagePercents returns the global percent of each per-page progress event.
func (r *recorder) pagePercents() []int {
	var out []int
	for _, ev := range r.ofType(schema.EventProgress) {
		if strings.HasPrefix(ev.Message, "Watermarking") {
			out = append(out, ev.Percent)
		}
	}
	return out
}

func (r *recorder) fileDone() []int {
	var out []int
	for _, ev := range r.ofType(schema.EventFileDone) {
		out = append(out, ev.FileIndex)
	}
	return out
}

func zipEntries(t *testing.T, data []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	out := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		var b bytes.Buffer
		_, err = b.ReadFrom(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		out[f.Name] = b.String()
	}
	return out
}

func files(specs ...string) []schema.InputFile {
	out := make([]schema.InputFile, 0, len(specs)/2)
	for i := 0; i+1 < len(specs); i += 2 {
		var buf []byte
		if specs[i+1] != "" {
			buf = []byte(specs[i+1])
		}
		out = append(out, schema.InputFile{Name: specs[i], Buffer: buf})
	}
	return out
}

func newTestEngine(opts ...Option) *Engine {
	return NewEngine(newFakeOpener(), opts...)
}

func TestRunTwoFiles(t *testing.T) {
	job := newTestEngine().NewJob("job-1", files("a.pdf", "pages:2", "b.pdf", "pages:3"), "DRAFT")
	rec := &recorder{}

	state := job.Run(context.Background(), rec.emit)
	require.Equal(t, StateCompleted, state)
	assert.Equal(t, StateCompleted, job.State())

	assert.Equal(t, []int{20, 40, 60, 80, 100}, rec.pagePercents())
	assert.Equal(t, []int{0, 1}, rec.fileDone())

	res := rec.last()
	require.Equal(t, schema.EventResult, res.Type)
	assert.Equal(t, 2, res.Entries)
	assert.Empty(t, res.Skipped)
	entries := zipEntries(t, res.Buffer)
	assert.Equal(t, map[string]string{
		"a-watermarked.pdf": "DRAFT@1,DRAFT@2",
		"b-watermarked.pdf": "DRAFT@1,DRAFT@2,DRAFT@3",
	}, entries)

	for _, ev := range rec.events {
		assert.Equal(t, "job-1", ev.JobID)
	}
}

func TestRunFilePercentAndOrdering(t *testing.T) {
	job := newTestEngine().NewJob("job", files("a.pdf", "pages:2", "b.pdf", "pages:3"), "DRAFT")
	rec := &recorder{}
	job.Run(context.Background(), rec.emit)

	type step struct {
		typ         schema.EventType
		fileIndex   int
		percent     int
		filePercent int
	}
	var got []step
	for _, ev := range rec.events {
		got = append(got, step{ev.Type, ev.FileIndex, ev.Percent, ev.FilePercent})
	}
	assert.Equal(t, []step{
		{schema.EventProgress, 0, 0, 0},
		{schema.EventProgress, 0, 20, 50},
		{schema.EventProgress, 0, 40, 100},
		{schema.EventFileDone, 0, 40, 0},
		{schema.EventProgress, 1, 40, 0},
		{schema.EventProgress, 1, 60, 33},
		{schema.EventProgress, 1, 80, 67},
		{schema.EventProgress, 1, 100, 100},
		{schema.EventFileDone, 1, 100, 0},
		{schema.EventResult, 0, 100, 0},
	}, got)
}

func TestRunSkipsUnparseableFile(t *testing.T) {
	job := newTestEngine().NewJob("job", files("bad.pdf", "corrupt", "ok.pdf", "pages:1"), "DRAFT")
	rec := &recorder{}

	require.Equal(t, StateCompleted, job.Run(context.Background(), rec.emit))

	assert.Equal(t, 1, job.total)
	assert.Equal(t, []int{0, 1}, rec.fileDone())
	assert.Equal(t, []int{100}, rec.pagePercents())

	// bad.pdf only announces itself, with no percent movement.
	first := rec.events[0]
	assert.Equal(t, schema.EventProgress, first.Type)
	assert.Equal(t, 0, first.Percent)
	assert.Equal(t, schema.EventFileDone, rec.events[1].Type)

	res := rec.last()
	require.Equal(t, schema.EventResult, res.Type)
	assert.Equal(t, []string{"bad.pdf"}, res.Skipped)
	entries := zipEntries(t, res.Buffer)
	assert.Len(t, entries, 1)
	assert.Contains(t, entries, "ok-watermarked.pdf")
}

func TestRunNilBufferIsSkipped(t *testing.T) {
	job := newTestEngine().NewJob("job", files("missing.pdf", "", "ok.pdf", "pages:2"), "DRAFT")
	rec := &recorder{}

	require.Equal(t, StateCompleted, job.Run(context.Background(), rec.emit))
	res := rec.last()
	assert.Equal(t, 1, res.Entries)
	assert.Equal(t, []string{"missing.pdf"}, res.Skipped)
}

func TestRunZeroFiles(t *testing.T) {
	job := newTestEngine().NewJob("job", nil, "DRAFT")
	rec := &recorder{}

	require.Equal(t, StateCompleted, job.Run(context.Background(), rec.emit))
	require.Len(t, rec.events, 1)

	res := rec.events[0]
	assert.Equal(t, schema.EventResult, res.Type)
	assert.Equal(t, 100, res.Percent)
	assert.Empty(t, zipEntries(t, res.Buffer))
}

func TestRunOnlyEmptyFiles(t *testing.T) {
	reg := prometheus.NewRegistry()
	job := newTestEngine(WithMetrics(metrics.New(reg))).NewJob("job", files("x.pdf", "corrupt", "y.pdf", "pages:0"), "DRAFT")
	rec := &recorder{}

	require.Equal(t, StateCompleted, job.Run(context.Background(), rec.emit))
	for _, ev := range rec.ofType(schema.EventProgress) {
		assert.Equal(t, 100, ev.Percent)
	}
	assert.Equal(t, 0, rec.last().Entries)
	// A document with no pages loaded fine; only the corrupt one is reported.
	assert.Equal(t, []string{"x.pdf"}, rec.last().Skipped)

	expected := `
# HELP watermarker_files_skipped_total Input files excluded from the output archive.
# TYPE watermarker_files_skipped_total counter
watermarker_files_skipped_total{reason="empty"} 1
watermarker_files_skipped_total{reason="load"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "watermarker_files_skipped_total"))
}

func TestRunAbortBeforeStart(t *testing.T) {
	job := newTestEngine().NewJob("job", files("a.pdf", "pages:2"), "DRAFT")
	job.Abort()
	rec := &recorder{}

	require.Equal(t, StateCancelled, job.Run(context.Background(), rec.emit))
	require.Len(t, rec.events, 1)
	assert.Equal(t, schema.EventCancelled, rec.events[0].Type)
	assert.Empty(t, rec.ofType(schema.EventProgress))
}

func TestRunAbortMidBatch(t *testing.T) {
	job := newTestEngine().NewJob("job", files("a.pdf", "pages:2", "b.pdf", "pages:3", "c.pdf", "pages:1"), "DRAFT")
	rec := &recorder{hook: func(ev schema.Event) {
		if ev.Type == schema.EventProgress && ev.FileIndex == 1 && ev.FilePercent == 33 {
			job.Abort()
		}
	}}

	require.Equal(t, StateCancelled, job.Run(context.Background(), rec.emit))

	assert.Empty(t, rec.ofType(schema.EventResult))
	assert.Equal(t, []int{0}, rec.fileDone())
	assert.Equal(t, schema.EventCancelled, rec.last().Type)
	// The in-flight page completes; nothing after it runs.
	assert.Equal(t, 3, job.processed)
	for _, ev := range rec.events {
		assert.NotEqual(t, 2, ev.FileIndex, "file after the abort point must not start")
	}
}

func TestRunAbortAfterLastPageStillCompletes(t *testing.T) {
	job := newTestEngine().NewJob("job", files("a.pdf", "pages:2"), "DRAFT")
	rec := &recorder{hook: func(ev schema.Event) {
		if ev.Type == schema.EventProgress && ev.Percent == 100 {
			job.Abort()
		}
	}}

	require.Equal(t, StateCompleted, job.Run(context.Background(), rec.emit))
	assert.Equal(t, schema.EventResult, rec.last().Type)
	assert.Empty(t, rec.ofType(schema.EventCancelled))
}

func TestRunContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	job := newTestEngine().NewJob("job", files("a.pdf", "pages:3"), "DRAFT")
	rec := &recorder{hook: func(ev schema.Event) {
		if ev.FilePercent == 33 {
			cancel()
		}
	}}

	require.Equal(t, StateCancelled, job.Run(ctx, rec.emit))
	assert.Equal(t, schema.EventCancelled, rec.last().Type)
}

func TestRunPageErrorContinues(t *testing.T) {
	reg := prometheus.NewRegistry()
	job := newTestEngine(WithMetrics(metrics.New(reg))).NewJob("job", files("a.pdf", "pages:3;page-error:2"), "DRAFT")
	rec := &recorder{}

	require.Equal(t, StateCompleted, job.Run(context.Background(), rec.emit))
	assert.Equal(t, []int{33, 67, 100}, rec.pagePercents())

	entries := zipEntries(t, rec.last().Buffer)
	assert.Equal(t, "DRAFT@1,DRAFT@3", entries["a-watermarked.pdf"])
}

func TestRunSerializeErrorSkipsFile(t *testing.T) {
	job := newTestEngine().NewJob("job", files("a.pdf", "pages:1;serialize-error", "b.pdf", "pages:1"), "DRAFT")
	rec := &recorder{}

	require.Equal(t, StateCompleted, job.Run(context.Background(), rec.emit))
	assert.Equal(t, []int{0, 1}, rec.fileDone())

	var noted bool
	for _, ev := range rec.ofType(schema.EventProgress) {
		if strings.Contains(ev.Message, "Skipped a.pdf") {
			noted = true
		}
	}
	assert.True(t, noted, "serialize failure should surface as a progress message")

	res := rec.last()
	assert.Equal(t, []string{"a.pdf"}, res.Skipped)
	entries := zipEntries(t, res.Buffer)
	assert.Len(t, entries, 1)
	assert.Contains(t, entries, "b-watermarked.pdf")
}

func TestRunMidProcessingRejection(t *testing.T) {
	tests := []struct {
		name string
		spec string
	}{
		{"reopen fails", "pages:3;reopen-fail"},
		{"page missing", "pages:3;page-missing:2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := newTestEngine().NewJob("job", files("a.pdf", tt.spec, "b.pdf", "pages:1"), "DRAFT")
			rec := &recorder{}

			require.Equal(t, StateCompleted, job.Run(context.Background(), rec.emit))
			assert.Equal(t, []int{0, 1}, rec.fileDone())

			progress := rec.ofType(schema.EventProgress)
			assert.Equal(t, 100, progress[len(progress)-1].Percent)
			assert.Equal(t, job.total, job.processed)

			res := rec.last()
			assert.Equal(t, []string{"a.pdf"}, res.Skipped)
			assert.Equal(t, 1, res.Entries)
		})
	}
}

func TestRunPercentMonotonic(t *testing.T) {
	job := newTestEngine().NewJob("job", files(
		"a.pdf", "pages:4;page-error:1",
		"b.pdf", "corrupt",
		"c.pdf", "pages:3;page-missing:2",
		"d.pdf", "pages:2;serialize-error",
		"e.pdf", "pages:5",
	), "DRAFT")
	rec := &recorder{}
	require.Equal(t, StateCompleted, job.Run(context.Background(), rec.emit))

	prev := 0
	var lastProgress schema.Event
	for _, ev := range rec.events {
		if ev.Type.Terminal() {
			continue
		}
		assert.GreaterOrEqual(t, ev.Percent, prev, "%s for file %d", ev.Type, ev.FileIndex)
		prev = ev.Percent
		if ev.Type == schema.EventProgress {
			lastProgress = ev
		}
	}
	assert.Equal(t, 100, lastProgress.Percent)
	assert.Equal(t, job.total, job.processed)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, rec.fileDone())
	assert.Equal(t, 2, rec.last().Entries)
}

func TestRunEmptyWatermarkFails(t *testing.T) {
	job := newTestEngine().NewJob("job", files("a.pdf", "pages:1"), "")
	rec := &recorder{}

	require.Equal(t, StateFailed, job.Run(context.Background(), rec.emit))
	require.Len(t, rec.events, 1)
	assert.Equal(t, schema.EventError, rec.events[0].Type)
	assert.Equal(t, schema.FailureTypeValidation, rec.events[0].FailureType)
}

func TestRunRejectsInvalidStyle(t *testing.T) {
	style := watermark.DefaultStyle
	style.Opacity = 5
	engine := newTestEngine(WithStyle(style))
	require.ErrorIs(t, engine.Err(), document.ErrInvalidStyle)

	job := engine.NewJob("job", files("a.pdf", "pages:1"), "DRAFT")
	rec := &recorder{}

	require.Equal(t, StateFailed, job.Run(context.Background(), rec.emit))
	require.Len(t, rec.events, 1)
	assert.Equal(t, schema.EventError, rec.events[0].Type)
	assert.Equal(t, schema.FailureTypeValidation, rec.events[0].FailureType)
	assert.Contains(t, rec.events[0].Error, "opacity")
	assert.Empty(t, rec.ofType(schema.EventResult))
}

func TestRunPanicBecomesErrorEvent(t *testing.T) {
	job := newTestEngine().NewJob("job", files("a.pdf", "pages:1;panic"), "DRAFT")
	rec := &recorder{}

	require.Equal(t, StateFailed, job.Run(context.Background(), rec.emit))
	last := rec.last()
	assert.Equal(t, schema.EventError, last.Type)
	assert.Contains(t, last.Error, "decoder exploded")
	assert.Empty(t, rec.ofType(schema.EventResult))
}

func TestProgressStatePercent(t *testing.T) {
	tests := []struct {
		name string
		p    ProgressState
		want int
		file int
	}{
		{"empty batch", ProgressState{}, 100, 0},
		{"one third", ProgressState{Processed: 1, Total: 3, FilePagesDone: 1, FilePagesTotal: 3}, 33, 33},
		{"two thirds", ProgressState{Processed: 2, Total: 3, FilePagesDone: 2, FilePagesTotal: 3}, 67, 67},
		{"done", ProgressState{Processed: 5, Total: 5, FilePagesDone: 3, FilePagesTotal: 3}, 100, 100},
		{"clamped", ProgressState{Processed: 6, Total: 5}, 100, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.p.Percent())
			assert.Equal(t, tt.file, tt.p.FilePercent())
		})
	}
}
