package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/tendant/simple-watermarker/internal/archive"
	"github.com/tendant/simple-watermarker/internal/document"
	"github.com/tendant/simple-watermarker/pkg/schema"
)

// ProgressState is the position of a running job, derived for each event.
type ProgressState struct {
	Processed      int
	Total          int
	FileIndex      int
	FilePagesDone  int
	FilePagesTotal int
}

// Percent is the global completion, rounded. An empty batch is complete.
func (p ProgressState) Percent() int {
	return percent(p.Processed, p.Total, 100)
}

// FilePercent is the completion of the current file, rounded.
func (p ProgressState) FilePercent() int {
	return percent(p.FilePagesDone, p.FilePagesTotal, 0)
}

func percent(done, total, empty int) int {
	if total <= 0 {
		return empty
	}
	v := int(math.Round(float64(done) / float64(total) * 100))
	return min(max(v, 0), 100)
}

// Job is one batch run. Run must be called at most once; Abort may be called
// from any goroutine.
type Job struct {
	ID        string
	Files     []schema.InputFile
	Watermark string

	engine  *Engine
	logger  *slog.Logger
	aborted atomic.Bool
	state   atomic.Value // State

	// owned by the Run goroutine
	counts    []int
	loadErrs  []error
	total     int
	processed int
	skipped   []string
}

// Abort asks the job to stop before its next page.
func (j *Job) Abort() {
	j.aborted.Store(true)
}

func (j *Job) Aborted() bool {
	return j.aborted.Load()
}

func (j *Job) State() State {
	return j.state.Load().(State)
}

func (j *Job) setState(s State) {
	j.state.Store(s)
	j.logger.Debug("job state", "state", s)
}

// Run executes the job and returns its terminal state. The last event passed
// to emit is always exactly one of result, cancelled or error.
func (j *Job) Run(ctx context.Context, emit Emitter) (final State) {
	start := j.engine.now()
	defer func() {
		if r := recover(); r != nil {
			final = j.fail(emit, fmt.Errorf("%w: panic: %v", ErrFatal, r))
		}
		j.engine.metrics.JobFinished(string(final), j.engine.now().Sub(start))
		j.logger.Info("job finished", "state", final, "processed_pages", j.processed, "total_pages", j.total,
			"skipped", len(j.skipped), "duration_ms", j.engine.now().Sub(start).Milliseconds())
	}()

	if j.Watermark == "" {
		return j.fail(emit, fmt.Errorf("%w: watermark text is empty", ErrInvalidJob))
	}
	if err := j.engine.Err(); err != nil {
		return j.fail(emit, fmt.Errorf("%w: %w", ErrInvalidJob, err))
	}
	j.logger.Info("job started", "files", len(j.Files))

	j.countPages()
	if j.total > 0 && j.shouldStop(ctx) {
		return j.cancel(emit)
	}

	j.setState(StateProcessing)
	agg := archive.New(j.engine.now())
	for i, f := range j.Files {
		j.send(emit, schema.Event{
			Type:      schema.EventProgress,
			Percent:   j.progress(i, 0, j.counts[i]).Percent(),
			Message:   fmt.Sprintf("Processing file %d of %d: %s", i+1, len(j.Files), f.Name),
			FileIndex: i,
		})

		if j.counts[i] == 0 {
			if j.loadErrs[i] != nil {
				j.skip(f.Name, "load")
			} else {
				// An empty document loaded fine; it just has nothing to archive.
				j.engine.metrics.FileSkipped("empty")
				j.logger.Info("file has no pages", "file", f.Name, "file_index", i)
			}
			j.fileDone(emit, i)
			continue
		}

		out, done, err := j.processFile(ctx, i, f, emit)
		if errors.Is(err, errAborted) {
			return j.cancel(emit)
		}
		if rest := j.counts[i] - done; rest > 0 {
			// Pages the file could not deliver still count toward the total.
			j.processed += rest
			msg := fmt.Sprintf("Finished %s early after %d of %d pages", f.Name, done, j.counts[i])
			if err != nil {
				msg = fmt.Sprintf("Skipped %s: %v", f.Name, err)
			}
			j.send(emit, j.progressEvent(i, j.counts[i], j.counts[i], msg))
		}
		if err != nil {
			j.logger.Warn("file skipped", "file", f.Name, "file_index", i, "err", err)
			if done == j.counts[i] {
				// Reached the end of the file, so only serialization remains to blame.
				j.send(emit, j.progressEvent(i, done, j.counts[i], fmt.Sprintf("Skipped %s: %v", f.Name, err)))
			}
			j.skip(f.Name, skipReason(err))
			j.fileDone(emit, i)
			continue
		}

		if err := agg.Add(document.OutputName(f.Name), out); err != nil {
			return j.fail(emit, fmt.Errorf("%w: %w", ErrFatal, err))
		}
		j.fileDone(emit, i)
	}

	j.setState(StateFinalizing)
	entries := agg.Len()
	buf, err := agg.Finalize()
	if err != nil {
		return j.fail(emit, fmt.Errorf("%w: %w", ErrFatal, err))
	}
	j.engine.metrics.ArchiveFinalized(len(buf))

	j.setState(StateCompleted)
	j.send(emit, schema.Event{
		Type:    schema.EventResult,
		Percent: 100,
		Buffer:  buf,
		Entries: entries,
		Skipped: j.skipped,
	})
	return StateCompleted
}

// countPages opens every file once to learn the batch's total page count.
// Documents are released right away and re-opened one at a time later, so at
// most one decoded document is held in memory.
func (j *Job) countPages() {
	j.setState(StateCounting)
	j.counts = make([]int, len(j.Files))
	j.loadErrs = make([]error, len(j.Files))
	for i, f := range j.Files {
		if f.Buffer == nil {
			j.loadErrs[i] = fmt.Errorf("%w: no content", document.ErrLoad)
			j.logger.Warn("file has no content", "file", f.Name, "file_index", i)
			continue
		}
		doc, err := j.engine.opener.Open(f.Buffer)
		if err != nil {
			j.loadErrs[i] = err
			j.logger.Warn("file could not be opened", "file", f.Name, "file_index", i, "err", err)
			continue
		}
		j.counts[i] = doc.PageCount()
		j.total += j.counts[i]
	}
	j.logger.Info("counted pages", "total_pages", j.total)
}

// processFile watermarks every page of file i and returns the serialized
// document together with the number of pages walked.
func (j *Job) processFile(ctx context.Context, i int, f schema.InputFile, emit Emitter) ([]byte, int, error) {
	pages := j.counts[i]
	doc, err := j.engine.opener.Open(f.Buffer)
	if err != nil {
		return nil, 0, err
	}
	if n := doc.PageCount(); n < pages {
		pages = n
	}

	for p := 0; p < pages; p++ {
		if j.shouldStop(ctx) {
			return nil, p, errAborted
		}

		page, err := doc.Page(p)
		if err != nil {
			return nil, p, err
		}
		if err := j.engine.transformer.Apply(page, j.Watermark); err != nil {
			j.engine.metrics.PageFailed()
			j.logger.Warn("page left without watermark", "file", f.Name, "page", p+1, "err", err)
		}

		j.processed++
		j.engine.metrics.PageProcessed()
		j.send(emit, j.progressEvent(i, p+1, pages,
			fmt.Sprintf("Watermarking %s: page %d of %d (%d of %d overall)", f.Name, p+1, pages, j.processed, j.total)))
	}

	out, err := doc.Serialize()
	if err != nil {
		return nil, pages, err
	}
	return out, pages, nil
}

func (j *Job) shouldStop(ctx context.Context) bool {
	return j.aborted.Load() || ctx.Err() != nil
}

func (j *Job) progress(fileIndex, done, total int) ProgressState {
	return ProgressState{
		Processed:      j.processed,
		Total:          j.total,
		FileIndex:      fileIndex,
		FilePagesDone:  done,
		FilePagesTotal: total,
	}
}

func (j *Job) progressEvent(fileIndex, done, total int, msg string) schema.Event {
	p := j.progress(fileIndex, done, total)
	return schema.Event{
		Type:        schema.EventProgress,
		Percent:     p.Percent(),
		Message:     msg,
		FileIndex:   fileIndex,
		FilePercent: p.FilePercent(),
	}
}

// fileDone carries the overall percent so every event reports a current value.
func (j *Job) fileDone(emit Emitter, i int) {
	j.send(emit, schema.Event{
		Type:      schema.EventFileDone,
		Percent:   j.progress(i, 0, 0).Percent(),
		FileIndex: i,
	})
}

func (j *Job) skip(name, reason string) {
	j.skipped = append(j.skipped, name)
	j.engine.metrics.FileSkipped(reason)
}

func (j *Job) cancel(emit Emitter) State {
	j.setState(StateCancelled)
	j.send(emit, schema.Event{
		Type:    schema.EventCancelled,
		Percent: j.progress(0, 0, 0).Percent(),
		Message: fmt.Sprintf("Cancelled after %d of %d pages", j.processed, j.total),
	})
	return StateCancelled
}

func (j *Job) fail(emit Emitter, err error) State {
	j.setState(StateFailed)
	j.logger.Error("job failed", "err", err)
	failureType := schema.FailureTypePermanent
	if errors.Is(err, ErrInvalidJob) {
		failureType = schema.FailureTypeValidation
	}
	j.send(emit, schema.Event{
		Type:        schema.EventError,
		Error:       err.Error(),
		FailureType: failureType,
	})
	return StateFailed
}

func (j *Job) send(emit Emitter, ev schema.Event) {
	ev.JobID = j.ID
	ev.HappenedAt = j.engine.now().Unix()
	emit(ev)
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, document.ErrLoad):
		return "load"
	case errors.Is(err, document.ErrSerialize):
		return "serialize"
	default:
		return "page"
	}
}
