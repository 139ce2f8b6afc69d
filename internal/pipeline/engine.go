// Package pipeline runs batch watermark jobs: it counts pages across every
// input document, stamps each page in order, reports two-level progress and
// bundles the results into one archive.
package pipeline

import (
	"errors"
	"log/slog"
	"time"

	"github.com/tendant/simple-watermarker/internal/document"
	"github.com/tendant/simple-watermarker/internal/metrics"
	"github.com/tendant/simple-watermarker/internal/watermark"
	"github.com/tendant/simple-watermarker/pkg/schema"
)

var (
	// ErrFatal marks failures that end a job without a result, such as the
	// archive step itself failing.
	ErrFatal = errors.New("fatal pipeline error")
	// ErrInvalidJob marks a start command that cannot be run at all.
	ErrInvalidJob = errors.New("invalid job")

	errAborted = errors.New("job aborted")
)

// State is a job's position in its lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateCounting   State = "counting"
	StateProcessing State = "processing"
	StateFinalizing State = "finalizing"
	StateCompleted  State = "completed"
	StateCancelled  State = "cancelled"
	StateFailed     State = "failed"
)

// Terminal reports whether the job has emitted its last event.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Emitter receives a job's events in order. It is called from the job's
// goroutine only.
type Emitter func(schema.Event)

// Engine holds the collaborators shared by jobs. It carries no per-job
// state, so one Engine can build any number of jobs.
type Engine struct {
	opener      document.Opener
	transformer *watermark.Transformer
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
	styleErr    error
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithStyle replaces watermark.DefaultStyle.
func WithStyle(s document.Style) Option {
	return func(e *Engine) { e.transformer = watermark.NewTransformer(s) }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(opener document.Opener, opts ...Option) *Engine {
	e := &Engine{
		opener:      opener,
		transformer: watermark.NewTransformer(watermark.DefaultStyle),
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.transformer.Style().Validate(); err != nil {
		e.styleErr = err
		e.logger.Error("watermark style rejected, jobs will fail", "err", err)
	}
	return e
}

// Err reports a configuration problem that makes every job fail.
func (e *Engine) Err() error {
	return e.styleErr
}

// NewJob builds a fresh job. Jobs are single-use.
func (e *Engine) NewJob(id string, files []schema.InputFile, text string) *Job {
	j := &Job{
		ID:        id,
		Files:     files,
		Watermark: text,
		engine:    e,
		logger:    e.logger.With("job_id", id),
	}
	j.state.Store(StateIdle)
	return j
}
