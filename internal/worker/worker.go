// Package worker is the message channel between a controller and the batch
// pipeline. Commands and events travel over FIFO channels; each job runs on
// its own goroutine so an abort can be delivered while it is working.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-watermarker/internal/pipeline"
	"github.com/tendant/simple-watermarker/internal/process"
	"github.com/tendant/simple-watermarker/pkg/schema"
)

const (
	DefaultCommandBuffer = 16
	DefaultEventBuffer   = 64
)

// Worker accepts start/abort commands and streams job events. At most one
// job is active at a time.
type Worker struct {
	engine   *pipeline.Engine
	logger   *slog.Logger
	registry *process.Registry
	newID    func() string

	cmds   chan schema.Command
	events chan schema.Event

	mu      sync.Mutex
	current *pipeline.Job
	wg      sync.WaitGroup
}

// Option configures a Worker.
type Option func(*Worker)

func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithRegistry records every job's lifecycle in r.
func WithRegistry(r *process.Registry) Option {
	return func(w *Worker) { w.registry = r }
}

// WithBuffers sets the command and event channel capacities.
func WithBuffers(commands, events int) Option {
	return func(w *Worker) {
		w.cmds = make(chan schema.Command, commands)
		w.events = make(chan schema.Event, events)
	}
}

// WithIDGenerator sets how ids are assigned to start commands without one.
func WithIDGenerator(f func() string) Option {
	return func(w *Worker) { w.newID = f }
}

func New(engine *pipeline.Engine, opts ...Option) *Worker {
	w := &Worker{
		engine: engine,
		logger: slog.Default(),
		newID:  uuid.NewString,
		cmds:   make(chan schema.Command, DefaultCommandBuffer),
		events: make(chan schema.Event, DefaultEventBuffer),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.registry == nil {
		w.registry = process.NewRegistry(0)
	}
	return w
}

// Send enqueues a command. It blocks only while the command buffer is full.
func (w *Worker) Send(ctx context.Context, cmd schema.Command) error {
	select {
	case w.cmds <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the event stream. It is closed after Run returns and the
// active job, if any, has stopped.
func (w *Worker) Events() <-chan schema.Event {
	return w.events
}

func (w *Worker) Registry() *process.Registry {
	return w.registry
}

// Busy reports whether a job is running.
func (w *Worker) Busy() bool {
	return w.Active() != ""
}

// Active returns the id of the running job, or "" when idle.
func (w *Worker) Active() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return ""
	}
	return w.current.ID
}

// Run processes commands until ctx is done. Cancelling ctx aborts the
// active job at its next page boundary.
func (w *Worker) Run(ctx context.Context) error {
	defer func() {
		w.wg.Wait()
		close(w.events)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-w.cmds:
			w.handle(ctx, cmd)
		}
	}
}

func (w *Worker) handle(ctx context.Context, cmd schema.Command) {
	switch cmd.Cmd {
	case schema.CommandStart:
		w.start(ctx, cmd)
	case schema.CommandAbort:
		w.abort(cmd)
	default:
		w.logger.Warn("unknown command", "cmd", cmd.Cmd, "job_id", cmd.JobID)
		w.reject(ctx, schema.Event{
			Type:        schema.EventError,
			JobID:       cmd.JobID,
			Error:       fmt.Sprintf("unknown command %q", cmd.Cmd),
			FailureType: schema.FailureTypeValidation,
			HappenedAt:  time.Now().Unix(),
		})
	}
}

func (w *Worker) start(ctx context.Context, cmd schema.Command) {
	id := cmd.JobID
	if id == "" {
		id = w.newID()
	}
	logger := w.logger.With("job_id", id)

	w.mu.Lock()
	current := w.current
	if current == nil {
		job := w.engine.NewJob(id, cmd.Files, cmd.Watermark)
		w.current = job
		w.mu.Unlock()

		logger.Info("received start", "files", len(cmd.Files))
		w.registry.Track(process.NewJob("watermark", id, len(cmd.Files)))
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			job.Run(ctx, w.emitter(ctx, job))
		}()
		return
	}
	w.mu.Unlock()

	if current.ID == id {
		logger.Warn("duplicate start ignored")
		return
	}
	logger.Warn("start rejected, worker busy", "active_job_id", current.ID)
	w.reject(ctx, schema.Event{
		Type:        schema.EventError,
		JobID:       id,
		Error:       fmt.Sprintf("worker busy with job %s", current.ID),
		FailureType: schema.FailureTypeRetryable,
		HappenedAt:  time.Now().Unix(),
	})
}

func (w *Worker) abort(cmd schema.Command) {
	w.mu.Lock()
	current := w.current
	w.mu.Unlock()

	if current == nil || (cmd.JobID != "" && cmd.JobID != current.ID) {
		w.logger.Info("abort ignored, no matching job", "job_id", cmd.JobID)
		return
	}
	if current.Aborted() {
		w.logger.Debug("abort already requested", "job_id", current.ID)
		return
	}
	w.logger.Info("abort requested", "job_id", current.ID)
	current.Abort()
}

// emitter forwards a job's events. The worker is released before the
// terminal event goes out, so a controller may start the next job as soon as
// it sees the previous one end.
func (w *Worker) emitter(ctx context.Context, job *pipeline.Job) pipeline.Emitter {
	return func(ev schema.Event) {
		if ev.Type.Terminal() {
			w.mu.Lock()
			if w.current == job {
				w.current = nil
			}
			w.mu.Unlock()
		}
		w.publish(ctx, ev)
	}
}

// publish delivers ev to the event stream. Terminal events block until they
// are taken, even after shutdown began; Run keeps the stream open until every
// job goroutine has returned.
func (w *Worker) publish(ctx context.Context, ev schema.Event) {
	w.registry.Observe(ev)
	if ev.Type.Terminal() {
		w.events <- ev
		return
	}
	select {
	case w.events <- ev:
	case <-ctx.Done():
		w.logger.Debug("event dropped after shutdown", "type", ev.Type, "job_id", ev.JobID)
	}
}

// reject reports a command the worker did not run. It bypasses the registry:
// the id may belong to an earlier job whose record must stay as it ended.
func (w *Worker) reject(ctx context.Context, ev schema.Event) {
	select {
	case w.events <- ev:
	case <-ctx.Done():
		w.logger.Debug("rejection dropped after shutdown", "job_id", ev.JobID)
	}
}
