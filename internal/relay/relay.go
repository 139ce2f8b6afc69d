// Package relay connects a worker to remote controllers over NATS.
//
// Start commands arrive on "<subject>.start" through a queue group, so each
// batch lands on exactly one worker. Abort commands arrive on
// "<subject>.abort" and reach every worker; only the one running the named
// job acts on it. Events are published on "<events>.<jobId>". Documents and
// result archives are too large for plain messages and travel through a
// JetStream object store instead.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tendant/simple-watermarker/internal/bus"
	"github.com/tendant/simple-watermarker/internal/worker"
	"github.com/tendant/simple-watermarker/pkg/schema"
)

// BlobStore is the subset of jetstream.ObjectStore the relay uses.
type BlobStore interface {
	PutBytes(ctx context.Context, name string, data []byte) (*jetstream.ObjectInfo, error)
	GetBytes(ctx context.Context, name string, opts ...jetstream.GetObjectOpt) ([]byte, error)
}

// Ack answers a start request that carried a reply subject. An Ack without
// Error means the command was queued on an idle worker. The worker can still
// turn it down if another start reached it first; that shows up as a
// retryable error event on the Events subject.
type Ack struct {
	JobID  string `json:"jobId"`
	Events string `json:"events"`
	Error  string `json:"error,omitempty"`
}

type Relay struct {
	client       *bus.Client
	worker       *worker.Worker
	store        BlobStore
	eventSubject string
	logger       *slog.Logger
	subs         []*nats.Subscription
}

func New(client *bus.Client, w *worker.Worker, store BlobStore, eventSubject string, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		client:       client,
		worker:       w,
		store:        store,
		eventSubject: eventSubject,
		logger:       logger,
	}
}

// EventSubject is where events for jobID are published.
func (r *Relay) EventSubject(jobID string) string {
	if jobID == "" {
		jobID = "unknown"
	}
	return r.eventSubject + "." + jobID
}

// Subscribe registers the start and abort subscriptions.
func (r *Relay) Subscribe(commandSubject, queue string) error {
	startSub, err := r.client.QueueSubscribe(commandSubject+".start", queue, r.handleStart)
	if err != nil {
		return fmt.Errorf("subscribe start: %w", err)
	}
	abortSub, err := r.client.SubscribeJSON(commandSubject+".abort", r.handleAbort)
	if err != nil {
		_ = startSub.Unsubscribe()
		return fmt.Errorf("subscribe abort: %w", err)
	}
	r.subs = append(r.subs, startSub, abortSub)
	return r.client.Conn().Flush()
}

// Unsubscribe stops taking new commands.
func (r *Relay) Unsubscribe() {
	for _, s := range r.subs {
		_ = s.Unsubscribe()
	}
	r.subs = nil
}

func (r *Relay) handleStart(ctx context.Context, msg *nats.Msg) {
	var cmd schema.Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		r.reject(msg, "", fmt.Errorf("decode command: %w", err))
		return
	}
	if cmd.Cmd != schema.CommandStart {
		r.reject(msg, cmd.JobID, fmt.Errorf("expected %q command, got %q", schema.CommandStart, cmd.Cmd))
		return
	}
	if cmd.JobID == "" {
		cmd.JobID = uuid.NewString()
	}
	logger := r.logger.With("job_id", cmd.JobID)

	if active := r.worker.Active(); active != "" && active != cmd.JobID {
		r.rejectAs(msg, cmd.JobID, schema.FailureTypeRetryable, fmt.Errorf("worker busy with job %s", active))
		return
	}

	for i := range cmd.Files {
		f := &cmd.Files[i]
		if f.Buffer != nil || f.Object == "" {
			continue
		}
		data, err := r.store.GetBytes(ctx, f.Object)
		if err != nil {
			// An unreadable document is skipped by the pipeline like any other load failure.
			logger.Warn("fetch input object failed", "file", f.Name, "object", f.Object, "err", err)
			continue
		}
		f.Buffer = data
	}

	if err := r.worker.Send(ctx, cmd); err != nil {
		r.reject(msg, cmd.JobID, fmt.Errorf("enqueue start: %w", err))
		return
	}
	logger.Info("start accepted", "files", len(cmd.Files))
	r.respond(msg, Ack{JobID: cmd.JobID, Events: r.EventSubject(cmd.JobID)})
}

func (r *Relay) handleAbort(ctx context.Context, data []byte) {
	var cmd schema.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		r.logger.Warn("decode abort failed", "err", err)
		return
	}
	if cmd.Cmd != schema.CommandAbort || cmd.JobID == "" {
		// An anonymous abort would stop whatever job each worker happens to run.
		r.logger.Warn("abort ignored, job id required", "cmd", cmd.Cmd)
		return
	}
	if err := r.worker.Send(ctx, cmd); err != nil {
		r.logger.Error("enqueue abort failed", "job_id", cmd.JobID, "err", err)
	}
}

func (r *Relay) reject(msg *nats.Msg, jobID string, err error) {
	r.rejectAs(msg, jobID, schema.FailureTypeValidation, err)
}

func (r *Relay) rejectAs(msg *nats.Msg, jobID string, failureType schema.FailureType, err error) {
	r.logger.Warn("command rejected", "job_id", jobID, "err", err)
	r.publish(schema.Event{
		Type:        schema.EventError,
		JobID:       jobID,
		Error:       err.Error(),
		FailureType: failureType,
		HappenedAt:  time.Now().Unix(),
	})
	r.respond(msg, Ack{JobID: jobID, Events: r.EventSubject(jobID), Error: err.Error()})
}

func (r *Relay) respond(msg *nats.Msg, ack Ack) {
	if msg.Reply == "" {
		return
	}
	if err := r.client.PublishJSON(msg.Reply, ack); err != nil {
		r.logger.Error("reply failed", "job_id", ack.JobID, "err", err)
	}
}

// Forward publishes worker events until the worker's event stream closes.
// Result archives are written to the object store and the published event
// names the object instead of carrying the bytes.
func (r *Relay) Forward(ctx context.Context) {
	for ev := range r.worker.Events() {
		if ev.Type == schema.EventResult {
			ev = r.storeResult(ctx, ev)
		}
		r.publish(ev)
	}
}

func (r *Relay) storeResult(ctx context.Context, ev schema.Event) schema.Event {
	name := ev.JobID + ".zip"
	if _, err := r.store.PutBytes(ctx, name, ev.Buffer); err != nil {
		r.logger.Error("store result archive failed", "job_id", ev.JobID, "err", err)
		return schema.Event{
			Type:        schema.EventError,
			JobID:       ev.JobID,
			Error:       fmt.Sprintf("store result archive: %v", err),
			FailureType: classifyError(err),
			HappenedAt:  ev.HappenedAt,
		}
	}
	r.logger.Info("result archive stored", "job_id", ev.JobID, "object", name, "bytes", len(ev.Buffer), "entries", ev.Entries)
	ev.Object = name
	ev.Buffer = nil
	return ev
}

func (r *Relay) publish(ev schema.Event) {
	if err := r.client.PublishJSON(r.EventSubject(ev.JobID), ev); err != nil {
		r.logger.Error("publish event failed", "job_id", ev.JobID, "type", ev.Type, "err", err)
	}
}

func classifyError(err error) schema.FailureType {
	if err == nil {
		return ""
	}

	if errors.Is(err, jetstream.ErrBucketNotFound) ||
		errors.Is(err, jetstream.ErrBadObjectMeta) ||
		errors.Is(err, nats.ErrMaxPayload) {
		return schema.FailureTypePermanent
	}

	errStr := err.Error()
	if strings.Contains(errStr, "maximum bytes exceeded") ||
		strings.Contains(errStr, "insufficient resources") {
		return schema.FailureTypePermanent
	}

	// Timeouts, lost connections and anything unknown may succeed on retry.
	return schema.FailureTypeRetryable
}
