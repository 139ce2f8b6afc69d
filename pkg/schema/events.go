// pkg/schema/events.go
package schema

// CommandType names a controller → worker message.
type CommandType string

const (
	CommandStart CommandType = "start"
	CommandAbort CommandType = "abort"
)

// InputFile is one document of a batch. A nil Buffer marks a file the
// controller could not read; it is counted as zero pages and skipped.
type InputFile struct {
	Name   string `json:"name"`
	Buffer []byte `json:"buffer,omitempty"`
	// Object references a stored document when the buffer is not inlined.
	Object string `json:"object,omitempty"`
}

type Command struct {
	Cmd       CommandType `json:"cmd"`
	JobID     string      `json:"jobId,omitempty"`
	Files     []InputFile `json:"files,omitempty"`
	Watermark string      `json:"watermark,omitempty"`
}

// EventType names a worker → controller message.
type EventType string

const (
	EventProgress  EventType = "progress"
	EventFileDone  EventType = "file-done"
	EventResult    EventType = "result"
	EventCancelled EventType = "cancelled"
	EventError     EventType = "error"
)

// Terminal reports whether no further events follow for the job.
func (t EventType) Terminal() bool {
	return t == EventResult || t == EventCancelled || t == EventError
}

type FailureType string

const (
	FailureTypeRetryable  FailureType = "retryable"
	FailureTypePermanent  FailureType = "permanent"
	FailureTypeValidation FailureType = "validation"
)

// Event is the single envelope for every worker → controller message; which
// fields are set depends on Type.
type Event struct {
	Type  EventType `json:"type"`
	JobID string    `json:"jobId"`

	// progress
	Percent     int    `json:"percent"`
	Message     string `json:"message,omitempty"`
	FileIndex   int    `json:"fileIndex"`
	FilePercent int    `json:"filePercent"`

	// result. Buffer ownership passes to the receiver.
	Buffer  []byte   `json:"buffer,omitempty"`
	Object  string   `json:"object,omitempty"`
	Entries int      `json:"entries,omitempty"`
	Skipped []string `json:"skipped,omitempty"`

	// error
	Error       string      `json:"error,omitempty"`
	FailureType FailureType `json:"failureType,omitempty"`

	HappenedAt int64 `json:"happenedAt"`
}
