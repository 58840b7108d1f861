package render

import "fmt"

// PreconditionError signals a request the Engine refuses before creating any
// state: a required provider/toolchain is not configured, or the Engine was
// asked to do something only valid in a different deployment mode.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string { return fmt.Sprintf("precondition failed: %s", e.Reason) }

// QueueFullError is returned by Enqueue when admitting the run would exceed
// MAX_QUEUE_SIZE.
type QueueFullError struct {
	MaxQueueSize int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("queue full: max queue size %d reached", e.MaxQueueSize)
}

// NotFoundError signals a Run or PlanVersion id unknown to the Store.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Kind, e.ID) }

// NotCancelableError is returned by Cancel when the run is already terminal.
type NotCancelableError struct {
	RunID  string
	Status RunStatus
}

func (e *NotCancelableError) Error() string {
	return fmt.Sprintf("run %q not cancelable in status %q", e.RunID, e.Status)
}

// NotRetryableError is returned by Retry when the run is not in a terminal
// state that accepts retry.
type NotRetryableError struct {
	RunID  string
	Status RunStatus
}

func (e *NotRetryableError) Error() string {
	return fmt.Sprintf("run %q not retryable in status %q", e.RunID, e.Status)
}

// TooManySubscribersError is returned by Subscribe when the per-run
// subscriber set is already at MAX_SUBSCRIBERS_PER_RUN.
type TooManySubscribersError struct {
	RunID          string
	MaxSubscribers int
}

func (e *TooManySubscribersError) Error() string {
	return fmt.Sprintf("run %q has reached its %d subscriber limit", e.RunID, e.MaxSubscribers)
}

// QAFailedError is returned by a StepExecutor whose verification of the
// finished render did not pass. The run transitions to qa_failed with
// progress forced to 100: the pipeline ran to completion, the output
// failed review. Retry accepts qa_failed like any other terminal state.
type QAFailedError struct {
	Reason string
}

func (e *QAFailedError) Error() string { return fmt.Sprintf("qa failed: %s", e.Reason) }

// StepFailedError wraps the error a StepExecutor returned, attributing it to
// a named step. The Run transitions to failed when this surfaces from the
// step loop.
type StepFailedError struct {
	Step StepName
	Err  error
}

func (e *StepFailedError) Error() string { return fmt.Sprintf("step %q failed: %v", e.Step, e.Err) }
func (e *StepFailedError) Unwrap() error { return e.Err }

// CanceledError signals cooperative cancellation was observed. It is not a
// failure: the run transitions to canceled with resume state preserved.
type CanceledError struct {
	Step StepName
}

func (e *CanceledError) Error() string { return fmt.Sprintf("canceled at step %q", e.Step) }

// TransientError marks a step-internal, provider-facing error as
// retry-worthy by the step body itself (see stepexec.RetryTransient). A step
// either retries it internally and succeeds, or exhausts its retries and
// returns the last one, possibly wrapped, as its error; the Engine then
// records the step as failed.
type TransientError struct {
	Provider   string
	Message    string
	RetryAfter int64 // seconds; 0 = no server hint
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %s", e.Provider, e.Message)
}

// CorruptDataError marks persisted JSON (logs, artifacts, resume state)
// that failed to unmarshal. The Store layer never returns this to callers:
// it is recorded as a warn log and the field is coerced to its zero value.
type CorruptDataError struct {
	Field string
	Err   error
}

func (e *CorruptDataError) Error() string {
	return fmt.Sprintf("corrupt %s: %v", e.Field, e.Err)
}
func (e *CorruptDataError) Unwrap() error { return e.Err }

// IntegrityViolationError signals a Store transaction could not commit
// (constraint violation, optimistic-concurrency conflict). Inside the step
// loop the Engine handles any failed transition like a step error: the run
// moves to failed with the error recorded in its log. No partial Run state
// is left behind because every multi-row transition runs in one transaction.
type IntegrityViolationError struct {
	Op  string
	Err error
}

func (e *IntegrityViolationError) Error() string {
	return fmt.Sprintf("integrity violation during %s: %v", e.Op, e.Err)
}
func (e *IntegrityViolationError) Unwrap() error { return e.Err }

// ShuttingDownError is returned by Enqueue once Shutdown has been called.
type ShuttingDownError struct{}

func (e *ShuttingDownError) Error() string { return "engine is shutting down" }
