package render

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// EngineConfig holds the tunables named in the external-interfaces contract:
// concurrency caps, queue/subscriber bounds, and heartbeat cadence.
type EngineConfig struct {
	MaxConcurrentRuns    int
	MaxQueueSize         int
	MaxSubscribersPerRun int
	HeartbeatInterval    time.Duration
}

// DefaultEngineConfig returns the defaults named in the external-interfaces
// contract.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxConcurrentRuns:    1,
		MaxQueueSize:         100,
		MaxSubscribersPerRun: 100,
		HeartbeatInterval:    25 * time.Second,
	}
}

// Engine is the scheduler and state machine owning every Run's lifecycle
// from Enqueue to a terminal state. It drives Store, LogQueue, Broadcaster,
// and StepExecutor; it is the only place Run and Project status transition.
type Engine struct {
	store    Store
	stepExec StepExecutor
	clock    Clock
	tracer   Tracer
	metrics  Metrics
	logger   *slog.Logger
	cfg      EngineConfig

	preflight Preflight

	logQueue *LogQueue
	bcast    *Broadcaster

	mu           sync.Mutex
	queue        *list.List // FIFO of run IDs awaiting a worker slot
	queueIndex   map[string]*list.Element
	activeRuns   map[string]context.CancelFunc
	shuttingDown bool

	wake        chan struct{}
	adminCancel context.CancelFunc
	wg          sync.WaitGroup
}

// Option configures an Engine constructed with New.
type Option func(*Engine)

// WithStore sets the persistence backend. Required.
func WithStore(s Store) Option { return func(e *Engine) { e.store = s } }

// WithStepExecutor sets the step implementation. Required.
func WithStepExecutor(s StepExecutor) Option { return func(e *Engine) { e.stepExec = s } }

// WithClock overrides the default system clock, for deterministic tests.
func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

// WithTracer configures span creation; omit to disable tracing.
func WithTracer(t Tracer) Option { return func(e *Engine) { e.tracer = t } }

// WithMetrics configures lifecycle metric reporting; omit to disable it.
func WithMetrics(m Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithLogger sets the structured logger; defaults to discarding all output.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// Preflight validates external prerequisites a Run depends on (provider
// readiness flags, toolchain presence) before any state is created.
// Returning an error aborts Enqueue with no Run row written.
type Preflight func(ctx context.Context, plan PlanVersion) error

// WithPreflight installs provider-readiness validation run by Enqueue.
func WithPreflight(p Preflight) Option { return func(e *Engine) { e.preflight = p } }

// WithEngineConfig overrides concurrency/queue/subscriber/heartbeat defaults.
func WithEngineConfig(cfg EngineConfig) Option { return func(e *Engine) { e.cfg = cfg } }

// New constructs an Engine and starts its admission loop. Call
// RestoreAfterRestart before accepting any external calls.
func New(opts ...Option) *Engine {
	e := &Engine{
		clock:      SystemClock,
		logger:     discardLogger(),
		cfg:        DefaultEngineConfig(),
		queue:      list.New(),
		queueIndex: make(map[string]*list.Element),
		activeRuns: make(map[string]context.CancelFunc),
		wake:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.bcast = NewBroadcaster(e.cfg.MaxSubscribersPerRun, e.cfg.HeartbeatInterval, e.logger)
	e.logQueue = NewLogQueue(e.store, e.bcast, e.logger)

	adminCtx, cancel := context.WithCancel(context.Background())
	e.adminCancel = cancel
	go e.admissionLoop(adminCtx)
	return e
}

// Enqueue validates prerequisites and queue capacity, persists a new
// queued Run, and inserts it into the ready queue in FIFO order.
func (e *Engine) Enqueue(ctx context.Context, plan PlanVersion) (Run, error) {
	e.mu.Lock()
	if e.shuttingDown {
		e.mu.Unlock()
		return Run{}, &ShuttingDownError{}
	}
	// Capacity is measured against the in-memory ready queue, not a Store
	// count of status=queued rows. A run that has been admitted to a worker
	// slot no longer occupies a queue position, so this under-counts true
	// queued rows by at most the number currently admitted — an accepted
	// approximation that keeps admission off the Enqueue hot path.
	if e.queue.Len() >= e.cfg.MaxQueueSize {
		e.mu.Unlock()
		return Run{}, &QueueFullError{MaxQueueSize: e.cfg.MaxQueueSize}
	}
	e.mu.Unlock()

	if plan.ID == "" || plan.ProjectID == "" || len(plan.Scenes) == 0 {
		return Run{}, &PreconditionError{Reason: "plan version is empty or unsaved"}
	}
	if e.preflight != nil {
		if err := e.preflight(ctx, plan); err != nil {
			return Run{}, err
		}
	}

	now := e.clock.Now().Unix()
	run := Run{
		ID:            NewID(),
		ProjectID:     plan.ProjectID,
		PlanVersionID: plan.ID,
		Status:        RunQueued,
		Progress:      0,
		Artifacts:     Artifacts{},
		ResumeState:   ResumeState{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return Run{}, err
	}
	if e.metrics != nil {
		e.metrics.RunEnqueued(ctx)
	}
	e.admit(run.ID)
	return run, nil
}

// admit inserts runID at the back of the ready queue and wakes the
// admission loop. It does not check for shutdown: callers check before
// calling, and once shutdown has begun admitReady starts no new worker.
func (e *Engine) admit(runID string) {
	e.mu.Lock()
	elem := e.queue.PushBack(runID)
	e.queueIndex[runID] = elem
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.QueueDepthDelta(context.Background(), 1)
	}
	e.signalWake()
}

func (e *Engine) signalWake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Retry re-enqueues a Run from a terminal state. When fromStep is
// non-empty, every completed step at or after it is rewound so the next
// attempt starts there.
func (e *Engine) Retry(ctx context.Context, runID string, fromStep StepName) (Run, error) {
	e.mu.Lock()
	if e.shuttingDown {
		e.mu.Unlock()
		return Run{}, &ShuttingDownError{}
	}
	e.mu.Unlock()

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return Run{}, err
	}
	switch run.Status {
	case RunFailed, RunCanceled, RunQAFailed:
	default:
		return Run{}, &NotRetryableError{RunID: runID, Status: run.Status}
	}

	resume := run.ResumeState
	if fromStep != "" {
		resume = resume.rewoundFrom(fromStep)
	}
	prevStatus := run.Status

	updated, err := e.store.TransitionRun(ctx, runID, func(r *Run) (ProjectStatus, error) {
		r.Status = RunQueued
		r.ResumeState = resume
		r.Progress = progressFor(resume.CompletedSteps)
		r.CurrentStep = ""
		return "", nil
	})
	if err != nil {
		return Run{}, err
	}
	e.logQueue.Append(runID, LogInfo, "retry requested")
	if e.metrics != nil {
		e.metrics.LogAppended(ctx)
	}
	e.bcast.Emit(runID, Event{Type: EventTransition, From: prevStatus, To: RunQueued})

	e.admit(runID)
	return updated, nil
}

// Cancel cancels a queued run immediately, or signals a running run's
// cancellation token and returns without waiting for the worker to observe
// it.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	e.mu.Lock()
	if elem, ok := e.queueIndex[runID]; ok {
		e.queue.Remove(elem)
		delete(e.queueIndex, runID)
		e.mu.Unlock()

		_, err := e.store.TransitionRun(ctx, runID, func(r *Run) (ProjectStatus, error) {
			if r.Status != RunQueued {
				return "", &NotCancelableError{RunID: runID, Status: r.Status}
			}
			r.Status = RunCanceled
			return "", nil
		})
		if err != nil {
			return err
		}
		if e.metrics != nil {
			e.metrics.QueueDepthDelta(ctx, -1)
			// Never admitted to a worker slot, so there is no tracked start
			// time to compute a meaningful duration from.
			e.metrics.RunFinished(ctx, RunCanceled, 0)
		}
		e.bcast.Emit(runID, Event{Type: EventTransition, From: RunQueued, To: RunCanceled})
		return nil
	}
	if cancel, ok := e.activeRuns[runID]; ok {
		e.mu.Unlock()
		cancel()
		return nil
	}
	e.mu.Unlock()

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	return &NotCancelableError{RunID: runID, Status: run.Status}
}

// Subscribe registers an ephemeral listener for runID's progress stream.
// The first event delivered is always a state snapshot; the caller must
// call the returned unsubscribe func when done reading.
func (e *Engine) Subscribe(ctx context.Context, runID string) (<-chan Event, func(), error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	sub, ch := newChanSubscriber()
	logs := run.Logs
	if len(logs) > 50 {
		logs = logs[len(logs)-50:]
	}
	// The snapshot enters the stream before the subscriber is registered, so
	// no live event can be delivered ahead of it.
	_ = sub.Send(Event{Type: EventState, Status: run.Status, Progress: run.Progress, CurrentStep: run.CurrentStep, Logs: logs})
	if err := e.bcast.Register(runID, sub); err != nil {
		return nil, nil, err
	}
	unsubscribe := func() { e.bcast.Unregister(runID, sub) }
	return ch, unsubscribe, nil
}

// admissionLoop is the single task feeding ready runs into worker slots. A
// wake signal triggers an immediate admission pass; the ticker is a
// fallback in case a signal coincides with a pass already in flight.
func (e *Engine) admissionLoop(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
			e.admitReady()
		case <-ticker.C:
			e.admitReady()
		}
	}
}

// admitReady pops runs off the front of the queue while a worker slot is
// free, starting one worker goroutine per admitted run.
func (e *Engine) admitReady() {
	for {
		e.mu.Lock()
		if e.shuttingDown || len(e.activeRuns) >= e.cfg.MaxConcurrentRuns || e.queue.Len() == 0 {
			e.mu.Unlock()
			return
		}
		elem := e.queue.Front()
		runID := elem.Value.(string)
		e.queue.Remove(elem)
		delete(e.queueIndex, runID)

		runCtx, cancel := context.WithCancel(context.Background())
		e.activeRuns[runID] = cancel
		e.mu.Unlock()

		if e.metrics != nil {
			e.metrics.QueueDepthDelta(context.Background(), -1)
			e.metrics.ActiveRunsDelta(context.Background(), 1)
		}

		e.wg.Add(1)
		go e.runWorker(runCtx, runID)
	}
}

// runWorker drives one Run's step loop from running to a terminal state.
func (e *Engine) runWorker(ctx context.Context, runID string) {
	defer func() {
		e.mu.Lock()
		delete(e.activeRuns, runID)
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.ActiveRunsDelta(context.Background(), -1)
		}
		e.signalWake()
		e.wg.Done()
	}()

	startedAt := e.clock.Now()

	run, err := e.store.TransitionRun(context.Background(), runID, func(r *Run) (ProjectStatus, error) {
		r.Status = RunRunning
		return ProjectRendering, nil
	})
	if err != nil {
		e.logger.Error("transition to running failed", "run", runID, "error", err)
		return
	}
	e.bcast.Emit(runID, Event{Type: EventTransition, From: RunQueued, To: RunRunning})

	plan, err := e.store.GetPlanVersion(context.Background(), run.PlanVersionID)
	if err != nil {
		e.failRun(runID, "", err, startedAt)
		return
	}

	var span Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "engine.run", StringAttr("run_id", runID))
		defer span.End()
	}

	for _, step := range STEPS {
		if run.ResumeState.HasCompleted(step) {
			continue
		}
		select {
		case <-ctx.Done():
			e.cancelRun(runID, startedAt)
			return
		default:
		}

		run, err = e.store.TransitionRun(context.Background(), runID, func(r *Run) (ProjectStatus, error) {
			r.CurrentStep = step
			return "", nil
		})
		if err != nil {
			e.logger.Error("set current step failed", "run", runID, "step", step, "error", err)
			e.failRun(runID, step, err, startedAt)
			return
		}
		e.bcast.Emit(runID, Event{Type: EventStepStart, Step: step})

		var stepSpan Span
		stepCtx := ctx
		if e.tracer != nil {
			stepCtx, stepSpan = e.tracer.Start(ctx, "engine.step", StringAttr("step", string(step)))
		}
		result, stepErr := e.stepExec.Run(stepCtx, step, run, plan)
		if stepSpan != nil {
			if stepErr != nil {
				stepSpan.Error(stepErr)
			}
			stepSpan.End()
		}

		if stepErr != nil {
			if ctx.Err() != nil || errors.Is(stepErr, context.Canceled) {
				e.cancelRun(runID, startedAt)
				return
			}
			var qa *QAFailedError
			if errors.As(stepErr, &qa) {
				e.qaFailRun(runID, step, qa, startedAt)
				return
			}
			e.failRun(runID, step, stepErr, startedAt)
			return
		}

		run, err = e.store.TransitionRun(context.Background(), runID, func(r *Run) (ProjectStatus, error) {
			r.Artifacts = r.Artifacts.merge(result.ArtifactsDelta)
			r.ResumeState = r.ResumeState.withCompleted(step, result.ResumeStateDelta)
			r.Progress = progressFor(r.ResumeState.CompletedSteps)
			return "", nil
		})
		if err != nil {
			e.logger.Error("record step completion failed", "run", runID, "step", step, "error", err)
			e.failRun(runID, step, err, startedAt)
			return
		}
		e.bcast.Emit(runID, Event{Type: EventStepEnd, Step: step, Progress: run.Progress})
	}

	_, err = e.store.TransitionRun(context.Background(), runID, func(r *Run) (ProjectStatus, error) {
		r.Status = RunDone
		r.Progress = 100
		r.CurrentStep = ""
		return ProjectDone, nil
	})
	if err != nil {
		e.logger.Error("finalize run failed", "run", runID, "error", err)
		return
	}
	if e.metrics != nil {
		e.metrics.RunFinished(context.Background(), RunDone, e.clock.Now().Sub(startedAt))
	}
	e.bcast.Emit(runID, Event{Type: EventTransition, From: RunRunning, To: RunDone})
}

func (e *Engine) failRun(runID string, step StepName, cause error, startedAt time.Time) {
	msg := cause.Error()
	if step != "" {
		msg = fmt.Sprintf("step %s failed: %v", step, cause)
	}
	e.logQueue.Append(runID, LogError, msg)
	if e.metrics != nil {
		e.metrics.LogAppended(context.Background())
	}
	_, err := e.store.TransitionRun(context.Background(), runID, func(r *Run) (ProjectStatus, error) {
		r.Status = RunFailed
		return "", nil
	})
	if err != nil {
		e.logger.Error("transition to failed failed", "run", runID, "error", err)
		return
	}
	if e.metrics != nil {
		e.metrics.RunFinished(context.Background(), RunFailed, e.clock.Now().Sub(startedAt))
	}
	e.bcast.Emit(runID, Event{Type: EventTransition, From: RunRunning, To: RunFailed})
}

// qaFailRun handles a step's verification verdict rejecting the finished
// output: the run is terminal at qa_failed with progress forced to 100
// (the pipeline ran to completion; the output failed review).
func (e *Engine) qaFailRun(runID string, step StepName, cause *QAFailedError, startedAt time.Time) {
	e.logQueue.Append(runID, LogError, fmt.Sprintf("step %s: %v", step, cause))
	if e.metrics != nil {
		e.metrics.LogAppended(context.Background())
	}
	_, err := e.store.TransitionRun(context.Background(), runID, func(r *Run) (ProjectStatus, error) {
		r.Status = RunQAFailed
		r.Progress = 100
		return "", nil
	})
	if err != nil {
		e.logger.Error("transition to qa_failed failed", "run", runID, "error", err)
		return
	}
	if e.metrics != nil {
		e.metrics.RunFinished(context.Background(), RunQAFailed, e.clock.Now().Sub(startedAt))
	}
	e.bcast.Emit(runID, Event{Type: EventTransition, From: RunRunning, To: RunQAFailed})
}

func (e *Engine) cancelRun(runID string, startedAt time.Time) {
	_, err := e.store.TransitionRun(context.Background(), runID, func(r *Run) (ProjectStatus, error) {
		r.Status = RunCanceled
		return "", nil
	})
	if err != nil {
		e.logger.Error("transition to canceled failed", "run", runID, "error", err)
		return
	}
	if e.metrics != nil {
		e.metrics.RunFinished(context.Background(), RunCanceled, e.clock.Now().Sub(startedAt))
	}
	e.bcast.Emit(runID, Event{Type: EventTransition, From: RunRunning, To: RunCanceled})
}

// RestoreAfterRestart rehydrates in-memory state from Store after a process
// restart. Must be called once, before accepting any external calls.
func (e *Engine) RestoreAfterRestart(ctx context.Context) error {
	running, err := e.store.FindRunningRuns(ctx)
	if err != nil {
		return err
	}
	for _, r := range running {
		proj, err := e.store.GetProject(ctx, r.ProjectID)
		newProjectStatus := ProjectStatus("")
		if err == nil && proj.Status != ProjectDone {
			newProjectStatus = ProjectFailed
		}
		_, err = e.store.TransitionRun(ctx, r.ID, func(run *Run) (ProjectStatus, error) {
			run.Status = RunFailed
			run.CurrentStep = "error"
			return newProjectStatus, nil
		})
		if err != nil {
			e.logger.Error("restore: mark stuck run failed", "run", r.ID, "error", err)
			continue
		}
		e.logQueue.Append(r.ID, LogWarn, "marked as failed after restart")
		if e.metrics != nil {
			e.metrics.LogAppended(ctx)
			// The run's actual start time isn't tracked across a restart, so
			// duration is reported as zero rather than a fabricated value.
			e.metrics.RunFinished(ctx, RunFailed, 0)
		}
		e.bcast.Emit(r.ID, Event{Type: EventTransition, From: RunRunning, To: RunFailed})
	}

	queued, err := e.store.FindQueuedRuns(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	added := 0
	for _, r := range queued {
		if _, exists := e.queueIndex[r.ID]; exists {
			continue
		}
		elem := e.queue.PushBack(r.ID)
		e.queueIndex[r.ID] = elem
		added++
	}
	e.mu.Unlock()
	if added > 0 && e.metrics != nil {
		e.metrics.QueueDepthDelta(ctx, added)
	}
	e.signalWake()
	return nil
}

// Shutdown stops accepting new Enqueue calls, signals every active run's
// cancellation token, waits (bounded by ctx) for workers to reach a
// terminal state, then drains the LogQueue and Broadcaster.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.shuttingDown = true
	cancels := make([]context.CancelFunc, 0, len(e.activeRuns))
	for _, c := range e.activeRuns {
		cancels = append(cancels, c)
	}
	e.mu.Unlock()

	for _, c := range cancels {
		c()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	e.adminCancel()
	e.logQueue.Drain()
	e.bcast.DrainAll()
	return nil
}
