package render

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// logQueueIdleGrace is how long a per-run appender waits for the next entry
// before terminating. The next append after that starts a fresh one. A var,
// not a const, so tests can shrink it to exercise the idle-exit path without
// waiting out the production grace period.
var logQueueIdleGrace = 2 * time.Second

// logAppend is one entry handed to a run's appender, already timestamped.
type logAppend struct {
	entry LogEntry
}

// runAppender is the single owner of log writes for one run. Entries are
// handed off over a channel buffered to 64 entries; the appender batches whatever has
// queued up since its last drain, reads-appends-writes in one Store
// transaction, and broadcasts each entry. This replaces naive
// read-modify-write on a shared logsJson field with a single writer per run.
type runAppender struct {
	runID string
	in    chan logAppend
	done  chan struct{}
}

// LogQueue serializes concurrent log appends per run so no writer ever loses
// an update to another's read-modify-write. One appender goroutine exists
// per run with a pending or recent append; it terminates after an idle
// grace period and a fresh one starts on the next append.
type LogQueue struct {
	mu        sync.Mutex
	appenders map[string]*runAppender
	wg        sync.WaitGroup

	store   Store
	bcast   *Broadcaster
	logger  *slog.Logger
	closing chan struct{}
	closed  bool
}

// NewLogQueue constructs a LogQueue writing through store and fanning each
// appended entry out through bcast.
func NewLogQueue(store Store, bcast *Broadcaster, logger *slog.Logger) *LogQueue {
	if logger == nil {
		logger = discardLogger()
	}
	return &LogQueue{
		appenders: make(map[string]*runAppender),
		store:     store,
		bcast:     bcast,
		logger:    logger,
		closing:   make(chan struct{}),
	}
}

// Append hands one log entry to the run's appender, starting a new appender
// goroutine if none is currently running for this run. The caller does not
// wait on the Store write while the run's channel has room; once 64 entries
// are pending, Append blocks until the appender takes one.
func (q *LogQueue) Append(runID string, level LogLevel, message string) {
	q.AppendAt(runID, LogEntry{Timestamp: time.Now().Unix(), Level: level, Message: message})
}

// AppendAt hands a fully-formed entry to the run's appender. The send onto
// the appender's channel happens while still holding q.mu, the same lock
// the appender's exit paths use to decide whether to delete themselves from
// q.appenders — this is what rules out the lost-update race where a caller
// observes the appender still registered, then hands off an entry after the
// appender has already committed to exiting and nobody is left to drain it.
func (q *LogQueue) AppendAt(runID string, entry LogEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	a, ok := q.appenders[runID]
	if !ok {
		a = &runAppender{runID: runID, in: make(chan logAppend, 64), done: make(chan struct{})}
		q.appenders[runID] = a
		q.wg.Add(1)
		go q.run(a)
	}
	a.in <- logAppend{entry: entry}
}

// flushBatch drains whatever else is immediately available on a.in after
// first, writes the whole batch to Store in one transaction, and broadcasts
// each entry in submission order.
func (q *LogQueue) flushBatch(a *runAppender, first logAppend) {
	batch := []logAppend{first}
	draining := true
	for draining {
		select {
		case next := <-a.in:
			batch = append(batch, next)
		default:
			draining = false
		}
	}
	entries := make([]LogEntry, len(batch))
	for i, b := range batch {
		entries[i] = b.entry
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := q.store.AppendLogs(ctx, a.runID, entries); err != nil {
		q.logger.Error("log append failed", "run", a.runID, "error", err)
	}
	cancel()
	for _, e := range entries {
		q.bcast.Emit(a.runID, Event{Type: EventLog, Log: &e})
	}
}

// run is the per-run appender goroutine: drain whatever has queued, write
// it back in one batch, broadcast each entry, then idle-wait for more.
func (q *LogQueue) run(a *runAppender) {
	defer q.wg.Done()
	defer close(a.done)
	timer := time.NewTimer(logQueueIdleGrace)
	defer timer.Stop()

	for {
		select {
		case first := <-a.in:
			q.flushBatch(a, first)
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(logQueueIdleGrace)
		case <-timer.C:
			// Re-check a.in under q.mu, the same lock AppendAt holds across
			// its lookup-and-send, before deleting this appender. A send
			// that completed before we acquire the lock is guaranteed
			// visible here; a send that hasn't happened yet can't have
			// passed AppendAt's closed/lookup check while we hold it, so it
			// will simply create a fresh appender once we release it.
			q.mu.Lock()
			select {
			case next := <-a.in:
				q.mu.Unlock()
				q.flushBatch(a, next)
				timer.Reset(logQueueIdleGrace)
				continue
			default:
			}
			delete(q.appenders, a.runID)
			q.mu.Unlock()
			return
		case <-q.closing:
			// Drain whatever is already queued before exiting so Shutdown
			// never loses an in-flight log write. The final emptiness check
			// and the delete happen under q.mu for the same reason as the
			// idle-timeout path above.
			for {
				q.mu.Lock()
				select {
				case next := <-a.in:
					q.mu.Unlock()
					ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					if err := q.store.AppendLogs(ctx, a.runID, []LogEntry{next.entry}); err != nil {
						q.logger.Error("log append failed during shutdown", "run", a.runID, "error", err)
					}
					cancel()
					q.bcast.Emit(a.runID, Event{Type: EventLog, Log: &next.entry})
				default:
					delete(q.appenders, a.runID)
					q.mu.Unlock()
					return
				}
			}
		}
	}
}

// Drain stops accepting the possibility of new appenders and blocks until
// every currently-running appender has flushed and exited. Called by
// Engine.Shutdown.
func (q *LogQueue) Drain() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.closing)
	q.mu.Unlock()
	q.wg.Wait()
}
