package crawler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/WangYihang/IPv6-Lookup-Crawler/pkg/budget"
	"github.com/WangYihang/IPv6-Lookup-Crawler/pkg/dedup"
	"github.com/WangYihang/IPv6-Lookup-Crawler/pkg/journal"
	"github.com/WangYihang/IPv6-Lookup-Crawler/pkg/lookup"
	"github.com/WangYihang/IPv6-Lookup-Crawler/pkg/metrics"
	"github.com/WangYihang/IPv6-Lookup-Crawler/pkg/progress"
	"github.com/WangYihang/IPv6-Lookup-Crawler/pkg/sheet"
	"golang.org/x/time/rate"
)

// Result cell markers. MarkerNoRecord is distinct from an unwritten cell so a
// domain confirmed to have no AAAA record is never retried on a later run.
const (
	MarkerNoRecord = "no-record"
	MarkerFailed   = "failed"
	MarkerSkipped  = "skipped"
)

// Status is the controller's run state.
type Status int

const (
	StatusIdle Status = iota
	StatusRunning
	StatusCompleted
	StatusPausedBlocked
	StatusPausedBudget
	StatusAborted
)

// String returns the operator-facing name of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusPausedBlocked:
		return "paused-blocked"
	case StatusPausedBudget:
		return "paused-budget-exhausted"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Recoverable reports whether the run can continue after operator action
// (waiting out the ban window or rotating the exit IP).
func (s Status) Recoverable() bool {
	return s == StatusPausedBlocked || s == StatusPausedBudget
}

// ResultSink receives one value or marker per row and durably persists
// everything written on Flush.
type ResultSink interface {
	Write(index int, value string) error
	Flush() error
}

// Counters tallies committed rows by classification.
type Counters struct {
	Success   int
	Empty     int
	Failed    int
	Skipped   int
	Duplicate int
}

// Report is what the caller gets back from a run: a terminal status, the
// precise resume position, and the row tallies. Runs never stop silently.
type Report struct {
	Status             Status
	LastCompletedIndex int
	NextIndex          int
	Counters           Counters
	Err                error
}

// Snapshot is a point-in-time view of the run for UI observers.
type Snapshot struct {
	Status             Status
	CurrentIndex       int
	CurrentDomain      string
	Total              int
	LastCompletedIndex int
	Counters           Counters
	BudgetUsed         int
	BudgetLimit        int
	StartedAt          time.Time
}

// Observer is notified after every committed row and on terminal transitions.
type Observer interface {
	OnProgress(Snapshot)
}

// Config is the controller's tuning surface. Zero values get sane defaults.
type Config struct {
	RunID      string
	StartIndex int
	EndIndex   int // inclusive; negative means the last row of the source
	Resume     bool

	// RotationConfirmed means the operator asserts the exit IP changed since
	// the last run; the restored per-IP counter is cleared before the first row.
	RotationConfirmed bool

	RetryCeiling int           // total attempts per row, default 3
	RetryBackoff time.Duration // delay between attempts, default 3s
	RowTimeout   time.Duration // per-attempt deadline, default 120s
	RequestDelay time.Duration // politeness delay between rows, default 3s

	PersistEvery int // save progress every N committed rows, default 1
	FlushEvery   int // save the workbook every N committed rows, default 10
}

// Deps are the collaborators the controller drives. Cache, Journal, Metrics
// and Observer are optional.
type Deps struct {
	Rows     []sheet.Row
	Client   lookup.Client
	Sink     ResultSink
	Store    *progress.Store
	Tracker  *budget.Tracker
	Cache    *dedup.Cache
	Journal  *journal.Writer
	Metrics  *metrics.Metrics
	Observer Observer
}

// Controller turns the ordered domain list into a sequence of single-domain
// lookups. Strictly sequential: one rendering session, one assumed exit IP,
// and ban attribution is only meaningful when requests are serialized.
type Controller struct {
	cfg  Config
	deps Deps

	state progress.State
	// flushed is the state as of the last successful sink flush. Periodic
	// progress saves write this one, never the in-memory state: the resume
	// position on disk must not point past rows the workbook does not have.
	flushed progress.State

	status        Status
	counters      Counters
	startedAt     time.Time
	sinceSave     int
	sinceFlush    int
	journalWarned bool
}

// New creates a controller. Defaults are applied here so tests can pass a
// sparse Config.
func New(cfg Config, deps Deps) *Controller {
	if cfg.RetryCeiling <= 0 {
		cfg.RetryCeiling = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 3 * time.Second
	}
	if cfg.RowTimeout <= 0 {
		cfg.RowTimeout = 120 * time.Second
	}
	if cfg.PersistEvery <= 0 {
		cfg.PersistEvery = 1
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 10
	}
	return &Controller{cfg: cfg, deps: deps, status: StatusIdle, state: progress.Fresh(), flushed: progress.Fresh()}
}

// SetObserver attaches a UI observer. Call before Run.
func (c *Controller) SetObserver(o Observer) {
	c.deps.Observer = o
}

// Run drives the crawl until a terminal transition. The returned Report
// always carries the last committed index; err is non-nil only for fatal
// aborts (including cancellation) and corrupt progress state.
func (c *Controller) Run(ctx context.Context) (Report, error) {
	if err := c.prepare(); err != nil {
		c.status = StatusAborted
		return c.report(err), err
	}

	start := c.cfg.StartIndex
	if start < 0 {
		start = 0
	}
	if c.cfg.Resume && c.state.LastCompletedIndex+1 > start {
		start = c.state.LastCompletedIndex + 1
	}

	end := c.cfg.EndIndex
	if end < 0 || end > len(c.deps.Rows)-1 {
		end = len(c.deps.Rows) - 1
	}

	c.status = StatusRunning
	c.startedAt = time.Now()
	log.Printf("[%s] crawl starting: rows %d..%d of %d, budget %d/%d",
		c.cfg.RunID, start, end, len(c.deps.Rows), c.deps.Tracker.Used(), c.deps.Tracker.Limit())

	var limiter *rate.Limiter
	if c.cfg.RequestDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(c.cfg.RequestDelay), 1)
	}

	for i := start; ; i++ {
		// Cancellation is only honored at the row boundary so an in-flight
		// lookup is never torn in half.
		if ctx.Err() != nil {
			return c.terminate(StatusAborted, ctx.Err())
		}
		if i > end {
			return c.terminate(StatusCompleted, nil)
		}
		if c.deps.Tracker.Exhausted() {
			return c.terminate(StatusPausedBudget, nil)
		}

		row := c.deps.Rows[i]
		c.notify(i, row.Domain)

		if row.Domain == "" {
			log.Printf("[%s] row %d: blank domain, skipping", c.cfg.RunID, i)
			if err := c.commit(i, row.Domain, MarkerSkipped, "skipped", 0, 0); err != nil {
				return c.terminate(StatusAborted, err)
			}
			c.counters.Skipped++
			continue
		}

		if c.deps.Cache != nil {
			if value, ok := c.deps.Cache.Lookup(row.Domain); ok {
				log.Printf("[%s] row %d: %s already resolved, reusing result", c.cfg.RunID, i, row.Domain)
				if err := c.commit(i, row.Domain, value, "duplicate", 0, 0); err != nil {
					return c.terminate(StatusAborted, err)
				}
				c.counters.Duplicate++
				continue
			}
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return c.terminate(StatusAborted, ctx.Err())
			}
		}

		lookupStart := time.Now()
		outcome, attempts, err := c.lookupRow(ctx, row.Domain)
		if err != nil {
			return c.terminate(StatusAborted, fmt.Errorf("row %d (%s): %w", i, row.Domain, err))
		}
		elapsed := time.Since(lookupStart)

		if outcome.Kind == lookup.Blocked {
			// The row stays unresolved; resuming retries it first.
			log.Printf("[%s] row %d: %s reported blocked, pausing", c.cfg.RunID, i, row.Domain)
			return c.terminate(StatusPausedBlocked, nil)
		}

		var value string
		switch outcome.Kind {
		case lookup.Success:
			value = outcome.Value()
			c.counters.Success++
			log.Printf("[%s] row %d: %s -> %s (%.1fs)", c.cfg.RunID, i, row.Domain, value, elapsed.Seconds())
		case lookup.Empty:
			value = MarkerNoRecord
			c.counters.Empty++
			log.Printf("[%s] row %d: %s has no AAAA record", c.cfg.RunID, i, row.Domain)
		default:
			// Retries exhausted. The row is recorded as failed and the run
			// moves on; one dead domain must not stall thousands of others.
			value = MarkerFailed
			c.counters.Failed++
			log.Printf("[%s] row %d: %s failed after %d attempts (%s)",
				c.cfg.RunID, i, row.Domain, attempts, outcome.Kind)
		}

		if err := c.commit(i, row.Domain, value, outcome.Kind.String(), attempts, elapsed); err != nil {
			return c.terminate(StatusAborted, err)
		}
		if c.deps.Cache != nil && (outcome.Kind == lookup.Success || outcome.Kind == lookup.Empty) {
			c.deps.Cache.Remember(row.Domain, value)
		}

		if c.deps.Tracker.Record() == budget.Exhausted {
			log.Printf("[%s] per-IP budget exhausted after %d requests, pausing for rotation",
				c.cfg.RunID, c.deps.Tracker.Used())
			return c.terminate(StatusPausedBudget, nil)
		}
	}
}

// ConfirmRotation resets the per-IP budget after the operator (or the CLI's
// auto-rotate path) has actually changed the exit IP, and persists the zeroed
// counter so a restart does not resurrect the old one.
func (c *Controller) ConfirmRotation() error {
	c.deps.Tracker.Reset()
	c.state.RequestsOnCurrentIP = 0
	c.flushed.RequestsOnCurrentIP = 0
	return c.deps.Store.Save(c.cfg.RunID, c.flushed)
}

// prepare loads or resets progress according to the resume flag. Corrupt
// state is surfaced, never silently reset: resetting would either redo or
// silently skip committed work.
func (c *Controller) prepare() error {
	if !c.cfg.Resume {
		// Only the first Run of a restarted controller wipes progress; a
		// later Run on the same controller (after a pause) continues.
		c.cfg.Resume = true
		c.state = progress.Fresh()
		c.flushed = c.state
		c.deps.Tracker.Reset()
		return c.deps.Store.Save(c.cfg.RunID, c.state)
	}

	state, err := c.deps.Store.Load(c.cfg.RunID)
	switch {
	case err == nil:
		c.state = state
		c.flushed = state
		if c.cfg.RotationConfirmed {
			// Operator-asserted IP change applies once, to the restored
			// counter; later Runs of the same controller keep counting.
			c.cfg.RotationConfirmed = false
			c.state.RequestsOnCurrentIP = 0
			c.flushed.RequestsOnCurrentIP = 0
			c.deps.Tracker.Reset()
			if err := c.deps.Store.Save(c.cfg.RunID, c.state); err != nil {
				return err
			}
			log.Printf("[%s] exit IP rotation confirmed, per-IP counter cleared", c.cfg.RunID)
		} else {
			c.deps.Tracker.Restore(state.RequestsOnCurrentIP)
		}
		log.Printf("[%s] resuming after row %d (%d requests on current IP, saved %s)",
			c.cfg.RunID, state.LastCompletedIndex, c.state.RequestsOnCurrentIP,
			state.UpdatedAt.Format(time.RFC3339))
	case errors.Is(err, progress.ErrNotFound):
		c.state = progress.Fresh()
		c.flushed = c.state
		c.deps.Tracker.Reset()
	default:
		return err
	}
	return nil
}

// lookupRow runs one row's lookup with bounded retries. Timeout and transient
// outcomes are retried with a fixed backoff; Success, Empty and Blocked
// return immediately. A non-nil error (including cancellation mid-retry)
// means the row is NOT committed.
func (c *Controller) lookupRow(ctx context.Context, domain string) (lookup.Outcome, int, error) {
	var outcome lookup.Outcome
	for attempt := 1; attempt <= c.cfg.RetryCeiling; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.RowTimeout)
		var err error
		outcome, err = c.deps.Client.Lookup(attemptCtx, domain)
		cancel()
		if err != nil {
			return outcome, attempt, err
		}
		if c.deps.Metrics != nil {
			c.deps.Metrics.Lookups.WithLabelValues(outcome.Kind.String()).Inc()
		}

		switch outcome.Kind {
		case lookup.Success, lookup.Empty, lookup.Blocked:
			return outcome, attempt, nil
		}

		if ctx.Err() != nil {
			return outcome, attempt, ctx.Err()
		}
		if attempt < c.cfg.RetryCeiling {
			log.Printf("[%s] %s attempt %d/%d: %s, retrying",
				c.cfg.RunID, domain, attempt, c.cfg.RetryCeiling, outcome.Kind)
			if !sleepCtx(ctx, c.cfg.RetryBackoff) {
				return outcome, attempt, ctx.Err()
			}
		}
	}
	return outcome, c.cfg.RetryCeiling, nil
}

// commit writes the row result, advances the resume position and persists it.
// A result is never written without the matching progress update, so resume
// never reprocesses a committed row and never skips an uncommitted one.
func (c *Controller) commit(index int, domain, value, outcomeLabel string, attempts int, elapsed time.Duration) error {
	if err := c.deps.Sink.Write(index, value); err != nil {
		return fmt.Errorf("write result for row %d: %w", index, err)
	}

	if c.deps.Journal != nil {
		err := c.deps.Journal.Log(journal.Entry{
			Index:    index,
			Domain:   domain,
			Outcome:  outcomeLabel,
			Value:    value,
			Attempts: attempts,
			Millis:   elapsed.Milliseconds(),
		})
		// A dead journal does not stop the crawl, but the operator gets told
		// their audit trail has ended.
		if err != nil && !c.journalWarned {
			c.journalWarned = true
			log.Printf("[%s] WARNING: journal write failed, audit trail incomplete: %v", c.cfg.RunID, err)
		}
	}

	c.state.LastCompletedIndex = index
	c.state.RequestsOnCurrentIP = c.deps.Tracker.Used()

	if c.deps.Metrics != nil {
		c.deps.Metrics.LastCompletedIndex.Set(float64(index))
		c.deps.Metrics.BudgetUsed.Set(float64(c.deps.Tracker.Used()))
		c.deps.Metrics.RowsWritten.Inc()
	}

	c.sinceFlush++
	if c.sinceFlush >= c.cfg.FlushEvery {
		if err := c.deps.Sink.Flush(); err != nil {
			return fmt.Errorf("flush results at row %d: %w", index, err)
		}
		c.flushed = c.state
		c.sinceFlush = 0
	}

	c.sinceSave++
	if c.sinceSave >= c.cfg.PersistEvery {
		// The saved index trails the workbook: after a kill between flushes
		// the unflushed rows are redone, instead of resume skipping rows
		// whose values exist nowhere durable. The request counter is taken
		// live so redone rows never stretch the per-IP budget.
		saved := c.flushed
		saved.RequestsOnCurrentIP = c.state.RequestsOnCurrentIP
		if err := c.deps.Store.Save(c.cfg.RunID, saved); err != nil {
			return fmt.Errorf("persist progress at row %d: %w", index, err)
		}
		c.sinceSave = 0
	}

	c.notify(index, domain)
	return nil
}

// terminate persists progress, flushes the sink and reports the transition.
// Every exit path funnels through here: progress already achieved is durable
// whether the run completed, paused or blew up.
func (c *Controller) terminate(status Status, cause error) (Report, error) {
	c.status = status
	c.state.RequestsOnCurrentIP = c.deps.Tracker.Used()

	// Flush before the progress save; a failed flush keeps the saved resume
	// position at the last workbook state so the unflushed rows are redone.
	if err := c.deps.Sink.Flush(); err != nil {
		log.Printf("[%s] WARNING: flushing results failed: %v", c.cfg.RunID, err)
		if cause == nil {
			cause = err
		}
	} else {
		c.flushed = c.state
	}

	saved := c.flushed
	saved.RequestsOnCurrentIP = c.state.RequestsOnCurrentIP
	if err := c.deps.Store.Save(c.cfg.RunID, saved); err != nil {
		log.Printf("[%s] WARNING: persisting final progress failed: %v", c.cfg.RunID, err)
		if cause == nil {
			cause = err
		}
	}

	log.Printf("[%s] %s at row index %d (success=%d empty=%d failed=%d skipped=%d duplicate=%d)",
		c.cfg.RunID, c.status, c.state.LastCompletedIndex,
		c.counters.Success, c.counters.Empty, c.counters.Failed,
		c.counters.Skipped, c.counters.Duplicate)
	if cause != nil {
		log.Printf("[%s] cause: %v", c.cfg.RunID, cause)
	}

	c.notify(c.state.LastCompletedIndex, "")
	return c.report(cause), cause
}

func (c *Controller) report(err error) Report {
	return Report{
		Status:             c.status,
		LastCompletedIndex: c.state.LastCompletedIndex,
		NextIndex:          c.state.LastCompletedIndex + 1,
		Counters:           c.counters,
		Err:                err,
	}
}

func (c *Controller) notify(index int, domain string) {
	if c.deps.Observer == nil {
		return
	}
	c.deps.Observer.OnProgress(Snapshot{
		Status:             c.status,
		CurrentIndex:       index,
		CurrentDomain:      domain,
		Total:              len(c.deps.Rows),
		LastCompletedIndex: c.state.LastCompletedIndex,
		Counters:           c.counters,
		BudgetUsed:         c.deps.Tracker.Used(),
		BudgetLimit:        c.deps.Tracker.Limit(),
		StartedAt:          c.startedAt,
	})
}

// sleepCtx waits for d or until ctx is done; returns false when interrupted.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
