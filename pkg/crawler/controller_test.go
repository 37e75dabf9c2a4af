package crawler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/WangYihang/IPv6-Lookup-Crawler/pkg/budget"
	"github.com/WangYihang/IPv6-Lookup-Crawler/pkg/dedup"
	"github.com/WangYihang/IPv6-Lookup-Crawler/pkg/journal"
	"github.com/WangYihang/IPv6-Lookup-Crawler/pkg/lookup"
	"github.com/WangYihang/IPv6-Lookup-Crawler/pkg/progress"
	"github.com/WangYihang/IPv6-Lookup-Crawler/pkg/sheet"
)

// scriptedClient returns queued outcomes per domain and records every call.
// Domains without a script resolve successfully.
type scriptedClient struct {
	scripts map[string][]lookup.Outcome
	calls   []string
	fatal   error
}

func (s *scriptedClient) Lookup(ctx context.Context, domain string) (lookup.Outcome, error) {
	s.calls = append(s.calls, domain)
	if s.fatal != nil {
		return lookup.Outcome{}, s.fatal
	}
	if q := s.scripts[domain]; len(q) > 0 {
		out := q[0]
		s.scripts[domain] = q[1:]
		return out, nil
	}
	return lookup.Outcome{Kind: lookup.Success, Addrs: []string{"2001:db8::1"}}, nil
}

func (s *scriptedClient) callsFor(domain string) int {
	n := 0
	for _, d := range s.calls {
		if d == domain {
			n++
		}
	}
	return n
}

type memSink struct {
	cells   map[int]string
	writes  int
	flushes int
}

func newMemSink() *memSink {
	return &memSink{cells: make(map[int]string)}
}

func (m *memSink) Write(index int, value string) error {
	m.cells[index] = value
	m.writes++
	return nil
}

func (m *memSink) Flush() error {
	m.flushes++
	return nil
}

func rowsOf(domains ...string) []sheet.Row {
	rows := make([]sheet.Row, len(domains))
	for i, d := range domains {
		rows[i] = sheet.Row{Index: i, Domain: d}
	}
	return rows
}

type fixture struct {
	client  *scriptedClient
	sink    *memSink
	store   *progress.Store
	tracker *budget.Tracker
	cache   *dedup.Cache
}

func newFixture(t *testing.T, dir string, limit int) *fixture {
	t.Helper()
	return &fixture{
		client:  &scriptedClient{scripts: make(map[string][]lookup.Outcome)},
		sink:    newMemSink(),
		store:   progress.NewStore(dir),
		tracker: budget.NewTracker(limit),
		cache:   dedup.NewCache(1000, 0.01),
	}
}

func (f *fixture) controller(cfg Config, rows []sheet.Row) *Controller {
	if cfg.RunID == "" {
		cfg.RunID = "test-run"
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	if cfg.EndIndex == 0 {
		cfg.EndIndex = -1
	}
	return New(cfg, Deps{
		Rows:    rows,
		Client:  f.client,
		Sink:    f.sink,
		Store:   f.store,
		Tracker: f.tracker,
		Cache:   f.cache,
	})
}

func TestRunCompletes(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, dir, 0)
	rows := rowsOf("a.com", "b.com", "c.com")

	report, err := f.controller(Config{Resume: true}, rows).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Status != StatusCompleted {
		t.Errorf("expected %s, got %s", StatusCompleted, report.Status)
	}
	if report.LastCompletedIndex != 2 {
		t.Errorf("expected last index 2, got %d", report.LastCompletedIndex)
	}
	for i := 0; i < 3; i++ {
		if f.sink.cells[i] != "2001:db8::1" {
			t.Errorf("row %d: expected address, got %q", i, f.sink.cells[i])
		}
	}
	if f.sink.flushes == 0 {
		t.Errorf("sink was never flushed")
	}

	state, err := f.store.Load("test-run")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if state.LastCompletedIndex != 2 {
		t.Errorf("persisted index = %d, want 2", state.LastCompletedIndex)
	}
}

func TestBudgetPausesBeforeNextRow(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, dir, 2)
	rows := rowsOf("a.com", "b.com", "c.com")

	report, err := f.controller(Config{Resume: true}, rows).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Status != StatusPausedBudget {
		t.Fatalf("expected %s, got %s", StatusPausedBudget, report.Status)
	}
	if report.LastCompletedIndex != 1 {
		t.Errorf("expected last index 1, got %d", report.LastCompletedIndex)
	}
	if f.client.callsFor("c.com") != 0 {
		t.Errorf("c.com must not be attempted after budget exhaustion")
	}

	state, _ := f.store.Load("test-run")
	if state.LastCompletedIndex != 1 || state.RequestsOnCurrentIP != 2 {
		t.Errorf("persisted state = %+v, want index 1 and 2 requests", state)
	}
}

func TestResumeAfterBudgetRotation(t *testing.T) {
	dir := t.TempDir()
	rows := rowsOf("a.com", "b.com", "c.com")

	f1 := newFixture(t, dir, 2)
	if _, err := f1.controller(Config{Resume: true}, rows).Run(context.Background()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	// A restart without rotation restores the exhausted budget and pauses
	// again without attempting anything.
	f2 := newFixture(t, dir, 2)
	f2.sink = f1.sink
	c := f2.controller(Config{Resume: true}, rows)
	report, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if report.Status != StatusPausedBudget {
		t.Fatalf("expected %s, got %s", StatusPausedBudget, report.Status)
	}
	if len(f2.client.calls) != 0 {
		t.Errorf("no lookups expected while the budget is exhausted, got %v", f2.client.calls)
	}

	// Confirming rotation zeroes the budget and the run completes.
	if err := c.ConfirmRotation(); err != nil {
		t.Fatalf("ConfirmRotation failed: %v", err)
	}
	report, err = c.Run(context.Background())
	if err != nil {
		t.Fatalf("post-rotation run failed: %v", err)
	}
	if report.Status != StatusCompleted {
		t.Errorf("expected %s, got %s", StatusCompleted, report.Status)
	}
	if got := f2.client.calls; len(got) != 1 || got[0] != "c.com" {
		t.Errorf("expected only c.com to be looked up, got %v", got)
	}
}

func TestBlockedDoesNotAdvance(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, dir, 0)
	rows := rowsOf("a.com", "b.com", "c.com")
	f.client.scripts["b.com"] = []lookup.Outcome{{Kind: lookup.Blocked}}

	report, err := f.controller(Config{Resume: true}, rows).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Status != StatusPausedBlocked {
		t.Fatalf("expected %s, got %s", StatusPausedBlocked, report.Status)
	}
	if report.LastCompletedIndex != 0 {
		t.Errorf("blocked row must not advance progress, last index = %d", report.LastCompletedIndex)
	}
	if _, ok := f.sink.cells[1]; ok {
		t.Errorf("blocked row must not be written to the sink")
	}

	// Resuming retries the blocked row first.
	f2 := newFixture(t, dir, 0)
	report, err = f2.controller(Config{Resume: true}, rows).Run(context.Background())
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if report.Status != StatusCompleted {
		t.Fatalf("expected %s, got %s", StatusCompleted, report.Status)
	}
	if len(f2.client.calls) == 0 || f2.client.calls[0] != "b.com" {
		t.Errorf("resume must retry the blocked row first, calls = %v", f2.client.calls)
	}
}

func TestRetriesExhaustedMarksFailedAndAdvances(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, dir, 0)
	rows := rowsOf("a.com", "b.com", "c.com")
	f.client.scripts["b.com"] = []lookup.Outcome{
		{Kind: lookup.Timeout},
		{Kind: lookup.Timeout},
		{Kind: lookup.Timeout},
	}

	report, err := f.controller(Config{Resume: true, RetryCeiling: 3}, rows).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Status != StatusCompleted {
		t.Fatalf("expected %s, got %s", StatusCompleted, report.Status)
	}
	if got := f.client.callsFor("b.com"); got != 3 {
		t.Errorf("expected 3 attempts for b.com, got %d", got)
	}
	if f.sink.cells[1] != MarkerFailed {
		t.Errorf("row 1 = %q, want %q", f.sink.cells[1], MarkerFailed)
	}
	if f.client.callsFor("c.com") != 1 {
		t.Errorf("row after a permanently failing one must still be attempted")
	}
	if report.Counters.Failed != 1 || report.Counters.Success != 2 {
		t.Errorf("unexpected counters: %+v", report.Counters)
	}
}

func TestTransientRecoversWithinCeiling(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, dir, 0)
	rows := rowsOf("a.com")
	f.client.scripts["a.com"] = []lookup.Outcome{
		{Kind: lookup.Transient},
		{Kind: lookup.Success, Addrs: []string{"2001:db8::2"}},
	}

	report, err := f.controller(Config{Resume: true, RetryCeiling: 3}, rows).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Status != StatusCompleted {
		t.Fatalf("expected %s, got %s", StatusCompleted, report.Status)
	}
	if f.sink.cells[0] != "2001:db8::2" {
		t.Errorf("row 0 = %q, want the address from the second attempt", f.sink.cells[0])
	}
}

func TestResumeSkipsCommittedRows(t *testing.T) {
	dir := t.TempDir()
	rows := rowsOf("a.com", "b.com", "c.com")

	f1 := newFixture(t, dir, 0)
	if _, err := f1.controller(Config{Resume: true}, rows).Run(context.Background()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	f2 := newFixture(t, dir, 0)
	report, err := f2.controller(Config{Resume: true}, rows).Run(context.Background())
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	if report.Status != StatusCompleted {
		t.Errorf("expected %s, got %s", StatusCompleted, report.Status)
	}
	if len(f2.client.calls) != 0 {
		t.Errorf("committed rows must never be looked up again, got %v", f2.client.calls)
	}
	if f2.sink.writes != 0 {
		t.Errorf("committed rows must not be rewritten, got %d writes", f2.sink.writes)
	}
}

func TestRestartIgnoresSavedProgress(t *testing.T) {
	dir := t.TempDir()
	rows := rowsOf("a.com", "b.com")

	f1 := newFixture(t, dir, 0)
	if _, err := f1.controller(Config{Resume: true}, rows).Run(context.Background()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	f2 := newFixture(t, dir, 0)
	report, err := f2.controller(Config{Resume: false}, rows).Run(context.Background())
	if err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if report.Status != StatusCompleted {
		t.Fatalf("expected %s, got %s", StatusCompleted, report.Status)
	}
	if len(f2.client.calls) != 2 {
		t.Errorf("restart must process every row again, got %v", f2.client.calls)
	}
}

func TestBlankDomainSkippedWithMarker(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, dir, 0)
	rows := rowsOf("a.com", "", "c.com")

	report, err := f.controller(Config{Resume: true}, rows).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if f.sink.cells[1] != MarkerSkipped {
		t.Errorf("blank row = %q, want %q", f.sink.cells[1], MarkerSkipped)
	}
	if report.LastCompletedIndex != 2 {
		t.Errorf("blank row must still advance progress, last index = %d", report.LastCompletedIndex)
	}
	if report.Counters.Skipped != 1 {
		t.Errorf("skipped counter = %d, want 1", report.Counters.Skipped)
	}
}

func TestDuplicateDomainReusesResult(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, dir, 5)
	rows := rowsOf("a.com", "a.com", "b.com")

	report, err := f.controller(Config{Resume: true}, rows).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := f.client.callsFor("a.com"); got != 1 {
		t.Errorf("duplicate domain looked up %d times, want 1", got)
	}
	if f.sink.cells[1] != f.sink.cells[0] {
		t.Errorf("duplicate row value %q differs from original %q", f.sink.cells[1], f.sink.cells[0])
	}
	if report.Counters.Duplicate != 1 {
		t.Errorf("duplicate counter = %d, want 1", report.Counters.Duplicate)
	}
	// Reused results must not burn lookup budget.
	if f.tracker.Used() != 2 {
		t.Errorf("budget used = %d, want 2", f.tracker.Used())
	}
}

func TestEmptyOutcomeWritesNoRecordMarker(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, dir, 0)
	rows := rowsOf("a.com")
	f.client.scripts["a.com"] = []lookup.Outcome{{Kind: lookup.Empty}}

	report, err := f.controller(Config{Resume: true}, rows).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if f.sink.cells[0] != MarkerNoRecord {
		t.Errorf("row 0 = %q, want %q", f.sink.cells[0], MarkerNoRecord)
	}
	if report.Counters.Empty != 1 {
		t.Errorf("empty counter = %d, want 1", report.Counters.Empty)
	}
}

func TestCorruptProgressIsSurfaced(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, dir, 0)
	rows := rowsOf("a.com")

	if err := os.WriteFile(f.store.Path("test-run"), []byte("{not json"), 0644); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}

	report, err := f.controller(Config{Resume: true}, rows).Run(context.Background())
	if err == nil {
		t.Fatalf("expected an error for corrupt progress state")
	}
	if !errors.Is(err, progress.ErrCorrupt) {
		t.Errorf("expected ErrCorrupt, got %v", err)
	}
	if report.Status != StatusAborted {
		t.Errorf("expected %s, got %s", StatusAborted, report.Status)
	}
	if len(f.client.calls) != 0 {
		t.Errorf("no lookups may run on corrupt state, got %v", f.client.calls)
	}
}

func TestFatalLookupErrorAborts(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, dir, 0)
	rows := rowsOf("a.com", "b.com")
	f.client.fatal = errors.New("renderer crashed")

	report, err := f.controller(Config{Resume: true}, rows).Run(context.Background())
	if err == nil {
		t.Fatalf("expected the renderer error to be surfaced")
	}
	if report.Status != StatusAborted {
		t.Errorf("expected %s, got %s", StatusAborted, report.Status)
	}
	if report.LastCompletedIndex != -1 {
		t.Errorf("no row was committed, last index = %d", report.LastCompletedIndex)
	}
}

func TestCancelledContextStopsAtRowBoundary(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, dir, 0)
	rows := rowsOf("a.com", "b.com")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.controller(Config{Resume: true}, rows).Run(ctx)
	if err == nil {
		t.Fatalf("expected a cancellation error")
	}
	if report.Status != StatusAborted {
		t.Errorf("expected %s, got %s", StatusAborted, report.Status)
	}
	if len(f.client.calls) != 0 {
		t.Errorf("no lookup may start after cancellation, got %v", f.client.calls)
	}

	// Progress must survive the abort for a later resume.
	if _, err := f.store.Load("test-run"); err != nil && !errors.Is(err, progress.ErrNotFound) {
		t.Errorf("progress state unreadable after abort: %v", err)
	}
}

func TestRotatedFlagClearsRestoredBudget(t *testing.T) {
	dir := t.TempDir()
	rows := rowsOf("a.com", "b.com", "c.com")

	f1 := newFixture(t, dir, 2)
	report, err := f1.controller(Config{Resume: true}, rows).Run(context.Background())
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if report.Status != StatusPausedBudget {
		t.Fatalf("expected %s, got %s", StatusPausedBudget, report.Status)
	}

	// A re-run that asserts the exit IP changed clears the saved counter and
	// finishes without any external confirmation call.
	f2 := newFixture(t, dir, 2)
	report, err = f2.controller(Config{Resume: true, RotationConfirmed: true}, rows).Run(context.Background())
	if err != nil {
		t.Fatalf("rotated re-run failed: %v", err)
	}
	if report.Status != StatusCompleted {
		t.Fatalf("expected %s, got %s", StatusCompleted, report.Status)
	}
	if got := f2.client.calls; len(got) != 1 || got[0] != "c.com" {
		t.Errorf("expected only c.com to be looked up, got %v", got)
	}

	state, err := f2.store.Load("test-run")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if state.LastCompletedIndex != 2 || state.RequestsOnCurrentIP != 1 {
		t.Errorf("persisted state = %+v, want index 2 and 1 request", state)
	}
}

// flushAwareSink checks, before every write, that the resume position on disk
// never points past the rows a flush has made durable.
type flushAwareSink struct {
	t           *testing.T
	store       *progress.Store
	cells       map[int]string
	highest     int
	flushedUpTo int
}

func newFlushAwareSink(t *testing.T, store *progress.Store) *flushAwareSink {
	return &flushAwareSink{t: t, store: store, cells: make(map[int]string), highest: -1, flushedUpTo: -1}
}

func (s *flushAwareSink) Write(index int, value string) error {
	if state, err := s.store.Load("test-run"); err == nil && state.LastCompletedIndex > s.flushedUpTo {
		s.t.Errorf("disk resume position %d is past the last flushed row %d",
			state.LastCompletedIndex, s.flushedUpTo)
	}
	s.cells[index] = value
	if index > s.highest {
		s.highest = index
	}
	return nil
}

func (s *flushAwareSink) Flush() error {
	s.flushedUpTo = s.highest
	return nil
}

func TestProgressNeverOutrunsFlushedResults(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, dir, 0)
	rows := rowsOf("a.com", "b.com", "c.com", "d.com", "e.com")
	sink := newFlushAwareSink(t, f.store)

	c := New(Config{
		RunID:        "test-run",
		EndIndex:     -1,
		Resume:       true,
		RetryBackoff: time.Millisecond,
		PersistEvery: 1,
		FlushEvery:   2,
	}, Deps{
		Rows:    rows,
		Client:  f.client,
		Sink:    sink,
		Store:   f.store,
		Tracker: f.tracker,
		Cache:   f.cache,
	})

	report, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Status != StatusCompleted {
		t.Fatalf("expected %s, got %s", StatusCompleted, report.Status)
	}

	state, err := f.store.Load("test-run")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if state.LastCompletedIndex != 4 {
		t.Errorf("final persisted index = %d, want 4", state.LastCompletedIndex)
	}
}

type failingFlushSink struct {
	inner *memSink
}

func (s *failingFlushSink) Write(index int, value string) error { return s.inner.Write(index, value) }
func (s *failingFlushSink) Flush() error                        { return errors.New("disk full") }

func TestFailedFlushKeepsResumePositionBehind(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, dir, 0)
	rows := rowsOf("a.com")

	c := New(Config{
		RunID:        "test-run",
		EndIndex:     -1,
		Resume:       true,
		RetryBackoff: time.Millisecond,
	}, Deps{
		Rows:    rows,
		Client:  f.client,
		Sink:    &failingFlushSink{inner: newMemSink()},
		Store:   f.store,
		Tracker: f.tracker,
		Cache:   f.cache,
	})

	if _, err := c.Run(context.Background()); err == nil {
		t.Fatalf("expected the flush failure to be surfaced")
	}

	// Nothing reached a durable workbook, so a resume must redo the row.
	state, err := f.store.Load("test-run")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if state.LastCompletedIndex != -1 {
		t.Errorf("persisted index = %d, want -1 when no flush succeeded", state.LastCompletedIndex)
	}
}

func TestJournalFailureDoesNotAbort(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, dir, 0)
	rows := rowsOf("a.com", "b.com")

	jw, err := journal.NewWriter(filepath.Join(dir, "lookups.jsonl"))
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	jw.Close() // every Log from here on fails

	c := New(Config{
		RunID:        "test-run",
		EndIndex:     -1,
		Resume:       true,
		RetryBackoff: time.Millisecond,
	}, Deps{
		Rows:    rows,
		Client:  f.client,
		Sink:    f.sink,
		Store:   f.store,
		Tracker: f.tracker,
		Cache:   f.cache,
		Journal: jw,
	})

	report, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("a dead journal must not abort the run: %v", err)
	}
	if report.Status != StatusCompleted {
		t.Errorf("expected %s, got %s", StatusCompleted, report.Status)
	}
	if f.sink.cells[1] == "" {
		t.Errorf("rows must still be committed when the journal is dead")
	}
}
