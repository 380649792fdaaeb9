package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/groupcast/groupcast/internal/config"
	"github.com/groupcast/groupcast/internal/poster"
	"github.com/groupcast/groupcast/internal/store"
)

// ---------------------------------------------------------------------------
// test doubles
// ---------------------------------------------------------------------------

type memStorage struct {
	mu      sync.Mutex
	jobs    map[string]Job
	execs   []ExecutionRecord
	saveErr error
	saves   int
}

func (m *memStorage) SaveJobs(jobs map[string]Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.jobs = make(map[string]Job, len(jobs))
	for id, j := range jobs {
		m.jobs[id] = j.clone()
	}
	return nil
}

func (m *memStorage) LoadJobs() (map[string]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Job, len(m.jobs))
	for id, j := range m.jobs {
		out[id] = j.clone()
	}
	return out, nil
}

func (m *memStorage) AppendExecution(rec ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs = append(m.execs, rec)
	return nil
}

func (m *memStorage) LoadExecutions() ([]ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ExecutionRecord(nil), m.execs...), nil
}

func (m *memStorage) lastExec(t *testing.T) ExecutionRecord {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.execs) == 0 {
		t.Fatal("no execution records")
	}
	return m.execs[len(m.execs)-1]
}

type stubPoster struct {
	mu       sync.Mutex
	readyErr error
	postFn   func(target string) error
	posts    []string
}

func (p *stubPoster) Ready(ctx context.Context) error { return p.readyErr }

func (p *stubPoster) Post(ctx context.Context, target string, _ poster.Payload) error {
	p.mu.Lock()
	p.posts = append(p.posts, target)
	p.mu.Unlock()
	if p.postFn != nil {
		return p.postFn(target)
	}
	return nil
}

func (p *stubPoster) postCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.posts)
}

type stubResolver map[string]poster.Payload

func (r stubResolver) Resolve(id string) (poster.Payload, bool) {
	p, ok := r[id]
	return p, ok
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		SweepIntervalSec:    15,
		MinTargetDelaySec:   60,
		MaxTargetDelaySec:   120,
		RetryDelayMinutes:   30,
		InterJobCooldownSec: 5,
		RecentGuardSec:      300,
		TargetTimeoutSec:    300,
		QueueCapacity:       8,
	}
}

// newTestScheduler wires a scheduler with a fake clock, recorded
// (non-blocking) sleeps and a deterministic pacing jitter of min.
func newTestScheduler(p *stubPoster, r stubResolver) (*Scheduler, *memStorage, *testClock, *[]time.Duration) {
	st := &memStorage{}
	clock := &testClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	var slept []time.Duration

	s := New(testConfig(), st, p, r)
	s.now = clock.Now
	s.sleep = func(_ context.Context, d time.Duration) { slept = append(slept, d) }
	s.jitter = func(min, _ time.Duration) time.Duration { return min }
	return s, st, clock, &slept
}

func defaultResolver() stubResolver {
	return stubResolver{
		"tpl-1": {TemplateID: "tpl-1", Name: "weekly promo", Content: "hello"},
	}
}

// ---------------------------------------------------------------------------
// registry operations
// ---------------------------------------------------------------------------

func TestAddJob_NextRunTiming(t *testing.T) {
	s, _, clock, _ := newTestScheduler(&stubPoster{}, defaultResolver())
	now := clock.Now()

	id, err := s.AddJob("tpl-1", []string{"g1"}, 24, false)
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	job := s.Jobs()[id]
	if !job.NextRunAt.Equal(now.Add(24 * time.Hour)) {
		t.Fatalf("next_run = %v, want now+24h", job.NextRunAt)
	}
	if job.Status != StatusActive {
		t.Fatalf("status = %s, want active", job.Status)
	}

	id2, err := s.AddJob("tpl-1", []string{"g1"}, 24, true)
	if err != nil {
		t.Fatalf("AddJob immediate: %v", err)
	}
	if got := s.Jobs()[id2].NextRunAt; !got.Equal(now.Add(30 * time.Second)) {
		t.Fatalf("immediate next_run = %v, want now+30s", got)
	}
}

func TestAddJob_Validation(t *testing.T) {
	s, _, _, _ := newTestScheduler(&stubPoster{}, defaultResolver())

	if _, err := s.AddJob("tpl-1", []string{"g1"}, 0, false); err == nil {
		t.Fatal("expected error for zero interval")
	}
	if _, err := s.AddJob("tpl-1", nil, 24, false); err == nil {
		t.Fatal("expected error for empty targets")
	}
	if _, err := s.AddJob("missing", []string{"g1"}, 24, false); err == nil {
		t.Fatal("expected error for unknown template")
	}
}

func TestAddJob_PersistFailureRollsBack(t *testing.T) {
	s, st, _, _ := newTestScheduler(&stubPoster{}, defaultResolver())
	st.saveErr = errors.New("disk full")

	if _, err := s.AddJob("tpl-1", []string{"g1"}, 24, false); err == nil {
		t.Fatal("expected persist error")
	}
	if len(s.Jobs()) != 0 {
		t.Fatal("failed add should not leave the job registered")
	}
}

func TestPauseResume(t *testing.T) {
	s, _, clock, _ := newTestScheduler(&stubPoster{}, defaultResolver())
	id, _ := s.AddJob("tpl-1", []string{"g1"}, 2, false)

	if !s.Pause(id) {
		t.Fatal("Pause should succeed on an active job")
	}
	if s.Pause(id) {
		t.Fatal("Pause should fail on an already paused job")
	}
	if got := s.Jobs()[id].Status; got != StatusPaused {
		t.Fatalf("status = %s, want paused", got)
	}

	// Resume before next_run elapses keeps the schedule.
	before := s.Jobs()[id].NextRunAt
	if !s.Resume(id) {
		t.Fatal("Resume should succeed")
	}
	if got := s.Jobs()[id].NextRunAt; !got.Equal(before) {
		t.Fatalf("resume moved an unexpired next_run: %v -> %v", before, got)
	}

	// Resume after next_run elapsed resets to now+interval instead of
	// firing immediately.
	s.Pause(id)
	clock.Advance(72 * time.Hour)
	s.Resume(id)
	want := clock.Now().Add(2 * time.Hour)
	if got := s.Jobs()[id].NextRunAt; !got.Equal(want) {
		t.Fatalf("resume after expiry: next_run = %v, want %v", got, want)
	}
}

func TestDelete(t *testing.T) {
	s, _, _, _ := newTestScheduler(&stubPoster{}, defaultResolver())
	id, _ := s.AddJob("tpl-1", []string{"g1"}, 24, false)

	if !s.Delete(id) {
		t.Fatal("Delete should succeed")
	}
	if s.Delete(id) {
		t.Fatal("Delete should fail on a missing job")
	}
	if len(s.Jobs()) != 0 {
		t.Fatal("job still present after delete")
	}
}

// ---------------------------------------------------------------------------
// sweep
// ---------------------------------------------------------------------------

func TestSweep_OptimisticAdvance(t *testing.T) {
	s, _, clock, _ := newTestScheduler(&stubPoster{}, defaultResolver())
	id, _ := s.AddJob("tpl-1", []string{"g1", "g2"}, 24, true)

	clock.Advance(31 * time.Second)
	now := clock.Now()
	s.Sweep(now)

	if got := len(s.queue); got != 1 {
		t.Fatalf("queue size = %d, want 1", got)
	}
	// next_run advanced before the worker touches the job.
	if got := s.Jobs()[id].NextRunAt; !got.Equal(now.Add(24 * time.Hour)) {
		t.Fatalf("next_run = %v, want now+interval", got)
	}

	qe := <-s.queue
	if qe.JobID != id || len(qe.Targets) != 2 || qe.Payload.Content != "hello" {
		t.Fatalf("unexpected queued execution: %+v", qe)
	}
}

func TestSweep_SkipsNotDueAndPaused(t *testing.T) {
	s, _, clock, _ := newTestScheduler(&stubPoster{}, defaultResolver())
	s.AddJob("tpl-1", []string{"g1"}, 24, false) // not due for 24h
	paused, _ := s.AddJob("tpl-1", []string{"g1"}, 24, true)
	s.Pause(paused)

	clock.Advance(time.Minute)
	s.Sweep(clock.Now())

	if len(s.queue) != 0 {
		t.Fatalf("queue size = %d, want 0", len(s.queue))
	}
}

func TestSweep_BackpressureOnePendingBatch(t *testing.T) {
	s, _, clock, _ := newTestScheduler(&stubPoster{}, defaultResolver())
	first, _ := s.AddJob("tpl-1", []string{"g1"}, 24, true)
	second, _ := s.AddJob("tpl-1", []string{"g2"}, 24, true)

	clock.Advance(time.Minute)
	now := clock.Now()
	s.Sweep(now)

	// Only the first due job is enqueued; the queue is then non-empty so
	// the second waits for a later sweep.
	if got := len(s.queue); got != 1 {
		t.Fatalf("queue size = %d, want 1", got)
	}
	qe := <-s.queue
	if qe.JobID != first {
		t.Fatalf("enqueued %s, want %s", qe.JobID, first)
	}
	if got := s.Jobs()[second].NextRunAt; got.After(now) {
		t.Fatalf("skipped job's next_run must not advance, got %v", got)
	}

	// A sweep with the queue already non-empty adds nothing.
	s.queue <- qe
	clock.Advance(time.Minute)
	s.Sweep(clock.Now())
	if got := len(s.queue); got != 1 {
		t.Fatalf("queue size after backpressured sweep = %d, want 1", got)
	}
}

func TestSweep_RecentExecutionGuard(t *testing.T) {
	s, _, clock, _ := newTestScheduler(&stubPoster{}, defaultResolver())
	id, _ := s.AddJob("tpl-1", []string{"g1"}, 24, true)

	recent := clock.Now().Add(-time.Minute)
	s.mu.Lock()
	job := s.jobs[id]
	job.LastRunAt = &recent
	job.NextRunAt = clock.Now().Add(-time.Second)
	s.jobs[id] = job
	s.mu.Unlock()

	s.Sweep(clock.Now())
	if len(s.queue) != 0 {
		t.Fatal("job that ran 1m ago must be held back by the 5m guard")
	}

	// Past the guard window it fires.
	clock.Advance(5 * time.Minute)
	s.Sweep(clock.Now())
	if len(s.queue) != 1 {
		t.Fatal("job should be enqueued once the guard has elapsed")
	}
}

func TestSweep_InflightJobNotReenqueued(t *testing.T) {
	s, _, clock, _ := newTestScheduler(&stubPoster{}, defaultResolver())
	id, _ := s.AddJob("tpl-1", []string{"g1"}, 24, true)

	s.setInflight(id)
	defer s.setInflight("")

	s.mu.Lock()
	job := s.jobs[id]
	job.NextRunAt = clock.Now().Add(-time.Second)
	s.jobs[id] = job
	s.mu.Unlock()

	clock.Advance(time.Minute)
	s.Sweep(clock.Now())
	if len(s.queue) != 0 {
		t.Fatal("in-flight job must not be re-enqueued")
	}
}

func TestSweep_MissingTemplateAdvancesClock(t *testing.T) {
	resolver := defaultResolver()
	s, _, clock, _ := newTestScheduler(&stubPoster{}, resolver)
	id, _ := s.AddJob("tpl-1", []string{"g1"}, 24, true)

	delete(resolver, "tpl-1")
	clock.Advance(time.Minute)
	now := clock.Now()
	s.Sweep(now)

	if len(s.queue) != 0 {
		t.Fatal("job with a missing template must not be enqueued")
	}
	if got := s.Jobs()[id].NextRunAt; !got.Equal(now.Add(24 * time.Hour)) {
		t.Fatalf("next_run = %v, want now+interval so the job is not re-detected every sweep", got)
	}
}

// ---------------------------------------------------------------------------
// worker execution
// ---------------------------------------------------------------------------

func runOnce(s *Scheduler, qe QueuedExecution) {
	s.setInflight(qe.JobID)
	s.executeOne(context.Background(), qe)
	s.setInflight("")
}

func TestExecute_AllTargetsSucceed(t *testing.T) {
	p := &stubPoster{}
	s, st, clock, slept := newTestScheduler(p, defaultResolver())
	id, _ := s.AddJob("tpl-1", []string{"g1", "g2", "g3"}, 24, true)

	clock.Advance(31 * time.Second)
	s.Sweep(clock.Now())
	qe := <-s.queue

	clock.Advance(10 * time.Minute)
	runOnce(s, qe)

	now := clock.Now()
	job := s.Jobs()[id]
	if job.LastRunAt == nil || !job.LastRunAt.Equal(now) {
		t.Fatalf("last_run = %v, want %v", job.LastRunAt, now)
	}
	if !job.NextRunAt.Equal(now.Add(24 * time.Hour)) {
		t.Fatalf("next_run = %v, want now+interval", job.NextRunAt)
	}

	if p.postCount() != 3 {
		t.Fatalf("posts = %d, want 3", p.postCount())
	}
	// Pacing between targets: 2 sleeps for 3 targets, each inside the
	// configured window.
	if len(*slept) != 2 {
		t.Fatalf("pacing sleeps = %d, want 2", len(*slept))
	}
	for _, d := range *slept {
		if d < 60*time.Second || d > 120*time.Second {
			t.Fatalf("pacing delay %v outside [60s,120s]", d)
		}
	}

	rec := st.lastExec(t)
	if rec.JobID != id || rec.TargetsTotal != 3 || rec.Successes != 3 || rec.Failures != 0 || rec.Status != "success" {
		t.Fatalf("unexpected execution record: %+v", rec)
	}
	if !rec.NextScheduled.Equal(job.NextRunAt) {
		t.Fatalf("record next_scheduled = %v, want %v", rec.NextScheduled, job.NextRunAt)
	}
}

func TestExecute_PartialFailureKeepsNormalSchedule(t *testing.T) {
	p := &stubPoster{postFn: func(target string) error {
		if target == "g2" {
			return errors.New("upstream 403")
		}
		return nil
	}}
	s, st, clock, _ := newTestScheduler(p, defaultResolver())
	id, _ := s.AddJob("tpl-1", []string{"g1", "g2"}, 24, true)

	clock.Advance(time.Minute)
	s.Sweep(clock.Now())
	runOnce(s, <-s.queue)

	rec := st.lastExec(t)
	if rec.Successes != 1 || rec.Failures != 1 || rec.Status != "partial" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	// One success means the batch is not a systemic failure: next run
	// follows the regular interval, not the doubled backoff.
	want := clock.Now().Add(24 * time.Hour)
	if got := s.Jobs()[id].NextRunAt; !got.Equal(want) {
		t.Fatalf("next_run = %v, want %v", got, want)
	}
	if p.postCount() != 2 {
		t.Fatalf("posts = %d, want 2 (failure must not abort the batch)", p.postCount())
	}
}

func TestExecute_TotalFailureDoublesRetryDelay(t *testing.T) {
	p := &stubPoster{postFn: func(string) error { return errors.New("down") }}
	s, st, clock, slept := newTestScheduler(p, defaultResolver())
	id, _ := s.AddJob("tpl-1", []string{"g1", "g2", "g3"}, 24, true)

	clock.Advance(time.Minute)
	s.Sweep(clock.Now())
	runOnce(s, <-s.queue)

	// Backoff is retry-delay based, not interval based.
	want := clock.Now().Add(2 * 30 * time.Minute)
	if got := s.Jobs()[id].NextRunAt; !got.Equal(want) {
		t.Fatalf("next_run = %v, want now+2*retry_delay (%v)", got, want)
	}
	rec := st.lastExec(t)
	if rec.Successes != 0 || rec.Failures != 3 || rec.Status != "failed" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	// No pacing sleeps: delays only follow successful targets.
	if len(*slept) != 0 {
		t.Fatalf("pacing sleeps = %d, want 0 after failures", len(*slept))
	}
}

func TestExecute_PosterNotReady(t *testing.T) {
	p := &stubPoster{readyErr: errors.New("not authenticated")}
	s, st, clock, _ := newTestScheduler(p, defaultResolver())
	id, _ := s.AddJob("tpl-1", []string{"g1", "g2"}, 24, true)

	clock.Advance(time.Minute)
	s.Sweep(clock.Now())
	runOnce(s, <-s.queue)

	if p.postCount() != 0 {
		t.Fatal("no targets may be attempted when the poster is not ready")
	}
	want := clock.Now().Add(30 * time.Minute)
	if got := s.Jobs()[id].NextRunAt; !got.Equal(want) {
		t.Fatalf("next_run = %v, want now+retry_delay (%v)", got, want)
	}
	if job := s.Jobs()[id]; job.LastRunAt != nil {
		t.Fatal("a precondition abort is not a completed run")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.execs) != 0 {
		t.Fatal("precondition abort must not write an execution record")
	}
}

func TestExecute_PanicContained(t *testing.T) {
	p := &stubPoster{postFn: func(string) error { panic("selector went away") }}
	s, st, clock, _ := newTestScheduler(p, defaultResolver())
	id, _ := s.AddJob("tpl-1", []string{"g1"}, 24, true)

	clock.Advance(time.Minute)
	s.Sweep(clock.Now())
	runOnce(s, <-s.queue) // must not propagate the panic

	want := clock.Now().Add(2 * 30 * time.Minute)
	if got := s.Jobs()[id].NextRunAt; !got.Equal(want) {
		t.Fatalf("panicked run: next_run = %v, want doubled backoff (%v)", got, want)
	}
	rec := st.lastExec(t)
	if rec.Status != "failed" || rec.Successes != 0 {
		t.Fatalf("unexpected record after panic: %+v", rec)
	}
}

func TestExecute_JobDeletedMidRun(t *testing.T) {
	s, st, clock, _ := newTestScheduler(&stubPoster{}, defaultResolver())
	id, _ := s.AddJob("tpl-1", []string{"g1"}, 24, true)

	clock.Advance(time.Minute)
	s.Sweep(clock.Now())
	qe := <-s.queue

	s.Delete(id)
	runOnce(s, qe)

	if len(s.Jobs()) != 0 {
		t.Fatal("finalize must not resurrect a deleted job")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.execs) != 0 {
		t.Fatal("no execution record for a job deleted mid-run")
	}
}

// ---------------------------------------------------------------------------
// force run
// ---------------------------------------------------------------------------

func TestForceRun(t *testing.T) {
	s, _, _, _ := newTestScheduler(&stubPoster{}, defaultResolver())
	id, _ := s.AddJob("tpl-1", []string{"g1"}, 24, false)

	before := s.Jobs()[id].NextRunAt
	if !s.ForceRun(id) {
		t.Fatal("ForceRun should enqueue an active job")
	}
	if got := len(s.queue); got != 1 {
		t.Fatalf("queue size = %d, want 1", got)
	}
	if got := s.Jobs()[id].NextRunAt; !got.Equal(before) {
		t.Fatalf("ForceRun must not move next_run: %v -> %v", before, got)
	}

	s.Pause(id)
	if s.ForceRun(id) {
		t.Fatal("ForceRun should refuse a paused job")
	}
	if s.ForceRun("nope") {
		t.Fatal("ForceRun should refuse an unknown job")
	}
}

// ---------------------------------------------------------------------------
// persistence round trip
// ---------------------------------------------------------------------------

func TestStorage_RoundTrip(t *testing.T) {
	st := NewStorage(store.New(t.TempDir()))

	last := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	jobs := map[string]Job{
		"j1": {
			ID:            "j1",
			TemplateID:    "tpl-1",
			Targets:       []string{"g1", "g2"},
			IntervalHours: 24,
			Status:        StatusActive,
			NextRunAt:     last.Add(24 * time.Hour),
			LastRunAt:     &last,
			CreatedAt:     last.Add(-48 * time.Hour),
		},
		"j2": {
			ID:            "j2",
			TemplateID:    "tpl-2",
			Targets:       []string{"g3"},
			IntervalHours: 6,
			Status:        StatusPaused,
			NextRunAt:     last,
			CreatedAt:     last,
		},
	}
	if err := st.SaveJobs(jobs); err != nil {
		t.Fatalf("SaveJobs: %v", err)
	}

	loaded, err := st.LoadJobs()
	if err != nil {
		t.Fatalf("LoadJobs: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d jobs, want 2", len(loaded))
	}
	got := loaded["j1"]
	if got.TemplateID != "tpl-1" || len(got.Targets) != 2 || got.Status != StatusActive {
		t.Fatalf("j1 round trip mismatch: %+v", got)
	}
	if !got.NextRunAt.Equal(jobs["j1"].NextRunAt) || got.LastRunAt == nil || !got.LastRunAt.Equal(last) {
		t.Fatalf("j1 timestamps mismatch: %+v", got)
	}
	if loaded["j2"].Status != StatusPaused || loaded["j2"].LastRunAt != nil {
		t.Fatalf("j2 round trip mismatch: %+v", loaded["j2"])
	}
}

// ---------------------------------------------------------------------------
// worker loop
// ---------------------------------------------------------------------------

func TestWorker_SingleFlight(t *testing.T) {
	type span struct{ start, end time.Time }
	var (
		mu    sync.Mutex
		spans []span
	)
	p := &stubPoster{postFn: func(string) error {
		mu.Lock()
		s := span{start: time.Now()}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		s.end = time.Now()
		spans = append(spans, s)
		mu.Unlock()
		return nil
	}}

	s, _, _, _ := newTestScheduler(p, defaultResolver())
	id1, _ := s.AddJob("tpl-1", []string{"g1"}, 24, false)
	id2, _ := s.AddJob("tpl-1", []string{"g2"}, 24, false)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !s.ForceRun(id1) || !s.ForceRun(id2) {
		t.Fatal("ForceRun should enqueue both jobs")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(spans)
		mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for executions, got %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(stopCtx)

	mu.Lock()
	defer mu.Unlock()
	a, b := spans[0], spans[1]
	if a.end.After(b.start) && b.end.After(a.start) {
		t.Fatalf("executions overlapped: %+v %+v", spans[0], spans[1])
	}
}

func TestWorker_AliveFlag(t *testing.T) {
	s, _, _, _ := newTestScheduler(&stubPoster{}, defaultResolver())

	if s.Status().WorkerAlive {
		t.Fatal("worker must not be alive before Start")
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !s.Status().WorkerAlive {
		t.Fatal("worker should be alive after Start")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(stopCtx)
	if s.Status().WorkerAlive {
		t.Fatal("worker should report dead after Stop")
	}
}
