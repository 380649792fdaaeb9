// Package scheduler implements the recurring broadcast engine: a
// periodic sweep that detects due jobs, a bounded execution queue, and
// a single worker that delivers to each job's targets strictly one job
// at a time. Every state transition is persisted immediately so a
// restart resumes from the last durable schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/groupcast/groupcast/internal/config"
	"github.com/groupcast/groupcast/internal/pkg/logs"
	"github.com/groupcast/groupcast/internal/poster"
)

// startImmediatelyDelay is the grace before the first run of a job
// created with the "start immediately" flag, so the creating caller can
// still inspect or correct the job before it fires.
const startImmediatelyDelay = 30 * time.Second

// PayloadResolver resolves a job's template reference into concrete
// content. Resolution happens at enqueue time, so template edits apply
// to every run not yet queued.
type PayloadResolver interface {
	Resolve(templateID string) (poster.Payload, bool)
}

// QueueStatus is a point-in-time view of the execution pipeline.
type QueueStatus struct {
	QueueSize    int  `json:"queue_size"`
	IsProcessing bool `json:"is_processing"`
	WorkerAlive  bool `json:"worker_alive"`
}

// Scheduler owns the job registry, the execution queue and the worker.
// All public methods are safe to call concurrently with a running
// worker.
type Scheduler struct {
	cfg      config.SchedulerConfig
	storage  Storage
	poster   poster.Poster
	resolver PayloadResolver

	mu   sync.Mutex
	jobs map[string]Job

	queue chan QueuedExecution

	stateMu    sync.Mutex
	inflight   string // job id currently executing, empty if none
	processing bool
	alive      bool

	// Overridable in tests for deterministic time and pacing.
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration)
	jitter func(min, max time.Duration) time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. Jobs are loaded from storage by Start.
func New(cfg config.SchedulerConfig, storage Storage, p poster.Poster, resolver PayloadResolver) *Scheduler {
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = config.DefaultQueueCapacity
	}

	return &Scheduler{
		cfg:      cfg,
		storage:  storage,
		poster:   p,
		resolver: resolver,
		jobs:     make(map[string]Job),
		queue:    make(chan QueuedExecution, capacity),
		now:      time.Now,
		sleep:    sleepCtx,
		jitter:   uniformDelay,
	}
}

// SetPoster replaces the posting backend. Call before Start.
func (s *Scheduler) SetPoster(p poster.Poster) {
	s.poster = p
}

// Reload replaces the in-memory registry with the persisted state.
// Called by Start, and directly by management commands that edit jobs
// without running a worker.
func (s *Scheduler) Reload() error {
	jobs, err := s.storage.LoadJobs()
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}
	s.mu.Lock()
	s.jobs = jobs
	s.mu.Unlock()
	return nil
}

// Start loads persisted jobs and launches the worker goroutine. The
// periodic sweep is driven by the caller, not started here.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Reload(); err != nil {
		return err
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.setAlive(true)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.setAlive(false)
		s.runWorker(ctx)
	}()

	s.mu.Lock()
	count := len(s.jobs)
	s.mu.Unlock()
	logs.CtxInfo(ctx, "[scheduler] started with %d job(s), queue capacity %d", count, cap(s.queue))
	return nil
}

// Stop cancels the worker and waits for an in-flight job to finish, up
// to the deadline of ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		logs.CtxWarn(ctx, "[scheduler] stop timed out waiting for worker")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.storage.SaveJobs(s.jobs); err != nil {
		logs.CtxWarn(ctx, "[scheduler] save jobs on shutdown: %v", err)
	}
	logs.CtxInfo(ctx, "[scheduler] stopped")
}

// AddJob registers a new recurring job and persists it. With
// startImmediately the first run fires after a short grace instead of
// waiting a full interval.
func (s *Scheduler) AddJob(templateID string, targets []string, intervalHours int, startImmediately bool) (string, error) {
	if intervalHours <= 0 {
		return "", fmt.Errorf("interval must be positive, got %d", intervalHours)
	}
	if len(targets) == 0 {
		return "", errors.New("job needs at least one target")
	}
	if _, ok := s.resolver.Resolve(templateID); !ok {
		return "", fmt.Errorf("unknown template: %s", templateID)
	}

	now := s.now()
	job := Job{
		ID:            uuid.NewString(),
		TemplateID:    templateID,
		Targets:       append([]string(nil), targets...),
		IntervalHours: intervalHours,
		Status:        StatusActive,
		CreatedAt:     now,
	}
	if startImmediately {
		job.NextRunAt = now.Add(startImmediatelyDelay)
	} else {
		job.NextRunAt = now.Add(job.Interval())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	if err := s.storage.SaveJobs(s.jobs); err != nil {
		delete(s.jobs, job.ID)
		return "", fmt.Errorf("persist job: %w", err)
	}

	logs.Info("[scheduler] added job %s (template=%s targets=%d interval=%dh next_run=%s)",
		job.ID, templateID, len(targets), intervalHours, job.NextRunAt.Format(time.RFC3339))
	return job.ID, nil
}

// Pause excludes a job from future sweeps. Timing fields are kept.
func (s *Scheduler) Pause(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.Status != StatusActive {
		return false
	}
	job.Status = StatusPaused
	s.jobs[jobID] = job
	s.persistLocked("pause")
	logs.Info("[scheduler] paused job %s", jobID)
	return true
}

// Resume reactivates a paused job. A next-run time that elapsed while
// paused is pushed out a full interval so the job does not fire the
// moment it is resumed.
func (s *Scheduler) Resume(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.Status != StatusPaused {
		return false
	}
	job.Status = StatusActive
	if now := s.now(); !job.NextRunAt.After(now) {
		job.NextRunAt = now.Add(job.Interval())
	}
	s.jobs[jobID] = job
	s.persistLocked("resume")
	logs.Info("[scheduler] resumed job %s (next_run=%s)", jobID, job.NextRunAt.Format(time.RFC3339))
	return true
}

// Delete removes a job permanently. An execution already in the queue
// or in flight still completes; its final state write is discarded
// because the job is gone from the registry.
func (s *Scheduler) Delete(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return false
	}
	delete(s.jobs, jobID)
	s.persistLocked("delete")
	logs.Info("[scheduler] deleted job %s", jobID)
	return true
}

// ForceRun enqueues an active job immediately, bypassing the time
// check. NextRunAt is left untouched, so the regular cadence is
// unaffected.
func (s *Scheduler) ForceRun(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.Status != StatusActive {
		return false
	}
	if s.inflightJob() == jobID {
		logs.Warn("[scheduler] force run %s skipped: already executing", jobID)
		return false
	}

	payload, ok := s.resolver.Resolve(job.TemplateID)
	if !ok {
		logs.Warn("[scheduler] force run %s skipped: template %s not found", jobID, job.TemplateID)
		return false
	}
	if !s.tryEnqueue(job, payload) {
		logs.Warn("[scheduler] force run %s skipped: queue full", jobID)
		return false
	}
	logs.Info("[scheduler] force run: job %s enqueued", jobID)
	return true
}

// Jobs returns a snapshot of every registered job keyed by id.
func (s *Scheduler) Jobs() map[string]Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Job, len(s.jobs))
	for id, j := range s.jobs {
		out[id] = j.clone()
	}
	return out
}

// RecentExecutions returns up to limit of the newest execution log
// records, newest last. limit <= 0 returns the whole retained log.
func (s *Scheduler) RecentExecutions(limit int) ([]ExecutionRecord, error) {
	recs, err := s.storage.LoadExecutions()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	return recs, nil
}

// Status returns the current queue and worker state.
func (s *Scheduler) Status() QueueStatus {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return QueueStatus{
		QueueSize:    len(s.queue),
		IsProcessing: s.processing,
		WorkerAlive:  s.alive,
	}
}

// Sweep scans for due jobs and enqueues them. It never blocks: if the
// queue already holds a pending execution, no new jobs are added this
// cycle. For each enqueued job NextRunAt is advanced optimistically to
// now+interval so a long-running execution is not re-detected by the
// next sweep; the worker overwrites that value when the run completes.
func (s *Scheduler) Sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	metricSweeps.Inc()

	guard := time.Duration(s.cfg.RecentGuardSec) * time.Second
	changed := false

	for _, job := range s.sortedJobsLocked() {
		if len(s.queue) > 0 {
			// One pending batch at a time. Remaining due jobs wait
			// for a later sweep.
			break
		}
		if job.Status != StatusActive || job.NextRunAt.After(now) {
			continue
		}
		if s.inflightJob() == job.ID {
			continue
		}
		if job.LastRunAt != nil && now.Sub(*job.LastRunAt) < guard {
			logs.Debug("[scheduler] job %s skipped: ran %s ago, guard is %s",
				job.ID, now.Sub(*job.LastRunAt).Round(time.Second), guard)
			continue
		}

		payload, ok := s.resolver.Resolve(job.TemplateID)
		if !ok {
			// Broken reference. Advance the clock anyway so the job
			// is not re-detected every sweep until the template is
			// restored.
			logs.Warn("[scheduler] job %s: template %s not found, skipping run", job.ID, job.TemplateID)
			job.NextRunAt = now.Add(job.Interval())
			s.jobs[job.ID] = job
			changed = true
			continue
		}
		if !s.tryEnqueue(job, payload) {
			break
		}

		job.NextRunAt = now.Add(job.Interval())
		s.jobs[job.ID] = job
		changed = true
		metricEnqueued.Inc()
		logs.Info("[scheduler] job %s due, enqueued (next_run=%s)", job.ID, job.NextRunAt.Format(time.RFC3339))
	}

	if changed {
		s.persistLocked("sweep")
	}
}

// tryEnqueue snapshots the job and pushes it onto the queue without
// blocking.
func (s *Scheduler) tryEnqueue(job Job, payload poster.Payload) bool {
	qe := QueuedExecution{
		JobID:      job.ID,
		Targets:    append([]string(nil), job.Targets...),
		Payload:    payload,
		EnqueuedAt: s.now(),
	}
	select {
	case s.queue <- qe:
		return true
	default:
		return false
	}
}

// persistLocked writes the registry to storage. A failed write is
// logged, not returned: memory stays authoritative and the next
// transition retries.
func (s *Scheduler) persistLocked(op string) {
	if err := s.storage.SaveJobs(s.jobs); err != nil {
		logs.Warn("[scheduler] persist after %s: %v", op, err)
		metricPersistErrors.Inc()
	}
}

// sortedJobsLocked returns jobs ordered by creation time so sweep
// order is stable rather than map-iteration random.
func (s *Scheduler) sortedJobsLocked() []Job {
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Scheduler) inflightJob() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.inflight
}

func (s *Scheduler) setInflight(jobID string) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.inflight = jobID
	s.processing = jobID != ""
}

func (s *Scheduler) setAlive(v bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.alive = v
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// uniformDelay draws a pacing delay uniformly from [min, max].
func uniformDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + rand.N(max-min)
}
