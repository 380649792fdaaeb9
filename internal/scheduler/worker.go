package scheduler

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/groupcast/groupcast/internal/pkg/logs"
)

// runWorker drains the execution queue one job at a time for the
// lifetime of the process.
func (s *Scheduler) runWorker(ctx context.Context) {
	logs.CtxInfo(ctx, "[worker] started")
	for {
		select {
		case <-ctx.Done():
			logs.Info("[worker] stopping")
			return
		case qe := <-s.queue:
			s.setInflight(qe.JobID)
			s.executeOne(ctx, qe)
			s.setInflight("")
			s.sleep(ctx, time.Duration(s.cfg.InterJobCooldownSec)*time.Second)
		}
	}
}

// executeOne runs a single queued execution. Panics are contained at
// the job boundary and converted into the total-failure backoff, so
// one bad job can never kill the worker.
func (s *Scheduler) executeOne(ctx context.Context, qe QueuedExecution) {
	ctx = logs.SetLogID(ctx, logs.NewLogID())

	defer func() {
		if r := recover(); r != nil {
			logs.CtxError(ctx, "[worker] job %s panicked: %v\n%s", qe.JobID, r, debug.Stack())
			s.finalize(ctx, qe, 0, len(qe.Targets))
		}
	}()

	// Precondition gate. An unready poster means a systemic problem
	// (auth lost, network down); reschedule the whole job without
	// touching any target.
	if err := s.poster.Ready(ctx); err != nil {
		retry := time.Duration(s.cfg.RetryDelayMinutes) * time.Minute
		logs.CtxWarn(ctx, "[worker] poster not ready, job %s retried in %s: %v", qe.JobID, retry, err)
		s.rescheduleAfter(qe.JobID, retry)
		return
	}

	logs.CtxInfo(ctx, "[worker] executing job %s: %d target(s), template %q",
		qe.JobID, len(qe.Targets), qe.Payload.Name)

	successes, failures := 0, 0
	minDelay := time.Duration(s.cfg.MinTargetDelaySec) * time.Second
	maxDelay := time.Duration(s.cfg.MaxTargetDelaySec) * time.Second

	for i, target := range qe.Targets {
		if ctx.Err() != nil {
			logs.CtxWarn(ctx, "[worker] job %s interrupted after %d/%d target(s)",
				qe.JobID, i, len(qe.Targets))
			return
		}

		if err := s.postOne(ctx, target, qe); err != nil {
			failures++
			metricTargets.WithLabelValues("failure").Inc()
			logs.CtxWarn(ctx, "[worker] job %s target %s failed: %v", qe.JobID, target, err)
			continue
		}
		successes++
		metricTargets.WithLabelValues("success").Inc()
		logs.CtxInfo(ctx, "[worker] job %s target %s delivered (%d/%d)",
			qe.JobID, target, i+1, len(qe.Targets))

		if i < len(qe.Targets)-1 {
			pause := s.jitter(minDelay, maxDelay)
			logs.CtxDebug(ctx, "[worker] pacing %s before next target", pause.Round(time.Second))
			s.sleep(ctx, pause)
		}
	}

	s.finalize(ctx, qe, successes, failures)
}

// postOne delivers to a single target under the per-target timeout, so
// a hung backend call cannot wedge the worker.
func (s *Scheduler) postOne(ctx context.Context, target string, qe QueuedExecution) error {
	timeout := time.Duration(s.cfg.TargetTimeoutSec) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.poster.Post(ctx, target, qe.Payload)
}

// finalize applies the post-run schedule update and appends the
// execution log record. Zero successes signals a systemic failure and
// gets a doubled retry backoff instead of the regular interval.
func (s *Scheduler) finalize(ctx context.Context, qe QueuedExecution, successes, failures int) {
	now := s.now()
	retry := time.Duration(s.cfg.RetryDelayMinutes) * time.Minute

	status := "success"
	switch {
	case successes == 0:
		status = "failed"
	case failures > 0:
		status = "partial"
	}
	metricExecutions.WithLabelValues(status).Inc()

	s.mu.Lock()
	job, ok := s.jobs[qe.JobID]
	if !ok {
		// Deleted while executing. Nothing to reschedule.
		s.mu.Unlock()
		logs.CtxInfo(ctx, "[worker] job %s removed during execution, result discarded", qe.JobID)
		return
	}

	job.LastRunAt = &now
	if successes == 0 {
		job.NextRunAt = now.Add(2 * retry)
	} else {
		job.NextRunAt = now.Add(job.Interval())
	}
	s.jobs[qe.JobID] = job
	s.persistLocked("execution")
	next := job.NextRunAt
	templateID := job.TemplateID
	s.mu.Unlock()

	rec := ExecutionRecord{
		Timestamp:     now,
		JobID:         qe.JobID,
		TemplateID:    templateID,
		TargetsTotal:  len(qe.Targets),
		Successes:     successes,
		Failures:      failures,
		NextScheduled: next,
		Status:        status,
	}
	if err := s.storage.AppendExecution(rec); err != nil {
		logs.CtxWarn(ctx, "[worker] append execution log: %v", err)
	}

	logs.CtxInfo(ctx, "[worker] job %s done: %d ok, %d failed, next run %s",
		qe.JobID, successes, failures, next.Format(time.RFC3339))
}

// rescheduleAfter pushes a job's next run out by delay without counting
// an execution attempt.
func (s *Scheduler) rescheduleAfter(jobID string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return
	}
	job.NextRunAt = s.now().Add(delay)
	s.jobs[jobID] = job
	s.persistLocked("reschedule")
}
