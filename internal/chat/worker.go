package chat

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ProcessJob runs one queued job to completion and records its outcome.
// Slow jobs are logged with a per-step timing breakdown.
func (s *Service) ProcessJob(ctx context.Context, jobID string) error {
	jobStart := time.Now()
	log := s.log.With(zap.String("job_id", jobID))

	t0 := time.Now()
	if err := s.repo.UpdateJobStatusRunning(ctx, jobID); err != nil {
		log.Warn("mark running failed", zap.Error(err))
	}
	updateCost := time.Since(t0)

	t1 := time.Now()
	j, err := s.repo.GetJobByID(ctx, jobID)
	getJobCost := time.Since(t1)
	if err != nil {
		log.Warn("job_timing_failed",
			zap.Duration("update", updateCost),
			zap.Duration("get_job", getJobCost),
			zap.Duration("total", time.Since(jobStart)),
			zap.Error(err))
		return err
	}
	if j.Status.Terminal() {
		log.Info("job already finished", zap.String("status", string(j.Status)))
		return nil
	}

	t2 := time.Now()
	_, assistantMsgID, err := s.GenerateAssistantReplyAndInsert(ctx, j.UserID, j.SessionID)
	genCost := time.Since(t2)

	if err != nil {
		t3 := time.Now()
		if markErr := s.repo.MarkJobFailed(ctx, jobID, err.Error()); markErr != nil {
			log.Error("mark failed failed", zap.Error(markErr))
		}
		log.Warn("job_timing_failed",
			zap.Duration("update", updateCost),
			zap.Duration("get_job", getJobCost),
			zap.Duration("gen", genCost),
			zap.Duration("mark_fail", time.Since(t3)),
			zap.Duration("total", time.Since(jobStart)),
			zap.Error(err))
		return err
	}

	t4 := time.Now()
	if err := s.repo.MarkJobSucceeded(ctx, jobID, assistantMsgID); err != nil {
		log.Warn("job_timing_failed",
			zap.Duration("gen", genCost),
			zap.Duration("mark_succ", time.Since(t4)),
			zap.Duration("total", time.Since(jobStart)),
			zap.Error(err))
		return err
	}

	if total := time.Since(jobStart); total > 2*time.Second {
		log.Info("job_timing",
			zap.Duration("update", updateCost),
			zap.Duration("get_job", getJobCost),
			zap.Duration("gen", genCost),
			zap.Duration("mark_succ", time.Since(t4)),
			zap.Duration("total", total))
	}
	return nil
}
