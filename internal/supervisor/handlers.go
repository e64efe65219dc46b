package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shaiso/Stagehand/internal/domain"
	"github.com/shaiso/Stagehand/internal/jobdriver"
	"github.com/shaiso/Stagehand/internal/mq"
	"github.com/shaiso/Stagehand/internal/repo"
	"github.com/shaiso/Stagehand/internal/telemetry"
)

// handleRunPending — сообщение из runs.pending только будит цикл.
func (s *Supervisor) handleRunPending(_ context.Context, d *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.RunPendingPayload](&d.Message)
	if err != nil {
		// битое сообщение не должно возвращаться в очередь
		s.logger.Warn("failed to parse run.pending payload", "error", err)
		return nil
	}
	s.logger.Debug("received run.pending", "run_id", payload.RunID, "pipeline", payload.PipelineType)
	s.Nudge()
	return nil
}

// processRun обрабатывает один run. Возвращает true, если переход записан.
func (s *Supervisor) processRun(ctx context.Context, run domain.Run) bool {
	logger := telemetry.WithRun(s.logger, run.ID.String(), run.PipelineType, run.StageName(), run.AttemptCount)

	if run.Status.IsTerminal() {
		if run.Notified {
			return false
		}
		return s.apply(ctx, logger, run, ClaimNotification(run))
	}

	if len(run.Stages) == 0 && !run.CancelRequested {
		return s.resolveStages(ctx, logger, run)
	}

	if s.paused.Load() && run.IsFresh() && !run.CancelRequested {
		logger.Debug("paused, new run not started")
		return false
	}

	var obs domain.Observation
	if !run.CancelRequested && run.StageStatus.HasJob() && !run.JobRef.IsZero() {
		var ok bool
		obs, ok = s.observe(ctx, logger, run.JobRef)
		if !ok {
			return false
		}
	}

	d := Transition(run, obs, s.now(), s.policy)
	if d.Effect.Kind == EffectSubmitJob {
		return s.submit(ctx, logger, run, d)
	}
	if d.Effect.Kind == EffectCancel && d.Effect.Cleanup.IsZero() {
		d.Effect.Cleanup = s.unrecordedJob(run)
	}
	if !d.Changed {
		return false
	}
	return s.apply(ctx, logger, run, d)
}

// observe запрашивает статус job. false — статус в этом тике неизвестен.
func (s *Supervisor) observe(ctx context.Context, logger *slog.Logger, ref domain.JobRef) (domain.Observation, bool) {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	obs, err := s.driver.Status(callCtx, ref)
	cancel()
	if err != nil {
		telemetry.StatusErrors.Inc()
		logger.Warn("job status unavailable", "job", ref.String(), "error", err)
		return domain.Observation{}, false
	}

	if obs.Phase == domain.PhaseFailed {
		diagCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
		diag, err := s.driver.Diagnostics(diagCtx, ref)
		cancel()
		if err != nil {
			logger.Warn("failed to collect job diagnostics", "job", ref.String(), "error", err)
		} else {
			obs.Diagnostics = diag
		}
	}
	return obs, true
}

// submit создаёт job и записывает ссылку на него в том же CAS,
// что переводит стадию в JOB_SUBMITTED.
func (s *Supervisor) submit(ctx context.Context, logger *slog.Logger, run domain.Run, d Decision) bool {
	key := run.ID.String()
	if !s.backoff.ready(key, s.now()) {
		return false
	}

	req := jobRequest(run, d.Effect.Stage, d.Effect.Attempt)

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	ref, err := s.driver.Submit(callCtx, req)
	cancel()
	if err != nil {
		if jobdriver.IsPermanent(err) {
			s.backoff.clear(key)
			logger.Error("job submission failed permanently", "error", err)
			return s.apply(ctx, logger, run, FailSubmission(run, err.Error(), s.now()))
		}
		delay := s.backoff.fail(key, s.now())
		logger.Warn("job submission failed, will retry", "error", err, "retry_in", delay)
		return false
	}
	s.backoff.clear(key)

	d.Run.JobRef = ref
	d.Run.StageStatus = domain.StageJobSubmitted
	d.Changed = true

	if !s.apply(ctx, logger, run, d) {
		s.dropIfAbandoned(ctx, logger, run, ref)
		return false
	}
	if run.IsFresh() {
		s.markPickup()
	}
	return true
}

func jobRequest(run domain.Run, stage domain.StageSpec, attempt int) domain.JobRequest {
	return domain.JobRequest{
		RunID:        run.ID,
		PipelineType: run.PipelineType,
		Stage:        stage,
		Attempt:      attempt,
		Inputs:       run.Inputs,
	}
}

// dropIfAbandoned удаляет только что созданный job, если ссылку на него
// записать не удалось, а run тем временем отменён или завершён.
// Иначе следующий тик получит тот же job повторным Submit.
func (s *Supervisor) dropIfAbandoned(ctx context.Context, logger *slog.Logger, run domain.Run, ref domain.JobRef) {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	current, err := s.runs.GetByID(callCtx, run.ID)
	cancel()
	if err != nil {
		// job удалит отмена по детерминированному имени
		logger.Warn("failed to re-read run after lost submit", "job", ref.String(), "error", err)
		return
	}
	if !current.Status.IsTerminal() && !current.CancelRequested {
		return
	}

	cleanupCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	s.driver.Cleanup(cleanupCtx, ref)
	cancel()
	logger.Info("job of cancelled run deleted", "job", ref.String(), "status", current.Status)
}

// unrecordedJob — job текущей попытки, который мог быть создан,
// хотя ссылка на него в run не попала.
func (s *Supervisor) unrecordedJob(run domain.Run) domain.JobRef {
	switch run.StageStatus {
	case domain.StageNotStarted, domain.StageJobSubmitted, domain.StageJobRunning:
	default:
		return domain.JobRef{}
	}
	stage, ok := run.CurrentStage()
	if !ok {
		return domain.JobRef{}
	}
	return s.driver.Ref(jobRequest(run, stage, run.AttemptCount))
}

// resolveStages заполняет снимок стадий run из каталога.
func (s *Supervisor) resolveStages(ctx context.Context, logger *slog.Logger, run domain.Run) bool {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	pipeline, err := s.catalog.Get(callCtx, run.PipelineType)
	cancel()

	switch {
	case errors.Is(err, repo.ErrNotFound):
		reason := fmt.Sprintf("%v: %q", ErrUnknownPipeline, run.PipelineType)
		logger.Error("cannot start run", "error", reason)
		return s.apply(ctx, logger, run, FailConfiguration(run, reason, s.now()))
	case err != nil:
		logger.Warn("failed to load pipeline", "error", err)
		return false
	case len(pipeline.Stages) == 0:
		reason := fmt.Sprintf("pipeline %q has no stages", run.PipelineType)
		return s.apply(ctx, logger, run, FailConfiguration(run, reason, s.now()))
	}

	next := run
	next.Stages = pipeline.Stages
	return s.apply(ctx, logger, run, Decision{Run: next, Effect: Effect{Kind: EffectTrack}, Changed: true})
}

// apply записывает переход и выполняет его эффекты.
// Эффекты выполняются только после успешного CAS.
func (s *Supervisor) apply(ctx context.Context, logger *slog.Logger, prev domain.Run, d Decision) bool {
	next := d.Run
	next.UpdatedAt = s.now().UTC()

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	ok, err := s.runs.CompareAndSwap(callCtx, prev.Version, &next)
	cancel()
	if err != nil {
		logger.Error("failed to persist transition", "effect", d.Effect.Kind, "error", err)
		return false
	}
	if !ok {
		telemetry.CASConflicts.Inc()
		logger.Debug("run changed concurrently, decision discarded", "effect", d.Effect.Kind)
		return false
	}

	telemetry.Transitions.WithLabelValues(string(d.Effect.Kind)).Inc()
	logTransition(logger, prev, next, d.Effect)

	if !d.Effect.Cleanup.IsZero() {
		cleanupCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
		s.driver.Cleanup(cleanupCtx, d.Effect.Cleanup)
		cancel()
	}

	s.recordAttempt(ctx, logger, prev, next, d.Effect)

	if d.Effect.Notify {
		s.notify(ctx, logger, &next)
	}
	return true
}

func logTransition(logger *slog.Logger, prev, next domain.Run, e Effect) {
	switch e.Kind {
	case EffectSubmitJob:
		logger.Info("job submitted", "job", next.JobRef.String())
	case EffectAdvance:
		logger.Info("stage succeeded", "next_stage", next.StageName())
	case EffectRetry:
		logger.Warn("stage failed, retrying", "reason", e.Reason, "next_attempt", next.AttemptCount)
	case EffectFailRun:
		logger.Error("run failed", "reason", e.Reason)
	case EffectCompleteRun:
		logger.Info("run succeeded", "duration", next.Duration())
	case EffectCancel:
		logger.Info("run cancelled", "job", prev.JobRef.String())
	case EffectTrack:
		logger.Debug("run updated", "stage_status", next.StageStatus, "unknown_since", next.UnknownSince)
	}
}

// recordAttempt пишет аудит попытки. Ошибки аудита не влияют на run.
func (s *Supervisor) recordAttempt(ctx context.Context, logger *slog.Logger, prev, next domain.Run, e Effect) {
	if s.attempts == nil {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	now := s.now().UTC()
	var err error
	switch e.Kind {
	case EffectSubmitJob:
		err = s.attempts.RecordSubmitted(callCtx, &domain.JobAttempt{
			RunID:       next.ID,
			Stage:       e.Stage.Name,
			Attempt:     e.Attempt,
			JobRef:      next.JobRef,
			Outcome:     domain.AttemptSubmitted,
			SubmittedAt: now,
		})

	case EffectAdvance, EffectCompleteRun:
		err = s.attempts.RecordOutcome(callCtx, prev.ID, e.Stage.Name, e.Attempt, domain.AttemptSucceeded, "", now)

	case EffectRetry, EffectFailRun, EffectCancel:
		// попытка была только если job существовал
		if prev.JobRef.IsZero() {
			return
		}
		err = s.attempts.RecordOutcome(callCtx, prev.ID, e.Stage.Name, e.Attempt, domain.AttemptFailed, e.Reason, now)

	default:
		return
	}
	if err != nil {
		logger.Warn("failed to record job attempt", "effect", e.Kind, "error", err)
	}
}

// notify отправляет событие о завершении. Ошибки только логируются.
func (s *Supervisor) notify(ctx context.Context, logger *slog.Logger, run *domain.Run) {
	if s.notifier == nil {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	if err := s.notifier.Notify(callCtx, domain.EventFor(run)); err != nil {
		logger.Warn("failed to notify", "status", run.Status, "error", err)
	}
}
