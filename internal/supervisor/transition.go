package supervisor

import (
	"fmt"
	"time"

	"github.com/shaiso/Stagehand/internal/domain"
)

// DefaultStalenessTimeout — сколько job может быть не найден или
// в неясном статусе, прежде чем это считается ошибкой.
const DefaultStalenessTimeout = 10 * time.Minute

// CancelReason — LastError отменённого run.
const CancelReason = "run cancelled"

// Policy — параметры перехода.
type Policy struct {
	StalenessTimeout time.Duration
}

func (p Policy) staleness() time.Duration {
	if p.StalenessTimeout <= 0 {
		return DefaultStalenessTimeout
	}
	return p.StalenessTimeout
}

// EffectKind — что supervisor должен сделать после перехода.
type EffectKind string

const (
	EffectNone        EffectKind = "none"
	EffectSubmitJob   EffectKind = "submit_job"
	EffectTrack       EffectKind = "track"
	EffectAdvance     EffectKind = "advance"
	EffectRetry       EffectKind = "retry"
	EffectFailRun     EffectKind = "fail_run"
	EffectCompleteRun EffectKind = "complete_run"
	EffectCancel      EffectKind = "cancel"
)

// Effect — описание побочного действия. Transition его не выполняет.
type Effect struct {
	Kind EffectKind

	// Stage и Attempt — для SubmitJob; для остальных — стадия, к которой относится эффект.
	Stage   domain.StageSpec
	Attempt int

	// Cleanup — job, который нужно удалить после записи перехода.
	Cleanup domain.JobRef

	// Notify — после записи перехода отправить уведомление.
	Notify bool

	// Reason — текст ошибки для Retry/FailRun/Cancel.
	Reason string
}

// Decision — результат Transition.
type Decision struct {
	Run    domain.Run
	Effect Effect

	// Changed — Run отличается от исходного и должен быть записан.
	Changed bool
}

// Transition вычисляет следующее состояние run по наблюдению за его job.
//
// Функция чистая: одинаковые аргументы дают одинаковый результат.
// obs.Phase пуст, если job у run нет (или статус в этом тике неизвестен).
// Для SubmitJob JobRef в Decision.Run пуст: его заполняет supervisor
// после успешного создания job.
func Transition(run domain.Run, obs domain.Observation, now time.Time, policy Policy) Decision {
	now = now.UTC()

	if run.Status.IsTerminal() {
		return noop(run)
	}
	if run.CancelRequested {
		return cancel(run, now)
	}

	stage, ok := run.CurrentStage()
	if !ok {
		reason := fmt.Sprintf("stage index %d out of range for %d stages", run.StageIndex, len(run.Stages))
		return abort(run, reason, now)
	}

	switch run.StageStatus {
	case domain.StageNotStarted:
		next := run
		next.StageStatus = domain.StageJobSubmitted
		next.JobRef = domain.JobRef{}
		next.UnknownSince = nil
		if next.StartedAt == nil {
			next.StartedAt = &now
		}
		return Decision{
			Run:     next,
			Effect:  Effect{Kind: EffectSubmitJob, Stage: stage, Attempt: run.AttemptCount},
			Changed: true,
		}

	case domain.StageJobSubmitted, domain.StageJobRunning:
		if run.JobRef.IsZero() {
			// job мог быть создан до сбоя, но ссылка не записана:
			// драйвер вернёт существующий job по детерминированному имени
			return Decision{
				Run:     run,
				Effect:  Effect{Kind: EffectSubmitJob, Stage: stage, Attempt: run.AttemptCount},
				Changed: false,
			}
		}
		return observe(run, stage, obs, now, policy)

	default:
		// JOB_SUCCEEDED/JOB_FAILED у активного run быть не должно
		reason := fmt.Sprintf("inconsistent stage status %s for active run", run.StageStatus)
		return abort(run, reason, now)
	}
}

func observe(run domain.Run, stage domain.StageSpec, obs domain.Observation, now time.Time, policy Policy) Decision {
	switch obs.Phase {
	case domain.PhasePending:
		if run.UnknownSince == nil {
			return noop(run)
		}
		next := run
		next.UnknownSince = nil
		return track(next)

	case domain.PhaseRunning:
		if run.StageStatus == domain.StageJobRunning && run.UnknownSince == nil {
			return noop(run)
		}
		next := run
		next.StageStatus = domain.StageJobRunning
		next.UnknownSince = nil
		return track(next)

	case domain.PhaseSucceeded:
		return advance(run, now)

	case domain.PhaseFailed:
		return fail(run, stage, obs.Reason(), now)

	case domain.PhaseNotFound, domain.PhaseUnknown:
		if run.UnknownSince == nil {
			next := run
			next.UnknownSince = &now
			return track(next)
		}
		since := now.Sub(*run.UnknownSince)
		if since < policy.staleness() {
			return noop(run)
		}
		what := "status unknown"
		if obs.Phase == domain.PhaseNotFound {
			what = "not found"
		}
		return fail(run, stage, fmt.Sprintf("job %s %s for %s", run.JobRef.String(), what, since.Round(time.Second)), now)

	default:
		return noop(run)
	}
}

// advance переводит run на следующую стадию или завершает его.
func advance(run domain.Run, now time.Time) Decision {
	next := run
	next.JobRef = domain.JobRef{}
	next.UnknownSince = nil
	next.LastError = ""
	next.AttemptCount = 0
	next.StageIndex = run.StageIndex + 1

	effect := Effect{Kind: EffectAdvance, Cleanup: run.JobRef}
	if stage, ok := run.CurrentStage(); ok {
		effect.Stage = stage
		effect.Attempt = run.AttemptCount
	}

	if next.StageIndex < len(run.Stages) {
		next.StageStatus = domain.StageNotStarted
		return Decision{Run: next, Effect: effect, Changed: true}
	}

	// последняя стадия
	next.StageIndex = len(run.Stages)
	next.StageStatus = domain.StageJobSucceeded
	finish(&next, domain.RunStatusSucceeded, now)
	effect.Kind = EffectCompleteRun
	effect.Notify = true
	return Decision{Run: next, Effect: effect, Changed: true}
}

// fail расходует попытку стадии или завершает run с ошибкой.
func fail(run domain.Run, stage domain.StageSpec, reason string, now time.Time) Decision {
	next := run
	next.JobRef = domain.JobRef{}
	next.UnknownSince = nil
	next.LastError = reason

	effect := Effect{
		Stage:   stage,
		Attempt: run.AttemptCount,
		Cleanup: run.JobRef,
		Reason:  reason,
	}

	if run.AttemptCount < stage.AllowedRetries() {
		next.AttemptCount = run.AttemptCount + 1
		next.StageStatus = domain.StageNotStarted
		effect.Kind = EffectRetry
		return Decision{Run: next, Effect: effect, Changed: true}
	}

	next.StageStatus = domain.StageJobFailed
	finish(&next, domain.RunStatusFailed, now)
	effect.Kind = EffectFailRun
	effect.Notify = true
	return Decision{Run: next, Effect: effect, Changed: true}
}

func cancel(run domain.Run, now time.Time) Decision {
	next := run
	next.JobRef = domain.JobRef{}
	next.UnknownSince = nil
	next.LastError = CancelReason
	next.StageStatus = domain.StageJobFailed
	finish(&next, domain.RunStatusFailed, now)

	stage, _ := run.CurrentStage()
	return Decision{
		Run: next,
		Effect: Effect{
			Kind:    EffectCancel,
			Stage:   stage,
			Attempt: run.AttemptCount,
			Cleanup: run.JobRef,
			Notify:  true,
			Reason:  CancelReason,
		},
		Changed: true,
	}
}

// abort завершает run без расходования попыток: повтор не поможет.
func abort(run domain.Run, reason string, now time.Time) Decision {
	if run.Status.IsTerminal() {
		return noop(run)
	}
	next := run
	next.JobRef = domain.JobRef{}
	next.UnknownSince = nil
	next.LastError = reason
	next.StageStatus = domain.StageJobFailed
	finish(&next, domain.RunStatusFailed, now)

	stage, _ := run.CurrentStage()
	return Decision{
		Run: next,
		Effect: Effect{
			Kind:    EffectFailRun,
			Stage:   stage,
			Attempt: run.AttemptCount,
			Cleanup: run.JobRef,
			Notify:  true,
			Reason:  reason,
		},
		Changed: true,
	}
}

// FailSubmission — постоянная ошибка создания job (невалидный шаблон,
// отказ API в валидации). Run сразу завершается с ошибкой.
func FailSubmission(run domain.Run, reason string, now time.Time) Decision {
	return abort(run, "submit job: "+reason, now.UTC())
}

// FailConfiguration — run нельзя выполнять (например, неизвестный pipeline).
func FailConfiguration(run domain.Run, reason string, now time.Time) Decision {
	return abort(run, reason, now.UTC())
}

// ClaimNotification закрепляет уведомление о run, завершённом без него.
// Такое бывает, если run завершили вне supervisor.
func ClaimNotification(run domain.Run) Decision {
	if !run.Status.IsTerminal() || run.Notified {
		return noop(run)
	}
	next := run
	next.Notified = true
	return Decision{Run: next, Effect: Effect{Kind: EffectNone, Notify: true}, Changed: true}
}

// finish переводит run в терминальный статус.
// Notified выставляется в той же записи: уведомит тот, чей CAS победил.
func finish(run *domain.Run, status domain.RunStatus, at time.Time) {
	run.Status = status
	run.FinishedAt = &at
	run.Notified = true
}

func track(next domain.Run) Decision {
	return Decision{Run: next, Effect: Effect{Kind: EffectTrack}, Changed: true}
}

func noop(run domain.Run) Decision {
	return Decision{Run: run, Effect: Effect{Kind: EffectNone}}
}
