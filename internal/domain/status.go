package domain

// RunStatus — общий статус run.
//
// Жизненный цикл:
//
//	ACTIVE → SUCCEEDED
//	       ↘ FAILED (исчерпаны попытки, ошибка шаблона или отмена)
type RunStatus string

const (
	// RunStatusActive — run в работе, его опрашивает supervisor.
	RunStatusActive RunStatus = "ACTIVE"

	// RunStatusSucceeded — все стадии завершились успешно.
	RunStatusSucceeded RunStatus = "SUCCEEDED"

	// RunStatusFailed — run завершился с ошибкой.
	RunStatusFailed RunStatus = "FAILED"
)

// IsTerminal возвращает true, если статус финальный (run завершён).
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed:
		return true
	default:
		return false
	}
}

// ParseRunStatus парсит строку в RunStatus. Пустая строка и неизвестные значения дают "".
func ParseRunStatus(s string) RunStatus {
	switch RunStatus(s) {
	case RunStatusActive, RunStatusSucceeded, RunStatusFailed:
		return RunStatus(s)
	default:
		return ""
	}
}

// StageStatus — статус текущей стадии run.
//
// Жизненный цикл одной попытки:
//
//	NOT_STARTED → JOB_SUBMITTED → JOB_RUNNING → JOB_SUCCEEDED
//	                                          ↘ JOB_FAILED
//
// JOB_SUCCEEDED и JOB_FAILED сохраняются только у завершённых run:
// для промежуточной стадии переход сразу ведёт к следующей стадии
// или к новой попытке (NOT_STARTED).
type StageStatus string

const (
	// StageNotStarted — job для стадии ещё не создан.
	StageNotStarted StageStatus = "NOT_STARTED"

	// StageJobSubmitted — job создан, но ещё не замечен запущенным.
	StageJobSubmitted StageStatus = "JOB_SUBMITTED"

	// StageJobRunning — job выполняется.
	StageJobRunning StageStatus = "JOB_RUNNING"

	// StageJobSucceeded — job последней стадии завершился успешно.
	StageJobSucceeded StageStatus = "JOB_SUCCEEDED"

	// StageJobFailed — job завершился с ошибкой и попыток не осталось.
	StageJobFailed StageStatus = "JOB_FAILED"
)

// HasJob возвращает true для статусов, при которых у run есть job в оркестраторе.
func (s StageStatus) HasJob() bool {
	return s == StageJobSubmitted || s == StageJobRunning
}

// JobPhase — наблюдаемое состояние job в оркестраторе.
type JobPhase string

const (
	// PhaseNone — job нет (job_ref пуст).
	PhaseNone JobPhase = ""

	// PhasePending — job создан, pod ещё не стартовал.
	PhasePending JobPhase = "PENDING"

	// PhaseRunning — есть активные pod'ы.
	PhaseRunning JobPhase = "RUNNING"

	// PhaseSucceeded — job завершён успешно.
	PhaseSucceeded JobPhase = "SUCCEEDED"

	// PhaseFailed — job завершён с ошибкой.
	PhaseFailed JobPhase = "FAILED"

	// PhaseNotFound — оркестратор не знает такого job.
	PhaseNotFound JobPhase = "NOT_FOUND"

	// PhaseUnknown — статус не удалось классифицировать.
	PhaseUnknown JobPhase = "UNKNOWN"
)

// IsAmbiguous возвращает true, если по фазе нельзя судить о судьбе job.
func (p JobPhase) IsAmbiguous() bool {
	return p == PhaseNotFound || p == PhaseUnknown
}

// AttemptOutcome — итог отдельной попытки (для аудита).
type AttemptOutcome string

const (
	AttemptSubmitted AttemptOutcome = "SUBMITTED"
	AttemptSucceeded AttemptOutcome = "SUCCEEDED"
	AttemptFailed    AttemptOutcome = "FAILED"
)
