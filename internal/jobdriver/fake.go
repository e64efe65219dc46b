package jobdriver

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/Stagehand/internal/domain"
	"github.com/shaiso/Stagehand/internal/telemetry"
)

// FailStageInput — ключ inputs run: стадия с этим именем в fake-режиме падает.
const FailStageInput = "fake_fail_stage"

const fakeNamespace = "fake"

// FakeDriver — драйвер без кластера (FAKE_JOBS=true).
//
// Job «выполняется» Delay и затем успешно завершается. Используется
// для локальной разработки и в тестах supervisor.
type FakeDriver struct {
	// Delay — сколько job находится в RUNNING.
	Delay time.Duration

	// Now — источник времени; по умолчанию time.Now.
	Now func() time.Time

	logger *slog.Logger

	mu   sync.Mutex
	jobs map[domain.JobRef]*fakeJob
}

type fakeJob struct {
	runID       string
	submittedAt time.Time
	fail        bool
	deleted     bool
}

// NewFakeDriver создаёт fake-драйвер.
func NewFakeDriver(delay time.Duration, logger *slog.Logger) *FakeDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &FakeDriver{
		Delay:  delay,
		Now:    time.Now,
		logger: logger.With("component", "jobdriver", "driver", "fake"),
		jobs:   make(map[domain.JobRef]*fakeJob),
	}
}

// Submit регистрирует job. Повторный вызов с той же попыткой идемпотентен.
func (d *FakeDriver) Submit(_ context.Context, req domain.JobRequest) (domain.JobRef, error) {
	ref := d.Ref(req)

	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.jobs[ref]; ok && !existing.deleted {
		if existing.runID != req.RunID.String() {
			return domain.JobRef{}, permanent(ErrNameCollision)
		}
		return ref, nil
	}

	failStage, _ := req.Inputs[FailStageInput].(string)
	d.jobs[ref] = &fakeJob{
		runID:       req.RunID.String(),
		submittedAt: d.Now(),
		fail:        failStage != "" && failStage == req.Stage.Name,
	}
	telemetry.JobsSubmitted.WithLabelValues(req.Stage.Name).Inc()
	d.logger.Debug("fake job created", "job", ref.String())
	return ref, nil
}

// Status: RUNNING до истечения Delay, затем SUCCEEDED (или FAILED).
func (d *FakeDriver) Status(_ context.Context, ref domain.JobRef) (domain.Observation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	job, ok := d.jobs[ref]
	if !ok || job.deleted {
		return domain.Observation{Phase: domain.PhaseNotFound}, nil
	}
	if d.Now().Sub(job.submittedAt) < d.Delay {
		return domain.Observation{Phase: domain.PhaseRunning}, nil
	}
	if job.fail {
		return domain.Observation{Phase: domain.PhaseFailed, Message: "BackoffLimitExceeded: fake failure"}, nil
	}
	return domain.Observation{Phase: domain.PhaseSucceeded}, nil
}

// Diagnostics возвращает фиксированную строку для упавших job.
func (d *FakeDriver) Diagnostics(_ context.Context, ref domain.JobRef) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if job, ok := d.jobs[ref]; ok && job.fail {
		return "fake job " + ref.Name + " exited with code 1", nil
	}
	return "", nil
}

// Ref возвращает ссылку на job попытки.
func (d *FakeDriver) Ref(req domain.JobRequest) domain.JobRef {
	return domain.JobRef{Namespace: fakeNamespace, Name: JobName(req.Stage.Name, req.RunID, req.Attempt)}
}

// Cleanup помечает job удалённым.
func (d *FakeDriver) Cleanup(_ context.Context, ref domain.JobRef) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if job, ok := d.jobs[ref]; ok {
		job.deleted = true
	}
}

// Live возвращает число неудалённых job.
func (d *FakeDriver) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, job := range d.jobs {
		if !job.deleted {
			n++
		}
	}
	return n
}
