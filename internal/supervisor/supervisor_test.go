package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Stagehand/internal/domain"
	"github.com/shaiso/Stagehand/internal/jobdriver"
	"github.com/shaiso/Stagehand/internal/repo"
)

// --- Test Doubles ---

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: t0}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// scriptDriver возвращает заранее заданные фазы для (stage, attempt).
// Без сценария job сразу успешен.
type scriptDriver struct {
	mu        sync.Mutex
	phases    map[string][]domain.JobPhase
	refs      map[domain.JobRef]string
	submits   []domain.JobRequest
	cleaned   []domain.JobRef
	submitErr error
	statusErr error

	// onSubmit вызывается после создания job, до записи ссылки.
	onSubmit func(req domain.JobRequest)
}

func newScriptDriver() *scriptDriver {
	return &scriptDriver{
		phases: make(map[string][]domain.JobPhase),
		refs:   make(map[domain.JobRef]string),
	}
}

func scriptKey(stage string, attempt int) string {
	return fmt.Sprintf("%s/%d", stage, attempt)
}

func (d *scriptDriver) script(stage string, attempt int, phases ...domain.JobPhase) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.phases[scriptKey(stage, attempt)] = phases
}

func (d *scriptDriver) setSubmitErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.submitErr = err
}

func (d *scriptDriver) setStatusErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statusErr = err
}

func (d *scriptDriver) Submit(_ context.Context, req domain.JobRequest) (domain.JobRef, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.submits = append(d.submits, req)
	if d.submitErr != nil {
		return domain.JobRef{}, d.submitErr
	}
	ref := d.Ref(req)
	d.refs[ref] = scriptKey(req.Stage.Name, req.Attempt)
	if d.onSubmit != nil {
		d.onSubmit(req)
	}
	return ref, nil
}

func (d *scriptDriver) Ref(req domain.JobRequest) domain.JobRef {
	return domain.JobRef{Namespace: "jobs", Name: jobdriver.JobName(req.Stage.Name, req.RunID, req.Attempt)}
}

func (d *scriptDriver) cleanedRefs() []domain.JobRef {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.JobRef(nil), d.cleaned...)
}

func (d *scriptDriver) Status(_ context.Context, ref domain.JobRef) (domain.Observation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.statusErr != nil {
		return domain.Observation{}, d.statusErr
	}
	key, ok := d.refs[ref]
	if !ok {
		return domain.Observation{Phase: domain.PhaseNotFound}, nil
	}
	phases := d.phases[key]
	if len(phases) == 0 {
		return domain.Observation{Phase: domain.PhaseSucceeded}, nil
	}
	phase := phases[0]
	if len(phases) > 1 {
		d.phases[key] = phases[1:]
	}
	if phase == domain.PhaseFailed {
		return domain.Observation{Phase: phase, Message: "BackoffLimitExceeded: Job has reached the specified backoff limit"}, nil
	}
	return domain.Observation{Phase: phase}, nil
}

func (d *scriptDriver) Diagnostics(_ context.Context, ref domain.JobRef) (string, error) {
	return "logs of " + ref.Name, nil
}

func (d *scriptDriver) Cleanup(_ context.Context, ref domain.JobRef) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleaned = append(d.cleaned, ref)
}

func (d *scriptDriver) submitCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.submits)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.RunEvent
}

func (n *recordingNotifier) Notify(_ context.Context, ev domain.RunEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) Events() []domain.RunEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.RunEvent(nil), n.events...)
}

type attemptRecord struct {
	stage   string
	attempt int
	outcome domain.AttemptOutcome
}

type recordingAttempts struct {
	mu      sync.Mutex
	records []attemptRecord
}

func (r *recordingAttempts) RecordSubmitted(_ context.Context, a *domain.JobAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, attemptRecord{a.Stage, a.Attempt, a.Outcome})
	return nil
}

func (r *recordingAttempts) RecordOutcome(_ context.Context, _ uuid.UUID, stage string, attempt int, outcome domain.AttemptOutcome, _ string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, attemptRecord{stage, attempt, outcome})
	return nil
}

// failingStore — ListActive всегда падает, пока fail=true.
type failingStore struct {
	*repo.MemoryRunStore
	mu   sync.Mutex
	fail bool
}

func (s *failingStore) setFail(fail bool) {
	s.mu.Lock()
	s.fail = fail
	s.mu.Unlock()
}

func (s *failingStore) ListActive(ctx context.Context, after domain.RunCursor, limit int) ([]domain.Run, error) {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return nil, errors.New("connection refused")
	}
	return s.MemoryRunStore.ListActive(ctx, after, limit)
}

// --- Helpers ---

type harness struct {
	store    *repo.MemoryRunStore
	catalog  *repo.MemoryCatalog
	driver   *scriptDriver
	notifier *recordingNotifier
	attempts *recordingAttempts
	clock    *testClock
	sup      *Supervisor
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPipeline() domain.Pipeline {
	return domain.Pipeline{
		Type: "staging",
		Stages: []domain.StageSpec{
			stageSpec("fetch", 0),
			stageSpec("process", 1),
			stageSpec("publish", 0),
		},
	}
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	h := &harness{
		store:    repo.NewMemoryRunStore(),
		catalog:  repo.NewMemoryCatalog(testPipeline()),
		driver:   newScriptDriver(),
		notifier: &recordingNotifier{},
		attempts: &recordingAttempts{},
		clock:    newTestClock(),
	}
	cfg := Config{
		Runs:             h.store,
		Catalog:          h.catalog,
		Driver:           h.driver,
		Notifier:         h.notifier,
		Attempts:         h.attempts,
		StalenessTimeout: 5 * time.Minute,
		Now:              h.clock.Now,
		Logger:           testLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.sup = New(cfg)
	return h
}

func (h *harness) createRun(t *testing.T, inputs map[string]any) uuid.UUID {
	t.Helper()
	p := testPipeline()
	run := domain.NewRun(p.Type, p.Stages, inputs)
	if err := h.store.Create(context.Background(), run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run.ID
}

func (h *harness) get(t *testing.T, id uuid.UUID) *domain.Run {
	t.Helper()
	run, err := h.store.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	return run
}

func (h *harness) tick(t *testing.T) {
	t.Helper()
	if err := h.sup.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
}

// runToEnd тикает, пока run не завершится.
func (h *harness) runToEnd(t *testing.T, id uuid.UUID) *domain.Run {
	t.Helper()
	for i := 0; i < 50; i++ {
		h.tick(t)
		if run := h.get(t, id); run.Status.IsTerminal() {
			return run
		}
	}
	t.Fatalf("run %s did not finish", id)
	return nil
}

// --- Tick Tests ---

func TestSupervisor_HappyPath(t *testing.T) {
	h := newHarness(t, nil)
	id := h.createRun(t, map[string]any{"dataset": "orders"})

	run := h.runToEnd(t, id)

	if run.Status != domain.RunStatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s (%s)", run.Status, run.LastError)
	}
	if run.StageIndex != 3 || !run.JobRef.IsZero() || !run.Notified {
		t.Errorf("unexpected final state: index=%d ref=%v notified=%v", run.StageIndex, run.JobRef, run.Notified)
	}
	if got := h.driver.submitCount(); got != 3 {
		t.Errorf("expected 3 submits, got %d", got)
	}
	if len(h.driver.cleaned) != 3 {
		t.Errorf("expected 3 cleanups, got %d", len(h.driver.cleaned))
	}

	events := h.notifier.Events()
	if len(events) != 1 || events[0].Status != domain.RunStatusSucceeded || events[0].RunID != id {
		t.Fatalf("expected one SUCCEEDED event, got %+v", events)
	}

	// лишние тики ничего не меняют
	version := run.Version
	h.tick(t)
	h.tick(t)
	if h.get(t, id).Version != version || len(h.notifier.Events()) != 1 {
		t.Error("finished run must not be touched again")
	}
}

func TestSupervisor_FetchProcessPublish(t *testing.T) {
	h := newHarness(t, nil)
	h.driver.script("process", 0, domain.PhaseRunning, domain.PhaseFailed)
	h.driver.script("process", 1, domain.PhaseFailed)
	id := h.createRun(t, nil)

	run := h.runToEnd(t, id)

	if run.Status != domain.RunStatusFailed {
		t.Fatalf("expected FAILED, got %s", run.Status)
	}
	if run.StageName() != "process" || run.AttemptCount != 1 {
		t.Errorf("expected to stop at process attempt 1, got %s/%d", run.StageName(), run.AttemptCount)
	}

	secondJob := jobdriver.JobName("process", id, 1)
	if !strings.Contains(run.LastError, "logs of "+secondJob) {
		t.Errorf("expected diagnostics of the second failure, got %q", run.LastError)
	}

	for _, req := range h.driver.submits {
		if req.Stage.Name == "publish" {
			t.Fatal("publish must never be submitted")
		}
	}
	if got := h.driver.submitCount(); got != 3 {
		t.Errorf("expected 3 submits (fetch, process x2), got %d", got)
	}

	events := h.notifier.Events()
	if len(events) != 1 {
		t.Fatalf("expected exactly one notification, got %d", len(events))
	}
	if events[0].Stage != "process" || !strings.Contains(events[0].Error, secondJob) {
		t.Errorf("unexpected event %+v", events[0])
	}

	want := []attemptRecord{
		{"fetch", 0, domain.AttemptSubmitted},
		{"fetch", 0, domain.AttemptSucceeded},
		{"process", 0, domain.AttemptSubmitted},
		{"process", 0, domain.AttemptFailed},
		{"process", 1, domain.AttemptSubmitted},
		{"process", 1, domain.AttemptFailed},
	}
	if len(h.attempts.records) != len(want) {
		t.Fatalf("expected %d attempt records, got %+v", len(want), h.attempts.records)
	}
	for i, rec := range want {
		if h.attempts.records[i] != rec {
			t.Errorf("record %d: expected %+v, got %+v", i, rec, h.attempts.records[i])
		}
	}
}

func TestSupervisor_TransientSubmitErrorBacksOff(t *testing.T) {
	h := newHarness(t, nil)
	h.driver.setSubmitErr(&jobdriver.SubmissionError{Err: errors.New("connection refused")})
	id := h.createRun(t, nil)

	h.tick(t)
	run := h.get(t, id)
	if run.Version != 1 || run.StageStatus != domain.StageNotStarted {
		t.Fatalf("transient error must not change the run, got version=%d status=%s", run.Version, run.StageStatus)
	}

	// до истечения задержки submit не повторяется
	h.tick(t)
	if got := h.driver.submitCount(); got != 1 {
		t.Fatalf("expected 1 submit during backoff, got %d", got)
	}

	h.clock.Advance(submitBackoffBase)
	h.driver.setSubmitErr(nil)
	h.tick(t)

	if got := h.driver.submitCount(); got != 2 {
		t.Fatalf("expected retry after backoff, got %d submits", got)
	}
	run = h.get(t, id)
	if run.StageStatus != domain.StageJobSubmitted || run.JobRef.IsZero() {
		t.Errorf("expected submitted job, got %s %v", run.StageStatus, run.JobRef)
	}
}

func TestSupervisor_PermanentSubmitErrorFailsRun(t *testing.T) {
	h := newHarness(t, nil)
	h.driver.setSubmitErr(&jobdriver.SubmissionError{Permanent: true, Err: errors.New("render template: missing key")})
	id := h.createRun(t, nil)

	h.tick(t)

	run := h.get(t, id)
	if run.Status != domain.RunStatusFailed {
		t.Fatalf("expected FAILED, got %s", run.Status)
	}
	if !strings.HasPrefix(run.LastError, "submit job: ") || run.AttemptCount != 0 {
		t.Errorf("unexpected failure state %q attempts=%d", run.LastError, run.AttemptCount)
	}
	if len(h.notifier.Events()) != 1 {
		t.Error("expected one notification")
	}
	for _, rec := range h.attempts.records {
		if rec.outcome == domain.AttemptFailed {
			t.Error("no job was created, no failed attempt should be recorded")
		}
	}
}

func TestSupervisor_StatusErrorKeepsRun(t *testing.T) {
	h := newHarness(t, nil)
	id := h.createRun(t, nil)
	h.tick(t) // submit fetch

	before := h.get(t, id)
	h.driver.setStatusErr(errors.New("context deadline exceeded"))
	h.tick(t)
	h.tick(t)

	after := h.get(t, id)
	if after.Version != before.Version {
		t.Errorf("status error must not mutate the run: version %d -> %d", before.Version, after.Version)
	}
	if after.UnknownSince != nil {
		t.Error("status error is not an observation")
	}
}

func TestSupervisor_MissingJobFailsAfterTimeout(t *testing.T) {
	h := newHarness(t, nil)
	id := h.createRun(t, nil)
	h.tick(t)

	// job исчез из кластера
	h.driver.mu.Lock()
	h.driver.refs = make(map[domain.JobRef]string)
	h.driver.mu.Unlock()

	h.tick(t)
	run := h.get(t, id)
	if run.UnknownSince == nil || run.Status != domain.RunStatusActive {
		t.Fatalf("expected unknown_since to be set, got %+v", run)
	}

	h.clock.Advance(4 * time.Minute)
	h.tick(t)
	if h.get(t, id).Status != domain.RunStatusActive {
		t.Fatal("run must wait for the staleness timeout")
	}

	h.clock.Advance(time.Minute)
	h.tick(t)
	run = h.get(t, id)
	if run.Status != domain.RunStatusFailed || !strings.Contains(run.LastError, "not found") {
		t.Errorf("expected FAILED with not found, got %s %q", run.Status, run.LastError)
	}
}

func TestSupervisor_Cancel(t *testing.T) {
	h := newHarness(t, nil)
	id := h.createRun(t, nil)
	h.tick(t)

	run := h.get(t, id)
	ref := run.JobRef
	run.CancelRequested = true
	if ok, err := h.store.CompareAndSwap(context.Background(), run.Version, run); err != nil || !ok {
		t.Fatalf("request cancel: ok=%v err=%v", ok, err)
	}

	h.tick(t)

	run = h.get(t, id)
	if run.Status != domain.RunStatusFailed || run.LastError != CancelReason {
		t.Fatalf("expected cancelled run, got %s %q", run.Status, run.LastError)
	}
	if len(h.driver.cleaned) != 1 || h.driver.cleaned[0] != ref {
		t.Errorf("expected cleanup of %v, got %v", ref, h.driver.cleaned)
	}
	if len(h.notifier.Events()) != 1 {
		t.Error("expected one notification")
	}
}

func containsRef(refs []domain.JobRef, ref domain.JobRef) bool {
	for _, r := range refs {
		if r == ref {
			return true
		}
	}
	return false
}

func TestSupervisor_CancelDuringSubmit(t *testing.T) {
	h := newHarness(t, nil)
	id := h.createRun(t, nil)

	// отмена приходит, пока job создаётся: CAS submit проигрывает
	h.driver.onSubmit = func(domain.JobRequest) {
		h.driver.onSubmit = nil
		run, err := h.store.GetByID(context.Background(), id)
		if err != nil {
			t.Errorf("get run: %v", err)
			return
		}
		run.CancelRequested = true
		if ok, err := h.store.CompareAndSwap(context.Background(), run.Version, run); err != nil || !ok {
			t.Errorf("request cancel: ok=%v err=%v", ok, err)
		}
	}

	h.tick(t)

	run := h.get(t, id)
	if !run.JobRef.IsZero() || run.StageStatus != domain.StageNotStarted {
		t.Fatalf("submit must lose to cancel, got status=%s ref=%v", run.StageStatus, run.JobRef)
	}
	fetchRef := h.driver.Ref(jobRequest(*run, run.Stages[0], 0))
	if !containsRef(h.driver.cleanedRefs(), fetchRef) {
		t.Errorf("expected cleanup of %v after lost submit, got %v", fetchRef, h.driver.cleanedRefs())
	}

	h.tick(t)

	run = h.get(t, id)
	if run.Status != domain.RunStatusFailed || run.LastError != CancelReason {
		t.Fatalf("expected cancelled run, got %s %q", run.Status, run.LastError)
	}
	if got := h.driver.submitCount(); got != 1 {
		t.Errorf("expected 1 submit, got %d", got)
	}
	if len(h.notifier.Events()) != 1 {
		t.Error("expected one notification")
	}
}

func TestSupervisor_CancelUnrecordedJob(t *testing.T) {
	tests := []struct {
		name   string
		status domain.StageStatus
	}{
		{name: "not started", status: domain.StageNotStarted},
		{name: "submitted without ref", status: domain.StageJobSubmitted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			id := h.createRun(t, nil)

			// job создан, но ссылка не записана: процесс упал после Submit
			run := h.get(t, id)
			ref, err := h.driver.Submit(context.Background(), jobRequest(*run, run.Stages[0], 0))
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
			run.StageStatus = tt.status
			run.CancelRequested = true
			if ok, err := h.store.CompareAndSwap(context.Background(), run.Version, run); err != nil || !ok {
				t.Fatalf("update run: ok=%v err=%v", ok, err)
			}

			h.tick(t)

			run = h.get(t, id)
			if run.Status != domain.RunStatusFailed || run.LastError != CancelReason {
				t.Fatalf("expected cancelled run, got %s %q", run.Status, run.LastError)
			}
			if cleaned := h.driver.cleanedRefs(); len(cleaned) != 1 || cleaned[0] != ref {
				t.Errorf("expected cleanup of %v, got %v", ref, cleaned)
			}
		})
	}
}

func TestSupervisor_BatchRotation(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.BatchSize = 2 })
	h.driver.script("fetch", 0, domain.PhaseRunning)

	ids := []uuid.UUID{h.createRun(t, nil), h.createRun(t, nil), h.createRun(t, nil)}

	h.tick(t)
	if got := h.driver.submitCount(); got != 2 {
		t.Fatalf("expected 2 submits in the first batch, got %d", got)
	}

	// первые runs остаются активными, но следующий тик доходит до третьего
	h.tick(t)
	for _, id := range ids {
		if run := h.get(t, id); run.JobRef.IsZero() {
			t.Errorf("run %s was not picked up", id)
		}
	}
	if got := h.driver.submitCount(); got != 3 {
		t.Errorf("expected 3 submits, got %d", got)
	}
}

func TestSupervisor_UnknownPipeline(t *testing.T) {
	h := newHarness(t, nil)
	run := domain.NewRun("missing", nil, nil)
	if err := h.store.Create(context.Background(), run); err != nil {
		t.Fatal(err)
	}

	h.tick(t)

	got := h.get(t, run.ID)
	if got.Status != domain.RunStatusFailed || !strings.Contains(got.LastError, ErrUnknownPipeline.Error()) {
		t.Fatalf("expected FAILED with unknown pipeline, got %s %q", got.Status, got.LastError)
	}
	if h.driver.submitCount() != 0 {
		t.Error("nothing must be submitted")
	}
}

func TestSupervisor_ResolvesStagesFromCatalog(t *testing.T) {
	h := newHarness(t, nil)
	run := domain.NewRun("staging", nil, nil)
	if err := h.store.Create(context.Background(), run); err != nil {
		t.Fatal(err)
	}

	h.tick(t)
	got := h.get(t, run.ID)
	if len(got.Stages) != 3 || got.Stages[0].Name != "fetch" {
		t.Fatalf("expected stage snapshot from catalog, got %+v", got.Stages)
	}

	// каталог меняется, но run идёт по своему снимку
	_ = h.catalog.Upsert(context.Background(), &domain.Pipeline{Type: "staging", Stages: []domain.StageSpec{stageSpec("other", 0)}})

	final := h.runToEnd(t, run.ID)
	if final.Status != domain.RunStatusSucceeded || h.driver.submitCount() != 3 {
		t.Errorf("expected run on the snapshot, got %s with %d submits", final.Status, h.driver.submitCount())
	}
}

func TestSupervisor_NotifiesTerminalRunOnce(t *testing.T) {
	h := newHarness(t, nil)
	run := domain.NewRun("staging", testPipeline().Stages, nil)
	run.Status = domain.RunStatusFailed
	run.LastError = "marked failed by operator"
	if err := h.store.Create(context.Background(), run); err != nil {
		t.Fatal(err)
	}

	h.tick(t)
	h.tick(t)

	if !h.get(t, run.ID).Notified {
		t.Error("expected notification to be claimed")
	}
	events := h.notifier.Events()
	if len(events) != 1 || events[0].Error != "marked failed by operator" {
		t.Errorf("expected one event, got %+v", events)
	}
}

func TestSupervisor_Pause(t *testing.T) {
	pauseFile := filepath.Join(t.TempDir(), "PAUSE")
	h := newHarness(t, func(c *Config) { c.PauseFile = pauseFile })

	started := h.createRun(t, nil)
	h.tick(t)

	// run, начатый до паузы, продолжает идти
	if err := os.WriteFile(pauseFile, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	fresh := h.createRun(t, nil)
	h.tick(t)

	if !h.sup.Paused() {
		t.Fatal("expected supervisor to be paused")
	}
	if run := h.get(t, fresh); run.Version != 1 {
		t.Errorf("fresh run must not be started while paused, version=%d", run.Version)
	}
	if run := h.get(t, started); run.StageIndex != 1 {
		t.Errorf("started run must keep progressing, stage index=%d", run.StageIndex)
	}

	if err := os.Remove(pauseFile); err != nil {
		t.Fatal(err)
	}
	h.tick(t)
	if h.sup.Paused() {
		t.Fatal("expected pause to be lifted")
	}
	if run := h.get(t, fresh); run.StageStatus != domain.StageJobSubmitted {
		t.Errorf("expected fresh run to start, got %s", run.StageStatus)
	}
}

func TestSupervisor_ListFailuresMakeUnhealthy(t *testing.T) {
	store := &failingStore{MemoryRunStore: repo.NewMemoryRunStore(), fail: true}
	sup := New(Config{
		Runs:            store,
		Catalog:         repo.NewMemoryCatalog(),
		Driver:          newScriptDriver(),
		MaxListFailures: 2,
		Logger:          testLogger(),
	})
	ctx := context.Background()

	if err := sup.Tick(ctx); err == nil {
		t.Fatal("expected list error")
	}
	if !sup.Healthy() {
		t.Fatal("one failure must not make supervisor unhealthy")
	}
	_ = sup.Tick(ctx)
	if sup.Healthy() {
		t.Fatal("expected unhealthy after consecutive failures")
	}

	store.setFail(false)
	if err := sup.Tick(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sup.Healthy() {
		t.Error("successful listing must restore health")
	}
}

// --- Concurrency Tests ---

func TestSupervisor_ConcurrentSupervisors(t *testing.T) {
	store := repo.NewMemoryRunStore()
	catalog := repo.NewMemoryCatalog(testPipeline())
	driver := jobdriver.NewFakeDriver(0, testLogger())
	notifier := &recordingNotifier{}

	newSup := func() *Supervisor {
		return New(Config{
			Runs:     store,
			Catalog:  catalog,
			Driver:   driver,
			Notifier: notifier,
			Logger:   testLogger(),
		})
	}
	a, b := newSup(), newSup()

	var ids []uuid.UUID
	for i := 0; i < 10; i++ {
		p := testPipeline()
		run := domain.NewRun(p.Type, p.Stages, nil)
		if err := store.Create(context.Background(), run); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, run.ID)
	}

	for round := 0; round < 20; round++ {
		var wg sync.WaitGroup
		for _, s := range []*Supervisor{a, b} {
			wg.Add(1)
			go func(s *Supervisor) {
				defer wg.Done()
				if err := s.Tick(context.Background()); err != nil {
					t.Errorf("tick: %v", err)
				}
			}(s)
		}
		wg.Wait()

		if driver.Live() > len(ids) {
			t.Fatalf("more than one live job per run: %d", driver.Live())
		}
	}

	for _, id := range ids {
		run, err := store.GetByID(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if run.Status != domain.RunStatusSucceeded {
			t.Errorf("run %s: expected SUCCEEDED, got %s", id, run.Status)
		}
	}
	if got := len(notifier.Events()); got != len(ids) {
		t.Errorf("expected exactly %d notifications, got %d", len(ids), got)
	}
	if driver.Live() != 0 {
		t.Errorf("expected all jobs cleaned up, %d live", driver.Live())
	}
}

// --- Lifecycle Tests ---

func TestSupervisor_StartStop(t *testing.T) {
	store := repo.NewMemoryRunStore()
	notifier := &recordingNotifier{}
	sup := New(Config{
		Runs:         store,
		Catalog:      repo.NewMemoryCatalog(testPipeline()),
		Driver:       jobdriver.NewFakeDriver(0, testLogger()),
		Notifier:     notifier,
		PollInterval: 10 * time.Millisecond,
		Logger:       testLogger(),
	})

	p := testPipeline()
	run := domain.NewRun(p.Type, p.Stages, nil)
	if err := store.Create(context.Background(), run); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sup.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(notifier.Events()) == 0 && time.Now().Before(deadline) {
		sup.Nudge()
		time.Sleep(5 * time.Millisecond)
	}
	sup.Stop()

	got, err := store.GetByID(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RunStatusSucceeded {
		t.Errorf("expected SUCCEEDED, got %s", got.Status)
	}
}

// --- Backoff Tests ---

func TestSubmitBackoff(t *testing.T) {
	b := newSubmitBackoff(time.Second, 5*time.Second)

	delays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, want := range delays {
		if got := b.fail("run", t0); got != want {
			t.Errorf("failure %d: expected %v, got %v", i+1, want, got)
		}
	}
	if b.ready("run", t0.Add(4*time.Second)) {
		t.Error("expected not ready before delay")
	}
	if !b.ready("run", t0.Add(5*time.Second)) {
		t.Error("expected ready after delay")
	}

	b.retain(nil)
	if !b.ready("run", t0) {
		t.Error("retain must drop entries of inactive runs")
	}
}
