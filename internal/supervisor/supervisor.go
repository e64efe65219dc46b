package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Stagehand/internal/domain"
	"github.com/shaiso/Stagehand/internal/mq"
	"github.com/shaiso/Stagehand/internal/telemetry"
)

// Default configuration values.
const (
	defaultPollInterval     = 10 * time.Second
	defaultWorkers          = 8
	defaultCallTimeout      = 15 * time.Second
	defaultSubmitBackoffMax = 5 * time.Minute
	defaultBatchSize        = 500
	defaultMaxListFailures  = 5

	submitBackoffBase = time.Second
)

// Config — конфигурация Supervisor.
type Config struct {
	Runs     RunStore
	Catalog  StageCatalog
	Driver   JobDriver
	Notifier Notifier

	// Attempts — аудит попыток (может быть nil).
	Attempts AttemptRecorder

	// Conn — RabbitMQ для nudge из runs.pending (может быть nil).
	Conn *mq.Connection

	PollInterval time.Duration // default: 10s

	// IdlePollInterval используется после IdleTicks тиков без переходов.
	// 0 — адаптивный опрос выключен.
	IdlePollInterval time.Duration
	IdleTicks        int

	Workers          int           // параллельная обработка runs (default: 8)
	CallTimeout      time.Duration // таймаут каждого вызова хранилища/драйвера (default: 15s)
	StalenessTimeout time.Duration // default: 10m
	SubmitBackoffMax time.Duration // default: 5m
	BatchSize        int           // runs за один тик (default: 500)
	MaxListFailures  int           // подряд неудачных ListActive до unhealthy (default: 5)

	// PauseFile — пока файл существует, новые runs не запускаются.
	PauseFile string

	// InactivityAlert — предупреждение, если новые runs не запускались дольше.
	InactivityAlert time.Duration

	// Now — источник времени (для тестов).
	Now func() time.Time

	Logger *slog.Logger
}

// Supervisor ведёт активные runs через стадии.
type Supervisor struct {
	runs     RunStore
	catalog  StageCatalog
	driver   JobDriver
	notifier Notifier
	attempts AttemptRecorder
	conn     *mq.Connection

	policy           Policy
	pollInterval     time.Duration
	idlePollInterval time.Duration
	idleTicks        int
	workers          int
	callTimeout      time.Duration
	batchSize        int
	maxListFailures  int
	pauseFile        string
	inactivityAlert  time.Duration
	now              func() time.Time
	logger           *slog.Logger

	backoff *submitBackoff

	// tickMu — тики не пересекаются (nudge и прямой вызов Tick).
	tickMu       sync.Mutex
	cursor       domain.RunCursor // под tickMu
	listFailures atomic.Int32
	idle         atomic.Int32
	paused       atomic.Bool

	pickupMu   sync.Mutex
	lastPickup time.Time

	nudgeCh  chan struct{}
	consumer *mq.Consumer
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  atomic.Bool
}

// New создаёт Supervisor.
func New(cfg Config) *Supervisor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.SubmitBackoffMax <= 0 {
		cfg.SubmitBackoffMax = defaultSubmitBackoffMax
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxListFailures <= 0 {
		cfg.MaxListFailures = defaultMaxListFailures
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Supervisor{
		runs:             cfg.Runs,
		catalog:          cfg.Catalog,
		driver:           cfg.Driver,
		notifier:         cfg.Notifier,
		attempts:         cfg.Attempts,
		conn:             cfg.Conn,
		policy:           Policy{StalenessTimeout: cfg.StalenessTimeout},
		pollInterval:     cfg.PollInterval,
		idlePollInterval: cfg.IdlePollInterval,
		idleTicks:        cfg.IdleTicks,
		workers:          cfg.Workers,
		callTimeout:      cfg.CallTimeout,
		batchSize:        cfg.BatchSize,
		maxListFailures:  cfg.MaxListFailures,
		pauseFile:        cfg.PauseFile,
		inactivityAlert:  cfg.InactivityAlert,
		now:              cfg.Now,
		logger:           telemetry.Component(cfg.Logger, "supervisor"),
		backoff:          newSubmitBackoff(submitBackoffBase, cfg.SubmitBackoffMax),
		nudgeCh:          make(chan struct{}, 1),
	}
	s.lastPickup = s.now()
	return s
}

// Start запускает цикл опроса и (если есть RabbitMQ) consumer runs.pending.
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.logger.Info("starting supervisor",
		"poll_interval", s.pollInterval,
		"idle_poll_interval", s.idlePollInterval,
		"workers", s.workers,
		"batch_size", s.batchSize,
		"staleness_timeout", s.policy.staleness(),
	)

	if s.conn != nil {
		s.consumer = mq.NewConsumer(s.conn, s.logger, mq.ConsumerConfig{
			Queue:    mq.QueueRunsPending,
			Handler:  s.handleRunPending,
			Prefetch: 10,
		})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("run.pending consumer error", "error", err)
			}
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()

	return nil
}

// Stop останавливает supervisor и ждёт завершения текущего тика.
func (s *Supervisor) Stop() {
	s.logger.Info("stopping supervisor...")
	if s.cancel != nil {
		s.cancel()
	}
	if s.consumer != nil {
		s.consumer.Stop()
	}
	s.wg.Wait()
	s.logger.Info("supervisor stopped")
}

// Nudge запрашивает внеочередной тик. Не блокируется.
func (s *Supervisor) Nudge() {
	select {
	case s.nudgeCh <- struct{}{}:
	default:
	}
}

// Healthy — false после MaxListFailures подряд неудачных ListActive.
func (s *Supervisor) Healthy() bool {
	return int(s.listFailures.Load()) < s.maxListFailures
}

// Paused сообщает, действует ли сейчас пауза.
func (s *Supervisor) Paused() bool {
	return s.paused.Load()
}

func (s *Supervisor) loop(ctx context.Context) {
	// первый тик сразу: подхватываем runs, созданные пока supervisor был выключен
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-s.nudgeCh:
			timer.Stop()
			s.idle.Store(0)
		}

		if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("tick failed", "error", err, "consecutive_failures", s.listFailures.Load())
		}
		timer.Reset(s.nextInterval())
	}
}

// nextInterval — адаптивный интервал: после IdleTicks пустых тиков опрашиваем реже.
func (s *Supervisor) nextInterval() time.Duration {
	if s.idlePollInterval > 0 && s.idleTicks > 0 && int(s.idle.Load()) >= s.idleTicks {
		return s.idlePollInterval
	}
	return s.pollInterval
}

// Tick выполняет один проход по активным runs.
//
// Возвращает ошибку только если не удалось получить список runs:
// ошибки отдельных runs логируются и не прерывают тик.
func (s *Supervisor) Tick(ctx context.Context) error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	start := time.Now()
	defer func() { telemetry.TickDuration.Observe(time.Since(start).Seconds()) }()

	s.checkPause()

	runs, complete, err := s.nextBatch(ctx)
	if err != nil {
		s.listFailures.Add(1)
		telemetry.ListFailures.Inc()
		return fmt.Errorf("list active runs: %w", err)
	}
	s.listFailures.Store(0)
	telemetry.ActiveRuns.Set(float64(len(runs)))

	var changed atomic.Int32
	g := new(errgroup.Group)
	g.SetLimit(s.workers)
	for i := range runs {
		run := runs[i]
		g.Go(func() error {
			if s.processRun(ctx, run) {
				changed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	if complete {
		s.backoff.retain(runs)
	}

	if changed.Load() > 0 {
		s.idle.Store(0)
	} else if int(s.idle.Load()) < s.idleTicks {
		s.idle.Add(1)
	}

	s.checkInactivity(len(runs))

	if len(runs) > 0 {
		s.logger.Debug("tick completed",
			"runs", len(runs),
			"transitions", changed.Load(),
			"duration", time.Since(start),
		)
	}
	return nil
}

// checkPause перечитывает наличие PAUSE_FILE и логирует переключение.
func (s *Supervisor) checkPause() {
	if s.pauseFile == "" {
		return
	}
	_, err := os.Stat(s.pauseFile)
	paused := err == nil
	if s.paused.Swap(paused) != paused {
		if paused {
			s.logger.Warn("pause file found, new runs will not be started", "file", s.pauseFile)
		} else {
			s.logger.Info("pause file removed, resuming new runs", "file", s.pauseFile)
		}
	}
}

func (s *Supervisor) markPickup() {
	s.pickupMu.Lock()
	s.lastPickup = s.now()
	s.pickupMu.Unlock()
}

// checkInactivity предупреждает, если новые runs давно не запускались.
// nextBatch читает следующую порцию активных runs.
//
// Порции идут по кругу: если runs больше batchSize, следующий тик
// продолжает с места, где остановился предыдущий, а хвост дополняется
// runs из начала. complete — в порцию попали все активные runs.
func (s *Supervisor) nextBatch(ctx context.Context) ([]domain.Run, bool, error) {
	cursor := s.cursor

	listCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	runs, err := s.runs.ListActive(listCtx, cursor, s.batchSize)
	cancel()
	if err != nil {
		return nil, false, err
	}

	if len(runs) == s.batchSize {
		s.cursor = runs[len(runs)-1].Cursor()
		return runs, false, nil
	}
	s.cursor = domain.RunCursor{}
	if cursor.IsZero() {
		return runs, true, nil
	}

	listCtx, cancel = context.WithTimeout(ctx, s.callTimeout)
	head, err := s.runs.ListActive(listCtx, domain.RunCursor{}, s.batchSize-len(runs))
	cancel()
	if err != nil {
		return nil, false, err
	}
	for i := range head {
		if head[i].After(cursor) {
			break
		}
		runs = append(runs, head[i])
	}
	return runs, false, nil
}

func (s *Supervisor) checkInactivity(active int) {
	if s.inactivityAlert <= 0 || s.paused.Load() {
		return
	}
	s.pickupMu.Lock()
	defer s.pickupMu.Unlock()

	now := s.now()
	since := now.Sub(s.lastPickup)
	if since < s.inactivityAlert {
		return
	}
	telemetry.InactivityAlerts.Inc()
	s.logger.Warn("no new runs started recently", "since", since.Round(time.Second), "active_runs", active)
	s.lastPickup = now
}

// submitBackoff — экспоненциальная задержка повторного submit по run.
// Живёт только в памяти: после рестарта submit повторяется сразу.
type submitBackoff struct {
	base time.Duration
	max  time.Duration

	mu      sync.Mutex
	entries map[string]backoffEntry
}

type backoffEntry struct {
	failures int
	nextAt   time.Time
}

func newSubmitBackoff(base, maxDelay time.Duration) *submitBackoff {
	return &submitBackoff{base: base, max: maxDelay, entries: make(map[string]backoffEntry)}
}

// ready — можно ли пробовать submit сейчас.
func (b *submitBackoff) ready(key string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	return !ok || !now.Before(e.nextAt)
}

// fail регистрирует неудачу и возвращает задержку до следующей попытки.
func (b *submitBackoff) fail(key string, now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entries[key]
	e.failures++
	delay := b.base
	for i := 1; i < e.failures && delay < b.max; i++ {
		delay *= 2
	}
	delay = min(delay, b.max)
	e.nextAt = now.Add(delay)
	b.entries[key] = e
	return delay
}

func (b *submitBackoff) clear(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
}

// retain удаляет записи runs, которых больше нет среди активных.
func (b *submitBackoff) retain(runs []domain.Run) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		return
	}
	alive := make(map[string]struct{}, len(runs))
	for i := range runs {
		alive[runs[i].ID.String()] = struct{}{}
	}
	for key := range b.entries {
		if _, ok := alive[key]; !ok {
			delete(b.entries, key)
		}
	}
}
