package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Stagehand/internal/domain"
)

// MemoryRunStore — хранилище runs в памяти с той же семантикой CAS, что и RunRepo.
// Используется в тестах и в режиме FAKE_JOBS без базы.
type MemoryRunStore struct {
	mu   sync.Mutex
	runs map[uuid.UUID]domain.Run
}

// NewMemoryRunStore создаёт пустое хранилище.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[uuid.UUID]domain.Run)}
}

// Create добавляет run. ErrAlreadyExists — при совпадении ID или ключа идемпотентности.
func (s *MemoryRunStore) Create(_ context.Context, run *domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; ok {
		return ErrAlreadyExists
	}
	if run.IdempotencyKey != "" {
		for _, existing := range s.runs {
			if existing.PipelineType == run.PipelineType && existing.IdempotencyKey == run.IdempotencyKey {
				return ErrAlreadyExists
			}
		}
	}
	if run.Version == 0 {
		run.Version = 1
	}
	s.runs[run.ID] = *run
	return nil
}

// GetByID возвращает копию run.
func (s *MemoryRunStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &run, nil
}

// GetByIdempotencyKey возвращает run по ключу идемпотентности.
func (s *MemoryRunStore) GetByIdempotencyKey(_ context.Context, pipelineType, key string) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, run := range s.runs {
		if run.PipelineType == pipelineType && run.IdempotencyKey == key {
			return &run, nil
		}
	}
	return nil, ErrNotFound
}

// ListActive возвращает активные и не уведомлённые runs после after, старые первыми.
func (s *MemoryRunStore) ListActive(_ context.Context, after domain.RunCursor, limit int) ([]domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var runs []domain.Run
	for _, run := range s.runs {
		if !run.After(after) {
			continue
		}
		if run.Status == domain.RunStatusActive || !run.Notified {
			runs = append(runs, run)
		}
	}
	sortRuns(runs)
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// List возвращает runs по фильтру, новые первыми.
func (s *MemoryRunStore) List(_ context.Context, filter RunFilter) ([]domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var runs []domain.Run
	for _, run := range s.runs {
		if filter.PipelineType != "" && run.PipelineType != filter.PipelineType {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		runs = append(runs, run)
	}
	sortRuns(runs)
	for i, j := 0, len(runs)-1; i < j; i, j = i+1, j-1 {
		runs[i], runs[j] = runs[j], runs[i]
	}

	if filter.Offset >= len(runs) {
		return nil, nil
	}
	runs = runs[filter.Offset:]
	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}
	return runs, nil
}

// CompareAndSwap записывает run, если сохранённая версия равна expectedVersion.
func (s *MemoryRunStore) CompareAndSwap(_ context.Context, expectedVersion int64, run *domain.Run) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.runs[run.ID]
	if !ok {
		return false, ErrNotFound
	}
	if current.Version != expectedVersion {
		return false, nil
	}

	next := *run
	// неизменяемые поля берём из хранилища
	next.Inputs = current.Inputs
	next.PipelineType = current.PipelineType
	next.IdempotencyKey = current.IdempotencyKey
	next.CreatedAt = current.CreatedAt
	next.Version = expectedVersion + 1
	next.UpdatedAt = time.Now().UTC()
	s.runs[run.ID] = next

	run.Version = next.Version
	run.UpdatedAt = next.UpdatedAt
	return true, nil
}

func sortRuns(runs []domain.Run) {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID.String() < runs[j].ID.String()
		}
		return runs[i].CreatedAt.Before(runs[j].CreatedAt)
	})
}

// MemoryCatalog — каталог pipelines в памяти.
type MemoryCatalog struct {
	mu        sync.RWMutex
	pipelines map[string]domain.Pipeline
}

// NewMemoryCatalog создаёт каталог с заданными pipelines.
func NewMemoryCatalog(pipelines ...domain.Pipeline) *MemoryCatalog {
	c := &MemoryCatalog{pipelines: make(map[string]domain.Pipeline)}
	for _, p := range pipelines {
		c.pipelines[p.Type] = p
	}
	return c
}

// Get возвращает pipeline по типу.
func (c *MemoryCatalog) Get(_ context.Context, pipelineType string) (*domain.Pipeline, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.pipelines[pipelineType]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

// Upsert добавляет или заменяет pipeline.
func (c *MemoryCatalog) Upsert(_ context.Context, p *domain.Pipeline) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pipelines[p.Type] = *p
	return nil
}

// List возвращает pipelines, отсортированные по типу.
func (c *MemoryCatalog) List(_ context.Context) ([]domain.Pipeline, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]domain.Pipeline, 0, len(c.pipelines))
	for _, p := range c.pipelines {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

// Delete удаляет pipeline.
func (c *MemoryCatalog) Delete(_ context.Context, pipelineType string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pipelines[pipelineType]; !ok {
		return ErrNotFound
	}
	delete(c.pipelines, pipelineType)
	return nil
}
