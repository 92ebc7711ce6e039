package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shaiso/Tapestry/internal/datatree"
	"github.com/shaiso/Tapestry/internal/domain"
	"github.com/shaiso/Tapestry/internal/guard"
)

// MemoryStore — Store в памяти процесса.
//
// Хранит глубокие копии: изменения объекта после записи или чтения
// не видны другим читателям. Используется в тестах и в однопроцессном
// режиме оркестратора.
type MemoryStore struct {
	mu sync.RWMutex

	templates map[uuid.UUID]*domain.Template
	tags      map[string]domain.Tag
	runs      map[uuid.UUID]*domain.Run
	trees     map[uuid.UUID]*datatree.Record
	tasks     map[uuid.UUID]*domain.Task
	taskKeys  map[string]uuid.UUID
	taskRuns  map[uuid.UUID]*domain.TaskRun
	attempts  map[uuid.UUID]*domain.TaskAttempt
	events    map[uuid.UUID][]*domain.Event
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore создаёт пустое хранилище.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		templates: make(map[uuid.UUID]*domain.Template),
		tags:      make(map[string]domain.Tag),
		runs:      make(map[uuid.UUID]*domain.Run),
		trees:     make(map[uuid.UUID]*datatree.Record),
		tasks:     make(map[uuid.UUID]*domain.Task),
		taskKeys:  make(map[string]uuid.UUID),
		taskRuns:  make(map[uuid.UUID]*domain.TaskRun),
		attempts:  make(map[uuid.UUID]*domain.TaskAttempt),
		events:    make(map[uuid.UUID][]*domain.Event),
	}
}

// --- Templates ---

// SaveTemplate сохраняет шаблон.
func (s *MemoryStore) SaveTemplate(_ context.Context, t *domain.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.templates[t.ID]; exists {
		return nil
	}
	c := *t
	s.templates[t.ID] = &c
	return nil
}

// GetTemplate возвращает шаблон по ID.
func (s *MemoryStore) GetTemplate(_ context.Context, id uuid.UUID) (*domain.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.templates[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *t
	return &c, nil
}

// ListTemplates возвращает шаблоны в порядке импорта.
func (s *MemoryStore) ListTemplates(_ context.Context) ([]*domain.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Template, 0, len(s.templates))
	for _, t := range s.templates {
		c := *t
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ImportedAt.Equal(out[j].ImportedAt) {
			return out[i].ImportedAt.Before(out[j].ImportedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func tagKey(target domain.TagTarget, targetID uuid.UUID, name string) string {
	return fmt.Sprintf("%s/%s/%s", target, targetID, name)
}

// AddTag привязывает тег.
func (s *MemoryStore) AddTag(_ context.Context, tag domain.Tag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tagKey(tag.Target, tag.TargetID, tag.Name)
	if _, exists := s.tags[key]; exists {
		return ErrAlreadyExists
	}
	s.tags[key] = tag
	return nil
}

// ListTags возвращает теги цели, отсортированные по имени.
func (s *MemoryStore) ListTags(_ context.Context, target domain.TagTarget, targetID uuid.UUID) ([]domain.Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Tag
	for _, tag := range s.tags {
		if tag.Target == target && tag.TargetID == targetID {
			out = append(out, tag)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// FindByTag возвращает ID целей с тегом name.
func (s *MemoryStore) FindByTag(_ context.Context, target domain.TagTarget, name string) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []uuid.UUID
	for _, tag := range s.tags {
		if tag.Target == target && tag.Name == name {
			out = append(out, tag.TargetID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// --- Runs ---

// CreateRunGraph сохраняет runs и деревья; при дубликате ничего не пишет.
func (s *MemoryStore) CreateRunGraph(_ context.Context, runs []*domain.Run, trees []*datatree.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range runs {
		if _, exists := s.runs[r.ID]; exists {
			return fmt.Errorf("run %s: %w", r.ID, ErrAlreadyExists)
		}
	}
	for _, t := range trees {
		if _, exists := s.trees[t.ID]; exists {
			return fmt.Errorf("tree %s: %w", t.ID, ErrAlreadyExists)
		}
	}

	for _, r := range runs {
		s.runs[r.ID] = r.Clone()
	}
	for _, t := range trees {
		s.trees[t.ID] = t.Clone()
	}
	return nil
}

// GetRun возвращает run по ID.
func (s *MemoryStore) GetRun(_ context.Context, id uuid.UUID) (*domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

// UpdateRun условно обновляет run.
func (s *MemoryStore) UpdateRun(_ context.Context, run *domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.runs[run.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Revision != run.Revision {
		return guard.ErrConflict
	}
	run.Revision++
	s.runs[run.ID] = run.Clone()
	return nil
}

// ListRuns возвращает runs по фильтру в порядке создания.
func (s *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Run
	for _, r := range s.runs {
		if filter.match(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Trees ---

// GetTree возвращает дерево по ID.
func (s *MemoryStore) GetTree(_ context.Context, id uuid.UUID) (*datatree.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trees[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

// UpdateTree условно обновляет дерево.
func (s *MemoryStore) UpdateTree(_ context.Context, rec *datatree.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.trees[rec.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Revision != rec.Revision {
		return guard.ErrConflict
	}
	rec.Revision++
	s.trees[rec.ID] = rec.Clone()
	return nil
}

// --- Tasks ---

// CreateTaskBundle создаёт task, task-run и первую попытку.
func (s *MemoryStore) CreateTaskBundle(_ context.Context, task *domain.Task, run *domain.TaskRun, attempt *domain.TaskAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := taskKey(task.StepRunID, task.Generation, task.PathKey)
	if _, exists := s.taskKeys[key]; exists {
		return ErrAlreadyExists
	}
	if _, exists := s.tasks[task.ID]; exists {
		return ErrAlreadyExists
	}

	s.tasks[task.ID] = task.Clone()
	s.taskKeys[key] = task.ID
	s.taskRuns[run.ID] = run.Clone()
	s.attempts[attempt.ID] = attempt.Clone()
	return nil
}

// GetTask возвращает task по ID.
func (s *MemoryStore) GetTask(_ context.Context, id uuid.UUID) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

// ListTasks возвращает tasks поколения в порядке адресов.
func (s *MemoryStore) ListTasks(_ context.Context, stepRunID uuid.UUID, generation int) ([]*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Task
	for _, t := range s.tasks {
		if t.StepRunID == stepRunID && t.Generation == generation {
			out = append(out, t.Clone())
		}
	}
	sortTasks(out)
	return out, nil
}

// GetTaskRun возвращает task-run по ID.
func (s *MemoryStore) GetTaskRun(_ context.Context, id uuid.UUID) (*domain.TaskRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tr, ok := s.taskRuns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return tr.Clone(), nil
}

// UpdateTaskRun условно обновляет task-run.
func (s *MemoryStore) UpdateTaskRun(_ context.Context, run *domain.TaskRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.updateTaskRunLocked(run)
}

func (s *MemoryStore) updateTaskRunLocked(run *domain.TaskRun) error {
	stored, ok := s.taskRuns[run.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Revision != run.Revision {
		return guard.ErrConflict
	}
	run.Revision++
	s.taskRuns[run.ID] = run.Clone()
	return nil
}

// ListTaskRuns возвращает task-runs по фильтру в порядке создания.
func (s *MemoryStore) ListTaskRuns(_ context.Context, filter TaskRunFilter) ([]*domain.TaskRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.TaskRun
	for _, tr := range s.taskRuns {
		if filter.match(tr) {
			out = append(out, tr.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

// AppendAttempt обновляет task-run и создаёт попытку атомарно.
func (s *MemoryStore) AppendAttempt(_ context.Context, run *domain.TaskRun, attempt *domain.TaskAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.attempts[attempt.ID]; exists {
		return ErrAlreadyExists
	}
	if err := s.updateTaskRunLocked(run); err != nil {
		return err
	}
	s.attempts[attempt.ID] = attempt.Clone()
	return nil
}

// GetAttempt возвращает попытку по ID.
func (s *MemoryStore) GetAttempt(_ context.Context, id uuid.UUID) (*domain.TaskAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.attempts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

// UpdateAttempt условно обновляет попытку.
func (s *MemoryStore) UpdateAttempt(_ context.Context, attempt *domain.TaskAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.attempts[attempt.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Revision != attempt.Revision {
		return guard.ErrConflict
	}
	attempt.Revision++
	s.attempts[attempt.ID] = attempt.Clone()
	return nil
}

// ListAttempts возвращает попытки по фильтру, упорядоченные по номеру.
func (s *MemoryStore) ListAttempts(_ context.Context, filter AttemptFilter) ([]*domain.TaskAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.TaskAttempt
	for _, a := range s.attempts {
		if filter.match(a) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TaskRunID != out[j].TaskRunID {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Number < out[j].Number
	})
	return out, nil
}

// sortTasks упорядочивает tasks по адресу.
func sortTasks(tasks []*domain.Task) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Path.Compare(tasks[j].Path) < 0 })
}

// --- Events ---

// AddEvent добавляет событие в журнал run.
func (s *MemoryStore) AddEvent(_ context.Context, ev *domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *ev
	s.events[ev.RunID] = append(s.events[ev.RunID], &c)
	return nil
}

// ListEvents возвращает последние limit событий run в хронологическом порядке.
func (s *MemoryStore) ListEvents(_ context.Context, runID uuid.UUID, limit int) ([]*domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[runID]
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	out := make([]*domain.Event, len(events))
	for i, ev := range events {
		c := *ev
		out[i] = &c
	}
	return out, nil
}
