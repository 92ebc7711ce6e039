package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/shaiso/Tapestry/internal/config"
	"github.com/shaiso/Tapestry/internal/domain"
	"github.com/shaiso/Tapestry/internal/guard"
	"github.com/shaiso/Tapestry/internal/repo"
	"github.com/shaiso/Tapestry/internal/worker"
)

// --- Test doubles ---

type fakeResolver map[string]*domain.Template

func (f fakeResolver) Resolve(_ context.Context, ref string) (*domain.Template, error) {
	t, ok := f[ref]
	if !ok {
		return nil, fmt.Errorf("template %q: %w", ref, repo.ErrNotFound)
	}
	return t, nil
}

// fakeWorker выполняет "echo ..." мгновенно. script может подменить
// результат n-го dispatch одной task (n с единицы).
type fakeWorker struct {
	mu        sync.Mutex
	calls     map[uuid.UUID]int
	published map[uuid.UUID]int
	results   map[string]worker.PollResult
	requests  []domain.AttemptRequest
	cancelled []string
	script    func(req domain.AttemptRequest, n int) (worker.PollResult, bool)
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{
		calls:     make(map[uuid.UUID]int),
		published: make(map[uuid.UUID]int),
		results:   make(map[string]worker.PollResult),
	}
}

func (w *fakeWorker) Dispatch(_ context.Context, req domain.AttemptRequest) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.published[req.AttemptID]++
	handle := req.AttemptID.String()
	if _, ok := w.results[handle]; ok {
		return handle, nil
	}

	w.calls[req.TaskID]++
	w.requests = append(w.requests, req)

	res := echo(req)
	if w.script != nil {
		if r, ok := w.script(req, w.calls[req.TaskID]); ok {
			res = r
		}
	}
	w.results[handle] = res
	return handle, nil
}

func (w *fakeWorker) Poll(_ context.Context, handle string) (worker.PollResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	res, ok := w.results[handle]
	if !ok {
		return worker.PollResult{}, worker.ErrUnknownHandle
	}
	return res, nil
}

func (w *fakeWorker) Cancel(_ context.Context, handle string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancelled = append(w.cancelled, handle)
	return nil
}

// duplicates возвращает попытки, отправленные больше одного раза.
func (w *fakeWorker) duplicates() map[uuid.UUID]int {
	w.mu.Lock()
	defer w.mu.Unlock()
	dup := make(map[uuid.UUID]int)
	for id, n := range w.published {
		if n > 1 {
			dup[id] = n
		}
	}
	return dup
}

func (w *fakeWorker) dispatches() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.requests)
}

// echo возвращает аргументы команды как stdout.
func echo(req domain.AttemptRequest) worker.PollResult {
	out := strings.TrimSpace(strings.TrimPrefix(req.Command, "echo"))
	outputs := make(map[string]any, len(req.Outputs))
	for _, p := range req.Outputs {
		if !p.IsScatter() {
			outputs[p.Channel] = out
			continue
		}
		items := []any{}
		for _, f := range strings.Fields(out) {
			items = append(items, f)
		}
		outputs[p.Channel] = items
	}
	return worker.PollResult{State: worker.StateSucceeded, Outputs: outputs}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	cfg    Config
	o      *Orchestrator
	store  *repo.MemoryStore
	worker *fakeWorker
	clock  *fakeClock
}

func newHarness(t *testing.T, templates fakeResolver, mutate func(*Config)) *harness {
	t.Helper()

	h := &harness{
		store:  repo.NewMemoryStore(),
		worker: newFakeWorker(),
		clock:  &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)},
	}
	cfg := Config{
		Store:         h.store,
		Templates:     templates,
		Worker:        h.worker,
		MaxRetries:    config.RetryLimits{Analysis: 1, System: 10, Timeout: 0},
		GuardAttempts: 5,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:         h.clock.Now,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.cfg = cfg
	h.o = New(cfg)
	return h
}

// peers создаёт n экземпляров поверх того же хранилища и воркера.
func (h *harness) peers(n int) []*Orchestrator {
	out := make([]*Orchestrator, n)
	for i := range out {
		out[i] = New(h.cfg)
	}
	return out
}

// tickUntil тикает, пока корневой run не станет терминальным.
func (h *harness) tickUntil(t *testing.T, rootID uuid.UUID, maxTicks int) *domain.Run {
	t.Helper()
	ctx := context.Background()

	for i := 0; i < maxTicks; i++ {
		if err := h.o.Tick(ctx); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		root, err := h.store.GetRun(ctx, rootID)
		if err != nil {
			t.Fatalf("get root: %v", err)
		}
		if root.Status.IsTerminal() {
			return root
		}
	}
	root, _ := h.store.GetRun(ctx, rootID)
	t.Fatalf("run did not finish after %d ticks, status %s", maxTicks, root.Status)
	return nil
}

func (h *harness) tick(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := h.o.Tick(context.Background()); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
}

func (h *harness) step(t *testing.T, rootID uuid.UUID, name string) *domain.Run {
	t.Helper()
	runs, err := h.store.ListRuns(context.Background(), repo.RunFilter{RootID: &rootID})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	for _, r := range runs {
		if r.Name == name && r.ID != rootID {
			return r
		}
	}
	t.Fatalf("step %q not found", name)
	return nil
}

func (h *harness) taskRuns(t *testing.T, stepID uuid.UUID) []*domain.TaskRun {
	t.Helper()
	trs, err := h.store.ListTaskRuns(context.Background(), repo.TaskRunFilter{StepRunID: &stepID})
	if err != nil {
		t.Fatalf("list task runs: %v", err)
	}
	return trs
}

// --- Templates ---

// scatterGather: say запускается на каждый элемент i, join собирает
// все слова в одну task и разбивает вывод обратно в массив.
func scatterGather() *domain.Template {
	return &domain.Template{
		ID:      uuid.New(),
		Name:    "scatter-gather",
		Inputs:  []domain.InputPort{{Channel: "i", Type: domain.TypeInteger}},
		Outputs: []domain.OutputPort{{Channel: "all", Type: domain.TypeString, Mode: "scatter"}},
		Steps: []domain.Template{
			{
				Name:    "say",
				Command: "echo {{ .i }}",
				Inputs:  []domain.InputPort{{Channel: "i", Type: domain.TypeInteger}},
				Outputs: []domain.OutputPort{{
					Channel: "word",
					Type:    domain.TypeString,
					Source:  domain.OutputSource{Stream: "stdout"},
				}},
			},
			{
				Name:    "join",
				Command: "echo {{ .word }}",
				Inputs:  []domain.InputPort{{Channel: "word", Type: domain.TypeString, Mode: "gather"}},
				Outputs: []domain.OutputPort{{
					Channel: "all",
					Type:    domain.TypeString,
					Mode:    "scatter",
					Source:  domain.OutputSource{Stream: "stdout"},
					Parser:  &domain.OutputParser{Type: "delimited", Delimiter: " "},
				}},
			},
		},
	}
}

// singleStep — шаблон из одного шага с входом по умолчанию.
func singleStep(name string) *domain.Template {
	return &domain.Template{
		ID:      uuid.New(),
		Name:    name,
		Command: "echo {{ .msg }}",
		Inputs:  []domain.InputPort{{Channel: "msg", Type: domain.TypeString, Data: "hello"}},
		Outputs: []domain.OutputPort{{
			Channel: "out",
			Type:    domain.TypeString,
			Source:  domain.OutputSource{Stream: "stdout"},
		}},
	}
}

// pair — два независимых шага: fast и slow.
func pair() *domain.Template {
	leaf := func(name string) domain.Template {
		return domain.Template{
			Name:    name,
			Command: "echo " + name,
			Outputs: []domain.OutputPort{{Channel: name + "_out", Type: domain.TypeString}},
		}
	}
	return &domain.Template{
		ID:      uuid.New(),
		Name:    "pair",
		Outputs: []domain.OutputPort{{Channel: "fast_out", Type: domain.TypeString}},
		Steps:   []domain.Template{leaf("fast"), leaf("slow")},
	}
}

func scriptFor(step string, fn func(n int) worker.PollResult) func(domain.AttemptRequest, int) (worker.PollResult, bool) {
	return func(req domain.AttemptRequest, n int) (worker.PollResult, bool) {
		if !strings.Contains(req.Command, step) {
			return worker.PollResult{}, false
		}
		return fn(n), true
	}
}

// --- Scenario A: scatter then gather ---

func TestScatterGather(t *testing.T) {
	h := newHarness(t, fakeResolver{"sg": scatterGather()}, nil)
	ctx := context.Background()

	root, err := h.o.CreateRun(ctx, CreateRunRequest{
		Template: "sg",
		Inputs:   map[string]any{"i": []any{0, 1, 2}},
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	root = h.tickUntil(t, root.ID, 20)
	if root.Status != domain.RunStatusFinished {
		t.Fatalf("expected FINISHED, got %s (%s)", root.Status, root.Error)
	}

	// Дерево выхода say: листья по адресам [(i,3)]
	say := h.step(t, root.ID, "say")
	if say.TaskCount != 3 {
		t.Errorf("say: expected 3 tasks, got %d", say.TaskCount)
	}
	rec, err := h.store.GetTree(ctx, say.Outputs[0].TreeID)
	if err != nil {
		t.Fatalf("GetTree: %v", err)
	}
	for i, want := range []string{"0", "1", "2"} {
		obj, err := rec.Tree.DataObject(domain.Path{{Index: i, Degree: 3}})
		if err != nil {
			t.Fatalf("leaf %d: %v", i, err)
		}
		if obj.Value != want {
			t.Errorf("leaf %d: expected %q, got %v", i, want, obj.Value)
		}
	}

	// join получил один собранный вход
	join := h.step(t, root.ID, "join")
	if join.TaskCount != 1 {
		t.Errorf("join: expected 1 task, got %d", join.TaskCount)
	}

	snap, err := h.o.GetRunStatus(ctx, root.ID)
	if err != nil {
		t.Fatalf("GetRunStatus: %v", err)
	}
	if diff := cmp.Diff([]any{"0", "1", "2"}, snap.Outputs["all"]); diff != "" {
		t.Errorf("gathered output mismatch (-want +got):\n%s", diff)
	}
	if len(snap.Steps) != 2 || snap.Steps[0].Run.Name != "say" || snap.Steps[1].Run.Name != "join" {
		t.Errorf("snapshot steps should follow template order")
	}
	if snap.Steps[0].Tasks == nil || snap.Steps[0].Tasks.Succeeded != 3 {
		t.Errorf("say task counts: %+v", snap.Steps[0].Tasks)
	}
}

func TestScatterGather_EmptyInput(t *testing.T) {
	h := newHarness(t, fakeResolver{"sg": scatterGather()}, nil)
	ctx := context.Background()

	root, err := h.o.CreateRun(ctx, CreateRunRequest{
		Template: "sg",
		Inputs:   map[string]any{"i": []any{}},
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	root = h.tickUntil(t, root.ID, 20)
	if root.Status != domain.RunStatusFinished {
		t.Fatalf("expected FINISHED, got %s (%s)", root.Status, root.Error)
	}

	say := h.step(t, root.ID, "say")
	if say.TaskCount != 0 {
		t.Errorf("empty scatter should spawn no tasks, got %d", say.TaskCount)
	}

	snap, err := h.o.GetRunStatus(ctx, root.ID)
	if err != nil {
		t.Fatalf("GetRunStatus: %v", err)
	}
	if diff := cmp.Diff([]any{}, snap.Outputs["all"]); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

// --- Several schedulers on one store ---

func TestConcurrentSchedulers_Converge(t *testing.T) {
	const instances = 4
	h := newHarness(t, fakeResolver{"sg": scatterGather()}, func(c *Config) { c.GuardAttempts = 10 })
	ctx := context.Background()

	root, err := h.o.CreateRun(ctx, CreateRunRequest{
		Template: "sg",
		Inputs:   map[string]any{"i": []any{0, 1, 2}},
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	var wg sync.WaitGroup
	for _, o := range h.peers(instances) {
		wg.Add(1)
		go func(o *Orchestrator) {
			defer wg.Done()
			for i := 0; i < 40; i++ {
				if err := o.Tick(ctx); err != nil {
					t.Errorf("tick: %v", err)
					return
				}
				r, err := h.store.GetRun(ctx, root.ID)
				if err != nil {
					t.Errorf("get root: %v", err)
					return
				}
				if r.Status.IsTerminal() {
					return
				}
			}
		}(o)
	}
	wg.Wait()

	final, err := h.store.GetRun(ctx, root.ID)
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	if final.Status != domain.RunStatusFinished {
		t.Fatalf("expected FINISHED, got %s (%s)", final.Status, final.Error)
	}

	for name, want := range map[string]int{"say": 3, "join": 1} {
		step := h.step(t, root.ID, name)
		tasks, err := h.store.ListTasks(ctx, step.ID, step.Generation)
		if err != nil {
			t.Fatalf("ListTasks %s: %v", name, err)
		}
		if len(tasks) != want {
			t.Errorf("%s: expected %d tasks, got %d", name, want, len(tasks))
		}
		for _, tr := range h.taskRuns(t, step.ID) {
			if len(tr.Attempts) != 1 {
				t.Errorf("%s: task run %s has %d attempts", name, tr.ID, len(tr.Attempts))
			}
		}
	}

	if dup := h.worker.duplicates(); len(dup) != 0 {
		t.Errorf("attempts sent to the worker more than once: %v", dup)
	}

	snap, err := h.o.GetRunStatus(ctx, root.ID)
	if err != nil {
		t.Fatalf("GetRunStatus: %v", err)
	}
	if diff := cmp.Diff([]any{"0", "1", "2"}, snap.Outputs["all"]); diff != "" {
		t.Errorf("gathered output mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatchAttempt_OnlyClaimWinnerDispatches(t *testing.T) {
	h := newHarness(t, fakeResolver{"sg": scatterGather()}, nil)
	ctx := context.Background()

	root, err := h.o.CreateRun(ctx, CreateRunRequest{
		Template: "sg",
		Inputs:   map[string]any{"i": []any{0, 1, 2}},
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := h.o.stepPass(ctx, newRunCache(h.store)); err != nil {
		t.Fatalf("step pass: %v", err)
	}
	say := h.step(t, root.ID, "say")
	if n := len(h.taskRuns(t, say.ID)); n != 3 {
		t.Fatalf("expected 3 task runs, got %d", n)
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	for _, o := range h.peers(4) {
		wg.Add(1)
		go func(o *Orchestrator) {
			defer wg.Done()
			<-start
			if err := o.taskPass(ctx, newRunCache(h.store)); err != nil {
				t.Errorf("task pass: %v", err)
			}
		}(o)
	}
	close(start)
	wg.Wait()

	if dup := h.worker.duplicates(); len(dup) != 0 {
		t.Errorf("attempts sent to the worker more than once: %v", dup)
	}
	if n := h.worker.dispatches(); n != 3 {
		t.Errorf("expected 3 dispatches, got %d", n)
	}
	for _, tr := range h.taskRuns(t, say.ID) {
		a, err := h.store.GetAttempt(ctx, tr.ActiveAttemptID)
		if err != nil {
			t.Fatalf("GetAttempt: %v", err)
		}
		if a.Status != domain.AttemptStatusRunning || a.WorkerRef == "" {
			t.Errorf("attempt %s: status %s, worker ref %q", a.ID, a.Status, a.WorkerRef)
		}
	}
}

// --- Scenario B: missing inputs ---

func TestCreateRun_MissingInputs(t *testing.T) {
	tmpl := &domain.Template{
		ID:     uuid.New(),
		Name:   "wf",
		Inputs: []domain.InputPort{{Channel: "reference", Type: domain.TypeFile}},
		Steps: []domain.Template{{
			Name:    "count",
			Command: "wc -l {{ .reads }}",
			Inputs: []domain.InputPort{
				{Channel: "reads", Type: domain.TypeString},
				{Channel: "reference", Type: domain.TypeFile},
			},
		}},
	}
	h := newHarness(t, fakeResolver{"wf": tmpl}, nil)
	ctx := context.Background()

	_, err := h.o.CreateRun(ctx, CreateRunRequest{Template: "wf"})

	var missing *MissingInputsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingInputsError, got %v", err)
	}
	if !errors.Is(err, ErrMissingInputs) {
		t.Error("error should match ErrMissingInputs")
	}
	want := []string{"wf.reference", "wf/count.reads", "wf/count.reference"}
	if diff := cmp.Diff(want, missing.Channels); diff != "" {
		t.Errorf("missing channels mismatch (-want +got):\n%s", diff)
	}

	runs, _ := h.store.ListRuns(ctx, repo.RunFilter{})
	trs, _ := h.store.ListTaskRuns(ctx, repo.TaskRunFilter{})
	if len(runs) != 0 || len(trs) != 0 {
		t.Errorf("nothing should be persisted, got %d runs and %d task runs", len(runs), len(trs))
	}
}

func TestCreateRun_RejectsBadInputs(t *testing.T) {
	h := newHarness(t, fakeResolver{"sg": scatterGather()}, nil)
	ctx := context.Background()

	_, err := h.o.CreateRun(ctx, CreateRunRequest{Template: "sg", Inputs: map[string]any{"j": 1}})
	if !errors.Is(err, ErrUnknownInput) {
		t.Errorf("expected ErrUnknownInput, got %v", err)
	}

	_, err = h.o.CreateRun(ctx, CreateRunRequest{Template: "sg", Inputs: map[string]any{"i": "seven"}})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}

	_, err = h.o.CreateRun(ctx, CreateRunRequest{Template: "missing"})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("expected lookup error, got %v", err)
	}
}

func TestCreateRun_GraphShape(t *testing.T) {
	h := newHarness(t, fakeResolver{"sg": scatterGather()}, nil)
	ctx := context.Background()

	root, err := h.o.CreateRun(ctx, CreateRunRequest{
		Template: "sg",
		Inputs:   map[string]any{"i": []any{1}},
		Name:     "my run",
		Tags:     []string{"nightly"},
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	if root.Name != "my run" || !root.IsRoot() || root.RootID != root.ID {
		t.Errorf("unexpected root: %+v", root)
	}
	if len(root.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(root.Steps))
	}

	say := h.step(t, root.ID, "say")
	join := h.step(t, root.ID, "join")
	if root.Steps[0] != say.ID || root.Steps[1] != join.ID {
		t.Error("steps should be stored in template order")
	}
	if *say.ParentID != root.ID || say.RootID != root.ID {
		t.Error("step back-references should point at the root")
	}

	// join читает дерево, которым владеет say
	in, _ := join.Input("word")
	out, _ := say.Output("word")
	if in.TreeID != out.TreeID || in.Owned || !out.Owned {
		t.Errorf("join.word should reference say.word: in=%+v out=%+v", in, out)
	}

	// Выход workflow ссылается на дерево join
	wfOut, _ := root.Output("all")
	joinOut, _ := join.Output("all")
	if wfOut.TreeID != joinOut.TreeID || wfOut.Owned {
		t.Errorf("workflow output should reference join.all")
	}

	ids, err := h.store.FindByTag(ctx, domain.TagTargetRun, "nightly")
	if err != nil || len(ids) != 1 || ids[0] != root.ID {
		t.Errorf("run should be tagged, got %v %v", ids, err)
	}
}

// --- Scenario C: concurrent writers ---

func TestUpdateTaskRun_ConcurrentWriterRetries(t *testing.T) {
	var conflicts int
	h := newHarness(t, fakeResolver{"one": singleStep("one")}, nil)
	h.o.policy.OnConflict = func() { conflicts++ }
	ctx := context.Background()

	root, err := h.o.CreateRun(ctx, CreateRunRequest{Template: "one"})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	h.tick(t, 1)

	trs := h.taskRuns(t, root.ID)
	if len(trs) != 1 {
		t.Fatalf("expected 1 task run, got %d", len(trs))
	}
	id := trs[0].ID

	// Писатель B читает, писатель A успевает записать между чтением и записью B
	loads := 0
	load := func(ctx context.Context) (*domain.TaskRun, error) {
		tr, err := h.store.GetTaskRun(ctx, id)
		loads++
		if loads == 1 {
			other, _ := h.store.GetTaskRun(ctx, id)
			other.RecordFailure(domain.FailureSystem)
			if err := h.store.UpdateTaskRun(ctx, other); err != nil {
				t.Fatalf("writer A: %v", err)
			}
		}
		return tr, err
	}

	got, err := guard.Update(ctx, h.o.policy, load,
		func(tr *domain.TaskRun) error {
			tr.RecordFailure(domain.FailureAnalysis)
			return nil
		},
		h.store.UpdateTaskRun,
	)
	if err != nil {
		t.Fatalf("writer B: %v", err)
	}

	if conflicts != 1 || loads != 2 {
		t.Errorf("expected one conflict and one re-read, got conflicts=%d loads=%d", conflicts, loads)
	}
	stored, _ := h.store.GetTaskRun(ctx, id)
	if stored.Failures[domain.FailureSystem] != 1 || stored.Failures[domain.FailureAnalysis] != 1 {
		t.Errorf("lost update: %+v", stored.Failures)
	}
	if stored.Revision != got.Revision {
		t.Errorf("returned revision %d, stored %d", got.Revision, stored.Revision)
	}
}

func TestReportAttemptStatus_ConcurrentReportsConverge(t *testing.T) {
	h := newHarness(t, fakeResolver{"one": singleStep("one")}, nil)
	h.worker.script = func(domain.AttemptRequest, int) (worker.PollResult, bool) {
		return worker.PollResult{State: worker.StatePending}, true
	}
	ctx := context.Background()

	root, err := h.o.CreateRun(ctx, CreateRunRequest{Template: "one"})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	h.tick(t, 1)

	tr := h.taskRuns(t, root.ID)[0]
	report := domain.AttemptReport{Status: domain.AttemptStatusFailed, Error: "exit status 1"}

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.o.ReportAttemptStatus(ctx, tr.ActiveAttemptID, report)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("report: %v", err)
		}
	}

	stored, _ := h.store.GetTaskRun(ctx, tr.ID)
	if len(stored.Attempts) != 2 {
		t.Errorf("one failure must schedule exactly one retry, got %d attempts", len(stored.Attempts))
	}
	if stored.Failures[domain.FailureAnalysis] != 1 {
		t.Errorf("failure counted %d times", stored.Failures[domain.FailureAnalysis])
	}
}

// --- Scenario D: retries ---

func TestRetry_SucceedsOnThirdAttempt(t *testing.T) {
	h := newHarness(t, fakeResolver{"one": singleStep("one")}, func(c *Config) {
		c.MaxRetries.Analysis = 2
	})
	h.worker.script = func(req domain.AttemptRequest, n int) (worker.PollResult, bool) {
		if n <= 2 {
			return worker.PollResult{State: worker.StateFailed, Error: fmt.Sprintf("boom %d", n)}, true
		}
		return worker.PollResult{}, false
	}
	ctx := context.Background()

	root, err := h.o.CreateRun(ctx, CreateRunRequest{Template: "one"})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	root = h.tickUntil(t, root.ID, 20)
	if root.Status != domain.RunStatusFinished {
		t.Fatalf("expected FINISHED, got %s (%s)", root.Status, root.Error)
	}

	trs := h.taskRuns(t, root.ID)
	if len(trs) != 1 || trs[0].Status != domain.TaskRunStatusSucceeded {
		t.Fatalf("expected one succeeded task run, got %+v", trs)
	}
	attempts, err := h.o.ListAttempts(ctx, trs[0].ID)
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	if len(attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(attempts))
	}
	for i, a := range attempts {
		want := domain.AttemptStatusFailed
		if i == 2 {
			want = domain.AttemptStatusSucceeded
		}
		if a.Number != i+1 || a.Status != want {
			t.Errorf("attempt %d: number=%d status=%s", i, a.Number, a.Status)
		}
	}

	snap, _ := h.o.GetRunStatus(ctx, root.ID)
	if snap.Outputs["out"] != "hello" {
		t.Errorf("expected output hello, got %v", snap.Outputs["out"])
	}
}

func TestRetry_ExhaustedKeepsLastReason(t *testing.T) {
	h := newHarness(t, fakeResolver{"one": singleStep("one")}, nil)
	h.worker.script = func(req domain.AttemptRequest, n int) (worker.PollResult, bool) {
		return worker.PollResult{State: worker.StateFailed, Error: fmt.Sprintf("boom %d", n)}, true
	}
	ctx := context.Background()

	root, err := h.o.CreateRun(ctx, CreateRunRequest{Template: "one"})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	root = h.tickUntil(t, root.ID, 20)
	if root.Status != domain.RunStatusFailed {
		t.Fatalf("expected FAILED, got %s", root.Status)
	}
	if root.Error != "boom 2" {
		t.Errorf("expected last attempt reason, got %q", root.Error)
	}

	tr := h.taskRuns(t, root.ID)[0]
	if tr.Status != domain.TaskRunStatusFailed || len(tr.Attempts) != 2 {
		t.Errorf("analysis limit 1 allows two attempts, got %s with %d", tr.Status, len(tr.Attempts))
	}
	if h.worker.dispatches() != 2 {
		t.Errorf("expected 2 dispatches, got %d", h.worker.dispatches())
	}
}

func TestRetry_SystemFailureBacksOff(t *testing.T) {
	h := newHarness(t, fakeResolver{"one": singleStep("one")}, nil)
	h.worker.script = func(req domain.AttemptRequest, n int) (worker.PollResult, bool) {
		if n == 1 {
			return worker.PollResult{State: worker.StateFailed, Kind: domain.FailureSystem, Error: "node lost"}, true
		}
		return worker.PollResult{}, false
	}
	ctx := context.Background()

	root, err := h.o.CreateRun(ctx, CreateRunRequest{Template: "one"})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	h.tick(t, 3)
	tr := h.taskRuns(t, root.ID)[0]
	if tr.NotBefore == nil || !tr.NotBefore.Equal(h.clock.Now().Add(2*time.Second)) {
		t.Fatalf("first system failure should delay by 2s, got %v", tr.NotBefore)
	}
	if h.worker.dispatches() != 1 {
		t.Fatalf("retry must wait for backoff, got %d dispatches", h.worker.dispatches())
	}

	h.clock.Advance(3 * time.Second)
	root = h.tickUntil(t, root.ID, 10)
	if root.Status != domain.RunStatusFinished {
		t.Fatalf("expected FINISHED, got %s (%s)", root.Status, root.Error)
	}
	if h.worker.dispatches() != 2 {
		t.Errorf("expected 2 dispatches, got %d", h.worker.dispatches())
	}
}

func TestTaskTimeout(t *testing.T) {
	tmpl := singleStep("slow")
	tmpl.TimeoutHours = 1
	h := newHarness(t, fakeResolver{"slow": tmpl}, nil)
	h.worker.script = func(domain.AttemptRequest, int) (worker.PollResult, bool) {
		return worker.PollResult{State: worker.StatePending, Alive: true}, true
	}
	ctx := context.Background()

	root, err := h.o.CreateRun(ctx, CreateRunRequest{Template: "slow"})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	h.tick(t, 2)

	h.clock.Advance(2 * time.Hour)
	root = h.tickUntil(t, root.ID, 5)
	if root.Status != domain.RunStatusFailed {
		t.Fatalf("expected FAILED, got %s", root.Status)
	}

	tr := h.taskRuns(t, root.ID)[0]
	if tr.FailureKind != domain.FailureTimeout || !strings.Contains(tr.Error, "timeout") {
		t.Errorf("expected timeout failure, got %s: %s", tr.FailureKind, tr.Error)
	}
	if len(h.worker.cancelled) != 1 {
		t.Errorf("timed out attempt should be cancelled, got %v", h.worker.cancelled)
	}
}

// --- Reports and heartbeats ---

func TestReportAttemptStatus_AppliesPushedResult(t *testing.T) {
	h := newHarness(t, fakeResolver{"one": singleStep("one")}, nil)
	h.worker.script = func(domain.AttemptRequest, int) (worker.PollResult, bool) {
		return worker.PollResult{State: worker.StatePending}, true
	}
	ctx := context.Background()

	root, err := h.o.CreateRun(ctx, CreateRunRequest{Template: "one"})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	h.tick(t, 2)

	tr := h.taskRuns(t, root.ID)[0]
	report := domain.AttemptReport{
		Status:  domain.AttemptStatusSucceeded,
		Outputs: map[string]any{"out": "pushed"},
	}
	if err := h.o.ReportAttemptStatus(ctx, tr.ActiveAttemptID, report); err != nil {
		t.Fatalf("report: %v", err)
	}

	stored, _ := h.store.GetTaskRun(ctx, tr.ID)
	if stored.Status != domain.TaskRunStatusSucceeded {
		t.Fatalf("report should be applied immediately, got %s", stored.Status)
	}

	// Повтор того же отчёта — no-op, другой статус — ошибка
	if err := h.o.ReportAttemptStatus(ctx, tr.ActiveAttemptID, report); err != nil {
		t.Errorf("duplicate report: %v", err)
	}
	err = h.o.ReportAttemptStatus(ctx, tr.ActiveAttemptID, domain.AttemptReport{Status: domain.AttemptStatusFailed})
	if !errors.Is(err, ErrAttemptFinished) {
		t.Errorf("expected ErrAttemptFinished, got %v", err)
	}
	err = h.o.ReportAttemptStatus(ctx, tr.ActiveAttemptID, domain.AttemptReport{Status: "DONE"})
	if !errors.Is(err, ErrInvalidReport) {
		t.Errorf("expected ErrInvalidReport, got %v", err)
	}

	root = h.tickUntil(t, root.ID, 5)
	snap, _ := h.o.GetRunStatus(ctx, root.ID)
	if snap.Outputs["out"] != "pushed" {
		t.Errorf("expected pushed output, got %v", snap.Outputs["out"])
	}
}

func TestCheckStalled(t *testing.T) {
	h := newHarness(t, fakeResolver{"one": singleStep("one")}, func(c *Config) {
		c.HeartbeatTimeout = time.Minute
	})
	h.worker.script = func(domain.AttemptRequest, int) (worker.PollResult, bool) {
		return worker.PollResult{State: worker.StatePending}, true
	}
	ctx := context.Background()

	root, err := h.o.CreateRun(ctx, CreateRunRequest{Template: "one"})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	h.tick(t, 1)
	tr := h.taskRuns(t, root.ID)[0]

	// Heartbeat продлевает жизнь попытки
	h.clock.Advance(50 * time.Second)
	if err := h.o.Heartbeat(ctx, tr.ActiveAttemptID); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	h.clock.Advance(50 * time.Second)
	if n, err := h.o.CheckStalled(ctx); err != nil || n != 0 {
		t.Fatalf("attempt is alive, got %d %v", n, err)
	}

	h.clock.Advance(2 * time.Minute)
	n, err := h.o.CheckStalled(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 stalled attempt, got %d %v", n, err)
	}

	a, _ := h.store.GetAttempt(ctx, tr.ActiveAttemptID)
	if a.Status != domain.AttemptStatusFailed || a.FailureKind != domain.FailureSystem {
		t.Errorf("stalled attempt should fail as system, got %s %s", a.Status, a.FailureKind)
	}
	stored, _ := h.store.GetTaskRun(ctx, tr.ID)
	if len(stored.Attempts) != 2 || stored.NotBefore == nil {
		t.Errorf("system failure should schedule a delayed retry: %+v", stored)
	}
}

// --- Kill, retry, sibling policy ---

func TestKillRun(t *testing.T) {
	h := newHarness(t, fakeResolver{"sg": scatterGather()}, nil)
	h.worker.script = func(domain.AttemptRequest, int) (worker.PollResult, bool) {
		return worker.PollResult{State: worker.StatePending, Alive: true}, true
	}
	ctx := context.Background()

	root, err := h.o.CreateRun(ctx, CreateRunRequest{Template: "sg", Inputs: map[string]any{"i": []any{1, 2}}})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	h.tick(t, 2)

	say := h.step(t, root.ID, "say")
	if _, err := h.o.KillRun(ctx, say.ID, ""); err != nil {
		t.Fatalf("KillRun: %v", err)
	}
	if _, err := h.o.KillRun(ctx, root.ID, ""); !errors.Is(err, ErrRunFinished) {
		t.Errorf("second kill should fail with ErrRunFinished, got %v", err)
	}
	h.tick(t, 2)

	runs, _ := h.store.ListRuns(ctx, repo.RunFilter{RootID: &root.ID})
	for _, r := range runs {
		if r.Status != domain.RunStatusKilled {
			t.Errorf("run %s: expected KILLED, got %s", r.Name, r.Status)
		}
	}
	for _, tr := range h.taskRuns(t, say.ID) {
		if tr.Status != domain.TaskRunStatusKilled {
			t.Errorf("task run %s: expected KILLED, got %s", tr.ID, tr.Status)
		}
	}
	if len(h.worker.cancelled) != 2 {
		t.Errorf("both attempts should be cancelled, got %v", h.worker.cancelled)
	}

	active, err := h.o.ListActive(ctx, &root.ID)
	if err != nil || len(active) != 0 {
		t.Errorf("nothing should stay active, got %v %v", active, err)
	}
}

func TestRetryStepRun(t *testing.T) {
	h := newHarness(t, fakeResolver{"sg": scatterGather()}, func(c *Config) {
		c.MaxRetries.Analysis = 0
	})
	broken := true
	h.worker.script = scriptFor("echo 1", func(int) worker.PollResult {
		if broken {
			return worker.PollResult{State: worker.StateFailed, Error: "exit status 2"}
		}
		return worker.PollResult{State: worker.StateSucceeded, Outputs: map[string]any{"word": "1"}}
	})
	ctx := context.Background()

	root, err := h.o.CreateRun(ctx, CreateRunRequest{Template: "sg", Inputs: map[string]any{"i": []any{0, 1}}})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	root = h.tickUntil(t, root.ID, 20)
	if root.Status != domain.RunStatusFailed || !strings.Contains(root.Error, "exit status 2") {
		t.Fatalf("expected FAILED with the step reason, got %s (%s)", root.Status, root.Error)
	}
	h.tick(t, 1)
	join := h.step(t, root.ID, "join")
	if join.Status != domain.RunStatusKilled {
		t.Errorf("join never started and should be KILLED, got %s", join.Status)
	}

	say := h.step(t, root.ID, "say")
	if _, err := h.o.RetryStepRun(ctx, root.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("workflow runs cannot be retried directly, got %v", err)
	}

	broken = false
	retried, err := h.o.RetryStepRun(ctx, say.ID)
	if err != nil {
		t.Fatalf("RetryStepRun: %v", err)
	}
	if retried.Generation != 1 || retried.Status != domain.RunStatusPending {
		t.Errorf("unexpected retried step: %+v", retried)
	}

	root = h.tickUntil(t, root.ID, 20)
	if root.Status != domain.RunStatusFinished {
		t.Fatalf("expected FINISHED after retry, got %s (%s)", root.Status, root.Error)
	}

	snap, _ := h.o.GetRunStatus(ctx, root.ID)
	if diff := cmp.Diff([]any{"0", "1"}, snap.Outputs["all"]); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
	if got := len(h.taskRuns(t, say.ID)); got != 4 {
		t.Errorf("old generation must be kept, expected 4 task runs, got %d", got)
	}
}

func TestSiblingPolicy(t *testing.T) {
	tests := []struct {
		policy        string
		wantSlow      domain.TaskRunStatus
		wantCancelled int
	}{
		{config.SiblingLetFinish, domain.TaskRunStatusRunning, 0},
		{config.SiblingCancel, domain.TaskRunStatusKilled, 1},
	}

	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			h := newHarness(t, fakeResolver{"pair": pair()}, func(c *Config) {
				c.SiblingPolicy = tt.policy
				c.MaxRetries.Analysis = 0
			})
			h.worker.script = func(req domain.AttemptRequest, n int) (worker.PollResult, bool) {
				if req.Command == "echo fast" {
					return worker.PollResult{State: worker.StateFailed, Error: "fast broke"}, true
				}
				return worker.PollResult{State: worker.StatePending, Alive: true}, true
			}
			ctx := context.Background()

			root, err := h.o.CreateRun(ctx, CreateRunRequest{Template: "pair"})
			if err != nil {
				t.Fatalf("CreateRun: %v", err)
			}
			root = h.tickUntil(t, root.ID, 10)
			if root.Status != domain.RunStatusFailed {
				t.Fatalf("expected FAILED, got %s", root.Status)
			}
			h.tick(t, 2)

			slow := h.step(t, root.ID, "slow")
			trs := h.taskRuns(t, slow.ID)
			if len(trs) != 1 || trs[0].Status != tt.wantSlow {
				t.Errorf("slow task run: expected %s, got %+v", tt.wantSlow, trs)
			}
			if len(h.worker.cancelled) != tt.wantCancelled {
				t.Errorf("expected %d cancellations, got %v", tt.wantCancelled, h.worker.cancelled)
			}
		})
	}
}

// --- Dispatcher ---

func TestDispatcher_Idempotent(t *testing.T) {
	h := newHarness(t, fakeResolver{"sg": scatterGather()}, nil)
	ctx := context.Background()

	root, err := h.o.CreateRun(ctx, CreateRunRequest{Template: "sg", Inputs: map[string]any{"i": []any{0, 1, 2}}})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	say := h.step(t, root.ID, "say")

	first, err := h.o.dispatcher.Dispatch(ctx, say)
	if err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	second, err := h.o.dispatcher.Dispatch(ctx, say)
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}

	if first.Created != 3 || first.Expected != 3 {
		t.Errorf("first dispatch: %+v", first)
	}
	if second.Created != 0 || second.Expected != 3 {
		t.Errorf("second dispatch must not create tasks: %+v", second)
	}

	tasks, _ := h.store.ListTasks(ctx, say.ID, 0)
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	for i, task := range tasks {
		want := fmt.Sprintf("echo %d", i)
		if task.Command != want {
			t.Errorf("task %d: expected %q, got %q", i, want, task.Command)
		}
	}

	// join ждёт незаполненный вход
	join := h.step(t, root.ID, "join")
	if _, err := h.o.dispatcher.Dispatch(ctx, join); err == nil {
		t.Error("join inputs are not ready")
	}
}

func TestConvertOutputs(t *testing.T) {
	ports := []domain.OutputPort{
		{Channel: "n", Type: domain.TypeInteger},
		{Channel: "names", Type: domain.TypeString, Mode: "scatter"},
	}

	got, err := convertOutputs(ports, map[string]any{"n": "42", "names": []any{"a", "b"}})
	if err != nil {
		t.Fatalf("convertOutputs: %v", err)
	}
	if got["n"].Objects[0].Value != int64(42) || got["n"].Scatter {
		t.Errorf("unexpected n: %+v", got["n"])
	}
	if !got["names"].Scatter || len(got["names"].Objects) != 2 {
		t.Errorf("unexpected names: %+v", got["names"])
	}

	if _, err := convertOutputs(ports, map[string]any{"n": 1}); !errors.Is(err, ErrMissingOutput) {
		t.Errorf("expected ErrMissingOutput, got %v", err)
	}
	if _, err := convertOutputs(ports, map[string]any{"n": "x", "names": []any{}}); !errors.Is(err, ErrInvalidOutput) {
		t.Errorf("expected ErrInvalidOutput, got %v", err)
	}
	if _, err := convertOutputs(ports, map[string]any{"n": 1, "names": "a"}); !errors.Is(err, ErrInvalidOutput) {
		t.Errorf("expected ErrInvalidOutput for non-array scatter, got %v", err)
	}
}

// --- Notifications ---

type fakeNotifier struct {
	mu   sync.Mutex
	runs []*domain.Run
	err  error
}

func (n *fakeNotifier) Notify(_ context.Context, run *domain.Run) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.runs = append(n.runs, run)
	if n.err != nil {
		return 0, n.err
	}
	return len(run.NotificationURLs), nil
}

func (n *fakeNotifier) notified() []*domain.Run {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.runs)
}

func hasEvent(t *testing.T, store repo.Store, runID uuid.UUID, message string) bool {
	t.Helper()
	events, err := store.ListEvents(context.Background(), runID, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	for _, ev := range events {
		if ev.Message == message {
			return true
		}
	}
	return false
}

func TestNotify_RootRunFinished(t *testing.T) {
	notifier := &fakeNotifier{}
	h := newHarness(t, fakeResolver{"sg": scatterGather()}, func(cfg *Config) {
		cfg.Notifier = notifier
	})
	ctx := context.Background()

	root, err := h.o.CreateRun(ctx, CreateRunRequest{
		Template:            "sg",
		Inputs:              map[string]any{"i": []any{0, 1}},
		NotificationURLs:    []string{"http://hooks.local/done"},
		NotificationContext: map[string]string{"server_name": "lab"},
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	root = h.tickUntil(t, root.ID, 20)
	h.tick(t, 2)
	h.o.wg.Wait()

	got := notifier.notified()
	if len(got) != 1 {
		t.Fatalf("expected one notification for the root, got %d", len(got))
	}
	if got[0].ID != root.ID || got[0].Status != domain.RunStatusFinished {
		t.Errorf("unexpected notification run %s %s", got[0].Name, got[0].Status)
	}
	if diff := cmp.Diff(map[string]string{"server_name": "lab"}, got[0].NotificationContext); diff != "" {
		t.Errorf("context mismatch (-want +got):\n%s", diff)
	}
	if !hasEvent(t, h.store, root.ID, "Notification sent") {
		t.Error("expected a Notification sent event")
	}
}

func TestNotify_FailureIsBestEffort(t *testing.T) {
	notifier := &fakeNotifier{err: errors.New("hooks.local: connection refused")}
	h := newHarness(t, fakeResolver{"one": singleStep("one")}, func(cfg *Config) {
		cfg.Notifier = notifier
	})
	h.worker.script = func(domain.AttemptRequest, int) (worker.PollResult, bool) {
		return worker.PollResult{State: worker.StateFailed, Error: "boom"}, true
	}
	ctx := context.Background()

	root, err := h.o.CreateRun(ctx, CreateRunRequest{
		Template:         "one",
		NotificationURLs: []string{"http://hooks.local/done"},
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	root = h.tickUntil(t, root.ID, 20)
	h.o.wg.Wait()

	if root.Status != domain.RunStatusFailed {
		t.Fatalf("expected FAILED, got %s", root.Status)
	}
	if len(notifier.notified()) != 1 {
		t.Fatalf("expected one notification, got %d", len(notifier.notified()))
	}
	if !hasEvent(t, h.store, root.ID, "Notification failed") {
		t.Error("delivery error should be recorded as an event")
	}

	after, _ := h.store.GetRun(ctx, root.ID)
	if after.Status != domain.RunStatusFailed {
		t.Errorf("notification must not change run status, got %s", after.Status)
	}
}

func TestNotify_KillRun(t *testing.T) {
	notifier := &fakeNotifier{}
	h := newHarness(t, fakeResolver{"one": singleStep("one")}, func(cfg *Config) {
		cfg.Notifier = notifier
	})
	ctx := context.Background()

	root, err := h.o.CreateRun(ctx, CreateRunRequest{Template: "one"})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if _, err := h.o.KillRun(ctx, root.ID, "stop"); err != nil {
		t.Fatalf("KillRun: %v", err)
	}
	h.tick(t, 2)
	h.o.wg.Wait()

	got := notifier.notified()
	if len(got) != 1 || got[0].Status != domain.RunStatusKilled {
		t.Fatalf("expected one KILLED notification, got %d", len(got))
	}
}

func TestCreateRun_RejectsBadNotificationTarget(t *testing.T) {
	h := newHarness(t, fakeResolver{"one": singleStep("one")}, nil)

	_, err := h.o.CreateRun(context.Background(), CreateRunRequest{
		Template:         "one",
		NotificationURLs: []string{"ops@example.com"},
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}
