package rescan

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vietddude/reducer/internal/core/domain"
	"github.com/vietddude/reducer/internal/indexing/reducer"
	redisclient "github.com/vietddude/reducer/internal/infra/redis"
)

type fakeQueue struct {
	tasks    []redisclient.ReindexTask
	progress map[redisclient.ReindexTask]string
	locks    map[string]string
	saved    []string
}

func newFakeQueue(tasks ...redisclient.ReindexTask) *fakeQueue {
	return &fakeQueue{
		tasks:    tasks,
		progress: make(map[redisclient.ReindexTask]string),
		locks:    make(map[string]string),
	}
}

func (q *fakeQueue) PushReindex(ctx context.Context, t redisclient.ReindexTask) error {
	for _, existing := range q.tasks {
		if existing == t {
			return nil
		}
	}
	q.tasks = append(q.tasks, t)
	return nil
}

func (q *fakeQueue) PopReindex(ctx context.Context) (redisclient.ReindexTask, bool, error) {
	if len(q.tasks) == 0 {
		return redisclient.ReindexTask{}, false, nil
	}
	t := q.tasks[0]
	q.tasks = q.tasks[1:]
	return t, true, nil
}

func (q *fakeQueue) PendingReindex(ctx context.Context) ([]redisclient.ReindexTask, error) {
	return append([]redisclient.ReindexTask(nil), q.tasks...), nil
}

func (q *fakeQueue) RemoveReindex(ctx context.Context, tasks ...redisclient.ReindexTask) error {
	drop := make(map[redisclient.ReindexTask]bool, len(tasks))
	for _, t := range tasks {
		drop[t] = true
	}
	kept := q.tasks[:0]
	for _, t := range q.tasks {
		if !drop[t] {
			kept = append(kept, t)
		}
	}
	q.tasks = kept
	return nil
}

func (q *fakeQueue) GetReindexProgress(ctx context.Context, t redisclient.ReindexTask) (string, error) {
	return q.progress[t], nil
}

func (q *fakeQueue) SetReindexProgress(ctx context.Context, t redisclient.ReindexTask, lastID string, ttl time.Duration) error {
	q.progress[t] = lastID
	q.saved = append(q.saved, lastID)
	return nil
}

func (q *fakeQueue) ClearReindexProgress(ctx context.Context, t redisclient.ReindexTask) error {
	delete(q.progress, t)
	return nil
}

func (q *fakeQueue) AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	if held, ok := q.locks[name]; ok && held != owner {
		return false, nil
	}
	q.locks[name] = owner
	return true, nil
}

func (q *fakeQueue) ReleaseLock(ctx context.Context, name, owner string) error {
	if q.locks[name] == owner {
		delete(q.locks, name)
	}
	return nil
}

func (q *fakeQueue) RefreshLock(ctx context.Context, name string, ttl time.Duration) error {
	return nil
}

type chunk struct {
	lastID string
	err    error
}

// scriptedFull replays one chunk per ReduceAll call.
type scriptedFull struct {
	family domain.Family
	chunks []chunk
	froms  []string
}

func (s *scriptedFull) Family() domain.Family { return s.family }

func (s *scriptedFull) Reduce(ctx context.Context, id string) (reducer.Result, error) {
	return reducer.Result{EntityID: id}, nil
}

func (s *scriptedFull) Rewrite(ctx context.Context, id string) (reducer.Result, error) {
	return reducer.Result{EntityID: id}, nil
}

func (s *scriptedFull) ReduceAll(ctx context.Context, from, prefix string) (reducer.Stats, error) {
	s.froms = append(s.froms, from)
	if len(s.chunks) == 0 {
		return reducer.Stats{LastID: from}, nil
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return reducer.Stats{Checked: 1, LastID: c.lastID}, c.err
}

func (s *scriptedFull) StoredIDs(ctx context.Context, prefix, after string, limit int) ([]string, error) {
	return nil, nil
}

func testConfig() WorkerConfig {
	cfg := DefaultConfig()
	cfg.EmptySleep = time.Millisecond
	cfg.ChunkTimeout = time.Second
	return cfg
}

func balanceTask(prefix string) redisclient.ReindexTask {
	return redisclient.ReindexTask{Family: domain.FamilyBalance, Prefix: prefix}
}

func TestCollapse(t *testing.T) {
	tasks := []redisclient.ReindexTask{
		balanceTask("0xaa:0x01"),
		balanceTask("0xaa:"),
		{Family: domain.FamilyItem, Prefix: "0xaa:"},
		balanceTask("0xbb:"),
		balanceTask("0xaa:0x02"),
	}

	kept, dropped := Collapse(tasks)
	if len(kept) != 3 {
		t.Fatalf("expected 3 kept tasks, got %v", kept)
	}
	if len(dropped) != 2 {
		t.Fatalf("expected 2 dropped tasks, got %v", dropped)
	}
	for _, d := range dropped {
		if d.Family != domain.FamilyBalance || d.Prefix == "0xaa:" {
			t.Errorf("unexpected dropped task %v", d)
		}
	}
}

func TestCovers(t *testing.T) {
	if !Covers(balanceTask(""), balanceTask("0xaa:")) {
		t.Error("empty prefix should cover every id of the family")
	}
	if Covers(balanceTask("0xaa:"), redisclient.ReindexTask{Family: domain.FamilyItem, Prefix: "0xaa:"}) {
		t.Error("tasks of different families never cover each other")
	}
	if Covers(balanceTask("0xaa:0x01"), balanceTask("0xaa:")) {
		t.Error("narrow task should not cover a broad one")
	}
}

func TestWorker_ProcessNextCompletes(t *testing.T) {
	task := balanceTask("0xaa:")
	q := newFakeQueue(task)
	q.progress[task] = "0xaa:0x05"
	full := &scriptedFull{family: domain.FamilyBalance, chunks: []chunk{{lastID: "0xaa:0x09"}}}

	w := NewWorker(testConfig(), q, []reducer.FullReducer{full})
	found, err := w.ProcessNext(context.Background())
	if err != nil || !found {
		t.Fatalf("ProcessNext: found=%v err=%v", found, err)
	}

	if len(full.froms) != 1 || full.froms[0] != "0xaa:0x05" {
		t.Errorf("expected resume from saved progress, got %v", full.froms)
	}
	if _, ok := q.progress[task]; ok {
		t.Error("progress should be cleared after completion")
	}
	if len(q.tasks) != 0 {
		t.Errorf("completed task must not be re-queued, got %v", q.tasks)
	}
	if len(q.locks) != 0 {
		t.Errorf("lock should be released, got %v", q.locks)
	}
}

func TestWorker_ChunksSaveProgress(t *testing.T) {
	task := balanceTask("")
	q := newFakeQueue(task)
	full := &scriptedFull{family: domain.FamilyBalance, chunks: []chunk{
		{lastID: "a", err: context.DeadlineExceeded},
		{lastID: "b", err: context.DeadlineExceeded},
		{lastID: "c"},
	}}

	w := NewWorker(testConfig(), q, []reducer.FullReducer{full})
	if _, err := w.ProcessNext(context.Background()); err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}

	wantFroms := []string{"", "a", "b"}
	if len(full.froms) != len(wantFroms) {
		t.Fatalf("expected %d chunks, got %v", len(wantFroms), full.froms)
	}
	for i, want := range wantFroms {
		if full.froms[i] != want {
			t.Errorf("chunk %d: expected from %q, got %q", i, want, full.froms[i])
		}
	}
	if len(q.saved) != 2 || q.saved[1] != "b" {
		t.Errorf("expected progress saved after each chunk, got %v", q.saved)
	}
}

func TestWorker_StalledTaskIsRequeued(t *testing.T) {
	task := balanceTask("")
	q := newFakeQueue(task)
	full := &scriptedFull{family: domain.FamilyBalance, chunks: []chunk{
		{lastID: "", err: context.DeadlineExceeded},
	}}

	w := NewWorker(testConfig(), q, []reducer.FullReducer{full})
	found, err := w.ProcessNext(context.Background())
	if !found || err == nil {
		t.Fatalf("expected an error for a chunk without progress, got found=%v err=%v", found, err)
	}
	if len(q.tasks) != 1 || q.tasks[0] != task {
		t.Errorf("task should be back on the queue, got %v", q.tasks)
	}
}

func TestWorker_FailureKeepsProgress(t *testing.T) {
	task := balanceTask("")
	q := newFakeQueue(task)
	boom := errors.New("store down")
	full := &scriptedFull{family: domain.FamilyBalance, chunks: []chunk{{lastID: "m", err: boom}}}

	w := NewWorker(testConfig(), q, []reducer.FullReducer{full})
	_, err := w.ProcessNext(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected store error, got %v", err)
	}
	if q.progress[task] != "m" {
		t.Errorf("expected progress m, got %q", q.progress[task])
	}
	if len(q.tasks) != 1 {
		t.Errorf("task should be re-queued, got %v", q.tasks)
	}
}

func TestWorker_UnknownFamilyDropped(t *testing.T) {
	q := newFakeQueue(redisclient.ReindexTask{Family: domain.FamilyItem})
	w := NewWorker(testConfig(), q, []reducer.FullReducer{&scriptedFull{family: domain.FamilyBalance}})

	found, err := w.ProcessNext(context.Background())
	if !found || err != nil {
		t.Fatalf("ProcessNext: found=%v err=%v", found, err)
	}
	if len(q.tasks) != 0 {
		t.Errorf("task for unknown family should be dropped, got %v", q.tasks)
	}
}

func TestWorker_LockedTaskSkipped(t *testing.T) {
	task := balanceTask("0xaa:")
	q := newFakeQueue(task)
	q.locks[lockName(task)] = "someone-else"
	full := &scriptedFull{family: domain.FamilyBalance}

	w := NewWorker(testConfig(), q, []reducer.FullReducer{full})
	if _, err := w.ProcessNext(context.Background()); err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	if len(full.froms) != 0 {
		t.Error("locked task must not be reduced")
	}
}

func TestWorker_RunCollapsesAndStops(t *testing.T) {
	q := newFakeQueue(balanceTask("0xaa:0x01"), balanceTask("0xaa:"))
	full := &scriptedFull{family: domain.FamilyBalance}
	w := NewWorker(testConfig(), q, []reducer.FullReducer{full})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(full.froms) != 1 {
		t.Errorf("expected one collapsed task to run, got %d runs", len(full.froms))
	}
	if len(q.tasks) != 0 {
		t.Errorf("queue should be drained, got %v", q.tasks)
	}
}
