package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hiroki-koketsu/go-task-tree/internal/model"
	"github.com/hiroki-koketsu/go-task-tree/internal/query"
	"github.com/hiroki-koketsu/go-task-tree/internal/repository"
	"github.com/hiroki-koketsu/go-task-tree/internal/tree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

var now = time.Date(2023, 12, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store repository.Store
	svc   *TaskService
}

func newFixture(t *testing.T, store repository.Store) *fixture {
	t.Helper()
	svc := NewTaskService(store, slog.New(slog.NewTextHandler(io.Discard, nil)), nil,
		WithClock(func() time.Time { return now }),
	)
	return &fixture{t: t, ctx: context.Background(), store: store, svc: svc}
}

func newMemoryFixture(t *testing.T) *fixture {
	return newFixture(t, repository.NewTaskRepository())
}

func newSQLiteFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := repository.Open(repository.DriverSQLite, filepath.Join(t.TempDir(), "tasks.db")+"?_foreign_keys=on", logger.Silent)
	require.NoError(t, err)
	require.NoError(t, repository.Migrate(db))
	store := repository.NewGormRepository(db)
	t.Cleanup(func() { store.Close() })
	return newFixture(t, store)
}

func (f *fixture) owner(name string) string {
	f.t.Helper()
	o, err := f.svc.CreateOwner(f.ctx, &model.CreateOwnerRequest{Name: name})
	require.NoError(f.t, err)
	return o.ID
}

func (f *fixture) create(owner, title string, parent string) string {
	f.t.Helper()
	req := &model.CreateTaskRequest{Title: title, Priority: 3}
	if parent != "" {
		req.ParentID = &parent
	}
	v, err := f.svc.CreateTask(f.ctx, owner, req)
	require.NoError(f.t, err)
	return v.ID
}

func (f *fixture) setStatus(id string, status model.Status, principal string) {
	f.t.Helper()
	_, err := f.svc.SetStatus(f.ctx, id, status, principal)
	require.NoError(f.t, err)
}

func (f *fixture) get(id string) *model.Task {
	f.t.Helper()
	task, err := f.store.Get(f.ctx, id)
	require.NoError(f.t, err)
	return task
}

func (f *fixture) requireConsistent(owners ...string) {
	f.t.Helper()
	var all []*model.Task
	for _, o := range owners {
		tasks, err := f.store.List(f.ctx, o, query.Query{})
		require.NoError(f.t, err)
		all = append(all, tasks...)
	}
	require.Empty(f.t, tree.Audit(all))
}

func TestCompletingLeafUpdatesOnlyAffectedAncestors(t *testing.T) {
	f := newMemoryFixture(t)
	u := f.owner("u1")

	a := f.create(u, "A", "")
	b := f.create(u, "B", a)
	c := f.create(u, "C", a)
	f.setStatus(c, model.StatusDone, u)
	d := f.create(u, "D", b)
	e := f.create(u, "E", b)
	f.setStatus(e, model.StatusDone, u)

	assert.False(t, f.get(a).CanComplete)
	assert.False(t, f.get(b).CanComplete)

	f.setStatus(d, model.StatusDone, u)

	assert.Equal(t, model.StatusDone, f.get(d).Status)
	assert.True(t, f.get(b).CanComplete)
	assert.False(t, f.get(b).CanDelete)
	assert.False(t, f.get(a).CanComplete)
	f.requireConsistent(u)
}

func TestCreateChildFlipsParentFlags(t *testing.T) {
	f := newMemoryFixture(t)
	u := f.owner("u1")

	parent := f.create(u, "parent", "")
	p := f.get(parent)
	assert.True(t, p.CanComplete)
	assert.True(t, p.CanDelete)

	v, err := f.svc.CreateTask(f.ctx, u, &model.CreateTaskRequest{Title: "child", Priority: 1, ParentID: &parent})
	require.NoError(t, err)
	assert.Equal(t, model.StatusToDo, v.Status)
	assert.True(t, v.CanComplete)
	assert.True(t, v.CanDelete)
	require.NotNil(t, v.ParentID)
	assert.Equal(t, parent, *v.ParentID)
	assert.Equal(t, now, v.CreatedAt)

	assert.False(t, f.get(parent).CanComplete)
	assert.True(t, f.get(parent).CanDelete)

	_, err = f.svc.SetStatus(f.ctx, parent, model.StatusDone, u)
	assert.ErrorIs(t, err, model.ErrNotEligible)
}

func TestDeleteGate(t *testing.T) {
	f := newMemoryFixture(t)
	u1, u2 := f.owner("u1"), f.owner("u2")

	x := f.create(u1, "X", "")
	f.setStatus(x, model.StatusDone, u1)

	assert.ErrorIs(t, f.svc.DeleteTask(f.ctx, x, u2), model.ErrForbidden)
	assert.ErrorIs(t, f.svc.DeleteTask(f.ctx, x, u1), model.ErrNotEligible)
	assert.ErrorIs(t, f.svc.DeleteTask(f.ctx, "missing", u1), model.ErrNotFound)
	f.get(x)
}

func TestDeleteAfterChildReverts(t *testing.T) {
	for name, open := range map[string]func(*testing.T) *fixture{
		"memory": newMemoryFixture,
		"sqlite": newSQLiteFixture,
	} {
		t.Run(name, func(t *testing.T) {
			f := open(t)
			u := f.owner("u1")

			y := f.create(u, "Y", "")
			z := f.create(u, "Z", y)
			grandchild := f.create(u, "Z1", z)
			f.setStatus(grandchild, model.StatusDone, u)
			f.setStatus(z, model.StatusDone, u)
			assert.False(t, f.get(y).CanDelete)

			assert.ErrorIs(t, f.svc.DeleteTask(f.ctx, y, u), model.ErrNotEligible)

			f.setStatus(z, model.StatusToDo, u)
			assert.True(t, f.get(y).CanDelete)
			assert.Nil(t, f.get(z).CompletedAt)

			require.NoError(t, f.svc.DeleteTask(f.ctx, y, u))
			for _, id := range []string{y, z, grandchild} {
				_, err := f.store.Get(f.ctx, id)
				assert.ErrorIs(t, err, model.ErrNotFound)
			}
			assert.Zero(t, f.store.Count())
		})
	}
}

func TestDeleteRecomputesFormerParent(t *testing.T) {
	f := newMemoryFixture(t)
	u := f.owner("u1")

	root := f.create(u, "root", "")
	done := f.create(u, "done", root)
	open := f.create(u, "open", root)
	f.create(u, "open child", open)
	f.setStatus(done, model.StatusDone, u)
	assert.False(t, f.get(root).CanComplete)

	require.NoError(t, f.svc.DeleteTask(f.ctx, open, u))

	r := f.get(root)
	assert.True(t, r.CanComplete)
	assert.False(t, r.CanDelete)
	assert.Equal(t, int64(2), f.store.Count())
	f.requireConsistent(u)
}

func TestCreateValidation(t *testing.T) {
	f := newMemoryFixture(t)
	u := f.owner("u1")

	tests := map[string]*model.CreateTaskRequest{
		"blank title":   {Title: "  ", Priority: 3},
		"priority zero": {Title: "t", Priority: 0},
		"priority six":  {Title: "t", Priority: 6},
	}
	for name, req := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.CreateTask(f.ctx, u, req)
			assert.ErrorIs(t, err, model.ErrValidation)
			assert.Zero(t, f.store.Count())
		})
	}
}

func TestCreateParentChecks(t *testing.T) {
	f := newMemoryFixture(t)
	u1, u2 := f.owner("u1"), f.owner("u2")
	foreign := f.create(u2, "theirs", "")

	missing := "nope"
	_, err := f.svc.CreateTask(f.ctx, u1, &model.CreateTaskRequest{Title: "t", Priority: 1, ParentID: &missing})
	assert.ErrorIs(t, err, model.ErrInvalidParent)

	_, err = f.svc.CreateTask(f.ctx, u1, &model.CreateTaskRequest{Title: "t", Priority: 1, ParentID: &foreign})
	assert.ErrorIs(t, err, model.ErrInvalidParent)

	_, err = f.svc.CreateTask(f.ctx, "ghost", &model.CreateTaskRequest{Title: "t", Priority: 1})
	assert.ErrorIs(t, err, model.ErrNotFound)

	assert.Equal(t, int64(1), f.store.Count())
	assert.True(t, f.get(foreign).CanComplete)
}

func TestStatusChanges(t *testing.T) {
	f := newMemoryFixture(t)
	u1, u2 := f.owner("u1"), f.owner("u2")
	id := f.create(u1, "task", "")

	_, err := f.svc.SetStatus(f.ctx, id, model.StatusDone, u2)
	assert.ErrorIs(t, err, model.ErrForbidden)

	_, err = f.svc.SetStatus(f.ctx, id, model.Status("Doing"), u1)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	v, err := f.svc.SetStatus(f.ctx, id, model.StatusDone, u1)
	require.NoError(t, err)
	require.NotNil(t, v.CompletedAt)
	assert.Equal(t, now, *v.CompletedAt)

	_, err = f.svc.SetStatus(f.ctx, id, model.StatusToDo, u2)
	assert.ErrorIs(t, err, model.ErrForbidden)

	v, err = f.svc.SetStatus(f.ctx, id, model.StatusToDo, u1)
	require.NoError(t, err)
	assert.Nil(t, v.CompletedAt)
	assert.Equal(t, model.StatusToDo, v.Status)
}

func TestGetAndUpdate(t *testing.T) {
	f := newMemoryFixture(t)
	u1, u2 := f.owner("u1"), f.owner("u2")
	id := f.create(u1, "task", "")

	v, err := f.svc.GetTask(f.ctx, id, u1)
	require.NoError(t, err)
	assert.Equal(t, "task", v.Title)

	_, err = f.svc.GetTask(f.ctx, id, u2)
	assert.ErrorIs(t, err, model.ErrForbidden)
	_, err = f.svc.GetTask(f.ctx, "missing", u1)
	assert.ErrorIs(t, err, model.ErrNotFound)

	title, prio := "renamed", 5
	v, err = f.svc.UpdateTask(f.ctx, id, u1, &model.UpdateTaskRequest{Title: &title, Priority: &prio})
	require.NoError(t, err)
	assert.Equal(t, "renamed", v.Title)
	assert.Equal(t, 5, v.Priority)

	_, err = f.svc.UpdateTask(f.ctx, id, u2, &model.UpdateTaskRequest{Title: &title})
	assert.ErrorIs(t, err, model.ErrForbidden)

	bad := 9
	_, err = f.svc.UpdateTask(f.ctx, id, u1, &model.UpdateTaskRequest{Priority: &bad})
	assert.ErrorIs(t, err, model.ErrValidation)
	assert.Equal(t, 5, f.get(id).Priority)
}

func TestListTasksSearch(t *testing.T) {
	f := newMemoryFixture(t)
	u1, u2 := f.owner("u1"), f.owner("u2")
	for _, title := range []string{"test task", "another title", "foobarTest"} {
		f.create(u1, title, "")
	}
	f.create(u2, "test elsewhere", "")

	views, err := f.svc.ListTasks(f.ctx, u1, query.Query{Search: "test"})
	require.NoError(t, err)
	var titles []string
	for _, v := range views {
		titles = append(titles, v.Title)
	}
	assert.Equal(t, []string{"test task", "foobarTest"}, titles)

	all, err := f.svc.ListTasks(f.ctx, u1, query.Query{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = f.svc.ListTasks(f.ctx, "ghost", query.Query{})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

// failingStore fails SaveFlags for one task id to simulate a storage error
// in the middle of a walk.
type failingStore struct {
	repository.Store
	failOn string
}

func (s *failingStore) WithTx(ctx context.Context, fn func(repository.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx repository.Tx) error {
		return fn(&failingTx{Tx: tx, failOn: s.failOn})
	})
}

type failingTx struct {
	repository.Tx
	failOn string
}

func (tx *failingTx) SaveFlags(ctx context.Context, id string, canComplete, canDelete bool) error {
	if id == tx.failOn {
		return errors.New("lock timeout")
	}
	return tx.Tx.SaveFlags(ctx, id, canComplete, canDelete)
}

func TestFailedWalkRollsBackMutation(t *testing.T) {
	mem := repository.NewTaskRepository()
	f := newFixture(t, mem)
	u := f.owner("u1")
	parent := f.create(u, "parent", "")
	child := f.create(u, "child", parent)
	doneChild := f.create(u, "done child", parent)
	f.setStatus(doneChild, model.StatusDone, u)

	broken := NewTaskService(&failingStore{Store: mem, failOn: parent}, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	t.Run("status change", func(t *testing.T) {
		_, err := broken.SetStatus(f.ctx, child, model.StatusDone, u)
		require.Error(t, err)
		assert.Equal(t, model.StatusToDo, f.get(child).Status)
		assert.Nil(t, f.get(child).CompletedAt)
		assert.False(t, f.get(parent).CanComplete)
	})

	t.Run("cascading delete", func(t *testing.T) {
		err := broken.DeleteTask(f.ctx, doneChild, u)
		assert.ErrorIs(t, err, model.ErrNotEligible)

		require.Error(t, broken.DeleteTask(f.ctx, child, u))
		f.get(child)
		assert.False(t, f.get(parent).CanComplete)
	})

	f.requireConsistent(u)
}

func TestConcurrentSiblingCompletions(t *testing.T) {
	const siblings = 16
	for name, open := range map[string]func(*testing.T) *fixture{
		"memory": newMemoryFixture,
		"sqlite": newSQLiteFixture,
	} {
		t.Run(name, func(t *testing.T) {
			f := open(t)
			u := f.owner("u1")
			root := f.create(u, "root", "")
			parent := f.create(u, "parent", root)
			ids := make([]string, siblings)
			for i := range ids {
				ids[i] = f.create(u, fmt.Sprintf("child %d", i), parent)
			}

			var wg sync.WaitGroup
			errs := make(chan error, siblings)
			for _, id := range ids {
				wg.Add(1)
				go func(id string) {
					defer wg.Done()
					_, err := f.svc.SetStatus(f.ctx, id, model.StatusDone, u)
					errs <- err
				}(id)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			p := f.get(parent)
			assert.True(t, p.CanComplete)
			assert.False(t, p.CanDelete)
			f.requireConsistent(u)

			f.setStatus(parent, model.StatusDone, u)
			r := f.get(root)
			assert.True(t, r.CanComplete)
			assert.False(t, r.CanDelete)
		})
	}
}

func TestRandomMutationsKeepFlagsConsistent(t *testing.T) {
	f := newMemoryFixture(t)
	u := f.owner("u1")
	rng := rand.New(rand.NewSource(42))

	var ids []string
	live := func() []string {
		tasks, err := f.store.List(f.ctx, u, query.Query{})
		require.NoError(t, err)
		out := make([]string, 0, len(tasks))
		for _, task := range tasks {
			out = append(out, task.ID)
		}
		return out
	}

	for i := 0; i < 300; i++ {
		ids = live()
		switch op := rng.Intn(4); {
		case op == 0 || len(ids) == 0:
			parent := ""
			if len(ids) > 0 && rng.Intn(4) > 0 {
				parent = ids[rng.Intn(len(ids))]
			}
			f.create(u, fmt.Sprintf("t%d", i), parent)
		case op == 1:
			_, err := f.svc.SetStatus(f.ctx, ids[rng.Intn(len(ids))], model.StatusDone, u)
			if err != nil {
				require.ErrorIs(t, err, model.ErrNotEligible)
			}
		case op == 2:
			f.setStatus(ids[rng.Intn(len(ids))], model.StatusToDo, u)
		default:
			err := f.svc.DeleteTask(f.ctx, ids[rng.Intn(len(ids))], u)
			if err != nil {
				require.ErrorIs(t, err, model.ErrNotEligible)
			}
		}
		f.requireConsistent(u)
	}

	mismatches, err := f.svc.Reconcile(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestReconcileRepairsStaleFlags(t *testing.T) {
	f := newMemoryFixture(t)
	u := f.owner("u1")
	parent := f.create(u, "parent", "")
	f.create(u, "child", parent)

	require.NoError(t, f.store.WithTx(f.ctx, func(tx repository.Tx) error {
		return tx.SaveFlags(f.ctx, parent, true, true)
	}))

	mismatches, err := f.svc.Reconcile(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, []tree.Mismatch{{
		TaskID:          parent,
		CanComplete:     true,
		CanDelete:       true,
		WantCanComplete: false,
		WantCanDelete:   true,
	}}, mismatches)
	assert.False(t, f.get(parent).CanComplete)

	mismatches, err = f.svc.Reconcile(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestCreateOwnerValidation(t *testing.T) {
	f := newMemoryFixture(t)
	_, err := f.svc.CreateOwner(f.ctx, &model.CreateOwnerRequest{Name: ""})
	assert.ErrorIs(t, err, model.ErrValidation)

	id := f.owner("someone")
	o, err := f.svc.GetOwner(f.ctx, id, id)
	require.NoError(t, err)
	assert.Equal(t, "someone", o.Name)

	other := f.owner("someone else")
	_, err = f.svc.GetOwner(f.ctx, id, other)
	assert.ErrorIs(t, err, model.ErrForbidden)
	_, err = f.svc.GetOwner(f.ctx, id, "")
	assert.ErrorIs(t, err, model.ErrForbidden)
	_, err = f.svc.GetOwner(f.ctx, "ghost", "ghost")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

// lockRecordingStore records every LockTask call made inside transactions.
type lockRecordingStore struct {
	repository.Store
	mu    sync.Mutex
	locks []string
}

func (s *lockRecordingStore) WithTx(ctx context.Context, fn func(repository.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx repository.Tx) error {
		return fn(&lockRecordingTx{Tx: tx, s: s})
	})
}

func (s *lockRecordingStore) reset() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.locks
	s.locks = nil
	return out
}

type lockRecordingTx struct {
	repository.Tx
	s *lockRecordingStore
}

func (tx *lockRecordingTx) LockTask(ctx context.Context, id string) (*model.Task, error) {
	tx.s.mu.Lock()
	tx.s.locks = append(tx.s.locks, id)
	tx.s.mu.Unlock()
	return tx.Tx.LockTask(ctx, id)
}

func TestLocksRunFromLeavesTowardRoot(t *testing.T) {
	for name, open := range map[string]func(*testing.T) repository.Store{
		"memory": func(*testing.T) repository.Store { return repository.NewTaskRepository() },
		"sqlite": func(t *testing.T) repository.Store { return newSQLiteFixture(t).store },
	} {
		t.Run(name, func(t *testing.T) {
			store := &lockRecordingStore{Store: open(t)}
			var seq int
			f := newFixture(t, store)
			f.svc = NewTaskService(store, slog.New(slog.NewTextHandler(io.Discard, nil)), nil,
				WithClock(func() time.Time { return now }),
				WithIDGenerator(func() string { seq++; return fmt.Sprintf("id-%02d", seq) }),
			)

			u := f.owner("u1")
			root := f.create(u, "root", "")
			x := f.create(u, "X", root)
			y := f.create(u, "Y", x)
			w := f.create(u, "W", x)
			z := f.create(u, "Z", y)
			assert.Equal(t, []string{"id-02", "id-03", "id-04", "id-05", "id-06"}, []string{root, x, y, w, z})

			store.reset()
			f.setStatus(z, model.StatusDone, u)
			assert.Equal(t, []string{z, y, x, root}, store.reset())

			f.setStatus(z, model.StatusToDo, u)
			store.reset()
			require.NoError(t, f.svc.DeleteTask(f.ctx, x, u))
			assert.Equal(t, []string{z, w, y, x, root}, store.reset())

			_, err := f.store.Get(f.ctx, z)
			assert.ErrorIs(t, err, model.ErrNotFound)
			assert.True(t, f.get(root).CanComplete)
		})
	}
}
