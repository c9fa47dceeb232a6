package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datafair/internal/dataset"
	"datafair/internal/filestore"
	"datafair/internal/lock"
	"datafair/internal/pipeline"
	"datafair/internal/search"
	"datafair/internal/search/memory"
	"datafair/internal/store"
	"datafair/internal/workflow"
)

// flakyEngine fails CreateIndex through createErr while it returns an error.
type flakyEngine struct {
	*memory.Engine
	creates   atomic.Int32
	createErr func(ctx context.Context, n int32) error
}

func (e *flakyEngine) CreateIndex(ctx context.Context, name string, m search.Mapping) error {
	n := e.creates.Add(1)
	if e.createErr != nil {
		if err := e.createErr(ctx, n); err != nil {
			return err
		}
	}
	return e.Engine.CreateIndex(ctx, name, m)
}

type env struct {
	st     *store.Store
	files  *filestore.Local
	engine *flakyEngine
	locks  *lock.MemoryStore
	d      *Dispatcher
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()
	files, err := filestore.NewLocal(t.TempDir())
	require.NoError(t, err)
	e := &env{
		st:     store.NewMemory(),
		files:  files,
		engine: &flakyEngine{Engine: memory.New()},
		locks:  lock.NewMemoryStore(),
	}
	pipe := pipeline.New(pipeline.Deps{Store: e.st, Files: files, Engine: e.engine}, pipeline.Options{})
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Millisecond
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	e.d = New(e.st, lock.NewManager(e.locks, lock.Options{}), pipe, e.engine, opts)
	return e
}

func (e *env) csvDataset(t *testing.T, id, content string) {
	t.Helper()
	p := path.Join(pipeline.UploadsDir(id), "u1", "data.csv")
	n, err := e.files.WriteStream(context.Background(), p, bytes.NewReader([]byte(content)))
	require.NoError(t, err)
	require.NoError(t, e.st.Datasets.Insert(context.Background(), &dataset.Dataset{
		ID:           id,
		Kind:         dataset.KindFile,
		Status:       dataset.StateCreated,
		OriginalFile: &dataset.FileInfo{Name: "data.csv", Path: p, Size: n},
	}))
}

// settle calls Process until the dataset needs nothing more.
func (e *env) settle(t *testing.T, id string) *dataset.Dataset {
	t.Helper()
	ctx := context.Background()
	for range 20 {
		ds, err := e.st.Datasets.Get(ctx, id)
		require.NoError(t, err)
		if _, ok := pipeline.Select(ds); !ok {
			return ds
		}
		require.NoError(t, e.d.Process(ctx, id))
	}
	t.Fatalf("dataset %s did not settle", id)
	return nil
}

func journalTypes(t *testing.T, st *store.Store, id string) []string {
	t.Helper()
	evs, err := st.Journal.List(context.Background(), id)
	require.NoError(t, err)
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

//
// ---- stage execution ----
//

func TestProcessRunsTheFilePipeline(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Options{})
	e.csvDataset(t, "ds1", "id,value\n1,a\n2,b\n")

	ds := e.settle(t, "ds1")
	assert.Equal(t, dataset.StateFinalized, ds.Status)
	assert.EqualValues(t, 2, ds.Count)
	assert.Equal(t, dataset.TypeInteger, dataset.Find(ds.Schema, "id").Type)

	evs, err := e.st.Journal.List(context.Background(), "ds1")
	require.NoError(t, err)
	require.Len(t, evs, 5)
	assert.Equal(t, "created --analysis-done--> analyzed", evs[0].Data)
	assert.Equal(t, "indexed --finalize-done--> finalized", evs[4].Data)
}

func TestStaleIndicesAreDeletedAfterReindex(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t, Options{})
	e.csvDataset(t, "ds1", "id\n1\n2\n")
	e.settle(t, "ds1")

	// an owner schema edit reindexes into a new physical index
	_, err := e.st.Datasets.Update(ctx, "ds1", func(d *dataset.Dataset) error {
		_, err := workflow.Step(d, workflow.EventSchemaEdited, "", time.Now())
		return err
	})
	require.NoError(t, err)
	ds := e.settle(t, "ds1")
	assert.Equal(t, dataset.StateFinalized, ds.Status)

	alias := e.d.pipe.Alias("ds1")
	live, err := e.engine.ResolveAlias(ctx, alias)
	require.NoError(t, err)
	all, err := e.engine.ListIndices(ctx, alias)
	require.NoError(t, err)
	assert.Equal(t, live, all)
	assert.EqualValues(t, 2, e.engine.creates.Load())
}

//
// ---- failures ----
//

func TestTransientFailureIsRetried(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Options{RetryCount: 3})
	e.engine.createErr = func(_ context.Context, n int32) error {
		if n < 3 {
			return errors.New("connection refused")
		}
		return nil
	}
	e.csvDataset(t, "ds1", "id\n1\n")

	ds := e.settle(t, "ds1")
	assert.Equal(t, dataset.StateFinalized, ds.Status)
	assert.EqualValues(t, 3, e.engine.creates.Load())
}

func TestExhaustedRetriesMoveToError(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Options{RetryCount: 2})
	e.engine.createErr = func(context.Context, int32) error { return errors.New("connection refused") }
	e.csvDataset(t, "ds1", "id\n1\n")

	ds := e.settle(t, "ds1")
	assert.Equal(t, dataset.StateError, ds.Status)
	assert.Contains(t, ds.ErrorCause, "gave up after 3 attempts")
	assert.Contains(t, ds.ErrorCause, "connection refused")
	assert.EqualValues(t, 3, e.engine.creates.Load())
	assert.Contains(t, journalTypes(t, e.st, "ds1"), store.EventError)
}

func TestDataErrorsAreNotRetried(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Options{RetryCount: 5})
	e.engine.Reject = func(string, search.BulkOp) *search.ItemError {
		return &search.ItemError{Type: "mapper_parsing_exception", Reason: "bad"}
	}
	e.csvDataset(t, "ds1", "id\n1\n2\n")

	ds := e.settle(t, "ds1")
	assert.Equal(t, dataset.StateError, ds.Status)
	assert.Contains(t, ds.ErrorCause, "2 documents failed to index")
	assert.EqualValues(t, 1, e.engine.creates.Load())

	// a corrective patch re-enters the pipeline
	e.engine.Reject = nil
	_, err := e.st.Datasets.Update(context.Background(), "ds1", func(d *dataset.Dataset) error {
		_, err := workflow.Step(d, workflow.EventErrorPatched, "", time.Now())
		return err
	})
	require.NoError(t, err)
	ds = e.settle(t, "ds1")
	assert.Equal(t, dataset.StateFinalized, ds.Status)
	assert.Empty(t, ds.ErrorCause)
}

func TestDraftErrorKeepsTheLiveVersion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t, Options{})
	e.csvDataset(t, "ds1", "id\n1\n")
	e.settle(t, "ds1")

	_, err := e.st.Datasets.Update(ctx, "ds1", func(d *dataset.Dataset) error {
		if _, err := workflow.Step(d, workflow.EventDraftFileReceived, "", time.Now()); err != nil {
			return err
		}
		d.Draft.OriginalFile = &dataset.FileInfo{Name: "data.csv", Path: path.Join(pipeline.UploadsDir("ds1"), "missing", "data.csv")}
		return nil
	})
	require.NoError(t, err)

	ds := e.settle(t, "ds1")
	assert.Equal(t, dataset.StateFinalized, ds.Status)
	assert.Empty(t, ds.ErrorCause)
	require.NotNil(t, ds.Draft)
	assert.Equal(t, dataset.StateDraftError, ds.Draft.Status)
	assert.Contains(t, ds.Draft.ErrorCause, "missing from storage")
}

//
// ---- locking ----
//

func TestLockedDatasetIsSkipped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t, Options{})
	e.csvDataset(t, "ds1", "id\n1\n")
	other := lock.NewManager(e.locks, lock.Options{})
	ok, err := other.Acquire(ctx, dataset.LockKey("ds1"))
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, e.d.Process(ctx, "ds1"))
	ds, err := e.st.Datasets.Get(ctx, "ds1")
	require.NoError(t, err)
	assert.Equal(t, dataset.StateCreated, ds.Status)

	require.NoError(t, other.Release(ctx, dataset.LockKey("ds1")))
	require.NoError(t, e.d.Process(ctx, "ds1"))
	ds, err = e.st.Datasets.Get(ctx, "ds1")
	require.NoError(t, err)
	assert.Equal(t, dataset.StateAnalyzed, ds.Status)
	owner, held := e.locks.Owner(dataset.LockKey("ds1"))
	assert.False(t, held, "lock still owned by %s", owner)
}

//
// ---- polling and hooks ----
//

func TestStartProcessesEveryDataset(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Options{Concurrency: 2})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var waits []<-chan *dataset.Dataset
	for i := range 5 {
		id := fmt.Sprintf("ds%d", i)
		e.csvDataset(t, id, fmt.Sprintf("id,n\n1,%d\n2,%d\n", i, i*2))
		ch, stop := e.d.Subscribe(string(dataset.StateFinalized), id)
		defer stop()
		waits = append(waits, ch)
	}
	e.d.Start(ctx)
	defer e.d.Close(context.Background())

	for _, ch := range waits {
		select {
		case ds := <-ch:
			assert.Equal(t, dataset.StateFinalized, ds.Status)
			assert.EqualValues(t, 2, ds.Count)
		case <-ctx.Done():
			t.Fatal("timed out waiting for datasets to finalize")
		}
	}
}

func TestHookResolvesOnStage(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Options{})
	e.csvDataset(t, "ds1", "id\n1\n")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ch, stop := e.d.Subscribe(string(pipeline.StageAnalyze), "")
	defer stop()
	require.NoError(t, e.d.Process(ctx, "ds1"))
	select {
	case ds := <-ch:
		assert.Equal(t, "ds1", ds.ID)
		assert.Equal(t, dataset.StateAnalyzed, ds.Status)
	default:
		t.Fatal("hook not resolved")
	}

	short, cancelShort := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancelShort()
	_, err := e.d.HookFor(short, string(pipeline.StageIndex), "ds1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseAbandonsStuckStages(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	e := newEnv(t, Options{CloseTimeout: 50 * time.Millisecond})
	e.engine.createErr = func(ctx context.Context, _ int32) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	e.csvDataset(t, "ds1", "id\n1\n")
	ctx := context.Background()
	for range 3 {
		require.NoError(t, e.d.Process(ctx, "ds1"))
	}

	e.d.Start(ctx)
	<-started
	err := e.d.Close(ctx)
	require.Error(t, err)
	e.d.wg.Wait()

	ds, err := e.st.Datasets.Get(ctx, "ds1")
	require.NoError(t, err)
	assert.Equal(t, dataset.StateValidated, ds.Status, "an interrupted stage is not a dataset error")
	_, held := e.locks.Owner(dataset.LockKey("ds1"))
	assert.False(t, held)
}

//
// ---- queue fairness ----
//

// drain runs rounds of Poll, waiting for the started stages each time.
func (e *env) drain(t *testing.T, rounds int) {
	t.Helper()
	for range rounds {
		_, err := e.d.Poll(context.Background())
		require.NoError(t, err)
		e.d.wg.Wait()
	}
}

func TestWaitingDatasetsDoNotStarveTheQueue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var clock atomic.Int64
	clock.Store(time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC).UnixNano())
	e := newEnv(t, Options{
		Concurrency: 1,
		WaitDelay:   time.Hour,
		Now:         func() time.Time { return time.Unix(0, clock.Load()).UTC() },
	})

	// more waiting datasets than one poll lists, all ahead of their child
	const waiting = 6
	for i := range waiting {
		require.NoError(t, e.st.Datasets.Insert(ctx, &dataset.Dataset{
			ID: fmt.Sprintf("v%d", i), Kind: dataset.KindVirtual, Status: dataset.StateCreated,
			Virtual: &dataset.VirtualConfig{Children: []string{"zfile"}},
		}))
	}
	e.csvDataset(t, "zfile", "id,n\n1,a\n2,b\n")

	e.drain(t, 30)
	ds, err := e.st.Datasets.Get(ctx, "zfile")
	require.NoError(t, err)
	require.Equal(t, dataset.StateFinalized, ds.Status, "the child was never dispatched")

	for i := range waiting {
		v, err := e.st.Datasets.Get(ctx, fmt.Sprintf("v%d", i))
		require.NoError(t, err)
		assert.Equal(t, dataset.StateCreated, v.Status)
		assert.False(t, v.WaitUntil.IsZero(), "%s was not parked", v.ID)
	}

	clock.Add(int64(time.Hour))
	e.drain(t, 10*waiting)
	for i := range waiting {
		v, err := e.st.Datasets.Get(ctx, fmt.Sprintf("v%d", i))
		require.NoError(t, err)
		assert.Equal(t, dataset.StateFinalized, v.Status, v.ID)
		assert.EqualValues(t, 2, v.Count, v.ID)
		assert.True(t, v.WaitUntil.IsZero(), "%s still parked", v.ID)
	}
}

func TestVirtualFailsWhenAChildIsInError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t, Options{})
	require.NoError(t, e.st.Datasets.Insert(ctx, &dataset.Dataset{
		ID: "broken", Kind: dataset.KindFile, Status: dataset.StateError, ErrorCause: "bad file",
		OriginalFile: &dataset.FileInfo{Name: "data.csv"},
	}))
	require.NoError(t, e.st.Datasets.Insert(ctx, &dataset.Dataset{
		ID: "v", Kind: dataset.KindVirtual, Status: dataset.StateCreated,
		Virtual: &dataset.VirtualConfig{Children: []string{"broken"}},
	}))

	require.NoError(t, e.d.Process(ctx, "v"))
	ds, err := e.st.Datasets.Get(ctx, "v")
	require.NoError(t, err)
	assert.Equal(t, dataset.StateError, ds.Status)
	assert.Contains(t, ds.ErrorCause, "child dataset broken is in error")
	assert.Contains(t, journalTypes(t, e.st, "v"), store.EventError)
}

func TestDatasetLockedElsewhereGivesItsSlotBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t, Options{Concurrency: 1})
	e.csvDataset(t, "a", "id\n1\n")
	e.csvDataset(t, "b", "id\n2\n")
	other := lock.NewManager(e.locks, lock.Options{})
	ok, err := other.Acquire(ctx, dataset.LockKey("a"))
	require.NoError(t, err)
	require.True(t, ok)

	n, err := e.d.Poll(ctx)
	require.NoError(t, err)
	e.d.wg.Wait()
	assert.Equal(t, 1, n)

	a, err := e.st.Datasets.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, dataset.StateCreated, a.Status)
	b, err := e.st.Datasets.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, dataset.StateAnalyzed, b.Status)
	_, held := e.locks.Owner(dataset.LockKey("b"))
	assert.False(t, held)
}
