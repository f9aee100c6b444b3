package syncer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frkn-dev/pony/pkg/types"
)

// fakeStore records applied ops and fails each op the scripted number of
// times before succeeding.
type fakeStore struct {
	mu       sync.Mutex
	applied  []Op
	failures map[Op][]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{failures: make(map[Op][]error)}
}

func (f *fakeStore) failWith(op Op, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], errs...)
}

func (f *fakeStore) call(op Op) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if errs := f.failures[op]; len(errs) > 0 {
		f.failures[op] = errs[1:]
		return errs[0]
	}
	f.applied = append(f.applied, op)
	return nil
}

func (f *fakeStore) appliedOps() []Op {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Op(nil), f.applied...)
}

func (f *fakeStore) InsertUser(context.Context, *types.User) error { return f.call(OpInsertUser) }
func (f *fakeStore) UpdateUser(context.Context, *types.User) error { return f.call(OpUpdateUser) }
func (f *fakeStore) DeleteUser(context.Context, uuid.UUID, time.Time) error {
	return f.call(OpDeleteUser)
}
func (f *fakeStore) InsertConn(context.Context, *types.Connection) error { return f.call(OpInsertConn) }
func (f *fakeStore) UpdateConn(context.Context, *types.Connection) error { return f.call(OpUpdateConn) }
func (f *fakeStore) DeleteConn(context.Context, uuid.UUID, time.Time) error {
	return f.call(OpDeleteConn)
}
func (f *fakeStore) InsertNode(context.Context, *types.Node) error { return f.call(OpInsertNode) }
func (f *fakeStore) UpdateNodeStatus(context.Context, uuid.UUID, types.NodeStatus, time.Time) error {
	return f.call(OpUpdateNodeStatus)
}
func (f *fakeStore) UpdateConnStat(context.Context, uuid.UUID, types.ConnStat, time.Time) error {
	return f.call(OpUpdateConnStat)
}
func (f *fakeStore) UpdateConnStatus(context.Context, uuid.UUID, types.ConnectionStatus, time.Time) error {
	return f.call(OpUpdateConnStatus)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestDrainInOrder(t *testing.T) {
	st := newFakeStore()
	s := New(st, 8, 100*time.Millisecond)
	s.Start(context.Background())
	defer s.Stop(time.Second)

	ops := []Op{OpInsertUser, OpInsertConn, OpUpdateConnStat, OpDeleteConn}
	for _, op := range ops {
		slot, err := s.Reserve(context.Background())
		require.NoError(t, err)
		slot.Commit(Task{Op: op, ID: uuid.New()})
	}

	waitFor(t, func() bool { return len(st.appliedOps()) == len(ops) })
	assert.Equal(t, ops, st.appliedOps())
}

func TestReserveTimesOutWhenFull(t *testing.T) {
	st := newFakeStore()
	// Worker never started, so committed tasks stay queued.
	s := New(st, 2, 50*time.Millisecond)

	for i := 0; i < 2; i++ {
		slot, err := s.Reserve(context.Background())
		require.NoError(t, err)
		slot.Commit(Task{Op: OpInsertConn})
	}

	start := time.Now()
	_, err := s.Reserve(context.Background())
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 2, s.QueueDepth())
}

func TestReleaseFreesSlot(t *testing.T) {
	st := newFakeStore()
	s := New(st, 1, 50*time.Millisecond)

	slot, err := s.Reserve(context.Background())
	require.NoError(t, err)
	slot.Release()

	// The slot is reusable without the worker running.
	slot, err = s.Reserve(context.Background())
	require.NoError(t, err)
	slot.Release()
}

func TestTransientErrorRetries(t *testing.T) {
	st := newFakeStore()
	st.failWith(OpInsertConn,
		&pgconn.PgError{Code: "40001"},
		&pgconn.PgError{Code: "40P01"},
	)
	s := New(st, 8, 100*time.Millisecond)
	s.Start(context.Background())
	defer s.Stop(time.Second)

	slot, err := s.Reserve(context.Background())
	require.NoError(t, err)
	slot.Commit(Task{Op: OpInsertConn, ID: uuid.New()})

	waitFor(t, func() bool { return len(st.appliedOps()) == 1 })
	assert.False(t, s.Degraded())
}

func TestUniqueViolationDropsWithoutRetry(t *testing.T) {
	st := newFakeStore()
	st.failWith(OpInsertUser, &pgconn.PgError{Code: "23505"})
	s := New(st, 8, 100*time.Millisecond)
	s.Start(context.Background())
	defer s.Stop(time.Second)

	slot, err := s.Reserve(context.Background())
	require.NoError(t, err)
	slot.Commit(Task{Op: OpInsertUser, ID: uuid.New()})

	// The follow-up proves the duplicate was dropped, not retried.
	slot, err = s.Reserve(context.Background())
	require.NoError(t, err)
	slot.Commit(Task{Op: OpInsertConn, ID: uuid.New()})

	waitFor(t, func() bool { return len(st.appliedOps()) == 1 })
	assert.Equal(t, []Op{OpInsertConn}, st.appliedOps())
	assert.False(t, s.Degraded())
}

func TestFatalErrorFlipsDegraded(t *testing.T) {
	st := newFakeStore()
	st.failWith(OpDeleteUser, &pgconn.PgError{Code: "42P01"})
	s := New(st, 8, 100*time.Millisecond)
	s.Start(context.Background())
	defer s.Stop(time.Second)

	slot, err := s.Reserve(context.Background())
	require.NoError(t, err)
	slot.Commit(Task{Op: OpDeleteUser, ID: uuid.New()})

	waitFor(t, s.Degraded)

	// A later successful write recovers the pipeline.
	slot, err = s.Reserve(context.Background())
	require.NoError(t, err)
	slot.Commit(Task{Op: OpInsertUser, ID: uuid.New()})
	waitFor(t, func() bool { return !s.Degraded() })
}

func TestStopWaitsForHeldSlot(t *testing.T) {
	st := newFakeStore()
	s := New(st, 8, 100*time.Millisecond)
	s.Start(context.Background())

	slot, err := s.Reserve(context.Background())
	require.NoError(t, err)

	stopped := make(chan struct{})
	go func() {
		s.Stop(time.Second)
		close(stopped)
	}()

	// Stop must hold the task channel open until the slot settles, so a
	// commit racing shutdown lands instead of panicking.
	time.Sleep(30 * time.Millisecond)
	select {
	case <-stopped:
		t.Fatal("Stop returned with a reservation outstanding")
	default:
	}
	slot.Commit(Task{Op: OpInsertConn, ID: uuid.New()})

	<-stopped
	assert.Equal(t, []Op{OpInsertConn}, st.appliedOps())

	// New reservations are refused after shutdown.
	_, err = s.Reserve(context.Background())
	assert.Error(t, err)
}
