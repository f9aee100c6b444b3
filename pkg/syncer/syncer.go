package syncer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/frkn-dev/pony/pkg/errdefs"
	"github.com/frkn-dev/pony/pkg/log"
	"github.com/frkn-dev/pony/pkg/metrics"
	"github.com/frkn-dev/pony/pkg/types"
)

// Op discriminates the durable write a task requests.
type Op string

const (
	OpInsertUser       Op = "insert_user"
	OpUpdateUser       Op = "update_user"
	OpDeleteUser       Op = "delete_user"
	OpInsertConn       Op = "insert_conn"
	OpUpdateConn       Op = "update_conn"
	OpDeleteConn       Op = "delete_conn"
	OpInsertNode       Op = "insert_node"
	OpUpdateNodeStatus Op = "update_node_status"
	OpUpdateConnStat   Op = "update_conn_stat"
	OpUpdateConnStatus Op = "update_conn_status"
)

// Task is one queued durable write. The payload field matching the op is
// populated; At carries the mutation timestamp for soft deletes and
// status flips.
type Task struct {
	Op   Op
	User *types.User
	Conn *types.Connection
	Node *types.Node

	ID         uuid.UUID
	ConnStatus types.ConnectionStatus
	NodeStatus types.NodeStatus
	Stat       types.ConnStat
	At         time.Time
}

// Storage is the slice of the relational store the drain worker needs.
type Storage interface {
	InsertUser(ctx context.Context, u *types.User) error
	UpdateUser(ctx context.Context, u *types.User) error
	DeleteUser(ctx context.Context, id uuid.UUID, at time.Time) error
	InsertConn(ctx context.Context, c *types.Connection) error
	UpdateConn(ctx context.Context, c *types.Connection) error
	DeleteConn(ctx context.Context, id uuid.UUID, at time.Time) error
	InsertNode(ctx context.Context, n *types.Node) error
	UpdateNodeStatus(ctx context.Context, id uuid.UUID, status types.NodeStatus, heartbeatAt time.Time) error
	UpdateConnStat(ctx context.Context, id uuid.UUID, stat types.ConnStat, at time.Time) error
	UpdateConnStatus(ctx context.Context, id uuid.UUID, status types.ConnectionStatus, at time.Time) error
}

// Retry policy for transient store errors.
const (
	retryBase = 50 * time.Millisecond
	retryCap  = 5 * time.Second
	retryMax  = 5
)

// Syncer drains cache mutations into the relational store. Producers
// reserve a slot before mutating the cache, so a full queue rejects the
// mutation up front and every applied mutation is eventually persisted.
type Syncer struct {
	store   Storage
	tasks   chan Task
	slots   chan struct{}
	timeout time.Duration

	degraded atomic.Bool
	closed   atomic.Bool
	pending  atomic.Int64
	done     chan struct{}
	closeOne sync.Once
}

// New creates a pipeline with the given queue capacity and enqueue
// timeout.
func New(store Storage, queueSize int, enqueueTimeout time.Duration) *Syncer {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if enqueueTimeout <= 0 {
		enqueueTimeout = 500 * time.Millisecond
	}
	return &Syncer{
		store:   store,
		tasks:   make(chan Task, queueSize),
		slots:   make(chan struct{}, queueSize),
		timeout: enqueueTimeout,
		done:    make(chan struct{}),
	}
}

// Start launches the drain worker.
func (s *Syncer) Start(ctx context.Context) {
	go s.run(ctx)
}

// Slot is a reserved queue position. Commit exactly one task into it or
// Release it.
type Slot struct {
	s    *Syncer
	used bool
}

// Reserve acquires a queue slot, waiting at most the enqueue timeout.
// Failure maps to 503 at the HTTP boundary; callers must not mutate the
// cache without a slot in hand.
func (s *Syncer) Reserve(ctx context.Context) (*Slot, error) {
	if s.closed.Load() {
		return nil, errdefs.Custom("sync pipeline is shut down")
	}
	s.pending.Add(1)
	// Re-check after the count is visible: Stop only closes the task
	// channel once pending drops to zero, so a slot that survives this
	// check can always commit.
	if s.closed.Load() {
		s.pending.Add(-1)
		return nil, errdefs.Custom("sync pipeline is shut down")
	}
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case s.slots <- struct{}{}:
		return &Slot{s: s}, nil
	case <-timer.C:
		s.pending.Add(-1)
		return nil, errdefs.Newf(errdefs.KindChannelSend, "sync queue full after %s", s.timeout)
	case <-ctx.Done():
		s.pending.Add(-1)
		return nil, errdefs.New(errdefs.KindChannelSend, ctx.Err())
	}
}

// Commit enqueues the task into the reserved slot. Never blocks: the slot
// guarantees capacity.
func (sl *Slot) Commit(t Task) {
	if sl.used {
		return
	}
	sl.used = true
	sl.s.tasks <- t
	sl.s.pending.Add(-1)
	metrics.SyncQueueDepth.Set(float64(len(sl.s.tasks)))
}

// Release frees an unused slot after a no-op mutation.
func (sl *Slot) Release() {
	if sl.used {
		return
	}
	sl.used = true
	<-sl.s.slots
	sl.s.pending.Add(-1)
}

// Degraded reports whether the worker hit a fatal store error. Surfaces
// via the healthcheck.
func (s *Syncer) Degraded() bool {
	return s.degraded.Load()
}

// QueueDepth returns the number of queued tasks.
func (s *Syncer) QueueDepth() int {
	return len(s.tasks)
}

// Stop refuses new reservations, waits for held slots to commit or
// release, then drains in-flight tasks within the grace period. The task
// channel is closed only once no reservation remains, so Commit can never
// send on a closed channel.
func (s *Syncer) Stop(grace time.Duration) {
	s.closed.Store(true)
	for s.pending.Load() > 0 {
		time.Sleep(10 * time.Millisecond)
	}
	s.closeOne.Do(func() { close(s.tasks) })
	select {
	case <-s.done:
	case <-time.After(grace):
		logger := log.WithComponent("syncer")
		logger.Warn().Msg("drain grace period expired")
	}
}

func (s *Syncer) run(ctx context.Context) {
	defer close(s.done)
	logger := log.WithComponent("syncer")
	metrics.RegisterComponent("syncer", true, "")

	for task := range s.tasks {
		s.process(ctx, logger, task)
		// Free the slot only after the write settles, so queue depth
		// reflects unpersisted mutations.
		<-s.slots
		metrics.SyncQueueDepth.Set(float64(len(s.tasks)))
	}
}

func (s *Syncer) process(ctx context.Context, logger zerolog.Logger, task Task) {
	backoff := retryBase
	for attempt := 1; ; attempt++ {
		err := s.apply(ctx, task)
		switch {
		case err == nil:
			if s.degraded.CompareAndSwap(true, false) {
				metrics.UpdateComponent("syncer", true, "")
				logger.Info().Msg("store writes recovered")
			}
			metrics.SyncTasksTotal.WithLabelValues(string(task.Op), "ok").Inc()
			return
		case errdefs.UniqueViolation(err):
			// The row already exists; the cache is the source of truth
			// and the state machine already reported AlreadyExist.
			logger.Debug().Str("op", string(task.Op)).Msg("skipping duplicate row")
			metrics.SyncTasksTotal.WithLabelValues(string(task.Op), "duplicate").Inc()
			return
		case errdefs.Transient(err) && attempt < retryMax:
			logger.Warn().Err(err).
				Str("op", string(task.Op)).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("transient store error, retrying")
			metrics.SyncRetriesTotal.Inc()
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				s.fail(logger, task, ctx.Err())
				return
			}
			backoff *= 2
			if backoff > retryCap {
				backoff = retryCap
			}
		default:
			s.fail(logger, task, err)
			return
		}
	}
}

// fail drops the task and marks the pipeline degraded. The cache keeps
// the mutation; the operator reconciles the store from /debug/state.
func (s *Syncer) fail(logger zerolog.Logger, task Task, err error) {
	s.degraded.Store(true)
	metrics.UpdateComponent("syncer", false, err.Error())
	metrics.SyncTasksTotal.WithLabelValues(string(task.Op), "failed").Inc()
	logger.Error().Err(err).Str("op", string(task.Op)).Msg("dropping task after store failure")
}

func (s *Syncer) apply(ctx context.Context, task Task) error {
	switch task.Op {
	case OpInsertUser:
		return s.store.InsertUser(ctx, task.User)
	case OpUpdateUser:
		return s.store.UpdateUser(ctx, task.User)
	case OpDeleteUser:
		return s.store.DeleteUser(ctx, task.ID, task.At)
	case OpInsertConn:
		return s.store.InsertConn(ctx, task.Conn)
	case OpUpdateConn:
		return s.store.UpdateConn(ctx, task.Conn)
	case OpDeleteConn:
		return s.store.DeleteConn(ctx, task.ID, task.At)
	case OpInsertNode:
		return s.store.InsertNode(ctx, task.Node)
	case OpUpdateNodeStatus:
		return s.store.UpdateNodeStatus(ctx, task.ID, task.NodeStatus, task.At)
	case OpUpdateConnStat:
		return s.store.UpdateConnStat(ctx, task.ID, task.Stat, task.At)
	case OpUpdateConnStatus:
		return s.store.UpdateConnStatus(ctx, task.ID, task.ConnStatus, task.At)
	default:
		return errdefs.Custom("unknown sync op " + string(task.Op))
	}
}
