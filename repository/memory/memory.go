// Package memory is a process local backend. Transactions stage their writes
// and validate every version they relied on when committing, so concurrent
// transactions conflict the way they do on a database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/3rs4lg4d0/gosaga/aggregate"
	"github.com/3rs4lg4d0/gosaga/logger"
	"github.com/3rs4lg4d0/gosaga/participant"
	"github.com/3rs4lg4d0/gosaga/repository"
	"github.com/3rs4lg4d0/gosaga/saga"
	"github.com/google/uuid"
)

type txKey struct{}

type aggKey struct {
	typ string
	id  string
}

type processedKey struct {
	participant string
	commandId   string
}

// staged is a row written by a transaction. base is the committed version
// the write relies on, -1 when the row must not exist yet.
type staged[T any] struct {
	row  T
	base int64
}

type tx struct {
	aggregates map[aggKey]staged[aggregate.Record]
	instances  map[string]staged[saga.Instance]
	processed  map[processedKey][]byte
	outbox     []*repository.OutboxRecord
}

func newTx() *tx {
	return &tx{
		aggregates: map[aggKey]staged[aggregate.Record]{},
		instances:  map[string]staged[saga.Instance]{},
		processed:  map[processedKey][]byte{},
	}
}

type outboxLock struct {
	locked      bool
	lockedBy    uuid.UUID
	lockedUntil time.Time
}

// Store keeps every table of the backend in memory.
type Store struct {
	mu            sync.Mutex
	aggregates    map[aggKey]aggregate.Record
	instances     map[string]saga.Instance
	processed     map[processedKey][]byte
	outbox        []*repository.OutboxRecord
	seq           int64
	lock          outboxLock
	subscriptions []repository.DispatcherSubscription
	hooks         []func()
	logger        logger.Logger
	now           func() time.Time
}

var _ repository.Repository = (*Store)(nil)
var _ repository.Transactor = (*Store)(nil)
var _ repository.CommitNotifier = (*Store)(nil)
var _ aggregate.Store = (*Aggregates)(nil)
var _ saga.InstanceStore = (*Instances)(nil)
var _ participant.ProcessedStore = (*Store)(nil)
var _ logger.Loggable = (*Store)(nil)

func New() *Store {
	return &Store{
		aggregates: map[aggKey]aggregate.Record{},
		instances:  map[string]saga.Instance{},
		processed:  map[processedKey][]byte{},
		logger:     &logger.NopLogger{},
		now:        time.Now,
	}
}

// SetLogger sets an optional logger.
func (s *Store) SetLogger(l logger.Logger) {
	if l != nil {
		s.logger = l
	}
}

// OnCommit registers a hook run after every committed transaction.
func (s *Store) OnCommit(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, f)
}

// WithinTx runs fn in a transaction, joining the one in ctx if any.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*tx); ok {
		return fn(ctx)
	}
	t := newTx()
	if err := fn(context.WithValue(ctx, txKey{}, t)); err != nil {
		return err
	}
	if err := s.commit(t); err != nil {
		return err
	}
	s.mu.Lock()
	hooks := append([]func(){}, s.hooks...)
	s.mu.Unlock()
	for _, h := range hooks {
		h()
	}
	return nil
}

// inTx runs fn in the transaction of ctx or in a new one.
func (s *Store) inTx(ctx context.Context, fn func(t *tx) error) error {
	return s.WithinTx(ctx, func(ctx context.Context) error {
		return fn(ctx.Value(txKey{}).(*tx))
	})
}

func (s *Store) commit(t *tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, w := range t.aggregates {
		cur, ok := s.aggregates[k]
		if (w.base < 0 && ok) || (w.base >= 0 && (!ok || cur.Version != w.base)) {
			return fmt.Errorf("%s '%s': %w", k.typ, k.id, aggregate.ErrConcurrentModification)
		}
	}
	for id, w := range t.instances {
		cur, ok := s.instances[id]
		if (w.base < 0 && ok) || (w.base >= 0 && (!ok || cur.Version != w.base)) {
			return fmt.Errorf("saga '%s': %w", id, aggregate.ErrConcurrentModification)
		}
	}
	for k := range t.processed {
		if _, ok := s.processed[k]; ok {
			return fmt.Errorf("command '%s': %w", k.commandId, aggregate.ErrConcurrentModification)
		}
	}

	for k, w := range t.aggregates {
		s.aggregates[k] = w.row
	}
	for id, w := range t.instances {
		s.instances[id] = w.row
	}
	for k, r := range t.processed {
		s.processed[k] = r
	}
	for _, o := range t.outbox {
		s.seq++
		o.Seq = s.seq
		s.outbox = append(s.outbox, o)
	}
	return nil
}

// Aggregates is the aggregate.Store view of a Store.
type Aggregates struct {
	s *Store
}

// Aggregates returns the aggregate table.
func (s *Store) Aggregates() *Aggregates {
	return &Aggregates{s: s}
}

// Instances is the saga.InstanceStore view of a Store.
type Instances struct {
	s *Store
}

// Instances returns the saga instance table.
func (s *Store) Instances() *Instances {
	return &Instances{s: s}
}

// Insert implements aggregate.Store.
func (a *Aggregates) Insert(ctx context.Context, r *aggregate.Record) error {
	s := a.s
	return s.inTx(ctx, func(t *tx) error {
		k := aggKey{r.Type, r.ID}
		if _, ok := t.aggregates[k]; ok {
			return aggregate.ErrAlreadyExists
		}
		s.mu.Lock()
		_, exists := s.aggregates[k]
		s.mu.Unlock()
		if exists {
			return fmt.Errorf("%s '%s': %w", r.Type, r.ID, aggregate.ErrAlreadyExists)
		}
		t.aggregates[k] = staged[aggregate.Record]{row: *r, base: -1}
		return nil
	})
}

// Load implements aggregate.Store.
func (a *Aggregates) Load(ctx context.Context, aggregateType string, id string) (*aggregate.Record, error) {
	s := a.s
	k := aggKey{aggregateType, id}
	if t, ok := ctx.Value(txKey{}).(*tx); ok {
		if w, ok := t.aggregates[k]; ok {
			r := w.row
			return &r, nil
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.aggregates[k]
	if !ok {
		return nil, aggregate.ErrNotFound
	}
	return &r, nil
}

// Update implements aggregate.Store.
func (a *Aggregates) Update(ctx context.Context, r *aggregate.Record, expectedVersion int64) error {
	s := a.s
	return s.inTx(ctx, func(t *tx) error {
		k := aggKey{r.Type, r.ID}
		w, inTx := t.aggregates[k]
		if !inTx {
			s.mu.Lock()
			cur, ok := s.aggregates[k]
			s.mu.Unlock()
			if !ok {
				return aggregate.ErrNotFound
			}
			w = staged[aggregate.Record]{row: cur, base: cur.Version}
		}
		if w.row.Version != expectedVersion {
			return aggregate.ErrConcurrentModification
		}
		row := *r
		row.Version = expectedVersion + 1
		row.CreatedAt = w.row.CreatedAt
		t.aggregates[k] = staged[aggregate.Record]{row: row, base: w.base}
		r.Version = row.Version
		return nil
	})
}

// Create implements saga.InstanceStore.
func (is *Instances) Create(ctx context.Context, i *saga.Instance) error {
	s := is.s
	return s.inTx(ctx, func(t *tx) error {
		s.mu.Lock()
		_, exists := s.instances[i.ID]
		s.mu.Unlock()
		if _, ok := t.instances[i.ID]; ok || exists {
			return fmt.Errorf("saga '%s': %w", i.ID, aggregate.ErrAlreadyExists)
		}
		t.instances[i.ID] = staged[saga.Instance]{row: copyInstance(i), base: -1}
		return nil
	})
}

// Load implements saga.InstanceStore.
func (is *Instances) Load(ctx context.Context, id string) (*saga.Instance, error) {
	s := is.s
	if t, ok := ctx.Value(txKey{}).(*tx); ok {
		if w, ok := t.instances[id]; ok {
			i := copyInstance(&w.row)
			return &i, nil
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.instances[id]
	if !ok {
		return nil, aggregate.ErrNotFound
	}
	c := copyInstance(&i)
	return &c, nil
}

// Update implements saga.InstanceStore.
func (is *Instances) Update(ctx context.Context, i *saga.Instance, expectedVersion int64) error {
	s := is.s
	return s.inTx(ctx, func(t *tx) error {
		w, inTx := t.instances[i.ID]
		if !inTx {
			s.mu.Lock()
			cur, ok := s.instances[i.ID]
			s.mu.Unlock()
			if !ok {
				return aggregate.ErrNotFound
			}
			w = staged[saga.Instance]{row: cur, base: cur.Version}
		}
		if w.row.Version != expectedVersion {
			return aggregate.ErrConcurrentModification
		}
		row := copyInstance(i)
		row.Version = expectedVersion + 1
		t.instances[i.ID] = staged[saga.Instance]{row: row, base: w.base}
		i.Version = row.Version
		return nil
	})
}

// FindExpired implements saga.InstanceStore.
func (is *Instances) FindExpired(_ context.Context, now time.Time, limit int) ([]*saga.Instance, error) {
	s := is.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*saga.Instance
	for _, i := range s.instances {
		if !i.State.Terminal() && !i.DeadlineAt.IsZero() && !i.DeadlineAt.After(now) {
			c := copyInstance(&i)
			res = append(res, &c)
		}
	}
	sort.Slice(res, func(a, b int) bool { return res[a].DeadlineAt.Before(res[b].DeadlineAt) })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// Lookup implements participant.ProcessedStore.
func (s *Store) Lookup(ctx context.Context, participant string, commandId string) ([]byte, bool, error) {
	k := processedKey{participant, commandId}
	if t, ok := ctx.Value(txKey{}).(*tx); ok {
		if r, ok := t.processed[k]; ok {
			return r, true, nil
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.processed[k]
	return r, ok, nil
}

// Record implements participant.ProcessedStore.
func (s *Store) Record(ctx context.Context, participant string, commandId string, reply []byte) error {
	return s.inTx(ctx, func(t *tx) error {
		t.processed[processedKey{participant, commandId}] = reply
		return nil
	})
}

// Save implements repository.Repository. The record becomes visible to the
// relay when the transaction commits.
func (s *Store) Save(ctx context.Context, o *repository.OutboxRecord) error {
	return s.inTx(ctx, func(t *tx) error {
		c := *o
		t.outbox = append(t.outbox, &c)
		return nil
	})
}

// AcquireLock implements repository.Repository.
func (s *Store) AcquireLock(_ context.Context, dispatcherId uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.lock.locked && s.lock.lockedUntil.After(now) {
		return false, nil
	}
	s.lock = outboxLock{locked: true, lockedBy: dispatcherId, lockedUntil: now.Add(repository.LockMaxDuration)}
	return true, nil
}

// ReleaseLock implements repository.Repository.
func (s *Store) ReleaseLock(_ context.Context, dispatcherId uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lock.locked || s.lock.lockedBy != dispatcherId {
		return fmt.Errorf("unexpected lock status. The lock should be locked by %s", dispatcherId)
	}
	s.lock = outboxLock{}
	return nil
}

// FindInBatches implements repository.Repository.
func (s *Store) FindInBatches(ctx context.Context, batchSize int, limit int, fc func([]*repository.OutboxRecord) error) error {
	s.mu.Lock()
	var pending []*repository.OutboxRecord
	for _, o := range s.outbox {
		if !o.Published {
			c := *o
			pending = append(pending, &c)
		}
		if limit > 0 && len(pending) == limit {
			break
		}
	}
	s.mu.Unlock()

	for start := 0; start < len(pending); start += batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+batchSize, len(pending))
		if err := fc(pending[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// MarkInBatches implements repository.Repository.
func (s *Store) MarkInBatches(_ context.Context, _ int, records []uuid.UUID) error {
	ids := make(map[uuid.UUID]bool, len(records))
	for _, id := range records {
		ids[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.outbox {
		if ids[o.Id] {
			o.Published = true
		}
	}
	return nil
}

// SubscribeDispatcher implements repository.Repository.
func (s *Store) SubscribeDispatcher(_ context.Context, dispatcherId uuid.UUID, maxDispatchers int) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	id, expired := repository.AllocateSubscription(s.subscriptions, now)
	if id > maxDispatchers {
		s.logger.Debug("unable to subscribe due to maximum number of dispatchers reached")
		return false, 0, nil
	}
	ds := repository.DispatcherSubscription{Id: id, DispatcherId: dispatcherId, AliveAt: now, Version: 1}
	if expired != nil {
		ds.Version = expired.Version + 1
		s.subscriptions[id-1] = ds
	} else {
		s.subscriptions = append(s.subscriptions, ds)
	}
	return true, id, nil
}

// UpdateSubscription implements repository.Repository.
func (s *Store) UpdateSubscription(_ context.Context, dispatcherId uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.subscriptions {
		if s.subscriptions[i].DispatcherId == dispatcherId {
			s.subscriptions[i].AliveAt = s.now()
			return true, nil
		}
	}
	s.logger.Warn(fmt.Sprintf("the dispatcher '%s' has no active subscription!", dispatcherId))
	return false, nil
}

// Outbox returns a copy of every committed outbox record in creation order.
func (s *Store) Outbox() []repository.OutboxRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]repository.OutboxRecord, 0, len(s.outbox))
	for _, o := range s.outbox {
		res = append(res, *o)
	}
	return res
}

func copyInstance(i *saga.Instance) saga.Instance {
	c := *i
	c.Data = append([]byte(nil), i.Data...)
	return c
}
