package outbox

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/3rs4lg4d0/gosaga/emitter"
	"github.com/3rs4lg4d0/gosaga/repository"
	"github.com/google/uuid"
)

// fakeRepository keeps outbox records in memory.
type fakeRepository struct {
	mu       sync.Mutex
	records  []*repository.OutboxRecord
	seq      int64
	locked   bool
	saveErr  error
	markErr  error
	lockErr  error
	subs     int
	stolen   bool
	findCall int
}

var _ repository.Repository = (*fakeRepository)(nil)

func (r *fakeRepository) Save(_ context.Context, o *repository.OutboxRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	r.seq++
	o.Seq = r.seq
	r.records = append(r.records, o)
	return nil
}

func (r *fakeRepository) AcquireLock(_ context.Context, _ uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lockErr != nil {
		return false, r.lockErr
	}
	if r.locked {
		return false, nil
	}
	r.locked = true
	return true, nil
}

func (r *fakeRepository) ReleaseLock(_ context.Context, _ uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locked = false
	return nil
}

func (r *fakeRepository) FindInBatches(_ context.Context, batchSize int, limit int, fc func([]*repository.OutboxRecord) error) error {
	r.mu.Lock()
	r.findCall++
	var pending []*repository.OutboxRecord
	for _, o := range r.records {
		if !o.Published {
			c := *o
			pending = append(pending, &c)
		}
	}
	r.mu.Unlock()

	sort.Slice(pending, func(i, j int) bool { return pending[i].Seq < pending[j].Seq })
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	for start := 0; start < len(pending); start += batchSize {
		end := start + batchSize
		if end > len(pending) {
			end = len(pending)
		}
		if err := fc(pending[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (r *fakeRepository) MarkInBatches(_ context.Context, _ int, ids []uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.markErr != nil {
		return r.markErr
	}
	set := map[uuid.UUID]bool{}
	for _, id := range ids {
		set[id] = true
	}
	for _, o := range r.records {
		if set[o.Id] {
			o.Published = true
		}
	}
	return nil
}

func (r *fakeRepository) SubscribeDispatcher(_ context.Context, _ uuid.UUID, max int) (bool, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs >= max {
		return false, 0, nil
	}
	r.subs++
	return true, r.subs, nil
}

func (r *fakeRepository) UpdateSubscription(_ context.Context, _ uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.stolen, nil
}

func (r *fakeRepository) unpublished() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, o := range r.records {
		if !o.Published {
			n++
		}
	}
	return n
}

// fakeEmitter acknowledges every record unless the broker is down or the
// aggregate is poisoned.
type fakeEmitter struct {
	mu        sync.Mutex
	down      int // number of next emissions rejected
	poisoned  map[string]bool
	noReport  bool
	delivered []*repository.OutboxRecord
	attempts  int
}

var _ emitter.Emitter = (*fakeEmitter)(nil)

func (e *fakeEmitter) Emit(o *repository.OutboxRecord, dc chan *emitter.DeliveryReport) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attempts++
	if e.down > 0 {
		e.down--
		return errors.New("connection refused")
	}
	if e.noReport {
		return nil
	}
	if e.poisoned[o.AggregateId] {
		dc <- &emitter.DeliveryReport{Record: o, Error: errors.New("nack")}
		return nil
	}
	e.delivered = append(e.delivered, o)
	dc <- &emitter.DeliveryReport{Record: o}
	return nil
}

func (e *fakeEmitter) payloadsOf(aggregateId string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var res []string
	for _, o := range e.delivered {
		if o.AggregateId == aggregateId {
			res = append(res, string(o.Payload))
		}
	}
	return res
}

func (e *fakeEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.delivered)
}

func (r *fakeRepository) finds() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findCall
}
