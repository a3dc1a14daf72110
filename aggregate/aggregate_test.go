package aggregate

import (
	"context"
	"sync"
	"testing"

	"github.com/3rs4lg4d0/gosaga/outbox"
	"github.com/3rs4lg4d0/gosaga/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lightState string

const (
	red    lightState = "RED"
	green  lightState = "GREEN"
	yellow lightState = "YELLOW"
)

var lightTransitions = Transitions[lightState]{
	"go":   {red: green},
	"warn": {green: yellow},
	"stop": {yellow: red, green: red},
}

type switched struct {
	To lightState `json:"to"`
}

func (switched) EventType() string { return "LightSwitched" }

type light struct {
	ID      string     `json:"id"`
	State   lightState `json:"state"`
	Changes int        `json:"changes"`
}

func (l *light) AggregateID() string { return l.ID }
func (l *light) StateName() string   { return string(l.State) }

func (l *light) apply(op string) ([]Event, error) {
	next, err := lightTransitions.Next("Light", l.ID, op, l.State)
	if err != nil {
		return nil, err
	}
	l.State = next
	l.Changes++
	return []Event{switched{To: next}}, nil
}

// memStore is a minimal versioned store.
type memStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func newMemStore() *memStore {
	return &memStore{records: map[string]Record{}}
}

func (s *memStore) Insert(_ context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.Type+r.ID]; ok {
		return ErrAlreadyExists
	}
	s.records[r.Type+r.ID] = *r
	return nil
}

func (s *memStore) Load(_ context.Context, t string, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[t+id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (s *memStore) Update(_ context.Context, r *Record, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[r.Type+r.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrConcurrentModification
	}
	r.Version = expectedVersion + 1
	r.CreatedAt = cur.CreatedAt
	s.records[r.Type+r.ID] = *r
	return nil
}

func TestTransitionsNext(t *testing.T) {
	type args struct {
		op      string
		current lightState
	}
	testcases := []struct {
		name      string
		args      args
		want      lightState
		expectErr bool
	}{
		{
			name: "allowed transition",
			args: args{op: "go", current: red},
			want: green,
		},
		{
			name: "operation with several sources",
			args: args{op: "stop", current: green},
			want: red,
		},
		{
			name:      "disallowed source state",
			args:      args{op: "go", current: yellow},
			want:      yellow,
			expectErr: true,
		},
		{
			name:      "unknown operation",
			args:      args{op: "blink", current: red},
			want:      red,
			expectErr: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := lightTransitions.Next("Light", "1", tc.args.op, tc.args.current)
			test.AssertError(t, err, tc.expectErr)
			assert.Equal(t, tc.want, got)
			if tc.expectErr {
				var ite *InvalidTransitionError
				require.ErrorAs(t, err, &ite)
				assert.ErrorIs(t, err, ErrInvalidTransition)
				assert.Equal(t, string(tc.args.current), ite.State)
				assert.Equal(t, tc.args.op, ite.Operation)
			}
		})
	}
}

func TestInvalidTransitionMutatesNothing(t *testing.T) {
	l := &light{ID: "1", State: red}
	events, err := l.apply("warn")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Nil(t, events)
	assert.Equal(t, &light{ID: "1", State: red}, l)
}

func TestRepositoryVersioning(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(newMemStore(), "Light", func() *light { return &light{} })
	require.NoError(t, repo.Create(ctx, &light{ID: "1", State: red}))
	assert.ErrorIs(t, repo.Create(ctx, &light{ID: "1", State: red}), ErrAlreadyExists)

	a, v, err := repo.Load(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	// two writers read the same version, the second one loses
	b, vb, err := repo.Load(ctx, "1")
	require.NoError(t, err)

	_, err = a.apply("go")
	require.NoError(t, err)
	nv, err := repo.Save(ctx, a, v)
	require.NoError(t, err)
	assert.Equal(t, v+1, nv)

	_, err = b.apply("go")
	require.NoError(t, err)
	_, err = repo.Save(ctx, b, vb)
	assert.ErrorIs(t, err, ErrConcurrentModification)

	stored, v, err := repo.Load(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	assert.Equal(t, 1, stored.Changes)

	_, _, err = repo.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepositoryUpdate(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(newMemStore(), "Light", func() *light { return &light{} })
	require.NoError(t, repo.Create(ctx, &light{ID: "1", State: red}))

	l, events, err := repo.Update(ctx, "1", func(l *light) ([]Event, error) { return l.apply("go") })
	require.NoError(t, err)
	assert.Equal(t, green, l.State)
	assert.Equal(t, []Event{switched{To: green}}, events)

	_, _, err = repo.Update(ctx, "1", func(l *light) ([]Event, error) { return l.apply("go") })
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, v, _ := repo.Load(ctx, "1")
	assert.Equal(t, int64(1), v)
}

func TestRetry(t *testing.T) {
	type args struct {
		attempts int
		failures int
		failWith error
	}
	testcases := []struct {
		name      string
		args      args
		wantCalls int
		wantErr   error
	}{
		{
			name:      "succeeds first time",
			args:      args{attempts: 3},
			wantCalls: 1,
		},
		{
			name:      "retries conflicts",
			args:      args{attempts: 3, failures: 2, failWith: ErrConcurrentModification},
			wantCalls: 3,
		},
		{
			name:      "gives up as conflict",
			args:      args{attempts: 3, failures: 5, failWith: ErrConcurrentModification},
			wantCalls: 3,
			wantErr:   ErrConflict,
		},
		{
			name:      "other errors are not retried",
			args:      args{attempts: 3, failures: 5, failWith: ErrInvalidTransition},
			wantCalls: 1,
			wantErr:   ErrInvalidTransition,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			err := Retry(context.Background(), tc.args.attempts, func(ctx context.Context) error {
				calls++
				if calls <= tc.args.failures {
					return tc.args.failWith
				}
				return nil
			})
			assert.Equal(t, tc.wantCalls, calls)
			if tc.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.wantErr)
			}
		})
	}
}

func TestRetryConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(newMemStore(), "Light", func() *light { return &light{} })
	require.NoError(t, repo.Create(ctx, &light{ID: "1", State: red}))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- Retry(ctx, 50, func(ctx context.Context) error {
				_, _, err := repo.Update(ctx, "1", func(l *light) ([]Event, error) {
					l.Changes++
					return nil, nil
				})
				return err
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	l, v, err := repo.Load(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, int64(8), v)
	assert.Equal(t, 8, l.Changes)
}

func TestToOutbox(t *testing.T) {
	events, err := ToOutbox(switched{To: green})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "LightSwitched", events[0].Type)
	assert.JSONEq(t, `{"to":"GREEN"}`, string(events[0].Payload))

	_, err = ToOutbox(badEvent{})
	assert.Error(t, err)
}

type badEvent struct {
	C chan int
}

func (badEvent) EventType() string { return "Bad" }

type recorded struct {
	aggregateType string
	id            string
	events        []outbox.Event
}

type fakeRecorder struct {
	calls []recorded
}

func (r *fakeRecorder) RecordForPublish(_ context.Context, aggregateType string, aggregateId string, events ...outbox.Event) error {
	r.calls = append(r.calls, recorded{aggregateType, aggregateId, events})
	return nil
}

func TestPublish(t *testing.T) {
	r := &fakeRecorder{}

	require.NoError(t, Publish(context.Background(), r, "Light", "l1"))
	assert.Empty(t, r.calls, "nothing is recorded without events")

	require.NoError(t, Publish(context.Background(), r, "Light", "l1", switched{To: green}, switched{To: yellow}))
	require.Len(t, r.calls, 1)
	assert.Equal(t, "Light", r.calls[0].aggregateType)
	assert.Equal(t, "l1", r.calls[0].id)
	require.Len(t, r.calls[0].events, 2)
	assert.JSONEq(t, `{"to":"YELLOW"}`, string(r.calls[0].events[1].Payload))

	assert.Error(t, Publish(context.Background(), r, "Light", "l1", badEvent{}))
}
