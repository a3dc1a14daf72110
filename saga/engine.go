package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/gosaga/aggregate"
	"github.com/3rs4lg4d0/gosaga/channel"
	"github.com/3rs4lg4d0/gosaga/logger"
	"github.com/3rs4lg4d0/gosaga/metrics"
	"github.com/3rs4lg4d0/gosaga/repository"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/3rs4lg4d0/gosaga/saga"

var (
	// ErrUnknownSaga is returned when starting a saga type never registered.
	ErrUnknownSaga = errors.New("unknown saga type")

	// ErrParticipantFailure prefixes the failure reason of instances a
	// participant rejected.
	ErrParticipantFailure = errors.New("participant failure")

	// ErrDeliveryTimeout prefixes the failure reason of instances whose
	// command stayed unanswered after every attempt.
	ErrDeliveryTimeout = errors.New("delivery timeout")
)

// Messenger sends commands and consumes replies.
type Messenger interface {
	Send(ctx context.Context, cmd *channel.Message) error
	Subscribe(ctx context.Context, channelName string, group string, h channel.Handler) error
}

// Engine is the saga orchestrator. It keeps no in-memory state about running
// sagas: every reply or timeout loads the instance, decides and writes it
// back predicated on its version, together with the next command.
type Engine struct {
	settings   Settings
	store      InstanceStore
	tx         repository.Transactor
	messenger  Messenger
	sagas      map[string]Saga
	logger     logger.Logger
	tracer     trace.Tracer
	successCtr metrics.Counter
	errorCtr   metrics.Counter
	now        func() time.Time
}

var _ logger.Loggable = (*Engine)(nil)

// opt allows optional configuration.
type opt func(e *Engine)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l logger.Logger) opt {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithOnSuccessCounter counts sagas reaching COMPLETED.
func WithOnSuccessCounter(co metrics.Counter) opt {
	return func(e *Engine) {
		if co != nil {
			e.successCtr = co
		}
	}
}

// WithOnErrorCounter counts sagas reaching COMPENSATED or FAILED.
func WithOnErrorCounter(co metrics.Counter) opt {
	return func(e *Engine) {
		if co != nil {
			e.errorCtr = co
		}
	}
}

// WithTracerProvider replaces the global OpenTelemetry tracer provider.
func WithTracerProvider(tp trace.TracerProvider) opt {
	return func(e *Engine) {
		if tp != nil {
			e.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithClock replaces the wall clock used for deadlines.
func WithClock(now func() time.Time) opt {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates an orchestrator for the given sagas.
func NewEngine(s Settings, store InstanceStore, tx repository.Transactor, m Messenger, options ...opt) *Engine {
	if store == nil || tx == nil || m == nil {
		panic("instance store, transactor and messenger are mandatory")
	}

	validateSettings(&s)

	e := &Engine{
		settings:   s,
		store:      store,
		tx:         tx,
		messenger:  m,
		sagas:      map[string]Saga{},
		logger:     &logger.NopLogger{},
		tracer:     otel.Tracer(tracerName),
		successCtr: &metrics.NopCounter{},
		errorCtr:   &metrics.NopCounter{},
		now:        time.Now,
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// SetLogger sets an optional logger.
func (e *Engine) SetLogger(l logger.Logger) {
	if l != nil {
		e.logger = l
	}
}

// Register makes a saga definition available to Start. It must be called
// before Run.
func (e *Engine) Register(s Saga) error {
	if v, ok := s.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	if _, ok := e.sagas[s.SagaType()]; ok {
		return fmt.Errorf("saga %s already registered", s.SagaType())
	}
	e.sagas[s.SagaType()] = s
	return nil
}

// Start creates an instance of sagaType with data and sends its first
// command. When ctx carries a transaction the instance and the command join
// it. The saga then proceeds asynchronously.
func (e *Engine) Start(ctx context.Context, sagaType string, data any) (string, error) {
	s, ok := e.sagas[sagaType]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSaga, sagaType)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encoding %s data: %w", sagaType, err)
	}

	now := e.now().UTC()
	inst := &Instance{
		ID:        uuid.NewString(),
		SagaType:  sagaType,
		StepIndex: -1,
		State:     Started,
		Data:      raw,
		CreatedAt: now,
		UpdatedAt: now,
	}

	ctx, span := e.tracer.Start(ctx, "saga.start", trace.WithAttributes(
		attribute.String("saga.type", sagaType),
		attribute.String("saga.id", inst.ID),
	))
	defer span.End()

	err = e.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := e.forward(ctx, s, inst, 0); err != nil {
			return err
		}
		return e.store.Create(ctx, inst)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "start failed")
		return "", fmt.Errorf("starting %s: %w", sagaType, err)
	}

	e.logger.Debug(fmt.Sprintf("%s '%s' started", sagaType, inst.ID))
	e.count(inst)
	return inst.ID, nil
}

// Load returns the current state of a saga instance.
func (e *Engine) Load(ctx context.Context, id string) (*Instance, error) {
	return e.store.Load(ctx, id)
}

// HandleReply advances or rolls back the instance a reply belongs to. Replies
// that do not answer the command the instance is waiting for are discarded.
// Losing an optimistic concurrency race re-reads the instance and decides
// again, so concurrent deliveries of one reply advance the instance once.
func (e *Engine) HandleReply(ctx context.Context, reply *channel.Message) error {
	ctx, span := e.tracer.Start(ctx, "saga.reply", trace.WithAttributes(
		attribute.String("saga.type", reply.SagaType),
		attribute.String("saga.id", reply.SagaID),
		attribute.Int("saga.step", reply.StepIndex),
		attribute.String("saga.outcome", string(reply.Outcome)),
	))
	defer span.End()

	var changed *Instance
	err := aggregate.Retry(ctx, e.settings.ConflictRetries, func(ctx context.Context) error {
		changed = nil
		return e.tx.WithinTx(ctx, func(ctx context.Context) error {
			inst, err := e.store.Load(ctx, reply.SagaID)
			if errors.Is(err, aggregate.ErrNotFound) {
				e.logger.Warn(fmt.Sprintf("reply '%s' for unknown saga '%s' discarded", reply.ID, reply.SagaID))
				return nil
			}
			if err != nil {
				return err
			}
			if stale(inst, reply) {
				e.logger.Debug(fmt.Sprintf("stale reply '%s' for saga '%s' step %d discarded", reply.ID, inst.ID, reply.StepIndex))
				span.SetAttributes(attribute.Bool("saga.stale", true))
				return nil
			}
			s, ok := e.sagas[inst.SagaType]
			if !ok {
				return fmt.Errorf("%w: %s", ErrUnknownSaga, inst.SagaType)
			}

			version := inst.Version
			if err := e.react(ctx, s, inst, reply); err != nil {
				return err
			}
			inst.UpdatedAt = e.now().UTC()
			if err := e.store.Update(ctx, inst, version); err != nil {
				return err
			}
			changed = inst
			return nil
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reply not handled")
		e.logger.Error(fmt.Sprintf("handling reply '%s' for saga '%s'", reply.ID, reply.SagaID), err)
		return err
	}

	if changed != nil {
		e.count(changed)
	}
	return nil
}

// react applies the transition a relevant reply triggers.
func (e *Engine) react(ctx context.Context, s Saga, inst *Instance, reply *channel.Message) error {
	switch {
	case inst.State == Started && reply.Succeeded():
		data, err := s.onSuccess(inst.StepIndex, inst.Data, reply)
		if err != nil {
			// the step took effect so it is compensated too
			e.logger.Error(fmt.Sprintf("saga '%s' could not use the reply of step %d", inst.ID, inst.StepIndex), err)
			inst.FailureReason = fmt.Sprintf("step %d reply: %v", inst.StepIndex, err)
			return e.compensate(ctx, s, inst, inst.StepIndex)
		}
		inst.Data = data
		return e.forward(ctx, s, inst, inst.StepIndex+1)

	case inst.State == Started:
		inst.FailureReason = fmt.Sprintf("%v: %s at step %d: %s", ErrParticipantFailure, reply.Type, inst.StepIndex, reply.Reason)
		e.logger.Info(fmt.Sprintf("saga '%s' compensating: %s", inst.ID, inst.FailureReason))
		return e.compensate(ctx, s, inst, inst.StepIndex-1)

	case reply.Succeeded():
		return e.compensate(ctx, s, inst, inst.StepIndex-1)

	default:
		inst.State = Failed
		inst.DeadlineAt = time.Time{}
		inst.FailureReason = fmt.Sprintf("%v: compensation %s at step %d: %s", ErrParticipantFailure, reply.Type, inst.StepIndex, reply.Reason)
		e.logger.Error(fmt.Sprintf("saga '%s' needs operator attention", inst.ID), errors.New(inst.FailureReason))
		return nil
	}
}

// stale reports whether reply answers something other than the pending
// command of inst.
func stale(inst *Instance, reply *channel.Message) bool {
	return inst.State.Terminal() ||
		reply.CommandID != inst.PendingCommandID ||
		reply.StepIndex != inst.StepIndex ||
		reply.Compensating != (inst.State == Compensating)
}

// forward sends the action of the first step from index from that has one,
// or completes the saga.
func (e *Engine) forward(ctx context.Context, s Saga, inst *Instance, from int) error {
	for i := from; i < s.stepCount(); i++ {
		if s.hasAction(i) {
			return e.send(ctx, s, inst, i)
		}
	}
	inst.StepIndex = s.stepCount() - 1
	inst.State = Completed
	inst.PendingCommandID = ""
	inst.DeadlineAt = time.Time{}
	return nil
}

// compensate sends the compensation of the highest step not above from that
// has one, or ends the saga as COMPENSATED.
func (e *Engine) compensate(ctx context.Context, s Saga, inst *Instance, from int) error {
	inst.State = Compensating
	for i := from; i >= 0; i-- {
		if s.hasCompensation(i) {
			return e.send(ctx, s, inst, i)
		}
	}
	inst.StepIndex = -1
	inst.State = Compensated
	inst.PendingCommandID = ""
	inst.DeadlineAt = time.Time{}
	return nil
}

// send issues a new command for step i.
func (e *Engine) send(ctx context.Context, s Saga, inst *Instance, i int) error {
	inst.StepIndex = i
	inst.PendingCommandID = uuid.NewString()
	inst.Attempts = 1
	inst.DeadlineAt = e.now().UTC().Add(e.settings.ReplyTimeout)
	return e.dispatch(ctx, s, inst)
}

// dispatch writes the pending command of inst to the outbox.
func (e *Engine) dispatch(ctx context.Context, s Saga, inst *Instance) error {
	cmd, err := s.command(inst.StepIndex, inst.State == Compensating, inst.Data)
	if err != nil {
		return err
	}
	cmd.ID = inst.PendingCommandID
	cmd.SagaID = inst.ID
	if err := e.messenger.Send(ctx, cmd); err != nil {
		return fmt.Errorf("sending %s for saga '%s': %w", cmd.Type, inst.ID, err)
	}
	e.logger.Debug(fmt.Sprintf("saga '%s' step %d sent %s '%s' (attempt %d)", inst.ID, inst.StepIndex, cmd.Type, cmd.ID, inst.Attempts))
	return nil
}

// Sweep sends again the commands whose reply deadline passed, keeping their
// command id, and fails the instances that exhausted their attempts. It
// returns the number of instances handled.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	expired, err := e.store.FindExpired(ctx, e.now().UTC(), e.settings.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("finding expired sagas: %w", err)
	}
	n := 0
	for _, inst := range expired {
		if err := e.timeout(ctx, inst.ID); err != nil {
			e.logger.Error(fmt.Sprintf("handling timeout of saga '%s'", inst.ID), err)
			continue
		}
		n++
	}
	return n, nil
}

func (e *Engine) timeout(ctx context.Context, id string) error {
	ctx, span := e.tracer.Start(ctx, "saga.timeout", trace.WithAttributes(attribute.String("saga.id", id)))
	defer span.End()

	var changed *Instance
	err := aggregate.Retry(ctx, e.settings.ConflictRetries, func(ctx context.Context) error {
		changed = nil
		return e.tx.WithinTx(ctx, func(ctx context.Context) error {
			inst, err := e.store.Load(ctx, id)
			if err != nil {
				return err
			}
			now := e.now().UTC()
			if inst.State.Terminal() || inst.DeadlineAt.IsZero() || inst.DeadlineAt.After(now) {
				// answered in the meantime
				return nil
			}
			s, ok := e.sagas[inst.SagaType]
			if !ok {
				return fmt.Errorf("%w: %s", ErrUnknownSaga, inst.SagaType)
			}

			version := inst.Version
			if inst.Attempts >= e.settings.MaxAttempts {
				inst.State = Failed
				inst.DeadlineAt = time.Time{}
				inst.FailureReason = fmt.Sprintf("%v: step %d unanswered after %d attempts", ErrDeliveryTimeout, inst.StepIndex, inst.Attempts)
				e.logger.Error(fmt.Sprintf("saga '%s' needs operator attention", inst.ID), errors.New(inst.FailureReason))
			} else {
				inst.Attempts++
				inst.DeadlineAt = now.Add(e.settings.ReplyTimeout)
				if err := e.dispatch(ctx, s, inst); err != nil {
					return err
				}
			}
			inst.UpdatedAt = now
			if err := e.store.Update(ctx, inst, version); err != nil {
				return err
			}
			changed = inst
			return nil
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "timeout not handled")
		return err
	}
	if changed != nil {
		span.SetAttributes(attribute.Int("saga.attempts", changed.Attempts), attribute.String("saga.state", string(changed.State)))
		e.count(changed)
	}
	return nil
}

// Run consumes the reply channels of the registered sagas and sweeps timed
// out commands until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	for t := range e.sagas {
		rc := channel.ReplyChannel(t)
		if err := e.messenger.Subscribe(ctx, rc, rc, e.HandleReply); err != nil {
			return fmt.Errorf("subscribing to %s: %w", rc, err)
		}
	}

	ticker := time.NewTicker(e.settings.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := e.Sweep(ctx); err != nil {
				e.logger.Error("sweeping sagas", err)
			}
		}
	}
}

func (e *Engine) count(inst *Instance) {
	switch inst.State {
	case Completed:
		e.logger.Info(fmt.Sprintf("%s '%s' completed", inst.SagaType, inst.ID))
		e.successCtr.Inc(1)
	case Compensated, Failed:
		e.logger.Info(fmt.Sprintf("%s '%s' ended %s", inst.SagaType, inst.ID, inst.State))
		e.errorCtr.Inc(1)
	}
}
