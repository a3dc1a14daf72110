package participant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/3rs4lg4d0/gosaga/aggregate"
	"github.com/3rs4lg4d0/gosaga/channel"
	"github.com/3rs4lg4d0/gosaga/logger"
	"github.com/3rs4lg4d0/gosaga/metrics"
	"github.com/3rs4lg4d0/gosaga/repository"
)

// Reply is the outcome a handler reports for a command.
type Reply struct {
	Outcome channel.Outcome
	Reason  string
	Payload any
}

// Success builds a successful reply carrying an optional payload.
func Success(payload any) Reply {
	return Reply{Outcome: channel.Success, Payload: payload}
}

// Failure builds a business rejection.
func Failure(reason string) Reply {
	return Reply{Outcome: channel.Failure, Reason: reason}
}

// Handler applies one command type to the participant aggregates. It runs
// inside the local transaction that also records the reply, and may run more
// than once for the same command if that transaction fails.
type Handler func(ctx context.Context, cmd *channel.Message) (Reply, error)

// ProcessedStore remembers the commands a participant already answered.
type ProcessedStore interface {
	// Lookup returns the reply recorded for commandId, if any.
	Lookup(ctx context.Context, participant string, commandId string) ([]byte, bool, error)

	// Record stores the reply sent for commandId.
	Record(ctx context.Context, participant string, commandId string, reply []byte) error
}

// Dispatcher routes the commands of one participant type to their handlers
// and makes their processing idempotent.
type Dispatcher struct {
	name       string
	channel    *channel.Channel
	tx         repository.Transactor
	processed  ProcessedStore
	handlers   map[string]Handler
	attempts   int
	logger     logger.Logger
	successCtr metrics.Counter
	errorCtr   metrics.Counter
}

var _ logger.Loggable = (*Dispatcher)(nil)

// opt allows optional configuration.
type opt func(d *Dispatcher)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l logger.Logger) opt {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithConflictRetries bounds the retries of a command whose transaction lost
// an optimistic concurrency race.
func WithConflictRetries(n int) opt {
	return func(d *Dispatcher) {
		if n > 0 {
			d.attempts = n
		}
	}
}

// WithOnSuccessCounter counts commands answered with a success outcome.
func WithOnSuccessCounter(co metrics.Counter) opt {
	return func(d *Dispatcher) {
		if co != nil {
			d.successCtr = co
		}
	}
}

// WithOnErrorCounter counts commands answered with a failure outcome.
func WithOnErrorCounter(co metrics.Counter) opt {
	return func(d *Dispatcher) {
		if co != nil {
			d.errorCtr = co
		}
	}
}

// NewDispatcher creates the dispatcher of participant name (e.g. "Kitchen").
func NewDispatcher(name string, ch *channel.Channel, tx repository.Transactor, ps ProcessedStore, options ...opt) *Dispatcher {
	if ch == nil || tx == nil || ps == nil {
		panic("channel, transactor and processed store are mandatory")
	}
	d := &Dispatcher{
		name:       name,
		channel:    ch,
		tx:         tx,
		processed:  ps,
		handlers:   map[string]Handler{},
		attempts:   aggregate.DefaultAttempts,
		logger:     &logger.NopLogger{},
		successCtr: &metrics.NopCounter{},
		errorCtr:   &metrics.NopCounter{},
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// SetLogger sets an optional logger.
func (d *Dispatcher) SetLogger(l logger.Logger) {
	if l != nil {
		d.logger = l
	}
}

// Handle registers h for commands of cmdType.
func (d *Dispatcher) Handle(cmdType string, h Handler) *Dispatcher {
	d.handlers[cmdType] = h
	return d
}

// Channel returns the channel the participant consumes commands from.
func (d *Dispatcher) Channel() string {
	return channel.CommandChannel(d.name)
}

// Start consumes the participant command channel until ctx is done.
func (d *Dispatcher) Start(ctx context.Context) error {
	return d.channel.Subscribe(ctx, d.Channel(), d.Channel(), d.Dispatch)
}

// Dispatch processes one command: in a single local transaction it runs the
// handler, records the reply in the outbox and remembers the command id. A
// command already answered gets its original reply again and the handler is
// not invoked. Invalid transitions and unknown aggregates are reported to
// the orchestrator as failures; any other handler error is returned so that
// the command is delivered again.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd *channel.Message) error {
	if cmd.Kind != channel.KindCommand {
		d.logger.Warn(fmt.Sprintf("%s ignores %s message '%s'", d.name, cmd.Kind, cmd.ID))
		return nil
	}

	var outcome channel.Outcome
	err := aggregate.Retry(ctx, d.attempts, func(ctx context.Context) error {
		outcome = ""
		return d.tx.WithinTx(ctx, func(ctx context.Context) error {
			prev, found, err := d.processed.Lookup(ctx, d.name, cmd.ID)
			if err != nil {
				return err
			}
			if found {
				d.logger.Debug(fmt.Sprintf("%s command '%s' already processed, replying again", cmd.Type, cmd.ID))
				var reply channel.Message
				if err := json.Unmarshal(prev, &reply); err != nil {
					return fmt.Errorf("decoding stored reply of '%s': %w", cmd.ID, err)
				}
				return d.channel.Resend(ctx, &reply)
			}

			r, err := d.invoke(ctx, cmd)
			if err != nil {
				return err
			}
			reply, err := d.channel.Reply(ctx, cmd, r.Outcome, r.Reason, r.Payload)
			if err != nil {
				return err
			}
			b, err := json.Marshal(reply)
			if err != nil {
				return err
			}
			outcome = r.Outcome
			return d.processed.Record(ctx, d.name, cmd.ID, b)
		})
	})
	if err != nil {
		d.logger.Error(fmt.Sprintf("%s could not process %s '%s'", d.name, cmd.Type, cmd.ID), err)
		return err
	}

	switch outcome {
	case channel.Success:
		d.successCtr.Inc(1)
	case channel.Failure:
		d.errorCtr.Inc(1)
	}
	return nil
}

func (d *Dispatcher) invoke(ctx context.Context, cmd *channel.Message) (Reply, error) {
	h, ok := d.handlers[cmd.Type]
	if !ok {
		return Failure(fmt.Sprintf("%s does not handle %s", d.name, cmd.Type)), nil
	}
	r, err := h(ctx, cmd)
	switch {
	case err == nil:
		return r, nil
	case errors.Is(err, aggregate.ErrInvalidTransition), errors.Is(err, aggregate.ErrNotFound):
		d.logger.Warn(fmt.Sprintf("%s rejected %s '%s': %v", d.name, cmd.Type, cmd.ID, err))
		return Failure(err.Error()), nil
	default:
		return Reply{}, err
	}
}
