package saga

import (
	"encoding/json"
	"fmt"

	"github.com/3rs4lg4d0/gosaga/channel"
)

// Step pairs the forward command sent to a participant with the optional
// command that undoes it. A step without Action is local: it is passed over
// going forward and only contributes its compensation.
type Step[D any] struct {
	// Participant is the participant type serving the step commands (e.g. "Kitchen").
	Participant string

	Action        string
	ActionPayload func(data *D) any

	Compensation        string
	CompensationPayload func(data *D) any

	// OnSuccess folds a successful forward reply into the saga data.
	OnSuccess func(data *D, reply *channel.Message) error
}

// Definition is the immutable ordered list of steps of a saga type. D is the
// saga data accumulated along the steps.
type Definition[D any] struct {
	Type  string
	Steps []Step[D]
}

// Saga is the type-erased view of a Definition the engine works with.
type Saga interface {
	SagaType() string
	stepCount() int
	hasAction(i int) bool
	hasCompensation(i int) bool
	command(i int, compensating bool, data []byte) (*channel.Message, error)
	onSuccess(i int, data []byte, reply *channel.Message) ([]byte, error)
}

var _ Saga = (*Definition[struct{}])(nil)

// Validate checks that every command has a participant to go to.
func (d *Definition[D]) Validate() error {
	if d.Type == "" {
		return fmt.Errorf("saga definition without type")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("saga %s has no steps", d.Type)
	}
	for i, s := range d.Steps {
		if (s.Action != "" || s.Compensation != "") && s.Participant == "" {
			return fmt.Errorf("saga %s step %d has commands but no participant", d.Type, i)
		}
		if s.Action == "" && s.Compensation == "" {
			return fmt.Errorf("saga %s step %d does nothing", d.Type, i)
		}
	}
	return nil
}

func (d *Definition[D]) SagaType() string {
	return d.Type
}

func (d *Definition[D]) stepCount() int {
	return len(d.Steps)
}

func (d *Definition[D]) hasAction(i int) bool {
	return d.Steps[i].Action != ""
}

func (d *Definition[D]) hasCompensation(i int) bool {
	return d.Steps[i].Compensation != ""
}

func (d *Definition[D]) decode(data []byte) (*D, error) {
	v := new(D)
	if len(data) > 0 {
		if err := json.Unmarshal(data, v); err != nil {
			return nil, fmt.Errorf("decoding %s data: %w", d.Type, err)
		}
	}
	return v, nil
}

func (d *Definition[D]) command(i int, compensating bool, data []byte) (*channel.Message, error) {
	s := d.Steps[i]
	v, err := d.decode(data)
	if err != nil {
		return nil, err
	}

	cmdType, build := s.Action, s.ActionPayload
	if compensating {
		cmdType, build = s.Compensation, s.CompensationPayload
	}

	var payload any
	if build != nil {
		payload = build(v)
	}
	p, err := channel.Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", cmdType, err)
	}

	return &channel.Message{
		Type:         cmdType,
		SagaType:     d.Type,
		StepIndex:    i,
		Compensating: compensating,
		Destination:  channel.CommandChannel(s.Participant),
		ReplyChannel: channel.ReplyChannel(d.Type),
		Payload:      p,
	}, nil
}

func (d *Definition[D]) onSuccess(i int, data []byte, reply *channel.Message) ([]byte, error) {
	s := d.Steps[i]
	if s.OnSuccess == nil {
		return data, nil
	}
	v, err := d.decode(data)
	if err != nil {
		return nil, err
	}
	if err := s.OnSuccess(v, reply); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// DecodeData returns the saga data of an instance of this definition.
func (d *Definition[D]) DecodeData(i *Instance) (*D, error) {
	return d.decode(i.Data)
}
