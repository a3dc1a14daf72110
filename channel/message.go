package channel

import (
	"encoding/json"
	"fmt"

	"github.com/iancoleman/strcase"
)

// Kind is the closed set of message kinds travelling through channels.
type Kind string

const (
	KindCommand Kind = "command"
	KindReply   Kind = "reply"
)

// Outcome of a command as reported by the participant.
type Outcome string

const (
	Success Outcome = "SUCCESS"
	Failure Outcome = "FAILURE"
)

// Message is the envelope of commands and replies.
type Message struct {
	ID           string          `json:"id"`
	Kind         Kind            `json:"kind"`
	Type         string          `json:"type"`
	CommandID    string          `json:"commandId,omitempty"` // replies only
	SagaID       string          `json:"sagaId,omitempty"`
	SagaType     string          `json:"sagaType,omitempty"`
	StepIndex    int             `json:"stepIndex"`
	Compensating bool            `json:"compensating,omitempty"`
	Destination  string          `json:"destination"`
	ReplyChannel string          `json:"replyChannel,omitempty"`
	Outcome      Outcome         `json:"outcome,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// Succeeded reports whether a reply carries a success outcome.
func (m *Message) Succeeded() bool {
	return m.Outcome == Success
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", m.Type, err)
	}
	return nil
}

// CommandChannel names the channel a participant consumes its commands from
// (e.g. "Kitchen" is served on "kitchen-service").
func CommandChannel(participant string) string {
	return fmt.Sprintf("%s-service", strcase.ToKebab(participant))
}

// ReplyChannel names the channel the orchestrator of sagaType consumes
// replies from (e.g. "CreateOrderSaga" listens on "create-order-saga-reply").
func ReplyChannel(sagaType string) string {
	return fmt.Sprintf("%s-reply", strcase.ToKebab(sagaType))
}

// Encode builds a payload from any serializable value. Raw bytes and nil are
// passed through.
func Encode(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return p, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}
