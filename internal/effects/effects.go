// Package effects describes the side effects an event handler asks for.
// Handlers return effects as data; the listener decides when each one runs.
package effects

import (
	"encoding/json"
	"fmt"
)

// Kind tags an effect variant.
type Kind string

const (
	KindJob        Kind = "job"
	KindEmit       Kind = "emit"
	KindEmitToUser Kind = "emit_to_user"
)

// Effect is the closed set {Job, Emit, EmitToUser}.
type Effect interface {
	Kind() Kind
	// Durable effects commit in the same transaction as the cursor advance.
	Durable() bool
	sealed()
}

// Job dispatches a durable queue message.
type Job struct {
	Queue   string
	Payload json.RawMessage
}

// Emit broadcasts to every subscriber of a room after commit.
type Emit struct {
	Room    string
	Event   string
	Payload json.RawMessage
}

// EmitToUser broadcasts to a single user's connections after commit.
type EmitToUser struct {
	UserID  string
	Event   string
	Payload json.RawMessage
}

func (Job) Kind() Kind        { return KindJob }
func (Emit) Kind() Kind       { return KindEmit }
func (EmitToUser) Kind() Kind { return KindEmitToUser }

func (Job) Durable() bool        { return true }
func (Emit) Durable() bool       { return false }
func (EmitToUser) Durable() bool { return false }

func (Job) sealed()        {}
func (Emit) sealed()       {}
func (EmitToUser) sealed() {}

// NewJob marshals payload into a Job effect.
func NewJob(queue string, payload any) (Job, error) {
	raw, err := marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("job %s payload: %w", queue, err)
	}
	return Job{Queue: queue, Payload: raw}, nil
}

// NewEmit marshals payload into an Emit effect.
func NewEmit(room, event string, payload any) (Emit, error) {
	raw, err := marshal(payload)
	if err != nil {
		return Emit{}, fmt.Errorf("emit %s payload: %w", event, err)
	}
	return Emit{Room: room, Event: event, Payload: raw}, nil
}

// NewEmitToUser marshals payload into an EmitToUser effect.
func NewEmitToUser(userID, event string, payload any) (EmitToUser, error) {
	raw, err := marshal(payload)
	if err != nil {
		return EmitToUser{}, fmt.Errorf("emit %s payload: %w", event, err)
	}
	return EmitToUser{UserID: userID, Event: event, Payload: raw}, nil
}

func marshal(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	return json.Marshal(payload)
}

// Partition splits effects into durable jobs and ephemeral broadcasts,
// preserving order within each group. Nil entries are dropped.
func Partition(list []Effect) (durable []Job, ephemeral []Effect) {
	for _, e := range list {
		switch v := e.(type) {
		case Job:
			durable = append(durable, v)
		case *Job:
			if v != nil {
				durable = append(durable, *v)
			}
		case nil:
		default:
			ephemeral = append(ephemeral, e)
		}
	}
	return durable, ephemeral
}
