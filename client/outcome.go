package client

import (
	"context"
	"encoding/json"
	"fmt"

	"mini-varlink/message"
)

// OutcomeKind tells how a call settled.
type OutcomeKind uint8

const (
	Pending          OutcomeKind = iota
	Resolved                     // reply carried parameters
	RejectedRemote               // reply carried an error (*message.RemoteError)
	RejectedProtocol             // reply was malformed (*message.ProtocolError)
	RejectedClose                // channel closed first (*message.TransportCloseError)
)

func (k OutcomeKind) String() string {
	switch k {
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	case RejectedRemote:
		return "remote-error"
	case RejectedProtocol:
		return "protocol-error"
	case RejectedClose:
		return "transport-close"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", uint8(k))
	}
}

// Outcome is the single-assignment result of one call. It is settled exactly
// once; Done is closed at that moment and the result never changes afterwards.
type Outcome struct {
	method string
	done   chan struct{}

	// written once, before done is closed
	kind  OutcomeKind
	reply *message.Reply
	err   error
}

func newOutcome(method string) *Outcome {
	return &Outcome{method: method, done: make(chan struct{})}
}

// settle must be called at most once; the sequencer guarantees it.
func (o *Outcome) settle(kind OutcomeKind, reply *message.Reply, err error) {
	o.kind = kind
	o.reply = reply
	o.err = err
	close(o.done)
}

// Method returns the method the call was made for.
func (o *Outcome) Method() string {
	return o.method
}

// Done is closed when the outcome settles.
func (o *Outcome) Done() <-chan struct{} {
	return o.done
}

// Settled reports whether the outcome has settled.
func (o *Outcome) Settled() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the outcome settles or ctx ends. Giving up on ctx does
// not withdraw the call: it stays outstanding on its channel.
func (o *Outcome) Wait(ctx context.Context) (message.Parameters, error) {
	select {
	case <-o.done:
		if o.err != nil {
			return nil, o.err
		}
		return o.reply.Parameters, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Kind returns Pending until the outcome settles.
func (o *Outcome) Kind() OutcomeKind {
	if !o.Settled() {
		return Pending
	}
	return o.kind
}

// Err returns the rejection, or nil if pending or resolved.
func (o *Outcome) Err() error {
	if !o.Settled() {
		return nil
	}
	return o.err
}

// Parameters returns the reply parameters of a resolved outcome.
func (o *Outcome) Parameters() message.Parameters {
	if o.Kind() != Resolved {
		return nil
	}
	return o.reply.Parameters
}

// Decode unmarshals the reply parameters of a resolved outcome into v.
func (o *Outcome) Decode(v any) error {
	switch o.Kind() {
	case Pending:
		return fmt.Errorf("%s: outcome pending", o.method)
	case Resolved:
		return json.Unmarshal(o.reply.Raw, v)
	default:
		return o.err
	}
}
