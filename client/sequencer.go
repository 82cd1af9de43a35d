// Package client issues varlink calls.
//
// Varlink replies carry no request ID: the next message on a channel answers
// the call sent last. Sequencer therefore keeps a one-slot mailbox per channel:
//
//	Call(A) ── slot empty? ── occupy, AddListener, Send ──►
//	                                  ◄── message ── RemoveListener, decode,
//	                                                 settle A and free the slot
//	Call(B) ── only now succeeds ──►
//
// A second Call while the slot is occupied fails with ErrCallInFlight and
// sends nothing. Dependent calls are composed by waiting for one Outcome
// before issuing the next call (see Sequencer.Do).
package client

import (
	"context"
	"errors"
	"sync"

	"mini-varlink/codec"
	"mini-varlink/logging"
	"mini-varlink/message"
	"mini-varlink/transport"
)

// ErrCallInFlight is returned by Call when the channel already has an
// outstanding call.
var ErrCallInFlight = errors.New("varlink: a call is already outstanding on this channel")

// Sequencer drives calls over one channel, one at a time. It never closes the channel.
type Sequencer struct {
	ch     transport.Channel
	framer *codec.Framer
	logger logging.Printer

	mu        sync.Mutex // guards inflight, outOfSync and the framer
	inflight  *pendingCall
	outOfSync bool // a reply failed to decode; stream position unknown
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithFramer replaces the default UTF-8 framer.
func WithFramer(f *codec.Framer) Option {
	return func(s *Sequencer) { s.framer = f }
}

// WithLogger logs every resolved call with its result.
func WithLogger(l logging.Printer) Option {
	return func(s *Sequencer) { s.logger = l }
}

// NewSequencer binds a sequencer to ch. Only one sequencer may drive a channel.
func NewSequencer(ch transport.Channel, opts ...Option) *Sequencer {
	s := &Sequencer{ch: ch}
	for _, opt := range opts {
		opt(s)
	}
	if s.framer == nil {
		s.framer = codec.NewFramer(nil)
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}
	return s
}

// pendingCall is the listener for exactly one call.
type pendingCall struct {
	s       *Sequencer
	outcome *Outcome
}

func (p *pendingCall) OnMessage(data []byte) {
	p.s.onMessage(p, data)
}

func (p *pendingCall) OnClose(reason *message.TransportCloseError) {
	p.s.finish(p, RejectedClose, nil, reason)
}

// Call sends method with parameters and returns the call's Outcome.
// The error is ErrCallInFlight or an encoding failure; in both cases nothing
// was sent. Transport failures reject the Outcome instead.
func (s *Sequencer) Call(method string, parameters message.Parameters) (*Outcome, error) {
	s.mu.Lock()
	if s.inflight != nil {
		s.mu.Unlock()
		return nil, ErrCallInFlight
	}
	data, err := s.framer.Encode(method, parameters)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	call := &pendingCall{s: s, outcome: newOutcome(method)}
	s.inflight = call
	s.ch.AddListener(call)
	s.mu.Unlock()

	if err := s.ch.Send(data); err != nil {
		s.finish(call, RejectedClose, nil, closeReason(err))
	}
	return call.outcome, nil
}

// Do calls method and waits for the outcome.
func (s *Sequencer) Do(ctx context.Context, method string, parameters message.Parameters) (message.Parameters, error) {
	outcome, err := s.Call(method, parameters)
	if err != nil {
		return nil, err
	}
	return outcome.Wait(ctx)
}

// OutOfSync reports whether any reply on the channel failed to decode. The
// rest of such a reply may still be in the stream, so the next message can
// not be trusted to answer the next call. The flag never clears.
func (s *Sequencer) OutOfSync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outOfSync
}

// Busy reports whether a call is outstanding.
func (s *Sequencer) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight != nil
}

func (s *Sequencer) onMessage(call *pendingCall, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight != call {
		return
	}
	s.release(call)

	reply, err := s.framer.Decode(data)
	switch {
	case err != nil:
		s.outOfSync = true
		call.outcome.settle(RejectedProtocol, nil, err)
	case reply.Kind == message.ReplyError:
		call.outcome.settle(RejectedRemote, nil, &message.RemoteError{Value: reply.Error})
	default:
		s.logger.Printf("varlink call %s → %s", call.outcome.method, reply.Raw)
		call.outcome.settle(Resolved, reply, nil)
	}
}

func (s *Sequencer) finish(call *pendingCall, kind OutcomeKind, reply *message.Reply, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight != call {
		return
	}
	s.release(call)
	call.outcome.settle(kind, reply, err)
}

// release detaches the call's listener and frees the slot. Called with s.mu
// held, before the outcome settles, so the slot is free by the time anyone
// observes the settlement.
func (s *Sequencer) release(call *pendingCall) {
	s.ch.RemoveListener(call)
	s.inflight = nil
}

func closeReason(err error) *message.TransportCloseError {
	var reason *message.TransportCloseError
	if errors.As(err, &reason) {
		return reason
	}
	return &message.TransportCloseError{
		Problem: transport.ProblemInternalError,
		Options: map[string]any{"message": err.Error()},
	}
}
