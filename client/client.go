package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"mini-varlink/loadbalance"
	"mini-varlink/logging"
	"mini-varlink/message"
	"mini-varlink/registry"
	"mini-varlink/transport"
)

// Record describes one finished call.
type Record struct {
	Method     string
	Address    string
	Parameters message.Parameters
	Outcome    OutcomeKind
	Detail     string // result JSON or error text
	Started    time.Time
	Duration   time.Duration
}

// Recorder receives a Record for every call made through a Client.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// Client routes calls to the endpoints serving each interface:
//
//	method ──► interface ──► registry.Discover ──► balancer.Pick ──► pool.Get ──► Sequencer
//
// A Client is safe for concurrent use; concurrent calls borrow different
// channels.
type Client struct {
	registry registry.Registry
	balancer loadbalance.Balancer
	poolSize int
	readBuf  int
	dial     transport.DialFunc
	logger   logging.Printer
	recorder Recorder

	mu     sync.Mutex
	pools  map[string]*transport.Pool
	closed bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the logger for resolved calls.
func WithClientLogger(l logging.Printer) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithRecorder records every finished call.
func WithRecorder(r Recorder) ClientOption {
	return func(c *Client) { c.recorder = r }
}

// WithDialer replaces transport.OpenUnix.
func WithDialer(dial transport.DialFunc) ClientOption {
	return func(c *Client) { c.dial = dial }
}

// WithReadBufferSize sets the channels' read chunk size.
func WithReadBufferSize(n int) ClientOption {
	return func(c *Client) { c.readBuf = n }
}

// NewClient returns a client keeping up to poolSize channels per endpoint.
func NewClient(reg registry.Registry, bal loadbalance.Balancer, poolSize int, opts ...ClientOption) *Client {
	c := &Client{
		registry: reg,
		balancer: bal,
		poolSize: poolSize,
		dial:     transport.OpenUnix,
		logger:   logging.Discard(),
		pools:    make(map[string]*transport.Pool),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.balancer == nil {
		c.balancer = &loadbalance.RoundRobin{}
	}
	return c
}

// Call invokes method on an endpoint serving its interface and waits for
// the reply parameters.
func (c *Client) Call(ctx context.Context, method string, parameters message.Parameters) (message.Parameters, error) {
	s, err := c.Open(ctx, message.InterfaceOf(method))
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return s.Do(ctx, method, parameters)
}

// CallInto is Call with the reply parameters unmarshaled into reply.
func (c *Client) CallInto(ctx context.Context, method string, parameters message.Parameters, reply any) error {
	s, err := c.Open(ctx, message.InterfaceOf(method))
	if err != nil {
		return err
	}
	defer s.Close()
	outcome, err := s.Wait(ctx, method, parameters)
	if err != nil {
		return err
	}
	return outcome.Decode(reply)
}

// Open borrows one channel to an endpoint serving iface. Calls made through
// the session share that channel, one at a time.
func (c *Client) Open(ctx context.Context, iface string) (*Session, error) {
	if iface == "" {
		return nil, errors.New("method name has no interface")
	}
	instances, err := c.registry.Discover(iface)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", iface, err)
	}
	instance, err := c.balancer.Pick(iface, instances)
	if err != nil {
		return nil, fmt.Errorf("pick %s: %w", iface, err)
	}
	pool, err := c.pool(instance.Addr)
	if err != nil {
		return nil, err
	}
	pc, err := pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", instance.Addr, err)
	}
	return &Session{
		client: c,
		pool:   pool,
		pc:     pc,
		seq:    NewSequencer(pc, WithLogger(c.logger)),
	}, nil
}

func (c *Client) pool(addr string) (*transport.Pool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, transport.ErrPoolClosed
	}
	if p, ok := c.pools[addr]; ok {
		return p, nil
	}
	opts := transport.DefaultOptions(addr)
	if c.readBuf > 0 {
		opts.ReadBufferSize = c.readBuf
	}
	p := transport.NewPoolWithDialer(opts, c.poolSize, c.dial)
	c.pools[addr] = p
	return p, nil
}

// Close closes every pooled channel.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	var errs []error
	for addr, p := range c.pools {
		errs = append(errs, p.Close())
		delete(c.pools, addr)
	}
	return errors.Join(errs...)
}

// Session is one borrowed channel and its sequencer.
type Session struct {
	client *Client
	pool   *transport.Pool
	pc     *transport.PoolChannel
	seq    *Sequencer
}

// Address returns the endpoint the session talks to.
func (s *Session) Address() string {
	return s.pool.Address()
}

// Call issues method without waiting; see Sequencer.Call. Calls made this
// way are not recorded.
func (s *Session) Call(method string, parameters message.Parameters) (*Outcome, error) {
	return s.seq.Call(method, parameters)
}

// Do calls method and waits for its reply parameters.
func (s *Session) Do(ctx context.Context, method string, parameters message.Parameters) (message.Parameters, error) {
	outcome, err := s.Wait(ctx, method, parameters)
	if err != nil {
		return nil, err
	}
	return outcome.Parameters(), nil
}

// Wait calls method and returns its settled outcome. The error is the
// outcome's rejection, ErrCallInFlight, or ctx's error if the wait was
// abandoned.
func (s *Session) Wait(ctx context.Context, method string, parameters message.Parameters) (*Outcome, error) {
	started := time.Now()
	outcome, err := s.seq.Call(method, parameters)
	if err != nil {
		return nil, err
	}
	if _, err := outcome.Wait(ctx); err != nil {
		s.record(ctx, outcome, parameters, started, err)
		return outcome, err
	}
	s.record(ctx, outcome, parameters, started, nil)
	return outcome, nil
}

func (s *Session) record(ctx context.Context, outcome *Outcome, parameters message.Parameters, started time.Time, err error) {
	if s.client.recorder == nil {
		return
	}
	rec := Record{
		Method:     outcome.Method(),
		Address:    s.Address(),
		Parameters: parameters,
		Outcome:    outcome.Kind(),
		Started:    started,
		Duration:   time.Since(started),
	}
	if err != nil {
		rec.Detail = err.Error()
	} else if data, jerr := json.Marshal(outcome.Parameters()); jerr == nil {
		rec.Detail = string(data)
	}
	// The caller's ctx may already be done; the record is still wanted.
	if rerr := s.client.recorder.Record(context.WithoutCancel(ctx), rec); rerr != nil {
		s.client.logger.Printf("record %s: %v", rec.Method, rerr)
	}
}

// Close returns the channel to its pool. A channel with a call still
// outstanding, one whose replies went out of sync, or one that has closed
// is discarded.
func (s *Session) Close() {
	if s.seq.Busy() || s.seq.OutOfSync() {
		s.pc.MarkUnusable()
	}
	s.pool.Put(s.pc)
}
