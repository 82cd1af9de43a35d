// Package transport also provides Pool, a set of channels to one address that
// are borrowed exclusively.
//
// A varlink channel carries one call at a time, so a caller that wants calls in
// parallel needs several channels. Get hands out a channel nobody else holds;
// Put returns it once the call has settled. A channel whose call did not
// settle, or that closed, is discarded instead of returned.
//
// Pool design: a buffered Go channel holds the idle channels as a FIFO queue;
// blocking on empty is built in.
package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolClosed is returned by Get after Close.
var ErrPoolClosed = errors.New("channel pool closed")

// DialFunc opens a new channel.
type DialFunc func(ctx context.Context, opts Options) (*ConnChannel, error)

// Pool manages up to maxChannels channels to a single address.
type Pool struct {
	mu          sync.Mutex
	idle        chan *PoolChannel // idle channels, FIFO
	opts        Options
	maxChannels int
	open        int // channels created and not yet discarded
	closed      bool
	dial        DialFunc
}

// PoolChannel is a channel on loan from a Pool.
type PoolChannel struct {
	*ConnChannel
	pool     *Pool
	unusable bool
}

// MarkUnusable makes Put discard the channel, e.g. because a call on it was
// abandoned before settling.
func (pc *PoolChannel) MarkUnusable() {
	pc.unusable = true
}

// NewPool creates a pool of unix-socket channels. Channels are created lazily.
func NewPool(opts Options, maxChannels int) *Pool {
	return NewPoolWithDialer(opts, maxChannels, OpenUnix)
}

// NewPoolWithDialer creates a pool that opens channels with dial.
func NewPoolWithDialer(opts Options, maxChannels int, dial DialFunc) *Pool {
	if maxChannels <= 0 {
		maxChannels = 1
	}
	return &Pool{
		idle:        make(chan *PoolChannel, maxChannels),
		opts:        opts,
		maxChannels: maxChannels,
		dial:        dial,
	}
}

// Address returns the pool's target address.
func (p *Pool) Address() string {
	return p.opts.Address
}

// Get borrows a channel.
//  1. Take an idle channel if one is still open.
//  2. Otherwise open a new one if under the limit.
//  3. Otherwise wait for a Put or for ctx to end.
func (p *Pool) Get(ctx context.Context) (*PoolChannel, error) {
	for {
		select {
		case pc := <-p.idle:
			if pc.Closed() {
				p.discard(pc)
				continue
			}
			return pc, nil
		default:
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if p.open < p.maxChannels {
			p.open++
			p.mu.Unlock()
			return p.createNew(ctx)
		}
		p.mu.Unlock()

		select {
		case pc := <-p.idle:
			if pc.Closed() {
				p.discard(pc)
				continue
			}
			return pc, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Put returns a borrowed channel. Unusable or closed channels are closed and
// dropped.
func (p *Pool) Put(pc *PoolChannel) {
	if pc == nil {
		return
	}
	p.mu.Lock()
	if !p.closed && !pc.unusable && !pc.Closed() {
		// idle has room for every open channel, so this never blocks.
		p.idle <- pc
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.discard(pc)
}

// Close closes idle channels and makes later Gets fail. Channels on loan are
// closed when they are Put back.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	// Put checks closed under p.mu, so no channel enters idle after this.
	for {
		select {
		case pc := <-p.idle:
			p.discard(pc)
		default:
			return nil
		}
	}
}

// Len returns the number of open channels, idle or on loan.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

// createNew is called with a slot already reserved in p.open.
func (p *Pool) createNew(ctx context.Context) (*PoolChannel, error) {
	ch, err := p.dial(ctx, p.opts)
	if err != nil {
		p.mu.Lock()
		p.open--
		p.mu.Unlock()
		return nil, err
	}
	return &PoolChannel{ConnChannel: ch, pool: p}, nil
}

func (p *Pool) discard(pc *PoolChannel) {
	_ = pc.Close()
	p.mu.Lock()
	p.open--
	p.mu.Unlock()
}
