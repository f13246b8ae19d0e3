// Package governor bounds outbound concurrency per operation category.
//
// Every page fetch, search call and AI invocation acquires a slot from its
// category's pool and releases it when the call returns, so the bound holds
// across all stages of a run rather than per resource.
package governor

import (
	"context"
	"fmt"
	"sync"
)

type Pool struct {
	name  string
	slots chan struct{}

	mu       sync.Mutex
	inFlight int
	peak     int
}

func NewPool(name string, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		name:  name,
		slots: make(chan struct{}, size),
	}
}

func (p *Pool) Name() string {
	return p.name
}

func (p *Pool) Size() int {
	return cap(p.slots)
}

// Acquire blocks until a slot is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("acquire %s slot: %w", p.name, ctx.Err())
	}

	p.mu.Lock()
	p.inFlight++
	if p.inFlight > p.peak {
		p.peak = p.inFlight
	}
	p.mu.Unlock()

	return nil
}

func (p *Pool) Release() {
	p.mu.Lock()
	p.inFlight--
	p.mu.Unlock()

	<-p.slots
}

// Do runs fn while holding a slot.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.Acquire(ctx); err != nil {
		return err
	}
	defer p.Release()

	return fn(ctx)
}

func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// Peak is the highest in-flight count observed since creation.
func (p *Pool) Peak() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peak
}

type Governor struct {
	Fetch *Pool
	Light *Pool
	AI    *Pool
}

func New(fetch, light, ai int) *Governor {
	return &Governor{
		Fetch: NewPool("fetch", fetch),
		Light: NewPool("light", light),
		AI:    NewPool("ai", ai),
	}
}
