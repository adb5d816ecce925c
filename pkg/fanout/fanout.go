// Package fanout carries uncorrelated broadcast envelopes between
// connections by topic. The default Bus is an in-process pubsub; the nats
// adapter in this package fans out across nodes.
package fanout

import (
	"errors"
	"sync"

	"github.com/cskr/pubsub"

	"github.com/lightforgemedia/go-uibridge/pkg/wire"
)

// DefaultCapacity is the per-subscriber channel capacity.
const DefaultCapacity = 16

// Subscription is a live topic membership. Receive from C until Cancel is
// called; C is closed afterwards.
type Subscription struct {
	C      <-chan *wire.Envelope
	cancel func()
	once   sync.Once
}

// Cancel leaves the topic. Safe to call more than once.
func (s *Subscription) Cancel() { s.once.Do(s.cancel) }

// Bus publishes envelopes to named topics and delivers them to subscribers.
// Implementations must be safe for concurrent use.
type Bus interface {
	Publish(topic string, env *wire.Envelope) error
	Subscribe(topic string) (*Subscription, error)
	Close() error
}

// PubSub is the in-process Bus, one per bridge. The topic namespace prefix is
// applied here so application topic names stay short.
type PubSub struct {
	prefix string
	bus    *pubsub.PubSub

	mu     sync.Mutex
	closed bool
}

// NewPubSub builds an in-process bus. capacity <= 0 uses DefaultCapacity.
func NewPubSub(prefix string, capacity int) *PubSub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &PubSub{prefix: prefix, bus: pubsub.New(capacity)}
}

// Publish sends env to every subscriber of topic.
func (p *PubSub) Publish(topic string, env *wire.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("fanout: bus closed")
	}
	p.bus.TryPub(env, p.prefix+topic)
	return nil
}

// Subscribe joins topic.
func (p *PubSub) Subscribe(topic string) (*Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("fanout: bus closed")
	}
	raw := p.bus.Sub(p.prefix + topic)
	out := make(chan *wire.Envelope, cap(raw))
	go func() {
		defer close(out)
		for v := range raw {
			if env, ok := v.(*wire.Envelope); ok {
				out <- env
			}
		}
	}()
	cancel := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if !p.closed {
			p.bus.Unsub(raw, p.prefix+topic)
		}
	}
	return &Subscription{C: out, cancel: cancel}, nil
}

// Close shuts the bus down, closing all subscriber channels.
func (p *PubSub) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.bus.Shutdown()
	return nil
}
