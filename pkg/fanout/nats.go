package fanout

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/lightforgemedia/go-uibridge/pkg/wire"
)

// NATS is a Bus backed by a NATS connection, for deployments where bridge
// instances on different nodes broadcast to the same topics. The connection
// is owned by the caller and is not closed by Close.
type NATS struct {
	prefix string
	conn   *nats.Conn

	mu     sync.Mutex
	closed bool
}

// NewNATS builds a NATS-backed bus.
func NewNATS(conn *nats.Conn, prefix string) (*NATS, error) {
	if conn == nil {
		return nil, fmt.Errorf("fanout: nats connection must not be nil")
	}
	return &NATS{prefix: prefix, conn: conn}, nil
}

// Publish sends env to topic on the NATS side.
func (n *NATS) Publish(topic string, env *wire.Envelope) error {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return fmt.Errorf("fanout: bus closed")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("fanout: marshal envelope for %s: %w", topic, err)
	}
	return n.conn.Publish(n.prefix+topic, data)
}

// Subscribe joins topic. Envelopes that cannot be decoded, or that arrive
// while the subscriber channel is full, are dropped.
func (n *NATS) Subscribe(topic string) (*Subscription, error) {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("fanout: bus closed")
	}
	out := make(chan *wire.Envelope, DefaultCapacity)
	sub, err := n.conn.Subscribe(n.prefix+topic, func(m *nats.Msg) {
		var env wire.Envelope
		if json.Unmarshal(m.Data, &env) != nil {
			return
		}
		select {
		case out <- &env:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("fanout: subscribe %s: %w", topic, err)
	}
	cancel := func() {
		_ = sub.Unsubscribe()
		close(out)
	}
	return &Subscription{C: out, cancel: cancel}, nil
}

// Close stops accepting publishes and flushes pending ones.
func (n *NATS) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	return n.conn.Flush()
}
