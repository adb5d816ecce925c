package coordinator

import (
	"context"
	"maps"
	"time"

	"github.com/lightforgemedia/go-uibridge/pkg/token"
	"github.com/lightforgemedia/go-uibridge/pkg/wire"
)

// Push sends a correlated message to this connection's client and waits for
// the matching reply. The correlation reference is generated server-side and
// carried both on the envelope and inside a signed sender token merged into
// the payload, so the client can never forge or replay another connection's
// sender value. timeout semantics: 0 uses the bridge default, NoTimeout
// waits until ctx is done, anything else is a per-call override.
//
// A timed-out call returns ErrTimeout; the message already sent is not
// retracted, and a reply arriving later is dropped since no pending call
// matches it any more.
func (c *Conn) Push(ctx context.Context, name string, payload wire.Map, timeout time.Duration) (wire.Map, error) {
	tr, err := c.transport(ctx)
	if err != nil {
		return nil, err
	}

	ref := wire.NewRef()
	merged, err := c.withSender(payload, ref)
	if err != nil {
		return nil, err
	}

	replyCh := make(chan wire.Map, 1)
	c.pendingMu.Lock()
	c.pending[ref] = replyCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, ref)
		c.pendingMu.Unlock()
	}()

	if err := tr.Push(ctx, ref, name, merged); err != nil {
		return nil, err
	}
	c.log.Debug("push sent", "name", name, "ref", ref)

	var timer <-chan time.Time
	if timeout == 0 {
		timeout = c.cfg.DefaultTimeout
	}
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-timer:
		c.log.Debug("push timed out", "name", name, "ref", ref, "timeout", timeout)
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// SignSender signs a sender token binding a caller identity to a correlation
// reference. The token is opaque to the client; its signature exists so the
// client cannot forge or replay a different connection's sender value.
func SignSender(ts *token.Service, identity, ref string) (string, error) {
	return ts.Sign(ScopeSender, map[string]any{"identity": identity, "ref": ref}, saltSender)
}

// withSender returns a copy of payload with the signed sender token merged
// in.
func (c *Conn) withSender(payload wire.Map, ref string) (wire.Map, error) {
	tok, err := SignSender(c.cfg.Tokens, c.identity.Name(), ref)
	if err != nil {
		return nil, err
	}
	merged := maps.Clone(payload)
	if merged == nil {
		merged = wire.Map{}
	}
	merged[wire.SenderKey] = tok
	return merged, nil
}

// Send pushes an uncorrelated, fire-and-forget message to this connection's
// client.
func (c *Conn) Send(ctx context.Context, name string, payload wire.Map) error {
	tr, err := c.transport(ctx)
	if err != nil {
		return err
	}
	return tr.Push(ctx, "", name, payload)
}

// ResolveReply completes the pending call registered under ref. An inbound
// reply is matched solely by exact reference equality; the embedded sender
// token is not re-verified on this path. Replies with no waiting call are
// dropped.
func (c *Conn) ResolveReply(ref string, payload wire.Map) {
	c.pendingMu.Lock()
	ch, ok := c.pending[ref]
	if ok {
		delete(c.pending, ref)
	}
	c.pendingMu.Unlock()
	if !ok {
		c.log.Debug("late or unsolicited reply dropped", "ref", ref)
		return
	}
	ch <- payload
}
