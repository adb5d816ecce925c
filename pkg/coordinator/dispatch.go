package coordinator

import (
	"context"
	"fmt"

	"github.com/lightforgemedia/go-uibridge/pkg/registry"
	"github.com/lightforgemedia/go-uibridge/pkg/transform"
	"github.com/lightforgemedia/go-uibridge/pkg/wire"
)

// Dispatch is the entry point for every inbound client event. The invocation
// runs in its own worker task; concurrent invocations on the same connection
// execute in parallel and in no guaranteed order. Whatever happens inside,
// the completion notice carrying the reply token is sent, so the client can
// re-enable any control disabled pending the round trip.
func (c *Conn) Dispatch(inv Invocation) {
	c.spawn("event "+inv.Target, func(ctx context.Context) error {
		defer c.sendDone(inv.ReplyToken)
		return c.runInvocation(ctx, inv)
	})
}

// sendDone pushes the completion notice. It runs unconditionally, success or
// failure.
func (c *Conn) sendDone(replyToken string) {
	if replyToken == "" {
		return
	}
	tr, err := c.transport(context.Background())
	if err != nil {
		return
	}
	if err := tr.Push(context.Background(), "", wire.NameDone, wire.Map{"finished": replyToken}); err != nil {
		c.log.Warn("completion notice push failed", "err", err)
	}
}

// runInvocation walks the pipeline: resolve, authorize, transform, before-
// hooks, handler, after-hooks. The first failure aborts the remaining steps
// and is reported at the worker boundary.
func (c *Conn) runInvocation(ctx context.Context, inv Invocation) error {
	target, handler, name, err := c.resolve(inv.Target)
	if err != nil {
		return err
	}

	payload := inv.Payload
	if payload == nil {
		payload = wire.Map{}
	}
	payload, err = c.identity.Modules().Payload(ctx, payload)
	if err != nil {
		return err
	}
	if err := c.transformState(ctx); err != nil {
		return err
	}

	// A falsy before-hook skips the handler and the after-hooks both; only
	// the completion notice still goes out.
	for _, before := range target.BeforeHooks(name) {
		ok, err := before(ctx, c, payload)
		if err != nil {
			return fmt.Errorf("before-hook for %s: %w", name, err)
		}
		if !ok {
			c.log.Debug("handler skipped by before-hook", "handler", inv.Target)
			return nil
		}
	}

	result, err := handler(ctx, c, payload)
	if err != nil {
		return fmt.Errorf("handler %s: %w", inv.Target, err)
	}

	for _, after := range target.AfterHooks(name) {
		if err := after(ctx, c, payload, result); err != nil {
			return fmt.Errorf("after-hook for %s: %w", name, err)
		}
	}
	return nil
}

// resolve maps a handler reference to the identity owning it and the handler
// function, enforcing the authorization rules: hooks are never directly
// invocable, and cross-context targets must be explicitly public.
func (c *Conn) resolve(ref string) (*registry.Identity, registry.Handler, string, error) {
	module, name := registry.SplitRef(ref)
	if module == "" {
		if c.identity.IsHook(name) {
			return nil, nil, "", &AuthorizationError{Ref: ref, Reason: "hooks are not invocable"}
		}
		h, ok := c.identity.Handler(name)
		if !ok {
			return nil, nil, "", &ResolutionError{Ref: ref, Reason: "no such handler in " + c.identity.Name()}
		}
		return c.identity, h, name, nil
	}

	target, ok := c.cfg.Registry.Lookup(module)
	if !ok {
		return nil, nil, "", &ResolutionError{Ref: ref, Reason: "module cannot be located"}
	}
	if !target.IsPublic(name) {
		return nil, nil, "", &AuthorizationError{Ref: ref, Reason: "handler is not public"}
	}
	h, ok := target.Handler(name)
	if !ok {
		return nil, nil, "", &ResolutionError{Ref: ref, Reason: "no such handler in " + module}
	}
	return target, h, name, nil
}

// transformState runs the state transforms on a snapshot and applies the
// result wholesale through the serialized state owner. Modules never touch
// live state.
func (c *Conn) transformState(ctx context.Context) error {
	if len(c.identity.Modules()) == 0 {
		return nil
	}
	store, err := c.Store(ctx)
	if err != nil {
		return err
	}
	session, err := c.Session(ctx)
	if err != nil {
		return err
	}
	st, err := c.identity.Modules().State(ctx, transform.State{Store: store, Session: session})
	if err != nil {
		return err
	}
	if err := c.SetStore(ctx, st.Store); err != nil {
		return err
	}
	return c.SetSession(ctx, st.Session)
}
