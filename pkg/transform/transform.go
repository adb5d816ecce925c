// Package transform provides the ordered, pluggable rewriting stage run
// before dispatch. Each module may rewrite the inbound payload and the
// connection state; modules apply strictly in order, each seeing the previous
// module's output.
package transform

import (
	"context"
	"fmt"

	"github.com/lightforgemedia/go-uibridge/pkg/wire"
)

// State is the snapshot a module sees and returns. The coordinator applies
// the returned snapshot wholesale through its own serialized set operations;
// modules never touch live connection state.
type State struct {
	Store   wire.Map
	Session wire.Map
}

// Module rewrites payloads and state ahead of handler dispatch.
type Module interface {
	// Name identifies the module in identity configuration and logs.
	Name() string

	// TransformPayload returns the (possibly modified) payload.
	TransformPayload(ctx context.Context, payload wire.Map) (wire.Map, error)

	// TransformState returns the (possibly modified) state snapshot.
	TransformState(ctx context.Context, st State) (State, error)
}

// Pipeline is an ordered module list.
type Pipeline []Module

// Payload runs every module's payload transform in order.
func (p Pipeline) Payload(ctx context.Context, payload wire.Map) (wire.Map, error) {
	for _, m := range p {
		var err error
		payload, err = m.TransformPayload(ctx, payload)
		if err != nil {
			return nil, fmt.Errorf("transform %s: payload: %w", m.Name(), err)
		}
	}
	return payload, nil
}

// State runs every module's state transform in order.
func (p Pipeline) State(ctx context.Context, st State) (State, error) {
	for _, m := range p {
		var err error
		st, err = m.TransformState(ctx, st)
		if err != nil {
			return State{}, fmt.Errorf("transform %s: state: %w", m.Name(), err)
		}
	}
	return st, nil
}

// Func adapts a pair of functions into a Module. A nil function leaves that
// side of the transform untouched.
type Func struct {
	ModuleName string
	OnPayload  func(ctx context.Context, payload wire.Map) (wire.Map, error)
	OnState    func(ctx context.Context, st State) (State, error)
}

func (f Func) Name() string { return f.ModuleName }

func (f Func) TransformPayload(ctx context.Context, payload wire.Map) (wire.Map, error) {
	if f.OnPayload == nil {
		return payload, nil
	}
	return f.OnPayload(ctx, payload)
}

func (f Func) TransformState(ctx context.Context, st State) (State, error) {
	if f.OnState == nil {
		return st, nil
	}
	return f.OnState(ctx, st)
}
