// Package registry holds the static, per-identity description of invocable
// handlers, lifecycle hooks, before/after middleware and their filters, and
// the handlers exposed for cross-context invocation. Identities are compiled
// once at startup and are read-only afterwards; all declared names are
// validated eagerly so dispatch never meets an unknown name that the build
// step would have caught.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lightforgemedia/go-uibridge/pkg/transform"
	"github.com/lightforgemedia/go-uibridge/pkg/wire"
)

// Conn is the connection surface handed to handlers and hooks. It is
// implemented by the coordinator; every state access through it is serialized
// with all other operations on the same connection.
type Conn interface {
	ID() string

	Store(ctx context.Context) (wire.Map, error)
	SetStore(ctx context.Context, m wire.Map) error
	Session(ctx context.Context) (wire.Map, error)
	SetSession(ctx context.Context, m wire.Map) error
	Scratch(ctx context.Context) (wire.Map, error)
	SetScratch(ctx context.Context, m wire.Map) error

	// Push sends a correlated message to this connection's client and waits
	// for the matching reply. A zero timeout uses the bridge default;
	// a negative timeout waits until ctx is done.
	Push(ctx context.Context, name string, payload wire.Map, timeout time.Duration) (wire.Map, error)

	// Send pushes an uncorrelated message to this connection's client.
	Send(ctx context.Context, name string, payload wire.Map) error

	// Subscribe joins a broadcast topic for the life of the connection.
	Subscribe(topic string) error
	Unsubscribe(topic string) error
}

// Handler is an invocable event handler.
type Handler func(ctx context.Context, c Conn, payload wire.Map) (any, error)

// BeforeHook runs ahead of a handler. Returning ok=false skips the handler
// and its after-hooks; the completion notice is still sent.
type BeforeHook func(ctx context.Context, c Conn, payload wire.Map) (ok bool, err error)

// AfterHook runs after a successful handler with the handler's result.
type AfterHook func(ctx context.Context, c Conn, payload wire.Map, result any) error

// LifecycleHook runs for onconnect and onload.
type LifecycleHook func(ctx context.Context, c Conn, payload wire.Map) error

// DisconnectHook runs synchronously at teardown with the final store and
// session snapshots.
type DisconnectHook func(store, session wire.Map) error

type filterKind int

const (
	filterAll filterKind = iota
	filterOnly
	filterExcept
)

// Filter narrows which handler names a hook applies to.
type Filter struct {
	kind  filterKind
	names map[string]struct{}
}

// Only returns a filter applying the hook iff the handler name is listed.
func Only(names ...string) Filter {
	return Filter{kind: filterOnly, names: nameSet(names)}
}

// Except returns a filter applying the hook iff the handler name is not listed.
func Except(names ...string) Filter {
	return Filter{kind: filterExcept, names: nameSet(names)}
}

func nameSet(names []string) map[string]struct{} {
	s := make(map[string]struct{}, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// applies reports whether a hook with this filter runs for handler name n.
func (f Filter) applies(n string) bool {
	switch f.kind {
	case filterAll:
		return true
	case filterOnly:
		_, ok := f.names[n]
		return ok
	case filterExcept:
		_, ok := f.names[n]
		return !ok
	default:
		return false
	}
}

type beforeDecl struct {
	name   string
	fn     BeforeHook
	filter Filter
}

type afterDecl struct {
	name   string
	fn     AfterHook
	filter Filter
}

// Identity is the compiled handler set bound to every connection created for
// it. Immutable after NewIdentity returns.
type Identity struct {
	name     string
	handlers map[string]Handler
	public   map[string]struct{}
	before   []beforeDecl
	after    []afterDecl
	hookSet  map[string]struct{} // before/after hook names, never invocable

	onConnect    LifecycleHook
	onLoad       LifecycleHook
	onDisconnect DisconnectHook

	modules transform.Pipeline

	// per-handler hook chains, precomputed at build time
	beforeFor map[string][]BeforeHook
	afterFor  map[string][]AfterHook
}

// IdentityOption configures an Identity under construction.
type IdentityOption func(*Identity) error

// WithHandler declares an invocable handler.
func WithHandler(name string, fn Handler) IdentityOption {
	return func(id *Identity) error {
		if name == "" || fn == nil {
			return errors.New("handler needs a name and a function")
		}
		if _, dup := id.handlers[name]; dup {
			return fmt.Errorf("duplicate handler %q", name)
		}
		id.handlers[name] = fn
		return nil
	}
}

// WithPublicHandler declares a handler that may also be invoked from other
// connections' contexts via a qualified reference.
func WithPublicHandler(name string, fn Handler) IdentityOption {
	return func(id *Identity) error {
		if err := WithHandler(name, fn)(id); err != nil {
			return err
		}
		id.public[name] = struct{}{}
		return nil
	}
}

// WithBefore declares a before-hook. With no filter it applies to every
// handler; at most one filter may be given.
func WithBefore(name string, fn BeforeHook, filters ...Filter) IdentityOption {
	return func(id *Identity) error {
		f, err := oneFilter(name, filters)
		if err != nil {
			return err
		}
		if name == "" || fn == nil {
			return errors.New("before-hook needs a name and a function")
		}
		id.before = append(id.before, beforeDecl{name: name, fn: fn, filter: f})
		id.hookSet[name] = struct{}{}
		return nil
	}
}

// WithAfter declares an after-hook.
func WithAfter(name string, fn AfterHook, filters ...Filter) IdentityOption {
	return func(id *Identity) error {
		f, err := oneFilter(name, filters)
		if err != nil {
			return err
		}
		if name == "" || fn == nil {
			return errors.New("after-hook needs a name and a function")
		}
		id.after = append(id.after, afterDecl{name: name, fn: fn, filter: f})
		id.hookSet[name] = struct{}{}
		return nil
	}
}

func oneFilter(hook string, filters []Filter) (Filter, error) {
	switch len(filters) {
	case 0:
		return Filter{kind: filterAll}, nil
	case 1:
		return filters[0], nil
	default:
		return Filter{}, fmt.Errorf("hook %q: at most one filter allowed", hook)
	}
}

// WithOnConnect declares the onconnect lifecycle hook.
func WithOnConnect(fn LifecycleHook) IdentityOption {
	return func(id *Identity) error { id.onConnect = fn; return nil }
}

// WithOnLoad declares the onload lifecycle hook.
func WithOnLoad(fn LifecycleHook) IdentityOption {
	return func(id *Identity) error { id.onLoad = fn; return nil }
}

// WithOnDisconnect declares the ondisconnect lifecycle hook.
func WithOnDisconnect(fn DisconnectHook) IdentityOption {
	return func(id *Identity) error { id.onDisconnect = fn; return nil }
}

// WithTransform appends a transform module; modules run in declaration order.
func WithTransform(m transform.Module) IdentityOption {
	return func(id *Identity) error {
		if m == nil {
			return errors.New("transform module must not be nil")
		}
		id.modules = append(id.modules, m)
		return nil
	}
}

// NewIdentity compiles an identity. All declared names are validated here:
// a name may not be both a handler and a hook, and filters may only name
// declared handlers.
func NewIdentity(name string, opts ...IdentityOption) (*Identity, error) {
	if name == "" {
		return nil, errors.New("identity needs a name")
	}
	if strings.Contains(name, RefSeparator) {
		return nil, fmt.Errorf("identity name %q must not contain %q", name, RefSeparator)
	}
	id := &Identity{
		name:     name,
		handlers: make(map[string]Handler),
		public:   make(map[string]struct{}),
		hookSet:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		if err := opt(id); err != nil {
			return nil, fmt.Errorf("identity %s: %w", name, err)
		}
	}
	for hook := range id.hookSet {
		if _, clash := id.handlers[hook]; clash {
			return nil, fmt.Errorf("identity %s: %q declared both as handler and as hook", name, hook)
		}
	}
	if err := id.checkFilters(); err != nil {
		return nil, fmt.Errorf("identity %s: %w", name, err)
	}
	id.compileHookChains()
	return id, nil
}

func (id *Identity) checkFilters() error {
	check := func(hook string, f Filter) error {
		for n := range f.names {
			if _, ok := id.handlers[n]; !ok {
				return fmt.Errorf("hook %q filter names unknown handler %q", hook, n)
			}
		}
		return nil
	}
	for _, d := range id.before {
		if err := check(d.name, d.filter); err != nil {
			return err
		}
	}
	for _, d := range id.after {
		if err := check(d.name, d.filter); err != nil {
			return err
		}
	}
	return nil
}

func (id *Identity) compileHookChains() {
	id.beforeFor = make(map[string][]BeforeHook, len(id.handlers))
	id.afterFor = make(map[string][]AfterHook, len(id.handlers))
	for n := range id.handlers {
		for _, d := range id.before {
			if d.filter.applies(n) {
				id.beforeFor[n] = append(id.beforeFor[n], d.fn)
			}
		}
		for _, d := range id.after {
			if d.filter.applies(n) {
				id.afterFor[n] = append(id.afterFor[n], d.fn)
			}
		}
	}
}

// Name returns the identity's module name.
func (id *Identity) Name() string { return id.name }

// Handler looks up an invocable handler by name.
func (id *Identity) Handler(name string) (Handler, bool) {
	h, ok := id.handlers[name]
	return h, ok
}

// IsHook reports whether name is declared as a before- or after-hook.
// Hooks are never directly invocable.
func (id *Identity) IsHook(name string) bool {
	_, ok := id.hookSet[name]
	return ok
}

// IsPublic reports whether name is exposed for cross-context invocation.
func (id *Identity) IsPublic(name string) bool {
	_, ok := id.public[name]
	return ok
}

// BeforeHooks returns the before-hooks applying to handler name, in
// declaration order.
func (id *Identity) BeforeHooks(name string) []BeforeHook { return id.beforeFor[name] }

// AfterHooks returns the after-hooks applying to handler name, in declaration
// order.
func (id *Identity) AfterHooks(name string) []AfterHook { return id.afterFor[name] }

// OnConnect returns the onconnect hook, or nil.
func (id *Identity) OnConnect() LifecycleHook { return id.onConnect }

// OnLoad returns the onload hook, or nil.
func (id *Identity) OnLoad() LifecycleHook { return id.onLoad }

// OnDisconnect returns the ondisconnect hook, or nil.
func (id *Identity) OnDisconnect() DisconnectHook { return id.onDisconnect }

// Modules returns the identity's transform pipeline.
func (id *Identity) Modules() transform.Pipeline { return id.modules }

// RefSeparator splits a qualified handler reference into module and handler.
const RefSeparator = "."

// SplitRef splits a handler reference. An unqualified reference returns an
// empty module name.
func SplitRef(ref string) (module, handler string) {
	if i := strings.LastIndex(ref, RefSeparator); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return "", ref
}

// Registry maps identity names to compiled identities for cross-context
// resolution. Populated at startup, read-only afterwards.
type Registry struct {
	identities map[string]*Identity
}

// New builds a registry from the given identities.
func New(ids ...*Identity) (*Registry, error) {
	r := &Registry{identities: make(map[string]*Identity, len(ids))}
	for _, id := range ids {
		if err := r.add(id); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) add(id *Identity) error {
	if id == nil {
		return errors.New("registry: nil identity")
	}
	if _, dup := r.identities[id.name]; dup {
		return fmt.Errorf("registry: duplicate identity %q", id.name)
	}
	r.identities[id.name] = id
	return nil
}

// Lookup finds an identity by module name.
func (r *Registry) Lookup(name string) (*Identity, bool) {
	id, ok := r.identities[name]
	return id, ok
}
