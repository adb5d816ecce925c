// Package coordinator implements the per-connection core of the bridge: an
// actor that owns connection-scoped state, resolves and authorizes inbound
// event invocations, runs before/after middleware around each one, isolates
// handler failures at the worker boundary, and layers a correlated
// request/response protocol over the otherwise fire-and-forget push channel.
//
// One Conn exists per live client connection. All state access is serialized
// through a single mailbox goroutine; each invocation and lifecycle hook runs
// in its own worker task so concurrent events on the same connection execute
// in parallel while never touching state directly.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/creachadair/taskgroup"

	"github.com/lightforgemedia/go-uibridge/pkg/fanout"
	"github.com/lightforgemedia/go-uibridge/pkg/registry"
	"github.com/lightforgemedia/go-uibridge/pkg/token"
	"github.com/lightforgemedia/go-uibridge/pkg/transform"
	"github.com/lightforgemedia/go-uibridge/pkg/wire"
)

// Token scopes and salts. A token signed for one scope never verifies under
// another.
const (
	ScopeSession = "session"
	ScopeStore   = "store"
	ScopeSender  = "sender"

	saltSession = "uibridge session token"
	saltStore   = "uibridge store token"
	saltSender  = "uibridge sender token"
)

// Handshake payload keys sent by the client on connect.
const (
	handshakePayloadKey = "payload"
	sessionTokenKey     = "sessionToken"
	storeTokenKey       = "storeToken"
)

const defaultTokenMaxAge = 24 * time.Hour

// Transport is the outbound boundary to one live client channel. Push sends
// a message tagged with messageName; ref carries the correlation reference,
// or is empty for uncorrelated messages.
type Transport interface {
	Push(ctx context.Context, ref, messageName string, payload wire.Map) error
}

// Config carries the process-wide collaborators shared by every coordinator.
// All fields except Tokens and Registry are optional.
type Config struct {
	Logger          *slog.Logger
	Tokens          *token.Service
	Registry        *registry.Registry
	Bus             fanout.Bus
	DefaultTimeout  time.Duration      // round-trip default for Push; 0 means 5s
	TokenMaxAge     time.Duration      // handshake token max age; 0 means 24h
	FailureTemplate *template.Template // nil means DefaultFailureTemplate
}

const defaultPushTimeout = 5 * time.Second

// state fields, dispatched as enumerated operations through the mailbox.
type field int

const (
	fieldStore field = iota
	fieldSession
	fieldTransport
	fieldScratch
)

func (f field) String() string {
	return [...]string{"store", "session", "transport", "scratch"}[f]
}

type opKind int

const (
	opGet opKind = iota
	opSet
)

type stateOp struct {
	kind  opKind
	field field
	value any
	reply chan any // buffered, receives current value for opGet, nil ack for opSet
}

// Conn is the coordinator for one live client connection.
type Conn struct {
	id       string
	identity *registry.Identity
	cfg      Config
	log      *slog.Logger

	// transport handed over at construction, persisted into state during
	// OnConnect.
	bootTransport Transport

	ops  chan stateOp
	done chan struct{}

	ctx    context.Context
	cancel context.CancelCauseFunc

	tasks *taskgroup.Group

	closeOnce sync.Once
	closeErr  error

	pendingMu sync.Mutex
	pending   map[string]chan wire.Map

	subsMu sync.Mutex
	subs   map[string]*fanout.Subscription
}

// Invocation is one inbound request to run a named handler.
type Invocation struct {
	Target     string   // bare or Module.qualified handler reference
	Payload    wire.Map // raw event payload
	ReplyToken string   // echoed back in the completion notice
}

// New builds the coordinator for a connection bound to identity id. The
// transport is persisted into connection state when OnConnect runs.
func New(id *registry.Identity, tr Transport, cfg Config) (*Conn, error) {
	if id == nil {
		return nil, errors.New("coordinator: identity must not be nil")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("coordinator: token service must not be nil")
	}
	if cfg.Registry == nil {
		return nil, errors.New("coordinator: registry must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultPushTimeout
	}
	if cfg.TokenMaxAge <= 0 {
		cfg.TokenMaxAge = defaultTokenMaxAge
	}
	if cfg.FailureTemplate == nil {
		cfg.FailureTemplate = DefaultFailureTemplate
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	c := &Conn{
		id:            wire.NewRef(),
		identity:      id,
		cfg:           cfg,
		bootTransport: tr,
		ops:           make(chan stateOp),
		done:          make(chan struct{}),
		ctx:           ctx,
		cancel:        cancel,
		tasks:         taskgroup.New(nil),
		pending:       make(map[string]chan wire.Map),
		subs:          make(map[string]*fanout.Subscription),
	}
	c.log = cfg.Logger.With("conn", c.id, "identity", id.Name())
	go c.run()
	return c, nil
}

// ID returns the server-assigned connection ID.
func (c *Conn) ID() string { return c.id }

// Identity returns the immutable identity bound at creation.
func (c *Conn) Identity() *registry.Identity { return c.identity }

// Context is done when the connection is torn down or killed.
func (c *Conn) Context() context.Context { return c.ctx }

// run owns all mutable connection state. Nothing outside this loop reads or
// writes the four fields; every access arrives as a stateOp, so no two
// mutations interleave and a get always observes a fully-applied prior set.
func (c *Conn) run() {
	var (
		store     = wire.Map{}
		session   = wire.Map{}
		scratch   = wire.Map{}
		transport Transport
	)
	for {
		select {
		case op := <-c.ops:
			switch op.kind {
			case opGet:
				switch op.field {
				case fieldStore:
					op.reply <- maps.Clone(store)
				case fieldSession:
					op.reply <- maps.Clone(session)
				case fieldScratch:
					op.reply <- maps.Clone(scratch)
				case fieldTransport:
					op.reply <- transport
				}
			case opSet:
				switch op.field {
				case fieldStore:
					store = cloneMap(op.value)
				case fieldSession:
					session = cloneMap(op.value)
				case fieldScratch:
					scratch = cloneMap(op.value)
				case fieldTransport:
					transport, _ = op.value.(Transport)
				}
				op.reply <- nil
			}
		case <-c.done:
			return
		}
	}
}

func cloneMap(v any) wire.Map {
	m, _ := v.(wire.Map)
	if m == nil {
		return wire.Map{}
	}
	return maps.Clone(m)
}

func (c *Conn) stateGet(ctx context.Context, f field) (any, error) {
	op := stateOp{kind: opGet, field: f, reply: make(chan any, 1)}
	select {
	case c.ops <- op:
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case v := <-op.reply:
		return v, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) stateSet(ctx context.Context, f field, v any) error {
	op := stateOp{kind: opSet, field: f, value: v, reply: make(chan any, 1)}
	select {
	case c.ops <- op:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-op.reply:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Store returns the client-visible durable key/value area.
func (c *Conn) Store(ctx context.Context) (wire.Map, error) {
	v, err := c.stateGet(ctx, fieldStore)
	if err != nil {
		return nil, err
	}
	return v.(wire.Map), nil
}

// SetStore replaces the store wholesale.
func (c *Conn) SetStore(ctx context.Context, m wire.Map) error {
	return c.stateSet(ctx, fieldStore, m)
}

// Session returns the server-authoritative session area.
func (c *Conn) Session(ctx context.Context) (wire.Map, error) {
	v, err := c.stateGet(ctx, fieldSession)
	if err != nil {
		return nil, err
	}
	return v.(wire.Map), nil
}

// SetSession replaces the session wholesale.
func (c *Conn) SetSession(ctx context.Context, m wire.Map) error {
	return c.stateSet(ctx, fieldSession, m)
}

// Scratch returns the coordinator-private area. It is never sent to the
// client.
func (c *Conn) Scratch(ctx context.Context) (wire.Map, error) {
	v, err := c.stateGet(ctx, fieldScratch)
	if err != nil {
		return nil, err
	}
	return v.(wire.Map), nil
}

// SetScratch replaces the scratch area wholesale.
func (c *Conn) SetScratch(ctx context.Context, m wire.Map) error {
	return c.stateSet(ctx, fieldScratch, m)
}

func (c *Conn) transport(ctx context.Context) (Transport, error) {
	v, err := c.stateGet(ctx, fieldTransport)
	if err != nil {
		return nil, err
	}
	tr, _ := v.(Transport)
	if tr == nil {
		return nil, errors.New("uibridge: no transport reference")
	}
	return tr, nil
}

// OnConnect establishes the connection: it transforms the handshake payload
// and the (still empty) state, restores session and store from the handshake
// tokens, persists the transport reference, and then runs the onconnect hook
// in a worker task. A token that fails verification fails connection setup.
func (c *Conn) OnConnect(ctx context.Context, handshake wire.Map) error {
	inner, _ := handshake[handshakePayloadKey].(map[string]any)
	if inner == nil {
		inner = wire.Map{}
	}
	payload, err := c.identity.Modules().Payload(ctx, inner)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	st, err := c.identity.Modules().State(ctx, transform.State{Store: wire.Map{}, Session: wire.Map{}})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	if tok, _ := handshake[sessionTokenKey].(string); tok != "" {
		st.Session, err = c.cfg.Tokens.VerifyMap(ScopeSession, tok, saltSession, c.cfg.TokenMaxAge)
		if err != nil {
			return fmt.Errorf("connect: session token: %w", err)
		}
	}
	if tok, _ := handshake[storeTokenKey].(string); tok != "" {
		st.Store, err = c.cfg.Tokens.VerifyMap(ScopeStore, tok, saltStore, c.cfg.TokenMaxAge)
		if err != nil {
			return fmt.Errorf("connect: store token: %w", err)
		}
	}

	if err := c.stateSet(ctx, fieldTransport, c.bootTransport); err != nil {
		return err
	}
	if err := c.SetSession(ctx, st.Session); err != nil {
		return err
	}
	if err := c.SetStore(ctx, st.Store); err != nil {
		return err
	}

	if hook := c.identity.OnConnect(); hook != nil {
		c.spawn("onconnect", func(ctx context.Context) error {
			return hook(ctx, c, payload)
		})
	}
	c.log.Debug("connection established")
	return nil
}

// SessionToken signs the current session for the client side of the
// reconnect handshake.
func (c *Conn) SessionToken(ctx context.Context) (string, error) {
	m, err := c.Session(ctx)
	if err != nil {
		return "", err
	}
	return c.cfg.Tokens.Sign(ScopeSession, m, saltSession)
}

// StoreToken signs the current store for the client side of the reconnect
// handshake.
func (c *Conn) StoreToken(ctx context.Context) (string, error) {
	m, err := c.Store(ctx)
	if err != nil {
		return "", err
	}
	return c.cfg.Tokens.Sign(ScopeStore, m, saltStore)
}

// OnLoad fires once per fresh page load, after OnConnect. It transforms the
// payload and runs the onload hook in a worker task.
func (c *Conn) OnLoad(ctx context.Context, payload wire.Map) error {
	if payload == nil {
		payload = wire.Map{}
	}
	payload, err := c.identity.Modules().Payload(ctx, payload)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	if hook := c.identity.OnLoad(); hook != nil {
		c.spawn("onload", func(ctx context.Context) error {
			return hook(ctx, c, payload)
		})
	}
	return nil
}

// Subscribe joins a broadcast topic; envelopes published to it are pushed to
// this connection's client until Unsubscribe or teardown.
func (c *Conn) Subscribe(topic string) error {
	if c.cfg.Bus == nil {
		return errors.New("uibridge: no broadcast bus configured")
	}
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if _, dup := c.subs[topic]; dup {
		return nil
	}
	sub, err := c.cfg.Bus.Subscribe(topic)
	if err != nil {
		return err
	}
	c.subs[topic] = sub
	go c.forward(topic, sub)
	return nil
}

// Unsubscribe leaves a broadcast topic.
func (c *Conn) Unsubscribe(topic string) error {
	c.subsMu.Lock()
	sub, ok := c.subs[topic]
	delete(c.subs, topic)
	c.subsMu.Unlock()
	if ok {
		sub.Cancel()
	}
	return nil
}

func (c *Conn) forward(topic string, sub *fanout.Subscription) {
	for {
		select {
		case env, ok := <-sub.C:
			if !ok {
				return
			}
			payload, err := env.PayloadMap()
			if err != nil {
				c.log.Warn("broadcast envelope undecodable", "topic", topic, "err", err)
				continue
			}
			tr, err := c.transport(c.ctx)
			if err != nil {
				continue
			}
			if err := tr.Push(c.ctx, env.Ref, env.Name, payload); err != nil {
				c.log.Warn("broadcast push failed", "topic", topic, "err", err)
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Kill forcibly terminates every in-flight worker on this connection. Workers
// ended this way are reported as connection-level failures.
func (c *Conn) Kill(cause error) {
	if cause == nil {
		cause = errors.New("uibridge: killed")
	}
	c.cancel(cause)
}

var errTeardown = errors.New("uibridge: connection teardown")

// Close tears the connection down: in-flight workers are cancelled and
// awaited, the ondisconnect hook (if declared) runs synchronously with the
// final store and session, and the state owner stops. Worker cancellations
// during teardown are not failures. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel(errTeardown)

		c.subsMu.Lock()
		for _, sub := range c.subs {
			sub.Cancel()
		}
		c.subs = map[string]*fanout.Subscription{}
		c.subsMu.Unlock()

		c.tasks.Wait()

		if hook := c.identity.OnDisconnect(); hook != nil {
			// snapshot while the state owner is still running
			bg := context.Background()
			store, err1 := c.Store(bg)
			session, err2 := c.Session(bg)
			if err1 == nil && err2 == nil {
				c.closeErr = c.runDisconnectHook(hook, store, session)
			}
		}
		close(c.done)
		c.log.Debug("connection closed")
	})
	return c.closeErr
}

// runDisconnectHook isolates the ondisconnect hook; its failure is logged and
// never blocks teardown.
func (c *Conn) runDisconnectHook(hook registry.DisconnectHook, store, session wire.Map) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ondisconnect panicked: %v", r)
		}
		if err != nil {
			c.log.Error("ondisconnect hook failed", "err", err)
		}
	}()
	return hook(store, session)
}

// spawn runs fn as a worker task linked to this coordinator. The worker's
// termination is folded into a structured Outcome; nothing a worker does can
// take the coordinator down.
func (c *Conn) spawn(label string, fn func(ctx context.Context) error) {
	if c.ctx.Err() != nil {
		c.log.Debug("worker not spawned, connection closing", "worker", label)
		return
	}
	c.tasks.Go(func() error {
		c.finishWorker(label, c.runWorker(fn))
		return nil
	})
}

func (c *Conn) runWorker(fn func(ctx context.Context) error) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Tag: Failed, Err: fmt.Errorf("panic: %v", r), Stack: debug.Stack()}
		}
	}()
	err := fn(c.ctx)
	switch {
	case err == nil:
		return Outcome{Tag: Completed}
	case errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed):
		if c.ctx.Err() != nil {
			if cause := context.Cause(c.ctx); !errors.Is(cause, errTeardown) {
				return Outcome{Tag: Killed, Err: cause}
			}
		}
		return Outcome{Tag: Cancelled, Err: err}
	default:
		return Outcome{Tag: Failed, Err: err}
	}
}

func (c *Conn) finishWorker(label string, out Outcome) {
	switch out.Tag {
	case Completed:
		c.log.Debug("worker completed", "worker", label)
	case Cancelled:
		c.log.Debug("worker cancelled at teardown", "worker", label)
	case Failed:
		if len(out.Stack) > 0 {
			c.log.Error("worker failed", "worker", label, "err", out.Err,
				"stack", string(out.Stack))
		} else {
			c.log.Error("worker failed", "worker", label, "err", out.Err)
		}
		c.notifyFailure(label, out.Err)
	case Killed:
		c.log.Error("worker killed", "worker", label, "cause", out.Err)
		c.notifyFailure(label, fmt.Errorf("connection failure: %w", out.Err))
	}
}

// notifyFailure renders the failure template and pushes it to the client as
// an immediate, uncorrelated message, when a transport reference is
// available.
func (c *Conn) notifyFailure(label string, failure error) {
	tr, err := c.transport(context.Background())
	if err != nil {
		return
	}
	var buf strings.Builder
	data := struct{ Message string }{Message: fmt.Sprintf("%s: %v", label, failure)}
	if err := c.cfg.FailureTemplate.Execute(&buf, data); err != nil {
		c.log.Error("failure template render failed", "err", err)
		return
	}
	if err := tr.Push(context.Background(), "", wire.NameFailure, wire.Map{"script": buf.String()}); err != nil {
		c.log.Warn("failure notification push failed", "err", err)
	}
}
