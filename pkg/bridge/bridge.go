// Package bridge is the process-wide server side of the UI bridge: it
// upgrades HTTP connections to websockets, binds each connection to an
// identity's coordinator, pumps envelopes in both directions, and offers
// push and broadcast entry points addressed by connection or by topic.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lightforgemedia/go-uibridge/pkg/coordinator"
	"github.com/lightforgemedia/go-uibridge/pkg/fanout"
	"github.com/lightforgemedia/go-uibridge/pkg/registry"
	"github.com/lightforgemedia/go-uibridge/pkg/token"
	"github.com/lightforgemedia/go-uibridge/pkg/wire"
)

const (
	defaultSendBuffer     = 16
	defaultWriteTimeout   = 10 * time.Second
	defaultPingInterval   = 30 * time.Second
	defaultPushTimeout    = 5 * time.Second
	defaultTopicPrefix    = "uibridge:"
	defaultReadLimitBytes = 1 << 20
)

// ErrConnNotFound reports a push or send addressed to an unknown connection.
var ErrConnNotFound = errors.New("uibridge: connection not found")

// Bridge accepts client connections and owns the shared, read-only
// collaborators every coordinator uses.
type Bridge struct {
	cfg      config
	reg      *registry.Registry
	tokens   *token.Service
	bus      fanout.Bus
	ownedBus bool

	connsMu sync.RWMutex
	conns   map[string]*managedConn

	shutdownOnce sync.Once
	shutdownChan chan struct{}
	mainCtx      context.Context
	mainCancel   context.CancelFunc
}

// New builds a Bridge over a compiled registry. A token secret is required;
// everything else has defaults.
func New(reg *registry.Registry, opts ...Option) (*Bridge, error) {
	if reg == nil {
		return nil, errors.New("bridge: registry must not be nil")
	}
	mainCtx, mainCancel := context.WithCancel(context.Background())
	b := &Bridge{
		cfg:          defaultConfig(),
		reg:          reg,
		conns:        make(map[string]*managedConn),
		shutdownChan: make(chan struct{}),
		mainCtx:      mainCtx,
		mainCancel:   mainCancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	if len(b.cfg.tokenSecret) == 0 {
		mainCancel()
		return nil, errors.New("bridge: token secret must be configured")
	}
	tokens, err := token.NewService(b.cfg.tokenSecret)
	if err != nil {
		mainCancel()
		return nil, err
	}
	b.tokens = tokens
	if b.bus == nil {
		b.bus = fanout.NewPubSub(b.cfg.topicPrefix, b.cfg.sendBuffer)
		b.ownedBus = true
	}
	b.cfg.logger.Info("bridge initialized",
		"defaultTimeout", b.cfg.defaultTimeout, "topicPrefix", b.cfg.topicPrefix)
	return b, nil
}

// Tokens returns the bridge's token service, e.g. for minting handshake
// tokens when rendering the page that will connect back.
func (b *Bridge) Tokens() *token.Service { return b.tokens }

// Registry returns the compiled identity registry.
func (b *Bridge) Registry() *registry.Registry { return b.reg }

// Context is cancelled when the bridge shuts down.
func (b *Bridge) Context() context.Context { return b.mainCtx }

// Handler returns an http.HandlerFunc upgrading requests to websocket
// connections bound to the named identity. The identity is resolved eagerly;
// mounting a handler for an unknown identity panics at startup rather than
// failing per-request.
func (b *Bridge) Handler(identityName string) http.HandlerFunc {
	id, ok := b.reg.Lookup(identityName)
	if !ok {
		panic(fmt.Sprintf("bridge: unknown identity %q", identityName))
	}
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-b.shutdownChan:
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		default:
		}

		conn, err := websocket.Accept(w, r, b.cfg.acceptOptions)
		if err != nil {
			b.cfg.logger.Warn("websocket accept failed", "err", err)
			return
		}
		conn.SetReadLimit(defaultReadLimitBytes)

		ctx, cancel := context.WithCancel(b.mainCtx)
		mc := &managedConn{
			bridge: b,
			conn:   conn,
			send:   make(chan *wire.Envelope, b.cfg.sendBuffer),
			ctx:    ctx,
			cancel: cancel,
		}
		coord, err := coordinator.New(id, mc, coordinator.Config{
			Logger:          b.cfg.logger,
			Tokens:          b.tokens,
			Registry:        b.reg,
			Bus:             b.bus,
			DefaultTimeout:  b.cfg.defaultTimeout,
			TokenMaxAge:     b.cfg.tokenMaxAge,
			FailureTemplate: b.cfg.failureTemplate,
		})
		if err != nil {
			cancel()
			conn.Close(websocket.StatusInternalError, "coordinator setup failed")
			b.cfg.logger.Error("coordinator setup failed", "err", err)
			return
		}
		mc.coord = coord
		mc.log = b.cfg.logger.With("conn", coord.ID(), "identity", identityName)

		b.addConn(mc)
		mc.log.Debug("client connected")

		go mc.writePump()
		go mc.readPump()
		if b.cfg.pingInterval > 0 {
			go mc.pingLoop()
		}
	}
}

func (b *Bridge) addConn(mc *managedConn) {
	b.connsMu.Lock()
	defer b.connsMu.Unlock()
	b.conns[mc.coord.ID()] = mc
}

func (b *Bridge) removeConn(mc *managedConn) {
	mc.closeOnce.Do(func() {
		b.connsMu.Lock()
		delete(b.conns, mc.coord.ID())
		b.connsMu.Unlock()

		mc.cancel()
		if err := mc.coord.Close(); err != nil {
			mc.log.Warn("coordinator close", "err", err)
		}
		mc.conn.Close(websocket.StatusNormalClosure, "connection removed")
		mc.log.Debug("client disconnected")
	})
}

// Conn returns the coordinator for a live connection ID.
func (b *Bridge) Conn(id string) (*coordinator.Conn, error) {
	b.connsMu.RLock()
	defer b.connsMu.RUnlock()
	mc, ok := b.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConnNotFound, id)
	}
	return mc.coord, nil
}

// IterateConns calls f for every live coordinator until f returns false.
func (b *Bridge) IterateConns(f func(*coordinator.Conn) bool) {
	b.connsMu.RLock()
	snapshot := make([]*coordinator.Conn, 0, len(b.conns))
	for _, mc := range b.conns {
		snapshot = append(snapshot, mc.coord)
	}
	b.connsMu.RUnlock()
	for _, c := range snapshot {
		if !f(c) {
			break
		}
	}
}

// Push sends a correlated message to the client behind connID and waits for
// its reply; see coordinator.Conn.Push for timeout semantics.
func (b *Bridge) Push(ctx context.Context, connID, name string, payload wire.Map, timeout time.Duration) (wire.Map, error) {
	c, err := b.Conn(connID)
	if err != nil {
		return nil, err
	}
	return c.Push(ctx, name, payload, timeout)
}

// SendTo pushes an uncorrelated message to one connection.
func (b *Bridge) SendTo(ctx context.Context, connID, name string, payload wire.Map) error {
	c, err := b.Conn(connID)
	if err != nil {
		return err
	}
	return c.Send(ctx, name, payload)
}

// Broadcast fans a message out to every connection subscribed to the given
// topics. It uses the same construction as Push, a fresh correlation
// reference inside a signed sender token, but registers no pending call, so
// any reply is dropped.
func (b *Bridge) Broadcast(ctx context.Context, name string, payload wire.Map, topics ...string) error {
	select {
	case <-b.mainCtx.Done():
		return errors.New("bridge: shutting down")
	default:
	}
	ref := wire.NewRef()
	tok, err := coordinator.SignSender(b.tokens, "", ref)
	if err != nil {
		return err
	}
	merged := wire.Map{wire.SenderKey: tok}
	for k, v := range payload {
		merged[k] = v
	}
	env, err := wire.NewEnvelope("", wire.TypePush, name, merged)
	if err != nil {
		return err
	}
	for _, topic := range topics {
		if err := b.bus.Publish(topic, env); err != nil {
			return fmt.Errorf("broadcast to %s: %w", topic, err)
		}
	}
	return nil
}

// Shutdown closes the bridge: new connections are refused, live ones are torn
// down (running their ondisconnect hooks), and the call returns once all are
// gone or ctx expires.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.shutdownOnce.Do(func() {
		b.cfg.logger.Info("bridge shutting down")
		close(b.shutdownChan)

		b.connsMu.RLock()
		snapshot := make([]*managedConn, 0, len(b.conns))
		for _, mc := range b.conns {
			snapshot = append(snapshot, mc)
		}
		b.connsMu.RUnlock()
		for _, mc := range snapshot {
			b.removeConn(mc)
		}

		b.mainCancel()
		if b.ownedBus {
			_ = b.bus.Close()
		}
	})

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		b.connsMu.RLock()
		remaining := len(b.conns)
		b.connsMu.RUnlock()
		if remaining == 0 {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("bridge: shutdown with %d connections remaining: %w", remaining, ctx.Err())
		}
	}
}

// managedConn ties one websocket to its coordinator and implements the
// coordinator's Transport.
type managedConn struct {
	bridge *Bridge
	conn   *websocket.Conn
	coord  *coordinator.Conn
	send   chan *wire.Envelope
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

// Push implements coordinator.Transport.
func (mc *managedConn) Push(ctx context.Context, ref, name string, payload wire.Map) error {
	env, err := wire.NewEnvelope(ref, wire.TypePush, name, payload)
	if err != nil {
		return err
	}
	select {
	case mc.send <- env:
		return nil
	case <-mc.ctx.Done():
		return fmt.Errorf("uibridge: connection gone: %w", mc.ctx.Err())
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (mc *managedConn) readPump() {
	defer mc.bridge.removeConn(mc)

	for {
		var env wire.Envelope
		if err := wsjson.Read(mc.ctx, mc.conn, &env); err != nil {
			status := websocket.CloseStatus(err)
			if errors.Is(err, context.Canceled) ||
				status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				mc.log.Debug("read pump closing", "err", err)
			} else {
				mc.log.Warn("read error", "err", err, "status", status)
			}
			return
		}

		payload, err := env.PayloadMap()
		if err != nil {
			mc.log.Warn("undecodable payload", "type", env.Type, "err", err)
			continue
		}

		switch env.Type {
		case wire.TypeConnect:
			if err := mc.coord.OnConnect(mc.ctx, payload); err != nil {
				mc.log.Error("connection setup failed", "err", err)
				mc.conn.Close(websocket.StatusPolicyViolation, "handshake rejected")
				return
			}
		case wire.TypeLoad:
			if err := mc.coord.OnLoad(mc.ctx, payload); err != nil {
				mc.log.Error("load failed", "err", err)
			}
		case wire.TypeEvent:
			mc.coord.Dispatch(coordinator.Invocation{
				Target:     env.Name,
				Payload:    payload,
				ReplyToken: env.Ref,
			})
		case wire.TypeReply:
			mc.coord.ResolveReply(env.Ref, payload)
		default:
			mc.log.Warn("unknown envelope type", "type", env.Type)
		}
	}
}

func (mc *managedConn) writePump() {
	for {
		select {
		case env := <-mc.send:
			writeCtx, cancel := context.WithTimeout(mc.ctx, mc.bridge.cfg.writeTimeout)
			err := wsjson.Write(writeCtx, mc.conn, env)
			cancel()
			if err != nil {
				mc.log.Warn("write error", "err", err)
				mc.conn.Close(websocket.StatusAbnormalClosure, "write error")
				return
			}
		case <-mc.ctx.Done():
			return
		}
	}
}

func (mc *managedConn) pingLoop() {
	ticker := time.NewTicker(mc.bridge.cfg.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(mc.ctx, mc.bridge.cfg.pingInterval/2)
			err := mc.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				mc.log.Warn("ping failed, closing", "err", err)
				mc.conn.Close(websocket.StatusPolicyViolation, "ping failure")
				return
			}
		case <-mc.ctx.Done():
			return
		}
	}
}
