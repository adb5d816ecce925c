// Package testutil provides common test helpers for the uibridge packages:
// an httptest-backed bridge server and a minimal websocket test client
// speaking the wire protocol.
package testutil

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lightforgemedia/go-uibridge/pkg/bridge"
	"github.com/lightforgemedia/go-uibridge/pkg/coordinator"
	"github.com/lightforgemedia/go-uibridge/pkg/registry"
	"github.com/lightforgemedia/go-uibridge/pkg/wire"
)

// WaitForConn polls until the bridge has at least one live connection and
// returns its coordinator.
func WaitForConn(t *testing.T, b *bridge.Bridge, timeout time.Duration) *coordinator.Conn {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var found *coordinator.Conn
		b.IterateConns(func(c *coordinator.Conn) bool {
			found = c
			return false
		})
		if found != nil {
			return found
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no connection established before deadline")
	return nil
}

// DefaultLogger logs at debug level to stderr for test visibility.
var DefaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
	Level: slog.LevelDebug,
}))

// Secret is the token secret used by test bridges.
var Secret = []byte("testutil secret")

// BridgeServer combines a bridge and its HTTP server for testing.
type BridgeServer struct {
	*bridge.Bridge
	HTTP  *httptest.Server
	WSURL string
}

// NewBridgeServer starts a bridge serving the named identity over httptest.
// Cleanup is registered on t.
func NewBridgeServer(t *testing.T, reg *registry.Registry, identity string, opts ...bridge.Option) *BridgeServer {
	t.Helper()

	finalOpts := append([]bridge.Option{
		bridge.WithLogger(DefaultLogger),
		bridge.WithTokenSecret(Secret),
	}, opts...)
	b, err := bridge.New(reg, finalOpts...)
	if err != nil {
		t.Fatalf("bridge.New: %v", err)
	}
	srv := httptest.NewServer(b.Handler(identity))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
		srv.Close()
	})
	return &BridgeServer{Bridge: b, HTTP: srv, WSURL: wsURL}
}

// Client is a minimal wire-protocol client for tests. Inbound envelopes are
// read into Inbox by a background goroutine.
type Client struct {
	t     *testing.T
	conn  *websocket.Conn
	Inbox chan *wire.Envelope

	ctx    context.Context
	cancel context.CancelFunc
}

// Dial connects a test client to wsURL. Cleanup is registered on t.
func Dial(t *testing.T, wsURL string) *Client {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		cancel()
		t.Fatalf("websocket.Dial: %v", err)
	}
	c := &Client{t: t, conn: conn, Inbox: make(chan *wire.Envelope, 64), ctx: ctx, cancel: cancel}
	go c.readLoop()
	t.Cleanup(c.Close)
	return c
}

func (c *Client) readLoop() {
	defer close(c.Inbox)
	for {
		var env wire.Envelope
		if err := wsjson.Read(c.ctx, c.conn, &env); err != nil {
			return
		}
		c.Inbox <- &env
	}
}

// Close tears the client down. Safe to call more than once.
func (c *Client) Close() {
	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "test done")
}

func (c *Client) send(env *wire.Envelope) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, c.conn, env); err != nil {
		c.t.Fatalf("write %s envelope: %v", env.Type, err)
	}
}

// Connect performs the connection handshake. Empty tokens mean a fresh
// connection.
func (c *Client) Connect(payload wire.Map, sessionToken, storeToken string) {
	c.t.Helper()
	hs := wire.Map{"payload": payload}
	if sessionToken != "" {
		hs["sessionToken"] = sessionToken
	}
	if storeToken != "" {
		hs["storeToken"] = storeToken
	}
	env, err := wire.NewEnvelope("", wire.TypeConnect, "", hs)
	if err != nil {
		c.t.Fatalf("connect envelope: %v", err)
	}
	c.send(env)
}

// Load fires the fresh-page-load message.
func (c *Client) Load(payload wire.Map) {
	c.t.Helper()
	env, err := wire.NewEnvelope("", wire.TypeLoad, "", payload)
	if err != nil {
		c.t.Fatalf("load envelope: %v", err)
	}
	c.send(env)
}

// Event invokes a named handler with a reply token.
func (c *Client) Event(target string, payload wire.Map, replyToken string) {
	c.t.Helper()
	env, err := wire.NewEnvelope(replyToken, wire.TypeEvent, target, payload)
	if err != nil {
		c.t.Fatalf("event envelope: %v", err)
	}
	c.send(env)
}

// Reply answers a server-initiated push by correlation reference.
func (c *Client) Reply(ref string, payload wire.Map) {
	c.t.Helper()
	env, err := wire.NewEnvelope(ref, wire.TypeReply, "", payload)
	if err != nil {
		c.t.Fatalf("reply envelope: %v", err)
	}
	c.send(env)
}

// Expect reads envelopes until one pushed with the given message name
// arrives, failing t after timeout. Other envelopes are discarded.
func (c *Client) Expect(name string, timeout time.Duration) *wire.Envelope {
	c.t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case env, ok := <-c.Inbox:
			if !ok {
				c.t.Fatalf("connection closed while waiting for %q", name)
			}
			if env.Name == name {
				return env
			}
		case <-deadline:
			c.t.Fatalf("timed out waiting for %q push", name)
		}
	}
}

// ExpectNone asserts that no envelope with the given name arrives within d.
func (c *Client) ExpectNone(name string, d time.Duration) {
	c.t.Helper()
	deadline := time.After(d)
	for {
		select {
		case env, ok := <-c.Inbox:
			if !ok {
				return
			}
			if env.Name == name {
				c.t.Fatalf("unexpected %q push: %+v", name, env)
			}
		case <-deadline:
			return
		}
	}
}
