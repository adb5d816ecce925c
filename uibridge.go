// Package uibridge is a bidirectional RPC bridge that lets server-side
// handler modules drive and query a live user interface running in a remote,
// untrusted client over a persistent websocket channel.
//
// The server mounts a Bridge handler bound to a compiled Identity; the client
// invokes named handlers in response to interaction events, and server code
// pushes correlated messages to the client and awaits its answers.
//
//	counter, _ := uibridge.NewIdentity("Counter",
//	    uibridge.WithHandler("bump", bump),
//	    uibridge.WithBefore("audit", audit, uibridge.Only("bump")),
//	)
//	reg, _ := uibridge.NewRegistry(counter)
//	b, _ := uibridge.New(reg, uibridge.WithTokenSecret(secret))
//	http.Handle("/uibridge", b.Handler("Counter"))
package uibridge

import (
	"github.com/lightforgemedia/go-uibridge/pkg/bridge"
	"github.com/lightforgemedia/go-uibridge/pkg/coordinator"
	"github.com/lightforgemedia/go-uibridge/pkg/registry"
	"github.com/lightforgemedia/go-uibridge/pkg/transform"
	"github.com/lightforgemedia/go-uibridge/pkg/wire"
)

// Core types.
type (
	Map            = wire.Map
	Envelope       = wire.Envelope
	Bridge         = bridge.Bridge
	Option         = bridge.Option
	Identity       = registry.Identity
	IdentityOption = registry.IdentityOption
	Registry       = registry.Registry
	Conn           = registry.Conn
	Handler        = registry.Handler
	BeforeHook     = registry.BeforeHook
	AfterHook      = registry.AfterHook
	LifecycleHook  = registry.LifecycleHook
	DisconnectHook = registry.DisconnectHook
	Filter         = registry.Filter
	Module         = transform.Module
	Invocation     = coordinator.Invocation
	Outcome        = coordinator.Outcome
)

// Errors and outcomes.
var (
	ErrTimeout      = coordinator.ErrTimeout
	ErrClosed       = coordinator.ErrClosed
	ErrConnNotFound = bridge.ErrConnNotFound
)

// NoTimeout makes Push wait indefinitely for a reply.
const NoTimeout = coordinator.NoTimeout

// Bridge construction and options.
var (
	New                 = bridge.New
	WithLogger          = bridge.WithLogger
	WithTokenSecret     = bridge.WithTokenSecret
	WithTokenMaxAge     = bridge.WithTokenMaxAge
	WithAcceptOptions   = bridge.WithAcceptOptions
	WithSendBuffer      = bridge.WithSendBuffer
	WithWriteTimeout    = bridge.WithWriteTimeout
	WithPingInterval    = bridge.WithPingInterval
	WithDefaultTimeout  = bridge.WithDefaultTimeout
	WithTopicPrefix     = bridge.WithTopicPrefix
	WithFailureTemplate = bridge.WithFailureTemplate
	WithBus             = bridge.WithBus
)

// Identity construction.
var (
	NewIdentity       = registry.NewIdentity
	NewRegistry       = registry.New
	WithHandler       = registry.WithHandler
	WithPublicHandler = registry.WithPublicHandler
	WithBefore        = registry.WithBefore
	WithAfter         = registry.WithAfter
	WithOnConnect     = registry.WithOnConnect
	WithOnLoad        = registry.WithOnLoad
	WithOnDisconnect  = registry.WithOnDisconnect
	WithTransform     = registry.WithTransform
	Only              = registry.Only
	Except            = registry.Except
)
