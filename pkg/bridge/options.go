package bridge

import (
	"log/slog"
	"text/template"
	"time"

	"github.com/coder/websocket"

	"github.com/lightforgemedia/go-uibridge/pkg/fanout"
)

type config struct {
	logger          *slog.Logger
	acceptOptions   *websocket.AcceptOptions
	sendBuffer      int
	writeTimeout    time.Duration
	pingInterval    time.Duration
	defaultTimeout  time.Duration
	topicPrefix     string
	tokenSecret     []byte
	tokenMaxAge     time.Duration
	failureTemplate *template.Template
}

func defaultConfig() config {
	return config{
		logger:         slog.Default(),
		acceptOptions:  &websocket.AcceptOptions{},
		sendBuffer:     defaultSendBuffer,
		writeTimeout:   defaultWriteTimeout,
		pingInterval:   defaultPingInterval,
		defaultTimeout: defaultPushTimeout,
		topicPrefix:    defaultTopicPrefix,
	}
}

// Option configures the Bridge.
type Option func(*Bridge)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.cfg.logger = logger
		}
	}
}

// WithTokenSecret sets the process-wide token signing secret. Required.
func WithTokenSecret(secret []byte) Option {
	return func(b *Bridge) { b.cfg.tokenSecret = secret }
}

// WithTokenMaxAge bounds the age of handshake tokens accepted on reconnect.
// Defaults to 24h.
func WithTokenMaxAge(maxAge time.Duration) Option {
	return func(b *Bridge) {
		if maxAge > 0 {
			b.cfg.tokenMaxAge = maxAge
		}
	}
}

// WithAcceptOptions provides custom websocket accept options.
func WithAcceptOptions(opts *websocket.AcceptOptions) Option {
	return func(b *Bridge) {
		if opts != nil {
			b.cfg.acceptOptions = opts
		}
	}
}

// WithSendBuffer sets the per-connection outgoing buffer. Default 16.
func WithSendBuffer(size int) Option {
	return func(b *Bridge) {
		if size > 0 {
			b.cfg.sendBuffer = size
		}
	}
}

// WithWriteTimeout bounds each websocket write. Default 10s.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(b *Bridge) {
		if timeout > 0 {
			b.cfg.writeTimeout = timeout
		}
	}
}

// WithPingInterval sets the keepalive ping interval. Zero keeps the default
// (30s); a negative value disables pings.
func WithPingInterval(interval time.Duration) Option {
	return func(b *Bridge) {
		switch {
		case interval < 0:
			b.cfg.pingInterval = 0
		case interval > 0:
			b.cfg.pingInterval = interval
		}
	}
}

// WithDefaultTimeout sets the system-wide round-trip timeout used by Push
// when a call gives none. Default 5s.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(b *Bridge) {
		if timeout > 0 {
			b.cfg.defaultTimeout = timeout
		}
	}
}

// WithTopicPrefix sets the pub/sub namespace prefix for topic broadcasts.
// Default "uibridge:".
func WithTopicPrefix(prefix string) Option {
	return func(b *Bridge) { b.cfg.topicPrefix = prefix }
}

// WithFailureTemplate overrides the client-facing failure notification
// template; see coordinator.DefaultFailureTemplate.
func WithFailureTemplate(t *template.Template) Option {
	return func(b *Bridge) {
		if t != nil {
			b.cfg.failureTemplate = t
		}
	}
}

// WithBus replaces the in-process broadcast bus, e.g. with fanout.NewNATS for
// multi-node fan-out. The caller keeps ownership; the bridge will not close
// it on shutdown. Note the topic prefix is applied by the bus itself, so a
// replacement bus should be constructed with the same prefix.
func WithBus(bus fanout.Bus) Option {
	return func(b *Bridge) {
		if bus != nil {
			b.bus = bus
		}
	}
}
