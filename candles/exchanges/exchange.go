package exchanges

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotConnected is returned by Send when no connection is open
	ErrNotConnected = errors.New("stream is not connected")
	// ErrReconnectExhausted is the fatal error surfaced once the reconnect attempt cap is exceeded
	ErrReconnectExhausted = errors.New("max reconnection attempts reached")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("stream closed")
)

// Control frame methods
const (
	MethodSubscribe   = "SUBSCRIBE"
	MethodUnsubscribe = "UNSUBSCRIBE"
)

// RetryConfig holds reconnection parameters.
// Attempt n (1-based) waits InitialDelay * 2^(n-1); MaxRetries attempts are made before giving up.
type RetryConfig struct {
	InitialDelay time.Duration
	MaxRetries   int
}

// StreamConfig holds connection parameters for a market-data stream
type StreamConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	Retry            RetryConfig
}

// ConnectionHealth tracks stream connection health
type ConnectionHealth struct {
	Connected        bool
	Fatal            bool
	FailureCount     int
	ConsecutiveFails int
	RetryAttempt     int
	LastFailureTime  time.Time
	ConnectedSince   time.Time
}

// Frame is an outbound control frame
type Frame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

// OpenHook runs on every freshly opened connection before it is published as open.
// send writes directly to that connection.
type OpenHook func(send func(Frame) error) error

// Stream defines the single physical connection shared by all subscriptions
type Stream interface {
	// Connect opens the connection, or waits for an in-flight attempt
	Connect(ctx context.Context) error

	// Send writes a control frame; it fails with ErrNotConnected unless the connection is open
	Send(ctx context.Context, frame Frame) error

	// OnOpen registers the hook run on each successful open
	OnOpen(hook OpenHook)

	// OnMessage registers the handler for validated inbound data messages
	OnMessage(handler func(Message))

	// IsConnected returns whether the connection is currently open
	IsConnected() bool

	// Fatal delivers the terminal error once reconnection is abandoned
	Fatal() <-chan error

	GetConnectionHealth() ConnectionHealth
}
