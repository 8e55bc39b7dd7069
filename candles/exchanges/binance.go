package exchanges

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/linluma/signalwatch/candles/metrics"
	"github.com/linluma/signalwatch/shared/logging"
)

const connectKey = "connect"

// BinanceStream implements Stream over the Binance raw websocket endpoint
type BinanceStream struct {
	cfg     StreamConfig
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Recorder

	mutex     sync.RWMutex
	conn      *websocket.Conn
	health    ConnectionHealth
	fatalErr  error
	onOpen    OpenHook
	onMessage func(Message)

	writeMu   sync.Mutex
	connects  singleflight.Group
	fatalCh   chan error
	done      chan struct{}
	closeOnce sync.Once

	// Allow test override of dial function
	dialFunc func(ctx context.Context) (*websocket.Conn, error)
}

// NewBinanceStream creates a stream; no connection is made until Connect
func NewBinanceStream(cfg StreamConfig, clk clock.Clock, logger *zap.Logger, rec *metrics.Recorder) *BinanceStream {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Retry.InitialDelay <= 0 {
		cfg.Retry.InitialDelay = time.Second
	}
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry.MaxRetries = 5
	}

	b := &BinanceStream{
		cfg:     cfg,
		clock:   clk,
		logger:  logging.OrNop(logger).Named("stream"),
		metrics: rec,
		fatalCh: make(chan error, 1),
		done:    make(chan struct{}),
	}
	b.dialFunc = b.dialWebSocket
	return b
}

// OnOpen registers the hook run on each freshly opened connection
func (b *BinanceStream) OnOpen(hook OpenHook) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.onOpen = hook
}

// OnMessage registers the handler for validated data messages
func (b *BinanceStream) OnMessage(handler func(Message)) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.onMessage = handler
}

// Fatal delivers ErrReconnectExhausted (wrapped) once reconnection is abandoned
func (b *BinanceStream) Fatal() <-chan error {
	return b.fatalCh
}

// IsConnected returns connection status
func (b *BinanceStream) IsConnected() bool {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.conn != nil
}

// GetConnectionHealth returns current connection health status
func (b *BinanceStream) GetConnectionHealth() ConnectionHealth {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	h := b.health
	h.Connected = b.conn != nil
	h.Fatal = b.fatalErr != nil
	return h
}

// Connect opens the connection. It is a no-op when already open, and joins the
// in-flight attempt (including a scheduled reconnect) when one exists.
func (b *BinanceStream) Connect(ctx context.Context) error {
	if err := b.terminalErr(); err != nil {
		return err
	}
	if b.IsConnected() {
		return nil
	}

	ch := b.connects.DoChan(connectKey, func() (interface{}, error) {
		return nil, b.establish(false)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send writes a control frame to the open connection
func (b *BinanceStream) Send(ctx context.Context, frame Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mutex.RLock()
	conn := b.conn
	b.mutex.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	if err := b.write(conn, frame); err != nil {
		return fmt.Errorf("send %s: %w", frame.Method, err)
	}
	return nil
}

// Close shuts the stream down; pending reconnects are abandoned
func (b *BinanceStream) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)

		b.mutex.Lock()
		conn := b.conn
		b.conn = nil
		b.mutex.Unlock()

		if conn != nil {
			b.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			b.writeMu.Unlock()
			err = conn.Close()
		}
		b.metrics.SetConnected(false)
		b.logger.Info("Disconnected from Binance WebSocket")
	})
	return err
}

func (b *BinanceStream) terminalErr() error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.fatalErr
}

// establish dials until a connection opens or the retry budget is spent.
// When delayFirst is set every attempt, including the first, waits its backoff delay.
func (b *BinanceStream) establish(delayFirst bool) error {
	if err := b.terminalErr(); err != nil {
		return err
	}

	bo := b.newBackOff()
	var lastErr error
	for attempt := 0; ; attempt++ {
		if b.IsConnected() {
			return nil
		}
		if attempt > 0 || delayFirst {
			delay := bo.NextBackOff()
			if delay == backoff.Stop {
				return b.fail(lastErr)
			}
			b.metrics.RecordReconnectAttempt()
			b.logger.Info("Scheduling reconnect",
				zap.Duration("delay", delay),
				zap.Int("attempt", b.GetConnectionHealth().RetryAttempt+1))
			if err := b.wait(delay); err != nil {
				return err
			}
		}

		if b.IsConnected() {
			return nil
		}

		if err := b.dial(); err != nil {
			if errors.Is(err, ErrClosed) {
				return err
			}
			lastErr = err
			b.recordFailure()
			b.logger.Warn("Binance connection attempt failed", zap.Error(err))
			continue
		}
		return nil
	}
}

// newBackOff yields InitialDelay * 2^(n-1) for n = 1..MaxRetries, then backoff.Stop
func (b *BinanceStream) newBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = b.cfg.Retry.InitialDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = time.Duration(float64(b.cfg.Retry.InitialDelay) * math.Pow(2, float64(b.cfg.Retry.MaxRetries)))
	exp.MaxElapsedTime = 0
	exp.Clock = b.clock
	exp.Reset()
	return backoff.WithMaxRetries(exp, uint64(b.cfg.Retry.MaxRetries))
}

func (b *BinanceStream) wait(d time.Duration) error {
	timer := b.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-b.done:
		return ErrClosed
	}
}

// dial opens a connection, runs the open hook on it, then publishes it
func (b *BinanceStream) dial() error {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.HandshakeTimeout)
	defer cancel()

	conn, err := b.dialFunc(ctx)
	if err != nil {
		return err
	}

	b.mutex.RLock()
	hook := b.onOpen
	b.mutex.RUnlock()
	if hook != nil {
		send := func(f Frame) error { return b.write(conn, f) }
		if err := hook(send); err != nil {
			_ = conn.Close()
			return fmt.Errorf("open hook: %w", err)
		}
	}

	b.mutex.Lock()
	select {
	case <-b.done:
		b.mutex.Unlock()
		_ = conn.Close()
		return ErrClosed
	default:
	}
	b.conn = conn
	b.recordSuccessLocked()
	b.mutex.Unlock()

	b.metrics.SetConnected(true)
	b.logger.Info("Connected to Binance WebSocket", zap.String("url", b.cfg.URL))

	go b.readMessages(conn)
	return nil
}

func (b *BinanceStream) dialWebSocket(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: b.cfg.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, b.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial WebSocket: %w", err)
	}
	return conn, nil
}

func (b *BinanceStream) write(conn *websocket.Conn, frame Frame) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(b.cfg.HandshakeTimeout))
	return conn.WriteJSON(frame)
}

// fail marks the stream as terminally failed and surfaces the error once
func (b *BinanceStream) fail(lastErr error) error {
	b.mutex.Lock()
	if b.fatalErr == nil {
		b.fatalErr = fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, b.cfg.Retry.MaxRetries, lastErr)
	}
	err := b.fatalErr
	b.mutex.Unlock()

	b.metrics.RecordFatal()
	b.logger.Error("Giving up on Binance WebSocket", zap.Error(err))
	select {
	case b.fatalCh <- err:
	default:
	}
	return err
}

func (b *BinanceStream) recordFailure() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.health.FailureCount++
	b.health.ConsecutiveFails++
	b.health.RetryAttempt++
	b.health.LastFailureTime = b.clock.Now()
}

func (b *BinanceStream) recordSuccessLocked() {
	b.health.ConsecutiveFails = 0
	b.health.RetryAttempt = 0
	b.health.ConnectedSince = b.clock.Now()
}

// readMessages reads frames until the connection fails, then schedules a reconnect
func (b *BinanceStream) readMessages(conn *websocket.Conn) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Binance WebSocket reader panic recovered", zap.Any("panic", r))
			b.handleDisconnect(conn, fmt.Errorf("reader panic: %v", r))
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			b.handleDisconnect(conn, err)
			return
		}
		b.processMessage(data)
	}
}

func (b *BinanceStream) processMessage(data []byte) {
	msg, ack, err := ParseFrame(data)
	switch {
	case err != nil:
		b.metrics.RecordDroppedFrame("invalid")
		b.logger.Warn("Dropping unrecognized frame", zap.Error(err), zap.ByteString("frame", truncate(data, 256)))
	case ack != nil:
		if ack.Failed() {
			b.logger.Warn("Subscription request rejected",
				zap.Uint64("id", ack.ID), zap.Int("code", ack.Code), zap.String("msg", ack.Msg))
			return
		}
		b.logger.Debug("Subscription request acknowledged", zap.Uint64("id", ack.ID))
	default:
		b.metrics.RecordFrame(string(msg.ChannelKey().Kind))
		b.mutex.RLock()
		handler := b.onMessage
		b.mutex.RUnlock()
		if handler != nil {
			handler(msg)
		}
	}
}

func (b *BinanceStream) handleDisconnect(conn *websocket.Conn, cause error) {
	b.mutex.Lock()
	if b.conn != conn {
		b.mutex.Unlock()
		return
	}
	b.conn = nil
	b.mutex.Unlock()

	_ = conn.Close()
	b.metrics.SetConnected(false)

	select {
	case <-b.done:
		return
	default:
	}

	if websocket.IsUnexpectedCloseError(cause, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		b.logger.Warn("Binance WebSocket connection closed unexpectedly", zap.Error(cause))
	} else {
		b.logger.Warn("Binance WebSocket connection lost", zap.Error(cause))
	}

	go func() {
		_, _, _ = b.connects.Do(connectKey, func() (interface{}, error) {
			return nil, b.establish(true)
		})
	}()
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
