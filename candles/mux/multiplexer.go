package mux

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/linluma/signalwatch/candles/exchanges"
	"github.com/linluma/signalwatch/candles/metrics"
	"github.com/linluma/signalwatch/shared/logging"
	"github.com/linluma/signalwatch/shared/models"
)

// Listener receives messages routed to one channel
type Listener func(exchanges.Message)

// Handle identifies one registered listener
type Handle uint64

// ErrUnknownHandle is returned when unsubscribing a listener that is not registered
var ErrUnknownHandle = errors.New("listener not registered for channel")

// Multiplexer shares one stream among many logical subscribers.
// A channel is subscribed upstream when its first listener arrives and
// unsubscribed when its last listener leaves.
type Multiplexer struct {
	stream  exchanges.Stream
	logger  *zap.Logger
	metrics *metrics.Recorder

	mutex    sync.RWMutex
	channels map[models.ChannelKey]map[Handle]Listener

	nextHandle  atomic.Uint64
	nextFrameID atomic.Uint64
}

// New creates a multiplexer and registers its hooks on stream
func New(stream exchanges.Stream, logger *zap.Logger, rec *metrics.Recorder) *Multiplexer {
	m := &Multiplexer{
		stream:   stream,
		logger:   logging.OrNop(logger).Named("mux"),
		metrics:  rec,
		channels: make(map[models.ChannelKey]map[Handle]Listener),
	}
	stream.OnOpen(m.resubscribe)
	stream.OnMessage(m.dispatch)
	return m
}

// Subscribe registers l for key. The first listener of a channel causes a
// SUBSCRIBE frame, and l is registered only once that frame has been sent.
func (m *Multiplexer) Subscribe(ctx context.Context, key models.ChannelKey, l Listener) (Handle, error) {
	if l == nil {
		return 0, errors.New("nil listener")
	}

	for attempt := 0; ; attempt++ {
		if err := m.stream.Connect(ctx); err != nil {
			return 0, fmt.Errorf("subscribe %s: %w", key, err)
		}

		h, err := m.register(ctx, key, l)
		if errors.Is(err, exchanges.ErrNotConnected) && attempt == 0 {
			// dropped between Connect and Send; the reconnect resubscribes existing channels
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("subscribe %s: %w", key, err)
		}
		return h, nil
	}
}

func (m *Multiplexer) register(ctx context.Context, key models.ChannelKey, l Listener) (Handle, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	set, ok := m.channels[key]
	if !ok {
		if err := m.send(ctx, exchanges.MethodSubscribe, []string{key.String()}); err != nil {
			return 0, err
		}
		set = make(map[Handle]Listener)
		m.channels[key] = set
		m.metrics.SetActiveChannels(len(m.channels))
		m.logger.Info("Subscribed to channel", zap.Stringer("channel", key))
	}

	h := Handle(m.nextHandle.Add(1))
	set[h] = l
	return h, nil
}

// Unsubscribe removes the listener. When the channel has no listeners left it is
// dropped from the tracked set and an UNSUBSCRIBE frame is sent.
func (m *Multiplexer) Unsubscribe(ctx context.Context, key models.ChannelKey, h Handle) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	set, ok := m.channels[key]
	if !ok {
		return ErrUnknownHandle
	}
	if _, ok := set[h]; !ok {
		return ErrUnknownHandle
	}
	delete(set, h)
	if len(set) > 0 {
		return nil
	}

	delete(m.channels, key)
	m.metrics.SetActiveChannels(len(m.channels))
	m.logger.Info("Unsubscribed from channel", zap.Stringer("channel", key))

	err := m.send(ctx, exchanges.MethodUnsubscribe, []string{key.String()})
	if errors.Is(err, exchanges.ErrNotConnected) {
		// nothing to tear down upstream; the channel will not be resubscribed
		return nil
	}
	return err
}

// Channels returns the tracked channel keys in stream-name order
func (m *Multiplexer) Channels() []models.ChannelKey {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.sortedKeysLocked()
}

// ListenerCount returns the number of listeners registered for key
func (m *Multiplexer) ListenerCount(key models.ChannelKey) int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.channels[key])
}

// resubscribe runs on every fresh connection before it is published,
// so it precedes any subscribe issued by application code.
func (m *Multiplexer) resubscribe(send func(exchanges.Frame) error) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	keys := m.sortedKeysLocked()
	if len(keys) == 0 {
		return nil
	}

	params := make([]string, len(keys))
	for i, k := range keys {
		params[i] = k.String()
	}
	frame := exchanges.Frame{Method: exchanges.MethodSubscribe, Params: params, ID: m.nextFrameID.Add(1)}
	if err := send(frame); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}
	m.metrics.RecordControlFrame(exchanges.MethodSubscribe)
	m.logger.Info("Resubscribed channels after reconnect", zap.Strings("channels", params))
	return nil
}

func (m *Multiplexer) dispatch(msg exchanges.Message) {
	key := msg.ChannelKey()

	m.mutex.RLock()
	set := m.channels[key]
	listeners := make([]Listener, 0, len(set))
	for _, l := range set {
		listeners = append(listeners, l)
	}
	m.mutex.RUnlock()

	if len(listeners) == 0 {
		m.metrics.RecordDroppedFrame("unrouted")
		return
	}
	for _, l := range listeners {
		l(msg)
	}
}

func (m *Multiplexer) send(ctx context.Context, method string, params []string) error {
	frame := exchanges.Frame{Method: method, Params: params, ID: m.nextFrameID.Add(1)}
	if err := m.stream.Send(ctx, frame); err != nil {
		return err
	}
	m.metrics.RecordControlFrame(method)
	return nil
}

func (m *Multiplexer) sortedKeysLocked() []models.ChannelKey {
	keys := make([]models.ChannelKey, 0, len(m.channels))
	for k := range m.channels {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}
