// Package realtime maintains the change-event subscriptions against the
// backend's websocket stream. Consumers subscribing to the same
// (collection, filter) pair share one underlying channel; each channel runs
// its own reconnect loop with bounded exponential backoff.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rbeezley/ringsync/internal/models"
)

// State is the connection state of one underlying channel.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Callback receives raw change events for a subscription.
type Callback func(models.ChangeEvent)

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
)

// Multiplexer de-duplicates subscriptions per (collection, filter) pair and
// fans events out to every registered callback.
type Multiplexer struct {
	url        string
	licenseKey string
	dialer     Dialer

	mu       sync.Mutex
	channels map[string]*channel
	subs     map[string]subEntry
}

type subEntry struct {
	channelKey string
	collection string
	filter     string
}

// New creates a multiplexer for the given stream URL, scoped to one license
// key. Passing a nil dialer uses the websocket dialer.
func New(url, apiKey, licenseKey string, dialer Dialer) *Multiplexer {
	if dialer == nil {
		dialer = newWebsocketDialer(apiKey)
	}
	return &Multiplexer{
		url:        url,
		licenseKey: licenseKey,
		dialer:     dialer,
		channels:   make(map[string]*channel),
		subs:       make(map[string]subEntry),
	}
}

func channelKey(collection, filter string) string {
	return collection + "|" + filter
}

// Subscribe registers a callback under the caller's key. Subscriptions with
// the same (collection, filter) share one remote channel; the channel is
// created on the first subscriber. Re-subscribing an existing key replaces
// its callback.
func (m *Multiplexer) Subscribe(key, collection, filter string, cb Callback) error {
	if key == "" {
		return fmt.Errorf("subscribe: empty key")
	}
	if collection == "" {
		return fmt.Errorf("subscribe: empty collection")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.subs[key]; ok {
		m.removeLocked(key, prev)
	}

	ck := channelKey(collection, filter)
	ch, ok := m.channels[ck]
	if !ok {
		ch = newChannel(m.url, m.licenseKey, collection, filter, m.dialer)
		m.channels[ck] = ch
		go ch.run()
	}
	ch.addCallback(key, cb)
	m.subs[key] = subEntry{channelKey: ck, collection: collection, filter: filter}

	slog.Debug("subscribed", "key", key, "collection", collection, "filter", filter)
	return nil
}

// Unsubscribe removes the caller's subscription. The remote channel is torn
// down only when its last subscriber is gone.
func (m *Multiplexer) Unsubscribe(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.subs[key]
	if !ok {
		return
	}
	m.removeLocked(key, entry)
}

func (m *Multiplexer) removeLocked(key string, entry subEntry) {
	delete(m.subs, key)
	ch, ok := m.channels[entry.channelKey]
	if !ok {
		return
	}
	if ch.removeCallback(key) == 0 {
		ch.stop()
		delete(m.channels, entry.channelKey)
		slog.Debug("channel torn down", "collection", entry.collection, "filter", entry.filter)
	}
}

// Close tears down every channel.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, ch := range m.channels {
		ch.stop()
		delete(m.channels, key)
	}
	m.subs = make(map[string]subEntry)
}

// States reports the connection state of each active channel, keyed by
// collection|filter.
func (m *Multiplexer) States() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State, len(m.channels))
	for key, ch := range m.channels {
		out[key] = ch.state()
	}
	return out
}

// --- channel: one remote subscription with its reconnect loop ---

type channel struct {
	url        string
	licenseKey string
	collection string
	filter     string
	dialer     Dialer

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	callbacks map[string]Callback
	st        State
}

func newChannel(url, licenseKey, collection, filter string, dialer Dialer) *channel {
	ctx, cancel := context.WithCancel(context.Background())
	return &channel{
		url:        url,
		licenseKey: licenseKey,
		collection: collection,
		filter:     filter,
		dialer:     dialer,
		ctx:        ctx,
		cancel:     cancel,
		callbacks:  make(map[string]Callback),
		st:         StateDisconnected,
	}
}

func (c *channel) addCallback(key string, cb Callback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks[key] = cb
}

func (c *channel) removeCallback(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.callbacks, key)
	return len(c.callbacks)
}

func (c *channel) stop() {
	c.cancel()
}

func (c *channel) state() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st
}

func (c *channel) setState(st State) {
	c.mu.Lock()
	c.st = st
	c.mu.Unlock()
}

// subscribeMessage is sent after connecting to open the server-side stream.
type subscribeMessage struct {
	Action     string `json:"action"`
	Collection string `json:"collection"`
	Filter     string `json:"filter,omitempty"`
	LicenseKey string `json:"license_key"`
}

func (c *channel) run() {
	backoff := initialBackoff

	for {
		if c.ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}

		c.setState(StateConnecting)
		conn, err := c.connect()
		if err != nil {
			c.setState(StateReconnecting)
			slog.Warn("stream connect failed", "collection", c.collection, "err", err)
			select {
			case <-c.ctx.Done():
				c.setState(StateDisconnected)
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		c.setState(StateConnected)
		backoff = initialBackoff
		slog.Debug("stream connected", "collection", c.collection, "filter", c.filter)

		c.readLoop(conn)
		conn.Close()

		if c.ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}
		c.setState(StateReconnecting)
	}
}

func (c *channel) connect() (Conn, error) {
	conn, err := c.dialer.DialContext(c.ctx, c.url)
	if err != nil {
		return nil, err
	}
	msg := subscribeMessage{
		Action:     "subscribe",
		Collection: c.collection,
		Filter:     c.filter,
		LicenseKey: c.licenseKey,
	}
	if err := conn.WriteJSON(msg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send subscribe: %w", err)
	}
	return conn, nil
}

func (c *channel) readLoop(conn Conn) {
	// Close the connection when the channel is stopped so a blocked read
	// returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-c.ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				slog.Warn("stream read failed", "collection", c.collection, "err", err)
			}
			return
		}
		ev, ok := decodeEvent(data, c.collection)
		if !ok {
			continue
		}
		c.dispatch(ev)
	}
}

// decodeEvent parses and validates one wire event. Malformed events are
// dropped and logged; callbacks never see partial data.
func decodeEvent(data []byte, collection string) (models.ChangeEvent, bool) {
	var ev models.ChangeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		slog.Warn("dropping malformed event", "collection", collection, "err", err)
		return ev, false
	}
	switch ev.Kind {
	case models.ChangeInsert, models.ChangeUpdate, models.ChangeDelete:
	default:
		slog.Warn("dropping event with unknown kind", "collection", collection, "kind", ev.Kind)
		return ev, false
	}
	if ev.EntityID() == "" {
		slog.Warn("dropping event without entity id", "collection", collection, "kind", ev.Kind)
		return ev, false
	}
	if ev.Collection == "" {
		ev.Collection = collection
	}
	return ev, true
}

func (c *channel) dispatch(ev models.ChangeEvent) {
	c.mu.Lock()
	cbs := make([]Callback, 0, len(c.callbacks))
	for _, cb := range c.callbacks {
		cbs = append(cbs, cb)
	}
	c.mu.Unlock()

	for _, cb := range cbs {
		cb(ev)
	}
}
