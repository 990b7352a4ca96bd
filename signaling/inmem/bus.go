/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package inmem is an in-process pub/sub bus implementing signaling.Channel.
// Every subscriber is fed from its own queue on its own goroutine, so handlers
// may publish without deadlocking. Conns expose fault injection hooks.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tejzpr/onetoone-go-sdk/signaling"
)

// ErrDisconnected is returned by a Conn after Disconnect.
var ErrDisconnected = errors.New("inmem: connection lost")

// Bus routes published payloads to the subscribers of a topic.
type Bus struct {
	mu   sync.Mutex
	subs map[string][]*subscriber
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]*subscriber)}
}

// Connect returns a new connection to the bus for the named client.
func (b *Bus) Connect(name string) *Conn {
	return &Conn{bus: b, name: name, subs: make(map[string]*subscriber)}
}

func (b *Bus) deliver(topic string, data []byte) {
	b.mu.Lock()
	subs := make([]*subscriber, len(b.subs[topic]))
	copy(subs, b.subs[topic])
	b.mu.Unlock()

	for _, s := range subs {
		s.enqueue(data)
	}
}

func (b *Bus) add(s *subscriber) {
	b.mu.Lock()
	b.subs[s.topic] = append(b.subs[s.topic], s)
	b.mu.Unlock()
}

func (b *Bus) remove(s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[s.topic]
	for i, cur := range list {
		if cur == s {
			b.subs[s.topic] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[s.topic]) == 0 {
		delete(b.subs, s.topic)
	}
}

// Conn is one client's view of the bus.
type Conn struct {
	bus  *Bus
	name string

	mu           sync.Mutex
	subs         map[string]*subscriber
	token        string
	dropNext     int
	dropAll      bool
	dropFilter   func(topic string, data []byte) bool
	subscribeErr error
	publishErr   error
	disconnected bool
	onDisconnect func(err error)
	publishCount int
	droppedCount int
	paused       bool
	held         []heldPublish
}

var (
	_ signaling.Channel            = (*Conn)(nil)
	_ signaling.TokenRenewer       = (*Conn)(nil)
	_ signaling.DisconnectNotifier = (*Conn)(nil)
)

// Bus returns the bus c publishes to.
func (c *Conn) Bus() *Bus {
	return c.bus
}

// Name returns the client name given to Connect.
func (c *Conn) Name() string {
	return c.name
}

// Subscribe implements signaling.Channel.
func (c *Conn) Subscribe(_ context.Context, topic string, h signaling.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribeErr != nil {
		return c.subscribeErr
	}
	if c.disconnected {
		return ErrDisconnected
	}
	if old, ok := c.subs[topic]; ok {
		c.bus.remove(old)
		old.stop()
	}
	s := newSubscriber(topic, h)
	c.subs[topic] = s
	c.bus.add(s)
	return nil
}

// Unsubscribe implements signaling.Channel.
func (c *Conn) Unsubscribe(_ context.Context, topic string) error {
	c.mu.Lock()
	s, ok := c.subs[topic]
	delete(c.subs, topic)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	c.bus.remove(s)
	s.stop()
	return nil
}

// Publish implements signaling.Channel. Payloads dropped by fault injection
// still report success, as on a real lossy transport.
func (c *Conn) Publish(_ context.Context, topic string, data []byte) error {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return ErrDisconnected
	}
	if c.publishErr != nil {
		err := c.publishErr
		c.mu.Unlock()
		return err
	}
	c.publishCount++
	drop := c.dropAll
	if !drop && c.dropNext > 0 {
		c.dropNext--
		drop = true
	}
	if !drop && c.dropFilter != nil && c.dropFilter(topic, data) {
		drop = true
	}
	if drop {
		c.droppedCount++
	}
	if !drop && c.paused {
		c.held = append(c.held, heldPublish{topic: topic, data: append([]byte(nil), data...)})
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if drop {
		return nil
	}
	c.bus.deliver(topic, append([]byte(nil), data...))
	return nil
}

// RenewToken implements signaling.TokenRenewer.
func (c *Conn) RenewToken(token string) error {
	if token == "" {
		return fmt.Errorf("inmem: empty token")
	}
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return nil
}

// OnDisconnect implements signaling.DisconnectNotifier.
func (c *Conn) OnDisconnect(fn func(err error)) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

// Token returns the last token passed to RenewToken.
func (c *Conn) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// DropNext silently drops the next n published payloads.
func (c *Conn) DropNext(n int) {
	c.mu.Lock()
	c.dropNext = n
	c.mu.Unlock()
}

// SetDropAll toggles dropping every published payload.
func (c *Conn) SetDropAll(drop bool) {
	c.mu.Lock()
	c.dropAll = drop
	c.mu.Unlock()
}

// SetDropFilter drops published payloads for which fn returns true.
func (c *Conn) SetDropFilter(fn func(topic string, data []byte) bool) {
	c.mu.Lock()
	c.dropFilter = fn
	c.mu.Unlock()
}

// FailSubscribe makes every following Subscribe return err. Nil clears it.
func (c *Conn) FailSubscribe(err error) {
	c.mu.Lock()
	c.subscribeErr = err
	c.mu.Unlock()
}

// FailPublish makes every following Publish return err. Nil clears it.
func (c *Conn) FailPublish(err error) {
	c.mu.Lock()
	c.publishErr = err
	c.mu.Unlock()
}

// Disconnect drops every subscription and reports err to the disconnect handler.
func (c *Conn) Disconnect(err error) {
	if err == nil {
		err = ErrDisconnected
	}
	c.mu.Lock()
	c.disconnected = true
	subs := c.subs
	c.subs = make(map[string]*subscriber)
	fn := c.onDisconnect
	c.mu.Unlock()

	for _, s := range subs {
		c.bus.remove(s)
		s.stop()
	}
	if fn != nil {
		fn(err)
	}
}

// Pause holds every following publish until Resume.
func (c *Conn) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// Resume delivers held publishes in order and stops holding.
func (c *Conn) Resume() {
	c.mu.Lock()
	c.paused = false
	held := c.held
	c.held = nil
	c.mu.Unlock()
	for _, h := range held {
		c.bus.deliver(h.topic, h.data)
	}
}

// Reconnect clears a previous Disconnect.
func (c *Conn) Reconnect() {
	c.mu.Lock()
	c.disconnected = false
	c.mu.Unlock()
}

// Stats returns the number of publish calls accepted and dropped.
func (c *Conn) Stats() (published, dropped int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.publishCount, c.droppedCount
}

type heldPublish struct {
	topic string
	data  []byte
}

type subscriber struct {
	topic string
	h     signaling.Handler

	mu    sync.Mutex
	queue [][]byte
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newSubscriber(topic string, h signaling.Handler) *subscriber {
	s := &subscriber{
		topic: topic,
		h:     h,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *subscriber) enqueue(data []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, data)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			select {
			case <-s.done:
				return
			default:
			}
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			data := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.h(s.topic, data)
		}
	}
}
