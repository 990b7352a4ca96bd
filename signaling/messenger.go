/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tejzpr/onetoone-go-sdk/callsdk"
)

// ErrClosed is wrapped by errors returned to sends cut short by Stop.
var ErrClosed = errors.New("messenger closed")

// MessengerConfig holds the configuration for a Messenger
type MessengerConfig struct {
	UserID         string
	TopicPrefix    string
	ReceiptTimeout time.Duration
	MaxSendRetries int
	// DedupMemory is how many inbound message ids are remembered for duplicate suppression.
	DedupMemory int
	Logger      callsdk.Logger
	// NewID generates message ids. Defaults to uuid.NewString.
	NewID func() string
}

// DefaultMessengerConfig returns the default messenger configuration for userID
func DefaultMessengerConfig(userID string) *MessengerConfig {
	p := callsdk.DefaultPolicy()
	return &MessengerConfig{
		UserID:         userID,
		TopicPrefix:    DefaultTopicPrefix,
		ReceiptTimeout: p.ReceiptTimeout,
		MaxSendRetries: p.MaxSendRetries,
		DedupMemory:    256,
		NewID:          uuid.NewString,
	}
}

// Messenger sends signaling messages to other users' inbox topics and waits
// for their receipts.
type Messenger struct {
	ch     Channel
	config MessengerConfig
	logger callsdk.Logger

	mu      sync.Mutex
	started bool
	handler func(*Message)
	pending map[string]outbound
	seen    map[string]struct{}
	order   []string
}

// outbound is a send waiting for the receipt of its addressee.
type outbound struct {
	to  string
	ack chan error
}

// NewMessenger creates a Messenger on top of ch.
func NewMessenger(ch Channel, config *MessengerConfig) *Messenger {
	if config == nil {
		config = DefaultMessengerConfig("")
	}
	cfg := *config
	def := DefaultMessengerConfig(cfg.UserID)
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = def.TopicPrefix
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = def.ReceiptTimeout
	}
	if cfg.MaxSendRetries < 0 {
		cfg.MaxSendRetries = 0
	}
	if cfg.DedupMemory <= 0 {
		cfg.DedupMemory = def.DedupMemory
	}
	if cfg.NewID == nil {
		cfg.NewID = def.NewID
	}
	return &Messenger{
		ch:      ch,
		config:  cfg,
		logger:  callsdk.LoggerOrDefault(cfg.Logger),
		pending: make(map[string]outbound),
		seen:    make(map[string]struct{}),
	}
}

// Channel returns the underlying channel.
func (m *Messenger) Channel() Channel {
	return m.ch
}

// Topic returns the local inbox topic.
func (m *Messenger) Topic() string {
	return Topic(m.config.TopicPrefix, m.config.UserID)
}

// Start subscribes to the local inbox and hands every new inbound call-control
// message to handler. Calling Start on a started messenger is a no-op.
func (m *Messenger) Start(ctx context.Context, handler func(*Message)) error {
	m.mu.Lock()
	if m.started {
		m.handler = handler
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.ch.Subscribe(ctx, m.Topic(), m.receive); err != nil {
		return callsdk.WrapError(callsdk.TypeRtmSetupFailed, err, "subscribe %s", m.Topic())
	}

	m.mu.Lock()
	m.started = true
	m.handler = handler
	m.mu.Unlock()
	return nil
}

// Stop unsubscribes from the local inbox and resolves every pending send with
// an error wrapping ErrClosed.
func (m *Messenger) Stop(ctx context.Context) error {
	m.mu.Lock()
	wasStarted := m.started
	m.started = false
	m.handler = nil
	pending := m.pending
	m.pending = make(map[string]outbound)
	m.mu.Unlock()

	for id, out := range pending {
		select {
		case out.ack <- callsdk.WrapError(callsdk.TypeDeinitialized, ErrClosed, "message %s", id):
		default:
		}
	}

	if !wasStarted {
		return nil
	}
	if err := m.ch.Unsubscribe(ctx, m.Topic()); err != nil {
		return fmt.Errorf("error unsubscribing %s: %w", m.Topic(), err)
	}
	return nil
}

// Started reports whether the messenger is subscribed.
func (m *Messenger) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// Send publishes msg to the inbox of msg.ToUserID and blocks until a receipt
// arrives. Without a receipt the message is republished up to MaxSendRetries
// times. Only a receipt from msg.ToUserID counts. Cancelling ctx stops the
// retries. The error is a MissingReceipts or MessageFailed CallError.
func (m *Messenger) Send(ctx context.Context, msg *Message) error {
	m.stamp(msg)
	data, err := Encode(msg)
	if err != nil {
		return callsdk.WrapError(callsdk.TypeMessageFailed, err, "%s %s", msg.Type, msg.ID)
	}

	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return callsdk.NewError(callsdk.TypeMessageFailed, "%s %s: messenger not started", msg.Type, msg.ID)
	}
	ack := make(chan error, 1)
	m.pending[msg.ID] = outbound{to: msg.ToUserID, ack: ack}
	m.mu.Unlock()
	defer m.forget(msg.ID)

	topic := Topic(m.config.TopicPrefix, msg.ToUserID)
	attempts := 1 + m.config.MaxSendRetries
	var publishErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return callsdk.WrapError(callsdk.TypeMessageFailed, ctx.Err(), "%s %s", msg.Type, msg.ID)
		}
		if err := m.ch.Publish(ctx, topic, data); err != nil {
			publishErr = err
			m.logger.Printf("Failed to publish %s %s to %s (attempt %d/%d): %v", msg.Type, msg.ID, msg.ToUserID, attempt, attempts, err)
		} else {
			publishErr = nil
		}

		timer := time.NewTimer(m.config.ReceiptTimeout)
		select {
		case err := <-ack:
			timer.Stop()
			return err
		case <-ctx.Done():
			timer.Stop()
			return callsdk.WrapError(callsdk.TypeMessageFailed, ctx.Err(), "%s %s", msg.Type, msg.ID)
		case <-timer.C:
		}
	}

	if publishErr != nil {
		return callsdk.WrapError(callsdk.TypeMessageFailed, publishErr, "%s %s to %s", msg.Type, msg.ID, msg.ToUserID)
	}
	return callsdk.NewError(callsdk.TypeMissingReceipts, "%s %s to %s: no receipt after %d attempts", msg.Type, msg.ID, msg.ToUserID, attempts)
}

// Notify publishes msg once without waiting for a receipt.
func (m *Messenger) Notify(ctx context.Context, msg *Message) error {
	m.stamp(msg)
	data, err := Encode(msg)
	if err != nil {
		return callsdk.WrapError(callsdk.TypeMessageFailed, err, "%s %s", msg.Type, msg.ID)
	}
	if err := m.ch.Publish(ctx, Topic(m.config.TopicPrefix, msg.ToUserID), data); err != nil {
		return callsdk.WrapError(callsdk.TypeMessageFailed, err, "%s %s to %s", msg.Type, msg.ID, msg.ToUserID)
	}
	return nil
}

func (m *Messenger) stamp(msg *Message) {
	if msg.ID == "" {
		msg.ID = m.config.NewID()
	}
	if msg.FromUserID == "" {
		msg.FromUserID = m.config.UserID
	}
	if msg.SentAt == 0 {
		msg.SentAt = time.Now().UnixMilli()
	}
}

func (m *Messenger) forget(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// receive is the channel handler for the local inbox.
func (m *Messenger) receive(_ string, data []byte) {
	msg, err := Decode(data)
	if err != nil {
		m.logger.Printf("Dropping malformed signaling message: %v", err)
		return
	}

	if msg.Type == TypeReceipt {
		m.mu.Lock()
		out, ok := m.pending[msg.ReceiptFor]
		m.mu.Unlock()
		if !ok {
			return
		}
		if msg.FromUserID != out.to {
			m.logger.Printf("Ignoring receipt for %s from %s, expected %s", msg.ReceiptFor, msg.FromUserID, out.to)
			return
		}
		select {
		case out.ack <- nil:
		default:
		}
		return
	}

	go m.sendReceipt(msg)

	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	if _, dup := m.seen[msg.ID]; dup {
		m.mu.Unlock()
		return
	}
	m.remember(msg.ID)
	handler := m.handler
	m.mu.Unlock()

	if handler != nil {
		handler(msg)
	}
}

// remember records id in the bounded dedup memory. Caller holds m.mu.
func (m *Messenger) remember(id string) {
	m.seen[id] = struct{}{}
	m.order = append(m.order, id)
	if len(m.order) > m.config.DedupMemory {
		delete(m.seen, m.order[0])
		m.order = m.order[1:]
	}
}

func (m *Messenger) sendReceipt(msg *Message) {
	receipt := &Message{
		Type:       TypeReceipt,
		CallID:     msg.CallID,
		ToUserID:   msg.FromUserID,
		ReceiptFor: msg.ID,
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.config.ReceiptTimeout)
	defer cancel()
	if err := m.Notify(ctx, receipt); err != nil {
		m.logger.Printf("Failed to send receipt for %s to %s: %v", msg.ID, msg.FromUserID, err)
	}
}
