/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package rtm implements signaling.Channel over a websocket connection to a
// pub/sub relay (see rtm/relay). The client reconnects with exponential
// backoff, keeps the connection alive with ping/pong and re-subscribes its
// topics after a reconnect.
package rtm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tejzpr/onetoone-go-sdk/callsdk"
	"github.com/tejzpr/onetoone-go-sdk/signaling"
	"go.uber.org/multierr"
)

var (
	// ErrNotConnected is returned by requests made while no connection is up.
	ErrNotConnected = errors.New("rtm: not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("rtm: client closed")
	// ErrConnectionLost is reported to the disconnect handler and to
	// requests cut short by a dropped connection.
	ErrConnectionLost = errors.New("rtm: connection lost")
)

// Config holds the configuration for the client
type Config struct {
	URL   string // Relay websocket URL, e.g. ws://host:8080/ws
	Token string // Bearer token presented at connect and after RenewToken

	PingInterval                time.Duration // Interval between ping messages
	PongTimeout                 time.Duration // Timeout for receiving a pong response
	BackoffTimeMax              time.Duration // Maximum time between connection attempts
	BackoffTimeReset            time.Duration // Initial time before the first retry
	MaxRetries                  int           // Number of times to retry a reconnect before giving up
	InitialConnectionMaxRetries int           // Number of times to retry the initial connection
	RequestTimeout              time.Duration // Time to wait for the relay to acknowledge a request
	HandshakeTimeout            time.Duration // Websocket handshake timeout

	// HTTPClient supplies the dialer's transport, if it is an *http.Transport.
	HTTPClient *http.Client
	Logger     callsdk.Logger
}

// DefaultConfig returns the default configuration for the client
func DefaultConfig(relayURL, token string) *Config {
	return &Config{
		URL:                         relayURL,
		Token:                       token,
		PingInterval:                30 * time.Second,
		PongTimeout:                 10 * time.Second,
		BackoffTimeMax:              32 * time.Second,
		BackoffTimeReset:            1 * time.Second,
		MaxRetries:                  3,
		InitialConnectionMaxRetries: 5,
		RequestTimeout:              5 * time.Second,
		HandshakeTimeout:            10 * time.Second,
	}
}

// Client is a websocket signaling.Channel.
type Client struct {
	config *Config
	logger callsdk.Logger

	mu           sync.Mutex
	link         *link
	token        string
	connecting   bool
	hasConnected bool
	closed       bool
	closeCh      chan struct{}
	subs         map[string]signaling.Handler
	pending      map[string]chan *Frame
	onDisconnect func(err error)
}

// link is one websocket connection.
type link struct {
	ws      *websocket.Conn
	done    chan struct{}
	once    sync.Once
	writeMu sync.Mutex
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.done)
		l.ws.Close()
	})
}

var (
	_ signaling.Channel            = (*Client)(nil)
	_ signaling.TokenRenewer       = (*Client)(nil)
	_ signaling.DisconnectNotifier = (*Client)(nil)
)

// New creates a client. Zero fields in config take DefaultConfig values.
func New(config *Config) *Client {
	if config == nil {
		config = DefaultConfig("", "")
	}
	cfg := *config
	def := DefaultConfig(cfg.URL, cfg.Token)
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	if cfg.BackoffTimeMax <= 0 {
		cfg.BackoffTimeMax = def.BackoffTimeMax
	}
	if cfg.BackoffTimeReset <= 0 {
		cfg.BackoffTimeReset = def.BackoffTimeReset
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}

	return &Client{
		config:  &cfg,
		logger:  callsdk.LoggerOrDefault(cfg.Logger),
		token:   cfg.Token,
		closeCh: make(chan struct{}),
		subs:    make(map[string]signaling.Handler),
		pending: make(map[string]chan *Frame),
	}
}

// ---- Connection ----

// Connect establishes the websocket connection, retrying with backoff.
// Authentication failures are not retried.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.link != nil {
		c.mu.Unlock()
		return nil
	}
	if c.connecting {
		c.mu.Unlock()
		return fmt.Errorf("connection attempt already in progress")
	}
	c.connecting = true
	maxRetries := c.config.MaxRetries
	if !c.hasConnected {
		maxRetries = c.config.InitialConnectionMaxRetries
	}
	c.mu.Unlock()

	err := c.connectWithBackoff(ctx, maxRetries)

	c.mu.Lock()
	c.connecting = false
	c.mu.Unlock()
	return err
}

// IsConnected reports whether a connection is up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil
}

// Close closes the connection and fails pending requests. Later calls
// return ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closeCh)
	l := c.link
	c.link = nil
	pending := c.takePendingLocked()
	c.mu.Unlock()

	failPending(pending)
	if l == nil {
		return nil
	}
	l.writeMu.Lock()
	err := l.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closed"),
		time.Now().Add(time.Second))
	l.writeMu.Unlock()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		err = fmt.Errorf("error sending close frame: %w", err)
	} else {
		err = nil
	}
	l.once.Do(func() {
		close(l.done)
		err = multierr.Append(err, l.ws.Close())
	})
	return err
}

// connectWithBackoff attempts to connect with exponential backoff. Auth and
// not-found refusals are final; a Retry-After longer than the backoff is
// honoured.
func (c *Client) connectWithBackoff(ctx context.Context, maxRetries int) error {
	backoff := c.config.BackoffTimeReset
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err = c.attemptConnection(ctx); err == nil {
			return nil
		}
		if callsdk.IsAuthError(err) || callsdk.IsNotFound(err) {
			return err
		}
		c.logger.Printf("Failed to connect to %s (attempt %d/%d): %v", c.config.URL, attempt+1, maxRetries+1, err)
		if attempt == maxRetries {
			break
		}

		wait := backoff
		if d := callsdk.RetryAfter(err); d > wait {
			c.logger.Printf("Relay asked to retry after %v", d)
			wait = d
		}
		select {
		case <-time.After(wait):
			backoff *= 2
			if backoff > c.config.BackoffTimeMax {
				backoff = c.config.BackoffTimeMax
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closeCh:
			return ErrClosed
		}
	}
	return fmt.Errorf("failed to connect after %d attempts: %w", maxRetries+1, err)
}

// attemptConnection makes a single connection attempt and waits for the
// relay's ready frame.
func (c *Client) attemptConnection(ctx context.Context) error {
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return fmt.Errorf("invalid relay URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid relay URL %q: scheme must be ws or wss", c.config.URL)
	}

	c.mu.Lock()
	tok := c.token
	c.mu.Unlock()

	ws, err := c.dial(ctx, u.String(), tok)
	if err != nil {
		return err
	}

	if err := ws.SetReadDeadline(time.Now().Add(c.config.RequestTimeout)); err != nil {
		ws.Close()
		return err
	}
	_, data, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return fmt.Errorf("error waiting for relay ready: %w", err)
	}
	ready, err := DecodeFrame(data)
	if err != nil || ready.Type != FrameReady {
		ws.Close()
		return fmt.Errorf("unexpected first frame from relay: %s", data)
	}
	if err := ws.SetReadDeadline(time.Time{}); err != nil {
		ws.Close()
		return err
	}

	l := &link{ws: ws, done: make(chan struct{})}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Time{})
	})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		l.close()
		return ErrClosed
	}
	c.link = l
	c.hasConnected = true
	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	c.mu.Unlock()

	c.logger.Printf("Connected to relay %s as %s", c.config.URL, ready.ID)
	go c.listen(l)
	go c.pingLoop(l)
	if len(topics) > 0 {
		go c.resubscribe(topics)
	}
	return nil
}

// dial establishes a websocket connection with the bearer token
func (c *Client) dial(ctx context.Context, target, tok string) (*websocket.Conn, error) {
	headers := http.Header{}
	if tok != "" {
		headers.Set("Authorization", "Bearer "+tok)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.config.HandshakeTimeout}
	if c.config.HTTPClient != nil && c.config.HTTPClient.Transport != nil {
		if transport, ok := c.config.HTTPClient.Transport.(*http.Transport); ok {
			dialer.NetDialContext = transport.DialContext
		}
	}

	ws, resp, err := dialer.DialContext(ctx, target, headers)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, fmt.Errorf("relay refused connection: %w", callsdk.NewHTTPError(resp, body))
		}
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}
	return ws, nil
}

func (c *Client) resubscribe(topics []string) {
	for _, topic := range topics {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.RequestTimeout)
		err := c.request(ctx, &Frame{Type: FrameSubscribe, Topic: topic})
		cancel()
		if err != nil {
			c.logger.Printf("Failed to resubscribe %s: %v", topic, err)
		}
	}
}

// listen reads frames until the connection drops
func (c *Client) listen(l *link) {
	for {
		_, data, err := l.ws.ReadMessage()
		if err != nil {
			c.connectionLost(l, err)
			return
		}
		f, err := DecodeFrame(data)
		if err != nil {
			c.logger.Printf("Dropping malformed relay frame: %v", err)
			continue
		}

		switch f.Type {
		case FrameMessage:
			c.mu.Lock()
			h := c.subs[f.Topic]
			c.mu.Unlock()
			if h != nil {
				h(f.Topic, f.Data)
			}
		case FrameAck, FrameError:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		}
	}
}

// pingLoop sends pings and expects a pong within PongTimeout
func (c *Client) pingLoop(l *link) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := l.ws.SetReadDeadline(time.Now().Add(c.config.PongTimeout)); err != nil {
				l.close()
				return
			}
			data := []byte(fmt.Sprintf("%d", time.Now().UnixMilli()))
			if err := l.ws.WriteControl(websocket.PingMessage, data, time.Now().Add(c.config.PongTimeout)); err != nil {
				c.logger.Printf("Failed to send ping: %v", err)
				l.close()
				return
			}
		case <-l.done:
			return
		}
	}
}

// connectionLost reports the loss of l and starts reconnecting.
func (c *Client) connectionLost(l *link, cause error) {
	l.close()

	c.mu.Lock()
	if c.link != l {
		c.mu.Unlock()
		return
	}
	c.link = nil
	pending := c.takePendingLocked()
	closed := c.closed
	fn := c.onDisconnect
	maxRetries := c.config.MaxRetries
	c.mu.Unlock()

	failPending(pending)
	if closed {
		return
	}

	c.logger.Printf("Relay connection lost: %v", cause)
	if fn != nil {
		fn(fmt.Errorf("%w: %v", ErrConnectionLost, cause))
	}

	go func() {
		c.mu.Lock()
		if c.connecting || c.closed || c.link != nil {
			c.mu.Unlock()
			return
		}
		c.connecting = true
		c.mu.Unlock()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := c.connectWithBackoff(ctx, maxRetries); err != nil {
			c.logger.Printf("Failed to reconnect to relay: %v", err)
		}

		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
	}()
}

func (c *Client) takePendingLocked() map[string]chan *Frame {
	pending := c.pending
	c.pending = make(map[string]chan *Frame)
	return pending
}

func failPending(pending map[string]chan *Frame) {
	for _, ch := range pending {
		ch <- nil
	}
}

// ---- Requests ----

// request sends f and waits for the relay's ack.
func (c *Client) request(ctx context.Context, f *Frame) error {
	f.ID = uuid.NewString()
	reply := make(chan *Frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	l := c.link
	if l == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.pending[f.ID] = reply
	c.mu.Unlock()

	if err := c.write(l, f); err != nil {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
		return err
	}

	timer := time.NewTimer(c.config.RequestTimeout)
	defer timer.Stop()
	select {
	case r := <-reply:
		switch {
		case r == nil:
			return ErrConnectionLost
		case r.Type == FrameError:
			return &RequestError{Type: f.Type, Message: r.Error}
		}
		return nil
	case <-ctx.Done():
		c.forget(f.ID)
		return ctx.Err()
	case <-timer.C:
		c.forget(f.ID)
		return fmt.Errorf("relay did not acknowledge %s within %v", f.Type, c.config.RequestTimeout)
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) write(l *link, f *Frame) error {
	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.ws.SetWriteDeadline(time.Now().Add(c.config.RequestTimeout)); err != nil {
		return err
	}
	if err := l.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("error writing %s: %w", f.Type, err)
	}
	return nil
}

// ---- signaling.Channel ----

// Subscribe implements signaling.Channel. The subscription is restored
// after every reconnect until Unsubscribe.
func (c *Client) Subscribe(ctx context.Context, topic string, h signaling.Handler) error {
	c.mu.Lock()
	previous, had := c.subs[topic]
	c.subs[topic] = h
	c.mu.Unlock()

	if err := c.request(ctx, &Frame{Type: FrameSubscribe, Topic: topic}); err != nil {
		c.mu.Lock()
		if had {
			c.subs[topic] = previous
		} else {
			delete(c.subs, topic)
		}
		c.mu.Unlock()
		return fmt.Errorf("error subscribing %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe implements signaling.Channel. Without a connection only the
// local subscription is dropped.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	delete(c.subs, topic)
	c.mu.Unlock()

	err := c.request(ctx, &Frame{Type: FrameUnsubscribe, Topic: topic})
	if err != nil && !errors.Is(err, ErrNotConnected) && !errors.Is(err, ErrClosed) {
		return fmt.Errorf("error unsubscribing %s: %w", topic, err)
	}
	return nil
}

// Publish implements signaling.Channel.
func (c *Client) Publish(ctx context.Context, topic string, data []byte) error {
	if err := c.request(ctx, &Frame{Type: FramePublish, Topic: topic, Data: data}); err != nil {
		return fmt.Errorf("error publishing to %s: %w", topic, err)
	}
	return nil
}

// RenewToken implements signaling.TokenRenewer. The token is sent to the
// relay at once and used for every later reconnect.
func (c *Client) RenewToken(tok string) error {
	if tok == "" {
		return errors.New("rtm: empty token")
	}
	c.mu.Lock()
	c.token = tok
	connected := c.link != nil
	c.mu.Unlock()
	if !connected {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.config.RequestTimeout)
	defer cancel()
	if err := c.request(ctx, &Frame{Type: FrameRenew, Token: tok}); err != nil {
		return fmt.Errorf("error renewing token: %w", err)
	}
	return nil
}

// OnDisconnect implements signaling.DisconnectNotifier.
func (c *Client) OnDisconnect(fn func(err error)) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}
