/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package relay is a websocket pub/sub relay for rtm clients. Each
// connection authenticates with an rtm token, may subscribe only to its own
// inbox topic and may publish to any inbox topic.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tejzpr/onetoone-go-sdk/rtm"
	"github.com/tejzpr/onetoone-go-sdk/signaling"
	"github.com/tejzpr/onetoone-go-sdk/token"
	"golang.org/x/time/rate"
)

// Config holds the relay configuration.
type Config struct {
	Issuer      *token.Issuer
	TopicPrefix string

	// Rate and Burst bound publishes per connection.
	Rate  rate.Limit
	Burst int

	SendQueue    int           // Outgoing frames buffered per connection
	WriteTimeout time.Duration // Deadline for a single websocket write
	IdleTimeout  time.Duration // Close connections silent for this long; 0 disables
	AccessLog    bool          // Log every HTTP request

	Logger *zerolog.Logger
}

// DefaultConfig returns a Config for issuer with default limits.
func DefaultConfig(issuer *token.Issuer) *Config {
	return &Config{
		Issuer:       issuer,
		TopicPrefix:  signaling.DefaultTopicPrefix,
		Rate:         50,
		Burst:        100,
		SendQueue:    256,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  90 * time.Second,
	}
}

// Stats is a snapshot of relay counters.
type Stats struct {
	Connections int    `json:"connections"`
	Topics      int    `json:"topics"`
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
}

// Server is the relay.
type Server struct {
	config *Config
	log    zerolog.Logger
	router chi.Router

	upgrader websocket.Upgrader

	mu     sync.RWMutex
	closed bool
	conns  map[*conn]struct{}
	topics map[string]map[*conn]struct{}

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a relay. Zero limits in config take DefaultConfig values.
func New(config *Config) (*Server, error) {
	if config == nil || config.Issuer == nil {
		return nil, errors.New("relay: token issuer is required")
	}
	cfg := *config
	def := DefaultConfig(cfg.Issuer)
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = def.TopicPrefix
	}
	if cfg.Rate <= 0 {
		cfg.Rate = def.Rate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = def.SendQueue
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}

	s := &Server{
		config: &cfg,
		log:    zerolog.Nop(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns:  make(map[*conn]struct{}),
		topics: make(map[string]map[*conn]struct{}),
	}
	if cfg.Logger != nil {
		s.log = *cfg.Logger
	}
	s.router = s.newRouter()
	return s, nil
}

func (s *Server) newRouter() chi.Router {
	r := chi.NewRouter()
	if s.config.AccessLog {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Get("/stats", s.serveStats)
	r.Get("/ws", s.serveWS)
	return r
}

// Handler returns the relay's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Stats returns current counters.
func (s *Server) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Connections: len(s.conns),
		Topics:      len(s.topics),
		Published:   s.published.Load(),
		Delivered:   s.delivered.Load(),
		Dropped:     s.dropped.Load(),
	}
}

// DisconnectAll drops every connection. New connections are still accepted.
func (s *Server) DisconnectAll() {
	s.mu.RLock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		c.shutdown(websocket.CloseGoingAway, "relay restarting")
	}
}

// Close drops every connection and refuses new ones.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.DisconnectAll()
}

func (s *Server) serveStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Stats()); err != nil {
		s.log.Error().Err(err).Msg("Failed to write stats")
	}
}

// ---- Connections ----

func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		http.Error(w, `{"message":"relay is shutting down"}`, http.StatusServiceUnavailable)
		return
	}

	grant, err := s.config.Issuer.Verify(bearer(r), token.KindRTM)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Rejected connection")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"message": err.Error()})
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	c := &conn{
		id:      uuid.NewString(),
		user:    grant.UserID,
		ws:      ws,
		send:    make(chan []byte, s.config.SendQueue),
		quit:    make(chan struct{}),
		limiter: rate.NewLimiter(s.config.Rate, s.config.Burst),
		server:  s,
	}
	c.log = s.log.With().Str("conn_id", c.id).Str("user_id", c.user).Logger()

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	c.log.Info().Msg("Client connected")
	c.armExpiry(grant.Expires)
	go c.writeLoop()
	c.reply(&rtm.Frame{Type: rtm.FrameReady, ID: c.id})

	c.readLoop()

	s.unregister(c)
	c.shutdown(websocket.CloseNormalClosure, "")
	c.log.Info().Msg("Client disconnected")
}

func (s *Server) unregister(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
	for topic := range c.topics() {
		s.removeLocked(topic, c)
	}
}

func (s *Server) subscribe(topic string, c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs, ok := s.topics[topic]
	if !ok {
		subs = make(map[*conn]struct{})
		s.topics[topic] = subs
	}
	subs[c] = struct{}{}
}

func (s *Server) removeLocked(topic string, c *conn) {
	subs := s.topics[topic]
	delete(subs, c)
	if len(subs) == 0 {
		delete(s.topics, topic)
	}
}

func (s *Server) unsubscribe(topic string, c *conn) {
	s.mu.Lock()
	s.removeLocked(topic, c)
	s.mu.Unlock()
}

// publish fans data out to the subscribers of topic. Subscribers whose
// queue is full miss the message.
func (s *Server) publish(topic string, data []byte) error {
	frame, err := rtm.EncodeFrame(&rtm.Frame{Type: rtm.FrameMessage, Topic: topic, Data: data})
	if err != nil {
		return err
	}
	s.published.Add(1)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for sub := range s.topics[topic] {
		if sub.enqueue(frame) {
			s.delivered.Add(1)
		} else {
			s.dropped.Add(1)
			sub.log.Warn().Str("topic", topic).Msg("Send queue full, dropping message")
		}
	}
	return nil
}

// ---- Per-connection ----

type conn struct {
	id      string
	user    string
	ws      *websocket.Conn
	send    chan []byte
	quit    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
	server  *Server
	log     zerolog.Logger

	mu     sync.Mutex
	subs   map[string]struct{}
	expiry *time.Timer
}

func (c *conn) topics() map[string]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]struct{}, len(c.subs))
	for t := range c.subs {
		out[t] = struct{}{}
	}
	return out
}

func (c *conn) armExpiry(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expiry != nil {
		c.expiry.Stop()
		c.expiry = nil
	}
	if at.IsZero() {
		return
	}
	c.expiry = time.AfterFunc(time.Until(at), func() {
		c.log.Info().Msg("Token expired, closing connection")
		c.shutdown(websocket.ClosePolicyViolation, "token expired")
	})
}

func (c *conn) enqueue(frame []byte) bool {
	select {
	case <-c.quit:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *conn) reply(f *rtm.Frame) {
	data, err := rtm.EncodeFrame(f)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to encode frame")
		return
	}
	if !c.enqueue(data) {
		c.log.Warn().Str("type", string(f.Type)).Msg("Send queue full, dropping reply")
	}
}

func (c *conn) fail(id string, format string, args ...any) {
	c.reply(&rtm.Frame{Type: rtm.FrameError, ID: id, Error: fmt.Sprintf(format, args...)})
}

// shutdown sends a close frame and stops the connection.
func (c *conn) shutdown(code int, text string) {
	c.once.Do(func() {
		c.mu.Lock()
		if c.expiry != nil {
			c.expiry.Stop()
		}
		c.mu.Unlock()
		close(c.quit)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text),
			time.Now().Add(c.server.config.WriteTimeout))
		c.ws.Close()
	})
}

func (c *conn) writeLoop() {
	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.server.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Error().Err(err).Msg("Error writing frame")
				c.shutdown(websocket.CloseInternalServerErr, "write failed")
				return
			}
		case <-c.quit:
			return
		}
	}
}

func (c *conn) touch() {
	if idle := c.server.config.IdleTimeout; idle > 0 {
		c.ws.SetReadDeadline(time.Now().Add(idle))
	}
}

func (c *conn) readLoop() {
	c.touch()
	c.ws.SetPingHandler(func(data string) error {
		c.touch()
		err := c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.server.config.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Error().Err(err).Msg("Unexpected close error")
			}
			return
		}
		c.touch()

		f, err := rtm.DecodeFrame(data)
		if err != nil {
			c.fail("", "malformed frame: %v", err)
			continue
		}
		c.handle(f)
	}
}

func (c *conn) handle(f *rtm.Frame) {
	s := c.server
	switch f.Type {
	case rtm.FrameSubscribe:
		if f.Topic != signaling.Topic(s.config.TopicPrefix, c.user) {
			c.fail(f.ID, "forbidden topic %q", f.Topic)
			return
		}
		c.mu.Lock()
		if c.subs == nil {
			c.subs = make(map[string]struct{})
		}
		c.subs[f.Topic] = struct{}{}
		c.mu.Unlock()
		s.subscribe(f.Topic, c)

	case rtm.FrameUnsubscribe:
		c.mu.Lock()
		delete(c.subs, f.Topic)
		c.mu.Unlock()
		s.unsubscribe(f.Topic, c)

	case rtm.FramePublish:
		if !strings.HasPrefix(f.Topic, s.config.TopicPrefix) || len(f.Topic) == len(s.config.TopicPrefix) {
			c.fail(f.ID, "forbidden topic %q", f.Topic)
			return
		}
		if !c.limiter.Allow() {
			c.fail(f.ID, "rate limited")
			return
		}
		if err := s.publish(f.Topic, f.Data); err != nil {
			c.fail(f.ID, "publish failed: %v", err)
			return
		}

	case rtm.FrameRenew:
		grant, err := s.config.Issuer.Verify(f.Token, token.KindRTM)
		if err != nil {
			c.fail(f.ID, "%v", err)
			return
		}
		if grant.UserID != c.user {
			c.fail(f.ID, "token subject %q does not match connection", grant.UserID)
			return
		}
		c.armExpiry(grant.Expires)
		c.log.Debug().Time("expires", grant.Expires).Msg("Token renewed")

	default:
		c.fail(f.ID, "unexpected frame type %q", f.Type)
		return
	}
	c.reply(&rtm.Frame{Type: rtm.FrameAck, ID: f.ID})
}
