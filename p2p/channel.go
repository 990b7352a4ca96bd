/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package p2p implements signaling.Channel over libp2p GossipSub. Each
// inbox topic is a GossipSub topic; peers find each other through the
// bootstrap addresses in Config or through Connect.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/tejzpr/onetoone-go-sdk/callsdk"
	"github.com/tejzpr/onetoone-go-sdk/signaling"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("p2p: channel closed")

// noisy libp2p subsystems, quieted to LogLevel.
var subsystems = []string{"pubsub", "swarm2", "basichost", "net/identify"}

// Config holds the configuration for a GossipSub channel.
type Config struct {
	ListenAddrs    []string      // Multiaddrs to listen on
	Bootstrap      []string      // Peer multiaddrs with a /p2p/ component, dialed on start
	ConnectTimeout time.Duration // Per-peer dial timeout
	LogLevel       string        // Level applied to libp2p subsystems
	Logger         callsdk.Logger
}

// DefaultConfig listens on an ephemeral loopback port.
func DefaultConfig() *Config {
	return &Config{
		ListenAddrs:    []string{"/ip4/127.0.0.1/tcp/0"},
		ConnectTimeout: 10 * time.Second,
		LogLevel:       "error",
	}
}

// Channel is a GossipSub-backed signaling.Channel.
type Channel struct {
	config *Config
	logger callsdk.Logger
	host   host.Host
	ps     *pubsub.PubSub

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	topics map[string]*pubsub.Topic
	subs   map[string]*subscription
}

type subscription struct {
	sub    *pubsub.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

var _ signaling.Channel = (*Channel)(nil)

// New starts a libp2p host with GossipSub and dials the bootstrap peers.
// A bootstrap peer that cannot be reached is logged, not fatal.
func New(ctx context.Context, config *Config) (*Channel, error) {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if len(cfg.ListenAddrs) == 0 {
		cfg.ListenAddrs = DefaultConfig().ListenAddrs
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConfig().ConnectTimeout
	}
	logger := callsdk.LoggerOrDefault(cfg.Logger)

	if cfg.LogLevel != "" {
		for _, name := range subsystems {
			if err := logging.SetLogLevel(name, cfg.LogLevel); err != nil {
				logger.Printf("Failed to set %s log level: %v", name, err)
			}
		}
	}

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddrs...))
	if err != nil {
		return nil, fmt.Errorf("error creating libp2p host: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ps, err := pubsub.NewGossipSub(runCtx, h)
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, fmt.Errorf("error starting gossipsub: %w", err)
	}

	c := &Channel{
		config: &cfg,
		logger: logger,
		host:   h,
		ps:     ps,
		ctx:    runCtx,
		cancel: cancel,
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*subscription),
	}

	for _, addr := range cfg.Bootstrap {
		if err := c.Connect(ctx, addr); err != nil {
			logger.Printf("Failed to reach bootstrap peer %s: %v", addr, err)
		}
	}
	return c, nil
}

// ID returns the host's peer id.
func (c *Channel) ID() string {
	return c.host.ID().String()
}

// Addrs returns dialable multiaddrs of this host, each ending in /p2p/<id>.
func (c *Channel) Addrs() []string {
	out := make([]string, 0, len(c.host.Addrs()))
	for _, a := range c.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, c.host.ID()))
	}
	return out
}

// Connect dials the peer at addr, which must carry a /p2p/ component.
func (c *Channel) Connect(ctx context.Context, addr string) error {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("invalid multiaddr %q: %w", addr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("multiaddr %q has no peer id: %w", addr, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()
	if err := c.host.Connect(dialCtx, *info); err != nil {
		return fmt.Errorf("error connecting to %s: %w", info.ID, err)
	}
	return nil
}

// Peers returns the peers known to be subscribed to topic.
func (c *Channel) Peers(topic string) []string {
	ids := c.ps.ListPeers(topic)
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

// topic joins name once and caches the handle.
func (c *Channel) topic(name string) (*pubsub.Topic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if t, ok := c.topics[name]; ok {
		return t, nil
	}
	t, err := c.ps.Join(name)
	if err != nil {
		return nil, fmt.Errorf("error joining topic %s: %w", name, err)
	}
	c.topics[name] = t
	return t, nil
}

// Subscribe implements signaling.Channel. A second Subscribe on the same
// topic replaces the handler.
func (c *Channel) Subscribe(ctx context.Context, topic string, h signaling.Handler) error {
	t, err := c.topic(topic)
	if err != nil {
		return err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return fmt.Errorf("error subscribing %s: %w", topic, err)
	}

	loopCtx, cancel := context.WithCancel(c.ctx)
	s := &subscription{sub: sub, cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		sub.Cancel()
		return ErrClosed
	}
	previous := c.subs[topic]
	c.subs[topic] = s
	c.mu.Unlock()

	if previous != nil {
		previous.stop()
	}
	go c.deliver(loopCtx, topic, s, h)
	return nil
}

func (c *Channel) deliver(ctx context.Context, topic string, s *subscription, h signaling.Handler) {
	defer close(s.done)
	for {
		m, err := s.sub.Next(ctx)
		if err != nil {
			return
		}
		h(topic, m.Data)
	}
}

func (s *subscription) stop() {
	s.cancel()
	s.sub.Cancel()
	<-s.done
}

// Unsubscribe implements signaling.Channel.
func (c *Channel) Unsubscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	s := c.subs[topic]
	delete(c.subs, topic)
	c.mu.Unlock()
	if s != nil {
		s.stop()
	}
	return nil
}

// Publish implements signaling.Channel.
func (c *Channel) Publish(ctx context.Context, topic string, data []byte) error {
	t, err := c.topic(topic)
	if err != nil {
		return err
	}
	if err := t.Publish(ctx, data); err != nil {
		return fmt.Errorf("error publishing to %s: %w", topic, err)
	}
	return nil
}

// Close stops every subscription and shuts the host down.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.topics = nil
	c.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	c.cancel()
	if err := c.host.Close(); err != nil {
		return fmt.Errorf("error closing libp2p host: %w", err)
	}
	return nil
}
