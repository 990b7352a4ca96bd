/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tejzpr/onetoone-go-sdk/callsdk"
)

// ErrJoinTimeout is reported when the engine does not answer a join in time.
var ErrJoinTimeout = errors.New("media: join timed out")

// Signal is a coordinator notification kind.
type Signal int

const (
	SignalJoined Signal = iota + 1
	SignalJoinFailed
	SignalLocalLeft
	SignalRemoteJoined
	SignalRemoteLeft
	SignalFirstFrame
	SignalFatal
	SignalTokenWillExpire
)

// String returns the string representation of the signal
func (s Signal) String() string {
	switch s {
	case SignalJoined:
		return "Joined"
	case SignalJoinFailed:
		return "JoinFailed"
	case SignalLocalLeft:
		return "LocalLeft"
	case SignalRemoteJoined:
		return "RemoteJoined"
	case SignalRemoteLeft:
		return "RemoteLeft"
	case SignalFirstFrame:
		return "FirstFrame"
	case SignalFatal:
		return "Fatal"
	case SignalTokenWillExpire:
		return "TokenWillExpire"
	default:
		return fmt.Sprintf("Signal(%d)", int(s))
	}
}

// Event is delivered to the coordinator's sink.
type Event struct {
	Signal Signal
	Room   string
	UserID string
	Err    error
}

// CoordinatorConfig holds the configuration for a Coordinator
type CoordinatorConfig struct {
	UserID      string
	JoinTimeout time.Duration
	Logger      callsdk.Logger
}

// Coordinator drives an Engine on behalf of one call session and turns the
// engine's callbacks into Events. The sink must not block.
type Coordinator struct {
	engine Engine
	config CoordinatorConfig
	logger callsdk.Logger
	sink   func(Event)

	mu        sync.Mutex
	room      string
	token     string
	joining   bool
	joined    bool
	opts      Options
	joinTimer *time.Timer
}

var _ EngineHandler = (*Coordinator)(nil)

// NewCoordinator creates a Coordinator and installs itself as the engine handler.
func NewCoordinator(engine Engine, config *CoordinatorConfig, sink func(Event)) *Coordinator {
	cfg := CoordinatorConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = callsdk.DefaultPolicy().JoinTimeout
	}
	c := &Coordinator{
		engine: engine,
		config: cfg,
		logger: callsdk.LoggerOrDefault(cfg.Logger),
		sink:   sink,
	}
	engine.SetHandler(c)
	return c
}

// Room returns the room joined or being joined, or "".
func (c *Coordinator) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Joined reports whether the engine confirmed the current join.
func (c *Coordinator) Joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

// Options returns the last applied publish/subscribe options.
func (c *Coordinator) Options() Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts
}

// Join enters room with opts. Joining the room already joined only applies
// opts and emits SignalJoined again. Joining a different room leaves the old
// one first. A returned error means the engine refused the request and no
// signal follows.
func (c *Coordinator) Join(ctx context.Context, room, token string, opts Options) error {
	if room == "" {
		return fmt.Errorf("media: room is required")
	}

	c.mu.Lock()
	if c.room == room && (c.joined || c.joining) {
		joined := c.joined
		c.opts = opts
		c.mu.Unlock()
		if err := c.engine.UpdateOptions(opts); err != nil {
			return fmt.Errorf("error updating options in %s: %w", room, err)
		}
		if joined {
			c.emit(Event{Signal: SignalJoined, Room: room, UserID: c.config.UserID})
		}
		return nil
	}
	previous := c.room
	c.mu.Unlock()

	if previous != "" {
		if err := c.Leave(ctx); err != nil {
			c.logger.Printf("Failed to leave %s before joining %s: %v", previous, room, err)
		}
	}

	c.mu.Lock()
	c.room = room
	c.token = token
	c.joining = true
	c.joined = false
	c.opts = opts
	c.stopTimerLocked()
	c.joinTimer = time.AfterFunc(c.config.JoinTimeout, func() { c.joinExpired(room) })
	c.mu.Unlock()

	role := RoleAudience
	if opts.Publishing() {
		role = RoleBroadcaster
	}
	err := c.engine.Join(ctx, JoinParams{Room: room, UserID: c.config.UserID, Token: token, Role: role, Options: opts})
	if err != nil {
		c.mu.Lock()
		if c.room == room {
			c.room = ""
			c.joining = false
			c.stopTimerLocked()
		}
		c.mu.Unlock()
		return fmt.Errorf("error joining %s: %w", room, err)
	}
	return nil
}

// SetOptions changes the publish/subscribe toggles of the current room.
func (c *Coordinator) SetOptions(opts Options) error {
	c.mu.Lock()
	if c.room == "" {
		c.mu.Unlock()
		return nil
	}
	c.opts = opts
	c.mu.Unlock()
	return c.engine.UpdateOptions(opts)
}

// Leave leaves the current room, if any.
func (c *Coordinator) Leave(ctx context.Context) error {
	c.mu.Lock()
	if c.room == "" {
		c.mu.Unlock()
		return nil
	}
	c.room = ""
	c.joining = false
	c.joined = false
	c.opts = Options{}
	c.stopTimerLocked()
	c.mu.Unlock()
	return c.engine.Leave(ctx)
}

// RenewToken hands token to the engine if it supports renewal.
func (c *Coordinator) RenewToken(token string) error {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	if r, ok := c.engine.(TokenRenewer); ok {
		return r.RenewToken(token)
	}
	return nil
}

func (c *Coordinator) stopTimerLocked() {
	if c.joinTimer != nil {
		c.joinTimer.Stop()
		c.joinTimer = nil
	}
}

func (c *Coordinator) joinExpired(room string) {
	c.mu.Lock()
	if c.room != room || !c.joining {
		c.mu.Unlock()
		return
	}
	c.room = ""
	c.joining = false
	c.joinTimer = nil
	c.mu.Unlock()

	c.logger.Printf("Join of %s timed out after %v", room, c.config.JoinTimeout)
	if err := c.engine.Leave(context.Background()); err != nil {
		c.logger.Printf("Failed to leave %s after join timeout: %v", room, err)
	}
	c.emit(Event{Signal: SignalJoinFailed, Room: room, UserID: c.config.UserID, Err: ErrJoinTimeout})
}

// current reports whether room is the active room.
func (c *Coordinator) current(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room != "" && c.room == room
}

func (c *Coordinator) emit(ev Event) {
	if c.sink != nil {
		c.sink(ev)
	}
}

// OnJoinResult implements EngineHandler.
func (c *Coordinator) OnJoinResult(room string, err error) {
	c.mu.Lock()
	if c.room != room || !c.joining {
		c.mu.Unlock()
		return
	}
	c.joining = false
	c.stopTimerLocked()
	if err != nil {
		c.room = ""
	} else {
		c.joined = true
	}
	c.mu.Unlock()

	if err != nil {
		c.emit(Event{Signal: SignalJoinFailed, Room: room, UserID: c.config.UserID, Err: err})
		return
	}
	c.emit(Event{Signal: SignalJoined, Room: room, UserID: c.config.UserID})
}

// OnLocalLeft implements EngineHandler.
func (c *Coordinator) OnLocalLeft(room string) {
	c.emit(Event{Signal: SignalLocalLeft, Room: room, UserID: c.config.UserID})
}

// OnRemoteJoined implements EngineHandler.
func (c *Coordinator) OnRemoteJoined(room, userID string) {
	if c.current(room) {
		c.emit(Event{Signal: SignalRemoteJoined, Room: room, UserID: userID})
	}
}

// OnRemoteLeft implements EngineHandler.
func (c *Coordinator) OnRemoteLeft(room, userID string) {
	if c.current(room) {
		c.emit(Event{Signal: SignalRemoteLeft, Room: room, UserID: userID})
	}
}

// OnFirstRemoteFrame implements EngineHandler.
func (c *Coordinator) OnFirstRemoteFrame(room, userID string) {
	if c.current(room) {
		c.emit(Event{Signal: SignalFirstFrame, Room: room, UserID: userID})
	}
}

// OnFatalError implements EngineHandler.
func (c *Coordinator) OnFatalError(room string, err error) {
	if c.current(room) {
		c.emit(Event{Signal: SignalFatal, Room: room, UserID: c.config.UserID, Err: err})
	}
}

// OnTokenWillExpire implements EngineHandler.
func (c *Coordinator) OnTokenWillExpire(room string) {
	c.emit(Event{Signal: SignalTokenWillExpire, Room: room, UserID: c.config.UserID})
}
