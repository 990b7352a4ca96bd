/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package fake provides a scripted in-process media.Engine. Engines created
// from the same Hub see each other in shared rooms: joining reports the other
// members, and a publishing member produces a first remote frame for every
// subscribed member.
package fake

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tejzpr/onetoone-go-sdk/media"
)

// Hub connects fake engines.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]map[string]*Engine
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[string]*Engine)}
}

// Engine creates an engine for userID attached to the hub.
func (h *Hub) Engine(userID string) *Engine {
	e := &Engine{hub: h, userID: userID, calls: make(chan func(), 256), seen: make(map[string]bool)}
	go e.dispatch()
	return e
}

// Members returns the user ids currently in room.
func (h *Hub) Members(room string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for id := range h.rooms[room] {
		out = append(out, id)
	}
	return out
}

// Engine is a scripted media.Engine.
type Engine struct {
	hub    *Hub
	userID string
	calls  chan func()

	mu          sync.Mutex
	handler     media.EngineHandler
	room        string
	joined      bool
	opts        media.Options
	token       string
	joinDelay   time.Duration
	leaveDelay  time.Duration
	joinErr     error
	joinSyncErr error
	holdJoin    bool
	seen        map[string]bool
	joinCount   int
	leaveCount  int
}

var (
	_ media.Engine       = (*Engine)(nil)
	_ media.TokenRenewer = (*Engine)(nil)
)

// SetJoinDelay delays every join result by d.
func (e *Engine) SetJoinDelay(d time.Duration) {
	e.mu.Lock()
	e.joinDelay = d
	e.mu.Unlock()
}

// SetLeaveDelay makes every Leave block for d before leaving.
func (e *Engine) SetLeaveDelay(d time.Duration) {
	e.mu.Lock()
	e.leaveDelay = d
	e.mu.Unlock()
}

// FailJoin makes following joins report err asynchronously. Nil clears it.
func (e *Engine) FailJoin(err error) {
	e.mu.Lock()
	e.joinErr = err
	e.mu.Unlock()
}

// RefuseJoin makes following Join calls return err. Nil clears it.
func (e *Engine) RefuseJoin(err error) {
	e.mu.Lock()
	e.joinSyncErr = err
	e.mu.Unlock()
}

// HoldJoin makes following joins never report a result.
func (e *Engine) HoldJoin(hold bool) {
	e.mu.Lock()
	e.holdJoin = hold
	e.mu.Unlock()
}

// Crash reports a fatal engine error in the current room.
func (e *Engine) Crash(err error) {
	if err == nil {
		err = errors.New("fake: engine crashed")
	}
	e.mu.Lock()
	room, h := e.room, e.handler
	e.mu.Unlock()
	if h != nil && room != "" {
		e.post(func() { h.OnFatalError(room, err) })
	}
}

// ExpireToken reports that the engine token is about to expire.
func (e *Engine) ExpireToken() {
	e.mu.Lock()
	room, h := e.room, e.handler
	e.mu.Unlock()
	if h != nil {
		e.post(func() { h.OnTokenWillExpire(room) })
	}
}

// Token returns the token from the last Join or RenewToken.
func (e *Engine) Token() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.token
}

// Room returns the room the engine is in, or "".
func (e *Engine) Room() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.room
}

// Options returns the current publish/subscribe toggles.
func (e *Engine) Options() media.Options {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opts
}

// Counts returns how many times Join and Leave were called.
func (e *Engine) Counts() (joins, leaves int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.joinCount, e.leaveCount
}

// SetHandler implements media.Engine.
func (e *Engine) SetHandler(h media.EngineHandler) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
}

// Join implements media.Engine.
func (e *Engine) Join(_ context.Context, p media.JoinParams) error {
	e.mu.Lock()
	e.joinCount++
	if e.joinSyncErr != nil {
		err := e.joinSyncErr
		e.mu.Unlock()
		return err
	}
	e.room = p.Room
	e.joined = false
	e.opts = p.Options
	e.token = p.Token
	e.seen = make(map[string]bool)
	delay, joinErr, hold := e.joinDelay, e.joinErr, e.holdJoin
	e.mu.Unlock()

	if hold {
		return nil
	}
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		e.completeJoin(p.Room, joinErr)
	}()
	return nil
}

func (e *Engine) completeJoin(room string, joinErr error) {
	e.mu.Lock()
	if e.room != room {
		e.mu.Unlock()
		return
	}
	h := e.handler
	if joinErr != nil {
		e.room = ""
		e.mu.Unlock()
		if h != nil {
			e.post(func() { h.OnJoinResult(room, joinErr) })
		}
		return
	}
	e.joined = true
	e.mu.Unlock()

	if h != nil {
		e.post(func() { h.OnJoinResult(room, nil) })
	}

	e.hub.mu.Lock()
	members := e.hub.rooms[room]
	if members == nil {
		members = make(map[string]*Engine)
		e.hub.rooms[room] = members
	}
	var others []*Engine
	for _, o := range members {
		others = append(others, o)
	}
	members[e.userID] = e
	e.hub.mu.Unlock()

	for _, o := range others {
		o.notify(func(h media.EngineHandler) { h.OnRemoteJoined(room, e.userID) })
		e.notify(func(h media.EngineHandler) { h.OnRemoteJoined(room, o.userID) })
	}
	e.hub.refresh(room)
}

// Leave implements media.Engine.
func (e *Engine) Leave(_ context.Context) error {
	e.mu.Lock()
	delay := e.leaveDelay
	e.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	e.mu.Lock()
	e.leaveCount++
	room, joined, h := e.room, e.joined, e.handler
	e.room = ""
	e.joined = false
	e.opts = media.Options{}
	e.mu.Unlock()

	if room == "" {
		return nil
	}
	if joined {
		e.hub.mu.Lock()
		delete(e.hub.rooms[room], e.userID)
		var others []*Engine
		for _, o := range e.hub.rooms[room] {
			others = append(others, o)
		}
		if len(e.hub.rooms[room]) == 0 {
			delete(e.hub.rooms, room)
		}
		e.hub.mu.Unlock()
		for _, o := range others {
			o.forget(e.userID)
			o.notify(func(h media.EngineHandler) { h.OnRemoteLeft(room, e.userID) })
		}
	}
	if h != nil {
		e.post(func() { h.OnLocalLeft(room) })
	}
	return nil
}

// UpdateOptions implements media.Engine.
func (e *Engine) UpdateOptions(opts media.Options) error {
	e.mu.Lock()
	room, joined := e.room, e.joined
	e.opts = opts
	e.mu.Unlock()
	if joined {
		e.hub.refresh(room)
	}
	return nil
}

// RenewToken implements media.TokenRenewer.
func (e *Engine) RenewToken(token string) error {
	if token == "" {
		return errors.New("fake: empty token")
	}
	e.mu.Lock()
	e.token = token
	e.mu.Unlock()
	return nil
}

// refresh emits first remote frames for every subscribed member that has a
// publishing peer it has not seen yet.
func (h *Hub) refresh(room string) {
	h.mu.Lock()
	var members []*Engine
	for _, m := range h.rooms[room] {
		members = append(members, m)
	}
	h.mu.Unlock()

	for _, sub := range members {
		for _, pub := range members {
			if sub == pub {
				continue
			}
			if sub.shouldSee(room, pub) {
				pubID := pub.userID
				sub.notify(func(eh media.EngineHandler) { eh.OnFirstRemoteFrame(room, pubID) })
			}
		}
	}
}

func (e *Engine) shouldSee(room string, pub *Engine) bool {
	pub.mu.Lock()
	publishing := pub.joined && pub.room == room && pub.opts.PublishVideo
	pub.mu.Unlock()
	if !publishing {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.joined || e.room != room || !e.opts.SubscribeVideo || e.seen[pub.userID] {
		return false
	}
	e.seen[pub.userID] = true
	return true
}

func (e *Engine) forget(userID string) {
	e.mu.Lock()
	delete(e.seen, userID)
	e.mu.Unlock()
}

func (e *Engine) notify(fn func(h media.EngineHandler)) {
	e.mu.Lock()
	h := e.handler
	e.mu.Unlock()
	if h != nil {
		e.post(func() { fn(h) })
	}
}

func (e *Engine) post(fn func()) {
	e.calls <- fn
}

func (e *Engine) dispatch() {
	for fn := range e.calls {
		fn()
	}
}
