/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package media abstracts the audio/video engine behind a small capability
// interface and sequences join, publish and leave for the call session.
package media

import "context"

// Role is the client role used when joining a room.
type Role int

const (
	// RoleAudience subscribes only.
	RoleAudience Role = iota
	// RoleBroadcaster may publish local tracks.
	RoleBroadcaster
)

// String returns the string representation of the role
func (r Role) String() string {
	switch r {
	case RoleBroadcaster:
		return "broadcaster"
	case RoleAudience:
		return "audience"
	default:
		return "unknown"
	}
}

// Options are the publish/subscribe toggles of a joined room.
type Options struct {
	PublishAudio   bool
	PublishVideo   bool
	SubscribeAudio bool
	SubscribeVideo bool
}

// Publishing reports whether any local track is published.
func (o Options) Publishing() bool {
	return o.PublishAudio || o.PublishVideo
}

// Silent is the option set used while waiting in a room before a call connects.
func Silent() Options {
	return Options{}
}

// Symmetric publishes and subscribes both audio and video.
func Symmetric() Options {
	return Options{PublishAudio: true, PublishVideo: true, SubscribeAudio: true, SubscribeVideo: true}
}

// JoinParams describe a join request.
type JoinParams struct {
	Room    string
	UserID  string
	Token   string
	Role    Role
	Options Options
}

// EngineHandler receives the engine's asynchronous callbacks. Callbacks may
// arrive on any goroutine.
type EngineHandler interface {
	OnJoinResult(room string, err error)
	OnLocalLeft(room string)
	OnRemoteJoined(room, userID string)
	OnRemoteLeft(room, userID string)
	OnFirstRemoteFrame(room, userID string)
	OnFatalError(room string, err error)
	OnTokenWillExpire(room string)
}

// Engine is the media-engine capability. Join returns once the request is
// accepted; the outcome is reported through OnJoinResult.
type Engine interface {
	SetHandler(h EngineHandler)
	Join(ctx context.Context, p JoinParams) error
	Leave(ctx context.Context) error
	UpdateOptions(opts Options) error
}

// TokenRenewer is implemented by engines that accept a new token mid-session.
type TokenRenewer interface {
	RenewToken(token string) error
}
