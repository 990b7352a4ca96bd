/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package rtc implements media.Engine on top of pion/webrtc. Each joined
// room is one PeerConnection negotiated with a media server over HTTP
// (WHIP-style: the offer is POSTed, the answer comes back in the body and
// the session resource in the Location header).
package rtc

import (
	"net/http"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/tejzpr/onetoone-go-sdk/callsdk"
)

// Config holds configuration for the engine
type Config struct {
	// ICEServers is the list of ICE servers (STUN/TURN) to use.
	ICEServers []webrtc.ICEServer

	// Endpoint is the base URL of the media server. Offers are posted to
	// Endpoint + "/rooms/{room}".
	Endpoint string

	// HTTPClient is used for negotiation. Defaults to a client with a 10s timeout.
	HTTPClient *http.Client

	// Negotiator overrides the HTTP negotiator built from Endpoint.
	Negotiator Negotiator

	// NegotiateTimeout bounds ICE gathering plus the offer/answer exchange.
	NegotiateTimeout time.Duration

	// PLIInterval is how often a keyframe is requested on remote video.
	PLIInterval time.Duration

	// TokenExpiryLead is how long before a JWT room token expires the
	// handler's OnTokenWillExpire fires.
	TokenExpiryLead time.Duration

	// Logger receives engine log lines. Defaults to log.Default().
	Logger callsdk.Logger
}

// DefaultConfig returns a Config with a public STUN server.
func DefaultConfig(endpoint string) *Config {
	return &Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		Endpoint:         endpoint,
		HTTPClient:       &http.Client{Timeout: 10 * time.Second},
		NegotiateTimeout: 10 * time.Second,
		PLIInterval:      3 * time.Second,
		TokenExpiryLead:  30 * time.Second,
	}
}
