/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/tejzpr/onetoone-go-sdk/callsdk"
	"github.com/tejzpr/onetoone-go-sdk/media"
	"github.com/tejzpr/onetoone-go-sdk/token"
	"go.uber.org/multierr"
)

// ErrInRoom is returned by Join while another room is still joined.
var ErrInRoom = errors.New("rtc: already in a room")

// Engine is a media.Engine backed by pion/webrtc.
type Engine struct {
	config     *Config
	logger     callsdk.Logger
	api        *webrtc.API
	negotiator Negotiator

	mu      sync.Mutex
	handler media.EngineHandler
	audio   *webrtc.TrackLocalStaticRTP
	video   *webrtc.TrackLocalStaticRTP
	sess    *session
}

var (
	_ media.Engine       = (*Engine)(nil)
	_ media.TokenRenewer = (*Engine)(nil)
)

// NewEngine creates an engine. Either config.Endpoint or config.Negotiator
// must be set.
func NewEngine(config *Config) (*Engine, error) {
	if config == nil {
		return nil, errors.New("rtc: config is required")
	}
	cfg := *config
	def := DefaultConfig(cfg.Endpoint)
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = def.HTTPClient
	}
	if cfg.NegotiateTimeout <= 0 {
		cfg.NegotiateTimeout = def.NegotiateTimeout
	}
	if cfg.PLIInterval <= 0 {
		cfg.PLIInterval = def.PLIInterval
	}
	if cfg.TokenExpiryLead <= 0 {
		cfg.TokenExpiryLead = def.TokenExpiryLead
	}

	negotiator := cfg.Negotiator
	if negotiator == nil {
		if cfg.Endpoint == "" {
			return nil, errors.New("rtc: endpoint or negotiator is required")
		}
		n, err := NewHTTPNegotiator(cfg.Endpoint, cfg.HTTPClient)
		if err != nil {
			return nil, err
		}
		negotiator = n
	}

	api, err := newAPI()
	if err != nil {
		return nil, err
	}

	return &Engine{
		config:     &cfg,
		logger:     callsdk.LoggerOrDefault(cfg.Logger),
		api:        api,
		negotiator: negotiator,
	}, nil
}

// newAPI registers Opus and VP8 with the default interceptors (RTCP
// reports, NACK, TWCC).
func newAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		PayloadType:        111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register Opus: %w", err)
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		PayloadType:        96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("failed to register VP8: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i)), nil
}

// SetHandler implements media.Engine.
func (e *Engine) SetHandler(h media.EngineHandler) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
}

func (e *Engine) handlerFor() media.EngineHandler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handler
}

// AudioTrack returns the local audio track for userID. The host writes Opus
// RTP packets to it; they are sent while audio publishing is enabled.
func (e *Engine) AudioTrack(userID string) (*webrtc.TrackLocalStaticRTP, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureTracksLocked(userID); err != nil {
		return nil, err
	}
	return e.audio, nil
}

// VideoTrack returns the local VP8 video track for userID.
func (e *Engine) VideoTrack(userID string) (*webrtc.TrackLocalStaticRTP, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureTracksLocked(userID); err != nil {
		return nil, err
	}
	return e.video, nil
}

// ensureTracksLocked creates the local tracks. The stream id is the user id,
// which is how the remote side names the publisher.
func (e *Engine) ensureTracksLocked(userID string) error {
	if e.audio != nil && e.audio.StreamID() == userID {
		return nil
	}
	audio, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", userID,
	)
	if err != nil {
		return fmt.Errorf("failed to create audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video", userID,
	)
	if err != nil {
		return fmt.Errorf("failed to create video track: %w", err)
	}
	e.audio, e.video = audio, video
	return nil
}

// Room returns the room currently joined or joining, or "".
func (e *Engine) Room() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return ""
	}
	return e.sess.room
}

// Join implements media.Engine. The result arrives through OnJoinResult once
// the peer connection is connected or has failed.
func (e *Engine) Join(ctx context.Context, p media.JoinParams) error {
	if p.Room == "" {
		return errors.New("rtc: room is required")
	}
	if p.UserID == "" {
		return errors.New("rtc: user id is required")
	}

	e.mu.Lock()
	if e.sess != nil {
		e.mu.Unlock()
		return ErrInRoom
	}
	if err := e.ensureTracksLocked(p.UserID); err != nil {
		e.mu.Unlock()
		return err
	}
	audio, video := e.audio, e.video
	e.mu.Unlock()

	pc, err := e.api.NewPeerConnection(webrtc.Configuration{ICEServers: e.config.ICEServers})
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}
	s := newSession(pc, p)
	if err := s.addTransceivers(audio, video); err != nil {
		return multierr.Append(err, pc.Close())
	}

	e.mu.Lock()
	if e.sess != nil {
		e.mu.Unlock()
		return multierr.Append(ErrInRoom, pc.Close())
	}
	e.sess = s
	e.mu.Unlock()

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.logger.Printf("Room %s: connection state %s", s.room, state)
		e.onConnectionState(s, state)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.onTrack(s, track)
	})

	e.watchToken(s)
	go e.negotiate(s)
	return nil
}

func (e *Engine) negotiate(s *session) {
	ctx, cancel := context.WithTimeout(context.Background(), e.config.NegotiateTimeout)
	defer cancel()

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		e.joinFailed(s, fmt.Errorf("failed to create offer: %w", err))
		return
	}
	gathered := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(offer); err != nil {
		e.joinFailed(s, fmt.Errorf("failed to set local description: %w", err))
		return
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		e.joinFailed(s, fmt.Errorf("ICE gathering: %w", ctx.Err()))
		return
	case <-s.done:
		return
	}

	answer, err := e.negotiator.Negotiate(ctx, &Offer{
		Room:   s.room,
		UserID: s.userID,
		Token:  s.currentToken(),
		SDP:    s.pc.LocalDescription().SDP,
	})
	if err != nil {
		e.joinFailed(s, fmt.Errorf("negotiation for %s failed: %w", s.room, err))
		return
	}
	s.setResource(answer.Resource)

	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		e.joinFailed(s, fmt.Errorf("failed to set remote description: %w", err))
	}
}

// joinFailed tears s down and reports err if s is still the current session.
func (e *Engine) joinFailed(s *session, err error) {
	if !e.detach(s) {
		return
	}
	e.logger.Printf("Failed to join %s: %v", s.room, err)
	if cerr := e.release(s); cerr != nil {
		e.logger.Printf("Failed to release %s: %v", s.room, cerr)
	}
	if h := e.handlerFor(); h != nil {
		h.OnJoinResult(s.room, err)
	}
}

// detach clears s as the current session and reports whether it was.
func (e *Engine) detach(s *session) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess != s {
		return false
	}
	e.sess = nil
	return true
}

func (e *Engine) release(s *session) error {
	s.stop()
	ctx, cancel := context.WithTimeout(context.Background(), e.config.NegotiateTimeout)
	defer cancel()
	var errs error
	errs = multierr.Append(errs, s.pc.Close())
	errs = multierr.Append(errs, e.negotiator.Release(ctx, s.getResource(), s.currentToken()))
	return errs
}

func (e *Engine) onConnectionState(s *session, state webrtc.PeerConnectionState) {
	h := e.handlerFor()
	switch state {
	case webrtc.PeerConnectionStateConnected:
		if s.markJoined() && h != nil && e.current(s) {
			h.OnJoinResult(s.room, nil)
		}
	case webrtc.PeerConnectionStateFailed:
		if !s.isJoined() {
			e.joinFailed(s, errors.New("peer connection failed"))
			return
		}
		if e.current(s) && h != nil {
			h.OnFatalError(s.room, errors.New("peer connection failed"))
		}
	}
}

func (e *Engine) current(s *session) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess == s
}

// onTrack reports remote presence and the first complete video frame of
// each remote publisher, and runs until the track ends.
func (e *Engine) onTrack(s *session, track *webrtc.TrackRemote) {
	remote := track.StreamID()
	if remote == "" {
		remote = fmt.Sprintf("ssrc-%d", track.SSRC())
	}
	h := e.handlerFor()
	if s.addRemote(remote) && h != nil && e.current(s) {
		h.OnRemoteJoined(s.room, remote)
	}

	video := track.Kind() == webrtc.RTPCodecTypeVideo
	if video {
		go e.requestKeyframes(s, uint32(track.SSRC()))
	}
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			break
		}
		if video && frameComplete(pkt) && s.subscribedVideo() && s.markFrame(remote) && h != nil && e.current(s) {
			h.OnFirstRemoteFrame(s.room, remote)
		}
	}

	if s.removeRemote(remote) && h != nil && e.current(s) {
		h.OnRemoteLeft(s.room, remote)
	}
}

// requestKeyframes sends a PLI at once and then every PLIInterval until s ends.
func (e *Engine) requestKeyframes(s *session, ssrc uint32) {
	send := func() {
		if err := s.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
			e.logger.Printf("Failed to send PLI for %d: %v", ssrc, err)
		}
	}
	send()
	ticker := time.NewTicker(e.config.PLIInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			send()
		case <-s.done:
			return
		}
	}
}

// Leave implements media.Engine.
func (e *Engine) Leave(_ context.Context) error {
	e.mu.Lock()
	s := e.sess
	e.sess = nil
	h := e.handler
	e.mu.Unlock()
	if s == nil {
		return nil
	}

	err := e.release(s)
	if h != nil {
		h.OnLocalLeft(s.room)
	}
	if err != nil {
		return fmt.Errorf("error leaving %s: %w", s.room, err)
	}
	return nil
}

// UpdateOptions implements media.Engine. Publishing is toggled by attaching
// or detaching the local tracks without renegotiation.
func (e *Engine) UpdateOptions(opts media.Options) error {
	e.mu.Lock()
	s := e.sess
	audio, video := e.audio, e.video
	e.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.apply(opts, audio, video)
}

// RenewToken implements media.TokenRenewer. The token is used for the
// next negotiation and release of the current room.
func (e *Engine) RenewToken(tok string) error {
	if tok == "" {
		return errors.New("rtc: empty token")
	}
	e.mu.Lock()
	s := e.sess
	e.mu.Unlock()
	if s == nil {
		return nil
	}
	s.setToken(tok)
	e.watchToken(s)
	return nil
}

// watchToken arms OnTokenWillExpire for a JWT room token.
func (e *Engine) watchToken(s *session) {
	exp, err := token.Expiry(s.currentToken())
	if err != nil {
		s.setTokenTimer(nil)
		return
	}
	wait := time.Until(exp) - e.config.TokenExpiryLead
	if wait < 0 {
		wait = 0
	}
	s.setTokenTimer(time.AfterFunc(wait, func() {
		if h := e.handlerFor(); h != nil && e.current(s) {
			h.OnTokenWillExpire(s.room)
		}
	}))
}
