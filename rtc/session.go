/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package rtc

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/tejzpr/onetoone-go-sdk/media"
	"go.uber.org/multierr"
)

// session is one room's peer connection.
type session struct {
	room   string
	userID string
	pc     *webrtc.PeerConnection
	done   chan struct{}

	mu         sync.Mutex
	token      string
	resource   string
	opts       media.Options
	audioTx    *webrtc.RTPTransceiver
	videoTx    *webrtc.RTPTransceiver
	joined     bool
	stopped    bool
	remotes    map[string]int
	frames     map[string]bool
	tokenTimer *time.Timer
}

func newSession(pc *webrtc.PeerConnection, p media.JoinParams) *session {
	return &session{
		room:    p.Room,
		userID:  p.UserID,
		pc:      pc,
		done:    make(chan struct{}),
		token:   p.Token,
		opts:    p.Options,
		remotes: make(map[string]int),
		frames:  make(map[string]bool),
	}
}

// addTransceivers adds one sendrecv transceiver per kind. Tracks are only
// attached while the matching publish option is on.
func (s *session) addTransceivers(audio, video *webrtc.TrackLocalStaticRTP) error {
	init := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv}
	audioTx, err := s.pc.AddTransceiverFromTrack(audio, init)
	if err != nil {
		return fmt.Errorf("failed to add audio transceiver: %w", err)
	}
	videoTx, err := s.pc.AddTransceiverFromTrack(video, init)
	if err != nil {
		return fmt.Errorf("failed to add video transceiver: %w", err)
	}
	s.mu.Lock()
	s.audioTx, s.videoTx = audioTx, videoTx
	opts := s.opts
	s.mu.Unlock()
	return s.apply(opts, audio, video)
}

// apply attaches or detaches the local tracks to match opts.
func (s *session) apply(opts media.Options, audio, video *webrtc.TrackLocalStaticRTP) error {
	s.mu.Lock()
	s.opts = opts
	audioTx, videoTx := s.audioTx, s.videoTx
	s.mu.Unlock()
	if audioTx == nil || videoTx == nil {
		return nil
	}

	var errs error
	errs = multierr.Append(errs, replace(audioTx, audio, opts.PublishAudio))
	errs = multierr.Append(errs, replace(videoTx, video, opts.PublishVideo))
	return errs
}

func replace(tx *webrtc.RTPTransceiver, track *webrtc.TrackLocalStaticRTP, publish bool) error {
	sender := tx.Sender()
	if sender == nil {
		return nil
	}
	if !publish {
		return sender.ReplaceTrack(nil)
	}
	return sender.ReplaceTrack(track)
}

func (s *session) subscribedVideo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.SubscribeVideo
}

func (s *session) currentToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *session) setToken(tok string) {
	s.mu.Lock()
	s.token = tok
	s.mu.Unlock()
}

func (s *session) setResource(resource string) {
	s.mu.Lock()
	s.resource = resource
	s.mu.Unlock()
}

func (s *session) getResource() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resource
}

// markJoined reports whether this call flipped the session to joined.
func (s *session) markJoined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.joined || s.stopped {
		return false
	}
	s.joined = true
	return true
}

func (s *session) isJoined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined
}

// addRemote counts a track of remote and reports whether it is the first.
func (s *session) addRemote(remote string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remotes[remote]++
	return s.remotes[remote] == 1
}

// removeRemote reports whether the last track of remote ended.
func (s *session) removeRemote(remote string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remotes[remote]--
	if s.remotes[remote] > 0 {
		return false
	}
	delete(s.remotes, remote)
	delete(s.frames, remote)
	return true
}

// markFrame reports whether this is the first frame seen from remote.
func (s *session) markFrame(remote string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frames[remote] {
		return false
	}
	s.frames[remote] = true
	return true
}

func (s *session) setTokenTimer(t *time.Timer) {
	s.mu.Lock()
	old := s.tokenTimer
	s.tokenTimer = t
	if s.stopped && t != nil {
		t.Stop()
	}
	s.mu.Unlock()
	if old != nil {
		old.Stop()
	}
}

// stop ends background work tied to the session. It is idempotent.
func (s *session) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	t := s.tokenTimer
	s.tokenTimer = nil
	s.mu.Unlock()
	if t != nil {
		t.Stop()
	}
	close(s.done)
}

// frameComplete reports whether pkt closes a video frame. The marker bit is
// set on the last packet of a frame.
func frameComplete(pkt *rtp.Packet) bool {
	return pkt != nil && pkt.Marker && len(pkt.Payload) > 0
}
