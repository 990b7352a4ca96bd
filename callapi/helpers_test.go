/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package callapi

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/tejzpr/onetoone-go-sdk/callsdk"
	"github.com/tejzpr/onetoone-go-sdk/media/fake"
	"github.com/tejzpr/onetoone-go-sdk/signaling"
	"github.com/tejzpr/onetoone-go-sdk/signaling/inmem"
)

var quiet = log.New(io.Discard, "", 0)

type stateChange struct {
	State  CallStateType
	Reason CallReason
	Text   string
	Info   EventInfo
}

type errorReport struct {
	Event    CallErrorEvent
	CodeType CallErrorCodeType
	Code     int
	Message  string
}

// recorder captures every notification.
type recorder struct {
	mu      sync.Mutex
	states  []stateChange
	events  []CallEvent
	errs    []errorReport
	lines   []string
	tokens  int
	onState func(stateChange)
}

func (r *recorder) OnCallStateChanged(state CallStateType, reason CallReason, text string, info EventInfo) {
	sc := stateChange{State: state, Reason: reason, Text: text, Info: info}
	r.mu.Lock()
	r.states = append(r.states, sc)
	hook := r.onState
	r.mu.Unlock()
	if hook != nil {
		hook(sc)
	}
}

func (r *recorder) OnCallEventChanged(event CallEvent) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recorder) OnCallError(event CallErrorEvent, codeType CallErrorCodeType, code int, message string) {
	r.mu.Lock()
	r.errs = append(r.errs, errorReport{event, codeType, code, message})
	r.mu.Unlock()
}

func (r *recorder) CallDebugInfo(message string, _ CallLogLevel) {
	r.mu.Lock()
	r.lines = append(r.lines, message)
	r.mu.Unlock()
}

func (r *recorder) TokenPrivilegeWillExpire() {
	r.mu.Lock()
	r.tokens++
	r.mu.Unlock()
}

func (r *recorder) stateList() []stateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stateChange(nil), r.states...)
}

// local returns the state changes published by the local session.
func (r *recorder) local(userID string) []CallStateType {
	var out []CallStateType
	for _, sc := range r.stateList() {
		if !sc.Info.Mirrored(userID) {
			out = append(out, sc.State)
		}
	}
	return out
}

func (r *recorder) countReason(reason CallReason) int {
	n := 0
	for _, sc := range r.stateList() {
		if sc.Reason == reason {
			n++
		}
	}
	return n
}

func (r *recorder) find(state CallStateType, reason CallReason) (stateChange, bool) {
	for _, sc := range r.stateList() {
		if sc.State == state && sc.Reason == reason {
			return sc, true
		}
	}
	return stateChange{}, false
}

func (r *recorder) hasEvent(ev CallEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == ev {
			return true
		}
	}
	return false
}

func (r *recorder) countEvent(ev CallEvent) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == ev {
			n++
		}
	}
	return n
}

func (r *recorder) errorList() []errorReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]errorReport(nil), r.errs...)
}

func (r *recorder) tokenWarnings() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tokens
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("completion was not called")
		return nil
	}
}

func completion() (func(error), chan error) {
	ch := make(chan error, 4)
	return func(err error) { ch <- err }, ch
}

func testPolicy() *callsdk.Policy {
	return &callsdk.Policy{
		CallingTimeout:  3 * time.Second,
		JoinTimeout:     2 * time.Second,
		ReceiptTimeout:  200 * time.Millisecond,
		MaxSendRetries:  2,
		TokenExpiryLead: 30 * time.Second,
		StaleCallMemory: 8,
	}
}

// sequence returns a generator yielding ids, then numbered fallbacks.
func sequence(prefix string, ids ...string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		if len(ids) > 0 {
			id := ids[0]
			ids = ids[1:]
			return id
		}
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

type peer struct {
	id   string
	api  *CallAPI
	rec  *recorder
	conn *inmem.Conn
	eng  *fake.Engine
}

type world struct {
	bus *inmem.Bus
	hub *fake.Hub
}

func newWorld() *world {
	return &world{bus: inmem.NewBus(), hub: fake.NewHub()}
}

func (w *world) peer(t *testing.T, id string, policy *callsdk.Policy, callIDs ...string) *peer {
	t.Helper()
	p := &peer{
		id:   id,
		api:  New(),
		rec:  &recorder{},
		conn: w.bus.Connect(id),
		eng:  w.hub.Engine(id),
	}
	if policy == nil {
		policy = testPolicy()
	}
	p.api.AddListener(p.rec)
	err := p.api.Initialize(&CallConfig{
		UserID:          id,
		Channel:         p.conn,
		Engine:          p.eng,
		Policy:          policy,
		Logger:          quiet,
		CallIDGenerator: sequence(id, callIDs...),
	})
	if err != nil {
		t.Fatalf("Initialize(%s) returned error: %v", id, err)
	}
	t.Cleanup(func() {
		done, ch := completion()
		p.api.Deinitialize(done)
		<-ch
	})
	return p
}

func (p *peer) prepare(t *testing.T, cfg *PrepareConfig) {
	t.Helper()
	done, ch := completion()
	p.api.PrepareForCall(cfg, done)
	if err := waitErr(t, ch); err != nil {
		t.Fatalf("PrepareForCall(%s) returned error: %v", p.id, err)
	}
	if s := p.api.State(); s != StatePrepared {
		t.Fatalf("%s state = %v after prepare", p.id, s)
	}
}

func manual(room string) *PrepareConfig {
	return &PrepareConfig{RoomID: room}
}

// inject publishes msg to the inbox of msg.ToUserID from a bare connection.
func (w *world) inject(t *testing.T, msg *signaling.Message) {
	t.Helper()
	if msg.SentAt == 0 {
		msg.SentAt = time.Now().UnixMilli()
	}
	data, err := signaling.Encode(msg)
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}
	raw := w.bus.Connect("raw-" + msg.FromUserID)
	if err := raw.Publish(context.Background(), signaling.Topic(signaling.DefaultTopicPrefix, msg.ToUserID), data); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
}

func (p *peer) waitState(t *testing.T, state CallStateType) {
	t.Helper()
	eventually(t, fmt.Sprintf("%s to reach %s", p.id, state), func() bool {
		return p.api.State() == state
	})
}
