/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package callapi implements the 1:1 call session: a state machine that
// exchanges call-control messages with one remote user over a signaling
// channel and drives a media engine in step with it.
//
// Every API method is non-blocking. Requests, inbound messages, media
// callbacks and timers are queued and applied one at a time on a single
// goroutine per CallAPI, which also invokes listeners and completions.
// Listeners may therefore call back into the CallAPI.
package callapi

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/tejzpr/onetoone-go-sdk/callsdk"
	"github.com/tejzpr/onetoone-go-sdk/media"
	"github.com/tejzpr/onetoone-go-sdk/signaling"
	"github.com/tejzpr/onetoone-go-sdk/token"
	"go.uber.org/multierr"
)

// Reject reasons sent by the session itself.
const (
	RejectReasonBusy         = "already calling"
	RejectReasonTimeout      = "calling timeout"
	RejectReasonDeinitialize = "deinitialize"
	RejectReasonByUser       = "reject by user"
)

const connectingTimeoutMessage = "connecting timeout"

// CallAPI is a 1:1 call session for one local user.
type CallAPI struct {
	registry *Registry

	qmu     sync.Mutex
	queue   []func()
	running bool

	smu  sync.RWMutex
	snap snapshot

	// Fields below are owned by the queue goroutine.
	config      *CallConfig
	policy      *callsdk.Policy
	logger      callsdk.Logger
	userID      string
	messenger   *signaling.Messenger
	coordinator *media.Coordinator
	tracker     *Tracker
	machine     *fsm.FSM
	prepare     *PrepareConfig

	state        CallStateType
	role         CallRole
	callID       string
	remoteUserID string
	room         string
	localJoined  bool
	firstFrame   bool

	timer    *time.Timer
	timerSeq uint64

	tokenTimers []*time.Timer
	tokenSeq    uint64

	attempt       uint64
	attemptCtx    context.Context
	attemptCancel context.CancelFunc
	finished      []string
	pending  map[uint64]func(error)
	nextOp   uint64
}

type snapshot struct {
	state        CallStateType
	role         CallRole
	callID       string
	remoteUserID string
}

// New creates an idle CallAPI. Call Initialize before PrepareForCall.
func New() *CallAPI {
	return &CallAPI{
		registry: NewRegistry(),
		logger:   callsdk.LoggerOrDefault(nil),
		pending:  make(map[uint64]func(error)),
	}
}

// ---- Accessors ----

// AddListener registers l. Duplicate registrations are ignored.
func (a *CallAPI) AddListener(l Listener) {
	a.registry.Add(l)
}

// RemoveListener unregisters l.
func (a *CallAPI) RemoveListener(l Listener) {
	a.registry.Remove(l)
}

// GetCallID returns the id of the attempt in flight, or "".
func (a *CallAPI) GetCallID() string {
	a.smu.RLock()
	defer a.smu.RUnlock()
	return a.snap.callID
}

// State returns the current session state.
func (a *CallAPI) State() CallStateType {
	a.smu.RLock()
	defer a.smu.RUnlock()
	return a.snap.state
}

// Role returns the local role of the attempt in flight.
func (a *CallAPI) Role() CallRole {
	a.smu.RLock()
	defer a.smu.RUnlock()
	return a.snap.role
}

// RemoteUserID returns the peer of the attempt in flight, or "".
func (a *CallAPI) RemoteUserID() string {
	a.smu.RLock()
	defer a.smu.RUnlock()
	return a.snap.remoteUserID
}

func (a *CallAPI) publish() {
	a.smu.Lock()
	a.snap = snapshot{state: a.state, role: a.role, callID: a.callID, remoteUserID: a.remoteUserID}
	a.smu.Unlock()
}

// ---- Queue ----

// post queues fn for the session goroutine.
func (a *CallAPI) post(fn func()) {
	a.qmu.Lock()
	a.queue = append(a.queue, fn)
	if a.running {
		a.qmu.Unlock()
		return
	}
	a.running = true
	a.qmu.Unlock()
	go a.drain()
}

func (a *CallAPI) drain() {
	for {
		a.qmu.Lock()
		if len(a.queue) == 0 {
			a.running = false
			a.qmu.Unlock()
			return
		}
		fn := a.queue[0]
		a.queue[0] = nil
		a.queue = a.queue[1:]
		a.qmu.Unlock()
		fn()
	}
}

// hold parks completion until release or deinitialize. A nil completion
// yields id 0.
func (a *CallAPI) hold(completion func(error)) uint64 {
	if completion == nil {
		return 0
	}
	a.nextOp++
	a.pending[a.nextOp] = completion
	return a.nextOp
}

func (a *CallAPI) release(id uint64, err error) {
	if id == 0 {
		return
	}
	completion, ok := a.pending[id]
	if !ok {
		return
	}
	delete(a.pending, id)
	completion(err)
}

// releaseAll resolves every parked completion with err, oldest first.
func (a *CallAPI) releaseAll(err error) {
	ids := make([]uint64, 0, len(a.pending))
	for id := range a.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		a.release(id, err)
	}
}

func complete(completion func(error), err error) {
	if completion != nil {
		completion(err)
	}
}

// ---- Logging & Notification ----

func (a *CallAPI) debug(level CallLogLevel, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	a.logger.Printf("[CallAPI %s] %s", a.userID, msg)
	a.registry.NotifyDebug(msg, level)
}

// mismatch reports a trigger that is invalid in the current state.
func (a *CallAPI) mismatch(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	a.debug(LogWarning, "state mismatch in %s: %s", a.state, msg)
	a.registry.NotifyEvent(EventStateMismatch)
	return callsdk.NewError(callsdk.TypeStateMismatch, "%s (state %s)", msg, a.state)
}

// info describes the attempt in flight from the local point of view.
func (a *CallAPI) info() EventInfo {
	from, to := a.userID, a.remoteUserID
	if a.role == RoleCallee {
		from, to = a.remoteUserID, a.userID
	}
	return EventInfo{
		Publisher:    a.userID,
		FromUserID:   from,
		RemoteUserID: to,
		FromRoomID:   a.room,
		CallID:       a.callID,
	}
}

// transition fires name on the state machine and notifies listeners.
func (a *CallAPI) transition(name string, reason CallReason, text string, info EventInfo) bool {
	next, err := fire(a.machine, name)
	if err != nil {
		a.debug(LogError, "transition %s from %s refused: %v", name, a.state, err)
		a.registry.NotifyEvent(EventStateMismatch)
		return false
	}
	a.debug(LogNormal, "state %s -> %s (%s)", a.state, next, reason)
	a.state = next
	a.publish()
	a.registry.NotifyState(next, reason, text, info)
	return true
}

// ---- Initialize / Deinitialize ----

// Initialize binds identity and capabilities. It fails with a ConfigError
// when a required field is missing and with a StateMismatch error unless
// the session is idle.
func (a *CallAPI) Initialize(config *CallConfig) error {
	if err := config.validate(); err != nil {
		return err
	}
	if s := a.State(); s != StateIdle {
		return callsdk.NewError(callsdk.TypeStateMismatch, "initialize requires idle state, current %s", s)
	}

	cfg := *config
	a.post(func() {
		if a.state != StateIdle {
			a.debug(LogWarning, "initialize ignored in state %s", a.state)
			return
		}
		a.bind(&cfg)
	})
	return nil
}

func (a *CallAPI) bind(cfg *CallConfig) {
	a.config = cfg
	a.policy = cfg.Policy.WithDefaults()
	a.logger = callsdk.LoggerOrDefault(cfg.Logger)
	a.userID = cfg.UserID
	a.tracker = NewTracker(cfg.CallIDGenerator)
	a.machine = newMachine()
	a.state = StateIdle
	a.messenger = signaling.NewMessenger(cfg.Channel, &signaling.MessengerConfig{
		UserID:         cfg.UserID,
		TopicPrefix:    cfg.TopicPrefix,
		ReceiptTimeout: a.policy.ReceiptTimeout,
		MaxSendRetries: a.policy.MaxSendRetries,
		Logger:         a.logger,
	})
	a.coordinator = media.NewCoordinator(cfg.Engine, &media.CoordinatorConfig{
		UserID:      cfg.UserID,
		JoinTimeout: a.policy.JoinTimeout,
		Logger:      a.logger,
	}, func(ev media.Event) {
		a.post(func() { a.onMedia(ev) })
	})
	if n, ok := cfg.Channel.(signaling.DisconnectNotifier); ok {
		n.OnDisconnect(func(err error) {
			a.post(func() { a.onRtmLost(err) })
		})
	}
	a.publish()
	a.debug(LogNormal, "initialized")
}

// Deinitialize ends any call, unsubscribes from signaling and returns the
// session to Idle. Completions still waiting on the peer are resolved with
// a Deinitialized error. The bound identity is kept so PrepareForCall can
// be used again.
func (a *CallAPI) Deinitialize(completion func(error)) {
	a.post(func() { a.deinitialize(completion) })
}

func (a *CallAPI) deinitialize(completion func(error)) {
	if a.config == nil {
		complete(completion, nil)
		return
	}

	var errs error
	farewell := a.farewell()
	a.stopTimer()
	a.stopTokenWatch()
	if a.callID != "" {
		a.remember(a.callID)
	}
	a.tracker.Reset()

	ctx, cancel := context.WithTimeout(context.Background(), a.policy.ReceiptTimeout)
	defer cancel()
	if farewell != nil {
		if err := a.messenger.Notify(ctx, farewell); err != nil {
			a.debug(LogWarning, "farewell %s not sent: %v", farewell.Type, err)
		}
	}
	errs = multierr.Append(errs, a.coordinator.Leave(ctx))
	errs = multierr.Append(errs, a.messenger.Stop(ctx))

	wasIdle := a.state == StateIdle
	a.clearAttempt()
	a.prepare = nil
	a.registry.NotifyEvent(EventDeinitialize)
	if !wasIdle {
		a.transition(trDeinit, ReasonNone, "deinitialize", EventInfo{Publisher: a.userID})
	}
	a.releaseAll(callsdk.NewError(callsdk.TypeDeinitialized, "session deinitialized"))
	if errs != nil {
		a.debug(LogWarning, "deinitialize cleanup: %v", errs)
	}
	complete(completion, errs)
}

// farewell returns the best-effort message telling the peer this side is
// going away, or nil.
func (a *CallAPI) farewell() *signaling.Message {
	switch {
	case a.state == StateCalling && a.role == RoleCaller:
		return a.message(signaling.TypeCallCancel)
	case a.state == StateCalling && a.role == RoleCallee:
		return a.message(signaling.TypeCallReject).WithReason(RejectReasonDeinitialize)
	case a.state == StateConnecting || a.state == StateConnected:
		return a.message(signaling.TypeCallHangup)
	}
	return nil
}

// ---- Tokens ----

// RenewToken swaps the credentials used by the signaling channel and the
// media engine. Empty tokens are left unchanged. The session state is not
// affected.
func (a *CallAPI) RenewToken(rtcToken, rtmToken string) {
	a.post(func() { a.renewToken(rtcToken, rtmToken) })
}

func (a *CallAPI) renewToken(rtcToken, rtmToken string) {
	if a.config == nil {
		a.debug(LogWarning, "renewToken before initialize ignored")
		return
	}
	if a.prepare != nil {
		if rtcToken != "" {
			a.prepare.RtcToken = rtcToken
		}
		if rtmToken != "" {
			a.prepare.RtmToken = rtmToken
		}
	}
	if rtmToken != "" {
		if r, ok := a.config.Channel.(signaling.TokenRenewer); ok {
			if err := r.RenewToken(rtmToken); err != nil {
				a.debug(LogError, "renew rtm token failed: %v", err)
			}
		}
	}
	if rtcToken != "" && a.coordinator.Room() != "" {
		if err := a.coordinator.RenewToken(rtcToken); err != nil {
			a.debug(LogError, "renew rtc token failed: %v", err)
		}
	}
	a.debug(LogNormal, "tokens renewed")
	if a.prepare != nil {
		a.watchTokens(a.prepare.RtcToken, a.prepare.RtmToken)
	}
}

// watchTokens arms a warning TokenExpiryLead before the earliest JWT expiry
// among tokens. Opaque tokens are ignored.
func (a *CallAPI) watchTokens(tokens ...string) {
	a.stopTokenWatch()
	seq := a.tokenSeq
	for _, raw := range tokens {
		if raw == "" {
			continue
		}
		exp, err := token.Expiry(raw)
		if err != nil {
			continue
		}
		wait := time.Until(exp) - a.policy.TokenExpiryLead
		if wait < 0 {
			wait = 0
		}
		a.tokenTimers = append(a.tokenTimers, time.AfterFunc(wait, func() {
			a.post(func() {
				if seq != a.tokenSeq {
					return
				}
				a.debug(LogWarning, "token expires at %s", exp.Format(time.RFC3339))
				a.registry.NotifyTokenWillExpire()
			})
		}))
	}
}

func (a *CallAPI) stopTokenWatch() {
	a.tokenSeq++
	for _, t := range a.tokenTimers {
		t.Stop()
	}
	a.tokenTimers = nil
}

// ---- Prepare ----

// PrepareForCall subscribes to the local inbox and moves an Idle or Failed
// session to Prepared. On a Prepared session it updates the configuration
// and reports a room change through EventPreparedRoomIDChanged.
func (a *CallAPI) PrepareForCall(config *PrepareConfig, completion func(error)) {
	var cfg *PrepareConfig
	if config != nil {
		c := *config
		cfg = &c
	}
	a.post(func() { a.prepareForCall(cfg, completion) })
}

func (a *CallAPI) prepareForCall(cfg *PrepareConfig, completion func(error)) {
	if a.config == nil {
		complete(completion, callsdk.NewError(callsdk.TypeConfig, "prepareForCall before initialize"))
		return
	}
	if cfg == nil || cfg.RoomID == "" {
		complete(completion, callsdk.NewError(callsdk.TypeConfig, "room id is required"))
		return
	}

	switch a.state {
	case StatePrepared:
		previous := a.prepare.RoomID
		a.prepare = cfg
		a.watchTokens(cfg.RtcToken, cfg.RtmToken)
		if previous != cfg.RoomID {
			a.debug(LogNormal, "prepared room %s -> %s", previous, cfg.RoomID)
			a.registry.NotifyEvent(EventPreparedRoomIDChanged)
		}
		a.parkMedia()
		complete(completion, nil)
		return
	case StateIdle, StateFailed:
	default:
		complete(completion, a.mismatch("prepareForCall during a call"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.policy.ReceiptTimeout)
	defer cancel()
	if err := a.messenger.Start(ctx, a.inbound); err != nil {
		a.debug(LogError, "signaling setup failed: %v", err)
		a.registry.NotifyEvent(EventRtmSetupFailed)
		a.registry.NotifyError(ErrorEventRtmSetupFail, ErrorCodeMessage, int(callsdk.TypeOf(err)), err.Error())
		complete(completion, err)
		return
	}

	a.prepare = cfg
	a.registry.NotifyEvent(EventRtmSetupSuccessed)
	a.watchTokens(cfg.RtcToken, cfg.RtmToken)
	a.parkMedia()
	a.transition(trPrepare, ReasonRtmSetupSuccessed, "", EventInfo{Publisher: a.userID, FromRoomID: cfg.RoomID})
	complete(completion, nil)
}

// parkMedia puts the engine in its between-calls position: silently in the
// prepared room with AutoJoinRTC, otherwise out of any room.
func (a *CallAPI) parkMedia() {
	ctx, cancel := context.WithTimeout(context.Background(), a.policy.JoinTimeout)
	defer cancel()
	if a.prepare != nil && a.prepare.AutoJoinRTC {
		if err := a.coordinator.Join(ctx, a.prepare.RoomID, a.prepare.RtcToken, media.Silent()); err != nil {
			a.debug(LogError, "auto join %s failed: %v", a.prepare.RoomID, err)
			a.registry.NotifyEvent(EventJoinRTCFailed)
		}
		return
	}
	if err := a.coordinator.Leave(ctx); err != nil {
		a.debug(LogWarning, "leave failed: %v", err)
	}
}

// ---- Attempt bookkeeping ----

func (a *CallAPI) message(t signaling.MessageType) *signaling.Message {
	return &signaling.Message{Type: t, CallID: a.callID, ToUserID: a.remoteUserID, FromRoomID: a.room}
}

// send delivers msg in the background and runs done on the session
// goroutine with the outcome.
func (a *CallAPI) send(msg *signaling.Message, done func(error)) {
	a.sendWithin(context.Background(), msg, done)
}

// sendWithin is send with retries bounded by ctx.
func (a *CallAPI) sendWithin(ctx context.Context, msg *signaling.Message, done func(error)) {
	m := a.messenger
	go func() {
		err := m.Send(ctx, msg)
		a.post(func() { done(err) })
	}()
}

// reportSendFailure surfaces a message that could not be delivered. Sends
// cut short by deinitialize or by the end of their attempt are not
// reported and yield false.
func (a *CallAPI) reportSendFailure(msg *signaling.Message, err error) bool {
	if errors.Is(err, callsdk.ErrDeinitialized) || errors.Is(err, context.Canceled) {
		return false
	}
	a.debug(LogError, "%s for call %s to %s failed: %v", msg.Type, msg.CallID, msg.ToUserID, err)
	if errors.Is(err, callsdk.ErrMissingReceipts) {
		a.registry.NotifyEvent(EventMissingReceipts)
	}
	a.registry.NotifyEvent(EventMessageFailed)
	a.registry.NotifyError(ErrorEventSendMessageFail, ErrorCodeMessage, int(callsdk.TypeOf(err)), err.Error())
	return true
}

// bestEffort sends msg and only reports a failure.
func (a *CallAPI) bestEffort(msg *signaling.Message) {
	a.send(msg, func(err error) {
		if err != nil {
			a.reportSendFailure(msg, err)
		}
	})
}

func (a *CallAPI) beginAttempt(role CallRole, callID, remoteUserID, room string) {
	a.attempt++
	a.role = role
	a.callID = callID
	a.remoteUserID = remoteUserID
	a.room = room
	a.localJoined = false
	a.firstFrame = false
	a.attemptCtx, a.attemptCancel = context.WithCancel(context.Background())
	a.tracker.Begin(callID)
}

// clearAttempt forgets the attempt in flight and stops its retries. The
// snapshot is left to the transition that follows.
func (a *CallAPI) clearAttempt() {
	if a.attemptCancel != nil {
		a.attemptCancel()
		a.attemptCancel = nil
	}
	a.attemptCtx = nil
	a.role = RoleUnset
	a.callID = ""
	a.remoteUserID = ""
	a.room = ""
	a.localJoined = false
	a.firstFrame = false
}

// remember records a finished call id so late copies of its request are dropped.
func (a *CallAPI) remember(callID string) {
	for _, id := range a.finished {
		if id == callID {
			return
		}
	}
	a.finished = append(a.finished, callID)
	if len(a.finished) > a.policy.StaleCallMemory {
		a.finished = a.finished[1:]
	}
}

func (a *CallAPI) isFinished(callID string) bool {
	for _, id := range a.finished {
		if id == callID {
			return true
		}
	}
	return false
}

// endAttempt closes the attempt in flight and returns to Prepared.
func (a *CallAPI) endAttempt(reason CallReason, text string) {
	info := a.info()
	a.stopTimer()
	a.remember(a.callID)
	a.tracker.Reset()
	a.clearAttempt()
	a.parkMedia()
	a.transition(trReset, reason, text, info)
}

// fail moves the session to Failed.
func (a *CallAPI) fail(reason CallReason, text string) {
	info := a.info()
	a.stopTimer()
	if a.callID != "" {
		a.remember(a.callID)
	}
	a.tracker.Reset()
	a.clearAttempt()
	ctx, cancel := context.WithTimeout(context.Background(), a.policy.JoinTimeout)
	defer cancel()
	if err := a.coordinator.Leave(ctx); err != nil {
		a.debug(LogWarning, "leave failed: %v", err)
	}
	a.transition(trFail, reason, text, info)
}

// ---- Timers ----

// armTimer starts the deadline of the current state for the attempt in flight.
func (a *CallAPI) armTimer(d time.Duration, onExpire func()) {
	a.stopTimer()
	seq := a.timerSeq
	a.timer = time.AfterFunc(d, func() {
		a.post(func() {
			if seq != a.timerSeq {
				return
			}
			a.timer = nil
			onExpire()
		})
	})
}

func (a *CallAPI) stopTimer() {
	a.timerSeq++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *CallAPI) armCallingTimer() {
	callID := a.callID
	a.armTimer(a.policy.CallingTimeout, func() {
		if a.state != StateCalling || a.callID != callID {
			return
		}
		a.debug(LogWarning, "call %s timed out after %v", callID, a.policy.CallingTimeout)
		a.registry.NotifyEvent(EventCallingTimeout)
		var msg *signaling.Message
		if a.role == RoleCaller {
			msg = a.message(signaling.TypeCallCancel)
		} else {
			msg = a.message(signaling.TypeCallReject).WithReason(RejectReasonTimeout)
		}
		a.endAttempt(ReasonCallingTimeout, "")
		a.bestEffort(msg)
	})
}

func (a *CallAPI) armConnectingTimer() {
	callID := a.callID
	a.armTimer(a.policy.JoinTimeout, func() {
		if a.state != StateConnecting || a.callID != callID {
			return
		}
		a.debug(LogError, "call %s: %s after %v", callID, connectingTimeoutMessage, a.policy.JoinTimeout)
		a.registry.NotifyEvent(EventJoinRTCFailed)
		a.fail(ReasonJoinRTCFailed, connectingTimeoutMessage)
	})
}
