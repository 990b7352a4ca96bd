/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package callapi

import (
	"context"
	"time"

	"github.com/tejzpr/onetoone-go-sdk/callsdk"
	"github.com/tejzpr/onetoone-go-sdk/media"
	"github.com/tejzpr/onetoone-go-sdk/signaling"
)

// inbound is the messenger handler. It runs on the channel's goroutine.
func (a *CallAPI) inbound(msg *signaling.Message) {
	a.post(func() { a.onMessage(msg) })
}

func (a *CallAPI) onMessage(msg *signaling.Message) {
	if a.state == StateIdle {
		return
	}
	if msg.ToUserID != a.userID {
		a.mismatch("drop %s addressed to %s", msg.Type, msg.ToUserID)
		return
	}

	switch msg.Type {
	case signaling.TypeCallReq:
		a.onCallRequest(msg)
	case signaling.TypeCallAccept:
		if !a.matches(msg, RoleCaller, StateCalling) {
			a.mismatch("drop %s for call %s from %s", msg.Type, msg.CallID, msg.FromUserID)
			return
		}
		a.tracker.Mark(CostAcceptCall)
		a.registry.NotifyEvent(EventRemoteAccepted)
		a.connect(ReasonRemoteAccepted)
	case signaling.TypeCallReject:
		if !a.matches(msg, RoleCaller, StateCalling) {
			a.retire(msg)
			a.mismatch("drop %s for call %s from %s", msg.Type, msg.CallID, msg.FromUserID)
			return
		}
		a.registry.NotifyEvent(EventRemoteRejected)
		a.endAttempt(ReasonRemoteRejected, msg.Reason())
	case signaling.TypeCallCancel:
		if !a.matches(msg, RoleCallee, StateCalling, StateConnecting) {
			a.retire(msg)
			a.mismatch("drop %s for call %s from %s", msg.Type, msg.CallID, msg.FromUserID)
			return
		}
		a.registry.NotifyEvent(EventRemoteCancel)
		a.endAttempt(ReasonRemoteCancel, "")
	case signaling.TypeCallHangup:
		if !a.matches(msg, RoleUnset, StateConnecting, StateConnected) {
			a.mismatch("drop %s for call %s from %s", msg.Type, msg.CallID, msg.FromUserID)
			return
		}
		a.registry.NotifyEvent(EventRemoteHangup)
		a.endAttempt(ReasonRemoteHangup, "")
	default:
		a.mismatch("drop unexpected %s", msg.Type)
	}
}

// retire remembers the call id of a cancel or reject that overtook its
// request, so the request is dropped when it arrives.
func (a *CallAPI) retire(msg *signaling.Message) {
	if msg.CallID != "" && msg.CallID != a.callID {
		a.remember(msg.CallID)
	}
}

// matches reports whether msg belongs to the attempt in flight, the local
// role is role (RoleUnset accepts either) and the state is one of states.
func (a *CallAPI) matches(msg *signaling.Message, role CallRole, states ...CallStateType) bool {
	if msg.CallID == "" || msg.CallID != a.callID || msg.FromUserID != a.remoteUserID {
		return false
	}
	if role != RoleUnset && a.role != role {
		return false
	}
	for _, s := range states {
		if a.state == s {
			return true
		}
	}
	return false
}

func (a *CallAPI) onCallRequest(msg *signaling.Message) {
	switch {
	case msg.CallID == "":
		a.mismatch("drop call request without call id from %s", msg.FromUserID)
		return
	case msg.CallID == a.callID:
		return
	case a.isFinished(msg.CallID):
		a.mismatch("drop call request for finished call %s", msg.CallID)
		return
	case time.Since(msg.SentTime()) > a.policy.CallingTimeout:
		a.mismatch("drop call request %s sent at %s", msg.CallID, msg.SentTime().Format(time.RFC3339))
		return
	}

	switch {
	case a.state == StatePrepared:
		a.adopt(msg)

	case a.state.active() && msg.FromUserID == a.remoteUserID && a.role == RoleCaller:
		// Both sides called each other. The request with the smaller call id
		// wins on both peers.
		if wins(a.callID, a.userID, msg.CallID, msg.FromUserID) {
			a.debug(LogNormal, "glare with %s: keeping call %s over %s", msg.FromUserID, a.callID, msg.CallID)
			a.remember(msg.CallID)
			return
		}
		if a.state != StateCalling {
			a.remember(msg.CallID)
			a.mismatch("drop glare request %s after call %s was answered", msg.CallID, a.callID)
			return
		}
		a.debug(LogNormal, "glare with %s: yielding call %s to %s", msg.FromUserID, a.callID, msg.CallID)
		a.recall(msg)

	case a.state == StateCalling && msg.FromUserID == a.remoteUserID && a.role == RoleCallee:
		a.debug(LogNormal, "caller %s recalled: %s replaces %s", msg.FromUserID, msg.CallID, a.callID)
		a.recall(msg)

	case a.state.active():
		a.busy(msg)

	default:
		a.mismatch("drop call request %s from %s", msg.CallID, msg.FromUserID)
	}
}

// wins reports whether the attempt (callID, callerID) takes precedence over
// (otherID, otherCaller).
func wins(callID, callerID, otherID, otherCaller string) bool {
	if callID != otherID {
		return callID < otherID
	}
	return callerID < otherCaller
}

// recall retracts the attempt in flight and answers msg instead.
func (a *CallAPI) recall(msg *signaling.Message) {
	a.registry.NotifyEvent(EventCancelByCallerRecall)
	a.endAttempt(ReasonCancelByCallerRecall, "")
	a.adopt(msg)
}

// adopt makes a Prepared session the callee of msg.
func (a *CallAPI) adopt(msg *signaling.Message) {
	room := msg.FromRoomID
	if room == "" {
		room = a.prepare.RoomID
	}
	a.beginAttempt(RoleCallee, msg.CallID, msg.FromUserID, room)
	a.registry.NotifyEvent(EventOnCalling)
	if !a.transition(trCall, ReasonNone, "", a.info()) {
		a.tracker.Reset()
		a.clearAttempt()
		a.publish()
		return
	}
	a.armCallingTimer()

	if a.prepare.AutoAccept {
		a.accept(msg.FromUserID, nil)
	}
}

// busy turns down a request from a third user while an attempt is in flight.
func (a *CallAPI) busy(msg *signaling.Message) {
	a.debug(LogNormal, "busy with %s: rejecting call %s from %s", a.callID, msg.CallID, msg.FromUserID)
	a.remember(msg.CallID)
	a.registry.NotifyState(StateCalling, ReasonNone, "", EventInfo{
		Publisher:    msg.FromUserID,
		FromUserID:   msg.FromUserID,
		RemoteUserID: a.userID,
		FromRoomID:   msg.FromRoomID,
		CallID:       msg.CallID,
	})
	reject := &signaling.Message{
		Type:     signaling.TypeCallReject,
		CallID:   msg.CallID,
		ToUserID: msg.FromUserID,
	}
	a.bestEffort(reject.WithReason(RejectReasonBusy))
}

// ---- Media ----

func (a *CallAPI) onMedia(ev media.Event) {
	if a.config == nil || a.state == StateIdle {
		return
	}
	inAttempt := a.state.active() && ev.Room == a.room

	switch ev.Signal {
	case media.SignalJoined:
		a.registry.NotifyEvent(EventLocalJoin)
		if !inAttempt {
			return
		}
		a.localJoined = true
		a.tracker.Mark(CostLocalUserJoinChannel)
		a.registry.NotifyEvent(EventJoinRTCSuccessed)
		a.checkConnected()

	case media.SignalJoinFailed:
		a.debug(LogError, "join %s failed: %v", ev.Room, ev.Err)
		a.registry.NotifyEvent(EventJoinRTCFailed)
		if inAttempt {
			a.registry.NotifyError(ErrorEventRtcOccurError, ErrorCodeRtc, int(callsdk.TypeJoinRTCFailed), errText(ev.Err))
			a.fail(ReasonJoinRTCFailed, errText(ev.Err))
		}

	case media.SignalLocalLeft:
		a.registry.NotifyEvent(EventLocalLeave)

	case media.SignalRemoteJoined:
		if inAttempt && ev.UserID == a.remoteUserID {
			a.registry.NotifyEvent(EventRemoteJoin)
		}

	case media.SignalRemoteLeft:
		if !inAttempt || ev.UserID != a.remoteUserID {
			return
		}
		a.registry.NotifyEvent(EventRemoteLeave)
		if a.state == StateConnected {
			a.registry.NotifyEvent(EventRemoteHangup)
			a.endAttempt(ReasonRemoteHangup, "remote left the room")
		}

	case media.SignalFirstFrame:
		if !inAttempt || ev.UserID != a.remoteUserID || a.firstFrame {
			return
		}
		a.firstFrame = true
		a.tracker.Mark(CostRecvFirstFrame)
		a.registry.NotifyEvent(EventRecvRemoteFirstFrame)
		a.checkConnected()

	case media.SignalFatal:
		a.debug(LogError, "media engine error in %s: %v", ev.Room, ev.Err)
		a.registry.NotifyEvent(EventRtcOccurError)
		a.registry.NotifyError(ErrorEventRtcOccurError, ErrorCodeRtc, int(callsdk.TypeRtcOccurError), errText(ev.Err))
		if inAttempt {
			a.fail(ReasonJoinRTCFailed, errText(ev.Err))
		}

	case media.SignalTokenWillExpire:
		a.registry.NotifyTokenWillExpire()
	}
}

// ---- Signaling channel loss ----

func (a *CallAPI) onRtmLost(err error) {
	if a.config == nil || (a.state != StatePrepared && !a.state.active()) {
		return
	}
	a.debug(LogError, "signaling channel lost: %v", err)
	a.registry.NotifyEvent(EventRtmLost)
	a.registry.NotifyError(ErrorEventRtmSetupFail, ErrorCodeMessage, int(callsdk.TypeRtmLost), errText(err))

	ctx, cancel := context.WithTimeout(context.Background(), a.policy.ReceiptTimeout)
	defer cancel()
	if stopErr := a.messenger.Stop(ctx); stopErr != nil {
		a.debug(LogWarning, "messenger stop: %v", stopErr)
	}
	a.fail(ReasonRtmLost, errText(err))
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
