/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package callapi

import (
	"context"

	"github.com/tejzpr/onetoone-go-sdk/callsdk"
	"github.com/tejzpr/onetoone-go-sdk/media"
	"github.com/tejzpr/onetoone-go-sdk/signaling"
)

// Call starts an attempt to remoteUserID. The session moves to Calling at
// once; completion reports whether the request reached the peer. Retries
// stop when the attempt ends, and a request withdrawn before its receipt
// completes with an error wrapping context.Canceled.
func (a *CallAPI) Call(remoteUserID string, completion func(error)) {
	a.post(func() { a.call(remoteUserID, completion) })
}

func (a *CallAPI) call(remoteUserID string, completion func(error)) {
	if a.state != StatePrepared {
		complete(completion, a.mismatch("call %s", remoteUserID))
		return
	}
	if remoteUserID == "" || remoteUserID == a.userID {
		complete(completion, callsdk.NewError(callsdk.TypeConfig, "invalid remote user %q", remoteUserID))
		return
	}

	callID := a.tracker.NewCallID()
	a.beginAttempt(RoleCaller, callID, remoteUserID, a.prepare.RoomID)
	a.registry.NotifyEvent(EventOnCalling)
	if !a.transition(trCall, ReasonNone, "", a.info()) {
		a.tracker.Reset()
		a.clearAttempt()
		a.publish()
		complete(completion, callsdk.NewError(callsdk.TypeStateMismatch, "call refused in state %s", a.state))
		return
	}
	a.armCallingTimer()

	op := a.hold(completion)
	req := a.message(signaling.TypeCallReq)
	a.sendWithin(a.attemptCtx, req, func(err error) {
		if err != nil {
			a.reportSendFailure(req, err)
			a.release(op, err)
			return
		}
		if a.callID == callID {
			if d, first := a.tracker.Mark(CostRemoteUserRecvCall); first {
				a.debug(LogNormal, "call %s reached %s after %v", callID, remoteUserID, d)
			}
			a.registry.NotifyEvent(EventRemoteUserRecvCall)
		}
		a.release(op, nil)
	})
}

// CancelCall withdraws the outgoing attempt before it is answered.
func (a *CallAPI) CancelCall(completion func(error)) {
	a.post(func() { a.cancelCall(completion) })
}

func (a *CallAPI) cancelCall(completion func(error)) {
	if a.state != StateCalling || a.role != RoleCaller {
		complete(completion, a.mismatch("cancelCall as %s", a.role))
		return
	}

	msg := a.message(signaling.TypeCallCancel)
	a.registry.NotifyEvent(EventLocalCancel)
	a.endAttempt(ReasonLocalCancel, "")

	op := a.hold(completion)
	a.send(msg, func(err error) {
		if err != nil {
			a.reportSendFailure(msg, err)
		}
		a.release(op, err)
	})
}

// Accept answers the incoming attempt from remoteUserID and joins the
// caller's room. The session reaches Connected once the local join and the
// first remote frame have both been seen.
func (a *CallAPI) Accept(remoteUserID string, completion func(error)) {
	a.post(func() { a.accept(remoteUserID, completion) })
}

func (a *CallAPI) accept(remoteUserID string, completion func(error)) {
	if a.state != StateCalling || a.role != RoleCallee || remoteUserID != a.remoteUserID {
		complete(completion, a.mismatch("accept %s as %s", remoteUserID, a.role))
		return
	}

	callID := a.callID
	msg := a.message(signaling.TypeCallAccept)
	a.tracker.Mark(CostAcceptCall)
	a.registry.NotifyEvent(EventLocalAccepted)
	a.connect(ReasonLocalAccepted)

	op := a.hold(completion)
	a.send(msg, func(err error) {
		if err != nil && a.reportSendFailure(msg, err) && a.callID == callID {
			a.fail(ReasonMessageFailed, err.Error())
		}
		a.release(op, err)
	})
}

// Reject declines the incoming attempt from remoteUserID. An empty reason
// sends RejectReasonByUser.
func (a *CallAPI) Reject(remoteUserID, reason string, completion func(error)) {
	a.post(func() { a.reject(remoteUserID, reason, completion) })
}

func (a *CallAPI) reject(remoteUserID, reason string, completion func(error)) {
	if a.state != StateCalling || a.role != RoleCallee || remoteUserID != a.remoteUserID {
		complete(completion, a.mismatch("reject %s as %s", remoteUserID, a.role))
		return
	}
	if reason == "" {
		reason = RejectReasonByUser
	}

	msg := a.message(signaling.TypeCallReject).WithReason(reason)
	attempt := a.attempt
	a.registry.NotifyEvent(EventLocalRejected)
	a.endAttempt(ReasonLocalRejected, reason)

	op := a.hold(completion)
	a.send(msg, func(err error) {
		if err != nil && a.reportSendFailure(msg, err) && a.state == StatePrepared && a.attempt == attempt {
			a.fail(ReasonMessageFailed, err.Error())
		}
		a.release(op, err)
	})
}

// Hangup ends a connecting or connected call with remoteUserID.
func (a *CallAPI) Hangup(remoteUserID string, completion func(error)) {
	a.post(func() { a.hangup(remoteUserID, completion) })
}

func (a *CallAPI) hangup(remoteUserID string, completion func(error)) {
	if (a.state != StateConnecting && a.state != StateConnected) || remoteUserID != a.remoteUserID {
		complete(completion, a.mismatch("hangup %s", remoteUserID))
		return
	}

	msg := a.message(signaling.TypeCallHangup)
	a.registry.NotifyEvent(EventLocalHangup)
	a.endAttempt(ReasonLocalHangup, "")

	op := a.hold(completion)
	a.send(msg, func(err error) {
		if err != nil {
			a.reportSendFailure(msg, err)
		}
		a.release(op, err)
	})
}

// connect moves an answered attempt to Connecting and joins its room
// publishing both ways.
func (a *CallAPI) connect(reason CallReason) {
	a.stopTimer()
	if !a.transition(trConnect, reason, "", a.info()) {
		return
	}
	a.armConnectingTimer()

	ctx, cancel := context.WithTimeout(context.Background(), a.policy.JoinTimeout)
	defer cancel()
	if err := a.coordinator.Join(ctx, a.room, a.prepare.RtcToken, media.Symmetric()); err != nil {
		a.debug(LogError, "join %s failed: %v", a.room, err)
		a.registry.NotifyEvent(EventJoinRTCFailed)
		a.registry.NotifyError(ErrorEventRtcOccurError, ErrorCodeRtc, int(callsdk.TypeJoinRTCFailed), err.Error())
		a.fail(ReasonJoinRTCFailed, err.Error())
	}
}

// checkConnected completes Connecting once both gates are open.
func (a *CallAPI) checkConnected() {
	if a.state != StateConnecting || !a.localJoined || !a.firstFrame {
		return
	}
	a.stopTimer()
	info := a.info()
	info.CostTimes = a.tracker.CostTimes()
	a.transition(trConnected, ReasonRecvRemoteFirstFrame, "", info)
}
