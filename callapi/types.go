/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package callapi

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tejzpr/onetoone-go-sdk/callsdk"
	"github.com/tejzpr/onetoone-go-sdk/media"
	"github.com/tejzpr/onetoone-go-sdk/signaling"
)

// ---- State, Reason & Event Enums ----

// CallStateType is the coarse state of a call session
type CallStateType int

const (
	StateIdle       CallStateType = 0
	StatePrepared   CallStateType = 1
	StateCalling    CallStateType = 2
	StateConnecting CallStateType = 3
	StateConnected  CallStateType = 4
	StateFailed     CallStateType = 10
)

// String returns the string representation of the state
func (s CallStateType) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePrepared:
		return "prepared"
	case StateCalling:
		return "calling"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// active reports whether a call attempt is in flight.
func (s CallStateType) active() bool {
	return s == StateCalling || s == StateConnecting || s == StateConnected
}

// CallReason explains a state change
type CallReason int

const (
	ReasonNone                 CallReason = 0
	ReasonJoinRTCFailed        CallReason = 1
	ReasonRtmSetupFailed       CallReason = 2
	ReasonRtmSetupSuccessed    CallReason = 3
	ReasonMessageFailed        CallReason = 4
	ReasonLocalRejected        CallReason = 5
	ReasonRemoteRejected       CallReason = 6
	ReasonRemoteAccepted       CallReason = 7
	ReasonLocalAccepted        CallReason = 8
	ReasonLocalHangup          CallReason = 9
	ReasonRemoteHangup         CallReason = 10
	ReasonLocalCancel          CallReason = 11
	ReasonRemoteCancel         CallReason = 12
	ReasonRecvRemoteFirstFrame CallReason = 13
	ReasonCallingTimeout       CallReason = 14
	ReasonCancelByCallerRecall CallReason = 15
	ReasonRtmLost              CallReason = 16
)

var reasonNames = map[CallReason]string{
	ReasonNone:                 "None",
	ReasonJoinRTCFailed:        "JoinRTCFailed",
	ReasonRtmSetupFailed:       "RtmSetupFailed",
	ReasonRtmSetupSuccessed:    "RtmSetupSuccessed",
	ReasonMessageFailed:        "MessageFailed",
	ReasonLocalRejected:        "LocalRejected",
	ReasonRemoteRejected:       "RemoteRejected",
	ReasonRemoteAccepted:       "RemoteAccepted",
	ReasonLocalAccepted:        "LocalAccepted",
	ReasonLocalHangup:          "LocalHangup",
	ReasonRemoteHangup:         "RemoteHangup",
	ReasonLocalCancel:          "LocalCancel",
	ReasonRemoteCancel:         "RemoteCancel",
	ReasonRecvRemoteFirstFrame: "RecvRemoteFirstFrame",
	ReasonCallingTimeout:       "CallingTimeout",
	ReasonCancelByCallerRecall: "CancelByCallerRecall",
	ReasonRtmLost:              "RtmLost",
}

// String returns the string representation of the reason
func (r CallReason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return fmt.Sprintf("CallReason(%d)", int(r))
}

// CallEvent is a fine-grained session event
type CallEvent int

const (
	EventNone                  CallEvent = 0
	EventDeinitialize          CallEvent = 1
	EventMissingReceipts       CallEvent = 2
	EventCallingTimeout        CallEvent = 3
	EventJoinRTCFailed         CallEvent = 4
	EventJoinRTCSuccessed      CallEvent = 5
	EventRtmSetupFailed        CallEvent = 6
	EventRtmSetupSuccessed     CallEvent = 7
	EventMessageFailed         CallEvent = 8
	EventStateMismatch         CallEvent = 9
	EventPreparedRoomIDChanged CallEvent = 10
	EventRemoteUserRecvCall    CallEvent = 99
	EventLocalRejected         CallEvent = 100
	EventRemoteRejected        CallEvent = 101
	EventOnCalling             CallEvent = 102
	EventRemoteAccepted        CallEvent = 103
	EventLocalAccepted         CallEvent = 104
	EventLocalHangup           CallEvent = 105
	EventRemoteHangup          CallEvent = 106
	EventRemoteJoin            CallEvent = 107
	EventRemoteLeave           CallEvent = 108
	EventLocalCancel           CallEvent = 109
	EventRemoteCancel          CallEvent = 110
	EventLocalJoin             CallEvent = 111
	EventLocalLeave            CallEvent = 112
	EventRecvRemoteFirstFrame  CallEvent = 113
	EventCancelByCallerRecall  CallEvent = 114
	EventRtmLost               CallEvent = 115
	EventRtcOccurError         CallEvent = 116
)

var eventNames = map[CallEvent]string{
	EventNone:                  "None",
	EventDeinitialize:          "Deinitialize",
	EventMissingReceipts:       "MissingReceipts",
	EventCallingTimeout:        "CallingTimeout",
	EventJoinRTCFailed:         "JoinRTCFailed",
	EventJoinRTCSuccessed:      "JoinRTCSuccessed",
	EventRtmSetupFailed:        "RtmSetupFailed",
	EventRtmSetupSuccessed:     "RtmSetupSuccessed",
	EventMessageFailed:         "MessageFailed",
	EventStateMismatch:         "StateMismatch",
	EventPreparedRoomIDChanged: "PreparedRoomIdChanged",
	EventRemoteUserRecvCall:    "RemoteUserRecvCall",
	EventLocalRejected:         "LocalRejected",
	EventRemoteRejected:        "RemoteRejected",
	EventOnCalling:             "OnCalling",
	EventRemoteAccepted:        "RemoteAccepted",
	EventLocalAccepted:         "LocalAccepted",
	EventLocalHangup:           "LocalHangup",
	EventRemoteHangup:          "RemoteHangup",
	EventRemoteJoin:            "RemoteJoin",
	EventRemoteLeave:           "RemoteLeave",
	EventLocalCancel:           "LocalCancel",
	EventRemoteCancel:          "RemoteCancel",
	EventLocalJoin:             "LocalJoin",
	EventLocalLeave:            "LocalLeave",
	EventRecvRemoteFirstFrame:  "RecvRemoteFirstFrame",
	EventCancelByCallerRecall:  "CancelByCallerRecall",
	EventRtmLost:               "RtmLost",
	EventRtcOccurError:         "RtcOccurError",
}

// String returns the string representation of the event
func (e CallEvent) String() string {
	if s, ok := eventNames[e]; ok {
		return s
	}
	return fmt.Sprintf("CallEvent(%d)", int(e))
}

// CallLogLevel is the level of a debug line handed to listeners
type CallLogLevel int

const (
	LogNormal  CallLogLevel = 0
	LogWarning CallLogLevel = 1
	LogError   CallLogLevel = 2
)

// String returns the string representation of the log level
func (l CallLogLevel) String() string {
	switch l {
	case LogWarning:
		return "warning"
	case LogError:
		return "error"
	default:
		return "normal"
	}
}

// CallRole is the local side of an attempt
type CallRole int

const (
	RoleUnset CallRole = iota
	RoleCaller
	RoleCallee
)

// String returns the string representation of the role
func (r CallRole) String() string {
	switch r {
	case RoleCaller:
		return "caller"
	case RoleCallee:
		return "callee"
	default:
		return "unset"
	}
}

// CallErrorEvent classifies errors reported through OnCallError
type CallErrorEvent int

const (
	ErrorEventNormal          CallErrorEvent = 0
	ErrorEventRtcOccurError   CallErrorEvent = 100
	ErrorEventRtmSetupFail    CallErrorEvent = 200
	ErrorEventSendMessageFail CallErrorEvent = 210
)

// CallErrorCodeType tells which subsystem produced an error code
type CallErrorCodeType int

const (
	ErrorCodeNormal  CallErrorCodeType = 0
	ErrorCodeRtc     CallErrorCodeType = 1
	ErrorCodeMessage CallErrorCodeType = 2
)

// ---- Event Info ----

// Cost-time keys attached to the Connected notification.
const (
	CostRemoteUserRecvCall   = "remoteUserRecvCall"
	CostAcceptCall           = "acceptCall"
	CostLocalUserJoinChannel = "localUserJoinChannel"
	CostRecvFirstFrame       = "recvFirstFrame"
	CostAll                  = "allCost"
)

// EventInfo accompanies every state change.
type EventInfo struct {
	// Publisher is the user whose state changed. It equals the local user id
	// except for mirrored observations of a remote session.
	Publisher string
	// FromUserID is the caller of the attempt.
	FromUserID string
	// RemoteUserID is the callee of the attempt.
	RemoteUserID string
	// FromRoomID is the room the caller asked to meet in.
	FromRoomID string
	CallID     string
	// CostTimes is set on Connected.
	CostTimes map[string]time.Duration
	// Extra carries forward-compatible values.
	Extra map[string]any
}

// Mirrored reports whether info describes a remote session rather than the local one.
func (e EventInfo) Mirrored(localUserID string) bool {
	return e.Publisher != "" && e.Publisher != localUserID
}

// ---- Configuration ----

// CallConfig binds a CallAPI to its identity and capabilities
type CallConfig struct {
	// UserID is the local user. Signaling arrives on this user's inbox topic.
	UserID string
	// Channel is the messaging channel used for signaling.
	Channel signaling.Channel
	// Engine is the media engine.
	Engine media.Engine
	// Policy overrides timeouts and retry bounds. Zero fields take defaults.
	Policy *callsdk.Policy
	// TopicPrefix overrides signaling.DefaultTopicPrefix.
	TopicPrefix string
	// Logger receives SDK log lines. Defaults to log.Default().
	Logger callsdk.Logger
	// CallIDGenerator mints call ids. Defaults to uuid.NewString.
	CallIDGenerator func() string
}

// validate checks the required fields.
func (c *CallConfig) validate() error {
	if c == nil {
		return callsdk.NewError(callsdk.TypeConfig, "call config is required")
	}
	if c.UserID == "" {
		return callsdk.NewError(callsdk.TypeConfig, "user id is required")
	}
	if c.Channel == nil {
		return callsdk.NewError(callsdk.TypeConfig, "signaling channel is required")
	}
	if c.Engine == nil {
		return callsdk.NewError(callsdk.TypeConfig, "media engine is required")
	}
	return nil
}

// PrepareConfig configures a prepared session
type PrepareConfig struct {
	// RoomID is the media room a call started from this side meets in.
	RoomID   string
	RtcToken string
	RtmToken string
	// AutoAccept makes the callee accept every valid incoming call by itself.
	AutoAccept bool
	// AutoJoinRTC joins RoomID at prepare time with publishing suppressed.
	AutoJoinRTC bool
}

// DefaultPrepareConfig returns a PrepareConfig for roomID with AutoAccept enabled
func DefaultPrepareConfig(roomID string) *PrepareConfig {
	return &PrepareConfig{
		RoomID:     roomID,
		AutoAccept: true,
	}
}

func defaultCallID() string {
	return uuid.NewString()
}
