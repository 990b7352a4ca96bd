/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package rtm

import (
	"encoding/json"
	"fmt"
)

// FrameType identifies a relay protocol frame.
type FrameType string

// Frame types. Requests from the client carry an ID and are answered by an
// ack or error frame with the same ID.
const (
	FrameReady       FrameType = "ready"
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FramePublish     FrameType = "publish"
	FrameRenew       FrameType = "renew"
	FrameMessage     FrameType = "message"
	FrameAck         FrameType = "ack"
	FrameError       FrameType = "error"
)

// Frame is one websocket text message between client and relay.
type Frame struct {
	Type  FrameType `json:"type"`
	ID    string    `json:"id,omitempty"`
	Topic string    `json:"topic,omitempty"`
	Data  []byte    `json:"data,omitempty"`
	Token string    `json:"token,omitempty"`
	Error string    `json:"error,omitempty"`
}

// EncodeFrame serializes f.
func EncodeFrame(f *Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("error encoding frame: %w", err)
	}
	return data, nil
}

// DecodeFrame parses a frame and checks its type.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("error decoding frame: %w", err)
	}
	switch f.Type {
	case FrameReady, FrameSubscribe, FrameUnsubscribe, FramePublish, FrameRenew, FrameMessage, FrameAck, FrameError:
		return &f, nil
	default:
		return nil, fmt.Errorf("unknown frame type %q", f.Type)
	}
}

// RequestError is returned when the relay refuses a request.
type RequestError struct {
	Type    FrameType
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("relay refused %s: %s", e.Type, e.Message)
}
