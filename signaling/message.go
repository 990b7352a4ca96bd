/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signaling

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies a signaling message
type MessageType string

const (
	TypeCallReq    MessageType = "call_req"
	TypeCallCancel MessageType = "call_cancel"
	TypeCallAccept MessageType = "call_accept"
	TypeCallReject MessageType = "call_reject"
	TypeCallHangup MessageType = "call_hangup"
	TypeReceipt    MessageType = "receipt"
)

// Payload keys understood by the call session.
const (
	PayloadReason    = "reason"
	PayloadPublisher = "publisher"
	PayloadCostTimes = "costTimeMap"
)

// Message is the signaling wire entity. It is never mutated once sent.
type Message struct {
	ID         string         `json:"messageId"`
	Type       MessageType    `json:"type"`
	CallID     string         `json:"callId,omitempty"`
	FromUserID string         `json:"fromUserId"`
	ToUserID   string         `json:"toUserId"`
	FromRoomID string         `json:"fromRoomId,omitempty"`
	SentAt     int64          `json:"sentAt"`
	ReceiptFor string         `json:"receiptFor,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeCallReq, TypeCallCancel, TypeCallAccept, TypeCallReject, TypeCallHangup, TypeReceipt:
		return true
	}
	return false
}

// SentTime returns SentAt as a time.Time.
func (m *Message) SentTime() time.Time {
	return time.UnixMilli(m.SentAt)
}

// Reason returns the reason string carried in the payload, if any.
func (m *Message) Reason() string {
	if m.Payload == nil {
		return ""
	}
	s, _ := m.Payload[PayloadReason].(string)
	return s
}

// WithReason returns m with the reason payload entry set.
func (m *Message) WithReason(reason string) *Message {
	if reason == "" {
		return m
	}
	if m.Payload == nil {
		m.Payload = make(map[string]any)
	}
	m.Payload[PayloadReason] = reason
	return m
}

// Encode serializes m to JSON.
func Encode(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("error encoding message: %w", err)
	}
	return data, nil
}

// Decode parses and validates a JSON signaling message.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("error decoding message: %w", err)
	}
	if !m.Type.Valid() {
		return nil, fmt.Errorf("unknown message type %q", m.Type)
	}
	if m.ID == "" {
		return nil, fmt.Errorf("message has no id")
	}
	if m.FromUserID == "" || m.ToUserID == "" {
		return nil, fmt.Errorf("message %s has no sender or recipient", m.ID)
	}
	if m.Type == TypeReceipt && m.ReceiptFor == "" {
		return nil, fmt.Errorf("receipt %s does not reference a message", m.ID)
	}
	return &m, nil
}
