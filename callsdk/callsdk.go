/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package callsdk holds the pieces shared by every package of the 1:1 calling SDK:
// the logger contract, the call policy constants and the error taxonomy.
package callsdk

import (
	"log"
	"time"
)

// Logger is the interface for SDK logging. Any logger that implements Printf
// (such as the standard library's *log.Logger or a zerolog.Logger) can be used.
type Logger interface {
	Printf(format string, v ...any)
}

// LoggerOrDefault returns l, or the standard library's default logger when l is nil.
func LoggerOrDefault(l Logger) Logger {
	if l == nil {
		return log.Default()
	}
	return l
}

// Policy holds the timing and retry constants of the call-signaling protocol.
type Policy struct {
	// CallingTimeout bounds how long a session may stay in Calling without an answer.
	CallingTimeout time.Duration

	// JoinTimeout bounds how long the media engine may take to report a join result.
	JoinTimeout time.Duration

	// ReceiptTimeout is how long the messenger waits for a receipt before resending.
	ReceiptTimeout time.Duration

	// MaxSendRetries is the number of resends after the first attempt before a
	// message is reported as failed.
	MaxSendRetries int

	// TokenExpiryLead is how long before a JWT token's expiry the session warns listeners.
	TokenExpiryLead time.Duration

	// StaleCallMemory is the number of finished call ids remembered to drop late retransmits.
	StaleCallMemory int
}

// DefaultPolicy returns a Policy with sensible defaults
func DefaultPolicy() *Policy {
	return &Policy{
		CallingTimeout:  15 * time.Second,
		JoinTimeout:     10 * time.Second,
		ReceiptTimeout:  3 * time.Second,
		MaxSendRetries:  3,
		TokenExpiryLead: 30 * time.Second,
		StaleCallMemory: 32,
	}
}

// WithDefaults returns a copy of p where every zero field is replaced by its default.
// A nil receiver yields DefaultPolicy().
func (p *Policy) WithDefaults() *Policy {
	def := DefaultPolicy()
	if p == nil {
		return def
	}
	out := *p
	if out.CallingTimeout <= 0 {
		out.CallingTimeout = def.CallingTimeout
	}
	if out.JoinTimeout <= 0 {
		out.JoinTimeout = def.JoinTimeout
	}
	if out.ReceiptTimeout <= 0 {
		out.ReceiptTimeout = def.ReceiptTimeout
	}
	if out.MaxSendRetries < 0 {
		out.MaxSendRetries = 0
	}
	if out.TokenExpiryLead <= 0 {
		out.TokenExpiryLead = def.TokenExpiryLead
	}
	if out.StaleCallMemory <= 0 {
		out.StaleCallMemory = def.StaleCallMemory
	}
	return &out
}
