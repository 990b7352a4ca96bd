/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package callsdk

import (
	"log"
	"testing"
	"time"
)

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if p.CallingTimeout != 15*time.Second {
		t.Errorf("CallingTimeout = %v", p.CallingTimeout)
	}
	if p.JoinTimeout != 10*time.Second {
		t.Errorf("JoinTimeout = %v", p.JoinTimeout)
	}
	if p.ReceiptTimeout != 3*time.Second {
		t.Errorf("ReceiptTimeout = %v", p.ReceiptTimeout)
	}
	if p.MaxSendRetries != 3 {
		t.Errorf("MaxSendRetries = %d", p.MaxSendRetries)
	}
	if p.StaleCallMemory != 32 {
		t.Errorf("StaleCallMemory = %d", p.StaleCallMemory)
	}
}

func TestPolicy_WithDefaults(t *testing.T) {
	t.Run("nil receiver", func(t *testing.T) {
		var p *Policy
		if got := p.WithDefaults(); *got != *DefaultPolicy() {
			t.Errorf("WithDefaults() = %+v", got)
		}
	})

	t.Run("keeps explicit values", func(t *testing.T) {
		p := &Policy{CallingTimeout: time.Second, MaxSendRetries: 0}
		got := p.WithDefaults()
		if got.CallingTimeout != time.Second {
			t.Errorf("CallingTimeout = %v", got.CallingTimeout)
		}
		if got.MaxSendRetries != 0 {
			t.Errorf("MaxSendRetries = %d", got.MaxSendRetries)
		}
		if got.JoinTimeout != 10*time.Second {
			t.Errorf("JoinTimeout = %v", got.JoinTimeout)
		}
		if p.JoinTimeout != 0 {
			t.Error("WithDefaults mutated its receiver")
		}
	})
}

func TestLoggerOrDefault(t *testing.T) {
	if LoggerOrDefault(nil) != log.Default() {
		t.Error("expected the standard logger for nil")
	}
	l := log.New(nil, "", 0)
	if LoggerOrDefault(l) != l {
		t.Error("expected the provided logger")
	}
}
