/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package callapi

import "testing"

func TestMachine_Table(t *testing.T) {
	tests := []struct {
		name  string
		from  CallStateType
		event string
		want  CallStateType
		ok    bool
	}{
		{"prepare from idle", StateIdle, trPrepare, StatePrepared, true},
		{"prepare from failed", StateFailed, trPrepare, StatePrepared, true},
		{"prepare from calling", StateCalling, trPrepare, StateCalling, false},
		{"call from prepared", StatePrepared, trCall, StateCalling, true},
		{"call from calling", StateCalling, trCall, StateCalling, false},
		{"call from idle", StateIdle, trCall, StateIdle, false},
		{"connect from calling", StateCalling, trConnect, StateConnecting, true},
		{"connect from prepared", StatePrepared, trConnect, StatePrepared, false},
		{"connected from connecting", StateConnecting, trConnected, StateConnected, true},
		{"connected from calling", StateCalling, trConnected, StateCalling, false},
		{"reset from connected", StateConnected, trReset, StatePrepared, true},
		{"reset from failed", StateFailed, trReset, StateFailed, false},
		{"fail from prepared", StatePrepared, trFail, StateFailed, true},
		{"fail from idle", StateIdle, trFail, StateIdle, false},
		{"deinit from failed", StateFailed, trDeinit, StateIdle, true},
		{"deinit from idle", StateIdle, trDeinit, StateIdle, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMachine()
			m.SetState(tt.from.String())
			got, err := fire(m, tt.event)
			if (err == nil) != tt.ok {
				t.Fatalf("fire(%s) error = %v, expected ok=%v", tt.event, err, tt.ok)
			}
			if got != tt.want {
				t.Errorf("state = %v, expected %v", got, tt.want)
			}
		})
	}
}
