/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package callapi

import (
	"context"

	"github.com/looplab/fsm"
)

// Transition names of the coarse state machine.
const (
	trPrepare   = "prepare"
	trCall      = "call"
	trConnect   = "connect"
	trConnected = "connected"
	trReset     = "reset"
	trFail      = "fail"
	trDeinit    = "deinit"
)

var stateByName = map[string]CallStateType{
	StateIdle.String():       StateIdle,
	StatePrepared.String():   StatePrepared,
	StateCalling.String():    StateCalling,
	StateConnecting.String(): StateConnecting,
	StateConnected.String():  StateConnected,
	StateFailed.String():     StateFailed,
}

// newMachine returns the coarse transition table. Fine-grained guards
// (role, call id, peer) are checked by the session before firing.
func newMachine() *fsm.FSM {
	idle := StateIdle.String()
	prepared := StatePrepared.String()
	calling := StateCalling.String()
	connecting := StateConnecting.String()
	connected := StateConnected.String()
	failed := StateFailed.String()

	return fsm.NewFSM(
		idle,
		fsm.Events{
			{Name: trPrepare, Src: []string{idle, failed}, Dst: prepared},
			{Name: trCall, Src: []string{prepared}, Dst: calling},
			{Name: trConnect, Src: []string{calling}, Dst: connecting},
			{Name: trConnected, Src: []string{connecting}, Dst: connected},
			{Name: trReset, Src: []string{calling, connecting, connected}, Dst: prepared},
			{Name: trFail, Src: []string{prepared, calling, connecting, connected}, Dst: failed},
			{Name: trDeinit, Src: []string{prepared, calling, connecting, connected, failed}, Dst: idle},
		},
		fsm.Callbacks{},
	)
}

// fire applies transition name and returns the resulting state.
func fire(m *fsm.FSM, name string) (CallStateType, error) {
	if err := m.Event(context.Background(), name); err != nil {
		return stateByName[m.Current()], err
	}
	return stateByName[m.Current()], nil
}
