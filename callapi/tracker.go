/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package callapi

import (
	"sync"
	"time"
)

// Tracker mints call ids and records how long each phase of an attempt took.
type Tracker struct {
	mu     sync.Mutex
	newID  func() string
	now    func() time.Time
	callID string
	start  time.Time
	marks  map[string]time.Duration
}

// NewTracker creates a Tracker. newID defaults to a UUID generator.
func NewTracker(newID func() string) *Tracker {
	if newID == nil {
		newID = defaultCallID
	}
	return &Tracker{newID: newID, now: time.Now}
}

// NewCallID mints a fresh call id without starting an attempt.
func (t *Tracker) NewCallID() string {
	return t.newID()
}

// Begin starts tracking callID, discarding any previous attempt.
func (t *Tracker) Begin(callID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callID = callID
	t.start = t.now()
	t.marks = make(map[string]time.Duration)
}

// CallID returns the tracked attempt, or "".
func (t *Tracker) CallID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.callID
}

// Mark records the time elapsed since Begin under key, once per attempt.
// It returns the recorded duration and whether this call recorded it.
func (t *Tracker) Mark(key string) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.callID == "" {
		return 0, false
	}
	if d, ok := t.marks[key]; ok {
		return d, false
	}
	d := t.now().Sub(t.start)
	t.marks[key] = d
	return d, true
}

// CostTimes returns a copy of the recorded marks plus CostAll, the time
// elapsed since Begin.
func (t *Tracker) CostTimes() map[string]time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]time.Duration, len(t.marks)+1)
	for k, v := range t.marks {
		out[k] = v
	}
	if t.callID != "" {
		out[CostAll] = t.now().Sub(t.start)
	}
	return out
}

// Reset ends the tracked attempt.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callID = ""
	t.marks = nil
}
