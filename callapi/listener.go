/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package callapi

import (
	"reflect"
	"sync"
)

// Listener observes session state changes. A listener may also implement any
// of EventListener, ErrorListener, DebugListener and TokenListener.
type Listener interface {
	OnCallStateChanged(state CallStateType, reason CallReason, textReason string, info EventInfo)
}

// EventListener observes fine-grained events.
type EventListener interface {
	OnCallEventChanged(event CallEvent)
}

// ErrorListener observes errors that do not fail an operation completion.
type ErrorListener interface {
	OnCallError(event CallErrorEvent, codeType CallErrorCodeType, code int, message string)
}

// DebugListener receives session log lines.
type DebugListener interface {
	CallDebugInfo(message string, level CallLogLevel)
}

// TokenListener is told when a token is about to expire. The host should
// fetch new tokens and call RenewToken.
type TokenListener interface {
	TokenPrivilegeWillExpire()
}

// NopListener implements every listener interface with no-ops. Embed it to
// override a subset.
type NopListener struct{}

func (NopListener) OnCallStateChanged(CallStateType, CallReason, string, EventInfo) {}
func (NopListener) OnCallEventChanged(CallEvent) {}
func (NopListener) OnCallError(CallErrorEvent, CallErrorCodeType, int, string) {}
func (NopListener) CallDebugInfo(string, CallLogLevel) {}
func (NopListener) TokenPrivilegeWillExpire() {}

// Registry fans notifications out to listeners in registration order.
// Notification iterates a snapshot, so listeners may add or remove
// listeners while being notified.
type Registry struct {
	mu        sync.RWMutex
	listeners []Listener
}

// NewRegistry creates an empty Registry
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers l. It returns false for nil, for listeners whose dynamic type
// cannot be compared, and for listeners already registered.
func (r *Registry) Add(l Listener) bool {
	if l == nil || !reflect.TypeOf(l).Comparable() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cur := range r.listeners {
		if cur == l {
			return false
		}
	}
	r.listeners = append(r.listeners, l)
	return true
}

// Remove unregisters l and reports whether it was registered.
func (r *Registry) Remove(l Listener) bool {
	if l == nil || !reflect.TypeOf(l).Comparable() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cur := range r.listeners {
		if cur == l {
			r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of registered listeners.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}

func (r *Registry) snapshot() []Listener {
	r.mu.RLock()
	out := make([]Listener, len(r.listeners))
	copy(out, r.listeners)
	r.mu.RUnlock()
	return out
}

// NotifyState calls OnCallStateChanged on every listener.
func (r *Registry) NotifyState(state CallStateType, reason CallReason, textReason string, info EventInfo) {
	for _, l := range r.snapshot() {
		l.OnCallStateChanged(state, reason, textReason, info)
	}
}

// NotifyEvent calls OnCallEventChanged on every EventListener.
func (r *Registry) NotifyEvent(event CallEvent) {
	for _, l := range r.snapshot() {
		if el, ok := l.(EventListener); ok {
			el.OnCallEventChanged(event)
		}
	}
}

// NotifyError calls OnCallError on every ErrorListener.
func (r *Registry) NotifyError(event CallErrorEvent, codeType CallErrorCodeType, code int, message string) {
	for _, l := range r.snapshot() {
		if el, ok := l.(ErrorListener); ok {
			el.OnCallError(event, codeType, code, message)
		}
	}
}

// NotifyDebug calls CallDebugInfo on every DebugListener.
func (r *Registry) NotifyDebug(message string, level CallLogLevel) {
	for _, l := range r.snapshot() {
		if dl, ok := l.(DebugListener); ok {
			dl.CallDebugInfo(message, level)
		}
	}
}

// NotifyTokenWillExpire calls TokenPrivilegeWillExpire on every TokenListener.
func (r *Registry) NotifyTokenWillExpire() {
	for _, l := range r.snapshot() {
		if tl, ok := l.(TokenListener); ok {
			tl.TokenPrivilegeWillExpire()
		}
	}
}
