/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package signaling carries call-control messages between two users over a
// best-effort pub/sub channel, adding receipts, bounded retries and
// duplicate suppression on top of it.
package signaling

import "context"

// DefaultTopicPrefix is prepended to a user id to form that user's inbox topic.
const DefaultTopicPrefix = "onetoone.user."

// Handler receives raw payloads published on a subscribed topic.
type Handler func(topic string, data []byte)

// Channel is the messaging-channel capability. Implementations deliver
// at most once and in no particular order.
type Channel interface {
	Subscribe(ctx context.Context, topic string, h Handler) error
	Unsubscribe(ctx context.Context, topic string) error
	Publish(ctx context.Context, topic string, data []byte) error
}

// TokenRenewer is implemented by channels whose credentials can be swapped
// without resubscribing.
type TokenRenewer interface {
	RenewToken(token string) error
}

// DisconnectNotifier is implemented by channels that can report losing
// their connection after a successful subscribe.
type DisconnectNotifier interface {
	OnDisconnect(fn func(err error))
}

// Topic returns the inbox topic of userID.
func Topic(prefix, userID string) string {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return prefix + userID
}
