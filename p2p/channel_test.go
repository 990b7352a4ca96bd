/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package p2p

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tejzpr/onetoone-go-sdk/signaling"
)

type quiet struct{}

func (quiet) Printf(string, ...interface{}) {}

func newTestChannel(t *testing.T, bootstrap ...string) *Channel {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Bootstrap = bootstrap
	cfg.Logger = quiet{}
	c, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func receive(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for message")
		return ""
	}
}

func TestSelfDelivery(t *testing.T) {
	c := newTestChannel(t)
	ctx := context.Background()
	topic := signaling.Topic("", "alice")

	got := make(chan string, 4)
	if err := c.Subscribe(ctx, topic, func(_ string, data []byte) { got <- string(data) }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := c.Publish(ctx, topic, []byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if m := receive(t, got); m != "hello" {
		t.Errorf("Expected hello, got %q", m)
	}

	if err := c.Unsubscribe(ctx, topic); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if err := c.Publish(ctx, topic, []byte("ignored")); err != nil {
		t.Fatalf("Publish after unsubscribe: %v", err)
	}
	select {
	case m := <-got:
		t.Errorf("Unexpected delivery after Unsubscribe: %q", m)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestTwoPeers(t *testing.T) {
	alice := newTestChannel(t)
	bob := newTestChannel(t, alice.Addrs()...)
	ctx := context.Background()
	topic := signaling.Topic("", "bob")

	got := make(chan string, 16)
	if err := bob.Subscribe(ctx, topic, func(_ string, data []byte) { got <- string(data) }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(alice.Peers(topic)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Subscription never propagated to alice")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if peers := alice.Peers(topic); peers[0] != bob.ID() {
		t.Errorf("Expected bob %s among peers, got %v", bob.ID(), peers)
	}

	if err := alice.Publish(ctx, topic, []byte("ring")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if m := receive(t, got); m != "ring" {
		t.Errorf("Expected ring, got %q", m)
	}
}

func TestConnectErrors(t *testing.T) {
	c := newTestChannel(t)
	ctx := context.Background()

	if err := c.Connect(ctx, "not a multiaddr"); err == nil {
		t.Error("Expected error for invalid multiaddr")
	}
	if err := c.Connect(ctx, "/ip4/127.0.0.1/tcp/1"); err == nil {
		t.Error("Expected error for multiaddr without peer id")
	}
}

func TestClose(t *testing.T) {
	c := newTestChannel(t)
	ctx := context.Background()
	if err := c.Subscribe(ctx, "t", func(string, []byte) {}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Publish(ctx, "t", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if err := c.Subscribe(ctx, "t", func(string, []byte) {}); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from Subscribe, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Second Close: %v", err)
	}
}
