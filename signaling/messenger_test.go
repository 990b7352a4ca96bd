/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signaling_test

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/tejzpr/onetoone-go-sdk/callsdk"
	"github.com/tejzpr/onetoone-go-sdk/signaling"
	"github.com/tejzpr/onetoone-go-sdk/signaling/inmem"
)

var quiet = log.New(io.Discard, "", 0)

func newPair(t *testing.T) (*signaling.Messenger, *signaling.Messenger, *inmem.Conn, *inmem.Conn, chan *signaling.Message) {
	t.Helper()
	bus := inmem.NewBus()
	connA := bus.Connect("alice")
	connB := bus.Connect("bob")

	cfg := func(user string) *signaling.MessengerConfig {
		return &signaling.MessengerConfig{
			UserID:         user,
			ReceiptTimeout: 30 * time.Millisecond,
			MaxSendRetries: 2,
			Logger:         quiet,
		}
	}
	a := signaling.NewMessenger(connA, cfg("alice"))
	b := signaling.NewMessenger(connB, cfg("bob"))

	inbox := make(chan *signaling.Message, 16)
	if err := a.Start(context.Background(), func(*signaling.Message) {}); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := b.Start(context.Background(), func(m *signaling.Message) { inbox <- m }); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	t.Cleanup(func() {
		_ = a.Stop(context.Background())
		_ = b.Stop(context.Background())
	})
	return a, b, connA, connB, inbox
}

func TestMessenger_SendReceipt(t *testing.T) {
	a, _, _, _, inbox := newPair(t)

	msg := &signaling.Message{Type: signaling.TypeCallReq, CallID: "c1", ToUserID: "bob"}
	if err := a.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if msg.ID == "" || msg.FromUserID != "alice" || msg.SentAt == 0 {
		t.Errorf("message was not stamped: %+v", msg)
	}

	select {
	case got := <-inbox:
		if got.ID != msg.ID || got.CallID != "c1" {
			t.Errorf("unexpected delivery %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestMessenger_RetryDeliversOnce(t *testing.T) {
	a, _, connA, _, inbox := newPair(t)
	connA.DropNext(1)

	msg := &signaling.Message{Type: signaling.TypeCallAccept, CallID: "c1", ToUserID: "bob"}
	if err := a.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}

	select {
	case <-inbox:
	case <-time.After(time.Second):
		t.Fatal("message not delivered after retry")
	}
}

func TestMessenger_DuplicateSuppressed(t *testing.T) {
	a, _, _, connB, inbox := newPair(t)
	// Lose bob's first receipt so alice republishes the same message id.
	connB.DropNext(1)

	msg := &signaling.Message{Type: signaling.TypeCallHangup, CallID: "c1", ToUserID: "bob"}
	if err := a.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}

	select {
	case <-inbox:
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
	select {
	case dup := <-inbox:
		t.Errorf("duplicate delivered: %+v", dup)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMessenger_MissingReceipts(t *testing.T) {
	a, _, _, connB, inbox := newPair(t)
	connB.SetDropAll(true)

	msg := &signaling.Message{Type: signaling.TypeCallCancel, CallID: "c1", ToUserID: "bob"}
	err := a.Send(context.Background(), msg)
	if !errors.Is(err, callsdk.ErrMissingReceipts) {
		t.Fatalf("expected MissingReceipts, got %v", err)
	}
	// Delivered once despite three publishes.
	<-inbox
	select {
	case <-inbox:
		t.Error("retransmission delivered twice")
	default:
	}
}

func TestMessenger_PublishFailure(t *testing.T) {
	a, _, connA, _, _ := newPair(t)
	connA.FailPublish(errors.New("link down"))

	err := a.Send(context.Background(), &signaling.Message{Type: signaling.TypeCallReq, ToUserID: "bob"})
	if !errors.Is(err, callsdk.ErrMessageFailed) {
		t.Fatalf("expected MessageFailed, got %v", err)
	}
}

func TestMessenger_StopResolvesPending(t *testing.T) {
	a, _, _, connB, _ := newPair(t)
	connB.SetDropAll(true)

	done := make(chan error, 1)
	go func() {
		done <- a.Send(context.Background(), &signaling.Message{Type: signaling.TypeCallReq, ToUserID: "bob"})
	}()

	time.Sleep(10 * time.Millisecond)
	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, signaling.ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
		if !errors.Is(err, callsdk.ErrDeinitialized) {
			t.Errorf("expected Deinitialized, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending send was not resolved")
	}

	if a.Started() {
		t.Error("messenger still started after Stop")
	}
	err := a.Send(context.Background(), &signaling.Message{Type: signaling.TypeCallReq, ToUserID: "bob"})
	if !errors.Is(err, callsdk.ErrMessageFailed) {
		t.Errorf("expected MessageFailed after Stop, got %v", err)
	}
}

func TestMessenger_StartFailure(t *testing.T) {
	conn := inmem.NewBus().Connect("alice")
	conn.FailSubscribe(errors.New("no auth"))
	m := signaling.NewMessenger(conn, &signaling.MessengerConfig{UserID: "alice", Logger: quiet})

	err := m.Start(context.Background(), func(*signaling.Message) {})
	if !errors.Is(err, callsdk.ErrRtmSetupFailed) {
		t.Errorf("expected RtmSetupFailed, got %v", err)
	}
}

func TestMessenger_Notify(t *testing.T) {
	a, _, _, _, inbox := newPair(t)
	if err := a.Notify(context.Background(), &signaling.Message{Type: signaling.TypeCallCancel, CallID: "c9", ToUserID: "bob"}); err != nil {
		t.Fatalf("Notify returned error: %v", err)
	}
	select {
	case got := <-inbox:
		if got.CallID != "c9" {
			t.Errorf("unexpected delivery %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestMessenger_ReceiptFromOtherUser(t *testing.T) {
	a, _, _, connB, inbox := newPair(t)
	connB.SetDropAll(true)
	mallory := connB.Bus().Connect("mallory")

	msg := &signaling.Message{ID: "m1", Type: signaling.TypeCallReq, CallID: "c1", ToUserID: "bob"}
	done := make(chan error, 1)
	go func() { done <- a.Send(context.Background(), msg) }()

	select {
	case <-inbox:
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
	forged, err := signaling.Encode(&signaling.Message{
		ID:         "r1",
		Type:       signaling.TypeReceipt,
		CallID:     "c1",
		FromUserID: "mallory",
		ToUserID:   "alice",
		ReceiptFor: "m1",
		SentAt:     time.Now().UnixMilli(),
	})
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}
	if err := mallory.Publish(context.Background(), a.Topic(), forged); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, callsdk.ErrMissingReceipts) {
			t.Errorf("expected MissingReceipts, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("send did not finish")
	}
}

func TestMessenger_CancelStopsRetries(t *testing.T) {
	a, _, connA, connB, inbox := newPair(t)
	connB.SetDropAll(true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- a.Send(ctx, &signaling.Message{Type: signaling.TypeCallReq, CallID: "c1", ToUserID: "bob"})
	}()

	select {
	case <-inbox:
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
		if !errors.Is(err, callsdk.ErrMessageFailed) {
			t.Errorf("expected MessageFailed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("send did not finish")
	}

	published, _ := connA.Stats()
	time.Sleep(100 * time.Millisecond)
	if after, _ := connA.Stats(); after != published {
		t.Errorf("republished after cancel: %d then %d", published, after)
	}
}
