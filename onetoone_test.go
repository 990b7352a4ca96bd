/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package onetoone

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tejzpr/onetoone-go-sdk/callapi"
	"github.com/tejzpr/onetoone-go-sdk/callsdk"
	"github.com/tejzpr/onetoone-go-sdk/media/fake"
	"github.com/tejzpr/onetoone-go-sdk/rtc"
	"github.com/tejzpr/onetoone-go-sdk/rtm"
	"github.com/tejzpr/onetoone-go-sdk/rtm/relay"
	"github.com/tejzpr/onetoone-go-sdk/signaling/inmem"
	"github.com/tejzpr/onetoone-go-sdk/token"
)

type quiet struct{}

func (quiet) Printf(string, ...interface{}) {}

func testPolicy() *callsdk.Policy {
	p := callsdk.DefaultPolicy()
	p.CallingTimeout = 3 * time.Second
	p.JoinTimeout = 2 * time.Second
	p.ReceiptTimeout = 500 * time.Millisecond
	return p
}

func waitState(t *testing.T, c *Client, want callapi.CallStateType) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for c.CallAPI().State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s, state is %s", want, c.CallAPI().State())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func prepare(t *testing.T, c *Client, room string) {
	t.Helper()
	done := make(chan error, 1)
	c.CallAPI().PrepareForCall(callapi.DefaultPrepareConfig(room), func(err error) { done <- err })
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("PrepareForCall: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("PrepareForCall did not complete")
	}
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr string
	}{
		{"nil config", nil, "config is required"},
		{"no user", &Config{}, "user id is required"},
		{"no relay", &Config{UserID: "alice"}, "relay URL is required"},
		{"no media endpoint", &Config{UserID: "alice", RelayURL: "ws://localhost/ws"}, "media engine"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.config)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}

	t.Run("defaults", func(t *testing.T) {
		rtcConfig := rtc.DefaultConfig("http://localhost/media")
		c, err := NewClient(&Config{
			UserID:   "alice",
			RelayURL: "ws://localhost/ws",
			RtmToken: "tok",
			RTC:      rtcConfig,
			Logger:   quiet{},
		})
		if err != nil {
			t.Fatalf("NewClient: %v", err)
		}
		if _, ok := c.Channel().(*rtm.Client); !ok {
			t.Errorf("Expected rtm channel, got %T", c.Channel())
		}
		if _, ok := c.Engine().(*rtc.Engine); !ok {
			t.Errorf("Expected rtc engine, got %T", c.Engine())
		}
		if rtcConfig.Logger != nil {
			t.Error("NewClient must not modify the caller's rtc config")
		}
		if err := c.Close(context.Background()); err != nil {
			t.Errorf("Close before Connect: %v", err)
		}
	})
}

func TestClient_CustomCapabilities(t *testing.T) {
	bus := inmem.NewBus()
	hub := fake.NewHub()
	conn := bus.Connect("alice")
	eng := hub.Engine("alice")

	c, err := NewClient(&Config{UserID: "alice", Channel: conn, Engine: eng, Policy: testPolicy(), Logger: quiet{}})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.Channel() != conn || c.Engine() != eng {
		t.Fatal("Expected custom channel and engine to be used")
	}

	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Second Connect: %v", err)
	}
	prepare(t, c, "room-a")
	if got := c.CallAPI().State(); got != callapi.StatePrepared {
		t.Errorf("Expected prepared, got %s", got)
	}

	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitState(t, c, callapi.StateIdle)
}

func TestClient_CallOverRelay(t *testing.T) {
	issuer, err := token.NewIssuer([]byte("0123456789abcdef0123456789abcdef"), "test")
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	srv, err := relay.New(relay.DefaultConfig(issuer))
	if err != nil {
		t.Fatalf("relay.New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Close()
	relayURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	hub := fake.NewHub()
	ctx := context.Background()
	newPeer := func(user string) *Client {
		tok, err := issuer.Issue(user, token.KindRTM, time.Hour)
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		c, err := NewClient(&Config{
			UserID:   user,
			RelayURL: relayURL,
			RtmToken: tok,
			Engine:   hub.Engine(user),
			Policy:   testPolicy(),
			Logger:   quiet{},
		})
		if err != nil {
			t.Fatalf("NewClient(%s): %v", user, err)
		}
		if err := c.Connect(ctx); err != nil {
			t.Fatalf("Connect(%s): %v", user, err)
		}
		t.Cleanup(func() { c.Close(context.Background()) })
		return c
	}

	alice := newPeer("alice")
	bob := newPeer("bob")
	prepare(t, alice, "room-alice")
	prepare(t, bob, "room-bob")

	done := make(chan error, 1)
	alice.CallAPI().Call("bob", func(err error) { done <- err })
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Call: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Call did not complete")
	}

	waitState(t, alice, callapi.StateConnected)
	waitState(t, bob, callapi.StateConnected)
	if got := bob.CallAPI().RemoteUserID(); got != "alice" {
		t.Errorf("Expected bob's remote to be alice, got %q", got)
	}
	if members := hub.Members("room-alice"); len(members) != 2 {
		t.Errorf("Expected both peers in the caller's room, got %v", members)
	}
}
