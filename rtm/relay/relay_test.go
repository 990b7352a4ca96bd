/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package relay

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tejzpr/onetoone-go-sdk/rtm"
	"github.com/tejzpr/onetoone-go-sdk/signaling"
	"github.com/tejzpr/onetoone-go-sdk/token"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestRelay(t *testing.T, mutate func(*Config)) (*Server, *httptest.Server, *token.Issuer) {
	t.Helper()
	issuer, err := token.NewIssuer(testSecret, "test")
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	cfg := DefaultConfig(issuer)
	if mutate != nil {
		mutate(cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, ts, issuer
}

type testConn struct {
	t  *testing.T
	ws *websocket.Conn
}

func dial(t *testing.T, ts *httptest.Server, issuer *token.Issuer, user string) *testConn {
	t.Helper()
	tok, err := issuer.Issue(user, token.KindRTM, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	header := http.Header{"Authorization": []string{"Bearer " + tok}}
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", header)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	c := &testConn{t: t, ws: ws}
	if f := c.read(); f.Type != rtm.FrameReady || f.ID == "" {
		t.Fatalf("Expected ready frame with connection id, got %+v", f)
	}
	return c
}

func (c *testConn) read() *rtm.Frame {
	c.t.Helper()
	c.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		c.t.Fatalf("ReadMessage: %v", err)
	}
	f, err := rtm.DecodeFrame(data)
	if err != nil {
		c.t.Fatalf("DecodeFrame: %v", err)
	}
	return f
}

func (c *testConn) request(f *rtm.Frame) *rtm.Frame {
	c.t.Helper()
	data, err := rtm.EncodeFrame(f)
	if err != nil {
		c.t.Fatalf("EncodeFrame: %v", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.t.Fatalf("WriteMessage: %v", err)
	}
	reply := c.read()
	if reply.ID != f.ID {
		c.t.Fatalf("Expected reply to %s, got %+v", f.ID, reply)
	}
	return reply
}

func TestNew(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("Expected error for nil config")
	}
	if _, err := New(&Config{}); err == nil {
		t.Error("Expected error without issuer")
	}
}

func TestAuthentication(t *testing.T) {
	_, ts, issuer := newTestRelay(t, nil)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	rtcToken, _ := issuer.Issue("alice", token.KindRTC, time.Hour)
	other, _ := token.NewIssuer([]byte("ffffffffffffffffffffffffffffffff"), "test")
	forged, _ := other.Issue("alice", token.KindRTM, time.Hour)

	tests := []struct {
		name  string
		token string
	}{
		{"missing token", ""},
		{"wrong kind", rtcToken},
		{"wrong secret", forged},
		{"garbage", "not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.token != "" {
				header.Set("Authorization", "Bearer "+tt.token)
			}
			_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
			if err == nil {
				t.Fatal("Expected handshake to fail")
			}
			if resp == nil || resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("Expected 401, got %v", resp)
			}
		})
	}

	t.Run("query token", func(t *testing.T) {
		tok, _ := issuer.Issue("alice", token.KindRTM, time.Hour)
		ws, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+tok, nil)
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		ws.Close()
	})
}

func TestSubscribePublish(t *testing.T) {
	s, ts, issuer := newTestRelay(t, nil)
	alice := dial(t, ts, issuer, "alice")
	bob := dial(t, ts, issuer, "bob")

	aliceTopic := signaling.Topic("", "alice")
	bobTopic := signaling.Topic("", "bob")

	if r := bob.request(&rtm.Frame{Type: rtm.FrameSubscribe, ID: "s1", Topic: bobTopic}); r.Type != rtm.FrameAck {
		t.Fatalf("Expected ack, got %+v", r)
	}

	t.Run("foreign inbox", func(t *testing.T) {
		r := bob.request(&rtm.Frame{Type: rtm.FrameSubscribe, ID: "s2", Topic: aliceTopic})
		if r.Type != rtm.FrameError || !strings.Contains(r.Error, "forbidden") {
			t.Errorf("Expected forbidden error, got %+v", r)
		}
	})

	t.Run("delivery", func(t *testing.T) {
		if r := alice.request(&rtm.Frame{Type: rtm.FramePublish, ID: "p1", Topic: bobTopic, Data: []byte(`{"x":1}`)}); r.Type != rtm.FrameAck {
			t.Fatalf("Expected ack, got %+v", r)
		}
		msg := bob.read()
		if msg.Type != rtm.FrameMessage || msg.Topic != bobTopic || string(msg.Data) != `{"x":1}` {
			t.Errorf("Unexpected delivery %+v", msg)
		}
	})

	t.Run("publish outside prefix", func(t *testing.T) {
		r := alice.request(&rtm.Frame{Type: rtm.FramePublish, ID: "p2", Topic: "elsewhere", Data: []byte("x")})
		if r.Type != rtm.FrameError {
			t.Errorf("Expected error, got %+v", r)
		}
	})

	t.Run("unknown frame", func(t *testing.T) {
		r := alice.request(&rtm.Frame{Type: rtm.FrameAck, ID: "u1"})
		if r.Type != rtm.FrameError {
			t.Errorf("Expected error, got %+v", r)
		}
	})

	t.Run("unsubscribe", func(t *testing.T) {
		if r := bob.request(&rtm.Frame{Type: rtm.FrameUnsubscribe, ID: "s3", Topic: bobTopic}); r.Type != rtm.FrameAck {
			t.Fatalf("Expected ack, got %+v", r)
		}
		if got := s.Stats().Topics; got != 0 {
			t.Errorf("Expected no topics after unsubscribe, got %d", got)
		}
	})

	st := s.Stats()
	if st.Connections != 2 || st.Published != 1 || st.Delivered != 1 {
		t.Errorf("Unexpected stats %+v", st)
	}
}

func TestRateLimit(t *testing.T) {
	_, ts, issuer := newTestRelay(t, func(c *Config) {
		c.Rate = 0.001
		c.Burst = 2
	})
	alice := dial(t, ts, issuer, "alice")
	topic := signaling.Topic("", "bob")

	for i, want := range []rtm.FrameType{rtm.FrameAck, rtm.FrameAck, rtm.FrameError} {
		r := alice.request(&rtm.Frame{Type: rtm.FramePublish, ID: string(rune('a' + i)), Topic: topic, Data: []byte("x")})
		if r.Type != want {
			t.Errorf("Publish %d: expected %s, got %+v", i, want, r)
		}
	}
}

func TestRenew(t *testing.T) {
	_, ts, issuer := newTestRelay(t, nil)
	alice := dial(t, ts, issuer, "alice")

	fresh, _ := issuer.Issue("alice", token.KindRTM, 2*time.Hour)
	if r := alice.request(&rtm.Frame{Type: rtm.FrameRenew, ID: "r1", Token: fresh}); r.Type != rtm.FrameAck {
		t.Errorf("Expected ack, got %+v", r)
	}

	stolen, _ := issuer.Issue("mallory", token.KindRTM, time.Hour)
	if r := alice.request(&rtm.Frame{Type: rtm.FrameRenew, ID: "r2", Token: stolen}); r.Type != rtm.FrameError {
		t.Errorf("Expected error for foreign subject, got %+v", r)
	}

	if r := alice.request(&rtm.Frame{Type: rtm.FrameRenew, ID: "r3", Token: "junk"}); r.Type != rtm.FrameError {
		t.Errorf("Expected error for invalid token, got %+v", r)
	}
}

func TestTokenExpiryClosesConnection(t *testing.T) {
	_, ts, issuer := newTestRelay(t, nil)
	tok, _ := issuer.Issue("alice", token.KindRTM, 2*time.Second)
	header := http.Header{"Authorization": []string{"Bearer " + tok}}
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", header)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			t.Fatalf("Expected policy violation close, got %v", err)
		}
		return
	}
}

func TestDisconnectAndClose(t *testing.T) {
	s, ts, issuer := newTestRelay(t, nil)
	alice := dial(t, ts, issuer, "alice")

	s.DisconnectAll()
	alice.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := alice.ws.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("Expected going-away close, got %v", err)
	}

	// Still accepting after DisconnectAll.
	dial(t, ts, issuer, "alice")

	s.Close()
	tok, _ := issuer.Issue("alice", token.KindRTM, time.Hour)
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws?token="+tok, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 after Close, got %v %v", resp, err)
	}
}

func TestHTTPEndpoints(t *testing.T) {
	_, ts, _ := newTestRelay(t, nil)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Errorf("Unexpected healthz response %d %q", resp.StatusCode, body)
	}

	resp, err = http.Get(ts.URL + "/stats")
	if err != nil {
		t.Fatalf("GET /stats: %v", err)
	}
	defer resp.Body.Close()
	var st Stats
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("Decode stats: %v", err)
	}
	if st.Connections != 0 {
		t.Errorf("Expected no connections, got %+v", st)
	}
}
