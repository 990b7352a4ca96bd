/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package rtm

import "testing"

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"publish", `{"type":"publish","id":"1","topic":"t","data":"eA=="}`, false},
		{"ready", `{"type":"ready","id":"c"}`, false},
		{"unknown type", `{"type":"bogus"}`, true},
		{"missing type", `{"id":"1"}`, true},
		{"not json", `{`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := DecodeFrame([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeFrame() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.name == "publish" && string(f.Data) != "x" {
				t.Errorf("Expected data %q, got %q", "x", f.Data)
			}
		})
	}
}

func TestRequestError(t *testing.T) {
	err := &RequestError{Type: FramePublish, Message: "rate limited"}
	if got := err.Error(); got == "" {
		t.Error("Expected message")
	}
}
