/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package rtc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/tejzpr/onetoone-go-sdk/callsdk"
)

const sdpContentType = "application/sdp"

// Offer is a local session description sent to the media server.
type Offer struct {
	Room   string
	UserID string
	Token  string
	SDP    string
}

// Answer is the media server's reply to an Offer.
type Answer struct {
	SDP string
	// Resource identifies the server-side session, used to release it.
	Resource string
}

// Negotiator exchanges session descriptions with a media server.
type Negotiator interface {
	Negotiate(ctx context.Context, offer *Offer) (*Answer, error)
	Release(ctx context.Context, resource, token string) error
}

// HTTPNegotiator is a WHIP-style Negotiator.
type HTTPNegotiator struct {
	endpoint *url.URL
	client   *http.Client
}

// NewHTTPNegotiator creates a negotiator for the media server at endpoint.
func NewHTTPNegotiator(endpoint string, client *http.Client) (*HTTPNegotiator, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid media endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid media endpoint %q: scheme must be http or https", endpoint)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPNegotiator{endpoint: u, client: client}, nil
}

// Negotiate posts the offer and validates the answer.
func (n *HTTPNegotiator) Negotiate(ctx context.Context, offer *Offer) (*Answer, error) {
	target := n.endpoint.JoinPath("rooms", offer.Room)
	q := target.Query()
	q.Set("user", offer.UserID)
	target.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), strings.NewReader(offer.SDP))
	if err != nil {
		return nil, fmt.Errorf("error creating offer request: %w", err)
	}
	req.Header.Set("Content-Type", sdpContentType)
	if offer.Token != "" {
		req.Header.Set("Authorization", "Bearer "+offer.Token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error posting offer: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading answer: %w", err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, callsdk.NewHTTPError(resp, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, sdpContentType) {
		return nil, fmt.Errorf("unexpected answer content type %q", ct)
	}
	if err := ValidateAnswer(body); err != nil {
		return nil, err
	}

	answer := &Answer{SDP: string(body)}
	if loc := resp.Header.Get("Location"); loc != "" {
		ref, err := url.Parse(loc)
		if err != nil {
			return nil, fmt.Errorf("invalid session location %q: %w", loc, err)
		}
		answer.Resource = resp.Request.URL.ResolveReference(ref).String()
	}
	return answer, nil
}

// Release deletes the server-side session. An empty resource is a no-op.
func (n *HTTPNegotiator) Release(ctx context.Context, resource, token string) error {
	if resource == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, resource, nil)
	if err != nil {
		return fmt.Errorf("error creating release request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("error releasing session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	if err := callsdk.NewHTTPError(resp, body); !callsdk.IsNotFound(err) {
		return err
	}
	return nil
}

// ValidateAnswer checks that raw parses as SDP and carries at least one
// media section with a connection fingerprint.
func ValidateAnswer(raw []byte) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return errors.New("empty answer")
	}
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(raw); err != nil {
		return fmt.Errorf("failed to parse answer: %w", err)
	}
	if len(desc.MediaDescriptions) == 0 {
		return errors.New("answer has no media descriptions")
	}
	if _, ok := desc.Attribute("fingerprint"); ok {
		return nil
	}
	for _, m := range desc.MediaDescriptions {
		if _, ok := m.Attribute("fingerprint"); ok {
			return nil
		}
	}
	return errors.New("answer has no DTLS fingerprint")
}
